package barengine

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"ohlc-systemv1/internal/align"
	"ohlc-systemv1/internal/catalog"
	"ohlc-systemv1/internal/model"
	"ohlc-systemv1/internal/state"
)

// Store is the persistence surface the bar engine needs. The SQLite store
// implements it; tests may substitute fakes.
type Store interface {
	// PriceRange returns the asset's full observed [min, max] timestamps.
	// Zero times when the asset has no observations.
	PriceRange(ctx context.Context, assetID string) (min, max time.Time, err error)

	// PriceWindow returns observations with from <= ts <= to, ascending.
	PriceWindow(ctx context.Context, assetID string, from, to time.Time) ([]model.PriceObservation, error)

	// BarBefore returns the last bar with time_open < before for the
	// lineage, or nil.
	BarBefore(ctx context.Context, assetID, timeframe, scheme string, before time.Time) (*model.Bar, error)

	// ReplaceBars atomically deletes lineage bars with time_open >= from
	// and inserts the given bars and reject records in one transaction.
	// Returns the number of bar rows written.
	ReplaceBars(ctx context.Context, assetID, timeframe, scheme string, from time.Time, bars []model.Bar, rejects []model.RejectRecord) (int64, error)

	// BarCount returns the lineage's total bar count.
	BarCount(ctx context.Context, assetID, timeframe, scheme string) (int64, error)
}

// Engine refreshes one (asset, timeframe, scheme) lineage at a time:
// dirty-window computation from watermark state, rebuild, transactional
// replace, backfill-aware re-anchoring, state save.
type Engine struct {
	store    Store
	states   state.Store
	cat      *catalog.Catalog
	log      *slog.Logger
	lookback time.Duration // dirty-window margin for late-arriving data

	// OnBars is called with the committed bars after each successful
	// lineage write (optional; used for publishing and metrics).
	OnBars func(bars []model.Bar)
	// OnRejects is called with the reject records written alongside.
	OnRejects func(rejects []model.RejectRecord)
}

// NewEngine wires an engine. lookback widens every incremental window
// backwards from the watermark (snapped further to a bucket boundary).
func NewEngine(store Store, states state.Store, cat *catalog.Catalog, log *slog.Logger, lookback time.Duration) *Engine {
	if log == nil {
		log = slog.Default()
	}
	return &Engine{store: store, states: states, cat: cat, log: log, lookback: lookback}
}

// RefreshKey rebuilds one lineage over [start, end]. Zero start/end mean
// "full available range". Validation failures are counted, not returned;
// the error path is reserved for structural and storage failures.
func (e *Engine) RefreshKey(ctx context.Context, assetID, timeframe string, scheme align.Scheme, start, end time.Time, mode model.Mode) (model.BuildReport, error) {
	var report model.BuildReport

	tf, err := e.cat.Timeframe(timeframe)
	if err != nil {
		return report, err // structural: unknown timeframe
	}
	session, err := e.cat.SessionFor(tf)
	if err != nil {
		return report, err
	}

	minTS, maxTS, err := e.store.PriceRange(ctx, assetID)
	if err != nil {
		return report, fmt.Errorf("price range %s: %w", assetID, err)
	}
	if minTS.IsZero() {
		return report, nil // no source data for this asset
	}
	if !end.IsZero() && maxTS.After(end) {
		maxTS = end
	}

	key := state.Key{AssetID: assetID, Timeframe: timeframe, Scheme: scheme.Name()}
	st, err := e.states.Load(ctx, key)
	if err != nil {
		return report, fmt.Errorf("load state %s: %w", key, err)
	}

	full := mode == model.ModeSnapshot || st == nil
	if !full && state.DetectBackfill(st, minTS) {
		// Data appeared before the recorded earliest timestamp: the old
		// gap/partial flags are no longer trustworthy for this lineage.
		e.log.Info("backfill detected, forcing full recompute",
			"key", key.String(), "earliest_seen", st.EarliestSeen, "observed_min", minTS)
		report.BackfillsDetected++
		full = true
	}

	if !full && !maxTS.After(st.Watermark) {
		// Nothing beyond the watermark: idempotent no-op, state untouched.
		// "New data" is inferred from MAX(ts) alone; the price table is
		// ingested append-forward, so a late row landing behind the
		// watermark with no newer rows stays invisible until the next
		// observation advances MAX(ts). A snapshot run always rebuilds.
		report.KeysProcessed++
		return report, nil
	}

	// A snapshot bounded below rebuilds [start, end] only; bars before the
	// snapped window survive and the rebuilt range chains onto them the
	// same way an incremental window does.
	ranged := full && !start.IsZero() && start.After(minTS)

	from := minTS
	if full {
		if ranged {
			from = start
		}
	} else {
		from = st.Watermark.Add(-e.lookback)
		if from.Before(minTS) {
			from = minTS
		}
	}
	// Snap the window to the start of its bucket so the first rebuilt bar
	// aggregates its bucket completely. The bucket may open before the
	// asset's first observation (calendar partial start); the wider read
	// is harmless and the delete bound must cover that bar anyway.
	from, _ = scheme.Bucket(from, minTS, tf)

	prev, err := e.store.BarBefore(ctx, assetID, timeframe, scheme.Name(), from)
	if err != nil {
		return report, fmt.Errorf("bar before %s: %w", key, err)
	}
	if full && !ranged {
		prev = nil // full rebuild replaces the lineage from scratch
	}
	startSeq := int64(1)
	if prev != nil {
		startSeq = prev.Seq + 1
	}

	obs, err := e.store.PriceWindow(ctx, assetID, from, maxTS)
	if err != nil {
		return report, fmt.Errorf("price window %s: %w", key, err)
	}

	builder := NewBuilder(scheme, tf, session)
	bars, rejects := builder.Build(Input{
		AssetID:  assetID,
		Anchor:   minTS,
		AssetMin: minTS,
		AssetMax: maxTS,
		StartSeq: startSeq,
		Prev:     prev,
		Obs:      obs,
	})

	replaceFrom := from
	if full && !ranged {
		replaceFrom = time.Time{} // wipe the whole lineage
	}
	written, err := e.store.ReplaceBars(ctx, assetID, timeframe, scheme.Name(), replaceFrom, bars, rejects)
	if err != nil {
		return report, fmt.Errorf("replace bars %s: %w", key, err)
	}

	count, err := e.store.BarCount(ctx, assetID, timeframe, scheme.Name())
	if err != nil {
		return report, fmt.Errorf("bar count %s: %w", key, err)
	}

	// State is saved only after the table write committed.
	if err := e.states.Save(ctx, key, state.State{
		Watermark:    maxTS,
		EarliestSeen: minTS,
		RowCount:     count,
		UpdatedAt:    time.Now().UTC(),
	}); err != nil {
		return report, fmt.Errorf("save state %s: %w", key, err)
	}

	if e.OnBars != nil && len(bars) > 0 {
		e.OnBars(bars)
	}
	if e.OnRejects != nil && len(rejects) > 0 {
		e.OnRejects(rejects)
	}

	report.RowsWritten = written
	report.RowsRejected = int64(len(rejects))
	report.KeysProcessed++
	e.log.Debug("lineage refreshed",
		"key", key.String(), "mode", string(mode), "written", written,
		"rejected", len(rejects), "watermark", maxTS)
	return report, nil
}
