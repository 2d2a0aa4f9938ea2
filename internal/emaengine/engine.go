package emaengine

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"ohlc-systemv1/internal/catalog"
	"ohlc-systemv1/internal/model"
	"ohlc-systemv1/internal/state"
	"ohlc-systemv1/internal/validate"
)

// Store is the persistence surface the EMA engine needs. Bars in, EMA
// points out — deliberately no access to the raw price table.
type Store interface {
	// BarCloseRange returns MIN/MAX time_close and row count of a bar
	// lineage. Zero times when the lineage is empty.
	BarCloseRange(ctx context.Context, assetID, timeframe, scheme string) (min, max time.Time, count int64, err error)

	// BarsAfter returns lineage bars with time_close > after ascending;
	// zero after returns the full lineage.
	BarsAfter(ctx context.Context, assetID, timeframe, scheme string, after time.Time) ([]model.Bar, error)

	// LastEmaAt returns the latest stored point with ts <= upTo, or nil.
	LastEmaAt(ctx context.Context, key state.Key, upTo time.Time) (*model.EmaPoint, error)

	// ReplaceEmas atomically deletes series points with ts >= from and
	// inserts the new points and rejects. Zero from wipes the series.
	ReplaceEmas(ctx context.Context, key state.Key, from time.Time, points []model.EmaPoint, rejects []model.RejectRecord) (int64, error)

	// EmaCount returns the series' stored point count.
	EmaCount(ctx context.Context, key state.Key) (int64, error)
}

// Engine refreshes one (asset, timeframe, period, scheme) EMA series at a
// time with the same watermark/backfill semantics as the bar engine.
type Engine struct {
	store    Store
	states   state.Store
	cat      *catalog.Catalog
	log      *slog.Logger
	lookback time.Duration // refold margin behind the watermark

	// OnPoints is called with the committed points after each successful
	// series write (optional; used for metrics).
	OnPoints func(points []model.EmaPoint)
	// OnRejects is called with the reject records written alongside.
	OnRejects func(rejects []model.RejectRecord)
}

// NewEngine wires an EMA engine. lookback mirrors the bar engine's dirty
// window: the bar builder rewrites bars inside its own lookback margin
// without moving their close times, so the EMA must refold that margin on
// every incremental run to pick up revised closes.
func NewEngine(store Store, states state.Store, cat *catalog.Catalog, log *slog.Logger, lookback time.Duration) *Engine {
	if log == nil {
		log = slog.Default()
	}
	return &Engine{store: store, states: states, cat: cat, log: log, lookback: lookback}
}

// RefreshKey recomputes one EMA series. Incremental runs resume the
// recurrence from the stored point at the watermark; when that point (or
// sufficient seeding history) is missing, the series is rebuilt from
// scratch.
func (e *Engine) RefreshKey(ctx context.Context, assetID, timeframe string, period int, scheme string, mode model.Mode) (model.ComputeReport, error) {
	var report model.ComputeReport

	tf, err := e.cat.Timeframe(timeframe)
	if err != nil {
		return report, err // structural: unknown timeframe
	}
	if period <= 0 {
		return report, fmt.Errorf("emaengine: invalid period %d", period)
	}
	alpha := Alpha(tf.DaySpan, period)

	minClose, maxClose, barCount, err := e.store.BarCloseRange(ctx, assetID, timeframe, scheme)
	if err != nil {
		return report, fmt.Errorf("bar range %s/%s/%s: %w", assetID, timeframe, scheme, err)
	}
	if barCount == 0 {
		return report, nil // no upstream bars yet
	}

	key := state.Key{AssetID: assetID, Timeframe: timeframe, Scheme: scheme, Period: period}
	st, err := e.states.Load(ctx, key)
	if err != nil {
		return report, fmt.Errorf("load state %s: %w", key, err)
	}

	full := mode == model.ModeSnapshot || st == nil
	if !full && state.DetectBackfill(st, minClose) {
		// Bars now exist before the recorded earliest close; every stored
		// point downstream of the insertion is stale.
		e.log.Info("backfill detected, recomputing ema series",
			"key", key.String(), "earliest_seen", st.EarliestSeen, "observed_min", minClose)
		report.BackfillsDetected++
		full = true
	}
	if !full && !maxClose.After(st.Watermark) && e.lookback <= 0 {
		// With no refold margin there is nothing to redo past the
		// watermark. With a margin the run proceeds even when MAX(close)
		// is unchanged: bars inside the margin may have been rewritten
		// without their close times moving.
		report.KeysProcessed++
		return report, nil
	}

	var ema *EMA
	var prevPoint *model.EmaPoint
	var bars []model.Bar
	replaceFrom := time.Time{}

	if !full {
		resumeAt := st.Watermark.Add(-e.lookback)
		prevPoint, err = e.store.LastEmaAt(ctx, key, resumeAt)
		if err != nil {
			return report, fmt.Errorf("last ema %s: %w", key, err)
		}
		if prevPoint == nil {
			// Not enough committed history behind the margin to resume.
			full = true
		}
	}

	if full {
		bars, err = e.store.BarsAfter(ctx, assetID, timeframe, scheme, time.Time{})
		if err != nil {
			return report, fmt.Errorf("load bars %s: %w", key, err)
		}
		ema = NewEMA(period, alpha)
		prevPoint = nil
	} else {
		bars, err = e.store.BarsAfter(ctx, assetID, timeframe, scheme, prevPoint.TS)
		if err != nil {
			return report, fmt.Errorf("load bars %s: %w", key, err)
		}
		ema = Resume(period, alpha, prevPoint.Value)
		replaceFrom = prevPoint.TS.Add(time.Second)
	}

	var points []model.EmaPoint
	var rejects []model.RejectRecord
	prevValue := 0.0
	havePrev := false
	if prevPoint != nil {
		prevValue = prevPoint.Value
		havePrev = true
	}

	for i := range bars {
		b := &bars[i]
		ema.Update(float64(b.Close) / 100.0) // paise -> rupees
		if !ema.Ready() {
			continue
		}
		p := model.EmaPoint{
			AssetID:   assetID,
			Timeframe: timeframe,
			Period:    period,
			Scheme:    scheme,
			TS:        b.TimeClose,
			Value:     ema.Value(),
			BarSeq:    b.Seq,
		}
		if havePrev {
			p.Slope = p.Value - prevValue
		}
		res := validate.Ema(p)
		if !res.OK {
			// Non-finite output means corrupted upstream bars; surface
			// loudly but keep the batch going.
			e.log.Warn("ema point rejected", "key", key.String(),
				"ts", p.TS, "reason", string(res.Reject.Reason))
			rejects = append(rejects, *res.Reject)
			continue
		}
		points = append(points, res.Point)
		prevValue = p.Value
		havePrev = true
	}

	written, err := e.store.ReplaceEmas(ctx, key, replaceFrom, points, rejects)
	if err != nil {
		return report, fmt.Errorf("replace emas %s: %w", key, err)
	}

	count, err := e.store.EmaCount(ctx, key)
	if err != nil {
		return report, fmt.Errorf("ema count %s: %w", key, err)
	}

	// State is saved only after the series write committed.
	if err := e.states.Save(ctx, key, state.State{
		Watermark:    maxClose,
		EarliestSeen: minClose,
		RowCount:     count,
		UpdatedAt:    time.Now().UTC(),
	}); err != nil {
		return report, fmt.Errorf("save state %s: %w", key, err)
	}

	if e.OnPoints != nil && len(points) > 0 {
		e.OnPoints(points)
	}
	if e.OnRejects != nil && len(rejects) > 0 {
		e.OnRejects(rejects)
	}

	report.RowsWritten = written
	report.RowsRejected = int64(len(rejects))
	report.KeysProcessed++
	e.log.Debug("ema series refreshed", "key", key.String(),
		"mode", string(mode), "written", written, "rejected", len(rejects))
	return report, nil
}
