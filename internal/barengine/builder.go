// Package barengine aggregates raw price observations into validated,
// gap-aware OHLCV bars for one alignment scheme. The Builder is the pure
// bucketize/aggregate core; the Engine wraps it with watermark state,
// dirty-window computation, backfill detection, and transactional writes;
// the Service fans the Engine out over assets with a bounded worker pool.
package barengine

import (
	"time"

	"ohlc-systemv1/internal/align"
	"ohlc-systemv1/internal/catalog"
	"ohlc-systemv1/internal/model"
	"ohlc-systemv1/internal/validate"
)

// Builder turns a time-ordered observation slice into bars for one
// (timeframe, scheme, session) combination. It holds no mutable state and
// is safe to share across goroutines.
type Builder struct {
	scheme  align.Scheme
	tf      catalog.Timeframe
	session catalog.Session
}

// NewBuilder creates a builder for one timeframe/scheme pair.
func NewBuilder(scheme align.Scheme, tf catalog.Timeframe, session catalog.Session) *Builder {
	return &Builder{scheme: scheme, tf: tf, session: session}
}

// Input is one build request over a contiguous observation window.
type Input struct {
	AssetID string

	// Anchor is the asset's first-observation day, the bucket origin for
	// the trading-day schemes.
	Anchor time.Time

	// AssetMin/AssetMax bound the asset's full observed range (not just
	// this window); partial and missing-day flags are evaluated against
	// them so a rebuilt window carries the same flags as a full build.
	AssetMin, AssetMax time.Time

	// StartSeq is the sequence assigned to the first accepted bar.
	StartSeq int64

	// Prev is the last accepted bar before this window, nil on a full
	// build. Used for gap flagging and monotonicity validation.
	Prev *model.Bar

	// Obs must be ascending by TS.
	Obs []model.PriceObservation
}

// bucketAgg is the forming aggregate for one bucket, the batch analogue
// of a forming candle.
type bucketAgg struct {
	start, end time.Time
	open       int64
	high, low  int64
	close_     int64
	volume     int64
	timeHigh   time.Time
	timeLow    time.Time
	count      int
	days       map[string]bool // distinct observed UTC days
}

// Build aggregates the window into bars. Returns accepted bars in
// ascending sequence order plus all reject records (bad observations,
// rejected candidates, repair audit entries).
func (b *Builder) Build(in Input) ([]model.Bar, []model.RejectRecord) {
	var bars []model.Bar
	var rejects []model.RejectRecord

	prev := in.Prev
	seq := in.StartSeq
	var cur *bucketAgg

	finalize := func() {
		if cur == nil {
			return
		}
		candidate := b.finish(in, cur, seq, prev)
		res := validate.Bar(candidate, prev)
		rejects = append(rejects, res.Rejects...)
		if res.OK {
			bars = append(bars, res.Bar)
			p := res.Bar
			prev = &p
			seq++
		}
		cur = nil
	}

	for i := range in.Obs {
		obs := in.Obs[i]
		if rej := validate.Observation(obs, b.tf.Label, b.scheme.Name()); rej != nil {
			rejects = append(rejects, *rej)
			continue
		}

		start, end := b.scheme.Bucket(obs.TS, in.Anchor, b.tf)
		if cur != nil && !start.Equal(cur.start) {
			finalize()
		}
		if cur == nil {
			cur = &bucketAgg{
				start: start, end: end,
				open: obs.Open, high: obs.High, low: obs.Low, close_: obs.Close,
				volume: obs.Volume, timeHigh: obs.TS, timeLow: obs.TS,
				count: 1, days: map[string]bool{dayKey(obs.TS): true},
			}
			continue
		}

		// Same bucket: merge. Strict comparisons keep the earliest
		// timestamp on ties for time_high/time_low, independent of how
		// many rows share the extreme.
		if obs.High > cur.high {
			cur.high = obs.High
			cur.timeHigh = obs.TS
		}
		if obs.Low < cur.low {
			cur.low = obs.Low
			cur.timeLow = obs.TS
		}
		cur.close_ = obs.Close
		cur.volume += obs.Volume
		cur.count++
		cur.days[dayKey(obs.TS)] = true
	}
	finalize()

	return bars, rejects
}

// finish converts a closed aggregate into a candidate bar with quality
// flags evaluated against the asset's full observed range.
func (b *Builder) finish(in Input, agg *bucketAgg, seq int64, prev *model.Bar) model.Bar {
	bar := model.Bar{
		AssetID:   in.AssetID,
		Timeframe: b.tf.Label,
		Scheme:    b.scheme.Name(),
		Seq:       seq,
		TimeOpen:  agg.start,
		TimeClose: agg.end,
		Open:      agg.open,
		High:      agg.high,
		Low:       agg.low,
		Close:     agg.close_,
		Volume:    agg.volume,
		TimeHigh:  agg.timeHigh,
		TimeLow:   agg.timeLow,
		ObsCount:  agg.count,
	}

	assetMinDay := catalog.Midnight(in.AssetMin)
	assetEndDay := catalog.Midnight(in.AssetMax).AddDate(0, 0, 1) // exclusive

	if b.scheme.Partialable() {
		bar.PartialStart = agg.start.Before(assetMinDay) &&
			b.session.CountTradingDays(agg.start, assetMinDay) > 0
		bar.PartialEnd = agg.end.After(assetEndDay) &&
			b.session.CountTradingDays(assetEndDay, agg.end) > 0
	}

	// Missing days: expected trading days inside the bucket, clipped to
	// the asset's observed range so partial coverage at the edges is not
	// double-counted as missing data.
	effStart, effEnd := agg.start, agg.end
	if assetMinDay.After(effStart) {
		effStart = assetMinDay
	}
	if assetEndDay.Before(effEnd) {
		effEnd = assetEndDay
	}
	expected := b.session.CountTradingDays(effStart, effEnd)
	observed := 0
	for k := range agg.days {
		d, err := time.Parse("2006-01-02", k)
		if err == nil && b.session.IsTradingDay(d) {
			observed++
		}
	}
	bar.MissingDays = observed < expected

	// Gap: at least one expected trading day between the previous bar's
	// bucket and this one. Weekends and holidays do not count.
	if prev != nil {
		bar.HasGap = b.session.CountTradingDays(prev.TimeClose, agg.start) > 0
	}

	return bar
}

func dayKey(t time.Time) string {
	return t.UTC().Format("2006-01-02")
}
