// Package validate holds the shared invariant checks for bars, EMA points,
// and raw observations. Routine data-quality failures are modeled as
// reject results, not errors: the pipeline logs them to the reject table
// and keeps going. Hard errors are reserved for structural failures.
package validate

import (
	"math"
	"time"

	"ohlc-systemv1/internal/model"
)

// BarResult is the outcome of validating one candidate bar.
// OK=true with a non-empty Rejects slice means the bar was accepted after
// a bounded repair; the `repaired` entry keeps the clamp auditable.
type BarResult struct {
	OK      bool
	Bar     model.Bar
	Rejects []model.RejectRecord
}

// EmaResult is the outcome of validating one candidate EMA point.
type EmaResult struct {
	OK     bool
	Point  model.EmaPoint
	Reject *model.RejectRecord
}

// Observation checks a raw price row before aggregation. Returns nil when
// the row is usable, otherwise a reject record; the row is then excluded
// from bar construction but the rest of the batch proceeds.
func Observation(p model.PriceObservation, timeframe, scheme string) *model.RejectRecord {
	now := time.Now().UTC()
	ident := p.AssetID + ":" + p.TS.UTC().Format(time.RFC3339)

	if p.AssetID == "" || p.TS.IsZero() {
		return &model.RejectRecord{
			AssetID: p.AssetID, Timeframe: timeframe, Scheme: scheme,
			Identity: ident, Reason: model.RejectNullRequiredField,
			RawPayload: string(obsJSON(p)), RejectedAt: now,
		}
	}
	if p.High < p.Low || p.High < p.Open || p.High < p.Close ||
		p.Low > p.Open || p.Low > p.Close {
		return &model.RejectRecord{
			AssetID: p.AssetID, Timeframe: timeframe, Scheme: scheme,
			Identity: ident, Reason: model.RejectOHLCInvariant,
			RawPayload: string(obsJSON(p)), RejectedAt: now,
		}
	}
	return nil
}

// Bar validates a candidate bar against the OHLC envelope, its own time
// bounds, and its predecessor in the series. A candidate whose high/low
// merely fall inside the open/close envelope is repaired by clamping and
// accepted with a `repaired` reject entry.
func Bar(candidate model.Bar, prev *model.Bar) BarResult {
	now := time.Now().UTC()

	reject := func(reason model.RejectReason) BarResult {
		return BarResult{Rejects: []model.RejectRecord{{
			AssetID: candidate.AssetID, Timeframe: candidate.Timeframe,
			Scheme: candidate.Scheme, Identity: candidate.Identity(),
			Reason: reason, RawPayload: string(candidate.JSON()), RejectedAt: now,
		}}}
	}

	if candidate.AssetID == "" || candidate.Timeframe == "" ||
		candidate.TimeOpen.IsZero() || candidate.TimeClose.IsZero() {
		return reject(model.RejectNullRequiredField)
	}
	if prev != nil {
		if candidate.Seq == prev.Seq && candidate.TimeOpen.Equal(prev.TimeOpen) {
			return reject(model.RejectDuplicateIdentity)
		}
		if candidate.Seq <= prev.Seq || !candidate.TimeOpen.After(prev.TimeOpen) {
			return reject(model.RejectNonMonotonicTS)
		}
	}
	if !candidate.TimeClose.After(candidate.TimeOpen) {
		return reject(model.RejectNonMonotonicTS)
	}
	if candidate.TimeHigh.Before(candidate.TimeOpen) || candidate.TimeHigh.After(candidate.TimeClose) ||
		candidate.TimeLow.Before(candidate.TimeOpen) || candidate.TimeLow.After(candidate.TimeClose) {
		return reject(model.RejectNonMonotonicTS)
	}

	repaired := false
	maxOC := candidate.Open
	if candidate.Close > maxOC {
		maxOC = candidate.Close
	}
	minOC := candidate.Open
	if candidate.Close < minOC {
		minOC = candidate.Close
	}
	if candidate.High < maxOC {
		// Bounded repair: clamp the high up to the open/close envelope.
		candidate.High = maxOC
		repaired = true
	}
	if candidate.Low > minOC {
		candidate.Low = minOC
		repaired = true
	}
	// Past repair, the envelope must hold outright.
	if candidate.High < candidate.Low ||
		candidate.High < candidate.Open || candidate.High < candidate.Close ||
		candidate.Low > candidate.Open || candidate.Low > candidate.Close {
		return reject(model.RejectOHLCInvariant)
	}

	res := BarResult{OK: true, Bar: candidate}
	if repaired {
		res.Rejects = append(res.Rejects, model.RejectRecord{
			AssetID: candidate.AssetID, Timeframe: candidate.Timeframe,
			Scheme: candidate.Scheme, Identity: candidate.Identity(),
			Reason: model.RejectRepaired, RawPayload: string(candidate.JSON()),
			RejectedAt: now,
		})
	}
	return res
}

// Ema validates a candidate EMA point. Non-finite values indicate
// corrupted upstream bar data and are rejected; the caller surfaces them
// as a pipeline-level warning rather than a silent skip.
func Ema(p model.EmaPoint) EmaResult {
	now := time.Now().UTC()
	if p.AssetID == "" || p.Timeframe == "" || p.Period <= 0 || p.TS.IsZero() {
		return EmaResult{Reject: &model.RejectRecord{
			AssetID: p.AssetID, Timeframe: p.Timeframe, Scheme: p.Scheme,
			Identity: p.Identity(), Reason: model.RejectNullRequiredField,
			RawPayload: string(p.JSON()), RejectedAt: now,
		}}
	}
	if math.IsNaN(p.Value) || math.IsInf(p.Value, 0) ||
		math.IsNaN(p.Slope) || math.IsInf(p.Slope, 0) {
		return EmaResult{Reject: &model.RejectRecord{
			AssetID: p.AssetID, Timeframe: p.Timeframe, Scheme: p.Scheme,
			Identity: p.Identity(), Reason: model.RejectEmaNonFinite,
			RawPayload: string(p.JSON()), RejectedAt: now,
		}}
	}
	return EmaResult{OK: true, Point: p}
}

func obsJSON(p model.PriceObservation) []byte {
	return p.JSON()
}
