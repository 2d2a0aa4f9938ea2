// Package align implements the six bar alignment schemes as one generic
// bucketing interface. The bar engine is parameterized by a Scheme instead
// of carrying one copy of the aggregation loop per alignment.
//
// Scheme families:
//
//   - trading-day: fixed N-day buckets counted from the asset's first
//     observation. Canonical — never partial.
//   - calendar (US/ISO): buckets on real calendar boundaries. US weeks
//     start Sunday, ISO weeks start Monday.
//   - anchored: the year-anchored variant of each of the above — buckets
//     additionally reset (are clipped) at the year boundary.
package align

import (
	"fmt"
	"time"

	"ohlc-systemv1/internal/catalog"
	"ohlc-systemv1/internal/model"
)

// Scheme maps a timestamp to its bucket bounds for one alignment rule.
type Scheme interface {
	// Name returns the canonical scheme name (model.Scheme* constants).
	Name() string

	// Bucket returns the [start, end) bounds of the bucket containing ts.
	// anchor is the asset's first-observation day; only the trading-day
	// schemes consult it. Bounds are UTC midnights.
	Bucket(ts, anchor time.Time, tf catalog.Timeframe) (start, end time.Time)

	// Partialable reports whether buckets of this scheme can be partially
	// covered by data. Trading-day buckets are defined by the data itself
	// and are never partial.
	Partialable() bool
}

// ForName resolves a scheme by its canonical name.
func ForName(name string) (Scheme, error) {
	switch name {
	case model.SchemeTradingDay:
		return tradingDay{}, nil
	case model.SchemeAnchoredTradingDay:
		return tradingDay{anchored: true}, nil
	case model.SchemeCalendarUS:
		return calendarScheme{}, nil
	case model.SchemeCalendarISO:
		return calendarScheme{iso: true}, nil
	case model.SchemeAnchoredUS:
		return calendarScheme{anchored: true}, nil
	case model.SchemeAnchoredISO:
		return calendarScheme{iso: true, anchored: true}, nil
	}
	return nil, fmt.Errorf("align: unknown scheme %q", name)
}

// All returns every scheme in canonical order.
func All() []Scheme {
	out := make([]Scheme, 0, len(model.Schemes))
	for _, name := range model.Schemes {
		s, _ := ForName(name)
		out = append(out, s)
	}
	return out
}

// tradingDay buckets count fixed DaySpan windows from the asset anchor.
// The anchored variant restarts the count at each year boundary.
type tradingDay struct {
	anchored bool
}

func (s tradingDay) Name() string {
	if s.anchored {
		return model.SchemeAnchoredTradingDay
	}
	return model.SchemeTradingDay
}

func (s tradingDay) Partialable() bool { return false }

func (s tradingDay) Bucket(ts, anchor time.Time, tf catalog.Timeframe) (time.Time, time.Time) {
	span := tf.DaySpan
	if span < 1 {
		span = 1
	}
	day := catalog.Midnight(ts)
	base := catalog.Midnight(anchor)

	if s.anchored {
		yearStart := time.Date(day.Year(), time.January, 1, 0, 0, 0, 0, time.UTC)
		if yearStart.After(base) {
			base = yearStart
		}
	}
	if day.Before(base) {
		// Observation earlier than the anchor: the caller re-anchors on
		// backfill, but bucket it defensively from its own day.
		base = day
	}

	idx := daysBetween(base, day) / span
	start := base.AddDate(0, 0, idx*span)
	end := start.AddDate(0, 0, span)
	if s.anchored {
		next := time.Date(start.Year()+1, time.January, 1, 0, 0, 0, 0, time.UTC)
		if end.After(next) {
			end = next
		}
	}
	return start, end
}

// calendarScheme buckets on real calendar boundaries, chosen by the
// timeframe's anchor unit. iso selects Monday-start weeks; anchored clips
// buckets at the year boundary.
type calendarScheme struct {
	iso      bool
	anchored bool
}

func (s calendarScheme) Name() string {
	switch {
	case s.anchored && s.iso:
		return model.SchemeAnchoredISO
	case s.anchored:
		return model.SchemeAnchoredUS
	case s.iso:
		return model.SchemeCalendarISO
	}
	return model.SchemeCalendarUS
}

func (s calendarScheme) Partialable() bool { return true }

func (s calendarScheme) Bucket(ts, _ time.Time, tf catalog.Timeframe) (time.Time, time.Time) {
	day := catalog.Midnight(ts)

	var start, end time.Time
	switch tf.Anchor {
	case catalog.AnchorWeek:
		start = weekStart(day, s.iso)
		end = start.AddDate(0, 0, 7)
	case catalog.AnchorMonth:
		k := tf.DaySpan / 30
		if k < 1 {
			k = 1
		}
		m := (int(day.Month())-1)/k*k + 1
		start = time.Date(day.Year(), time.Month(m), 1, 0, 0, 0, 0, time.UTC)
		end = start.AddDate(0, k, 0)
	case catalog.AnchorYear:
		start = time.Date(day.Year(), time.January, 1, 0, 0, 0, 0, time.UTC)
		end = start.AddDate(1, 0, 0)
	default: // AnchorDay
		span := tf.DaySpan
		if span < 1 {
			span = 1
		}
		base := epoch
		if s.anchored {
			base = time.Date(day.Year(), time.January, 1, 0, 0, 0, 0, time.UTC)
		}
		idx := daysBetween(base, day) / span
		start = base.AddDate(0, 0, idx*span)
		end = start.AddDate(0, 0, span)
	}

	if s.anchored {
		yearStart := time.Date(day.Year(), time.January, 1, 0, 0, 0, 0, time.UTC)
		if start.Before(yearStart) {
			start = yearStart
		}
		next := yearStart.AddDate(1, 0, 0)
		if end.After(next) {
			end = next
		}
	}
	return start, end
}

var epoch = time.Date(1970, time.January, 1, 0, 0, 0, 0, time.UTC)

// weekStart returns the start of the week containing day: Sunday for the
// US convention, Monday for ISO.
func weekStart(day time.Time, iso bool) time.Time {
	offset := int(day.Weekday()) // days since Sunday
	if iso {
		offset = (int(day.Weekday()) + 6) % 7 // days since Monday
	}
	return day.AddDate(0, 0, -offset)
}

// daysBetween returns whole days from a to b, both UTC midnights.
// AddDate-free to stay DST-proof (inputs are already UTC).
func daysBetween(a, b time.Time) int {
	return int(b.Sub(a) / (24 * time.Hour))
}
