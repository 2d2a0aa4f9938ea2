// Package emaengine computes exponential-moving-average series from bar
// tables. It is architecturally downstream of bars only: its store
// interface exposes no price-table methods, so a code path reading raw
// prices from here cannot compile.
package emaengine

// EMA applies the standard recurrence with an SMA seed over the first
// `period` values. O(1) per update, no window storage.
type EMA struct {
	period int
	alpha  float64
	value  float64
	count  int
	sum    float64
}

// NewEMA creates a fresh recurrence. alpha = 2/(spanDays*period + 1),
// where spanDays is the timeframe's nominal day span.
func NewEMA(period int, alpha float64) *EMA {
	return &EMA{period: period, alpha: alpha}
}

// Resume creates a recurrence continuing from a previously stored value,
// skipping the seeding phase. Used by incremental runs.
func Resume(period int, alpha float64, value float64) *EMA {
	return &EMA{period: period, alpha: alpha, value: value, count: period}
}

// Alpha derives the smoothing factor from the timeframe's nominal day
// span and the period.
func Alpha(spanDays, period int) float64 {
	return 2.0 / (float64(spanDays*period) + 1.0)
}

// Update feeds the next close. During the first `period` updates it
// accumulates the SMA seed; from then on it applies the recurrence
// ema = alpha*price + (1-alpha)*ema.
func (e *EMA) Update(price float64) {
	e.count++
	if e.count <= e.period {
		e.sum += price
		if e.count == e.period {
			e.value = e.sum / float64(e.period)
		}
		return
	}
	e.value = e.alpha*price + (1-e.alpha)*e.value
}

// Ready reports whether enough values have been fed to emit.
func (e *EMA) Ready() bool { return e.count >= e.period }

// Value returns the current EMA, 0 before Ready.
func (e *EMA) Value() float64 { return e.value }
