package model

import (
	"encoding/json"
	"time"
)

// Alignment scheme names. Each scheme is an independent bar-table lineage:
// the same timeframe label produces different bucket boundaries per scheme.
const (
	SchemeTradingDay         = "trading-day"
	SchemeAnchoredTradingDay = "anchored-trading-day"
	SchemeCalendarUS         = "calendar-us"
	SchemeCalendarISO        = "calendar-iso"
	SchemeAnchoredUS         = "anchored-us"
	SchemeAnchoredISO        = "anchored-iso"
)

// Schemes lists all alignment schemes in canonical order.
var Schemes = []string{
	SchemeTradingDay,
	SchemeAnchoredTradingDay,
	SchemeCalendarUS,
	SchemeCalendarISO,
	SchemeAnchoredUS,
	SchemeAnchoredISO,
}

// Bar is one aggregated OHLCV bucket for an (asset, timeframe, scheme).
// Seq is a dense rank of bucket boundaries: strictly increasing, no holes,
// independent of wall-clock gaps. Prices are int64 paise.
//
// A bar is immutable once its bucket has fully closed; a backfill replaces
// the affected row range rather than mutating rows in place.
type Bar struct {
	AssetID   string    `json:"asset_id"`
	Timeframe string    `json:"timeframe"` // catalog label, e.g. "1D", "1W"
	Scheme    string    `json:"scheme"`
	Seq       int64     `json:"seq"`
	TimeOpen  time.Time `json:"time_open"`  // bucket start (inclusive)
	TimeClose time.Time `json:"time_close"` // bucket end (exclusive)
	Open      int64     `json:"open"`
	High      int64     `json:"high"`
	Low       int64     `json:"low"`
	Close     int64     `json:"close"`
	Volume    int64     `json:"volume"`
	TimeHigh  time.Time `json:"time_high"` // earliest observation at the high
	TimeLow   time.Time `json:"time_low"`  // earliest observation at the low
	ObsCount  int       `json:"obs_count"`

	// Quality flags. Partial flags apply to calendar-aligned schemes only;
	// trading-day buckets are canonical and never partial.
	PartialStart bool `json:"is_partial_start"`
	PartialEnd   bool `json:"is_partial_end"`
	MissingDays  bool `json:"is_missing_days"` // session-aware gap inside the bucket
	HasGap       bool `json:"has_gap"`         // session-aware gap before the bucket
}

// Key returns "asset:timeframe:scheme", the per-lineage identity prefix.
func (b *Bar) Key() string {
	return b.AssetID + ":" + b.Timeframe + ":" + b.Scheme
}

// Identity returns the full row identity used for duplicate detection
// and reject bookkeeping.
func (b *Bar) Identity() string {
	return b.Key() + ":" + b.TimeOpen.UTC().Format(time.RFC3339)
}

// JSON returns the JSON-encoded bar (ignoring errors for hot-path usage).
func (b *Bar) JSON() []byte {
	buf, _ := json.Marshal(b)
	return buf
}
