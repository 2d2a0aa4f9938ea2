package model

import (
	"encoding/json"
	"strconv"
	"time"
)

// EmaPoint is one exponential-moving-average value for an
// (asset, timeframe, period, scheme) series. TS is the close time of the
// bar that produced the value. Value is in rupees (float64), derived from
// paise closes. Slope is the first difference against the previous point
// in the series, zero for the first emitted point.
type EmaPoint struct {
	AssetID   string    `json:"asset_id"`
	Timeframe string    `json:"timeframe"`
	Period    int       `json:"period"`
	Scheme    string    `json:"scheme"`
	TS        time.Time `json:"ts"`
	Value     float64   `json:"value"`
	Slope     float64   `json:"slope"`
	BarSeq    int64     `json:"bar_seq"` // seq of the source bar
}

// Key returns "asset:timeframe:period:scheme", the series identity prefix.
func (p *EmaPoint) Key() string {
	return p.AssetID + ":" + p.Timeframe + ":" + strconv.Itoa(p.Period) + ":" + p.Scheme
}

// Identity returns the full row identity for duplicate detection and
// reject bookkeeping.
func (p *EmaPoint) Identity() string {
	return p.Key() + ":" + p.TS.UTC().Format(time.RFC3339)
}

// JSON returns the JSON-encoded point.
func (p *EmaPoint) JSON() []byte {
	buf, _ := json.Marshal(p)
	return buf
}
