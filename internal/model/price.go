package model

import (
	"encoding/json"
	"time"
)

// PriceObservation is a single raw per-asset price row from the source
// price table. Prices are stored as int64 in paise (1 INR = 100 paise)
// to avoid float drift. Observations are append-only and never mutated
// by this pipeline.
type PriceObservation struct {
	AssetID string    `json:"asset_id"`
	TS      time.Time `json:"ts"` // UTC timestamp
	Open    int64     `json:"open"`
	High    int64     `json:"high"`
	Low     int64     `json:"low"`
	Close   int64     `json:"close"`
	Volume  int64     `json:"volume"`
}

// JSON returns the JSON-encoded observation (ignoring errors; used on the
// cold reject path only).
func (p *PriceObservation) JSON() []byte {
	b, _ := json.Marshal(p)
	return b
}

// Day returns the UTC calendar day of the observation, truncated to midnight.
func (p *PriceObservation) Day() time.Time {
	y, m, d := p.TS.UTC().Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}
