package model

import "time"

// RejectReason is the closed enumeration of validation outcomes that land
// in the reject table. Rejections are non-fatal: the batch keeps going.
type RejectReason string

const (
	RejectNullRequiredField  RejectReason = "null_required_field"
	RejectOHLCInvariant      RejectReason = "ohlc_invariant_violation"
	RejectNonMonotonicTS     RejectReason = "non_monotonic_timestamp"
	RejectDuplicateIdentity  RejectReason = "duplicate_bar_identity"
	RejectEmaNonFinite       RejectReason = "ema_non_finite"
	// RejectRepaired marks a bar that was accepted after a bounded
	// high/low clamp. The row is written to the bar table AND logged
	// here so the repair stays auditable.
	RejectRepaired RejectReason = "repaired"
)

// RejectRecord is an append-only audit entry for a candidate bar or EMA
// point that failed (or required repair during) validation.
type RejectRecord struct {
	AssetID    string       `json:"asset_id"`
	Timeframe  string       `json:"timeframe"`
	Scheme     string       `json:"scheme"`
	Identity   string       `json:"identity"` // attempted row identity
	Reason     RejectReason `json:"reason"`
	RawPayload string       `json:"raw_payload"` // JSON of the candidate
	RejectedAt time.Time    `json:"rejected_at"`
}
