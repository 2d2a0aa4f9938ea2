// Package state tracks incremental progress per (asset, timeframe, scheme
// [, period]) key: the processed watermark, the earliest timestamp ever
// seen (for backfill detection), and row counts.
//
// The Store interface is injected into both the bar and EMA engines so
// tests can substitute the in-memory implementation; production uses the
// SQLite-backed one. State is saved only after the corresponding table
// write has committed, and saving identical state twice is a no-op.
package state

import (
	"context"
	"strconv"
	"time"
)

// Key identifies one incremental lineage. Period is 0 for bar state.
type Key struct {
	AssetID   string
	Timeframe string
	Scheme    string
	Period    int
}

// String returns "asset:timeframe:scheme[:period]" for logs and reject rows.
func (k Key) String() string {
	s := k.AssetID + ":" + k.Timeframe + ":" + k.Scheme
	if k.Period > 0 {
		s += ":" + strconv.Itoa(k.Period)
	}
	return s
}

// State is the watermark record for one key.
type State struct {
	Watermark    time.Time // last fully processed source timestamp
	EarliestSeen time.Time // earliest source timestamp ever observed
	RowCount     int64
	UpdatedAt    time.Time
}

// Store loads and saves incremental state. Load returns (nil, nil) for a
// key that has never been processed, signaling a full initial build.
// Save must be an atomic, idempotent upsert.
type Store interface {
	Load(ctx context.Context, key Key) (*State, error)
	Save(ctx context.Context, key Key, st State) error
}

// DetectBackfill reports whether data older than the recorded earliest
// timestamp has appeared. New-earlier data invalidates gap and partial
// flags computed under the old window, so the caller must widen to a full
// recompute for this key before saving state.
func DetectBackfill(st *State, observedMin time.Time) bool {
	if st == nil || st.EarliestSeen.IsZero() || observedMin.IsZero() {
		return false
	}
	return observedMin.Before(st.EarliestSeen)
}
