package model

import "time"

// Mode selects between a full-history rebuild and a watermark-driven
// incremental refresh.
type Mode string

const (
	ModeSnapshot    Mode = "snapshot"
	ModeIncremental Mode = "incremental"
)

// BuildReport summarizes one bar-build run across all assets and keys.
// A run with rejects is still a successful run; callers compare
// RejectRate against their configured threshold.
type BuildReport struct {
	RowsWritten       int64         `json:"rows_written"`
	RowsRejected      int64         `json:"rows_rejected"`
	BackfillsDetected int64         `json:"backfills_detected"`
	KeysProcessed     int64         `json:"keys_processed"`
	KeysFailed        int64         `json:"keys_failed"`
	Duration          time.Duration `json:"duration"`
}

// RejectRate returns rejected / (written + rejected), 0 for an empty run.
func (r *BuildReport) RejectRate() float64 {
	total := r.RowsWritten + r.RowsRejected
	if total == 0 {
		return 0
	}
	return float64(r.RowsRejected) / float64(total)
}

// Merge folds a per-key report into the aggregate. Engines produce one
// BuildReport per key; the service merges them under its own lock.
func (r *BuildReport) Merge(other BuildReport) {
	r.RowsWritten += other.RowsWritten
	r.RowsRejected += other.RowsRejected
	r.BackfillsDetected += other.BackfillsDetected
	r.KeysProcessed += other.KeysProcessed
	r.KeysFailed += other.KeysFailed
}

// ComputeReport summarizes one EMA run. Same shape and semantics as
// BuildReport; kept as a distinct type so the two operational surfaces
// stay independent.
type ComputeReport struct {
	RowsWritten       int64         `json:"rows_written"`
	RowsRejected      int64         `json:"rows_rejected"`
	BackfillsDetected int64         `json:"backfills_detected"`
	KeysProcessed     int64         `json:"keys_processed"`
	KeysFailed        int64         `json:"keys_failed"`
	Duration          time.Duration `json:"duration"`
}

// RejectRate returns rejected / (written + rejected), 0 for an empty run.
func (r *ComputeReport) RejectRate() float64 {
	total := r.RowsWritten + r.RowsRejected
	if total == 0 {
		return 0
	}
	return float64(r.RowsRejected) / float64(total)
}

// Merge folds a per-key report into the aggregate.
func (r *ComputeReport) Merge(other ComputeReport) {
	r.RowsWritten += other.RowsWritten
	r.RowsRejected += other.RowsRejected
	r.BackfillsDetected += other.BackfillsDetected
	r.KeysProcessed += other.KeysProcessed
	r.KeysFailed += other.KeysFailed
}

// TimeframePeriod pairs a timeframe label with an EMA period for the
// compute_emas entry point.
type TimeframePeriod struct {
	Timeframe string `json:"timeframe"`
	Period    int    `json:"period"`
}
