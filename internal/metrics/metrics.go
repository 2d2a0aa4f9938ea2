// Package metrics exposes Prometheus metrics for the bar/EMA pipeline and
// a small promhttp server for scraping during long batch runs.
package metrics

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics for the pipeline.
type Metrics struct {
	BarsWritten      *prometheus.CounterVec // labels: scheme, timeframe
	EmaPointsWritten *prometheus.CounterVec // labels: scheme, timeframe
	Rejects          *prometheus.CounterVec // labels: reason
	Backfills        prometheus.Counter
	KeysFailed       prometheus.Counter
	Retries          prometheus.Counter
	BuildDur         prometheus.Histogram
	ComputeDur       prometheus.Histogram
	AssetDur         prometheus.Histogram

	registry *prometheus.Registry
}

// New registers and returns all pipeline metrics on a private registry so
// parallel test instances never collide.
func New() *Metrics {
	m := &Metrics{
		BarsWritten: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "barpipe_bars_written_total",
			Help: "Bar rows written, by scheme and timeframe",
		}, []string{"scheme", "timeframe"}),
		EmaPointsWritten: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "barpipe_ema_points_written_total",
			Help: "EMA point rows written, by scheme and timeframe",
		}, []string{"scheme", "timeframe"}),
		Rejects: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "barpipe_rejects_total",
			Help: "Reject-table entries, by reason",
		}, []string{"reason"}),
		Backfills: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "barpipe_backfills_detected_total",
			Help: "Backfill-triggered full recomputes",
		}),
		KeysFailed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "barpipe_keys_failed_total",
			Help: "Lineage keys that exhausted retries",
		}),
		Retries: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "barpipe_retries_total",
			Help: "Transient-error retry attempts",
		}),
		BuildDur: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "barpipe_build_duration_seconds",
			Help:    "Wall time of full bar-build runs",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 12),
		}),
		ComputeDur: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "barpipe_ema_duration_seconds",
			Help:    "Wall time of full EMA runs",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 12),
		}),
		AssetDur: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "barpipe_asset_duration_seconds",
			Help:    "Per-asset processing time",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 14),
		}),
		registry: prometheus.NewRegistry(),
	}

	m.registry.MustRegister(
		m.BarsWritten, m.EmaPointsWritten, m.Rejects, m.Backfills,
		m.KeysFailed, m.Retries, m.BuildDur, m.ComputeDur, m.AssetDur,
	)
	return m
}

// Serve starts the metrics HTTP server on addr and shuts it down when ctx
// is cancelled. No-op when addr is empty.
func (m *Metrics) Serve(ctx context.Context, addr string, log *slog.Logger) {
	if addr == "" {
		return
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{}))
	srv := &http.Server{Addr: addr, Handler: mux}

	go func() {
		<-ctx.Done()
		shutCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutCtx)
	}()
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Warn("metrics server stopped", "err", err)
		}
	}()
}
