package emaengine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"ohlc-systemv1/internal/catalog"
	"ohlc-systemv1/internal/model"

	"github.com/cenkalti/backoff/v4"
	"golang.org/x/sync/errgroup"
)

// ErrRejectRateExceeded is returned by ComputeEmas when the run completed
// but its reject rate crossed the configured threshold.
var ErrRejectRateExceeded = errors.New("emaengine: reject rate exceeded threshold")

// ServiceConfig tunes the EMA compute service.
type ServiceConfig struct {
	Schemes       []string
	Concurrency   int
	RetryMax      int
	RejectRateMax float64
}

// Service fans the Engine out over assets with the same pool/retry shape
// as the bar service: one asset per worker, keys within an asset
// sequential, bounded backoff on transient storage errors.
type Service struct {
	cfg    ServiceConfig
	engine *Engine
	cat    *catalog.Catalog
	log    *slog.Logger

	// OnKeyDone is called after every finished key with its per-key
	// report (optional; used for metrics).
	OnKeyDone func(timeframe, scheme string, report model.ComputeReport)
	// OnRetry is called once per retry attempt (optional).
	OnRetry func()
	// OnAssetDone is called with each asset's wall time (optional).
	OnAssetDone func(assetID string, d time.Duration)
}

// NewService validates the scheme list up front.
func NewService(cfg ServiceConfig, engine *Engine, cat *catalog.Catalog, log *slog.Logger) (*Service, error) {
	if cfg.Concurrency < 1 {
		cfg.Concurrency = 1
	}
	if log == nil {
		log = slog.Default()
	}
	known := make(map[string]bool, len(model.Schemes))
	for _, s := range model.Schemes {
		known[s] = true
	}
	for _, name := range cfg.Schemes {
		if !known[name] {
			return nil, fmt.Errorf("emaengine: unknown scheme %q", name)
		}
	}
	if len(cfg.Schemes) == 0 {
		return nil, errors.New("emaengine: no alignment schemes configured")
	}
	return &Service{cfg: cfg, engine: engine, cat: cat, log: log}, nil
}

// ComputeEmas recomputes every (asset, timeframe, period, scheme) series
// for the given assets and timeframe/period pairs. Timeframe labels are
// validated against the catalog before any work starts.
func (s *Service) ComputeEmas(ctx context.Context, assets []string, pairs []model.TimeframePeriod, mode model.Mode) (model.ComputeReport, error) {
	began := time.Now()
	var total model.ComputeReport

	for _, p := range pairs {
		if _, err := s.cat.Timeframe(p.Timeframe); err != nil {
			return total, err // structural: fail before touching state
		}
		if p.Period <= 0 {
			return total, fmt.Errorf("emaengine: invalid period %d for %s", p.Period, p.Timeframe)
		}
	}

	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.cfg.Concurrency)

	for _, assetID := range assets {
		assetID := assetID
		g.Go(func() error {
			assetBegan := time.Now()
			rep, err := s.processAsset(gctx, assetID, pairs, mode)
			if s.OnAssetDone != nil {
				s.OnAssetDone(assetID, time.Since(assetBegan))
			}
			mu.Lock()
			total.Merge(rep)
			mu.Unlock()
			if err != nil {
				if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
					return err
				}
				s.log.Error("asset failed", "asset", assetID, "err", err)
			}
			return nil
		})
	}
	err := g.Wait()

	total.Duration = time.Since(began)
	s.log.Info("ema compute finished",
		"assets", len(assets), "mode", string(mode),
		"written", total.RowsWritten, "rejected", total.RowsRejected,
		"backfills", total.BackfillsDetected, "keys_failed", total.KeysFailed,
		"duration", total.Duration)

	if err != nil {
		return total, err
	}
	if s.cfg.RejectRateMax > 0 && total.RejectRate() > s.cfg.RejectRateMax {
		return total, fmt.Errorf("%w: rate=%.4f max=%.4f",
			ErrRejectRateExceeded, total.RejectRate(), s.cfg.RejectRateMax)
	}
	return total, nil
}

func (s *Service) processAsset(ctx context.Context, assetID string, pairs []model.TimeframePeriod, mode model.Mode) (model.ComputeReport, error) {
	var report model.ComputeReport

	for _, pair := range pairs {
		for _, scheme := range s.cfg.Schemes {
			rep, err := s.refreshWithRetry(ctx, assetID, pair, scheme, mode)
			report.Merge(rep)
			if err != nil {
				report.KeysFailed++
				return report, fmt.Errorf("key %s/%s/%d/%s: %w",
					assetID, pair.Timeframe, pair.Period, scheme, err)
			}
			if s.OnKeyDone != nil {
				s.OnKeyDone(pair.Timeframe, scheme, rep)
			}
		}
	}
	return report, nil
}

func (s *Service) refreshWithRetry(ctx context.Context, assetID string, pair model.TimeframePeriod, scheme string, mode model.Mode) (model.ComputeReport, error) {
	var rep model.ComputeReport

	op := func() error {
		var err error
		rep, err = s.engine.RefreshKey(ctx, assetID, pair.Timeframe, pair.Period, scheme, mode)
		return err
	}
	notify := func(err error, wait time.Duration) {
		if s.OnRetry != nil {
			s.OnRetry()
		}
		s.log.Warn("retrying key after transient error",
			"asset", assetID, "timeframe", pair.Timeframe, "period", pair.Period,
			"scheme", scheme, "err", err, "wait", wait)
	}

	bo := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewExponentialBackOff(), uint64(s.cfg.RetryMax)),
		ctx)
	err := backoff.RetryNotify(op, bo, notify)
	return rep, err
}
