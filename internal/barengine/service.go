package barengine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"ohlc-systemv1/internal/align"
	"ohlc-systemv1/internal/catalog"
	"ohlc-systemv1/internal/model"

	"github.com/cenkalti/backoff/v4"
	"golang.org/x/sync/errgroup"
)

// ErrRejectRateExceeded is returned by BuildBars when the run completed
// but its reject rate crossed the configured threshold. Downstream
// consumers are not halted; operators are expected to look.
var ErrRejectRateExceeded = errors.New("barengine: reject rate exceeded threshold")

// ServiceConfig tunes the bar build service.
type ServiceConfig struct {
	Timeframes    []string
	Schemes       []string
	Concurrency   int
	RetryMax      int
	RejectRateMax float64
}

// Service fans the Engine out over assets: a bounded worker pool with one
// asset per worker, so no two workers ever touch the same (asset,
// timeframe) key. Transient storage errors are retried with exponential
// backoff; exhaustion fails only that asset's remaining work.
type Service struct {
	cfg     ServiceConfig
	engine  *Engine
	cat     *catalog.Catalog
	log     *slog.Logger
	schemes []align.Scheme

	// OnKeyDone is called after every finished key with its per-key
	// report (optional; used for metrics).
	OnKeyDone func(timeframe, scheme string, report model.BuildReport)
	// OnRetry is called once per retry attempt (optional).
	OnRetry func()
	// OnAssetDone is called with each asset's wall time (optional).
	OnAssetDone func(assetID string, d time.Duration)
}

// NewService resolves schemes and validates timeframes up front: a
// missing catalog row is a structural error and fails construction, per
// "no partial state for broken configuration".
func NewService(cfg ServiceConfig, engine *Engine, cat *catalog.Catalog, log *slog.Logger) (*Service, error) {
	if cfg.Concurrency < 1 {
		cfg.Concurrency = 1
	}
	if log == nil {
		log = slog.Default()
	}

	schemes := make([]align.Scheme, 0, len(cfg.Schemes))
	for _, name := range cfg.Schemes {
		s, err := align.ForName(name)
		if err != nil {
			return nil, err
		}
		schemes = append(schemes, s)
	}
	if len(schemes) == 0 {
		return nil, errors.New("barengine: no alignment schemes configured")
	}
	for _, label := range cfg.Timeframes {
		tf, err := cat.Timeframe(label)
		if err != nil {
			return nil, err
		}
		if _, err := cat.SessionFor(tf); err != nil {
			return nil, err
		}
	}
	if len(cfg.Timeframes) == 0 {
		return nil, errors.New("barengine: no timeframes configured")
	}

	return &Service{cfg: cfg, engine: engine, cat: cat, log: log, schemes: schemes}, nil
}

// BuildBars rebuilds every (asset, timeframe, scheme) lineage for the
// given assets over [start, end]. Zero bounds mean full range. Returns
// the aggregate report; the error is non-nil only for cancelled runs or
// a crossed reject-rate threshold.
func (s *Service) BuildBars(ctx context.Context, assets []string, start, end time.Time, mode model.Mode) (model.BuildReport, error) {
	began := time.Now()
	var mu sync.Mutex
	var total model.BuildReport

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.cfg.Concurrency)

	for _, assetID := range assets {
		assetID := assetID
		g.Go(func() error {
			assetBegan := time.Now()
			rep, err := s.processAsset(gctx, assetID, start, end, mode)
			if s.OnAssetDone != nil {
				s.OnAssetDone(assetID, time.Since(assetBegan))
			}
			mu.Lock()
			total.Merge(rep)
			mu.Unlock()
			if err != nil {
				// Key failures never propagate across assets; only
				// cancellation stops the pool.
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
	s.log.Info("bar build finished",
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

// processAsset runs every (timeframe, scheme) key for one asset
// sequentially, each wrapped in bounded exponential-backoff retry.
// The first key that exhausts retries aborts the asset's remaining keys;
// committed keys keep their advanced watermarks.
func (s *Service) processAsset(ctx context.Context, assetID string, start, end time.Time, mode model.Mode) (model.BuildReport, error) {
	var report model.BuildReport

	for _, label := range s.cfg.Timeframes {
		for _, scheme := range s.schemes {
			rep, err := s.refreshWithRetry(ctx, assetID, label, scheme, start, end, mode)
			report.Merge(rep)
			if err != nil {
				report.KeysFailed++
				return report, fmt.Errorf("key %s/%s/%s: %w", assetID, label, scheme.Name(), err)
			}
			if s.OnKeyDone != nil {
				s.OnKeyDone(label, scheme.Name(), rep)
			}
		}
	}
	return report, nil
}

func (s *Service) refreshWithRetry(ctx context.Context, assetID, label string, scheme align.Scheme, start, end time.Time, mode model.Mode) (model.BuildReport, error) {
	var rep model.BuildReport

	op := func() error {
		var err error
		rep, err = s.engine.RefreshKey(ctx, assetID, label, scheme, start, end, mode)
		return err
	}
	notify := func(err error, wait time.Duration) {
		if s.OnRetry != nil {
			s.OnRetry()
		}
		s.log.Warn("retrying key after transient error",
			"asset", assetID, "timeframe", label, "scheme", scheme.Name(),
			"err", err, "wait", wait)
	}

	bo := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewExponentialBackOff(), uint64(s.cfg.RetryMax)),
		ctx)
	err := backoff.RetryNotify(op, bo, notify)
	return rep, err
}
