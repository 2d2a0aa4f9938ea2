package main

import (
	"context"
	"errors"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"ohlc-systemv1/config"
	"ohlc-systemv1/internal/catalog"
	"ohlc-systemv1/internal/emaengine"
	"ohlc-systemv1/internal/logger"
	"ohlc-systemv1/internal/metrics"
	"ohlc-systemv1/internal/model"
	redisstore "ohlc-systemv1/internal/store/redis"
	sqlitestore "ohlc-systemv1/internal/store/sqlite"

	"github.com/joho/godotenv"
)

func main() {
	_ = godotenv.Load()

	cfg := config.Load()
	slogger := logger.Init("emabuild", logger.ParseLevel(cfg.LogLevel))

	assets := cfg.ParseAssets()
	if len(assets) == 0 {
		log.Fatalf("[emabuild] ASSETS is empty; nothing to compute")
	}
	periods := cfg.ParsePeriods()
	if len(periods) == 0 {
		log.Fatalf("[emabuild] EMA_PERIODS is empty; nothing to compute")
	}
	var pairs []model.TimeframePeriod
	for _, tf := range cfg.ParseTimeframes() {
		for _, p := range periods {
			pairs = append(pairs, model.TimeframePeriod{Timeframe: tf, Period: p})
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		cancel()
	}()

	store, err := sqlitestore.New(sqlitestore.Config{DBPath: cfg.SQLitePath}, slogger)
	if err != nil {
		log.Fatalf("[emabuild] sqlite init failed: %v", err)
	}
	defer store.Close()

	cat, err := store.LoadCatalog(ctx)
	if err != nil {
		log.Fatalf("[emabuild] catalog load failed: %v", err)
	}
	if cat == nil {
		slogger.Info("dimension tables empty, using built-in catalog")
		cat = catalog.Default()
	}

	pub, err := redisstore.New(redisstore.Config{
		Addr: cfg.RedisAddr, Password: cfg.RedisPassword,
	}, slogger)
	if err != nil {
		log.Fatalf("[emabuild] redis init failed: %v", err)
	}
	defer pub.Close()

	prom := metrics.New()
	prom.Serve(ctx, cfg.MetricsAddr, slogger)

	engine := emaengine.NewEngine(store, store, cat, slogger, cfg.Lookback())
	engine.OnRejects = func(rejects []model.RejectRecord) {
		for i := range rejects {
			prom.Rejects.WithLabelValues(string(rejects[i].Reason)).Inc()
		}
	}

	svc, err := emaengine.NewService(emaengine.ServiceConfig{
		Schemes:       cfg.ParseSchemes(),
		Concurrency:   cfg.Concurrency,
		RetryMax:      cfg.RetryMax,
		RejectRateMax: cfg.RejectRateMax,
	}, engine, cat, slogger)
	if err != nil {
		log.Fatalf("[emabuild] service init failed: %v", err)
	}
	svc.OnKeyDone = func(timeframe, scheme string, rep model.ComputeReport) {
		prom.EmaPointsWritten.WithLabelValues(scheme, timeframe).Add(float64(rep.RowsWritten))
		if rep.BackfillsDetected > 0 {
			prom.Backfills.Add(float64(rep.BackfillsDetected))
		}
	}
	svc.OnRetry = prom.Retries.Inc
	svc.OnAssetDone = func(_ string, d time.Duration) {
		prom.AssetDur.Observe(d.Seconds())
	}

	report, err := svc.ComputeEmas(ctx, assets, pairs, cfg.ParseMode())
	prom.ComputeDur.Observe(report.Duration.Seconds())
	prom.KeysFailed.Add(float64(report.KeysFailed))
	pub.PublishReport(ctx, "emas", report)

	switch {
	case errors.Is(err, emaengine.ErrRejectRateExceeded):
		slogger.Error("run flagged for operator attention", "err", err,
			"written", report.RowsWritten, "rejected", report.RowsRejected)
		os.Exit(1)
	case err != nil:
		log.Fatalf("[emabuild] fatal: %v", err)
	}
	slogger.Info("done", "written", report.RowsWritten,
		"rejected", report.RowsRejected, "backfills", report.BackfillsDetected,
		"duration", report.Duration.String())
}
