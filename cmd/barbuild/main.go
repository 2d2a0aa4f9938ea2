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
	"ohlc-systemv1/internal/barengine"
	"ohlc-systemv1/internal/catalog"
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
	slogger := logger.Init("barbuild", logger.ParseLevel(cfg.LogLevel))

	assets := cfg.ParseAssets()
	if len(assets) == 0 {
		log.Fatalf("[barbuild] ASSETS is empty; nothing to build")
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
		log.Fatalf("[barbuild] sqlite init failed: %v", err)
	}
	defer store.Close()

	cat, err := store.LoadCatalog(ctx)
	if err != nil {
		log.Fatalf("[barbuild] catalog load failed: %v", err)
	}
	if cat == nil {
		slogger.Info("dimension tables empty, using built-in catalog")
		cat = catalog.Default()
	}

	pub, err := redisstore.New(redisstore.Config{
		Addr: cfg.RedisAddr, Password: cfg.RedisPassword,
	}, slogger)
	if err != nil {
		log.Fatalf("[barbuild] redis init failed: %v", err)
	}
	defer pub.Close()

	prom := metrics.New()
	prom.Serve(ctx, cfg.MetricsAddr, slogger)

	engine := barengine.NewEngine(store, store, cat, slogger, cfg.Lookback())
	engine.OnBars = func(bars []model.Bar) {
		pub.PublishBars(ctx, bars)
	}
	engine.OnRejects = func(rejects []model.RejectRecord) {
		for i := range rejects {
			prom.Rejects.WithLabelValues(string(rejects[i].Reason)).Inc()
		}
	}

	svc, err := barengine.NewService(barengine.ServiceConfig{
		Timeframes:    cfg.ParseTimeframes(),
		Schemes:       cfg.ParseSchemes(),
		Concurrency:   cfg.Concurrency,
		RetryMax:      cfg.RetryMax,
		RejectRateMax: cfg.RejectRateMax,
	}, engine, cat, slogger)
	if err != nil {
		log.Fatalf("[barbuild] service init failed: %v", err)
	}
	svc.OnKeyDone = func(timeframe, scheme string, rep model.BuildReport) {
		prom.BarsWritten.WithLabelValues(scheme, timeframe).Add(float64(rep.RowsWritten))
		if rep.BackfillsDetected > 0 {
			prom.Backfills.Add(float64(rep.BackfillsDetected))
		}
	}
	svc.OnRetry = prom.Retries.Inc
	svc.OnAssetDone = func(_ string, d time.Duration) {
		prom.AssetDur.Observe(d.Seconds())
	}

	start, end := cfg.ParseRange()
	report, err := svc.BuildBars(ctx, assets, start, end, cfg.ParseMode())
	prom.BuildDur.Observe(report.Duration.Seconds())
	prom.KeysFailed.Add(float64(report.KeysFailed))
	pub.PublishReport(ctx, "bars", report)

	switch {
	case errors.Is(err, barengine.ErrRejectRateExceeded):
		slogger.Error("run flagged for operator attention", "err", err,
			"written", report.RowsWritten, "rejected", report.RowsRejected)
		os.Exit(1)
	case err != nil:
		log.Fatalf("[barbuild] fatal: %v", err)
	}
	slogger.Info("done", "written", report.RowsWritten,
		"rejected", report.RowsRejected, "backfills", report.BackfillsDetected,
		"duration", report.Duration.String())
}
