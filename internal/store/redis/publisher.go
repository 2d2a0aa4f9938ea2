// Package redis publishes finalized bars and run reports to Redis streams
// for downstream consumers (feature/signal engines). Publishing happens
// strictly after the SQLite transaction has committed and is best-effort:
// a Redis outage never fails a run.
package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"ohlc-systemv1/internal/model"

	goredis "github.com/go-redis/redis/v8"
)

const (
	// Stream trimming: bounded history per lineage stream.
	barStreamMaxLen    = 4096
	reportStreamMaxLen = 256
)

// Config configures the publisher. An empty Addr disables publishing.
type Config struct {
	Addr     string
	Password string
	DB       int
}

// Publisher writes bar closes and run reports to Redis streams.
// A nil *Publisher is valid and publishes nothing.
type Publisher struct {
	client *goredis.Client
	log    *slog.Logger
}

// New connects and pings Redis. Returns (nil, nil) when cfg.Addr is empty.
func New(cfg Config, log *slog.Logger) (*Publisher, error) {
	if cfg.Addr == "" {
		return nil, nil
	}
	client := goredis.NewClient(&goredis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis ping: %w", err)
	}

	log.Info("redis connected", "addr", cfg.Addr)
	return &Publisher{client: client, log: log}, nil
}

// PublishBars appends finalized bars to their lineage stream:
// "bar:{timeframe}:{scheme}:{asset}".
func (p *Publisher) PublishBars(ctx context.Context, bars []model.Bar) {
	if p == nil || len(bars) == 0 {
		return
	}
	pipe := p.client.Pipeline()
	for i := range bars {
		b := &bars[i]
		stream := "bar:" + b.Timeframe + ":" + b.Scheme + ":" + b.AssetID
		pipe.XAdd(ctx, &goredis.XAddArgs{
			Stream: stream,
			MaxLen: barStreamMaxLen,
			Approx: true,
			Values: map[string]interface{}{"data": string(b.JSON())},
		})
	}
	if _, err := pipe.Exec(ctx); err != nil {
		p.log.Warn("redis bar publish failed", "err", err, "bars", len(bars))
	}
}

// PublishReport appends a run report to the "barpipe:reports" stream.
func (p *Publisher) PublishReport(ctx context.Context, kind string, report interface{}) {
	if p == nil {
		return
	}
	data, err := json.Marshal(report)
	if err != nil {
		return
	}
	err = p.client.XAdd(ctx, &goredis.XAddArgs{
		Stream: "barpipe:reports",
		MaxLen: reportStreamMaxLen,
		Approx: true,
		Values: map[string]interface{}{
			"kind": kind,
			"ts":   strconv.FormatInt(time.Now().Unix(), 10),
			"data": string(data),
		},
	}).Err()
	if err != nil {
		p.log.Warn("redis report publish failed", "err", err)
	}
}

// Close releases the client. Safe on nil.
func (p *Publisher) Close() error {
	if p == nil {
		return nil
	}
	return p.client.Close()
}
