package config

import (
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	"ohlc-systemv1/internal/model"
)

// Config holds all application configuration loaded from environment variables.
type Config struct {
	// Infrastructure
	SQLitePath    string
	RedisAddr     string // empty disables Redis publishing
	RedisPassword string
	MetricsAddr   string
	LogLevel      string

	// Run scope
	Assets     string // comma-separated asset ids
	Timeframes string // comma-separated catalog labels
	Schemes    string // comma-separated alignment schemes, empty = all
	EmaPeriods string // comma-separated EMA periods
	Mode       string // "snapshot" | "incremental"
	Start, End string // optional RFC3339 bounds for snapshot builds

	// Tuning
	Concurrency   int     // worker pool size (assets in flight)
	LookbackDays  int     // incremental dirty-window margin
	RetryMax      int     // transient-error retry attempts per asset
	RejectRateMax float64 // run flagged when reject rate exceeds this
}

// Load reads configuration from environment variables with sensible defaults.
func Load() *Config {
	return &Config{
		SQLitePath:    getEnv("SQLITE_PATH", "data/bars.db"),
		RedisAddr:     getEnv("REDIS_ADDR", ""),
		RedisPassword: getEnv("REDIS_PASSWORD", ""),
		MetricsAddr:   getEnv("METRICS_ADDR", ":9090"),
		LogLevel:      getEnv("LOG_LEVEL", "info"),

		Assets:     getEnv("ASSETS", ""),
		Timeframes: getEnv("TIMEFRAMES", "1D,1W,1M"),
		Schemes:    getEnv("SCHEMES", ""),
		EmaPeriods: getEnv("EMA_PERIODS", "9,21,50"),
		Mode:       getEnv("MODE", "incremental"),
		Start:      getEnv("RANGE_START", ""),
		End:        getEnv("RANGE_END", ""),

		Concurrency:   getEnvInt("CONCURRENCY", 4),
		LookbackDays:  getEnvInt("LOOKBACK_DAYS", 3),
		RetryMax:      getEnvInt("RETRY_MAX", 3),
		RejectRateMax: getEnvFloat("REJECT_RATE_MAX", 0.05),
	}
}

// ParseAssets returns the configured asset id list.
func (c *Config) ParseAssets() []string { return splitList(c.Assets) }

// ParseTimeframes returns the configured timeframe labels.
func (c *Config) ParseTimeframes() []string { return splitList(c.Timeframes) }

// ParseSchemes returns the configured alignment schemes, defaulting to
// all six when unset. Unknown names are skipped with a warning.
func (c *Config) ParseSchemes() []string {
	parts := splitList(c.Schemes)
	if len(parts) == 0 {
		return append([]string(nil), model.Schemes...)
	}
	known := make(map[string]bool, len(model.Schemes))
	for _, s := range model.Schemes {
		known[s] = true
	}
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if !known[p] {
			log.Printf("[config] skipping unknown scheme: %q", p)
			continue
		}
		out = append(out, p)
	}
	return out
}

// ParsePeriods returns the configured EMA periods.
func (c *Config) ParsePeriods() []int {
	parts := splitList(c.EmaPeriods)
	out := make([]int, 0, len(parts))
	for _, p := range parts {
		n, err := strconv.Atoi(p)
		if err != nil || n <= 0 {
			log.Printf("[config] skipping invalid EMA period: %q", p)
			continue
		}
		out = append(out, n)
	}
	return out
}

// ParseMode maps the MODE env var to a model.Mode, defaulting to
// incremental.
func (c *Config) ParseMode() model.Mode {
	if strings.EqualFold(strings.TrimSpace(c.Mode), string(model.ModeSnapshot)) {
		return model.ModeSnapshot
	}
	return model.ModeIncremental
}

// ParseRange returns the optional [start, end] bounds. Zero times when
// unset; malformed values are fatal (structural configuration error).
func (c *Config) ParseRange() (time.Time, time.Time) {
	return parseTime("RANGE_START", c.Start), parseTime("RANGE_END", c.End)
}

// Lookback returns the incremental dirty-window margin as a duration.
func (c *Config) Lookback() time.Duration {
	return time.Duration(c.LookbackDays) * 24 * time.Hour
}

func parseTime(key, v string) time.Time {
	if v == "" {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339, v)
	if err != nil {
		// Date-only form is accepted for operator convenience.
		t, err = time.Parse("2006-01-02", v)
	}
	if err != nil {
		log.Fatalf("[config] invalid %s value %q (want RFC3339 or YYYY-MM-DD)", key, v)
	}
	return t.UTC()
}

func splitList(s string) []string {
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

func getEnv(key, fallback string) string {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	return v
}

func getEnvInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		log.Printf("[config] invalid %s=%q, using %d", key, v, fallback)
		return fallback
	}
	return n
}

func getEnvFloat(key string, fallback float64) float64 {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		log.Printf("[config] invalid %s=%q, using %g", key, v, fallback)
		return fallback
	}
	return f
}
