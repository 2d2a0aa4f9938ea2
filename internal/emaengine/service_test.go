package emaengine

import (
	"context"
	"testing"
	"time"

	"ohlc-systemv1/internal/model"
	"ohlc-systemv1/internal/state"
)

func TestNewService_ValidatesSchemes(t *testing.T) {
	store := newTestStore(t)
	engine := NewEngine(store, state.NewMemory(), engineCatalog(), quietLogger(), 72*time.Hour)

	if _, err := NewService(ServiceConfig{Schemes: []string{"sidereal"}}, engine, engineCatalog(), quietLogger()); err == nil {
		t.Error("unknown scheme accepted")
	}
	if _, err := NewService(ServiceConfig{}, engine, engineCatalog(), quietLogger()); err == nil {
		t.Error("empty scheme list accepted")
	}
}

func TestComputeEmas_ValidatesPairsUpFront(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	engine := NewEngine(store, state.NewMemory(), engineCatalog(), quietLogger(), 72*time.Hour)

	svc, err := NewService(ServiceConfig{
		Schemes: []string{model.SchemeTradingDay},
	}, engine, engineCatalog(), quietLogger())
	if err != nil {
		t.Fatalf("service: %v", err)
	}

	if _, err := svc.ComputeEmas(ctx, []string{"NIFTY"},
		[]model.TimeframePeriod{{Timeframe: "42Q", Period: 9}}, model.ModeIncremental); err == nil {
		t.Error("unknown timeframe accepted")
	}
	if _, err := svc.ComputeEmas(ctx, []string{"NIFTY"},
		[]model.TimeframePeriod{{Timeframe: "1D", Period: 0}}, model.ModeIncremental); err == nil {
		t.Error("zero period accepted")
	}
}

func TestComputeEmas_AcrossPeriods(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	engine := NewEngine(store, state.NewMemory(), engineCatalog(), quietLogger(), 72*time.Hour)

	first := time.Date(2024, time.March, 1, 0, 0, 0, 0, time.UTC)
	insertBars(t, store, "NIFTY", first, 1, 12)

	svc, err := NewService(ServiceConfig{
		Schemes:     []string{model.SchemeTradingDay},
		Concurrency: 2,
	}, engine, engineCatalog(), quietLogger())
	if err != nil {
		t.Fatalf("service: %v", err)
	}

	pairs := []model.TimeframePeriod{
		{Timeframe: "1D", Period: 3},
		{Timeframe: "1D", Period: 5},
	}
	report, err := svc.ComputeEmas(ctx, []string{"NIFTY"}, pairs, model.ModeIncremental)
	if err != nil {
		t.Fatalf("compute: %v", err)
	}
	// 12 bars: 10 points at period 3 plus 8 at period 5.
	if report.RowsWritten != 18 {
		t.Errorf("rows written = %d, want 18", report.RowsWritten)
	}
	if report.KeysProcessed != 2 {
		t.Errorf("keys processed = %d, want 2", report.KeysProcessed)
	}
}
