package sqlite

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"ohlc-systemv1/internal/model"
	"ohlc-systemv1/internal/state"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := New(Config{DBPath: filepath.Join(t.TempDir(), "test.db")},
		slog.New(slog.NewTextHandler(io.Discard, nil)))
	if err != nil {
		t.Fatalf("sqlite: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func mkBar(seq int64, open time.Time) model.Bar {
	return model.Bar{
		AssetID: "NIFTY", Timeframe: "1D", Scheme: model.SchemeTradingDay,
		Seq: seq, TimeOpen: open, TimeClose: open.AddDate(0, 0, 1),
		Open: 100_00, High: 110_00, Low: 95_00, Close: 105_00, Volume: 42,
		TimeHigh: open.Add(time.Hour), TimeLow: open.Add(2 * time.Hour),
		ObsCount: 7, MissingDays: true,
	}
}

func TestPriceRoundTrip(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	ts := time.Date(2024, time.March, 4, 10, 0, 0, 0, time.UTC)
	rows := []model.PriceObservation{
		{AssetID: "NIFTY", TS: ts, Open: 1, High: 4, Low: 1, Close: 3, Volume: 10},
		{AssetID: "NIFTY", TS: ts.Add(time.Hour), Open: 3, High: 5, Low: 2, Close: 4, Volume: 20},
		{AssetID: "OTHER", TS: ts, Open: 9, High: 9, Low: 9, Close: 9, Volume: 1},
	}
	if err := s.InsertPrices(ctx, rows); err != nil {
		t.Fatalf("insert: %v", err)
	}

	minTS, maxTS, err := s.PriceRange(ctx, "NIFTY")
	if err != nil {
		t.Fatalf("range: %v", err)
	}
	if !minTS.Equal(ts) || !maxTS.Equal(ts.Add(time.Hour)) {
		t.Errorf("range = [%v, %v]", minTS, maxTS)
	}

	got, err := s.PriceWindow(ctx, "NIFTY", ts, ts.Add(time.Hour))
	if err != nil {
		t.Fatalf("window: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("window returned %d rows, want 2", len(got))
	}
	if got[0].TS.After(got[1].TS) {
		t.Error("window not ascending")
	}
	if got[0].High != 4 || got[1].Volume != 20 {
		t.Errorf("round-trip mismatch: %+v", got)
	}

	minTS, _, err = s.PriceRange(ctx, "GHOST")
	if err != nil {
		t.Fatalf("empty range: %v", err)
	}
	if !minTS.IsZero() {
		t.Errorf("missing asset range = %v, want zero", minTS)
	}
}

func TestReplaceBars_DeleteWindowSemantics(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	first := time.Date(2024, time.March, 4, 0, 0, 0, 0, time.UTC)

	var bars []model.Bar
	for i := int64(0); i < 5; i++ {
		bars = append(bars, mkBar(i+1, first.AddDate(0, 0, int(i))))
	}
	n, err := s.ReplaceBars(ctx, "NIFTY", "1D", model.SchemeTradingDay, time.Time{}, bars, nil)
	if err != nil || n != 5 {
		t.Fatalf("replace: n=%d err=%v", n, err)
	}

	// Rebuild the tail: bars 4-5 replaced by 4-6, 1-3 untouched.
	var tail []model.Bar
	for i := int64(3); i < 6; i++ {
		b := mkBar(i+1, first.AddDate(0, 0, int(i)))
		b.Close = 200_00
		b.High = 200_00
		tail = append(tail, b)
	}
	if _, err := s.ReplaceBars(ctx, "NIFTY", "1D", model.SchemeTradingDay, tail[0].TimeOpen, tail, nil); err != nil {
		t.Fatalf("replace tail: %v", err)
	}

	all, err := s.BarsAfter(ctx, "NIFTY", "1D", model.SchemeTradingDay, time.Time{})
	if err != nil {
		t.Fatalf("bars: %v", err)
	}
	if len(all) != 6 {
		t.Fatalf("got %d bars, want 6", len(all))
	}
	if all[2].Close != 105_00 || all[3].Close != 200_00 {
		t.Errorf("delete window touched the wrong rows: %d, %d", all[2].Close, all[3].Close)
	}
	if !all[0].MissingDays || all[0].HasGap {
		t.Errorf("flag round-trip mismatch: %+v", all[0])
	}

	count, err := s.BarCount(ctx, "NIFTY", "1D", model.SchemeTradingDay)
	if err != nil || count != 6 {
		t.Fatalf("count=%d err=%v", count, err)
	}

	prev, err := s.BarBefore(ctx, "NIFTY", "1D", model.SchemeTradingDay, tail[0].TimeOpen)
	if err != nil {
		t.Fatalf("bar before: %v", err)
	}
	if prev == nil || prev.Seq != 3 {
		t.Errorf("bar before = %+v, want seq 3", prev)
	}
	if prev, _ := s.BarBefore(ctx, "NIFTY", "1D", model.SchemeTradingDay, first); prev != nil {
		t.Errorf("bar before first = %+v, want nil", prev)
	}

	minC, maxC, cnt, err := s.BarCloseRange(ctx, "NIFTY", "1D", model.SchemeTradingDay)
	if err != nil {
		t.Fatalf("close range: %v", err)
	}
	if cnt != 6 || !minC.Equal(first.AddDate(0, 0, 1)) || !maxC.Equal(first.AddDate(0, 0, 6)) {
		t.Errorf("close range = [%v, %v] n=%d", minC, maxC, cnt)
	}
}

func TestReplaceEmas_RoundTrip(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	key := state.Key{AssetID: "NIFTY", Timeframe: "1D", Scheme: model.SchemeTradingDay, Period: 9}
	first := time.Date(2024, time.March, 4, 0, 0, 0, 0, time.UTC)

	var points []model.EmaPoint
	for i := 0; i < 4; i++ {
		points = append(points, model.EmaPoint{
			AssetID: key.AssetID, Timeframe: key.Timeframe, Period: key.Period,
			Scheme: key.Scheme, TS: first.AddDate(0, 0, i),
			Value: 100.5 + float64(i), Slope: 1, BarSeq: int64(i + 9),
		})
	}
	if _, err := s.ReplaceEmas(ctx, key, time.Time{}, points, nil); err != nil {
		t.Fatalf("replace: %v", err)
	}

	n, err := s.EmaCount(ctx, key)
	if err != nil || n != 4 {
		t.Fatalf("count=%d err=%v", n, err)
	}

	p, err := s.LastEmaAt(ctx, key, first.AddDate(0, 0, 2))
	if err != nil {
		t.Fatalf("last at: %v", err)
	}
	if p == nil || p.Value != 102.5 || p.BarSeq != 11 {
		t.Errorf("last at day 3 = %+v", p)
	}

	// Delete from day 3 onwards, keep days 1-2.
	if _, err := s.ReplaceEmas(ctx, key, first.AddDate(0, 0, 2), nil, nil); err != nil {
		t.Fatalf("trim: %v", err)
	}
	if n, _ := s.EmaCount(ctx, key); n != 2 {
		t.Errorf("count after trim = %d, want 2", n)
	}

	// A different period is a different series.
	other := key
	other.Period = 21
	if p, _ := s.LastEmaAt(ctx, other, first.AddDate(0, 0, 9)); p != nil {
		t.Errorf("period 21 series should be empty, got %+v", p)
	}
}

func TestStateRoundTrip(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	key := state.Key{AssetID: "NIFTY", Timeframe: "1D", Scheme: model.SchemeTradingDay}

	st, err := s.Load(ctx, key)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if st != nil {
		t.Errorf("fresh key state = %+v, want nil", st)
	}

	wm := time.Date(2024, time.March, 10, 10, 0, 0, 0, time.UTC)
	want := state.State{
		Watermark: wm, EarliestSeen: wm.AddDate(0, 0, -9),
		RowCount: 10, UpdatedAt: time.Now().UTC().Truncate(time.Second),
	}
	if err := s.Save(ctx, key, want); err != nil {
		t.Fatalf("save: %v", err)
	}

	st, err = s.Load(ctx, key)
	if err != nil || st == nil {
		t.Fatalf("load after save: %v %v", st, err)
	}
	if !st.Watermark.Equal(want.Watermark) || !st.EarliestSeen.Equal(want.EarliestSeen) || st.RowCount != 10 {
		t.Errorf("round-trip = %+v, want %+v", st, want)
	}

	// Upsert with a new watermark overwrites in place.
	want.Watermark = wm.AddDate(0, 0, 1)
	if err := s.Save(ctx, key, want); err != nil {
		t.Fatalf("resave: %v", err)
	}
	st, _ = s.Load(ctx, key)
	if !st.Watermark.Equal(want.Watermark) {
		t.Errorf("watermark after upsert = %v", st.Watermark)
	}
}

func TestRejectsWrittenWithBars(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	first := time.Date(2024, time.March, 4, 0, 0, 0, 0, time.UTC)

	rejects := []model.RejectRecord{{
		AssetID: "NIFTY", Timeframe: "1D", Scheme: model.SchemeTradingDay,
		Identity: "NIFTY:1D:trading-day:2024-03-05T00:00:00Z",
		Reason:   model.RejectOHLCInvariant, RawPayload: "{}",
		RejectedAt: time.Now().UTC(),
	}}
	if _, err := s.ReplaceBars(ctx, "NIFTY", "1D", model.SchemeTradingDay,
		time.Time{}, []model.Bar{mkBar(1, first)}, rejects); err != nil {
		t.Fatalf("replace: %v", err)
	}

	n, err := s.RejectCount(ctx, "NIFTY")
	if err != nil || n != 1 {
		t.Fatalf("reject count=%d err=%v", n, err)
	}
}

func TestLoadCatalog(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	cat, err := s.LoadCatalog(ctx)
	if err != nil {
		t.Fatalf("empty catalog: %v", err)
	}
	if cat != nil {
		t.Fatal("empty dimension tables should load as nil catalog")
	}

	_, err = s.DB().Exec(`
		INSERT INTO timeframes (label, day_span, anchor, session_id) VALUES ('1D', 1, 'day', 'EQ');
		INSERT INTO sessions (session_id, is_24x7, trading_days, open_minute, close_minute, tz, holidays)
		VALUES ('EQ', 0, '0111110', 555, 930, 'Asia/Kolkata', '["2026-01-26"]');
	`)
	if err != nil {
		t.Fatalf("seed dimensions: %v", err)
	}

	cat, err = s.LoadCatalog(ctx)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	tf, err := cat.Timeframe("1D")
	if err != nil {
		t.Fatalf("timeframe: %v", err)
	}
	sess, err := cat.SessionFor(tf)
	if err != nil {
		t.Fatalf("session: %v", err)
	}
	if sess.Is24x7 || !sess.TradingDays[time.Monday] || sess.TradingDays[time.Sunday] {
		t.Errorf("trading-day mask decoded wrong: %+v", sess.TradingDays)
	}
	if !sess.Holidays["2026-01-26"] {
		t.Error("holiday list not decoded")
	}
	if sess.IsTradingDay(time.Date(2026, time.January, 26, 0, 0, 0, 0, time.UTC)) {
		t.Error("holiday Monday counted as trading day")
	}
}
