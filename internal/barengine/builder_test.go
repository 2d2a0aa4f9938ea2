package barengine

import (
	"testing"
	"time"

	"ohlc-systemv1/internal/align"
	"ohlc-systemv1/internal/catalog"
	"ohlc-systemv1/internal/model"
)

var (
	tf1D = catalog.Timeframe{Label: "1D", DaySpan: 1, Anchor: catalog.AnchorDay, SessionID: "EQ"}
	tf1W = catalog.Timeframe{Label: "1W", DaySpan: 7, Anchor: catalog.AnchorWeek, SessionID: "EQ"}
)

func eqSession() catalog.Session {
	return catalog.Session{
		ID:          "EQ",
		TradingDays: [7]bool{false, true, true, true, true, true, false}, // Mon-Fri
		TZ:          "UTC",
	}
}

func scheme(t *testing.T, name string) align.Scheme {
	t.Helper()
	s, err := align.ForName(name)
	if err != nil {
		t.Fatalf("ForName(%s): %v", name, err)
	}
	return s
}

func at(y int, m time.Month, d, hh int) time.Time {
	return time.Date(y, m, d, hh, 0, 0, 0, time.UTC)
}

func obs(ts time.Time, o, h, l, c, v int64) model.PriceObservation {
	return model.PriceObservation{
		AssetID: "RELIANCE", TS: ts,
		Open: o, High: h, Low: l, Close: c, Volume: v,
	}
}

func input(rows []model.PriceObservation) Input {
	return Input{
		AssetID:  "RELIANCE",
		Anchor:   rows[0].TS,
		AssetMin: rows[0].TS,
		AssetMax: rows[len(rows)-1].TS,
		StartSeq: 1,
		Obs:      rows,
	}
}

func TestBuild_DailyAggregation(t *testing.T) {
	b := NewBuilder(scheme(t, model.SchemeTradingDay), tf1D, eqSession())

	mon := at(2024, time.March, 4, 0) // Monday
	rows := []model.PriceObservation{
		obs(mon.Add(10*time.Hour), 100_00, 110_00, 99_00, 105_00, 10),
		obs(mon.Add(12*time.Hour), 105_00, 110_00, 98_00, 104_00, 20), // ties the high
		obs(mon.Add(14*time.Hour), 104_00, 106_00, 100_00, 106_00, 30),
	}

	bars, rejects := b.Build(input(rows))
	if len(rejects) != 0 {
		t.Fatalf("unexpected rejects: %+v", rejects)
	}
	if len(bars) != 1 {
		t.Fatalf("got %d bars, want 1", len(bars))
	}

	bar := bars[0]
	if bar.Open != 100_00 || bar.High != 110_00 || bar.Low != 98_00 || bar.Close != 106_00 {
		t.Errorf("OHLC = %d/%d/%d/%d", bar.Open, bar.High, bar.Low, bar.Close)
	}
	if bar.Volume != 60 || bar.ObsCount != 3 {
		t.Errorf("volume=%d obs=%d", bar.Volume, bar.ObsCount)
	}
	// Two rows share the 110_00 high; the earlier timestamp wins.
	if !bar.TimeHigh.Equal(mon.Add(10 * time.Hour)) {
		t.Errorf("time_high = %v, want earliest tied observation", bar.TimeHigh)
	}
	if !bar.TimeLow.Equal(mon.Add(12 * time.Hour)) {
		t.Errorf("time_low = %v", bar.TimeLow)
	}
	if !bar.TimeOpen.Equal(mon) || !bar.TimeClose.Equal(mon.AddDate(0, 0, 1)) {
		t.Errorf("bounds = [%v, %v)", bar.TimeOpen, bar.TimeClose)
	}
	if bar.Seq != 1 {
		t.Errorf("seq = %d", bar.Seq)
	}
	if bar.PartialStart || bar.PartialEnd || bar.MissingDays || bar.HasGap {
		t.Errorf("unexpected quality flags: %+v", bar)
	}
}

func TestBuild_WeeklyMissingDays(t *testing.T) {
	b := NewBuilder(scheme(t, model.SchemeCalendarISO), tf1W, eqSession())

	mon := at(2024, time.March, 4, 0)
	full := []model.PriceObservation{
		obs(mon.Add(10*time.Hour), 100_00, 101_00, 99_00, 100_00, 1),
		obs(mon.AddDate(0, 0, 1).Add(10*time.Hour), 100_00, 101_00, 99_00, 100_00, 1),
		obs(mon.AddDate(0, 0, 2).Add(10*time.Hour), 100_00, 101_00, 99_00, 100_00, 1),
		obs(mon.AddDate(0, 0, 3).Add(10*time.Hour), 100_00, 101_00, 99_00, 100_00, 1),
		obs(mon.AddDate(0, 0, 4).Add(10*time.Hour), 100_00, 101_00, 99_00, 100_00, 1),
	}

	bars, _ := b.Build(input(full))
	if len(bars) != 1 {
		t.Fatalf("got %d bars, want 1", len(bars))
	}
	if bars[0].MissingDays {
		t.Error("full Mon-Fri week flagged as missing days")
	}
	if bars[0].PartialEnd {
		t.Error("weekend tail of the week is not a partial end")
	}

	// Same week with Wednesday absent.
	holed := append(append([]model.PriceObservation{}, full[:2]...), full[3:]...)
	bars, _ = b.Build(input(holed))
	if len(bars) != 1 {
		t.Fatalf("got %d bars, want 1", len(bars))
	}
	if !bars[0].MissingDays {
		t.Error("week with a missing Wednesday not flagged")
	}
}

func TestBuild_GapFlagIsSessionAware(t *testing.T) {
	b := NewBuilder(scheme(t, model.SchemeTradingDay), tf1D, eqSession())

	rows := []model.PriceObservation{
		obs(at(2024, time.March, 7, 10), 100_00, 101_00, 99_00, 100_00, 1), // Thu
		obs(at(2024, time.March, 8, 10), 100_00, 101_00, 99_00, 100_00, 1), // Fri
		obs(at(2024, time.March, 11, 10), 100_00, 101_00, 99_00, 100_00, 1), // Mon
		obs(at(2024, time.March, 13, 10), 100_00, 101_00, 99_00, 100_00, 1), // Wed, Tue missing
	}

	bars, rejects := b.Build(input(rows))
	if len(rejects) != 0 {
		t.Fatalf("unexpected rejects: %+v", rejects)
	}
	if len(bars) != 4 {
		t.Fatalf("got %d bars, want 4", len(bars))
	}

	if bars[1].HasGap {
		t.Error("Friday after Thursday flagged as gap")
	}
	if bars[2].HasGap {
		t.Error("Monday after Friday flagged as gap: weekend is not a gap")
	}
	if !bars[3].HasGap {
		t.Error("Wednesday after Monday not flagged: Tuesday was a trading day")
	}

	for i, bar := range bars {
		if bar.Seq != int64(i+1) {
			t.Errorf("bar %d seq = %d, want dense ranks", i, bar.Seq)
		}
	}
}

func TestBuild_PartialStart(t *testing.T) {
	wed := at(2024, time.March, 6, 10)
	rows := []model.PriceObservation{
		obs(wed, 100_00, 101_00, 99_00, 100_00, 1),
		obs(wed.AddDate(0, 0, 1), 100_00, 101_00, 99_00, 100_00, 1),
		obs(wed.AddDate(0, 0, 2), 100_00, 101_00, 99_00, 100_00, 1),
	}

	// Calendar week starts Monday; asset history starts Wednesday.
	b := NewBuilder(scheme(t, model.SchemeCalendarISO), tf1W, eqSession())
	bars, _ := b.Build(input(rows))
	if len(bars) != 1 {
		t.Fatalf("got %d bars, want 1", len(bars))
	}
	if !bars[0].PartialStart {
		t.Error("mid-week asset start not flagged as partial")
	}
	if bars[0].MissingDays {
		t.Error("partial coverage at the edge double-counted as missing days")
	}

	// Trading-day buckets start at the data itself: never partial.
	b = NewBuilder(scheme(t, model.SchemeTradingDay), tf1D, eqSession())
	bars, _ = b.Build(input(rows))
	for _, bar := range bars {
		if bar.PartialStart || bar.PartialEnd {
			t.Errorf("trading-day bar carries partial flags: %+v", bar)
		}
	}
}

func TestBuild_RejectThenContinue(t *testing.T) {
	b := NewBuilder(scheme(t, model.SchemeTradingDay), tf1D, eqSession())

	rows := []model.PriceObservation{
		obs(at(2024, time.March, 4, 10), 100_00, 101_00, 99_00, 100_00, 1),
		obs(at(2024, time.March, 5, 10), 100_00, 90_00, 110_00, 100_00, 1), // high < low
		obs(at(2024, time.March, 6, 10), 100_00, 101_00, 99_00, 100_00, 1),
	}

	bars, rejects := b.Build(input(rows))
	if len(bars) != 2 {
		t.Fatalf("got %d bars, want 2 (corrupted row excluded)", len(bars))
	}
	if len(rejects) != 1 || rejects[0].Reason != model.RejectOHLCInvariant {
		t.Fatalf("rejects = %+v", rejects)
	}
	if bars[0].Seq != 1 || bars[1].Seq != 2 {
		t.Errorf("seq not dense across the rejected day: %d, %d", bars[0].Seq, bars[1].Seq)
	}
	// Tuesday produced no bar, so Wednesday opens after a real gap.
	if !bars[1].HasGap {
		t.Error("bar after rejected trading day should flag a gap")
	}
}

func TestBuild_OrderIndependentExtremes(t *testing.T) {
	// Shuffled intraday rows within one day are fed in ascending TS order
	// by the store; the extremes and their tie-broken timestamps must not
	// depend on which row carries the extreme first in value order.
	b := NewBuilder(scheme(t, model.SchemeTradingDay), tf1D, eqSession())
	mon := at(2024, time.March, 4, 0)

	rows := []model.PriceObservation{
		obs(mon.Add(9*time.Hour), 100_00, 120_00, 95_00, 101_00, 1),
		obs(mon.Add(11*time.Hour), 101_00, 120_00, 95_00, 102_00, 1),
		obs(mon.Add(13*time.Hour), 102_00, 120_00, 95_00, 103_00, 1),
	}

	bars, _ := b.Build(input(rows))
	if len(bars) != 1 {
		t.Fatalf("got %d bars, want 1", len(bars))
	}
	if !bars[0].TimeHigh.Equal(mon.Add(9*time.Hour)) || !bars[0].TimeLow.Equal(mon.Add(9*time.Hour)) {
		t.Errorf("three-way tie must keep the earliest: high=%v low=%v",
			bars[0].TimeHigh, bars[0].TimeLow)
	}
}
