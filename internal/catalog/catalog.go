// Package catalog provides read-only access to the timeframe and
// trading-session dimension catalogs. The pipeline consumes these to pick
// bucket boundaries and to tell a legitimate non-trading period (weekend,
// holiday) apart from a data-quality gap.
//
// The catalog is injected into the engines at construction time; there is
// no module-level singleton.
package catalog

import (
	"fmt"
	"time"
)

// Anchor is the calendar unit a timeframe aligns to under the
// calendar/anchored schemes.
type Anchor string

const (
	AnchorDay   Anchor = "day"
	AnchorWeek  Anchor = "week"
	AnchorMonth Anchor = "month"
	AnchorYear  Anchor = "year"
)

// Timeframe is one row of the timeframe dimension catalog.
type Timeframe struct {
	Label     string // e.g. "1D", "1W", "1M", "1Y"
	DaySpan   int    // nominal span in days (1, 7, 30, 365)
	Anchor    Anchor // calendar unit for calendar-aligned schemes
	SessionID string // trading-session calendar this timeframe trades under
}

// Session is one row of the trading-session dimension catalog.
// TradingDays is indexed by time.Weekday (Sunday=0). Holidays hold
// "2006-01-02" date keys, matching the exchange holiday list.
type Session struct {
	ID          string
	Is24x7      bool
	TradingDays [7]bool
	OpenMinute  int // minutes after local midnight
	CloseMinute int
	TZ          string // IANA zone name, e.g. "Asia/Kolkata"
	Holidays    map[string]bool
}

// Catalog holds both dimension tables, keyed by label/id.
type Catalog struct {
	timeframes map[string]Timeframe
	sessions   map[string]Session
}

// New builds a catalog from explicit rows. Used by tests and by the
// SQLite loader.
func New(tfs []Timeframe, sessions []Session) *Catalog {
	c := &Catalog{
		timeframes: make(map[string]Timeframe, len(tfs)),
		sessions:   make(map[string]Session, len(sessions)),
	}
	for _, tf := range tfs {
		c.timeframes[tf.Label] = tf
	}
	for _, s := range sessions {
		c.sessions[s.ID] = s
	}
	return c
}

// Timeframe looks up a timeframe by label. A missing label is a
// structural error: the run must not proceed with guessed boundaries.
func (c *Catalog) Timeframe(label string) (Timeframe, error) {
	tf, ok := c.timeframes[label]
	if !ok {
		return Timeframe{}, fmt.Errorf("catalog: unknown timeframe %q", label)
	}
	return tf, nil
}

// Session looks up a session by id.
func (c *Catalog) Session(id string) (Session, error) {
	s, ok := c.sessions[id]
	if !ok {
		return Session{}, fmt.Errorf("catalog: unknown session %q", id)
	}
	return s, nil
}

// SessionFor resolves the session a timeframe trades under.
func (c *Catalog) SessionFor(tf Timeframe) (Session, error) {
	return c.Session(tf.SessionID)
}

// Timeframes returns all catalog timeframe labels.
func (c *Catalog) Timeframes() []string {
	labels := make([]string, 0, len(c.timeframes))
	for l := range c.timeframes {
		labels = append(labels, l)
	}
	return labels
}

// IsTradingDay reports whether the UTC calendar day of t is a trading day
// under the session: 24/7 sessions always trade; otherwise the weekday
// mask and holiday set both apply.
func (s *Session) IsTradingDay(t time.Time) bool {
	if s.Is24x7 {
		return true
	}
	d := t.UTC()
	if !s.TradingDays[d.Weekday()] {
		return false
	}
	return !s.Holidays[dateKey(d)]
}

// CountTradingDays counts trading days in [from, to) at day granularity.
// Both bounds are truncated to UTC midnight.
func (s *Session) CountTradingDays(from, to time.Time) int {
	from = Midnight(from)
	to = Midnight(to)
	n := 0
	for d := from; d.Before(to); d = d.AddDate(0, 0, 1) {
		if s.IsTradingDay(d) {
			n++
		}
	}
	return n
}

// NextTradingDay returns the first trading day strictly after t.
func (s *Session) NextTradingDay(t time.Time) time.Time {
	d := Midnight(t).AddDate(0, 0, 1)
	for !s.IsTradingDay(d) {
		d = d.AddDate(0, 0, 1)
	}
	return d
}

// Midnight truncates t to UTC midnight.
func Midnight(t time.Time) time.Time {
	y, m, d := t.UTC().Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

func dateKey(t time.Time) string {
	return t.UTC().Format("2006-01-02")
}
