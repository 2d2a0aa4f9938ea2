// Package sqlite is the persistence layer for the pipeline: the raw price
// table (read-only here), bar and EMA tables per alignment scheme, the
// incremental state table, the append-only reject table, and the
// timeframe/session dimension catalogs (read-only).
//
// All multi-row writes run in a single transaction per lineage so a
// cancelled or failed run never leaves a partially visible window.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"ohlc-systemv1/internal/catalog"
	"ohlc-systemv1/internal/model"
	"ohlc-systemv1/internal/state"

	_ "github.com/mattn/go-sqlite3"
)

// Config configures the SQLite store.
type Config struct {
	DBPath string // e.g. "data/bars.db"
}

// Store wraps one SQLite database holding all pipeline tables.
type Store struct {
	db  *sql.DB
	log *slog.Logger
}

// DB returns the underlying sql.DB for health checks.
func (s *Store) DB() *sql.DB { return s.db }

// New opens the database in WAL mode and ensures the schema exists.
func New(cfg Config, log *slog.Logger) (*Store, error) {
	db, err := sql.Open("sqlite3", cfg.DBPath+"?_journal_mode=WAL&_synchronous=NORMAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("sqlite open: %w", err)
	}

	// Single writer; readers share the WAL.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := createSchema(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("sqlite schema: %w", err)
	}

	if log == nil {
		log = slog.Default()
	}
	log.Info("sqlite opened", "path", cfg.DBPath)
	return &Store{db: db, log: log}, nil
}

func createSchema(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS price_observations (
			asset_id TEXT    NOT NULL,
			ts       INTEGER NOT NULL,
			open     INTEGER NOT NULL,
			high     INTEGER NOT NULL,
			low      INTEGER NOT NULL,
			close    INTEGER NOT NULL,
			volume   INTEGER NOT NULL DEFAULT 0,
			PRIMARY KEY (asset_id, ts)
		);

		CREATE TABLE IF NOT EXISTS bars (
			asset_id      TEXT    NOT NULL,
			timeframe     TEXT    NOT NULL,
			scheme        TEXT    NOT NULL,
			seq           INTEGER NOT NULL,
			time_open     INTEGER NOT NULL,
			time_close    INTEGER NOT NULL,
			open          INTEGER NOT NULL,
			high          INTEGER NOT NULL,
			low           INTEGER NOT NULL,
			close         INTEGER NOT NULL,
			volume        INTEGER NOT NULL DEFAULT 0,
			time_high     INTEGER NOT NULL,
			time_low      INTEGER NOT NULL,
			obs_count     INTEGER NOT NULL DEFAULT 0,
			partial_start INTEGER NOT NULL DEFAULT 0,
			partial_end   INTEGER NOT NULL DEFAULT 0,
			missing_days  INTEGER NOT NULL DEFAULT 0,
			has_gap       INTEGER NOT NULL DEFAULT 0,
			PRIMARY KEY (asset_id, timeframe, scheme, seq)
		);
		CREATE UNIQUE INDEX IF NOT EXISTS bars_by_open
			ON bars (asset_id, timeframe, scheme, time_open);

		CREATE TABLE IF NOT EXISTS ema_points (
			asset_id  TEXT    NOT NULL,
			timeframe TEXT    NOT NULL,
			period    INTEGER NOT NULL,
			scheme    TEXT    NOT NULL,
			ts        INTEGER NOT NULL,
			value     REAL    NOT NULL,
			slope     REAL    NOT NULL DEFAULT 0,
			bar_seq   INTEGER NOT NULL,
			PRIMARY KEY (asset_id, timeframe, period, scheme, ts)
		);

		CREATE TABLE IF NOT EXISTS incremental_state (
			asset_id      TEXT    NOT NULL,
			timeframe     TEXT    NOT NULL,
			scheme        TEXT    NOT NULL,
			period        INTEGER NOT NULL DEFAULT 0,
			watermark     INTEGER NOT NULL,
			earliest_seen INTEGER NOT NULL,
			row_count     INTEGER NOT NULL,
			updated_at    INTEGER NOT NULL,
			PRIMARY KEY (asset_id, timeframe, scheme, period)
		);

		CREATE TABLE IF NOT EXISTS rejects (
			id          INTEGER PRIMARY KEY AUTOINCREMENT,
			asset_id    TEXT    NOT NULL,
			timeframe   TEXT    NOT NULL,
			scheme      TEXT    NOT NULL,
			identity    TEXT    NOT NULL,
			reason      TEXT    NOT NULL,
			raw_payload TEXT    NOT NULL,
			rejected_at INTEGER NOT NULL
		);

		CREATE TABLE IF NOT EXISTS timeframes (
			label      TEXT PRIMARY KEY,
			day_span   INTEGER NOT NULL,
			anchor     TEXT    NOT NULL,
			session_id TEXT    NOT NULL
		);

		CREATE TABLE IF NOT EXISTS sessions (
			session_id   TEXT PRIMARY KEY,
			is_24x7      INTEGER NOT NULL,
			trading_days TEXT    NOT NULL,
			open_minute  INTEGER NOT NULL,
			close_minute INTEGER NOT NULL,
			tz           TEXT    NOT NULL,
			holidays     TEXT    NOT NULL DEFAULT '[]'
		);
	`)
	return err
}

// ---- price observations (source of truth, read-only for the pipeline) ----

// InsertPrices bulk-inserts observations in one transaction. The ETL that
// owns this table uses the same shape; the pipeline itself only calls
// this from tests and local fixtures.
func (s *Store) InsertPrices(ctx context.Context, obs []model.PriceObservation) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	stmt, err := tx.Prepare(`
		INSERT OR REPLACE INTO price_observations (asset_id, ts, open, high, low, close, volume)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		tx.Rollback()
		return err
	}
	defer stmt.Close()
	for i := range obs {
		o := &obs[i]
		if _, err := stmt.Exec(o.AssetID, o.TS.Unix(), o.Open, o.High, o.Low, o.Close, o.Volume); err != nil {
			tx.Rollback()
			return err
		}
	}
	return tx.Commit()
}

// PriceRange returns the asset's MIN/MAX observation timestamps, zero
// times when the asset has no rows.
func (s *Store) PriceRange(ctx context.Context, assetID string) (time.Time, time.Time, error) {
	var minTS, maxTS sql.NullInt64
	err := s.db.QueryRowContext(ctx,
		`SELECT MIN(ts), MAX(ts) FROM price_observations WHERE asset_id = ?`,
		assetID,
	).Scan(&minTS, &maxTS)
	if err != nil {
		return time.Time{}, time.Time{}, fmt.Errorf("price range: %w", err)
	}
	if !minTS.Valid {
		return time.Time{}, time.Time{}, nil
	}
	return time.Unix(minTS.Int64, 0).UTC(), time.Unix(maxTS.Int64, 0).UTC(), nil
}

// PriceWindow returns observations with from <= ts <= to, ascending.
func (s *Store) PriceWindow(ctx context.Context, assetID string, from, to time.Time) ([]model.PriceObservation, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT asset_id, ts, open, high, low, close, volume
		FROM price_observations
		WHERE asset_id = ? AND ts >= ? AND ts <= ?
		ORDER BY ts ASC
	`, assetID, from.Unix(), to.Unix())
	if err != nil {
		return nil, fmt.Errorf("price window: %w", err)
	}
	defer rows.Close()

	var out []model.PriceObservation
	for rows.Next() {
		var o model.PriceObservation
		var ts int64
		if err := rows.Scan(&o.AssetID, &ts, &o.Open, &o.High, &o.Low, &o.Close, &o.Volume); err != nil {
			return nil, fmt.Errorf("price scan: %w", err)
		}
		o.TS = time.Unix(ts, 0).UTC()
		out = append(out, o)
	}
	return out, rows.Err()
}

// ---- bars ----

const barColumns = `asset_id, timeframe, scheme, seq, time_open, time_close,
	open, high, low, close, volume, time_high, time_low, obs_count,
	partial_start, partial_end, missing_days, has_gap`

func scanBar(scanner interface{ Scan(...interface{}) error }) (model.Bar, error) {
	var b model.Bar
	var tOpen, tClose, tHigh, tLow int64
	var pStart, pEnd, missing, gap int
	err := scanner.Scan(&b.AssetID, &b.Timeframe, &b.Scheme, &b.Seq,
		&tOpen, &tClose, &b.Open, &b.High, &b.Low, &b.Close, &b.Volume,
		&tHigh, &tLow, &b.ObsCount, &pStart, &pEnd, &missing, &gap)
	if err != nil {
		return b, err
	}
	b.TimeOpen = time.Unix(tOpen, 0).UTC()
	b.TimeClose = time.Unix(tClose, 0).UTC()
	b.TimeHigh = time.Unix(tHigh, 0).UTC()
	b.TimeLow = time.Unix(tLow, 0).UTC()
	b.PartialStart = pStart != 0
	b.PartialEnd = pEnd != 0
	b.MissingDays = missing != 0
	b.HasGap = gap != 0
	return b, nil
}

// BarBefore returns the last bar with time_open < before, or nil.
func (s *Store) BarBefore(ctx context.Context, assetID, timeframe, scheme string, before time.Time) (*model.Bar, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+barColumns+` FROM bars
		WHERE asset_id = ? AND timeframe = ? AND scheme = ? AND time_open < ?
		ORDER BY time_open DESC LIMIT 1
	`, assetID, timeframe, scheme, before.Unix())
	b, err := scanBar(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("bar before: %w", err)
	}
	return &b, nil
}

// BarsAfter returns lineage bars with time_close > after, ascending by
// sequence. A zero after returns the full lineage.
func (s *Store) BarsAfter(ctx context.Context, assetID, timeframe, scheme string, after time.Time) ([]model.Bar, error) {
	afterUnix := int64(0)
	if !after.IsZero() {
		afterUnix = after.Unix()
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+barColumns+` FROM bars
		WHERE asset_id = ? AND timeframe = ? AND scheme = ? AND time_close > ?
		ORDER BY seq ASC
	`, assetID, timeframe, scheme, afterUnix)
	if err != nil {
		return nil, fmt.Errorf("bars after: %w", err)
	}
	defer rows.Close()

	var out []model.Bar
	for rows.Next() {
		b, err := scanBar(rows)
		if err != nil {
			return nil, fmt.Errorf("bar scan: %w", err)
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

// BarCloseRange returns MIN/MAX time_close and the row count of a lineage.
func (s *Store) BarCloseRange(ctx context.Context, assetID, timeframe, scheme string) (time.Time, time.Time, int64, error) {
	var minTS, maxTS sql.NullInt64
	var count int64
	err := s.db.QueryRowContext(ctx, `
		SELECT MIN(time_close), MAX(time_close), COUNT(*) FROM bars
		WHERE asset_id = ? AND timeframe = ? AND scheme = ?
	`, assetID, timeframe, scheme).Scan(&minTS, &maxTS, &count)
	if err != nil {
		return time.Time{}, time.Time{}, 0, fmt.Errorf("bar close range: %w", err)
	}
	if !minTS.Valid {
		return time.Time{}, time.Time{}, 0, nil
	}
	return time.Unix(minTS.Int64, 0).UTC(), time.Unix(maxTS.Int64, 0).UTC(), count, nil
}

// BarCount returns the lineage's bar count.
func (s *Store) BarCount(ctx context.Context, assetID, timeframe, scheme string) (int64, error) {
	var n int64
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM bars WHERE asset_id = ? AND timeframe = ? AND scheme = ?`,
		assetID, timeframe, scheme,
	).Scan(&n)
	return n, err
}

// ReplaceBars deletes lineage bars with time_open >= from and inserts the
// new bars plus their reject records in one transaction. A zero from
// wipes the whole lineage (full rebuild). Returns bar rows written.
func (s *Store) ReplaceBars(ctx context.Context, assetID, timeframe, scheme string, from time.Time, bars []model.Bar, rejects []model.RejectRecord) (int64, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}

	fromUnix := int64(0)
	if !from.IsZero() {
		fromUnix = from.Unix()
	}
	if _, err := tx.Exec(
		`DELETE FROM bars WHERE asset_id = ? AND timeframe = ? AND scheme = ? AND time_open >= ?`,
		assetID, timeframe, scheme, fromUnix,
	); err != nil {
		tx.Rollback()
		return 0, fmt.Errorf("delete bars: %w", err)
	}

	stmt, err := tx.Prepare(`
		INSERT OR REPLACE INTO bars (` + barColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		tx.Rollback()
		return 0, err
	}
	defer stmt.Close()

	for i := range bars {
		b := &bars[i]
		_, err := stmt.Exec(b.AssetID, b.Timeframe, b.Scheme, b.Seq,
			b.TimeOpen.Unix(), b.TimeClose.Unix(),
			b.Open, b.High, b.Low, b.Close, b.Volume,
			b.TimeHigh.Unix(), b.TimeLow.Unix(), b.ObsCount,
			boolInt(b.PartialStart), boolInt(b.PartialEnd),
			boolInt(b.MissingDays), boolInt(b.HasGap))
		if err != nil {
			tx.Rollback()
			return 0, fmt.Errorf("insert bar: %w", err)
		}
	}

	if err := insertRejects(tx, rejects); err != nil {
		tx.Rollback()
		return 0, err
	}
	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return int64(len(bars)), nil
}

// ---- EMA points ----

// LastEmaAt returns the latest EMA point with ts <= upTo for the series,
// or nil.
func (s *Store) LastEmaAt(ctx context.Context, key state.Key, upTo time.Time) (*model.EmaPoint, error) {
	var p model.EmaPoint
	var ts int64
	err := s.db.QueryRowContext(ctx, `
		SELECT asset_id, timeframe, period, scheme, ts, value, slope, bar_seq
		FROM ema_points
		WHERE asset_id = ? AND timeframe = ? AND period = ? AND scheme = ? AND ts <= ?
		ORDER BY ts DESC LIMIT 1
	`, key.AssetID, key.Timeframe, key.Period, key.Scheme, upTo.Unix()).Scan(
		&p.AssetID, &p.Timeframe, &p.Period, &p.Scheme, &ts, &p.Value, &p.Slope, &p.BarSeq)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("last ema: %w", err)
	}
	p.TS = time.Unix(ts, 0).UTC()
	return &p, nil
}

// ReplaceEmas deletes series points with ts >= from and inserts the new
// points plus reject records in one transaction. A zero from wipes the
// series. Returns point rows written.
func (s *Store) ReplaceEmas(ctx context.Context, key state.Key, from time.Time, points []model.EmaPoint, rejects []model.RejectRecord) (int64, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}

	fromUnix := int64(0)
	if !from.IsZero() {
		fromUnix = from.Unix()
	}
	if _, err := tx.Exec(
		`DELETE FROM ema_points WHERE asset_id = ? AND timeframe = ? AND period = ? AND scheme = ? AND ts >= ?`,
		key.AssetID, key.Timeframe, key.Period, key.Scheme, fromUnix,
	); err != nil {
		tx.Rollback()
		return 0, fmt.Errorf("delete emas: %w", err)
	}

	stmt, err := tx.Prepare(`
		INSERT OR REPLACE INTO ema_points (asset_id, timeframe, period, scheme, ts, value, slope, bar_seq)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		tx.Rollback()
		return 0, err
	}
	defer stmt.Close()

	for i := range points {
		p := &points[i]
		_, err := stmt.Exec(p.AssetID, p.Timeframe, p.Period, p.Scheme,
			p.TS.Unix(), p.Value, p.Slope, p.BarSeq)
		if err != nil {
			tx.Rollback()
			return 0, fmt.Errorf("insert ema: %w", err)
		}
	}

	if err := insertRejects(tx, rejects); err != nil {
		tx.Rollback()
		return 0, err
	}
	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return int64(len(points)), nil
}

// EmaCount returns the series' point count.
func (s *Store) EmaCount(ctx context.Context, key state.Key) (int64, error) {
	var n int64
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM ema_points WHERE asset_id = ? AND timeframe = ? AND period = ? AND scheme = ?`,
		key.AssetID, key.Timeframe, key.Period, key.Scheme,
	).Scan(&n)
	return n, err
}

// ---- incremental state ----

// Load returns the state row for key, or nil if never processed.
func (s *Store) Load(ctx context.Context, key state.Key) (*state.State, error) {
	var wm, earliest, updated, rows int64
	err := s.db.QueryRowContext(ctx, `
		SELECT watermark, earliest_seen, row_count, updated_at
		FROM incremental_state
		WHERE asset_id = ? AND timeframe = ? AND scheme = ? AND period = ?
	`, key.AssetID, key.Timeframe, key.Scheme, key.Period).Scan(&wm, &earliest, &rows, &updated)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load state: %w", err)
	}
	return &state.State{
		Watermark:    time.Unix(wm, 0).UTC(),
		EarliestSeen: time.Unix(earliest, 0).UTC(),
		RowCount:     rows,
		UpdatedAt:    time.Unix(updated, 0).UTC(),
	}, nil
}

// Save upserts the state row. Idempotent: rewriting identical values
// leaves the row meaningfully unchanged.
func (s *Store) Save(ctx context.Context, key state.Key, st state.State) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO incremental_state
			(asset_id, timeframe, scheme, period, watermark, earliest_seen, row_count, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, key.AssetID, key.Timeframe, key.Scheme, key.Period,
		st.Watermark.Unix(), st.EarliestSeen.Unix(), st.RowCount, st.UpdatedAt.Unix())
	if err != nil {
		return fmt.Errorf("save state: %w", err)
	}
	return nil
}

// ---- rejects ----

func insertRejects(tx *sql.Tx, rejects []model.RejectRecord) error {
	if len(rejects) == 0 {
		return nil
	}
	stmt, err := tx.Prepare(`
		INSERT INTO rejects (asset_id, timeframe, scheme, identity, reason, raw_payload, rejected_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		return err
	}
	defer stmt.Close()
	for i := range rejects {
		r := &rejects[i]
		_, err := stmt.Exec(r.AssetID, r.Timeframe, r.Scheme, r.Identity,
			string(r.Reason), r.RawPayload, r.RejectedAt.Unix())
		if err != nil {
			return fmt.Errorf("insert reject: %w", err)
		}
	}
	return nil
}

// RejectCount returns the number of reject rows for an asset, any reason.
func (s *Store) RejectCount(ctx context.Context, assetID string) (int64, error) {
	var n int64
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM rejects WHERE asset_id = ?`, assetID,
	).Scan(&n)
	return n, err
}

// ---- dimension catalogs (read-only) ----

// LoadCatalog reads the timeframe and session dimension tables. Returns
// (nil, nil) when the timeframe table is empty so callers can fall back
// to an injected static catalog.
func (s *Store) LoadCatalog(ctx context.Context) (*catalog.Catalog, error) {
	tfRows, err := s.db.QueryContext(ctx, `SELECT label, day_span, anchor, session_id FROM timeframes`)
	if err != nil {
		return nil, fmt.Errorf("load timeframes: %w", err)
	}
	defer tfRows.Close()

	var tfs []catalog.Timeframe
	for tfRows.Next() {
		var tf catalog.Timeframe
		var anchor string
		if err := tfRows.Scan(&tf.Label, &tf.DaySpan, &anchor, &tf.SessionID); err != nil {
			return nil, fmt.Errorf("scan timeframe: %w", err)
		}
		tf.Anchor = catalog.Anchor(anchor)
		tfs = append(tfs, tf)
	}
	if err := tfRows.Err(); err != nil {
		return nil, err
	}
	if len(tfs) == 0 {
		return nil, nil
	}

	sessRows, err := s.db.QueryContext(ctx,
		`SELECT session_id, is_24x7, trading_days, open_minute, close_minute, tz, holidays FROM sessions`)
	if err != nil {
		return nil, fmt.Errorf("load sessions: %w", err)
	}
	defer sessRows.Close()

	var sessions []catalog.Session
	for sessRows.Next() {
		var sess catalog.Session
		var is247 int
		var days, holidays string
		if err := sessRows.Scan(&sess.ID, &is247, &days, &sess.OpenMinute,
			&sess.CloseMinute, &sess.TZ, &holidays); err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		sess.Is24x7 = is247 != 0
		// trading_days is a 7-char Sunday-first mask, e.g. "0111110".
		for i := 0; i < 7 && i < len(days); i++ {
			sess.TradingDays[i] = days[i] == '1'
		}
		var holidayList []string
		if err := json.Unmarshal([]byte(holidays), &holidayList); err != nil {
			return nil, fmt.Errorf("session %s holidays: %w", sess.ID, err)
		}
		sess.Holidays = make(map[string]bool, len(holidayList))
		for _, h := range holidayList {
			sess.Holidays[h] = true
		}
		sessions = append(sessions, sess)
	}
	if err := sessRows.Err(); err != nil {
		return nil, err
	}

	return catalog.New(tfs, sessions), nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}
