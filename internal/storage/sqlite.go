package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	_ "modernc.org/sqlite"

	"leaguebot/internal/league"
	logx "leaguebot/pkg/logx"
)

const schema = `
CREATE TABLE IF NOT EXISTS schedule_entries (
	id        TEXT PRIMARY KEY,
	tick      INTEGER NOT NULL,
	team_a    TEXT NOT NULL,
	team_b    TEXT NOT NULL,
	phase     TEXT NOT NULL,
	series_id TEXT
);
CREATE INDEX IF NOT EXISTS idx_entries_tick ON schedule_entries(tick);

CREATE TABLE IF NOT EXISTS results (
	entry_id    TEXT PRIMARY KEY,
	score_a     INTEGER NOT NULL,
	score_b     INTEGER NOT NULL,
	winner      TEXT NOT NULL,
	phase       TEXT NOT NULL,
	recorded_at INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS series (
	id      TEXT PRIMARY KEY,
	team_a  TEXT NOT NULL,
	team_b  TEXT NOT NULL,
	best_of INTEGER NOT NULL,
	wins_a  INTEGER NOT NULL,
	wins_b  INTEGER NOT NULL,
	phase   TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS tick_lock (
	key         TEXT PRIMARY KEY,
	holder_id   TEXT NOT NULL,
	acquired_at INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS dedup (
	key   TEXT PRIMARY KEY,
	until INTEGER NOT NULL
);
`

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger

	opCount    atomic.Uint64
	pruneEvery uint64
}

func openSQLite(cfg Config, log logx.Logger) (Store, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("sqlite path is required")
	}
	path := cfg.Path
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, err
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a small number of concurrent writers.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	st := &sqliteStore{db: db, log: log, pruneEvery: 500}

	// Basic pragmas.
	if cfg.BusyTimeout > 0 {
		ms := cfg.BusyTimeout.Milliseconds()
		_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", ms))
	}
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	if _, err := db.ExecContext(context.Background(), schema); err != nil {
		_ = db.Close()
		return nil, err
	}
	return st, nil
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// ---- schedule entries ----

func (s *sqliteStore) InsertEntries(ctx context.Context, entries []league.ScheduleEntry) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	if len(entries) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO schedule_entries(id, tick, team_a, team_b, phase, series_id)
		 VALUES(?,?,?,?,?,?)
		 ON CONFLICT(id) DO NOTHING`)
	if err != nil {
		return err
	}
	defer func() { _ = stmt.Close() }()

	for _, e := range entries {
		if _, err := stmt.ExecContext(ctx, e.ID, e.Tick, string(e.TeamA), string(e.TeamB), string(e.Phase), nullStr(e.SeriesID)); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (s *sqliteStore) ListEntries(ctx context.Context) ([]league.ScheduleEntry, error) {
	if s == nil || s.db == nil {
		return nil, ErrDisabled
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, tick, team_a, team_b, phase, series_id FROM schedule_entries ORDER BY tick, id`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	return scanEntries(rows)
}

func (s *sqliteStore) EntriesForTick(ctx context.Context, tick int) ([]league.ScheduleEntry, error) {
	if s == nil || s.db == nil {
		return nil, ErrDisabled
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, tick, team_a, team_b, phase, series_id FROM schedule_entries WHERE tick = ? ORDER BY id`, tick)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	return scanEntries(rows)
}

func scanEntries(rows *sql.Rows) ([]league.ScheduleEntry, error) {
	var out []league.ScheduleEntry
	for rows.Next() {
		var e league.ScheduleEntry
		var a, b, phase string
		var seriesID sql.NullString
		if err := rows.Scan(&e.ID, &e.Tick, &a, &b, &phase, &seriesID); err != nil {
			return nil, err
		}
		e.TeamA = league.TeamID(a)
		e.TeamB = league.TeamID(b)
		e.Phase = league.Phase(phase)
		if seriesID.Valid {
			e.SeriesID = seriesID.String
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// ---- results ----

func (s *sqliteStore) PutResult(ctx context.Context, r league.Result) (bool, error) {
	if s == nil || s.db == nil {
		return false, ErrDisabled
	}
	if r.RecordedAt.IsZero() {
		r.RecordedAt = time.Now()
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO results(entry_id, score_a, score_b, winner, phase, recorded_at)
		 VALUES(?,?,?,?,?,?)
		 ON CONFLICT(entry_id) DO NOTHING`,
		r.EntryID, r.ScoreA, r.ScoreB, string(r.Winner), string(r.Phase), r.RecordedAt.UnixMilli(),
	)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (s *sqliteStore) ListResults(ctx context.Context) ([]league.Result, error) {
	if s == nil || s.db == nil {
		return nil, ErrDisabled
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT entry_id, score_a, score_b, winner, phase, recorded_at FROM results ORDER BY entry_id`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []league.Result
	for rows.Next() {
		var r league.Result
		var winner, phase string
		var ms int64
		if err := rows.Scan(&r.EntryID, &r.ScoreA, &r.ScoreB, &winner, &phase, &ms); err != nil {
			return nil, err
		}
		r.Winner = league.TeamID(winner)
		r.Phase = league.Phase(phase)
		r.RecordedAt = time.UnixMilli(ms)
		out = append(out, r)
	}
	return out, rows.Err()
}

// ---- series ----

func (s *sqliteStore) PutSeries(ctx context.Context, row SeriesRow) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO series(id, team_a, team_b, best_of, wins_a, wins_b, phase)
		 VALUES(?,?,?,?,?,?,?)
		 ON CONFLICT(id) DO UPDATE SET wins_a=excluded.wins_a, wins_b=excluded.wins_b`,
		row.ID, string(row.TeamA), string(row.TeamB), row.BestOf, row.WinsA, row.WinsB, string(row.Phase),
	)
	return err
}

func (s *sqliteStore) GetSeries(ctx context.Context, id string) (SeriesRow, bool, error) {
	if s == nil || s.db == nil {
		return SeriesRow{}, false, ErrDisabled
	}
	row := s.db.QueryRowContext(ctx,
		`SELECT id, team_a, team_b, best_of, wins_a, wins_b, phase FROM series WHERE id = ?`, id)
	sr, err := scanSeries(row)
	if errors.Is(err, sql.ErrNoRows) {
		return SeriesRow{}, false, nil
	}
	if err != nil {
		return SeriesRow{}, false, err
	}
	return sr, true, nil
}

func (s *sqliteStore) ListSeries(ctx context.Context) ([]SeriesRow, error) {
	if s == nil || s.db == nil {
		return nil, ErrDisabled
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, team_a, team_b, best_of, wins_a, wins_b, phase FROM series ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []SeriesRow
	for rows.Next() {
		sr, err := scanSeries(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, sr)
	}
	return out, rows.Err()
}

type rowScanner interface{ Scan(dest ...any) error }

func scanSeries(row rowScanner) (SeriesRow, error) {
	var sr SeriesRow
	var a, b, phase string
	if err := row.Scan(&sr.ID, &a, &b, &sr.BestOf, &sr.WinsA, &sr.WinsB, &phase); err != nil {
		return SeriesRow{}, err
	}
	sr.TeamA = league.TeamID(a)
	sr.TeamB = league.TeamID(b)
	sr.Phase = league.Phase(phase)
	return sr, nil
}

// ---- tick lock ----

// AcquireLock is a single conditional upsert: the insert wins outright when
// no row exists; on conflict the update only applies when the stored record
// is stale. RowsAffected then tells us whether this holder now owns the row.
func (s *sqliteStore) AcquireLock(ctx context.Context, key, holder string, now, staleBefore time.Time) (bool, error) {
	if s == nil || s.db == nil {
		return false, ErrDisabled
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO tick_lock(key, holder_id, acquired_at) VALUES(?,?,?)
		 ON CONFLICT(key) DO UPDATE SET holder_id=excluded.holder_id, acquired_at=excluded.acquired_at
		 WHERE tick_lock.acquired_at <= ?`,
		key, holder, now.UnixMilli(), staleBefore.UnixMilli(),
	)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (s *sqliteStore) ReleaseLock(ctx context.Context, key, holder string) (bool, error) {
	if s == nil || s.db == nil {
		return false, ErrDisabled
	}
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM tick_lock WHERE key = ? AND holder_id = ?`, key, holder)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (s *sqliteStore) GetLock(ctx context.Context, key string) (LockRecord, bool, error) {
	if s == nil || s.db == nil {
		return LockRecord{}, false, ErrDisabled
	}
	var rec LockRecord
	var ms int64
	err := s.db.QueryRowContext(ctx,
		`SELECT key, holder_id, acquired_at FROM tick_lock WHERE key = ?`, key).
		Scan(&rec.Key, &rec.HolderID, &ms)
	if errors.Is(err, sql.ErrNoRows) {
		return LockRecord{}, false, nil
	}
	if err != nil {
		return LockRecord{}, false, err
	}
	rec.AcquiredAt = time.UnixMilli(ms)
	return rec, true, nil
}

// ---- dedup ----

func (s *sqliteStore) PutDedup(ctx context.Context, key string, until time.Time) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	if key == "" {
		return nil
	}
	ms := until.UnixMilli()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO dedup(key, until) VALUES(?,?)
		 ON CONFLICT(key) DO UPDATE SET until=excluded.until`,
		key, ms,
	)
	if err == nil && s.opCount.Add(1)%s.pruneEvery == 0 {
		pctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
		_ = s.pruneExpired(pctx)
		cancel()
	}
	return err
}

func (s *sqliteStore) GetDedup(ctx context.Context, key string) (time.Time, bool, error) {
	if s == nil || s.db == nil {
		return time.Time{}, false, ErrDisabled
	}
	if key == "" {
		return time.Time{}, false, nil
	}
	var ms int64
	err := s.db.QueryRowContext(ctx, `SELECT until FROM dedup WHERE key = ?`, key).Scan(&ms)
	if errors.Is(err, sql.ErrNoRows) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, err
	}
	return time.UnixMilli(ms), true, nil
}

func (s *sqliteStore) pruneExpired(ctx context.Context) error {
	if s == nil || s.db == nil {
		return nil
	}
	now := time.Now().UnixMilli()
	_, err := s.db.ExecContext(ctx, `DELETE FROM dedup WHERE until < ?`, now)
	return err
}

func nullStr(v string) any {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}
