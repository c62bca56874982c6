package storage

import (
	"context"
	"errors"
	"strings"
	"time"

	"leaguebot/internal/league"
	logx "leaguebot/pkg/logx"
)

// Store is the persistence API used by the tick pipeline.
//
// Write semantics the pipeline depends on:
//   - InsertEntries and PutResult are idempotent by identity (entry ID),
//     so crash-recovery regeneration and result replay are no-ops.
//   - AcquireLock and ReleaseLock are conditional single-row writes,
//     linearizable per key; see LockStore.
type Store interface {
	LockStore

	InsertEntries(ctx context.Context, entries []league.ScheduleEntry) error
	ListEntries(ctx context.Context) ([]league.ScheduleEntry, error)
	EntriesForTick(ctx context.Context, tick int) ([]league.ScheduleEntry, error)

	// PutResult records an outcome once. It returns false (and no error)
	// when a result for the entry already exists.
	PutResult(ctx context.Context, r league.Result) (bool, error)
	ListResults(ctx context.Context) ([]league.Result, error)

	PutSeries(ctx context.Context, s SeriesRow) error
	GetSeries(ctx context.Context, id string) (SeriesRow, bool, error)
	ListSeries(ctx context.Context) ([]SeriesRow, error)

	PutDedup(ctx context.Context, key string, until time.Time) error
	GetDedup(ctx context.Context, key string) (until time.Time, ok bool, err error)

	Close() error
}

// LockStore is the subset of Store the distributed tick lock needs: atomic
// get, conditional put, conditional delete on a single keyed row.
type LockStore interface {
	// AcquireLock writes {key, holder, now} iff no record exists for key or
	// the existing record was acquired at or before staleBefore. Returns
	// whether the write happened.
	AcquireLock(ctx context.Context, key, holder string, now, staleBefore time.Time) (bool, error)

	// ReleaseLock deletes the record iff it is still held by holder.
	// Returns whether a row was removed.
	ReleaseLock(ctx context.Context, key, holder string) (bool, error)

	GetLock(ctx context.Context, key string) (LockRecord, bool, error)
}

// SeriesRow is the persisted form of a playoff series.
type SeriesRow struct {
	ID     string
	TeamA  league.TeamID
	TeamB  league.TeamID
	BestOf int
	WinsA  int
	WinsB  int
	Phase  league.Phase
}

// Open initializes the configured store.
// It returns (nil, nil) if storage is disabled.
func Open(cfg Config, log logx.Logger) (Store, error) {
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	if driver == "" || driver == "none" {
		return nil, nil
	}
	if log.IsZero() {
		log = logx.Nop()
	}

	switch driver {
	case "sqlite", "sqlite3":
		return openSQLite(cfg, log)
	case "memory":
		return NewMemory(), nil
	default:
		return nil, errors.New("unknown storage driver: " + driver)
	}
}
