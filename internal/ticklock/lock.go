// Package ticklock gates tick execution so that exactly one of several
// concurrently running worker instances fires a given tick.
//
// It is advisory, timeout-based mutual exclusion over a single shared
// storage row, not a consensus lock: storage writes are linearizable per
// key, so at most one TryAcquire wins while the record is fresh. A holder
// that is alive yet slower than the staleness timeout can be preempted,
// and the tick then runs twice. That risk is accepted and bounded by
// configuring the timeout comfortably above the expected tick duration.
package ticklock

import (
	"context"
	"time"

	"leaguebot/internal/storage"
	logx "leaguebot/pkg/logx"
)

// DefaultKey is the coordination key all orchestrator replicas contend on.
const DefaultKey = "league.tick"

// Lock is one instance's handle on the shared tick lock row.
type Lock struct {
	store    storage.LockStore
	log      logx.Logger
	key      string
	holderID string
	timeout  time.Duration

	now func() time.Time // test hook
}

func New(store storage.LockStore, key, holderID string, staleness time.Duration, log logx.Logger) *Lock {
	if key == "" {
		key = DefaultKey
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Lock{
		store:    store,
		log:      log,
		key:      key,
		holderID: holderID,
		timeout:  staleness,
		now:      time.Now,
	}
}

func (l *Lock) HolderID() string { return l.holderID }

// TryAcquire attempts to take the lock: it wins when the record is absent or
// older than the staleness timeout. On false the caller must skip this
// firing entirely and wait for the next scheduled attempt; contention is the
// expected outcome on all but one replica, so it is never escalated.
func (l *Lock) TryAcquire(ctx context.Context) (bool, error) {
	now := l.now()
	acquired, err := l.store.AcquireLock(ctx, l.key, l.holderID, now, now.Add(-l.timeout))
	if err != nil {
		return false, err
	}
	if acquired {
		l.log.Debug("tick lock acquired", logx.String("key", l.key), logx.String("holder", l.holderID))
	} else {
		l.log.Debug("tick lock held elsewhere", logx.String("key", l.key), logx.String("holder", l.holderID))
	}
	return acquired, nil
}

// Release drops the lock iff this instance still owns it. Releasing a record
// that is gone or was reclaimed by another holder is a no-op: an instance
// must never remove a lock it no longer owns.
func (l *Lock) Release(ctx context.Context) {
	removed, err := l.store.ReleaseLock(ctx, l.key, l.holderID)
	if err != nil {
		l.log.Warn("tick lock release failed", logx.String("key", l.key), logx.Err(err))
		return
	}
	if !removed {
		l.log.Debug("tick lock was not ours to release", logx.String("key", l.key), logx.String("holder", l.holderID))
	}
}
