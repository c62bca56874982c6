package storage

import (
	"errors"
	"time"
)

var ErrDisabled = errors.New("storage disabled")

// Config configures storage.
//
// Driver values:
//   - "sqlite": SQLite database file (shared across worker instances)
//   - "memory": in-process store (tests, single-instance dev runs)
//
// If Driver is empty or "none", storage is disabled.
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
}

// LockRecord is the single shared coordination row. Whoever last wrote it
// owns it; all mutations are conditional single-statement writes so the
// read-modify-write cycle stays atomic at the storage layer.
type LockRecord struct {
	Key        string
	HolderID   string
	AcquiredAt time.Time
}

// Age reports how long the record has been held as of now.
func (r LockRecord) Age(now time.Time) time.Duration {
	return now.Sub(r.AcquiredAt)
}
