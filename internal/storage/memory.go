package storage

import (
	"context"
	"sort"
	"sync"
	"time"

	"leaguebot/internal/league"
)

// memoryStore keeps everything in process memory behind one mutex. It backs
// tests and single-instance dev runs; the lock semantics match the sqlite
// driver (conditional writes under the same critical section).
type memoryStore struct {
	mu sync.Mutex

	entries map[string]league.ScheduleEntry
	results map[string]league.Result
	series  map[string]SeriesRow
	locks   map[string]LockRecord
	dedup   map[string]time.Time
}

// NewMemory returns an empty in-memory store.
func NewMemory() Store {
	return &memoryStore{
		entries: map[string]league.ScheduleEntry{},
		results: map[string]league.Result{},
		series:  map[string]SeriesRow{},
		locks:   map[string]LockRecord{},
		dedup:   map[string]time.Time{},
	}
}

func (s *memoryStore) Close() error { return nil }

func (s *memoryStore) InsertEntries(_ context.Context, entries []league.ScheduleEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, e := range entries {
		if _, exists := s.entries[e.ID]; exists {
			continue
		}
		s.entries[e.ID] = e
	}
	return nil
}

func (s *memoryStore) ListEntries(_ context.Context) ([]league.ScheduleEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]league.ScheduleEntry, 0, len(s.entries))
	for _, e := range s.entries {
		out = append(out, e)
	}
	sortEntries(out)
	return out, nil
}

func (s *memoryStore) EntriesForTick(_ context.Context, tick int) ([]league.ScheduleEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []league.ScheduleEntry
	for _, e := range s.entries {
		if e.Tick == tick {
			out = append(out, e)
		}
	}
	sortEntries(out)
	return out, nil
}

func sortEntries(entries []league.ScheduleEntry) {
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].Tick != entries[j].Tick {
			return entries[i].Tick < entries[j].Tick
		}
		return entries[i].ID < entries[j].ID
	})
}

func (s *memoryStore) PutResult(_ context.Context, r league.Result) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.results[r.EntryID]; exists {
		return false, nil
	}
	if r.RecordedAt.IsZero() {
		r.RecordedAt = time.Now()
	}
	s.results[r.EntryID] = r
	return true, nil
}

func (s *memoryStore) ListResults(_ context.Context) ([]league.Result, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]league.Result, 0, len(s.results))
	for _, r := range s.results {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].EntryID < out[j].EntryID })
	return out, nil
}

func (s *memoryStore) PutSeries(_ context.Context, row SeriesRow) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.series[row.ID] = row
	return nil
}

func (s *memoryStore) GetSeries(_ context.Context, id string) (SeriesRow, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	row, ok := s.series[id]
	return row, ok, nil
}

func (s *memoryStore) ListSeries(_ context.Context) ([]SeriesRow, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]SeriesRow, 0, len(s.series))
	for _, row := range s.series {
		out = append(out, row)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *memoryStore) AcquireLock(_ context.Context, key, holder string, now, staleBefore time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if rec, held := s.locks[key]; held && rec.AcquiredAt.After(staleBefore) {
		return false, nil
	}
	s.locks[key] = LockRecord{Key: key, HolderID: holder, AcquiredAt: now}
	return true, nil
}

func (s *memoryStore) ReleaseLock(_ context.Context, key, holder string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, held := s.locks[key]
	if !held || rec.HolderID != holder {
		return false, nil
	}
	delete(s.locks, key)
	return true, nil
}

func (s *memoryStore) GetLock(_ context.Context, key string) (LockRecord, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, held := s.locks[key]
	return rec, held, nil
}

func (s *memoryStore) PutDedup(_ context.Context, key string, until time.Time) error {
	if key == "" {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.dedup[key] = until
	return nil
}

func (s *memoryStore) GetDedup(_ context.Context, key string) (time.Time, bool, error) {
	if key == "" {
		return time.Time{}, false, nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	until, ok := s.dedup[key]
	return until, ok, nil
}
