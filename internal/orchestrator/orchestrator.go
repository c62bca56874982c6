// Package orchestrator ties the tick pipeline together: on each trigger
// firing it decides whether a tick is due, takes the distributed tick lock,
// materializes the due tick's entries, executes them, and releases the lock.
//
// Several replicas run this concurrently on the same cadence; the lock is
// what makes only one of them do the work.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"leaguebot/internal/bracket"
	"leaguebot/internal/eventbus"
	"leaguebot/internal/executor"
	"leaguebot/internal/league"
	"leaguebot/internal/notifier"
	"leaguebot/internal/sim"
	"leaguebot/internal/storage"
	"leaguebot/internal/ticklock"
	logx "leaguebot/pkg/logx"
)

// ErrLockUnavailable is a control-flow signal, not a failure: another
// instance owns this tick. The firing is skipped and the next scheduled
// attempt will try again; callers must never tight-loop on it.
var ErrLockUnavailable = errors.New("tick lock unavailable")

const seasonFinishedKey = "season:finished"

// Config is the league shape the orchestrator drives.
type Config struct {
	Teams      []league.Team
	Rounds     int
	Qualifiers int
	BestOf     int
	Stagger    time.Duration
}

func (c Config) validate() error {
	if len(c.Teams) < 2 {
		return fmt.Errorf("%w: league needs at least 2 teams", league.ErrInvalidInput)
	}
	if c.Rounds < 0 {
		return fmt.Errorf("%w: rounds must be >= 0", league.ErrInvalidInput)
	}
	if c.Qualifiers != 2 && c.Qualifiers != 4 {
		return fmt.Errorf("%w: qualifiers must be 2 or 4, got %d", league.ErrInvalidInput, c.Qualifiers)
	}
	if c.BestOf < 1 || c.BestOf%2 == 0 {
		return fmt.Errorf("%w: best-of must be a positive odd number", league.ErrInvalidInput)
	}
	return nil
}

type Service struct {
	cfg   Config
	store storage.Store
	lock  *ticklock.Lock
	exec  *executor.Executor
	notif *notifier.Service
	bus   eventbus.Bus
	log   logx.Logger

	// In-process re-entry guard, distinct from the distributed lock: a slow
	// tick must not be re-entered by this instance's own next firing.
	running atomic.Bool

	// Serializes series bookkeeping across concurrently finishing entries.
	// Results within one series apply in observation order; ordering across
	// different series does not matter, so one mutex is enough.
	seriesMu sync.Mutex
}

func New(cfg Config, store storage.Store, lock *ticklock.Lock, simulator sim.Simulator, notif *notifier.Service, bus eventbus.Bus, log logx.Logger) (*Service, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	s := &Service{
		cfg:      cfg,
		store:    store,
		lock:     lock,
		notif:    notif,
		bus:      bus,
		log:      log,
	}
	s.exec = executor.New(simulator, s.recordResult, log.With(logx.String("comp", "executor")))
	return s, nil
}

// Fire runs one trigger firing end to end. It returns ErrLockUnavailable
// when another instance holds the lock, executor.ErrPartialTick when
// cancellation interrupted the launch sequence, and nil when the tick ran
// (or nothing was due).
func (s *Service) Fire(ctx context.Context) error {
	if !s.running.CompareAndSwap(false, true) {
		s.log.Debug("firing skipped, tick already mid-execution here")
		return nil
	}
	defer s.running.Store(false)

	acquired, err := s.lock.TryAcquire(ctx)
	if err != nil {
		return fmt.Errorf("acquire tick lock: %w", err)
	}
	if !acquired {
		return ErrLockUnavailable
	}
	// Guaranteed cleanup: a failure mid-execution must never leave the lock
	// held past its staleness timeout. Release survives ctx cancellation.
	defer s.lock.Release(context.WithoutCancel(ctx))

	tick, due, err := s.nextDue(ctx)
	if err != nil {
		return err
	}
	if len(due) == 0 {
		return nil
	}

	s.publish(eventbus.TypeTickStarted, tickEvent{Tick: tick, Entries: len(due)})
	s.log.Info("tick starting",
		logx.Int("tick", tick),
		logx.Int("entries", len(due)),
		logx.String("phase", string(due[0].Phase)))

	outcomes, execErr := s.exec.Run(ctx, tick, due, s.cfg.Stagger)

	failed := 0
	for _, o := range outcomes {
		if o.Err != nil {
			failed++
		}
	}

	switch {
	case execErr != nil:
		s.publish(eventbus.TypeTickPartial, tickEvent{Tick: tick, Entries: len(due), Completed: len(outcomes), Failed: failed})
		s.log.Warn("tick incomplete, remainder retries next firing",
			logx.Int("tick", tick),
			logx.Int("completed", len(outcomes)),
			logx.Int("total", len(due)))
		return execErr
	case failed > 0:
		s.publish(eventbus.TypeTickFinished, tickEvent{Tick: tick, Entries: len(due), Completed: len(outcomes), Failed: failed})
		s.log.Warn("tick finished with entry failures", logx.Int("tick", tick), logx.Int("failed", failed))
		return nil
	default:
		s.publish(eventbus.TypeTickFinished, tickEvent{Tick: tick, Entries: len(due), Completed: len(outcomes)})
		s.log.Info("tick finished", logx.Int("tick", tick))
		return nil
	}
}

// tickEvent is the bus payload for tick lifecycle events.
type tickEvent struct {
	Tick      int `json:"tick"`
	Entries   int `json:"entries"`
	Completed int `json:"completed,omitempty"`
	Failed    int `json:"failed,omitempty"`
}

// nextDue determines the tick to execute and its still-unplayed entries.
//
// Regular season entries are materialized in bulk on first use; playoff
// entries are materialized one tick at a time as the bracket dictates. Both
// paths are idempotent: generation is deterministic and inserts are keyed by
// entry identity, so a crash between generating and executing simply
// regenerates the same rows as no-ops.
func (s *Service) nextDue(ctx context.Context) (int, []league.ScheduleEntry, error) {
	entries, err := s.store.ListEntries(ctx)
	if err != nil {
		return 0, nil, err
	}
	if len(entries) == 0 && s.cfg.Rounds > 0 {
		generated, err := league.Generate(s.cfg.Teams, s.cfg.Rounds)
		if err != nil {
			return 0, nil, err
		}
		if err := s.store.InsertEntries(ctx, generated); err != nil {
			return 0, nil, err
		}
		s.log.Info("regular season schedule generated",
			logx.Int("entries", len(generated)),
			logx.Int("ticks", league.MaxTick(generated)))
		entries = generated
	}

	results, err := s.store.ListResults(ctx)
	if err != nil {
		return 0, nil, err
	}
	played := make(map[string]struct{}, len(results))
	for _, r := range results {
		played[r.EntryID] = struct{}{}
	}

	// Lowest tick with an unrecorded entry is the due tick. A tick cut short
	// by cancellation retries only its missing portion.
	dueTick := 0
	for _, e := range entries {
		if _, done := played[e.ID]; done {
			continue
		}
		if dueTick == 0 || e.Tick < dueTick {
			dueTick = e.Tick
		}
	}
	if dueTick != 0 {
		tickEntries, err := s.store.EntriesForTick(ctx, dueTick)
		if err != nil {
			return 0, nil, err
		}
		var due []league.ScheduleEntry
		for _, e := range tickEntries {
			if _, done := played[e.ID]; !done {
				due = append(due, e)
			}
		}
		return dueTick, due, nil
	}

	// Every scheduled entry has a result: the season advances into (or
	// through) the playoffs.
	return s.nextPlayoffDue(ctx, entries, results)
}

func (s *Service) nextPlayoffDue(ctx context.Context, entries []league.ScheduleEntry, results []league.Result) (int, []league.ScheduleEntry, error) {
	rows, err := s.store.ListSeries(ctx)
	if err != nil {
		return 0, nil, err
	}

	var br *bracket.Bracket
	if len(rows) == 0 {
		ranked := league.Standings(s.cfg.Teams, entries, results)
		br, err = bracket.Seed(ranked, s.cfg.Qualifiers, s.cfg.BestOf)
		if err != nil {
			return 0, nil, err
		}
		if err := s.persistSeries(ctx, br); err != nil {
			return 0, nil, err
		}
		s.log.Info("playoff bracket seeded",
			logx.Int("qualifiers", s.cfg.Qualifiers),
			logx.Int("best_of", s.cfg.BestOf))
	} else {
		br, err = bracket.Restore(seriesFromRows(rows))
		if err != nil {
			return 0, nil, err
		}
	}

	if br.Done() {
		s.announceSeasonFinished(ctx, br)
		return 0, nil, nil
	}

	nextTick := league.MaxTick(entries) + 1
	games, err := br.NextGames(nextTick)
	if err != nil {
		return 0, nil, err
	}
	// Finals creation happens inside NextGames; persist before scheduling so
	// a crash between the two is recoverable.
	if err := s.persistSeries(ctx, br); err != nil {
		return 0, nil, err
	}
	if err := s.store.InsertEntries(ctx, games); err != nil {
		return 0, nil, err
	}
	return nextTick, games, nil
}

func (s *Service) persistSeries(ctx context.Context, br *bracket.Bracket) error {
	for _, sr := range br.All() {
		row := storage.SeriesRow{
			ID: sr.ID, TeamA: sr.TeamA, TeamB: sr.TeamB,
			BestOf: sr.BestOf, WinsA: sr.WinsA, WinsB: sr.WinsB, Phase: sr.Phase,
		}
		if err := s.store.PutSeries(ctx, row); err != nil {
			return err
		}
	}
	return nil
}

func seriesFromRows(rows []storage.SeriesRow) []bracket.Series {
	out := make([]bracket.Series, 0, len(rows))
	for _, r := range rows {
		out = append(out, bracket.Series{
			ID: r.ID, TeamA: r.TeamA, TeamB: r.TeamB,
			BestOf: r.BestOf, WinsA: r.WinsA, WinsB: r.WinsB, Phase: r.Phase,
		})
	}
	return out
}

// announceSeasonFinished publishes the season-complete event exactly once,
// surviving restarts via the persisted dedup window.
func (s *Service) announceSeasonFinished(ctx context.Context, br *bracket.Bracket) {
	if _, seen, err := s.store.GetDedup(ctx, seasonFinishedKey); err == nil && seen {
		return
	}
	champion := br.Finals.Winner()
	s.log.Info("season complete", logx.String("champion", string(champion)))
	s.publish(eventbus.TypeSeasonFinished, map[string]any{"champion": champion})
	_ = s.store.PutDedup(ctx, seasonFinishedKey, time.Now().Add(365*24*time.Hour))
}

// recordResult is the executor's completion callback: persist the outcome,
// apply it to the owning series, and notify downstream. Re-recording an
// already-applied result is detected by entry identity and is a no-op.
func (s *Service) recordResult(ctx context.Context, entry league.ScheduleEntry, out sim.Outcome) error {
	inserted, err := s.store.PutResult(ctx, league.Result{
		EntryID: entry.ID,
		ScoreA:  out.ScoreA,
		ScoreB:  out.ScoreB,
		Winner:  out.Winner,
		Phase:   entry.Phase,
	})
	if err != nil {
		return err
	}
	if !inserted {
		s.log.Debug("result already recorded", logx.String("entry", entry.ID))
		return nil
	}

	if entry.SeriesID != "" {
		if err := s.applySeriesResult(ctx, entry, out.Winner); err != nil {
			return err
		}
	}

	s.publish(eventbus.TypeEntryFinished, map[string]any{
		"entry": entry.ID, "tick": entry.Tick, "phase": entry.Phase, "winner": out.Winner,
	})

	if s.notif != nil {
		_ = s.notif.Publish(ctx, notifier.Notification{
			EntryID:  entry.ID,
			Tick:     entry.Tick,
			Phase:    entry.Phase,
			TeamA:    entry.TeamA,
			TeamB:    entry.TeamB,
			ScoreA:   out.ScoreA,
			ScoreB:   out.ScoreB,
			Winner:   out.Winner,
			SeriesID: entry.SeriesID,
		})
	}
	return nil
}

func (s *Service) applySeriesResult(ctx context.Context, entry league.ScheduleEntry, winner league.TeamID) error {
	s.seriesMu.Lock()
	defer s.seriesMu.Unlock()

	row, ok, err := s.store.GetSeries(ctx, entry.SeriesID)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%w: entry %s references unknown series %q", league.ErrStateInconsistency, entry.ID, entry.SeriesID)
	}

	sr := bracket.Series{
		ID: row.ID, TeamA: row.TeamA, TeamB: row.TeamB,
		BestOf: row.BestOf, WinsA: row.WinsA, WinsB: row.WinsB, Phase: row.Phase,
	}
	if err := sr.Record(winner); err != nil {
		return err
	}
	if err := s.store.PutSeries(ctx, storage.SeriesRow{
		ID: sr.ID, TeamA: sr.TeamA, TeamB: sr.TeamB,
		BestOf: sr.BestOf, WinsA: sr.WinsA, WinsB: sr.WinsB, Phase: sr.Phase,
	}); err != nil {
		return err
	}

	if sr.Clinched() {
		s.log.Info("series clinched",
			logx.String("series", sr.ID),
			logx.String("winner", string(sr.Winner())))
		s.publish(eventbus.TypeSeriesClinched, map[string]any{
			"series": sr.ID, "winner": sr.Winner(), "phase": sr.Phase,
		})
	}
	return nil
}

func (s *Service) publish(typ string, data any) {
	if s.bus == nil {
		return
	}
	s.bus.Publish(eventbus.Event{Type: typ, Data: data})
}
