package orchestrator

import (
	"context"
	"errors"
	"testing"
	"time"

	"leaguebot/internal/executor"
	"leaguebot/internal/league"
	"leaguebot/internal/sim"
	"leaguebot/internal/storage"
	"leaguebot/internal/ticklock"
	logx "leaguebot/pkg/logx"
)

// teamAWins is a fully deterministic simulator; every bracket and standings
// assertion below follows from "the home side always wins".
var teamAWins = sim.Func(func(_ context.Context, a, b league.TeamID) (sim.Outcome, error) {
	return sim.Outcome{ScoreA: 100, ScoreB: 90, Winner: a}, nil
})

func newTestService(t *testing.T, store storage.Store, simulator sim.Simulator, cfg Config) *Service {
	t.Helper()
	lock := ticklock.New(store, "test.tick", "test-instance", time.Minute, logx.Nop())
	svc, err := New(cfg, store, lock, simulator, nil, nil, logx.Nop())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return svc
}

func fourTeamConfig() Config {
	return Config{
		Teams: []league.Team{
			{ID: "ants"}, {ID: "bears"}, {ID: "crows"}, {ID: "drakes"},
		},
		Rounds:     1,
		Qualifiers: 4,
		BestOf:     1,
	}
}

func TestFireRunsFullSeason(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store := storage.NewMemory()
	svc := newTestService(t, store, teamAWins, fourTeamConfig())

	// Regular season: 3 ticks of 2 games each.
	for i := 0; i < 3; i++ {
		if err := svc.Fire(ctx); err != nil {
			t.Fatalf("regular tick %d: %v", i+1, err)
		}
	}
	results, err := store.ListResults(ctx)
	if err != nil {
		t.Fatalf("ListResults: %v", err)
	}
	if len(results) != 6 {
		t.Fatalf("regular season results = %d, want 6", len(results))
	}

	// Next firing seeds the bracket and plays both semifinals on one tick.
	if err := svc.Fire(ctx); err != nil {
		t.Fatalf("semifinal tick: %v", err)
	}
	series, err := store.ListSeries(ctx)
	if err != nil {
		t.Fatalf("ListSeries: %v", err)
	}
	if len(series) != 2 {
		t.Fatalf("series after semifinals = %d, want 2", len(series))
	}
	for _, s := range series {
		if s.WinsA+s.WinsB != 1 {
			t.Fatalf("best-of-1 semifinal %s not decided: %+v", s.ID, s)
		}
	}

	// Finals on the tick after the semifinals.
	if err := svc.Fire(ctx); err != nil {
		t.Fatalf("finals tick: %v", err)
	}
	series, _ = store.ListSeries(ctx)
	if len(series) != 3 {
		t.Fatalf("series after finals = %d, want 3", len(series))
	}

	entries, _ := store.ListEntries(ctx)
	if got, want := league.MaxTick(entries), 5; got != want {
		t.Fatalf("MaxTick = %d, want %d (3 regular + semis + finals)", got, want)
	}
	results, _ = store.ListResults(ctx)
	if len(results) != 9 {
		t.Fatalf("total results = %d, want 9", len(results))
	}

	// Season is complete; further firings are quiet no-ops.
	if err := svc.Fire(ctx); err != nil {
		t.Fatalf("post-season firing: %v", err)
	}
	if _, seen, _ := store.GetDedup(ctx, seasonFinishedKey); !seen {
		t.Fatal("season finished marker not persisted")
	}
	results, _ = store.ListResults(ctx)
	if len(results) != 9 {
		t.Fatalf("post-season firing added results: %d", len(results))
	}
}

func TestFireLockHeldElsewhere(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store := storage.NewMemory()
	svc := newTestService(t, store, teamAWins, fourTeamConfig())

	// Another instance owns a fresh lock.
	if ok, err := store.AcquireLock(ctx, "test.tick", "other", time.Now(), time.Now().Add(-time.Minute)); err != nil || !ok {
		t.Fatalf("setup acquire = (%v, %v)", ok, err)
	}

	if err := svc.Fire(ctx); !errors.Is(err, ErrLockUnavailable) {
		t.Fatalf("err = %v, want ErrLockUnavailable", err)
	}
	if entries, _ := store.ListEntries(ctx); len(entries) != 0 {
		t.Fatalf("entries materialized without the lock: %d", len(entries))
	}
}

func TestFireReleasesLockAfterTick(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store := storage.NewMemory()
	svc := newTestService(t, store, teamAWins, fourTeamConfig())

	if err := svc.Fire(ctx); err != nil {
		t.Fatalf("Fire: %v", err)
	}
	if _, held, _ := store.GetLock(ctx, "test.tick"); held {
		t.Fatal("lock still held after the tick finished")
	}
}

func TestFireReleasesLockOnFailure(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store := storage.NewMemory()
	failing := sim.Func(func(_ context.Context, _, _ league.TeamID) (sim.Outcome, error) {
		return sim.Outcome{}, errors.New("sim service down")
	})
	svc := newTestService(t, store, failing, fourTeamConfig())

	// Entry failures do not fail the tick, but nothing gets recorded either.
	if err := svc.Fire(ctx); err != nil {
		t.Fatalf("Fire: %v", err)
	}
	if _, held, _ := store.GetLock(ctx, "test.tick"); held {
		t.Fatal("lock leaked after a tick with failing entries")
	}
	if results, _ := store.ListResults(ctx); len(results) != 0 {
		t.Fatalf("failed entries recorded results: %d", len(results))
	}
}

func TestFirePartialTickRetriesMissingEntries(t *testing.T) {
	t.Parallel()
	store := storage.NewMemory()

	cancelCtx, cancel := context.WithCancel(context.Background())
	cancelling := sim.Func(func(_ context.Context, a, _ league.TeamID) (sim.Outcome, error) {
		cancel() // cut the tick short after the first launch
		return sim.Outcome{ScoreA: 1, ScoreB: 0, Winner: a}, nil
	})

	cfg := fourTeamConfig()
	cfg.Stagger = time.Hour
	svc := newTestService(t, store, cancelling, cfg)

	err := svc.Fire(cancelCtx)
	if !errors.Is(err, executor.ErrPartialTick) {
		t.Fatalf("err = %v, want ErrPartialTick", err)
	}
	results, _ := store.ListResults(context.Background())
	if len(results) != 1 {
		t.Fatalf("results after partial tick = %d, want 1", len(results))
	}

	// The next firing picks up only the missing entry of the same tick.
	svc2 := newTestService(t, store, teamAWins, cfg)
	if err := svc2.Fire(context.Background()); err != nil {
		t.Fatalf("retry firing: %v", err)
	}
	results, _ = store.ListResults(context.Background())
	if len(results) != 2 {
		t.Fatalf("results after retry = %d, want 2 (tick 1 complete)", len(results))
	}
	for _, r := range results {
		entry, found := findEntry(t, store, r.EntryID)
		if !found || entry.Tick != 1 {
			t.Fatalf("result %s outside tick 1", r.EntryID)
		}
	}
}

func findEntry(t *testing.T, store storage.Store, id string) (league.ScheduleEntry, bool) {
	t.Helper()
	entries, err := store.ListEntries(context.Background())
	if err != nil {
		t.Fatalf("ListEntries: %v", err)
	}
	for _, e := range entries {
		if e.ID == id {
			return e, true
		}
	}
	return league.ScheduleEntry{}, false
}

func TestFireCrashRecoveryRegeneratesIdentically(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store := storage.NewMemory()

	// First instance materializes the schedule and plays tick 1.
	first := newTestService(t, store, teamAWins, fourTeamConfig())
	if err := first.Fire(ctx); err != nil {
		t.Fatalf("first Fire: %v", err)
	}
	before, _ := store.ListEntries(ctx)

	// A replacement instance starts from the same storage; the schedule must
	// not duplicate and play resumes at tick 2.
	second := newTestService(t, store, teamAWins, fourTeamConfig())
	if err := second.Fire(ctx); err != nil {
		t.Fatalf("second Fire: %v", err)
	}
	after, _ := store.ListEntries(ctx)
	if len(before) != len(after) {
		t.Fatalf("entries changed across instances: %d vs %d", len(before), len(after))
	}
	results, _ := store.ListResults(ctx)
	if len(results) != 4 {
		t.Fatalf("results = %d, want 4 (ticks 1 and 2)", len(results))
	}
}

func TestFireTwoQualifierDirectFinals(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store := storage.NewMemory()
	cfg := fourTeamConfig()
	cfg.Qualifiers = 2
	cfg.BestOf = 3
	svc := newTestService(t, store, teamAWins, cfg)

	for i := 0; i < 3; i++ {
		if err := svc.Fire(ctx); err != nil {
			t.Fatalf("regular tick %d: %v", i+1, err)
		}
	}

	// Best-of-3 finals with the same winner every game: two playoff ticks.
	for i := 0; i < 2; i++ {
		if err := svc.Fire(ctx); err != nil {
			t.Fatalf("finals tick %d: %v", i+1, err)
		}
	}
	series, _ := store.ListSeries(ctx)
	if len(series) != 1 {
		t.Fatalf("series = %d, want finals only", len(series))
	}
	s := series[0]
	if !(s.WinsA == 2 && s.WinsB == 0) && !(s.WinsA == 0 && s.WinsB == 2) {
		t.Fatalf("finals not swept in two games: %+v", s)
	}

	if err := svc.Fire(ctx); err != nil {
		t.Fatalf("post-season firing: %v", err)
	}
	if _, seen, _ := store.GetDedup(ctx, seasonFinishedKey); !seen {
		t.Fatal("season finished marker not persisted")
	}
}

func TestNewRejectsBadConfig(t *testing.T) {
	t.Parallel()
	store := storage.NewMemory()
	lock := ticklock.New(store, "k", "h", time.Minute, logx.Nop())

	bad := []Config{
		{Teams: nil, Rounds: 1, Qualifiers: 2, BestOf: 1},
		{Teams: fourTeamConfig().Teams, Rounds: 1, Qualifiers: 3, BestOf: 1},
		{Teams: fourTeamConfig().Teams, Rounds: 1, Qualifiers: 4, BestOf: 2},
	}
	for i, cfg := range bad {
		if _, err := New(cfg, store, lock, teamAWins, nil, nil, logx.Nop()); !errors.Is(err, league.ErrInvalidInput) {
			t.Fatalf("config %d: err = %v, want ErrInvalidInput", i, err)
		}
	}
}

func TestFireReentryGuard(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store := storage.NewMemory()

	started := make(chan struct{}, 1)
	release := make(chan struct{})
	slow := sim.Func(func(_ context.Context, a, _ league.TeamID) (sim.Outcome, error) {
		select {
		case started <- struct{}{}:
		default:
		}
		<-release
		return sim.Outcome{ScoreA: 1, ScoreB: 0, Winner: a}, nil
	})
	svc := newTestService(t, store, slow, fourTeamConfig())

	done := make(chan error, 1)
	go func() { done <- svc.Fire(ctx) }()
	<-started

	// A second firing on the same instance while the first is mid-tick must
	// bounce off the in-process guard, not deadlock on the distributed lock.
	if err := svc.Fire(ctx); err != nil {
		t.Fatalf("re-entrant Fire: %v", err)
	}
	if results, _ := store.ListResults(ctx); len(results) != 0 {
		t.Fatal("re-entrant firing recorded results")
	}

	close(release)
	if err := <-done; err != nil {
		t.Fatalf("original Fire: %v", err)
	}
	results, _ := store.ListResults(ctx)
	if len(results) != 2 {
		t.Fatalf("results = %d, want 2", len(results))
	}
}

func TestStandingsSeedOrderDrivesBracket(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store := storage.NewMemory()

	// Rig outcomes by team: ants beat everyone, bears beat all but ants, etc.
	strength := map[league.TeamID]int{"ants": 4, "bears": 3, "crows": 2, "drakes": 1}
	rigged := sim.Func(func(_ context.Context, a, b league.TeamID) (sim.Outcome, error) {
		if strength[a] > strength[b] {
			return sim.Outcome{ScoreA: 100, ScoreB: 80, Winner: a}, nil
		}
		return sim.Outcome{ScoreA: 80, ScoreB: 100, Winner: b}, nil
	})
	svc := newTestService(t, store, rigged, fourTeamConfig())

	for i := 0; i < 4; i++ { // 3 regular ticks + bracket seeding tick
		if err := svc.Fire(ctx); err != nil {
			t.Fatalf("tick %d: %v", i+1, err)
		}
	}

	series, _ := store.ListSeries(ctx)
	byID := map[string]storage.SeriesRow{}
	for _, s := range series {
		byID[s.ID] = s
	}
	sf1 := byID["semifinal-1"]
	if sf1.TeamA != "ants" || sf1.TeamB != "drakes" {
		t.Fatalf("semifinal 1 = %s vs %s, want ants vs drakes", sf1.TeamA, sf1.TeamB)
	}
	sf2 := byID["semifinal-2"]
	if sf2.TeamA != "bears" || sf2.TeamB != "crows" {
		t.Fatalf("semifinal 2 = %s vs %s, want bears vs crows", sf2.TeamA, sf2.TeamB)
	}
}

func TestFireResumesBracketFromStorage(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store := storage.NewMemory()

	first := newTestService(t, store, teamAWins, fourTeamConfig())
	for i := 0; i < 4; i++ { // through the semifinals
		if err := first.Fire(ctx); err != nil {
			t.Fatalf("tick %d: %v", i+1, err)
		}
	}

	// Fresh instance restores the bracket rows and runs the finals.
	second := newTestService(t, store, teamAWins, fourTeamConfig())
	if err := second.Fire(ctx); err != nil {
		t.Fatalf("finals via restored bracket: %v", err)
	}
	series, _ := store.ListSeries(ctx)
	var finals *storage.SeriesRow
	for i := range series {
		if series[i].Phase == league.PhaseFinals {
			finals = &series[i]
		}
	}
	if finals == nil {
		t.Fatal("finals series missing")
	}
	if finals.WinsA+finals.WinsB != 1 {
		t.Fatalf("best-of-1 finals not decided: %+v", finals)
	}
}
