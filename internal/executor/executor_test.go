package executor

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"leaguebot/internal/league"
	"leaguebot/internal/sim"
	logx "leaguebot/pkg/logx"
)

func tickEntries(tick int, pairs ...[2]league.TeamID) []league.ScheduleEntry {
	out := make([]league.ScheduleEntry, 0, len(pairs))
	for _, p := range pairs {
		out = append(out, league.ScheduleEntry{
			ID:    league.EntryID(tick, p[0], p[1]),
			Tick:  tick,
			TeamA: p[0],
			TeamB: p[1],
			Phase: league.PhaseRegular,
		})
	}
	return out
}

func fixedSim(winnerA bool) sim.Func {
	return func(_ context.Context, a, b league.TeamID) (sim.Outcome, error) {
		if winnerA {
			return sim.Outcome{ScoreA: 100, ScoreB: 90, Winner: a}, nil
		}
		return sim.Outcome{ScoreA: 90, ScoreB: 100, Winner: b}, nil
	}
}

func TestRunCompletesAllEntries(t *testing.T) {
	t.Parallel()
	var recorded atomic.Int32
	x := New(fixedSim(true), func(_ context.Context, _ league.ScheduleEntry, _ sim.Outcome) error {
		recorded.Add(1)
		return nil
	}, logx.Nop())

	entries := tickEntries(1, [2]league.TeamID{"a", "b"}, [2]league.TeamID{"c", "d"}, [2]league.TeamID{"e", "f"})
	outcomes, err := x.Run(context.Background(), 1, entries, 0)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(outcomes) != 3 {
		t.Fatalf("outcomes = %d, want 3", len(outcomes))
	}
	if got := recorded.Load(); got != 3 {
		t.Fatalf("recorded = %d, want 3", got)
	}
	for _, o := range outcomes {
		if o.Err != nil {
			t.Fatalf("entry %s failed: %v", o.Entry.ID, o.Err)
		}
		if o.Sim.Winner != o.Entry.TeamA {
			t.Fatalf("entry %s winner = %s, want %s", o.Entry.ID, o.Sim.Winner, o.Entry.TeamA)
		}
	}
}

func TestRunCancellationStopsFutureLaunches(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithCancel(context.Background())

	var simulated atomic.Int32
	simFn := sim.Func(func(_ context.Context, a, _ league.TeamID) (sim.Outcome, error) {
		simulated.Add(1)
		cancel() // cancel while the first entry is in flight
		return sim.Outcome{ScoreA: 1, ScoreB: 0, Winner: a}, nil
	})

	var recorded atomic.Int32
	x := New(simFn, func(_ context.Context, _ league.ScheduleEntry, _ sim.Outcome) error {
		recorded.Add(1)
		return nil
	}, logx.Nop())

	entries := tickEntries(1, [2]league.TeamID{"a", "b"}, [2]league.TeamID{"c", "d"}, [2]league.TeamID{"e", "f"})
	outcomes, err := x.Run(ctx, 1, entries, time.Hour)
	if !errors.Is(err, ErrPartialTick) {
		t.Fatalf("err = %v, want ErrPartialTick", err)
	}
	if len(outcomes) != 1 {
		t.Fatalf("outcomes = %d, want 1 (launches after cancel must not start)", len(outcomes))
	}
	if got := simulated.Load(); got != 1 {
		t.Fatalf("simulated = %d, want 1", got)
	}
	// The launched entry ran to completion despite the cancel.
	if got := recorded.Load(); got != 1 {
		t.Fatalf("recorded = %d, want 1", got)
	}
	if outcomes[0].Err != nil {
		t.Fatalf("launched entry failed: %v", outcomes[0].Err)
	}
}

func TestRunZeroStaggerConcurrent(t *testing.T) {
	t.Parallel()
	const n = 4
	var mu sync.Mutex
	inFlight, peak := 0, 0
	block := make(chan struct{})

	simFn := sim.Func(func(_ context.Context, a, _ league.TeamID) (sim.Outcome, error) {
		mu.Lock()
		inFlight++
		if inFlight > peak {
			peak = inFlight
		}
		ready := inFlight == n
		mu.Unlock()
		if ready {
			close(block)
		}
		<-block
		mu.Lock()
		inFlight--
		mu.Unlock()
		return sim.Outcome{ScoreA: 1, ScoreB: 0, Winner: a}, nil
	})

	x := New(simFn, nil, logx.Nop())
	entries := tickEntries(1,
		[2]league.TeamID{"a", "b"}, [2]league.TeamID{"c", "d"},
		[2]league.TeamID{"e", "f"}, [2]league.TeamID{"g", "h"})
	if _, err := x.Run(context.Background(), 1, entries, 0); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if peak != n {
		t.Fatalf("peak concurrency = %d, want %d", peak, n)
	}
}

func TestRunIsolatesEntryFailures(t *testing.T) {
	t.Parallel()
	boom := errors.New("scoreboard offline")
	simFn := sim.Func(func(_ context.Context, a, b league.TeamID) (sim.Outcome, error) {
		if a == "c" {
			return sim.Outcome{}, boom
		}
		return sim.Outcome{ScoreA: 1, ScoreB: 0, Winner: a}, nil
	})

	x := New(simFn, nil, logx.Nop())
	entries := tickEntries(1, [2]league.TeamID{"a", "b"}, [2]league.TeamID{"c", "d"}, [2]league.TeamID{"e", "f"})
	outcomes, err := x.Run(context.Background(), 1, entries, 0)
	if err != nil {
		t.Fatalf("Run: %v (entry failure must not fail the tick)", err)
	}

	failed := 0
	for _, o := range outcomes {
		if o.Err != nil {
			failed++
			if !errors.Is(o.Err, boom) {
				t.Fatalf("entry %s err = %v, want wrapped boom", o.Entry.ID, o.Err)
			}
		}
	}
	if failed != 1 {
		t.Fatalf("failed entries = %d, want 1", failed)
	}
}

func TestRunRecordFailureIsPerEntry(t *testing.T) {
	t.Parallel()
	recErr := errors.New("store down")
	x := New(fixedSim(true), func(_ context.Context, e league.ScheduleEntry, _ sim.Outcome) error {
		if e.TeamA == "a" {
			return recErr
		}
		return nil
	}, logx.Nop())

	entries := tickEntries(1, [2]league.TeamID{"a", "b"}, [2]league.TeamID{"c", "d"})
	outcomes, err := x.Run(context.Background(), 1, entries, 0)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	var found bool
	for _, o := range outcomes {
		if o.Entry.TeamA == "a" {
			found = true
			if !errors.Is(o.Err, recErr) {
				t.Fatalf("record failure not surfaced: %v", o.Err)
			}
		} else if o.Err != nil {
			t.Fatalf("sibling entry poisoned: %v", o.Err)
		}
	}
	if !found {
		t.Fatal("entry a:b missing from outcomes")
	}
}

func TestRunRejectsDoubleBookedTick(t *testing.T) {
	t.Parallel()
	x := New(fixedSim(true), nil, logx.Nop())
	entries := []league.ScheduleEntry{
		{ID: league.EntryID(1, "a", "b"), Tick: 1, TeamA: "a", TeamB: "b"},
		{ID: league.EntryID(1, "a", "c"), Tick: 1, TeamA: "a", TeamB: "c"},
	}
	if _, err := x.Run(context.Background(), 1, entries, 0); !errors.Is(err, league.ErrStateInconsistency) {
		t.Fatalf("err = %v, want ErrStateInconsistency", err)
	}
}

func TestRunEmptyTick(t *testing.T) {
	t.Parallel()
	x := New(fixedSim(true), nil, logx.Nop())
	outcomes, err := x.Run(context.Background(), 1, nil, 0)
	if err != nil || outcomes != nil {
		t.Fatalf("Run(empty) = (%v, %v), want (nil, nil)", outcomes, err)
	}
}
