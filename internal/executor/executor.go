// Package executor runs one tick's worth of matches.
//
// The tick invariant (no team in two entries of one tick) is what makes
// unrestricted concurrency safe here: no two entries can touch the same
// team's state at once.
package executor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"leaguebot/internal/league"
	"leaguebot/internal/sim"
	logx "leaguebot/pkg/logx"
)

// ErrPartialTick reports that cancellation stopped the launch sequence
// before every entry was started. The tick is incomplete rather than failed
// and safe to re-attempt; completed entries are recorded idempotently.
var ErrPartialTick = errors.New("tick partially executed")

// Outcome is the per-entry execution result. Err isolates a simulate or
// record failure to its own entry; siblings are unaffected.
type Outcome struct {
	Entry   league.ScheduleEntry
	Sim     sim.Outcome
	Err     error
	Elapsed time.Duration
}

// ResultFunc receives each completed entry. It is the seam to result
// storage, series bookkeeping, and downstream notification.
type ResultFunc func(ctx context.Context, entry league.ScheduleEntry, out sim.Outcome) error

type Executor struct {
	sim      sim.Simulator
	onResult ResultFunc
	log      logx.Logger
}

func New(simulator sim.Simulator, onResult ResultFunc, log logx.Logger) *Executor {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Executor{sim: simulator, onResult: onResult, log: log}
}

// Run executes the given tick's entries.
//
// stagger == 0 launches every entry at once. stagger > 0 delays each launch
// by stagger relative to the previous launch (not its completion), producing
// the tip-off rhythm without serializing the actual work.
//
// ctx cancellation is checked before each staggered launch: no further
// entries start, but entries already in flight run to completion. They
// execute under a context detached from the cancellation signal, so there
// is never orphaned half-recorded work. In that case Run returns the
// outcomes of the launched entries and ErrPartialTick.
func (x *Executor) Run(ctx context.Context, tick int, entries []league.ScheduleEntry, stagger time.Duration) ([]Outcome, error) {
	if len(entries) == 0 {
		return nil, nil
	}
	if err := league.ValidateTicks(entries); err != nil {
		return nil, err
	}

	outcomes := make([]Outcome, len(entries))
	var wg sync.WaitGroup
	launched := 0

launch:
	for i := range entries {
		if i > 0 && stagger > 0 {
			timer := time.NewTimer(stagger)
			select {
			case <-ctx.Done():
				timer.Stop()
				break launch
			case <-timer.C:
			}
		}
		if ctx.Err() != nil {
			break launch
		}

		entry := entries[i]
		slot := &outcomes[i]
		launched++
		wg.Add(1)
		x.log.Debug("entry launched",
			logx.Int("tick", tick),
			logx.String("entry", entry.ID),
			logx.String("phase", string(entry.Phase)))
		go func() {
			defer wg.Done()
			// In-flight work survives tick cancellation.
			x.playEntry(context.WithoutCancel(ctx), entry, slot)
		}()
	}

	wg.Wait()

	if launched < len(entries) {
		x.log.Info("tick launch cancelled",
			logx.Int("tick", tick),
			logx.Int("launched", launched),
			logx.Int("total", len(entries)))
		return outcomes[:launched], fmt.Errorf("%w: %d of %d entries launched", ErrPartialTick, launched, len(entries))
	}
	return outcomes, nil
}

func (x *Executor) playEntry(ctx context.Context, entry league.ScheduleEntry, slot *Outcome) {
	start := time.Now()
	slot.Entry = entry

	out, err := x.sim.Simulate(ctx, entry.TeamA, entry.TeamB)
	if err != nil {
		slot.Err = fmt.Errorf("simulate %s: %w", entry.ID, err)
		slot.Elapsed = time.Since(start)
		x.log.Warn("entry simulation failed", logx.String("entry", entry.ID), logx.Err(err))
		return
	}
	slot.Sim = out

	if x.onResult != nil {
		if err := x.onResult(ctx, entry, out); err != nil {
			slot.Err = fmt.Errorf("record %s: %w", entry.ID, err)
			x.log.Warn("entry result recording failed", logx.String("entry", entry.ID), logx.Err(err))
		}
	}
	slot.Elapsed = time.Since(start)
}
