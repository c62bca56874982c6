// Package sim defines the match simulation boundary. How outcomes are
// computed is not this system's business; the tick pipeline only needs
// "simulate one match" as a black box that never touches scheduling state.
package sim

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"leaguebot/internal/league"
)

// Outcome is one simulated match result. Ties do not exist in this league.
type Outcome struct {
	ScoreA int
	ScoreB int
	Winner league.TeamID
}

// Simulator produces the outcome of a single match.
type Simulator interface {
	Simulate(ctx context.Context, a, b league.TeamID) (Outcome, error)
}

// Func adapts a function to the Simulator interface.
type Func func(ctx context.Context, a, b league.TeamID) (Outcome, error)

func (f Func) Simulate(ctx context.Context, a, b league.TeamID) (Outcome, error) {
	return f(ctx, a, b)
}

// Scrimmage is the built-in stand-in simulator: uniform basketball-ish
// scores with ties broken by an extra point. It keeps the binary runnable
// without the real simulation service.
type Scrimmage struct {
	mu  sync.Mutex
	rng *rand.Rand
}

// NewScrimmage builds a scrimmage simulator. A zero seed is replaced with
// the current time so unconfigured runs still vary.
func NewScrimmage(seed int64) *Scrimmage {
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	return &Scrimmage{rng: rand.New(rand.NewSource(seed))}
}

func (s *Scrimmage) Simulate(_ context.Context, a, b league.TeamID) (Outcome, error) {
	s.mu.Lock()
	scoreA := 70 + s.rng.Intn(51)
	scoreB := 70 + s.rng.Intn(51)
	if scoreA == scoreB {
		scoreA++ // overtime, loosely speaking
	}
	s.mu.Unlock()

	winner := a
	if scoreB > scoreA {
		winner = b
	}
	return Outcome{ScoreA: scoreA, ScoreB: scoreB, Winner: winner}, nil
}
