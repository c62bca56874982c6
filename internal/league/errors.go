package league

import "errors"

var (
	// ErrInvalidInput marks malformed generator or seeding arguments.
	// Fatal to the calling request; never retried.
	ErrInvalidInput = errors.New("invalid input")

	// ErrStateInconsistency marks a detected invariant violation (a team
	// double-booked in one tick, a clinched series asked for another game).
	// It indicates a logic defect, not an environmental condition, so callers
	// must abort instead of proceeding.
	ErrStateInconsistency = errors.New("state inconsistency")
)
