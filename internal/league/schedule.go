package league

import "fmt"

// byeSlot pads an odd team list so the circle method works on an even count.
// A pairing that includes the bye is simply not emitted; the bye team sits
// that tick out.
const byeSlot = TeamID("")

// Generate produces the full regular-season schedule: `rounds` complete
// round-robins over `teams`, grouped into ticks.
//
// Properties:
//   - No team appears twice within one tick (the tick invariant).
//   - Tick numbers start at 1 and increase monotonically across repeated
//     round-robins; they are never reset per round.
//   - Output is fully deterministic for identical inputs, so regenerating
//     after a crash yields identical entries (and identical entry IDs).
//
// Fewer than two teams is ErrInvalidInput. rounds <= 0 is a no-op and
// returns an empty schedule without error.
func Generate(teams []Team, rounds int) ([]ScheduleEntry, error) {
	if len(teams) < 2 {
		return nil, fmt.Errorf("%w: schedule needs at least 2 teams, got %d", ErrInvalidInput, len(teams))
	}
	seen := make(map[TeamID]struct{}, len(teams))
	for _, t := range teams {
		if t.ID == byeSlot {
			return nil, fmt.Errorf("%w: team with empty id", ErrInvalidInput)
		}
		if _, dup := seen[t.ID]; dup {
			return nil, fmt.Errorf("%w: duplicate team id %q", ErrInvalidInput, t.ID)
		}
		seen[t.ID] = struct{}{}
	}
	if rounds <= 0 {
		return []ScheduleEntry{}, nil
	}

	// Circle method: fix slot 0, rotate the rest one position per tick.
	circle := make([]TeamID, 0, len(teams)+1)
	for _, t := range teams {
		circle = append(circle, t.ID)
	}
	if len(circle)%2 == 1 {
		circle = append(circle, byeSlot)
	}
	n := len(circle)
	ticksPerRound := n - 1

	entries := make([]ScheduleEntry, 0, rounds*ticksPerRound*(n/2))
	tick := 0
	for r := 0; r < rounds; r++ {
		rot := make([]TeamID, n)
		copy(rot, circle)
		for t := 0; t < ticksPerRound; t++ {
			tick++
			for i := 0; i < n/2; i++ {
				a, b := rot[i], rot[n-1-i]
				if a == byeSlot || b == byeSlot {
					continue
				}
				entries = append(entries, ScheduleEntry{
					ID:    EntryID(tick, a, b),
					Tick:  tick,
					TeamA: a,
					TeamB: b,
					Phase: PhaseRegular,
				})
			}
			last := rot[n-1]
			copy(rot[2:], rot[1:n-1])
			rot[1] = last
		}
	}

	if err := ValidateTicks(entries); err != nil {
		return nil, err
	}
	return entries, nil
}

// ValidateTicks checks the core schedule invariant: within any single tick,
// no team appears in more than one entry. A violation is a logic defect and
// is reported as ErrStateInconsistency.
func ValidateTicks(entries []ScheduleEntry) error {
	booked := make(map[int]map[TeamID]struct{})
	for _, e := range entries {
		slot := booked[e.Tick]
		if slot == nil {
			slot = make(map[TeamID]struct{}, 2)
			booked[e.Tick] = slot
		}
		for _, id := range []TeamID{e.TeamA, e.TeamB} {
			if _, dup := slot[id]; dup {
				return fmt.Errorf("%w: team %q double-booked in tick %d", ErrStateInconsistency, id, e.Tick)
			}
			slot[id] = struct{}{}
		}
	}
	return nil
}

// MaxTick returns the highest tick number among entries, or 0 when empty.
func MaxTick(entries []ScheduleEntry) int {
	maxT := 0
	for _, e := range entries {
		if e.Tick > maxT {
			maxT = e.Tick
		}
	}
	return maxT
}
