package league

import (
	"fmt"
	"time"
)

// TeamID is an opaque, stable team identifier.
type TeamID string

// Team carries identity only. Immutable for scheduling purposes.
type Team struct {
	ID   TeamID
	Name string
}

// Phase is the closed set of season phases an entry can belong to.
//
// It is carried end-to-end from generation to storage so downstream
// consumers never have to re-derive it from context.
type Phase string

const (
	PhaseRegular   Phase = "regular"
	PhaseSemifinal Phase = "semifinal"
	PhaseFinals    Phase = "finals"
)

func (p Phase) Valid() bool {
	switch p {
	case PhaseRegular, PhaseSemifinal, PhaseFinals:
		return true
	}
	return false
}

// Playoff reports whether the phase belongs to the bracket.
func (p Phase) Playoff() bool { return p == PhaseSemifinal || p == PhaseFinals }

// ScheduleEntry is one match slot in the season schedule.
//
// Invariant: within a single Tick, no team appears in more than one entry.
type ScheduleEntry struct {
	ID       string
	Tick     int
	TeamA    TeamID
	TeamB    TeamID
	Phase    Phase
	SeriesID string // set for playoff entries only
}

// EntryID builds the deterministic identity of an entry. Regenerating a
// schedule after a crash produces the same IDs, which is what makes bulk
// re-inserts and result re-recording idempotent.
func EntryID(tick int, a, b TeamID) string {
	return fmt.Sprintf("%d:%s:%s", tick, a, b)
}

// Result is the recorded outcome of one entry.
type Result struct {
	EntryID    string
	ScoreA     int
	ScoreB     int
	Winner     TeamID
	Phase      Phase
	RecordedAt time.Time
}

// Involves reports whether the entry features the given team.
func (e ScheduleEntry) Involves(id TeamID) bool {
	return e.TeamA == id || e.TeamB == id
}
