// Package bracket advances the playoff structure as a small state machine
// driven by series results.
//
// A bracket is an ordered collection of best-of-N series. Each series moves
// seeded -> in progress -> clinched; the bracket is done once the finals
// series clinches. Scheduling is incremental: one entry per unclinched series
// per tick, so two semifinals legitimately share a tick (they never share a
// team).
package bracket

import (
	"fmt"
	"sort"

	"leaguebot/internal/league"
)

// Well-known series IDs. Deterministic so crash recovery reconstructs the
// exact same bracket from persisted rows.
const (
	SeriesSemifinal1 = "semifinal-1"
	SeriesSemifinal2 = "semifinal-2"
	SeriesFinals     = "finals"
)

// Series is one playoff matchup decided by a best-of-N set of games.
type Series struct {
	ID    string
	TeamA league.TeamID
	TeamB league.TeamID

	BestOf int
	WinsA  int
	WinsB  int

	Phase league.Phase
}

// winThreshold is the number of wins that clinches the series: ceil(bestOf/2).
func (s *Series) winThreshold() int { return s.BestOf/2 + 1 }

// Clinched reports whether either side has reached the win threshold.
func (s *Series) Clinched() bool {
	return s.WinsA >= s.winThreshold() || s.WinsB >= s.winThreshold()
}

// Winner returns the clinching team, or "" while the series is live.
func (s *Series) Winner() league.TeamID {
	switch {
	case s.WinsA >= s.winThreshold():
		return s.TeamA
	case s.WinsB >= s.winThreshold():
		return s.TeamB
	default:
		return ""
	}
}

// GamesPlayed is the number of games already decided in this series.
func (s *Series) GamesPlayed() int { return s.WinsA + s.WinsB }

// Record applies one game result to the series.
func (s *Series) Record(winner league.TeamID) error {
	if s.Clinched() {
		return fmt.Errorf("%w: series %s already clinched, result for %q rejected", league.ErrStateInconsistency, s.ID, winner)
	}
	switch winner {
	case s.TeamA:
		s.WinsA++
	case s.TeamB:
		s.WinsB++
	default:
		return fmt.Errorf("%w: team %q is not part of series %s", league.ErrInvalidInput, winner, s.ID)
	}
	return nil
}

// Bracket is the whole playoff structure: zero or two semifinal series
// followed by one finals series.
type Bracket struct {
	Semifinals []*Series
	Finals     *Series

	bestOf int
}

// Seed builds a bracket from standings order.
//
// Supported qualifier counts:
//   - 4: two semifinals, best seed against worst (1v4, 2v3)
//   - 2: the top two advance straight to the finals
//
// Anything else, odd counts included, is ErrInvalidInput; there is no
// sensible pairing for them in a two-round bracket.
func Seed(ranked []league.StandingsRow, qualifiers, bestOf int) (*Bracket, error) {
	if bestOf < 1 || bestOf%2 == 0 {
		return nil, fmt.Errorf("%w: best-of must be a positive odd number, got %d", league.ErrInvalidInput, bestOf)
	}
	if qualifiers > len(ranked) {
		return nil, fmt.Errorf("%w: %d qualifiers from %d teams", league.ErrInvalidInput, qualifiers, len(ranked))
	}

	switch qualifiers {
	case 2:
		return &Bracket{
			Finals: &Series{
				ID:     SeriesFinals,
				TeamA:  ranked[0].Team.ID,
				TeamB:  ranked[1].Team.ID,
				BestOf: bestOf,
				Phase:  league.PhaseFinals,
			},
			bestOf: bestOf,
		}, nil
	case 4:
		return &Bracket{
			Semifinals: []*Series{
				{ID: SeriesSemifinal1, TeamA: ranked[0].Team.ID, TeamB: ranked[3].Team.ID, BestOf: bestOf, Phase: league.PhaseSemifinal},
				{ID: SeriesSemifinal2, TeamA: ranked[1].Team.ID, TeamB: ranked[2].Team.ID, BestOf: bestOf, Phase: league.PhaseSemifinal},
			},
			bestOf: bestOf,
		}, nil
	default:
		return nil, fmt.Errorf("%w: unsupported qualifier count %d (want 2 or 4)", league.ErrInvalidInput, qualifiers)
	}
}

// Restore rebuilds a bracket from persisted series rows.
func Restore(series []Series) (*Bracket, error) {
	b := &Bracket{}
	rows := make([]Series, len(series))
	copy(rows, series)
	sort.Slice(rows, func(i, j int) bool { return rows[i].ID < rows[j].ID })

	for i := range rows {
		s := rows[i]
		if b.bestOf == 0 {
			b.bestOf = s.BestOf
		}
		switch s.Phase {
		case league.PhaseSemifinal:
			b.Semifinals = append(b.Semifinals, &s)
		case league.PhaseFinals:
			b.Finals = &s
		default:
			return nil, fmt.Errorf("%w: series %s has non-playoff phase %q", league.ErrStateInconsistency, s.ID, s.Phase)
		}
	}
	if len(b.Semifinals) != 0 && len(b.Semifinals) != 2 {
		return nil, fmt.Errorf("%w: restored %d semifinal series, want 0 or 2", league.ErrStateInconsistency, len(b.Semifinals))
	}
	return b, nil
}

// Started reports whether the bracket holds any series at all.
func (b *Bracket) Started() bool {
	return b != nil && (len(b.Semifinals) > 0 || b.Finals != nil)
}

// Done reports whether the whole bracket is complete: the finals exist and
// are clinched.
func (b *Bracket) Done() bool {
	return b != nil && b.Finals != nil && b.Finals.Clinched()
}

// Series returns the series with the given id, or nil.
func (b *Bracket) Series(id string) *Series {
	for _, s := range b.Semifinals {
		if s.ID == id {
			return s
		}
	}
	if b.Finals != nil && b.Finals.ID == id {
		return b.Finals
	}
	return nil
}

// All returns every series currently in the bracket, semifinals first.
func (b *Bracket) All() []Series {
	out := make([]Series, 0, len(b.Semifinals)+1)
	for _, s := range b.Semifinals {
		out = append(out, *s)
	}
	if b.Finals != nil {
		out = append(out, *b.Finals)
	}
	return out
}

// Record applies one game result to the owning series.
func (b *Bracket) Record(seriesID string, winner league.TeamID) error {
	s := b.Series(seriesID)
	if s == nil {
		return fmt.Errorf("%w: unknown series %q", league.ErrInvalidInput, seriesID)
	}
	return s.Record(winner)
}

// NextGames emits the schedule entries for the given tick: exactly one entry
// per live series of the active round. When all semifinals have clinched and
// the finals do not exist yet, the finals series is constructed from the
// winners first, so its opening game lands on this tick. The caller derives
// the tick as max(known ticks)+1, so the finals never overlap a pending
// semifinal tick.
//
// An empty result with Done() false never happens: either games are emitted
// or the bracket is complete.
func (b *Bracket) NextGames(tick int) ([]league.ScheduleEntry, error) {
	if b.Done() {
		return nil, fmt.Errorf("%w: bracket already complete, no game for tick %d", league.ErrStateInconsistency, tick)
	}

	var entries []league.ScheduleEntry
	live := b.liveSemifinals()
	if len(live) > 0 {
		for _, s := range live {
			entries = append(entries, seriesEntry(s, tick))
		}
		if err := league.ValidateTicks(entries); err != nil {
			return nil, err
		}
		return entries, nil
	}

	if b.Finals == nil {
		if err := b.advance(); err != nil {
			return nil, err
		}
	}
	entries = append(entries, seriesEntry(b.Finals, tick))
	return entries, nil
}

// advance constructs the finals from the semifinal winners.
func (b *Bracket) advance() error {
	if len(b.Semifinals) != 2 {
		return fmt.Errorf("%w: cannot advance with %d semifinal series", league.ErrStateInconsistency, len(b.Semifinals))
	}
	for _, s := range b.Semifinals {
		if !s.Clinched() {
			return fmt.Errorf("%w: semifinal %s not clinched", league.ErrStateInconsistency, s.ID)
		}
	}
	b.Finals = &Series{
		ID:     SeriesFinals,
		TeamA:  b.Semifinals[0].Winner(),
		TeamB:  b.Semifinals[1].Winner(),
		BestOf: b.bestOfOrDefault(),
		Phase:  league.PhaseFinals,
	}
	return nil
}

func (b *Bracket) bestOfOrDefault() int {
	if b.bestOf > 0 {
		return b.bestOf
	}
	if len(b.Semifinals) > 0 {
		return b.Semifinals[0].BestOf
	}
	return 1
}

func (b *Bracket) liveSemifinals() []*Series {
	var live []*Series
	for _, s := range b.Semifinals {
		if !s.Clinched() {
			live = append(live, s)
		}
	}
	return live
}

func seriesEntry(s *Series, tick int) league.ScheduleEntry {
	return league.ScheduleEntry{
		ID:       league.EntryID(tick, s.TeamA, s.TeamB),
		Tick:     tick,
		TeamA:    s.TeamA,
		TeamB:    s.TeamB,
		Phase:    s.Phase,
		SeriesID: s.ID,
	}
}
