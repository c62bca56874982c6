package league

import "sort"

// StandingsRow is one team's regular-season record.
type StandingsRow struct {
	Team          Team
	Wins          int
	Losses        int
	PointsFor     int
	PointsAgainst int
}

func (r StandingsRow) PointDiff() int { return r.PointsFor - r.PointsAgainst }

// Standings ranks teams by their regular-season results: wins, then point
// differential, then points scored, then team id for a stable final order.
// Playoff results are ignored; they never move the seeding.
func Standings(teams []Team, entries []ScheduleEntry, results []Result) []StandingsRow {
	byEntry := make(map[string]ScheduleEntry, len(entries))
	for _, e := range entries {
		byEntry[e.ID] = e
	}

	rows := make([]StandingsRow, 0, len(teams))
	idx := make(map[TeamID]int, len(teams))
	for i, t := range teams {
		rows = append(rows, StandingsRow{Team: t})
		idx[t.ID] = i
	}

	for _, res := range results {
		e, ok := byEntry[res.EntryID]
		if !ok || e.Phase != PhaseRegular {
			continue
		}
		ia, okA := idx[e.TeamA]
		ib, okB := idx[e.TeamB]
		if !okA || !okB {
			continue
		}
		rows[ia].PointsFor += res.ScoreA
		rows[ia].PointsAgainst += res.ScoreB
		rows[ib].PointsFor += res.ScoreB
		rows[ib].PointsAgainst += res.ScoreA
		if res.Winner == e.TeamA {
			rows[ia].Wins++
			rows[ib].Losses++
		} else {
			rows[ib].Wins++
			rows[ia].Losses++
		}
	}

	sort.SliceStable(rows, func(i, j int) bool {
		a, b := rows[i], rows[j]
		if a.Wins != b.Wins {
			return a.Wins > b.Wins
		}
		if a.PointDiff() != b.PointDiff() {
			return a.PointDiff() > b.PointDiff()
		}
		if a.PointsFor != b.PointsFor {
			return a.PointsFor > b.PointsFor
		}
		return a.Team.ID < b.Team.ID
	})
	return rows
}
