package types

import (
	"slices"
	"time"

	"github.com/argus-labs/dungeon-crawler/pkg/maps"
)

// Team is a group of players that enters a match together. While queued it is either partial
// (open, below TeamMax) or ready.
type Team struct {
	ID        string
	Members   []string
	Tickets   []string // source ticket ids, in merge order
	CreatedAt time.Time
}

// Remaining returns how many more players fit in the team.
func (t *Team) Remaining() int {
	return TeamMax - len(t.Members)
}

// Clone returns a deep copy.
func (t *Team) Clone() Team {
	return Team{
		ID:        t.ID,
		Members:   slices.Clone(t.Members),
		Tickets:   slices.Clone(t.Tickets),
		CreatedAt: t.CreatedAt,
	}
}

// Match is a set of teams committed to one dungeon instance. It is immutable once launched.
type Match struct {
	ID        string
	MapID     maps.ID
	Teams     []Team
	CreatedAt time.Time
}

// Members returns every player in the match, team by team.
func (m *Match) Members() []string {
	out := make([]string, 0, len(m.Teams)*TeamMax)
	for _, team := range m.Teams {
		out = append(out, team.Members...)
	}
	return out
}

// TotalPlayers returns the total number of players in the match.
func (m *Match) TotalPlayers() int {
	count := 0
	for _, team := range m.Teams {
		count += len(team.Members)
	}
	return count
}

// TeamOf returns the team the user belongs to.
func (m *Match) TeamOf(userID string) (Team, bool) {
	for _, team := range m.Teams {
		if slices.Contains(team.Members, userID) {
			return team, true
		}
	}
	return Team{}, false
}

// Clone returns a deep copy.
func (m *Match) Clone() *Match {
	teams := make([]Team, len(m.Teams))
	for i := range m.Teams {
		teams[i] = m.Teams[i].Clone()
	}
	return &Match{
		ID:        m.ID,
		MapID:     m.MapID,
		Teams:     teams,
		CreatedAt: m.CreatedAt,
	}
}
