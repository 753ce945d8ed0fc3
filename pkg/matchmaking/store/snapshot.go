package store

import (
	"slices"
	"time"

	"github.com/argus-labs/dungeon-crawler/pkg/maps"
	"github.com/argus-labs/dungeon-crawler/pkg/matchmaking/types"
)

// TeamSnapshot is a read-only view of a queued team.
type TeamSnapshot struct {
	TeamID    string    `json:"teamId"`
	Members   []string  `json:"members"`
	Tickets   []string  `json:"tickets"`
	Remaining int       `json:"remaining"`
	CreatedAt time.Time `json:"createdAt"`
}

// MatchSnapshot is a read-only view of the match being assembled.
type MatchSnapshot struct {
	MatchID   string         `json:"matchId"`
	Teams     []TeamSnapshot `json:"teams"`
	CreatedAt time.Time      `json:"createdAt"`
}

// TicketSnapshot is a read-only view of a live ticket.
type TicketSnapshot struct {
	TicketID string           `json:"ticketId"`
	Kind     string           `json:"kind"`
	Owner    string           `json:"owner"`
	Policy   types.JoinPolicy `json:"policy"`
	Members  []string         `json:"members"`
}

// Snapshot is a point-in-time copy of one map's queue.
type Snapshot struct {
	MapID        maps.ID          `json:"mapId"`
	PartialTeams []TeamSnapshot   `json:"partialTeams"`
	ReadyTeams   []TeamSnapshot   `json:"readyTeams"`
	CurrentMatch *MatchSnapshot   `json:"currentMatch"`
	Tickets      []TicketSnapshot `json:"tickets"`
}

// Dump returns a snapshot of the map's queue. The second return value is false when the map is
// idle.
func (s *Store) Dump(mapID maps.ID) (Snapshot, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ms := s.maps[mapID]
	if ms == nil {
		return Snapshot{}, false
	}

	snap := Snapshot{
		MapID:        mapID,
		PartialTeams: snapshotTeams(ms.partial),
		ReadyTeams:   snapshotTeams(ms.ready),
	}
	if ms.current != nil {
		snap.CurrentMatch = &MatchSnapshot{
			MatchID:   ms.current.id,
			Teams:     snapshotTeams(ms.current.teams),
			CreatedAt: ms.current.createdAt,
		}
	}
	for _, t := range s.tickets.forMap(mapID) {
		snap.Tickets = append(snap.Tickets, TicketSnapshot{
			TicketID: t.ID,
			Kind:     t.Kind.String(),
			Owner:    t.Owner(),
			Policy:   t.Policy,
			Members:  slices.Clone(t.Members),
		})
	}
	return snap, true
}

func snapshotTeams(teams []*types.Team) []TeamSnapshot {
	out := make([]TeamSnapshot, 0, len(teams))
	for _, team := range teams {
		out = append(out, TeamSnapshot{
			TeamID:    team.ID,
			Members:   slices.Clone(team.Members),
			Tickets:   slices.Clone(team.Tickets),
			Remaining: team.Remaining(),
			CreatedAt: team.CreatedAt,
		})
	}
	return out
}

// StagedMembers returns every member held by the map's partial teams, ready teams and current
// match.
func (snap Snapshot) StagedMembers() []string {
	var out []string
	for _, team := range snap.PartialTeams {
		out = append(out, team.Members...)
	}
	for _, team := range snap.ReadyTeams {
		out = append(out, team.Members...)
	}
	if snap.CurrentMatch != nil {
		for _, team := range snap.CurrentMatch.Teams {
			out = append(out, team.Members...)
		}
	}
	return out
}

// TicketMembers returns every member of the map's live tickets.
func (snap Snapshot) TicketMembers() []string {
	var out []string
	for _, t := range snap.Tickets {
		out = append(out, t.Members...)
	}
	return out
}
