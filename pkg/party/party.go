// Package party is the party-membership directory the matchmaker consults. Membership is read live
// on every request and never cached by callers.
package party

import (
	"slices"
	"time"

	"github.com/rotisserie/eris"
)

var (
	ErrPartyNotFound  = eris.New("party not found")
	ErrAlreadyInParty = eris.New("player already has an active party")
	ErrNotMember      = eris.New("player is not in party")
	ErrPartyFull      = eris.New("party is full")
)

// Directory answers membership questions about parties.
type Directory interface {
	// Members returns the party's members, host first.
	Members(partyID string) ([]string, error)
	// IsHost reports whether userID hosts the party.
	IsHost(partyID, userID string) bool
}

// Party is a group of players that queues together.
type Party struct {
	ID        string    `json:"id"`
	HostID    string    `json:"hostId"`
	Members   []string  `json:"members"`
	MaxSize   int       `json:"maxSize"`
	CreatedAt time.Time `json:"createdAt"`
}

// Size returns the number of members in the party.
func (p *Party) Size() int {
	return len(p.Members)
}

// IsFull returns true if the party has reached max capacity.
func (p *Party) IsFull() bool {
	return len(p.Members) >= p.MaxSize
}

// HasMember returns true if the given player is in the party.
func (p *Party) HasMember(playerID string) bool {
	return slices.Contains(p.Members, playerID)
}

func (p *Party) Clone() Party {
	c := *p
	c.Members = slices.Clone(p.Members)
	return c
}
