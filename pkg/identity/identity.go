// Package identity resolves a player's session token to who they are and which party they are
// in. Account storage and login live elsewhere; this package only reads.
package identity

import (
	"context"

	"github.com/rotisserie/eris"

	"github.com/argus-labs/dungeon-crawler/pkg/party"
)

var ErrUnauthenticated = eris.New("unauthenticated")

// Identity is the resolved caller. PartyID is empty for players without a party.
type Identity struct {
	Username string
	PartyID  string
}

// Directory resolves session tokens.
type Directory interface {
	Resolve(ctx context.Context, sessionToken string) (Identity, error)
}

// PartyLookup finds the party a player belongs to.
type PartyLookup interface {
	GetByPlayer(playerID string) (party.Party, bool)
}

func withParty(parties PartyLookup, username string) Identity {
	id := Identity{Username: username}
	if parties == nil {
		return id
	}
	if p, ok := parties.GetByPlayer(username); ok {
		id.PartyID = p.ID
	}
	return id
}
