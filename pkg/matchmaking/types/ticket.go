// Package types provides data types for matchmaking.
package types

import (
	"strings"
	"time"

	"github.com/rotisserie/eris"

	"github.com/argus-labs/dungeon-crawler/pkg/maps"
)

const (
	// TeamMax is the number of players in a full team.
	TeamMax = 3
	// TeamsPerMatchMax is the number of teams in a full match.
	TeamsPerMatchMax = 2
)

var ErrInvalidJoinPolicy = eris.New("invalid join policy")

// JoinPolicy decides whether a ticket may be merged with strangers.
type JoinPolicy uint8

const (
	// JoinPolicyOpen lets the ticket merge with other open tickets to fill a team.
	JoinPolicyOpen JoinPolicy = iota
	// JoinPolicyClosed makes the ticket its own team, whatever its size.
	JoinPolicyClosed
)

func (p JoinPolicy) String() string {
	switch p {
	case JoinPolicyOpen:
		return "Open"
	case JoinPolicyClosed:
		return "Closed"
	default:
		return "Unknown"
	}
}

// ParseJoinPolicy accepts "Open" or "Closed" in any case.
func ParseJoinPolicy(s string) (JoinPolicy, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "open":
		return JoinPolicyOpen, nil
	case "closed":
		return JoinPolicyClosed, nil
	default:
		return 0, eris.Wrapf(ErrInvalidJoinPolicy, "%q", s)
	}
}

func (p JoinPolicy) MarshalText() ([]byte, error) {
	if p != JoinPolicyOpen && p != JoinPolicyClosed {
		return nil, eris.Wrapf(ErrInvalidJoinPolicy, "%d", p)
	}
	return []byte(p.String()), nil
}

func (p *JoinPolicy) UnmarshalText(text []byte) error {
	parsed, err := ParseJoinPolicy(string(text))
	if err != nil {
		return err
	}
	*p = parsed
	return nil
}

// TicketKind distinguishes solo tickets from party tickets.
type TicketKind uint8

const (
	TicketSolo TicketKind = iota
	TicketParty
)

func (k TicketKind) String() string {
	if k == TicketParty {
		return "party"
	}
	return "solo"
}

// Ticket is one matchmaking request. A solo ticket has UserID set and Members == [UserID]; a
// party ticket has PartyID set and Members in party order.
type Ticket struct {
	ID        string
	Kind      TicketKind
	MapID     maps.ID
	Policy    JoinPolicy
	UserID    string
	PartyID   string
	Members   []string
	CreatedAt time.Time
}

// Owner returns the identity the ticket is keyed by: the user for solo tickets, the party for
// party tickets.
func (t *Ticket) Owner() string {
	if t.Kind == TicketParty {
		return t.PartyID
	}
	return t.UserID
}

// Size returns the number of players in the ticket.
func (t *Ticket) Size() int {
	return len(t.Members)
}
