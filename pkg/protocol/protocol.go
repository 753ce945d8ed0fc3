// Package protocol defines the messages pushed to players about their queue and dungeon state.
// Every message travels as a {"type", "payload"} JSON envelope.
package protocol

import (
	"github.com/goccy/go-json"
	"github.com/rotisserie/eris"

	"github.com/argus-labs/dungeon-crawler/pkg/maps"
	"github.com/argus-labs/dungeon-crawler/pkg/matchmaking/types"
)

var ErrUnknownMessage = eris.New("unknown message type")

// Message is implemented only by the payload types in this package.
type Message interface {
	Type() string
	sealed()
}

const (
	TypeQueueJoined   = "QueueJoined"
	TypeQueueCanceled = "QueueCanceled"
	TypeMatchAssigned = "MatchAssigned"
	TypeDungeonReady  = "DungeonReady"
	TypeMatchFailed   = "MatchFailed"
)

// Cancel scopes.
const (
	ScopeSolo  = "solo"
	ScopeParty = "party"
)

// QueueJoined confirms that a ticket is waiting in a map's queue.
type QueueJoined struct {
	MapID    maps.ID          `json:"mapId"`
	Policy   types.JoinPolicy `json:"policy"`
	TicketID string           `json:"ticketId"`
	PartyID  string           `json:"partyId,omitempty"`
}

// QueueCanceled reports that a ticket left a map's queue.
type QueueCanceled struct {
	MapID   maps.ID `json:"mapId"`
	Scope   string  `json:"scope"`
	PartyID string  `json:"partyId,omitempty"`
}

// MatchAssigned is sent as soon as a match is formed, before its dungeon is ready. Clients
// should not load the map yet since the dungeon may still fail to start.
type MatchAssigned struct {
	MatchID  string  `json:"matchId"`
	MapID    maps.ID `json:"mapId"`
	TeamID   string  `json:"teamId"`
	TeamSize int     `json:"teamSize"`
}

// DungeonReady carries everything a player needs to connect.
type DungeonReady struct {
	Host      string `json:"host"`
	Port      int    `json:"port"`
	DungeonID string `json:"dungeonId"`
	MatchID   string `json:"matchId"`
	TeamID    string `json:"teamId"`
	TeamSize  int    `json:"teamSize"`
	JoinToken string `json:"joinToken"`
}

// MatchFailed reports that a formed match could not be hosted.
type MatchFailed struct {
	MatchID string  `json:"matchId"`
	MapID   maps.ID `json:"mapId"`
	Reason  string  `json:"reason"`
	Code    string  `json:"code"`
}

// Failure codes carried by MatchFailed.
const (
	CodePortsExhausted = "PORTS_EXHAUSTED"
	CodeReadyTimeout   = "READY_TIMEOUT"
	CodeDungeonEnded   = "DUNGEON_ENDED"
	CodeInternal       = "INTERNAL"
)

func (QueueJoined) Type() string   { return TypeQueueJoined }
func (QueueCanceled) Type() string { return TypeQueueCanceled }
func (MatchAssigned) Type() string { return TypeMatchAssigned }
func (DungeonReady) Type() string  { return TypeDungeonReady }
func (MatchFailed) Type() string   { return TypeMatchFailed }

func (QueueJoined) sealed()   {}
func (QueueCanceled) sealed() {}
func (MatchAssigned) sealed() {}
func (DungeonReady) sealed()  {}
func (MatchFailed) sealed()   {}

type envelope struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// Encode wraps msg in its envelope.
func Encode(msg Message) ([]byte, error) {
	payload, err := json.Marshal(msg)
	if err != nil {
		return nil, eris.Wrapf(err, "failed to marshal %s payload", msg.Type())
	}
	data, err := json.Marshal(envelope{Type: msg.Type(), Payload: payload})
	if err != nil {
		return nil, eris.Wrap(err, "failed to marshal envelope")
	}
	return data, nil
}

// Decode parses an envelope and returns its typed payload.
func Decode(data []byte) (Message, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, eris.Wrap(err, "failed to unmarshal envelope")
	}

	switch env.Type {
	case TypeQueueJoined:
		return decodePayload[QueueJoined](env)
	case TypeQueueCanceled:
		return decodePayload[QueueCanceled](env)
	case TypeMatchAssigned:
		return decodePayload[MatchAssigned](env)
	case TypeDungeonReady:
		return decodePayload[DungeonReady](env)
	case TypeMatchFailed:
		return decodePayload[MatchFailed](env)
	default:
		return nil, eris.Wrapf(ErrUnknownMessage, "%q", env.Type)
	}
}

func decodePayload[T Message](env envelope) (Message, error) {
	var msg T
	if err := json.Unmarshal(env.Payload, &msg); err != nil {
		return nil, eris.Wrapf(err, "failed to unmarshal %s payload", env.Type)
	}
	return msg, nil
}
