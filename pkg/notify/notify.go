// Package notify delivers protocol messages to players and parties. Delivery is fire-and-forget:
// failures are logged by the implementation and never reported to the caller.
package notify

import (
	"context"

	"github.com/rs/zerolog"

	"github.com/argus-labs/dungeon-crawler/pkg/protocol"
)

// Notifier pushes messages to connected players.
type Notifier interface {
	SendToUser(ctx context.Context, username string, msg protocol.Message)
	SendToParty(ctx context.Context, partyID string, msg protocol.Message)
}

// SendToUsers sends msg to each user in turn.
func SendToUsers(ctx context.Context, n Notifier, usernames []string, msg protocol.Message) {
	for _, username := range usernames {
		n.SendToUser(ctx, username, msg)
	}
}

// Nop drops every message.
type Nop struct{}

var _ Notifier = Nop{}

func (Nop) SendToUser(context.Context, string, protocol.Message)  {}
func (Nop) SendToParty(context.Context, string, protocol.Message) {}

// Log writes every message to a logger. Used for local runs without a NATS server.
type Log struct {
	Logger zerolog.Logger
}

var _ Notifier = Log{}

func (l Log) SendToUser(_ context.Context, username string, msg protocol.Message) {
	l.Logger.Info().Str("user", username).Str("type", msg.Type()).Interface("message", msg).Msg("Notify user")
}

func (l Log) SendToParty(_ context.Context, partyID string, msg protocol.Message) {
	l.Logger.Info().Str("party_id", partyID).Str("type", msg.Type()).Interface("message", msg).Msg("Notify party")
}
