package notify

import (
	"context"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/nats-io/nats.go"
	"github.com/rotisserie/eris"
	"github.com/rs/zerolog"

	"github.com/argus-labs/dungeon-crawler/pkg/protocol"
)

// NATS publishes messages on per-user and per-party subjects, which the connection gateway
// forwards to player sockets.
type NATS struct {
	*nats.Conn
	log        zerolog.Logger
	natsConfig NATSConfig
}

var _ Notifier = (*NATS)(nil)

// NATSConfig holds the configuration for the NATS notifier.
type NATSConfig struct {
	Name            string `env:"NATS_NAME" envDefault:"dungeon-crawler"`
	URL             string `env:"NATS_URL" envDefault:"nats://127.0.0.1:4222"`
	CredentialsFile string `env:"NATS_CREDENTIALS_FILE"`
	// SubjectPrefix is the first token of every subject, e.g. dungeon.user.alice.
	SubjectPrefix string `env:"NATS_SUBJECT_PREFIX" envDefault:"dungeon"`
}

// Validate validates the NATS configuration and returns an error if invalid.
func (cfg NATSConfig) Validate() error {
	if cfg.URL == "" {
		return eris.New("NATS URL is required")
	}
	if cfg.SubjectPrefix == "" || strings.ContainsAny(cfg.SubjectPrefix, " *>") {
		return eris.Errorf("invalid NATS subject prefix %q", cfg.SubjectPrefix)
	}
	return nil
}

// NewNATS connects to the NATS server from the environment, overridden by opts.
func NewNATS(opts ...NATSOption) (*NATS, error) {
	n := &NATS{log: zerolog.Nop()}

	var err error
	n.natsConfig, err = env.ParseAs[NATSConfig]()
	if err != nil {
		return nil, eris.Wrap(err, "failed to parse NATS config")
	}

	for _, opt := range opts {
		opt(n)
	}

	if err := n.natsConfig.Validate(); err != nil {
		return nil, eris.Wrap(err, "invalid NATS config")
	}

	natsOpts := []nats.Option{
		nats.Name(n.natsConfig.Name),
		nats.MaxReconnects(10),
		nats.ReconnectWait(time.Second * 5),
		nats.DisconnectErrHandler(n.handleDisconnect),
		nats.ReconnectHandler(n.handleReconnect),
		nats.ClosedHandler(n.handleClosed),
	}
	if n.natsConfig.CredentialsFile != "" {
		natsOpts = append(natsOpts, nats.UserCredentials(n.natsConfig.CredentialsFile))
	}

	conn, err := nats.Connect(n.natsConfig.URL, natsOpts...)
	if err != nil {
		return nil, eris.Wrap(err, "failed to connect to NATS server")
	}
	n.Conn = conn

	n.log.Info().
		Str("url", n.ConnectedUrl()).
		Str("name", n.natsConfig.Name).
		Msg("Connected to NATS server")

	return n, nil
}

// UserSubject returns the subject messages for a user are published on.
func (n *NATS) UserSubject(username string) string {
	return n.natsConfig.SubjectPrefix + ".user." + subjectToken(username)
}

// PartySubject returns the subject messages for a party are published on.
func (n *NATS) PartySubject(partyID string) string {
	return n.natsConfig.SubjectPrefix + ".party." + subjectToken(partyID)
}

func (n *NATS) SendToUser(_ context.Context, username string, msg protocol.Message) {
	n.publish(n.UserSubject(username), msg)
}

func (n *NATS) SendToParty(_ context.Context, partyID string, msg protocol.Message) {
	n.publish(n.PartySubject(partyID), msg)
}

func (n *NATS) publish(subject string, msg protocol.Message) {
	data, err := protocol.Encode(msg)
	if err != nil {
		n.log.Error().Err(err).Str("subject", subject).Str("type", msg.Type()).Msg("Failed to encode message")
		return
	}
	if err := n.Publish(subject, data); err != nil {
		n.log.Warn().Err(err).Str("subject", subject).Str("type", msg.Type()).Msg("Failed to publish message")
	}
}

// Close drains pending publishes and closes the connection.
func (n *NATS) Close() {
	if n.Conn == nil {
		return
	}
	if err := n.Drain(); err != nil {
		n.log.Warn().Err(err).Msg("Failed to drain NATS connection")
		n.Conn.Close()
	}
}

// subjectToken maps an identifier to a single subject token. Separators and wildcards are not
// allowed inside a token.
func subjectToken(s string) string {
	if s == "" {
		return "_"
	}
	return strings.Map(func(r rune) rune {
		switch r {
		case '.', '*', '>', ' ', '\t', '\r', '\n':
			return '_'
		}
		return r
	}, s)
}

func (n *NATS) handleDisconnect(nc *nats.Conn, err error) {
	log := n.log.With().
		Str("nats_url", nc.ConnectedUrl()).
		Uint64("reconnect_attempts", nc.Reconnects).
		Logger()

	if err != nil {
		log.Error().Err(err).Msg("Disconnected from NATS with error")
	} else {
		log.Warn().Msg("Disconnected from NATS (no error)")
	}
}

func (n *NATS) handleReconnect(nc *nats.Conn) {
	n.log.Info().
		Str("nats_url", nc.ConnectedUrl()).
		Uint64("reconnect_attempts", nc.Reconnects).
		Msg("Reconnected to NATS")
}

func (n *NATS) handleClosed(nc *nats.Conn) {
	if err := nc.LastError(); err != nil {
		n.log.Warn().Err(err).Msg("NATS connection closed with error")
	} else {
		n.log.Info().Msg("NATS connection closed")
	}
}

// NATSOption defines a function that can modify a NATS notifier.
type NATSOption func(*NATS)

// WithLogger sets the logger.
func WithLogger(log zerolog.Logger) NATSOption {
	return func(n *NATS) {
		n.log = log
	}
}

// WithNATSConfig replaces the environment configuration.
func WithNATSConfig(cfg NATSConfig) NATSOption {
	return func(n *NATS) {
		n.natsConfig = cfg
	}
}
