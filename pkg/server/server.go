// Package server exposes the matchmaking queue and the dungeon callbacks over HTTP.
package server

import (
	"context"
	"strconv"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/goccy/go-json"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/rotisserie/eris"
	"github.com/rs/zerolog"

	"github.com/argus-labs/dungeon-crawler/pkg/dungeon"
	dungeonstore "github.com/argus-labs/dungeon-crawler/pkg/dungeon/store"
	"github.com/argus-labs/dungeon-crawler/pkg/maps"
	"github.com/argus-labs/dungeon-crawler/pkg/matchmaking"
	"github.com/argus-labs/dungeon-crawler/pkg/matchmaking/store"
	"github.com/argus-labs/dungeon-crawler/pkg/matchmaking/types"
)

const shutdownTimeout = 5 * time.Second

// Queue is the matchmaking surface the HTTP handlers drive.
type Queue interface {
	Catalog() *maps.Catalog
	Enqueue(ctx context.Context, sessionToken string, mapID maps.ID, policy types.JoinPolicy) (matchmaking.QueueResult, error)
	Cancel(ctx context.Context, sessionToken string, mapID maps.ID) (bool, error)
	Requeue(
		ctx context.Context, sessionToken string, mapID maps.ID, ticketID string, policy types.JoinPolicy,
	) (matchmaking.QueueResult, error)
	Dump(mapID maps.ID) (store.Snapshot, bool)
}

// Dungeons is the dungeon surface game servers call back into.
type Dungeons interface {
	CheckReadySecret(secret string) error
	MarkReady(sig dungeon.ReadySignal) (dungeonstore.Session, error)
	VerifyUserToken(dungeonID, userID, token string, consume bool) dungeon.VerifyResult
	EndDungeonSession(idOrMatchID string, reason dungeonstore.EndReason) bool
	Session(idOrMatchID string) (dungeonstore.Session, bool)
}

type config struct {
	// Port is the HTTP listen port.
	Port int `env:"SERVER_PORT" envDefault:"8080"`
}

// Options configures a Server. Queue and Dungeons are required. The party routes are only served
// when both Parties and Identities are set.
type Options struct {
	Port       int
	Queue      Queue
	Dungeons   Dungeons
	Parties    Parties
	Identities Identities
	Logger     *zerolog.Logger
}

func (opt *Options) validate() error {
	if opt.Queue == nil {
		return eris.New("server requires a matchmaking queue")
	}
	if opt.Dungeons == nil {
		return eris.New("server requires a dungeon manager")
	}
	if opt.Port <= 0 || opt.Port > 65535 {
		return eris.Errorf("invalid port %d", opt.Port)
	}
	return nil
}

type Server struct {
	app        *fiber.App
	queue      Queue
	dungeons   Dungeons
	parties    Parties
	identities Identities
	port       int
	log        zerolog.Logger
}

// New returns an HTTP server with the queue and dungeon routes registered.
func New(opts Options) (*Server, error) {
	cfg, err := env.ParseAs[config]()
	if err != nil {
		return nil, eris.Wrap(err, "failed to parse server config")
	}
	if opts.Port == 0 {
		opts.Port = cfg.Port
	}
	if opts.Logger == nil {
		nop := zerolog.Nop()
		opts.Logger = &nop
	}
	if err := opts.validate(); err != nil {
		return nil, eris.Wrap(err, "invalid server options")
	}

	s := &Server{
		queue:      opts.Queue,
		dungeons:   opts.Dungeons,
		parties:    opts.Parties,
		identities: opts.Identities,
		port:       opts.Port,
		log:        *opts.Logger,
	}
	s.app = fiber.New(fiber.Config{
		Network:               "tcp", // Enable server listening on both ipv4 & ipv6 (default: ipv4 only)
		DisableStartupMessage: true,
		ErrorHandler:          s.errorHandler,
		JSONEncoder:           json.Marshal,
		JSONDecoder:           json.Unmarshal,
	})
	s.app.Use(recover.New())
	s.app.Use(cors.New())
	s.setupRoutes()

	return s, nil
}

// Serve serves the application, blocking the calling goroutine until ctx is canceled or the
// listener fails.
func (s *Server) Serve(ctx context.Context) error {
	serverErr := make(chan error, 1)

	go func() {
		s.log.Info().Int("port", s.port).Msg("Starting HTTP server")
		if err := s.app.Listen(":" + strconv.Itoa(s.port)); err != nil {
			serverErr <- eris.Wrap(err, "error starting http server")
		}
	}()

	select {
	case err := <-serverErr:
		return eris.Wrap(err, "server encountered an error")
	case <-ctx.Done():
		if err := s.shutdown(); err != nil {
			return eris.Wrap(err, "error shutting down server")
		}
	}

	return nil
}

func (s *Server) shutdown() error {
	s.log.Info().Msg("Shutting down server")
	if err := s.app.ShutdownWithTimeout(shutdownTimeout); err != nil {
		return eris.Wrap(err, "error shutting down server")
	}
	s.log.Info().Msg("Successfully shut down server")
	return nil
}

func (s *Server) setupRoutes() {
	// Route: /...
	s.app.Get("/health", s.getHealth)

	// Route: /match/...
	m := s.app.Group("/match")
	m.Post("/start", s.postMatchStart)
	m.Post("/cancel", s.postMatchCancel)
	m.Post("/requeue", s.postMatchRequeue)
	m.Get("/queue/:mapId", s.getMatchQueue)

	// Route: /dungeon/...
	d := s.app.Group("/dungeon")
	d.Post("/ready", s.postDungeonReady)
	d.Post("/verify", s.postDungeonVerify)
	d.Post("/end", s.postDungeonEnd)
	d.Get("/:id", s.getDungeon)

	// Route: /party/...
	if s.parties != nil && s.identities != nil {
		p := s.app.Group("/party")
		p.Post("/create", s.postPartyCreate)
		p.Post("/join", s.postPartyJoin)
		p.Post("/leave", s.postPartyLeave)
		p.Get("/me", s.getPartyMe)
	}
}
