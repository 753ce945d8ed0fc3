// Command dungeond runs the matchmaking queue, the dungeon instance manager and their HTTP surface
// in one process.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/rotisserie/eris"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/argus-labs/dungeon-crawler/pkg/dungeon"
	"github.com/argus-labs/dungeon-crawler/pkg/id"
	"github.com/argus-labs/dungeon-crawler/pkg/identity"
	"github.com/argus-labs/dungeon-crawler/pkg/maps"
	"github.com/argus-labs/dungeon-crawler/pkg/matchmaking"
	"github.com/argus-labs/dungeon-crawler/pkg/notify"
	"github.com/argus-labs/dungeon-crawler/pkg/party"
	"github.com/argus-labs/dungeon-crawler/pkg/server"
	"github.com/argus-labs/dungeon-crawler/pkg/telemetry"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

type config struct {
	// MapsFile replaces the built-in map catalog with a JSON file.
	MapsFile string `env:"DUNGEOND_MAPS_FILE"`

	// Notifier selects how players are notified: "nats" or "log".
	Notifier string `env:"DUNGEOND_NOTIFIER" envDefault:"nats"`

	// Identity selects how session tokens are resolved: "jwt" or "memory".
	Identity string `env:"DUNGEOND_IDENTITY" envDefault:"jwt"`

	ShutdownTimeout time.Duration `env:"DUNGEOND_SHUTDOWN_TIMEOUT" envDefault:"10s"`
}

func main() {
	tel, err := telemetry.New(telemetry.Options{ServiceName: "dungeond", ServiceVersion: version})
	if err != nil {
		logger := zerolog.New(os.Stderr)
		logger.Fatal().Err(err).Msg("failed to initialize telemetry")
	}
	defer tel.RecoverAndFlush(true)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, &tel); err != nil {
		tel.CaptureException(ctx, err)
		tel.Logger.Error().Err(err).Msg("dungeond exited with error")
		shutdownTelemetry(&tel)
		stop()
		os.Exit(1) //nolint:gocritic // telemetry is flushed above
	}
	shutdownTelemetry(&tel)
}

func run(ctx context.Context, tel *telemetry.Telemetry) error {
	cfg, err := env.ParseAs[config]()
	if err != nil {
		return eris.Wrap(err, "failed to parse dungeond config")
	}

	catalog := maps.Default()
	if cfg.MapsFile != "" {
		if catalog, err = maps.LoadFromFile(cfg.MapsFile); err != nil {
			return err
		}
	}

	notifier, closeNotifier, err := newNotifier(cfg, tel)
	if err != nil {
		return err
	}
	defer closeNotifier()

	parties := party.NewStore()
	identities, err := newIdentities(cfg, parties)
	if err != nil {
		return err
	}

	ids := id.NewGenerator()

	dungeonLog := tel.GetLogger("dungeon")
	dm, err := dungeon.NewManager(dungeon.Options{
		Catalog: catalog,
		IDs:     ids,
		Logger:  &dungeonLog,
		Tracer:  tel.Tracer,
	})
	if err != nil {
		return eris.Wrap(err, "failed to create dungeon manager")
	}

	mmLog := tel.GetLogger("matchmaking")
	mm, err := matchmaking.NewManager(matchmaking.Options{
		Dungeons:   dm,
		Notifier:   notifier,
		Parties:    parties,
		Identities: identities,
		Catalog:    catalog,
		IDs:        ids,
		Logger:     &mmLog,
		Tracer:     tel.Tracer,
	})
	if err != nil {
		return eris.Wrap(err, "failed to create matchmaker")
	}
	parties.OnLeave(mm.HandlePartyLeave)

	serverLog := tel.GetLogger("server")
	srv, err := server.New(server.Options{
		Queue:      mm,
		Dungeons:   dm,
		Parties:    parties,
		Identities: identities,
		Logger:     &serverLog,
	})
	if err != nil {
		return eris.Wrap(err, "failed to create http server")
	}

	tel.Logger.Info().Str("version", version).Int("maps", len(catalog.All())).Msg("Starting dungeond")

	eg, egCtx := errgroup.WithContext(ctx)
	eg.Go(func() error { return srv.Serve(egCtx) })
	eg.Go(func() error { return dm.Run(egCtx) })
	eg.Go(func() error { return mm.Run(egCtx) })
	runErr := eg.Wait()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()

	tel.Logger.Info().Msg("Shutting down dungeond")
	if err := mm.Shutdown(shutdownCtx); err != nil {
		tel.Logger.Error().Err(err).Msg("matchmaker shutdown error")
	}
	if err := dm.Shutdown(shutdownCtx); err != nil {
		tel.Logger.Error().Err(err).Msg("dungeon manager shutdown error")
	}
	return runErr
}

func newNotifier(cfg config, tel *telemetry.Telemetry) (notify.Notifier, func(), error) {
	switch cfg.Notifier {
	case "nats":
		n, err := notify.NewNATS(notify.WithLogger(tel.GetLogger("notify")))
		if err != nil {
			return nil, nil, eris.Wrap(err, "failed to connect notifier")
		}
		return n, n.Close, nil
	case "log":
		return notify.Log{Logger: tel.GetLogger("notify")}, func() {}, nil
	default:
		return nil, nil, eris.Errorf("unknown notifier %q (must be 'nats' or 'log')", cfg.Notifier)
	}
}

func newIdentities(cfg config, parties *party.Store) (matchmaking.IdentityDirectory, error) {
	switch cfg.Identity {
	case "jwt":
		j, err := identity.NewJWTFromEnv(parties)
		if err != nil {
			return nil, eris.Wrap(err, "failed to create jwt identity directory")
		}
		return j, nil
	case "memory":
		return identity.NewMemory(parties), nil
	default:
		return nil, eris.Errorf("unknown identity directory %q (must be 'jwt' or 'memory')", cfg.Identity)
	}
}

func shutdownTelemetry(tel *telemetry.Telemetry) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := tel.Shutdown(ctx); err != nil {
		tel.Logger.Error().Err(err).Msg("telemetry shutdown error")
	}
}
