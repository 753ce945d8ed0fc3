package matchmaking

import (
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/rotisserie/eris"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/argus-labs/dungeon-crawler/pkg/id"
	"github.com/argus-labs/dungeon-crawler/pkg/maps"
	"github.com/argus-labs/dungeon-crawler/pkg/notify"
)

// config holds environment-based configuration for the matchmaker.
type config struct {
	// ReadyTimeout bounds how long a formed match waits for its dungeon.
	ReadyTimeout time.Duration `env:"MATCHMAKING_READY_TIMEOUT" envDefault:"15s"`

	// AgingMaxWait force-launches an under-filled match after it has waited this long. Zero
	// disables aging.
	AgingMaxWait time.Duration `env:"MATCHMAKING_AGING_MAX_WAIT" envDefault:"0s"`

	// AgingMinTeams is the fewest teams an aged match may launch with.
	AgingMinTeams int `env:"MATCHMAKING_AGING_MIN_TEAMS" envDefault:"1"`

	// AgingInterval is how often Run checks for stale matches.
	AgingInterval time.Duration `env:"MATCHMAKING_AGING_INTERVAL" envDefault:"1s"`
}

// loadConfig loads configuration from environment variables.
func loadConfig() (config, error) {
	cfg, err := env.ParseAs[config]()
	if err != nil {
		return config{}, eris.Wrap(err, "failed to parse matchmaking config")
	}
	return cfg, nil
}

func (cfg *config) applyToOptions(opt *Options) {
	opt.ReadyTimeout = cfg.ReadyTimeout
	opt.AgingInterval = cfg.AgingInterval
	if cfg.AgingMaxWait > 0 {
		opt.Aging = &AgingPolicy{MaxWait: cfg.AgingMaxWait, MinTeamsToLaunch: cfg.AgingMinTeams}
	}
}

// AgingPolicy lets a match that has waited MaxWait launch with as few as MinTeamsToLaunch teams.
type AgingPolicy struct {
	MaxWait          time.Duration
	MinTeamsToLaunch int
}

// Options configures a Manager. Dungeons, Parties and Identities are required; non-zero fields
// override the environment.
type Options struct {
	ReadyTimeout  time.Duration
	Aging         *AgingPolicy
	AgingInterval time.Duration

	Dungeons   Dungeons
	Notifier   notify.Notifier
	Parties    PartyDirectory
	Identities IdentityDirectory

	Catalog *maps.Catalog
	IDs     *id.Generator
	Clock   func() time.Time
	Logger  *zerolog.Logger
	Tracer  trace.Tracer
}

func newDefaultOptions() Options {
	logger := zerolog.Nop()
	return Options{
		Notifier: notify.Nop{},
		Catalog:  maps.Default(),
		Clock:    time.Now,
		Logger:   &logger,
		Tracer:   noop.NewTracerProvider().Tracer("matchmaking"),
	}
}

// apply merges the given options into the current options, overriding non-zero values.
func (opt *Options) apply(newOpt Options) {
	if newOpt.ReadyTimeout != 0 {
		opt.ReadyTimeout = newOpt.ReadyTimeout
	}
	if newOpt.Aging != nil {
		opt.Aging = newOpt.Aging
	}
	if newOpt.AgingInterval != 0 {
		opt.AgingInterval = newOpt.AgingInterval
	}
	if newOpt.Dungeons != nil {
		opt.Dungeons = newOpt.Dungeons
	}
	if newOpt.Notifier != nil {
		opt.Notifier = newOpt.Notifier
	}
	if newOpt.Parties != nil {
		opt.Parties = newOpt.Parties
	}
	if newOpt.Identities != nil {
		opt.Identities = newOpt.Identities
	}
	if newOpt.Catalog != nil {
		opt.Catalog = newOpt.Catalog
	}
	if newOpt.IDs != nil {
		opt.IDs = newOpt.IDs
	}
	if newOpt.Clock != nil {
		opt.Clock = newOpt.Clock
	}
	if newOpt.Logger != nil {
		opt.Logger = newOpt.Logger
	}
	if newOpt.Tracer != nil {
		opt.Tracer = newOpt.Tracer
	}
}

// validate checks that all required options are set and valid.
func (opt *Options) validate() error {
	if opt.Dungeons == nil {
		return eris.New("dungeon manager is required")
	}
	if opt.Parties == nil {
		return eris.New("party directory is required")
	}
	if opt.Identities == nil {
		return eris.New("identity directory is required")
	}
	if opt.ReadyTimeout <= 0 {
		return eris.New("ready timeout must be positive")
	}
	if opt.AgingInterval <= 0 {
		return eris.New("aging interval must be positive")
	}
	if opt.Aging != nil && opt.Aging.MaxWait <= 0 {
		return eris.New("aging max wait must be positive")
	}
	return nil
}
