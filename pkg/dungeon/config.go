package dungeon

import (
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/rotisserie/eris"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/argus-labs/dungeon-crawler/pkg/dungeon/launcher"
	"github.com/argus-labs/dungeon-crawler/pkg/id"
	"github.com/argus-labs/dungeon-crawler/pkg/maps"
)

// config holds environment-based configuration for dungeon instances.
type config struct {
	// Host is the address players use to reach game servers.
	Host string `env:"DUNGEON_HOST" envDefault:"127.0.0.1"`

	// PortMin and PortMax bound the inclusive range of game server ports.
	PortMin int `env:"DUNGEON_PORT_MIN" envDefault:"7701"`
	PortMax int `env:"DUNGEON_PORT_MAX" envDefault:"7799"`

	// ReadyURL is handed to game servers so they can report readiness.
	ReadyURL string `env:"DUNGEON_READY_URL" envDefault:"http://127.0.0.1:8080/dungeon/ready"`

	// ReadySecret, when set, must accompany every readiness callback.
	ReadySecret string `env:"DUNGEON_READY_SECRET"`

	// TokenSecret signs join tokens. A random secret is generated when empty.
	TokenSecret string `env:"DUNGEON_TOKEN_SECRET"`

	// TokenTTL bounds how long a join token stays valid.
	TokenTTL time.Duration `env:"DUNGEON_TOKEN_TTL" envDefault:"10m"`

	// Command is the game server executable. Empty enables no-spawn mode, where an externally
	// managed server only has to call the readiness endpoint.
	Command string   `env:"DUNGEON_SERVER_COMMAND"`
	Args    []string `env:"DUNGEON_SERVER_ARGS" envSeparator:" "`
	Dir     string   `env:"DUNGEON_SERVER_DIR"`

	// MaxLifetime ends running sessions with reason timeout. Zero disables the limit.
	MaxLifetime time.Duration `env:"DUNGEON_MAX_LIFETIME" envDefault:"2h"`

	// Retention is how long ended sessions stay queryable.
	Retention time.Duration `env:"DUNGEON_SESSION_RETENTION" envDefault:"10m"`

	// SweepInterval is the period of the lifetime and retention sweep.
	SweepInterval time.Duration `env:"DUNGEON_SWEEP_INTERVAL" envDefault:"30s"`
}

// loadConfig loads configuration from environment variables.
func loadConfig() (config, error) {
	cfg, err := env.ParseAs[config]()
	if err != nil {
		return config{}, eris.Wrap(err, "failed to parse dungeon config")
	}
	return cfg, nil
}

func (cfg *config) applyToOptions(opt *Options) {
	opt.Host = cfg.Host
	opt.PortMin = cfg.PortMin
	opt.PortMax = cfg.PortMax
	opt.ReadyURL = cfg.ReadyURL
	opt.ReadySecret = cfg.ReadySecret
	opt.TokenSecret = cfg.TokenSecret
	opt.TokenTTL = cfg.TokenTTL
	opt.MaxLifetime = cfg.MaxLifetime
	opt.Retention = cfg.Retention
	opt.SweepInterval = cfg.SweepInterval
	if cfg.Command != "" {
		opt.Launcher = &launcher.Exec{Command: cfg.Command, Args: cfg.Args, Dir: cfg.Dir}
	}
}

// Options configures a Manager. Non-zero fields override the environment.
type Options struct {
	Host          string
	PortMin       int
	PortMax       int
	ReadyURL      string
	ReadySecret   string
	TokenSecret   string
	TokenTTL      time.Duration
	MaxLifetime   time.Duration
	Retention     time.Duration
	SweepInterval time.Duration

	// Launcher starts game servers. Nil means no-spawn mode.
	Launcher launcher.Launcher
	// NoSpawn forces no-spawn mode even when a command is configured.
	NoSpawn bool

	Catalog *maps.Catalog
	IDs     *id.Generator
	Clock   func() time.Time
	Logger  *zerolog.Logger
	Tracer  trace.Tracer
}

func newDefaultOptions() Options {
	logger := zerolog.Nop()
	return Options{
		Catalog: maps.Default(),
		Clock:   time.Now,
		Logger:  &logger,
		Tracer:  noop.NewTracerProvider().Tracer("dungeon"),
	}
}

// apply merges the given options into the current options, overriding non-zero values.
func (opt *Options) apply(newOpt Options) {
	if newOpt.Host != "" {
		opt.Host = newOpt.Host
	}
	if newOpt.PortMin != 0 {
		opt.PortMin = newOpt.PortMin
	}
	if newOpt.PortMax != 0 {
		opt.PortMax = newOpt.PortMax
	}
	if newOpt.ReadyURL != "" {
		opt.ReadyURL = newOpt.ReadyURL
	}
	if newOpt.ReadySecret != "" {
		opt.ReadySecret = newOpt.ReadySecret
	}
	if newOpt.TokenSecret != "" {
		opt.TokenSecret = newOpt.TokenSecret
	}
	if newOpt.TokenTTL != 0 {
		opt.TokenTTL = newOpt.TokenTTL
	}
	if newOpt.MaxLifetime != 0 {
		opt.MaxLifetime = newOpt.MaxLifetime
	}
	if newOpt.Retention != 0 {
		opt.Retention = newOpt.Retention
	}
	if newOpt.SweepInterval != 0 {
		opt.SweepInterval = newOpt.SweepInterval
	}
	if newOpt.Launcher != nil {
		opt.Launcher = newOpt.Launcher
	}
	if newOpt.NoSpawn {
		opt.Launcher = nil
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
	if opt.Host == "" {
		return eris.New("dungeon host cannot be empty")
	}
	if opt.PortMin <= 0 || opt.PortMax < opt.PortMin {
		return eris.Errorf("invalid port range %d-%d", opt.PortMin, opt.PortMax)
	}
	if opt.TokenTTL <= 0 {
		return eris.New("token ttl must be positive")
	}
	if opt.MaxLifetime < 0 || opt.Retention < 0 {
		return eris.New("lifetime and retention cannot be negative")
	}
	if opt.SweepInterval <= 0 {
		return eris.New("sweep interval must be positive")
	}
	return nil
}
