// Package dungeon provisions one game-server instance per match and tracks it from boot to
// teardown.
package dungeon

import (
	"context"
	"crypto/subtle"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/rotisserie/eris"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/argus-labs/dungeon-crawler/pkg/dungeon/launcher"
	"github.com/argus-labs/dungeon-crawler/pkg/dungeon/store"
	"github.com/argus-labs/dungeon-crawler/pkg/dungeon/token"
	"github.com/argus-labs/dungeon-crawler/pkg/id"
	"github.com/argus-labs/dungeon-crawler/pkg/matchmaking/types"
	"github.com/argus-labs/dungeon-crawler/pkg/portpool"
)

var (
	ErrPortsExhausted  = eris.New("no free dungeon ports")
	ErrSessionNotFound = store.ErrSessionNotFound
	ErrSessionEnded    = eris.New("dungeon session ended")
	ErrReadyTimeout    = eris.New("dungeon did not become ready in time")
	ErrReadySecret     = eris.New("readiness secret mismatch")
	ErrPortMismatch    = eris.New("readiness port does not match session")
)

// Credential is what a single player needs to join their dungeon.
type Credential struct {
	Token    string `json:"joinToken"`
	TeamID   string `json:"teamId"`
	TeamSize int    `json:"teamSize"`
}

// StartResult is returned by StartMatch before the game server has booted.
type StartResult struct {
	DungeonID   string
	MatchID     string
	Host        string
	Port        int
	ServerAddr  string
	Credentials map[string]Credential
}

// ReadySignal is the callback a game server sends once it accepts players. Either DungeonID or
// MatchID identifies the session.
type ReadySignal struct {
	DungeonID string `json:"dungeonId"`
	MatchID   string `json:"matchId"`
	Host      string `json:"host"`
	Port      int    `json:"port"`
	Secret    string `json:"-"`
}

// instance holds the runtime handles of a session that do not belong in the session record.
type instance struct {
	ready     chan struct{} // closed on preparing -> running
	done      chan struct{} // closed on -> ended
	readyOnce sync.Once
	doneOnce  sync.Once
	proc      launcher.Process
	watched   bool // a spawn goroutine owns the port until the process exits
}

// Manager owns the port pool, the session index and the game-server processes.
type Manager struct {
	opts     Options
	ports    *portpool.Pool
	sessions *store.SessionStore
	tokens   *token.Issuer
	ids      *id.Generator
	logger   zerolog.Logger
	tracer   trace.Tracer

	mu        sync.Mutex
	instances map[string]*instance

	wg sync.WaitGroup // spawn and exit watchers
}

// NewManager creates a manager from the environment, overridden by opts.
func NewManager(opts Options) (*Manager, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}

	options := newDefaultOptions()
	cfg.applyToOptions(&options)
	options.apply(opts)
	if err := options.validate(); err != nil {
		return nil, eris.Wrap(err, "invalid dungeon options")
	}

	ports, err := portpool.New(options.PortMin, options.PortMax)
	if err != nil {
		return nil, eris.Wrap(err, "failed to create port pool")
	}
	tokens, err := token.NewIssuer(options.TokenSecret, options.TokenTTL, options.Clock)
	if err != nil {
		return nil, eris.Wrap(err, "failed to create token issuer")
	}
	ids := options.IDs
	if ids == nil {
		ids = id.NewGenerator(id.WithClock(options.Clock))
	}

	return &Manager{
		opts:      options,
		ports:     ports,
		sessions:  store.NewSessionStore(),
		tokens:    tokens,
		ids:       ids,
		logger:    *options.Logger,
		tracer:    options.Tracer,
		instances: make(map[string]*instance),
	}, nil
}

// Ports exposes the pool for inspection.
func (m *Manager) Ports() *portpool.Pool {
	return m.ports
}

// StartMatch reserves a port, issues join credentials and records a preparing session for the
// match, then starts the game server in the background. It returns as soon as the session exists.
func (m *Manager) StartMatch(ctx context.Context, match *types.Match) (StartResult, error) {
	_, span := m.tracer.Start(ctx, "dungeon.start_match", trace.WithAttributes(
		attribute.String("match_id", match.ID),
		attribute.String("map_id", match.MapID.String()),
	))
	defer span.End()

	port, ok := m.ports.Reserve()
	if !ok {
		span.SetStatus(codes.Error, ErrPortsExhausted.Error())
		return StartResult{}, eris.Wrapf(ErrPortsExhausted, "match %s", match.ID)
	}

	// The instance is registered before the session becomes visible so any end finds it.
	dungeonID := m.ids.New()
	inst := &instance{
		ready:   make(chan struct{}),
		done:    make(chan struct{}),
		watched: m.opts.Launcher != nil,
	}
	m.mu.Lock()
	m.instances[dungeonID] = inst
	m.mu.Unlock()

	res, err := m.createSession(dungeonID, match, port)
	if err != nil {
		m.mu.Lock()
		delete(m.instances, dungeonID)
		m.mu.Unlock()
		m.ports.Release(port)
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to create session")
		return StartResult{}, err
	}
	span.SetAttributes(attribute.String("dungeon_id", res.DungeonID), attribute.Int("port", port))

	m.logger.Info().
		Str("dungeon_id", res.DungeonID).
		Str("match_id", match.ID).
		Int("port", port).
		Bool("spawn", m.opts.Launcher != nil).
		Msg("Dungeon session created")

	if m.opts.Launcher != nil {
		def, _ := m.opts.Catalog.Lookup(match.MapID)
		spec := launcher.Spec{
			DungeonID:   res.DungeonID,
			MatchID:     match.ID,
			MapID:       match.MapID,
			MapKey:      def.Key,
			AssetPath:   def.AssetPath,
			Host:        m.opts.Host,
			Port:        port,
			ReadyURL:    m.opts.ReadyURL,
			ReadySecret: m.opts.ReadySecret,
		}
		m.wg.Add(1)
		go m.spawn(spec, inst)
	}

	return res, nil
}

func (m *Manager) createSession(dungeonID string, match *types.Match, port int) (StartResult, error) {
	sess := store.Session{
		DungeonID:    dungeonID,
		MatchID:      match.ID,
		MapID:        match.MapID,
		Teams:        match.Clone().Teams,
		Status:       store.StatusPreparing,
		Host:         m.opts.Host,
		Port:         port,
		TokensByUser: make(map[string]string),
		TeamIDByUser: make(map[string]string),
		CreatedAt:    m.opts.Clock(),
	}
	creds := make(map[string]Credential, match.TotalPlayers())

	for _, team := range match.Teams {
		for _, user := range team.Members {
			tok, err := m.tokens.Issue(token.Claims{
				UserID:    user,
				DungeonID: dungeonID,
				MatchID:   match.ID,
				TeamID:    team.ID,
				TeamSize:  len(team.Members),
			})
			if err != nil {
				return StartResult{}, eris.Wrapf(err, "failed to issue token for %s", user)
			}
			sess.TokensByUser[user] = tok
			sess.TeamIDByUser[user] = team.ID
			creds[user] = Credential{Token: tok, TeamID: team.ID, TeamSize: len(team.Members)}
		}
	}

	if err := m.sessions.Add(sess); err != nil {
		return StartResult{}, err
	}

	return StartResult{
		DungeonID:   dungeonID,
		MatchID:     match.ID,
		Host:        m.opts.Host,
		Port:        port,
		ServerAddr:  net.JoinHostPort(m.opts.Host, strconv.Itoa(port)),
		Credentials: creds,
	}, nil
}

// spawn starts the game server and watches it until it exits. The port goes back to the pool only
// once the process is gone.
func (m *Manager) spawn(spec launcher.Spec, inst *instance) {
	defer m.wg.Done()
	log := m.logger.With().Str("dungeon_id", spec.DungeonID).Int("port", spec.Port).Logger()

	proc, err := m.opts.Launcher.Launch(context.Background(), spec)
	if err != nil {
		log.Error().Err(err).Msg("Failed to spawn game server")
		m.releasePort(spec.DungeonID, spec.Port)
		m.end(spec.DungeonID, store.EndAborted, true)
		return
	}

	m.mu.Lock()
	inst.proc = proc
	m.mu.Unlock()
	_ = m.sessions.Update(spec.DungeonID, func(s *store.Session) error {
		s.PID = proc.PID()
		return nil
	})

	select {
	case <-inst.done:
		// Ended while the process was starting.
		if err := proc.Kill(); err != nil {
			log.Warn().Err(err).Msg("Failed to kill game server")
		}
	default:
		log.Info().Int("pid", proc.PID()).Msg("Game server spawned")
	}

	code, err := proc.Wait()
	reason := store.EndCompleted
	if err != nil || code != 0 {
		reason = store.EndCrash
	}
	m.releasePort(spec.DungeonID, spec.Port)
	if m.end(spec.DungeonID, reason, true) {
		log.Info().Int("exit_code", code).Str("reason", string(reason)).Msg("Game server exited")
	}
}

// CheckReadySecret authenticates a call from a game server. Any secret passes when none is
// configured.
func (m *Manager) CheckReadySecret(secret string) error {
	if m.opts.ReadySecret != "" &&
		subtle.ConstantTimeCompare([]byte(secret), []byte(m.opts.ReadySecret)) != 1 {
		return ErrReadySecret
	}
	return nil
}

// MarkReady handles a game server's readiness callback, moving its session from preparing to
// running. Repeated signals for a running session are accepted.
func (m *Manager) MarkReady(sig ReadySignal) (store.Session, error) {
	if err := m.CheckReadySecret(sig.Secret); err != nil {
		return store.Session{}, err
	}

	ref := sig.DungeonID
	if ref == "" {
		ref = sig.MatchID
	}
	dungeonID, ok := m.sessions.Resolve(ref)
	if !ok {
		return store.Session{}, eris.Wrapf(ErrSessionNotFound, "dungeon %q match %q", sig.DungeonID, sig.MatchID)
	}

	var updated store.Session
	err := m.sessions.Update(dungeonID, func(s *store.Session) error {
		if sig.Port != 0 && sig.Port != s.Port {
			return eris.Wrapf(ErrPortMismatch, "got %d, session has %d", sig.Port, s.Port)
		}
		switch s.Status {
		case store.StatusEnded:
			return eris.Wrapf(ErrSessionEnded, "dungeon %s", s.DungeonID)
		case store.StatusPreparing:
			s.Status = store.StatusRunning
			s.ReadyAt = m.opts.Clock()
			if sig.Host != "" {
				s.Host = sig.Host
			}
		case store.StatusRunning:
		}
		updated = s.Clone()
		return nil
	})
	if err != nil {
		return store.Session{}, err
	}

	if inst := m.instance(dungeonID); inst != nil {
		inst.readyOnce.Do(func() { close(inst.ready) })
	}
	m.logger.Info().
		Str("dungeon_id", dungeonID).
		Str("host", updated.Host).
		Int("port", updated.Port).
		Msg("Dungeon ready")
	return updated, nil
}

// WhenReady waits until the session is running and returns it. It fails with ErrReadyTimeout
// once timeout elapses, and with ErrSessionEnded if the session ends first.
func (m *Manager) WhenReady(ctx context.Context, dungeonID string, timeout time.Duration) (store.Session, error) {
	inst := m.instance(dungeonID)
	if inst == nil {
		return store.Session{}, eris.Wrapf(ErrSessionNotFound, "dungeon %s", dungeonID)
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-inst.ready:
	case <-inst.done:
		return store.Session{}, eris.Wrapf(ErrSessionEnded, "dungeon %s", dungeonID)
	case <-timer.C:
		return store.Session{}, eris.Wrapf(ErrReadyTimeout, "dungeon %s after %s", dungeonID, timeout)
	case <-ctx.Done():
		return store.Session{}, eris.Wrap(ctx.Err(), "readiness wait canceled")
	}

	sess, ok := m.sessions.Get(dungeonID)
	if !ok {
		return store.Session{}, eris.Wrapf(ErrSessionNotFound, "dungeon %s", dungeonID)
	}
	if sess.Status == store.StatusEnded {
		return store.Session{}, eris.Wrapf(ErrSessionEnded, "dungeon %s", dungeonID)
	}
	return sess, nil
}

// EndDungeonSession ends the session identified by dungeon id or match id and reports whether
// such a session exists. Ending an already ended session is a no-op.
func (m *Manager) EndDungeonSession(idOrMatchID string, reason store.EndReason) bool {
	dungeonID, ok := m.sessions.Resolve(idOrMatchID)
	if !ok {
		return false
	}
	m.end(dungeonID, reason, false)
	return true
}

// end moves a session to ended and reports whether this call performed the transition. Only that
// call stops the process, unless exited says it is already gone. The port is released here for
// sessions without a process and by spawn otherwise.
func (m *Manager) end(dungeonID string, reason store.EndReason, exited bool) bool {
	var port int
	transitioned := false
	err := m.sessions.Update(dungeonID, func(s *store.Session) error {
		if s.Status == store.StatusEnded {
			return nil
		}
		s.Status = store.StatusEnded
		s.EndedAt = m.opts.Clock()
		s.EndReason = reason
		clear(s.TokensByUser)
		port = s.Port
		transitioned = true
		return nil
	})
	if err != nil || !transitioned {
		return false
	}

	var proc launcher.Process
	inst := m.instance(dungeonID)
	if inst != nil {
		inst.doneOnce.Do(func() { close(inst.done) })
		m.mu.Lock()
		proc = inst.proc
		m.mu.Unlock()
	}
	if inst == nil || !inst.watched {
		m.releasePort(dungeonID, port)
	}
	if proc != nil && !exited {
		if err := proc.Kill(); err != nil {
			m.logger.Warn().Err(err).Str("dungeon_id", dungeonID).Msg("Failed to kill game server")
		}
	}

	m.logger.Info().
		Str("dungeon_id", dungeonID).
		Str("reason", string(reason)).
		Int("port", port).
		Msg("Dungeon session ended")
	return true
}

func (m *Manager) releasePort(dungeonID string, port int) {
	if !m.ports.Release(port) {
		m.logger.Error().Str("dungeon_id", dungeonID).Int("port", port).Msg("Session port was not reserved")
	}
}

func (m *Manager) instance(dungeonID string) *instance {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.instances[dungeonID]
}

// Session returns a copy of a session by dungeon id or match id.
func (m *Manager) Session(idOrMatchID string) (store.Session, bool) {
	dungeonID, ok := m.sessions.Resolve(idOrMatchID)
	if !ok {
		return store.Session{}, false
	}
	return m.sessions.Get(dungeonID)
}

// SessionByMatch returns a copy of the session hosting the match.
func (m *Manager) SessionByMatch(matchID string) (store.Session, bool) {
	return m.sessions.GetByMatch(matchID)
}

// SessionByUser returns the most recent session the user was admitted to.
func (m *Manager) SessionByUser(userID string) (store.Session, bool) {
	return m.sessions.GetByUser(userID)
}

// ActiveSessions returns every session that has not ended.
func (m *Manager) ActiveSessions() []store.Session {
	return m.sessions.List(func(s *store.Session) bool { return s.Status != store.StatusEnded })
}

// Run periodically ends sessions past their maximum lifetime and forgets ended sessions past the
// retention window. It returns when ctx is done.
func (m *Manager) Run(ctx context.Context) error {
	ticker := time.NewTicker(m.opts.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			m.Sweep()
		}
	}
}

// Sweep runs one lifetime and retention pass.
func (m *Manager) Sweep() {
	now := m.opts.Clock()

	if m.opts.MaxLifetime > 0 {
		for _, sess := range m.ActiveSessions() {
			if sess.Status == store.StatusRunning && now.Sub(sess.ReadyAt) >= m.opts.MaxLifetime {
				m.end(sess.DungeonID, store.EndTimeout, false)
			}
		}
	}

	pruned := m.sessions.Prune(now.Add(-m.opts.Retention))
	if len(pruned) == 0 {
		return
	}
	m.mu.Lock()
	for _, dungeonID := range pruned {
		delete(m.instances, dungeonID)
	}
	m.mu.Unlock()
	m.logger.Debug().Int("count", len(pruned)).Msg("Pruned ended sessions")
}

// Shutdown ends every live session and waits for process watchers to finish or ctx to expire.
func (m *Manager) Shutdown(ctx context.Context) error {
	for _, sess := range m.ActiveSessions() {
		m.end(sess.DungeonID, store.EndAborted, false)
	}

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return eris.Wrap(ctx.Err(), "timed out waiting for game servers to exit")
	}
}
