// Package matchmaking turns queue requests from players and parties into matches and hands every
// completed match to the dungeon manager.
package matchmaking

import (
	"context"
	"slices"
	"sync"
	"time"

	"github.com/rotisserie/eris"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/trace"

	"github.com/argus-labs/dungeon-crawler/pkg/dungeon"
	dungeonstore "github.com/argus-labs/dungeon-crawler/pkg/dungeon/store"
	"github.com/argus-labs/dungeon-crawler/pkg/identity"
	"github.com/argus-labs/dungeon-crawler/pkg/maps"
	"github.com/argus-labs/dungeon-crawler/pkg/matchmaking/store"
	"github.com/argus-labs/dungeon-crawler/pkg/matchmaking/types"
	"github.com/argus-labs/dungeon-crawler/pkg/notify"
	"github.com/argus-labs/dungeon-crawler/pkg/protocol"
)

var ErrNotPartyHost = eris.New("only the party host can manage the party queue")

// Dungeons is the part of the dungeon manager the matchmaker drives.
type Dungeons interface {
	StartMatch(ctx context.Context, match *types.Match) (dungeon.StartResult, error)
	WhenReady(ctx context.Context, dungeonID string, timeout time.Duration) (dungeonstore.Session, error)
	EndDungeonSession(idOrMatchID string, reason dungeonstore.EndReason) bool
}

// PartyDirectory is consulted live on every party request.
type PartyDirectory interface {
	Members(partyID string) ([]string, error)
	IsHost(partyID, userID string) bool
}

// IdentityDirectory resolves session tokens to players.
type IdentityDirectory interface {
	Resolve(ctx context.Context, sessionToken string) (identity.Identity, error)
}

// Mode tells whether a request queued a solo player or a whole party.
type Mode string

const (
	ModeSolo  Mode = "solo"
	ModeParty Mode = "party"
)

// QueueResult is returned by the enqueue operations.
type QueueResult struct {
	Mode     Mode
	TicketID string
	PartyID  string
	Members  []string
	Launched []*types.Match
}

// Manager is the only holder of the queue store.
type Manager struct {
	store      *store.Store
	dungeons   Dungeons
	notifier   notify.Notifier
	parties    PartyDirectory
	identities IdentityDirectory
	catalog    *maps.Catalog
	opts       Options
	logger     zerolog.Logger
	tracer     trace.Tracer

	opMu    sync.Mutex // one queue operation at a time
	mu      sync.Mutex
	aging   *AgingPolicy
	pending []*types.Match // launched by the store, not yet handed to the dungeon manager

	ctx      context.Context
	cancel   context.CancelFunc
	launches sync.WaitGroup // readiness waits
}

// NewManager creates a matchmaker from the environment, overridden by opts.
func NewManager(opts Options) (*Manager, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}

	options := newDefaultOptions()
	cfg.applyToOptions(&options)
	options.apply(opts)
	if err := options.validate(); err != nil {
		return nil, eris.Wrap(err, "invalid matchmaking options")
	}

	ctx, cancel := context.WithCancel(context.Background())
	m := &Manager{
		dungeons:   options.Dungeons,
		notifier:   options.Notifier,
		parties:    options.Parties,
		identities: options.Identities,
		catalog:    options.Catalog,
		opts:       options,
		logger:     *options.Logger,
		tracer:     options.Tracer,
		aging:      options.Aging,
		ctx:        ctx,
		cancel:     cancel,
	}

	storeOpts := []store.Option{
		store.WithClock(options.Clock),
		store.WithLaunchHandler(m.queueLaunch),
		store.WithLogger(m.logger),
	}
	if options.IDs != nil {
		storeOpts = append(storeOpts, store.WithIDGenerator(options.IDs))
	}
	m.store = store.New(options.Catalog, storeOpts...)

	return m, nil
}

// Catalog returns the maps players may queue for.
func (m *Manager) Catalog() *maps.Catalog {
	return m.catalog
}

// Enqueue resolves the caller and queues them alone, or their whole party if they are in one.
// Only a party host may queue a party.
func (m *Manager) Enqueue(
	ctx context.Context, sessionToken string, mapID maps.ID, policy types.JoinPolicy,
) (QueueResult, error) {
	who, err := m.identities.Resolve(ctx, sessionToken)
	if err != nil {
		return QueueResult{}, err
	}
	if who.PartyID != "" {
		return m.EnqueueParty(ctx, who.PartyID, who.Username, mapID, policy)
	}
	return m.EnqueueSolo(ctx, who.Username, mapID, policy)
}

// EnqueueSolo queues a single player. A previous solo ticket of the player on the map is replaced.
func (m *Manager) EnqueueSolo(
	ctx context.Context, userID string, mapID maps.ID, policy types.JoinPolicy,
) (QueueResult, error) {
	var (
		res store.EnqueueResult
		err error
	)
	m.mutate(func() {
		res, err = m.store.EnqueueSolo(mapID, userID, policy)
		if err != nil {
			return
		}
		m.notifier.SendToUser(ctx, userID, protocol.QueueJoined{
			MapID:    mapID,
			Policy:   policy,
			TicketID: res.TicketID,
		})
	})
	if err != nil {
		return QueueResult{}, err
	}

	m.logger.Info().
		Str("user_id", userID).
		Stringer("map_id", mapID).
		Stringer("policy", policy).
		Str("ticket_id", res.TicketID).
		Msg("Solo ticket queued")

	return QueueResult{
		Mode:     ModeSolo,
		TicketID: res.TicketID,
		Members:  []string{userID},
		Launched: res.Launched,
	}, nil
}

// EnqueueParty queues a party as one indivisible block. Members are read from the party directory
// at call time. requestedBy must be the host; an empty requestedBy skips the check.
func (m *Manager) EnqueueParty(
	ctx context.Context, partyID, requestedBy string, mapID maps.ID, policy types.JoinPolicy,
) (QueueResult, error) {
	if requestedBy != "" && !m.parties.IsHost(partyID, requestedBy) {
		return QueueResult{}, eris.Wrapf(ErrNotPartyHost, "user %s party %s", requestedBy, partyID)
	}
	members, err := m.parties.Members(partyID)
	if err != nil {
		return QueueResult{}, eris.Wrapf(err, "failed to read members of party %s", partyID)
	}

	var res store.EnqueueResult
	m.mutate(func() {
		res, err = m.store.EnqueueParty(mapID, partyID, members, policy)
		if err != nil {
			return
		}
		notify.SendToUsers(ctx, m.notifier, members, protocol.QueueJoined{
			MapID:    mapID,
			Policy:   policy,
			TicketID: res.TicketID,
			PartyID:  partyID,
		})
	})
	if err != nil {
		return QueueResult{}, err
	}

	m.logger.Info().
		Str("party_id", partyID).
		Strs("members", members).
		Stringer("map_id", mapID).
		Stringer("policy", policy).
		Str("ticket_id", res.TicketID).
		Msg("Party ticket queued")

	return QueueResult{
		Mode:     ModeParty,
		TicketID: res.TicketID,
		PartyID:  partyID,
		Members:  members,
		Launched: res.Launched,
	}, nil
}

// Cancel resolves the caller and withdraws their queue entry: their party's ticket when they host
// a party, their solo ticket otherwise. A zero mapID cancels on every map.
func (m *Manager) Cancel(ctx context.Context, sessionToken string, mapID maps.ID) (bool, error) {
	who, err := m.identities.Resolve(ctx, sessionToken)
	if err != nil {
		return false, err
	}

	if who.PartyID != "" {
		if !m.parties.IsHost(who.PartyID, who.Username) {
			return false, eris.Wrapf(ErrNotPartyHost, "user %s party %s", who.Username, who.PartyID)
		}
		if mapID == 0 {
			return len(m.CancelPartyAcrossMaps(ctx, who.PartyID)) > 0, nil
		}
		return m.CancelParty(ctx, mapID, who.PartyID), nil
	}

	if mapID == 0 {
		return m.CancelSoloAcrossMaps(ctx, who.Username), nil
	}
	return m.CancelSolo(ctx, mapID, who.Username), nil
}

// CancelSolo removes the player's solo ticket on the map.
func (m *Manager) CancelSolo(ctx context.Context, mapID maps.ID, userID string) bool {
	var ok bool
	m.mutate(func() {
		ok = m.store.CancelSolo(mapID, userID)
		if ok {
			m.notifier.SendToUser(ctx, userID, protocol.QueueCanceled{MapID: mapID, Scope: protocol.ScopeSolo})
		}
	})
	return ok
}

// CancelParty removes the party's ticket on the map and tells every current member.
func (m *Manager) CancelParty(ctx context.Context, mapID maps.ID, partyID string) bool {
	var ok bool
	m.mutate(func() {
		ok = m.store.CancelParty(mapID, partyID)
		if ok {
			m.notifyPartyCanceled(ctx, mapID, partyID)
		}
	})
	return ok
}

// CancelTicket removes a ticket by id.
func (m *Manager) CancelTicket(ctx context.Context, mapID maps.ID, ticketID string) bool {
	var ok bool
	m.mutate(func() {
		t, found := m.store.Ticket(ticketID)
		ok = m.store.CancelTicket(mapID, ticketID)
		if !ok || !found {
			return
		}
		msg := protocol.QueueCanceled{MapID: mapID, Scope: protocol.ScopeSolo}
		if t.Kind == types.TicketParty {
			msg.Scope, msg.PartyID = protocol.ScopeParty, t.PartyID
		}
		notify.SendToUsers(ctx, m.notifier, t.Members, msg)
	})
	return ok
}

// CancelSoloAcrossMaps removes the player's solo tickets on every map.
func (m *Manager) CancelSoloAcrossMaps(ctx context.Context, userID string) bool {
	ok := false
	for _, mapID := range m.store.ActiveMaps() {
		ok = m.CancelSolo(ctx, mapID, userID) || ok
	}
	return ok
}

// CancelPartyAcrossMaps removes the party's tickets on every map and returns the maps affected.
func (m *Manager) CancelPartyAcrossMaps(ctx context.Context, partyID string) []maps.ID {
	var affected []maps.ID
	for _, mapID := range m.store.ActiveMaps() {
		if m.CancelParty(ctx, mapID, partyID) {
			affected = append(affected, mapID)
		}
	}
	return affected
}

func (m *Manager) notifyPartyCanceled(ctx context.Context, mapID maps.ID, partyID string) {
	members, err := m.parties.Members(partyID)
	if err != nil {
		// The party may already be gone.
		m.logger.Debug().Err(err).Str("party_id", partyID).Msg("Skipping cancel notification")
		return
	}
	notify.SendToUsers(ctx, m.notifier, members, protocol.QueueCanceled{
		MapID:   mapID,
		Scope:   protocol.ScopeParty,
		PartyID: partyID,
	})
}

// Requeue resolves the caller and switches one of their tickets to a new join policy. Tickets the
// caller does not own are reported as not found; a party ticket may only be changed by the host.
func (m *Manager) Requeue(
	ctx context.Context, sessionToken string, mapID maps.ID, ticketID string, policy types.JoinPolicy,
) (QueueResult, error) {
	who, err := m.identities.Resolve(ctx, sessionToken)
	if err != nil {
		return QueueResult{}, err
	}

	t, ok := m.store.Ticket(ticketID)
	if !ok || t.MapID != mapID || !slices.Contains(t.Members, who.Username) {
		return QueueResult{}, eris.Wrapf(store.ErrTicketNotFound, "ticket %s", ticketID)
	}
	if t.Kind == types.TicketParty && !m.parties.IsHost(t.PartyID, who.Username) {
		return QueueResult{}, eris.Wrapf(ErrNotPartyHost, "user %s party %s", who.Username, t.PartyID)
	}
	return m.RequeueWithPolicy(ctx, mapID, ticketID, policy)
}

// RequeueWithPolicy atomically swaps a ticket for a new one under a different join policy.
func (m *Manager) RequeueWithPolicy(
	ctx context.Context, mapID maps.ID, ticketID string, policy types.JoinPolicy,
) (QueueResult, error) {
	var (
		res store.EnqueueResult
		err error
	)
	out := QueueResult{Mode: ModeSolo}
	m.mutate(func() {
		res, err = m.store.RequeueWithPolicy(mapID, ticketID, policy)
		if err != nil {
			return
		}
		t, ok := m.store.Ticket(res.TicketID)
		if !ok {
			return
		}
		out.Members = t.Members
		if t.Kind == types.TicketParty {
			out.Mode, out.PartyID = ModeParty, t.PartyID
		}
		notify.SendToUsers(ctx, m.notifier, t.Members, protocol.QueueJoined{
			MapID:    mapID,
			Policy:   policy,
			TicketID: res.TicketID,
			PartyID:  t.PartyID,
		})
	})
	if err != nil {
		return QueueResult{}, err
	}

	out.TicketID, out.Launched = res.TicketID, res.Launched
	return out, nil
}

// HandlePartyLeave takes a departing member out of the party's queued tickets, leaving the rest of
// the party queued. It matches party.LeaveFunc.
func (m *Manager) HandlePartyLeave(partyID, userID, _ string) {
	ctx := context.Background()
	m.mutate(func() {
		for _, t := range m.store.TicketsForUser(userID) {
			if t.Kind != types.TicketParty || t.PartyID != partyID {
				continue
			}
			if !m.store.RemoveMember(t.MapID, userID) {
				continue
			}
			m.notifier.SendToUser(ctx, userID, protocol.QueueCanceled{
				MapID:   t.MapID,
				Scope:   protocol.ScopeParty,
				PartyID: partyID,
			})
			m.logger.Info().
				Str("party_id", partyID).
				Str("user_id", userID).
				Stringer("map_id", t.MapID).
				Msg("Removed departed party member from queue")
		}
	})
}

// Dump returns a snapshot of a map's queue. ok is false when the map is idle.
func (m *Manager) Dump(mapID maps.ID) (store.Snapshot, bool) {
	return m.store.Dump(mapID)
}

// TicketsForUser returns every ticket the player is queued in.
func (m *Manager) TicketsForUser(userID string) []types.Ticket {
	return m.store.TicketsForUser(userID)
}

// ActiveMaps returns the maps with queued players.
func (m *Manager) ActiveMaps() []maps.ID {
	return m.store.ActiveMaps()
}

// ConfigureAging sets the aging policy. Nil disables aging.
func (m *Manager) ConfigureAging(policy *AgingPolicy) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if policy != nil {
		p := *policy
		policy = &p
	}
	m.aging = policy
}

// TickAging force-launches stale matches on every active map and returns them. Without an aging
// policy it does nothing.
func (m *Manager) TickAging() []*types.Match {
	m.mu.Lock()
	policy := m.aging
	m.mu.Unlock()
	if policy == nil {
		return nil
	}

	var launched []*types.Match
	m.mutate(func() {
		for _, mapID := range m.store.ActiveMaps() {
			if match := m.store.FlushIfStale(mapID, policy.MaxWait, policy.MinTeamsToLaunch); match != nil {
				launched = append(launched, match)
			}
		}
	})
	return launched
}

// Run ticks aging until ctx is done.
func (m *Manager) Run(ctx context.Context) error {
	ticker := time.NewTicker(m.opts.AgingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			m.TickAging()
		}
	}
}

// Wait blocks until every in-flight readiness wait has finished.
func (m *Manager) Wait() {
	m.launches.Wait()
}

// Shutdown abandons in-flight readiness waits and waits for them to unwind, or for ctx to expire.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.cancel()

	done := make(chan struct{})
	go func() {
		m.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return eris.Wrap(ctx.Err(), "timed out waiting for match launches")
	}
}
