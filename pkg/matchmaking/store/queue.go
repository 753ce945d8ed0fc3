package store

import (
	"slices"
	"sync"
	"time"

	"github.com/rotisserie/eris"
	"github.com/rs/zerolog"

	"github.com/argus-labs/dungeon-crawler/pkg/assert"
	"github.com/argus-labs/dungeon-crawler/pkg/id"
	"github.com/argus-labs/dungeon-crawler/pkg/maps"
	"github.com/argus-labs/dungeon-crawler/pkg/matchmaking/types"
)

var (
	ErrEmptyParty     = eris.New("party has no members")
	ErrPartyTooLarge  = eris.New("party exceeds team size")
	ErrInvalidMember  = eris.New("invalid party member")
	ErrAlreadyQueued  = eris.New("user is queued with a party on this map")
	ErrTicketNotFound = eris.New("ticket not found")
)

// MapValidator reports whether players may queue for a map.
type MapValidator interface {
	Validate(id maps.ID) error
}

// LaunchFunc receives every match the store completes. It is called without the store lock
// held, so it may call back into the store.
type LaunchFunc func(*types.Match)

// EnqueueResult describes the outcome of an enqueue.
type EnqueueResult struct {
	TicketID string
	// Launched holds the matches this call completed. They have already been passed to the
	// launch handler.
	Launched []*types.Match
}

// mapState is the queue for a single map. Partial and ready teams are kept in creation order.
type mapState struct {
	partial []*types.Team
	ready   []*types.Team
	current *assembly
}

func (ms *mapState) empty() bool {
	return len(ms.partial) == 0 && len(ms.ready) == 0 && ms.current == nil
}

// assembly is the match being filled for a map.
type assembly struct {
	id        string
	createdAt time.Time
	teams     []*types.Team
}

// Store is the exclusive owner of matchmaking state. All methods are safe for concurrent use.
type Store struct {
	mu       sync.Mutex
	maps     map[maps.ID]*mapState
	tickets  *ticketIndex
	catalog  MapValidator
	ids      *id.Generator
	now      func() time.Time
	onLaunch LaunchFunc
	logger   zerolog.Logger
}

// Option configures a Store.
type Option func(*Store)

// WithClock overrides the time source used for ages and creation times.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// WithIDGenerator sets the generator used for ticket, team and match ids.
func WithIDGenerator(g *id.Generator) Option {
	return func(s *Store) { s.ids = g }
}

// WithLaunchHandler sets the function that receives completed matches.
func WithLaunchHandler(fn LaunchFunc) Option {
	return func(s *Store) { s.onLaunch = fn }
}

// WithLogger sets the logger.
func WithLogger(logger zerolog.Logger) Option {
	return func(s *Store) { s.logger = logger }
}

// New creates an empty store that validates maps against catalog.
func New(catalog MapValidator, opts ...Option) *Store {
	s := &Store{
		maps:    make(map[maps.ID]*mapState),
		tickets: newTicketIndex(),
		catalog: catalog,
		now:     time.Now,
		logger:  zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.ids == nil {
		s.ids = id.NewGenerator(id.WithClock(s.now))
	}
	return s
}

type enqueueRequest struct {
	mapID   maps.ID
	kind    types.TicketKind
	userID  string
	partyID string
	members []string
	policy  types.JoinPolicy
}

func (r enqueueRequest) owner() string {
	if r.kind == types.TicketParty {
		return r.partyID
	}
	return r.userID
}

// EnqueueSolo queues a single player. Any ticket the user already holds on the map is replaced.
func (s *Store) EnqueueSolo(mapID maps.ID, userID string, policy types.JoinPolicy) (EnqueueResult, error) {
	return s.enqueue(enqueueRequest{
		mapID:   mapID,
		kind:    types.TicketSolo,
		userID:  userID,
		members: []string{userID},
		policy:  policy,
	})
}

// EnqueueParty queues a party as one indivisible block. Any ticket the party already holds on
// the map is replaced, and members are pulled out of any other ticket they are staged in.
func (s *Store) EnqueueParty(
	mapID maps.ID,
	partyID string,
	members []string,
	policy types.JoinPolicy,
) (EnqueueResult, error) {
	return s.enqueue(enqueueRequest{
		mapID:   mapID,
		kind:    types.TicketParty,
		partyID: partyID,
		members: slices.Clone(members),
		policy:  policy,
	})
}

func (s *Store) enqueue(req enqueueRequest) (EnqueueResult, error) {
	s.mu.Lock()
	if err := s.validateLocked(req); err != nil {
		s.mu.Unlock()
		return EnqueueResult{}, err
	}
	res := s.applyLocked(req)
	s.mu.Unlock()

	s.dispatch(res.Launched)
	return res, nil
}

func (s *Store) validateLocked(req enqueueRequest) error {
	if err := s.catalog.Validate(req.mapID); err != nil {
		return err
	}
	if req.policy != types.JoinPolicyOpen && req.policy != types.JoinPolicyClosed {
		return eris.Wrapf(types.ErrInvalidJoinPolicy, "%d", req.policy)
	}

	switch req.kind {
	case types.TicketSolo:
		if req.userID == "" {
			return eris.Wrap(ErrInvalidMember, "empty user id")
		}
		if t := s.tickets.member(req.mapID, req.userID); t != nil && t.Kind == types.TicketParty {
			return eris.Wrapf(ErrAlreadyQueued, "user %q in party %q", req.userID, t.PartyID)
		}
	case types.TicketParty:
		if req.partyID == "" {
			return eris.Wrap(ErrInvalidMember, "empty party id")
		}
		if len(req.members) == 0 {
			return ErrEmptyParty
		}
		if len(req.members) > types.TeamMax {
			return eris.Wrapf(ErrPartyTooLarge, "party of %d, max %d", len(req.members), types.TeamMax)
		}
		seen := make(map[string]struct{}, len(req.members))
		for _, m := range req.members {
			if m == "" {
				return eris.Wrap(ErrInvalidMember, "empty member id")
			}
			if _, dup := seen[m]; dup {
				return eris.Wrapf(ErrInvalidMember, "duplicate member %q", m)
			}
			seen[m] = struct{}{}
		}
	}
	return nil
}

// applyLocked mutates state for an already validated request.
func (s *Store) applyLocked(req enqueueRequest) EnqueueResult {
	var launched []*types.Match

	if prev := s.tickets.owner(req.mapID, req.kind, req.owner()); prev != nil {
		launched = append(launched, s.detachLocked(prev, prev.Members)...)
	}
	for _, m := range req.members {
		if other := s.tickets.member(req.mapID, m); other != nil {
			launched = append(launched, s.detachLocked(other, []string{m})...)
		}
	}

	t := &types.Ticket{
		ID:        s.ids.New(),
		Kind:      req.kind,
		MapID:     req.mapID,
		Policy:    req.policy,
		UserID:    req.userID,
		PartyID:   req.partyID,
		Members:   req.members,
		CreatedAt: s.now(),
	}
	s.tickets.add(t)

	ms := s.maps[req.mapID]
	if ms == nil {
		ms = &mapState{}
		s.maps[req.mapID] = ms
	}

	if t.Policy == types.JoinPolicyClosed {
		ms.ready = append(ms.ready, s.newTeam(t))
	} else {
		s.mergeBlockLocked(ms, t)
	}
	launched = append(launched, s.assembleLocked(req.mapID, ms)...)
	s.gcLocked(req.mapID)

	s.logger.Debug().
		Str("ticket_id", t.ID).
		Stringer("map_id", t.MapID).
		Stringer("kind", t.Kind).
		Stringer("policy", t.Policy).
		Int("size", t.Size()).
		Msg("Ticket enqueued")

	return EnqueueResult{TicketID: t.ID, Launched: launched}
}

func (s *Store) newTeam(t *types.Ticket) *types.Team {
	return &types.Team{
		ID:        s.ids.New(),
		Members:   slices.Clone(t.Members),
		Tickets:   []string{t.ID},
		CreatedAt: t.CreatedAt,
	}
}

// mergeBlockLocked places an open ticket. The block goes whole into the oldest partial team with
// room for it; otherwise it starts a team of its own.
func (s *Store) mergeBlockLocked(ms *mapState, t *types.Ticket) {
	for i, team := range ms.partial {
		if team.Remaining() < t.Size() {
			continue
		}
		team.Members = append(team.Members, t.Members...)
		team.Tickets = append(team.Tickets, t.ID)
		assert.That(team.Remaining() >= 0, "team %s overfilled to %d members", team.ID, len(team.Members))
		if team.Remaining() == 0 {
			ms.partial = slices.Delete(ms.partial, i, i+1)
			ms.ready = insertByCreatedAt(ms.ready, team)
		}
		return
	}

	team := s.newTeam(t)
	if team.Remaining() == 0 {
		ms.ready = append(ms.ready, team)
	} else {
		ms.partial = append(ms.partial, team)
	}
}

// assembleLocked moves ready teams into the map's match in creation order, launching each match
// that fills up.
func (s *Store) assembleLocked(mapID maps.ID, ms *mapState) []*types.Match {
	var launched []*types.Match
	for len(ms.ready) > 0 {
		if ms.current == nil {
			ms.current = &assembly{id: s.ids.New(), createdAt: s.now()}
		}
		for len(ms.current.teams) < types.TeamsPerMatchMax && len(ms.ready) > 0 {
			ms.current.teams = append(ms.current.teams, ms.ready[0])
			ms.ready = slices.Delete(ms.ready, 0, 1)
		}
		if len(ms.current.teams) < types.TeamsPerMatchMax {
			break
		}
		launched = append(launched, s.launchLocked(mapID, ms))
	}
	return launched
}

// launchLocked turns the map's match into a types.Match and consumes its tickets.
func (s *Store) launchLocked(mapID maps.ID, ms *mapState) *types.Match {
	a := ms.current
	ms.current = nil
	assert.That(len(a.teams) > 0, "launching empty match %s", a.id)

	m := &types.Match{
		ID:        a.id,
		MapID:     mapID,
		Teams:     make([]types.Team, 0, len(a.teams)),
		CreatedAt: a.createdAt,
	}
	for _, team := range a.teams {
		m.Teams = append(m.Teams, team.Clone())
		for _, ticketID := range team.Tickets {
			t := s.tickets.get(ticketID)
			if t == nil {
				s.logger.Error().
					Str("ticket_id", ticketID).
					Str("team_id", team.ID).
					Msg("Launched team references a missing ticket")
				continue
			}
			s.tickets.remove(t)
		}
	}

	s.logger.Info().
		Str("match_id", m.ID).
		Stringer("map_id", mapID).
		Int("teams", len(m.Teams)).
		Int("players", m.TotalPlayers()).
		Msg("Match launched")

	return m
}

// detachLocked removes users, all of them members of t, from wherever t is staged. When users
// covers every member the ticket itself is dropped. Teams that shrink are reclassified, and a team
// taken out of the match being assembled is offered back to assembly.
func (s *Store) detachLocked(t *types.Ticket, users []string) []*types.Match {
	dropTicket := len(users) >= len(t.Members)
	if dropTicket {
		s.tickets.remove(t)
	} else {
		s.tickets.removeMembers(t, users)
	}

	ms := s.maps[t.MapID]
	if ms == nil {
		s.logger.Error().Str("ticket_id", t.ID).Stringer("map_id", t.MapID).Msg("Ticket has no map state")
		return nil
	}
	defer s.gcLocked(t.MapID)

	if i := indexOfTicket(ms.ready, t.ID); i >= 0 {
		team := ms.ready[i]
		s.shrink(team, t.ID, users, dropTicket)
		switch {
		case len(team.Members) == 0:
			ms.ready = slices.Delete(ms.ready, i, i+1)
		case s.revertsToPartial(team):
			ms.ready = slices.Delete(ms.ready, i, i+1)
			ms.partial = insertByCreatedAt(ms.partial, team)
		}
		return nil
	}

	if i := indexOfTicket(ms.partial, t.ID); i >= 0 {
		team := ms.partial[i]
		s.shrink(team, t.ID, users, dropTicket)
		if len(team.Members) == 0 {
			ms.partial = slices.Delete(ms.partial, i, i+1)
		}
		return nil
	}

	if ms.current != nil {
		if i := indexOfTicket(ms.current.teams, t.ID); i >= 0 {
			team := ms.current.teams[i]
			ms.current.teams = slices.Delete(ms.current.teams, i, i+1)
			s.shrink(team, t.ID, users, dropTicket)
			switch {
			case len(team.Members) == 0:
			case s.revertsToPartial(team):
				ms.partial = insertByCreatedAt(ms.partial, team)
			default:
				ms.ready = insertByCreatedAt(ms.ready, team)
			}
			launched := s.assembleLocked(t.MapID, ms)
			if ms.current != nil && len(ms.current.teams) == 0 {
				ms.current = nil
			}
			return launched
		}
	}

	s.logger.Error().
		Str("ticket_id", t.ID).
		Stringer("map_id", t.MapID).
		Msg("Ticket is not staged in any team")
	return nil
}

func (s *Store) shrink(team *types.Team, ticketID string, users []string, dropTicket bool) {
	team.Members = slices.DeleteFunc(team.Members, func(m string) bool {
		return slices.Contains(users, m)
	})
	if dropTicket {
		team.Tickets = slices.DeleteFunc(team.Tickets, func(id string) bool { return id == ticketID })
	}
}

// revertsToPartial reports whether a shrunken team can accept merges again: it is below TeamMax
// and every ticket left in it is open. Closed-origin teams never revert.
func (s *Store) revertsToPartial(team *types.Team) bool {
	if len(team.Members) == 0 || team.Remaining() == 0 {
		return false
	}
	for _, ticketID := range team.Tickets {
		t := s.tickets.get(ticketID)
		if t == nil || t.Policy != types.JoinPolicyOpen {
			return false
		}
	}
	return true
}

func (s *Store) gcLocked(mapID maps.ID) {
	if ms, ok := s.maps[mapID]; ok && ms.empty() {
		delete(s.maps, mapID)
	}
}

func (s *Store) dispatch(launched []*types.Match) {
	if s.onLaunch == nil {
		return
	}
	for _, m := range launched {
		s.onLaunch(m.Clone())
	}
}

// CancelTicket removes a ticket from the map's queue. It reports whether the ticket existed.
func (s *Store) CancelTicket(mapID maps.ID, ticketID string) bool {
	return s.cancel(func() *types.Ticket {
		if t := s.tickets.get(ticketID); t != nil && t.MapID == mapID {
			return t
		}
		return nil
	})
}

// CancelSolo removes the user's solo ticket for the map.
func (s *Store) CancelSolo(mapID maps.ID, userID string) bool {
	return s.cancel(func() *types.Ticket {
		return s.tickets.owner(mapID, types.TicketSolo, userID)
	})
}

// CancelParty removes the party's ticket for the map.
func (s *Store) CancelParty(mapID maps.ID, partyID string) bool {
	return s.cancel(func() *types.Ticket {
		return s.tickets.owner(mapID, types.TicketParty, partyID)
	})
}

func (s *Store) cancel(find func() *types.Ticket) bool {
	s.mu.Lock()
	t := find()
	if t == nil {
		s.mu.Unlock()
		return false
	}
	launched := s.detachLocked(t, t.Members)
	s.mu.Unlock()

	s.logger.Debug().Str("ticket_id", t.ID).Stringer("map_id", t.MapID).Msg("Ticket canceled")
	s.dispatch(launched)
	return true
}

// RemoveMember takes a single player out of whichever ticket holds them on the map, leaving the
// rest of a party queued. It reports whether the player was queued.
func (s *Store) RemoveMember(mapID maps.ID, userID string) bool {
	s.mu.Lock()
	t := s.tickets.member(mapID, userID)
	if t == nil {
		s.mu.Unlock()
		return false
	}
	launched := s.detachLocked(t, []string{userID})
	s.mu.Unlock()

	s.dispatch(launched)
	return true
}

// FlushIfStale force-launches the map's match when it has waited at least maxWait and holds at
// least minTeams teams. minTeams below 1 is treated as 1, so an empty match never launches.
func (s *Store) FlushIfStale(mapID maps.ID, maxWait time.Duration, minTeams int) *types.Match {
	minTeams = max(minTeams, 1)

	s.mu.Lock()
	ms := s.maps[mapID]
	if ms == nil || ms.current == nil {
		s.mu.Unlock()
		return nil
	}
	age := s.now().Sub(ms.current.createdAt)
	if age < maxWait || len(ms.current.teams) < minTeams {
		s.mu.Unlock()
		return nil
	}
	m := s.launchLocked(mapID, ms)
	s.gcLocked(mapID)
	s.mu.Unlock()

	s.logger.Info().
		Str("match_id", m.ID).
		Stringer("map_id", mapID).
		Dur("age", age).
		Msg("Stale match flushed")
	s.dispatch([]*types.Match{m})
	return m
}

// RequeueWithPolicy atomically replaces a ticket with a new one for the same identity under a
// different join policy.
func (s *Store) RequeueWithPolicy(mapID maps.ID, ticketID string, policy types.JoinPolicy) (EnqueueResult, error) {
	s.mu.Lock()
	t := s.tickets.get(ticketID)
	if t == nil || t.MapID != mapID {
		s.mu.Unlock()
		return EnqueueResult{}, eris.Wrapf(ErrTicketNotFound, "ticket %q on map %d", ticketID, mapID)
	}
	req := enqueueRequest{
		mapID:   t.MapID,
		kind:    t.Kind,
		userID:  t.UserID,
		partyID: t.PartyID,
		members: slices.Clone(t.Members),
		policy:  policy,
	}
	if err := s.validateLocked(req); err != nil {
		s.mu.Unlock()
		return EnqueueResult{}, err
	}
	launched := s.detachLocked(t, t.Members)
	res := s.applyLocked(req)
	res.Launched = append(launched, res.Launched...)
	s.mu.Unlock()

	s.dispatch(res.Launched)
	return res, nil
}

// Ticket returns a copy of a live ticket.
func (s *Store) Ticket(ticketID string) (types.Ticket, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t := s.tickets.get(ticketID)
	if t == nil {
		return types.Ticket{}, false
	}
	return copyTicket(t), true
}

// TicketsForUser returns every live ticket the user is a member of, across maps.
func (s *Store) TicketsForUser(userID string) []types.Ticket {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []types.Ticket
	for mapID := range s.maps {
		if t := s.tickets.member(mapID, userID); t != nil {
			out = append(out, copyTicket(t))
		}
	}
	slices.SortFunc(out, func(a, b types.Ticket) int { return int(a.MapID) - int(b.MapID) })
	return out
}

// ActiveMaps returns the maps that currently hold any queue state.
func (s *Store) ActiveMaps() []maps.ID {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]maps.ID, 0, len(s.maps))
	for mapID := range s.maps {
		out = append(out, mapID)
	}
	slices.Sort(out)
	return out
}

func copyTicket(t *types.Ticket) types.Ticket {
	c := *t
	c.Members = slices.Clone(t.Members)
	return c
}

func indexOfTicket(teams []*types.Team, ticketID string) int {
	return slices.IndexFunc(teams, func(team *types.Team) bool {
		return slices.Contains(team.Tickets, ticketID)
	})
}

// insertByCreatedAt inserts team keeping the slice ordered oldest first. Equal timestamps keep
// insertion order.
func insertByCreatedAt(teams []*types.Team, team *types.Team) []*types.Team {
	i := slices.IndexFunc(teams, func(other *types.Team) bool {
		return other.CreatedAt.After(team.CreatedAt)
	})
	if i < 0 {
		return append(teams, team)
	}
	return slices.Insert(teams, i, team)
}
