package party

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
)

// LeaveFunc is called after a member leaves a party. host is the host after the departure and is
// empty when the party was disbanded.
type LeaveFunc func(partyID, userID, host string)

// Store is an in-memory Directory that also manages membership.
type Store struct {
	mu sync.RWMutex

	// Primary storage - O(1) lookup by ID
	partiesByID map[string]*Party

	// Index by player - find party by player ID
	partyByPlayer map[string]string

	onLeave []LeaveFunc
	now     func() time.Time
}

var _ Directory = (*Store)(nil)

// NewStore creates an empty party store.
func NewStore() *Store {
	return &Store{
		partiesByID:   make(map[string]*Party),
		partyByPlayer: make(map[string]string),
		now:           time.Now,
	}
}

// OnLeave registers fn to run after every departure. Hooks run outside the store lock.
func (s *Store) OnLeave(fn LeaveFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onLeave = append(s.onLeave, fn)
}

// Create creates a new party hosted by hostID.
func (s *Store) Create(hostID string, maxSize int) (Party, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.partyByPlayer[hostID]; exists {
		return Party{}, eris.Wrapf(ErrAlreadyInParty, "player %s", hostID)
	}
	if maxSize < 1 {
		return Party{}, eris.Errorf("invalid party size %d", maxSize)
	}

	p := &Party{
		ID:        uuid.NewString(),
		HostID:    hostID,
		Members:   []string{hostID},
		MaxSize:   maxSize,
		CreatedAt: s.now(),
	}
	s.partiesByID[p.ID] = p
	s.partyByPlayer[hostID] = p.ID

	return p.Clone(), nil
}

// Get returns a party by ID.
func (s *Store) Get(partyID string) (Party, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, ok := s.partiesByID[partyID]
	if !ok {
		return Party{}, false
	}
	return p.Clone(), true
}

// GetByPlayer returns the party for a given player.
func (s *Store) GetByPlayer(playerID string) (Party, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	partyID, ok := s.partyByPlayer[playerID]
	if !ok {
		return Party{}, false
	}
	return s.partiesByID[partyID].Clone(), true
}

func (s *Store) Members(partyID string) ([]string, error) {
	p, ok := s.Get(partyID)
	if !ok {
		return nil, eris.Wrapf(ErrPartyNotFound, "party %s", partyID)
	}
	return p.Members, nil
}

func (s *Store) IsHost(partyID, userID string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, ok := s.partiesByID[partyID]
	return ok && p.HostID == userID
}

// Join adds a player to an existing party.
func (s *Store) Join(partyID, playerID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.partiesByID[partyID]
	if !ok {
		return eris.Wrapf(ErrPartyNotFound, "party %s", partyID)
	}
	if _, exists := s.partyByPlayer[playerID]; exists {
		return eris.Wrapf(ErrAlreadyInParty, "player %s", playerID)
	}
	if p.IsFull() {
		return eris.Wrapf(ErrPartyFull, "party %s", partyID)
	}

	p.Members = append(p.Members, playerID)
	s.partyByPlayer[playerID] = partyID
	return nil
}

// Leave removes a player from a party. If the player hosted it, the next member is promoted; the
// last member leaving disbands the party. Leave hooks run before Leave returns.
func (s *Store) Leave(partyID, playerID string) (disbanded bool, err error) {
	s.mu.Lock()

	p, ok := s.partiesByID[partyID]
	if !ok {
		s.mu.Unlock()
		return false, eris.Wrapf(ErrPartyNotFound, "party %s", partyID)
	}
	if !p.HasMember(playerID) {
		s.mu.Unlock()
		return false, eris.Wrapf(ErrNotMember, "player %s party %s", playerID, partyID)
	}

	newMembers := make([]string, 0, len(p.Members)-1)
	for _, m := range p.Members {
		if m != playerID {
			newMembers = append(newMembers, m)
		}
	}
	p.Members = newMembers
	delete(s.partyByPlayer, playerID)

	host := ""
	if len(p.Members) == 0 {
		delete(s.partiesByID, partyID)
		disbanded = true
	} else {
		if p.HostID == playerID {
			p.HostID = p.Members[0]
		}
		host = p.HostID
	}
	hooks := s.onLeave
	s.mu.Unlock()

	for _, fn := range hooks {
		fn(partyID, playerID, host)
	}
	return disbanded, nil
}

// SetHost hands the party to another member.
func (s *Store) SetHost(partyID, newHostID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.partiesByID[partyID]
	if !ok {
		return eris.Wrapf(ErrPartyNotFound, "party %s", partyID)
	}
	if !p.HasMember(newHostID) {
		return eris.Wrapf(ErrNotMember, "player %s party %s", newHostID, partyID)
	}
	p.HostID = newHostID
	return nil
}

// Count returns the total number of parties.
func (s *Store) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.partiesByID)
}
