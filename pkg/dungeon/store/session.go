// Package store indexes dungeon sessions by dungeon, match and user.
package store

import (
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/rotisserie/eris"

	mapcatalog "github.com/argus-labs/dungeon-crawler/pkg/maps"
	"github.com/argus-labs/dungeon-crawler/pkg/matchmaking/types"
)

var (
	ErrSessionNotFound = eris.New("dungeon session not found")
	ErrSessionExists   = eris.New("dungeon session already exists")
)

// Status is the lifecycle state of a session.
type Status uint8

const (
	StatusPreparing Status = iota
	StatusRunning
	StatusEnded
)

func (s Status) String() string {
	switch s {
	case StatusPreparing:
		return "preparing"
	case StatusRunning:
		return "running"
	case StatusEnded:
		return "ended"
	default:
		return "unknown"
	}
}

func (s Status) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// EndReason records why a session ended.
type EndReason string

const (
	EndCompleted EndReason = "completed"
	EndAborted   EndReason = "aborted"
	EndTimeout   EndReason = "timeout"
	EndCrash     EndReason = "crash"
)

// Session is one dungeon instance hosting one match.
type Session struct {
	DungeonID    string            `json:"dungeonId"`
	MatchID      string            `json:"matchId"`
	MapID        mapcatalog.ID     `json:"mapId"`
	Teams        []types.Team      `json:"teams"`
	Status       Status            `json:"status"`
	Host         string            `json:"host"`
	Port         int               `json:"port"`
	TokensByUser map[string]string `json:"-"`
	TeamIDByUser map[string]string `json:"teamIdByUser"`
	PID          int               `json:"pid,omitempty"`
	CreatedAt    time.Time         `json:"createdAt"`
	ReadyAt      time.Time         `json:"readyAt,omitzero"`
	EndedAt      time.Time         `json:"endedAt,omitzero"`
	EndReason    EndReason         `json:"endReason,omitempty"`
}

// Clone returns a deep copy.
func (s *Session) Clone() Session {
	c := *s
	c.Teams = make([]types.Team, len(s.Teams))
	for i := range s.Teams {
		c.Teams[i] = s.Teams[i].Clone()
	}
	c.TokensByUser = maps.Clone(s.TokensByUser)
	c.TeamIDByUser = maps.Clone(s.TeamIDByUser)
	return c
}

// Users returns every player admitted to the session.
func (s *Session) Users() []string {
	users := slices.Collect(maps.Keys(s.TeamIDByUser))
	slices.Sort(users)
	return users
}

// SessionStore manages sessions with indexes for efficient lookups.
type SessionStore struct {
	mu sync.RWMutex

	// Primary storage - O(1) lookup by dungeon ID
	byDungeon map[string]*Session

	// Index by match ID
	byMatch map[string]string

	// Index by user - the most recent session each user was admitted to
	byUser map[string]string
}

// NewSessionStore creates an empty store.
func NewSessionStore() *SessionStore {
	return &SessionStore{
		byDungeon: make(map[string]*Session),
		byMatch:   make(map[string]string),
		byUser:    make(map[string]string),
	}
}

// Add stores a new session.
func (s *SessionStore) Add(sess Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.byDungeon[sess.DungeonID]; exists {
		return eris.Wrapf(ErrSessionExists, "dungeon %s", sess.DungeonID)
	}
	if _, exists := s.byMatch[sess.MatchID]; exists {
		return eris.Wrapf(ErrSessionExists, "match %s", sess.MatchID)
	}

	stored := sess.Clone()
	s.byDungeon[sess.DungeonID] = &stored
	s.byMatch[sess.MatchID] = sess.DungeonID
	for user := range sess.TeamIDByUser {
		s.byUser[user] = sess.DungeonID
	}
	return nil
}

// Get returns a copy of the session.
func (s *SessionStore) Get(dungeonID string) (Session, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sess, ok := s.byDungeon[dungeonID]
	if !ok {
		return Session{}, false
	}
	return sess.Clone(), true
}

// GetByMatch returns the session hosting a match.
func (s *SessionStore) GetByMatch(matchID string) (Session, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	dungeonID, ok := s.byMatch[matchID]
	if !ok {
		return Session{}, false
	}
	return s.byDungeon[dungeonID].Clone(), true
}

// GetByUser returns the most recent session the user was admitted to.
func (s *SessionStore) GetByUser(userID string) (Session, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	dungeonID, ok := s.byUser[userID]
	if !ok {
		return Session{}, false
	}
	return s.byDungeon[dungeonID].Clone(), true
}

// Resolve maps a dungeon id or a match id to a dungeon id.
func (s *SessionStore) Resolve(idOrMatchID string) (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if _, ok := s.byDungeon[idOrMatchID]; ok {
		return idOrMatchID, true
	}
	dungeonID, ok := s.byMatch[idOrMatchID]
	return dungeonID, ok
}

// Update runs fn on the stored session under the write lock. Changes made by fn are kept even if
// it returns an error.
func (s *SessionStore) Update(dungeonID string, fn func(*Session) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.byDungeon[dungeonID]
	if !ok {
		return eris.Wrapf(ErrSessionNotFound, "dungeon %s", dungeonID)
	}
	return fn(sess)
}

// List returns copies of the sessions accepted by keep, oldest first. A nil keep selects all.
func (s *SessionStore) List(keep func(*Session) bool) []Session {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]Session, 0, len(s.byDungeon))
	for _, sess := range s.byDungeon {
		if keep == nil || keep(sess) {
			out = append(out, sess.Clone())
		}
	}
	slices.SortFunc(out, func(a, b Session) int { return a.CreatedAt.Compare(b.CreatedAt) })
	return out
}

// Prune deletes sessions that ended before cutoff and returns their ids.
func (s *SessionStore) Prune(cutoff time.Time) []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	var pruned []string
	for id, sess := range s.byDungeon {
		if sess.Status != StatusEnded || !sess.EndedAt.Before(cutoff) {
			continue
		}
		delete(s.byDungeon, id)
		if s.byMatch[sess.MatchID] == id {
			delete(s.byMatch, sess.MatchID)
		}
		for user := range sess.TeamIDByUser {
			if s.byUser[user] == id {
				delete(s.byUser, user)
			}
		}
		pruned = append(pruned, id)
	}
	slices.Sort(pruned)
	return pruned
}

// Count returns the number of stored sessions.
func (s *SessionStore) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.byDungeon)
}
