package identity

import (
	"context"
	"sync"

	"github.com/rotisserie/eris"
)

// Memory maps opaque session tokens to usernames.
type Memory struct {
	mu       sync.RWMutex
	sessions map[string]string
	parties  PartyLookup
}

var _ Directory = (*Memory)(nil)

func NewMemory(parties PartyLookup) *Memory {
	return &Memory{sessions: make(map[string]string), parties: parties}
}

// Login binds a session token to a username.
func (m *Memory) Login(sessionToken, username string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sessions[sessionToken] = username
}

// Logout forgets a session token.
func (m *Memory) Logout(sessionToken string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.sessions, sessionToken)
}

func (m *Memory) Resolve(_ context.Context, sessionToken string) (Identity, error) {
	m.mu.RLock()
	username, ok := m.sessions[sessionToken]
	m.mu.RUnlock()
	if !ok {
		return Identity{}, eris.Wrap(ErrUnauthenticated, "unknown session token")
	}
	return withParty(m.parties, username), nil
}
