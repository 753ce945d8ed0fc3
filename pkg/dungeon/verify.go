package dungeon

import (
	"crypto/subtle"

	"github.com/argus-labs/dungeon-crawler/pkg/dungeon/store"
)

// VerifyResult is the outcome of a join token check.
type VerifyResult uint8

const (
	VerifyOK VerifyResult = iota
	VerifyDungeonNotFound
	VerifyUserNotFound
	VerifyTokenMismatch
)

func (r VerifyResult) String() string {
	switch r {
	case VerifyOK:
		return "OK"
	case VerifyDungeonNotFound:
		return "DUNGEON_NOT_FOUND"
	case VerifyUserNotFound:
		return "USER_NOT_FOUND"
	case VerifyTokenMismatch:
		return "TOKEN_MISMATCH"
	default:
		return "UNKNOWN"
	}
}

func (r VerifyResult) MarshalText() ([]byte, error) {
	return []byte(r.String()), nil
}

// VerifyUserToken checks that tok is the credential issued to userID for the dungeon. With consume
// set, a successful check deletes the token so it cannot be replayed. Ended sessions admit nobody.
func (m *Manager) VerifyUserToken(dungeonID, userID, tok string, consume bool) VerifyResult {
	result := VerifyDungeonNotFound
	_ = m.sessions.Update(dungeonID, func(s *store.Session) error {
		if s.Status == store.StatusEnded {
			return nil
		}
		issued, ok := s.TokensByUser[userID]
		if !ok {
			result = VerifyUserNotFound
			return nil
		}
		if subtle.ConstantTimeCompare([]byte(issued), []byte(tok)) != 1 {
			result = VerifyTokenMismatch
			return nil
		}
		claims, err := m.tokens.Parse(tok)
		if err != nil || claims.DungeonID != s.DungeonID || claims.UserID != userID {
			result = VerifyTokenMismatch
			return nil
		}
		if consume {
			delete(s.TokensByUser, userID)
		}
		result = VerifyOK
		return nil
	})

	m.logger.Debug().
		Str("dungeon_id", dungeonID).
		Str("user_id", userID).
		Bool("consume", consume).
		Stringer("result", result).
		Msg("Verified join token")
	return result
}

// RevokeUserToken deletes a user's unused credential. It reports whether a token was removed.
func (m *Manager) RevokeUserToken(dungeonID, userID string) bool {
	revoked := false
	_ = m.sessions.Update(dungeonID, func(s *store.Session) error {
		if _, ok := s.TokensByUser[userID]; ok {
			delete(s.TokensByUser, userID)
			revoked = true
		}
		return nil
	})
	return revoked
}
