// Package token issues and parses the signed per-player credentials that admit a player into a
// dungeon.
package token

import (
	"crypto/rand"
	"time"

	jwt "github.com/form3tech-oss/jwt-go"
	"github.com/google/uuid"
	"github.com/rotisserie/eris"
)

const issuerName = "dungeon-crawler"

var (
	ErrInvalidToken = eris.New("invalid join token")
	ErrExpiredToken = eris.New("join token expired")
)

// Claims identify the player, the dungeon and the team a credential admits into.
type Claims struct {
	UserID    string
	DungeonID string
	MatchID   string
	TeamID    string
	TeamSize  int
	ID        string
	ExpiresAt time.Time
}

type joinClaims struct {
	MatchID  string `json:"match"`
	TeamID   string `json:"team"`
	TeamSize int    `json:"teamSize"`
	jwt.StandardClaims
}

// Issuer signs join tokens with HS256.
type Issuer struct {
	secret []byte
	ttl    time.Duration
	now    func() time.Time
}

// NewIssuer creates an issuer. An empty secret is replaced by 32 random bytes, which makes the
// tokens verifiable only by this process.
func NewIssuer(secret string, ttl time.Duration, now func() time.Time) (*Issuer, error) {
	if ttl <= 0 {
		return nil, eris.New("token ttl must be positive")
	}
	key := []byte(secret)
	if len(key) == 0 {
		key = make([]byte, 32)
		if _, err := rand.Read(key); err != nil {
			return nil, eris.Wrap(err, "failed to generate token secret")
		}
	}
	if now == nil {
		now = time.Now
	}
	return &Issuer{secret: key, ttl: ttl, now: now}, nil
}

// Issue signs a token for c. ID and ExpiresAt are filled in by the issuer.
func (i *Issuer) Issue(c Claims) (string, error) {
	issuedAt := i.now()
	claims := joinClaims{
		MatchID:  c.MatchID,
		TeamID:   c.TeamID,
		TeamSize: c.TeamSize,
		StandardClaims: jwt.StandardClaims{
			Audience:  []string{c.DungeonID},
			ExpiresAt: issuedAt.Add(i.ttl).Unix(),
			Id:        uuid.NewString(),
			IssuedAt:  issuedAt.Unix(),
			Issuer:    issuerName,
			Subject:   c.UserID,
		},
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(i.secret)
	if err != nil {
		return "", eris.Wrap(err, "failed to sign join token")
	}
	return signed, nil
}

// Parse verifies the signature and expiry of a token and returns its claims.
func (i *Issuer) Parse(tokenString string) (Claims, error) {
	parser := &jwt.Parser{
		ValidMethods:         []string{jwt.SigningMethodHS256.Alg()},
		SkipClaimsValidation: true, // expiry is checked against the issuer's clock below
	}

	var claims joinClaims
	_, err := parser.ParseWithClaims(tokenString, &claims, func(*jwt.Token) (interface{}, error) {
		return i.secret, nil
	})
	if err != nil {
		return Claims{}, eris.Wrap(ErrInvalidToken, err.Error())
	}
	if claims.Issuer != issuerName {
		return Claims{}, eris.Wrapf(ErrInvalidToken, "unexpected issuer %q", claims.Issuer)
	}
	if !claims.VerifyExpiresAt(i.now().Unix(), true) {
		return Claims{}, ErrExpiredToken
	}

	var dungeonID string
	if len(claims.Audience) > 0 {
		dungeonID = claims.Audience[0]
	}

	return Claims{
		UserID:    claims.Subject,
		DungeonID: dungeonID,
		MatchID:   claims.MatchID,
		TeamID:    claims.TeamID,
		TeamSize:  claims.TeamSize,
		ID:        claims.Id,
		ExpiresAt: time.Unix(claims.ExpiresAt, 0),
	}, nil
}
