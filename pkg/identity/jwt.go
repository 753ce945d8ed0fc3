package identity

import (
	"context"
	"time"

	"github.com/caarlos0/env/v11"
	jwt "github.com/form3tech-oss/jwt-go"
	"github.com/rotisserie/eris"
)

// JWTConfig configures verification of session tokens issued by the login service.
type JWTConfig struct {
	Secret string `env:"AUTH_JWT_SECRET"`
}

// sessionClaims mirrors what the login service signs: the username plus standard expiry.
type sessionClaims struct {
	Username string `json:"username"`
	jwt.StandardClaims
}

// JWT resolves HS256 session tokens signed with a shared secret.
type JWT struct {
	secret  []byte
	parties PartyLookup
	now     func() time.Time
}

var _ Directory = (*JWT)(nil)

// NewJWTFromEnv creates a JWT directory from AUTH_JWT_SECRET.
func NewJWTFromEnv(parties PartyLookup) (*JWT, error) {
	cfg, err := env.ParseAs[JWTConfig]()
	if err != nil {
		return nil, eris.Wrap(err, "failed to parse auth config")
	}
	return NewJWT(cfg.Secret, parties)
}

// NewJWT creates a directory that trusts tokens signed with secret.
func NewJWT(secret string, parties PartyLookup) (*JWT, error) {
	if secret == "" {
		return nil, eris.New("session token secret is required")
	}
	return &JWT{secret: []byte(secret), parties: parties, now: time.Now}, nil
}

func (j *JWT) Resolve(_ context.Context, sessionToken string) (Identity, error) {
	if sessionToken == "" {
		return Identity{}, eris.Wrap(ErrUnauthenticated, "missing session token")
	}

	parser := &jwt.Parser{
		ValidMethods:         []string{jwt.SigningMethodHS256.Alg()},
		SkipClaimsValidation: true,
	}
	var claims sessionClaims
	_, err := parser.ParseWithClaims(sessionToken, &claims, func(*jwt.Token) (interface{}, error) {
		return j.secret, nil
	})
	if err != nil {
		return Identity{}, eris.Wrap(ErrUnauthenticated, err.Error())
	}
	if !claims.VerifyExpiresAt(j.now().Unix(), false) {
		return Identity{}, eris.Wrap(ErrUnauthenticated, "session token expired")
	}

	username := claims.Username
	if username == "" {
		username = claims.Subject
	}
	if username == "" {
		return Identity{}, eris.Wrap(ErrUnauthenticated, "session token has no username")
	}
	return withParty(j.parties, username), nil
}

// Sign issues a session token for username. Used by tests and local tooling.
func (j *JWT) Sign(username string, ttl time.Duration) (string, error) {
	claims := sessionClaims{
		Username: username,
		StandardClaims: jwt.StandardClaims{
			IssuedAt:  j.now().Unix(),
			ExpiresAt: j.now().Add(ttl).Unix(),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(j.secret)
	if err != nil {
		return "", eris.Wrap(err, "failed to sign session token")
	}
	return signed, nil
}
