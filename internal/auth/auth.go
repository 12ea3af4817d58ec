package auth

import (
	"errors"
	"fmt"

	"github.com/golang-jwt/jwt/v5"
)

// ErrAuthentication is returned for any credential the gateway refuses:
// unknown format, bad signature, expired token, missing subject. Callers
// must treat it as fatal to the connection.
var ErrAuthentication = errors.New("authentication failed")

// Identity is the stable user identity attached to a session at connect
// time.
type Identity struct {
	UserID string
	Email  string
}

type Claims struct {
	Email string `json:"email"`
	jwt.RegisteredClaims
}

type TokenConfig struct {
	Secret string

	// DevBypassToken, when non-empty, is a literal credential accepted as
	// the demo identity. Development and test convenience only; leave
	// empty in any real deployment.
	DevBypassToken string
}

// DemoIdentity is what the development bypass token resolves to.
var DemoIdentity = Identity{UserID: "demo-user", Email: "demo@pathwise.dev"}

// Verify resolves a bearer credential to an identity. Authentication
// happens exactly once per connection; there is no retry path.
func Verify(token string, cfg TokenConfig) (Identity, error) {
	if token == "" {
		return Identity{}, ErrAuthentication
	}
	if cfg.DevBypassToken != "" && token == cfg.DevBypassToken {
		return DemoIdentity, nil
	}

	parsed, err := jwt.ParseWithClaims(token, &Claims{}, func(t *jwt.Token) (interface{}, error) {
		if t.Method != jwt.SigningMethodHS256 {
			return nil, jwt.ErrSignatureInvalid
		}
		return []byte(cfg.Secret), nil
	})
	if err != nil {
		return Identity{}, fmt.Errorf("%w: %v", ErrAuthentication, err)
	}

	claims, ok := parsed.Claims.(*Claims)
	if !ok || !parsed.Valid || claims.Subject == "" {
		return Identity{}, ErrAuthentication
	}
	return Identity{UserID: claims.Subject, Email: claims.Email}, nil
}
