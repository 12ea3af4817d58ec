package auth

import (
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// CreateToken mints an HS256 token for the given identity. The gateway
// itself never issues tokens (that is the auth service's job); this exists
// for tests and local tooling.
func CreateToken(identity Identity, secret string, expiry time.Duration) (string, error) {
	if secret == "" {
		return "", errors.New("missing secret")
	}
	if identity.UserID == "" {
		return "", errors.New("missing userID")
	}
	if expiry <= 0 {
		return "", errors.New("invalid expiry")
	}

	claims := Claims{
		Email: identity.Email,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   identity.UserID,
			IssuedAt:  jwt.NewNumericDate(time.Now()),
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(expiry)),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString([]byte(secret))
}
