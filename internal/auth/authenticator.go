// Package auth issues and verifies the identity tokens presented at the
// WebSocket handshake and on REST calls.
package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v4"

	"schoolhub/pkg/interfaces"
	"schoolhub/pkg/types"
)

var _ interfaces.TokenVerifier = (*Authenticator)(nil)

var ErrEmptySecret = errors.New("auth secret cannot be empty")

const issuer = "schoolhub"

// Claims carries the identity inside an HS256 token
type Claims struct {
	Role types.Role `json:"role"`
	jwt.RegisteredClaims
}

// Authenticator signs and verifies identity tokens with a shared secret
type Authenticator struct {
	secret []byte
	ttl    time.Duration
	now    func() time.Time
}

func NewAuthenticator(secret string, ttl time.Duration) (*Authenticator, error) {
	if secret == "" {
		return nil, ErrEmptySecret
	}
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &Authenticator{
		secret: []byte(secret),
		ttl:    ttl,
		now:    time.Now,
	}, nil
}

// Issue signs a token for identity; ttl <= 0 uses the configured lifetime
func (a *Authenticator) Issue(identity types.Identity, ttl time.Duration) (string, time.Time, error) {
	if !types.IsValidUserID(identity.UserID) {
		return "", time.Time{}, types.Validationf("invalid user id %q", identity.UserID)
	}
	if !types.IsValidRole(identity.Role) {
		return "", time.Time{}, types.Validationf("invalid role %q", identity.Role)
	}
	if ttl <= 0 {
		ttl = a.ttl
	}

	now := a.now()
	expiresAt := now.Add(ttl)
	claims := Claims{
		Role: identity.Role,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   identity.UserID,
			Issuer:    issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
		},
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(a.secret)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("sign token: %w", err)
	}
	return token, expiresAt, nil
}

// VerifyToken validates signature, expiry and the identity claims
func (a *Authenticator) VerifyToken(raw string) (types.Identity, error) {
	if raw == "" {
		return types.Identity{}, types.Unauthorizedf("missing token")
	}

	var claims Claims
	tok, err := jwt.ParseWithClaims(raw, &claims, func(t *jwt.Token) (interface{}, error) {
		// TECHNICAL DISCOVERY: Pinning HMAC blocks alg=none and key-confusion tokens
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return a.secret, nil
	})
	if err != nil || !tok.Valid {
		return types.Identity{}, types.Unauthorizedf("invalid token: %v", err)
	}

	identity := types.Identity{UserID: claims.Subject, Role: claims.Role}
	if !types.IsValidUserID(identity.UserID) || !types.IsValidRole(identity.Role) {
		return types.Identity{}, types.Unauthorizedf("token carries an invalid identity")
	}
	return identity, nil
}
