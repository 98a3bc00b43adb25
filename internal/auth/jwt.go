package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Claims is the token payload issued by the main auth service.
type Claims struct {
	UserID   string `json:"user_id"`
	DeviceID string `json:"device_id,omitempty"`
	Email    string `json:"email,omitempty"`
	Role     string `json:"role,omitempty"`

	// Permissions are fine-grained grants beyond the role, e.g. "ice:admin".
	Permissions []string `json:"permissions,omitempty"`

	jwt.RegisteredClaims
}

type tokenVerifier struct {
	secret []byte
	parser *jwt.Parser
}

func newTokenVerifier(secret string, now func() time.Time) tokenVerifier {
	if now == nil {
		now = time.Now
	}
	return tokenVerifier{
		secret: []byte(secret),
		parser: jwt.NewParser(
			jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
			jwt.WithExpirationRequired(),
			jwt.WithTimeFunc(now),
		),
	}
}

// verify checks the token's signature and temporal claims locally and extracts
// the identity it carries. Revocation is the authenticator's job, not ours.
func (v tokenVerifier) verify(raw string) (Identity, error) {
	if raw == "" {
		return Identity{}, ErrMissingToken
	}

	claims := &Claims{}
	_, err := v.parser.ParseWithClaims(raw, claims, func(t *jwt.Token) (any, error) {
		return v.secret, nil
	})
	if err != nil {
		return Identity{}, fmt.Errorf("%w: %w", ErrInvalidToken, err)
	}

	if claims.UserID == "" {
		return Identity{}, fmt.Errorf("%w: missing user_id claim", ErrInvalidToken)
	}

	role := claims.Role
	if role == "" {
		role = RoleUser
	}
	return Identity{
		UserID:      claims.UserID,
		DeviceID:    claims.DeviceID,
		Email:       claims.Email,
		Role:        role,
		Permissions: claims.Permissions,
	}, nil
}

// IsAuthError reports whether err is one of this package's rejection
// sentinels, as opposed to an internal failure.
func IsAuthError(err error) bool {
	return errors.Is(err, ErrMissingToken) ||
		errors.Is(err, ErrInvalidToken) ||
		errors.Is(err, ErrRevoked) ||
		errors.Is(err, ErrRateLimited) ||
		errors.Is(err, ErrTooManyConnections) ||
		errors.Is(err, ErrForbidden) ||
		errors.Is(err, ErrUpstreamUnavailable)
}
