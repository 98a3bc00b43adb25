package auth

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/securevox/call-server/internal/config"
	"github.com/securevox/call-server/internal/metrics"
	"github.com/securevox/call-server/internal/upstream"
)

const testSecret = "test-jwt-secret"

var testNow = time.Unix(1_700_000_000, 0)

func signToken(t *testing.T, claims Claims) string {
	t.Helper()
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	raw, err := tok.SignedString([]byte(testSecret))
	require.NoError(t, err)
	return raw
}

func validClaims(userID string) Claims {
	return Claims{
		UserID:   userID,
		DeviceID: "device-1",
		Role:     RoleUser,
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(testNow),
			ExpiresAt: jwt.NewNumericDate(testNow.Add(time.Hour)),
		},
	}
}

type fakeAuthority struct {
	verdict upstream.Verdict
	err     error
	calls   int
}

func (f *fakeAuthority) CheckToken(context.Context, string) (upstream.Verdict, error) {
	f.calls++
	return f.verdict, f.err
}

func newTestAuthenticator(t *testing.T, cfg config.Config, authority upstream.IdentityAuthority) *Authenticator {
	t.Helper()
	if cfg.JWTSecret == "" {
		cfg.JWTSecret = testSecret
	}
	if cfg.AuthTimeout == 0 {
		cfg.AuthTimeout = time.Second
	}
	if cfg.AuthRateWindow == 0 {
		cfg.AuthRateWindow = 15 * time.Minute
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewAuthenticator(cfg, authority, metrics.New(), logger, AuthenticatorOptions{
		Now: func() time.Time { return testNow },
	})
}

func TestAuthenticate_ValidToken(t *testing.T) {
	authority := &fakeAuthority{verdict: upstream.VerdictValid}
	a := newTestAuthenticator(t, config.Config{}, authority)

	id, err := a.Authenticate(context.Background(), signToken(t, validClaims("42")), "10.0.0.1")
	require.NoError(t, err)
	assert.Equal(t, "42", id.UserID)
	assert.Equal(t, "device-1", id.DeviceID)
	assert.False(t, id.Degraded)
	assert.Equal(t, 1, authority.calls)
}

func TestAuthenticate_MissingAndMalformedTokens(t *testing.T) {
	a := newTestAuthenticator(t, config.Config{}, &fakeAuthority{verdict: upstream.VerdictValid})

	_, err := a.Authenticate(context.Background(), "", "10.0.0.1")
	require.ErrorIs(t, err, ErrMissingToken)

	_, err = a.Authenticate(context.Background(), "not.a.jwt", "10.0.0.1")
	require.ErrorIs(t, err, ErrInvalidToken)
}

func TestAuthenticate_ExpiredToken(t *testing.T) {
	a := newTestAuthenticator(t, config.Config{}, &fakeAuthority{verdict: upstream.VerdictValid})

	claims := validClaims("42")
	claims.ExpiresAt = jwt.NewNumericDate(testNow.Add(-time.Minute))
	_, err := a.Authenticate(context.Background(), signToken(t, claims), "10.0.0.1")
	require.ErrorIs(t, err, ErrInvalidToken)
}

func TestAuthenticate_WrongSignature(t *testing.T) {
	a := newTestAuthenticator(t, config.Config{}, &fakeAuthority{verdict: upstream.VerdictValid})

	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, validClaims("42"))
	raw, err := tok.SignedString([]byte("some-other-secret"))
	require.NoError(t, err)

	_, err = a.Authenticate(context.Background(), raw, "10.0.0.1")
	require.ErrorIs(t, err, ErrInvalidToken)
}

func TestAuthenticate_MissingUserID(t *testing.T) {
	a := newTestAuthenticator(t, config.Config{}, &fakeAuthority{verdict: upstream.VerdictValid})

	claims := validClaims("")
	_, err := a.Authenticate(context.Background(), signToken(t, claims), "10.0.0.1")
	require.ErrorIs(t, err, ErrInvalidToken)
}

func TestAuthenticate_RevokedToken(t *testing.T) {
	a := newTestAuthenticator(t, config.Config{}, &fakeAuthority{verdict: upstream.VerdictRevoked})

	_, err := a.Authenticate(context.Background(), signToken(t, validClaims("42")), "10.0.0.1")
	require.ErrorIs(t, err, ErrRevoked)
}

func TestAuthenticate_AuthorityDown_FailClosed(t *testing.T) {
	authority := &fakeAuthority{err: upstream.ErrUnavailable}
	a := newTestAuthenticator(t, config.Config{AuthFailPolicy: config.AuthFailClosed}, authority)

	_, err := a.Authenticate(context.Background(), signToken(t, validClaims("42")), "10.0.0.1")
	require.ErrorIs(t, err, ErrUpstreamUnavailable)
}

func TestAuthenticate_AuthorityDown_FailOpen(t *testing.T) {
	authority := &fakeAuthority{err: upstream.ErrUnavailable}
	a := newTestAuthenticator(t, config.Config{AuthFailPolicy: config.AuthFailOpen}, authority)

	id, err := a.Authenticate(context.Background(), signToken(t, validClaims("42")), "10.0.0.1")
	require.NoError(t, err)
	assert.Equal(t, "42", id.UserID)
	assert.True(t, id.Degraded, "fail_open acceptance must be marked degraded")
}

func TestAuthenticate_PerIPRateLimit(t *testing.T) {
	cfg := config.Config{AuthRateMax: 3}
	a := newTestAuthenticator(t, cfg, &fakeAuthority{verdict: upstream.VerdictValid})

	for i := 0; i < 3; i++ {
		_, err := a.Authenticate(context.Background(), "garbage", "10.0.0.9")
		require.ErrorIs(t, err, ErrInvalidToken)
	}
	_, err := a.Authenticate(context.Background(), "garbage", "10.0.0.9")
	require.ErrorIs(t, err, ErrRateLimited)

	// A different IP still has budget.
	_, err = a.Authenticate(context.Background(), signToken(t, validClaims("42")), "10.0.0.10")
	require.NoError(t, err)
}

func TestAuthenticate_DefaultRole(t *testing.T) {
	a := newTestAuthenticator(t, config.Config{}, &fakeAuthority{verdict: upstream.VerdictValid})

	claims := validClaims("42")
	claims.Role = ""
	id, err := a.Authenticate(context.Background(), signToken(t, claims), "10.0.0.1")
	require.NoError(t, err)
	assert.Equal(t, RoleUser, id.Role)
	assert.False(t, id.IsAdmin())
}

func TestAuthenticate_PermissionsClaim(t *testing.T) {
	a := newTestAuthenticator(t, config.Config{}, &fakeAuthority{verdict: upstream.VerdictValid})

	claims := validClaims("42")
	claims.Permissions = []string{PermissionICEAdmin}
	id, err := a.Authenticate(context.Background(), signToken(t, claims), "10.0.0.1")
	require.NoError(t, err)
	assert.True(t, id.HasPermission(PermissionICEAdmin))
	assert.False(t, id.HasPermission("calls:purge"))

	// The admin role implies every permission.
	claims = validClaims("43")
	claims.Role = RoleAdmin
	claims.Permissions = nil
	id, err = a.Authenticate(context.Background(), signToken(t, claims), "10.0.0.1")
	require.NoError(t, err)
	assert.True(t, id.HasPermission(PermissionICEAdmin))
}
