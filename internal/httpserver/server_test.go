package httpserver

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/securevox/call-server/internal/auth"
	"github.com/securevox/call-server/internal/call"
	"github.com/securevox/call-server/internal/config"
	"github.com/securevox/call-server/internal/ice"
	"github.com/securevox/call-server/internal/keys"
	"github.com/securevox/call-server/internal/metrics"
	"github.com/securevox/call-server/internal/signaling"
	"github.com/securevox/call-server/internal/upstream"
)

const testSecret = "server-test-secret-0123456789abcdef"

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func signToken(t *testing.T, userID, deviceID, role string) string {
	return signTokenPerms(t, userID, deviceID, role, nil)
}

func signTokenPerms(t *testing.T, userID, deviceID, role string, perms []string) string {
	t.Helper()
	claims := auth.Claims{
		UserID:      userID,
		DeviceID:    deviceID,
		Email:       userID + "@example.com",
		Role:        role,
		Permissions: perms,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
			IssuedAt:  jwt.NewNumericDate(time.Now()),
		},
	}
	raw, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(testSecret))
	require.NoError(t, err)
	return raw
}

type fakeHistoryStore struct {
	upstream.NoopHistoryStore
	records []upstream.CallRecord
	err     error
}

func (f *fakeHistoryStore) History(_ context.Context, userID string, limit int) ([]upstream.CallRecord, error) {
	if f.err != nil {
		return nil, f.err
	}
	if limit < len(f.records) {
		return f.records[:limit], nil
	}
	return f.records, nil
}

type serverFixture struct {
	srv      *Server
	registry *call.Registry
	history  *fakeHistoryStore
}

func testConfig() config.Config {
	return config.Config{
		JWTSecret:      testSecret,
		AllowedOrigins: []string{"https://app.securevox.example"},
		AuthRateWindow: time.Minute,
		AuthRateMax:    100,
		RingTimeout:    time.Hour,
		SessionTimeout: time.Hour,
		SessionSweep:   time.Hour,
		TURNURLs:       []string{"turn:turn.securevox.example:3478"},
		TURNREST: config.TurnRESTConfig{
			SharedSecret: "turn-shared-secret",
			TTLSeconds:   600,
		},
	}
}

func newTestServer(t *testing.T, mutate func(*config.Config)) *serverFixture {
	t.Helper()
	cfg := testConfig()
	if mutate != nil {
		mutate(&cfg)
	}

	logger := discardLogger()
	m := metrics.New()
	issuer, err := ice.NewIssuer(cfg, m)
	require.NoError(t, err)
	registry := call.NewRegistry(cfg, call.Deps{Metrics: m, Logger: logger, ICE: issuer})
	coordinator := keys.NewCoordinator(0, nil, m, logger, keys.Options{})
	hub := signaling.NewHub(cfg.MaxConnsPerUser, m, logger)
	router := signaling.NewRouter(registry, coordinator, hub, logger)
	authenticator := auth.NewAuthenticator(cfg, nil, m, logger, auth.AuthenticatorOptions{})
	history := &fakeHistoryStore{}

	srv := New(cfg, Deps{
		Registry:      registry,
		Keys:          coordinator,
		Hub:           hub,
		Router:        router,
		Authenticator: authenticator,
		Issuer:        issuer,
		History:       history,
		Metrics:       m,
		Logger:        logger,
		Build:         BuildInfo{Commit: "deadbeef", BuildTime: "2026-01-01T00:00:00Z"},
	})
	return &serverFixture{srv: srv, registry: registry, history: history}
}

func (f *serverFixture) do(t *testing.T, method, path, token string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var rdr io.Reader
	if body != nil {
		buf, err := json.Marshal(body)
		require.NoError(t, err)
		rdr = bytes.NewReader(buf)
	}
	req := httptest.NewRequest(method, path, rdr)
	req.RemoteAddr = "203.0.113.10:54321"
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	f.srv.Handler().ServeHTTP(rec, req)
	return rec
}

func decodeResponse[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), "body: %s", rec.Body.String())
	return v
}

func errorCodeOf(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	return decodeResponse[apiError](t, rec).Code
}

func TestOperationalEndpoints(t *testing.T) {
	f := newTestServer(t, nil)

	rec := f.do(t, http.MethodGet, "/healthz", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	// Not ready until Serve is called.
	rec = f.do(t, http.MethodGet, "/readyz", "", nil)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	f.srv.ready.Store(true)
	rec = f.do(t, http.MethodGet, "/readyz", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = f.do(t, http.MethodGet, "/version", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "deadbeef", decodeResponse[BuildInfo](t, rec).Commit)

	rec = f.do(t, http.MethodGet, "/metrics", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "securevox_call_server_events_total")
}

func TestAPIRequiresToken(t *testing.T) {
	f := newTestServer(t, nil)

	rec := f.do(t, http.MethodGet, "/api/calls/active", "", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, signaling.CodeUnauthorized, errorCodeOf(t, rec))

	rec = f.do(t, http.MethodGet, "/api/calls/active", "not-a-jwt", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestCreateCall(t *testing.T) {
	f := newTestServer(t, nil)
	token := signToken(t, "alice", "phone", "")

	rec := f.do(t, http.MethodPost, "/api/calls/create", token,
		map[string]any{"callee_id": "bob", "media_kind": "video"})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	snap := decodeResponse[call.Snapshot](t, rec)
	assert.NotEmpty(t, snap.ID)
	assert.Equal(t, "alice", snap.CallerID)
	assert.Equal(t, "bob", snap.CalleeID)
	assert.Equal(t, call.StatusRinging, snap.Status)
	assert.Equal(t, call.MediaVideo, snap.MediaKind)

	// The caller's STUN/TURN list rides along so the client can start
	// gathering candidates without a second round trip.
	require.NotEmpty(t, snap.ICEServers)
	assert.NotEmpty(t, snap.ICEServers[0].Username)
}

func TestCreateCallValidation(t *testing.T) {
	f := newTestServer(t, nil)
	token := signToken(t, "alice", "phone", "")

	rec := f.do(t, http.MethodPost, "/api/calls/create", token,
		map[string]any{"media_kind": "audio"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, signaling.CodeValidation, errorCodeOf(t, rec))

	rec = f.do(t, http.MethodPost, "/api/calls/create", token,
		map[string]any{"callee_id": "bob", "media_kind": "hologram"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = f.do(t, http.MethodPost, "/api/calls/create", token,
		map[string]any{"callee_id": "alice"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	// Unknown fields are rejected rather than silently dropped.
	rec = f.do(t, http.MethodPost, "/api/calls/create", token,
		map[string]any{"callee_id": "bob", "surprise": true})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestAnswerAndEndCall(t *testing.T) {
	f := newTestServer(t, nil)
	alice := signToken(t, "alice", "phone", "")
	bob := signToken(t, "bob", "tablet", "")

	rec := f.do(t, http.MethodPost, "/api/calls/create", alice,
		map[string]any{"callee_id": "bob"})
	require.Equal(t, http.StatusCreated, rec.Code)
	sessionID := decodeResponse[call.Snapshot](t, rec).ID

	// Only the invited callee may answer.
	carol := signToken(t, "carol", "phone", "")
	rec = f.do(t, http.MethodPost, "/api/calls/answer", carol,
		map[string]any{"session_id": sessionID})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = f.do(t, http.MethodPost, "/api/calls/answer", bob,
		map[string]any{"session_id": sessionID})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, call.StatusConnecting, decodeResponse[call.Snapshot](t, rec).Status)

	rec = f.do(t, http.MethodPost, "/api/calls/end", alice,
		map[string]any{"session_id": sessionID})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, call.StatusEnded, decodeResponse[call.Snapshot](t, rec).Status)

	// The first hang-up released the session, so a second one misses.
	rec = f.do(t, http.MethodPost, "/api/calls/end", alice,
		map[string]any{"session_id": sessionID})
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, signaling.CodeNotFound, errorCodeOf(t, rec))
}

func TestRejectCall(t *testing.T) {
	f := newTestServer(t, nil)
	alice := signToken(t, "alice", "phone", "")
	bob := signToken(t, "bob", "tablet", "")

	rec := f.do(t, http.MethodPost, "/api/calls/create", alice,
		map[string]any{"callee_id": "bob"})
	require.Equal(t, http.StatusCreated, rec.Code)
	sessionID := decodeResponse[call.Snapshot](t, rec).ID

	// Markup in the reason is stripped before it reaches the registry.
	rec = f.do(t, http.MethodPost, "/api/calls/reject", bob,
		map[string]any{"session_id": sessionID, "reason": "busy <script>steal()</script>"})
	require.Equal(t, http.StatusOK, rec.Code)
	snap := decodeResponse[call.Snapshot](t, rec)
	assert.Equal(t, call.StatusRejected, snap.Status)
	assert.Equal(t, "busy", snap.EndReason)
}

func TestEndUnknownSession(t *testing.T) {
	f := newTestServer(t, nil)
	token := signToken(t, "alice", "phone", "")

	rec := f.do(t, http.MethodPost, "/api/calls/end", token,
		map[string]any{"session_id": "no-such-session"})
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, signaling.CodeNotFound, errorCodeOf(t, rec))
}

func TestActiveCalls(t *testing.T) {
	f := newTestServer(t, nil)
	alice := signToken(t, "alice", "phone", "")
	bob := signToken(t, "bob", "tablet", "")

	rec := f.do(t, http.MethodGet, "/api/calls/active", alice, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, decodeResponse[map[string][]call.Snapshot](t, rec)["calls"])

	rec = f.do(t, http.MethodPost, "/api/calls/create", alice,
		map[string]any{"callee_id": "bob"})
	require.Equal(t, http.StatusCreated, rec.Code)

	for _, token := range []string{alice, bob} {
		rec = f.do(t, http.MethodGet, "/api/calls/active", token, nil)
		require.Equal(t, http.StatusOK, rec.Code)
		assert.Len(t, decodeResponse[map[string][]call.Snapshot](t, rec)["calls"], 1)
	}
}

func TestCallHistory(t *testing.T) {
	f := newTestServer(t, nil)
	token := signToken(t, "alice", "phone", "")
	f.history.records = []upstream.CallRecord{
		{SessionID: "s1", CallerID: "alice", CalleeID: "bob", Status: "ended"},
		{SessionID: "s2", CallerID: "carol", CalleeID: "alice", Status: "missed"},
	}

	rec := f.do(t, http.MethodGet, "/api/calls/history", token, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decodeResponse[map[string][]upstream.CallRecord](t, rec)["calls"], 2)

	rec = f.do(t, http.MethodGet, "/api/calls/history?limit=1", token, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decodeResponse[map[string][]upstream.CallRecord](t, rec)["calls"], 1)

	rec = f.do(t, http.MethodGet, "/api/calls/history?limit=zero", token, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	f.history.err = upstream.ErrUnavailable
	rec = f.do(t, http.MethodGet, "/api/calls/history", token, nil)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, signaling.CodeUpstream, errorCodeOf(t, rec))
}

func TestCallStatsAccess(t *testing.T) {
	f := newTestServer(t, nil)
	alice := signToken(t, "alice", "phone", "")
	outsider := signToken(t, "mallory", "phone", "")
	admin := signToken(t, "root", "console", auth.RoleAdmin)

	rec := f.do(t, http.MethodPost, "/api/calls/create", alice,
		map[string]any{"callee_id": "bob"})
	require.Equal(t, http.StatusCreated, rec.Code)
	sessionID := decodeResponse[call.Snapshot](t, rec).ID

	rec = f.do(t, http.MethodGet, "/api/calls/"+sessionID+"/stats", alice, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	stats := decodeResponse[callStats](t, rec)
	assert.Equal(t, sessionID, stats.Session.ID)
	assert.Equal(t, 1, stats.Participants)

	rec = f.do(t, http.MethodGet, "/api/calls/"+sessionID+"/stats", outsider, nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = f.do(t, http.MethodGet, "/api/calls/"+sessionID+"/stats", admin, nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestICEServers(t *testing.T) {
	f := newTestServer(t, nil)
	token := signToken(t, "alice", "phone", "")

	rec := f.do(t, http.MethodGet, "/api/ice/servers", token, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	resp := decodeResponse[iceServersResponse](t, rec)
	require.Len(t, resp.ICEServers, 1)
	assert.NotEmpty(t, resp.ICEServers[0].Username)
	assert.Equal(t, int64(600), resp.TTLSeconds)
}

func TestICEServersSTUNOnly(t *testing.T) {
	f := newTestServer(t, func(cfg *config.Config) {
		cfg.TURNREST = config.TurnRESTConfig{}
		cfg.TURNURLs = nil
	})
	token := signToken(t, "alice", "phone", "")

	rec := f.do(t, http.MethodGet, "/api/ice/servers", token, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	resp := decodeResponse[iceServersResponse](t, rec)
	assert.Empty(t, resp.ICEServers)
	assert.Zero(t, resp.TTLSeconds)
}

func TestICETest(t *testing.T) {
	f := newTestServer(t, nil)
	token := signToken(t, "alice", "phone", "")

	rec := f.do(t, http.MethodPost, "/api/ice/test", token,
		map[string]any{"urls": []string{"stun:stun.example.com:3478", "bogus"}})
	require.Equal(t, http.StatusOK, rec.Code)
	resp := decodeResponse[map[string][]ice.TestResult](t, rec)
	require.Len(t, resp["results"], 2)
	assert.Equal(t, "configured", resp["results"][0].Status)
	assert.Equal(t, "invalid", resp["results"][1].Status)

	rec = f.do(t, http.MethodPost, "/api/ice/test", token,
		map[string]any{"urls": []string{}})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestICEStatsPermission(t *testing.T) {
	f := newTestServer(t, nil)
	user := signToken(t, "alice", "phone", "")
	operator := signTokenPerms(t, "oscar", "console", "", []string{auth.PermissionICEAdmin})
	admin := signToken(t, "root", "console", auth.RoleAdmin)

	rec := f.do(t, http.MethodGet, "/api/ice/stats", user, nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	// A scoped permission claim opens the gate without the admin role.
	rec = f.do(t, http.MethodGet, "/api/ice/stats", operator, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "turn_enabled")

	rec = f.do(t, http.MethodGet, "/api/ice/stats", admin, nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestSanitizeBodyMiddleware(t *testing.T) {
	f := newTestServer(t, nil)

	var got map[string]any
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusOK)
	})
	h := f.srv.sanitizeBody(next)

	body := `{"reason":"busy <script>steal()</script>","options":{"note":"a<b>"}}`
	req := httptest.NewRequest(http.MethodPost, "/api/calls/reject", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "busy", got["reason"])
	assert.Equal(t, "ab", got["options"].(map[string]any)["note"])
}

func TestOriginPolicy(t *testing.T) {
	f := newTestServer(t, nil)
	token := signToken(t, "alice", "phone", "")

	req := httptest.NewRequest(http.MethodGet, "/api/calls/active", nil)
	req.RemoteAddr = "203.0.113.10:54321"
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Origin", "https://evil.example")
	rec := httptest.NewRecorder()
	f.srv.Handler().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	req = httptest.NewRequest(http.MethodGet, "/api/calls/active", nil)
	req.RemoteAddr = "203.0.113.10:54321"
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Origin", "https://app.securevox.example")
	rec = httptest.NewRecorder()
	f.srv.Handler().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "https://app.securevox.example", rec.Header().Get("Access-Control-Allow-Origin"))

	// Preflight short-circuits before auth.
	req = httptest.NewRequest(http.MethodOptions, "/api/calls/active", nil)
	req.RemoteAddr = "203.0.113.10:54321"
	req.Header.Set("Origin", "https://app.securevox.example")
	req.Header.Set("Access-Control-Request-Method", http.MethodGet)
	rec = httptest.NewRecorder()
	f.srv.Handler().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, "GET,POST,OPTIONS", rec.Header().Get("Access-Control-Allow-Methods"))
}

func TestTokenViaQueryParam(t *testing.T) {
	f := newTestServer(t, nil)
	token := signToken(t, "alice", "phone", "")

	req := httptest.NewRequest(http.MethodGet, "/api/calls/active?token="+token, nil)
	req.RemoteAddr = "203.0.113.10:54321"
	rec := httptest.NewRecorder()
	f.srv.Handler().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
}
