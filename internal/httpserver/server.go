// Package httpserver assembles the REST surface, the WebSocket signaling
// endpoint, and the operational endpoints into one http.Server.
package httpserver

import (
	"context"
	"encoding/json"
	"log/slog"
	"net"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/securevox/call-server/internal/auth"
	"github.com/securevox/call-server/internal/call"
	"github.com/securevox/call-server/internal/config"
	"github.com/securevox/call-server/internal/ice"
	"github.com/securevox/call-server/internal/keys"
	"github.com/securevox/call-server/internal/metrics"
	"github.com/securevox/call-server/internal/signaling"
	"github.com/securevox/call-server/internal/upstream"
)

var ErrServerClosed = http.ErrServerClosed

type BuildInfo struct {
	Commit    string `json:"commit"`
	BuildTime string `json:"buildTime"`
}

// Deps are the server's collaborators, wired up in cmd.
type Deps struct {
	Registry      *call.Registry
	Keys          *keys.Coordinator
	Hub           *signaling.Hub
	Router        *signaling.Router
	Authenticator *auth.Authenticator
	Issuer        *ice.Issuer
	History       upstream.HistoryStore
	Metrics       *metrics.Metrics
	Logger        *slog.Logger
	Build         BuildInfo
}

type Server struct {
	log     *slog.Logger
	cfg     config.Config
	deps    Deps
	ready   atomic.Bool
	handler http.Handler
	srv     *http.Server
}

func New(cfg config.Config, deps Deps) *Server {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	s := &Server{
		log:  deps.Logger,
		cfg:  cfg,
		deps: deps,
	}

	r := chi.NewRouter()
	r.Use(s.recoverer)
	r.Use(requestID)
	r.Use(s.requestLogger)

	// Operational endpoints: no auth, no origin policy. Load balancers and
	// scrapers don't send Origin headers.
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
	})
	r.Get("/readyz", func(w http.ResponseWriter, _ *http.Request) {
		if !s.ready.Load() {
			writeJSON(w, http.StatusServiceUnavailable, map[string]any{"ready": false})
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"ready": true})
	})
	r.Get("/version", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, deps.Build)
	})
	if deps.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", metrics.PrometheusHandler(deps.Metrics))
	}

	// The signaling socket authenticates itself before upgrading; origin
	// enforcement happens in the upgrader's CheckOrigin.
	ws := signaling.NewWebSocketServer(cfg, deps.Authenticator, deps.Hub, deps.Router, s.checkWSOrigin, deps.Logger)
	r.Get("/ws", ws.ServeHTTP)

	r.Route("/api", func(api chi.Router) {
		api.Use(s.originPolicy)
		api.Use(s.authenticate)
		api.Use(s.sanitizeBody)

		api.Route("/calls", func(calls chi.Router) {
			calls.Post("/create", s.handleCreateCall)
			calls.Post("/group", s.handleCreateGroupCall)
			calls.Post("/answer", s.handleAnswerCall)
			calls.Post("/reject", s.handleRejectCall)
			calls.Post("/end", s.handleEndCall)
			calls.Get("/active", s.handleActiveCalls)
			calls.Get("/history", s.handleCallHistory)
			calls.Get("/{sessionID}/stats", s.handleCallStats)
		})

		api.Route("/ice", func(iceR chi.Router) {
			iceR.Get("/servers", s.handleICEServers)
			iceR.Post("/test", s.handleICETest)
			iceR.With(s.requirePermission(auth.PermissionICEAdmin)).Get("/stats", s.handleICEStats)
		})
	})

	s.handler = r
	s.srv = &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
		// No global write timeout: /ws connections are long-lived.
	}
	return s
}

// Handler exposes the routed handler for tests.
func (s *Server) Handler() http.Handler { return s.handler }

func (s *Server) Serve(l net.Listener) error {
	s.ready.Store(true)
	s.log.Info("http server serving", "addr", l.Addr().String())
	return s.srv.Serve(l)
}

func (s *Server) ListenAndServe() error {
	s.ready.Store(true)
	s.log.Info("http server serving", "addr", s.cfg.ListenAddr)
	return s.srv.ListenAndServe()
}

func (s *Server) Shutdown(ctx context.Context) error {
	s.ready.Store(false)
	return s.srv.Shutdown(ctx)
}

func (s *Server) Close() error {
	s.ready.Store(false)
	return s.srv.Close()
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(true)
	_ = enc.Encode(v)
}

// apiError is the REST error body, sharing machine codes with the signaling
// error events.
type apiError struct {
	Code    string `json:"error"`
	Message string `json:"message"`
}

func writeError(w http.ResponseWriter, err error) {
	code := signaling.ErrorCode(err)
	msg := err.Error()
	if code == signaling.CodeInternal {
		msg = "internal error"
	}
	writeJSON(w, httpStatus(code), apiError{Code: code, Message: msg})
}

func httpStatus(code string) int {
	switch code {
	case signaling.CodeValidation:
		return http.StatusBadRequest
	case signaling.CodeUnauthorized:
		return http.StatusUnauthorized
	case signaling.CodeNotFound:
		return http.StatusNotFound
	case signaling.CodeStateConflict, signaling.CodeUserOffline:
		return http.StatusConflict
	case signaling.CodeCapacity, signaling.CodeRateLimited:
		return http.StatusTooManyRequests
	case signaling.CodeUpstream:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
