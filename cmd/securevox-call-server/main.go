package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"runtime/debug"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/securevox/call-server/internal/auth"
	"github.com/securevox/call-server/internal/call"
	"github.com/securevox/call-server/internal/config"
	"github.com/securevox/call-server/internal/httpserver"
	"github.com/securevox/call-server/internal/ice"
	"github.com/securevox/call-server/internal/keys"
	"github.com/securevox/call-server/internal/metrics"
	"github.com/securevox/call-server/internal/signaling"
	"github.com/securevox/call-server/internal/upstream"
)

var (
	// Set via -ldflags at build time. Values may be empty in local/dev builds.
	buildCommit = ""
	buildTime   = ""
)

func main() {
	// A missing .env file is fine; real deployments set the environment
	// directly.
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	logger, err := config.NewLogger(cfg)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	slog.SetDefault(logger)

	m := metrics.New()

	issuer, err := ice.NewIssuer(cfg, m)
	if err != nil {
		logger.Error("failed to configure ice issuer", "err", err)
		os.Exit(2)
	}

	var authority upstream.IdentityAuthority
	var notify upstream.NotificationGateway = upstream.NoopNotificationGateway{}
	var history upstream.HistoryStore = upstream.NoopHistoryStore{}
	if cfg.AuthServiceURL != "" {
		authority = upstream.NewHTTPIdentityAuthority(cfg.AuthServiceURL, cfg.AuthServiceAPIKey, cfg.UpstreamTimeout, logger)
	}
	if cfg.NotifyServiceURL != "" {
		notify = upstream.NewHTTPNotificationGateway(cfg.NotifyServiceURL, cfg.NotifyServiceToken, cfg.UpstreamTimeout, logger)
	}
	if cfg.HistoryServiceURL != "" {
		history = upstream.NewHTTPHistoryStore(cfg.HistoryServiceURL, cfg.HistoryServiceToken, cfg.UpstreamTimeout, logger)
	}

	hub := signaling.NewHub(cfg.MaxConnsPerUser, m, logger)
	coordinator := keys.NewCoordinator(cfg.KeyRotationInterval, hub.DeliverKeys, m, logger, keys.Options{})
	registry := call.NewRegistry(cfg, call.Deps{
		Keys:    coordinator,
		Notify:  notify,
		History: history,
		ICE:     issuer,
		Metrics: m,
		Logger:  logger,
	})
	registry.SetEventSink(hub)

	router := signaling.NewRouter(registry, coordinator, hub, logger)
	authenticator := auth.NewAuthenticator(cfg, authority, m, logger, auth.AuthenticatorOptions{})

	logger.Info("starting securevox-call-server",
		"listen_addr", cfg.ListenAddr,
		"mode", cfg.Mode,
		"auth_fail_policy", cfg.AuthFailPolicy,
		"auth_service_set", cfg.AuthServiceURL != "",
		"notify_service_set", cfg.NotifyServiceURL != "",
		"history_service_set", cfg.HistoryServiceURL != "",
		"turn_enabled", issuer.TURNEnabled(),
		"max_concurrent_calls", cfg.MaxConcurrentCalls,
		"max_calls_per_user", cfg.MaxCallsPerUser,
		"ring_timeout", cfg.RingTimeout,
		"key_rotation_interval", cfg.KeyRotationInterval,
	)

	logStartupSecurityWarnings(logger, cfg)

	ln, err := net.Listen("tcp", cfg.ListenAddr)
	if err != nil {
		logger.Error("failed to listen", "err", err)
		os.Exit(1)
	}

	commit, built := resolveBuildInfo(buildCommit, buildTime)
	srv := httpserver.New(cfg, httpserver.Deps{
		Registry:      registry,
		Keys:          coordinator,
		Hub:           hub,
		Router:        router,
		Authenticator: authenticator,
		Issuer:        issuer,
		History:       history,
		Metrics:       m,
		Logger:        logger,
		Build:         httpserver.BuildInfo{Commit: commit, BuildTime: built},
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Background maintenance: session sweeping and auth limiter pruning.
	go registry.Run(ctx)
	go pruneAuthLimiter(ctx, authenticator, cfg.AuthRateWindow)

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Serve(ln)
	}()

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server exited", "err", err)
			os.Exit(1)
		}
		return
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()

	// Terminate live calls first so clients get call:ended before the
	// listener stops accepting writes.
	registry.Shutdown(shutdownCtx)

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("http server shutdown failed", "err", err)
	}

	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error("http server exited after shutdown", "err", err)
		os.Exit(1)
	}
}

func pruneAuthLimiter(ctx context.Context, a *auth.Authenticator, window time.Duration) {
	if window <= 0 {
		return
	}
	ticker := time.NewTicker(window)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			a.PruneLimiter()
		}
	}
}

func resolveBuildInfo(commit, built string) (string, string) {
	// Prefer ldflags-injected values (production builds) but fall back to the
	// Go build info when available (useful for `go run` / dev builds).
	if bi, ok := debug.ReadBuildInfo(); ok {
		for _, s := range bi.Settings {
			switch s.Key {
			case "vcs.revision":
				if commit == "" {
					commit = s.Value
				}
			case "vcs.time":
				if built == "" {
					built = s.Value
				}
			}
		}
	}
	return commit, built
}
