package main

import (
	"log/slog"

	"github.com/securevox/call-server/internal/config"
)

func logStartupSecurityWarnings(logger *slog.Logger, cfg config.Config) {
	if logger == nil {
		logger = slog.Default()
	}

	if cfg.AuthFailPolicy == config.AuthFailOpen {
		logger.Warn("startup security warning: AUTH_FAIL_POLICY=fail_open accepts tokens when the auth service is unreachable (revoked tokens may keep working)",
			"warning_code", "auth_fail_open",
			"auth_fail_policy", cfg.AuthFailPolicy,
			"mode", cfg.Mode,
		)
	}

	if cfg.AuthServiceURL == "" {
		logger.Warn("startup security warning: AUTH_SERVICE_URL is unset; token revocation is not checked",
			"warning_code", "auth_service_unset",
			"mode", cfg.Mode,
		)
	}

	if containsString(cfg.AllowedOrigins, "*") {
		logger.Warn("startup security warning: ALLOWED_ORIGINS contains '*' (allows any origin)",
			"warning_code", "allowed_origins_wildcard",
			"allowed_origins", cfg.AllowedOrigins,
			"mode", cfg.Mode,
		)
	}

	if len(cfg.TURNURLs) > 0 && !cfg.TURNREST.Enabled() {
		logger.Warn("startup security warning: TURN_URLS set without TURN_REST_SHARED_SECRET; TURN servers will not be offered to clients",
			"warning_code", "turn_without_shared_secret",
			"turn_urls", len(cfg.TURNURLs),
			"mode", cfg.Mode,
		)
	}

	if cfg.Mode == config.ModeProd && cfg.MaxConcurrentCalls <= 0 {
		logger.Warn("startup security warning: MAX_CONCURRENT_CALLS is unset/0 (unlimited) while MODE=prod",
			"warning_code", "max_concurrent_calls_unlimited_in_prod",
			"max_concurrent_calls", cfg.MaxConcurrentCalls,
			"mode", cfg.Mode,
		)
	}

	if cfg.KeyRotationInterval <= 0 {
		logger.Warn("startup security warning: KEY_ROTATION_INTERVAL is unset/0; media keys rotate only on membership changes",
			"warning_code", "key_rotation_disabled",
			"mode", cfg.Mode,
		)
	}
}

func containsString(values []string, want string) bool {
	for _, v := range values {
		if v == want {
			return true
		}
	}
	return false
}
