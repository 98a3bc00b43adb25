package auth

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/securevox/call-server/internal/config"
	"github.com/securevox/call-server/internal/metrics"
	"github.com/securevox/call-server/internal/ratelimit"
	"github.com/securevox/call-server/internal/upstream"
)

// Authenticator is the single gate for bearer tokens: local signature check,
// per-IP attempt limiting, then the authority's revocation verdict.
type Authenticator struct {
	verifier  tokenVerifier
	authority upstream.IdentityAuthority
	policy    config.AuthFailPolicy
	timeout   time.Duration
	limiter   *ratelimit.SlidingWindow
	metrics   *metrics.Metrics
	logger    *slog.Logger
}

type AuthenticatorOptions struct {
	// Now overrides the clock used for token validation; nil means time.Now.
	Now func() time.Time
	// Limiter overrides the per-IP attempt limiter; nil builds one from cfg.
	Limiter *ratelimit.SlidingWindow
}

func NewAuthenticator(cfg config.Config, authority upstream.IdentityAuthority, m *metrics.Metrics, logger *slog.Logger, opts AuthenticatorOptions) *Authenticator {
	limiter := opts.Limiter
	if limiter == nil {
		limiter = ratelimit.NewSlidingWindow(nil, cfg.AuthRateWindow, cfg.AuthRateMax)
	}
	if authority == nil {
		authority = upstream.NoopIdentityAuthority{}
	}
	return &Authenticator{
		verifier:  newTokenVerifier(cfg.JWTSecret, opts.Now),
		authority: authority,
		policy:    cfg.AuthFailPolicy,
		timeout:   cfg.AuthTimeout,
		limiter:   limiter,
		metrics:   m,
		logger:    logger,
	}
}

// Authenticate validates rawToken for a request arriving from remoteIP.
// Failed attempts count against the IP's sliding-window budget; successful
// ones do not lock out subsequent requests.
func (a *Authenticator) Authenticate(ctx context.Context, rawToken, remoteIP string) (Identity, error) {
	if !a.limiter.Allow(remoteIP) {
		a.metrics.Inc(metrics.RateLimited)
		return Identity{}, ErrRateLimited
	}

	id, err := a.verifier.verify(rawToken)
	if err != nil {
		a.metrics.Inc(metrics.AuthFailure)
		return Identity{}, err
	}

	checkCtx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()

	verdict, err := a.authority.CheckToken(checkCtx, rawToken)
	if err != nil {
		if a.policy == config.AuthFailOpen {
			a.logger.Warn("identity authority unreachable, accepting locally-verified token",
				"user_id", id.UserID, "error", err)
			id.Degraded = true
			return id, nil
		}
		a.metrics.Inc(metrics.AuthFailure)
		return Identity{}, fmt.Errorf("%w: %w", ErrUpstreamUnavailable, err)
	}
	if verdict == upstream.VerdictRevoked {
		a.metrics.Inc(metrics.AuthFailure)
		a.logger.Info("rejected revoked token", "user_id", id.UserID)
		return Identity{}, ErrRevoked
	}

	return id, nil
}

// PruneLimiter drops idle rate-limit keys. Run periodically.
func (a *Authenticator) PruneLimiter() { a.limiter.Prune() }

// TokenFromRequest extracts a bearer token from the Authorization header, the
// "token" query parameter, or the Sec-WebSocket-Protocol subprotocol list, in
// that order. Browsers cannot set headers on WebSocket upgrades, hence the
// fallbacks.
func TokenFromRequest(r *http.Request) string {
	if h := r.Header.Get("Authorization"); h != "" {
		if tok, ok := strings.CutPrefix(h, "Bearer "); ok {
			return strings.TrimSpace(tok)
		}
	}
	if tok := r.URL.Query().Get("token"); tok != "" {
		return tok
	}
	for _, proto := range r.Header.Values("Sec-WebSocket-Protocol") {
		for _, p := range strings.Split(proto, ",") {
			p = strings.TrimSpace(p)
			if tok, ok := strings.CutPrefix(p, "bearer."); ok && tok != "" {
				return tok
			}
		}
	}
	return ""
}
