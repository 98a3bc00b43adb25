// Package ice assembles the STUN/TURN server lists handed to clients at call
// setup. STUN servers are static configuration; TURN servers get ephemeral
// per-(user, device) credentials derived via the TURN REST convention.
package ice

import (
	"fmt"
	"strings"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/securevox/call-server/internal/config"
	"github.com/securevox/call-server/internal/metrics"
)

type Issuer struct {
	stunServers []webrtc.ICEServer
	turnURLs    []string
	gen         *credentialGenerator
	metrics     *metrics.Metrics
}

// NewIssuer builds an Issuer from config. TURN issuance is enabled only when
// a TURN REST shared secret is configured; otherwise only the static STUN
// list is returned to clients.
func NewIssuer(cfg config.Config, m *metrics.Metrics) (*Issuer, error) {
	iss := &Issuer{
		stunServers: cfg.ICEServers,
		turnURLs:    cfg.TURNURLs,
		metrics:     m,
	}
	if cfg.TURNREST.Enabled() {
		gen, err := newCredentialGenerator(cfg.TURNREST.SharedSecret, cfg.TURNREST.TTLSeconds, nil)
		if err != nil {
			return nil, fmt.Errorf("turn rest: %w", err)
		}
		iss.gen = gen
	}
	return iss, nil
}

// TURNEnabled reports whether ephemeral TURN credentials are configured.
func (iss *Issuer) TURNEnabled() bool { return iss.gen != nil }

// TTL returns the credential lifetime, zero when TURN is disabled.
func (iss *Issuer) TTL() time.Duration {
	if iss.gen == nil {
		return 0
	}
	return time.Duration(iss.gen.ttlSeconds) * time.Second
}

// Servers returns the full ICE server list for one user/device: the static
// STUN set plus, when configured, TURN servers carrying freshly derived
// time-limited credentials.
func (iss *Issuer) Servers(userID, deviceID string) ([]webrtc.ICEServer, error) {
	// Copy so callers can't mutate the shared config slice.
	out := make([]webrtc.ICEServer, len(iss.stunServers))
	copy(out, iss.stunServers)

	if iss.gen == nil || len(iss.turnURLs) == 0 {
		return out, nil
	}

	creds, err := iss.gen.Generate(userID, deviceID)
	if err != nil {
		return nil, fmt.Errorf("generate turn credentials: %w", err)
	}
	iss.metrics.Inc(metrics.TURNCredentialsIssued)

	out = append(out, webrtc.ICEServer{
		URLs:       append([]string(nil), iss.turnURLs...),
		Username:   creds.Username,
		Credential: creds.Credential,
	})
	return out, nil
}

// TestResult describes the outcome of a client-requested reachability probe
// of a single ICE URL. Probing is syntactic only: the server validates the
// URL rather than opening sockets toward arbitrary destinations.
type TestResult struct {
	URL    string `json:"url"`
	Status string `json:"status"`
	Error  string `json:"error,omitempty"`
}

func (iss *Issuer) Test(urls []string) []TestResult {
	results := make([]TestResult, 0, len(urls))
	for _, raw := range urls {
		url := strings.TrimSpace(raw)
		result := TestResult{URL: url}
		switch {
		case url == "":
			result.Status = "invalid"
			result.Error = "empty url"
		case strings.HasPrefix(url, "stun:"), strings.HasPrefix(url, "stuns:"):
			result.Status = "configured"
		case strings.HasPrefix(url, "turn:"), strings.HasPrefix(url, "turns:"):
			if iss.gen == nil {
				result.Status = "unavailable"
				result.Error = "turn credentials not configured"
			} else {
				result.Status = "configured"
			}
		default:
			result.Status = "invalid"
			result.Error = "unsupported scheme"
		}
		results = append(results, result)
	}
	return results
}

// Stats summarizes issuance activity for the admin endpoint.
type Stats struct {
	STUNServers       int    `json:"stun_servers"`
	TURNURLs          int    `json:"turn_urls"`
	TURNEnabled       bool   `json:"turn_enabled"`
	TTLSeconds        int64  `json:"ttl_seconds,omitempty"`
	CredentialsIssued uint64 `json:"credentials_issued"`
}

func (iss *Issuer) Stats() Stats {
	s := Stats{
		STUNServers:       len(iss.stunServers),
		TURNURLs:          len(iss.turnURLs),
		TURNEnabled:       iss.gen != nil,
		CredentialsIssued: iss.metrics.Get(metrics.TURNCredentialsIssued),
	}
	if iss.gen != nil {
		s.TTLSeconds = iss.gen.ttlSeconds
	}
	return s
}
