package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/pion/webrtc/v4"
)

// Fallback STUN set used when no ICE configuration is supplied. Public STUN is
// safe to ship as a default; TURN always requires explicit configuration.
var defaultSTUNURLs = []string{
	"stun:stun.l.google.com:19302",
	"stun:stun1.l.google.com:19302",
	"stun:stun2.l.google.com:19302",
}

// parseICEServersFromValues builds the client-facing ICE server list plus the
// set of TURN URLs that receive ephemeral TURN REST credentials per request.
//
// ICE_SERVERS_JSON takes precedence; otherwise STUN_URLS/TURN_URLS are used.
// TURN URLs are returned separately and never carry static credentials: the
// issuer injects time-limited credentials per (user, device).
func parseICEServersFromValues(iceServersJSON, stunURLs, turnURLs string) ([]webrtc.ICEServer, []string, error) {
	if raw := strings.TrimSpace(iceServersJSON); raw != "" {
		servers, err := ParseICEServersJSON(raw)
		if err != nil {
			return nil, nil, fmt.Errorf("%s: %w", envVarICEServersJSON, err)
		}
		return splitTURNURLs(servers)
	}

	stunList := splitCommaSeparated(stunURLs)
	if len(stunList) == 0 {
		stunList = defaultSTUNURLs
	}
	servers := make([]webrtc.ICEServer, 0, len(stunList))
	for _, url := range stunList {
		if !isAllowedICEScheme(url) {
			return nil, nil, fmt.Errorf("%s: unsupported url scheme: %q", envVarStunURLs, url)
		}
		servers = append(servers, webrtc.ICEServer{URLs: []string{url}})
	}

	turnList := splitCommaSeparated(turnURLs)
	for _, url := range turnList {
		if !isTURNURL(url) {
			return nil, nil, fmt.Errorf("%s: expected turn:/turns: url, got %q", envVarTurnURLs, url)
		}
	}
	return servers, turnList, nil
}

type iceServerJSON struct {
	URLs stringOrStringSlice `json:"urls"`
}

type stringOrStringSlice []string

func (s *stringOrStringSlice) UnmarshalJSON(b []byte) error {
	var single string
	if err := json.Unmarshal(b, &single); err == nil {
		*s = []string{single}
		return nil
	}
	var many []string
	if err := json.Unmarshal(b, &many); err != nil {
		return err
	}
	*s = many
	return nil
}

// ParseICEServersJSON parses and validates ICE_SERVERS_JSON.
func ParseICEServersJSON(raw string) ([]webrtc.ICEServer, error) {
	var servers []iceServerJSON
	if err := json.Unmarshal([]byte(raw), &servers); err != nil {
		return nil, err
	}

	out := make([]webrtc.ICEServer, 0, len(servers))
	for i, server := range servers {
		urls := make([]string, 0, len(server.URLs))
		for _, url := range server.URLs {
			url = strings.TrimSpace(url)
			if url == "" {
				continue
			}
			urls = append(urls, url)
		}
		pcServer := webrtc.ICEServer{URLs: urls}
		if err := validateICEServer(pcServer); err != nil {
			return nil, fmt.Errorf("iceServers[%d]: %w", i, err)
		}
		out = append(out, pcServer)
	}
	return out, nil
}

// splitTURNURLs separates TURN URLs out of a parsed server list so they can be
// issued with ephemeral credentials.
func splitTURNURLs(servers []webrtc.ICEServer) ([]webrtc.ICEServer, []string, error) {
	stunServers := make([]webrtc.ICEServer, 0, len(servers))
	var turnURLs []string
	for _, server := range servers {
		var stunOnly []string
		for _, url := range server.URLs {
			if isTURNURL(url) {
				turnURLs = append(turnURLs, url)
				continue
			}
			stunOnly = append(stunOnly, url)
		}
		if len(stunOnly) > 0 {
			stunServers = append(stunServers, webrtc.ICEServer{URLs: stunOnly})
		}
	}
	return stunServers, turnURLs, nil
}

func splitCommaSeparated(value string) []string {
	value = strings.TrimSpace(value)
	if value == "" {
		return nil
	}
	parts := strings.Split(value, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		out = append(out, part)
	}
	return out
}

func validateICEServer(server webrtc.ICEServer) error {
	if len(server.URLs) == 0 {
		return errors.New("missing urls")
	}
	for _, raw := range server.URLs {
		url := strings.TrimSpace(raw)
		if url == "" {
			return errors.New("urls must not contain empty entries")
		}
		if !isAllowedICEScheme(url) {
			return fmt.Errorf("unsupported url scheme: %q", url)
		}
	}
	return nil
}

func isTURNURL(url string) bool {
	return strings.HasPrefix(url, "turn:") || strings.HasPrefix(url, "turns:")
}

func isAllowedICEScheme(url string) bool {
	switch {
	case strings.HasPrefix(url, "stun:"),
		strings.HasPrefix(url, "stuns:"),
		strings.HasPrefix(url, "turn:"),
		strings.HasPrefix(url, "turns:"):
		return true
	default:
		return false
	}
}
