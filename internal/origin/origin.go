// Package origin decides which browser origins may talk to the signaling
// and REST endpoints. With no configured allowlist the policy is same-host:
// the Origin's host:port must match the request's Host header. Scheme is not
// compared because a TLS-terminating proxy makes the server see http for an
// https page.
package origin

import (
	"net/url"
	"strconv"
	"strings"
)

// Check validates a browser Origin header against the allowlist and the
// request Host. It returns the normalized origin (scheme://host[:port],
// default ports stripped) for use in CORS response headers.
//
// An empty Origin header is not a browser cross-origin request and is the
// caller's decision; Check treats it as not ok.
func Check(originHeader, requestHost string, allowed []string) (normalized string, ok bool) {
	normalized, host, ok := normalize(originHeader)
	if !ok {
		return "", false
	}

	if len(allowed) > 0 {
		for _, a := range allowed {
			if a == "*" || a == normalized {
				return normalized, true
			}
		}
		return "", false
	}

	// Same-host policy. "null" origins (sandboxed iframes, file://) can
	// never match a host.
	scheme, _, found := strings.Cut(normalized, "://")
	if !found {
		return "", false
	}
	reqHost, ok := canonicalHost(requestHost, scheme)
	if !ok || host != reqHost {
		return "", false
	}
	return normalized, true
}

// normalize parses an Origin header into scheme://host[:port] with the
// hostname lowercased and default ports dropped. The literal "null" is
// passed through so an explicit allowlist entry can admit it.
func normalize(header string) (normalized, host string, ok bool) {
	trimmed := strings.TrimSpace(header)
	if trimmed == "" {
		return "", "", false
	}
	if trimmed == "null" {
		return "null", "", true
	}

	u, err := url.Parse(trimmed)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return "", "", false
	}
	// An Origin is just a scheme and authority; anything more is forged.
	if u.User != nil || u.RawQuery != "" || u.Fragment != "" || (u.Path != "" && u.Path != "/") {
		return "", "", false
	}

	scheme := strings.ToLower(u.Scheme)
	if scheme != "http" && scheme != "https" {
		return "", "", false
	}

	host, ok = canonicalHost(u.Host, scheme)
	if !ok {
		return "", "", false
	}
	return scheme + "://" + host, host, true
}

// canonicalHost lowercases a host[:port] authority, validates the port, and
// drops it when it is the scheme's default.
func canonicalHost(raw, scheme string) (string, bool) {
	trimmed := strings.ToLower(strings.TrimSpace(raw))
	if trimmed == "" {
		return "", false
	}

	hostname, rawPort, ok := splitAuthority(trimmed)
	if !ok || hostname == "" {
		return "", false
	}

	var port uint64
	if rawPort != "" {
		n, err := strconv.ParseUint(rawPort, 10, 16)
		if err != nil || n == 0 {
			return "", false
		}
		port = n
	}
	if (scheme == "http" && port == 80) || (scheme == "https" && port == 443) {
		port = 0
	}

	host := hostname
	if strings.Contains(hostname, ":") {
		host = "[" + hostname + "]"
	}
	if port != 0 {
		host += ":" + strconv.FormatUint(port, 10)
	}
	return host, true
}

// splitAuthority separates host[:port], unbracketing IPv6 literals.
func splitAuthority(raw string) (hostname, port string, ok bool) {
	if raw == "" {
		return "", "", false
	}
	if raw[0] == '[' {
		end := strings.IndexByte(raw, ']')
		if end < 0 {
			return "", "", false
		}
		hostname = raw[1:end]
		rest := raw[end+1:]
		if rest == "" {
			return hostname, "", true
		}
		if rest[0] != ':' {
			return "", "", false
		}
		return hostname, rest[1:], rest[1:] != ""
	}

	i := strings.LastIndexByte(raw, ':')
	if i < 0 {
		return raw, "", true
	}
	if strings.IndexByte(raw, ':') != i {
		// Multiple colons without brackets: a bare IPv6 literal.
		return raw, "", true
	}
	return raw[:i], raw[i+1:], raw[i+1:] != ""
}
