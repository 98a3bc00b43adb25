package origin

import "testing"

func TestCheck_Allowlist(t *testing.T) {
	allowed := []string{"https://app.securevox.example", "http://localhost:3000"}

	for _, tc := range []struct {
		name   string
		origin string
		want   bool
	}{
		{"listed origin", "https://app.securevox.example", true},
		{"listed origin with default port", "https://app.securevox.example:443", true},
		{"listed localhost", "http://localhost:3000", true},
		{"case-insensitive host", "https://APP.SECUREVOX.EXAMPLE", true},
		{"unlisted origin", "https://evil.example", false},
		{"wrong port", "http://localhost:3001", false},
		{"wrong scheme", "http://app.securevox.example", false},
		{"null origin", "null", false},
	} {
		t.Run(tc.name, func(t *testing.T) {
			_, ok := Check(tc.origin, "irrelevant.example", allowed)
			if ok != tc.want {
				t.Fatalf("Check(%q) ok = %v, want %v", tc.origin, ok, tc.want)
			}
		})
	}
}

func TestCheck_Wildcard(t *testing.T) {
	norm, ok := Check("https://anything.example", "host.example", []string{"*"})
	if !ok {
		t.Fatalf("wildcard must admit any syntactically valid origin")
	}
	if norm != "https://anything.example" {
		t.Fatalf("normalized = %q", norm)
	}
	if _, ok := Check("chrome-extension://abc", "host.example", []string{"*"}); ok {
		t.Fatalf("non-http schemes are rejected even under wildcard")
	}
}

func TestCheck_SameHostDefault(t *testing.T) {
	for _, tc := range []struct {
		name        string
		origin      string
		requestHost string
		want        bool
	}{
		{"same host and port", "https://calls.example:8443", "calls.example:8443", true},
		{"default port equivalence", "https://calls.example", "calls.example:443", true},
		{"different host", "https://other.example", "calls.example", false},
		{"different port", "https://calls.example:8443", "calls.example:9443", false},
		{"ipv6 literal", "http://[::1]:8001", "[::1]:8001", true},
		{"null origin never matches a host", "null", "calls.example", false},
	} {
		t.Run(tc.name, func(t *testing.T) {
			_, ok := Check(tc.origin, tc.requestHost, nil)
			if ok != tc.want {
				t.Fatalf("Check(%q, %q) ok = %v, want %v", tc.origin, tc.requestHost, ok, tc.want)
			}
		})
	}
}

func TestCheck_MalformedOrigins(t *testing.T) {
	for _, origin := range []string{
		"",
		"not a url",
		"https://",
		"https://host/path",
		"https://user@host",
		"https://host?query=1",
		"https://host#frag",
		"https://host:0",
		"https://host:99999",
		"ftp://host",
	} {
		if _, ok := Check(origin, "host", []string{"*"}); ok {
			t.Fatalf("Check(%q) accepted a malformed origin", origin)
		}
	}
}
