package auth

import (
	"regexp"
	"strings"
	"unicode/utf8"
)

const maxFieldLen = 1000

var scriptTagRe = regexp.MustCompile(`(?is)<script[^>]*>.*?</script>`)

// Sanitize strips markup-significant characters from client-supplied free
// text (display names, reject reasons) before it is relayed to other users.
// Identifiers and SDP payloads are never run through this.
func Sanitize(s string) string {
	s = scriptTagRe.ReplaceAllString(s, "")
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		switch r {
		case '<', '>', '\'', '"', '&':
		default:
			b.WriteRune(r)
		}
	}
	out := strings.TrimSpace(b.String())
	if len(out) > maxFieldLen {
		// Truncate on a rune boundary so the result stays valid UTF-8.
		cut := maxFieldLen
		for cut > 0 && !utf8.RuneStart(out[cut]) {
			cut--
		}
		out = out[:cut]
	}
	return out
}

// SanitizeFields sanitizes every string value of a decoded JSON object in
// place, descending into nested objects and arrays.
func SanitizeFields(m map[string]any) {
	for k, v := range m {
		m[k] = sanitizeValue(v)
	}
}

func sanitizeValue(v any) any {
	switch t := v.(type) {
	case string:
		return Sanitize(t)
	case map[string]any:
		SanitizeFields(t)
		return t
	case []any:
		for i, e := range t {
			t[i] = sanitizeValue(e)
		}
		return t
	default:
		return v
	}
}
