package auth

import (
	"net/url"
	"strings"
)

// ParseCookieHeader splits a Cookie header into name/value pairs. Pairs are
// separated by ';', names and values are trimmed and percent-decoded. Pairs
// without '=' or with invalid escapes are skipped so a stray cookie set by
// another application cannot hide the session cookie.
func ParseCookieHeader(header string) map[string]string {
	cookies := make(map[string]string)
	for _, part := range strings.Split(header, ";") {
		name, value, ok := strings.Cut(part, "=")
		if !ok {
			continue
		}
		name, err := url.PathUnescape(strings.TrimSpace(name))
		if err != nil || name == "" {
			continue
		}
		value, err = url.PathUnescape(strings.TrimSpace(value))
		if err != nil {
			continue
		}
		cookies[name] = value
	}
	return cookies
}
