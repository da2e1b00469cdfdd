package utils

import (
	"net/url"
	"strconv"
	"strings"
)

// NormalizeOrigin lowercases scheme and host and strips default ports, so
// "HTTP://Example.com:80" and "http://example.com" compare equal. Returns
// false for anything that is not an http(s) origin. "*" and "null" pass
// through unchanged.
func NormalizeOrigin(origin string) (string, bool) {
	trimmed := strings.TrimSpace(origin)
	if trimmed == "*" || trimmed == "null" {
		return trimmed, true
	}

	u, err := url.Parse(strings.TrimSuffix(trimmed, "/"))
	if err != nil || u.Host == "" || u.User != nil || u.RawQuery != "" || u.Fragment != "" || u.Path != "" {
		return "", false
	}

	scheme := strings.ToLower(u.Scheme)
	if scheme != "http" && scheme != "https" {
		return "", false
	}

	hostname := strings.ToLower(u.Hostname())
	if hostname == "" {
		return "", false
	}
	if strings.Contains(hostname, ":") {
		hostname = "[" + hostname + "]"
	}

	port := u.Port()
	if port != "" {
		n, err := strconv.ParseUint(port, 10, 16)
		if err != nil || n == 0 {
			return "", false
		}
		if (scheme == "http" && n == 80) || (scheme == "https" && n == 443) {
			port = ""
		}
	}

	if port == "" {
		return scheme + "://" + hostname, true
	}
	return scheme + "://" + hostname + ":" + port, true
}

// NormalizeOrigins drops entries that fail to normalize.
func NormalizeOrigins(origins []string) []string {
	out := make([]string, 0, len(origins))
	for _, origin := range origins {
		if normalized, ok := NormalizeOrigin(origin); ok {
			out = append(out, normalized)
		}
	}
	return out
}

// Contains reports whether origin matches an entry of list. Both sides are
// normalized; a "*" entry matches any valid origin.
func Contains(origin string, list []string) bool {
	normalized, ok := NormalizeOrigin(origin)
	if !ok {
		return false
	}

	for _, entry := range list {
		if entry == "*" {
			return true
		}
		candidate, ok := NormalizeOrigin(entry)
		if ok && candidate == normalized {
			return true
		}
	}
	return false
}
