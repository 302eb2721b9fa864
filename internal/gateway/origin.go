package gateway

import (
	"log/slog"
	"net/http"
	"strings"
)

// checkOrigin validates the Origin header of an upgrade request. WebSocket
// upgrades bypass CORS, so origins are checked explicitly.
func (g *Gateway) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		// Non-browser client.
		return true
	}
	if OriginAllowed(origin, g.cfg.AllowedOrigins) {
		return true
	}
	slog.Warn("WebSocket origin rejected", "origin", origin, "allowed", g.cfg.AllowedOrigins)
	return false
}

// OriginAllowed supports exact entries, "*" and wildcard subdomain
// patterns like "https://*.example.com".
func OriginAllowed(origin string, allowed []string) bool {
	for _, a := range allowed {
		switch {
		case a == "*", a == origin:
			return true
		case strings.Contains(a, "*") && matchWildcardOrigin(origin, a):
			return true
		}
	}
	return false
}

// matchWildcardOrigin reports whether origin matches pattern. The wildcard
// covers exactly one host label prefix and never a path.
func matchWildcardOrigin(origin, pattern string) bool {
	prefix, suffix, ok := strings.Cut(pattern, "*")
	if !ok {
		return false
	}
	if !strings.HasPrefix(origin, prefix) || !strings.HasSuffix(origin, suffix) {
		return false
	}
	if len(origin) <= len(prefix)+len(suffix) {
		return false
	}
	middle := origin[len(prefix) : len(origin)-len(suffix)]
	return !strings.Contains(middle, "/")
}
