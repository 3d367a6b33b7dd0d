package middleware

import (
	"log"
	"net/http"
	"net/url"
	"strings"
)

// OriginPolicy decides which browser origins may call the server.
type OriginPolicy struct {
	allowed  map[string]struct{}
	allowAll bool
}

// NewOriginPolicy builds a policy from a list of origins. "*" allows any origin;
// malformed entries are ignored.
func NewOriginPolicy(origins []string) *OriginPolicy {
	p := &OriginPolicy{allowed: make(map[string]struct{}, len(origins))}
	for _, origin := range origins {
		trimmed := strings.TrimSpace(origin)
		if trimmed == "" {
			continue
		}
		if trimmed == "*" {
			p.allowAll = true
			continue
		}
		normalized, ok := normalizeOrigin(trimmed)
		if !ok {
			log.Printf("Ignoring invalid origin in configuration: %q", origin)
			continue
		}
		p.allowed[normalized] = struct{}{}
	}
	return p
}

// Allows reports whether origin is on the allow-list.
func (p *OriginPolicy) Allows(origin string) bool {
	normalized, ok := normalizeOrigin(origin)
	if !ok {
		return false
	}
	if p.allowAll {
		return true
	}
	_, exists := p.allowed[normalized]
	return exists
}

// CheckOrigin is a websocket.Upgrader CheckOrigin func. Requests without an
// Origin header come from non-browser clients and are accepted.
func (p *OriginPolicy) CheckOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" || p.Allows(origin) {
		return true
	}
	log.Printf("Blocked WebSocket connection from disallowed origin: %q", origin)
	return false
}

func normalizeOrigin(origin string) (string, bool) {
	parsed, err := url.Parse(origin)
	if err != nil {
		return "", false
	}
	if parsed.Scheme == "" || parsed.Host == "" {
		return "", false
	}
	return strings.ToLower(parsed.Scheme) + "://" + strings.ToLower(parsed.Host), true
}
