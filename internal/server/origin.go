// Package server normalizes and validates HTTP origins for WebSocket requests
// to enforce configured access control.
package server

import (
	"net/http"
	"net/url"
	"strings"

	"github.com/sirupsen/logrus"
)

// originPolicy is the compiled allow-list of origins.
type originPolicy struct {
	allowAll bool
	allowed  map[string]struct{}
	logger   logrus.FieldLogger
}

func newOriginPolicy(origins []string, logger logrus.FieldLogger) *originPolicy {
	normalized, allowAll := normalizeOrigins(origins, logger)
	p := &originPolicy{
		allowAll: allowAll,
		allowed:  make(map[string]struct{}, len(normalized)),
		logger:   logger,
	}
	for _, origin := range normalized {
		p.allowed[origin] = struct{}{}
	}
	return p
}

func normalizeOrigins(origins []string, logger logrus.FieldLogger) ([]string, bool) {
	normalized := make([]string, 0, len(origins))
	allowAll := false

	for _, origin := range origins {
		trimmed := strings.TrimSpace(origin)
		if trimmed == "" {
			continue
		}
		if trimmed == "*" {
			allowAll = true
			continue
		}

		normalizedOrigin, ok := normalizeOrigin(trimmed)
		if !ok {
			logger.WithField("origin", origin).Warn("Ignoring invalid origin in configuration")
			continue
		}
		normalized = append(normalized, normalizedOrigin)
	}

	return normalized, allowAll
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

// allows reports whether the request's Origin header is acceptable. Requests
// without an Origin header come from non-browser clients and are accepted
// only when every origin is allowed.
func (p *originPolicy) allows(r *http.Request) bool {
	originHeader := r.Header.Get("Origin")
	if p.allowAll {
		return true
	}
	if originHeader == "" {
		return false
	}

	normalizedOrigin, ok := normalizeOrigin(originHeader)
	if !ok {
		return false
	}
	_, exists := p.allowed[normalizedOrigin]
	return exists
}

func (p *originPolicy) checkOrigin(r *http.Request) bool {
	if p.allows(r) {
		return true
	}
	p.logger.WithField("origin", r.Header.Get("Origin")).Warn("Blocked WebSocket connection from disallowed origin")
	return false
}
