package ratelimit

import (
	"net"
	"net/http"
	"strings"
)

// UnknownIdentifier is used when no client address can be derived. All such
// callers share one budget.
const UnknownIdentifier = "unknown"

// Identifier derives the rate-limit key for a request. Deployments behind
// different proxy topologies substitute their own trust rules.
type Identifier interface {
	Identify(r *http.Request) string
}

type IdentifierFunc func(r *http.Request) string

func (f IdentifierFunc) Identify(r *http.Request) string { return f(r) }

// ForwardedIdentifier trusts X-Forwarded-For, then X-Real-IP.
type ForwardedIdentifier struct {
	Fallback string
}

func (f ForwardedIdentifier) Identify(r *http.Request) string {
	if xff := strings.TrimSpace(r.Header.Get("X-Forwarded-For")); xff != "" {
		parts := strings.Split(xff, ",")
		if first := strings.TrimSpace(parts[0]); first != "" {
			return first
		}
	}
	if xri := strings.TrimSpace(r.Header.Get("X-Real-IP")); xri != "" {
		return xri
	}
	if f.Fallback != "" {
		return f.Fallback
	}
	return UnknownIdentifier
}

// RemoteAddrIdentifier ignores proxy headers and keys on the peer address.
type RemoteAddrIdentifier struct{}

func (RemoteAddrIdentifier) Identify(r *http.Request) string {
	addr := strings.TrimSpace(r.RemoteAddr)
	if addr == "" {
		return UnknownIdentifier
	}
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return addr
	}
	return host
}

// IdentifierByName resolves a configured policy name.
func IdentifierByName(name string) (Identifier, bool) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", "forwarded":
		return ForwardedIdentifier{}, true
	case "remote", "remote-addr":
		return RemoteAddrIdentifier{}, true
	default:
		return nil, false
	}
}
