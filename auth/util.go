package auth

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"net/http"
	"net/url"
	"strings"

	"github.com/captjt/authgate/gateway"
	"github.com/captjt/authgate/ratelimit"
)

func normalizePath(path string) string {
	trimmed := strings.TrimSpace(path)
	if trimmed == "" {
		return ""
	}
	if !strings.HasPrefix(trimmed, "/") {
		trimmed = "/" + trimmed
	}
	if len(trimmed) > 1 {
		trimmed = strings.TrimSuffix(trimmed, "/")
	}
	return trimmed
}

func joinPath(basePath, path string) string {
	base := normalizePath(basePath)
	p := normalizePath(path)
	if p == "" || p == "/" {
		return base
	}
	if base == "/" {
		return p
	}
	return strings.TrimSuffix(base, "/") + p
}

// newSessionToken returns an opaque token and the hash that is persisted.
func newSessionToken() (string, string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", "", err
	}
	raw := base64.RawURLEncoding.EncodeToString(buf)
	return raw, hashToken(raw), nil
}

func hashToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}

// clientAddress is the address recorded on a session. Behind the gateway it
// is the limiter's key for the request, so both agree.
func (s *Server) clientAddress(r *http.Request) string {
	var id string
	if info, ok := gateway.InfoFrom(r.Context()); ok && info.Identifier != "" {
		id = info.Identifier
	} else {
		id = s.cfg.ClientIdentifier.Identify(r)
	}
	if id == ratelimit.UnknownIdentifier {
		return ""
	}
	return id
}

func isOriginTrusted(origin string, trusted []string) bool {
	if strings.TrimSpace(origin) == "" {
		return true
	}
	if len(trusted) == 0 {
		return true
	}
	originURL, err := url.Parse(origin)
	if err != nil || originURL.Host == "" {
		return false
	}
	for _, allowed := range trusted {
		a := strings.TrimSpace(allowed)
		if a == "*" {
			return true
		}
		if strings.EqualFold(origin, a) {
			return true
		}
		allowedURL, err := url.Parse(a)
		if err != nil || allowedURL.Host == "" {
			continue
		}
		if !strings.EqualFold(allowedURL.Scheme, originURL.Scheme) {
			continue
		}
		if strings.HasPrefix(allowedURL.Host, "*.") {
			suffix := strings.TrimPrefix(allowedURL.Host, "*")
			if strings.HasSuffix(strings.ToLower(originURL.Host), strings.ToLower(suffix)) {
				return true
			}
		}
	}
	return false
}
