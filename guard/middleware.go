package guard

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
)

type sessionKey struct{}

// SessionFrom returns the session attached by Require.
func SessionFrom(ctx context.Context) (*Session, bool) {
	s, ok := ctx.Value(sessionKey{}).(*Session)
	return s, ok && s != nil
}

type errorResponse struct {
	Code     string `json:"code"`
	Message  string `json:"message"`
	Redirect string `json:"redirect,omitempty"`
}

// Require gates next behind req. Browsers are redirected; JSON clients get
// 401 or 403.
func (g *Guard) Require(req Requirement) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			d := g.Begin(req).ReturnTo(r.URL.RequestURI()).Resolve(r.Context(), r.Header)
			if d.Granted() {
				next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), sessionKey{}, d.Session)))
				return
			}

			if !wantsJSON(r) {
				http.Redirect(w, r, d.Redirect, http.StatusFound)
				return
			}

			status := http.StatusUnauthorized
			message := "authentication required"
			switch d.Reason {
			case ReasonUnauthorized:
				status = http.StatusForbidden
				message = "insufficient role"
			case ReasonVerificationFailed:
				message = "unable to verify session"
			}
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(status)
			_ = json.NewEncoder(w).Encode(errorResponse{Code: string(d.Reason), Message: message, Redirect: d.Redirect})
		})
	}
}

func wantsJSON(r *http.Request) bool {
	accept := strings.ToLower(r.Header.Get("Accept"))
	return strings.Contains(accept, "application/json")
}
