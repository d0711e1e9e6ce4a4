package guard

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

type stubSessions struct {
	session *Session
	err     error
	calls   int
}

func (s *stubSessions) GetSession(context.Context, http.Header) (*Session, error) {
	s.calls++
	return s.session, s.err
}

type stubRoles struct {
	roles map[string]Role
	err   error
	calls int
}

func (s *stubRoles) RoleOf(_ context.Context, userID string) (Role, error) {
	s.calls++
	if s.err != nil {
		return "", s.err
	}
	role, ok := s.roles[userID]
	if !ok {
		return "", errors.New("user not found")
	}
	return role, nil
}

type recorder struct{ seen []string }

func (r *recorder) ObserveGuard(state, reason string) { r.seen = append(r.seen, state+":"+reason) }

func newTestGuard(t *testing.T, sessions *stubSessions, roles *stubRoles) (*Guard, *bytes.Buffer) {
	t.Helper()
	var buf bytes.Buffer
	logger := zerolog.New(&buf)
	g, err := New(Options{Sessions: sessions, Roles: roles, Logger: &logger})
	if err != nil {
		t.Fatalf("new guard: %v", err)
	}
	return g, &buf
}

func TestPatientNeverGrantedAdmin(t *testing.T) {
	sessions := &stubSessions{session: &Session{UserID: "u1", Role: RoleAdmin}}
	roles := &stubRoles{roles: map[string]Role{"u1": RolePatient}}
	g, logs := newTestGuard(t, sessions, roles)

	d := g.Authorize(context.Background(), http.Header{}, RequireRole(RoleAdmin))
	if d.State != StateDenied {
		t.Fatalf("expected denied, got %s", d.State)
	}
	if d.Reason != ReasonUnauthorized {
		t.Fatalf("expected unauthorized, got %q", d.Reason)
	}
	if d.Redirect != "/patient" {
		t.Fatalf("expected redirect to patient portal, got %q", d.Redirect)
	}
	if roles.calls != 1 {
		t.Fatalf("expected authoritative role lookup, got %d calls", roles.calls)
	}
	if !strings.Contains(logs.String(), "authenticated but unauthorized") {
		t.Fatalf("expected unauthorized log, got %s", logs.String())
	}
}

func TestNoSessionRedirectsToRoleLogin(t *testing.T) {
	g, _ := newTestGuard(t, &stubSessions{}, &stubRoles{})

	d := g.Begin(RequireRole(RoleGP)).ReturnTo("/gp/appointments?day=1").Resolve(context.Background(), http.Header{})
	if d.State != StateDenied || d.Reason != ReasonUnauthenticated {
		t.Fatalf("expected unauthenticated denial, got %+v", d)
	}
	if d.Redirect != "/gp/login?callbackUrl=%2Fgp%2Fappointments%3Fday%3D1" {
		t.Fatalf("unexpected redirect %q", d.Redirect)
	}

	d = g.Authorize(context.Background(), http.Header{}, Authenticated())
	if d.Redirect != "/login" {
		t.Fatalf("expected default login, got %q", d.Redirect)
	}
}

func TestGrantUsesAuthoritativeRole(t *testing.T) {
	sessions := &stubSessions{session: &Session{UserID: "u2", Role: RolePatient}}
	roles := &stubRoles{roles: map[string]Role{"u2": RoleSpecialist}}
	g, _ := newTestGuard(t, sessions, roles)

	d := g.Authorize(context.Background(), http.Header{}, RequireRole(RoleGP, RoleSpecialist))
	if !d.Granted() {
		t.Fatalf("expected grant, got %+v", d)
	}
	if d.Session == nil || d.Session.Role != RoleSpecialist {
		t.Fatalf("expected session role from role source, got %+v", d.Session)
	}
}

func TestAuthenticatedSkipsRoleLookup(t *testing.T) {
	sessions := &stubSessions{session: &Session{UserID: "u3", Role: RolePharmacy}}
	roles := &stubRoles{}
	g, _ := newTestGuard(t, sessions, roles)

	if d := g.Authorize(context.Background(), http.Header{}, Authenticated()); !d.Granted() {
		t.Fatalf("expected grant, got %+v", d)
	}
	if roles.calls != 0 {
		t.Fatalf("expected no role lookup, got %d", roles.calls)
	}
}

func TestLookupErrorsFailClosed(t *testing.T) {
	cases := []struct {
		name     string
		sessions *stubSessions
		roles    *stubRoles
	}{
		{"session error", &stubSessions{err: errors.New("db down")}, &stubRoles{}},
		{"role error", &stubSessions{session: &Session{UserID: "u1"}}, &stubRoles{err: errors.New("timeout")}},
		{"unknown role", &stubSessions{session: &Session{UserID: "u1"}}, &stubRoles{roles: map[string]Role{"u1": "nurse"}}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			g, logs := newTestGuard(t, tc.sessions, tc.roles)
			d := g.Authorize(context.Background(), http.Header{}, RequireRole(RoleAdmin))
			if d.State != StateDenied || d.Reason != ReasonVerificationFailed {
				t.Fatalf("expected verification_failed denial, got %+v", d)
			}
			if !strings.Contains(logs.String(), `"level":"error"`) {
				t.Fatalf("expected error log, got %s", logs.String())
			}
		})
	}
}

func TestExpiredSessionIsUnauthenticated(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	sessions := &stubSessions{session: &Session{UserID: "u1", ExpiresAt: now.Add(-time.Second)}}
	g, err := New(Options{Sessions: sessions, Roles: &stubRoles{}, Now: func() time.Time { return now }})
	if err != nil {
		t.Fatalf("new guard: %v", err)
	}
	if d := g.Authorize(context.Background(), http.Header{}, Authenticated()); d.Reason != ReasonUnauthenticated {
		t.Fatalf("expected unauthenticated, got %+v", d)
	}
}

func TestResolveIsTerminal(t *testing.T) {
	sessions := &stubSessions{}
	rec := &recorder{}
	g, err := New(Options{Sessions: sessions, Roles: &stubRoles{}, Recorder: rec})
	if err != nil {
		t.Fatalf("new guard: %v", err)
	}

	nav := g.Begin(Authenticated())
	if nav.State() != StateLoading {
		t.Fatalf("expected loading, got %s", nav.State())
	}
	first := nav.Resolve(context.Background(), http.Header{})

	sessions.session = &Session{UserID: "u1"}
	second := nav.Resolve(context.Background(), http.Header{})
	if second.State != first.State || second.Reason != first.Reason {
		t.Fatalf("expected terminal decision, got %+v then %+v", first, second)
	}
	if sessions.calls != 1 {
		t.Fatalf("expected one session lookup, got %d", sessions.calls)
	}
	if len(rec.seen) != 1 || rec.seen[0] != "denied:unauthenticated" {
		t.Fatalf("expected one recorded decision, got %v", rec.seen)
	}

	if d := g.Begin(Authenticated()).Resolve(context.Background(), http.Header{}); !d.Granted() {
		t.Fatalf("expected fresh navigation to grant, got %+v", d)
	}
}

func TestRequireMiddleware(t *testing.T) {
	sessions := &stubSessions{session: &Session{UserID: "u1"}}
	roles := &stubRoles{roles: map[string]Role{"u1": RolePatient}}
	g, _ := newTestGuard(t, sessions, roles)

	var seen *Session
	protected := g.Require(RequireRole(RoleAdmin))(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen, _ = SessionFrom(r.Context())
	}))

	rec := httptest.NewRecorder()
	protected.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/admin/users", nil))
	if rec.Code != http.StatusFound || rec.Header().Get("Location") != "/patient" {
		t.Fatalf("expected redirect to /patient, got %d %q", rec.Code, rec.Header().Get("Location"))
	}

	req := httptest.NewRequest(http.MethodGet, "/admin/users", nil)
	req.Header.Set("Accept", "application/json")
	rec = httptest.NewRecorder()
	protected.ServeHTTP(rec, req)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403, got %d", rec.Code)
	}

	roles.roles["u1"] = RoleAdmin
	rec = httptest.NewRecorder()
	protected.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/admin/users", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if seen == nil || seen.Role != RoleAdmin {
		t.Fatalf("expected admin session in context, got %+v", seen)
	}

	sessions.session = nil
	req = httptest.NewRequest(http.MethodGet, "/admin/users", nil)
	req.Header.Set("Accept", "application/json")
	rec = httptest.NewRecorder()
	protected.ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}
}

func TestParseRole(t *testing.T) {
	if r, err := ParseRole(" Diagnostic-Center "); err != nil || r != RoleDiagnosticCenter {
		t.Fatalf("expected diagnostic-center, got %q %v", r, err)
	}
	if _, err := ParseRole("nurse"); !errors.Is(err, ErrInvalidRole) {
		t.Fatalf("expected ErrInvalidRole, got %v", err)
	}
}
