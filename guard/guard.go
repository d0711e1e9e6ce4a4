// Package guard decides whether the caller behind a request may reach a
// protected resource. Each navigation starts in StateLoading and resolves
// exactly once to StateDenied or StateGranted.
package guard

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

type Session struct {
	UserID    string
	Role      Role
	ExpiresAt time.Time
}

// SessionSource resolves the caller's session from request headers. A nil
// session with a nil error means the caller is not signed in.
type SessionSource interface {
	GetSession(ctx context.Context, header http.Header) (*Session, error)
}

// RoleSource returns the authoritative, server-side role for a user.
type RoleSource interface {
	RoleOf(ctx context.Context, userID string) (Role, error)
}

type Recorder interface {
	ObserveGuard(state, reason string)
}

type State int

const (
	StateLoading State = iota
	StateDenied
	StateGranted
)

func (s State) String() string {
	switch s {
	case StateLoading:
		return "loading"
	case StateDenied:
		return "denied"
	case StateGranted:
		return "granted"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

type Reason string

const (
	ReasonNone               Reason = ""
	ReasonUnauthenticated    Reason = "unauthenticated"
	ReasonUnauthorized       Reason = "unauthorized"
	ReasonVerificationFailed Reason = "verification_failed"
)

// Requirement describes what a protected resource needs. An empty role set
// means any authenticated caller.
type Requirement struct {
	roles []Role
}

func Authenticated() Requirement { return Requirement{} }

func RequireRole(roles ...Role) Requirement {
	return Requirement{roles: append([]Role(nil), roles...)}
}

func (r Requirement) Roles() []Role { return append([]Role(nil), r.roles...) }

func (r Requirement) allows(role Role) bool {
	for _, want := range r.roles {
		if want == role {
			return true
		}
	}
	return false
}

type Decision struct {
	State    State
	Reason   Reason
	Redirect string
	Session  *Session
}

func (d Decision) Granted() bool { return d.State == StateGranted }

var DefaultLoginPaths = map[Role]string{
	RolePatient:          "/login",
	RoleAdmin:            "/admin/login",
	RoleGP:               "/gp/login",
	RoleSpecialist:       "/specialist/login",
	RolePharmacy:         "/pharmacy/login",
	RoleDiagnosticCenter: "/diagnostic-center/login",
}

var DefaultHomePaths = map[Role]string{
	RolePatient:          "/patient",
	RoleAdmin:            "/admin",
	RoleGP:               "/gp",
	RoleSpecialist:       "/specialist",
	RolePharmacy:         "/pharmacy",
	RoleDiagnosticCenter: "/diagnostic-center",
}

type Options struct {
	Sessions SessionSource
	Roles    RoleSource
	Logger   *zerolog.Logger
	Recorder Recorder

	LoginPaths       map[Role]string
	DefaultLoginPath string
	HomePaths        map[Role]string
	Now              func() time.Time
}

type Guard struct {
	sessions     SessionSource
	roles        RoleSource
	logger       zerolog.Logger
	recorder     Recorder
	loginPaths   map[Role]string
	defaultLogin string
	homePaths    map[Role]string
	now          func() time.Time
}

func New(opts Options) (*Guard, error) {
	if opts.Sessions == nil {
		return nil, errors.New("guard: session source is required")
	}
	if opts.Roles == nil {
		return nil, errors.New("guard: role source is required")
	}
	g := &Guard{
		sessions:     opts.Sessions,
		roles:        opts.Roles,
		logger:       zerolog.Nop(),
		recorder:     opts.Recorder,
		loginPaths:   mergePaths(DefaultLoginPaths, opts.LoginPaths),
		defaultLogin: strings.TrimSpace(opts.DefaultLoginPath),
		homePaths:    mergePaths(DefaultHomePaths, opts.HomePaths),
		now:          opts.Now,
	}
	if opts.Logger != nil {
		g.logger = *opts.Logger
	}
	if g.defaultLogin == "" {
		g.defaultLogin = "/login"
	}
	if g.now == nil {
		g.now = time.Now
	}
	return g, nil
}

func mergePaths(base, override map[Role]string) map[Role]string {
	out := make(map[Role]string, len(base)+len(override))
	for k, v := range base {
		out[k] = v
	}
	for k, v := range override {
		if strings.TrimSpace(v) != "" {
			out[k] = v
		}
	}
	return out
}

// Navigation is one attempt to reach a protected resource.
type Navigation struct {
	guard    *Guard
	req      Requirement
	callback string

	mu       sync.Mutex
	state    State
	decision Decision
}

func (g *Guard) Begin(req Requirement) *Navigation {
	return &Navigation{guard: g, req: req, state: StateLoading, decision: Decision{State: StateLoading}}
}

// ReturnTo sets the destination appended as callbackUrl to login redirects.
func (n *Navigation) ReturnTo(target string) *Navigation {
	n.mu.Lock()
	n.callback = target
	n.mu.Unlock()
	return n
}

func (n *Navigation) State() State {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.state
}

// Resolve moves a loading navigation to its terminal state. Once resolved,
// the same decision is returned without consulting the sources again.
func (n *Navigation) Resolve(ctx context.Context, header http.Header) Decision {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.state != StateLoading {
		return n.decision
	}
	n.decision = n.guard.evaluate(ctx, header, n.req, n.callback)
	n.state = n.decision.State
	if n.guard.recorder != nil {
		n.guard.recorder.ObserveGuard(n.decision.State.String(), string(n.decision.Reason))
	}
	return n.decision
}

func (g *Guard) Authorize(ctx context.Context, header http.Header, req Requirement) Decision {
	return g.Begin(req).Resolve(ctx, header)
}

func (g *Guard) evaluate(ctx context.Context, header http.Header, req Requirement, callback string) Decision {
	session, err := g.sessions.GetSession(ctx, header)
	if err != nil {
		g.logger.Error().Err(err).Msg("session verification failed")
		return g.deny(ReasonVerificationFailed, g.loginFor(req, callback))
	}
	if session == nil || session.UserID == "" {
		g.logger.Debug().Msg("no session")
		return g.deny(ReasonUnauthenticated, g.loginFor(req, callback))
	}
	if !session.ExpiresAt.IsZero() && !session.ExpiresAt.After(g.now()) {
		g.logger.Debug().Str("user_id", session.UserID).Msg("session expired")
		return g.deny(ReasonUnauthenticated, g.loginFor(req, callback))
	}

	granted := *session
	if len(req.roles) == 0 {
		return Decision{State: StateGranted, Session: &granted}
	}

	role, err := g.roles.RoleOf(ctx, session.UserID)
	if err == nil && !role.Valid() {
		err = fmt.Errorf("%w: %q", ErrInvalidRole, role)
	}
	if err != nil {
		g.logger.Error().Err(err).Str("user_id", session.UserID).Msg("role verification failed")
		return g.deny(ReasonVerificationFailed, g.loginFor(req, callback))
	}
	granted.Role = role

	if !req.allows(role) {
		g.logger.Warn().
			Str("user_id", session.UserID).
			Str("role", string(role)).
			Strs("required", roleStrings(req.roles)).
			Msg("authenticated but unauthorized")
		d := g.deny(ReasonUnauthorized, g.homeFor(role))
		d.Session = &granted
		return d
	}
	return Decision{State: StateGranted, Session: &granted}
}

func (g *Guard) deny(reason Reason, redirect string) Decision {
	return Decision{State: StateDenied, Reason: reason, Redirect: redirect}
}

func (g *Guard) loginFor(req Requirement, callback string) string {
	path := g.defaultLogin
	if len(req.roles) > 0 {
		if p, ok := g.loginPaths[req.roles[0]]; ok {
			path = p
		}
	}
	if callback == "" {
		return path
	}
	sep := "?"
	if strings.Contains(path, "?") {
		sep = "&"
	}
	return path + sep + "callbackUrl=" + url.QueryEscape(callback)
}

func (g *Guard) homeFor(role Role) string {
	if p, ok := g.homePaths[role]; ok {
		return p
	}
	return "/"
}

func roleStrings(roles []Role) []string {
	out := make([]string, len(roles))
	for i, r := range roles {
		out[i] = string(r)
	}
	return out
}
