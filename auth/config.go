package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/captjt/authgate/guard"
	"github.com/captjt/authgate/ratelimit"
	"github.com/captjt/authgate/storage"
)

type Config struct {
	AppName        string
	BasePath       string
	Secret         string
	TrustedOrigins []string

	EmailPassword EmailPasswordConfig
	Session       SessionConfig
	PasswordReset PasswordResetConfig
	OAuth         OAuthConfig

	PrimaryStore storage.Primary
	Logger       *zerolog.Logger

	// ClientIdentifier derives the client address recorded on sessions when
	// the request did not pass through the gateway. It should match the
	// limiter's identifier. Defaults to ratelimit.ForwardedIdentifier.
	ClientIdentifier ratelimit.Identifier
}

type EmailPasswordConfig struct {
	Enabled            bool
	DisableSignUp      bool
	AutoSignInOnSignUp bool
	MinPasswordLength  int
	MaxPasswordLength  int
	BCryptCost         int

	// DefaultRole is assigned when sign-up omits a role.
	DefaultRole guard.Role
	// AllowedSignUpRoles may never contain guard.RoleAdmin.
	AllowedSignUpRoles []guard.Role
}

type SessionConfig struct {
	CookieName    string
	Duration      time.Duration
	SecureCookies bool
}

// Sender delivers a password reset token to its owner.
type Sender func(ctx context.Context, email, token string) error

type PasswordResetConfig struct {
	Enabled               bool
	TokenTTL              time.Duration
	Send                  Sender
	ExposeTokenInResponse bool
}

type OAuthConfig struct {
	Providers       []OAuthProvider
	SuccessRedirect string
	StateTTL        time.Duration
}

// OAuthProvider configures one authorization-code provider. With Issuer set
// the endpoints are discovered and the ID token is verified; otherwise
// AuthURL, TokenURL and UserInfoURL are used directly.
type OAuthProvider struct {
	ID           string
	ClientID     string
	ClientSecret string
	RedirectURL  string
	Scopes       []string

	Issuer string

	AuthURL     string
	TokenURL    string
	UserInfoURL string
}

func (c *Config) withDefaults() Config {
	out := *c
	if strings.TrimSpace(out.AppName) == "" {
		out.AppName = "authgate"
	}
	if strings.TrimSpace(out.BasePath) == "" {
		out.BasePath = DefaultBasePath
	}

	if out.EmailPassword.MinPasswordLength == 0 {
		out.EmailPassword.MinPasswordLength = 8
	}
	if out.EmailPassword.MaxPasswordLength == 0 {
		out.EmailPassword.MaxPasswordLength = 128
	}
	if out.EmailPassword.BCryptCost == 0 {
		out.EmailPassword.BCryptCost = 12
	}
	if !out.EmailPassword.DisableSignUp && !out.EmailPassword.AutoSignInOnSignUp {
		out.EmailPassword.AutoSignInOnSignUp = true
	}
	if out.EmailPassword.DefaultRole == "" {
		out.EmailPassword.DefaultRole = guard.RolePatient
	}
	if len(out.EmailPassword.AllowedSignUpRoles) == 0 {
		for _, r := range guard.Roles() {
			if r != guard.RoleAdmin {
				out.EmailPassword.AllowedSignUpRoles = append(out.EmailPassword.AllowedSignUpRoles, r)
			}
		}
	}

	if strings.TrimSpace(out.Session.CookieName) == "" {
		out.Session.CookieName = "authgate_session"
	}
	if out.Session.Duration == 0 {
		out.Session.Duration = 7 * 24 * time.Hour
	}

	if out.PasswordReset.TokenTTL == 0 {
		out.PasswordReset.TokenTTL = 30 * time.Minute
	}

	if strings.TrimSpace(out.OAuth.SuccessRedirect) == "" {
		out.OAuth.SuccessRedirect = "/"
	}
	if out.OAuth.StateTTL == 0 {
		out.OAuth.StateTTL = 10 * time.Minute
	}
	for i := range out.OAuth.Providers {
		out.OAuth.Providers[i].ID = strings.ToLower(strings.TrimSpace(out.OAuth.Providers[i].ID))
		out.OAuth.Providers[i].Issuer = strings.TrimSpace(out.OAuth.Providers[i].Issuer)
	}

	if out.ClientIdentifier == nil {
		out.ClientIdentifier = ratelimit.ForwardedIdentifier{}
	}

	out.BasePath = normalizePath(out.BasePath)
	if out.BasePath == "" {
		out.BasePath = DefaultBasePath
	}

	for i := range out.TrustedOrigins {
		out.TrustedOrigins[i] = strings.TrimSpace(out.TrustedOrigins[i])
	}

	return out
}

func (c Config) validate() error {
	if c.PrimaryStore == nil {
		return errors.New("primary store is required")
	}
	if strings.TrimSpace(c.Secret) == "" {
		return errors.New("secret is required")
	}
	if len(c.Secret) < 32 {
		return errors.New("secret must be at least 32 characters")
	}
	if c.EmailPassword.MinPasswordLength <= 0 || c.EmailPassword.MaxPasswordLength < c.EmailPassword.MinPasswordLength {
		return errors.New("invalid password length constraints")
	}
	if c.Session.Duration <= 0 {
		return errors.New("session duration must be positive")
	}
	if !c.EmailPassword.DefaultRole.Valid() {
		return fmt.Errorf("default role: %w: %q", guard.ErrInvalidRole, c.EmailPassword.DefaultRole)
	}
	if c.EmailPassword.DefaultRole == guard.RoleAdmin {
		return errors.New("default role cannot be admin")
	}
	for _, r := range c.EmailPassword.AllowedSignUpRoles {
		if !r.Valid() {
			return fmt.Errorf("allowed sign-up role: %w: %q", guard.ErrInvalidRole, r)
		}
		if r == guard.RoleAdmin {
			return errors.New("admin cannot be a self-assignable sign-up role")
		}
	}
	if c.PasswordReset.Enabled && c.PasswordReset.TokenTTL <= 0 {
		return errors.New("password reset token ttl must be positive")
	}

	seen := map[string]bool{}
	for _, p := range c.OAuth.Providers {
		if p.ID == "" {
			return errors.New("oauth provider id is required")
		}
		if seen[p.ID] {
			return fmt.Errorf("duplicate oauth provider %q", p.ID)
		}
		seen[p.ID] = true
		if strings.TrimSpace(p.ClientID) == "" {
			return fmt.Errorf("oauth provider %q: client id is required", p.ID)
		}
		if p.Issuer == "" && (strings.TrimSpace(p.AuthURL) == "" || strings.TrimSpace(p.TokenURL) == "" || strings.TrimSpace(p.UserInfoURL) == "") {
			return fmt.Errorf("oauth provider %q: issuer or auth, token and userinfo urls are required", p.ID)
		}
	}
	return nil
}
