package auth

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/coreos/go-oidc/v3/oidc"
	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/oauth2"

	"github.com/captjt/authgate/guard"
	"github.com/captjt/authgate/storage"
)

var (
	errOAuthEmailRequired   = errors.New("provider did not return an email")
	errOAuthEmailUnverified = errors.New("an account with this email exists and the provider email is not verified")
)

type oauthProvider struct {
	cfg OAuthProvider

	mu       sync.Mutex
	conf     *oauth2.Config
	verifier *oidc.IDTokenVerifier
}

func newOAuthProvider(cfg OAuthProvider) *oauthProvider {
	return &oauthProvider{cfg: cfg}
}

// resolve builds the oauth2 config, running OIDC discovery on first use.
// A failed discovery is retried on the next request.
func (p *oauthProvider) resolve(ctx context.Context) (*oauth2.Config, *oidc.IDTokenVerifier, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.conf != nil {
		return p.conf, p.verifier, nil
	}

	conf := &oauth2.Config{
		ClientID:     p.cfg.ClientID,
		ClientSecret: p.cfg.ClientSecret,
		RedirectURL:  p.cfg.RedirectURL,
		Scopes:       p.cfg.Scopes,
	}
	if p.cfg.Issuer == "" {
		conf.Endpoint = oauth2.Endpoint{AuthURL: p.cfg.AuthURL, TokenURL: p.cfg.TokenURL}
		p.conf = conf
		return p.conf, nil, nil
	}

	provider, err := oidc.NewProvider(context.WithoutCancel(ctx), p.cfg.Issuer)
	if err != nil {
		return nil, nil, fmt.Errorf("discover %s: %w", p.cfg.Issuer, err)
	}
	conf.Endpoint = provider.Endpoint()
	if len(conf.Scopes) == 0 {
		conf.Scopes = []string{oidc.ScopeOpenID, "email", "profile"}
	}
	p.conf = conf
	p.verifier = provider.Verifier(&oidc.Config{ClientID: p.cfg.ClientID})
	return p.conf, p.verifier, nil
}

type stateClaims struct {
	Provider string `json:"pid"`
	Nonce    string `json:"nonce"`
	ReturnTo string `json:"rt,omitempty"`
	jwt.RegisteredClaims
}

type oauthIdentity struct {
	Subject       string
	Email         string
	EmailVerified bool
	Name          string
}

func (s *Server) handleSocialSignIn(p *oauthProvider) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		conf, verifier, err := p.resolve(r.Context())
		if err != nil {
			s.logger.Error().Err(err).Str("provider", p.cfg.ID).Msg("oauth provider unavailable")
			writeError(w, http.StatusBadGateway, "OAUTH_PROVIDER_UNAVAILABLE", "oauth provider unavailable", nil)
			return
		}

		nonce, _, err := newSessionToken()
		if err != nil {
			writeError(w, http.StatusInternalServerError, "TOKEN_GEN_FAILED", "failed to generate state", nil)
			return
		}
		pkce := oauth2.GenerateVerifier()

		now := time.Now().UTC()
		state, err := jwt.NewWithClaims(jwt.SigningMethodHS256, stateClaims{
			Provider: p.cfg.ID,
			Nonce:    nonce,
			ReturnTo: safeReturnTo(r.URL.Query().Get("callbackUrl")),
			RegisteredClaims: jwt.RegisteredClaims{
				IssuedAt:  jwt.NewNumericDate(now),
				ExpiresAt: jwt.NewNumericDate(now.Add(s.cfg.OAuth.StateTTL)),
			},
		}).SignedString([]byte(s.cfg.Secret))
		if err != nil {
			writeError(w, http.StatusInternalServerError, "STATE_SIGN_FAILED", "failed to sign state", nil)
			return
		}

		http.SetCookie(w, &http.Cookie{
			Name:     s.oauthCookieName(),
			Value:    nonce + "." + pkce,
			Path:     s.cfg.BasePath,
			HttpOnly: true,
			Secure:   s.cfg.Session.SecureCookies,
			SameSite: http.SameSiteLaxMode,
			MaxAge:   int(s.cfg.OAuth.StateTTL.Seconds()),
		})

		opts := []oauth2.AuthCodeOption{oauth2.S256ChallengeOption(pkce)}
		if verifier != nil {
			opts = append(opts, oidc.Nonce(nonce))
		}
		c := s.withRedirect(conf, r, p.cfg.ID)
		http.Redirect(w, r, c.AuthCodeURL(state, opts...), http.StatusFound)
	}
}

func (s *Server) handleOAuthCallback(p *oauthProvider) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		log := s.logger.With().Str("provider", p.cfg.ID).Logger()

		if e := q.Get("error"); e != "" {
			log.Warn().Str("error", e).Msg("oauth provider returned error")
			writeError(w, http.StatusBadRequest, "OAUTH_DENIED", "authorization was not granted", map[string]any{"error": e})
			return
		}

		claims, err := s.parseState(q.Get("state"))
		if err != nil || claims.Provider != p.cfg.ID {
			log.Warn().Err(err).Msg("invalid oauth state")
			writeError(w, http.StatusBadRequest, "INVALID_STATE", "invalid or expired state", nil)
			return
		}
		nonce, pkce, ok := s.readOAuthCookie(r)
		if !ok || subtle.ConstantTimeCompare([]byte(nonce), []byte(claims.Nonce)) != 1 {
			log.Warn().Msg("oauth state does not match browser")
			writeError(w, http.StatusBadRequest, "INVALID_STATE", "invalid or expired state", nil)
			return
		}
		s.clearOAuthCookie(w)

		code := strings.TrimSpace(q.Get("code"))
		if code == "" {
			writeError(w, http.StatusBadRequest, "MISSING_CODE", "authorization code is required", nil)
			return
		}

		conf, verifier, err := p.resolve(r.Context())
		if err != nil {
			log.Error().Err(err).Msg("oauth provider unavailable")
			writeError(w, http.StatusBadGateway, "OAUTH_PROVIDER_UNAVAILABLE", "oauth provider unavailable", nil)
			return
		}
		c := s.withRedirect(conf, r, p.cfg.ID)
		token, err := c.Exchange(r.Context(), code, oauth2.VerifierOption(pkce))
		if err != nil {
			log.Error().Err(err).Msg("oauth code exchange failed")
			writeError(w, http.StatusBadGateway, "OAUTH_EXCHANGE_FAILED", "failed to exchange authorization code", nil)
			return
		}

		var ident oauthIdentity
		if verifier != nil {
			ident, err = verifyIDToken(r.Context(), verifier, token, claims.Nonce)
		} else {
			ident, err = fetchUserInfo(r.Context(), c, token, p.cfg.UserInfoURL)
		}
		if err != nil {
			log.Error().Err(err).Msg("oauth identity lookup failed")
			writeError(w, http.StatusBadGateway, "OAUTH_IDENTITY_FAILED", "failed to read identity from provider", nil)
			return
		}

		user, err := s.resolveOAuthUser(r.Context(), p.cfg.ID, ident)
		switch {
		case errors.Is(err, errOAuthEmailRequired):
			writeError(w, http.StatusBadRequest, "OAUTH_EMAIL_REQUIRED", err.Error(), nil)
			return
		case errors.Is(err, errOAuthEmailUnverified):
			writeError(w, http.StatusConflict, "ACCOUNT_EXISTS", err.Error(), nil)
			return
		case err != nil:
			log.Error().Err(err).Msg("oauth user resolution failed")
			writeError(w, http.StatusInternalServerError, "OAUTH_USER_FAILED", "failed to sign in", nil)
			return
		}

		session, err := s.createSession(r, user.ID)
		if err != nil {
			log.Error().Err(err).Str("user_id", user.ID).Msg("create session failed")
			writeError(w, http.StatusInternalServerError, "CREATE_SESSION_FAILED", "failed to create session", nil)
			return
		}
		s.setSessionCookie(w, session.RawToken, session.ExpiresAt)
		log.Info().Str("user_id", user.ID).Msg("oauth sign-in")

		dest := claims.ReturnTo
		if dest == "" {
			dest = s.cfg.OAuth.SuccessRedirect
		}
		http.Redirect(w, r, dest, http.StatusFound)
	}
}

func (s *Server) parseState(raw string) (*stateClaims, error) {
	claims := &stateClaims{}
	_, err := jwt.ParseWithClaims(raw, claims, func(*jwt.Token) (any, error) {
		return []byte(s.cfg.Secret), nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithExpirationRequired())
	if err != nil {
		return nil, err
	}
	return claims, nil
}

func (s *Server) resolveOAuthUser(ctx context.Context, providerID string, ident oauthIdentity) (storage.User, error) {
	store := s.cfg.PrimaryStore
	account, err := store.FindAccount(ctx, providerID, ident.Subject)
	if err == nil {
		return store.FindUserByID(ctx, account.UserID)
	}
	if !errors.Is(err, storage.ErrNotFound) {
		return storage.User{}, err
	}
	if ident.Email == "" {
		return storage.User{}, errOAuthEmailRequired
	}

	user, err := store.FindUserByEmail(ctx, ident.Email)
	switch {
	case errors.Is(err, storage.ErrNotFound):
		user, err = store.CreateUser(ctx, storage.CreateUserParams{
			Email:         ident.Email,
			Name:          ident.Name,
			Role:          string(guard.RolePatient),
			EmailVerified: ident.EmailVerified,
		})
		if errors.Is(err, storage.ErrAlreadyExists) {
			user, err = store.FindUserByEmail(ctx, ident.Email)
		}
		if err != nil {
			return storage.User{}, err
		}
		s.logger.Info().Str("user_id", user.ID).Str("provider", providerID).Msg("user created from oauth")
	case err != nil:
		return storage.User{}, err
	case !ident.EmailVerified:
		return storage.User{}, errOAuthEmailUnverified
	}

	if _, err := store.LinkAccount(ctx, storage.LinkAccountParams{
		UserID:     user.ID,
		ProviderID: providerID,
		AccountID:  ident.Subject,
	}); err != nil && !errors.Is(err, storage.ErrAlreadyExists) {
		return storage.User{}, err
	}
	return user, nil
}

func verifyIDToken(ctx context.Context, verifier *oidc.IDTokenVerifier, token *oauth2.Token, nonce string) (oauthIdentity, error) {
	raw, ok := token.Extra("id_token").(string)
	if !ok || raw == "" {
		return oauthIdentity{}, errors.New("token response has no id_token")
	}
	idToken, err := verifier.Verify(ctx, raw)
	if err != nil {
		return oauthIdentity{}, fmt.Errorf("verify id token: %w", err)
	}
	if subtle.ConstantTimeCompare([]byte(idToken.Nonce), []byte(nonce)) != 1 {
		return oauthIdentity{}, errors.New("id token nonce mismatch")
	}
	var claims struct {
		Email         string `json:"email"`
		EmailVerified bool   `json:"email_verified"`
		Name          string `json:"name"`
	}
	if err := idToken.Claims(&claims); err != nil {
		return oauthIdentity{}, fmt.Errorf("decode id token claims: %w", err)
	}
	return oauthIdentity{
		Subject:       idToken.Subject,
		Email:         strings.ToLower(strings.TrimSpace(claims.Email)),
		EmailVerified: claims.EmailVerified,
		Name:          strings.TrimSpace(claims.Name),
	}, nil
}

func fetchUserInfo(ctx context.Context, conf *oauth2.Config, token *oauth2.Token, userInfoURL string) (oauthIdentity, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, userInfoURL, nil)
	if err != nil {
		return oauthIdentity{}, err
	}
	req.Header.Set("Accept", "application/json")
	resp, err := conf.Client(ctx, token).Do(req)
	if err != nil {
		return oauthIdentity{}, fmt.Errorf("fetch userinfo: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return oauthIdentity{}, fmt.Errorf("fetch userinfo: unexpected status %d", resp.StatusCode)
	}

	var raw map[string]any
	dec := json.NewDecoder(resp.Body)
	dec.UseNumber()
	if err := dec.Decode(&raw); err != nil {
		return oauthIdentity{}, fmt.Errorf("decode userinfo: %w", err)
	}

	ident := oauthIdentity{
		Subject: claimString(raw, "sub", "id"),
		Email:   strings.ToLower(claimString(raw, "email")),
		Name:    claimString(raw, "name", "login"),
	}
	if v, ok := raw["email_verified"].(bool); ok {
		ident.EmailVerified = v
	}
	if ident.Subject == "" {
		return oauthIdentity{}, errors.New("userinfo has no subject")
	}
	return ident, nil
}

func claimString(raw map[string]any, keys ...string) string {
	for _, k := range keys {
		switch v := raw[k].(type) {
		case string:
			if s := strings.TrimSpace(v); s != "" {
				return s
			}
		case json.Number:
			return v.String()
		}
	}
	return ""
}

func (s *Server) withRedirect(conf *oauth2.Config, r *http.Request, providerID string) *oauth2.Config {
	c := *conf
	if c.RedirectURL == "" {
		scheme := "http"
		if r.TLS != nil {
			scheme = "https"
		}
		if proto := strings.TrimSpace(r.Header.Get("X-Forwarded-Proto")); proto != "" {
			scheme = proto
		}
		c.RedirectURL = scheme + "://" + r.Host + joinPath(s.cfg.BasePath, "/callback/"+providerID)
	}
	return &c
}

func (s *Server) oauthCookieName() string {
	return s.cfg.Session.CookieName + "_oauth"
}

func (s *Server) readOAuthCookie(r *http.Request) (nonce, pkce string, ok bool) {
	cookie, err := r.Cookie(s.oauthCookieName())
	if err != nil {
		return "", "", false
	}
	nonce, pkce, ok = strings.Cut(cookie.Value, ".")
	return nonce, pkce, ok && nonce != "" && pkce != ""
}

func (s *Server) clearOAuthCookie(w http.ResponseWriter) {
	http.SetCookie(w, &http.Cookie{
		Name:     s.oauthCookieName(),
		Value:    "",
		Path:     s.cfg.BasePath,
		HttpOnly: true,
		Secure:   s.cfg.Session.SecureCookies,
		SameSite: http.SameSiteLaxMode,
		MaxAge:   -1,
	})
}

// safeReturnTo only admits same-origin absolute paths.
func safeReturnTo(v string) string {
	v = strings.TrimSpace(v)
	if !strings.HasPrefix(v, "/") || strings.HasPrefix(v, "//") || strings.HasPrefix(v, "/\\") {
		return ""
	}
	return v
}
