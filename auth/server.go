package auth

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog"
)

const DefaultBasePath = "/api/auth"

type Server struct {
	cfg       Config
	routes    map[string]map[string]http.HandlerFunc
	summaries map[string]map[string]routeDoc
	openapi   []byte
	logger    zerolog.Logger
	validate  *validator.Validate
	providers map[string]*oauthProvider
}

func New(cfg Config) (*Server, error) {
	resolved := cfg.withDefaults()
	if err := resolved.validate(); err != nil {
		return nil, err
	}

	s := &Server{
		cfg:       resolved,
		routes:    map[string]map[string]http.HandlerFunc{},
		summaries: map[string]map[string]routeDoc{},
		logger:    zerolog.Nop(),
		validate:  newValidator(),
		providers: map[string]*oauthProvider{},
	}
	if resolved.Logger != nil {
		s.logger = resolved.Logger.With().Str("component", "auth").Logger()
	}

	if err := s.registerCoreRoutes(); err != nil {
		return nil, err
	}
	if err := s.registerOAuthRoutes(); err != nil {
		return nil, err
	}
	if err := s.refreshOpenAPI(); err != nil {
		return nil, err
	}

	return s, nil
}

// BasePath is the resolved mount prefix of every provider route.
func (s *Server) BasePath() string { return s.cfg.BasePath }

func (s *Server) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path := normalizePath(r.URL.Path)
		if path == "" {
			path = "/"
		}

		methods, exists := s.routes[path]
		if !exists {
			writeError(w, http.StatusNotFound, "NOT_FOUND", "endpoint not found", nil)
			return
		}

		h, ok := methods[strings.ToUpper(r.Method)]
		if !ok {
			writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "method not allowed", nil)
			return
		}

		if err := s.checkRequestPolicy(r); err != nil {
			s.logger.Warn().Str("origin", r.Header.Get("Origin")).Str("path", path).Msg("request blocked")
			writeError(w, http.StatusForbidden, "REQUEST_BLOCKED", err.Error(), nil)
			return
		}

		h.ServeHTTP(w, r)
	})
}

func (s *Server) OpenAPISpec(_ context.Context) ([]byte, error) {
	out := make([]byte, len(s.openapi))
	copy(out, s.openapi)
	return out, nil
}

func (s *Server) registerCoreRoutes() error {
	if err := s.addRoute("GET", joinPath(s.cfg.BasePath, "/ok"), s.handleOK, routeDoc{
		Summary: "Health check",
		Tags:    []string{"Core"},
	}); err != nil {
		return err
	}

	if err := s.addRoute("GET", joinPath(s.cfg.BasePath, "/openapi.json"), s.handleOpenAPI, routeDoc{
		Summary: "OpenAPI specification",
		Tags:    []string{"Core"},
	}); err != nil {
		return err
	}

	if err := s.addRoute("GET", joinPath(s.cfg.BasePath, "/get-session"), s.handleGetSession, routeDoc{
		Summary: "Get current session",
		Tags:    []string{"Session"},
	}); err != nil {
		return err
	}
	if err := s.addRoute("POST", joinPath(s.cfg.BasePath, "/sign-out"), s.handleSignOut, routeDoc{
		Summary: "Sign out current session",
		Tags:    []string{"Session"},
	}); err != nil {
		return err
	}

	if !s.cfg.EmailPassword.Enabled {
		return nil
	}

	coreRoutes := []coreRoute{
		{"POST", "/sign-up/email", s.handleSignUpEmail, "Sign up with email and password", "EmailPassword"},
		{"POST", "/sign-in/email", s.handleSignInEmail, "Sign in with email and password", "EmailPassword"},
	}
	if s.cfg.PasswordReset.Enabled {
		coreRoutes = append(coreRoutes,
			coreRoute{"POST", "/request-password-reset", s.handleRequestPasswordReset, "Request a password reset token", "PasswordReset"},
			coreRoute{"POST", "/reset-password", s.handleResetPassword, "Reset password with a token", "PasswordReset"},
		)
	}

	for _, rt := range coreRoutes {
		if err := s.addRoute(rt.method, joinPath(s.cfg.BasePath, rt.path), rt.h, routeDoc{
			Summary: rt.s,
			Tags:    []string{rt.tag},
		}); err != nil {
			return err
		}
	}

	return nil
}

type coreRoute struct {
	method string
	path   string
	h      http.HandlerFunc
	s      string
	tag    string
}

func (s *Server) registerOAuthRoutes() error {
	for _, p := range s.cfg.OAuth.Providers {
		provider := newOAuthProvider(p)
		s.providers[p.ID] = provider

		if err := s.addRoute("GET", joinPath(s.cfg.BasePath, "/sign-in/social/"+p.ID), s.handleSocialSignIn(provider), routeDoc{
			Summary: "Start " + p.ID + " sign-in",
			Tags:    []string{"OAuth"},
		}); err != nil {
			return err
		}
		if err := s.addRoute("GET", joinPath(s.cfg.BasePath, "/callback/"+p.ID), s.handleOAuthCallback(provider), routeDoc{
			Summary: "Complete " + p.ID + " sign-in",
			Tags:    []string{"OAuth"},
		}); err != nil {
			return err
		}
	}
	return nil
}

func (s *Server) addRoute(method, path string, h http.HandlerFunc, doc routeDoc) error {
	method = strings.ToUpper(strings.TrimSpace(method))
	path = normalizePath(path)
	if method == "" || path == "" || h == nil {
		return fmt.Errorf("invalid route registration %q %q", method, path)
	}

	if _, ok := s.routes[path]; !ok {
		s.routes[path] = map[string]http.HandlerFunc{}
		s.summaries[path] = map[string]routeDoc{}
	}
	if _, exists := s.routes[path][method]; exists {
		return fmt.Errorf("conflicting route registration for %s %s", method, path)
	}

	s.routes[path][method] = h
	s.summaries[path][method] = doc
	return nil
}

func (s *Server) refreshOpenAPI() error {
	docs := make([]routeDoc, 0, len(s.summaries)*2)
	for path, byMethod := range s.summaries {
		for method, d := range byMethod {
			d.Method = method
			d.Path = path
			docs = append(docs, d)
		}
	}
	spec, err := buildOpenAPISpec(s.cfg.AppName, docs)
	if err != nil {
		return err
	}
	s.openapi = bytes.Clone(spec)
	return nil
}

func (s *Server) checkRequestPolicy(r *http.Request) error {
	method := strings.ToUpper(strings.TrimSpace(r.Method))
	if method == http.MethodGet || method == http.MethodHead || method == http.MethodOptions {
		return nil
	}
	origin := strings.TrimSpace(r.Header.Get("Origin"))
	if !isOriginTrusted(origin, s.cfg.TrustedOrigins) {
		return errors.New("origin is not trusted")
	}
	return nil
}
