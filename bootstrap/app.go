package bootstrap

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	"github.com/captjt/authgate/auth"
	"github.com/captjt/authgate/gateway"
	"github.com/captjt/authgate/guard"
	"github.com/captjt/authgate/logging"
	"github.com/captjt/authgate/metrics"
	"github.com/captjt/authgate/ratelimit"
	"github.com/captjt/authgate/ratelimit/redisstore"
	"github.com/captjt/authgate/storage"
)

const (
	defaultAddr            = ":8080"
	defaultShutdownTimeout = 10 * time.Second
	defaultMetricsPath     = "/metrics"
)

// App is the served gateway: the rate-limited auth provider, guarded portal
// routes, health and metrics on one chi router.
type App struct {
	Auth    *auth.Server
	Gateway *gateway.Gateway
	Guard   *guard.Guard
	Limiter *ratelimit.Limiter
	Logger  zerolog.Logger

	store           storage.Primary
	handler         http.Handler
	addr            string
	shutdownTimeout time.Duration
	sweepInterval   time.Duration
	closers         []func() error
}

func NewAppFromFile(path string) (*App, error) {
	cfg, err := LoadFile(path)
	if err != nil {
		return nil, err
	}
	return NewApp(cfg)
}

func NewApp(cfg FileConfig) (*App, error) {
	logger, closeLog, err := logging.New(logging.Options{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
		Output: cfg.Logging.Output,
	})
	if err != nil {
		return nil, fmt.Errorf("logging: %w", err)
	}

	a := &App{
		Logger:          logger,
		addr:            strings.TrimSpace(cfg.Server.Addr),
		shutdownTimeout: parseDuration(cfg.Server.ShutdownTimeout, defaultShutdownTimeout),
		sweepInterval:   parseDuration(cfg.RateLimit.SweepInterval, ratelimit.DefaultSweepInterval),
		closers:         []func() error{closeLog},
	}
	if a.addr == "" {
		a.addr = defaultAddr
	}
	if err := a.build(cfg); err != nil {
		_ = a.Close()
		return nil, err
	}
	return a, nil
}

func (a *App) build(cfg FileConfig) error {
	metricsOn := cfg.Metrics.Enabled == nil || *cfg.Metrics.Enabled
	var (
		reg       *prometheus.Registry
		collector *metrics.Collector
	)
	if metricsOn {
		reg = prometheus.NewRegistry()
		collector = metrics.New(reg)
	}

	authCfg, cleanup, err := BuildAuthConfig(cfg, &a.Logger)
	if err != nil {
		return err
	}
	a.closers = append(a.closers, cleanup)
	a.store = authCfg.PrimaryStore

	preset, err := buildPreset(cfg.RateLimit)
	if err != nil {
		return err
	}
	identifier, ok := ratelimit.IdentifierByName(cfg.RateLimit.Identifier)
	if !ok {
		return fmt.Errorf("rateLimit.identifier: unknown policy %q", cfg.RateLimit.Identifier)
	}
	authCfg.ClientIdentifier = identifier

	a.Auth, err = auth.New(authCfg)
	if err != nil {
		return err
	}

	limiterOpts := []ratelimit.Option{ratelimit.WithLogger(a.Logger.With().Str("component", "ratelimit").Logger())}
	switch strings.ToLower(strings.TrimSpace(cfg.RateLimit.Store)) {
	case "", "memory":
	case "redis":
		rs, err := redisstore.New(redisstore.Config{
			Addr:      strings.TrimSpace(cfg.RateLimit.Redis.Addr),
			Password:  cfg.RateLimit.Redis.Password,
			DB:        cfg.RateLimit.Redis.DB,
			KeyPrefix: strings.TrimSpace(cfg.RateLimit.Redis.KeyPrefix),
		})
		if err != nil {
			return err
		}
		a.closers = append(a.closers, rs.Close)
		limiterOpts = append(limiterOpts, ratelimit.WithStore(rs))
	default:
		return fmt.Errorf("rateLimit.store: unsupported store %q", cfg.RateLimit.Store)
	}
	if collector != nil {
		limiterOpts = append(limiterOpts, ratelimit.WithObserver(collector))
	}
	a.Limiter = ratelimit.New(limiterOpts...)

	gwOpts := gateway.Options{
		Limiter:    a.Limiter,
		Preset:     preset,
		Identifier: identifier,
		Logger:     &a.Logger,
	}
	if collector != nil {
		gwOpts.Recorder = collector
	}
	a.Gateway, err = gateway.New(gwOpts)
	if err != nil {
		return err
	}

	loginPaths, err := rolePaths("guard.loginPaths", cfg.Guard.LoginPaths)
	if err != nil {
		return err
	}
	homePaths, err := rolePaths("guard.homePaths", cfg.Guard.HomePaths)
	if err != nil {
		return err
	}
	guardOpts := guard.Options{
		Sessions:         a.Auth,
		Roles:            a.Auth,
		Logger:           &a.Logger,
		LoginPaths:       loginPaths,
		DefaultLoginPath: cfg.Guard.DefaultLoginPath,
		HomePaths:        homePaths,
	}
	if collector != nil {
		guardOpts.Recorder = collector
	}
	a.Guard, err = guard.New(guardOpts)
	if err != nil {
		return err
	}

	r := chi.NewRouter()
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "version": auth.Version})
	})
	if reg != nil {
		path := strings.TrimSpace(cfg.Metrics.Path)
		if path == "" {
			path = defaultMetricsPath
		}
		r.Method(http.MethodGet, path, metrics.Handler(reg))
	}
	r.Mount(a.Auth.BasePath(), a.Gateway.Wrap(a.Auth.Handler()))
	r.With(a.Guard.Require(guard.Authenticated())).Get("/me", handleMe)

	logins := mergeRolePaths(guard.DefaultLoginPaths, loginPaths)
	for _, role := range guard.Roles() {
		r.Get(logins[role], a.handleLogin(role))
	}
	homes := mergeRolePaths(guard.DefaultHomePaths, homePaths)
	for _, role := range guard.Roles() {
		portal := r.With(a.Guard.Require(guard.RequireRole(role)))
		portal.Get(homes[role], handlePortal(role))
		portal.Get(strings.TrimSuffix(homes[role], "/")+"/*", handlePortal(role))
	}

	a.handler = r
	return nil
}

func (a *App) Handler() http.Handler { return a.handler }

// Addr is the configured listen address.
func (a *App) Addr() string { return a.addr }

// Run serves on addr (the configured address when empty) with the limiter
// sweeper and the session janitor running, and shuts down gracefully when
// ctx is done.
func (a *App) Run(ctx context.Context, addr string) error {
	if strings.TrimSpace(addr) == "" {
		addr = a.addr
	}
	srv := &http.Server{
		Addr:              addr,
		Handler:           a.handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	bg, stop := context.WithCancel(ctx)
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		a.Limiter.RunSweeper(bg, a.sweepInterval)
	}()
	go func() {
		defer wg.Done()
		a.runJanitor(bg)
	}()
	defer func() {
		stop()
		wg.Wait()
	}()

	errCh := make(chan error, 1)
	go func() {
		a.Logger.Info().Str("addr", addr).Msg("authgate listening")
		if err := srv.ListenAndServe(); err != nil {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		a.Logger.Info().Msg("shutdown signal received")
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("serve: %w", err)
		}
		return nil
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), a.shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("graceful shutdown: %w", err)
	}
	return nil
}

// Close releases stores and log files in reverse order of acquisition.
func (a *App) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if a.closers[i] == nil {
			continue
		}
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}

func (a *App) runJanitor(ctx context.Context) {
	ticker := time.NewTicker(a.sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			a.purgeExpired(ctx, time.Now().UTC())
		}
	}
}

func (a *App) purgeExpired(ctx context.Context, now time.Time) {
	if err := a.store.DeleteExpiredSessions(ctx, now); err != nil {
		a.Logger.Error().Err(err).Msg("purge expired sessions failed")
	}
	if err := a.store.DeleteExpiredVerificationTokens(ctx, now); err != nil {
		a.Logger.Error().Err(err).Msg("purge expired verification tokens failed")
	}
}

func (a *App) handleLogin(role guard.Role) http.HandlerFunc {
	signIn := strings.TrimSuffix(a.Auth.BasePath(), "/") + "/sign-in/email"
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{
			"role":        string(role),
			"signIn":      signIn,
			"callbackUrl": r.URL.Query().Get("callbackUrl"),
		})
	}
}

func handleMe(w http.ResponseWriter, r *http.Request) {
	session, _ := guard.SessionFrom(r.Context())
	writeJSON(w, http.StatusOK, map[string]any{
		"userId":    session.UserID,
		"role":      session.Role,
		"expiresAt": session.ExpiresAt,
	})
}

func handlePortal(role guard.Role) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		session, _ := guard.SessionFrom(r.Context())
		writeJSON(w, http.StatusOK, map[string]string{
			"portal": string(role),
			"userId": session.UserID,
			"path":   r.URL.Path,
		})
	}
}

func buildPreset(cfg RateLimitConfig) (ratelimit.Config, error) {
	name := strings.TrimSpace(cfg.Preset)
	if name == "" {
		name = ratelimit.Auth.Name
	}
	preset, ok := ratelimit.Preset(name)
	if !ok {
		return ratelimit.Config{}, fmt.Errorf("rateLimit.preset: unknown preset %q", cfg.Preset)
	}
	preset.Window = parseDuration(cfg.Window, preset.Window)
	if cfg.Max > 0 {
		preset.MaxRequests = cfg.Max
	}
	if err := preset.Validate(); err != nil {
		return ratelimit.Config{}, err
	}
	return preset, nil
}

func rolePaths(field string, raw map[string]string) (map[guard.Role]string, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	out := make(map[guard.Role]string, len(raw))
	for k, v := range raw {
		role, err := guard.ParseRole(k)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", field, err)
		}
		out[role] = strings.TrimSpace(v)
	}
	return out, nil
}

func mergeRolePaths(base, override map[guard.Role]string) map[guard.Role]string {
	out := make(map[guard.Role]string, len(base))
	for k, v := range base {
		out[k] = v
	}
	for k, v := range override {
		if v != "" {
			out[k] = v
		}
	}
	return out
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
