package bootstrap

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	_ "github.com/go-sql-driver/mysql"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"
	_ "modernc.org/sqlite"

	"github.com/captjt/authgate/auth"
	"github.com/captjt/authgate/guard"
	"github.com/captjt/authgate/mailer"
	"github.com/captjt/authgate/migrations"
	"github.com/captjt/authgate/storage"
	"github.com/captjt/authgate/storage/memory"
	"github.com/captjt/authgate/storage/sqlstore"
)

type FileConfig struct {
	AppName        string   `yaml:"appName"`
	BasePath       string   `yaml:"basePath"`
	Secret         string   `yaml:"secret"`
	TrustedOrigins []string `yaml:"trustedOrigins"`

	Server        ServerConfig        `yaml:"server"`
	Database      *DatabaseConfig     `yaml:"database"`
	EmailPassword EmailPasswordConfig `yaml:"emailPassword"`
	Session       SessionConfig       `yaml:"session"`
	PasswordReset PasswordResetConfig `yaml:"passwordReset"`
	SMTP          *SMTPConfig         `yaml:"smtp"`
	OAuth         OAuthConfig         `yaml:"oauth"`
	RateLimit     RateLimitConfig     `yaml:"rateLimit"`
	Logging       LoggingConfig       `yaml:"logging"`
	Metrics       MetricsConfig       `yaml:"metrics"`
	Guard         GuardConfig         `yaml:"guard"`
}

type ServerConfig struct {
	Addr            string `yaml:"addr"`
	ShutdownTimeout string `yaml:"shutdownTimeout"`
}

type DatabaseConfig struct {
	Dialect     string `yaml:"dialect"`
	DSN         string `yaml:"dsn"`
	AutoMigrate bool   `yaml:"autoMigrate"`
}

type EmailPasswordConfig struct {
	Enabled            bool     `yaml:"enabled"`
	DisableSignUp      bool     `yaml:"disableSignUp"`
	AutoSignInOnSignUp *bool    `yaml:"autoSignInOnSignUp"`
	MinPasswordLength  int      `yaml:"minPasswordLength"`
	MaxPasswordLength  int      `yaml:"maxPasswordLength"`
	BCryptCost         int      `yaml:"bCryptCost"`
	DefaultRole        string   `yaml:"defaultRole"`
	AllowedSignUpRoles []string `yaml:"allowedSignUpRoles"`
}

type SessionConfig struct {
	CookieName    string `yaml:"cookieName"`
	Duration      string `yaml:"duration"`
	SecureCookies bool   `yaml:"secureCookies"`
}

type PasswordResetConfig struct {
	Enabled               bool   `yaml:"enabled"`
	TokenTTL              string `yaml:"tokenTtl"`
	ResetURL              string `yaml:"resetUrl"`
	ExposeTokenInResponse bool   `yaml:"exposeTokenInResponse"`
}

type SMTPConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	From     string `yaml:"from"`
}

type OAuthConfig struct {
	SuccessRedirect string                `yaml:"successRedirect"`
	StateTTL        string                `yaml:"stateTtl"`
	Providers       []OAuthProviderConfig `yaml:"providers"`
}

type OAuthProviderConfig struct {
	ID           string   `yaml:"id"`
	ClientID     string   `yaml:"clientId"`
	ClientSecret string   `yaml:"clientSecret"`
	RedirectURL  string   `yaml:"redirectUrl"`
	Scopes       []string `yaml:"scopes"`
	Issuer       string   `yaml:"issuer"`
	AuthURL      string   `yaml:"authUrl"`
	TokenURL     string   `yaml:"tokenUrl"`
	UserInfoURL  string   `yaml:"userInfoUrl"`
}

type RateLimitConfig struct {
	Preset        string      `yaml:"preset"`
	Window        string      `yaml:"window"`
	Max           int         `yaml:"max"`
	Identifier    string      `yaml:"identifier"`
	Store         string      `yaml:"store"`
	SweepInterval string      `yaml:"sweepInterval"`
	Redis         RedisConfig `yaml:"redis"`
}

type RedisConfig struct {
	Addr      string `yaml:"addr"`
	Password  string `yaml:"password"`
	DB        int    `yaml:"db"`
	KeyPrefix string `yaml:"keyPrefix"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
}

type MetricsConfig struct {
	Enabled *bool  `yaml:"enabled"`
	Path    string `yaml:"path"`
}

type GuardConfig struct {
	DefaultLoginPath string            `yaml:"defaultLoginPath"`
	LoginPaths       map[string]string `yaml:"loginPaths"`
	HomePaths        map[string]string `yaml:"homePaths"`
}

// LoadFile reads a YAML config. A .env file next to the working directory
// is loaded first and ${VAR} references are expanded before parsing.
func LoadFile(path string) (FileConfig, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return FileConfig{}, fmt.Errorf("load .env: %w", err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return FileConfig{}, err
	}
	return Parse(data)
}

func Parse(data []byte) (FileConfig, error) {
	var cfg FileConfig
	if err := yaml.Unmarshal([]byte(os.ExpandEnv(string(data))), &cfg); err != nil {
		return FileConfig{}, fmt.Errorf("parse config: %w", err)
	}
	return cfg, nil
}

func BuildAuthConfig(cfg FileConfig, logger *zerolog.Logger) (auth.Config, func() error, error) {
	primary, cleanup, err := OpenPrimaryStore(cfg.Database)
	if err != nil {
		return auth.Config{}, nil, err
	}
	fail := func(err error) (auth.Config, func() error, error) {
		_ = cleanup()
		return auth.Config{}, nil, err
	}

	autoSignIn := true
	if cfg.EmailPassword.AutoSignInOnSignUp != nil {
		autoSignIn = *cfg.EmailPassword.AutoSignInOnSignUp
	}

	var defaultRole guard.Role
	if strings.TrimSpace(cfg.EmailPassword.DefaultRole) != "" {
		if defaultRole, err = guard.ParseRole(cfg.EmailPassword.DefaultRole); err != nil {
			return fail(fmt.Errorf("emailPassword.defaultRole: %w", err))
		}
	}
	allowed := make([]guard.Role, 0, len(cfg.EmailPassword.AllowedSignUpRoles))
	for _, v := range cfg.EmailPassword.AllowedSignUpRoles {
		role, err := guard.ParseRole(v)
		if err != nil {
			return fail(fmt.Errorf("emailPassword.allowedSignUpRoles: %w", err))
		}
		allowed = append(allowed, role)
	}

	resetTTL := parseDuration(cfg.PasswordReset.TokenTTL, 30*time.Minute)
	var sender auth.Sender
	if cfg.SMTP != nil {
		smtp, err := mailer.NewSMTPSender(mailer.Config{
			Host:     strings.TrimSpace(cfg.SMTP.Host),
			Port:     cfg.SMTP.Port,
			Username: cfg.SMTP.Username,
			Password: cfg.SMTP.Password,
			From:     strings.TrimSpace(cfg.SMTP.From),
			ResetURL: strings.TrimSpace(cfg.PasswordReset.ResetURL),
			TokenTTL: resetTTL,
			AppName:  strings.TrimSpace(cfg.AppName),
		})
		if err != nil {
			return fail(err)
		}
		sender = smtp.SendPasswordReset
	}

	providers := make([]auth.OAuthProvider, 0, len(cfg.OAuth.Providers))
	for _, p := range cfg.OAuth.Providers {
		providers = append(providers, auth.OAuthProvider{
			ID:           p.ID,
			ClientID:     strings.TrimSpace(p.ClientID),
			ClientSecret: p.ClientSecret,
			RedirectURL:  strings.TrimSpace(p.RedirectURL),
			Scopes:       p.Scopes,
			Issuer:       p.Issuer,
			AuthURL:      strings.TrimSpace(p.AuthURL),
			TokenURL:     strings.TrimSpace(p.TokenURL),
			UserInfoURL:  strings.TrimSpace(p.UserInfoURL),
		})
	}

	ac := auth.Config{
		AppName:        strings.TrimSpace(cfg.AppName),
		BasePath:       strings.TrimSpace(cfg.BasePath),
		Secret:         strings.TrimSpace(cfg.Secret),
		TrustedOrigins: cfg.TrustedOrigins,
		PrimaryStore:   primary,
		Logger:         logger,
		EmailPassword: auth.EmailPasswordConfig{
			Enabled:            cfg.EmailPassword.Enabled,
			DisableSignUp:      cfg.EmailPassword.DisableSignUp,
			AutoSignInOnSignUp: autoSignIn,
			MinPasswordLength:  cfg.EmailPassword.MinPasswordLength,
			MaxPasswordLength:  cfg.EmailPassword.MaxPasswordLength,
			BCryptCost:         cfg.EmailPassword.BCryptCost,
			DefaultRole:        defaultRole,
			AllowedSignUpRoles: allowed,
		},
		Session: auth.SessionConfig{
			CookieName:    cfg.Session.CookieName,
			Duration:      parseDuration(cfg.Session.Duration, 7*24*time.Hour),
			SecureCookies: cfg.Session.SecureCookies,
		},
		PasswordReset: auth.PasswordResetConfig{
			Enabled:               cfg.PasswordReset.Enabled,
			TokenTTL:              resetTTL,
			Send:                  sender,
			ExposeTokenInResponse: cfg.PasswordReset.ExposeTokenInResponse,
		},
		OAuth: auth.OAuthConfig{
			Providers:       providers,
			SuccessRedirect: strings.TrimSpace(cfg.OAuth.SuccessRedirect),
			StateTTL:        parseDuration(cfg.OAuth.StateTTL, 10*time.Minute),
		},
	}

	return ac, cleanup, nil
}

// OpenDatabase opens and pings the configured database.
func OpenDatabase(ctx context.Context, cfg DatabaseConfig) (*sql.DB, migrations.Dialect, error) {
	dialect, err := migrations.ParseDialect(cfg.Dialect)
	if err != nil {
		return nil, "", err
	}
	driverName, err := migrations.DriverName(dialect)
	if err != nil {
		return nil, "", err
	}
	dsn := strings.TrimSpace(cfg.DSN)
	if dsn == "" {
		return nil, "", fmt.Errorf("database dsn is required")
	}
	db, err := sql.Open(driverName, dsn)
	if err != nil {
		return nil, "", err
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, "", err
	}
	return db, dialect, nil
}

// OpenPrimaryStore returns the memory store when cfg is nil.
func OpenPrimaryStore(cfg *DatabaseConfig) (storage.Primary, func() error, error) {
	if cfg == nil {
		return memory.New(), func() error { return nil }, nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	db, dialect, err := OpenDatabase(ctx, *cfg)
	if err != nil {
		return nil, nil, err
	}
	if cfg.AutoMigrate {
		if err := migrations.Apply(ctx, db, dialect); err != nil {
			_ = db.Close()
			return nil, nil, err
		}
	}

	var store storage.Primary
	switch dialect {
	case migrations.DialectPostgres:
		store = sqlstore.NewPostgres(db)
	case migrations.DialectMySQL:
		store = sqlstore.NewMySQL(db)
	case migrations.DialectSQLite:
		store = sqlstore.NewSQLite(db)
	default:
		_ = db.Close()
		return nil, nil, fmt.Errorf("unsupported dialect %q", dialect)
	}

	return store, db.Close, nil
}

func parseDuration(value string, fallback time.Duration) time.Duration {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return fallback
	}
	d, err := time.ParseDuration(trimmed)
	if err != nil {
		return fallback
	}
	return d
}
