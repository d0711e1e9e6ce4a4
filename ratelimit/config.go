package ratelimit

import (
	"errors"
	"strings"
	"time"
)

// Config is an admission ceiling per window. Presets are process-wide and
// must not be mutated at runtime.
type Config struct {
	Name        string
	Window      time.Duration
	MaxRequests int
}

var (
	// Auth guards credential attempts: sign-in, sign-up, password reset.
	Auth = Config{Name: "auth", Window: 15 * time.Minute, MaxRequests: 5}
	// API is the budget for general JSON API routes.
	API = Config{Name: "api", Window: time.Minute, MaxRequests: 60}
	// General is the budget for everything else.
	General = Config{Name: "general", Window: time.Minute, MaxRequests: 100}
)

// Preset looks up a named preset.
func Preset(name string) (Config, bool) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case Auth.Name:
		return Auth, true
	case API.Name:
		return API, true
	case General.Name:
		return General, true
	default:
		return Config{}, false
	}
}

func (c Config) Validate() error {
	if c.Window <= 0 {
		return errors.New("rate limit window must be positive")
	}
	if c.MaxRequests <= 0 {
		return errors.New("rate limit max requests must be positive")
	}
	return nil
}

func (c Config) key(identifier string) string {
	if c.Name == "" {
		return identifier
	}
	return c.Name + ":" + identifier
}
