// Package ratelimit implements per-identifier fixed-reset window admission.
//
// All requests inside one window share a single reset boundary, so a burst
// straddling a boundary can admit up to twice MaxRequests in a short span.
// This is a known limitation of the algorithm.
package ratelimit

import (
	"context"
	"time"

	"github.com/rs/zerolog"
)

const DefaultSweepInterval = 10 * time.Minute

type Clock interface {
	Now() time.Time
}

type ClockFunc func() time.Time

func (f ClockFunc) Now() time.Time { return f() }

// SystemClock reads wall-clock time.
var SystemClock Clock = ClockFunc(time.Now)

// Observer receives limiter outcomes, typically for metrics.
type Observer interface {
	ObserveDecision(preset string, allowed bool)
	ObserveSweep(removed int)
}

type Result struct {
	Allowed   bool
	Remaining int
	Limit     int
	ResetTime time.Time
}

type Limiter struct {
	store    Store
	clock    Clock
	observer Observer
	logger   zerolog.Logger
}

type Option func(*Limiter)

func WithStore(s Store) Option {
	return func(l *Limiter) {
		if s != nil {
			l.store = s
		}
	}
}

func WithClock(c Clock) Option {
	return func(l *Limiter) {
		if c != nil {
			l.clock = c
		}
	}
}

func WithObserver(o Observer) Option {
	return func(l *Limiter) { l.observer = o }
}

func WithLogger(logger zerolog.Logger) Option {
	return func(l *Limiter) { l.logger = logger }
}

func New(opts ...Option) *Limiter {
	l := &Limiter{
		store:  NewMemoryStore(),
		clock:  SystemClock,
		logger: zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

func (l *Limiter) Clock() Clock { return l.clock }

// Check consumes one unit of the identifier's budget for cfg. The in-memory
// store never fails; an error is only possible with an external Store.
func (l *Limiter) Check(ctx context.Context, identifier string, cfg Config) (Result, error) {
	now := l.clock.Now()
	entry, allowed, err := l.store.Hit(ctx, cfg.key(identifier), now, cfg.Window, cfg.MaxRequests)
	if err != nil {
		return Result{}, err
	}
	if l.observer != nil {
		l.observer.ObserveDecision(cfg.Name, allowed)
	}

	res := Result{
		Allowed:   allowed,
		Limit:     cfg.MaxRequests,
		ResetTime: entry.ResetAt,
	}
	if allowed {
		res.Remaining = remaining(cfg.MaxRequests, entry.Count)
	}
	return res, nil
}

// Peek reports the identifier's current standing without consuming budget.
func (l *Limiter) Peek(ctx context.Context, identifier string, cfg Config) (Result, error) {
	now := l.clock.Now()
	entry, ok, err := l.store.Get(ctx, cfg.key(identifier))
	if err != nil {
		return Result{}, err
	}
	if !ok || entry.expired(now) {
		return Result{
			Allowed:   true,
			Remaining: cfg.MaxRequests,
			Limit:     cfg.MaxRequests,
			ResetTime: now.Add(cfg.Window),
		}, nil
	}
	left := remaining(cfg.MaxRequests, entry.Count)
	return Result{
		Allowed:   left > 0,
		Remaining: left,
		Limit:     cfg.MaxRequests,
		ResetTime: entry.ResetAt,
	}, nil
}

// Sweep removes every entry whose window has already reset. Entries with a
// future reset are never touched.
func (l *Limiter) Sweep(ctx context.Context) (int, error) {
	removed, err := l.store.DeleteExpired(ctx, l.clock.Now())
	if err != nil {
		return 0, err
	}
	if l.observer != nil {
		l.observer.ObserveSweep(removed)
	}
	return removed, nil
}

// RunSweeper sweeps on every tick until ctx is done.
func (l *Limiter) RunSweeper(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = DefaultSweepInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			removed, err := l.Sweep(ctx)
			if err != nil {
				l.logger.Error().Err(err).Msg("rate limit sweep failed")
				continue
			}
			l.logger.Debug().Int("removed", removed).Msg("rate limit sweep")
		}
	}
}

func remaining(max, count int) int {
	if count >= max {
		return 0
	}
	return max - count
}
