// Package gateway decorates authentication provider handlers with admission
// control, rate-limit headers, security headers and structured logging.
package gateway

import (
	"encoding/json"
	"errors"
	"math"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/captjt/authgate/ratelimit"
)

const (
	HeaderLimit      = "X-RateLimit-Limit"
	HeaderRemaining  = "X-RateLimit-Remaining"
	HeaderReset      = "X-RateLimit-Reset"
	HeaderRetryAfter = "Retry-After"
	HeaderRequestID  = "X-Request-Id"

	callbackSegment = "/callback/"
	isoMillis       = "2006-01-02T15:04:05.000Z07:00"

	defaultRejectMessage = "Too many authentication attempts. Please try again later."
)

// credentialSegments name the provider routes that accept a credential or
// start a sign-in. Only these consume the limiter budget by default.
var credentialSegments = []string{"/sign-in/", "/sign-up/", "/request-password-reset/", "/reset-password/"}

// CredentialAttempt reports whether path is a sign-in, sign-up or password
// reset route.
func CredentialAttempt(path string) bool {
	p := path + "/"
	for _, seg := range credentialSegments {
		if strings.Contains(p, seg) {
			return true
		}
	}
	return false
}

// DefaultSecurityHeaders are applied to every wrapped response.
var DefaultSecurityHeaders = map[string]string{
	"X-Content-Type-Options": "nosniff",
	"X-Frame-Options":        "DENY",
	"Referrer-Policy":        "strict-origin-when-cross-origin",
	"Cache-Control":          "no-store",
}

// Recorder receives one observation per delegated request.
type Recorder interface {
	ObserveRequest(method string, status int, callback bool, d time.Duration)
}

// HandlerFunc is a provider handler that reports failure by returning an error.
type HandlerFunc func(http.ResponseWriter, *http.Request) error

type Options struct {
	Limiter    *ratelimit.Limiter
	Preset     ratelimit.Config
	Identifier ratelimit.Identifier
	Logger     *zerolog.Logger
	Recorder   Recorder

	// Limited selects the paths that are counted against the preset.
	// Defaults to CredentialAttempt. Callback paths are never limited.
	Limited func(path string) bool

	// SecurityHeaders replaces DefaultSecurityHeaders when non-nil. An empty
	// map disables the stage.
	SecurityHeaders map[string]string
	RejectMessage   string
}

type Gateway struct {
	limiter    *ratelimit.Limiter
	preset     ratelimit.Config
	identifier ratelimit.Identifier
	logger     zerolog.Logger
	recorder   Recorder
	limited    func(path string) bool
	security   map[string]string
	message    string
}

type rejection struct {
	Error     string `json:"error"`
	ResetTime string `json:"resetTime,omitempty"`
}

func New(opts Options) (*Gateway, error) {
	if opts.Limiter == nil {
		return nil, errors.New("gateway: limiter is required")
	}
	preset := opts.Preset
	if preset == (ratelimit.Config{}) {
		preset = ratelimit.Auth
	}
	if err := preset.Validate(); err != nil {
		return nil, err
	}

	g := &Gateway{
		limiter:    opts.Limiter,
		preset:     preset,
		identifier: opts.Identifier,
		logger:     zerolog.Nop(),
		recorder:   opts.Recorder,
		limited:    opts.Limited,
		security:   opts.SecurityHeaders,
		message:    strings.TrimSpace(opts.RejectMessage),
	}
	if g.identifier == nil {
		g.identifier = ratelimit.ForwardedIdentifier{}
	}
	if g.limited == nil {
		g.limited = CredentialAttempt
	}
	if opts.Logger != nil {
		g.logger = *opts.Logger
	}
	if g.security == nil {
		g.security = DefaultSecurityHeaders
	}
	if g.message == "" {
		g.message = defaultRejectMessage
	}
	return g, nil
}

// Stages returns the pipeline in order: identify, secure, admit, annotate,
// then log around the delegated handler.
func (g *Gateway) Stages() []Stage {
	return []Stage{g.identify, g.secure, g.admit, g.annotate, g.logDelegation}
}

func (g *Gateway) Wrap(next http.Handler) http.Handler {
	return Chain(next, g.Stages()...)
}

// WrapFunc decorates an error-returning handler. The handler's error is
// logged and returned to the caller unchanged.
func (g *Gateway) WrapFunc(next HandlerFunc) HandlerFunc {
	h := g.Wrap(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := next(w, r); err != nil {
			if info, ok := InfoFrom(r.Context()); ok {
				info.err = err
			}
		}
	}))
	return func(w http.ResponseWriter, r *http.Request) error {
		info := &RequestInfo{}
		h.ServeHTTP(w, r.WithContext(withInfo(r.Context(), info)))
		return info.err
	}
}

func (g *Gateway) identify(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		info, ok := InfoFrom(r.Context())
		if !ok {
			info = &RequestInfo{}
			r = r.WithContext(withInfo(r.Context(), info))
		}

		info.RequestID = strings.TrimSpace(r.Header.Get(HeaderRequestID))
		if info.RequestID == "" {
			info.RequestID = uuid.NewString()
		}
		info.Identifier = g.identifier.Identify(r)
		info.Path = r.URL.Path
		info.Method = r.Method
		info.Callback = strings.Contains(info.Path, callbackSegment)
		info.Limited = !info.Callback && g.limited(info.Path)
		info.Start = time.Now()

		w.Header().Set(HeaderRequestID, info.RequestID)
		next.ServeHTTP(w, r)
	})
}

func (g *Gateway) secure(next http.Handler) http.Handler {
	if len(g.security) == 0 {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h := w.Header()
		for k, v := range g.security {
			h.Set(k, v)
		}
		next.ServeHTTP(w, r)
	})
}

func (g *Gateway) admit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		info := requestInfo(r)
		if !info.Limited {
			next.ServeHTTP(w, r)
			return
		}

		res, err := g.limiter.Check(r.Context(), info.Identifier, g.preset)
		if err != nil {
			g.logger.Error().
				Err(err).
				Str("request_id", info.RequestID).
				Str("identifier", info.Identifier).
				Str("path", info.Path).
				Msg("rate limiter unavailable")
			writeJSON(w, http.StatusServiceUnavailable, rejection{Error: "rate limiter unavailable"})
			return
		}
		if !res.Allowed {
			g.reject(w, info, res)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (g *Gateway) reject(w http.ResponseWriter, info *RequestInfo, res ratelimit.Result) {
	now := g.limiter.Clock().Now()
	retryAfter := int(math.Ceil(res.ResetTime.Sub(now).Seconds()))
	if retryAfter < 1 {
		retryAfter = 1
	}

	h := w.Header()
	h.Set(HeaderRetryAfter, strconv.Itoa(retryAfter))
	setLimitHeaders(h, ratelimit.Result{Limit: res.Limit, Remaining: 0, ResetTime: res.ResetTime})
	writeJSON(w, http.StatusTooManyRequests, rejection{
		Error:     g.message,
		ResetTime: res.ResetTime.UTC().Format(isoMillis),
	})

	g.logger.Warn().
		Str("request_id", info.RequestID).
		Str("identifier", info.Identifier).
		Str("path", info.Path).
		Str("method", info.Method).
		Int("retry_after", retryAfter).
		Msg("rate limit exceeded")
}

func (g *Gateway) annotate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		info := requestInfo(r)
		if !info.Limited {
			next.ServeHTTP(w, r)
			return
		}

		stamp := func(h http.Header) {
			res, err := g.limiter.Peek(r.Context(), info.Identifier, g.preset)
			if err != nil {
				g.logger.Warn().Err(err).Str("request_id", info.RequestID).Msg("rate limit peek failed")
				return
			}
			setLimitHeaders(h, res)
		}
		sw := &statusWriter{ResponseWriter: w, beforeWrite: stamp}
		next.ServeHTTP(sw, r)
		if sw.wroteHeader {
			return
		}
		// A failed WrapFunc handler leaves the response to its caller.
		if info.err != nil {
			stamp(w.Header())
			return
		}
		sw.WriteHeader(http.StatusOK)
	})
}

func (g *Gateway) logDelegation(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		info := requestInfo(r)
		sw := &statusWriter{ResponseWriter: w}

		defer func() {
			if rec := recover(); rec != nil {
				if rec == http.ErrAbortHandler {
					panic(rec)
				}
				g.logger.Error().
					Str("request_id", info.RequestID).
					Str("path", info.Path).
					Str("method", info.Method).
					Bool("callback", info.Callback).
					Interface("error", rec).
					Msg("authentication provider panicked")
				panic(rec)
			}
		}()

		next.ServeHTTP(sw, r)
		elapsed := time.Since(info.Start)

		if info.err != nil {
			status := http.StatusInternalServerError
			if sw.wroteHeader {
				status = sw.Status()
			}
			if g.recorder != nil {
				g.recorder.ObserveRequest(info.Method, status, info.Callback, elapsed)
			}
			g.logger.Error().
				Err(info.err).
				Str("request_id", info.RequestID).
				Str("path", info.Path).
				Str("method", info.Method).
				Bool("callback", info.Callback).
				Msg("authentication provider failed")
			return
		}

		if g.recorder != nil {
			g.recorder.ObserveRequest(info.Method, sw.Status(), info.Callback, elapsed)
		}
		g.logger.Info().
			Str("request_id", info.RequestID).
			Str("method", info.Method).
			Str("path", info.Path).
			Int("status", sw.Status()).
			Int64("duration_ms", elapsed.Milliseconds()).
			Bool("callback", info.Callback).
			Msg("auth request")
	})
}

// requestInfo is only called from stages running after identify.
func requestInfo(r *http.Request) *RequestInfo {
	if info, ok := InfoFrom(r.Context()); ok {
		return info
	}
	return &RequestInfo{
		Path:     r.URL.Path,
		Method:   r.Method,
		Callback: strings.Contains(r.URL.Path, callbackSegment),
		Start:    time.Now(),
	}
}

func setLimitHeaders(h http.Header, res ratelimit.Result) {
	h.Set(HeaderLimit, strconv.Itoa(res.Limit))
	h.Set(HeaderRemaining, strconv.Itoa(res.Remaining))
	h.Set(HeaderReset, strconv.FormatInt(res.ResetTime.UnixMilli(), 10))
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
