package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/captjt/authgate/ratelimit"
)

var epoch = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type fixture struct {
	gw     *Gateway
	clock  *ratelimit.ManualClock
	logs   *bytes.Buffer
	calls  int
	status int
}

func newFixture(t *testing.T, opts Options) *fixture {
	t.Helper()
	f := &fixture{clock: ratelimit.NewManualClock(epoch), logs: &bytes.Buffer{}, status: http.StatusOK}
	if opts.Limiter == nil {
		opts.Limiter = ratelimit.New(ratelimit.WithClock(f.clock))
	}
	logger := zerolog.New(f.logs)
	opts.Logger = &logger
	gw, err := New(opts)
	if err != nil {
		t.Fatalf("new gateway: %v", err)
	}
	f.gw = gw
	return f
}

func (f *fixture) provider() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		f.calls++
		w.WriteHeader(f.status)
		_, _ = w.Write([]byte(`{"ok":true}`))
	})
}

func serve(h http.Handler, method, path, ip string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, nil)
	if ip != "" {
		req.Header.Set("X-Forwarded-For", ip)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestWrapAddsLimitHeadersOnSuccess(t *testing.T) {
	f := newFixture(t, Options{})
	h := f.gw.Wrap(f.provider())

	rec := serve(h, http.MethodPost, "/api/auth/sign-in/email", "1.2.3.4")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if got := rec.Header().Get(HeaderLimit); got != "5" {
		t.Fatalf("expected limit 5, got %q", got)
	}
	if got := rec.Header().Get(HeaderRemaining); got != "4" {
		t.Fatalf("expected remaining 4, got %q", got)
	}
	wantReset := strconv.FormatInt(epoch.Add(15*time.Minute).UnixMilli(), 10)
	if got := rec.Header().Get(HeaderReset); got != wantReset {
		t.Fatalf("expected reset %s, got %q", wantReset, got)
	}
	if !strings.Contains(f.logs.String(), `"message":"auth request"`) {
		t.Fatalf("expected request log, got %s", f.logs.String())
	}
}

func TestWrapRejectsSixthAttempt(t *testing.T) {
	f := newFixture(t, Options{})
	h := f.gw.Wrap(f.provider())

	for i := 0; i < 5; i++ {
		f.status = http.StatusUnauthorized
		rec := serve(h, http.MethodPost, "/api/auth/sign-in/email", "1.2.3.4")
		if rec.Code != http.StatusUnauthorized {
			t.Fatalf("attempt %d: expected provider 401, got %d", i+1, rec.Code)
		}
		f.clock.Advance(10 * time.Second)
	}

	rec := serve(h, http.MethodPost, "/api/auth/sign-in/email", "1.2.3.4")
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d", rec.Code)
	}
	if f.calls != 5 {
		t.Fatalf("expected provider to be called 5 times, got %d", f.calls)
	}
	retry, err := strconv.Atoi(rec.Header().Get(HeaderRetryAfter))
	if err != nil || retry <= 0 {
		t.Fatalf("expected positive Retry-After, got %q", rec.Header().Get(HeaderRetryAfter))
	}
	if retry != 850 {
		t.Fatalf("expected Retry-After 850, got %d", retry)
	}
	if got := rec.Header().Get(HeaderRemaining); got != "0" {
		t.Fatalf("expected remaining 0, got %q", got)
	}

	var body struct {
		Error     string `json:"error"`
		ResetTime string `json:"resetTime"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if body.Error == "" {
		t.Fatal("expected error message")
	}
	if body.ResetTime != "2026-03-01T12:15:00.000Z" {
		t.Fatalf("unexpected resetTime %q", body.ResetTime)
	}
	if !strings.Contains(f.logs.String(), `"message":"rate limit exceeded"`) {
		t.Fatalf("expected warn log, got %s", f.logs.String())
	}

	other := serve(h, http.MethodPost, "/api/auth/sign-in/email", "5.6.7.8")
	if other.Code == http.StatusTooManyRequests {
		t.Fatal("expected other identifier to be unaffected")
	}
}

func TestCallbackNeverLimited(t *testing.T) {
	f := newFixture(t, Options{})
	h := f.gw.Wrap(f.provider())

	for i := 0; i < 6; i++ {
		serve(h, http.MethodPost, "/api/auth/sign-in/email", "1.2.3.4")
	}
	for i := 0; i < 20; i++ {
		rec := serve(h, http.MethodGet, "/api/auth/callback/google", "1.2.3.4")
		if rec.Code != http.StatusOK {
			t.Fatalf("callback %d: expected 200, got %d", i, rec.Code)
		}
		if rec.Header().Get(HeaderLimit) != "" || rec.Header().Get(HeaderRemaining) != "" {
			t.Fatalf("expected no rate limit headers on callback, got %v", rec.Header())
		}
	}
}

func TestRetryAfterHasFloorOfOne(t *testing.T) {
	f := newFixture(t, Options{Preset: ratelimit.Config{Name: "tiny", Window: 500 * time.Millisecond, MaxRequests: 1}})
	h := f.gw.Wrap(f.provider())

	serve(h, http.MethodPost, "/api/auth/sign-in/email", "")
	f.clock.Advance(499 * time.Millisecond)
	rec := serve(h, http.MethodPost, "/api/auth/sign-in/email", "")
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d", rec.Code)
	}
	if got := rec.Header().Get(HeaderRetryAfter); got != "1" {
		t.Fatalf("expected Retry-After 1, got %q", got)
	}
}

func TestPanicPropagatesAfterLogging(t *testing.T) {
	f := newFixture(t, Options{})
	h := f.gw.Wrap(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic("provider exploded")
	}))

	defer func() {
		rec := recover()
		if rec != "provider exploded" {
			t.Fatalf("expected original panic value, got %v", rec)
		}
		if !strings.Contains(f.logs.String(), `"message":"authentication provider panicked"`) {
			t.Fatalf("expected error log, got %s", f.logs.String())
		}
	}()
	serve(h, http.MethodPost, "/api/auth/sign-up/email", "1.2.3.4")
	t.Fatal("expected panic")
}

func TestWrapFuncReturnsProviderError(t *testing.T) {
	f := newFixture(t, Options{})
	boom := errors.New("database offline")
	h := f.gw.WrapFunc(func(w http.ResponseWriter, r *http.Request) error {
		return boom
	})

	req := httptest.NewRequest(http.MethodPost, "/api/auth/sign-in/email", nil)
	err := h(httptest.NewRecorder(), req)
	if !errors.Is(err, boom) || err != boom {
		t.Fatalf("expected the same error back, got %v", err)
	}
	if !strings.Contains(f.logs.String(), `"error":"database offline"`) {
		t.Fatalf("expected error log, got %s", f.logs.String())
	}
}

func TestWrapFuncFailureLeavesStatusToCaller(t *testing.T) {
	recorder := &recordingRecorder{}
	f := newFixture(t, Options{Recorder: recorder})
	h := f.gw.WrapFunc(func(w http.ResponseWriter, r *http.Request) error {
		return errors.New("database offline")
	})

	rec := httptest.NewRecorder()
	if err := h(rec, httptest.NewRequest(http.MethodPost, "/api/auth/sign-in/email", nil)); err != nil {
		http.Error(rec, "internal error", http.StatusInternalServerError)
	}
	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("expected caller's 500, got %d", rec.Code)
	}
	if got := rec.Header().Get(HeaderRemaining); got != "4" {
		t.Fatalf("expected remaining 4 on failed attempt, got %q", got)
	}
	if len(recorder.statuses) != 1 || recorder.statuses[0] != http.StatusInternalServerError {
		t.Fatalf("expected failure observed as 500, got %v", recorder.statuses)
	}
}

func TestWrapFuncFailureAfterWriteKeepsStatus(t *testing.T) {
	recorder := &recordingRecorder{}
	f := newFixture(t, Options{Recorder: recorder})
	h := f.gw.WrapFunc(func(w http.ResponseWriter, r *http.Request) error {
		w.WriteHeader(http.StatusBadGateway)
		return errors.New("upstream idp down")
	})

	rec := httptest.NewRecorder()
	if err := h(rec, httptest.NewRequest(http.MethodPost, "/api/auth/sign-in/email", nil)); err == nil {
		t.Fatal("expected provider error")
	}
	if rec.Code != http.StatusBadGateway {
		t.Fatalf("expected 502, got %d", rec.Code)
	}
	if len(recorder.statuses) != 1 || recorder.statuses[0] != http.StatusBadGateway {
		t.Fatalf("expected 502 observed, got %v", recorder.statuses)
	}
}

func TestWrapFuncRejectedReturnsNil(t *testing.T) {
	f := newFixture(t, Options{Preset: ratelimit.Config{Name: "one", Window: time.Minute, MaxRequests: 1}})
	called := 0
	h := f.gw.WrapFunc(func(w http.ResponseWriter, r *http.Request) error {
		called++
		return nil
	})

	for i := 0; i < 2; i++ {
		rec := httptest.NewRecorder()
		if err := h(rec, httptest.NewRequest(http.MethodPost, "/api/auth/sign-in/email", nil)); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if i == 1 && rec.Code != http.StatusTooManyRequests {
			t.Fatalf("expected 429 on second call, got %d", rec.Code)
		}
	}
	if called != 1 {
		t.Fatalf("expected provider called once, got %d", called)
	}
}

func TestOnlyCredentialRoutesAreLimited(t *testing.T) {
	f := newFixture(t, Options{})
	h := f.gw.Wrap(f.provider())

	for i := 0; i < 10; i++ {
		for _, path := range []string{"/api/auth/get-session", "/api/auth/ok", "/api/auth/openapi.json"} {
			rec := serve(h, http.MethodGet, path, "1.2.3.4")
			if rec.Code != http.StatusOK {
				t.Fatalf("%s: expected 200, got %d", path, rec.Code)
			}
			if rec.Header().Get(HeaderLimit) != "" {
				t.Fatalf("%s: expected no limit headers", path)
			}
		}
	}

	rec := serve(h, http.MethodPost, "/api/auth/sign-in/email", "1.2.3.4")
	if got := rec.Header().Get(HeaderRemaining); got != "4" {
		t.Fatalf("expected sign-in budget untouched, got remaining %q", got)
	}
	for _, path := range []string{"/api/auth/sign-up/email", "/api/auth/request-password-reset", "/api/auth/reset-password", "/api/auth/sign-in/social/github"} {
		if !CredentialAttempt(path) {
			t.Fatalf("expected %s to be a credential attempt", path)
		}
	}
	if CredentialAttempt("/api/auth/sign-out") {
		t.Fatal("expected sign-out to be unlimited")
	}
}

func TestLimitedOverride(t *testing.T) {
	f := newFixture(t, Options{
		Preset:  ratelimit.Config{Name: "one", Window: time.Minute, MaxRequests: 1},
		Limited: func(string) bool { return true },
	})
	h := f.gw.Wrap(f.provider())

	serve(h, http.MethodGet, "/api/auth/get-session", "1.2.3.4")
	if rec := serve(h, http.MethodGet, "/api/auth/get-session", "1.2.3.4"); rec.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429 with every path limited, got %d", rec.Code)
	}
	if rec := serve(h, http.MethodGet, "/api/auth/callback/google", "1.2.3.4"); rec.Code != http.StatusOK {
		t.Fatalf("expected callback to stay unlimited, got %d", rec.Code)
	}
}

func TestAbortHandlerPanicIsNotLogged(t *testing.T) {
	f := newFixture(t, Options{})
	h := f.gw.Wrap(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic(http.ErrAbortHandler)
	}))

	defer func() {
		if rec := recover(); rec != http.ErrAbortHandler {
			t.Fatalf("expected http.ErrAbortHandler, got %v", rec)
		}
		if strings.Contains(f.logs.String(), "authentication provider panicked") {
			t.Fatalf("expected abort to skip the error log, got %s", f.logs.String())
		}
	}()
	serve(h, http.MethodPost, "/api/auth/sign-in/email", "1.2.3.4")
	t.Fatal("expected panic")
}

type failingStore struct{}

func (failingStore) Hit(context.Context, string, time.Time, time.Duration, int) (ratelimit.Entry, bool, error) {
	return ratelimit.Entry{}, false, errors.New("connection refused")
}

func (failingStore) Get(context.Context, string) (ratelimit.Entry, bool, error) {
	return ratelimit.Entry{}, false, errors.New("connection refused")
}

func (failingStore) DeleteExpired(context.Context, time.Time) (int, error) { return 0, nil }

func TestStoreFailureFailsClosed(t *testing.T) {
	f := newFixture(t, Options{Limiter: ratelimit.New(ratelimit.WithStore(failingStore{}))})
	h := f.gw.Wrap(f.provider())

	rec := serve(h, http.MethodPost, "/api/auth/sign-in/email", "1.2.3.4")
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", rec.Code)
	}
	if f.calls != 0 {
		t.Fatalf("expected provider not to be called, got %d", f.calls)
	}

	cb := serve(h, http.MethodGet, "/api/auth/callback/github", "1.2.3.4")
	if cb.Code != http.StatusOK {
		t.Fatalf("expected callback to bypass the store, got %d", cb.Code)
	}
}

func TestSecurityAndRequestIDHeaders(t *testing.T) {
	f := newFixture(t, Options{})
	h := f.gw.Wrap(f.provider())

	req := httptest.NewRequest(http.MethodGet, "/api/auth/ok", nil)
	req.Header.Set(HeaderRequestID, "req-123")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	for k, v := range DefaultSecurityHeaders {
		if got := rec.Header().Get(k); got != v {
			t.Fatalf("expected %s=%q, got %q", k, v, got)
		}
	}
	if got := rec.Header().Get(HeaderRequestID); got != "req-123" {
		t.Fatalf("expected request id to be echoed, got %q", got)
	}

	rec = serve(h, http.MethodGet, "/api/auth/ok", "")
	if rec.Header().Get(HeaderRequestID) == "" {
		t.Fatal("expected generated request id")
	}
}

type recordingRecorder struct {
	statuses  []int
	callback  []bool
	durations []time.Duration
}

func (r *recordingRecorder) ObserveRequest(_ string, status int, callback bool, d time.Duration) {
	r.statuses = append(r.statuses, status)
	r.callback = append(r.callback, callback)
	r.durations = append(r.durations, d)
}

func TestRecorderObservesDelegatedRequests(t *testing.T) {
	recorder := &recordingRecorder{}
	f := newFixture(t, Options{Recorder: recorder})
	f.status = http.StatusCreated
	h := f.gw.Wrap(f.provider())

	serve(h, http.MethodPost, "/api/auth/sign-up/email", "1.2.3.4")
	serve(h, http.MethodGet, "/api/auth/callback/google", "1.2.3.4")

	if len(recorder.statuses) != 2 {
		t.Fatalf("expected 2 observations, got %d", len(recorder.statuses))
	}
	if recorder.statuses[0] != http.StatusCreated || recorder.callback[0] {
		t.Fatalf("unexpected first observation %d %v", recorder.statuses[0], recorder.callback[0])
	}
	if !recorder.callback[1] {
		t.Fatal("expected second observation to be a callback")
	}
}

func TestDurationMeasuredFromIdentify(t *testing.T) {
	recorder := &recordingRecorder{}
	f := newFixture(t, Options{Recorder: recorder})
	h := f.gw.Wrap(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		info, ok := InfoFrom(r.Context())
		if !ok || info.Start.IsZero() {
			t.Errorf("expected start time on request info")
		}
		time.Sleep(20 * time.Millisecond)
		w.WriteHeader(http.StatusNoContent)
	}))

	serve(h, http.MethodGet, "/api/auth/get-session", "")
	if len(recorder.durations) != 1 || recorder.durations[0] < 20*time.Millisecond {
		t.Fatalf("expected duration of at least 20ms, got %v", recorder.durations)
	}
	if !strings.Contains(f.logs.String(), `"duration_ms":`) {
		t.Fatalf("expected duration_ms in log, got %s", f.logs.String())
	}
}

func TestNewRequiresLimiter(t *testing.T) {
	if _, err := New(Options{}); err == nil {
		t.Fatal("expected error without limiter")
	}
}
