package auth

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"testing"

	"github.com/captjt/authgate/storage/memory"
)

func TestPasswordResetFlow(t *testing.T) {
	s := newTestServer(t, memory.New(), func(c *Config) {
		c.PasswordReset.Enabled = true
		c.PasswordReset.ExposeTokenInResponse = true
	})
	h := s.Handler()

	rec := doJSON(h, http.MethodPost, "/api/auth/sign-up/email", `{"email":"carol@example.com","password":"supersecure1"}`)
	oldCookie := sessionCookie(t, rec)

	rec = doJSON(h, http.MethodPost, "/api/auth/request-password-reset", `{"email":"carol@example.com"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d body=%s", rec.Code, rec.Body.String())
	}
	var issued struct {
		Success bool   `json:"success"`
		Token   string `json:"token"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &issued); err != nil {
		t.Fatalf("decode reset request: %v", err)
	}
	if !issued.Success || issued.Token == "" {
		t.Fatalf("expected exposed token, got %+v", issued)
	}

	body := `{"token":"` + issued.Token + `","newPassword":"brandnewpass"}`
	rec = doJSON(h, http.MethodPost, "/api/auth/reset-password", body)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d body=%s", rec.Code, rec.Body.String())
	}

	rec = doJSON(h, http.MethodPost, "/api/auth/reset-password", body)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected reused token to be rejected, got %d", rec.Code)
	}

	header := http.Header{}
	header.Set("Cookie", oldCookie.String())
	if sess, err := s.GetSession(context.Background(), header); err != nil || sess != nil {
		t.Fatalf("expected existing sessions to be revoked, got %+v err=%v", sess, err)
	}

	rec = doJSON(h, http.MethodPost, "/api/auth/sign-in/email", `{"email":"carol@example.com","password":"supersecure1"}`)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected old password to fail, got %d", rec.Code)
	}
	rec = doJSON(h, http.MethodPost, "/api/auth/sign-in/email", `{"email":"carol@example.com","password":"brandnewpass"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected new password to work, got %d body=%s", rec.Code, rec.Body.String())
	}
}

func TestPasswordResetUnknownEmail(t *testing.T) {
	sent := 0
	h := newTestServer(t, memory.New(), func(c *Config) {
		c.PasswordReset.Enabled = true
		c.PasswordReset.Send = func(context.Context, string, string) error {
			sent++
			return nil
		}
	}).Handler()

	rec := doJSON(h, http.MethodPost, "/api/auth/request-password-reset", `{"email":"ghost@example.com"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if sent != 0 {
		t.Fatalf("expected no delivery for unknown email, got %d", sent)
	}
}

func TestPasswordResetSendsToken(t *testing.T) {
	var gotEmail, gotToken string
	h := newTestServer(t, memory.New(), func(c *Config) {
		c.PasswordReset.Enabled = true
		c.PasswordReset.Send = func(_ context.Context, email, token string) error {
			gotEmail, gotToken = email, token
			return nil
		}
	}).Handler()

	doJSON(h, http.MethodPost, "/api/auth/sign-up/email", `{"email":"dave@example.com","password":"supersecure1"}`)
	rec := doJSON(h, http.MethodPost, "/api/auth/request-password-reset", `{"email":"dave@example.com"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if gotEmail != "dave@example.com" || gotToken == "" {
		t.Fatalf("expected token delivered to dave, got %q %q", gotEmail, gotToken)
	}

	var resp map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if _, ok := resp["token"]; ok {
		t.Fatalf("token must not be exposed unless configured")
	}

	rec = doJSON(h, http.MethodPost, "/api/auth/reset-password", `{"token":"`+gotToken+`","newPassword":"anotherpass1"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected delivered token to reset, got %d body=%s", rec.Code, rec.Body.String())
	}
}

func TestPasswordResetSendFailure(t *testing.T) {
	h := newTestServer(t, memory.New(), func(c *Config) {
		c.PasswordReset.Enabled = true
		c.PasswordReset.Send = func(context.Context, string, string) error {
			return errors.New("smtp down")
		}
	}).Handler()

	doJSON(h, http.MethodPost, "/api/auth/sign-up/email", `{"email":"erin@example.com","password":"supersecure1"}`)
	rec := doJSON(h, http.MethodPost, "/api/auth/request-password-reset", `{"email":"erin@example.com"}`)
	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", rec.Code)
	}
	if got := decodeError(t, rec).Code; got != "SEND_FAILED" {
		t.Fatalf("expected SEND_FAILED, got %s", got)
	}
}

func TestPasswordResetInvalidToken(t *testing.T) {
	h := newTestServer(t, memory.New(), func(c *Config) { c.PasswordReset.Enabled = true }).Handler()
	rec := doJSON(h, http.MethodPost, "/api/auth/reset-password", `{"token":"bogus","newPassword":"brandnewpass"}`)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}
}

func TestPasswordResetRoutesDisabled(t *testing.T) {
	h := newTestServer(t, memory.New(), nil).Handler()
	rec := doJSON(h, http.MethodPost, "/api/auth/request-password-reset", `{"email":"a@example.com"}`)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 when reset is disabled, got %d", rec.Code)
	}
}
