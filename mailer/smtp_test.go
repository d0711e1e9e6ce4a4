package mailer

import (
	"bytes"
	"context"
	"errors"
	"net"
	"strconv"
	"strings"
	"testing"
	"time"

	"gopkg.in/gomail.v2"
)

func TestNewSMTPSenderValidation(t *testing.T) {
	if _, err := NewSMTPSender(Config{From: "a@example.com"}); err == nil {
		t.Fatalf("expected host to be required")
	}
	if _, err := NewSMTPSender(Config{Host: "smtp.example.com"}); err == nil {
		t.Fatalf("expected from to be required")
	}
}

func TestSendPasswordResetComposesLink(t *testing.T) {
	s, err := NewSMTPSender(Config{
		Host:     "smtp.example.com",
		From:     "noreply@clinic.example.com",
		ResetURL: "https://clinic.example.com/reset?lang=en",
		TokenTTL: 30 * time.Minute,
		AppName:  "Clinic",
	})
	if err != nil {
		t.Fatalf("new sender: %v", err)
	}
	var sent *gomail.Message
	s.send = func(m *gomail.Message) error {
		sent = m
		return nil
	}

	if err := s.SendPasswordReset(context.Background(), "pat@example.com", "tok123"); err != nil {
		t.Fatalf("send: %v", err)
	}
	if sent == nil {
		t.Fatalf("expected message to be sent")
	}
	if got := sent.GetHeader("To"); len(got) != 1 || got[0] != "pat@example.com" {
		t.Fatalf("unexpected To header: %v", got)
	}
	if got := sent.GetHeader("Subject"); len(got) != 1 || got[0] != "Clinic password reset" {
		t.Fatalf("unexpected Subject header: %v", got)
	}

	var buf bytes.Buffer
	if _, err := sent.WriteTo(&buf); err != nil {
		t.Fatalf("write message: %v", err)
	}
	body := buf.String()
	if !strings.Contains(body, "https://clinic.example.com/reset?lang=en&token=tok123") {
		t.Fatalf("expected reset link in body, got %s", body)
	}
	if !strings.Contains(body, "30m0s") {
		t.Fatalf("expected ttl in body, got %s", body)
	}
}

func TestSendPasswordResetRawToken(t *testing.T) {
	s, err := NewSMTPSender(Config{Host: "smtp.example.com", From: "noreply@example.com"})
	if err != nil {
		t.Fatalf("new sender: %v", err)
	}
	var buf bytes.Buffer
	if _, err := s.compose("a@example.com", "raw-token").WriteTo(&buf); err != nil {
		t.Fatalf("write message: %v", err)
	}
	if !strings.Contains(buf.String(), "Your password reset code is: raw-token") {
		t.Fatalf("expected raw token in body, got %s", buf.String())
	}
}

func TestSendPasswordResetErrors(t *testing.T) {
	s, err := NewSMTPSender(Config{Host: "smtp.example.com", From: "noreply@example.com"})
	if err != nil {
		t.Fatalf("new sender: %v", err)
	}
	s.send = func(*gomail.Message) error { return errors.New("connection refused") }
	if err := s.SendPasswordReset(context.Background(), "a@example.com", "t"); err == nil {
		t.Fatalf("expected send error")
	}

	calls := 0
	s.send = func(*gomail.Message) error {
		calls++
		return nil
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := s.SendPasswordReset(ctx, "a@example.com", "t"); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if calls != 0 {
		t.Fatalf("expected no delivery after cancel")
	}
}

func TestSendPasswordResetDialsConfiguredServer(t *testing.T) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	port := l.Addr().(*net.TCPAddr).Port
	_ = l.Close()

	s, err := NewSMTPSender(Config{Host: "127.0.0.1", Port: port, From: "noreply@example.com"})
	if err != nil {
		t.Fatalf("new sender: %v", err)
	}
	err = s.SendPasswordReset(context.Background(), "a@example.com", "t")
	if err == nil {
		t.Fatalf("expected dial error against closed port")
	}
	if !strings.Contains(err.Error(), "127.0.0.1:"+strconv.Itoa(port)) {
		t.Fatalf("expected dial error to name the server, got %v", err)
	}
}
