// Package mailer delivers password reset tokens over SMTP.
package mailer

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"gopkg.in/gomail.v2"
)

type Config struct {
	Host     string
	Port     int
	Username string
	Password string
	From     string

	// ResetURL receives the token as the "token" query parameter. When
	// empty the raw token is mailed instead of a link.
	ResetURL string
	TokenTTL time.Duration
	AppName  string
}

type SMTPSender struct {
	cfg  Config
	send func(*gomail.Message) error
}

func NewSMTPSender(cfg Config) (*SMTPSender, error) {
	if strings.TrimSpace(cfg.Host) == "" {
		return nil, errors.New("smtp host is required")
	}
	if strings.TrimSpace(cfg.From) == "" {
		return nil, errors.New("smtp from address is required")
	}
	if cfg.Port == 0 {
		cfg.Port = 587
	}
	if cfg.AppName == "" {
		cfg.AppName = "authgate"
	}
	if cfg.ResetURL != "" {
		if _, err := url.Parse(cfg.ResetURL); err != nil {
			return nil, fmt.Errorf("reset url: %w", err)
		}
	}
	d := gomail.NewDialer(cfg.Host, cfg.Port, cfg.Username, cfg.Password)
	return &SMTPSender{cfg: cfg, send: func(m *gomail.Message) error { return d.DialAndSend(m) }}, nil
}

// SendPasswordReset matches auth.Sender.
func (s *SMTPSender) SendPasswordReset(ctx context.Context, email, token string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := s.send(s.compose(email, token)); err != nil {
		return fmt.Errorf("send password reset to %s: %w", email, err)
	}
	return nil
}

func (s *SMTPSender) compose(to, token string) *gomail.Message {
	m := gomail.NewMessage(gomail.SetEncoding(gomail.Unencoded))
	m.SetHeader("From", s.cfg.From)
	m.SetHeader("To", to)
	m.SetHeader("Subject", s.cfg.AppName+" password reset")

	var b strings.Builder
	if link := s.resetLink(token); link != "" {
		fmt.Fprintf(&b, "Use the following link to reset your password:\n\n%s\n\n", link)
	} else {
		fmt.Fprintf(&b, "Your password reset code is: %s\n\n", token)
	}
	if s.cfg.TokenTTL > 0 {
		fmt.Fprintf(&b, "This expires in %s.\n\n", s.cfg.TokenTTL)
	}
	b.WriteString("If you did not request this reset, please ignore this email.")
	m.SetBody("text/plain", b.String())
	return m
}

func (s *SMTPSender) resetLink(token string) string {
	if s.cfg.ResetURL == "" {
		return ""
	}
	u, err := url.Parse(s.cfg.ResetURL)
	if err != nil {
		return ""
	}
	q := u.Query()
	q.Set("token", token)
	u.RawQuery = q.Encode()
	return u.String()
}
