package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/captjt/authgate/guard"
	"github.com/captjt/authgate/storage"
)

// tokenFromHeader reads the session cookie, falling back to a bearer token.
func (s *Server) tokenFromHeader(header http.Header) string {
	req := http.Request{Header: header}
	if cookie, err := req.Cookie(s.cfg.Session.CookieName); err == nil {
		if v := strings.TrimSpace(cookie.Value); v != "" {
			return v
		}
	}
	authz := strings.TrimSpace(header.Get("Authorization"))
	if len(authz) > 7 && strings.EqualFold(authz[:7], "bearer ") {
		return strings.TrimSpace(authz[7:])
	}
	return ""
}

// lookupSession returns storage.ErrNotFound for a missing, unknown or
// expired session. Expired sessions are deleted on sight.
func (s *Server) lookupSession(ctx context.Context, header http.Header) (storage.Session, storage.User, error) {
	raw := s.tokenFromHeader(header)
	if raw == "" {
		return storage.Session{}, storage.User{}, storage.ErrNotFound
	}
	session, err := s.cfg.PrimaryStore.FindSessionByTokenHash(ctx, hashToken(raw))
	if err != nil {
		return storage.Session{}, storage.User{}, err
	}
	if session.ExpiresAt.Before(time.Now().UTC()) {
		_ = s.cfg.PrimaryStore.DeleteSessionByTokenHash(ctx, session.TokenHash)
		return storage.Session{}, storage.User{}, storage.ErrNotFound
	}
	user, err := s.cfg.PrimaryStore.FindUserByID(ctx, session.UserID)
	if err != nil {
		return storage.Session{}, storage.User{}, err
	}
	return session, user, nil
}

// GetSession implements guard.SessionSource. A caller without a valid
// session yields nil, nil.
func (s *Server) GetSession(ctx context.Context, header http.Header) (*guard.Session, error) {
	session, user, err := s.lookupSession(ctx, header)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get session: %w", err)
	}
	return &guard.Session{
		UserID:    user.ID,
		Role:      guard.Role(user.Role),
		ExpiresAt: session.ExpiresAt,
	}, nil
}

// RoleOf implements guard.RoleSource by reading the stored role.
func (s *Server) RoleOf(ctx context.Context, userID string) (guard.Role, error) {
	user, err := s.cfg.PrimaryStore.FindUserByID(ctx, userID)
	if err != nil {
		return "", fmt.Errorf("role of %s: %w", userID, err)
	}
	return guard.ParseRole(user.Role)
}

// GrantRole sets the role of the user with the given email.
func GrantRole(ctx context.Context, store storage.Primary, email string, role guard.Role) (storage.User, error) {
	if !role.Valid() {
		return storage.User{}, fmt.Errorf("%w: %q", guard.ErrInvalidRole, role)
	}
	user, err := store.FindUserByEmail(ctx, email)
	if err != nil {
		return storage.User{}, fmt.Errorf("find user %s: %w", email, err)
	}
	return store.UpdateUserRole(ctx, user.ID, string(role))
}
