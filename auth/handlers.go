package auth

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"golang.org/x/crypto/bcrypt"

	"github.com/captjt/authgate/guard"
	"github.com/captjt/authgate/storage"
)

func (s *Server) handleOK(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, okResponse{
		Status:  "ok",
		AppName: s.cfg.AppName,
		Version: Version,
	})
}

func (s *Server) handleOpenAPI(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(s.openapi)
}

func (s *Server) handleSignUpEmail(w http.ResponseWriter, r *http.Request) {
	if s.cfg.EmailPassword.DisableSignUp {
		writeError(w, http.StatusForbidden, "SIGN_UP_DISABLED", "email sign-up is disabled", nil)
		return
	}

	var req signUpEmailRequest
	if !s.decodeAndValidate(w, r, &req) {
		return
	}

	email := strings.ToLower(strings.TrimSpace(req.Email))
	if !s.passwordLengthOK(w, req.Password) {
		return
	}

	role := s.cfg.EmailPassword.DefaultRole
	if strings.TrimSpace(req.Role) != "" {
		parsed, err := guard.ParseRole(req.Role)
		if err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_ROLE", "unknown role", map[string]any{
				"allowed": s.cfg.EmailPassword.AllowedSignUpRoles,
			})
			return
		}
		if !s.signUpRoleAllowed(parsed) {
			s.logger.Warn().Str("role", string(parsed)).Msg("sign-up with restricted role rejected")
			writeError(w, http.StatusForbidden, "ROLE_NOT_ALLOWED", "role cannot be self-assigned", nil)
			return
		}
		role = parsed
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(req.Password), s.cfg.EmailPassword.BCryptCost)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "PASSWORD_HASH_FAILED", "failed to hash password", nil)
		return
	}

	user, err := s.cfg.PrimaryStore.CreateUser(r.Context(), storage.CreateUserParams{
		Email:        email,
		Name:         strings.TrimSpace(req.Name),
		PasswordHash: string(hash),
		Role:         string(role),
	})
	if errors.Is(err, storage.ErrAlreadyExists) {
		writeError(w, http.StatusConflict, "USER_EXISTS", "user already exists", nil)
		return
	}
	if err != nil {
		s.logger.Error().Err(err).Msg("create user failed")
		writeError(w, http.StatusInternalServerError, "CREATE_USER_FAILED", "failed to create user", nil)
		return
	}
	s.logger.Info().Str("user_id", user.ID).Str("role", user.Role).Msg("user signed up")

	public := toPublicUser(user)
	if !s.cfg.EmailPassword.AutoSignInOnSignUp {
		writeJSON(w, http.StatusCreated, sessionEnvelope{User: &public, Session: nil})
		return
	}

	session, err := s.createSession(r, user.ID)
	if err != nil {
		s.logger.Error().Err(err).Str("user_id", user.ID).Msg("create session failed")
		writeError(w, http.StatusInternalServerError, "CREATE_SESSION_FAILED", "failed to create session", nil)
		return
	}
	s.setSessionCookie(w, session.RawToken, session.ExpiresAt)

	writeJSON(w, http.StatusCreated, sessionEnvelope{
		Session: &session.Session,
		User:    &public,
	})
}

func (s *Server) handleSignInEmail(w http.ResponseWriter, r *http.Request) {
	var req signInEmailRequest
	if err := decodeJSON(r, &req); err != nil || s.validate.Struct(&req) != nil {
		writeError(w, http.StatusBadRequest, "INVALID_CREDENTIALS", "invalid credentials", nil)
		return
	}

	email := strings.ToLower(strings.TrimSpace(req.Email))
	user, err := s.cfg.PrimaryStore.FindUserByEmail(r.Context(), email)
	if err != nil {
		if !errors.Is(err, storage.ErrNotFound) {
			s.logger.Error().Err(err).Msg("user lookup failed")
		}
		writeError(w, http.StatusUnauthorized, "INVALID_CREDENTIALS", "invalid credentials", nil)
		return
	}

	if user.PasswordHash == "" || bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(req.Password)) != nil {
		s.logger.Debug().Str("user_id", user.ID).Msg("password mismatch")
		writeError(w, http.StatusUnauthorized, "INVALID_CREDENTIALS", "invalid credentials", nil)
		return
	}

	session, err := s.createSession(r, user.ID)
	if err != nil {
		s.logger.Error().Err(err).Str("user_id", user.ID).Msg("create session failed")
		writeError(w, http.StatusInternalServerError, "CREATE_SESSION_FAILED", "failed to create session", nil)
		return
	}
	s.setSessionCookie(w, session.RawToken, session.ExpiresAt)

	public := toPublicUser(user)
	writeJSON(w, http.StatusOK, sessionEnvelope{
		Session: &session.Session,
		User:    &public,
	})
}

func (s *Server) handleSignOut(w http.ResponseWriter, r *http.Request) {
	if raw := s.tokenFromHeader(r.Header); raw != "" {
		if err := s.cfg.PrimaryStore.DeleteSessionByTokenHash(r.Context(), hashToken(raw)); err != nil {
			s.logger.Warn().Err(err).Msg("delete session failed")
		}
	}
	s.clearSessionCookie(w)
	writeJSON(w, http.StatusOK, map[string]any{"success": true})
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	session, user, err := s.lookupSession(r.Context(), r.Header)
	if errors.Is(err, storage.ErrNotFound) {
		s.clearSessionCookie(w)
		writeJSON(w, http.StatusOK, sessionEnvelope{Session: nil, User: nil})
		return
	}
	if err != nil {
		s.logger.Error().Err(err).Msg("session lookup failed")
		writeError(w, http.StatusInternalServerError, "SESSION_LOOKUP_FAILED", "failed to fetch session", nil)
		return
	}

	publicU := toPublicUser(user)
	publicS := toPublicSession(session)
	writeJSON(w, http.StatusOK, sessionEnvelope{
		Session: &publicS,
		User:    &publicU,
	})
}

func (s *Server) passwordLengthOK(w http.ResponseWriter, password string) bool {
	n := len(password)
	if n < s.cfg.EmailPassword.MinPasswordLength || n > s.cfg.EmailPassword.MaxPasswordLength {
		writeError(w, http.StatusBadRequest, "INVALID_PASSWORD_LENGTH", "password length out of range", map[string]any{
			"min": s.cfg.EmailPassword.MinPasswordLength,
			"max": s.cfg.EmailPassword.MaxPasswordLength,
		})
		return false
	}
	return true
}

func (s *Server) signUpRoleAllowed(role guard.Role) bool {
	if role == guard.RoleAdmin {
		return false
	}
	for _, allowed := range s.cfg.EmailPassword.AllowedSignUpRoles {
		if allowed == role {
			return true
		}
	}
	return false
}

type createdSession struct {
	Session   publicSession
	RawToken  string
	ExpiresAt time.Time
}

func (s *Server) createSession(r *http.Request, userID string) (createdSession, error) {
	rawToken, hash, err := newSessionToken()
	if err != nil {
		return createdSession{}, err
	}
	expiresAt := time.Now().UTC().Add(s.cfg.Session.Duration)
	rec, err := s.cfg.PrimaryStore.CreateSession(r.Context(), storage.CreateSessionParams{
		UserID:    userID,
		TokenHash: hash,
		ExpiresAt: expiresAt,
		IPAddress: s.clientAddress(r),
		UserAgent: r.UserAgent(),
	})
	if err != nil {
		return createdSession{}, err
	}
	return createdSession{
		Session:   toPublicSession(rec),
		RawToken:  rawToken,
		ExpiresAt: expiresAt,
	}, nil
}

func (s *Server) setSessionCookie(w http.ResponseWriter, rawToken string, expiresAt time.Time) {
	http.SetCookie(w, &http.Cookie{
		Name:     s.cfg.Session.CookieName,
		Value:    rawToken,
		Path:     "/",
		HttpOnly: true,
		Secure:   s.cfg.Session.SecureCookies,
		SameSite: http.SameSiteLaxMode,
		Expires:  expiresAt,
	})
}

func (s *Server) clearSessionCookie(w http.ResponseWriter) {
	http.SetCookie(w, &http.Cookie{
		Name:     s.cfg.Session.CookieName,
		Value:    "",
		Path:     "/",
		HttpOnly: true,
		Secure:   s.cfg.Session.SecureCookies,
		SameSite: http.SameSiteLaxMode,
		MaxAge:   -1,
		Expires:  time.Unix(0, 0),
	})
}

func toPublicUser(u storage.User) publicUser {
	return publicUser{
		ID:            u.ID,
		Email:         u.Email,
		Name:          u.Name,
		Role:          u.Role,
		EmailVerified: u.EmailVerified,
		CreatedAt:     u.CreatedAt,
		UpdatedAt:     u.UpdatedAt,
	}
}

func toPublicSession(s storage.Session) publicSession {
	return publicSession{
		ID:        s.ID,
		UserID:    s.UserID,
		ExpiresAt: s.ExpiresAt,
		IPAddress: s.IPAddress,
		UserAgent: s.UserAgent,
		CreatedAt: s.CreatedAt,
		UpdatedAt: s.UpdatedAt,
	}
}
