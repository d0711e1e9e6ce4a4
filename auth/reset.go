package auth

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"golang.org/x/crypto/bcrypt"

	"github.com/captjt/authgate/storage"
)

const passwordResetKind = "password_reset"

// handleRequestPasswordReset answers the same way whether or not the email
// is registered.
func (s *Server) handleRequestPasswordReset(w http.ResponseWriter, r *http.Request) {
	var req requestPasswordResetRequest
	if !s.decodeAndValidate(w, r, &req) {
		return
	}
	email := strings.ToLower(strings.TrimSpace(req.Email))
	resp := map[string]any{"success": true}

	user, err := s.cfg.PrimaryStore.FindUserByEmail(r.Context(), email)
	if errors.Is(err, storage.ErrNotFound) {
		s.logger.Debug().Msg("password reset requested for unknown email")
		writeJSON(w, http.StatusOK, resp)
		return
	}
	if err != nil {
		s.logger.Error().Err(err).Msg("user lookup failed")
		writeError(w, http.StatusInternalServerError, "USER_LOOKUP_FAILED", "failed to lookup user", nil)
		return
	}

	token, hash, err := newSessionToken()
	if err != nil {
		writeError(w, http.StatusInternalServerError, "TOKEN_GEN_FAILED", "failed to generate token", nil)
		return
	}
	if _, err := s.cfg.PrimaryStore.CreateVerificationToken(r.Context(), storage.CreateVerificationTokenParams{
		Kind:       passwordResetKind,
		Identifier: user.ID,
		SecretHash: hash,
		ExpiresAt:  time.Now().UTC().Add(s.cfg.PasswordReset.TokenTTL),
	}); err != nil {
		s.logger.Error().Err(err).Str("user_id", user.ID).Msg("store reset token failed")
		writeError(w, http.StatusInternalServerError, "TOKEN_STORE_FAILED", "failed to store token", nil)
		return
	}

	if s.cfg.PasswordReset.Send != nil {
		if err := s.cfg.PasswordReset.Send(r.Context(), user.Email, token); err != nil {
			s.logger.Error().Err(err).Str("user_id", user.ID).Msg("send reset token failed")
			writeError(w, http.StatusInternalServerError, "SEND_FAILED", "failed to send password reset", nil)
			return
		}
	}
	s.logger.Info().Str("user_id", user.ID).Msg("password reset requested")

	if s.cfg.PasswordReset.ExposeTokenInResponse {
		resp["token"] = token
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleResetPassword(w http.ResponseWriter, r *http.Request) {
	var req resetPasswordRequest
	if !s.decodeAndValidate(w, r, &req) {
		return
	}
	if !s.passwordLengthOK(w, req.NewPassword) {
		return
	}

	now := time.Now().UTC()
	rec, err := s.cfg.PrimaryStore.FindActiveVerificationToken(r.Context(), storage.FindActiveVerificationTokenParams{
		Kind:       passwordResetKind,
		SecretHash: hashToken(strings.TrimSpace(req.Token)),
		Now:        now,
	})
	if err != nil {
		writeError(w, http.StatusUnauthorized, "INVALID_OR_EXPIRED_TOKEN", "invalid or expired token", nil)
		return
	}
	if err := s.cfg.PrimaryStore.ConsumeVerificationToken(r.Context(), rec.ID, now); err != nil {
		s.logger.Error().Err(err).Msg("consume reset token failed")
		writeError(w, http.StatusInternalServerError, "TOKEN_CONSUME_FAILED", "failed to consume token", nil)
		return
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(req.NewPassword), s.cfg.EmailPassword.BCryptCost)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "PASSWORD_HASH_FAILED", "failed to hash password", nil)
		return
	}
	if err := s.cfg.PrimaryStore.UpdateUserPassword(r.Context(), rec.Identifier, string(hash)); err != nil {
		s.logger.Error().Err(err).Str("user_id", rec.Identifier).Msg("update password failed")
		writeError(w, http.StatusInternalServerError, "UPDATE_PASSWORD_FAILED", "failed to update password", nil)
		return
	}

	revoked, err := s.cfg.PrimaryStore.DeleteSessionsByUserID(r.Context(), rec.Identifier)
	if err != nil {
		s.logger.Error().Err(err).Str("user_id", rec.Identifier).Msg("revoke sessions failed")
	}
	s.logger.Info().Str("user_id", rec.Identifier).Int("revoked_sessions", revoked).Msg("password reset")

	s.clearSessionCookie(w)
	writeJSON(w, http.StatusOK, map[string]any{"success": true})
}
