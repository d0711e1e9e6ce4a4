package memory

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/captjt/authgate/storage"
)

// Store keeps everything in process memory. It is meant for tests and
// single-instance development.
type Store struct {
	mu sync.RWMutex

	usersByID        map[string]storage.User
	userIDByEmail    map[string]string
	sessionsByHash   map[string]storage.Session
	verificationByID map[string]storage.VerificationToken
	accountsByKey    map[string]storage.Account
}

func New() *Store {
	return &Store{
		usersByID:        map[string]storage.User{},
		userIDByEmail:    map[string]string{},
		sessionsByHash:   map[string]storage.Session{},
		verificationByID: map[string]storage.VerificationToken{},
		accountsByKey:    map[string]storage.Account{},
	}
}

func (s *Store) CreateUser(_ context.Context, params storage.CreateUserParams) (storage.User, error) {
	email := normalizeEmail(params.Email)
	if email == "" {
		return storage.User{}, storage.ErrAlreadyExists
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.userIDByEmail[email]; exists {
		return storage.User{}, storage.ErrAlreadyExists
	}

	now := time.Now().UTC()
	user := storage.User{
		ID:            newID("usr"),
		Email:         email,
		Name:          strings.TrimSpace(params.Name),
		PasswordHash:  params.PasswordHash,
		Role:          strings.TrimSpace(params.Role),
		EmailVerified: params.EmailVerified,
		CreatedAt:     now,
		UpdatedAt:     now,
	}

	s.usersByID[user.ID] = user
	s.userIDByEmail[email] = user.ID
	return user, nil
}

func (s *Store) FindUserByEmail(_ context.Context, email string) (storage.User, error) {
	normalized := normalizeEmail(email)
	s.mu.RLock()
	defer s.mu.RUnlock()

	id, ok := s.userIDByEmail[normalized]
	if !ok {
		return storage.User{}, storage.ErrNotFound
	}
	user, ok := s.usersByID[id]
	if !ok {
		return storage.User{}, storage.ErrNotFound
	}
	return user, nil
}

func (s *Store) FindUserByID(_ context.Context, id string) (storage.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	user, ok := s.usersByID[id]
	if !ok {
		return storage.User{}, storage.ErrNotFound
	}
	return user, nil
}

func (s *Store) UpdateUserPassword(_ context.Context, userID, passwordHash string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	user, ok := s.usersByID[userID]
	if !ok {
		return storage.ErrNotFound
	}
	user.PasswordHash = passwordHash
	user.UpdatedAt = time.Now().UTC()
	s.usersByID[userID] = user
	return nil
}

func (s *Store) UpdateUserRole(_ context.Context, userID, role string) (storage.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	user, ok := s.usersByID[userID]
	if !ok {
		return storage.User{}, storage.ErrNotFound
	}
	user.Role = strings.TrimSpace(role)
	user.UpdatedAt = time.Now().UTC()
	s.usersByID[userID] = user
	return user, nil
}

func (s *Store) CreateSession(_ context.Context, params storage.CreateSessionParams) (storage.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UTC()
	session := storage.Session{
		ID:        newID("ses"),
		UserID:    params.UserID,
		TokenHash: params.TokenHash,
		ExpiresAt: params.ExpiresAt.UTC(),
		IPAddress: params.IPAddress,
		UserAgent: params.UserAgent,
		CreatedAt: now,
		UpdatedAt: now,
	}

	s.sessionsByHash[params.TokenHash] = session
	return session, nil
}

func (s *Store) FindSessionByTokenHash(_ context.Context, tokenHash string) (storage.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	session, ok := s.sessionsByHash[tokenHash]
	if !ok {
		return storage.Session{}, storage.ErrNotFound
	}
	return session, nil
}

func (s *Store) DeleteSessionByTokenHash(_ context.Context, tokenHash string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.sessionsByHash, tokenHash)
	return nil
}

func (s *Store) DeleteSessionsByUserID(_ context.Context, userID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for key, session := range s.sessionsByHash {
		if session.UserID == userID {
			delete(s.sessionsByHash, key)
			removed++
		}
	}
	return removed, nil
}

func (s *Store) DeleteExpiredSessions(_ context.Context, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for key, session := range s.sessionsByHash {
		if session.ExpiresAt.Before(now) {
			delete(s.sessionsByHash, key)
		}
	}
	return nil
}

func (s *Store) CreateVerificationToken(_ context.Context, params storage.CreateVerificationTokenParams) (storage.VerificationToken, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	vt := storage.VerificationToken{
		ID:         newID("vt"),
		Kind:       strings.TrimSpace(params.Kind),
		Identifier: strings.TrimSpace(params.Identifier),
		SecretHash: strings.TrimSpace(params.SecretHash),
		Payload:    params.Payload,
		ExpiresAt:  params.ExpiresAt.UTC(),
		CreatedAt:  time.Now().UTC(),
	}
	s.verificationByID[vt.ID] = vt
	return vt, nil
}

func (s *Store) FindActiveVerificationToken(_ context.Context, params storage.FindActiveVerificationTokenParams) (storage.VerificationToken, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	kind := strings.TrimSpace(params.Kind)
	identifier := strings.TrimSpace(params.Identifier)
	secretHash := strings.TrimSpace(params.SecretHash)
	now := params.Now.UTC()

	var found storage.VerificationToken
	for _, token := range s.verificationByID {
		if token.Kind != kind || token.SecretHash != secretHash {
			continue
		}
		if identifier != "" && token.Identifier != identifier {
			continue
		}
		if token.UsedAt != nil || token.ExpiresAt.Before(now) {
			continue
		}
		if found.ID == "" || token.CreatedAt.After(found.CreatedAt) {
			found = token
		}
	}
	if found.ID == "" {
		return storage.VerificationToken{}, storage.ErrNotFound
	}
	return found, nil
}

func (s *Store) ConsumeVerificationToken(_ context.Context, id string, usedAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	token, ok := s.verificationByID[id]
	if !ok {
		return storage.ErrNotFound
	}
	if token.UsedAt != nil {
		return nil
	}
	t := usedAt.UTC()
	token.UsedAt = &t
	s.verificationByID[id] = token
	return nil
}

func (s *Store) DeleteExpiredVerificationTokens(_ context.Context, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for id, token := range s.verificationByID {
		if token.ExpiresAt.Before(now) {
			delete(s.verificationByID, id)
		}
	}
	return nil
}

func (s *Store) LinkAccount(_ context.Context, params storage.LinkAccountParams) (storage.Account, error) {
	key := accountKey(params.ProviderID, params.AccountID)

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.accountsByKey[key]; exists {
		return storage.Account{}, storage.ErrAlreadyExists
	}
	if _, ok := s.usersByID[params.UserID]; !ok {
		return storage.Account{}, storage.ErrNotFound
	}
	account := storage.Account{
		ID:         newID("acc"),
		UserID:     params.UserID,
		ProviderID: strings.TrimSpace(params.ProviderID),
		AccountID:  strings.TrimSpace(params.AccountID),
		CreatedAt:  time.Now().UTC(),
	}
	s.accountsByKey[key] = account
	return account, nil
}

func (s *Store) FindAccount(_ context.Context, providerID, accountID string) (storage.Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	account, ok := s.accountsByKey[accountKey(providerID, accountID)]
	if !ok {
		return storage.Account{}, storage.ErrNotFound
	}
	return account, nil
}

func normalizeEmail(v string) string {
	return strings.ToLower(strings.TrimSpace(v))
}

func accountKey(providerID, accountID string) string {
	return strings.TrimSpace(providerID) + "\x00" + strings.TrimSpace(accountID)
}

func newID(prefix string) string {
	return prefix + "_" + uuid.NewString()
}
