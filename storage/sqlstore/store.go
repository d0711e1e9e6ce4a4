package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/captjt/authgate/storage"
)

type dialect int

const (
	dialectPostgres dialect = iota + 1
	dialectMySQL
	dialectSQLite
)

const userColumns = "id, email, name, password_hash, role, CASE WHEN email_verified THEN 1 ELSE 0 END, created_at, updated_at"

type Store struct {
	db      *sql.DB
	dialect dialect
}

func NewPostgres(db *sql.DB) *Store {
	return &Store{db: db, dialect: dialectPostgres}
}

func NewMySQL(db *sql.DB) *Store {
	return &Store{db: db, dialect: dialectMySQL}
}

func NewSQLite(db *sql.DB) *Store {
	return &Store{db: db, dialect: dialectSQLite}
}

func (s *Store) CreateUser(ctx context.Context, params storage.CreateUserParams) (storage.User, error) {
	email := normalizeEmail(params.Email)
	if email == "" {
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
	q := fmt.Sprintf(
		"INSERT INTO users (id, email, name, password_hash, role, email_verified, created_at, updated_at) VALUES (%s, %s, %s, %s, %s, %s, %s, %s)",
		s.p(1), s.p(2), s.p(3), s.p(4), s.p(5), s.p(6), s.p(7), s.p(8),
	)
	_, err := s.db.ExecContext(ctx, q,
		user.ID,
		user.Email,
		user.Name,
		user.PasswordHash,
		user.Role,
		user.EmailVerified,
		now.UnixMilli(),
		now.UnixMilli(),
	)
	if err != nil {
		if isDuplicateError(err) {
			return storage.User{}, storage.ErrAlreadyExists
		}
		return storage.User{}, fmt.Errorf("insert user: %w", err)
	}
	return user, nil
}

func (s *Store) FindUserByEmail(ctx context.Context, email string) (storage.User, error) {
	q := fmt.Sprintf("SELECT %s FROM users WHERE email = %s", userColumns, s.p(1))
	return s.scanUserRow(ctx, q, normalizeEmail(email))
}

func (s *Store) FindUserByID(ctx context.Context, id string) (storage.User, error) {
	q := fmt.Sprintf("SELECT %s FROM users WHERE id = %s", userColumns, s.p(1))
	return s.scanUserRow(ctx, q, strings.TrimSpace(id))
}

func (s *Store) UpdateUserPassword(ctx context.Context, userID, passwordHash string) error {
	q := fmt.Sprintf("UPDATE users SET password_hash = %s, updated_at = %s WHERE id = %s", s.p(1), s.p(2), s.p(3))
	res, err := s.db.ExecContext(ctx, q, passwordHash, time.Now().UTC().UnixMilli(), strings.TrimSpace(userID))
	if err != nil {
		return fmt.Errorf("update password: %w", err)
	}
	return requireAffected(res)
}

func (s *Store) UpdateUserRole(ctx context.Context, userID, role string) (storage.User, error) {
	q := fmt.Sprintf("UPDATE users SET role = %s, updated_at = %s WHERE id = %s", s.p(1), s.p(2), s.p(3))
	res, err := s.db.ExecContext(ctx, q, strings.TrimSpace(role), time.Now().UTC().UnixMilli(), strings.TrimSpace(userID))
	if err != nil {
		return storage.User{}, fmt.Errorf("update role: %w", err)
	}
	if err := requireAffected(res); err != nil {
		return storage.User{}, err
	}
	return s.FindUserByID(ctx, userID)
}

func (s *Store) CreateSession(ctx context.Context, params storage.CreateSessionParams) (storage.Session, error) {
	now := time.Now().UTC()
	session := storage.Session{
		ID:        newID("ses"),
		UserID:    strings.TrimSpace(params.UserID),
		TokenHash: strings.TrimSpace(params.TokenHash),
		ExpiresAt: params.ExpiresAt.UTC(),
		IPAddress: strings.TrimSpace(params.IPAddress),
		UserAgent: strings.TrimSpace(params.UserAgent),
		CreatedAt: now,
		UpdatedAt: now,
	}
	q := fmt.Sprintf("INSERT INTO sessions (id, user_id, token_hash, expires_at, ip_address, user_agent, created_at, updated_at) VALUES (%s, %s, %s, %s, %s, %s, %s, %s)",
		s.p(1), s.p(2), s.p(3), s.p(4), s.p(5), s.p(6), s.p(7), s.p(8),
	)
	_, err := s.db.ExecContext(ctx, q,
		session.ID,
		session.UserID,
		session.TokenHash,
		session.ExpiresAt.UnixMilli(),
		session.IPAddress,
		session.UserAgent,
		now.UnixMilli(),
		now.UnixMilli(),
	)
	if err != nil {
		if isDuplicateError(err) {
			return storage.Session{}, storage.ErrAlreadyExists
		}
		return storage.Session{}, fmt.Errorf("insert session: %w", err)
	}
	return session, nil
}

func (s *Store) FindSessionByTokenHash(ctx context.Context, tokenHash string) (storage.Session, error) {
	q := fmt.Sprintf("SELECT id, user_id, token_hash, expires_at, ip_address, user_agent, created_at, updated_at FROM sessions WHERE token_hash = %s", s.p(1))
	row := s.db.QueryRowContext(ctx, q, strings.TrimSpace(tokenHash))
	var rec storage.Session
	var expiresAt, createdAt, updatedAt int64
	if err := row.Scan(
		&rec.ID,
		&rec.UserID,
		&rec.TokenHash,
		&expiresAt,
		&rec.IPAddress,
		&rec.UserAgent,
		&createdAt,
		&updatedAt,
	); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return storage.Session{}, storage.ErrNotFound
		}
		return storage.Session{}, err
	}
	rec.ExpiresAt = time.UnixMilli(expiresAt).UTC()
	rec.CreatedAt = time.UnixMilli(createdAt).UTC()
	rec.UpdatedAt = time.UnixMilli(updatedAt).UTC()
	return rec, nil
}

func (s *Store) DeleteSessionByTokenHash(ctx context.Context, tokenHash string) error {
	q := fmt.Sprintf("DELETE FROM sessions WHERE token_hash = %s", s.p(1))
	_, err := s.db.ExecContext(ctx, q, strings.TrimSpace(tokenHash))
	return err
}

func (s *Store) DeleteSessionsByUserID(ctx context.Context, userID string) (int, error) {
	q := fmt.Sprintf("DELETE FROM sessions WHERE user_id = %s", s.p(1))
	res, err := s.db.ExecContext(ctx, q, strings.TrimSpace(userID))
	if err != nil {
		return 0, fmt.Errorf("delete sessions: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, nil
	}
	return int(n), nil
}

func (s *Store) DeleteExpiredSessions(ctx context.Context, now time.Time) error {
	q := fmt.Sprintf("DELETE FROM sessions WHERE expires_at < %s", s.p(1))
	_, err := s.db.ExecContext(ctx, q, now.UTC().UnixMilli())
	return err
}

func (s *Store) CreateVerificationToken(ctx context.Context, params storage.CreateVerificationTokenParams) (storage.VerificationToken, error) {
	now := time.Now().UTC()
	vt := storage.VerificationToken{
		ID:         newID("vt"),
		Kind:       strings.TrimSpace(params.Kind),
		Identifier: strings.TrimSpace(params.Identifier),
		SecretHash: strings.TrimSpace(params.SecretHash),
		Payload:    params.Payload,
		ExpiresAt:  params.ExpiresAt.UTC(),
		CreatedAt:  now,
	}
	q := fmt.Sprintf("INSERT INTO verification_tokens (id, kind, identifier, secret_hash, payload, expires_at, used_at, created_at) VALUES (%s, %s, %s, %s, %s, %s, %s, %s)",
		s.p(1), s.p(2), s.p(3), s.p(4), s.p(5), s.p(6), s.p(7), s.p(8),
	)
	_, err := s.db.ExecContext(ctx, q,
		vt.ID,
		vt.Kind,
		vt.Identifier,
		vt.SecretHash,
		vt.Payload,
		vt.ExpiresAt.UnixMilli(),
		nil,
		now.UnixMilli(),
	)
	if err != nil {
		return storage.VerificationToken{}, fmt.Errorf("insert verification token: %w", err)
	}
	return vt, nil
}

// FindActiveVerificationToken matches any identifier when params.Identifier is empty.
func (s *Store) FindActiveVerificationToken(ctx context.Context, params storage.FindActiveVerificationTokenParams) (storage.VerificationToken, error) {
	args := []any{
		strings.TrimSpace(params.Kind),
		strings.TrimSpace(params.SecretHash),
		params.Now.UTC().UnixMilli(),
	}
	where := fmt.Sprintf("kind = %s AND secret_hash = %s AND used_at IS NULL AND expires_at >= %s", s.p(1), s.p(2), s.p(3))
	if identifier := strings.TrimSpace(params.Identifier); identifier != "" {
		where += fmt.Sprintf(" AND identifier = %s", s.p(4))
		args = append(args, identifier)
	}
	q := fmt.Sprintf(`SELECT id, kind, identifier, secret_hash, payload, expires_at, used_at, created_at
FROM verification_tokens
WHERE %s
ORDER BY created_at DESC
LIMIT 1`, where)
	row := s.db.QueryRowContext(ctx, q, args...)

	var rec storage.VerificationToken
	var expiresAt, createdAt int64
	var usedAt sql.NullInt64
	if err := row.Scan(
		&rec.ID,
		&rec.Kind,
		&rec.Identifier,
		&rec.SecretHash,
		&rec.Payload,
		&expiresAt,
		&usedAt,
		&createdAt,
	); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return storage.VerificationToken{}, storage.ErrNotFound
		}
		return storage.VerificationToken{}, err
	}
	rec.ExpiresAt = time.UnixMilli(expiresAt).UTC()
	rec.CreatedAt = time.UnixMilli(createdAt).UTC()
	if usedAt.Valid {
		t := time.UnixMilli(usedAt.Int64).UTC()
		rec.UsedAt = &t
	}
	return rec, nil
}

func (s *Store) ConsumeVerificationToken(ctx context.Context, id string, usedAt time.Time) error {
	q := fmt.Sprintf("UPDATE verification_tokens SET used_at = %s WHERE id = %s AND used_at IS NULL", s.p(1), s.p(2))
	_, err := s.db.ExecContext(ctx, q, usedAt.UTC().UnixMilli(), strings.TrimSpace(id))
	return err
}

func (s *Store) DeleteExpiredVerificationTokens(ctx context.Context, now time.Time) error {
	q := fmt.Sprintf("DELETE FROM verification_tokens WHERE expires_at < %s", s.p(1))
	_, err := s.db.ExecContext(ctx, q, now.UTC().UnixMilli())
	return err
}

func (s *Store) LinkAccount(ctx context.Context, params storage.LinkAccountParams) (storage.Account, error) {
	now := time.Now().UTC()
	account := storage.Account{
		ID:         newID("acc"),
		UserID:     strings.TrimSpace(params.UserID),
		ProviderID: strings.TrimSpace(params.ProviderID),
		AccountID:  strings.TrimSpace(params.AccountID),
		CreatedAt:  now,
	}
	q := fmt.Sprintf("INSERT INTO accounts (id, user_id, provider_id, account_id, created_at) VALUES (%s, %s, %s, %s, %s)",
		s.p(1), s.p(2), s.p(3), s.p(4), s.p(5),
	)
	_, err := s.db.ExecContext(ctx, q, account.ID, account.UserID, account.ProviderID, account.AccountID, now.UnixMilli())
	if err != nil {
		if isDuplicateError(err) {
			return storage.Account{}, storage.ErrAlreadyExists
		}
		return storage.Account{}, fmt.Errorf("insert account: %w", err)
	}
	return account, nil
}

func (s *Store) FindAccount(ctx context.Context, providerID, accountID string) (storage.Account, error) {
	q := fmt.Sprintf("SELECT id, user_id, provider_id, account_id, created_at FROM accounts WHERE provider_id = %s AND account_id = %s", s.p(1), s.p(2))
	row := s.db.QueryRowContext(ctx, q, strings.TrimSpace(providerID), strings.TrimSpace(accountID))
	var rec storage.Account
	var createdAt int64
	if err := row.Scan(&rec.ID, &rec.UserID, &rec.ProviderID, &rec.AccountID, &createdAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return storage.Account{}, storage.ErrNotFound
		}
		return storage.Account{}, err
	}
	rec.CreatedAt = time.UnixMilli(createdAt).UTC()
	return rec, nil
}

func (s *Store) scanUserRow(ctx context.Context, q string, arg any) (storage.User, error) {
	row := s.db.QueryRowContext(ctx, q, arg)
	var user storage.User
	var emailVerified, createdAt, updatedAt int64
	if err := row.Scan(
		&user.ID,
		&user.Email,
		&user.Name,
		&user.PasswordHash,
		&user.Role,
		&emailVerified,
		&createdAt,
		&updatedAt,
	); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return storage.User{}, storage.ErrNotFound
		}
		return storage.User{}, err
	}
	user.EmailVerified = emailVerified != 0
	user.CreatedAt = time.UnixMilli(createdAt).UTC()
	user.UpdatedAt = time.UnixMilli(updatedAt).UTC()
	return user, nil
}

func (s *Store) p(index int) string {
	if s.dialect == dialectPostgres {
		return fmt.Sprintf("$%d", index)
	}
	return "?"
}

func requireAffected(res sql.Result) error {
	affected, err := res.RowsAffected()
	if err == nil && affected == 0 {
		return storage.ErrNotFound
	}
	return nil
}

func newID(prefix string) string {
	return prefix + "_" + uuid.NewString()
}

func normalizeEmail(v string) string {
	return strings.ToLower(strings.TrimSpace(v))
}

func isDuplicateError(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "duplicate") ||
		strings.Contains(msg, "unique constraint") ||
		strings.Contains(msg, "error 1062")
}
