package storage

import (
	"context"
	"errors"
	"time"
)

var (
	ErrNotFound      = errors.New("not found")
	ErrAlreadyExists = errors.New("already exists")
)

// User.Role holds one of the guard roles in its string form.
type User struct {
	ID            string
	Email         string
	Name          string
	PasswordHash  string
	Role          string
	EmailVerified bool
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

type Session struct {
	ID        string
	UserID    string
	TokenHash string
	ExpiresAt time.Time
	IPAddress string
	UserAgent string
	CreatedAt time.Time
	UpdatedAt time.Time
}

type VerificationToken struct {
	ID         string
	Kind       string
	Identifier string
	SecretHash string
	Payload    string
	ExpiresAt  time.Time
	UsedAt     *time.Time
	CreatedAt  time.Time
}

// Account links a user to an external OAuth identity.
type Account struct {
	ID         string
	UserID     string
	ProviderID string
	AccountID  string
	CreatedAt  time.Time
}

type CreateUserParams struct {
	Email         string
	Name          string
	PasswordHash  string
	Role          string
	EmailVerified bool
}

type CreateSessionParams struct {
	UserID    string
	TokenHash string
	ExpiresAt time.Time
	IPAddress string
	UserAgent string
}

type CreateVerificationTokenParams struct {
	Kind       string
	Identifier string
	SecretHash string
	Payload    string
	ExpiresAt  time.Time
}

type FindActiveVerificationTokenParams struct {
	Kind       string
	Identifier string
	SecretHash string
	Now        time.Time
}

type LinkAccountParams struct {
	UserID     string
	ProviderID string
	AccountID  string
}

// Primary is the persistent backend for users, sessions, tokens and linked accounts.
type Primary interface {
	CreateUser(ctx context.Context, params CreateUserParams) (User, error)
	FindUserByEmail(ctx context.Context, email string) (User, error)
	FindUserByID(ctx context.Context, id string) (User, error)
	UpdateUserPassword(ctx context.Context, userID, passwordHash string) error
	UpdateUserRole(ctx context.Context, userID, role string) (User, error)

	CreateSession(ctx context.Context, params CreateSessionParams) (Session, error)
	FindSessionByTokenHash(ctx context.Context, tokenHash string) (Session, error)
	DeleteSessionByTokenHash(ctx context.Context, tokenHash string) error
	DeleteSessionsByUserID(ctx context.Context, userID string) (int, error)
	DeleteExpiredSessions(ctx context.Context, now time.Time) error

	CreateVerificationToken(ctx context.Context, params CreateVerificationTokenParams) (VerificationToken, error)
	FindActiveVerificationToken(ctx context.Context, params FindActiveVerificationTokenParams) (VerificationToken, error)
	ConsumeVerificationToken(ctx context.Context, id string, usedAt time.Time) error
	DeleteExpiredVerificationTokens(ctx context.Context, now time.Time) error

	LinkAccount(ctx context.Context, params LinkAccountParams) (Account, error)
	FindAccount(ctx context.Context, providerID, accountID string) (Account, error)
}
