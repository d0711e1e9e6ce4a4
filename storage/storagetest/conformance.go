// Package storagetest holds behaviour checks shared by every storage.Primary
// implementation.
package storagetest

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/captjt/authgate/storage"
)

// Run exercises store against the storage.Primary contract. Records are
// keyed by a random seed so it can run against a shared database.
func Run(t *testing.T, store storage.Primary) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	seed := uuid.NewString()
	email := fmt.Sprintf("patient-%s@example.com", seed)

	user, err := store.CreateUser(ctx, storage.CreateUserParams{
		Email:        "  " + email + " ",
		Name:         "Pat Patient",
		PasswordHash: "hash",
		Role:         "patient",
	})
	if err != nil {
		t.Fatalf("create user: %v", err)
	}
	if user.Email != email {
		t.Fatalf("expected normalized email %s, got %s", email, user.Email)
	}
	if _, err := store.CreateUser(ctx, storage.CreateUserParams{Email: email, PasswordHash: "x", Role: "patient"}); !errors.Is(err, storage.ErrAlreadyExists) {
		t.Fatalf("expected ErrAlreadyExists for duplicate email, got %v", err)
	}

	found, err := store.FindUserByEmail(ctx, email)
	if err != nil {
		t.Fatalf("find user by email: %v", err)
	}
	if found.ID != user.ID || found.Role != "patient" {
		t.Fatalf("unexpected user %+v", found)
	}
	if _, err := store.FindUserByID(ctx, "usr_missing-"+seed); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}

	promoted, err := store.UpdateUserRole(ctx, user.ID, "admin")
	if err != nil {
		t.Fatalf("update role: %v", err)
	}
	if promoted.Role != "admin" {
		t.Fatalf("expected admin role, got %s", promoted.Role)
	}
	if _, err := store.UpdateUserRole(ctx, "usr_missing-"+seed, "admin"); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("expected ErrNotFound updating missing user, got %v", err)
	}

	if err := store.UpdateUserPassword(ctx, user.ID, "new-hash"); err != nil {
		t.Fatalf("update password: %v", err)
	}
	reloaded, err := store.FindUserByID(ctx, user.ID)
	if err != nil {
		t.Fatalf("find user by id: %v", err)
	}
	if reloaded.PasswordHash != "new-hash" {
		t.Fatalf("expected updated password hash, got %s", reloaded.PasswordHash)
	}

	expiresAt := time.Now().UTC().Add(time.Hour)
	var hashes []string
	for i := 0; i < 2; i++ {
		hash := fmt.Sprintf("token-%s-%d", seed, i)
		if _, err := store.CreateSession(ctx, storage.CreateSessionParams{
			UserID:    user.ID,
			TokenHash: hash,
			ExpiresAt: expiresAt,
			IPAddress: "127.0.0.1",
			UserAgent: "storagetest",
		}); err != nil {
			t.Fatalf("create session: %v", err)
		}
		hashes = append(hashes, hash)
	}
	session, err := store.FindSessionByTokenHash(ctx, hashes[0])
	if err != nil {
		t.Fatalf("find session: %v", err)
	}
	if session.UserID != user.ID {
		t.Fatalf("expected session user %s got %s", user.ID, session.UserID)
	}
	if session.ExpiresAt.UnixMilli() != expiresAt.UnixMilli() {
		t.Fatalf("expected expiry %s, got %s", expiresAt, session.ExpiresAt)
	}

	if err := store.DeleteSessionByTokenHash(ctx, hashes[0]); err != nil {
		t.Fatalf("delete session: %v", err)
	}
	if _, err := store.FindSessionByTokenHash(ctx, hashes[0]); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("expected deleted session to be gone, got %v", err)
	}
	removed, err := store.DeleteSessionsByUserID(ctx, user.ID)
	if err != nil {
		t.Fatalf("delete sessions by user: %v", err)
	}
	if removed != 1 {
		t.Fatalf("expected 1 remaining session removed, got %d", removed)
	}

	secret := "reset-" + seed
	vt, err := store.CreateVerificationToken(ctx, storage.CreateVerificationTokenParams{
		Kind:       "password_reset",
		Identifier: user.ID,
		SecretHash: secret,
		ExpiresAt:  time.Now().UTC().Add(5 * time.Minute),
	})
	if err != nil {
		t.Fatalf("create verification token: %v", err)
	}
	lookup := storage.FindActiveVerificationTokenParams{Kind: "password_reset", SecretHash: secret, Now: time.Now().UTC()}
	active, err := store.FindActiveVerificationToken(ctx, lookup)
	if err != nil {
		t.Fatalf("find active token: %v", err)
	}
	if active.ID != vt.ID || active.Identifier != user.ID {
		t.Fatalf("unexpected token %+v", active)
	}
	lookup.Identifier = "someone-else"
	if _, err := store.FindActiveVerificationToken(ctx, lookup); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("expected identifier mismatch to miss, got %v", err)
	}
	lookup.Identifier = ""
	if err := store.ConsumeVerificationToken(ctx, vt.ID, time.Now().UTC()); err != nil {
		t.Fatalf("consume token: %v", err)
	}
	if _, err := store.FindActiveVerificationToken(ctx, lookup); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("expected not found after consume, got %v", err)
	}

	accountID := "google-" + seed
	if _, err := store.FindAccount(ctx, "google", accountID); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("expected no account yet, got %v", err)
	}
	if _, err := store.LinkAccount(ctx, storage.LinkAccountParams{UserID: user.ID, ProviderID: "google", AccountID: accountID}); err != nil {
		t.Fatalf("link account: %v", err)
	}
	account, err := store.FindAccount(ctx, "google", accountID)
	if err != nil {
		t.Fatalf("find account: %v", err)
	}
	if account.UserID != user.ID {
		t.Fatalf("expected account to belong to %s, got %s", user.ID, account.UserID)
	}
	if _, err := store.LinkAccount(ctx, storage.LinkAccountParams{UserID: user.ID, ProviderID: "google", AccountID: accountID}); !errors.Is(err, storage.ErrAlreadyExists) {
		t.Fatalf("expected ErrAlreadyExists relinking, got %v", err)
	}
}
