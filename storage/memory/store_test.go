package memory

import (
	"context"
	"testing"
	"time"

	"github.com/captjt/authgate/storage"
	"github.com/captjt/authgate/storage/storagetest"
)

func TestMemoryStoreConformance(t *testing.T) {
	storagetest.Run(t, New())
}

func TestLinkAccountRequiresUser(t *testing.T) {
	s := New()
	_, err := s.LinkAccount(context.Background(), storage.LinkAccountParams{UserID: "usr_nope", ProviderID: "github", AccountID: "1"})
	if err != storage.ErrNotFound {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestDeleteExpiredVerificationTokens(t *testing.T) {
	s := New()
	ctx := context.Background()
	now := time.Now().UTC()
	if _, err := s.CreateVerificationToken(ctx, storage.CreateVerificationTokenParams{Kind: "password_reset", Identifier: "u", SecretHash: "a", ExpiresAt: now.Add(-time.Second)}); err != nil {
		t.Fatalf("create token: %v", err)
	}
	if err := s.DeleteExpiredVerificationTokens(ctx, now); err != nil {
		t.Fatalf("delete expired: %v", err)
	}
	if len(s.verificationByID) != 0 {
		t.Fatalf("expected expired token removed, got %d", len(s.verificationByID))
	}
}
