package auth

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/clawdfather/clawdfather/internal/store"
)

func newAccount(t *testing.T, s *store.MemoryStore) *store.Account {
	t.Helper()
	res, err := s.ResolveOrCreateAccount(context.Background(), &store.Keypair{
		Fingerprint: "SHA256:" + t.Name(),
	}, "tester")
	if err != nil {
		t.Fatalf("create account: %v", err)
	}
	return res.Account
}

func TestIssueAndResolve(t *testing.T) {
	s := store.NewMemoryStore()
	m := NewManager(s, 0)
	ctx := context.Background()
	acct := newAccount(t, s)

	plaintext, rec, err := m.Issue(ctx, acct.ID, IssueOptions{ClientIP: "10.0.0.1"})
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	if len(plaintext) != 64 {
		t.Errorf("token length = %d, want 64", len(plaintext))
	}
	if rec.TokenHash == plaintext {
		t.Error("stored hash must differ from plaintext")
	}

	got, gotRec, err := m.Resolve(ctx, plaintext, time.Now())
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if got.ID != acct.ID {
		t.Errorf("resolved account %s, want %s", got.ID, acct.ID)
	}
	if gotRec.ID != rec.ID {
		t.Errorf("resolved record %s, want %s", gotRec.ID, rec.ID)
	}
}

func TestResolve_UnknownToken(t *testing.T) {
	s := store.NewMemoryStore()
	m := NewManager(s, 0)

	if _, _, err := m.Resolve(context.Background(), "deadbeef", time.Now()); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expected ErrInvalidToken, got %v", err)
	}
	if _, _, err := m.Resolve(context.Background(), "", time.Now()); !errors.Is(err, ErrNoToken) {
		t.Fatalf("expected ErrNoToken, got %v", err)
	}
}

func TestResolve_Expired(t *testing.T) {
	s := store.NewMemoryStore()
	m := NewManager(s, 0)
	ctx := context.Background()
	acct := newAccount(t, s)

	issued := time.Now()
	plaintext, _, err := m.Issue(ctx, acct.ID, IssueOptions{TTL: time.Millisecond})
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}

	// One second after issue the 1ms token must be gone.
	if _, _, err := m.Resolve(ctx, plaintext, issued.Add(time.Second)); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expected ErrInvalidToken after expiry, got %v", err)
	}
}

func TestResolve_Revoked(t *testing.T) {
	s := store.NewMemoryStore()
	m := NewManager(s, 0)
	ctx := context.Background()
	acct := newAccount(t, s)

	plaintext, rec, err := m.Issue(ctx, acct.ID, IssueOptions{})
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	if err := m.Revoke(ctx, rec.ID); err != nil {
		t.Fatalf("Revoke: %v", err)
	}
	if _, _, err := m.Resolve(ctx, plaintext, time.Now()); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expected ErrInvalidToken after revocation, got %v", err)
	}
}

func TestIssueForSession_BoundAndRevocableBySession(t *testing.T) {
	s := store.NewMemoryStore()
	m := NewManager(s, 0)
	ctx := context.Background()
	acct := newAccount(t, s)

	plaintext, err := m.IssueForSession(ctx, acct.ID, "sess-42")
	if err != nil {
		t.Fatalf("IssueForSession: %v", err)
	}
	_, rec, err := m.Resolve(ctx, plaintext, time.Now())
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if rec.SessionID != "sess-42" {
		t.Errorf("session binding = %q, want sess-42", rec.SessionID)
	}

	n, err := s.RevokeTokensBySession(ctx, "sess-42", time.Now())
	if err != nil || n != 1 {
		t.Fatalf("RevokeTokensBySession: %v (n=%d)", err, n)
	}
	if _, _, err := m.Resolve(ctx, plaintext, time.Now()); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expected ErrInvalidToken after session revocation, got %v", err)
	}
}
