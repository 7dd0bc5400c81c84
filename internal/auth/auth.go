// Package auth provides bearer-token authentication for the Clawdfather API.
//
// Tokens are 32 random bytes, hex-encoded, shown exactly once at issue time.
// Only the SHA-256 of the hex string is stored; lookup is hash-based. A token
// resolves iff its row exists, is not revoked, and is not expired.
package auth

import (
	"context"
	"errors"
	"time"

	"github.com/clawdfather/clawdfather/internal/cryptoutil"
	"github.com/clawdfather/clawdfather/internal/store"
)

// Errors
var (
	ErrNoToken      = errors.New("auth: token required")
	ErrInvalidToken = errors.New("auth: invalid or expired token")
)

// DefaultTTL is applied when a Manager is built with a zero TTL.
const DefaultTTL = 30 * 24 * time.Hour

// Manager issues and resolves bearer tokens.
type Manager struct {
	store store.Store
	ttl   time.Duration
}

// NewManager creates an auth manager. ttl <= 0 falls back to DefaultTTL.
func NewManager(s store.Store, ttl time.Duration) *Manager {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Manager{store: s, ttl: ttl}
}

// IssueOptions carries the optional attributes of a new token.
type IssueOptions struct {
	SessionID string
	ClientIP  string
	UserAgent string
	TTL       time.Duration
}

// Issue mints a token for an account. The returned plaintext is the only
// copy that will ever exist.
func (m *Manager) Issue(ctx context.Context, accountID string, opts IssueOptions) (string, *store.AppSession, error) {
	plaintext, hash := cryptoutil.GenerateToken()
	ttl := opts.TTL
	if ttl <= 0 {
		ttl = m.ttl
	}
	now := time.Now()
	rec := &store.AppSession{
		AccountID: accountID,
		TokenHash: hash,
		SessionID: opts.SessionID,
		ClientIP:  opts.ClientIP,
		UserAgent: opts.UserAgent,
		CreatedAt: now,
		ExpiresAt: now.Add(ttl),
	}
	if err := m.store.CreateAppSession(ctx, rec); err != nil {
		return "", nil, err
	}
	return plaintext, rec, nil
}

// IssueForSession mints a token bound to an SSH session id, for the
// WebSocket client of that session.
func (m *Manager) IssueForSession(ctx context.Context, accountID, sessionID string) (string, error) {
	plaintext, _, err := m.Issue(ctx, accountID, IssueOptions{SessionID: sessionID})
	return plaintext, err
}

// Resolve maps a plaintext token to its account. ErrInvalidToken covers
// unknown, revoked, and expired tokens alike; callers get no distinction.
func (m *Manager) Resolve(ctx context.Context, plaintext string, now time.Time) (*store.Account, *store.AppSession, error) {
	if plaintext == "" {
		return nil, nil, ErrNoToken
	}
	rec, err := m.store.GetAppSessionByHash(ctx, cryptoutil.HashToken(plaintext))
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, nil, ErrInvalidToken
		}
		return nil, nil, err
	}
	if !rec.Valid(now) {
		return nil, nil, ErrInvalidToken
	}
	acct, err := m.store.GetAccount(ctx, rec.AccountID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, nil, ErrInvalidToken
		}
		return nil, nil, err
	}
	if !acct.Active {
		return nil, nil, ErrInvalidToken
	}
	_ = m.store.TouchAccount(ctx, acct.ID, now)
	return acct, rec, nil
}

// Revoke invalidates one token by id.
func (m *Manager) Revoke(ctx context.Context, tokenID string) error {
	return m.store.RevokeToken(ctx, tokenID, time.Now())
}
