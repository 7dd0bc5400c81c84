// Package store is the durable account store for the session & credit core.
//
// One Store interface, two backends: MemoryStore for tests and demo mode,
// PostgresStore for production. Transactional contracts are identical; every
// multi-statement mutation on Postgres runs inside a transaction with
// row-level locking on the account.
package store

import (
	"context"
	"errors"
	"time"
)

// Errors
var (
	ErrNotFound            = errors.New("store: not found")
	ErrLastKey             = errors.New("store: cannot remove last active key")
	ErrInsufficientCredits = errors.New("store: insufficient credits")
	ErrDuplicateEvent      = errors.New("store: event already processed")
	ErrDuplicateConnection = errors.New("store: connection already exists")
	ErrDuplicateKey        = errors.New("store: fingerprint already registered")
	ErrSessionExists       = errors.New("store: account session already exists")
	ErrSessionLimit        = errors.New("store: account session limit reached")
)

// Account is the root tenant entity; keys, connections, sessions, and the
// ledger all cascade from it.
type Account struct {
	ID             string     `json:"id"`
	DisplayName    string     `json:"displayName"`
	Email          string     `json:"email,omitempty"`
	BalanceSeconds int64      `json:"balanceSeconds"`
	Active         bool       `json:"active"`
	CreatedAt      time.Time  `json:"createdAt"`
	LastSeenAt     *time.Time `json:"lastSeenAt,omitempty"`
}

// OAuthIdentity links an account to an external provider login.
// At most one row per (provider, provider user id).
type OAuthIdentity struct {
	AccountID         string    `json:"accountId"`
	Provider          string    `json:"provider"` // e.g. "github"
	ProviderUserID    string    `json:"providerUserId"`
	Username          string    `json:"username"`
	Email             string    `json:"email,omitempty"`
	AccessTokenCipher string    `json:"-"` // provider token, sealed under the account KEK
	Scopes            string    `json:"scopes,omitempty"`
	CreatedAt         time.Time `json:"createdAt"`
}

// AppSession is a bearer token record. Only the hash is stored; the token is
// valid iff present, not revoked, and not expired.
type AppSession struct {
	ID        string     `json:"id"`
	AccountID string     `json:"accountId"`
	TokenHash string     `json:"-"`
	SessionID string     `json:"sessionId,omitempty"` // bound SSH session, if any
	ClientIP  string     `json:"clientIp,omitempty"`
	UserAgent string     `json:"userAgent,omitempty"`
	CreatedAt time.Time  `json:"createdAt"`
	ExpiresAt time.Time  `json:"expiresAt"`
	RevokedAt *time.Time `json:"revokedAt,omitempty"`
}

// Valid reports whether the token is usable at the given instant.
func (s *AppSession) Valid(now time.Time) bool {
	return s.RevokedAt == nil && s.ExpiresAt.After(now)
}

// Keypair is a server-held SSH keypair. The private key is stored only as a
// KEK-sealed ciphertext; Active false means revoked.
type Keypair struct {
	ID               string    `json:"id"`
	AccountID        string    `json:"accountId"`
	Label            string    `json:"label"`
	Algorithm        string    `json:"algorithm"` // "ed25519"
	PublicKey        string    `json:"publicKey"` // OpenSSH one-line form
	Fingerprint      string    `json:"fingerprint"`
	PrivateKeyCipher string    `json:"-"`
	Active           bool      `json:"active"`
	CreatedAt        time.Time `json:"createdAt"`
}

// Connection test results.
const (
	TestResultOK             = "ok"
	TestResultFailed         = "failed"
	TestResultTimeout        = "timeout"
	TestResultHostKeyChanged = "host_key_changed"
)

// Connection is a saved (host, port, user, keypair) tuple.
// (account, host, port, username) is unique.
type Connection struct {
	ID                 string     `json:"id"`
	AccountID          string     `json:"accountId"`
	KeypairID          string     `json:"keypairId"`
	Host               string     `json:"host"`
	Port               int        `json:"port"`
	Username           string     `json:"username"`
	Label              string     `json:"label,omitempty"`
	HostKeyFingerprint string     `json:"hostKeyFingerprint,omitempty"` // pinned; rotates only via explicit acceptance
	LastTestResult     string     `json:"lastTestResult,omitempty"`     // "", ok, failed, timeout, host_key_changed
	LastTestAt         *time.Time `json:"lastTestAt,omitempty"`
	CreatedAt          time.Time  `json:"createdAt"`
}

// Lease statuses.
const (
	LeaseStatusPending = "pending"
	LeaseStatusActive  = "active"
	LeaseStatusEnded   = "ended"
	LeaseStatusFailed  = "failed"
)

// Termination reasons.
const (
	ReasonUserTerminate   = "user_terminate"
	ReasonCreditExhausted = "credit_exhausted"
	ReasonIdleTimeout     = "idle_timeout"
	ReasonKeyRevoked      = "key_revoked"
	ReasonStaleRecord     = "stale_record"
	ReasonLaunchFailed    = "launch_failed"
	ReasonServerShutdown  = "server_shutdown"
)

// SessionLease is the persistent record of a session's intent-to-run.
type SessionLease struct {
	ID           string     `json:"id"`
	AccountID    string     `json:"accountId"`
	ConnectionID string     `json:"connectionId"`
	Status       string     `json:"status"`
	Reason       string     `json:"reason,omitempty"`
	StartedAt    time.Time  `json:"startedAt"`
	EndedAt      *time.Time `json:"endedAt,omitempty"`
}

// LedgerEntry is one append-only credit mutation. The sum of deltas for an
// account always equals its stored balance.
type LedgerEntry struct {
	ID           string    `json:"id"`
	AccountID    string    `json:"accountId"`
	DeltaSeconds int64     `json:"deltaSeconds"`
	Reason       string    `json:"reason"`
	Reference    string    `json:"reference,omitempty"`
	CreatedAt    time.Time `json:"createdAt"`
}

// AccountSession is a row in the active-session table the ticker sweeps.
type AccountSession struct {
	SessionID   string     `json:"sessionId"`
	AccountID   string     `json:"accountId"`
	StartedAt   time.Time  `json:"startedAt"`
	LastDebitAt *time.Time `json:"lastDebitAt,omitempty"`
}

// AuditEntry is a best-effort audit record.
type AuditEntry struct {
	ID        string    `json:"id"`
	AccountID string    `json:"accountId,omitempty"`
	Action    string    `json:"action"`
	Detail    string    `json:"detail,omitempty"` // JSON blob
	CreatedAt time.Time `json:"createdAt"`
}

// AuditQuery filters audit listings. Before is a created_at cursor; Action
// filters exactly; Limit is capped by the handler at 100.
type AuditQuery struct {
	AccountID string
	Action    string
	Before    *time.Time
	Limit     int
}

// ResolveResult is what ResolveOrCreateAccount returns.
type ResolveResult struct {
	Account *Account
	Key     *Keypair
	IsNew   bool
}

// Store persists the session & credit core. All operations are safe for
// concurrent use.
type Store interface {
	// Accounts
	GetAccount(ctx context.Context, id string) (*Account, error)
	TouchAccount(ctx context.Context, id string, now time.Time) error

	// ResolveOrCreateAccount finds the owner of a keypair fingerprint, or
	// atomically creates an account plus a keypair bearing it. Concurrent
	// callers with the same fingerprint agree on a single account.
	ResolveOrCreateAccount(ctx context.Context, key *Keypair, displayName string) (*ResolveResult, error)

	// OAuth identities
	// UpsertOAuthIdentity resolves (provider, providerUserID) to an account,
	// creating one when unseen. Returns the account and whether it is new.
	UpsertOAuthIdentity(ctx context.Context, ident *OAuthIdentity, displayName string) (*Account, bool, error)
	ListOAuthIdentities(ctx context.Context, accountID string) ([]*OAuthIdentity, error)

	// Keys
	AddKey(ctx context.Context, key *Keypair) error
	RemoveKey(ctx context.Context, accountID, keyID string) error
	GetKey(ctx context.Context, keyID string) (*Keypair, error)
	GetActiveKey(ctx context.Context, accountID string) (*Keypair, error)
	ListKeys(ctx context.Context, accountID string) ([]*Keypair, error)

	// Bearer tokens
	CreateAppSession(ctx context.Context, rec *AppSession) error
	GetAppSessionByHash(ctx context.Context, tokenHash string) (*AppSession, error)
	RevokeToken(ctx context.Context, tokenID string, now time.Time) error
	RevokeTokensBySession(ctx context.Context, sessionID string, now time.Time) (int, error)
	CleanExpiredTokens(ctx context.Context, now time.Time) (int, error)

	// Credits
	AddCredits(ctx context.Context, accountID string, seconds int64, reason, reference string) error
	// DebitCredits appends a negative entry and decrements the balance, all
	// or nothing. ErrInsufficientCredits leaves state unchanged.
	DebitCredits(ctx context.Context, accountID string, seconds int64, sessionID string) error
	LedgerHistory(ctx context.Context, accountID string, limit int) ([]*LedgerEntry, error)
	// RecomputeBalances re-sums the ledger into account balances (recovery).
	RecomputeBalances(ctx context.Context) error

	// Stripe idempotency
	RecordStripeEvent(ctx context.Context, eventID, eventType string) error
	HasProcessedStripeEvent(ctx context.Context, eventID string) (bool, error)
	// ApplyStripeCredit records the event and applies the credit grant as one
	// atomic step; the unique event id serializes concurrent deliveries.
	// ErrDuplicateEvent means a previous delivery already granted the credit.
	ApplyStripeCredit(ctx context.Context, eventID, eventType, accountID string, seconds int64) error

	// Active-session table
	StartAccountSession(ctx context.Context, sessionID, accountID string) error
	EndAccountSession(ctx context.Context, sessionID string) error
	GetAccountIDForSession(ctx context.Context, sessionID string) (string, error)
	ListAccountSessions(ctx context.Context) ([]*AccountSession, error)
	MarkSessionDebited(ctx context.Context, sessionID string, at time.Time) error

	// Connections
	CreateConnection(ctx context.Context, conn *Connection) error
	GetConnection(ctx context.Context, id string) (*Connection, error)
	GetConnectionByTarget(ctx context.Context, accountID, host string, port int, username string) (*Connection, error)
	ListConnections(ctx context.Context, accountID string) ([]*Connection, error)
	UpdateConnection(ctx context.Context, conn *Connection) error
	DeleteConnection(ctx context.Context, accountID, id string) error
	SetConnectionTestResult(ctx context.Context, id, result, hostKeyFingerprint string, at time.Time) error

	// Session leases
	// CreateLease inserts the lease, atomically enforcing the per-account
	// cap on leases in {pending, active}. maxActive <= 0 disables the cap;
	// ErrSessionLimit leaves state unchanged.
	CreateLease(ctx context.Context, lease *SessionLease, maxActive int) error
	GetLease(ctx context.Context, id string) (*SessionLease, error)
	ListLeases(ctx context.Context, accountID string, limit int) ([]*SessionLease, error)
	UpdateLeaseStatus(ctx context.Context, id, status, reason string, endedAt *time.Time) error
	CountActiveLeases(ctx context.Context, accountID string) (int, error)

	// OAuth state cache (one-shot)
	PutOAuthState(ctx context.Context, stateHash, verifier string, expiresAt time.Time) error
	// ConsumeOAuthState atomically deletes an unexpired row and returns its
	// verifier. ErrNotFound means missing, expired, or already consumed.
	ConsumeOAuthState(ctx context.Context, stateHash string, now time.Time) (string, error)

	// Audit
	AppendAudit(ctx context.Context, entry *AuditEntry) error
	ListAudit(ctx context.Context, q AuditQuery) ([]*AuditEntry, error)

	// Health
	Ping(ctx context.Context) error
	Close() error
}
