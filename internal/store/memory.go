package store

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/clawdfather/clawdfather/internal/idgen"
)

// MemoryStore is an in-memory implementation of Store. Used in tests and in
// demo mode when DATABASE_URL is not set; data does not persist.
type MemoryStore struct {
	mu sync.Mutex

	accounts        map[string]*Account
	identities      map[string]*OAuthIdentity // provider|providerUserID
	keys            map[string]*Keypair       // by key id
	appSessions     map[string]*AppSession    // by token id
	ledger          []*LedgerEntry
	stripeEvents    map[string]time.Time // event id -> first seen
	accountSessions map[string]*AccountSession
	connections     map[string]*Connection
	leases          map[string]*SessionLease
	oauthStates     map[string]oauthState // state hash -> verifier+expiry
	audit           []*AuditEntry
}

type oauthState struct {
	verifier  string
	expiresAt time.Time
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		accounts:        make(map[string]*Account),
		identities:      make(map[string]*OAuthIdentity),
		keys:            make(map[string]*Keypair),
		appSessions:     make(map[string]*AppSession),
		stripeEvents:    make(map[string]time.Time),
		accountSessions: make(map[string]*AccountSession),
		connections:     make(map[string]*Connection),
		leases:          make(map[string]*SessionLease),
		oauthStates:     make(map[string]oauthState),
	}
}

// ---------------------------------------------------------------------------
// Accounts
// ---------------------------------------------------------------------------

func (s *MemoryStore) GetAccount(ctx context.Context, id string) (*Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.accounts[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *a
	return &cp, nil
}

func (s *MemoryStore) TouchAccount(ctx context.Context, id string, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.accounts[id]
	if !ok {
		return ErrNotFound
	}
	t := now
	a.LastSeenAt = &t
	return nil
}

func (s *MemoryStore) ResolveOrCreateAccount(ctx context.Context, key *Keypair, displayName string) (*ResolveResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, k := range s.keys {
		if k.Fingerprint == key.Fingerprint && k.Active {
			acct := s.accounts[k.AccountID]
			ac, kc := *acct, *k
			return &ResolveResult{Account: &ac, Key: &kc, IsNew: false}, nil
		}
	}

	now := time.Now()
	acct := &Account{
		ID:          idgen.WithPrefix("acct_"),
		DisplayName: displayName,
		Active:      true,
		CreatedAt:   now,
	}
	s.accounts[acct.ID] = acct

	k := *key
	if k.ID == "" {
		k.ID = idgen.WithPrefix("key_")
	}
	k.AccountID = acct.ID
	k.Active = true
	k.CreatedAt = now
	s.keys[k.ID] = &k

	ac, kc := *acct, k
	return &ResolveResult{Account: &ac, Key: &kc, IsNew: true}, nil
}

// ---------------------------------------------------------------------------
// OAuth identities
// ---------------------------------------------------------------------------

func identKey(provider, providerUserID string) string {
	return provider + "|" + providerUserID
}

func (s *MemoryStore) UpsertOAuthIdentity(ctx context.Context, ident *OAuthIdentity, displayName string) (*Account, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := identKey(ident.Provider, ident.ProviderUserID)
	if existing, ok := s.identities[key]; ok {
		existing.Username = ident.Username
		existing.Email = ident.Email
		existing.AccessTokenCipher = ident.AccessTokenCipher
		existing.Scopes = ident.Scopes
		acct := s.accounts[existing.AccountID]
		cp := *acct
		return &cp, false, nil
	}

	now := time.Now()
	acct := &Account{
		ID:          idgen.WithPrefix("acct_"),
		DisplayName: displayName,
		Email:       ident.Email,
		Active:      true,
		CreatedAt:   now,
	}
	s.accounts[acct.ID] = acct

	ic := *ident
	ic.AccountID = acct.ID
	ic.CreatedAt = now
	s.identities[key] = &ic

	cp := *acct
	return &cp, true, nil
}

func (s *MemoryStore) ListOAuthIdentities(ctx context.Context, accountID string) ([]*OAuthIdentity, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*OAuthIdentity
	for _, i := range s.identities {
		if i.AccountID == accountID {
			cp := *i
			out = append(out, &cp)
		}
	}
	return out, nil
}

// ---------------------------------------------------------------------------
// Keys
// ---------------------------------------------------------------------------

func (s *MemoryStore) AddKey(ctx context.Context, key *Keypair) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.accounts[key.AccountID]; !ok {
		return ErrNotFound
	}
	for _, k := range s.keys {
		if k.AccountID == key.AccountID && k.Fingerprint == key.Fingerprint && k.Active {
			return ErrDuplicateKey
		}
	}

	cp := *key
	if cp.ID == "" {
		cp.ID = idgen.WithPrefix("key_")
	}
	cp.Active = true
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = time.Now()
	}
	s.keys[cp.ID] = &cp
	key.ID = cp.ID
	key.CreatedAt = cp.CreatedAt
	key.Active = true
	return nil
}

func (s *MemoryStore) RemoveKey(ctx context.Context, accountID, keyID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	k, ok := s.keys[keyID]
	if !ok || k.AccountID != accountID || !k.Active {
		return ErrNotFound
	}

	active := 0
	for _, other := range s.keys {
		if other.AccountID == accountID && other.Active {
			active++
		}
	}
	if active <= 1 {
		return ErrLastKey
	}

	k.Active = false
	return nil
}

func (s *MemoryStore) GetKey(ctx context.Context, keyID string) (*Keypair, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	k, ok := s.keys[keyID]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *k
	return &cp, nil
}

func (s *MemoryStore) GetActiveKey(ctx context.Context, accountID string) (*Keypair, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	// A key with sealed private material outranks a bare fingerprint record;
	// newest wins among equals.
	better := func(a, b *Keypair) bool {
		am, bm := a.PrivateKeyCipher != "", b.PrivateKeyCipher != ""
		if am != bm {
			return am
		}
		return a.CreatedAt.After(b.CreatedAt)
	}
	var best *Keypair
	for _, k := range s.keys {
		if k.AccountID == accountID && k.Active {
			if best == nil || better(k, best) {
				best = k
			}
		}
	}
	if best == nil {
		return nil, ErrNotFound
	}
	cp := *best
	return &cp, nil
}

func (s *MemoryStore) ListKeys(ctx context.Context, accountID string) ([]*Keypair, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*Keypair
	for _, k := range s.keys {
		if k.AccountID == accountID {
			cp := *k
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

// ---------------------------------------------------------------------------
// Bearer tokens
// ---------------------------------------------------------------------------

func (s *MemoryStore) CreateAppSession(ctx context.Context, rec *AppSession) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if rec.ID == "" {
		rec.ID = idgen.WithPrefix("tok_")
	}
	cp := *rec
	s.appSessions[cp.ID] = &cp
	return nil
}

func (s *MemoryStore) GetAppSessionByHash(ctx context.Context, tokenHash string) (*AppSession, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, rec := range s.appSessions {
		if rec.TokenHash == tokenHash {
			cp := *rec
			return &cp, nil
		}
	}
	return nil, ErrNotFound
}

func (s *MemoryStore) RevokeToken(ctx context.Context, tokenID string, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.appSessions[tokenID]
	if !ok {
		return ErrNotFound
	}
	if rec.RevokedAt == nil {
		t := now
		rec.RevokedAt = &t
	}
	return nil
}

func (s *MemoryStore) RevokeTokensBySession(ctx context.Context, sessionID string, now time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, rec := range s.appSessions {
		if rec.SessionID == sessionID && rec.RevokedAt == nil {
			t := now
			rec.RevokedAt = &t
			n++
		}
	}
	return n, nil
}

func (s *MemoryStore) CleanExpiredTokens(ctx context.Context, now time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for id, rec := range s.appSessions {
		if rec.RevokedAt != nil || !rec.ExpiresAt.After(now) {
			delete(s.appSessions, id)
			n++
		}
	}
	return n, nil
}

// ---------------------------------------------------------------------------
// Credits
// ---------------------------------------------------------------------------

func (s *MemoryStore) AddCredits(ctx context.Context, accountID string, seconds int64, reason, reference string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	a, ok := s.accounts[accountID]
	if !ok {
		return ErrNotFound
	}
	a.BalanceSeconds += seconds
	s.ledger = append(s.ledger, &LedgerEntry{
		ID:           idgen.WithPrefix("led_"),
		AccountID:    accountID,
		DeltaSeconds: seconds,
		Reason:       reason,
		Reference:    reference,
		CreatedAt:    time.Now(),
	})
	return nil
}

func (s *MemoryStore) DebitCredits(ctx context.Context, accountID string, seconds int64, sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	a, ok := s.accounts[accountID]
	if !ok {
		return ErrNotFound
	}
	if a.BalanceSeconds < seconds {
		return ErrInsufficientCredits
	}
	a.BalanceSeconds -= seconds
	s.ledger = append(s.ledger, &LedgerEntry{
		ID:           idgen.WithPrefix("led_"),
		AccountID:    accountID,
		DeltaSeconds: -seconds,
		Reason:       "session_debit:" + sessionID,
		Reference:    sessionID,
		CreatedAt:    time.Now(),
	})
	return nil
}

func (s *MemoryStore) LedgerHistory(ctx context.Context, accountID string, limit int) ([]*LedgerEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if limit <= 0 {
		limit = 50
	}
	var out []*LedgerEntry
	for i := len(s.ledger) - 1; i >= 0 && len(out) < limit; i-- {
		if s.ledger[i].AccountID == accountID {
			cp := *s.ledger[i]
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (s *MemoryStore) RecomputeBalances(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sums := make(map[string]int64)
	for _, e := range s.ledger {
		sums[e.AccountID] += e.DeltaSeconds
	}
	for id, a := range s.accounts {
		a.BalanceSeconds = sums[id]
	}
	return nil
}

// ---------------------------------------------------------------------------
// Stripe idempotency
// ---------------------------------------------------------------------------

func (s *MemoryStore) RecordStripeEvent(ctx context.Context, eventID, eventType string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.stripeEvents[eventID]; ok {
		return ErrDuplicateEvent
	}
	s.stripeEvents[eventID] = time.Now()
	return nil
}

func (s *MemoryStore) HasProcessedStripeEvent(ctx context.Context, eventID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.stripeEvents[eventID]
	return ok, nil
}

func (s *MemoryStore) ApplyStripeCredit(ctx context.Context, eventID, eventType, accountID string, seconds int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.stripeEvents[eventID]; ok {
		return ErrDuplicateEvent
	}
	a, ok := s.accounts[accountID]
	if !ok {
		return ErrNotFound
	}

	s.stripeEvents[eventID] = time.Now()
	a.BalanceSeconds += seconds
	s.ledger = append(s.ledger, &LedgerEntry{
		ID:           idgen.WithPrefix("led_"),
		AccountID:    accountID,
		DeltaSeconds: seconds,
		Reason:       "stripe_payment",
		Reference:    eventID,
		CreatedAt:    time.Now(),
	})
	return nil
}

// ---------------------------------------------------------------------------
// Active-session table
// ---------------------------------------------------------------------------

func (s *MemoryStore) StartAccountSession(ctx context.Context, sessionID, accountID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.accountSessions[sessionID]; ok {
		return ErrSessionExists
	}
	s.accountSessions[sessionID] = &AccountSession{
		SessionID: sessionID,
		AccountID: accountID,
		StartedAt: time.Now(),
	}
	return nil
}

func (s *MemoryStore) EndAccountSession(ctx context.Context, sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.accountSessions[sessionID]; !ok {
		return ErrNotFound
	}
	delete(s.accountSessions, sessionID)
	return nil
}

func (s *MemoryStore) GetAccountIDForSession(ctx context.Context, sessionID string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.accountSessions[sessionID]
	if !ok {
		return "", ErrNotFound
	}
	return rec.AccountID, nil
}

func (s *MemoryStore) ListAccountSessions(ctx context.Context) ([]*AccountSession, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*AccountSession, 0, len(s.accountSessions))
	for _, rec := range s.accountSessions {
		cp := *rec
		out = append(out, &cp)
	}
	return out, nil
}

func (s *MemoryStore) MarkSessionDebited(ctx context.Context, sessionID string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.accountSessions[sessionID]
	if !ok {
		return ErrNotFound
	}
	t := at
	rec.LastDebitAt = &t
	return nil
}

// ---------------------------------------------------------------------------
// Connections
// ---------------------------------------------------------------------------

func (s *MemoryStore) CreateConnection(ctx context.Context, conn *Connection) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, c := range s.connections {
		if c.AccountID == conn.AccountID && c.Host == conn.Host &&
			c.Port == conn.Port && c.Username == conn.Username {
			return ErrDuplicateConnection
		}
	}

	cp := *conn
	if cp.ID == "" {
		cp.ID = idgen.WithPrefix("conn_")
	}
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = time.Now()
	}
	s.connections[cp.ID] = &cp
	conn.ID = cp.ID
	conn.CreatedAt = cp.CreatedAt
	return nil
}

func (s *MemoryStore) GetConnection(ctx context.Context, id string) (*Connection, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.connections[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *c
	return &cp, nil
}

func (s *MemoryStore) GetConnectionByTarget(ctx context.Context, accountID, host string, port int, username string) (*Connection, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, c := range s.connections {
		if c.AccountID == accountID && strings.EqualFold(c.Host, host) &&
			c.Port == port && c.Username == username {
			cp := *c
			return &cp, nil
		}
	}
	return nil, ErrNotFound
}

func (s *MemoryStore) ListConnections(ctx context.Context, accountID string) ([]*Connection, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*Connection
	for _, c := range s.connections {
		if c.AccountID == accountID {
			cp := *c
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *MemoryStore) UpdateConnection(ctx context.Context, conn *Connection) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	existing, ok := s.connections[conn.ID]
	if !ok || existing.AccountID != conn.AccountID {
		return ErrNotFound
	}
	cp := *conn
	s.connections[conn.ID] = &cp
	return nil
}

func (s *MemoryStore) DeleteConnection(ctx context.Context, accountID, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.connections[id]
	if !ok || c.AccountID != accountID {
		return ErrNotFound
	}
	delete(s.connections, id)
	return nil
}

func (s *MemoryStore) SetConnectionTestResult(ctx context.Context, id, result, hostKeyFingerprint string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.connections[id]
	if !ok {
		return ErrNotFound
	}
	c.LastTestResult = result
	t := at
	c.LastTestAt = &t
	if hostKeyFingerprint != "" {
		c.HostKeyFingerprint = hostKeyFingerprint
	}
	return nil
}

// ---------------------------------------------------------------------------
// Session leases
// ---------------------------------------------------------------------------

func (s *MemoryStore) CreateLease(ctx context.Context, lease *SessionLease, maxActive int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if maxActive > 0 {
		n := 0
		for _, l := range s.leases {
			if l.AccountID == lease.AccountID && (l.Status == LeaseStatusPending || l.Status == LeaseStatusActive) {
				n++
			}
		}
		if n >= maxActive {
			return ErrSessionLimit
		}
	}
	cp := *lease
	if cp.ID == "" {
		cp.ID = idgen.New()
	}
	if cp.StartedAt.IsZero() {
		cp.StartedAt = time.Now()
	}
	s.leases[cp.ID] = &cp
	lease.ID = cp.ID
	lease.StartedAt = cp.StartedAt
	return nil
}

func (s *MemoryStore) GetLease(ctx context.Context, id string) (*SessionLease, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.leases[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *l
	return &cp, nil
}

func (s *MemoryStore) ListLeases(ctx context.Context, accountID string, limit int) ([]*SessionLease, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if limit <= 0 {
		limit = 50
	}
	var out []*SessionLease
	for _, l := range s.leases {
		if l.AccountID == accountID {
			cp := *l
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.After(out[j].StartedAt) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemoryStore) UpdateLeaseStatus(ctx context.Context, id, status, reason string, endedAt *time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.leases[id]
	if !ok {
		return ErrNotFound
	}
	l.Status = status
	if reason != "" {
		l.Reason = reason
	}
	if endedAt != nil {
		t := *endedAt
		l.EndedAt = &t
	}
	return nil
}

func (s *MemoryStore) CountActiveLeases(ctx context.Context, accountID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, l := range s.leases {
		if l.AccountID == accountID && (l.Status == LeaseStatusPending || l.Status == LeaseStatusActive) {
			n++
		}
	}
	return n, nil
}

// ---------------------------------------------------------------------------
// OAuth state cache
// ---------------------------------------------------------------------------

func (s *MemoryStore) PutOAuthState(ctx context.Context, stateHash, verifier string, expiresAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.oauthStates[stateHash] = oauthState{verifier: verifier, expiresAt: expiresAt}
	return nil
}

func (s *MemoryStore) ConsumeOAuthState(ctx context.Context, stateHash string, now time.Time) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.oauthStates[stateHash]
	if !ok {
		return "", ErrNotFound
	}
	delete(s.oauthStates, stateHash)
	if !st.expiresAt.After(now) {
		return "", ErrNotFound
	}
	return st.verifier, nil
}

// ---------------------------------------------------------------------------
// Audit
// ---------------------------------------------------------------------------

func (s *MemoryStore) AppendAudit(ctx context.Context, entry *AuditEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *entry
	if cp.ID == "" {
		cp.ID = idgen.WithPrefix("aud_")
	}
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = time.Now()
	}
	s.audit = append(s.audit, &cp)
	return nil
}

func (s *MemoryStore) ListAudit(ctx context.Context, q AuditQuery) ([]*AuditEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	limit := q.Limit
	if limit <= 0 {
		limit = 50
	}
	var out []*AuditEntry
	for i := len(s.audit) - 1; i >= 0 && len(out) < limit; i-- {
		e := s.audit[i]
		if q.AccountID != "" && e.AccountID != q.AccountID {
			continue
		}
		if q.Action != "" && e.Action != q.Action {
			continue
		}
		if q.Before != nil && !e.CreatedAt.Before(*q.Before) {
			continue
		}
		cp := *e
		out = append(out, &cp)
	}
	return out, nil
}

// ---------------------------------------------------------------------------
// Health
// ---------------------------------------------------------------------------

func (s *MemoryStore) Ping(ctx context.Context) error { return nil }

func (s *MemoryStore) Close() error { return nil }
