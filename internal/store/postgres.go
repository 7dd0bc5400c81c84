package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/clawdfather/clawdfather/internal/idgen"
)

// PostgresStore is the production Store backend. Multi-statement mutations
// run in a transaction with a row lock on the owning account so balances and
// the ledger never diverge.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore opens a connection pool against the given DSN and pings it.
func NewPostgresStore(dsn string) (*PostgresStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return &PostgresStore{db: db}, nil
}

// DB exposes the underlying pool for the metrics collector.
func (s *PostgresStore) DB() *sql.DB { return s.db }

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == "23505"
}

// ---------------------------------------------------------------------------
// Accounts
// ---------------------------------------------------------------------------

const accountCols = `id, display_name, COALESCE(email, ''), balance_seconds, active, created_at, last_seen_at`

func scanAccount(row interface{ Scan(...any) error }) (*Account, error) {
	var a Account
	var lastSeen sql.NullTime
	err := row.Scan(&a.ID, &a.DisplayName, &a.Email, &a.BalanceSeconds, &a.Active, &a.CreatedAt, &lastSeen)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	if lastSeen.Valid {
		a.LastSeenAt = &lastSeen.Time
	}
	return &a, nil
}

func (s *PostgresStore) GetAccount(ctx context.Context, id string) (*Account, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+accountCols+` FROM accounts WHERE id = $1`, id)
	return scanAccount(row)
}

func (s *PostgresStore) TouchAccount(ctx context.Context, id string, now time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE accounts SET last_seen_at = $2 WHERE id = $1`, id, now)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) ResolveOrCreateAccount(ctx context.Context, key *Keypair, displayName string) (*ResolveResult, error) {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	row := tx.QueryRowContext(ctx,
		`SELECT `+keypairCols+` FROM keypairs WHERE fingerprint = $1 AND active = true`,
		key.Fingerprint)
	existing, err := scanKeypair(row)
	if err == nil {
		arow := tx.QueryRowContext(ctx,
			`SELECT `+accountCols+` FROM accounts WHERE id = $1`, existing.AccountID)
		acct, err := scanAccount(arow)
		if err != nil {
			return nil, err
		}
		if err := tx.Commit(); err != nil {
			return nil, err
		}
		return &ResolveResult{Account: acct, Key: existing, IsNew: false}, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return nil, err
	}

	now := time.Now()
	acct := &Account{
		ID:          idgen.WithPrefix("acct_"),
		DisplayName: displayName,
		Active:      true,
		CreatedAt:   now,
	}
	_, err = tx.ExecContext(ctx,
		`INSERT INTO accounts (id, display_name, balance_seconds, active, created_at)
		 VALUES ($1, $2, 0, true, $3)`,
		acct.ID, acct.DisplayName, now)
	if err != nil {
		return nil, err
	}

	if key.ID == "" {
		key.ID = idgen.WithPrefix("key_")
	}
	key.AccountID = acct.ID
	key.Active = true
	key.CreatedAt = now
	_, err = tx.ExecContext(ctx,
		`INSERT INTO keypairs (id, account_id, label, algorithm, public_key, fingerprint, private_key_cipher, active, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, true, $8)`,
		key.ID, key.AccountID, key.Label, key.Algorithm, key.PublicKey,
		key.Fingerprint, key.PrivateKeyCipher, now)
	if err != nil {
		// Lost the race: another caller registered the fingerprint first.
		if isUniqueViolation(err) {
			tx.Rollback()
			return s.ResolveOrCreateAccount(ctx, key, displayName)
		}
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	kc := *key
	return &ResolveResult{Account: acct, Key: &kc, IsNew: true}, nil
}

// ---------------------------------------------------------------------------
// OAuth identities
// ---------------------------------------------------------------------------

func (s *PostgresStore) UpsertOAuthIdentity(ctx context.Context, ident *OAuthIdentity, displayName string) (*Account, bool, error) {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return nil, false, err
	}
	defer tx.Rollback()

	var accountID string
	err = tx.QueryRowContext(ctx,
		`SELECT account_id FROM oauth_identities WHERE provider = $1 AND provider_user_id = $2`,
		ident.Provider, ident.ProviderUserID).Scan(&accountID)
	switch {
	case err == nil:
		_, err = tx.ExecContext(ctx,
			`UPDATE oauth_identities
			 SET username = $3, email = $4, access_token_cipher = $5, scopes = $6
			 WHERE provider = $1 AND provider_user_id = $2`,
			ident.Provider, ident.ProviderUserID,
			ident.Username, ident.Email, ident.AccessTokenCipher, ident.Scopes)
		if err != nil {
			return nil, false, err
		}
		row := tx.QueryRowContext(ctx,
			`SELECT `+accountCols+` FROM accounts WHERE id = $1`, accountID)
		acct, err := scanAccount(row)
		if err != nil {
			return nil, false, err
		}
		if err := tx.Commit(); err != nil {
			return nil, false, err
		}
		return acct, false, nil

	case errors.Is(err, sql.ErrNoRows):
		now := time.Now()
		acct := &Account{
			ID:          idgen.WithPrefix("acct_"),
			DisplayName: displayName,
			Email:       ident.Email,
			Active:      true,
			CreatedAt:   now,
		}
		_, err = tx.ExecContext(ctx,
			`INSERT INTO accounts (id, display_name, email, balance_seconds, active, created_at)
			 VALUES ($1, $2, NULLIF($3, ''), 0, true, $4)`,
			acct.ID, acct.DisplayName, acct.Email, now)
		if err != nil {
			return nil, false, err
		}
		_, err = tx.ExecContext(ctx,
			`INSERT INTO oauth_identities (account_id, provider, provider_user_id, username, email, access_token_cipher, scopes, created_at)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
			acct.ID, ident.Provider, ident.ProviderUserID,
			ident.Username, ident.Email, ident.AccessTokenCipher, ident.Scopes, now)
		if err != nil {
			if isUniqueViolation(err) {
				tx.Rollback()
				return s.UpsertOAuthIdentity(ctx, ident, displayName)
			}
			return nil, false, err
		}
		if err := tx.Commit(); err != nil {
			return nil, false, err
		}
		return acct, true, nil

	default:
		return nil, false, err
	}
}

func (s *PostgresStore) ListOAuthIdentities(ctx context.Context, accountID string) ([]*OAuthIdentity, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT account_id, provider, provider_user_id, username, COALESCE(email, ''),
		        access_token_cipher, COALESCE(scopes, ''), created_at
		 FROM oauth_identities WHERE account_id = $1 ORDER BY created_at`, accountID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*OAuthIdentity
	for rows.Next() {
		var i OAuthIdentity
		if err := rows.Scan(&i.AccountID, &i.Provider, &i.ProviderUserID,
			&i.Username, &i.Email, &i.AccessTokenCipher, &i.Scopes, &i.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, &i)
	}
	return out, rows.Err()
}

// ---------------------------------------------------------------------------
// Keys
// ---------------------------------------------------------------------------

const keypairCols = `id, account_id, label, algorithm, public_key, fingerprint, private_key_cipher, active, created_at`

func scanKeypair(row interface{ Scan(...any) error }) (*Keypair, error) {
	var k Keypair
	err := row.Scan(&k.ID, &k.AccountID, &k.Label, &k.Algorithm, &k.PublicKey,
		&k.Fingerprint, &k.PrivateKeyCipher, &k.Active, &k.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &k, nil
}

func (s *PostgresStore) AddKey(ctx context.Context, key *Keypair) error {
	if key.ID == "" {
		key.ID = idgen.WithPrefix("key_")
	}
	if key.CreatedAt.IsZero() {
		key.CreatedAt = time.Now()
	}
	key.Active = true
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO keypairs (id, account_id, label, algorithm, public_key, fingerprint, private_key_cipher, active, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, true, $8)`,
		key.ID, key.AccountID, key.Label, key.Algorithm, key.PublicKey,
		key.Fingerprint, key.PrivateKeyCipher, key.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrDuplicateKey
		}
		return err
	}
	return nil
}

func (s *PostgresStore) RemoveKey(ctx context.Context, accountID, keyID string) error {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var active int
	err = tx.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM keypairs WHERE account_id = $1 AND active = true`,
		accountID).Scan(&active)
	if err != nil {
		return err
	}
	if active <= 1 {
		// The target may not even exist; the not-found check comes first.
		var exists bool
		err = tx.QueryRowContext(ctx,
			`SELECT EXISTS (SELECT 1 FROM keypairs WHERE id = $1 AND account_id = $2 AND active = true)`,
			keyID, accountID).Scan(&exists)
		if err != nil {
			return err
		}
		if !exists {
			return ErrNotFound
		}
		return ErrLastKey
	}

	res, err := tx.ExecContext(ctx,
		`UPDATE keypairs SET active = false WHERE id = $1 AND account_id = $2 AND active = true`,
		keyID, accountID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return tx.Commit()
}

func (s *PostgresStore) GetKey(ctx context.Context, keyID string) (*Keypair, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+keypairCols+` FROM keypairs WHERE id = $1`, keyID)
	return scanKeypair(row)
}

func (s *PostgresStore) GetActiveKey(ctx context.Context, accountID string) (*Keypair, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+keypairCols+` FROM keypairs
		 WHERE account_id = $1 AND active = true
		 ORDER BY (private_key_cipher <> '') DESC, created_at DESC LIMIT 1`, accountID)
	return scanKeypair(row)
}

func (s *PostgresStore) ListKeys(ctx context.Context, accountID string) ([]*Keypair, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+keypairCols+` FROM keypairs WHERE account_id = $1 ORDER BY created_at`,
		accountID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Keypair
	for rows.Next() {
		k, err := scanKeypair(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, k)
	}
	return out, rows.Err()
}

// ---------------------------------------------------------------------------
// Bearer tokens
// ---------------------------------------------------------------------------

func (s *PostgresStore) CreateAppSession(ctx context.Context, rec *AppSession) error {
	if rec.ID == "" {
		rec.ID = idgen.WithPrefix("tok_")
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO app_sessions (id, account_id, token_hash, session_id, client_ip, user_agent, created_at, expires_at)
		 VALUES ($1, $2, $3, NULLIF($4, ''), NULLIF($5, ''), NULLIF($6, ''), $7, $8)`,
		rec.ID, rec.AccountID, rec.TokenHash, rec.SessionID,
		rec.ClientIP, rec.UserAgent, rec.CreatedAt, rec.ExpiresAt)
	return err
}

func (s *PostgresStore) GetAppSessionByHash(ctx context.Context, tokenHash string) (*AppSession, error) {
	var rec AppSession
	var sessionID, clientIP, userAgent sql.NullString
	var revokedAt sql.NullTime
	err := s.db.QueryRowContext(ctx,
		`SELECT id, account_id, token_hash, session_id, client_ip, user_agent, created_at, expires_at, revoked_at
		 FROM app_sessions WHERE token_hash = $1`, tokenHash).
		Scan(&rec.ID, &rec.AccountID, &rec.TokenHash, &sessionID,
			&clientIP, &userAgent, &rec.CreatedAt, &rec.ExpiresAt, &revokedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	rec.SessionID = sessionID.String
	rec.ClientIP = clientIP.String
	rec.UserAgent = userAgent.String
	if revokedAt.Valid {
		rec.RevokedAt = &revokedAt.Time
	}
	return &rec, nil
}

func (s *PostgresStore) RevokeToken(ctx context.Context, tokenID string, now time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE app_sessions SET revoked_at = $2 WHERE id = $1 AND revoked_at IS NULL`,
		tokenID, now)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		var exists bool
		if err := s.db.QueryRowContext(ctx,
			`SELECT EXISTS (SELECT 1 FROM app_sessions WHERE id = $1)`, tokenID).Scan(&exists); err != nil {
			return err
		}
		if !exists {
			return ErrNotFound
		}
	}
	return nil
}

func (s *PostgresStore) RevokeTokensBySession(ctx context.Context, sessionID string, now time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE app_sessions SET revoked_at = $2 WHERE session_id = $1 AND revoked_at IS NULL`,
		sessionID, now)
	if err != nil {
		return 0, err
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

func (s *PostgresStore) CleanExpiredTokens(ctx context.Context, now time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM app_sessions WHERE revoked_at IS NOT NULL OR expires_at <= $1`, now)
	if err != nil {
		return 0, err
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// ---------------------------------------------------------------------------
// Credits
// ---------------------------------------------------------------------------

func (s *PostgresStore) AddCredits(ctx context.Context, accountID string, seconds int64, reason, reference string) error {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return err
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx,
		`UPDATE accounts SET balance_seconds = balance_seconds + $2 WHERE id = $1`,
		accountID, seconds)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO ledger_entries (id, account_id, delta_seconds, reason, reference, created_at)
		 VALUES ($1, $2, $3, $4, NULLIF($5, ''), $6)`,
		idgen.WithPrefix("led_"), accountID, seconds, reason, reference, time.Now())
	if err != nil {
		return err
	}
	return tx.Commit()
}

func (s *PostgresStore) DebitCredits(ctx context.Context, accountID string, seconds int64, sessionID string) error {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var balance int64
	err = tx.QueryRowContext(ctx,
		`SELECT balance_seconds FROM accounts WHERE id = $1 FOR UPDATE`,
		accountID).Scan(&balance)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return ErrNotFound
		}
		return err
	}
	if balance < seconds {
		return ErrInsufficientCredits
	}

	// The CHECK (balance_seconds >= 0) constraint backstops this update.
	_, err = tx.ExecContext(ctx,
		`UPDATE accounts SET balance_seconds = balance_seconds - $2 WHERE id = $1`,
		accountID, seconds)
	if err != nil {
		return err
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO ledger_entries (id, account_id, delta_seconds, reason, reference, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		idgen.WithPrefix("led_"), accountID, -seconds,
		"session_debit:"+sessionID, sessionID, time.Now())
	if err != nil {
		return err
	}
	return tx.Commit()
}

func (s *PostgresStore) LedgerHistory(ctx context.Context, accountID string, limit int) ([]*LedgerEntry, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, account_id, delta_seconds, reason, COALESCE(reference, ''), created_at
		 FROM ledger_entries WHERE account_id = $1
		 ORDER BY created_at DESC LIMIT $2`, accountID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*LedgerEntry
	for rows.Next() {
		var e LedgerEntry
		if err := rows.Scan(&e.ID, &e.AccountID, &e.DeltaSeconds, &e.Reason, &e.Reference, &e.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, &e)
	}
	return out, rows.Err()
}

func (s *PostgresStore) RecomputeBalances(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE accounts a SET balance_seconds = COALESCE(
		   (SELECT SUM(delta_seconds) FROM ledger_entries l WHERE l.account_id = a.id), 0)`)
	return err
}

// ---------------------------------------------------------------------------
// Stripe idempotency
// ---------------------------------------------------------------------------

func (s *PostgresStore) RecordStripeEvent(ctx context.Context, eventID, eventType string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO stripe_events_seen (event_id, event_type, seen_at) VALUES ($1, $2, $3)`,
		eventID, eventType, time.Now())
	if err != nil {
		if isUniqueViolation(err) {
			return ErrDuplicateEvent
		}
		return err
	}
	return nil
}

func (s *PostgresStore) ApplyStripeCredit(ctx context.Context, eventID, eventType, accountID string, seconds int64) error {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return err
	}
	defer tx.Rollback()

	// The unique event id is the idempotency gate; the loser of a concurrent
	// delivery fails here and never touches the balance.
	_, err = tx.ExecContext(ctx,
		`INSERT INTO stripe_events_seen (event_id, event_type, seen_at) VALUES ($1, $2, $3)`,
		eventID, eventType, time.Now())
	if err != nil {
		if isUniqueViolation(err) {
			return ErrDuplicateEvent
		}
		return err
	}

	res, err := tx.ExecContext(ctx,
		`UPDATE accounts SET balance_seconds = balance_seconds + $2 WHERE id = $1`,
		accountID, seconds)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO ledger_entries (id, account_id, delta_seconds, reason, reference, created_at)
		 VALUES ($1, $2, $3, 'stripe_payment', $4, $5)`,
		idgen.WithPrefix("led_"), accountID, seconds, eventID, time.Now())
	if err != nil {
		return err
	}
	return tx.Commit()
}

func (s *PostgresStore) HasProcessedStripeEvent(ctx context.Context, eventID string) (bool, error) {
	var exists bool
	err := s.db.QueryRowContext(ctx,
		`SELECT EXISTS (SELECT 1 FROM stripe_events_seen WHERE event_id = $1)`,
		eventID).Scan(&exists)
	return exists, err
}

// ---------------------------------------------------------------------------
// Active-session table
// ---------------------------------------------------------------------------

func (s *PostgresStore) StartAccountSession(ctx context.Context, sessionID, accountID string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO account_sessions (session_id, account_id, started_at) VALUES ($1, $2, $3)`,
		sessionID, accountID, time.Now())
	if err != nil {
		if isUniqueViolation(err) {
			return ErrSessionExists
		}
		return err
	}
	return nil
}

func (s *PostgresStore) EndAccountSession(ctx context.Context, sessionID string) error {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM account_sessions WHERE session_id = $1`, sessionID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) GetAccountIDForSession(ctx context.Context, sessionID string) (string, error) {
	var accountID string
	err := s.db.QueryRowContext(ctx,
		`SELECT account_id FROM account_sessions WHERE session_id = $1`,
		sessionID).Scan(&accountID)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	}
	return accountID, err
}

func (s *PostgresStore) ListAccountSessions(ctx context.Context) ([]*AccountSession, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT session_id, account_id, started_at, last_debit_at FROM account_sessions`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*AccountSession
	for rows.Next() {
		var rec AccountSession
		var lastDebit sql.NullTime
		if err := rows.Scan(&rec.SessionID, &rec.AccountID, &rec.StartedAt, &lastDebit); err != nil {
			return nil, err
		}
		if lastDebit.Valid {
			rec.LastDebitAt = &lastDebit.Time
		}
		out = append(out, &rec)
	}
	return out, rows.Err()
}

func (s *PostgresStore) MarkSessionDebited(ctx context.Context, sessionID string, at time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE account_sessions SET last_debit_at = $2 WHERE session_id = $1`,
		sessionID, at)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// ---------------------------------------------------------------------------
// Connections
// ---------------------------------------------------------------------------

const connectionCols = `id, account_id, keypair_id, host, port, username, COALESCE(label, ''),
	COALESCE(host_key_fingerprint, ''), COALESCE(last_test_result, ''), last_test_at, created_at`

func scanConnection(row interface{ Scan(...any) error }) (*Connection, error) {
	var c Connection
	var lastTest sql.NullTime
	err := row.Scan(&c.ID, &c.AccountID, &c.KeypairID, &c.Host, &c.Port, &c.Username,
		&c.Label, &c.HostKeyFingerprint, &c.LastTestResult, &lastTest, &c.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	if lastTest.Valid {
		c.LastTestAt = &lastTest.Time
	}
	return &c, nil
}

func (s *PostgresStore) CreateConnection(ctx context.Context, conn *Connection) error {
	if conn.ID == "" {
		conn.ID = idgen.WithPrefix("conn_")
	}
	if conn.CreatedAt.IsZero() {
		conn.CreatedAt = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO connections (id, account_id, keypair_id, host, port, username, label, host_key_fingerprint, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, NULLIF($7, ''), NULLIF($8, ''), $9)`,
		conn.ID, conn.AccountID, conn.KeypairID, conn.Host, conn.Port,
		conn.Username, conn.Label, conn.HostKeyFingerprint, conn.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrDuplicateConnection
		}
		return err
	}
	return nil
}

func (s *PostgresStore) GetConnection(ctx context.Context, id string) (*Connection, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+connectionCols+` FROM connections WHERE id = $1`, id)
	return scanConnection(row)
}

func (s *PostgresStore) GetConnectionByTarget(ctx context.Context, accountID, host string, port int, username string) (*Connection, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+connectionCols+` FROM connections
		 WHERE account_id = $1 AND LOWER(host) = LOWER($2) AND port = $3 AND username = $4`,
		accountID, host, port, username)
	return scanConnection(row)
}

func (s *PostgresStore) ListConnections(ctx context.Context, accountID string) ([]*Connection, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+connectionCols+` FROM connections WHERE account_id = $1 ORDER BY created_at`,
		accountID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Connection
	for rows.Next() {
		c, err := scanConnection(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (s *PostgresStore) UpdateConnection(ctx context.Context, conn *Connection) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE connections
		 SET keypair_id = $3, host = $4, port = $5, username = $6, label = NULLIF($7, ''),
		     host_key_fingerprint = NULLIF($8, '')
		 WHERE id = $1 AND account_id = $2`,
		conn.ID, conn.AccountID, conn.KeypairID, conn.Host, conn.Port,
		conn.Username, conn.Label, conn.HostKeyFingerprint)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrDuplicateConnection
		}
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) DeleteConnection(ctx context.Context, accountID, id string) error {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM connections WHERE id = $1 AND account_id = $2`, id, accountID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) SetConnectionTestResult(ctx context.Context, id, result, hostKeyFingerprint string, at time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE connections
		 SET last_test_result = $2, last_test_at = $3,
		     host_key_fingerprint = COALESCE(NULLIF($4, ''), host_key_fingerprint)
		 WHERE id = $1`,
		id, result, at, hostKeyFingerprint)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// ---------------------------------------------------------------------------
// Session leases
// ---------------------------------------------------------------------------

func (s *PostgresStore) CreateLease(ctx context.Context, lease *SessionLease, maxActive int) error {
	if lease.ID == "" {
		lease.ID = idgen.New()
	}
	if lease.StartedAt.IsZero() {
		lease.StartedAt = time.Now()
	}

	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if maxActive > 0 {
		// Lock the account row so concurrent confirms for one account
		// serialize on the count-then-insert.
		var locked string
		err = tx.QueryRowContext(ctx,
			`SELECT id FROM accounts WHERE id = $1 FOR UPDATE`,
			lease.AccountID).Scan(&locked)
		if err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return ErrNotFound
			}
			return err
		}
		var n int
		err = tx.QueryRowContext(ctx,
			`SELECT COUNT(*) FROM session_leases
			 WHERE account_id = $1 AND status IN ($2, $3)`,
			lease.AccountID, LeaseStatusPending, LeaseStatusActive).Scan(&n)
		if err != nil {
			return err
		}
		if n >= maxActive {
			return ErrSessionLimit
		}
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO session_leases (id, account_id, connection_id, status, reason, started_at)
		 VALUES ($1, $2, $3, $4, NULLIF($5, ''), $6)`,
		lease.ID, lease.AccountID, lease.ConnectionID, lease.Status, lease.Reason, lease.StartedAt)
	if err != nil {
		return err
	}
	return tx.Commit()
}

func (s *PostgresStore) GetLease(ctx context.Context, id string) (*SessionLease, error) {
	var l SessionLease
	var reason sql.NullString
	var endedAt sql.NullTime
	err := s.db.QueryRowContext(ctx,
		`SELECT id, account_id, connection_id, status, reason, started_at, ended_at
		 FROM session_leases WHERE id = $1`, id).
		Scan(&l.ID, &l.AccountID, &l.ConnectionID, &l.Status, &reason, &l.StartedAt, &endedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	l.Reason = reason.String
	if endedAt.Valid {
		l.EndedAt = &endedAt.Time
	}
	return &l, nil
}

func (s *PostgresStore) ListLeases(ctx context.Context, accountID string, limit int) ([]*SessionLease, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, account_id, connection_id, status, reason, started_at, ended_at
		 FROM session_leases WHERE account_id = $1
		 ORDER BY started_at DESC LIMIT $2`, accountID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*SessionLease
	for rows.Next() {
		var l SessionLease
		var reason sql.NullString
		var endedAt sql.NullTime
		if err := rows.Scan(&l.ID, &l.AccountID, &l.ConnectionID, &l.Status, &reason, &l.StartedAt, &endedAt); err != nil {
			return nil, err
		}
		l.Reason = reason.String
		if endedAt.Valid {
			l.EndedAt = &endedAt.Time
		}
		out = append(out, &l)
	}
	return out, rows.Err()
}

func (s *PostgresStore) UpdateLeaseStatus(ctx context.Context, id, status, reason string, endedAt *time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE session_leases
		 SET status = $2, reason = COALESCE(NULLIF($3, ''), reason), ended_at = COALESCE($4, ended_at)
		 WHERE id = $1`,
		id, status, reason, endedAt)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) CountActiveLeases(ctx context.Context, accountID string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM session_leases
		 WHERE account_id = $1 AND status IN ($2, $3)`,
		accountID, LeaseStatusPending, LeaseStatusActive).Scan(&n)
	return n, err
}

// ---------------------------------------------------------------------------
// OAuth state cache
// ---------------------------------------------------------------------------

func (s *PostgresStore) PutOAuthState(ctx context.Context, stateHash, verifier string, expiresAt time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO oauth_states (state_hash, verifier, expires_at) VALUES ($1, $2, $3)
		 ON CONFLICT (state_hash) DO UPDATE SET verifier = $2, expires_at = $3`,
		stateHash, verifier, expiresAt)
	return err
}

func (s *PostgresStore) ConsumeOAuthState(ctx context.Context, stateHash string, now time.Time) (string, error) {
	// DELETE ... RETURNING makes consumption one-shot even under races; the
	// expiry check rides along so an expired row is deleted but not honored.
	var verifier string
	var expiresAt time.Time
	err := s.db.QueryRowContext(ctx,
		`DELETE FROM oauth_states WHERE state_hash = $1 RETURNING verifier, expires_at`,
		stateHash).Scan(&verifier, &expiresAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", ErrNotFound
		}
		return "", err
	}
	if !expiresAt.After(now) {
		return "", ErrNotFound
	}
	return verifier, nil
}

// ---------------------------------------------------------------------------
// Audit
// ---------------------------------------------------------------------------

func (s *PostgresStore) AppendAudit(ctx context.Context, entry *AuditEntry) error {
	if entry.ID == "" {
		entry.ID = idgen.WithPrefix("aud_")
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO audit_entries (id, account_id, action, detail, created_at)
		 VALUES ($1, NULLIF($2, ''), $3, NULLIF($4, ''), $5)`,
		entry.ID, entry.AccountID, entry.Action, entry.Detail, entry.CreatedAt)
	return err
}

func (s *PostgresStore) ListAudit(ctx context.Context, q AuditQuery) ([]*AuditEntry, error) {
	limit := q.Limit
	if limit <= 0 {
		limit = 50
	}
	query := `SELECT id, COALESCE(account_id, ''), action, COALESCE(detail, ''), created_at
	          FROM audit_entries WHERE 1=1`
	args := []any{}
	i := 1
	if q.AccountID != "" {
		query += fmt.Sprintf(" AND account_id = $%d", i)
		args = append(args, q.AccountID)
		i++
	}
	if q.Action != "" {
		query += fmt.Sprintf(" AND action = $%d", i)
		args = append(args, q.Action)
		i++
	}
	if q.Before != nil {
		query += fmt.Sprintf(" AND created_at < $%d", i)
		args = append(args, *q.Before)
		i++
	}
	query += fmt.Sprintf(" ORDER BY created_at DESC LIMIT $%d", i)
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*AuditEntry
	for rows.Next() {
		var e AuditEntry
		if err := rows.Scan(&e.ID, &e.AccountID, &e.Action, &e.Detail, &e.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, &e)
	}
	return out, rows.Err()
}

// ---------------------------------------------------------------------------
// Health
// ---------------------------------------------------------------------------

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *PostgresStore) Close() error {
	return s.db.Close()
}
