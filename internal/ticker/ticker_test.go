package ticker

import (
	"bytes"
	"context"
	"errors"
	"testing"
	"time"

	"github.com/clawdfather/clawdfather/internal/auth"
	"github.com/clawdfather/clawdfather/internal/sessions"
	"github.com/clawdfather/clawdfather/internal/store"
)

var testMasterKey = bytes.Repeat([]byte{0x23}, 32)

type env struct {
	store   *store.MemoryStore
	reg     *sessions.Registry
	tokens  *auth.Manager
	manager *sessions.Manager
	ticker  *Ticker
}

func newEnv(t *testing.T, period time.Duration) *env {
	t.Helper()
	s := store.NewMemoryStore()
	reg := sessions.NewRegistry()
	tokens := auth.NewManager(s, 0)
	manager := sessions.NewManager(sessions.Options{
		Store:      s,
		Registry:   reg,
		Tokens:     tokens,
		MasterKey:  testMasterKey,
		ControlDir: t.TempDir(),
		WebDomain:  "clawd.example.com",
	})
	return &env{
		store:   s,
		reg:     reg,
		tokens:  tokens,
		manager: manager,
		ticker:  New(s, reg, manager, period),
	}
}

func (e *env) account(t *testing.T, balance int64) *store.Account {
	t.Helper()
	res, err := e.store.ResolveOrCreateAccount(context.Background(), &store.Keypair{
		Fingerprint: "SHA256:" + t.Name(),
	}, "tester")
	if err != nil {
		t.Fatalf("create account: %v", err)
	}
	if balance > 0 {
		if err := e.store.AddCredits(context.Background(), res.Account.ID, balance, "grant", ""); err != nil {
			t.Fatalf("AddCredits: %v", err)
		}
	}
	return res.Account
}

// liveSession registers a session the way a successful confirm would:
// active lease, account_sessions row, live registry entry, bound token.
func (e *env) liveSession(t *testing.T, accountID, id string) string {
	t.Helper()
	ctx := context.Background()
	if err := e.store.CreateLease(ctx, &store.SessionLease{
		ID: id, AccountID: accountID, ConnectionID: "conn_x", Status: store.LeaseStatusActive,
	}, 0); err != nil {
		t.Fatalf("CreateLease: %v", err)
	}
	if err := e.store.StartAccountSession(ctx, id, accountID); err != nil {
		t.Fatalf("StartAccountSession: %v", err)
	}
	token, err := e.tokens.IssueForSession(ctx, accountID, id)
	if err != nil {
		t.Fatalf("IssueForSession: %v", err)
	}
	e.reg.Create(&sessions.LiveSession{ID: id, AccountID: accountID})
	return token
}

func TestTick_DebitsEveryLiveSession(t *testing.T) {
	e := newEnv(t, 30*time.Second)
	acct := e.account(t, 3600)
	e.liveSession(t, acct.ID, "sess-1")
	e.liveSession(t, acct.ID, "sess-2")

	e.ticker.Tick(context.Background())

	got, _ := e.store.GetAccount(context.Background(), acct.ID)
	if got.BalanceSeconds != 3540 {
		t.Errorf("balance = %d, want 3540", got.BalanceSeconds)
	}

	// The ledger stays consistent with the balance.
	entries, _ := e.store.LedgerHistory(context.Background(), acct.ID, 10)
	var sum int64
	for _, entry := range entries {
		sum += entry.DeltaSeconds
	}
	if sum != got.BalanceSeconds {
		t.Errorf("ledger sum %d != balance %d", sum, got.BalanceSeconds)
	}

	// Both sessions got their debit timestamp.
	rows, _ := e.store.ListAccountSessions(context.Background())
	for _, row := range rows {
		if row.LastDebitAt == nil {
			t.Errorf("session %s missing last debit timestamp", row.SessionID)
		}
	}
}

func TestTick_ExhaustionTerminatesWithoutPartialDebit(t *testing.T) {
	e := newEnv(t, 30*time.Second)
	acct := e.account(t, 10)
	e.liveSession(t, acct.ID, "sess-1")

	e.ticker.Tick(context.Background())

	// Balance untouched: no partial debit.
	got, _ := e.store.GetAccount(context.Background(), acct.ID)
	if got.BalanceSeconds != 10 {
		t.Errorf("balance = %d, want 10", got.BalanceSeconds)
	}
	if _, live := e.reg.Get("sess-1"); live {
		t.Error("session still live after exhaustion")
	}
	lease, _ := e.store.GetLease(context.Background(), "sess-1")
	if lease.Status != store.LeaseStatusEnded || lease.Reason != store.ReasonCreditExhausted {
		t.Errorf("lease = %+v", lease)
	}
}

func TestTick_ExhaustionOnlyAffectsBrokeAccount(t *testing.T) {
	e := newEnv(t, 30*time.Second)
	rich := e.account(t, 3600)
	ctx := context.Background()

	res, _ := e.store.ResolveOrCreateAccount(ctx, &store.Keypair{Fingerprint: "SHA256:poor"}, "poor")
	poor := res.Account
	_ = e.store.AddCredits(ctx, poor.ID, 5, "grant", "")

	e.liveSession(t, rich.ID, "sess-rich")
	e.liveSession(t, poor.ID, "sess-poor")

	e.ticker.Tick(ctx)

	if _, live := e.reg.Get("sess-rich"); !live {
		t.Error("funded session was terminated")
	}
	if _, live := e.reg.Get("sess-poor"); live {
		t.Error("exhausted session still live")
	}
	got, _ := e.store.GetAccount(ctx, rich.ID)
	if got.BalanceSeconds != 3570 {
		t.Errorf("rich balance = %d, want 3570", got.BalanceSeconds)
	}
}

func TestCleanStaleSessions(t *testing.T) {
	e := newEnv(t, 30*time.Second)
	acct := e.account(t, 3600)
	ctx := context.Background()

	// Live session plus an orphaned row with no registry entry.
	e.liveSession(t, acct.ID, "sess-live")
	orphanToken := e.liveSession(t, acct.ID, "sess-orphan")
	e.reg.Remove("sess-orphan")

	n, err := e.ticker.CleanStaleSessions(ctx)
	if err != nil {
		t.Fatalf("CleanStaleSessions: %v", err)
	}
	if n != 1 {
		t.Fatalf("cleaned = %d, want 1", n)
	}

	if _, err := e.store.GetAccountIDForSession(ctx, "sess-orphan"); !errors.Is(err, store.ErrNotFound) {
		t.Error("orphan row still present")
	}
	if _, err := e.store.GetAccountIDForSession(ctx, "sess-live"); err != nil {
		t.Error("live row was reaped")
	}
	if _, _, err := e.tokens.Resolve(ctx, orphanToken, time.Now()); !errors.Is(err, auth.ErrInvalidToken) {
		t.Error("orphan token still resolves")
	}
	lease, _ := e.store.GetLease(ctx, "sess-orphan")
	if lease.Status != store.LeaseStatusEnded || lease.Reason != store.ReasonStaleRecord {
		t.Errorf("orphan lease = %+v", lease)
	}

	// A second pass finds nothing.
	n, _ = e.ticker.CleanStaleSessions(ctx)
	if n != 0 {
		t.Errorf("second clean = %d, want 0", n)
	}
}

func TestTick_RepeatedTicksDrainExactly(t *testing.T) {
	e := newEnv(t, 30*time.Second)
	acct := e.account(t, 70)
	e.liveSession(t, acct.ID, "sess-1")
	ctx := context.Background()

	e.ticker.Tick(ctx) // 70 -> 40
	e.ticker.Tick(ctx) // 40 -> 10
	e.ticker.Tick(ctx) // 10 < 30: terminate, no debit

	got, _ := e.store.GetAccount(ctx, acct.ID)
	if got.BalanceSeconds != 10 {
		t.Errorf("balance = %d, want 10", got.BalanceSeconds)
	}
	if _, live := e.reg.Get("sess-1"); live {
		t.Error("session should be gone after third tick")
	}
}

func TestTick_SweepsIdleSessions(t *testing.T) {
	e := newEnv(t, 30*time.Second)
	acct := e.account(t, 3600)
	ctx := context.Background()

	e.liveSession(t, acct.ID, "sess-fresh")
	e.liveSession(t, acct.ID, "sess-idle")
	// Age one session past the manager's idle threshold.
	e.reg.Remove("sess-idle")
	e.reg.Create(&sessions.LiveSession{
		ID:           "sess-idle",
		AccountID:    acct.ID,
		LastActivity: time.Now().Add(-time.Hour),
	})

	e.ticker.Tick(ctx)

	if _, live := e.reg.Get("sess-fresh"); !live {
		t.Error("fresh session was swept")
	}
	if _, live := e.reg.Get("sess-idle"); live {
		t.Error("idle session survived the tick")
	}
	lease, _ := e.store.GetLease(ctx, "sess-idle")
	if lease.Status != store.LeaseStatusEnded || lease.Reason != store.ReasonIdleTimeout {
		t.Errorf("lease = %+v", lease)
	}
}

func TestStartStop_Idempotent(t *testing.T) {
	e := newEnv(t, time.Hour)
	ctx := context.Background()

	e.ticker.Start(ctx)
	e.ticker.Start(ctx) // no-op
	e.ticker.Stop()
	e.ticker.Stop() // no-op

	// Restart works.
	e.ticker.Start(ctx)
	e.ticker.Stop()
}
