package sessions

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/clawdfather/clawdfather/internal/auth"
	"github.com/clawdfather/clawdfather/internal/sshprober"
	"github.com/clawdfather/clawdfather/internal/store"
)

var testMasterKey = bytes.Repeat([]byte{0x11}, 32)

type stubProber struct {
	res *sshprober.Result
	err error
}

func (p *stubProber) Probe(ctx context.Context, t sshprober.Target) (*sshprober.Result, error) {
	return p.res, p.err
}

type stubLauncher struct {
	failWith error
	launched []LaunchSpec
}

func (l *stubLauncher) Launch(ctx context.Context, spec LaunchSpec) (Handle, error) {
	if l.failWith != nil {
		return nil, l.failWith
	}
	if err := os.WriteFile(spec.SocketPath, nil, 0o600); err != nil {
		return nil, err
	}
	l.launched = append(l.launched, spec)
	return &stubHandle{path: spec.SocketPath}, nil
}

type stubHandle struct {
	path    string
	stopped bool
}

func (h *stubHandle) Stop(ctx context.Context) error {
	h.stopped = true
	return os.Remove(h.path)
}

type env struct {
	store    *store.MemoryStore
	tokens   *auth.Manager
	manager  *Manager
	prober   *stubProber
	launcher *stubLauncher
}

func newEnv(t *testing.T) *env {
	t.Helper()
	s := store.NewMemoryStore()
	tokens := auth.NewManager(s, 0)
	prober := &stubProber{res: &sshprober.Result{
		Outcome:        sshprober.OutcomeOK,
		NewFingerprint: "SHA256:hostkey",
		LatencyMs:      4,
	}}
	launcher := &stubLauncher{}
	m := NewManager(Options{
		Store:       s,
		Registry:    NewRegistry(),
		Prober:      prober,
		Launcher:    launcher,
		Tokens:      tokens,
		MasterKey:   testMasterKey,
		ControlDir:  t.TempDir(),
		WebDomain:   "clawd.example.com",
		MaxSessions: 3,
	})
	return &env{store: s, tokens: tokens, manager: m, prober: prober, launcher: launcher}
}

func (e *env) account(t *testing.T, balance int64) *store.Account {
	t.Helper()
	res, err := e.store.ResolveOrCreateAccount(context.Background(), &store.Keypair{
		Fingerprint: "SHA256:owner-" + t.Name(),
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

func TestBootstrap_RejectsBadUsername(t *testing.T) {
	e := newEnv(t)
	acct := e.account(t, 0)

	_, err := e.manager.Bootstrap(context.Background(), acct.ID, "1.2.3.4", "Root!", 0)
	if !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput, got %v", err)
	}
}

func TestBootstrap_FirstContactNeedsSetup(t *testing.T) {
	e := newEnv(t)
	acct := e.account(t, 0)
	ctx := context.Background()

	res, err := e.manager.Bootstrap(ctx, acct.ID, "vm.example.com", "deploy", 0)
	if err != nil {
		t.Fatalf("Bootstrap: %v", err)
	}
	if res.Status != "needs_setup" {
		t.Errorf("status = %s, want needs_setup", res.Status)
	}
	if !strings.HasPrefix(res.InstallCommand, "mkdir -p ~/.ssh && echo 'ssh-ed25519 ") {
		t.Errorf("unexpected install command: %s", res.InstallCommand)
	}

	// A keypair was generated and sealed for the account.
	key, err := e.store.GetActiveKey(ctx, acct.ID)
	if err != nil {
		t.Fatalf("GetActiveKey: %v", err)
	}
	if key.PrivateKeyCipher == "" || strings.Contains(key.PrivateKeyCipher, "PRIVATE KEY") {
		t.Error("private key must be stored sealed")
	}

	// Repeating the bootstrap reuses the same connection.
	again, err := e.manager.Bootstrap(ctx, acct.ID, "vm.example.com", "deploy", 22)
	if err != nil {
		t.Fatalf("Bootstrap again: %v", err)
	}
	if again.ConnectionID != res.ConnectionID {
		t.Errorf("connection id changed: %s vs %s", again.ConnectionID, res.ConnectionID)
	}
}

func TestBootstrap_ReadyAfterPassingTest(t *testing.T) {
	e := newEnv(t)
	acct := e.account(t, 0)
	ctx := context.Background()

	res, _ := e.manager.Bootstrap(ctx, acct.ID, "vm.example.com", "deploy", 0)
	if err := e.store.SetConnectionTestResult(ctx, res.ConnectionID, "ok", "SHA256:hostkey", time.Now()); err != nil {
		t.Fatalf("SetConnectionTestResult: %v", err)
	}

	again, err := e.manager.Bootstrap(ctx, acct.ID, "vm.example.com", "deploy", 0)
	if err != nil {
		t.Fatalf("Bootstrap: %v", err)
	}
	if again.Status != "ready" {
		t.Errorf("status = %s, want ready", again.Status)
	}
	if again.InstallCommand != "" {
		t.Error("ready response must not carry an install command")
	}
}

func confirmReady(t *testing.T, e *env, acct *store.Account) *ConfirmResult {
	t.Helper()
	boot, err := e.manager.Bootstrap(context.Background(), acct.ID, "vm.example.com", "deploy", 0)
	if err != nil {
		t.Fatalf("Bootstrap: %v", err)
	}
	res, err := e.manager.Confirm(context.Background(), acct.ID, boot.ConnectionID)
	if err != nil {
		t.Fatalf("Confirm: %v", err)
	}
	return res
}

func TestConfirm_Success(t *testing.T) {
	e := newEnv(t)
	acct := e.account(t, 3600)
	ctx := context.Background()

	res := confirmReady(t, e, acct)

	if res.Lease.Status != store.LeaseStatusActive {
		t.Errorf("lease status = %s, want active", res.Lease.Status)
	}
	wantURL := "wss://clawd.example.com/ws/sessions/" + res.Lease.ID
	if res.ChatURL != wantURL {
		t.Errorf("chat url = %s, want %s", res.ChatURL, wantURL)
	}

	// Registry has the live entry.
	if _, ok := e.manager.Registry().Get(res.Lease.ID); !ok {
		t.Error("registry entry missing")
	}
	// account_sessions row exists for the ticker.
	if id, err := e.store.GetAccountIDForSession(ctx, res.Lease.ID); err != nil || id != acct.ID {
		t.Errorf("account session: %v (id=%s)", err, id)
	}
	// The issued token resolves and is bound to this session.
	_, rec, err := e.tokens.Resolve(ctx, res.Token, time.Now())
	if err != nil {
		t.Fatalf("token resolve: %v", err)
	}
	if rec.SessionID != res.Lease.ID {
		t.Errorf("token bound to %s, want %s", rec.SessionID, res.Lease.ID)
	}
	// Host key got pinned from the probe.
	conn, _ := e.store.GetConnection(ctx, res.Lease.ConnectionID)
	if conn.HostKeyFingerprint != "SHA256:hostkey" || conn.LastTestResult != "ok" {
		t.Errorf("connection not updated: %+v", conn)
	}
}

func TestConfirm_NotFoundForForeignConnection(t *testing.T) {
	e := newEnv(t)
	owner := e.account(t, 3600)
	boot, _ := e.manager.Bootstrap(context.Background(), owner.ID, "vm.example.com", "deploy", 0)

	other, _ := e.store.ResolveOrCreateAccount(context.Background(), &store.Keypair{
		Fingerprint: "SHA256:other",
	}, "other")

	_, err := e.manager.Confirm(context.Background(), other.Account.ID, boot.ConnectionID)
	if !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestConfirm_KeypairRevoked(t *testing.T) {
	e := newEnv(t)
	acct := e.account(t, 3600)
	ctx := context.Background()

	boot, _ := e.manager.Bootstrap(ctx, acct.ID, "vm.example.com", "deploy", 0)
	first, _ := e.store.GetActiveKey(ctx, acct.ID)
	if err := e.store.AddKey(ctx, &store.Keypair{
		AccountID: acct.ID, Fingerprint: "SHA256:replacement", Algorithm: "ed25519",
	}); err != nil {
		t.Fatalf("AddKey: %v", err)
	}
	if err := e.store.RemoveKey(ctx, acct.ID, first.ID); err != nil {
		t.Fatalf("RemoveKey: %v", err)
	}

	_, err := e.manager.Confirm(ctx, acct.ID, boot.ConnectionID)
	if !errors.Is(err, ErrKeypairRevoked) {
		t.Fatalf("expected ErrKeypairRevoked, got %v", err)
	}
	// No lease was inserted.
	leases, _ := e.store.ListLeases(ctx, acct.ID, 10)
	if len(leases) != 0 {
		t.Errorf("leases = %d, want 0", len(leases))
	}
}

func TestConfirm_InsufficientCredits(t *testing.T) {
	e := newEnv(t)
	acct := e.account(t, 0)

	boot, _ := e.manager.Bootstrap(context.Background(), acct.ID, "vm.example.com", "deploy", 0)
	_, err := e.manager.Confirm(context.Background(), acct.ID, boot.ConnectionID)
	if !errors.Is(err, ErrInsufficientCredits) {
		t.Fatalf("expected ErrInsufficientCredits, got %v", err)
	}
}

func TestConfirm_SessionLimit(t *testing.T) {
	e := newEnv(t)
	acct := e.account(t, 7200)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		boot, err := e.manager.Bootstrap(ctx, acct.ID, "vm.example.com", "deploy", 1001+i)
		if err != nil {
			t.Fatalf("Bootstrap %d: %v", i, err)
		}
		if _, err := e.manager.Confirm(ctx, acct.ID, boot.ConnectionID); err != nil {
			t.Fatalf("Confirm %d: %v", i, err)
		}
	}

	boot, _ := e.manager.Bootstrap(ctx, acct.ID, "vm.example.com", "deploy", 1004)
	_, err := e.manager.Confirm(ctx, acct.ID, boot.ConnectionID)
	if !errors.Is(err, ErrSessionLimit) {
		t.Fatalf("expected ErrSessionLimit, got %v", err)
	}
}

// staleCountStore reports zero active leases, standing in for a concurrent
// confirm that passed the pre-probe count before this one inserted.
type staleCountStore struct {
	store.Store
}

func (s *staleCountStore) CountActiveLeases(ctx context.Context, accountID string) (int, error) {
	return 0, nil
}

func TestConfirm_LimitEnforcedAtInsert(t *testing.T) {
	e := newEnv(t)
	acct := e.account(t, 7200)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		boot, err := e.manager.Bootstrap(ctx, acct.ID, "vm.example.com", "deploy", 3001+i)
		if err != nil {
			t.Fatalf("Bootstrap %d: %v", i, err)
		}
		if _, err := e.manager.Confirm(ctx, acct.ID, boot.ConnectionID); err != nil {
			t.Fatalf("Confirm %d: %v", i, err)
		}
	}

	// Even when the pre-probe count is stale, the lease insert is the gate.
	e.manager.store = &staleCountStore{Store: e.store}
	boot, err := e.manager.Bootstrap(ctx, acct.ID, "vm.example.com", "deploy", 3004)
	if err != nil {
		t.Fatalf("Bootstrap: %v", err)
	}
	_, err = e.manager.Confirm(ctx, acct.ID, boot.ConnectionID)
	if !errors.Is(err, ErrSessionLimit) {
		t.Fatalf("expected ErrSessionLimit, got %v", err)
	}

	n, _ := e.store.CountActiveLeases(ctx, acct.ID)
	if n != 3 {
		t.Errorf("active leases = %d, want 3", n)
	}
}

// brokenSessionStore fails the account_sessions insert after the lease has
// been created.
type brokenSessionStore struct {
	store.Store
}

func (s *brokenSessionStore) StartAccountSession(ctx context.Context, sessionID, accountID string) error {
	return errors.New("insert failed")
}

func TestConfirm_AccountSessionFailureReleasesSlot(t *testing.T) {
	e := newEnv(t)
	acct := e.account(t, 3600)
	ctx := context.Background()

	boot, err := e.manager.Bootstrap(ctx, acct.ID, "vm.example.com", "deploy", 0)
	if err != nil {
		t.Fatalf("Bootstrap: %v", err)
	}
	e.manager.store = &brokenSessionStore{Store: e.store}
	if _, err := e.manager.Confirm(ctx, acct.ID, boot.ConnectionID); err == nil {
		t.Fatal("expected Confirm to fail")
	}

	// The lease left behind must be closed out, not stuck in pending where
	// it would hold a session slot forever.
	leases, _ := e.store.ListLeases(ctx, acct.ID, 10)
	if len(leases) != 1 {
		t.Fatalf("leases = %d, want 1", len(leases))
	}
	if leases[0].Status != store.LeaseStatusFailed || leases[0].Reason != store.ReasonLaunchFailed {
		t.Errorf("lease = %+v", leases[0])
	}
	n, _ := e.store.CountActiveLeases(ctx, acct.ID)
	if n != 0 {
		t.Errorf("active leases = %d, want 0", n)
	}
}

func TestConfirm_ProbeFailurePersisted(t *testing.T) {
	e := newEnv(t)
	acct := e.account(t, 3600)
	ctx := context.Background()
	e.prober.res = &sshprober.Result{Outcome: sshprober.OutcomeFailed, Message: "auth refused"}

	boot, _ := e.manager.Bootstrap(ctx, acct.ID, "vm.example.com", "deploy", 0)
	_, err := e.manager.Confirm(ctx, acct.ID, boot.ConnectionID)

	var probeErr *ProbeFailedError
	if !errors.As(err, &probeErr) {
		t.Fatalf("expected ProbeFailedError, got %v", err)
	}
	conn, _ := e.store.GetConnection(ctx, boot.ConnectionID)
	if conn.LastTestResult != "failed" {
		t.Errorf("last test result = %s, want failed", conn.LastTestResult)
	}
	leases, _ := e.store.ListLeases(ctx, acct.ID, 10)
	if len(leases) != 0 {
		t.Errorf("leases = %d, want 0", len(leases))
	}
}

func TestConfirm_LaunchFailureRollsBack(t *testing.T) {
	e := newEnv(t)
	acct := e.account(t, 3600)
	ctx := context.Background()
	e.launcher.failWith = errors.New("ssh exited before creating socket")

	boot, _ := e.manager.Bootstrap(ctx, acct.ID, "vm.example.com", "deploy", 0)
	_, err := e.manager.Confirm(ctx, acct.ID, boot.ConnectionID)
	if !errors.Is(err, ErrLaunchFailed) {
		t.Fatalf("expected ErrLaunchFailed, got %v", err)
	}

	leases, _ := e.store.ListLeases(ctx, acct.ID, 10)
	if len(leases) != 1 {
		t.Fatalf("leases = %d, want 1", len(leases))
	}
	lease := leases[0]
	if lease.Status != store.LeaseStatusFailed || lease.Reason != store.ReasonLaunchFailed {
		t.Errorf("lease = %+v", lease)
	}
	if _, err := e.store.GetAccountIDForSession(ctx, lease.ID); !errors.Is(err, store.ErrNotFound) {
		t.Error("account session should be gone after rollback")
	}
	sessions, _ := e.store.ListAccountSessions(ctx)
	if len(sessions) != 0 {
		t.Errorf("account sessions = %d, want 0", len(sessions))
	}
}

func TestTerminate_CleansEverything(t *testing.T) {
	e := newEnv(t)
	acct := e.account(t, 3600)
	ctx := context.Background()

	res := confirmReady(t, e, acct)
	live, _ := e.manager.Registry().Get(res.Lease.ID)

	if err := e.manager.Terminate(ctx, res.Lease.ID, store.ReasonUserTerminate); err != nil {
		t.Fatalf("Terminate: %v", err)
	}

	if _, err := os.Stat(live.SocketPath); !os.IsNotExist(err) {
		t.Error("control socket file still exists")
	}
	if _, ok := e.manager.Registry().Get(res.Lease.ID); ok {
		t.Error("registry entry still present")
	}
	lease, _ := e.store.GetLease(ctx, res.Lease.ID)
	if lease.Status != store.LeaseStatusEnded || lease.Reason != store.ReasonUserTerminate || lease.EndedAt == nil {
		t.Errorf("lease = %+v", lease)
	}
	if _, err := e.store.GetAccountIDForSession(ctx, res.Lease.ID); !errors.Is(err, store.ErrNotFound) {
		t.Error("account session row still present")
	}
	if _, _, err := e.tokens.Resolve(ctx, res.Token, time.Now()); !errors.Is(err, auth.ErrInvalidToken) {
		t.Errorf("session token still resolves: %v", err)
	}

	// Terminating again is a no-op, not an error.
	if err := e.manager.Terminate(ctx, res.Lease.ID, store.ReasonUserTerminate); err != nil {
		t.Fatalf("second Terminate: %v", err)
	}
}

func TestSweepIdle(t *testing.T) {
	e := newEnv(t)
	acct := e.account(t, 3600)
	ctx := context.Background()

	res := confirmReady(t, e, acct)

	// Fresh session survives the sweep.
	if n := e.manager.SweepIdle(ctx); n != 0 {
		t.Fatalf("sweep terminated %d fresh sessions", n)
	}

	// Age the session past the idle threshold.
	e.manager.reg.mu.Lock()
	e.manager.reg.sessions[res.Lease.ID].LastActivity = time.Now().Add(-time.Hour)
	e.manager.reg.mu.Unlock()

	if n := e.manager.SweepIdle(ctx); n != 1 {
		t.Fatalf("sweep terminated %d, want 1", n)
	}
	lease, _ := e.store.GetLease(ctx, res.Lease.ID)
	if lease.Reason != store.ReasonIdleTimeout {
		t.Errorf("reason = %s, want idle_timeout", lease.Reason)
	}
}

func TestShutdown_TerminatesAll(t *testing.T) {
	e := newEnv(t)
	acct := e.account(t, 7200)
	ctx := context.Background()

	boot1, _ := e.manager.Bootstrap(ctx, acct.ID, "vm.example.com", "deploy", 2001)
	boot2, _ := e.manager.Bootstrap(ctx, acct.ID, "vm.example.com", "deploy", 2002)
	r1, err := e.manager.Confirm(ctx, acct.ID, boot1.ConnectionID)
	if err != nil {
		t.Fatalf("Confirm 1: %v", err)
	}
	r2, err := e.manager.Confirm(ctx, acct.ID, boot2.ConnectionID)
	if err != nil {
		t.Fatalf("Confirm 2: %v", err)
	}

	e.manager.Shutdown(ctx)

	if e.manager.Registry().Len() != 0 {
		t.Error("registry not empty after shutdown")
	}
	for _, id := range []string{r1.Lease.ID, r2.Lease.ID} {
		lease, _ := e.store.GetLease(ctx, id)
		if lease.Status != store.LeaseStatusEnded || lease.Reason != store.ReasonServerShutdown {
			t.Errorf("lease %s = %+v", id, lease)
		}
	}
}

func TestLauncher_RefusesExistingSocket(t *testing.T) {
	dir := t.TempDir()
	sock := filepath.Join(dir, "abc.sock")
	if err := os.WriteFile(sock, nil, 0o600); err != nil {
		t.Fatal(err)
	}

	l := &ControlLauncher{Dir: dir}
	_, err := l.Launch(context.Background(), LaunchSpec{
		SessionID: "abc", Host: "h", Port: 22, Username: "u", SocketPath: sock,
	})
	if !errors.Is(err, ErrSocketExists) {
		t.Fatalf("expected ErrSocketExists, got %v", err)
	}
}
