package sessions

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/clawdfather/clawdfather/internal/cryptoutil"
	"github.com/clawdfather/clawdfather/internal/idgen"
	"github.com/clawdfather/clawdfather/internal/logging"
	"github.com/clawdfather/clawdfather/internal/metrics"
	"github.com/clawdfather/clawdfather/internal/sshprober"
	"github.com/clawdfather/clawdfather/internal/store"
	"github.com/clawdfather/clawdfather/internal/traces"
	"github.com/clawdfather/clawdfather/internal/validation"
)

// Typed failures the handlers map to HTTP codes.
var (
	ErrInvalidInput        = errors.New("sessions: invalid input")
	ErrKeypairRevoked      = errors.New("sessions: keypair revoked")
	ErrInsufficientCredits = errors.New("sessions: insufficient credits")
	ErrSessionLimit        = errors.New("sessions: session limit reached")
	ErrLaunchFailed        = errors.New("sessions: control master launch failed")
)

// ProbeFailedError carries the prober's verdict when a confirm fails at the
// connectivity stage.
type ProbeFailedError struct {
	Result *sshprober.Result
}

func (e *ProbeFailedError) Error() string {
	return fmt.Sprintf("sessions: connection test %s: %s", e.Result.Outcome, e.Result.Message)
}

// Prober runs connection tests. Implemented by sshprober.Prober.
type Prober interface {
	Probe(ctx context.Context, target sshprober.Target) (*sshprober.Result, error)
}

// TokenIssuer mints bearer tokens bound to a session id.
type TokenIssuer interface {
	IssueForSession(ctx context.Context, accountID, sessionID string) (string, error)
}

// Notifier is told when a session closes so connected chat peers can be
// drained. May be nil.
type Notifier interface {
	SessionClosed(sessionID, reason, message string)
}

// Options configures a Manager.
type Options struct {
	Store       store.Store
	Registry    *Registry
	Prober      Prober
	Launcher    Launcher
	Tokens      TokenIssuer
	Notifier    Notifier
	MasterKey   []byte
	ControlDir  string
	WebDomain   string
	SSHPort     int
	MaxSessions int
	IdleTimeout time.Duration
}

// Manager owns the session state machine: bootstrap, confirm, launch,
// terminate, and the idle sweep.
type Manager struct {
	store       store.Store
	reg         *Registry
	prober      Prober
	launcher    Launcher
	tokens      TokenIssuer
	notifier    Notifier
	masterKey   []byte
	controlDir  string
	webDomain   string
	sshPort     int
	maxSessions int
	idleTimeout time.Duration
}

// NewManager wires a Manager from options. Zero-value fields get defaults.
func NewManager(opts Options) *Manager {
	if opts.SSHPort == 0 {
		opts.SSHPort = 22
	}
	if opts.MaxSessions == 0 {
		opts.MaxSessions = 3
	}
	if opts.IdleTimeout == 0 {
		opts.IdleTimeout = 30 * time.Minute
	}
	return &Manager{
		store:       opts.Store,
		reg:         opts.Registry,
		prober:      opts.Prober,
		launcher:    opts.Launcher,
		tokens:      opts.Tokens,
		notifier:    opts.Notifier,
		masterKey:   opts.MasterKey,
		controlDir:  opts.ControlDir,
		webDomain:   opts.WebDomain,
		sshPort:     opts.SSHPort,
		maxSessions: opts.MaxSessions,
		idleTimeout: opts.IdleTimeout,
	}
}

// Registry exposes the live-session table for the chat gateway and ticker.
func (m *Manager) Registry() *Registry { return m.reg }

// SetNotifier attaches the close notifier after construction. The chat
// gateway runs commands through the manager, so the two are wired in two
// steps.
func (m *Manager) SetNotifier(n Notifier) { m.notifier = n }

// BootstrapResult is the outcome of a bootstrap call.
type BootstrapResult struct {
	Status         string `json:"status"` // "ready" or "needs_setup"
	ConnectionID   string `json:"connection_id"`
	InstallCommand string `json:"install_command,omitempty"`
}

// Bootstrap resolves (host, username, port) to a Connection, creating the
// account keypair and the connection on first contact. It never opens a
// session; that is Confirm's job.
func (m *Manager) Bootstrap(ctx context.Context, accountID, host, username string, port int) (*BootstrapResult, error) {
	if port == 0 {
		port = m.sshPort
	}
	if !validation.IsValidUsername(username) {
		return nil, fmt.Errorf("%w: invalid username", ErrInvalidInput)
	}
	if !validation.IsValidHost(host) {
		return nil, fmt.Errorf("%w: invalid host", ErrInvalidInput)
	}
	if !validation.IsValidPort(port) {
		return nil, fmt.Errorf("%w: invalid port", ErrInvalidInput)
	}

	key, err := m.EnsureKeypair(ctx, accountID)
	if err != nil {
		return nil, err
	}

	conn, err := m.store.GetConnectionByTarget(ctx, accountID, host, port, username)
	if errors.Is(err, store.ErrNotFound) {
		conn = &store.Connection{
			AccountID: accountID,
			KeypairID: key.ID,
			Host:      host,
			Port:      port,
			Username:  username,
		}
		if err := m.store.CreateConnection(ctx, conn); err != nil {
			// Lost a race with another bootstrap for the same target.
			if errors.Is(err, store.ErrDuplicateConnection) {
				conn, err = m.store.GetConnectionByTarget(ctx, accountID, host, port, username)
			}
			if err != nil {
				return nil, err
			}
		}
	} else if err != nil {
		return nil, err
	}

	if conn.LastTestResult == sshprober.OutcomeOK {
		return &BootstrapResult{Status: "ready", ConnectionID: conn.ID}, nil
	}
	return &BootstrapResult{
		Status:         "needs_setup",
		ConnectionID:   conn.ID,
		InstallCommand: cryptoutil.InstallCommand(key.PublicKey),
	}, nil
}

// EnsureKeypair returns the account's active keypair, generating and sealing
// one on first use.
func (m *Manager) EnsureKeypair(ctx context.Context, accountID string) (*store.Keypair, error) {
	key, err := m.store.GetActiveKey(ctx, accountID)
	if err == nil && key.PrivateKeyCipher != "" {
		return key, nil
	}
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return nil, err
	}
	// Either no key at all, or only a bare fingerprint record without server
	// held material; generate a usable one.

	kp, err := cryptoutil.GenerateKeypair("clawdfather")
	if err != nil {
		return nil, err
	}
	kek, err := cryptoutil.DeriveKEK(m.masterKey, accountID)
	if err != nil {
		return nil, err
	}
	cipher, err := cryptoutil.Seal(kek, kp.PrivatePEM)
	if err != nil {
		return nil, err
	}

	key = &store.Keypair{
		AccountID:        accountID,
		Label:            "default",
		Algorithm:        "ed25519",
		PublicKey:        kp.PublicLine,
		Fingerprint:      kp.Fingerprint,
		PrivateKeyCipher: cipher,
	}
	if err := m.store.AddKey(ctx, key); err != nil {
		if errors.Is(err, store.ErrDuplicateKey) {
			return m.store.GetActiveKey(ctx, accountID)
		}
		return nil, err
	}
	return key, nil
}

// ConfirmResult is what a successful confirm returns.
type ConfirmResult struct {
	Lease   *store.SessionLease `json:"session"`
	ChatURL string              `json:"chat_url"`
	Token   string              `json:"token"`
}

// Confirm opens a session over a previously bootstrapped connection. The
// preconditions run in a fixed order so clients get stable error codes.
func (m *Manager) Confirm(ctx context.Context, accountID, connID string) (*ConfirmResult, error) {
	ctx, span := traces.StartSpan(ctx, "sessions.confirm",
		traces.AccountID(accountID), traces.ConnectionID(connID))
	defer span.End()
	log := logging.L(ctx)

	conn, err := m.store.GetConnection(ctx, connID)
	if err != nil || conn.AccountID != accountID {
		return nil, store.ErrNotFound
	}
	key, err := m.store.GetKey(ctx, conn.KeypairID)
	if err != nil {
		return nil, store.ErrNotFound
	}
	if !key.Active {
		return nil, ErrKeypairRevoked
	}
	acct, err := m.store.GetAccount(ctx, accountID)
	if err != nil {
		return nil, err
	}
	if acct.BalanceSeconds < 1 {
		return nil, ErrInsufficientCredits
	}
	active, err := m.store.CountActiveLeases(ctx, accountID)
	if err != nil {
		return nil, err
	}
	if active >= m.maxSessions {
		return nil, ErrSessionLimit
	}

	privatePEM, err := m.unsealKey(accountID, key)
	if err != nil {
		return nil, err
	}

	res, err := m.prober.Probe(ctx, sshprober.Target{
		Host:              conn.Host,
		Port:              conn.Port,
		Username:          conn.Username,
		PrivatePEM:        privatePEM,
		PinnedFingerprint: conn.HostKeyFingerprint,
	})
	if err != nil {
		return nil, err
	}
	metrics.ConnectionTestsTotal.WithLabelValues(res.Outcome).Inc()
	if res.Outcome != sshprober.OutcomeOK {
		_ = m.store.SetConnectionTestResult(ctx, conn.ID, res.Outcome, "", time.Now())
		return nil, &ProbeFailedError{Result: res}
	}
	if err := m.store.SetConnectionTestResult(ctx, conn.ID, res.Outcome, res.NewFingerprint, time.Now()); err != nil {
		return nil, err
	}

	sessionID := idgen.New()
	lease := &store.SessionLease{
		ID:           sessionID,
		AccountID:    accountID,
		ConnectionID: conn.ID,
		Status:       store.LeaseStatusPending,
	}
	// The pre-probe count gives a cheap early error, but the insert is the
	// real gate: the probe takes seconds and concurrent confirms race past
	// the count.
	if err := m.store.CreateLease(ctx, lease, m.maxSessions); err != nil {
		if errors.Is(err, store.ErrSessionLimit) {
			return nil, ErrSessionLimit
		}
		return nil, err
	}
	if err := m.store.StartAccountSession(ctx, sessionID, accountID); err != nil {
		// The pending lease must not outlive the failed confirm, or it would
		// hold one of the account's session slots forever.
		m.abortLaunch(ctx, sessionID, err)
		return nil, err
	}
	token, err := m.tokens.IssueForSession(ctx, accountID, sessionID)
	if err != nil {
		m.abortLaunch(ctx, sessionID, err)
		return nil, err
	}

	handle, err := m.launcher.Launch(ctx, LaunchSpec{
		SessionID:  sessionID,
		Host:       conn.Host,
		Port:       conn.Port,
		Username:   conn.Username,
		PrivatePEM: privatePEM,
		SocketPath: SocketPathFor(m.controlDir, sessionID),
	})
	if err != nil {
		log.Error("control master launch failed", "session_id", sessionID, "error", err)
		m.abortLaunch(ctx, sessionID, err)
		metrics.SessionLaunchesTotal.WithLabelValues("failed").Inc()
		return nil, fmt.Errorf("%w: %v", ErrLaunchFailed, err)
	}

	m.reg.Create(&LiveSession{
		ID:           sessionID,
		AccountID:    accountID,
		ConnectionID: conn.ID,
		SocketPath:   SocketPathFor(m.controlDir, sessionID),
		Target:       conn.Username + "@" + conn.Host,
		handle:       handle,
	})
	if err := m.store.UpdateLeaseStatus(ctx, sessionID, store.LeaseStatusActive, "", nil); err != nil {
		log.Error("lease activation failed", "session_id", sessionID, "error", err)
	}
	lease.Status = store.LeaseStatusActive

	metrics.SessionLaunchesTotal.WithLabelValues("ok").Inc()
	metrics.ActiveSessions.Set(float64(m.reg.Len()))
	m.audit(ctx, accountID, "session.start", map[string]string{
		"session_id": sessionID, "connection_id": conn.ID,
	})
	log.Info("session started", "session_id", sessionID, "account_id", accountID, "host", conn.Host)

	return &ConfirmResult{
		Lease:   lease,
		ChatURL: fmt.Sprintf("wss://%s/ws/sessions/%s", m.webDomain, sessionID),
		Token:   token,
	}, nil
}

// abortLaunch rolls back everything Confirm allocated before the launch
// failed: the pending lease, the account_sessions row, and any tokens.
func (m *Manager) abortLaunch(ctx context.Context, sessionID string, cause error) {
	now := time.Now()
	_ = m.store.UpdateLeaseStatus(ctx, sessionID, store.LeaseStatusFailed, store.ReasonLaunchFailed, &now)
	_, _ = m.store.RevokeTokensBySession(ctx, sessionID, now)
	_ = m.store.EndAccountSession(ctx, sessionID)
}

func (m *Manager) unsealKey(accountID string, key *store.Keypair) ([]byte, error) {
	kek, err := cryptoutil.DeriveKEK(m.masterKey, accountID)
	if err != nil {
		return nil, err
	}
	return cryptoutil.Open(kek, key.PrivateKeyCipher)
}

// Terminate tears a session down: stop the control master, drop the registry
// entry, close the lease, end the account_sessions row, revoke bound tokens.
// Idempotent for already-gone sessions.
func (m *Manager) Terminate(ctx context.Context, sessionID, reason string) error {
	ctx, span := traces.StartSpan(ctx, "sessions.terminate",
		traces.SessionID(sessionID), traces.Reason(reason))
	defer span.End()
	log := logging.L(ctx)

	handle, live := m.reg.Remove(sessionID)
	if live && handle != nil {
		if err := handle.Stop(ctx); err != nil {
			log.Warn("control master stop failed", "session_id", sessionID, "error", err)
		}
	}

	now := time.Now()
	err := m.store.UpdateLeaseStatus(ctx, sessionID, store.LeaseStatusEnded, reason, &now)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return err
	}
	if err := m.store.EndAccountSession(ctx, sessionID); err != nil && !errors.Is(err, store.ErrNotFound) {
		return err
	}
	if _, err := m.store.RevokeTokensBySession(ctx, sessionID, now); err != nil {
		return err
	}

	if m.notifier != nil {
		m.notifier.SessionClosed(sessionID, reason, "session terminated: "+reason)
	}
	metrics.SessionTerminationsTotal.WithLabelValues(reason).Inc()
	metrics.ActiveSessions.Set(float64(m.reg.Len()))
	if live {
		log.Info("session terminated", "session_id", sessionID, "reason", reason)
	}
	return nil
}

// Run executes a command line on the session's host over its control socket
// and returns the combined output. Counts as activity for the idle sweep.
func (m *Manager) Run(ctx context.Context, sessionID, command string) (string, error) {
	s, ok := m.reg.Get(sessionID)
	if !ok {
		return "", store.ErrNotFound
	}
	m.reg.Touch(sessionID)
	out, err := runOverSocket(ctx, s.SocketPath, s.Target, command)
	if err != nil {
		return string(out), fmt.Errorf("remote command failed: %w", err)
	}
	return string(out), nil
}

// SweepIdle terminates sessions whose activity age exceeds the idle
// threshold. Returns how many were terminated.
func (m *Manager) SweepIdle(ctx context.Context) int {
	cutoff := time.Now().Add(-m.idleTimeout)
	n := 0
	for _, s := range m.reg.List() {
		if s.LastActivity.Before(cutoff) {
			if err := m.Terminate(ctx, s.ID, store.ReasonIdleTimeout); err == nil {
				n++
			}
		}
	}
	return n
}

// Shutdown terminates every live session. Called on server stop.
func (m *Manager) Shutdown(ctx context.Context) {
	for _, s := range m.reg.List() {
		_ = m.Terminate(ctx, s.ID, store.ReasonServerShutdown)
	}
}

// audit writes a best-effort audit record; failures never block the caller.
func (m *Manager) audit(ctx context.Context, accountID, action string, detail map[string]string) {
	blob, _ := json.Marshal(detail)
	_ = m.store.AppendAudit(ctx, &store.AuditEntry{
		AccountID: accountID,
		Action:    action,
		Detail:    string(blob),
	})
}
