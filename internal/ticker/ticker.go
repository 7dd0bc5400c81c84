// Package ticker runs the periodic credit sweep: reconcile stale session
// records, debit one tick period per live session, terminate sessions whose
// balance cannot cover a full tick, and sweep sessions idle past their
// threshold.
package ticker

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/clawdfather/clawdfather/internal/logging"
	"github.com/clawdfather/clawdfather/internal/metrics"
	"github.com/clawdfather/clawdfather/internal/sessions"
	"github.com/clawdfather/clawdfather/internal/store"
)

// Terminator ends sessions and sweeps idle ones. Implemented by
// sessions.Manager.
type Terminator interface {
	Terminate(ctx context.Context, sessionID, reason string) error
	SweepIdle(ctx context.Context) int
}

// Ticker is the billing sweeper. Ticks are serialized; Start and Stop are
// idempotent.
type Ticker struct {
	store      store.Store
	registry   *sessions.Registry
	terminator Terminator
	period     time.Duration

	mu      sync.Mutex
	stop    chan struct{}
	done    chan struct{}
	running bool
}

// New creates a ticker with the given period (default 30s).
func New(s store.Store, reg *sessions.Registry, term Terminator, period time.Duration) *Ticker {
	if period <= 0 {
		period = 30 * time.Second
	}
	return &Ticker{store: s, registry: reg, terminator: term, period: period}
}

// Start launches the tick loop. Calling Start on a running ticker is a no-op.
func (t *Ticker) Start(ctx context.Context) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.running {
		return
	}
	t.running = true
	t.stop = make(chan struct{})
	t.done = make(chan struct{})

	go t.loop(ctx, t.stop, t.done)
}

func (t *Ticker) loop(ctx context.Context, stop, done chan struct{}) {
	defer close(done)
	ticker := time.NewTicker(t.period)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-stop:
			return
		case <-ticker.C:
			// Ticks run inline on this goroutine, so they never overlap.
			t.Tick(ctx)
		}
	}
}

// Stop halts the loop and waits for an in-flight tick to finish. Stopping a
// stopped ticker is a no-op.
func (t *Ticker) Stop() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.running {
		return
	}
	t.running = false
	close(t.stop)
	<-t.done
}

// Tick runs one sweep: reconcile, debit, then the idle sweep, all at the
// same cadence. Exposed for tests and for a forced sweep at boot.
func (t *Ticker) Tick(ctx context.Context) {
	log := logging.L(ctx)

	stale, err := t.CleanStaleSessions(ctx)
	if err != nil {
		log.Error("stale session reconcile failed", "error", err)
		metrics.CreditTicksTotal.WithLabelValues("error").Inc()
		return
	}
	if stale > 0 {
		log.Info("reconciled stale sessions", "count", stale)
	}

	t.debitLiveSessions(ctx)

	if n := t.terminator.SweepIdle(ctx); n > 0 {
		log.Info("idle sessions swept", "count", n)
	}
	metrics.CreditTicksTotal.WithLabelValues("ok").Inc()
}

// CleanStaleSessions ends every account_sessions row whose session has no
// live registry entry, revoking its tokens and closing its lease. Returns
// the number of rows transitioned.
func (t *Ticker) CleanStaleSessions(ctx context.Context) (int, error) {
	rows, err := t.store.ListAccountSessions(ctx)
	if err != nil {
		return 0, err
	}

	now := time.Now()
	n := 0
	for _, row := range rows {
		if _, live := t.registry.Get(row.SessionID); live {
			continue
		}
		if err := t.store.EndAccountSession(ctx, row.SessionID); err != nil {
			if errors.Is(err, store.ErrNotFound) {
				continue
			}
			return n, err
		}
		if _, err := t.store.RevokeTokensBySession(ctx, row.SessionID, now); err != nil {
			return n, err
		}
		_ = t.store.UpdateLeaseStatus(ctx, row.SessionID, store.LeaseStatusEnded, store.ReasonStaleRecord, &now)
		n++
	}
	return n, nil
}

// debitLiveSessions charges one tick period per live session. A session
// whose account cannot cover a full period is terminated with
// credit_exhausted and nothing is debited for it.
func (t *Ticker) debitLiveSessions(ctx context.Context) {
	log := logging.L(ctx)
	seconds := int64(t.period / time.Second)

	for _, s := range t.registry.List() {
		accountID, err := t.store.GetAccountIDForSession(ctx, s.ID)
		if err != nil {
			// The reconcile pass will pick this up next tick.
			continue
		}
		err = t.store.DebitCredits(ctx, accountID, seconds, s.ID)
		switch {
		case err == nil:
			_ = t.store.MarkSessionDebited(ctx, s.ID, time.Now())
			metrics.CreditSecondsDebitedTotal.Add(float64(seconds))
		case errors.Is(err, store.ErrInsufficientCredits):
			log.Info("credit exhausted, terminating session",
				"session_id", s.ID, "account_id", accountID)
			if err := t.terminator.Terminate(ctx, s.ID, store.ReasonCreditExhausted); err != nil {
				log.Error("termination failed", "session_id", s.ID, "error", err)
			}
		default:
			log.Error("debit failed", "session_id", s.ID, "error", err)
		}
	}
}
