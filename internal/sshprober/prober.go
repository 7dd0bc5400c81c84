// Package sshprober performs live reachability tests against saved SSH
// targets. A probe authenticates with the account keypair, records the host
// key it saw, and compares it against the pinned fingerprint if one exists.
package sshprober

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"golang.org/x/crypto/ssh"
)

// Probe outcomes.
const (
	OutcomeOK             = "ok"
	OutcomeFailed         = "failed"
	OutcomeTimeout        = "timeout"
	OutcomeHostKeyChanged = "host_key_changed"
)

// DefaultTimeout bounds a single probe end to end.
const DefaultTimeout = 10 * time.Second

// Target describes one probe attempt.
type Target struct {
	Host              string
	Port              int
	Username          string
	PrivatePEM        []byte // decrypted account private key
	PinnedFingerprint string // empty on first contact
}

// Result is what a probe observed. NewFingerprint is set on every attempt
// that reached the host key exchange, including mismatches.
type Result struct {
	Outcome        string `json:"result"`
	LatencyMs      int64  `json:"latencyMs"`
	NewFingerprint string `json:"hostKeyFingerprint,omitempty"`
	OldFingerprint string `json:"previousFingerprint,omitempty"`
	Message        string `json:"message,omitempty"`
}

// errHostKeyChanged aborts the handshake when the pin does not match.
var errHostKeyChanged = errors.New("sshprober: host key changed")

// Prober dials targets. The zero value uses DefaultTimeout.
type Prober struct {
	Timeout time.Duration
}

// Probe runs one connection test. It never returns an error for remote
// failures; those are encoded in the Result. The error return is reserved
// for local problems like an unparseable private key.
func (p *Prober) Probe(ctx context.Context, target Target) (*Result, error) {
	signer, err := ssh.ParsePrivateKey(target.PrivatePEM)
	if err != nil {
		return nil, fmt.Errorf("parse private key: %w", err)
	}

	timeout := p.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	if deadline, ok := ctx.Deadline(); ok {
		if until := time.Until(deadline); until < timeout {
			timeout = until
		}
	}

	var observed string
	cfg := &ssh.ClientConfig{
		User:    target.Username,
		Auth:    []ssh.AuthMethod{ssh.PublicKeys(signer)},
		Timeout: timeout,
		HostKeyCallback: func(hostname string, remote net.Addr, key ssh.PublicKey) error {
			observed = ssh.FingerprintSHA256(key)
			if target.PinnedFingerprint != "" && observed != target.PinnedFingerprint {
				return errHostKeyChanged
			}
			return nil
		},
	}

	addr := net.JoinHostPort(target.Host, strconv.Itoa(target.Port))
	start := time.Now()
	client, err := ssh.Dial("tcp", addr, cfg)
	if err == nil {
		// Authentication alone does not prove the account can run anything;
		// some servers accept the key and then refuse exec. Run a no-op.
		runErr := runNoop(client, timeout-time.Since(start))
		client.Close()
		res := &Result{
			LatencyMs:      time.Since(start).Milliseconds(),
			NewFingerprint: observed,
		}
		switch {
		case runErr == nil:
			res.Outcome = OutcomeOK
		case errors.Is(runErr, errExecTimeout):
			res.Outcome = OutcomeTimeout
			res.Message = "remote command timed out"
		default:
			res.Outcome = OutcomeFailed
			res.Message = "remote command failed: " + runErr.Error()
		}
		return res, nil
	}
	latency := time.Since(start).Milliseconds()

	res := &Result{LatencyMs: latency, NewFingerprint: observed}

	switch {
	case errors.Is(err, errHostKeyChanged) || isHostKeyMismatch(err):
		res.Outcome = OutcomeHostKeyChanged
		res.OldFingerprint = target.PinnedFingerprint
		res.Message = "host key does not match the pinned fingerprint"
	case isTimeout(err) || ctx.Err() != nil:
		res.Outcome = OutcomeTimeout
		res.Message = "connection timed out"
	default:
		res.Outcome = OutcomeFailed
		res.Message = err.Error()
	}
	return res, nil
}

// errExecTimeout marks a no-op command that did not come back in time.
var errExecTimeout = errors.New("sshprober: exec timed out")

// runNoop executes `true` over an established connection, bounded by the
// remaining probe budget. ssh.Session has no context support, so on timeout
// the client is closed out from under it to unblock Run.
func runNoop(client *ssh.Client, budget time.Duration) error {
	if budget <= 0 {
		return errExecTimeout
	}
	sess, err := client.NewSession()
	if err != nil {
		return err
	}
	defer sess.Close()

	done := make(chan error, 1)
	go func() { done <- sess.Run("true") }()

	timer := time.NewTimer(budget)
	defer timer.Stop()
	select {
	case err := <-done:
		return err
	case <-timer.C:
		client.Close()
		return errExecTimeout
	}
}

// isHostKeyMismatch catches the callback error after the ssh package wraps
// it in its own handshake error type.
func isHostKeyMismatch(err error) bool {
	return err != nil && strings.Contains(err.Error(), errHostKeyChanged.Error())
}

func isTimeout(err error) bool {
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}
