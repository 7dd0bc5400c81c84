package sessions

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"time"
)

// LaunchSpec parameterizes one control-master launch.
type LaunchSpec struct {
	SessionID  string
	Host       string
	Port       int
	Username   string
	PrivatePEM []byte
	SocketPath string
}

// Handle is a running control master. Stop is idempotent.
type Handle interface {
	Stop(ctx context.Context) error
}

// Launcher spawns control masters. Swapped for a fake in tests.
type Launcher interface {
	Launch(ctx context.Context, spec LaunchSpec) (Handle, error)
}

// ErrSocketExists means a socket for this session id is already present; a
// relaunch over a live socket would orphan the previous master.
var ErrSocketExists = errors.New("sessions: control socket already exists")

const (
	socketWaitBudget = 5 * time.Second
	socketPollEvery  = 100 * time.Millisecond
	stopGracePeriod  = 3 * time.Second
)

// ControlLauncher runs OpenSSH control masters as child processes. The
// master multiplexes over a Unix socket, forwards nothing, and runs no
// remote command; it just stays connected.
type ControlLauncher struct {
	// Dir holds sockets, per-session known_hosts files, and transient key
	// files. Created 0700 on first launch.
	Dir string
}

func (l *ControlLauncher) Launch(ctx context.Context, spec LaunchSpec) (Handle, error) {
	if _, err := os.Stat(spec.SocketPath); err == nil {
		return nil, ErrSocketExists
	}
	if err := os.MkdirAll(l.Dir, 0o700); err != nil {
		return nil, fmt.Errorf("create control dir: %w", err)
	}

	keyFile, err := writeKeyFile(l.Dir, spec.SessionID, spec.PrivatePEM)
	if err != nil {
		return nil, err
	}
	// The child loads the key during the handshake; the file never outlives
	// the launch attempt.
	defer os.Remove(keyFile)

	target := spec.Username + "@" + spec.Host
	knownHosts := filepath.Join(l.Dir, spec.SessionID+".known_hosts")
	cmd := exec.Command("ssh",
		"-M", "-N",
		"-S", spec.SocketPath,
		"-i", keyFile,
		"-p", strconv.Itoa(spec.Port),
		"-o", "BatchMode=yes",
		"-o", "IdentitiesOnly=yes",
		"-o", "StrictHostKeyChecking=accept-new",
		"-o", "UserKnownHostsFile="+knownHosts,
		"-o", "ServerAliveInterval=15",
		"-o", "ServerAliveCountMax=3",
		target,
	)
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("spawn ssh: %w", err)
	}

	h := &controlMaster{
		cmd:        cmd,
		socketPath: spec.SocketPath,
		knownHosts: knownHosts,
		target:     target,
		done:       make(chan struct{}),
	}
	go func() {
		h.waitErr = cmd.Wait()
		close(h.done)
	}()

	if err := h.awaitSocket(ctx); err != nil {
		h.kill()
		return nil, err
	}
	// The socket can appear before the handshake finishes; a control probe
	// confirms the master actually answers.
	if err := h.check(ctx); err != nil {
		h.kill()
		return nil, fmt.Errorf("control master not responding: %w", err)
	}
	return h, nil
}

func writeKeyFile(dir, sessionID string, pem []byte) (string, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return "", fmt.Errorf("create control dir: %w", err)
	}
	path := filepath.Join(dir, sessionID+".key")
	if err := os.WriteFile(path, pem, 0o600); err != nil {
		return "", fmt.Errorf("write key file: %w", err)
	}
	return path, nil
}

type controlMaster struct {
	cmd        *exec.Cmd
	socketPath string
	knownHosts string
	target     string
	done       chan struct{}
	waitErr    error
}

func (h *controlMaster) awaitSocket(ctx context.Context) error {
	deadline := time.Now().Add(socketWaitBudget)
	for {
		if _, err := os.Stat(h.socketPath); err == nil {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-h.done:
			return fmt.Errorf("ssh exited before creating socket: %v", h.waitErr)
		case <-time.After(socketPollEvery):
		}
		if time.Now().After(deadline) {
			return errors.New("timed out waiting for control socket")
		}
	}
}

// check asks the master whether it is alive via the control socket.
func (h *controlMaster) check(ctx context.Context) error {
	probe := exec.CommandContext(ctx, "ssh", "-S", h.socketPath, "-O", "check", h.target)
	return probe.Run()
}

// Stop asks the master to exit, waits out a grace period, then kills it.
// The socket and per-session known_hosts files are always removed.
func (h *controlMaster) Stop(ctx context.Context) error {
	defer func() {
		os.Remove(h.socketPath)
		os.Remove(h.knownHosts)
	}()

	exitCmd := exec.CommandContext(ctx, "ssh", "-S", h.socketPath, "-O", "exit", h.target)
	_ = exitCmd.Run()

	select {
	case <-h.done:
		return nil
	case <-time.After(stopGracePeriod):
	case <-ctx.Done():
	}
	h.kill()
	return nil
}

func (h *controlMaster) kill() {
	if h.cmd.Process != nil {
		_ = h.cmd.Process.Kill()
	}
	<-h.done
	os.Remove(h.socketPath)
	os.Remove(h.knownHosts)
}

// SocketPathFor returns the canonical control socket location for a session.
func SocketPathFor(dir, sessionID string) string {
	return filepath.Join(dir, sessionID+".sock")
}

// runOverSocket executes one command line on the remote host through an
// existing control master. The multiplexed connection means no new handshake
// and no key material is needed.
func runOverSocket(ctx context.Context, socketPath, target, command string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, "ssh",
		"-S", socketPath,
		"-o", "BatchMode=yes",
		target,
		command,
	)
	return cmd.CombinedOutput()
}
