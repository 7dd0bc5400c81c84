package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/clawdfather/clawdfather/internal/config"
	"github.com/clawdfather/clawdfather/internal/sessions"
	"github.com/clawdfather/clawdfather/internal/sshprober"
)

type okProber struct{}

func (okProber) Probe(ctx context.Context, target sshprober.Target) (*sshprober.Result, error) {
	return &sshprober.Result{Outcome: sshprober.OutcomeOK, NewFingerprint: "SHA256:test"}, nil
}

type noopHandle struct{}

func (noopHandle) Stop(ctx context.Context) error { return nil }

type noopLauncher struct{}

func (noopLauncher) Launch(ctx context.Context, spec sessions.LaunchSpec) (sessions.Handle, error) {
	return noopHandle{}, nil
}

func testConfig() *config.Config {
	return &config.Config{
		WebPort:             "8080",
		WebDomain:           "clawdfather.test",
		Env:                 "development",
		LogLevel:            "error",
		MasterKey:           strings.Repeat("ab", 32),
		SessionTimeoutMs:    config.DefaultSessionTimeout,
		SSHPort:             config.DefaultSSHPort,
		TickIntervalS:       config.DefaultTickInterval,
		ControlDir:          "/tmp/clawdfather-test",
		MaxSessions:         config.DefaultMaxSessions,
		DefaultTokenTTLMs:   config.DefaultTokenTTL,
		StripeWebhookSecret: "whsec_test",
	}
}

func newTestServer(t *testing.T) *Server {
	t.Helper()
	s, err := New(testConfig(), WithProber(okProber{}), WithLauncher(noopLauncher{}))
	require.NoError(t, err)
	return s
}

func do(s *Server, method, path string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, nil)
	w := httptest.NewRecorder()
	s.Router().ServeHTTP(w, req)
	return w
}

func TestHealth(t *testing.T) {
	s := newTestServer(t)

	w := do(s, "GET", "/health")
	require.Equal(t, http.StatusOK, w.Code)

	var resp HealthResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "healthy", resp.Status)
	assert.Equal(t, "ok", resp.DB)
	assert.Equal(t, 0, resp.ActiveSessions)
	assert.Equal(t, version, resp.Version)
}

func TestLivenessAndReadiness(t *testing.T) {
	s := newTestServer(t)

	w := do(s, "GET", "/health/live")
	assert.Equal(t, http.StatusOK, w.Code)

	// Ready flips only once Run has started.
	w = do(s, "GET", "/health/ready")
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}

func TestProtectedRoutesRejectAnonymous(t *testing.T) {
	s := newTestServer(t)

	for _, route := range []struct{ method, path string }{
		{"GET", "/api/v1/keys"},
		{"POST", "/api/v1/connections"},
		{"POST", "/api/v1/sessions/bootstrap"},
		{"GET", "/api/v1/sessions"},
		{"GET", "/api/v1/audit"},
		{"GET", "/api/v1/auth/me"},
		{"DELETE", "/api/v1/auth/session"},
	} {
		w := do(s, route.method, route.path)
		require.Equal(t, http.StatusUnauthorized, w.Code, "%s %s", route.method, route.path)

		var resp struct {
			Error struct {
				Code string `json:"code"`
			} `json:"error"`
		}
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
		assert.Equal(t, "unauthorized", resp.Error.Code)
	}
}

func TestStripeWebhookNeedsNoToken(t *testing.T) {
	s := newTestServer(t)

	// No Authorization header. An unsigned body fails verification, not auth.
	w := do(s, "POST", "/api/v1/webhooks/stripe")
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, w.Body.String(), "validation_error")
}

func TestMetricsEndpoint(t *testing.T) {
	s := newTestServer(t)

	w := do(s, "GET", "/metrics")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "clawdfather_")
}

func TestRequestIDHeader(t *testing.T) {
	s := newTestServer(t)

	w := do(s, "GET", "/health")
	assert.NotEmpty(t, w.Header().Get("X-Request-ID"))

	req := httptest.NewRequest("GET", "/health", nil)
	req.Header.Set("X-Request-ID", "abc-123")
	w = httptest.NewRecorder()
	s.Router().ServeHTTP(w, req)
	assert.Equal(t, "abc-123", w.Header().Get("X-Request-ID"))
}

func TestBadMasterKeyRejected(t *testing.T) {
	cfg := testConfig()
	cfg.MasterKey = strings.Repeat("zz", 32)
	_, err := New(cfg)
	assert.Error(t, err)
}
