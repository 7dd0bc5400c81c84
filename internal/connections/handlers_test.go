package connections

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/clawdfather/clawdfather/internal/auth"
	"github.com/clawdfather/clawdfather/internal/sessions"
	"github.com/clawdfather/clawdfather/internal/sshprober"
	"github.com/clawdfather/clawdfather/internal/store"
)

var testMasterKey = bytes.Repeat([]byte{0x33}, 32)

// stubProber reports ok with a fixed fingerprint unless a pin is set and
// differs, mirroring the real prober's outcomes.
type stubProber struct {
	mu          sync.Mutex
	fingerprint string
	lastTarget  sshprober.Target
}

func (p *stubProber) Probe(_ context.Context, target sshprober.Target) (*sshprober.Result, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.lastTarget = target

	if target.PinnedFingerprint != "" && target.PinnedFingerprint != p.fingerprint {
		return &sshprober.Result{
			Outcome:        sshprober.OutcomeHostKeyChanged,
			NewFingerprint: p.fingerprint,
			OldFingerprint: target.PinnedFingerprint,
			Message:        "host key does not match the pinned fingerprint",
		}, nil
	}
	return &sshprober.Result{
		Outcome:        sshprober.OutcomeOK,
		LatencyMs:      7,
		NewFingerprint: p.fingerprint,
	}, nil
}

type env struct {
	store  *store.MemoryStore
	tokens *auth.Manager
	prober *stubProber
	router *gin.Engine
}

func newEnv(t *testing.T) *env {
	t.Helper()
	gin.SetMode(gin.TestMode)

	s := store.NewMemoryStore()
	tokens := auth.NewManager(s, 0)
	prober := &stubProber{fingerprint: "SHA256:hostkey-one"}
	manager := sessions.NewManager(sessions.Options{
		Store:     s,
		Registry:  sessions.NewRegistry(),
		Tokens:    tokens,
		MasterKey: testMasterKey,
	})

	h := NewHandlers(s, prober, manager, testMasterKey, 0)
	r := gin.New()
	api := r.Group("/api/v1", auth.Middleware(tokens), auth.RequireAuth())
	h.Register(api)

	return &env{store: s, tokens: tokens, prober: prober, router: r}
}

func (e *env) account(t *testing.T) (*store.Account, string) {
	t.Helper()
	res, err := e.store.ResolveOrCreateAccount(context.Background(), &store.Keypair{
		Fingerprint: "SHA256:" + t.Name(),
	}, "operator")
	require.NoError(t, err)
	token, _, err := e.tokens.Issue(context.Background(), res.Account.ID, auth.IssueOptions{})
	require.NoError(t, err)
	return res.Account, token
}

func (e *env) do(t *testing.T, method, path, token string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	e.router.ServeHTTP(w, req)
	return w
}

func (e *env) create(t *testing.T, token, host string) *store.Connection {
	t.Helper()
	w := e.do(t, "POST", "/api/v1/connections", token, gin.H{
		"host": host, "username": "deploy",
	})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	var resp struct {
		Data store.Connection `json:"data"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	return &resp.Data
}

func TestCreateDefaultsAndNormalizes(t *testing.T) {
	e := newEnv(t)
	_, token := e.account(t)

	w := e.do(t, "POST", "/api/v1/connections", token, gin.H{
		"host": " Box.Example.COM ", "username": "deploy", "label": "prod box",
	})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	var resp struct {
		Data           store.Connection `json:"data"`
		InstallCommand string           `json:"install_command"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "box.example.com", resp.Data.Host)
	assert.Equal(t, 22, resp.Data.Port)
	assert.Equal(t, "prod box", resp.Data.Label)
	assert.Contains(t, resp.InstallCommand, "authorized_keys")
}

func TestCreateValidation(t *testing.T) {
	e := newEnv(t)
	_, token := e.account(t)

	cases := []gin.H{
		{"host": "box.example.com", "username": "Root!"},
		{"host": "not a host", "username": "deploy"},
		{"host": "box.example.com", "username": "deploy", "port": 70000},
	}
	for _, body := range cases {
		w := e.do(t, "POST", "/api/v1/connections", token, body)
		assert.Equal(t, http.StatusBadRequest, w.Code, w.Body.String())
		assert.Contains(t, w.Body.String(), "validation_error")
	}
}

func TestCreateDuplicate(t *testing.T) {
	e := newEnv(t)
	_, token := e.account(t)

	e.create(t, token, "box.example.com")
	w := e.do(t, "POST", "/api/v1/connections", token, gin.H{
		"host": "box.example.com", "username": "deploy",
	})
	assert.Equal(t, http.StatusConflict, w.Code)
}

func TestListScopedToAccount(t *testing.T) {
	e := newEnv(t)
	_, tokenA := e.account(t)
	e.create(t, tokenA, "a.example.com")
	e.create(t, tokenA, "b.example.com")

	res, err := e.store.ResolveOrCreateAccount(context.Background(), &store.Keypair{
		Fingerprint: "SHA256:other",
	}, "other")
	require.NoError(t, err)
	tokenB, _, err := e.tokens.Issue(context.Background(), res.Account.ID, auth.IssueOptions{})
	require.NoError(t, err)

	w := e.do(t, "GET", "/api/v1/connections", tokenA, nil)
	require.Equal(t, http.StatusOK, w.Code)
	var resp struct {
		Data []*store.Connection `json:"data"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Len(t, resp.Data, 2)

	w = e.do(t, "GET", "/api/v1/connections", tokenB, nil)
	require.Equal(t, http.StatusOK, w.Code)
	resp.Data = nil
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Empty(t, resp.Data)
}

func TestGetSingleConnection(t *testing.T) {
	e := newEnv(t)
	_, token := e.account(t)
	conn := e.create(t, token, "box.example.com")

	w := e.do(t, "GET", "/api/v1/connections/"+conn.ID, token, nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var resp struct {
		Data store.Connection `json:"data"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, conn.ID, resp.Data.ID)
	assert.Equal(t, "box.example.com", resp.Data.Host)

	w = e.do(t, "GET", "/api/v1/connections/nope", token, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestGetForeignConnection(t *testing.T) {
	e := newEnv(t)
	_, token := e.account(t)

	other, err := e.store.ResolveOrCreateAccount(context.Background(), &store.Keypair{
		Fingerprint: "SHA256:other-get",
	}, "other")
	require.NoError(t, err)
	conn := &store.Connection{
		AccountID: other.Account.ID,
		KeypairID: other.Key.ID,
		Host:      "other.example.com",
		Port:      22,
		Username:  "deploy",
	}
	require.NoError(t, e.store.CreateConnection(context.Background(), conn))

	w := e.do(t, "GET", "/api/v1/connections/"+conn.ID, token, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestUpdateLabel(t *testing.T) {
	e := newEnv(t)
	_, token := e.account(t)
	conn := e.create(t, token, "box.example.com")

	w := e.do(t, "PATCH", "/api/v1/connections/"+conn.ID, token, gin.H{"label": "staging"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	got, err := e.store.GetConnection(context.Background(), conn.ID)
	require.NoError(t, err)
	assert.Equal(t, "staging", got.Label)
}

func TestUpdateUnknown(t *testing.T) {
	e := newEnv(t)
	_, token := e.account(t)

	w := e.do(t, "PATCH", "/api/v1/connections/nope", token, gin.H{"label": "x"})
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestDelete(t *testing.T) {
	e := newEnv(t)
	_, token := e.account(t)
	conn := e.create(t, token, "box.example.com")

	w := e.do(t, "DELETE", "/api/v1/connections/"+conn.ID, token, nil)
	require.Equal(t, http.StatusOK, w.Code)

	w = e.do(t, "DELETE", "/api/v1/connections/"+conn.ID, token, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestProbePinsHostKeyOnFirstSuccess(t *testing.T) {
	e := newEnv(t)
	_, token := e.account(t)
	conn := e.create(t, token, "box.example.com")

	w := e.do(t, "POST", "/api/v1/connections/"+conn.ID+"/test", token, nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Contains(t, w.Body.String(), `"result":"ok"`)

	got, err := e.store.GetConnection(context.Background(), conn.ID)
	require.NoError(t, err)
	assert.Equal(t, store.TestResultOK, got.LastTestResult)
	assert.Equal(t, "SHA256:hostkey-one", got.HostKeyFingerprint)
	require.NotNil(t, got.LastTestAt)
}

func TestHostKeyRotationRequiresAcceptance(t *testing.T) {
	e := newEnv(t)
	_, token := e.account(t)
	conn := e.create(t, token, "box.example.com")

	// First probe pins key one, then the host rotates its key.
	w := e.do(t, "POST", "/api/v1/connections/"+conn.ID+"/test", token, nil)
	require.Equal(t, http.StatusOK, w.Code)
	e.prober.fingerprint = "SHA256:hostkey-two"

	w = e.do(t, "POST", "/api/v1/connections/"+conn.ID+"/test", token, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"result":"host_key_changed"`)

	// The old pin survives an unaccepted mismatch.
	got, err := e.store.GetConnection(context.Background(), conn.ID)
	require.NoError(t, err)
	assert.Equal(t, store.TestResultHostKeyChanged, got.LastTestResult)
	assert.Equal(t, "SHA256:hostkey-one", got.HostKeyFingerprint)

	// Explicit acceptance rotates the pin.
	w = e.do(t, "POST", "/api/v1/connections/"+conn.ID+"/test", token, gin.H{"accept_host_key": true})
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"result":"ok"`)

	got, err = e.store.GetConnection(context.Background(), conn.ID)
	require.NoError(t, err)
	assert.Equal(t, "SHA256:hostkey-two", got.HostKeyFingerprint)
}

func TestProbeWithRevokedKey(t *testing.T) {
	e := newEnv(t)
	acct, token := e.account(t)
	ctx := context.Background()
	conn := e.create(t, token, "box.example.com")

	// A replacement key lets the original be revoked out from under the
	// connection.
	require.NoError(t, e.store.AddKey(ctx, &store.Keypair{
		AccountID:   acct.ID,
		Fingerprint: "SHA256:replacement",
	}))
	require.NoError(t, e.store.RemoveKey(ctx, acct.ID, conn.KeypairID))

	w := e.do(t, "POST", "/api/v1/connections/"+conn.ID+"/test", token, nil)
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Contains(t, w.Body.String(), "keypair_revoked")
}

func TestProbeForeignConnection(t *testing.T) {
	e := newEnv(t)
	_, token := e.account(t)

	other, err := e.store.ResolveOrCreateAccount(context.Background(), &store.Keypair{
		Fingerprint: "SHA256:other",
	}, "other")
	require.NoError(t, err)
	conn := &store.Connection{
		AccountID: other.Account.ID,
		KeypairID: other.Key.ID,
		Host:      "other.example.com",
		Port:      22,
		Username:  "deploy",
	}
	require.NoError(t, e.store.CreateConnection(context.Background(), conn))

	w := e.do(t, "POST", "/api/v1/connections/"+conn.ID+"/test", token, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}
