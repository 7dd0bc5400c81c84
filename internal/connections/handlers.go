// Package connections exposes CRUD for saved SSH targets and the on-demand
// connection test. A connection pins the first host key it sees; the pin
// rotates only when the caller explicitly accepts the new key.
package connections

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/clawdfather/clawdfather/internal/auth"
	"github.com/clawdfather/clawdfather/internal/cryptoutil"
	"github.com/clawdfather/clawdfather/internal/httpapi"
	"github.com/clawdfather/clawdfather/internal/logging"
	"github.com/clawdfather/clawdfather/internal/metrics"
	"github.com/clawdfather/clawdfather/internal/sshprober"
	"github.com/clawdfather/clawdfather/internal/store"
	"github.com/clawdfather/clawdfather/internal/validation"
)

// Prober runs connection tests. Implemented by sshprober.Prober.
type Prober interface {
	Probe(ctx context.Context, target sshprober.Target) (*sshprober.Result, error)
}

// KeypairSource lazily provisions the account keypair. Implemented by
// sessions.Manager.
type KeypairSource interface {
	EnsureKeypair(ctx context.Context, accountID string) (*store.Keypair, error)
}

// Handlers serves the connection routes.
type Handlers struct {
	store     store.Store
	prober    Prober
	keys      KeypairSource
	masterKey []byte
	sshPort   int
}

// NewHandlers wires the connection routes. defaultPort 0 means 22.
func NewHandlers(s store.Store, p Prober, keys KeypairSource, masterKey []byte, defaultPort int) *Handlers {
	if defaultPort == 0 {
		defaultPort = 22
	}
	return &Handlers{store: s, prober: p, keys: keys, masterKey: masterKey, sshPort: defaultPort}
}

// Register mounts the connection routes on an authenticated group.
func (h *Handlers) Register(r gin.IRouter) {
	r.GET("/connections", h.List)
	r.POST("/connections", h.Create)
	r.GET("/connections/:id", h.Get)
	r.PATCH("/connections/:id", h.Update)
	r.DELETE("/connections/:id", h.Delete)
	r.POST("/connections/:id/test", h.Test)
}

// List returns the caller's saved connections.
func (h *Handlers) List(c *gin.Context) {
	acct := auth.AccountFrom(c)
	list, err := h.store.ListConnections(c.Request.Context(), acct.ID)
	if err != nil {
		httpapi.Error(c, http.StatusInternalServerError, httpapi.CodeInternal, "connection listing failed")
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": list})
}

// Get returns one saved connection owned by the caller.
func (h *Handlers) Get(c *gin.Context) {
	acct := auth.AccountFrom(c)

	conn, err := h.store.GetConnection(c.Request.Context(), c.Param("id"))
	if err != nil || conn.AccountID != acct.ID {
		httpapi.Error(c, http.StatusNotFound, httpapi.CodeNotFound, "connection not found")
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": conn})
}

type createRequest struct {
	Host     string `json:"host"`
	Username string `json:"username"`
	Port     int    `json:"port"`
	Label    string `json:"label"`
}

// Create saves a new target. The account keypair is provisioned on first use
// so a fresh OAuth account can save a connection straight away.
func (h *Handlers) Create(c *gin.Context) {
	acct := auth.AccountFrom(c)
	ctx := c.Request.Context()

	var req createRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		httpapi.Error(c, http.StatusBadRequest, httpapi.CodeValidation, "malformed body")
		return
	}
	if req.Port == 0 {
		req.Port = h.sshPort
	}
	req.Host = strings.ToLower(strings.TrimSpace(req.Host))
	if !validation.IsValidUsername(req.Username) {
		httpapi.Error(c, http.StatusBadRequest, httpapi.CodeValidation, "invalid username")
		return
	}
	if !validation.IsValidHost(req.Host) {
		httpapi.Error(c, http.StatusBadRequest, httpapi.CodeValidation, "invalid host")
		return
	}
	if !validation.IsValidPort(req.Port) {
		httpapi.Error(c, http.StatusBadRequest, httpapi.CodeValidation, "invalid port")
		return
	}

	key, err := h.keys.EnsureKeypair(ctx, acct.ID)
	if err != nil {
		httpapi.Error(c, http.StatusInternalServerError, httpapi.CodeInternal, "keypair provisioning failed")
		return
	}

	conn := &store.Connection{
		AccountID: acct.ID,
		KeypairID: key.ID,
		Host:      req.Host,
		Port:      req.Port,
		Username:  req.Username,
		Label:     validation.SanitizeLabel(req.Label),
	}
	if err := h.store.CreateConnection(ctx, conn); err != nil {
		if errors.Is(err, store.ErrDuplicateConnection) {
			httpapi.Error(c, http.StatusConflict, httpapi.CodeValidation,
				"a connection for this target already exists")
			return
		}
		httpapi.Error(c, http.StatusInternalServerError, httpapi.CodeInternal, "connection creation failed")
		return
	}

	logging.L(ctx).Info("connection created",
		"account_id", acct.ID, "connection_id", conn.ID, "host", conn.Host)
	c.JSON(http.StatusCreated, gin.H{
		"data":            conn,
		"install_command": cryptoutil.InstallCommand(key.PublicKey),
	})
}

type updateRequest struct {
	Label *string `json:"label"`
}

// Update patches mutable fields. Only the label is mutable; targets are
// identity, not state.
func (h *Handlers) Update(c *gin.Context) {
	acct := auth.AccountFrom(c)
	ctx := c.Request.Context()

	conn, err := h.store.GetConnection(ctx, c.Param("id"))
	if err != nil || conn.AccountID != acct.ID {
		httpapi.Error(c, http.StatusNotFound, httpapi.CodeNotFound, "connection not found")
		return
	}

	var req updateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		httpapi.Error(c, http.StatusBadRequest, httpapi.CodeValidation, "malformed body")
		return
	}
	if req.Label != nil {
		conn.Label = validation.SanitizeLabel(*req.Label)
	}
	if err := h.store.UpdateConnection(ctx, conn); err != nil {
		httpapi.Error(c, http.StatusInternalServerError, httpapi.CodeInternal, "connection update failed")
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": conn})
}

// Delete removes a saved target. Any running session keeps its control
// master; only the saved record goes away.
func (h *Handlers) Delete(c *gin.Context) {
	acct := auth.AccountFrom(c)

	if err := h.store.DeleteConnection(c.Request.Context(), acct.ID, c.Param("id")); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			httpapi.Error(c, http.StatusNotFound, httpapi.CodeNotFound, "connection not found")
			return
		}
		httpapi.Error(c, http.StatusInternalServerError, httpapi.CodeInternal, "connection delete failed")
		return
	}
	c.JSON(http.StatusOK, gin.H{"deleted": true})
}

type testRequest struct {
	AcceptHostKey bool `json:"accept_host_key"`
}

// Test probes the target with the account key and persists the outcome. With
// accept_host_key the pinned fingerprint is ignored for this probe and the
// observed key becomes the new pin on success.
func (h *Handlers) Test(c *gin.Context) {
	acct := auth.AccountFrom(c)
	ctx := c.Request.Context()

	conn, err := h.store.GetConnection(ctx, c.Param("id"))
	if err != nil || conn.AccountID != acct.ID {
		httpapi.Error(c, http.StatusNotFound, httpapi.CodeNotFound, "connection not found")
		return
	}

	var req testRequest
	_ = c.ShouldBindJSON(&req) // body is optional

	key, err := h.store.GetKey(ctx, conn.KeypairID)
	if err != nil {
		httpapi.Error(c, http.StatusNotFound, httpapi.CodeNotFound, "keypair not found")
		return
	}
	if !key.Active {
		httpapi.Error(c, http.StatusConflict, httpapi.CodeKeypairRevoked, "keypair has been revoked")
		return
	}

	kek, err := cryptoutil.DeriveKEK(h.masterKey, acct.ID)
	if err != nil {
		httpapi.Error(c, http.StatusInternalServerError, httpapi.CodeInternal, "key unseal failed")
		return
	}
	privatePEM, err := cryptoutil.Open(kek, key.PrivateKeyCipher)
	if err != nil {
		httpapi.Error(c, http.StatusInternalServerError, httpapi.CodeInternal, "key unseal failed")
		return
	}

	pin := conn.HostKeyFingerprint
	if req.AcceptHostKey {
		pin = ""
	}
	res, err := h.prober.Probe(ctx, sshprober.Target{
		Host:              conn.Host,
		Port:              conn.Port,
		Username:          conn.Username,
		PrivatePEM:        privatePEM,
		PinnedFingerprint: pin,
	})
	if err != nil {
		httpapi.Error(c, http.StatusInternalServerError, httpapi.CodeInternal, "probe failed")
		return
	}
	metrics.ConnectionTestsTotal.WithLabelValues(res.Outcome).Inc()

	fingerprint := ""
	if res.Outcome == sshprober.OutcomeOK {
		fingerprint = res.NewFingerprint
	}
	if err := h.store.SetConnectionTestResult(ctx, conn.ID, res.Outcome, fingerprint, time.Now()); err != nil {
		httpapi.Error(c, http.StatusInternalServerError, httpapi.CodeInternal, "result persistence failed")
		return
	}

	logging.L(ctx).Info("connection tested",
		"connection_id", conn.ID, "outcome", res.Outcome, "latency_ms", res.LatencyMs)
	c.JSON(http.StatusOK, res)
}
