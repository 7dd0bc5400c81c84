// Package keys exposes keypair management. Private keys never leave the
// server; clients see only public keys, fingerprints, and the install
// command.
package keys

import (
	"context"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/clawdfather/clawdfather/internal/auth"
	"github.com/clawdfather/clawdfather/internal/cryptoutil"
	"github.com/clawdfather/clawdfather/internal/httpapi"
	"github.com/clawdfather/clawdfather/internal/logging"
	"github.com/clawdfather/clawdfather/internal/sessions"
	"github.com/clawdfather/clawdfather/internal/store"
	"github.com/clawdfather/clawdfather/internal/validation"
)

// Terminator ends live sessions. Implemented by sessions.Manager; revoking a
// key must also kill sessions that authenticated with it.
type Terminator interface {
	Terminate(ctx context.Context, sessionID, reason string) error
	Registry() *sessions.Registry
}

// Handlers serves the keypair routes.
type Handlers struct {
	store     store.Store
	sessions  Terminator
	masterKey []byte
}

// NewHandlers wires the key routes.
func NewHandlers(s store.Store, t Terminator, masterKey []byte) *Handlers {
	return &Handlers{store: s, sessions: t, masterKey: masterKey}
}

// Register mounts the key routes on an authenticated group.
func (h *Handlers) Register(r gin.IRouter) {
	r.GET("/keys", h.List)
	r.POST("/keys", h.Create)
	r.DELETE("/keys/:id", h.Delete)
	r.GET("/keys/:id/install-command", h.InstallCommand)
}

// List returns all of the caller's keypairs, revoked ones included.
func (h *Handlers) List(c *gin.Context) {
	acct := auth.AccountFrom(c)
	list, err := h.store.ListKeys(c.Request.Context(), acct.ID)
	if err != nil {
		httpapi.Error(c, http.StatusInternalServerError, httpapi.CodeInternal, "key listing failed")
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": list})
}

type createRequest struct {
	Label string `json:"label"`
}

// Create generates a fresh ed25519 keypair, seals the private half under the
// account KEK, and stores it.
func (h *Handlers) Create(c *gin.Context) {
	acct := auth.AccountFrom(c)
	ctx := c.Request.Context()

	var req createRequest
	_ = c.ShouldBindJSON(&req) // body is optional
	label := validation.SanitizeLabel(req.Label)
	if label == "" {
		label = "default"
	}

	kp, err := cryptoutil.GenerateKeypair("clawdfather")
	if err != nil {
		httpapi.Error(c, http.StatusInternalServerError, httpapi.CodeInternal, "key generation failed")
		return
	}
	kek, err := cryptoutil.DeriveKEK(h.masterKey, acct.ID)
	if err != nil {
		httpapi.Error(c, http.StatusInternalServerError, httpapi.CodeInternal, "key generation failed")
		return
	}
	cipher, err := cryptoutil.Seal(kek, kp.PrivatePEM)
	if err != nil {
		httpapi.Error(c, http.StatusInternalServerError, httpapi.CodeInternal, "key generation failed")
		return
	}

	key := &store.Keypair{
		AccountID:        acct.ID,
		Label:            label,
		Algorithm:        "ed25519",
		PublicKey:        kp.PublicLine,
		Fingerprint:      kp.Fingerprint,
		PrivateKeyCipher: cipher,
	}
	if err := h.store.AddKey(ctx, key); err != nil {
		httpapi.Error(c, http.StatusInternalServerError, httpapi.CodeInternal, "key creation failed")
		return
	}

	logging.L(ctx).Info("keypair created", "account_id", acct.ID, "key_id", key.ID)
	c.JSON(http.StatusCreated, gin.H{
		"data":            key,
		"install_command": cryptoutil.InstallCommand(key.PublicKey),
	})
}

// Delete revokes a keypair. The account's last active key cannot be removed.
// Live sessions that authenticated with the key are terminated.
func (h *Handlers) Delete(c *gin.Context) {
	acct := auth.AccountFrom(c)
	ctx := c.Request.Context()
	keyID := c.Param("id")

	if err := h.store.RemoveKey(ctx, acct.ID, keyID); err != nil {
		switch {
		case errors.Is(err, store.ErrLastKey):
			httpapi.Error(c, http.StatusConflict, httpapi.CodeLastKey,
				"cannot remove the last active key")
		case errors.Is(err, store.ErrNotFound):
			httpapi.Error(c, http.StatusNotFound, httpapi.CodeNotFound, "key not found")
		default:
			httpapi.Error(c, http.StatusInternalServerError, httpapi.CodeInternal, "key removal failed")
		}
		return
	}

	n := h.terminateSessionsUsingKey(ctx, keyID)
	logging.L(ctx).Info("keypair revoked",
		"account_id", acct.ID, "key_id", keyID, "sessions_terminated", n)
	c.JSON(http.StatusOK, gin.H{"revoked": true, "sessions_terminated": n})
}

// terminateSessionsUsingKey ends every live session whose connection used the
// revoked key.
func (h *Handlers) terminateSessionsUsingKey(ctx context.Context, keyID string) int {
	n := 0
	for _, live := range h.sessions.Registry().List() {
		conn, err := h.store.GetConnection(ctx, live.ConnectionID)
		if err != nil || conn.KeypairID != keyID {
			continue
		}
		if err := h.sessions.Terminate(ctx, live.ID, store.ReasonKeyRevoked); err == nil {
			n++
		}
	}
	return n
}

// InstallCommand returns the one-line shell snippet that authorizes the key
// on a remote host.
func (h *Handlers) InstallCommand(c *gin.Context) {
	acct := auth.AccountFrom(c)

	key, err := h.store.GetKey(c.Request.Context(), c.Param("id"))
	if err != nil || key.AccountID != acct.ID {
		httpapi.Error(c, http.StatusNotFound, httpapi.CodeNotFound, "key not found")
		return
	}
	c.JSON(http.StatusOK, gin.H{"command": cryptoutil.InstallCommand(key.PublicKey)})
}
