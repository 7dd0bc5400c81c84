package sessions

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/clawdfather/clawdfather/internal/auth"
	"github.com/clawdfather/clawdfather/internal/httpapi"
	"github.com/clawdfather/clawdfather/internal/store"
)

// Handlers serves the session lifecycle endpoints.
type Handlers struct {
	manager *Manager
	store   store.Store
}

// NewHandlers wires the session endpoints.
func NewHandlers(m *Manager, s store.Store) *Handlers {
	return &Handlers{manager: m, store: s}
}

// Register mounts the routes under the authenticated API group.
func (h *Handlers) Register(r gin.IRouter) {
	r.POST("/sessions/bootstrap", h.Bootstrap)
	r.POST("/sessions/bootstrap/:connId/confirm", h.Confirm)
	r.GET("/sessions", h.List)
	r.DELETE("/sessions/:id", h.Terminate)
}

type bootstrapRequest struct {
	Host     string `json:"host"`
	Username string `json:"username"`
	Port     int    `json:"port"`
}

// Bootstrap resolves a target to a connection and tells the client whether
// key installation is still needed.
func (h *Handlers) Bootstrap(c *gin.Context) {
	var req bootstrapRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		httpapi.Error(c, http.StatusBadRequest, httpapi.CodeValidation, "invalid request body")
		return
	}

	acct := auth.AccountFrom(c)
	res, err := h.manager.Bootstrap(c.Request.Context(), acct.ID, req.Host, req.Username, req.Port)
	if err != nil {
		if errors.Is(err, ErrInvalidInput) {
			httpapi.Error(c, http.StatusBadRequest, httpapi.CodeValidation, err.Error())
			return
		}
		httpapi.Error(c, http.StatusInternalServerError, httpapi.CodeInternal, "bootstrap failed")
		return
	}
	c.JSON(http.StatusOK, res)
}

// Confirm opens the session. Error codes mirror the precondition order.
func (h *Handlers) Confirm(c *gin.Context) {
	acct := auth.AccountFrom(c)
	res, err := h.manager.Confirm(c.Request.Context(), acct.ID, c.Param("connId"))
	if err == nil {
		c.JSON(http.StatusCreated, res)
		return
	}

	var probeErr *ProbeFailedError
	switch {
	case errors.Is(err, store.ErrNotFound):
		httpapi.Error(c, http.StatusNotFound, httpapi.CodeNotFound, "connection not found")
	case errors.Is(err, ErrKeypairRevoked):
		httpapi.Error(c, http.StatusConflict, httpapi.CodeKeypairRevoked, "the connection's keypair is revoked")
	case errors.Is(err, ErrInsufficientCredits):
		httpapi.Error(c, http.StatusConflict, httpapi.CodeInsufficientCredits, "credit balance is empty")
	case errors.Is(err, ErrSessionLimit):
		httpapi.Error(c, http.StatusConflict, httpapi.CodeSessionLimitReached, "too many concurrent sessions")
	case errors.As(err, &probeErr):
		httpapi.Error(c, http.StatusBadGateway, httpapi.CodeSSHConnectFailed, probeErr.Result.Message)
	case errors.Is(err, ErrLaunchFailed):
		httpapi.Error(c, http.StatusBadGateway, httpapi.CodeSSHLaunchFailed, "could not start the session")
	default:
		httpapi.Error(c, http.StatusInternalServerError, httpapi.CodeInternal, "confirm failed")
	}
}

// List returns the caller's leases annotated with runtime liveness.
func (h *Handlers) List(c *gin.Context) {
	acct := auth.AccountFrom(c)
	leases, err := h.store.ListLeases(c.Request.Context(), acct.ID, 50)
	if err != nil {
		httpapi.Error(c, http.StatusInternalServerError, httpapi.CodeInternal, "list failed")
		return
	}

	type item struct {
		*store.SessionLease
		Live bool `json:"live"`
	}
	out := make([]item, 0, len(leases))
	for _, l := range leases {
		_, live := h.manager.Registry().Get(l.ID)
		out = append(out, item{SessionLease: l, Live: live})
	}
	c.JSON(http.StatusOK, gin.H{"sessions": out})
}

// Terminate ends a session on user request.
func (h *Handlers) Terminate(c *gin.Context) {
	acct := auth.AccountFrom(c)
	id := c.Param("id")

	lease, err := h.store.GetLease(c.Request.Context(), id)
	if err != nil || lease.AccountID != acct.ID {
		httpapi.Error(c, http.StatusNotFound, httpapi.CodeNotFound, "session not found")
		return
	}
	if err := h.manager.Terminate(c.Request.Context(), id, store.ReasonUserTerminate); err != nil {
		httpapi.Error(c, http.StatusInternalServerError, httpapi.CodeInternal, "terminate failed")
		return
	}
	c.JSON(http.StatusOK, gin.H{"terminated": true})
}
