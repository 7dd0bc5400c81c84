// Package audit serves the account's audit trail. Entries are written by the
// other components; this package only reads them, newest first.
package audit

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/clawdfather/clawdfather/internal/auth"
	"github.com/clawdfather/clawdfather/internal/httpapi"
	"github.com/clawdfather/clawdfather/internal/pagination"
	"github.com/clawdfather/clawdfather/internal/store"
)

const (
	defaultLimit = 50
	maxLimit     = 100
)

// Handlers serves the audit listing.
type Handlers struct {
	store store.Store
}

// NewHandlers wires the audit routes.
func NewHandlers(s store.Store) *Handlers {
	return &Handlers{store: s}
}

// Register mounts the audit routes on an authenticated group.
func (h *Handlers) Register(r gin.IRouter) {
	r.GET("/audit", h.List)
}

// List returns one page of the caller's audit entries, filtered by action
// and paginated by the opaque before cursor.
func (h *Handlers) List(c *gin.Context) {
	acct := auth.AccountFrom(c)

	limit := defaultLimit
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			httpapi.Error(c, http.StatusBadRequest, httpapi.CodeValidation, "invalid limit")
			return
		}
		limit = n
	}
	if limit > maxLimit {
		limit = maxLimit
	}

	cursor, err := pagination.Decode(c.Query("before"))
	if err != nil {
		httpapi.Error(c, http.StatusBadRequest, httpapi.CodeValidation, "invalid before cursor")
		return
	}

	q := store.AuditQuery{
		AccountID: acct.ID,
		Action:    c.Query("action"),
		Limit:     limit + 1, // one extra row decides has_more
	}
	if cursor != nil {
		before := cursor.CreatedAt
		q.Before = &before
	}

	entries, err := h.store.ListAudit(c.Request.Context(), q)
	if err != nil {
		httpapi.Error(c, http.StatusInternalServerError, httpapi.CodeInternal, "audit listing failed")
		return
	}

	page, next, more := pagination.Page(entries, limit, func(e *store.AuditEntry) (time.Time, string) {
		return e.CreatedAt, e.ID
	})
	if page == nil {
		page = []*store.AuditEntry{}
	}
	c.JSON(http.StatusOK, gin.H{
		"entries":     page,
		"has_more":    more,
		"next_before": next,
	})
}
