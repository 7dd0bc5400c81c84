package auth

import (
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/clawdfather/clawdfather/internal/httpapi"
	"github.com/clawdfather/clawdfather/internal/store"
)

const (
	// ContextKeyAccount is the gin context key for the resolved account.
	ContextKeyAccount = "authAccount"
	// ContextKeyTokenRecord is the gin context key for the token row.
	ContextKeyTokenRecord = "authTokenRecord"

	// CookieName is the browser-side token cookie.
	CookieName = "session_token"
)

// TokenFromRequest extracts the bearer token from the Authorization header
// or the session cookie. Empty string when absent.
func TokenFromRequest(c *gin.Context) string {
	if h := c.GetHeader("Authorization"); h != "" {
		return strings.TrimSpace(strings.TrimPrefix(h, "Bearer "))
	}
	if tok, err := c.Cookie(CookieName); err == nil {
		return strings.TrimSpace(tok)
	}
	return ""
}

// Middleware resolves the request's token if one is present. It never
// rejects; RequireAuth does that.
func Middleware(m *Manager) gin.HandlerFunc {
	return func(c *gin.Context) {
		if tok := TokenFromRequest(c); tok != "" {
			acct, rec, err := m.Resolve(c.Request.Context(), tok, time.Now())
			if err == nil {
				c.Set(ContextKeyAccount, acct)
				c.Set(ContextKeyTokenRecord, rec)
			}
		}
		c.Next()
	}
}

// RequireAuth rejects requests that did not resolve to an account.
func RequireAuth() gin.HandlerFunc {
	return func(c *gin.Context) {
		if _, ok := c.Get(ContextKeyAccount); !ok {
			httpapi.Error(c, http.StatusUnauthorized, httpapi.CodeUnauthorized,
				"valid bearer token required")
			return
		}
		c.Next()
	}
}

// AccountFrom returns the authenticated account, or nil.
func AccountFrom(c *gin.Context) *store.Account {
	if v, ok := c.Get(ContextKeyAccount); ok {
		if acct, ok := v.(*store.Account); ok {
			return acct
		}
	}
	return nil
}

// TokenRecordFrom returns the token row backing the request, or nil.
func TokenRecordFrom(c *gin.Context) *store.AppSession {
	if v, ok := c.Get(ContextKeyTokenRecord); ok {
		if rec, ok := v.(*store.AppSession); ok {
			return rec
		}
	}
	return nil
}
