package auth

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/clawdfather/clawdfather/internal/httpapi"
)

// Handlers serves the account-facing auth endpoints.
type Handlers struct {
	manager *Manager
	oauth   *OAuthHandler
}

// NewHandlers wires the auth endpoints.
func NewHandlers(m *Manager, oauth *OAuthHandler) *Handlers {
	return &Handlers{manager: m, oauth: oauth}
}

// Register mounts the routes. rateLimited guards the OAuth start endpoint.
func (h *Handlers) Register(r gin.IRouter, rateLimited gin.HandlerFunc) {
	r.POST("/auth/oauth/github/start", rateLimited, h.oauth.Start)
	r.GET("/auth/oauth/github/callback", h.oauth.Callback)
	r.GET("/auth/me", RequireAuth(), h.Me)
	r.DELETE("/auth/session", RequireAuth(), h.Logout)
}

// Me returns the caller's profile and linked providers.
func (h *Handlers) Me(c *gin.Context) {
	acct := AccountFrom(c)
	idents, err := h.manager.store.ListOAuthIdentities(c.Request.Context(), acct.ID)
	if err != nil {
		httpapi.Error(c, http.StatusInternalServerError, httpapi.CodeInternal, "profile lookup failed")
		return
	}
	providers := make([]gin.H, 0, len(idents))
	for _, i := range idents {
		providers = append(providers, gin.H{
			"provider": i.Provider,
			"username": i.Username,
		})
	}
	c.JSON(http.StatusOK, gin.H{
		"account":   acct,
		"providers": providers,
	})
}

// Logout revokes the caller's token and clears the cookie.
func (h *Handlers) Logout(c *gin.Context) {
	rec := TokenRecordFrom(c)
	if err := h.manager.Revoke(c.Request.Context(), rec.ID); err != nil {
		httpapi.Error(c, http.StatusInternalServerError, httpapi.CodeInternal, "logout failed")
		return
	}
	c.SetCookie(CookieName, "", -1, "/", "", true, true)
	c.JSON(http.StatusOK, gin.H{"revoked": true})
}
