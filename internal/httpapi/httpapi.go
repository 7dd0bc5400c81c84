// Package httpapi defines the JSON envelope shared by all API handlers.
// Success bodies are plain objects; errors are {"error": {"code", "message"}}.
package httpapi

import "github.com/gin-gonic/gin"

// Error codes the API emits. Handlers pick from this list so clients can
// switch on stable strings.
const (
	CodeUnauthorized        = "unauthorized"
	CodeValidation          = "validation_error"
	CodeNotFound            = "not_found"
	CodeRateLimited         = "rate_limited"
	CodeInvalidState        = "invalid_state"
	CodeInvalidCode         = "invalid_code"
	CodeLastKey             = "last_key"
	CodeKeypairRevoked      = "keypair_revoked"
	CodeSSHConnectFailed    = "ssh_connect_failed"
	CodeSSHLaunchFailed     = "ssh_launch_failed"
	CodeSessionLimitReached = "session_limit_reached"
	CodeInsufficientCredits = "insufficient_credits"
	CodeGithubUnavailable   = "github_unavailable"
	CodeInternal            = "internal_error"
)

// Error writes the standard error envelope and aborts the request.
func Error(c *gin.Context, status int, code, message string) {
	c.AbortWithStatusJSON(status, gin.H{
		"error": gin.H{"code": code, "message": message},
	})
}
