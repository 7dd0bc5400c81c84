// Package validation provides input validation helpers for the Clawdfather API.
package validation

import (
	"net"
	"net/http"
	"regexp"
	"strings"

	"github.com/gin-gonic/gin"
)

// MaxRequestSize is the maximum request body size (1MB)
const MaxRequestSize = 1 << 20 // 1MB

// MaxLabelLength bounds user-supplied labels.
const MaxLabelLength = 120

var (
	// usernameRegex matches POSIX-style remote usernames.
	usernameRegex = regexp.MustCompile(`^[a-z_][a-z0-9_-]{0,31}$`)
	// hostnameRegex matches DNS labels joined by dots.
	hostnameRegex = regexp.MustCompile(`^([a-zA-Z0-9]([a-zA-Z0-9-]{0,61}[a-zA-Z0-9])?\.)*[a-zA-Z0-9]([a-zA-Z0-9-]{0,61}[a-zA-Z0-9])?$`)
)

// RequestSizeMiddleware limits request body size
func RequestSizeMiddleware(maxSize int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxSize)
		c.Next()
	}
}

// IsValidUsername checks a remote SSH username.
func IsValidUsername(u string) bool {
	return usernameRegex.MatchString(u)
}

// IsValidHost accepts a hostname or a literal IP address.
func IsValidHost(h string) bool {
	if h == "" || len(h) > 253 {
		return false
	}
	if net.ParseIP(h) != nil {
		return true
	}
	return hostnameRegex.MatchString(h)
}

// IsValidPort checks a TCP port number.
func IsValidPort(p int) bool {
	return p >= 1 && p <= 65535
}

// SanitizeLabel trims and bounds a user-supplied label.
func SanitizeLabel(s string) string {
	s = strings.ReplaceAll(s, "\x00", "")
	s = strings.TrimSpace(s)
	if len(s) > MaxLabelLength {
		s = s[:MaxLabelLength]
	}
	return s
}
