// Package ratelimit provides per-IP rate limiting middleware for the
// Clawdfather API.
package ratelimit

import (
	"math"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
)

// Config configures rate limiting
type Config struct {
	// Requests is the max requests per key per Window.
	Requests int
	// Window is the refill horizon.
	Window time.Duration
	// CleanupInterval is how often to clean old entries
	CleanupInterval time.Duration
}

// DefaultConfig guards the OAuth start endpoint: 10 requests per minute per IP.
func DefaultConfig() Config {
	return Config{
		Requests:        10,
		Window:          time.Minute,
		CleanupInterval: time.Minute,
	}
}

// Limiter tracks token buckets by key
type Limiter struct {
	cfg     Config
	mu      sync.Mutex
	clients map[string]*clientState
	stop    chan struct{}
}

type clientState struct {
	tokens    float64
	lastCheck time.Time
}

// New creates a new rate limiter
func New(cfg Config) *Limiter {
	l := &Limiter{
		cfg:     cfg,
		clients: make(map[string]*clientState),
		stop:    make(chan struct{}),
	}
	go l.cleanup()
	return l
}

// cleanup removes stale entries periodically
func (l *Limiter) cleanup() {
	ticker := time.NewTicker(l.cfg.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			l.mu.Lock()
			cutoff := time.Now().Add(-2 * l.cfg.Window)
			for key, state := range l.clients {
				if state.lastCheck.Before(cutoff) {
					delete(l.clients, key)
				}
			}
			l.mu.Unlock()
		case <-l.stop:
			return
		}
	}
}

// Stop stops the cleanup goroutine
func (l *Limiter) Stop() {
	close(l.stop)
}

// Allow checks whether a request for key may proceed. When denied, retryAfter
// is the time until the next token refills.
func (l *Limiter) Allow(key string) (allowed bool, retryAfter time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := time.Now()
	perSecond := float64(l.cfg.Requests) / l.cfg.Window.Seconds()

	state, exists := l.clients[key]
	if !exists {
		l.clients[key] = &clientState{
			tokens:    float64(l.cfg.Requests - 1),
			lastCheck: now,
		}
		return true, 0
	}

	// Token bucket: refill by elapsed time, cap at the window budget.
	elapsed := now.Sub(state.lastCheck).Seconds()
	state.tokens += elapsed * perSecond
	if state.tokens > float64(l.cfg.Requests) {
		state.tokens = float64(l.cfg.Requests)
	}
	state.lastCheck = now

	if state.tokens >= 1 {
		state.tokens--
		return true, 0
	}

	deficit := 1 - state.tokens
	return false, time.Duration(deficit / perSecond * float64(time.Second))
}

// Middleware returns a gin middleware that limits by client IP and answers
// 429 with an integer Retry-After header when the bucket is empty.
func (l *Limiter) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		allowed, retryAfter := l.Allow(c.ClientIP())
		if !allowed {
			secs := int(math.Ceil(retryAfter.Seconds()))
			if secs < 1 {
				secs = 1
			}
			c.Header("Retry-After", strconv.Itoa(secs))
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"error": gin.H{
					"code":    "rate_limited",
					"message": "too many requests, slow down",
				},
			})
			return
		}
		c.Next()
	}
}
