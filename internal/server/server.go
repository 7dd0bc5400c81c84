// Package server sets up the HTTP server with all routes
package server

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	_ "github.com/lib/pq" // PostgreSQL driver

	"github.com/clawdfather/clawdfather/internal/audit"
	"github.com/clawdfather/clawdfather/internal/auth"
	"github.com/clawdfather/clawdfather/internal/chat"
	"github.com/clawdfather/clawdfather/internal/config"
	"github.com/clawdfather/clawdfather/internal/connections"
	"github.com/clawdfather/clawdfather/internal/keys"
	"github.com/clawdfather/clawdfather/internal/logging"
	"github.com/clawdfather/clawdfather/internal/metrics"
	"github.com/clawdfather/clawdfather/internal/payments"
	"github.com/clawdfather/clawdfather/internal/ratelimit"
	"github.com/clawdfather/clawdfather/internal/security"
	"github.com/clawdfather/clawdfather/internal/sessions"
	"github.com/clawdfather/clawdfather/internal/sshprober"
	"github.com/clawdfather/clawdfather/internal/store"
	"github.com/clawdfather/clawdfather/internal/ticker"
	"github.com/clawdfather/clawdfather/internal/validation"
)

const version = "0.1.0"

// -----------------------------------------------------------------------------
// Server
// -----------------------------------------------------------------------------

// Server wraps the HTTP server and dependencies
type Server struct {
	cfg          *config.Config
	store        store.Store
	db           *sql.DB // nil if using in-memory
	tokens       *auth.Manager
	manager      *sessions.Manager
	hub          *chat.Hub
	creditTicker *ticker.Ticker
	rateLimiter  *ratelimit.Limiter
	authLimiter  *ratelimit.Limiter
	router       *gin.Engine
	httpSrv      *http.Server
	logger       *slog.Logger
	cancelRunCtx context.CancelFunc // cancels background goroutines started in Run
	startedAt    time.Time

	// Injected in tests
	prober   sessions.Prober
	launcher sessions.Launcher

	// Health state
	ready   atomic.Bool
	healthy atomic.Bool
}

// Option configures the server
type Option func(*Server)

// WithLogger sets a custom logger
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) {
		s.logger = logger
	}
}

// WithProber sets a custom SSH prober (for testing)
func WithProber(p sessions.Prober) Option {
	return func(s *Server) {
		s.prober = p
	}
}

// WithLauncher sets a custom control-master launcher (for testing)
func WithLauncher(l sessions.Launcher) Option {
	return func(s *Server) {
		s.launcher = l
	}
}

// New creates a new server instance
func New(cfg *config.Config, opts ...Option) (*Server, error) {
	s := &Server{
		cfg:       cfg,
		logger:    logging.New(cfg.LogLevel, "json"),
		startedAt: time.Now(),
	}

	// Apply options first (may set prober/launcher/logger)
	for _, opt := range opts {
		opt(s)
	}

	masterKey, err := hex.DecodeString(cfg.MasterKey)
	if err != nil {
		return nil, fmt.Errorf("decode master key: %w", err)
	}

	ctx := context.Background()

	// Initialize storage (Postgres if DATABASE_URL set, otherwise in-memory)
	if cfg.DatabaseURL != "" {
		pg, err := store.NewPostgresStore(cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("open database: %w", err)
		}
		s.store = pg
		s.db = pg.DB()
		s.logger.Info("using PostgreSQL storage", "url", logging.MaskDSN(cfg.DatabaseURL))

		// Balances are derived from the ledger; re-sum on boot in case the
		// last shutdown raced a debit.
		if err := pg.RecomputeBalances(ctx); err != nil {
			s.logger.Warn("balance recompute failed", "error", err)
		}
	} else {
		s.store = store.NewMemoryStore()
		s.logger.Info("using in-memory storage (data will not persist)")
	}

	s.tokens = auth.NewManager(s.store, time.Duration(cfg.DefaultTokenTTLMs)*time.Millisecond)

	if s.prober == nil {
		s.prober = &sshprober.Prober{}
	}
	if s.launcher == nil {
		s.launcher = &sessions.ControlLauncher{Dir: cfg.ControlDir}
	}

	registry := sessions.NewRegistry()
	s.manager = sessions.NewManager(sessions.Options{
		Store:       s.store,
		Registry:    registry,
		Prober:      s.prober,
		Launcher:    s.launcher,
		Tokens:      s.tokens,
		MasterKey:   masterKey,
		ControlDir:  cfg.ControlDir,
		WebDomain:   cfg.WebDomain,
		SSHPort:     cfg.SSHPort,
		MaxSessions: cfg.MaxSessions,
		IdleTimeout: cfg.SessionTimeout(),
	})

	// The hub runs commands through the manager and the manager drains hub
	// peers on close, so the notifier is attached after both exist.
	s.hub = chat.NewHub(s.store, s.tokens, registry, s.manager)
	s.manager.SetNotifier(s.hub)

	s.creditTicker = ticker.New(s.store, registry, s.manager, cfg.TickInterval())

	// Configure gin
	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}

	s.router = gin.New()
	s.setupMiddleware()
	s.setupRoutes(masterKey)

	s.healthy.Store(true)

	return s, nil
}

// -----------------------------------------------------------------------------
// Middleware
// -----------------------------------------------------------------------------

func (s *Server) setupMiddleware() {
	// Recovery with logging
	s.router.Use(gin.CustomRecovery(func(c *gin.Context, recovered interface{}) {
		logging.L(c.Request.Context()).Error("panic recovered",
			"error", recovered,
			"path", c.Request.URL.Path,
		)
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{
			"error": gin.H{
				"code":    "internal_error",
				"message": "An unexpected error occurred",
			},
		})
	}))

	// Security headers
	s.router.Use(security.HeadersMiddleware())

	// CORS. The API is cookie-authenticated from the web app, so origins
	// must be explicit in production.
	origins := []string{"*"}
	if s.cfg.IsProduction() {
		origins = []string{"https://" + s.cfg.WebDomain}
	}
	s.router.Use(security.CORSMiddleware(origins))

	// Request size limit (1MB)
	s.router.Use(validation.RequestSizeMiddleware(validation.MaxRequestSize))

	// Rate limiting. The global bucket is generous; sensitive endpoints
	// mount their own tighter limiter on top.
	s.rateLimiter = ratelimit.New(ratelimit.Config{
		Requests:        300,
		Window:          time.Minute,
		CleanupInterval: time.Minute,
	})
	s.router.Use(s.rateLimiter.Middleware())

	// Prometheus metrics
	s.router.Use(metrics.Middleware())

	// Request ID
	s.router.Use(s.requestIDMiddleware())

	// Logging
	s.router.Use(s.loggingMiddleware())
}

func (s *Server) requestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		// Check for existing request ID (from load balancer, etc.)
		requestID := c.GetHeader("X-Request-ID")
		if requestID == "" {
			requestID = generateRequestID()
		}

		// Add to context
		ctx := logging.WithRequestID(c.Request.Context(), requestID)
		ctx = logging.WithLogger(ctx, s.logger)
		c.Request = c.Request.WithContext(ctx)

		// Set response header
		c.Header("X-Request-ID", requestID)

		c.Next()
	}
}

func (s *Server) loggingMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path

		c.Next()

		latency := time.Since(start)
		status := c.Writer.Status()

		logger := logging.L(c.Request.Context())

		// Log level based on status code
		switch {
		case status >= 500:
			logger.Error("request completed",
				"method", c.Request.Method,
				"path", path,
				"status", status,
				"latency_ms", latency.Milliseconds(),
				"client_ip", c.ClientIP(),
			)
		case status >= 400:
			logger.Warn("request completed",
				"method", c.Request.Method,
				"path", path,
				"status", status,
				"latency_ms", latency.Milliseconds(),
			)
		default:
			logger.Info("request completed",
				"method", c.Request.Method,
				"path", path,
				"status", status,
				"latency_ms", latency.Milliseconds(),
			)
		}
	}
}

// -----------------------------------------------------------------------------
// Routes
// -----------------------------------------------------------------------------

func (s *Server) setupRoutes(masterKey []byte) {
	// Health & metrics endpoints
	s.router.GET("/health", s.healthHandler)
	s.router.GET("/health/live", s.livenessHandler)
	s.router.GET("/health/ready", s.readinessHandler)
	s.router.GET("/metrics", metrics.Handler())

	// WebSocket chat gateway. Auth happens in-band on the first frame.
	s.hub.Register(s.router)

	// V1 API group. The middleware resolves a token when one is present;
	// individual routes decide whether to require it.
	api := s.router.Group("/api/v1")
	api.Use(auth.Middleware(s.tokens))

	// OAuth start gets a tighter per-client budget than the global limiter.
	s.authLimiter = ratelimit.New(ratelimit.DefaultConfig())
	oauthHandler := auth.NewOAuthHandler(s.store, s.tokens, masterKey, auth.OAuthConfig{
		ClientID:     s.cfg.GithubClientID,
		ClientSecret: s.cfg.GithubClientSecret,
	})
	auth.NewHandlers(s.tokens, oauthHandler).Register(api, s.authLimiter.Middleware())

	// Stripe signs its own requests; no bearer token here.
	payments.NewHandler(s.store, s.cfg.StripeWebhookSecret).Register(api)

	// Everything below requires an account.
	protected := api.Group("", auth.RequireAuth())
	keys.NewHandlers(s.store, s.manager, masterKey).Register(protected)
	connections.NewHandlers(s.store, s.prober, s.manager, masterKey, s.cfg.SSHPort).Register(protected)
	sessions.NewHandlers(s.manager, s.store).Register(protected)
	audit.NewHandlers(s.store).Register(protected)
}

// -----------------------------------------------------------------------------
// Health
// -----------------------------------------------------------------------------

// HealthResponse is the body of GET /health.
type HealthResponse struct {
	Status         string `json:"status"`
	Version        string `json:"version"`
	DB             string `json:"db"`
	ActiveSessions int    `json:"active_sessions"`
	UptimeS        int64  `json:"uptime_s"`
	Timestamp      string `json:"timestamp"`
}

func (s *Server) healthHandler(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
	defer cancel()

	status := "healthy"
	httpStatus := http.StatusOK
	db := "ok"
	if err := s.store.Ping(ctx); err != nil {
		db = "unreachable"
		status = "degraded"
		httpStatus = http.StatusServiceUnavailable
	}

	c.JSON(httpStatus, HealthResponse{
		Status:         status,
		Version:        version,
		DB:             db,
		ActiveSessions: s.manager.Registry().Len(),
		UptimeS:        int64(time.Since(s.startedAt).Seconds()),
		Timestamp:      time.Now().UTC().Format(time.RFC3339),
	})
}

func (s *Server) livenessHandler(c *gin.Context) {
	if !s.healthy.Load() {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unhealthy"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "alive"})
}

func (s *Server) readinessHandler(c *gin.Context) {
	if !s.ready.Load() {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "not_ready"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ready"})
}

// -----------------------------------------------------------------------------
// Lifecycle
// -----------------------------------------------------------------------------

// Run starts the HTTP server with graceful shutdown
func (s *Server) Run(ctx context.Context) error {
	// Create a cancellable context for background goroutines so Shutdown() can stop them.
	runCtx, cancel := context.WithCancel(ctx)
	s.cancelRunCtx = cancel

	s.httpSrv = &http.Server{
		Addr:    ":" + s.cfg.WebPort,
		Handler: s.router,
		// Chat sessions hold their connection open indefinitely, so no
		// global read/write deadlines; the hub enforces its own.
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	// Channel to catch server errors
	errChan := make(chan error, 1)

	// Start server in goroutine
	go func() {
		s.logger.Info("starting server",
			"port", s.cfg.WebPort,
			"domain", s.cfg.WebDomain,
		)
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	// Start credit ticker; each tick also sweeps idle sessions
	s.creditTicker.Start(runCtx)

	// Export connection pool stats
	if s.db != nil {
		go metrics.StartDBStatsCollector(runCtx, s.db, 15*time.Second)
	}

	// Mark as ready after brief delay for startup
	go func() {
		time.Sleep(100 * time.Millisecond)
		s.ready.Store(true)
		s.logger.Info("server ready")
	}()

	// Wait for shutdown signal or error
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errChan:
		return fmt.Errorf("server error: %w", err)
	case sig := <-sigChan:
		s.logger.Info("shutdown signal received", "signal", sig.String())
	case <-ctx.Done():
		s.logger.Info("context cancelled")
	}

	return s.Shutdown()
}

// Shutdown gracefully stops the server
func (s *Server) Shutdown() error {
	s.ready.Store(false)
	s.logger.Info("starting graceful shutdown")

	// Cancel the context for all background goroutines
	if s.cancelRunCtx != nil {
		s.cancelRunCtx()
	}

	// Give load balancers time to stop sending traffic
	if s.cfg.IsProduction() {
		time.Sleep(5 * time.Second)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := s.httpSrv.Shutdown(ctx); err != nil {
		s.logger.Error("shutdown error", "error", err)
		return err
	}

	// Stop the credit ticker before terminating sessions so a final tick
	// doesn't race the teardown.
	s.creditTicker.Stop()
	s.logger.Info("credit ticker stopped")

	// End every live session. Leases are marked server_shutdown and chat
	// peers get a close frame.
	s.manager.Shutdown(ctx)
	s.logger.Info("live sessions terminated")

	// Stop rate limiter cleanup goroutines
	if s.rateLimiter != nil {
		s.rateLimiter.Stop()
	}
	if s.authLimiter != nil {
		s.authLimiter.Stop()
	}

	// Close storage
	if err := s.store.Close(); err != nil {
		s.logger.Error("store close error", "error", err)
	} else {
		s.logger.Info("store closed")
	}

	s.logger.Info("server stopped")
	return nil
}

// Router returns the gin router for testing
func (s *Server) Router() *gin.Engine {
	return s.router
}

// -----------------------------------------------------------------------------
// Helpers
// -----------------------------------------------------------------------------

func generateRequestID() string {
	bytes := make([]byte, 16)
	if _, err := rand.Read(bytes); err != nil {
		// Fallback to timestamp-based ID
		return fmt.Sprintf("%d", time.Now().UnixNano())
	}
	return hex.EncodeToString(bytes)
}
