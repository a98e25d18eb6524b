// Package server wires the billing engine together behind one HTTP API
package server

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	_ "github.com/lib/pq" // PostgreSQL driver
	"github.com/paygoback/streampay/internal/cache"
	"github.com/paygoback/streampay/internal/chainbill"
	"github.com/paygoback/streampay/internal/config"
	"github.com/paygoback/streampay/internal/health"
	"github.com/paygoback/streampay/internal/idgen"
	"github.com/paygoback/streampay/internal/logging"
	"github.com/paygoback/streampay/internal/metrics"
	"github.com/paygoback/streampay/internal/money"
	"github.com/paygoback/streampay/internal/permissions"
	"github.com/paygoback/streampay/internal/ratelimit"
	"github.com/paygoback/streampay/internal/realtime"
	"github.com/paygoback/streampay/internal/security"
	"github.com/paygoback/streampay/internal/sessions"
	"github.com/paygoback/streampay/internal/traces"
	"github.com/paygoback/streampay/internal/validation"
	"github.com/paygoback/streampay/internal/vendors"
	"github.com/paygoback/streampay/internal/zcash"
)

// -----------------------------------------------------------------------------
// Server
// -----------------------------------------------------------------------------

// ChainGateway is the slice of the Zcash node the server hands to the
// permission lifecycle and the funding endpoints. *zcash.Client
// satisfies it; tests substitute their own.
type ChainGateway interface {
	permissions.ChainVerifier
	permissions.BalanceReader
}

// Server wraps the HTTP server and dependencies
type Server struct {
	cfg         *config.Config
	chain       ChainGateway
	permSvc     *permissions.Service
	sessionSvc  *sessions.Service
	vendors     sessions.VendorResolver
	codes       cache.SessionCodes
	hub         *realtime.Hub
	scheduler   *sessions.Scheduler
	sweeper     *permissions.Sweeper
	rateLimiter *ratelimit.Limiter
	healthReg   *health.Registry
	db          *sql.DB // nil if using in-memory
	router      *gin.Engine
	httpSrv     *http.Server
	logger      *slog.Logger

	cancelRunCtx   context.CancelFunc // cancels background goroutines started in Run
	tracerShutdown func(context.Context) error

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

// WithChainGateway sets a custom Zcash gateway (for testing)
func WithChainGateway(chain ChainGateway) Option {
	return func(s *Server) {
		s.chain = chain
	}
}

// New creates a new server instance
func New(cfg *config.Config, opts ...Option) (*Server, error) {
	s := &Server{
		cfg:    cfg,
		logger: logging.New(cfg.LogLevel, cfg.LogFmt),
	}

	// Apply options first (may set chain/logger)
	for _, opt := range opts {
		opt(s)
	}

	// Context for initialization
	ctx := context.Background()

	// Initialize storage (Postgres if DATABASE_URL set, otherwise in-memory)
	var (
		permStore    permissions.Store
		sessionStore sessions.Store
	)
	if cfg.DatabaseURL != "" {
		db, err := sql.Open("postgres", cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("failed to open database: %w", err)
		}

		// Configure connection pool
		db.SetMaxOpenConns(10)
		db.SetMaxIdleConns(5)
		db.SetConnMaxLifetime(5 * time.Minute)

		// Test connection
		if err := db.Ping(); err != nil {
			return nil, fmt.Errorf("failed to connect to database: %w", err)
		}

		s.db = db
		s.logger.Info("using PostgreSQL storage", "url", maskDSN(cfg.DatabaseURL))

		ps := permissions.NewPostgresStore(db)
		if err := ps.Migrate(ctx); err != nil {
			s.logger.Warn("failed to migrate permission store", "error", err)
		}
		permStore = ps

		ss := sessions.NewPostgresStore(db)
		if err := ss.Migrate(ctx); err != nil {
			s.logger.Warn("failed to migrate session store", "error", err)
		}
		sessionStore = ss
	} else {
		permStore = permissions.NewMemoryStore()
		sessionStore = sessions.NewMemoryStore()
		s.logger.Info("using in-memory storage (data will not persist)")
	}

	// Session-code cache (Redis, with in-process fallback)
	if codes, err := cache.NewRedis(ctx, cfg.RedisURL); err != nil {
		s.logger.Warn("redis unavailable, using in-process code cache", "error", err)
		s.codes = cache.NewMemory()
	} else {
		s.codes = codes
		s.logger.Info("session-code cache on redis")
	}

	// Zcash node client if not injected
	if s.chain == nil {
		zc := zcash.NewClient(cfg.ZcashRPCURL, cfg.ZcashRPCUser, cfg.ZcashRPCPassword, cfg.ZcashMinConfirmations, s.logger)
		if zc.Loopback() {
			s.logger.Info("zcash rpc on loopback node, responses are synthetic", "url", cfg.ZcashRPCURL)
		}
		s.chain = zc
	}

	// Fallback EVM biller for sessions with no linked permission
	var biller sessions.FallbackBiller
	if cfg.FallbackConfigured() {
		b, err := chainbill.New(chainbill.Config{
			RPCURL:          cfg.RPCURL,
			PrivateKey:      cfg.PrivateKey,
			ChainID:         cfg.ChainID,
			ContractAddress: cfg.ContractAddress,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to create fallback biller: %w", err)
		}
		biller = b
		s.logger.Info("fallback billing enabled", "contract", cfg.ContractAddress, "chain_id", cfg.ChainID)
	} else {
		biller = chainbill.NewDisabled()
		s.logger.Info("fallback billing disabled")
	}

	// Vendor directory (remote service, or a static set for development)
	if cfg.VendorServiceURL != "" {
		s.vendors = vendors.NewDirectory(cfg.VendorServiceURL, cfg.VendorServiceToken, s.logger)
		s.logger.Info("vendor directory enabled", "url", cfg.VendorServiceURL)
	} else {
		s.vendors = vendors.NewStatic(demoVendors()...)
		s.logger.Info("vendor directory is static (demo vendors only)")
	}

	// Realtime hub for WebSocket streaming
	s.hub = realtime.NewHub(s.logger)

	// Permission lifecycle and the hourly expiry sweep
	s.permSvc = permissions.NewService(permStore, s.chain, cfg.ZcashServiceWallet, s.logger).
		WithDefaultDuration(cfg.DefaultDurationDays).
		WithEmitter(s.hub)
	s.sweeper = permissions.NewSweeper(s.permSvc, s.logger)

	// Streaming sessions and the interval billing scheduler
	interval := time.Duration(cfg.BillingIntervalSeconds) * time.Second
	s.sessionSvc = sessions.NewService(sessionStore, s.permSvc, s.vendors, s.logger).
		WithBillingInterval(interval).
		WithFallbackBiller(biller).
		WithCodeCache(s.codes).
		WithEmitter(s.hub)
	s.scheduler = sessions.NewScheduler(s.sessionSvc, interval, s.logger)

	// Tracing (no-op when no OTLP endpoint is configured)
	tracerShutdown, err := traces.Init(ctx, cfg.OTLPEndpoint, s.logger)
	if err != nil {
		s.logger.Warn("failed to initialize tracing", "error", err)
	} else {
		s.tracerShutdown = tracerShutdown
	}

	// Health checks. Only the database is probed; the zcash node is not
	// part of liveness.
	s.healthReg = health.NewRegistry()
	if s.db != nil {
		s.healthReg.Register("database", health.DBChecker("database", s.db))
	}

	// Configure gin
	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}

	s.router = gin.New()
	s.setupMiddleware()
	s.setupRoutes()

	s.healthy.Store(true)

	return s, nil
}

// demoVendors seeds the static directory so the full create/activate/bill
// flow works out of the box without a vendor service.
func demoVendors() []*vendors.Vendor {
	return []*vendors.Vendor{
		{
			ID:            "demo-video",
			Name:          "Demo Video Stream",
			WalletAddress: "0x0a1b2c3d4e5f60718293a4b5c6d7e8f901234567",
			RatePerHour:   money.MustParse("10.00"),
			Currency:      "ZEC",
		},
		{
			ID:            "demo-audio",
			Name:          "Demo Audio Stream",
			WalletAddress: "0x00112233445566778899aabbccddeeff00112233",
			RatePerHour:   money.MustParse("2.50"),
			Currency:      "ZEC",
		},
	}
}

// maskDSN hides password in connection string for logging
func maskDSN(dsn string) string {
	u, err := url.Parse(dsn)
	if err != nil {
		return "***"
	}
	if u.User != nil {
		u.User = url.UserPassword(u.User.Username(), "***")
	}
	return u.String()
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
			"error":   "internal_error",
			"message": "An unexpected error occurred",
		})
	}))

	// Security headers
	s.router.Use(security.HeadersMiddleware())

	// CORS (allow all origins for demo - restrict in production)
	s.router.Use(security.CORSMiddleware([]string{"*"}))

	// Request size limit (1MB)
	s.router.Use(validation.RequestSizeMiddleware(validation.MaxRequestSize))

	// Rate limiting. Probes, scrapes, and the live feed are exempt.
	rlCfg := ratelimit.DefaultConfig()
	rlCfg.ExemptPrefixes = []string{"/health", "/metrics", "/ws/"}
	s.rateLimiter = ratelimit.New(rlCfg)
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
			requestID = idgen.New()
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

func (s *Server) setupRoutes() {
	// Health & metrics endpoints
	s.router.GET("/health", s.healthHandler)
	s.router.GET("/health/live", s.livenessHandler)
	s.router.GET("/health/ready", s.readinessHandler)
	s.router.GET("/metrics", metrics.Handler())

	// WebSocket event stream (vendors watch their sessions get billed,
	// users watch their balances drain)
	s.router.GET("/ws/events", func(c *gin.Context) {
		s.hub.HandleWebSocket(c.Writer, c.Request)
	})
	s.router.GET("/ws/stats", s.wsStatsHandler)

	// API info endpoints
	s.router.GET("/", s.infoHandler)
	s.router.GET("/platform", s.platformHandler)

	// V1 API group
	v1 := s.router.Group("/v1")

	// Spending permissions: create, verify funding, inspect, revoke
	permHandler := permissions.NewHandler(s.permSvc, s.chain)
	permHandler.RegisterRoutes(v1)

	// Streaming sessions: create, activate by code, end
	sessionHandler := sessions.NewHandler(s.sessionSvc)
	sessionHandler.RegisterRoutes(v1)
}

// -----------------------------------------------------------------------------
// Handlers
// -----------------------------------------------------------------------------

// HealthResponse for health check endpoints
type HealthResponse struct {
	Status    string            `json:"status"`
	Version   string            `json:"version"`
	Checks    map[string]string `json:"checks,omitempty"`
	Timestamp string            `json:"timestamp"`
}

func (s *Server) healthHandler(c *gin.Context) {
	healthy, statuses := s.healthReg.CheckAll(c.Request.Context())

	checks := make(map[string]string, len(statuses))
	for _, st := range statuses {
		if st.Healthy {
			checks[st.Name] = "healthy"
		} else {
			checks[st.Name] = "unhealthy"
		}
	}

	status := "healthy"
	httpStatus := http.StatusOK
	if !healthy {
		status = "degraded"
		httpStatus = http.StatusServiceUnavailable
	}

	c.JSON(httpStatus, HealthResponse{
		Status:    status,
		Version:   "0.1.0",
		Checks:    checks,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
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

func (s *Server) infoHandler(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"name":        "StreamPay",
		"description": "Metered streaming billing over Zcash spending permissions",
		"version":     "0.1.0",
		"currency":    "ZEC",
	})
}

// platformHandler returns funding info for the custodial wallet flow
func (s *Server) platformHandler(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"platform": gin.H{
			"name":                     "StreamPay",
			"version":                  "0.1.0",
			"custodial_wallet":         s.cfg.ZcashServiceWallet,
			"currency":                 "ZEC",
			"billing_interval_seconds": s.cfg.BillingIntervalSeconds,
			"fallback_enabled":         s.cfg.FallbackConfigured(),
		},
		"instructions": gin.H{
			"fund":    "POST /v1/permissions, send ZEC to custodial_wallet, then POST /v1/permissions/{id}/verify to activate.",
			"stream":  "POST /v1/sessions with your wallet and a vendor ID, then activate the returned session code.",
			"balance": "GET /v1/balance/{address} shows a wallet's confirmed balance.",
		},
	})
}

func (s *Server) wsStatsHandler(c *gin.Context) {
	c.JSON(http.StatusOK, s.hub.Stats())
}

// -----------------------------------------------------------------------------
// Lifecycle
// -----------------------------------------------------------------------------

func (s *Server) Run(ctx context.Context) error {
	// Create a cancellable context for background goroutines so Shutdown() can stop them.
	runCtx, cancel := context.WithCancel(ctx)
	s.cancelRunCtx = cancel

	s.httpSrv = &http.Server{
		Addr:              s.cfg.Addr(),
		Handler:           s.router,
		ReadTimeout:       10 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	// Channel to catch server errors
	errChan := make(chan error, 1)

	// Start server in goroutine
	go func() {
		s.logger.Info("starting server",
			"addr", s.cfg.Addr(),
			"custodial_wallet", s.cfg.ZcashServiceWallet,
			"billing_interval_seconds", s.cfg.BillingIntervalSeconds,
		)
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	// Start realtime hub
	go s.hub.Run(runCtx)

	// Start interval billing
	go s.scheduler.Start(runCtx)

	// Start hourly permission expiry sweep
	go s.sweeper.Start(runCtx)

	// Export DB pool gauges
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

	// Cancel the context for all background goroutines (hub, scheduler, sweeper)
	if s.cancelRunCtx != nil {
		s.cancelRunCtx()
	}

	// Give load balancers time to stop sending traffic
	time.Sleep(5 * time.Second)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if s.httpSrv != nil {
		if err := s.httpSrv.Shutdown(ctx); err != nil {
			s.logger.Error("shutdown error", "error", err)
			return err
		}
	}

	// Stop billing scheduler
	s.scheduler.Stop()
	s.logger.Info("billing scheduler stopped")

	// Stop expiry sweeper
	s.sweeper.Stop()
	s.logger.Info("expiry sweeper stopped")

	// Stop rate limiter cleanup goroutine
	if s.rateLimiter != nil {
		s.rateLimiter.Stop()
		s.logger.Info("rate limiter stopped")
	}

	// Close session-code cache
	if err := s.codes.Close(); err != nil {
		s.logger.Error("code cache close error", "error", err)
	}

	// Close database connection pool
	if s.db != nil {
		if err := s.db.Close(); err != nil {
			s.logger.Error("database close error", "error", err)
		} else {
			s.logger.Info("database connection closed")
		}
	}

	// Flush pending trace spans
	if s.tracerShutdown != nil {
		if err := s.tracerShutdown(ctx); err != nil {
			s.logger.Error("tracer shutdown error", "error", err)
		}
	}

	s.logger.Info("server stopped")
	return nil
}

// Router returns the gin router for testing
func (s *Server) Router() *gin.Engine {
	return s.router
}
