// Package server sets up the HTTP server with all routes
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

	"github.com/sweepline/billing/internal/account"
	"github.com/sweepline/billing/internal/circuitbreaker"
	"github.com/sweepline/billing/internal/config"
	"github.com/sweepline/billing/internal/dispute"
	"github.com/sweepline/billing/internal/dunning"
	"github.com/sweepline/billing/internal/health"
	"github.com/sweepline/billing/internal/history"
	"github.com/sweepline/billing/internal/idgen"
	"github.com/sweepline/billing/internal/ingress"
	"github.com/sweepline/billing/internal/leadcharge"
	"github.com/sweepline/billing/internal/logging"
	"github.com/sweepline/billing/internal/metrics"
	"github.com/sweepline/billing/internal/notify"
	"github.com/sweepline/billing/internal/payment"
	"github.com/sweepline/billing/internal/ratelimit"
	"github.com/sweepline/billing/internal/scheduler"
	"github.com/sweepline/billing/internal/security"
	"github.com/sweepline/billing/migrations"
)

// -----------------------------------------------------------------------------
// Server
// -----------------------------------------------------------------------------

// Server wraps the HTTP server and dependencies
type Server struct {
	cfg          *config.Config
	version      string
	db           *sql.DB // nil if using in-memory
	gateway      payment.Gateway
	notifier     notify.Notifier
	publisher    *notify.AMQPPublisher // nil unless AMQP_URL is set
	accounts     account.Store
	history      history.Store
	engine       *leadcharge.Engine
	dunning      *dunning.Machine
	ledger       *dispute.Ledger
	ingress      *ingress.Ingress
	events       ingress.Store
	scheduler    *scheduler.Scheduler
	health       *health.Registry
	limiter      *ratelimit.Limiter // nil when RateLimitRPM <= 0
	router       *gin.Engine
	httpSrv      *http.Server
	logger       *slog.Logger
	cancelRunCtx context.CancelFunc // cancels background goroutines started in Run

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

// WithGateway replaces the payment gateway (for testing)
func WithGateway(g payment.Gateway) Option {
	return func(s *Server) {
		s.gateway = g
	}
}

// WithNotifier replaces the notification sink (for testing)
func WithNotifier(n notify.Notifier) Option {
	return func(s *Server) {
		s.notifier = n
	}
}

// WithVersion sets the version reported by /health
func WithVersion(v string) Option {
	return func(s *Server) {
		s.version = v
	}
}

// New creates a new server instance
func New(cfg *config.Config, opts ...Option) (*Server, error) {
	s := &Server{
		cfg:     cfg,
		version: "dev",
		logger:  logging.New(cfg.LogLevel, cfg.LogFormat),
		health:  health.NewRegistry(),
	}

	// Apply options first (may set gateway/notifier/logger)
	for _, opt := range opts {
		opt(s)
	}

	ctx := context.Background()

	var (
		charges  leadcharge.Store
		disputes dispute.Store
	)

	// Initialize storage (Postgres if DATABASE_URL set, otherwise in-memory)
	if cfg.DatabaseURL != "" {
		db, err := sql.Open("postgres", cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("failed to open database: %w", err)
		}

		// Configure connection pool
		db.SetMaxOpenConns(25)
		db.SetMaxIdleConns(5)
		db.SetConnMaxLifetime(5 * time.Minute)

		if err := db.PingContext(ctx); err != nil {
			return nil, fmt.Errorf("failed to connect to database: %w", err)
		}
		if cfg.AutoMigrate {
			if err := migrations.Up(ctx, db); err != nil {
				return nil, err
			}
			s.logger.Info("database migrations applied")
		}

		s.db = db
		s.accounts = account.NewPostgresStore(db)
		s.history = history.NewPostgresStore(db)
		charges = leadcharge.NewPostgresStore(db)
		disputes = dispute.NewPostgresStore(db)
		s.events = ingress.NewPostgresStore(db)
		s.health.Register("database", health.DatabaseChecker("database", db))
		s.logger.Info("using PostgreSQL storage", "url", maskDSN(cfg.DatabaseURL))
	} else {
		s.accounts = account.NewMemoryStore()
		s.history = history.NewMemoryStore()
		charges = leadcharge.NewMemoryStore()
		disputes = dispute.NewMemoryStore()
		s.events = ingress.NewMemoryStore()
		s.logger.Info("using in-memory storage (data will not persist)")
	}

	if err := s.initNotifier(); err != nil {
		return nil, err
	}
	if err := s.initGateway(); err != nil {
		return nil, err
	}
	if cfg.StripeWebhookSecret == "" {
		s.logger.Warn("STRIPE_WEBHOOK_SECRET not set, all webhook deliveries will be rejected")
	}

	dispatcher := notify.NewDispatcher(s.notifier)

	s.engine = leadcharge.NewEngine(s.accounts, charges, s.gateway, s.history, dispatcher).
		WithCurrency(cfg.Currency)
	s.dunning = dunning.New(s.accounts, dispatcher, cfg.GracePeriod, cfg.DunningMaxAttempts)
	resolver := dispute.NewResolver(s.history, s.accounts).WithChargeLookup(s.gateway)
	s.ledger = dispute.NewLedger(disputes, s.accounts, resolver, dispatcher, cfg.OpsRecipient)
	router := ingress.NewRouter(s.accounts, s.dunning, s.ledger, s.history, dispatcher, cfg.OpsRecipient)
	s.ingress = ingress.New(payment.NewStripeVerifier(cfg.StripeWebhookSecret), s.events, router)

	jobs := scheduler.NewJobs(s.accounts, leadcharge.NewReconciler(s.engine, s.logger), s.events, s.logger)
	s.scheduler = scheduler.New(jobs, s.logger, scheduler.Schedules{
		CreditReset: cfg.CreditResetSchedule,
		Reconcile:   cfg.ReconcileSchedule,
	})

	// Configure gin
	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}

	s.router = gin.New()
	s.setupMiddleware()
	s.setupRoutes()

	metrics.BuildInfo.WithLabelValues(s.version).Set(1)
	s.healthy.Store(true)

	return s, nil
}

func (s *Server) initNotifier() error {
	if s.notifier != nil {
		return nil
	}
	if s.cfg.AMQPURL == "" {
		s.notifier = notify.LogNotifier{}
		s.logger.Info("notifications go to the log (no AMQP_URL set)")
		return nil
	}
	pub, err := notify.NewAMQPPublisher(s.cfg.AMQPURL, s.cfg.NotifyExchange)
	if err != nil {
		return fmt.Errorf("failed to connect to message broker: %w", err)
	}
	s.publisher = pub
	s.notifier = pub
	s.health.Register("notifications", health.ConnectionChecker("notifications", pub.Connected))
	s.logger.Info("publishing notifications to AMQP", "exchange", s.cfg.NotifyExchange)
	return nil
}

func (s *Server) initGateway() error {
	if s.gateway == nil {
		switch {
		case s.cfg.StripeSecretKey != "":
			s.gateway = payment.NewStripeGateway(s.cfg.StripeSecretKey, s.cfg.Currency)
			s.logger.Info("using Stripe payment gateway")
		case s.cfg.IsDevelopment():
			s.gateway = payment.NewFakeGateway()
			s.logger.Warn("STRIPE_SECRET_KEY not set, using in-memory payment gateway")
		default:
			return errors.New("STRIPE_SECRET_KEY is required outside development")
		}
	}

	resilient := payment.NewResilientGateway(s.gateway, circuitbreaker.New(5, 30*time.Second), s.cfg.GatewayTimeout)
	s.gateway = resilient
	s.health.Register("payment_gateway", health.CircuitChecker("payment_gateway", resilient.ChargeCircuit))
	return nil
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
			requestID = idgen.WithPrefix(idgen.PrefixRequest)
		}

		ctx := logging.WithRequestID(c.Request.Context(), requestID)
		ctx = logging.WithLogger(ctx, s.logger)
		c.Request = c.Request.WithContext(ctx)

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
			logger.Debug("request completed",
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

	v1 := s.router.Group("/v1")

	// Provider webhooks authenticate with their signature.
	ingress.NewHandler(s.ingress).RegisterRoutes(v1)

	admin := v1.Group("")
	if s.cfg.RateLimitRPM > 0 {
		s.limiter = ratelimit.New(ratelimit.Config{
			RequestsPerMinute: s.cfg.RateLimitRPM,
			BurstSize:         s.cfg.RateLimitBurst,
			CleanupInterval:   time.Minute,
		})
		admin.Use(s.limiter.Middleware())
	}
	admin.Use(security.RequireAdmin(s.cfg.AdminSecret))
	account.NewHandler(s.accounts, account.DefaultCatalogue).RegisterAdminRoutes(admin)
	leadcharge.NewHandler(s.engine, s.accounts).RegisterAdminRoutes(admin)
	dispute.NewHandler(s.ledger).RegisterAdminRoutes(admin)
}

// -----------------------------------------------------------------------------
// Handlers
// -----------------------------------------------------------------------------

// HealthResponse for health check endpoints
type HealthResponse struct {
	Status    string          `json:"status"`
	Version   string          `json:"version"`
	Checks    []health.Status `json:"checks,omitempty"`
	Timestamp string          `json:"timestamp"`
}

func (s *Server) healthHandler(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
	defer cancel()

	healthy, checks := s.health.CheckAll(ctx)

	status := "healthy"
	httpStatus := http.StatusOK
	if !healthy {
		status = "degraded"
		httpStatus = http.StatusServiceUnavailable
	}

	c.JSON(httpStatus, HealthResponse{
		Status:    status,
		Version:   s.version,
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

// -----------------------------------------------------------------------------
// Lifecycle
// -----------------------------------------------------------------------------

// Run starts the HTTP server with graceful shutdown
func (s *Server) Run(ctx context.Context) error {
	// Create a cancellable context for background goroutines so Shutdown() can stop them.
	runCtx, cancel := context.WithCancel(ctx)
	s.cancelRunCtx = cancel

	s.httpSrv = &http.Server{
		Addr:              ":" + s.cfg.Port,
		Handler:           s.router,
		ReadTimeout:       10 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	if err := s.scheduler.Start(); err != nil {
		cancel()
		return err
	}

	go metrics.StartDBStatsCollector(runCtx, s.db, 15*time.Second)

	// Channel to catch server errors
	errChan := make(chan error, 1)

	go func() {
		s.logger.Info("starting server", "port", s.cfg.Port, "env", s.cfg.Env)
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

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

	// Let a running reconciliation or reset finish.
	select {
	case <-s.scheduler.Stop().Done():
		s.logger.Info("scheduler stopped")
	case <-ctx.Done():
		s.logger.Warn("scheduler jobs still running at shutdown")
	}

	if s.limiter != nil {
		s.limiter.Stop()
	}

	if s.publisher != nil {
		if err := s.publisher.Close(); err != nil {
			s.logger.Error("message broker close error", "error", err)
		}
	}

	// Close database connection pool
	if s.db != nil {
		if err := s.db.Close(); err != nil {
			s.logger.Error("database close error", "error", err)
		} else {
			s.logger.Info("database connection closed")
		}
	}

	s.logger.Info("server stopped")
	return nil
}

// Router returns the gin router for testing
func (s *Server) Router() *gin.Engine {
	return s.router
}
