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
	_ "github.com/lib/pq"
	"github.com/redis/go-redis/v9"

	"github.com/sbasnet/givesafe/internal/aml"
	"github.com/sbasnet/givesafe/internal/circuitbreaker"
	"github.com/sbasnet/givesafe/internal/config"
	"github.com/sbasnet/givesafe/internal/counters"
	"github.com/sbasnet/givesafe/internal/donations"
	"github.com/sbasnet/givesafe/internal/health"
	"github.com/sbasnet/givesafe/internal/idgen"
	"github.com/sbasnet/givesafe/internal/logging"
	"github.com/sbasnet/givesafe/internal/metrics"
	"github.com/sbasnet/givesafe/internal/queue"
	"github.com/sbasnet/givesafe/internal/ratelimit"
	"github.com/sbasnet/givesafe/internal/retry"
	"github.com/sbasnet/givesafe/internal/security"
	"github.com/sbasnet/givesafe/internal/traces"
	"github.com/sbasnet/givesafe/internal/validation"
	"github.com/sbasnet/givesafe/internal/webhooks"
)

// -----------------------------------------------------------------------------
// Server
// -----------------------------------------------------------------------------

// Server wraps the HTTP server and dependencies
type Server struct {
	cfg            *config.Config
	store          donations.Store
	counterStore   counters.Store
	alertStore     aml.AlertStore
	engine         *aml.Engine
	amlService     *aml.Service
	amlHandler     *aml.Handler
	queue          *queue.Queue
	worker         *queue.Worker
	webhookStore   webhooks.Store
	dispatcher     *webhooks.Dispatcher
	webhookHandler *webhooks.Handler
	checks         *health.Registry
	rateLimiter    *ratelimit.Limiter
	db             *sql.DB               // nil if using in-memory
	redis          redis.UniversalClient // nil if using in-memory counters
	router         *gin.Engine
	httpSrv        *http.Server
	logger         *slog.Logger
	tracesDown     func(context.Context) error
	cancelRunCtx   context.CancelFunc // cancels background goroutines started in Run

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

// WithStores overrides the payment and alert stores (for testing)
func WithStores(store donations.Store, alerts aml.AlertStore) Option {
	return func(s *Server) {
		s.store = store
		s.alertStore = alerts
	}
}

// New creates a new server instance
func New(cfg *config.Config, opts ...Option) (*Server, error) {
	s := &Server{
		cfg:    cfg,
		checks: health.NewRegistry(),
		logger: logging.New(cfg.LogLevel, "json"),
	}
	s.healthy.Store(true)

	// Apply options first (may set stores/logger)
	for _, opt := range opts {
		opt(s)
	}

	ctx := context.Background()

	// Payment read model + alert storage (Postgres if DATABASE_URL set,
	// otherwise in-memory).
	if s.store == nil {
		if cfg.DatabaseURL != "" {
			db, err := sql.Open("postgres", cfg.DatabaseURL)
			if err != nil {
				return nil, fmt.Errorf("failed to open database: %w", err)
			}

			// Configure connection pool
			db.SetMaxOpenConns(25)
			db.SetMaxIdleConns(5)
			db.SetConnMaxLifetime(5 * time.Minute)

			// Postgres may still be coming up when we are; give it a moment.
			if err := retry.Do(ctx, 5, 500*time.Millisecond, db.Ping); err != nil {
				return nil, fmt.Errorf("failed to connect to database: %w", err)
			}

			s.db = db
			s.store = donations.NewPostgresStore(db)
			s.alertStore = aml.NewPostgresAlertStore(db)
			s.logger.Info("using PostgreSQL storage", "url", maskDSN(cfg.DatabaseURL))
		} else {
			s.store = donations.NewMemoryStore()
			s.alertStore = aml.NewMemoryAlertStore()
			s.logger.Warn("DATABASE_URL not set, using in-memory storage (data will be lost on restart)")
		}
	}

	// Velocity counters (Redis if REDIS_URL set, otherwise in-memory).
	if cfg.RedisURL != "" {
		redisOpts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			return nil, fmt.Errorf("failed to parse REDIS_URL: %w", err)
		}
		client := redis.NewClient(redisOpts)
		if err := retry.Do(ctx, 5, 500*time.Millisecond, func() error {
			return client.Ping(ctx).Err()
		}); err != nil {
			return nil, fmt.Errorf("failed to connect to redis: %w", err)
		}
		s.redis = client
		// Breaker fails counter reads fast when Redis is down; the engine
		// already fails open on counter errors.
		bs := counters.NewBreakerStore(
			counters.NewRedisStore(client, "givesafe:"), 5, 30*time.Second)
		bs.OnTransition(func(from, to circuitbreaker.State) {
			s.logger.Warn("velocity counter breaker state change",
				"from", from.String(), "to", to.String())
		})
		s.counterStore = bs
		s.logger.Info("using Redis velocity counters", "url", maskDSN(cfg.RedisURL))
	} else {
		s.counterStore = counters.NewMemoryStore()
		s.logger.Warn("REDIS_URL not set, using in-memory velocity counters")
	}

	// Scoring pipeline: queue → worker pool → engine → alert recorder.
	s.queue = queue.New(queue.Options{
		Concurrency: cfg.WorkerConcurrency,
		MaxAttempts: cfg.JobMaxAttempts,
		Backoff:     cfg.JobBackoff,
	})
	// Compliance webhooks: subscriptions persist next to alerts.
	if s.db != nil {
		s.webhookStore = webhooks.NewPostgresStore(s.db)
	} else {
		s.webhookStore = webhooks.NewMemoryStore()
	}
	s.dispatcher = webhooks.NewDispatcher(s.webhookStore)
	emitter := webhooks.NewEmitter(s.dispatcher, s.logger)

	s.engine = aml.NewEngine(s.store, s.counterStore, s.logger)
	recorder := aml.NewRecorder(s.alertStore, emitter, s.logger)
	s.amlService = aml.NewService(s.store, s.engine, recorder, s.queue, emitter, s.logger)
	s.amlHandler = aml.NewHandler(s.amlService, s.alertStore, s.queue, emitter)
	s.webhookHandler = webhooks.NewHandler(s.webhookStore)
	s.worker = queue.NewWorker(s.queue, s.logger)

	s.registerHealthChecks()

	// Set gin mode based on environment
	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}

	s.router = gin.New()
	s.setupMiddleware()
	s.setupRoutes()

	return s, nil
}

func (s *Server) registerHealthChecks() {
	if s.db != nil {
		s.checks.Register("postgres", func(ctx context.Context) health.Status {
			ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
			defer cancel()
			if err := s.db.PingContext(ctx); err != nil {
				return health.Status{Name: "postgres", Healthy: false, Detail: err.Error()}
			}
			return health.Status{Name: "postgres", Healthy: true}
		})
	}
	if s.redis != nil {
		s.checks.Register("redis", func(ctx context.Context) health.Status {
			ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
			defer cancel()
			if err := s.redis.Ping(ctx).Err(); err != nil {
				return health.Status{Name: "redis", Healthy: false, Detail: err.Error()}
			}
			detail := ""
			if bs, ok := s.counterStore.(*counters.BreakerStore); ok {
				detail = "breaker=" + bs.State().String()
			}
			return health.Status{Name: "redis", Healthy: true, Detail: detail}
		})
	}
	s.checks.Register("queue", func(ctx context.Context) health.Status {
		counts := s.queue.Counts()
		detail := fmt.Sprintf("waiting=%d active=%d failed=%d",
			counts[queue.StateWaiting], counts[queue.StateActive], counts[queue.StateFailed])
		return health.Status{Name: "queue", Healthy: true, Detail: detail}
	})
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

	// CORS for the compliance dashboard
	s.router.Use(security.CORSMiddleware([]string{"*"}))

	// Request size limit (1MB)
	s.router.Use(validation.RequestSizeMiddleware(validation.MaxRequestSize))

	// Rate limiting, with probes and the metrics scraper exempt
	rlCfg := ratelimit.DefaultConfig()
	rlCfg.ExemptPaths = []string{"/healthz", "/healthz/live", "/readyz", "/metrics"}
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
			requestID = idgen.Hex(8)
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
	s.router.GET("/healthz", s.healthHandler)
	s.router.GET("/healthz/live", s.livenessHandler)
	s.router.GET("/readyz", s.readinessHandler)
	s.router.GET("/metrics", metrics.Handler())

	v1 := s.router.Group("/v1")

	// Internal surface: called by the payment webhook pipeline once a
	// gateway (Khalti, eSewa, Fonepay) confirms a payment. Webhook
	// subscription management lives here too.
	internal := v1.Group("/internal")
	s.amlHandler.RegisterInternalRoutes(internal)
	s.webhookHandler.RegisterRoutes(internal)

	// Compliance review surface.
	s.amlHandler.RegisterAdminRoutes(v1.Group("/aml"))
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
	healthy, statuses := s.checks.CheckAll(c.Request.Context())

	status := "healthy"
	httpStatus := http.StatusOK
	if !healthy {
		status = "degraded"
		httpStatus = http.StatusServiceUnavailable
	}

	c.JSON(httpStatus, HealthResponse{
		Status:    status,
		Version:   "0.1.0",
		Checks:    statuses,
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

// Run starts the HTTP server, the scoring worker pool, and background
// collectors, then blocks until a shutdown signal or server error.
func (s *Server) Run(ctx context.Context) error {
	// Create a cancellable context for background goroutines so Shutdown() can stop them.
	runCtx, cancel := context.WithCancel(ctx)
	s.cancelRunCtx = cancel

	// Tracing (no-op unless OTEL_EXPORTER_OTLP_ENDPOINT is set)
	shutdown, err := traces.Init(runCtx, s.cfg.OTLPEndpoint, s.logger)
	if err != nil {
		s.logger.Error("failed to initialize tracing", "error", err)
	} else {
		s.tracesDown = shutdown
	}

	s.httpSrv = &http.Server{
		Addr:              ":" + s.cfg.Port,
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
			"port", s.cfg.Port,
			"env", s.cfg.Env,
			"workers", s.cfg.WorkerConcurrency,
		)
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	// Start scoring workers
	s.worker.Start(runCtx)

	// Start DB stats collector
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

// Shutdown gracefully stops the server. HTTP stops first so no new jobs
// arrive, then the worker pool drains in-flight scoring jobs.
func (s *Server) Shutdown() error {
	s.ready.Store(false)
	s.logger.Info("starting graceful shutdown")

	if s.cfg.IsProduction() {
		// Give load balancers time to stop sending traffic
		time.Sleep(5 * time.Second)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := s.httpSrv.Shutdown(ctx); err != nil {
		s.logger.Error("shutdown error", "error", err)
		return err
	}

	// Drain scoring workers
	s.worker.Stop()
	s.logger.Info("scoring workers stopped")

	// Let in-flight webhook deliveries finish
	if s.dispatcher != nil {
		s.dispatcher.Wait()
	}

	// Stop rate limiter cleanup goroutine
	if s.rateLimiter != nil {
		s.rateLimiter.Stop()
		s.logger.Info("rate limiter stopped")
	}

	// Cancel the context for remaining background goroutines
	if s.cancelRunCtx != nil {
		s.cancelRunCtx()
	}

	// Flush pending trace spans
	if s.tracesDown != nil {
		if err := s.tracesDown(ctx); err != nil {
			s.logger.Error("traces shutdown error", "error", err)
		}
	}

	// Close redis connection
	if s.redis != nil {
		if err := s.redis.Close(); err != nil {
			s.logger.Error("redis close error", "error", err)
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
