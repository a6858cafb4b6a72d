// Package server wires the escrowd components and serves the HTTP API.
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
	"net/url"
	"os"
	"os/signal"
	"strings"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	_ "github.com/lib/pq" // PostgreSQL driver
	"github.com/redis/go-redis/v9"

	"github.com/salmarket/escrowd/internal/blobstore"
	"github.com/salmarket/escrowd/internal/checkout"
	"github.com/salmarket/escrowd/internal/circuitbreaker"
	"github.com/salmarket/escrowd/internal/config"
	"github.com/salmarket/escrowd/internal/dedup"
	"github.com/salmarket/escrowd/internal/disputes"
	"github.com/salmarket/escrowd/internal/escrow"
	"github.com/salmarket/escrowd/internal/events"
	"github.com/salmarket/escrowd/internal/gateway"
	"github.com/salmarket/escrowd/internal/health"
	"github.com/salmarket/escrowd/internal/logging"
	"github.com/salmarket/escrowd/internal/metrics"
	"github.com/salmarket/escrowd/internal/orders"
	"github.com/salmarket/escrowd/internal/payments"
	"github.com/salmarket/escrowd/internal/ratelimit"
	"github.com/salmarket/escrowd/internal/realtime"
	"github.com/salmarket/escrowd/internal/retry"
	"github.com/salmarket/escrowd/internal/security"
	"github.com/salmarket/escrowd/internal/store"
	"github.com/salmarket/escrowd/internal/syncutil"
	"github.com/salmarket/escrowd/internal/traces"
	"github.com/salmarket/escrowd/internal/validation"
	"github.com/salmarket/escrowd/internal/verification"
	"github.com/salmarket/escrowd/internal/vision"
)

// Version is reported by /health and the tracer resource.
var Version = "dev"

// Mock classifier behaviour in demo mode.
const (
	mockValidRate = 0.8
	mockLatency   = 2 * time.Second
)

// -----------------------------------------------------------------------------
// Server
// -----------------------------------------------------------------------------

// Server wraps the HTTP server and dependencies
type Server struct {
	cfg         *config.Config
	db          *sql.DB       // nil if using in-memory
	redis       *redis.Client // nil without REDIS_URL
	kafka       *events.KafkaPublisher
	hub         *realtime.Hub
	reconciler  *payments.Reconciler
	rateLimiter *ratelimit.Limiter
	health      *health.Registry
	blobs       *blobstore.DiskStore
	classifier  vision.Classifier

	router       *gin.Engine
	httpSrv      *http.Server
	logger       *slog.Logger
	cancelRunCtx context.CancelFunc // cancels background goroutines started in Run
	stopTracing  func(context.Context) error
	drainDelay   time.Duration

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

// WithClassifier replaces the detection API client (for testing)
func WithClassifier(c vision.Classifier) Option {
	return func(s *Server) {
		s.classifier = c
	}
}

// WithDrainDelay sets how long Shutdown waits for load balancers to stop
// routing traffic before closing listeners.
func WithDrainDelay(d time.Duration) Option {
	return func(s *Server) {
		s.drainDelay = d
	}
}

// components are the services the routes are built from.
type components struct {
	orders       *orders.Service
	ledger       *escrow.Ledger
	disputes     *disputes.Manager
	checkout     *checkout.Service
	payments     *payments.Processor
	verification *verification.Orchestrator
	demo         *gateway.DemoClient
}

// New creates a new server instance
func New(cfg *config.Config, opts ...Option) (*Server, error) {
	s := &Server{
		cfg:        cfg,
		logger:     logging.New(cfg.LogLevel, cfg.LogFormat),
		health:     health.NewRegistry(2 * time.Second),
		drainDelay: 5 * time.Second,
	}

	for _, opt := range opts {
		opt(s)
	}

	ctx := context.Background()
	locks := syncutil.NewKeyedMutex()

	// Storage (Postgres if DATABASE_URL set, otherwise in-memory)
	var (
		orderStore   orders.Store
		ledgerStore  escrow.Store
		disputeStore disputes.Store
		runner       store.Runner
	)
	if cfg.DatabaseURL != "" {
		db, err := sql.Open("postgres", cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("failed to open database: %w", err)
		}

		db.SetMaxOpenConns(25)
		db.SetMaxIdleConns(5)
		db.SetConnMaxLifetime(5 * time.Minute)

		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		err = db.PingContext(pingCtx)
		cancel()
		if err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("failed to connect to database: %w", err)
		}

		s.db = db
		orderStore = orders.NewPostgresStore(db)
		ledgerStore = escrow.NewPostgresStore(db)
		disputeStore = disputes.NewPostgresStore(db)
		runner = store.NewSQLRunner(db)
		s.health.RegisterPing("postgres", db.PingContext)
		s.logger.Info("using PostgreSQL storage", "url", maskDSN(cfg.DatabaseURL))
	} else {
		orderStore = orders.NewMemoryStore()
		ledgerStore = escrow.NewMemoryStore()
		disputeStore = disputes.NewMemoryStore()
		runner = store.NopRunner{}
		s.logger.Info("using in-memory storage (data will not persist)")
	}

	// Webhook replay dedup
	var seen dedup.Store
	if cfg.RedisURL != "" {
		client, err := dedup.Connect(ctx, cfg.RedisURL)
		if err != nil {
			s.closeStores()
			return nil, err
		}
		s.redis = client
		rs := dedup.NewRedisStore(client)
		s.health.RegisterPing("redis", rs.Ping)
		seen = rs
		s.logger.Info("webhook dedup backed by redis")
	} else {
		seen = dedup.NewMemoryStore()
	}

	blobs, err := blobstore.NewDiskStore(cfg.BlobDir, cfg.BlobBaseURL)
	if err != nil {
		s.closeStores()
		return nil, err
	}
	s.blobs = blobs
	s.health.RegisterPing("blobstore", blobs.Ping)

	orderSvc := orders.NewService(orderStore, runner, locks)

	// Lifecycle events go to WebSocket subscribers and, when configured, Kafka.
	s.hub = realtime.NewHub(s.logger, partyLookup(orderSvc), []string{cfg.AppURL})
	publisher := events.Fanout{s.hub}
	if len(cfg.KafkaBrokers) > 0 {
		s.kafka = events.NewKafkaPublisher(events.NewKafkaWriter(cfg.KafkaBrokers, cfg.KafkaTopic), 0, s.logger)
		publisher = append(publisher, s.kafka)
		s.logger.Info("publishing lifecycle events to kafka", "topic", cfg.KafkaTopic)
	}
	orderSvc.WithPublisher(publisher)

	breaker := circuitbreaker.New(5, 30*time.Second)
	breaker.OnTransition(func(key string, from, to circuitbreaker.State) {
		s.logger.Warn("circuit breaker state change", "key", key, "from", from.String(), "to", to.String())
	})

	c := &components{orders: orderSvc}
	var (
		gw        gateway.Client
		serverKey string
	)
	if cfg.DemoGateway() {
		c.demo = gateway.NewDemoClient(cfg.AppURL)
		gw = c.demo
		serverKey = gateway.DemoServerKey
		s.logger.Warn("MIDTRANS_SERVER_KEY not set, using demo payment gateway")
	} else {
		gw = gateway.NewMidtransClient(gateway.MidtransConfig{
			ServerKey: cfg.MidtransServerKey,
			SnapURL:   cfg.MidtransSnapURL,
			APIURL:    cfg.MidtransAPIURL,
			Timeout:   cfg.GatewayTimeout,
		}, breaker, s.logger)
		serverKey = cfg.MidtransServerKey
	}

	if s.classifier == nil {
		if cfg.VisionMock {
			s.classifier = vision.NewMockClassifier(mockValidRate, uint64(time.Now().UnixNano()), mockLatency)
			s.logger.Warn("using mock visual verification")
		} else {
			s.classifier = vision.NewHTTPClient(cfg.VisionURL, cfg.VisionAPIKey, cfg.VisionTimeout, retry.DefaultPolicy, breaker)
		}
	}

	c.ledger = escrow.NewLedger(ledgerStore)
	c.disputes = disputes.NewManager(disputeStore, c.ledger, orderSvc, runner, locks).WithPublisher(publisher)
	c.payments = payments.NewProcessor(serverKey, c.ledger, orderSvc, runner, locks, seen).WithPublisher(publisher)
	c.checkout = checkout.NewService(orderSvc, c.ledger, gw, runner, cfg.AppURL).WithPublisher(publisher)
	c.verification = verification.NewOrchestrator(orderSvc, c.ledger, c.disputes,
		vision.NewVerifier(s.classifier, s.logger), blobs, runner, locks).WithPublisher(publisher)

	if cfg.ReconcileInterval > 0 {
		s.reconciler = payments.NewReconciler(c.ledger, gw, c.payments, cfg.ReconcileInterval, cfg.ReconcileGrace, s.logger)
	}

	if !cfg.IsDevelopment() {
		gin.SetMode(gin.ReleaseMode)
	}

	s.router = gin.New()
	s.setupMiddleware()
	s.setupRoutes(c)

	s.healthy.Store(true)

	return s, nil
}

func partyLookup(svc *orders.Service) realtime.PartyLookup {
	return func(ctx context.Context, orderID string) (string, string, error) {
		o, err := svc.Get(ctx, orderID)
		if err != nil {
			return "", "", err
		}
		return o.BuyerID, o.SupplierID, nil
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

// blobPath is the route prefix the proof files are served under.
func blobPath(baseURL string) string {
	u, err := url.Parse(baseURL)
	if err != nil || u.Path == "" || u.Path == "/" {
		return "/blobs"
	}
	return strings.TrimRight(u.Path, "/")
}

// -----------------------------------------------------------------------------
// Middleware
// -----------------------------------------------------------------------------

func (s *Server) setupMiddleware() {
	s.router.Use(gin.CustomRecovery(func(c *gin.Context, recovered any) {
		logging.L(c.Request.Context()).Error("panic recovered",
			"error", recovered,
			"path", c.Request.URL.Path,
		)
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "An unexpected error occurred",
		})
	}))

	s.router.Use(security.HeadersMiddleware())

	origins := []string{s.cfg.AppURL}
	if s.cfg.IsDevelopment() {
		origins = []string{"*"}
	}
	s.router.Use(security.CORSMiddleware(origins))

	s.router.Use(bodyLimit())

	rl := ratelimit.DefaultConfig()
	if s.cfg.RateLimitRPM > 0 {
		rl.RequestsPerMinute = s.cfg.RateLimitRPM
	}
	rl.ExemptPrefixes = []string{"/v1/webhooks/", "/health", "/metrics"}
	s.rateLimiter = ratelimit.New(rl)
	s.router.Use(s.rateLimiter.Middleware())

	s.router.Use(metrics.Middleware())
	s.router.Use(s.requestIDMiddleware())
	s.router.Use(s.loggingMiddleware())
}

// bodyLimit caps JSON bodies at validation.MaxRequestSize. Multipart
// uploads get the blob limit plus room for the form framing.
func bodyLimit() gin.HandlerFunc {
	jsonLimit := validation.RequestSizeMiddleware(validation.MaxRequestSize)
	uploadLimit := validation.RequestSizeMiddleware(blobstore.MaxSize + 64<<10)
	return func(c *gin.Context) {
		if strings.HasPrefix(c.ContentType(), "multipart/") {
			uploadLimit(c)
			return
		}
		jsonLimit(c)
	}
}

func (s *Server) requestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		requestID := c.GetHeader("X-Request-ID")
		if requestID == "" {
			requestID = generateRequestID()
		}

		ctx := logging.WithRequestID(c.Request.Context(), requestID)
		ctx = logging.WithLogger(ctx, s.logger)
		if id := c.Param("id"); id != "" && strings.Contains(c.FullPath(), "/orders/:id") {
			ctx = logging.WithOrderID(ctx, id)
		}
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

func (s *Server) setupRoutes(c *components) {
	s.router.GET("/health", s.healthHandler)
	s.router.GET("/health/live", s.livenessHandler)
	s.router.GET("/health/ready", s.readinessHandler)
	s.router.GET("/metrics", metrics.Handler())
	s.router.Static(blobPath(s.cfg.BlobBaseURL), s.blobs.Dir())

	orderHandler := orders.NewHandler(c.orders)
	disputeHandler := disputes.NewHandler(c.disputes)
	paymentHandler := payments.NewHandler(c.payments, s.reconciler)
	if c.demo != nil {
		paymentHandler.WithDemo(c.demo)
	}

	v1 := s.router.Group("/v1")
	orderHandler.RegisterRoutes(v1)
	escrow.NewHandler(c.ledger).RegisterRoutes(v1)
	disputeHandler.RegisterRoutes(v1)
	paymentHandler.RegisterRoutes(v1)
	v1.GET("/ws", gin.WrapF(s.hub.HandleWebSocket))

	protected := v1.Group("")
	protected.Use(security.CallerMiddleware())
	checkout.NewHandler(c.checkout).RegisterProtectedRoutes(protected)
	orderHandler.RegisterProtectedRoutes(protected)
	verification.NewHandler(c.verification).RegisterProtectedRoutes(protected)

	admin := v1.Group("/admin")
	admin.Use(security.AdminMiddleware(s.cfg.AdminSecret))
	disputeHandler.RegisterAdminRoutes(admin)
	paymentHandler.RegisterAdminRoutes(admin)
	admin.GET("/realtime", func(ctx *gin.Context) {
		ctx.JSON(http.StatusOK, s.hub.Stats())
	})

	s.router.NoRoute(func(ctx *gin.Context) {
		ctx.JSON(http.StatusNotFound, gin.H{"error": "not_found", "message": "No such endpoint"})
	})
}

// HealthResponse for health check endpoints
type HealthResponse struct {
	Status    string          `json:"status"`
	Version   string          `json:"version"`
	Checks    []health.Status `json:"checks,omitempty"`
	Timestamp string          `json:"timestamp"`
}

func (s *Server) healthHandler(c *gin.Context) {
	healthy, checks := s.health.CheckAll(c.Request.Context())

	status := "healthy"
	httpStatus := http.StatusOK
	if !healthy {
		status = "degraded"
		httpStatus = http.StatusServiceUnavailable
	}

	c.JSON(httpStatus, HealthResponse{
		Status:    status,
		Version:   Version,
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
	if healthy, checks := s.health.CheckAll(c.Request.Context()); !healthy {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "not_ready", "checks": checks})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ready"})
}

// -----------------------------------------------------------------------------
// Lifecycle
// -----------------------------------------------------------------------------

// Run starts the HTTP server with graceful shutdown
func (s *Server) Run(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	s.cancelRunCtx = cancel

	stopTracing, err := traces.Init(runCtx, s.cfg.OTelEndpoint, Version, s.logger)
	if err != nil {
		s.logger.Warn("tracing init failed, continuing without traces", "error", err)
		stopTracing = func(context.Context) error { return nil }
	}
	s.stopTracing = stopTracing

	s.httpSrv = &http.Server{
		Addr:              ":" + s.cfg.Port,
		Handler:           s.router,
		ReadTimeout:       30 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	errChan := make(chan error, 1)

	go func() {
		s.logger.Info("starting server",
			"port", s.cfg.Port,
			"env", s.cfg.Env,
		)
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	go s.hub.Run(runCtx)

	if s.kafka != nil {
		s.kafka.Start(runCtx)
	}

	if s.reconciler != nil {
		go s.reconciler.Start(runCtx)
	}

	if s.db != nil {
		metrics.StartDBStatsCollector(runCtx, s.db, 15*time.Second)
	}

	go func() {
		time.Sleep(100 * time.Millisecond)
		s.ready.Store(true)
		s.logger.Info("server ready")
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	select {
	case err := <-errChan:
		_ = s.Shutdown()
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

	// Give load balancers time to stop sending traffic
	time.Sleep(s.drainDelay)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	var shutdownErr error
	if s.httpSrv != nil {
		if err := s.httpSrv.Shutdown(ctx); err != nil {
			s.logger.Error("shutdown error", "error", err)
			shutdownErr = err
		}
	}

	if s.reconciler != nil {
		s.reconciler.Stop()
		s.logger.Info("payment reconciler stopped")
	}

	// Cancel the context for background goroutines (hub, reconciler, collectors)
	if s.cancelRunCtx != nil {
		s.cancelRunCtx()
	}

	if s.kafka != nil {
		s.kafka.Close()
		s.logger.Info("kafka publisher flushed")
	}

	if s.rateLimiter != nil {
		s.rateLimiter.Stop()
	}

	if s.stopTracing != nil {
		if err := s.stopTracing(ctx); err != nil {
			s.logger.Warn("tracer shutdown error", "error", err)
		}
	}

	s.closeStores()

	s.logger.Info("server stopped")
	return shutdownErr
}

func (s *Server) closeStores() {
	if s.redis != nil {
		if err := s.redis.Close(); err != nil {
			s.logger.Error("redis close error", "error", err)
		}
		s.redis = nil
	}
	if s.db != nil {
		if err := s.db.Close(); err != nil {
			s.logger.Error("database close error", "error", err)
		} else {
			s.logger.Info("database connection closed")
		}
		s.db = nil
	}
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
		return fmt.Sprintf("%d", time.Now().UnixNano())
	}
	return hex.EncodeToString(bytes)
}
