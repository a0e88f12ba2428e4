// Package server wires the payhold HTTP API together: stores, services,
// middleware, routes, and the background workers that keep the ledger moving.
package server

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/hex"
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

	"github.com/swifthaul/payhold/internal/admin"
	"github.com/swifthaul/payhold/internal/config"
	"github.com/swifthaul/payhold/internal/dispute"
	"github.com/swifthaul/payhold/internal/escrow"
	"github.com/swifthaul/payhold/internal/funding"
	"github.com/swifthaul/payhold/internal/health"
	"github.com/swifthaul/payhold/internal/logging"
	"github.com/swifthaul/payhold/internal/metrics"
	"github.com/swifthaul/payhold/internal/ratelimit"
	"github.com/swifthaul/payhold/internal/realtime"
	"github.com/swifthaul/payhold/internal/risk"
	"github.com/swifthaul/payhold/internal/security"
	"github.com/swifthaul/payhold/internal/session"
	"github.com/swifthaul/payhold/internal/traces"
	"github.com/swifthaul/payhold/internal/validation"
	"github.com/swifthaul/payhold/internal/wallet"
)

// Server is the payhold API server.
type Server struct {
	cfg    *config.Config
	logger *slog.Logger
	router *gin.Engine
	httpd  *http.Server

	db          *sql.DB
	rateLimiter *ratelimit.Limiter
	healthReg   *health.Registry

	escrowService  *escrow.Service
	escrowTimer    *escrow.Timer
	disputeService *dispute.Service
	walletService  *wallet.Service
	adminService   *admin.Service
	fundingService *funding.Service
	riskEngine     *risk.Engine
	sessionMgr     *session.Manager
	hub            *realtime.Hub

	shutdownTraces func(context.Context) error
	cancelRun      context.CancelFunc

	ready   atomic.Bool
	healthy atomic.Bool
}

// Option customizes a Server during construction.
type Option func(*Server)

// WithLogger overrides the logger built from config.
func WithLogger(l *slog.Logger) Option {
	return func(s *Server) { s.logger = l }
}

// New creates a fully wired server from configuration. It does not start
// listening; call Run.
func New(cfg *config.Config, opts ...Option) (*Server, error) {
	s := &Server{cfg: cfg}
	for _, opt := range opts {
		opt(s)
	}
	if s.logger == nil {
		format := "text"
		if cfg.IsProduction() {
			format = "json"
		}
		s.logger = logging.New(cfg.LogLevel, format)
	}
	slog.SetDefault(s.logger)

	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}

	// Store wiring: Postgres when DATABASE_URL is set, in-memory otherwise.
	var (
		escrowStore  escrow.Store
		disputeStore dispute.Store
		sessionStore session.Store
		riskStore    risk.Store
	)
	if cfg.DatabaseURL != "" {
		db, err := sql.Open("postgres", cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("failed to open database: %w", err)
		}
		db.SetMaxOpenConns(25)
		db.SetMaxIdleConns(5)
		db.SetConnMaxLifetime(5 * time.Minute)

		pingCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		err = db.PingContext(pingCtx)
		cancel()
		if err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to ping database: %w", err)
		}
		s.db = db
		s.logger.Info("connected to postgres", "dsn", maskDSN(cfg.DatabaseURL))

		es := escrow.NewPostgresStore(db)
		ds := dispute.NewPostgresStore(db)
		ss := session.NewPostgresStore(db)
		rs := risk.NewPostgresStore(db)

		// Schema is normally managed by cmd/migrate; these calls make a
		// fresh database usable without it. Failures are logged, not fatal.
		migrateCtx, cancelMigrate := context.WithTimeout(context.Background(), 30*time.Second)
		for name, m := range map[string]interface {
			Migrate(context.Context) error
		}{
			"escrow":   es,
			"disputes": ds,
			"sessions": ss,
			"risk":     rs,
		} {
			if err := m.Migrate(migrateCtx); err != nil {
				s.logger.Warn("store migration failed", "store", name, "error", err)
			}
		}
		cancelMigrate()

		escrowStore, disputeStore, sessionStore, riskStore = es, ds, ss, rs
	} else {
		s.logger.Info("no DATABASE_URL set, using in-memory stores")
		escrowStore = escrow.NewMemoryStore()
		disputeStore = dispute.NewMemoryStore()
		sessionStore = session.NewMemoryStore()
		riskStore = risk.NewMemoryStore()
	}

	s.hub = realtime.NewHub(s.logger.With("component", "realtime"))
	notifier := realtime.NewNotifier(s.hub)

	s.riskEngine = risk.NewEngine(riskStore)

	s.escrowService = escrow.NewService(escrowStore, cfg.FeeStructure(), s.riskEngine).
		WithWindows(cfg.FundingWindow, cfg.DisputeWindow).
		WithLogger(s.logger.With("component", "escrow")).
		WithNotifier(notifier)
	s.escrowTimer = escrow.NewTimer(s.escrowService, escrowStore, s.logger.With("component", "escrow_timer"))

	s.disputeService = dispute.NewService(disputeStore, s.escrowService).
		WithLogger(s.logger.With("component", "dispute")).
		WithNotifier(notifier)

	s.walletService = wallet.NewService(escrowStore).
		WithLogger(s.logger.With("component", "wallet"))

	s.adminService = admin.NewService(s.disputeService, s.escrowService).
		WithLogger(s.logger.With("component", "admin"))

	s.fundingService = funding.NewService(s.escrowService).
		WithLogger(s.logger.With("component", "funding"))

	s.sessionMgr = session.NewManager(sessionStore).WithTTL(cfg.SessionTTL)

	s.rateLimiter = ratelimit.New(ratelimit.Config{
		RequestsPerMinute: cfg.RateLimitPerMinute,
		BurstSize:         cfg.RateLimitPerMinute / 6,
		CleanupInterval:   time.Minute,
	})

	s.healthReg = health.NewRegistry()
	if s.db != nil {
		db := s.db
		s.healthReg.Register("database", func(ctx context.Context) health.Status {
			ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
			defer cancel()
			if err := db.PingContext(ctx); err != nil {
				return health.Status{Name: "database", Healthy: false, Detail: err.Error()}
			}
			return health.Status{Name: "database", Healthy: true}
		})
	}
	s.healthReg.Register("escrow_timer", func(ctx context.Context) health.Status {
		if !s.escrowTimer.Running() {
			return health.Status{Name: "escrow_timer", Healthy: false, Detail: "not running"}
		}
		return health.Status{Name: "escrow_timer", Healthy: true}
	})

	s.setupRouter()
	s.healthy.Store(true)
	return s, nil
}

func (s *Server) setupRouter() {
	r := gin.New()
	r.Use(gin.CustomRecovery(func(c *gin.Context, err interface{}) {
		logging.L(c.Request.Context()).Error("panic recovered", "error", err, "path", c.Request.URL.Path)
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "An unexpected error occurred",
		})
	}))
	r.Use(security.HeadersMiddleware())
	r.Use(security.CORSMiddleware([]string{"*"}))
	r.Use(validation.RequestSizeMiddleware(validation.MaxRequestSize))
	r.Use(s.rateLimiter.Middleware())
	r.Use(metrics.Middleware())
	r.Use(s.requestIDMiddleware())
	r.Use(s.loggingMiddleware())

	r.GET("/health", s.handleHealth)
	r.GET("/health/live", s.handleLive)
	r.GET("/health/ready", s.handleReady)
	r.GET("/metrics", metrics.Handler())
	r.GET("/ws", func(c *gin.Context) {
		s.hub.HandleWebSocket(c.Writer, c.Request)
	})

	escrowHandler := escrow.NewHandler(s.escrowService)
	disputeHandler := dispute.NewHandler(s.disputeService)
	walletHandler := wallet.NewHandler(s.walletService)
	adminHandler := admin.NewHandler(s.adminService)
	sessionHandler := session.NewHandler(s.sessionMgr)
	fundingHandler := funding.NewHandler(s.fundingService, s.cfg.WebhookSecret, s.cfg.StripeWebhookSecret)

	v1 := r.Group("/v1")
	v1.Use(validation.UserIDParamMiddleware())

	// Webhooks authenticate with signatures, not sessions.
	fundingHandler.RegisterRoutes(v1)

	// Session resolution is optional on reads, required on writes.
	v1.Use(session.Middleware(s.sessionMgr))
	sessionHandler.RegisterRoutes(v1)
	escrowHandler.RegisterRoutes(v1)
	walletHandler.RegisterRoutes(v1)

	protected := v1.Group("")
	protected.Use(session.RequireAuth())
	escrowHandler.RegisterProtectedRoutes(protected)
	disputeHandler.RegisterProtectedRoutes(protected)

	adminGroup := v1.Group("/admin")
	adminGroup.Use(admin.RequireSecret(s.cfg.AdminSecret))
	escrowHandler.RegisterAdminRoutes(adminGroup)
	disputeHandler.RegisterAdminRoutes(adminGroup)
	adminHandler.RegisterRoutes(adminGroup)

	s.router = r
}

// Router returns the underlying gin engine, for tests.
func (s *Server) Router() *gin.Engine {
	return s.router
}

// Run starts background workers and the HTTP listener, then blocks until
// SIGINT/SIGTERM or a fatal server error.
func (s *Server) Run(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	s.cancelRun = cancel

	if s.cfg.OTLPEndpoint != "" {
		shutdown, err := traces.Init(runCtx, s.cfg.OTLPEndpoint, s.logger)
		if err != nil {
			s.logger.Warn("trace exporter init failed, continuing without traces", "error", err)
		} else {
			s.shutdownTraces = shutdown
		}
	}

	go s.hub.Run(runCtx)
	go s.escrowTimer.Start(runCtx)
	go s.sweepSessions(runCtx)

	s.httpd = &http.Server{
		Addr:              ":" + s.cfg.Port,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	errChan := make(chan error, 1)
	go func() {
		s.logger.Info("payhold API listening", "port", s.cfg.Port, "env", s.cfg.Env)
		if err := s.httpd.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errChan <- err
		}
	}()
	s.ready.Store(true)

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errChan:
		s.healthy.Store(false)
		cancel()
		return fmt.Errorf("server error: %w", err)
	case sig := <-quit:
		s.logger.Info("shutdown signal received", "signal", sig.String())
	}

	return s.Shutdown()
}

// Shutdown drains in-flight requests and stops background workers.
func (s *Server) Shutdown() error {
	s.ready.Store(false)

	// Give load balancers a moment to observe the readiness flip.
	if s.cfg.IsProduction() {
		time.Sleep(5 * time.Second)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	var firstErr error
	if s.httpd != nil {
		if err := s.httpd.Shutdown(ctx); err != nil {
			firstErr = fmt.Errorf("http shutdown: %w", err)
		}
	}

	if s.cancelRun != nil {
		s.cancelRun()
	}
	s.escrowTimer.Stop()
	s.rateLimiter.Stop()

	if s.shutdownTraces != nil {
		if err := s.shutdownTraces(ctx); err != nil {
			s.logger.Warn("trace exporter shutdown failed", "error", err)
		}
	}

	if s.db != nil {
		if err := s.db.Close(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("db close: %w", err)
		}
	}

	s.logger.Info("server stopped")
	return firstErr
}

// sweepSessions periodically removes expired sessions.
func (s *Server) sweepSessions(ctx context.Context) {
	ticker := time.NewTicker(time.Hour)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			sweepCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
			n, err := s.sessionMgr.Sweep(sweepCtx)
			cancel()
			if err != nil {
				s.logger.Warn("session sweep failed", "error", err)
			} else if n > 0 {
				s.logger.Info("expired sessions removed", "count", n)
			}
		}
	}
}

func (s *Server) handleHealth(c *gin.Context) {
	healthy, statuses := s.healthReg.CheckAll(c.Request.Context())
	code := http.StatusOK
	status := "ok"
	if !healthy || !s.healthy.Load() {
		code = http.StatusServiceUnavailable
		status = "degraded"
	}
	c.JSON(code, gin.H{
		"status":     status,
		"subsystems": statuses,
		"timestamp":  time.Now().UTC(),
	})
}

func (s *Server) handleLive(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "alive"})
}

func (s *Server) handleReady(c *gin.Context) {
	if !s.ready.Load() {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "not_ready"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ready"})
}

func (s *Server) requestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader("X-Request-ID")
		if id == "" {
			id = generateRequestID()
		}
		c.Header("X-Request-ID", id)
		ctx := logging.WithRequestID(c.Request.Context(), id)
		ctx = logging.WithLogger(ctx, s.logger.With("request_id", id))
		c.Request = c.Request.WithContext(ctx)
		c.Next()
	}
}

func (s *Server) loggingMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path

		c.Next()

		status := c.Writer.Status()
		attrs := []any{
			"method", c.Request.Method,
			"path", path,
			"status", status,
			"duration_ms", time.Since(start).Milliseconds(),
			"client_ip", c.ClientIP(),
		}
		logger := logging.L(c.Request.Context())
		switch {
		case status >= 500:
			logger.Error("request", attrs...)
		case status >= 400:
			logger.Warn("request", attrs...)
		default:
			logger.Info("request", attrs...)
		}
	}
}

func generateRequestID() string {
	b := make([]byte, 8)
	if _, err := rand.Read(b); err != nil {
		return fmt.Sprintf("%d", time.Now().UnixNano())
	}
	return hex.EncodeToString(b)
}

// maskDSN hides credentials in a connection string for logging.
func maskDSN(dsn string) string {
	u, err := url.Parse(dsn)
	if err != nil {
		return "(unparseable)"
	}
	if u.User != nil {
		u.User = url.User(u.User.Username())
	}
	return u.String()
}
