// Package server wires configuration, storage, the payment provider and the
// escrow components into the HTTP API.
package server

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/sync/errgroup"

	"github.com/mbd888/ticketescrow/internal/circuitbreaker"
	"github.com/mbd888/ticketescrow/internal/clock"
	"github.com/mbd888/ticketescrow/internal/config"
	"github.com/mbd888/ticketescrow/internal/escrow"
	"github.com/mbd888/ticketescrow/internal/health"
	"github.com/mbd888/ticketescrow/internal/inventory"
	"github.com/mbd888/ticketescrow/internal/logging"
	"github.com/mbd888/ticketescrow/internal/metrics"
	"github.com/mbd888/ticketescrow/internal/payments"
	"github.com/mbd888/ticketescrow/internal/ratelimit"
	"github.com/mbd888/ticketescrow/internal/realtime"
	"github.com/mbd888/ticketescrow/internal/traces"
	"github.com/mbd888/ticketescrow/internal/webhooks"
)

// Version is reported by /health and the tracer resource.
const Version = "0.3.0"

// providerOps are the payment operations guarded by the circuit breaker.
var providerOps = []string{"authorize", "retrieve", "capture", "cancel", "transfer", "update_metadata"}

// Server wraps the HTTP server and its dependencies.
type Server struct {
	cfg           *config.Config
	db            *sql.DB // nil if using in-memory
	clock         clock.Clock
	orders        escrow.Store
	listings      inventory.Store
	provider      payments.Provider
	guarded       *payments.Guarded
	escrowService *escrow.Service
	escrowTimer   *escrow.Timer
	reconciler    *webhooks.Reconciler
	realtimeHub   *realtime.Hub
	health        *health.Registry
	rateLimiter   *ratelimit.Limiter
	router        *gin.Engine
	httpSrv       *http.Server
	logger        *slog.Logger
	traceShutdown func(context.Context) error

	ready atomic.Bool
}

// Option configures the server.
type Option func(*Server)

// WithLogger sets a custom logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) {
		s.logger = logger
	}
}

// WithProvider replaces the payment provider chosen from config (tests).
func WithProvider(p payments.Provider) Option {
	return func(s *Server) {
		s.provider = p
	}
}

// WithClock replaces the wall clock (tests).
func WithClock(c clock.Clock) Option {
	return func(s *Server) {
		s.clock = c
	}
}

// New creates a server. With DATABASE_URL set it connects to Postgres and
// applies pending migrations; otherwise every store is in memory.
func New(cfg *config.Config, opts ...Option) (*Server, error) {
	s := &Server{
		cfg:    cfg,
		clock:  clock.NewSystem(),
		logger: logging.New(cfg.LogLevel, cfg.LogFormat),
	}
	for _, opt := range opts {
		opt(s)
	}

	ctx := context.Background()

	shutdown, err := traces.Init(ctx, cfg.OTLPEndpoint, Version, s.logger)
	if err != nil {
		return nil, fmt.Errorf("failed to init tracing: %w", err)
	}
	s.traceShutdown = shutdown

	s.health = health.NewRegistry()

	var ledger webhooks.Ledger
	if cfg.DatabaseURL != "" {
		db, err := openDB(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, err
		}
		s.db = db
		s.orders = escrow.NewPostgresStore(db)
		s.listings = inventory.NewPostgresStore(db)
		ledger = webhooks.NewPostgresLedger(db)
		s.health.Register("database", health.DB(db))
		s.logger.Info("using PostgreSQL storage", "url", maskDSN(cfg.DatabaseURL))
	} else {
		s.orders = escrow.NewMemoryStore()
		s.listings = inventory.NewMemoryStore()
		ledger = webhooks.NewMemoryLedger()
		s.logger.Warn("using in-memory storage (data will be lost on restart)")
	}

	if s.provider == nil {
		if cfg.StripeSecretKey != "" {
			s.provider = payments.NewStripeProvider(cfg.StripeSecretKey, s.logger)
			s.logger.Info("using Stripe payment provider")
		} else {
			s.provider = payments.NewMemoryProvider()
			s.logger.Warn("using in-memory payment provider (no money moves)")
		}
	}

	breaker := circuitbreaker.New(5, 30*time.Second)
	breaker.OnTransition(func(key string, from, to circuitbreaker.State) {
		s.logger.Warn("payment provider circuit transition", "op", key, "from", from.String(), "to", to.String())
	})
	s.guarded = payments.NewGuarded(s.provider, cfg.ProviderTimeout, breaker)
	s.health.Register("payments", health.OpenCircuits(providerOps, func(op string) bool {
		return s.guarded.BreakerState(op) == circuitbreaker.StateOpen
	}))

	s.realtimeHub = realtime.NewHub(s.logger, cfg.AllowedOrigins...)

	s.escrowService = escrow.NewService(s.orders, s.listings, s.guarded, cfg.Fees(), cfg.EscrowPolicy(),
		escrow.WithClock(s.clock),
		escrow.WithEvents(s.realtimeHub),
		escrow.WithLogger(s.logger),
	)
	s.escrowTimer = escrow.NewTimer(s.escrowService, s.orders, cfg.SweepInterval, cfg.SweepMaxOps, cfg.SweepPageSize, s.logger)
	if cfg.SweepInterval > 0 {
		s.health.Register("release_timer", func(context.Context) health.Status {
			if !s.escrowTimer.Running() {
				return health.Status{Healthy: false, Detail: "not running"}
			}
			return health.Status{Healthy: true}
		})
	}

	s.reconciler = webhooks.NewReconciler(s.escrowService, s.guarded, ledger, s.logger)

	rl := ratelimit.DefaultConfig()
	if cfg.RateLimitRPM > 0 {
		rl.RequestsPerMinute = cfg.RateLimitRPM
	}
	s.rateLimiter = ratelimit.NewWithClock(rl, s.clock)

	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}

	s.router = gin.New()
	s.useMiddleware()
	s.mountRoutes()

	return s, nil
}

// Run serves HTTP and runs the background workers until ctx is canceled or
// the listener fails, then shuts everything down.
func (s *Server) Run(ctx context.Context) error {
	s.httpSrv = &http.Server{
		Addr:              ":" + s.cfg.Port,
		Handler:           s.router,
		ReadTimeout:       10 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		s.logger.Info("starting server", "port", s.cfg.Port, "env", s.cfg.Env)
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		s.realtimeHub.Run(gctx)
		return nil
	})

	if s.cfg.SweepInterval > 0 {
		g.Go(func() error {
			s.escrowTimer.Start(gctx)
			return nil
		})
	} else {
		s.logger.Info("in-process release timer disabled; relying on /v1/cron/release")
	}

	if s.db != nil {
		g.Go(func() error {
			metrics.StartDBStatsCollector(gctx, s.db, 15*time.Second)
			return nil
		})
	}

	s.ready.Store(true)
	s.logger.Info("server ready")

	g.Go(func() error {
		<-gctx.Done()
		return s.Shutdown()
	})

	return g.Wait()
}

// Shutdown stops accepting requests, drains in-flight ones and releases
// resources. Background workers exit with the Run context.
func (s *Server) Shutdown() error {
	s.ready.Store(false)
	s.logger.Info("starting graceful shutdown")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	var errs []error
	if s.httpSrv != nil {
		if err := s.httpSrv.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("http shutdown: %w", err))
		}
	}

	s.escrowTimer.Stop()
	s.rateLimiter.Stop()

	if s.traceShutdown != nil {
		if err := s.traceShutdown(ctx); err != nil {
			s.logger.Error("trace shutdown error", "error", err)
		}
	}

	if s.db != nil {
		if err := s.db.Close(); err != nil {
			errs = append(errs, fmt.Errorf("database close: %w", err))
		} else {
			s.logger.Info("database connection closed")
		}
	}

	s.logger.Info("server stopped")
	return errors.Join(errs...)
}

// Router returns the gin router for testing.
func (s *Server) Router() *gin.Engine {
	return s.router
}
