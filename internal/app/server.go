package app

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/llmrelay/llmrelay/internal/auth"
	"github.com/llmrelay/llmrelay/internal/counter"
	"github.com/llmrelay/llmrelay/internal/forward"
	"github.com/llmrelay/llmrelay/internal/httpapi"
	"github.com/llmrelay/llmrelay/internal/limits"
	"github.com/llmrelay/llmrelay/internal/logging"
	"github.com/llmrelay/llmrelay/internal/metrics"
	"github.com/llmrelay/llmrelay/internal/resolve"
	"github.com/llmrelay/llmrelay/internal/selector"
	"github.com/llmrelay/llmrelay/internal/store"
	"github.com/llmrelay/llmrelay/internal/synthetic"
	"github.com/llmrelay/llmrelay/internal/tracing"
	"github.com/llmrelay/llmrelay/internal/usage"
)

// Server wires the two HTTP planes over the shared stores.
type Server struct {
	cfg Config

	proxy     *chi.Mux
	dashboard *chi.Mux

	store   store.Store
	counter counter.Counter
	logger  *slog.Logger

	harnessStop     func()
	tracingShutdown func(context.Context) error
}

// NewServer builds the full pipeline. The caller owns the listeners.
func NewServer(cfg Config) (*Server, error) {
	logger := logging.Setup(cfg.LogLevel)

	tracingShutdown, err := tracing.Setup(tracing.Config{
		Enabled:     cfg.OTelEnabled,
		Endpoint:    cfg.OTelEndpoint,
		ServiceName: "llmrelay",
	})
	if err != nil {
		return nil, fmt.Errorf("tracing setup: %w", err)
	}

	db, err := store.NewSQLite(cfg.DBDSN)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	if err := db.Migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate store: %w", err)
	}
	logger.Info("database initialized", slog.String("dsn", cfg.DBDSN))

	var ctr counter.Counter
	if cfg.RedisAddr != "" {
		ctr, err = counter.NewRedis(context.Background(), cfg.RedisAddr, cfg.RedisPassword)
		if err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("connect counter store: %w", err)
		}
		logger.Info("counter store connected", slog.String("addr", cfg.RedisAddr))
	} else {
		ctr = counter.NewMemory()
		logger.Warn("no REDIS_ADDR configured, using in-process counters")
	}

	limitsResolver := limits.NewResolver(db, logger)
	quota := limits.NewQuotaGate(ctr, logger)
	budget := limits.NewBudgetGate(ctr, limitsResolver, logger)
	modelResolver := resolve.New(db, logger)
	sel := selector.New(ctr, logger)

	upstreamClient := &http.Client{Transport: tracing.HTTPTransport(nil)}
	fwd := forward.New(upstreamClient, sel, logger)
	recorder := usage.NewRecorder(db, ctr, quota, budget, logger)
	reg := metrics.New()

	s := &Server{
		cfg:             cfg,
		store:           db,
		counter:         ctr,
		logger:          logger,
		tracingShutdown: tracingShutdown,
	}

	s.proxy = chi.NewRouter()
	s.proxy.Use(middleware.RequestID)
	s.proxy.Use(middleware.RealIP)
	s.proxy.Use(logging.RequestLogger(logger))
	s.proxy.Use(middleware.Recoverer)
	s.proxy.Use(tracing.Middleware())
	httpapi.MountProxyRoutes(s.proxy, httpapi.ProxyDeps{
		Store:     db,
		Counter:   ctr,
		Auth:      auth.New(db, logger),
		Limits:    limitsResolver,
		Quota:     quota,
		Budget:    budget,
		Resolver:  modelResolver,
		Selector:  sel,
		Forwarder: fwd,
		Recorder:  recorder,
		Metrics:   reg,
		Logger:    logger,
	})

	origins := cfg.CORSOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	s.dashboard = chi.NewRouter()
	s.dashboard.Use(middleware.RequestID)
	s.dashboard.Use(middleware.RealIP)
	s.dashboard.Use(logging.RequestLogger(logger))
	s.dashboard.Use(middleware.Recoverer)
	s.dashboard.Use(cors.Handler(cors.Options{
		AllowedOrigins:   origins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Request-ID"},
		AllowCredentials: false,
		MaxAge:           300,
	}))
	httpapi.MountDashboardRoutes(s.dashboard, httpapi.DashboardDeps{
		Store:    db,
		Counter:  ctr,
		Sessions: httpapi.NewSessions(cfg.SessionSecret, cfg.AdminPasswordHash, cfg.Developers),
		Metrics:  reg,
		Logger:   logger,
	})

	if cfg.WorkerOrdinal == 1 {
		if err := s.bootstrapDefaults(context.Background()); err != nil {
			logger.Warn("defaults bootstrap failed", slog.String("error", err.Error()))
		}
		harness := synthetic.New(db, modelResolver, upstreamClient, logger)
		stop, err := harness.Start()
		if err != nil {
			s.closeStores()
			return nil, fmt.Errorf("start synthetic harness: %w", err)
		}
		s.harnessStop = stop
	}

	return s, nil
}

// bootstrapDefaults inserts the sentinel rate-limit row from the
// DEFAULT_* environment on first start; an existing row wins.
func (s *Server) bootstrapDefaults(ctx context.Context) error {
	cfg, err := s.store.GetRateLimitConfig(ctx)
	if err != nil {
		return err
	}
	if cfg != nil {
		return nil
	}
	s.logger.Info("seeding default rate limits",
		slog.Int64("rpm", s.cfg.DefaultRPM), slog.Int64("tpm", s.cfg.DefaultTPM),
		slog.Int64("tph", s.cfg.DefaultTPH), slog.Int64("tpd", s.cfg.DefaultTPD))
	return s.store.SaveRateLimitConfig(ctx, store.RateLimitConfig{
		Key: "default",
		RPM: s.cfg.DefaultRPM,
		TPM: s.cfg.DefaultTPM,
		TPH: s.cfg.DefaultTPH,
		TPD: s.cfg.DefaultTPD,
	})
}

// ProxyRouter is the data-plane handler.
func (s *Server) ProxyRouter() http.Handler { return s.proxy }

// DashboardRouter is the admin-plane handler.
func (s *Server) DashboardRouter() http.Handler { return s.dashboard }

// Close stops the harness and releases the stores.
func (s *Server) Close() error {
	if s.harnessStop != nil {
		s.harnessStop()
	}
	if s.tracingShutdown != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.tracingShutdown(ctx)
	}
	return s.closeStores()
}

func (s *Server) closeStores() error {
	var firstErr error
	if err := s.counter.Close(); err != nil {
		firstErr = err
	}
	if err := s.store.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}
