package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/aman-churiwal/admission-gateway/internal/circuitbreaker"
	"github.com/aman-churiwal/admission-gateway/internal/config"
	"github.com/aman-churiwal/admission-gateway/internal/handler"
	"github.com/aman-churiwal/admission-gateway/internal/metrics"
	"github.com/aman-churiwal/admission-gateway/internal/middleware"
	"github.com/aman-churiwal/admission-gateway/internal/pipeline"
	"github.com/aman-churiwal/admission-gateway/internal/proxy"
	"github.com/aman-churiwal/admission-gateway/internal/ratelimit"
	"github.com/aman-churiwal/admission-gateway/internal/repository"
	"github.com/aman-churiwal/admission-gateway/internal/requestlog"
	"github.com/aman-churiwal/admission-gateway/internal/service"
	"github.com/aman-churiwal/admission-gateway/internal/storage"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// Dependencies are the connections opened by the caller. Redis is required for the
// redis store; Postgres is optional.
type Dependencies struct {
	Redis    *storage.RedisClient
	Postgres *storage.Postgres
	Logger   *zap.Logger
}

type Server struct {
	router     *gin.Engine
	config     *config.Config
	deps       Dependencies
	logger     *zap.Logger
	metrics    *metrics.Metrics
	pipeline   *pipeline.Pipeline
	memory     *ratelimit.MemoryStore
	requestLog *requestlog.Writer
	httpServer *http.Server

	now          func() time.Time
	stopJanitors context.CancelFunc
}

type Option func(*Server)

// WithClock replaces the wall clock used by the limiter and the breaker.
func WithClock(now func() time.Time) Option {
	return func(s *Server) { s.now = now }
}

func New(cfg *config.Config, deps Dependencies, opts ...Option) (*Server, error) {
	if cfg.Server.Environment == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	s := &Server{
		router: gin.New(),
		config: cfg,
		deps:   deps,
		logger: logger,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}

	if cfg.Metrics.Enabled {
		s.metrics = metrics.New()
	}

	if err := s.initializePipeline(); err != nil {
		return nil, err
	}

	router, err := proxy.NewRouter(routes(cfg.Routing.Services), logger)
	if err != nil {
		return nil, err
	}

	if deps.Postgres != nil && cfg.RequestLog.Enabled {
		s.requestLog = requestlog.NewWriter(repository.NewAdmissionLogRepository(deps.Postgres), requestlog.Config{
			BufferSize:    cfg.RequestLog.BufferSize,
			BatchSize:     cfg.RequestLog.BatchSize,
			FlushInterval: cfg.RequestLog.FlushInterval,
		}, logger)
	}

	s.setupMiddleware()
	s.setupRoutes(router)

	return s, nil
}

func (s *Server) initializePipeline() error {
	cfg := s.config

	var store ratelimit.Store
	var storeTimeout time.Duration
	switch cfg.RateLimit.Store {
	case config.StoreRedis:
		if s.deps.Redis == nil {
			return errors.New("rate_limit.store is redis but no redis connection was provided")
		}
		store = ratelimit.NewRedisStore(s.deps.Redis)
		storeTimeout = cfg.Redis.OperationTimeout
	default:
		s.memory = ratelimit.NewMemoryStore(ratelimit.WithStoreClock(s.now))
		store = s.memory
	}

	limiter := ratelimit.NewTokenBucket(store, cfg.RateLimit.Capacity, cfg.RateLimit.RefillRatePerSec, cfg.RateLimit.IdleTTL,
		ratelimit.WithClock(s.now),
	)

	breaker := circuitbreaker.New(circuitbreaker.Config{
		FailureRateThreshold:   cfg.CircuitBreaker.FailureRateThreshold,
		MinimumCalls:           cfg.CircuitBreaker.MinimumCalls,
		SlidingWindowSize:      cfg.CircuitBreaker.SlidingWindowSize,
		WaitDuration:           cfg.CircuitBreaker.WaitDuration,
		PermittedHalfOpenCalls: cfg.CircuitBreaker.PermittedHalfOpenCalls,
	},
		circuitbreaker.WithClock(s.now),
		circuitbreaker.WithIdleTTL(cfg.CircuitBreaker.IdleTTL),
		circuitbreaker.WithStateChange(s.onStateChange),
		circuitbreaker.WithStateObserver(s.metrics.SetCircuitState),
		circuitbreaker.WithEvict(s.metrics.ForgetCircuit),
	)

	s.pipeline = pipeline.New(limiter, breaker, pipeline.Options{
		FailurePolicy: cfg.RateLimit.FailurePolicy,
		StoreTimeout:  storeTimeout,
		RetryAfter:    time.Duration(cfg.RateLimit.RetryAfterSeconds) * time.Second,
	}, s.logger, s.metrics)

	s.logger.Info("admission pipeline ready",
		zap.String("store", cfg.RateLimit.Store),
		zap.String("failure_policy", cfg.RateLimit.FailurePolicy),
		zap.Int64("capacity", limiter.Capacity()),
		zap.Int64("refill_rate_per_sec", limiter.RefillRate()),
	)
	return nil
}

func (s *Server) onStateChange(service string, from, to circuitbreaker.State) {
	s.metrics.CircuitTransition(service, from, to)
	s.logger.Warn("circuit state changed",
		zap.String("service", service),
		zap.String("from", from.String()),
		zap.String("to", to.String()),
	)
}

func routes(services []config.ServiceConfig) []proxy.Route {
	out := make([]proxy.Route, 0, len(services))
	for _, svc := range services {
		out = append(out, proxy.Route{
			Prefix:       svc.Path,
			Targets:      svc.Targets,
			LoadBalancer: svc.LoadBalancer,
			Timeout:      svc.Timeout,
		})
	}
	return out
}

func (s *Server) setupMiddleware() {
	s.router.Use(middleware.Recovery(s.logger))
	s.router.Use(middleware.RequestID())
	s.router.Use(middleware.Logger(s.logger))
	if s.requestLog != nil {
		s.router.Use(middleware.RequestLogger(s.requestLog))
	}
}

func (s *Server) setupRoutes(router *proxy.Router) {
	system := handler.NewSystemHandler(s.pipeline.Limiter(), s.pipeline.Breaker(), s.healthChecks(), s.logger)

	gw := s.router.Group("/gateway")
	{
		gw.GET("/health", system.Health)
		gw.GET("/rate-limit/status", system.RateLimitStatus)
		gw.DELETE("/rate-limit", system.ResetRateLimit)
		gw.GET("/circuit-breaker", system.ListCircuitBreakers)
		gw.GET("/circuit-breaker/status", system.CircuitBreakerStatus)
		gw.POST("/circuit-breaker/reset", system.ResetCircuitBreaker)

		if s.deps.Postgres != nil {
			analytics := handler.NewAnalyticsHandler(service.NewAnalyticsService(repository.NewAdmissionLogRepository(s.deps.Postgres)))
			gw.GET("/decisions/summary", analytics.GetSummary)
		}
	}

	if s.metrics != nil {
		s.router.GET(s.config.Metrics.Path, gin.WrapH(s.metrics.Handler()))
	}

	// Everything else is proxied: rate limit first, then the breaker, then the router.
	resolver := pipeline.NewServiceResolver(
		s.config.Routing.ServiceSuffix,
		s.config.Routing.DefaultService,
		s.config.Routing.ServiceByPath,
	)
	s.router.NoRoute(
		middleware.RateLimit(s.pipeline, s.config.Server.TrustForwardedFor),
		middleware.CircuitBreaker(s.pipeline, resolver),
		router.Handle,
	)

	for _, prefix := range router.Prefixes() {
		s.logger.Info("registered proxy route", zap.String("prefix", prefix))
	}
}

func (s *Server) healthChecks() map[string]handler.HealthCheck {
	checks := make(map[string]handler.HealthCheck)
	if s.deps.Redis != nil {
		checks["redis"] = s.deps.Redis.Ping
	}
	if s.deps.Postgres != nil {
		checks["database"] = s.deps.Postgres.Ping
	}
	return checks
}

// Start launches the background janitors without serving HTTP.
func (s *Server) Start() {
	ctx, cancel := context.WithCancel(context.Background())
	s.stopJanitors = cancel

	if s.memory != nil {
		s.memory.StartJanitor(ctx)
	}
	s.pipeline.Breaker().StartJanitor(ctx, time.Minute)
}

func (s *Server) Run(addr string) error {
	s.Start()

	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      s.router,
		ReadTimeout:  s.config.Server.ReadTimeout,
		WriteTimeout: s.config.Server.WriteTimeout,
		IdleTimeout:  s.config.Server.IdleTimeout,
	}

	s.logger.Info("starting admission gateway",
		zap.String("addr", addr),
		zap.String("environment", s.config.Server.Environment),
	)

	return s.httpServer.ListenAndServe()
}

func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down server")

	var errs []error
	if s.httpServer != nil {
		errs = append(errs, s.httpServer.Shutdown(ctx))
	}
	if s.stopJanitors != nil {
		s.stopJanitors()
	}
	if s.requestLog != nil {
		errs = append(errs, s.requestLog.Close(ctx))
		if dropped := s.requestLog.Dropped(); dropped > 0 {
			s.logger.Warn("admission log entries dropped", zap.Int64("count", dropped))
		}
	}
	return errors.Join(errs...)
}

func (s *Server) GetRouter() *gin.Engine {
	return s.router
}

func (s *Server) Pipeline() *pipeline.Pipeline {
	return s.pipeline
}
