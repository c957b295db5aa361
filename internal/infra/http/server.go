package http

import (
	"context"
	"errors"
	"net/http"
	"time"

	"countersign/internal/config"
	"countersign/internal/domain"
	"countersign/internal/infra/metrics"
	"countersign/internal/usecase"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// HealthChecker reports whether a backing store is reachable.
type HealthChecker interface {
	Ping(ctx context.Context) error
}

type ServerDeps struct {
	Engine      *usecase.Engine
	RateLimiter domain.RateLimiter
	Metrics     *metrics.Prometheus
	Health      HealthChecker
	Logger      *zap.Logger
}

type Server struct {
	cfg     config.Config
	r       *gin.Engine
	log     *zap.Logger
	engine  *usecase.Engine
	metrics *metrics.Prometheus
	health  HealthChecker

	adminAPIKey string

	rateLimiter         domain.RateLimiter
	rateLimitRequests   int
	rateLimitWindow     time.Duration
	rateLimitFailClosed bool
}

func NewServer(cfg config.Config, deps ServerDeps) *Server {
	if !cfg.Development() {
		gin.SetMode(gin.ReleaseMode)
	}
	log := deps.Logger
	if log == nil {
		log = zap.NewNop()
	}
	s := &Server{
		cfg:                 cfg,
		r:                   gin.New(),
		log:                 log,
		engine:              deps.Engine,
		metrics:             deps.Metrics,
		health:              deps.Health,
		adminAPIKey:         cfg.AdminAPIKey,
		rateLimiter:         deps.RateLimiter,
		rateLimitRequests:   cfg.RateLimitRequests,
		rateLimitWindow:     cfg.RateLimitWindow(),
		rateLimitFailClosed: cfg.RateLimitFailClosed,
	}
	s.r.Use(gin.Recovery(), s.requestLogger())
	s.routes()
	return s
}

func (s *Server) Handler() http.Handler {
	return s.r
}

func (s *Server) routes() {
	s.r.GET("/healthz", s.handleHealth)
	if s.metrics != nil {
		s.r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(s.metrics.Registry, promhttp.HandlerOpts{})))
	}

	// Signer routes stay out of otelgin so access tokens never reach span
	// attributes; the engine opens its own spans for them.
	sign := s.r.Group("/sign/:token")
	{
		sign.GET("", s.rateLimited(routeSignView), s.handleSignerView)
		sign.GET("/document", s.rateLimited(routeSignDocument), s.handleSignerDocument)
		sign.POST("/code", s.rateLimited(routeSignCode), s.handleIssueCode)
		sign.POST("/code/verify", s.rateLimited(routeSignCodeVerify), s.handleVerifyCode)
		sign.POST("/sign", s.rateLimited(routeSignSubmit), s.handleSign)
		sign.POST("/reject", s.rateLimited(routeSignReject), s.handleReject)
	}

	traced := otelgin.Middleware(s.cfg.ServiceName)
	s.r.GET("/status/:uid", traced, s.rateLimited(routeStatus), s.handleStatus)

	v1 := s.r.Group("/v1", traced, s.requireAdmin)
	{
		v1.POST("/documents", s.handleUploadDocument)
		v1.POST("/signing-requests", s.handleCreateRequest)
		v1.GET("/signing-requests/:id", s.handleGetRequest)
		v1.DELETE("/signing-requests/:id", s.handleDeleteRequest)
		v1.POST("/signing-requests/:id/send", s.handleSendRequest)
		v1.POST("/signing-requests/:id/cancel", s.handleCancelRequest)
		v1.GET("/signing-requests/:id/audit", s.handleAudit)
	}

	s.r.NoRoute(func(c *gin.Context) {
		writeErrorCode(c, http.StatusNotFound, "NOT_FOUND", "route not found")
	})
}

func (s *Server) handleHealth(c *gin.Context) {
	mode := "memory"
	if s.health != nil {
		mode = "db"
		if err := s.health.Ping(c.Request.Context()); err != nil {
			s.log.Warn("health check failed", zap.Error(err))
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "degraded", "mode": mode})
			return
		}
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok", "mode": mode})
}

// Run serves until ctx is cancelled and then drains in-flight requests.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.cfg.HTTPAddr,
		Handler:           s.r,
		ReadHeaderTimeout: 10 * time.Second,
	}
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		s.log.Info("http server listening", zap.String("addr", s.cfg.HTTPAddr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	return g.Wait()
}
