// Package httpapi exposes the pipeline's control-verb HTTP surface:
// start/status/phases/activity/resume/cancel/force-complete, the
// inbound SERP batch webhook, an activity-stream websocket, and a
// prometheus /metrics endpoint. Grounded on the teacher's gin-gonic
// router setup (internal/api/server.go) and JWT middleware
// (internal/api/middleware/auth.go, internal/auth/jwt.go), both
// trimmed to the single shared-secret operator identity and the eight
// named control verbs this pipeline needs — the teacher's surface
// additionally carries multi-tenant API-key management, RBAC roles,
// and dozens of drift/discovery endpoints this pipeline has no use for.
package httpapi

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/cylvy/landscape-pipeline/internal/breaker"
	"github.com/cylvy/landscape-pipeline/internal/config"
	"github.com/cylvy/landscape-pipeline/internal/coordinator"
	"github.com/cylvy/landscape-pipeline/internal/logger"
	"github.com/cylvy/landscape-pipeline/internal/orchestrator"
	"github.com/cylvy/landscape-pipeline/internal/store"
)

// Server bundles the gin router with every collaborator its handlers need.
type Server struct {
	router        *gin.Engine
	httpServer    *http.Server
	store         *store.Store
	orch          *orchestrator.Orchestrator
	coord         *coordinator.Coordinator
	breakers      *breaker.Registry
	log           logger.Logger
	configBase    func() config.PipelineConfig
	webhookSecret string
	hub           *activityHub
	stopPoll      chan struct{}
}

// Config configures a Server.
type Config struct {
	Addr          string
	AuthSecret    string        // HMAC secret for operator bearer tokens
	TokenTTL      time.Duration // 0 uses TokenIssuer's default
	WebhookSecret string        // empty disables signature verification
	MetricsReg    prometheus.Registerer
}

// New builds the router and registers every route. It does not start
// listening; call Start for that.
func New(cfg Config, s *store.Store, orch *orchestrator.Orchestrator, coord *coordinator.Coordinator,
	breakers *breaker.Registry, configBase func() config.PipelineConfig, log logger.Logger) *Server {

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(requestLogger(log))

	srv := &Server{
		router:        router,
		store:         s,
		orch:          orch,
		coord:         coord,
		breakers:      breakers,
		log:           log,
		configBase:    configBase,
		webhookSecret: cfg.WebhookSecret,
		hub:           newActivityHub(log),
		stopPoll:      make(chan struct{}),
	}

	issuer := NewTokenIssuer(cfg.AuthSecret, cfg.TokenTTL)

	reg := cfg.MetricsReg
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	reg.MustRegister(breakers.Collector())

	router.GET("/healthz", srv.handleHealth)
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))
	router.GET("/ws/activity", func(c *gin.Context) { srv.hub.handle(c) })

	pipelines := router.Group("/pipelines")
	{
		pipelines.GET("/:id/status", srv.handleStatus)
		pipelines.GET("/:id/phases", srv.handlePhases)
		pipelines.GET("/:id/activity", srv.handleActivity)
	}

	mutating := router.Group("/pipelines")
	mutating.Use(issuer.RequireOperator())
	{
		mutating.POST("/start", srv.handleStart)
		mutating.POST("/:id/resume", srv.handleResume)
		mutating.POST("/:id/cancel", srv.handleCancel)
		mutating.POST("/:id/force-complete", srv.handleForceComplete)
		mutating.POST("/:id/force-restart", srv.handleForceRestart)
	}

	breakerRoutes := router.Group("/breakers")
	breakerRoutes.Use(issuer.RequireOperator())
	{
		breakerRoutes.POST("/:service/reset", srv.handleResetBreaker)
	}

	router.POST("/webhooks/serp", srv.handleWebhook)

	srv.httpServer = &http.Server{Addr: cfg.Addr, Handler: router}
	return srv
}

// Start begins serving in the background and starts the activity
// poller; it returns immediately.
func (s *Server) Start() {
	go s.hub.pollActivity(s.store, 2*time.Second, s.stopPoll)
	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.log.Error("httpapi: server stopped", logger.Err(err))
		}
	}()
}

// Shutdown gracefully stops the HTTP server and activity poller.
func (s *Server) Shutdown(ctx context.Context) error {
	close(s.stopPoll)
	return s.httpServer.Shutdown(ctx)
}

// requestLogger logs each request at Info level, grounded on the
// teacher's gin.Logger() middleware replaced with the shared
// structured logger so request lines carry the same fields as
// everything else in the process.
func requestLogger(log logger.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		log.Info("http request",
			logger.String("method", c.Request.Method),
			logger.String("path", c.Request.URL.Path),
			logger.Int("status", c.Writer.Status()),
			logger.Duration("latency", time.Since(start)))
	}
}
