// Package api serves the control and inspection HTTP surface of one
// leasecast instance.
package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"leasecast/pkg/api/middleware"
	"leasecast/pkg/auth"
	"leasecast/pkg/clock"
	"leasecast/pkg/coordination"
	"leasecast/pkg/medium"
	"leasecast/pkg/notify"
	tracing "leasecast/pkg/observability"
	"leasecast/pkg/resilience"
	"leasecast/pkg/storage"
)

// Elector is the election surface the API reads and drives.
type Elector interface {
	coordination.Elector
	InstanceID() string
	UserID() string
	Breaker() resilience.Snapshot
}

// Channel is the notification surface the API drives.
type Channel interface {
	notify.Channel
	Started() bool
}

// Server encapsulates the HTTP API server and its dependencies.
type Server struct {
	router     *gin.Engine
	httpServer *http.Server
	limiter    *middleware.RateLimiter

	partition string
	elector   Elector
	channel   Channel
	store     storage.Store
	medium    medium.Medium
	clock     clock.Clock
	log       *zap.Logger
}

// Config holds API server configuration.
type Config struct {
	Port string
	// Partition is the persistence key served; scoped tokens must match it.
	Partition string
	Elector   Elector
	Channel   Channel
	Store     storage.Store
	Medium    medium.Medium
	// JWT nil leaves mutating routes open.
	JWT       *auth.JWTService
	RateLimit middleware.RateLimiterConfig
	Clock     clock.Clock
	Log       *zap.Logger
}

// NewServer creates a new API server with all dependencies.
func NewServer(cfg Config) *Server {
	gin.SetMode(gin.ReleaseMode)
	if cfg.Clock == nil {
		cfg.Clock = clock.Real{}
	}
	if cfg.Log == nil {
		cfg.Log = zap.NewNop()
	}
	if cfg.RateLimit.RequestsPerMinute == 0 {
		cfg.RateLimit = middleware.DefaultRateLimiterConfig()
	}

	limiter := middleware.NewRateLimiter(cfg.RateLimit, cfg.Clock)
	router := gin.New()

	// Middleware stack (order matters)
	router.Use(gin.Recovery())
	router.Use(middleware.RequestIDMiddleware())
	router.Use(middleware.TracingMiddleware())
	router.Use(middleware.SecurityHeadersMiddleware())
	router.Use(middleware.MetricsMiddleware())
	router.Use(requestLogger(cfg.Log))
	router.Use(limiter.Middleware())
	router.Use(middleware.BodySizeLimitMiddleware(64 << 10))

	s := &Server{
		router:    router,
		limiter:   limiter,
		partition: cfg.Partition,
		elector:   cfg.Elector,
		channel:   cfg.Channel,
		store:     cfg.Store,
		medium:    cfg.Medium,
		clock:     cfg.Clock,
		log:       cfg.Log,
	}

	s.registerRoutes(middleware.AuthConfig{JWTService: cfg.JWT, Partition: cfg.Partition})

	s.httpServer = &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      router,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return s
}

// Handler exposes the router for in-process testing.
func (s *Server) Handler() http.Handler { return s.router }

// Start listens until Shutdown. Rate limiter bookkeeping stops with ctx.
func (s *Server) Start(ctx context.Context) error {
	go s.limiter.RunCleanup(ctx)
	s.log.Info("control API listening", zap.String("addr", s.httpServer.Addr))
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("failed to start server: %w", err)
	}
	return nil
}

// Shutdown gracefully stops the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.log.Info("control API shutting down")
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) registerRoutes(authCfg middleware.AuthConfig) {
	s.router.GET("/health", s.healthCheck)
	s.router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	v1 := s.router.Group("/api/v1")
	{
		v1.GET("/status", s.getStatus)
		v1.GET("/lease", s.getLease)
		v1.GET("/instances", s.listInstances)

		secured := v1.Group("", middleware.AuthMiddleware(authCfg))

		secured.PUT("/visibility", middleware.RequireRole(authCfg, auth.RoleAdmin), s.setVisibility)

		mutations := secured.Group("/mutations", middleware.RequireRole(authCfg, auth.RoleOperator))
		{
			mutations.POST("/:id", s.addMutation)
			mutations.POST("/:id/ack", s.acknowledgeMutation)
			mutations.POST("/:id/reject", s.rejectMutation)
		}

		targets := secured.Group("/targets", middleware.RequireRole(authCfg, auth.RoleOperator))
		{
			targets.POST("/current", s.updateTargets)
			targets.POST("/:id", s.addTarget)
			targets.DELETE("/:id", s.removeTarget)
			targets.POST("/:id/reject", s.rejectTarget)
		}
	}
}

// requestLogger logs each request with its request and trace ids.
func requestLogger(log *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path

		c.Next()

		fields := []zap.Field{
			zap.String("method", c.Request.Method),
			zap.String("path", path),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("latency", time.Since(start)),
			zap.String("request_id", middleware.RequestID(c)),
		}
		if traceID := tracing.TraceID(c.Request.Context()); traceID != "" {
			fields = append(fields, zap.String("trace_id", traceID))
		}
		if len(c.Errors) > 0 {
			fields = append(fields, zap.String("errors", c.Errors.String()))
		}
		if c.Writer.Status() >= http.StatusInternalServerError {
			log.Warn("request failed", fields...)
			return
		}
		log.Debug("request", fields...)
	}
}
