// Package api exposes the HTTP surface: run submission, status, cancel,
// health, and the reliability dashboard.
package api

import (
	"context"
	"database/sql"
	"log/slog"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/anchapin/cifixd/pkg/config"
	"github.com/anchapin/cifixd/pkg/models"
	"github.com/anchapin/cifixd/pkg/queue"
	"github.com/anchapin/cifixd/pkg/reliability"
)

// RunStore is the persistence surface the handlers consume. Implemented by
// store.Store.
type RunStore interface {
	CreateRun(ctx context.Context, run *models.AgentRun) error
	GetRun(ctx context.Context, id string) (*models.AgentRun, error)
	CountRunsByStatus(ctx context.Context, status models.RunStatus) (int, error)
	FinalizeRun(ctx context.Context, id string, status models.RunStatus, failureReason string) error
}

// PoolController is the worker pool surface the handlers consume.
type PoolController interface {
	CancelRun(runID string) bool
	Health() *queue.PoolHealth
}

// Server hosts the HTTP handlers.
type Server struct {
	store      RunStore
	db         *sql.DB
	pool       PoolController
	metrics    *reliability.Metrics
	thresholds *reliability.AdaptiveThresholdService
	queueCfg   *config.QueueConfig
	defaults   *config.Defaults
	logger     *slog.Logger
}

// Deps carries the server's collaborators. Store is required; the rest may
// be nil, which disables the corresponding endpoints' detail.
type Deps struct {
	Store      RunStore
	DB         *sql.DB
	Pool       PoolController
	Metrics    *reliability.Metrics
	Thresholds *reliability.AdaptiveThresholdService
	QueueCfg   *config.QueueConfig
	Defaults   *config.Defaults
	Logger     *slog.Logger
}

// NewServer creates the API server.
func NewServer(deps Deps) *Server {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	queueCfg := deps.QueueCfg
	if queueCfg == nil {
		queueCfg = config.DefaultQueueConfig()
	}
	return &Server{
		store:      deps.Store,
		db:         deps.DB,
		pool:       deps.Pool,
		metrics:    deps.Metrics,
		thresholds: deps.Thresholds,
		queueCfg:   queueCfg,
		defaults:   deps.Defaults,
		logger:     logger,
	}
}

// Router builds the gin engine with all routes registered.
func (s *Server) Router() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery(), s.requestLogger(), securityHeaders())

	r.GET("/health", s.healthHandler)
	r.GET("/version", s.versionHandler)

	v1 := r.Group("/api/v1")
	v1.POST("/runs", s.createRun)
	v1.GET("/runs/:id", s.getRun)
	v1.POST("/runs/:id/cancel", s.cancelRun)

	rel := v1.Group("/reliability")
	rel.GET("/dashboard", s.reliabilityDashboard)
	rel.GET("/thresholds", s.reliabilityThresholds)

	return r
}

// requestLogger logs each request with latency and status.
func (s *Server) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		s.logger.Info("HTTP request",
			"method", c.Request.Method,
			"path", c.Request.URL.Path,
			"status", c.Writer.Status(),
			"latency_ms", time.Since(start).Milliseconds())
	}
}

// securityHeaders sets standard security response headers.
func securityHeaders() gin.HandlerFunc {
	return func(c *gin.Context) {
		h := c.Writer.Header()
		h.Set("X-Frame-Options", "DENY")
		h.Set("X-Content-Type-Options", "nosniff")
		h.Set("Referrer-Policy", "strict-origin-when-cross-origin")
		c.Next()
	}
}
