package api

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/anchapin/cifixd/pkg/database"
	"github.com/anchapin/cifixd/pkg/queue"
	"github.com/anchapin/cifixd/pkg/version"
)

const (
	healthStatusHealthy   = "healthy"
	healthStatusDegraded  = "degraded"
	healthStatusUnhealthy = "unhealthy"
)

// HealthResponse is returned by GET /health.
type HealthResponse struct {
	Status     string                 `json:"status"`
	Version    string                 `json:"version"`
	Database   *database.HealthStatus `json:"database,omitempty"`
	WorkerPool *queue.PoolHealth      `json:"worker_pool,omitempty"`
}

// healthHandler handles GET /health. Only cifixd's own components (database,
// worker pool) are checked; external services are excluded so an LLM or host
// outage does not make the orchestrator restart the process.
func (s *Server) healthHandler(c *gin.Context) {
	reqCtx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
	defer cancel()

	status := healthStatusHealthy
	resp := &HealthResponse{Version: version.GitCommit}

	if s.db != nil {
		dbHealth, err := database.Health(reqCtx, s.db)
		resp.Database = dbHealth
		if err != nil {
			status = healthStatusUnhealthy
		}
	}

	if s.pool != nil {
		poolHealth := s.pool.Health()
		resp.WorkerPool = poolHealth
		if poolHealth != nil && !poolHealth.IsHealthy && status == healthStatusHealthy {
			status = healthStatusDegraded
		}
	}

	resp.Status = status
	httpStatus := http.StatusOK
	if status == healthStatusUnhealthy {
		httpStatus = http.StatusServiceUnavailable
	}
	c.JSON(httpStatus, resp)
}

// versionHandler handles GET /version.
func (s *Server) versionHandler(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"name":    version.AppName,
		"version": version.Full(),
		"commit":  version.GitCommit,
	})
}
