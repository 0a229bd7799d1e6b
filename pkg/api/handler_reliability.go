package api

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// reliabilityDashboard handles GET /api/v1/reliability/dashboard: per-layer
// trigger and recovery aggregates over the event log.
func (s *Server) reliabilityDashboard(c *gin.Context) {
	if s.metrics == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "reliability metrics disabled"})
		return
	}
	summary, err := s.metrics.GetDashboardSummary(c.Request.Context())
	if err != nil {
		s.internalError(c, "dashboard summary", err)
		return
	}
	c.JSON(http.StatusOK, summary)
}

// reliabilityThresholds handles GET /api/v1/reliability/thresholds: the
// current adaptive threshold snapshot.
func (s *Server) reliabilityThresholds(c *gin.Context) {
	if s.thresholds == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "adaptive thresholds disabled"})
		return
	}
	c.JSON(http.StatusOK, s.thresholds.Snapshot())
}
