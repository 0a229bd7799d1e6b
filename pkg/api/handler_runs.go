package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/anchapin/cifixd/pkg/models"
	"github.com/anchapin/cifixd/pkg/store"
)

// CreateRunRequest is the body of POST /api/v1/runs.
type CreateRunRequest struct {
	RepoURL      string  `json:"repo_url" binding:"required"`
	Host         string  `json:"host"`
	MainRunID    int64   `json:"main_run_id" binding:"required"`
	RelatedRuns  []int64 `json:"related_runs"`
	WorkflowPath string  `json:"workflow_path"`
	HeadSHA      string  `json:"head_sha"`

	ExecutionBackend string  `json:"execution_backend"`
	LLMProvider      string  `json:"llm_provider"`
	LLMModel         string  `json:"llm_model"`
	BudgetUSD        float64 `json:"budget_usd"`
	MaxIterations    int     `json:"max_iterations"`
}

// CreateRunResponse is returned by POST /api/v1/runs.
type CreateRunResponse struct {
	RunID  string           `json:"run_id"`
	Status models.RunStatus `json:"status"`
}

// RunResponse is returned by GET /api/v1/runs/:id.
type RunResponse struct {
	ID            string           `json:"id"`
	GroupID       string           `json:"group_id"`
	Status        models.RunStatus `json:"status"`
	FailureReason string           `json:"failure_reason,omitempty"`
	Iteration     int              `json:"iteration"`
	CurrentNode   models.GraphNode `json:"current_node,omitempty"`
	CreatedAt     time.Time        `json:"created_at"`
	StartedAt     *time.Time       `json:"started_at,omitempty"`
	CompletedAt   *time.Time       `json:"completed_at,omitempty"`
}

// createRun admits a new repair run. The admission queue is bounded: beyond
// MaxPendingRuns the request fails fast with 503 instead of queueing.
func (s *Server) createRun(c *gin.Context) {
	var req CreateRunRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	pending, err := s.store.CountRunsByStatus(c.Request.Context(), models.RunStatusPending)
	if err != nil {
		s.internalError(c, "count pending runs", err)
		return
	}
	if pending >= s.queueCfg.MaxPendingRuns {
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"error": fmt.Sprintf("queue is full (%d pending runs)", pending),
		})
		return
	}

	maxIterations := req.MaxIterations
	if maxIterations <= 0 {
		maxIterations = s.defaults.MaxIterationsOrDefault()
	}

	runID := uuid.NewString()
	state := models.NewGraphState(runID,
		models.RunConfig{
			Host:             req.Host,
			RepoURL:          req.RepoURL,
			ExecutionBackend: req.ExecutionBackend,
			LLMProvider:      req.LLMProvider,
			LLMModel:         req.LLMModel,
			BudgetUSD:        req.BudgetUSD,
		},
		models.RunGroup{
			MainRunID:    req.MainRunID,
			RelatedRuns:  req.RelatedRuns,
			WorkflowPath: req.WorkflowPath,
			HeadSHA:      req.HeadSHA,
		},
		maxIterations)

	raw, err := json.Marshal(state)
	if err != nil {
		s.internalError(c, "marshal initial state", err)
		return
	}

	run := &models.AgentRun{
		ID:      runID,
		GroupID: fmt.Sprintf("%d", req.MainRunID),
		Status:  models.RunStatusPending,
		State:   raw,
	}
	if err := s.store.CreateRun(c.Request.Context(), run); err != nil {
		s.internalError(c, "create run", err)
		return
	}

	c.JSON(http.StatusCreated, CreateRunResponse{RunID: runID, Status: models.RunStatusPending})
}

// getRun returns a run's status, enriched with the iteration and node from
// its latest state snapshot.
func (s *Server) getRun(c *gin.Context) {
	run, err := s.store.GetRun(c.Request.Context(), c.Param("id"))
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "run not found"})
			return
		}
		s.internalError(c, "get run", err)
		return
	}

	resp := RunResponse{
		ID:            run.ID,
		GroupID:       run.GroupID,
		Status:        run.Status,
		FailureReason: run.FailureReason,
		CreatedAt:     run.CreatedAt,
		StartedAt:     run.StartedAt,
		CompletedAt:   run.CompletedAt,
	}
	if len(run.State) > 0 {
		var state models.GraphState
		if err := json.Unmarshal(run.State, &state); err == nil {
			resp.Iteration = state.Iteration
			resp.CurrentNode = state.CurrentNode
		}
	}

	c.JSON(http.StatusOK, resp)
}

// cancelRun cancels a run: in-flight runs on this pod are signalled through
// the pool's cancel registry; pending runs are finalized directly.
func (s *Server) cancelRun(c *gin.Context) {
	id := c.Param("id")

	if s.pool != nil && s.pool.CancelRun(id) {
		c.JSON(http.StatusAccepted, gin.H{"run_id": id, "message": "cancellation signalled"})
		return
	}

	run, err := s.store.GetRun(c.Request.Context(), id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "run not found"})
			return
		}
		s.internalError(c, "get run", err)
		return
	}

	switch run.Status {
	case models.RunStatusPending:
		if err := s.store.FinalizeRun(c.Request.Context(), id, models.RunStatusCancelled, "cancelled before start"); err != nil {
			s.internalError(c, "cancel pending run", err)
			return
		}
		c.JSON(http.StatusAccepted, gin.H{"run_id": id, "message": "pending run cancelled"})
	case models.RunStatusWorking:
		// Claimed by another pod; its orphan recovery or API will handle it.
		c.JSON(http.StatusConflict, gin.H{"error": "run is executing on another pod"})
	default:
		c.JSON(http.StatusConflict, gin.H{"error": fmt.Sprintf("run is already %s", run.Status)})
	}
}

func (s *Server) internalError(c *gin.Context, op string, err error) {
	s.logger.Error("Request failed", "op", op, "error", err)
	c.JSON(http.StatusInternalServerError, gin.H{"error": "internal server error"})
}
