package httpapi

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/cylvy/landscape-pipeline/internal/config"
	"github.com/cylvy/landscape-pipeline/internal/store"
)

func bindJSONString(raw string, v interface{}) error {
	return json.Unmarshal([]byte(raw), v)
}

// startRequest is the body of POST /pipelines/start.
type startRequest struct {
	Project    string                `json:"project" binding:"required"`
	PeriodDate string                `json:"period_date" binding:"required"`
	Mode       string                `json:"mode"` // "initial" (default) or "incremental"
	Overrides  config.PipelineConfig `json:"overrides"`
}

func (s *Server) handleStart(c *gin.Context) {
	var req startRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	mode := store.ModeInitial
	if req.Mode == string(store.ModeIncremental) {
		mode = store.ModeIncremental
	}
	cfg := config.Merge(s.configBase(), req.Overrides)
	cfg.Project = req.Project
	if err := cfg.Validate(); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	runID, err := s.orch.Start(c.Request.Context(), req.Project, req.PeriodDate, mode, cfg)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"run_id": runID})
}

func (s *Server) handleStatus(c *gin.Context) {
	runID := c.Param("id")
	run, err := s.store.GetPipelineRun(runID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if run == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "no such pipeline run"})
		return
	}
	c.JSON(http.StatusOK, run)
}

func (s *Server) handlePhases(c *gin.Context) {
	runID := c.Param("id")
	statuses, err := s.store.ListPhaseStatuses(runID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"phases": statuses})
}

func (s *Server) handleActivity(c *gin.Context) {
	runID := c.Param("id")
	var since int64
	if v := c.Query("since"); v != "" {
		since, _ = strconv.ParseInt(v, 10, 64)
	}
	events, err := s.store.ListEvents(runID, since, 200)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"events": events})
}

func (s *Server) handleResume(c *gin.Context) {
	runID := c.Param("id")
	run, err := s.store.GetPipelineRun(runID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if run == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "no such pipeline run"})
		return
	}
	cfg := s.configBase()
	if run.ConfigSnapshot != "" {
		_ = bindJSONString(run.ConfigSnapshot, &cfg)
	}
	if err := s.orch.Resume(c.Request.Context(), runID, cfg); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "resumed"})
}

func (s *Server) handleCancel(c *gin.Context) {
	runID := c.Param("id")
	if err := s.orch.Cancel(runID); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "cancelled"})
}

type forceCompleteRequest struct {
	Phase string `json:"phase" binding:"required"`
	Force bool   `json:"force"`
}

func (s *Server) handleForceComplete(c *gin.Context) {
	runID := c.Param("id")
	var req forceCompleteRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := s.orch.ForceComplete(runID, config.PhaseName(req.Phase), req.Force); err != nil {
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "completed"})
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// handleResetBreaker backs `pipelinectl reset-circuit-breaker`: force a
// named service's breaker closed without waiting out its cooldown.
func (s *Server) handleResetBreaker(c *gin.Context) {
	service := c.Param("service")
	s.breakers.Reset(service)
	c.JSON(http.StatusOK, gin.H{"status": "reset", "service": service})
}

type forceRestartRequest struct {
	Overrides config.PipelineConfig `json:"overrides"`
}

// handleForceRestart backs `pipelinectl force-restart`: cancel the run
// if still active and start a new one for the same project/period-date.
func (s *Server) handleForceRestart(c *gin.Context) {
	runID := c.Param("id")
	var req forceRestartRequest
	_ = c.ShouldBindJSON(&req)

	cfg := config.Merge(s.configBase(), req.Overrides)
	newID, err := s.orch.ForceRestart(c.Request.Context(), runID, cfg)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"run_id": newID})
}
