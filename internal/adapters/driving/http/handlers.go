package http

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/custodia-labs/marketplace-orchestrator/docs"
	"github.com/custodia-labs/marketplace-orchestrator/internal/core/domain"
	"github.com/custodia-labs/marketplace-orchestrator/internal/core/ports/driven"
)

// ErrorResponse represents an API error response
// @Description API error response
type ErrorResponse struct {
	Error string `json:"error" example:"invalid request body"`
}

// StatusResponse represents a simple status response
// @Description Simple status response
type StatusResponse struct {
	Status string `json:"status" example:"ok"`
}

// VersionResponse represents the API version response
// @Description API version response
type VersionResponse struct {
	Version string `json:"version" example:"1.0.0"`
}

// ReadyResponse reports each dependency check
// @Description Readiness response
type ReadyResponse struct {
	Status string            `json:"status" example:"ready"`
	Checks map[string]string `json:"checks"`
}

// ResolveConflictRequest is the operator decision for a manual_review case
// @Description Operator conflict resolution
type ResolveConflictRequest struct {
	Resolution domain.Resolution `json:"resolution" example:"local_wins"`
}

// SetScheduleRequest pauses or resumes a schedule
// @Description Schedule toggle
type SetScheduleRequest struct {
	Enabled *bool `json:"enabled" example:"false"`
}

// Health endpoints

// handleHealth godoc
// @Summary      Health check
// @Description  Returns the health status of the API
// @Tags         Health
// @Produce      json
// @Success      200  {object}  StatusResponse
// @Router       /health [get]
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, StatusResponse{Status: "ok"})
}

// handleReady godoc
// @Summary      Readiness check
// @Description  Pings the database, Redis and the job queue
// @Tags         Health
// @Produce      json
// @Success      200  {object}  ReadyResponse
// @Failure      503  {object}  ReadyResponse
// @Router       /ready [get]
func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	checks := map[string]string{}
	ready := true
	for name, p := range map[string]Pinger{"database": s.db, "redis": s.redis, "queue": s.jobQueue} {
		if p == nil {
			continue
		}
		if err := p.Ping(ctx); err != nil {
			checks[name] = err.Error()
			ready = false
			continue
		}
		checks[name] = "ok"
	}

	if !ready {
		writeJSON(w, http.StatusServiceUnavailable, ReadyResponse{Status: "not ready", Checks: checks})
		return
	}
	writeJSON(w, http.StatusOK, ReadyResponse{Status: "ready", Checks: checks})
}

// handleVersion godoc
// @Summary      Get API version
// @Description  Returns the current API version
// @Tags         Health
// @Produce      json
// @Success      200  {object}  VersionResponse
// @Router       /version [get]
func (s *Server) handleVersion(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, VersionResponse{Version: s.version})
}

func (s *Server) handleSwaggerDoc(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write([]byte(docs.SwaggerInfo.ReadDoc()))
}

// Tool endpoints

// handleToolCall godoc
// @Summary      Call a tool
// @Description  Executes one agent tool call. Tool failures are returned in the error field with HTTP 200.
// @Tags         Tools
// @Accept       json
// @Produce      json
// @Security     BearerAuth
// @Param        request  body      domain.ToolCall  true  "Tool call"
// @Success      200      {object}  domain.ToolResponse
// @Failure      400      {object}  ErrorResponse  "Invalid request body"
// @Failure      401      {object}  ErrorResponse  "Unauthorized"
// @Router       /api/v1/tools/call [post]
func (s *Server) handleToolCall(w http.ResponseWriter, r *http.Request) {
	var call domain.ToolCall
	if err := json.NewDecoder(r.Body).Decode(&call); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if claims := GetClaims(r.Context()); claims != nil {
		call.AgentID = claims.AgentID
	}

	writeJSON(w, http.StatusOK, s.dispatcher.Call(r.Context(), call))
}

// handleListTools godoc
// @Summary      List tools
// @Description  Returns the tool set with argument schemas
// @Tags         Tools
// @Produce      json
// @Security     BearerAuth
// @Success      200  {array}   domain.ToolDescriptor
// @Router       /api/v1/tools [get]
func (s *Server) handleListTools(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.dispatcher.Tools())
}

// handleListInvocations godoc
// @Summary      Recent tool invocations
// @Description  Returns the audit log, newest first
// @Tags         Tools
// @Produce      json
// @Security     BearerAuth
// @Param        tool   query     string  false  "Tool name"
// @Param        limit  query     int     false  "Max results"  default(50)
// @Success      200    {array}   domain.ToolInvocation
// @Failure      503    {object}  ErrorResponse  "Audit log not configured"
// @Router       /api/v1/tools/invocations [get]
func (s *Server) handleListInvocations(w http.ResponseWriter, r *http.Request) {
	if s.audit == nil {
		writeError(w, http.StatusServiceUnavailable, "audit log not configured")
		return
	}
	limit := queryInt(r, "limit", 50)
	invs, err := s.audit.ListRecent(r.Context(), domain.ToolName(r.URL.Query().Get("tool")), limit)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, invs)
}

// Job endpoints

// handleListJobs godoc
// @Summary      List jobs
// @Tags         Jobs
// @Produce      json
// @Security     BearerAuth
// @Param        state   query     string  false  "Job state"
// @Param        kind    query     string  false  "Job kind"
// @Param        scope   query     string  false  "Listing id or all"
// @Param        limit   query     int     false  "Max results"
// @Param        offset  query     int     false  "Offset"
// @Success      200     {array}   domain.SyncJob
// @Router       /api/v1/jobs [get]
func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	jobs, err := s.jobs.ListJobs(r.Context(), driven.JobFilter{
		State:  domain.JobState(q.Get("state")),
		Kind:   domain.JobKind(q.Get("kind")),
		Scope:  q.Get("scope"),
		Limit:  queryInt(r, "limit", 0),
		Offset: queryInt(r, "offset", 0),
	})
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, jobs)
}

// handleJobStats godoc
// @Summary      Queue statistics
// @Tags         Jobs
// @Produce      json
// @Security     BearerAuth
// @Success      200  {object}  driven.QueueStats
// @Router       /api/v1/jobs/stats [get]
func (s *Server) handleJobStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.jobs.Stats(r.Context())
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

// handleGetJob godoc
// @Summary      Get job
// @Tags         Jobs
// @Produce      json
// @Security     BearerAuth
// @Param        id   path      string  true  "Job ID"
// @Success      200  {object}  domain.SyncJob
// @Failure      404  {object}  ErrorResponse  "Job not found"
// @Router       /api/v1/jobs/{id} [get]
func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	job, err := s.jobs.GetJob(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

// handleCancelJob godoc
// @Summary      Cancel job
// @Description  Cancels a queued or retrying job
// @Tags         Jobs
// @Produce      json
// @Security     BearerAuth
// @Param        id   path      string  true  "Job ID"
// @Success      200  {object}  domain.SyncJob
// @Failure      404  {object}  ErrorResponse  "Job not found"
// @Failure      409  {object}  ErrorResponse  "Job already running or finished"
// @Router       /api/v1/jobs/{id}/cancel [post]
func (s *Server) handleCancelJob(w http.ResponseWriter, r *http.Request) {
	job, err := s.jobs.CancelJob(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

// handleTriggerReconcile godoc
// @Summary      Trigger full reconcile
// @Tags         Jobs
// @Produce      json
// @Security     BearerAuth
// @Success      202  {object}  domain.SyncJob
// @Router       /api/v1/reconcile [post]
func (s *Server) handleTriggerReconcile(w http.ResponseWriter, r *http.Request) {
	job, err := s.jobs.TriggerReconcile(r.Context())
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, job)
}

// Schedule endpoints

// handleListSchedules godoc
// @Summary      List schedules
// @Tags         Schedules
// @Produce      json
// @Security     BearerAuth
// @Success      200  {array}   domain.ScheduledJob
// @Router       /api/v1/schedules [get]
func (s *Server) handleListSchedules(w http.ResponseWriter, r *http.Request) {
	schedules, err := s.schedules.ListSchedules(r.Context())
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, schedules)
}

// handleSetSchedule godoc
// @Summary      Enable or disable a schedule
// @Tags         Schedules
// @Accept       json
// @Produce      json
// @Security     BearerAuth
// @Param        id       path      string              true  "Schedule ID"
// @Param        request  body      SetScheduleRequest  true  "Toggle"
// @Success      200      {object}  domain.ScheduledJob
// @Failure      400      {object}  ErrorResponse  "Invalid request"
// @Failure      404      {object}  ErrorResponse  "Schedule not found"
// @Router       /api/v1/schedules/{id} [post]
func (s *Server) handleSetSchedule(w http.ResponseWriter, r *http.Request) {
	var req SetScheduleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Enabled == nil {
		writeError(w, http.StatusBadRequest, "request body must set enabled")
		return
	}

	scheduled, err := s.schedules.SetScheduleEnabled(r.Context(), r.PathValue("id"), *req.Enabled)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	s.logger.Info("schedule toggled", "schedule_id", scheduled.ID, "enabled", scheduled.Enabled)
	writeJSON(w, http.StatusOK, scheduled)
}

// Conflict endpoints

// handleListConflicts godoc
// @Summary      List conflicts
// @Tags         Conflicts
// @Produce      json
// @Security     BearerAuth
// @Param        listing_id  query     string  false  "Listing ID"
// @Param        open        query     bool    false  "Only open cases"
// @Param        limit       query     int     false  "Max results"
// @Param        offset      query     int     false  "Offset"
// @Success      200         {array}   domain.ConflictCase
// @Router       /api/v1/conflicts [get]
func (s *Server) handleListConflicts(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	openOnly, _ := strconv.ParseBool(q.Get("open"))
	cases, err := s.conflicts.ListConflicts(r.Context(), domain.ConflictFilter{
		ListingID: q.Get("listing_id"),
		OpenOnly:  openOnly,
		Limit:     queryInt(r, "limit", 0),
		Offset:    queryInt(r, "offset", 0),
	})
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, cases)
}

// handleGetConflict godoc
// @Summary      Get conflict
// @Tags         Conflicts
// @Produce      json
// @Security     BearerAuth
// @Param        id   path      string  true  "Conflict ID"
// @Success      200  {object}  domain.ConflictCase
// @Failure      404  {object}  ErrorResponse  "Conflict not found"
// @Router       /api/v1/conflicts/{id} [get]
func (s *Server) handleGetConflict(w http.ResponseWriter, r *http.Request) {
	c, err := s.conflicts.GetConflict(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, c)
}

// handleResolveConflict godoc
// @Summary      Resolve conflict
// @Description  local_wins enqueues a push_update, remote_wins applies the remote snapshot
// @Tags         Conflicts
// @Accept       json
// @Produce      json
// @Security     BearerAuth
// @Param        id       path      string                  true  "Conflict ID"
// @Param        request  body      ResolveConflictRequest  true  "Decision"
// @Success      200      {object}  domain.ConflictCase
// @Failure      400      {object}  ErrorResponse  "Invalid resolution"
// @Failure      404      {object}  ErrorResponse  "Conflict not found"
// @Failure      409      {object}  ErrorResponse  "Already resolved"
// @Router       /api/v1/conflicts/{id}/resolve [post]
func (s *Server) handleResolveConflict(w http.ResponseWriter, r *http.Request) {
	var req ResolveConflictRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	operator := ""
	if claims := GetClaims(r.Context()); claims != nil {
		operator = claims.AgentID
	}

	c, err := s.conflicts.ResolveConflict(r.Context(), r.PathValue("id"), req.Resolution, operator)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, c)
}

// Helper functions

// writeDomainError maps a domain error onto an HTTP status.
func (s *Server) writeDomainError(w http.ResponseWriter, err error) {
	if errors.Is(err, domain.ErrJobNotCancellable) {
		writeError(w, http.StatusConflict, err.Error())
		return
	}

	switch domain.CodeOf(err) {
	case domain.CodeInvalidArgument:
		writeError(w, http.StatusBadRequest, err.Error())
	case domain.CodeNotFound:
		writeError(w, http.StatusNotFound, err.Error())
	case domain.CodeVersionConflict:
		writeError(w, http.StatusConflict, err.Error())
	case domain.CodeQuotaExceeded:
		writeError(w, http.StatusTooManyRequests, err.Error())
	case domain.CodeUpstreamUnavailable, domain.CodeAuthRejected:
		writeError(w, http.StatusBadGateway, err.Error())
	default:
		s.logger.Error("request failed", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func queryInt(r *http.Request, key string, def int) int {
	v := r.URL.Query().Get(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return def
	}
	return n
}

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, ErrorResponse{Error: message})
}
