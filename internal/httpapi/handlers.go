package httpapi

import (
	"context"
	stderrors "errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/devboard/devboard/internal/common/errors"
	"github.com/devboard/devboard/internal/common/logger"
	"github.com/devboard/devboard/internal/engine"
	"github.com/devboard/devboard/internal/engine/lock"
	"github.com/devboard/devboard/internal/events/bus"
	"github.com/devboard/devboard/internal/probe"
	"github.com/devboard/devboard/internal/store"
)

// Handler contains the REST handlers.
type Handler struct {
	store  *store.Store
	engine *engine.Engine
	prober *probe.Prober
	bus    bus.EventBus
	logger *logger.Logger
}

// NewHandler creates the REST handler set.
func NewHandler(st *store.Store, eng *engine.Engine, prober *probe.Prober, eventBus bus.EventBus, log *logger.Logger) *Handler {
	return &Handler{
		store:  st,
		engine: eng,
		prober: prober,
		bus:    eventBus,
		logger: log.WithFields(zap.String("component", "api")),
	}
}

func (h *Handler) respondError(c *gin.Context, err error) {
	var appErr *errors.AppError
	switch {
	case stderrors.As(err, &appErr):
	case stderrors.Is(err, store.ErrNotFound):
		appErr = errors.NotFound("resource", c.Param("issueId")+c.Param("projectId"))
	case stderrors.Is(err, engine.ErrExecutionActive), stderrors.Is(err, engine.ErrTooManyExecutions):
		appErr = errors.Conflict(err.Error())
	case stderrors.Is(err, engine.ErrNoSession), stderrors.Is(err, engine.ErrNotRestartable):
		appErr = errors.BadRequest(err.Error())
	case stderrors.Is(err, lock.ErrQueueFull), stderrors.Is(err, lock.ErrAcquireTimeout):
		appErr = errors.Conflict(err.Error())
	default:
		appErr = errors.InternalError("request failed", err)
		h.logger.Error("request failed", zap.String("path", c.FullPath()), zap.Error(err))
	}
	c.JSON(appErr.HTTPStatus, appErr)
}

// CreateProject handles POST /api/v1/projects
func (h *Handler) CreateProject(c *gin.Context) {
	var project store.Project
	if err := c.ShouldBindJSON(&project); err != nil {
		h.respondError(c, errors.ValidationError("request", err.Error()))
		return
	}
	if project.Name == "" {
		h.respondError(c, errors.ValidationError("name", "must not be empty"))
		return
	}
	if err := h.store.CreateProject(c.Request.Context(), &project); err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, project)
}

// ListProjects handles GET /api/v1/projects
func (h *Handler) ListProjects(c *gin.Context) {
	projects, err := h.store.ListProjects(c.Request.Context())
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"projects": projects, "total": len(projects)})
}

// GetProject handles GET /api/v1/projects/:projectId
func (h *Handler) GetProject(c *gin.Context) {
	project, err := h.store.GetProject(c.Request.Context(), c.Param("projectId"))
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, project)
}

// UpdateProject handles PUT /api/v1/projects/:projectId
func (h *Handler) UpdateProject(c *gin.Context) {
	project, err := h.store.GetProject(c.Request.Context(), c.Param("projectId"))
	if err != nil {
		h.respondError(c, err)
		return
	}
	if err := c.ShouldBindJSON(project); err != nil {
		h.respondError(c, errors.ValidationError("request", err.Error()))
		return
	}
	if err := h.store.UpdateProject(c.Request.Context(), project); err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, project)
}

// DeleteProject handles DELETE /api/v1/projects/:projectId
func (h *Handler) DeleteProject(c *gin.Context) {
	if err := h.store.DeleteProject(c.Request.Context(), c.Param("projectId")); err != nil {
		h.respondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// CreateIssue handles POST /api/v1/projects/:projectId/issues
func (h *Handler) CreateIssue(c *gin.Context) {
	var issue store.Issue
	if err := c.ShouldBindJSON(&issue); err != nil {
		h.respondError(c, errors.ValidationError("request", err.Error()))
		return
	}
	if issue.Title == "" {
		h.respondError(c, errors.ValidationError("title", "must not be empty"))
		return
	}
	issue.ProjectID = c.Param("projectId")
	if err := h.store.CreateIssue(c.Request.Context(), &issue); err != nil {
		h.respondError(c, err)
		return
	}
	h.activateIfWorking(issue.ID, issue.Status)
	c.JSON(http.StatusCreated, issue)
}

// activateIfWorking kicks off an execution for an issue placed into working.
// Runs in the background: activation takes the issue lock and spawns a
// subprocess, neither of which should hold the HTTP response.
func (h *Handler) activateIfWorking(issueID string, status store.IssueStatus) {
	if status != store.IssueStatusWorking {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
		defer cancel()
		err := h.engine.ActivateIssue(ctx, issueID)
		if err != nil && !stderrors.Is(err, engine.ErrNoSession) && !stderrors.Is(err, engine.ErrExecutionActive) {
			h.logger.Error("issue activation failed", zap.String("issue_id", issueID), zap.Error(err))
		}
	}()
}

// ListIssues handles GET /api/v1/projects/:projectId/issues
func (h *Handler) ListIssues(c *gin.Context) {
	issues, err := h.store.ListIssues(c.Request.Context(), c.Param("projectId"))
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"issues": issues, "total": len(issues)})
}

// GetIssue handles GET /api/v1/issues/:issueId
func (h *Handler) GetIssue(c *gin.Context) {
	issue, err := h.store.GetIssue(c.Request.Context(), c.Param("issueId"))
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, issue)
}

// UpdateIssue handles PUT /api/v1/issues/:issueId
func (h *Handler) UpdateIssue(c *gin.Context) {
	issue, err := h.store.GetIssue(c.Request.Context(), c.Param("issueId"))
	if err != nil {
		h.respondError(c, err)
		return
	}
	if err := c.ShouldBindJSON(issue); err != nil {
		h.respondError(c, errors.ValidationError("request", err.Error()))
		return
	}
	if err := h.store.UpdateIssue(c.Request.Context(), issue); err != nil {
		h.respondError(c, err)
		return
	}
	h.activateIfWorking(issue.ID, issue.Status)
	c.JSON(http.StatusOK, issue)
}

// UpdateIssueStatus handles PUT /api/v1/issues/:issueId/status
func (h *Handler) UpdateIssueStatus(c *gin.Context) {
	var req struct {
		Status store.IssueStatus `json:"status"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		h.respondError(c, errors.ValidationError("request", err.Error()))
		return
	}
	switch req.Status {
	case store.IssueStatusTodo, store.IssueStatusWorking, store.IssueStatusReview, store.IssueStatusDone:
	default:
		h.respondError(c, errors.ValidationError("status", "unknown status"))
		return
	}
	if err := h.store.UpdateIssueStatus(c.Request.Context(), c.Param("issueId"), req.Status); err != nil {
		h.respondError(c, err)
		return
	}
	h.activateIfWorking(c.Param("issueId"), req.Status)
	c.JSON(http.StatusOK, gin.H{"status": req.Status})
}

// DeleteIssue handles DELETE /api/v1/issues/:issueId
func (h *Handler) DeleteIssue(c *gin.Context) {
	if err := h.store.DeleteIssue(c.Request.Context(), c.Param("issueId")); err != nil {
		h.respondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// ListLogs handles GET /api/v1/issues/:issueId/logs
func (h *Handler) ListLogs(c *gin.Context) {
	entries, err := h.store.ListLogEntries(c.Request.Context(), c.Param("issueId"))
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"logs": entries, "total": len(entries)})
}

// ListToolCalls handles GET /api/v1/issues/:issueId/tool-calls
func (h *Handler) ListToolCalls(c *gin.Context) {
	calls, err := h.store.ListToolCalls(c.Request.Context(), c.Param("issueId"))
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"tool_calls": calls, "total": len(calls)})
}

// ListAttachments handles GET /api/v1/issues/:issueId/attachments
func (h *Handler) ListAttachments(c *gin.Context) {
	attachments, err := h.store.ListAttachments(c.Request.Context(), c.Param("issueId"))
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"attachments": attachments, "total": len(attachments)})
}

// ExecuteIssue handles POST /api/v1/issues/:issueId/execute
func (h *Handler) ExecuteIssue(c *gin.Context) {
	var req engine.ExecuteRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.respondError(c, errors.ValidationError("request", err.Error()))
		return
	}
	if req.Prompt == "" {
		h.respondError(c, errors.ValidationError("prompt", "must not be empty"))
		return
	}
	result, err := h.engine.ExecuteIssue(c.Request.Context(), c.Param("issueId"), req)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, result)
}

// FollowUpIssue handles POST /api/v1/issues/:issueId/followup
func (h *Handler) FollowUpIssue(c *gin.Context) {
	var req engine.FollowUpRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.respondError(c, errors.ValidationError("request", err.Error()))
		return
	}
	if req.Prompt == "" {
		h.respondError(c, errors.ValidationError("prompt", "must not be empty"))
		return
	}
	result, err := h.engine.FollowUpIssue(c.Request.Context(), c.Param("issueId"), req)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, result)
}

// CancelIssue handles POST /api/v1/issues/:issueId/cancel
func (h *Handler) CancelIssue(c *gin.Context) {
	result, err := h.engine.CancelIssue(c.Request.Context(), c.Param("issueId"))
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"result": result})
}

// RestartIssue handles POST /api/v1/issues/:issueId/restart
func (h *Handler) RestartIssue(c *gin.Context) {
	result, err := h.engine.RestartIssue(c.Request.Context(), c.Param("issueId"))
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, result)
}

// GetExecutionStatus handles GET /api/v1/issues/:issueId/execution
func (h *Handler) GetExecutionStatus(c *gin.Context) {
	type executionStatus struct {
		ExecutionID string `json:"execution_id"`
		EngineType  string `json:"engine_type"`
		State       string `json:"state"`
		TurnIndex   int    `json:"turn_index"`
		TurnActive  bool   `json:"turn_active"`
		Entries     int    `json:"entries"`
	}

	var out []executionStatus
	for _, mp := range h.engine.Manager().GetGroup(c.Param("issueId")) {
		out = append(out, executionStatus{
			ExecutionID: mp.ExecutionID,
			EngineType:  mp.EngineType,
			State:       string(mp.State()),
			TurnIndex:   mp.TurnIndex(),
			TurnActive:  mp.TurnInFlight(),
			Entries:     mp.Buffer.Count(),
		})
	}
	c.JSON(http.StatusOK, gin.H{"executions": out, "total": len(out)})
}

// ListEngines handles GET /api/v1/engines
func (h *Handler) ListEngines(c *gin.Context) {
	result, err := h.prober.Engines(c.Request.Context())
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

// ProbeEngines handles POST /api/v1/engines/probe
func (h *Handler) ProbeEngines(c *gin.Context) {
	result, err := h.prober.ForceProbe(c.Request.Context())
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

// GetSetting handles GET /api/v1/settings/:key
func (h *Handler) GetSetting(c *gin.Context) {
	value, err := h.store.GetSetting(c.Request.Context(), c.Param("key"))
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"key": c.Param("key"), "value": value})
}

// SetSetting handles PUT /api/v1/settings/:key
func (h *Handler) SetSetting(c *gin.Context) {
	var req struct {
		Value string `json:"value"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		h.respondError(c, errors.ValidationError("request", err.Error()))
		return
	}
	if err := h.store.SetSetting(c.Request.Context(), c.Param("key"), req.Value); err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"key": c.Param("key"), "value": req.Value})
}
