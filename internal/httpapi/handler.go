package httpapi

import (
	"net/http"
	"time"

	"flowplane/pkg/db/pagination"
	"flowplane/pkg/errutil"
	"flowplane/pkg/health"
	"flowplane/pkg/middleware"
	"flowplane/services/dispatch"
	"flowplane/services/execution"
	"flowplane/services/integration"
	"flowplane/services/registry"
	"flowplane/services/schedule"

	"github.com/gin-gonic/gin"
	"go.uber.org/fx"
)

// Authentication happens upstream; the verified identity arrives in these
// headers.
const (
	HeaderUserID   = "X-User-ID"
	HeaderUserName = "X-User-Name"
	HeaderOrgID    = "X-Org-ID"
)

var Module = fx.Module("httpapi",
	fx.Provide(NewHandler),
	fx.Invoke(RegisterRoutes),
)

type Handler struct {
	dispatch    *dispatch.Service
	executions  *execution.Service
	integration *integration.Service
	schedule    *schedule.Service
	health      health.HealthService
}

type Params struct {
	fx.In
	Dispatch    *dispatch.Service
	Executions  *execution.Service
	Integration *integration.Service
	Schedule    *schedule.Service `optional:"true"`
	Health      health.HealthService
}

func NewHandler(p Params) *Handler {
	return &Handler{
		dispatch:    p.Dispatch,
		executions:  p.Executions,
		integration: p.Integration,
		schedule:    p.Schedule,
		health:      p.Health,
	}
}

func RegisterRoutes(engine *gin.Engine, h *Handler) {
	engine.Use(gin.Recovery(), middleware.Error())

	engine.GET("/healthz", h.health.Liveness)
	engine.GET("/readyz", h.health.Readiness)

	v1 := engine.Group("/v1")
	{
		v1.POST("/executions", h.EnqueueExecution)
		v1.POST("/executions/sync", h.ExecuteSync)
		v1.GET("/executions/:id", h.GetExecution)
		v1.GET("/executions", h.ListExecutions)

		v1.POST("/schedules/process", h.ProcessSchedules)

		v1.POST("/integrations/refresh", h.RefreshIntegrations)
		v1.GET("/integrations/refresh-status", h.RefreshJobStatus)
	}
}

func callerFrom(c *gin.Context) registry.Caller {
	return registry.Caller{
		UserID:   c.GetHeader(HeaderUserID),
		UserName: c.GetHeader(HeaderUserName),
		OrgID:    c.GetHeader(HeaderOrgID),
	}
}

type executeRequest struct {
	WorkflowName string         `json:"workflowName" binding:"required"`
	Parameters   map[string]any `json:"parameters"`
	FormID       string         `json:"formId"`
}

// EnqueueExecution accepts the request and returns immediately: the caller
// polls the ledger for the outcome.
func (h *Handler) EnqueueExecution(c *gin.Context) {
	var req executeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		_ = c.Error(errutil.BadRequest("invalid request body", errutil.WithErr(err)))
		return
	}

	executionID, err := h.dispatch.Enqueue(c.Request.Context(), callerFrom(c), req.WorkflowName, req.Parameters, req.FormID)
	if err != nil {
		_ = c.Error(err)
		return
	}

	c.JSON(http.StatusAccepted, gin.H{
		"executionId": executionID,
		"status":      execution.StatusPending,
	})
}

func (h *Handler) ExecuteSync(c *gin.Context) {
	var req executeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		_ = c.Error(errutil.BadRequest("invalid request body", errutil.WithErr(err)))
		return
	}

	exec, err := h.dispatch.ExecuteSync(c.Request.Context(), callerFrom(c), req.WorkflowName, req.Parameters, req.FormID)
	if err != nil {
		_ = c.Error(err)
		return
	}

	c.JSON(http.StatusOK, exec)
}

func (h *Handler) GetExecution(c *gin.Context) {
	exec, err := h.executions.Get(c.Request.Context(), c.GetHeader(HeaderOrgID), c.Param("id"))
	if err != nil {
		_ = c.Error(err)
		return
	}

	c.JSON(http.StatusOK, exec)
}

func (h *Handler) ListExecutions(c *gin.Context) {
	var page pagination.Pagination
	if err := c.ShouldBindQuery(&page); err != nil {
		_ = c.Error(errutil.BadRequest("invalid pagination", errutil.WithErr(err)))
		return
	}

	filters := execution.ListFilters{
		WorkflowName: c.Query("workflow"),
		Status:       execution.Status(c.Query("status")),
		ExecutedBy:   c.Query("executedBy"),
		FormID:       c.Query("formId"),
	}

	execs, info, err := h.executions.List(c.Request.Context(), c.GetHeader(HeaderOrgID), filters, page)
	if err != nil {
		_ = c.Error(err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"executions": execs,
		"page":       info,
	})
}

// ProcessSchedules runs one schedule tick on demand, outside the timer.
func (h *Handler) ProcessSchedules(c *gin.Context) {
	if h.schedule == nil {
		_ = c.Error(errutil.New(errutil.StatusNotImplemented, "schedule processor not mounted"))
		return
	}

	h.schedule.ProcessTick(c.Request.Context(), time.Now())
	c.JSON(http.StatusOK, gin.H{"status": "processed"})
}

func (h *Handler) RefreshIntegrations(c *gin.Context) {
	status, err := h.integration.RefreshExpiring(c.Request.Context(), time.Now(), "manual")
	if err != nil {
		_ = c.Error(err)
		return
	}

	c.JSON(http.StatusOK, status)
}

func (h *Handler) RefreshJobStatus(c *gin.Context) {
	status, err := h.integration.JobStatus(c.Request.Context())
	if err != nil {
		_ = c.Error(err)
		return
	}

	c.JSON(http.StatusOK, status)
}
