// internal/handlers/scheduler/scheduler_handler.go
package scheduler

import (
	"context"
	"net/http"
	"time"

	"billing-service/internal/pkg/response"
	schedulersvc "billing-service/internal/service/scheduler"

	"github.com/gin-gonic/gin"
)

// SchedulerHandler is the ops control surface over the due-payment sweep.
type SchedulerHandler struct {
	scheduler *schedulersvc.Scheduler
}

func NewSchedulerHandler(scheduler *schedulersvc.Scheduler) *SchedulerHandler {
	return &SchedulerHandler{scheduler: scheduler}
}

// GetStatus reports the scheduler state.
func (h *SchedulerHandler) GetStatus(c *gin.Context) {
	response.Success(c, http.StatusOK, "scheduler status", h.scheduler.Status())
}

// Start launches the sweep loop. The loop must outlive this request, so it
// runs on a background context.
func (h *SchedulerHandler) Start(c *gin.Context) {
	h.scheduler.Start(context.Background())
	response.Success(c, http.StatusOK, "scheduler started", h.scheduler.Status())
}

// Stop halts the sweep loop.
func (h *SchedulerHandler) Stop(c *gin.Context) {
	h.scheduler.Stop()
	response.Success(c, http.StatusOK, "scheduler stopped", h.scheduler.Status())
}

// RunNow forces an immediate sweep.
func (h *SchedulerHandler) RunNow(c *gin.Context) {
	h.scheduler.TriggerNow(c.Request.Context())
	response.Success(c, http.StatusAccepted, "sweep triggered", nil)
}

// SetInterval reconfigures the sweep cadence.
func (h *SchedulerHandler) SetInterval(c *gin.Context) {
	var req struct {
		Interval string `json:"interval" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, http.StatusBadRequest, "invalid request", err)
		return
	}

	d, err := time.ParseDuration(req.Interval)
	if err != nil || d <= 0 {
		response.ValidationError(c, "interval must be a positive duration", err)
		return
	}

	h.scheduler.SetInterval(d)
	response.Success(c, http.StatusOK, "interval updated", h.scheduler.Status())
}

// SetEnabled toggles sweeping without tearing down the loop.
func (h *SchedulerHandler) SetEnabled(c *gin.Context) {
	var req struct {
		Enabled *bool `json:"enabled" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, http.StatusBadRequest, "invalid request", err)
		return
	}

	h.scheduler.SetEnabled(*req.Enabled)
	response.Success(c, http.StatusOK, "scheduler updated", h.scheduler.Status())
}
