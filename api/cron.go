package api

import (
	"errors"

	"github.com/gin-gonic/gin"

	"github.com/xiaoyuanzhu-com/claude-bridge/cron"
)

// ListCronJobs handles GET /api/cron/jobs.
func (h *Handlers) ListCronJobs(c *gin.Context) {
	RespondList(c, h.Cron.ListJobs())
}

// GetCronJob handles GET /api/cron/jobs/:id.
func (h *Handlers) GetCronJob(c *gin.Context) {
	job, err := h.Cron.GetJob(c.Param("id"))
	if err != nil {
		RespondNotFound(c, "cron job not found")
		return
	}
	RespondData(c, job)
}

// CreateCronJob handles POST /api/cron/jobs.
func (h *Handlers) CreateCronJob(c *gin.Context) {
	var body cron.Job
	if err := c.ShouldBindJSON(&body); err != nil {
		RespondBadRequest(c, "invalid request body")
		return
	}

	job, err := h.Cron.CreateJob(&body)
	if err != nil {
		RespondBadRequest(c, err.Error())
		return
	}
	RespondCreated(c, job)
}

// UpdateCronJob handles PUT /api/cron/jobs/:id.
func (h *Handlers) UpdateCronJob(c *gin.Context) {
	var body cron.Job
	if err := c.ShouldBindJSON(&body); err != nil {
		RespondBadRequest(c, "invalid request body")
		return
	}

	job, err := h.Cron.UpdateJob(c.Param("id"), &body)
	if err != nil {
		if errors.Is(err, cron.ErrJobNotFound) {
			RespondNotFound(c, "cron job not found")
			return
		}
		RespondInternalError(c, err.Error())
		return
	}
	RespondData(c, job)
}

// DeleteCronJob handles DELETE /api/cron/jobs/:id.
func (h *Handlers) DeleteCronJob(c *gin.Context) {
	if err := h.Cron.DeleteJob(c.Param("id")); err != nil {
		if errors.Is(err, cron.ErrJobNotFound) {
			RespondNotFound(c, "cron job not found")
			return
		}
		RespondInternalError(c, err.Error())
		return
	}
	RespondNoContent(c)
}

// RunCronJob handles POST /api/cron/jobs/:id/run: one immediate invocation.
func (h *Handlers) RunCronJob(c *gin.Context) {
	if err := h.Cron.RunNow(c.Param("id")); err != nil {
		RespondNotFound(c, "cron job not found")
		return
	}
	RespondNoContent(c)
}

// ResetCronJob handles POST /api/cron/jobs/:id/reset: clears the dedupe set.
func (h *Handlers) ResetCronJob(c *gin.Context) {
	if err := h.Cron.ResetSeen(c.Param("id")); err != nil {
		RespondNotFound(c, "cron job not found")
		return
	}
	RespondNoContent(c)
}

// ListCronRuns handles GET /api/cron/runs with an optional jobId filter.
func (h *Handlers) ListCronRuns(c *gin.Context) {
	RespondList(c, h.Cron.ListRuns(c.Query("jobId")))
}
