package api

import (
	"github.com/gin-gonic/gin"
)

// SetupRoutes configures all routes. The subprocess WebSocket endpoint stays
// outside the auth group: children authenticate by knowing their per-session
// URL, and the CLI cannot attach request headers.
func SetupRoutes(r *gin.Engine, h *Handlers) {
	r.GET("/ws/sub/:id", h.SubprocessWebSocket)

	authed := r.Group("/", AuthMiddleware())

	authed.GET("/ws/browser/:id", h.BrowserWebSocket)

	api := authed.Group("/api")

	// Session routes
	api.GET("/sessions", h.ListSessions)
	api.POST("/sessions/create", h.CreateSession)
	api.GET("/sessions/:id", h.GetSession)
	api.POST("/sessions/:id/kill", h.KillSession)
	api.DELETE("/sessions/:id", h.DeleteSession)
	api.POST("/sessions/:id/resume", h.ResumeSession)
	api.PATCH("/sessions/:id/name", h.RenameSession)

	// Cron routes
	api.GET("/cron/jobs", h.ListCronJobs)
	api.POST("/cron/jobs", h.CreateCronJob)
	api.GET("/cron/jobs/:id", h.GetCronJob)
	api.PUT("/cron/jobs/:id", h.UpdateCronJob)
	api.DELETE("/cron/jobs/:id", h.DeleteCronJob)
	api.POST("/cron/jobs/:id/run", h.RunCronJob)
	api.POST("/cron/jobs/:id/reset", h.ResetCronJob)
	api.GET("/cron/runs", h.ListCronRuns)

	// Directory browsing
	api.GET("/fs/list", h.ListDirectory)
	api.GET("/fs/home", h.HomeDirectory)

	// Settings
	api.GET("/settings", h.GetSettings)
	api.PUT("/settings", h.UpdateSettings)
}
