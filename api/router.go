package api

import (
	"github.com/gin-gonic/gin"
)

func SetupRouter(h *Handler) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery(), RequestLogger(h.log))

	// Health check
	r.GET("/health", func(c *gin.Context) {
		c.JSON(200, gin.H{"status": "ok"})
	})

	v1 := r.Group("/api/v1")
	v1.Use(AuthMiddleware(h.cfg))
	{
		v1.POST("/exports", h.handleStartExport)
		v1.GET("/exports/:jobId", h.handleGetJob)
		v1.GET("/exports/:jobId/events", h.handleExportEvents)
		v1.PATCH("/exports/:jobId/cancel", h.handleCancelJob)
		v1.POST("/exports/:jobId/retry", h.handleRetryJob)

		// Generic job store
		v1.GET("/jobs", h.handleListJobs)
		v1.GET("/jobs/:jobId", h.handleGetJob)
		v1.PATCH("/jobs/:jobId/cancel", h.handleCancelJob)
		v1.POST("/jobs/:jobId/retry", h.handleRetryJob)

		// Stateless previews
		v1.POST("/plan", h.handlePlan)
		v1.POST("/timeline/cuts", h.handleApplyCuts)

		v1.GET("/files/:filename", h.handleGetFile)
	}
	return r
}
