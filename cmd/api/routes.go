package main

import (
	"database/sql"
	"errors"
	"net/http"
	"time"

	"campus-calls/internal/httpapi"
	"campus-calls/internal/rbac"
	"campus-calls/pkg/utils"

	"github.com/gin-gonic/gin"
)

// registerRoutes wires HTTP routes to handlers.
// Keep this file free of business logic. Handlers should delegate to internal modules.
func registerRoutes(r *gin.Engine, h httpapi.Handlers, authMW gin.HandlerFunc, db *sql.DB, recordingsDir string) {
	// public
	r.GET("/healthz", func(c *gin.Context) {
		err := utils.HealthCheck(c.Request.Context(), db, 2*time.Second)
		if err != nil && !errors.Is(err, utils.ErrNoDatabase) {
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "degraded"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	if recordingsDir != "" {
		r.Static("/recordings", recordingsDir)
	}
	r.POST("/auth/login", h.Login)

	v1 := r.Group("/v1")
	v1.Use(authMW, h.RegisterResponders())
	{
		v1.GET("/me", h.Me)

		calls := v1.Group("/calls")
		{
			calls.POST("", h.CreateCall)
			calls.GET("", h.ListCalls)
			calls.GET("/report", rbac.RequireResponder(), h.CallsReport)
			calls.GET("/stream", rbac.RequireResponder(), h.CallsStream)

			calls.GET("/:id", h.GetCall)
			calls.POST("/:id/accept", rbac.RequireResponder(), h.AcceptCall)
			calls.POST("/:id/end", h.EndCall)
			calls.POST("/:id/missed", h.DeclineCall)
			calls.POST("/:id/features", h.MarkFeature)
			calls.POST("/:id/recording", h.UploadRecording)
			calls.GET("/:id/events", rbac.RequireResponder(), h.CallEvents)

			calls.POST("/:id/signals", h.SendSignal)
			calls.GET("/:id/signals", h.ListSignals)
			calls.GET("/:id/stream", h.CallStream)
		}

		v1.GET("/notifications/stream", h.NotificationStream)

		responders := v1.Group("/responders")
		responders.Use(rbac.RequireResponder())
		{
			responders.GET("/me/settings", h.GetMySettings)
			responders.PUT("/me/settings", h.PutMySettings)
		}
	}
}
