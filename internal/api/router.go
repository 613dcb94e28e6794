package api

import (
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"appforge/internal/auth"
	"appforge/internal/middleware"
)

// NewRouter assembles the gin engine: open health and metrics endpoints,
// authenticated orchestration routes.
func NewRouter(h *Handler, authenticator auth.Authenticator) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(middleware.RequestID())
	r.Use(middleware.RequestLogger())

	r.GET("/api/health", h.Health)
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	authed := r.Group("/api")
	authed.Use(middleware.RequireAuth(authenticator))
	{
		authed.POST("/projects/:id/generations", h.StartGeneration)
		authed.GET("/runs/:id", h.GetRun)
		authed.GET("/runs/:id/events", h.StreamRunEvents)
		authed.POST("/sessions/:id/stop", h.StopSession)
		authed.POST("/sessions/:id/transfer", h.TransferSession)
	}

	return r
}
