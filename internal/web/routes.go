package web

import (
	"github.com/gin-gonic/gin"
)

// SetupRoutes configures all application routes.
func SetupRoutes(r *gin.Engine, h *Handlers) {
	// Health endpoints (no auth, no rate limit)
	r.GET("/health", h.HealthCheck)
	r.GET("/healthz", h.Liveness)

	apiRateLimiter := RateLimiter(h.cfg.RateLimiting.RPS, h.cfg.RateLimiting.Burst)
	api := r.Group("/api")
	api.Use(apiRateLimiter)
	api.Use(UserIdentity())
	api.Use(RequireJSONContentType())
	{
		api.GET("/connections", h.APIListConnections)
		api.GET("/connections/:id", h.APIGetConnection)
		api.PUT("/connections/:id", h.APIUpdateConnection)
		api.DELETE("/connections/:id", h.APIDeleteConnection)
		api.GET("/connections/:id/logs", h.APIGetConnectionLogs)

		api.GET("/events", h.APIListEvents)
		api.POST("/events", h.APICreateEvent)
		api.GET("/events/:id", h.APIGetEvent)
		api.PUT("/events/:id", h.APIUpdateEvent)
		api.DELETE("/events/:id", h.APIDeleteEvent)
	}

	// Expensive operations with stricter rate limiting (network calls
	// against remote providers, credential handling)
	expensiveRateLimiter := RateLimiter(2, 5)
	expensive := r.Group("/api")
	expensive.Use(expensiveRateLimiter)
	expensive.Use(UserIdentity())
	expensive.Use(RequireJSONContentType())
	{
		expensive.POST("/connections", h.APICreateConnection)
		expensive.POST("/connections/:id/sync", h.APITriggerConnectionSync)
		expensive.POST("/events/:id/sync", h.APISyncEvent)
		expensive.POST("/sync", h.APISyncAll)
	}
}
