package routes

import (
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"launchpad/internal/handlers"
	"launchpad/internal/middleware"
	"launchpad/pkg/config"
)

// SetupRouter initializes and returns the Gin router with all routes configured
func SetupRouter(h *handlers.Handler, s *config.Settings) *gin.Engine {
	r := gin.Default()

	// Add health check endpoint
	r.Any("/health", func(c *gin.Context) {
		c.String(200, "ok")
	})
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	r.Use(middleware.CORS(s.AllowedOrigins))

	// Setup routes for each module
	SetupPresaleRoutes(r, h)
	SetupEscrowRoutes(r, h)
	SetupAdminRoutes(r, h, s.CronSecret)
	SetupCronRoutes(r, h, s.CronSecret)

	return r
}
