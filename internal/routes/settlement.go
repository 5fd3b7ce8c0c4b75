package routes

import (
	"github.com/gin-gonic/gin"

	"launchpad/internal/handlers"
	"launchpad/internal/middleware"
)

// SetupPresaleRoutes sets up the public presale and investment routes
func SetupPresaleRoutes(r *gin.Engine, h *handlers.Handler) {
	presales := r.Group("/presales")
	{
		presales.GET("", h.ListPresales)
		presales.POST("", h.CreatePresale)
		presales.GET("/:id", h.GetPresale)
		presales.POST("/:id/invest", h.Invest)
	}
	r.GET("/stats", h.GetStats)
}

// SetupEscrowRoutes sets up the deposit and custody audit routes
func SetupEscrowRoutes(r *gin.Engine, h *handlers.Handler) {
	escrow := r.Group("/presales/:id/escrow")
	{
		// polled by the deposit page, every call reads the chain
		escrow.GET("", middleware.RateLimiterMiddleware(middleware.RateLimiterConfig{
			RequestsPerSecond: 1,
			Burst:             5,
		}), h.GetEscrowStatus)
		escrow.POST("/deposit-info", h.GetDepositInstructions)
		escrow.GET("/transactions", h.ListEscrowTransactions)
	}
}

// SetupAdminRoutes sets up the manual settlement triggers
func SetupAdminRoutes(r *gin.Engine, h *handlers.Handler, secret string) {
	admin := r.Group("/admin", middleware.BearerAuth(secret))
	{
		admin.POST("/execute-success", h.ExecuteSuccess)
		admin.POST("/execute-refund", h.ExecuteRefund)
		admin.GET("/escrow", h.GetEscrowOverview)
		admin.GET("/distributions", h.GetDistributions)
	}
}

// SetupCronRoutes sets up the externally scheduled sweep trigger
func SetupCronRoutes(r *gin.Engine, h *handlers.Handler, secret string) {
	cron := r.Group("/cron", middleware.BearerAuth(secret))
	{
		cron.GET("/check-presales", h.CheckPresales)
		cron.POST("/check-presales", h.CheckPresales)
	}
}
