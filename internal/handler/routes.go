package handler

import (
	"github.com/gin-gonic/gin"
)

// SetupRoutes configures all API routes. auth guards every wallet route.
func SetupRoutes(r *gin.Engine, h *Handler, auth gin.HandlerFunc) {
	r.GET("/health", h.Health)

	v1 := r.Group("/v1/wallet", auth)
	{
		v1.POST("/transfer", h.Transfer)
		v1.GET("/balance/:account_id", h.GetBalance)
		v1.GET("/accounts", h.ListPayees)
	}
}
