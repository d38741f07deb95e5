package handler

import (
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"
)

// Health handles GET /health
func Health(deps *Dependencies) gin.HandlerFunc {
	service := deps.ServiceName
	if service == "" {
		service = "job-api-service"
	}

	return func(c *gin.Context) {
		if deps.DB != nil {
			if err := deps.DB.HealthCheck(c.Request.Context()); err != nil {
				deps.Logger.Warn("Health check failed", slog.String("error", err.Error()))
				c.JSON(http.StatusServiceUnavailable, gin.H{
					"status":  "unhealthy",
					"service": service,
					"error":   err.Error(),
				})
				return
			}
		}

		c.JSON(http.StatusOK, gin.H{
			"status":  "healthy",
			"service": service,
		})
	}
}
