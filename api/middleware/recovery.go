package middleware

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/yourusername/browsecore/pkg/logger"
	"go.uber.org/zap"
)

// Recovery returns a gin middleware for panic recovery. Panics also go to
// the error log category.
func Recovery(log *zap.Logger, multiLogger *logger.MultiLogger) gin.HandlerFunc {
	return func(c *gin.Context) {
		defer func() {
			if err := recover(); err != nil {
				fields := []zap.Field{
					zap.Any("error", err),
					zap.String("route", c.FullPath()),
					zap.String("method", c.Request.Method),
				}
				log.Error("Panic recovered", fields...)
				multiLogger.LogAppError("Panic recovered in HTTP handler", fields...)
				c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{
					"error": "Internal server error",
				})
			}
		}()
		c.Next()
	}
}

// CORS allows the local dashboard and browser tooling to call the API
func CORS() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("Access-Control-Allow-Origin", "*")
		c.Header("Access-Control-Allow-Methods", "GET, POST, PUT, PATCH, DELETE, OPTIONS")
		c.Header("Access-Control-Allow-Headers", "Content-Type")
		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	}
}
