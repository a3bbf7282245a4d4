package handlers

import (
	"time"

	"github.com/gin-gonic/gin"

	"mizan-engine/internal/pkg/logger"
)

// RequestLogger writes one structured line per request through the engine logger.
func RequestLogger(log *logger.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		fields := logger.Fields{
			"method":      c.Request.Method,
			"path":        c.FullPath(),
			"status":      c.Writer.Status(),
			"duration_ms": time.Since(start).Milliseconds(),
			"request_id":  requestID(c),
			"client_ip":   c.ClientIP(),
		}
		entry := log.WithFields(fields)
		switch {
		case c.Writer.Status() >= 500:
			entry.Warn("HTTP request failed")
		case c.FullPath() == "/health":
			entry.Debug("HTTP request")
		default:
			entry.Info("HTTP request")
		}
	}
}
