// README: Request logging and metrics middleware.
package middleware

import (
	"log/slog"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"lifeline/internal/observability"
)

func Logging(log *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		status := c.Writer.Status()
		path := c.FullPath()
		if path == "" {
			path = c.Request.URL.Path
		}
		observability.HTTPRequestsTotal.WithLabelValues(
			c.Request.Method, path, strconv.Itoa(status),
		).Inc()
		log.Info("http request",
			"method", c.Request.Method,
			"path", path,
			"status", status,
			"duration_ms", time.Since(start).Milliseconds(),
		)
	}
}
