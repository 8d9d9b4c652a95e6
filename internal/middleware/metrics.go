package middleware

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/talentdesk-io/talentdesk/internal/metrics"
)

// Metrics records Prometheus request metrics labeled by route template, so
// ticket ids never become label values.
func Metrics() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		path := c.FullPath()
		if path == "" {
			path = "unmatched"
		}
		metrics.HTTPRequestsTotal.WithLabelValues(c.Request.Method, path, strconv.Itoa(c.Writer.Status())).Inc()
		metrics.HTTPRequestDuration.WithLabelValues(c.Request.Method, path).Observe(time.Since(start).Seconds())
	}
}
