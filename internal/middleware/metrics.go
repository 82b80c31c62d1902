// Package middleware holds the Gin middleware of the provisioning API. The router
// registers it in this order:
//
//	Recovery → RequestID → Logger → Metrics → SecurityHeaders → RateLimit → BearerAuth
//
// Rate limiting runs before authentication so that token guessing is throttled before
// any bcrypt comparison.
package middleware

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/site-provisioner/site-provisioner/internal/telemetry"
)

// MetricsMiddleware records http_requests_total and http_request_duration_seconds for
// every request. The path label is the matched route template; unmatched requests use
// "<no-route>" to keep label cardinality bounded.
func MetricsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()

		c.Next()

		path := c.FullPath()
		if path == "" {
			path = "<no-route>"
		}

		method := c.Request.Method
		telemetry.HTTPRequestsTotal.WithLabelValues(method, path, strconv.Itoa(c.Writer.Status())).Inc()
		telemetry.HTTPRequestDuration.WithLabelValues(method, path).Observe(time.Since(start).Seconds())
	}
}
