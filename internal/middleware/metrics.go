package middleware

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/nathanyu/p2p-wallet/internal/telemetry"
)

// unmatchedRoute labels requests that hit no registered route, so scanners
// probing random paths cannot grow the endpoint label without bound.
const unmatchedRoute = "unmatched"

// Metrics records request counts, latency and in-flight requests per route
func Metrics() gin.HandlerFunc {
	return func(c *gin.Context) {
		endpoint := unmatchedRoute
		if c.FullPath() != "" {
			endpoint = routeOf(c)
		}

		telemetry.HTTPRequestsInFlight.Inc()
		start := time.Now()

		c.Next()

		telemetry.HTTPRequestsInFlight.Dec()
		telemetry.HTTPRequestsTotal.WithLabelValues(c.Request.Method, endpoint, strconv.Itoa(c.Writer.Status())).Inc()
		telemetry.HTTPRequestDuration.WithLabelValues(c.Request.Method, endpoint).Observe(time.Since(start).Seconds())
	}
}
