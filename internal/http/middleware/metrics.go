// Package middleware contains shared Gin middleware used by the HTTP layer.
//
// This file instruments HTTP traffic with the collectors defined in
// internal/metrics. Label cardinality stays bounded:
//
//   - method: HTTP method verb
//   - route:  the dispatcher's route name when a proxied route matched,
//     else the registered Gin path (/health, /metrics, …), else "unmatched"
//   - status: numeric status code as a string
package middleware

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/tbourn/lms-api-gateway/internal/metrics"
)

// UnmatchedRoute labels requests no route accepted.
const UnmatchedRoute = "unmatched"

// Metrics returns a Gin middleware that records request count, latency,
// in-flight concurrency and response size.
func Metrics() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		metrics.Inflight.Inc()
		defer metrics.Inflight.Dec()

		c.Next()

		route := RouteLabel(c)
		method := c.Request.Method
		status := strconv.Itoa(c.Writer.Status())

		metrics.Requests.WithLabelValues(method, route, status).Inc()
		metrics.Duration.WithLabelValues(method, route).Observe(time.Since(start).Seconds())
		// -1 when nothing was written
		if size := c.Writer.Size(); size >= 0 {
			metrics.ResponseSize.WithLabelValues(method, route).Observe(float64(size))
		}
	}
}

// RouteLabel returns the bounded route label for c.
func RouteLabel(c *gin.Context) string {
	if r := asString(c.Value(RouteKey)); r != "" {
		return r
	}
	if p := c.FullPath(); p != "" {
		return p
	}
	return UnmatchedRoute
}
