// Package handlers provides the gateway's own HTTP endpoints: the
// aggregated health report and the service info document. Everything else
// is proxied by the dispatcher.
//
// Errors from these endpoints use the shared envelope written by
// apierror.Write, so clients see one error shape regardless of whether a
// request was proxied or answered locally.
//
// Example success response:
//
//	HTTP/1.1 200 OK
//	{ "service": "API Gateway", "status": "running", ... }
package handlers

import (
	"time"

	"github.com/gin-gonic/gin"

	"github.com/tbourn/lms-api-gateway/internal/apierror"
	"github.com/tbourn/lms-api-gateway/internal/registry"
)

// HealthReporter produces the registry-wide health snapshot.
type HealthReporter interface {
	Snapshot(now time.Time) registry.Report
}

// Handlers groups the gateway's local endpoints.
type Handlers struct {
	health  HealthReporter
	version string
	routes  []EndpointInfo
	now     func() time.Time
}

// New constructs Handlers. routes is listed by the info endpoint.
func New(health HealthReporter, version string, routes []EndpointInfo) *Handlers {
	return &Handlers{health: health, version: version, routes: routes, now: time.Now}
}

// ok writes a success JSON response.
func ok(c *gin.Context, status int, body any) {
	c.JSON(status, body)
}

// timestamp formats t the way error envelopes do.
func timestamp(t time.Time) string {
	return t.UTC().Format(apierror.TimestampLayout)
}
