// Package httpapi wires the HTTP transport (Gin) to the gateway pipeline,
// middleware, and the gateway's own endpoints. It centralizes cross-cutting
// concerns such as tracing, correlation IDs, logging/redaction, panic
// recovery, metrics, CORS, compression and the standard response headers.
//
// Requests that match no local endpoint fall through to the dispatcher,
// which resolves them against the route table and proxies them.
package httpapi

import (
	"net/http"

	"github.com/gin-contrib/gzip"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	swaggerFiles "github.com/swaggo/files"
	ginSwagger "github.com/swaggo/gin-swagger"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"

	"github.com/tbourn/lms-api-gateway/internal/apierror"
	"github.com/tbourn/lms-api-gateway/internal/config"
	_ "github.com/tbourn/lms-api-gateway/internal/docs" // registers the OpenAPI document
	"github.com/tbourn/lms-api-gateway/internal/gateway"
	"github.com/tbourn/lms-api-gateway/internal/http/handlers"
	"github.com/tbourn/lms-api-gateway/internal/http/middleware"
)

// Local endpoint paths.
const (
	PathHealth  = "/health"
	PathInfo    = "/api/v1/info"
	PathMetrics = "/metrics"
	PathSwagger = "/swagger/*any"
)

// Deps are the collaborators RegisterRoutes mounts.
type Deps struct {
	Dispatcher *gateway.Dispatcher
	Health     handlers.HealthReporter
}

// RegisterRoutes attaches all middleware and HTTP endpoints to the given Gin
// engine, and mounts the dispatcher as the fallback for everything else.
//
// Middleware order matters:
//  1. OpenTelemetry: trace everything
//  2. CorrelationID: generate/propagate X-Correlation-ID
//  3. Logger: structured access logs with PII scrubbing
//  4. Recovery: capture panics after logger
//  5. Body size limiter
//  6. Metrics
//  7. Standard headers (before CORS so rejections carry them)
//  8. CORS
//  9. Gzip (not for /metrics)
func RegisterRoutes(r *gin.Engine, deps Deps, cfg config.Config) {
	r.HandleMethodNotAllowed = true

	// 1) Trace all HTTP requests
	r.Use(otelgin.Middleware(cfg.OTEL.ServiceName))

	// 2) Correlate requests and logs
	r.Use(middleware.CorrelationID())

	// 3) Structured logging with redaction
	r.Use(middleware.Logger(middleware.RedactOptions{}))

	// 4) Panic recovery to the JSON error envelope
	r.Use(middleware.Recovery())

	// 5) Global body size limit
	if cfg.MaxBodyBytes > 0 {
		r.Use(limitBody(cfg.MaxBodyBytes))
	}

	// 6) Prometheus metrics
	r.Use(middleware.Metrics())

	// 7) Version and hardening headers on every response
	r.Use(middleware.StandardHeaders(middleware.StandardOptions{
		APIVersion:     cfg.APIVersion,
		GatewayVersion: cfg.GatewayVersion,
		EnableHSTS:     cfg.Security.EnableHSTS,
		HSTSMaxAge:     cfg.Security.HSTSMaxAge,
		EnablePolicy:   true,
	}))

	// 8) CORS posture (allow all if none configured)
	r.Use(middleware.CORS(middleware.CORSOptions{AllowedOrigins: cfg.CORS.AllowedOrigins}))

	// 9) Compression
	r.Use(gzip.Gzip(gzip.DefaultCompression, gzip.WithExcludedPaths([]string{PathMetrics})))

	// Local endpoints
	h := handlers.New(deps.Health, cfg.GatewayVersion, handlers.EndpointsFrom(cfg.Routes.Routes))
	r.GET(PathHealth, h.Health)
	r.GET(PathInfo, h.Info)
	r.GET(PathMetrics, gin.WrapH(promhttp.Handler()))
	if cfg.SwaggerEnabled {
		r.GET(PathSwagger, ginSwagger.WrapHandler(swaggerFiles.Handler))
	}

	// Fallbacks: everything else is proxied
	r.NoRoute(deps.Dispatcher.Handle)
	r.NoMethod(func(c *gin.Context) {
		apierror.Write(c, apierror.MethodNotAllowed(c.Request.Method, c.Request.URL.Path))
	})
}

// limitBody returns a Gin middleware that caps the request body size for all
// endpoints to maxBytes using http.MaxBytesReader. Requests exceeding the cap
// will cause downstream body reads to error.
func limitBody(maxBytes int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxBytes)
		c.Next()
	}
}
