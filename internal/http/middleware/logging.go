// Package middleware contains shared Gin middleware used by the HTTP layer.
//
// This file provides correlation, structured access logging, and panic
// recovery:
//
//   - CorrelationID() reuses a well-formed inbound X-Correlation-ID or mints a
//     UUIDv4, stores it in the Gin context and echoes it on the response.
//   - Logger() attaches a request-scoped zerolog.Logger (Gin key "logger" and
//     the request context, so zerolog.Ctx works below the HTTP layer) and
//     emits one scrubbed access log per request at info/warn/error by status.
//   - Recovery() converts panics into the standard 500 error envelope.
//   - LoggerFrom() retrieves the request-scoped logger.
//
// Order: CorrelationID → Logger → Recovery, so panics and errors carry the
// correlation id.
package middleware

import (
	"fmt"
	"regexp"
	"runtime/debug"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/trace"

	"github.com/tbourn/lms-api-gateway/internal/apierror"
)

const (
	// CorrelationIDKey is the Gin context key holding the correlation id.
	CorrelationIDKey = "correlationID"
	// CorrelationIDHeader propagates the correlation id in both directions.
	CorrelationIDHeader = "X-Correlation-ID"
	// RouteKey is set by the dispatcher to the matched route name.
	RouteKey = "route"
	// UserIDKey is set once a bearer token has been verified.
	UserIDKey = "userID"

	loggerKey = "logger"
	// maxQueryLogLength caps the number of bytes of the raw query string logged.
	maxQueryLogLength = 2048
)

var correlationIDRE = regexp.MustCompile(`^[A-Za-z0-9._:~\-]{1,128}$`)

// ValidCorrelationID reports whether an inbound id may be reused verbatim.
func ValidCorrelationID(id string) bool { return correlationIDRE.MatchString(id) }

// CorrelationID attaches (or propagates) a correlation identifier per request.
// Ids that are empty, too long or contain characters outside
// [A-Za-z0-9._:~-] are replaced, so clients cannot inject into logs or
// upstream headers.
func CorrelationID() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader(CorrelationIDHeader)
		if !ValidCorrelationID(id) {
			id = uuid.NewString()
		}
		c.Set(CorrelationIDKey, id)
		c.Writer.Header().Set(CorrelationIDHeader, id)
		c.Next()
	}
}

// CorrelationIDFrom returns the id set by CorrelationID, or "".
func CorrelationIDFrom(c *gin.Context) string {
	return asString(c.Value(CorrelationIDKey))
}

// Logger writes a structured, scrubbed access log for each request.
//
// The request-scoped logger carries correlation_id, method, path,
// client_ip and, when a span is active, trace_id. After the handler chain
// it is enriched with the matched route, the authenticated user, status,
// latency and sizes. Sensitive headers are masked and identifiers in the
// query string are redacted (see Redactor).
//
// Level: error for 5xx or when Gin collected errors, warn for 4xx, info
// otherwise.
func Logger(opts RedactOptions) gin.HandlerFunc {
	red := NewRedactor(opts)
	return func(c *gin.Context) {
		start := time.Now()

		lc := log.With().
			Str("correlation_id", CorrelationIDFrom(c)).
			Str("method", c.Request.Method).
			Str("path", c.Request.URL.Path).
			Str("client_ip", c.ClientIP())
		if sc := trace.SpanContextFromContext(c.Request.Context()); sc.IsValid() {
			lc = lc.Str("trace_id", sc.TraceID().String())
		}
		l := lc.Logger()

		c.Set(loggerKey, &l)
		c.Request = c.Request.WithContext(l.WithContext(c.Request.Context()))

		c.Next()

		route := asString(c.Value(RouteKey))
		if route == "" {
			route = c.FullPath()
		}
		status := c.Writer.Status()

		var ev *zerolog.Event
		switch {
		case len(c.Errors) > 0:
			ev = l.Error().Str("errors", c.Errors.String())
		case status >= 500:
			ev = l.Error()
		case status >= 400:
			ev = l.Warn()
		default:
			ev = l.Info()
		}
		ev.
			Str("route", route).
			Str("user_id", asString(c.Value(UserIDKey))).
			Str("query", truncate(red.Query(c.Request.URL.RawQuery), maxQueryLogLength)).
			Str("user_agent", c.Request.UserAgent()).
			Interface("headers", red.Headers(c.Request.Header)).
			// ContentLength can be -1 if unknown.
			Int64("bytes_in", c.Request.ContentLength).
			Int("status", status).
			Dur("latency", time.Since(start)).
			Int("bytes_out", c.Writer.Size()).
			Msg("request")
	}
}

// Recovery intercepts panics, logs a stack trace, and answers with the
// standard 500 envelope when nothing has been written yet.
func Recovery() gin.HandlerFunc {
	return func(c *gin.Context) {
		defer func() {
			if rec := recover(); rec != nil {
				LoggerFrom(c).Error().
					Interface("panic", rec).
					Bytes("stack", debug.Stack()).
					Msg("panic recovered")

				if !c.Writer.Written() {
					apierror.Write(c, apierror.Internal(fmt.Errorf("panic: %v", rec)))
					return
				}
				c.Abort()
			}
		}()
		c.Next()
	}
}

// LoggerFrom returns the request-scoped zerolog.Logger.
//
// If a logger was not previously attached by Logger(), the global logger is
// returned. Callers can safely use the result without nil checks.
func LoggerFrom(c *gin.Context) *zerolog.Logger {
	if v, ok := c.Get(loggerKey); ok {
		if lg, ok := v.(*zerolog.Logger); ok {
			return lg
		}
	}
	l := log.With().Logger()
	return &l
}

func asString(v any) string {
	if s, ok := v.(string); ok {
		return s
	}
	return ""
}

// truncate operates on bytes, which is acceptable for logging.
func truncate(s string, max int) string {
	if max <= 0 || len(s) <= max {
		return s
	}
	return s[:max] + "…"
}
