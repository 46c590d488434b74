// Package apierror defines the gateway's error taxonomy and the single
// writer of the JSON error envelope.
//
// Every failure the pipeline can produce is an *Error carrying an HTTP
// status, a human title, a stable machine code and optional details. Write
// turns it into the response body:
//
//	HTTP/1.1 429 Too Many Requests
//	{
//	  "error": "Too Many Requests",
//	  "message": "Rate limit exceeded",
//	  "code": "RATE_LIMIT_EXCEEDED",
//	  "details": {"retryAfter": 42, "resetAt": "2025-03-01T12:15:00.000Z"},
//	  "timestamp": "2025-03-01T12:14:18.204Z",
//	  "path": "/api/v1/properties",
//	  "method": "GET",
//	  "correlationId": "6f1c2d0e-…"
//	}
package apierror

import (
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
)

// Stable machine-readable codes.
const (
	CodeValidation          = "VALIDATION_ERROR"
	CodeUnauthorized        = "UNAUTHORIZED"
	CodeTokenRevoked        = "TOKEN_REVOKED"
	CodeForbidden           = "FORBIDDEN"
	CodeCORSRejected        = "CORS_REJECTED"
	CodeNotFound            = "NOT_FOUND"
	CodeMethodNotAllowed    = "METHOD_NOT_ALLOWED"
	CodeRateLimited         = "RATE_LIMIT_EXCEEDED"
	CodeServiceUnavailable  = "SERVICE_UNAVAILABLE"
	CodeUpstreamTimeout     = "UPSTREAM_TIMEOUT"
	CodeUpstreamUnreachable = "UPSTREAM_UNREACHABLE"
	CodeInternal            = "INTERNAL_ERROR"
)

// TimestampLayout is RFC 3339 with millisecond precision.
const TimestampLayout = "2006-01-02T15:04:05.000Z07:00"

// Error is a typed pipeline outcome destined for the client.
type Error struct {
	Status  int
	Title   string
	Code    string
	Message string
	Details any

	// RetryAfter, when positive, is sent as the Retry-After header (seconds).
	RetryAfter int

	// Err is the internal cause. It is logged, never sent.
	Err error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%d %s: %s: %v", e.Status, e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%d %s: %s", e.Status, e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// FieldError is one failed validation rule.
type FieldError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
	Value   any    `json:"value,omitempty"`
}

// Envelope is the JSON body of every error response.
type Envelope struct {
	Error         string `json:"error" example:"Not Found"`
	Message       string `json:"message" example:"Route GET /api/v1/nope not found"`
	Code          string `json:"code,omitempty" example:"NOT_FOUND"`
	Details       any    `json:"details,omitempty"`
	Timestamp     string `json:"timestamp" example:"2025-03-01T12:00:00.000Z"`
	Path          string `json:"path" example:"/api/v1/nope"`
	Method        string `json:"method" example:"GET"`
	CorrelationID string `json:"correlationId" example:"123e4567-e89b-12d3-a456-426614174000"`
}

func newError(status int, code, msg string) *Error {
	return &Error{Status: status, Title: http.StatusText(status), Code: code, Message: msg}
}

// Validation reports failed request rules.
func Validation(errs []FieldError) *Error {
	e := newError(http.StatusBadRequest, CodeValidation, "Request validation failed")
	e.Title = "Validation Error"
	e.Details = map[string]any{"errors": errs}
	return e
}

// Unauthorized reports a missing or unusable credential.
func Unauthorized(msg string) *Error {
	if msg == "" {
		msg = "Authentication required"
	}
	return newError(http.StatusUnauthorized, CodeUnauthorized, msg)
}

// TokenRevoked reports a credential found on the revocation list.
func TokenRevoked() *Error {
	return newError(http.StatusUnauthorized, CodeTokenRevoked, "Token has been revoked")
}

// Forbidden reports an authenticated caller lacking the required role.
func Forbidden(msg string) *Error {
	if msg == "" {
		msg = "Insufficient permissions"
	}
	return newError(http.StatusForbidden, CodeForbidden, msg)
}

// CORSRejected reports a cross-origin request from a disallowed origin.
func CORSRejected(origin string) *Error {
	return newError(http.StatusForbidden, CodeCORSRejected, "Origin "+origin+" is not allowed")
}

// NotFound reports a path no route matches.
func NotFound(method, path string) *Error {
	return newError(http.StatusNotFound, CodeNotFound, "Route "+method+" "+path+" not found")
}

// MethodNotAllowed reports a matched path that does not accept method.
func MethodNotAllowed(method, path string) *Error {
	return newError(http.StatusMethodNotAllowed, CodeMethodNotAllowed, "Method "+method+" not allowed on "+path)
}

// RateLimited reports an exhausted budget. retryAfter is in whole seconds.
func RateLimited(retryAfter int, resetAt time.Time) *Error {
	e := newError(http.StatusTooManyRequests, CodeRateLimited, "Rate limit exceeded")
	e.RetryAfter = retryAfter
	e.Details = map[string]any{
		"retryAfter": retryAfter,
		"resetAt":    resetAt.UTC().Format(TimestampLayout),
	}
	return e
}

// Unavailable reports that no healthy instance can serve service.
func Unavailable(service string, cause error) *Error {
	e := newError(http.StatusServiceUnavailable, CodeServiceUnavailable, "Service "+service+" is temporarily unavailable")
	e.Err = cause
	return e
}

// UpstreamTimeout reports an upstream call that exceeded its deadline.
func UpstreamTimeout(service string, cause error) *Error {
	e := newError(http.StatusGatewayTimeout, CodeUpstreamTimeout, "Upstream "+service+" did not respond in time")
	e.Err = cause
	return e
}

// UpstreamUnreachable reports a connection failure to the upstream.
func UpstreamUnreachable(service string, cause error) *Error {
	e := newError(http.StatusGatewayTimeout, CodeUpstreamUnreachable, "Upstream "+service+" is unreachable")
	e.Err = cause
	return e
}

// Internal hides cause behind a generic message.
func Internal(cause error) *Error {
	e := newError(http.StatusInternalServerError, CodeInternal, "An unexpected error occurred")
	e.Title = "Internal Server Error"
	e.Err = cause
	return e
}

// Write aborts the request with e rendered as an Envelope. The correlation
// id is read back from the response headers, so it must already be set.
// Server-side errors are logged with the request-scoped logger.
func Write(c *gin.Context, e *Error) {
	if e == nil {
		e = Internal(nil)
	}
	lg := zerolog.Ctx(c.Request.Context())
	if e.Status >= http.StatusInternalServerError {
		ev := lg.Error().Int("status", e.Status).Str("code", e.Code)
		if e.Err != nil {
			ev = ev.Err(e.Err)
		}
		ev.Msg(e.Message)
	} else if e.Err != nil {
		lg.Debug().Err(e.Err).Int("status", e.Status).Str("code", e.Code).Msg(e.Message)
	}

	if e.RetryAfter > 0 {
		c.Header("Retry-After", strconv.Itoa(e.RetryAfter))
	}
	c.AbortWithStatusJSON(e.Status, Envelope{
		Error:         e.Title,
		Message:       e.Message,
		Code:          e.Code,
		Details:       e.Details,
		Timestamp:     time.Now().UTC().Format(TimestampLayout),
		Path:          c.Request.URL.Path,
		Method:        c.Request.Method,
		CorrelationID: c.Writer.Header().Get("X-Correlation-ID"),
	})
}
