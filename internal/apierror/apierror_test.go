package apierror

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
)

func init() { gin.SetMode(gin.TestMode) }

func write(t *testing.T, method, target string, e *Error) (*httptest.ResponseRecorder, Envelope) {
	t.Helper()
	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	c.Request = httptest.NewRequest(method, target, nil)
	c.Writer.Header().Set("X-Correlation-ID", "corr-42")

	Write(c, e)

	if !c.IsAborted() {
		t.Fatalf("context not aborted")
	}
	var env Envelope
	if err := json.Unmarshal(w.Body.Bytes(), &env); err != nil {
		t.Fatalf("decode envelope: %v; body=%s", err, w.Body.String())
	}
	return w, env
}

func TestWrite_NotFoundEnvelope(t *testing.T) {
	w, env := write(t, http.MethodGet, "/api/v1/nope?x=1", NotFound(http.MethodGet, "/api/v1/nope"))

	if w.Code != http.StatusNotFound {
		t.Fatalf("status = %d", w.Code)
	}
	if env.Error != "Not Found" || env.Code != CodeNotFound {
		t.Fatalf("error/code = %q/%q", env.Error, env.Code)
	}
	if env.Message != "Route GET /api/v1/nope not found" {
		t.Fatalf("message = %q", env.Message)
	}
	if env.Path != "/api/v1/nope" || env.Method != http.MethodGet || env.CorrelationID != "corr-42" {
		t.Fatalf("path/method/corr = %q/%q/%q", env.Path, env.Method, env.CorrelationID)
	}
	if _, err := time.Parse(TimestampLayout, env.Timestamp); err != nil {
		t.Fatalf("timestamp %q: %v", env.Timestamp, err)
	}
}

func TestWrite_RateLimitedSetsRetryAfter(t *testing.T) {
	reset := time.Date(2025, 3, 1, 12, 15, 0, 0, time.UTC)
	w, env := write(t, http.MethodGet, "/api/v1/properties", RateLimited(42, reset))

	if w.Code != http.StatusTooManyRequests {
		t.Fatalf("status = %d", w.Code)
	}
	if w.Header().Get("Retry-After") != "42" {
		t.Fatalf("Retry-After = %q", w.Header().Get("Retry-After"))
	}
	d, ok := env.Details.(map[string]any)
	if !ok {
		t.Fatalf("details = %#v", env.Details)
	}
	if d["retryAfter"] != float64(42) || d["resetAt"] != "2025-03-01T12:15:00.000Z" {
		t.Fatalf("details = %#v", d)
	}
}

func TestWrite_InternalHidesCause(t *testing.T) {
	w, env := write(t, http.MethodPost, "/x", Internal(errors.New("db password wrong")))

	if w.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d", w.Code)
	}
	if env.Message != "An unexpected error occurred" || env.Error != "Internal Server Error" {
		t.Fatalf("envelope = %+v", env)
	}
}

func TestWrite_NilIsInternal(t *testing.T) {
	w, env := write(t, http.MethodGet, "/x", nil)
	if w.Code != http.StatusInternalServerError || env.Code != CodeInternal {
		t.Fatalf("status/code = %d/%q", w.Code, env.Code)
	}
}

func TestConstructors(t *testing.T) {
	cause := errors.New("dial tcp: refused")
	cases := []struct {
		name   string
		err    *Error
		status int
		code   string
		title  string
	}{
		{"validation", Validation([]FieldError{{Field: "page", Message: "bad"}}), 400, CodeValidation, "Validation Error"},
		{"unauthorized", Unauthorized(""), 401, CodeUnauthorized, "Unauthorized"},
		{"revoked", TokenRevoked(), 401, CodeTokenRevoked, "Unauthorized"},
		{"forbidden", Forbidden(""), 403, CodeForbidden, "Forbidden"},
		{"cors", CORSRejected("https://evil.example"), 403, CodeCORSRejected, "Forbidden"},
		{"method", MethodNotAllowed("DELETE", "/health"), 405, CodeMethodNotAllowed, "Method Not Allowed"},
		{"unavailable", Unavailable("property-service", cause), 503, CodeServiceUnavailable, "Service Unavailable"},
		{"timeout", UpstreamTimeout("property-service", cause), 504, CodeUpstreamTimeout, "Gateway Timeout"},
		{"unreachable", UpstreamUnreachable("property-service", cause), 504, CodeUpstreamUnreachable, "Gateway Timeout"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if tc.err.Status != tc.status || tc.err.Code != tc.code || tc.err.Title != tc.title {
				t.Fatalf("got %d/%q/%q", tc.err.Status, tc.err.Code, tc.err.Title)
			}
		})
	}

	if Forbidden("").Message != "Insufficient permissions" {
		t.Fatalf("default forbidden message changed")
	}
	if !errors.Is(UpstreamTimeout("s", cause), cause) {
		t.Fatalf("cause must unwrap")
	}
}
