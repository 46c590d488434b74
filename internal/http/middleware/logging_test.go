package middleware

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/trace"
)

func captureLogger(t *testing.T) *bytes.Buffer {
	t.Helper()
	var buf bytes.Buffer
	prev := log.Logger
	t.Cleanup(func() { log.Logger = prev })
	log.Logger = zerolog.New(&buf) // plain JSON lines
	return &buf
}

func TestCorrelationID_GenerateAndPropagate(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(CorrelationID())
	r.GET("/cid", func(c *gin.Context) {
		if CorrelationIDFrom(c) == "" {
			t.Fatalf("correlation id not set in context")
		}
		c.String(http.StatusOK, "ok")
	})

	// No header -> generated
	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/cid", nil))
	gen := w.Header().Get(CorrelationIDHeader)
	if len(gen) != 36 {
		t.Fatalf("expected generated uuid, got %q", gen)
	}

	// Lowercase header -> propagated verbatim
	w = httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/cid", nil)
	req.Header.Set(strings.ToLower(CorrelationIDHeader), "trace:abc-123.x~y")
	r.ServeHTTP(w, req)
	if got := w.Header().Get(CorrelationIDHeader); got != "trace:abc-123.x~y" {
		t.Fatalf("expected propagated id, got %q", got)
	}
}

func TestCorrelationID_RejectsMalformed(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(CorrelationID())
	r.GET("/cid", func(c *gin.Context) { c.Status(http.StatusNoContent) })

	for _, bad := range []string{
		"has space",
		"new\nline",
		`quote"`,
		strings.Repeat("a", 129),
	} {
		w := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodGet, "/cid", nil)
		req.Header.Set(CorrelationIDHeader, bad)
		r.ServeHTTP(w, req)
		if got := w.Header().Get(CorrelationIDHeader); got == bad || len(got) != 36 {
			t.Errorf("id %q was not replaced (got %q)", bad, got)
		}
	}
	if !ValidCorrelationID(strings.Repeat("a", 128)) {
		t.Fatalf("128 characters must be accepted")
	}
}

func TestLogger_LevelsRouteAndRedaction(t *testing.T) {
	gin.SetMode(gin.TestMode)
	buf := captureLogger(t)

	r := gin.New()
	r.Use(CorrelationID())
	r.Use(Logger(RedactOptions{}))

	r.GET("/ok", func(c *gin.Context) {
		c.Set(RouteKey, "properties")
		c.Set(UserIDKey, "u-1")
		c.String(http.StatusOK, "hello")
	})
	r.GET("/err", func(c *gin.Context) {
		_ = c.Error(errSentinel{})
		c.Status(http.StatusBadRequest)
	})
	r.GET("/boom", func(c *gin.Context) { c.Status(http.StatusBadGateway) })

	req := httptest.NewRequest(http.MethodGet, "/ok?email=a@b.com", nil)
	req.Header.Set("Authorization", "Bearer secret")
	req.Header.Set(CorrelationIDHeader, "corr-7")
	r.ServeHTTP(httptest.NewRecorder(), req)
	r.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/missing", nil))
	r.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/err", nil))
	r.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/boom", nil))

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 4 {
		t.Fatalf("want 4 access logs, got %d:\n%s", len(lines), buf.String())
	}
	var first map[string]any
	if err := json.Unmarshal([]byte(lines[0]), &first); err != nil {
		t.Fatalf("decode: %v", err)
	}
	checks := map[string]any{
		"level":          "info",
		"route":          "properties",
		"user_id":        "u-1",
		"correlation_id": "corr-7",
		"query":          "email=[REDACTED:email]",
		"path":           "/ok",
	}
	for k, v := range checks {
		if first[k] != v {
			t.Errorf("%s = %v; want %v", k, first[k], v)
		}
	}
	if hdrs, _ := first["headers"].(map[string]any); hdrs["Authorization"] != "[REDACTED]" {
		t.Errorf("Authorization not masked: %v", first["headers"])
	}
	if !strings.Contains(lines[1], `"level":"warn"`) || !strings.Contains(lines[1], `"path":"/missing"`) {
		t.Errorf("404 should log at warn: %s", lines[1])
	}
	if !strings.Contains(lines[2], `"level":"error"`) || !strings.Contains(lines[2], `"errors"`) {
		t.Errorf("gin errors should log at error: %s", lines[2])
	}
	if !strings.Contains(lines[3], `"level":"error"`) {
		t.Errorf("5xx should log at error: %s", lines[3])
	}
}

type errSentinel struct{}

func (e errSentinel) Error() string { return "boom" }

func TestLogger_ContextLoggerCarriesCorrelation(t *testing.T) {
	gin.SetMode(gin.TestMode)
	buf := captureLogger(t)

	r := gin.New()
	r.Use(CorrelationID(), Logger(RedactOptions{}))
	r.GET("/use", func(c *gin.Context) {
		zerolog.Ctx(c.Request.Context()).Info().Msg("from-ctx")
		LoggerFrom(c).Info().Msg("from-gin")
		c.Status(http.StatusOK)
	})
	req := httptest.NewRequest(http.MethodGet, "/use", nil)
	req.Header.Set(CorrelationIDHeader, "corr-ctx")
	r.ServeHTTP(httptest.NewRecorder(), req)

	for _, msg := range []string{"from-ctx", "from-gin"} {
		found := false
		for _, line := range strings.Split(buf.String(), "\n") {
			if strings.Contains(line, `"message":"`+msg+`"`) {
				found = true
				if !strings.Contains(line, `"correlation_id":"corr-ctx"`) {
					t.Errorf("%s log lacks correlation id: %s", msg, line)
				}
			}
		}
		if !found {
			t.Errorf("%s log missing:\n%s", msg, buf.String())
		}
	}
}

func TestLogger_TraceID(t *testing.T) {
	gin.SetMode(gin.TestMode)
	buf := captureLogger(t)

	sc := trace.NewSpanContext(trace.SpanContextConfig{
		TraceID:    trace.TraceID{0x4b, 0xf9, 0x2f, 0x35, 0x77, 0xb3, 0x4d, 0xa6, 0xa3, 0xce, 0x92, 0x9d, 0x0e, 0x0e, 0x47, 0x36},
		SpanID:     trace.SpanID{0x00, 0xf0, 0x67, 0xaa, 0x0b, 0xa9, 0x02, 0xb7},
		TraceFlags: trace.FlagsSampled,
	})
	r := gin.New()
	r.Use(func(c *gin.Context) {
		c.Request = c.Request.WithContext(trace.ContextWithSpanContext(c.Request.Context(), sc))
		c.Next()
	}, CorrelationID(), Logger(RedactOptions{}))
	r.GET("/traced", func(c *gin.Context) { c.Status(http.StatusOK) })
	r.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/traced", nil))

	if !strings.Contains(buf.String(), `"trace_id":"4bf92f3577b34da6a3ce929d0e0e4736"`) {
		t.Fatalf("trace id missing: %s", buf.String())
	}
}

func TestLoggerFrom_Fallback(t *testing.T) {
	gin.SetMode(gin.TestMode)
	buf := captureLogger(t)

	r := gin.New()
	r.GET("/use", func(c *gin.Context) {
		LoggerFrom(c).Info().Msg("custom")
		c.Status(http.StatusOK)
	})
	r.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/use", nil))

	if !strings.Contains(buf.String(), `"message":"custom"`) {
		t.Fatalf("expected custom log in fallback")
	}
	if strings.Contains(buf.String(), `"correlation_id"`) {
		t.Fatalf("fallback logger unexpectedly had correlation_id")
	}
}

func TestRecovery_PanicsToEnvelope(t *testing.T) {
	gin.SetMode(gin.TestMode)
	buf := captureLogger(t)

	r := gin.New()
	r.Use(CorrelationID(), Logger(RedactOptions{}), Recovery())
	r.GET("/panic", func(c *gin.Context) { panic("kaboom") })

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/panic", nil)
	req.Header.Set(CorrelationIDHeader, "corr-p")
	r.ServeHTTP(w, req)

	if w.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500 from Recovery, got %d", w.Code)
	}
	var body map[string]any
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("invalid json body: %v", err)
	}
	if body["code"] != "INTERNAL_ERROR" || body["correlationId"] != "corr-p" || body["path"] != "/panic" {
		t.Fatalf("unexpected body: %v", body)
	}
	if strings.Contains(w.Body.String(), "kaboom") {
		t.Fatalf("panic value leaked to client")
	}
	if !strings.Contains(buf.String(), "panic recovered") {
		t.Fatalf("expected panic log, got:\n%s", buf.String())
	}
}

func TestRecovery_PanicAfterWrite_NoEnvelope(t *testing.T) {
	gin.SetMode(gin.TestMode)
	buf := captureLogger(t)

	r := gin.New()
	r.Use(CorrelationID(), Logger(RedactOptions{}), Recovery())
	r.GET("/panic-after-write", func(c *gin.Context) {
		c.String(http.StatusOK, "partial-body")
		panic("late kaboom")
	})

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/panic-after-write", nil))

	if strings.Contains(w.Body.String(), "INTERNAL_ERROR") {
		t.Fatalf("no envelope expected after write; body=%q", w.Body.String())
	}
	if !strings.Contains(buf.String(), "panic recovered") {
		t.Fatalf("expected panic log, got:\n%s", buf.String())
	}
}

func TestHelpers_asString_and_truncate(t *testing.T) {
	if asString("x") != "x" || asString(123) != "" {
		t.Fatalf("asString failed")
	}
	if truncate("hello", 10) != "hello" {
		t.Fatalf("truncate no-op failed")
	}
	if got := truncate("abcdefgh", 5); got != "abcde…" {
		t.Fatalf("truncate result = %q; want %q", got, "abcde…")
	}
	if truncate("abc", 0) != "abc" {
		t.Fatalf("truncate disable failed")
	}
}
