package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/tbourn/lms-api-gateway/internal/metrics"
)

func TestMetrics_RouteLabels(t *testing.T) {
	gin.SetMode(gin.TestMode)

	r := gin.New()
	r.Use(Metrics())
	r.GET("/health", func(c *gin.Context) { c.String(http.StatusOK, "ok") })
	r.GET("/statusonly", func(c *gin.Context) { c.Status(http.StatusNoContent) })
	r.NoRoute(func(c *gin.Context) {
		if c.Request.URL.Path == "/api/v1/properties/9" {
			c.Set(RouteKey, "properties")
			c.String(http.StatusOK, "{}")
			return
		}
		c.Status(http.StatusNotFound)
	})

	baseHealth := testutil.ToFloat64(metrics.Requests.WithLabelValues("GET", "/health", "200"))
	baseProps := testutil.ToFloat64(metrics.Requests.WithLabelValues("GET", "properties", "200"))
	base404 := testutil.ToFloat64(metrics.Requests.WithLabelValues("GET", UnmatchedRoute, "404"))

	for _, p := range []string{"/health", "/api/v1/properties/9", "/does-not-exist", "/statusonly"} {
		r.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, p, nil))
	}

	if got := testutil.ToFloat64(metrics.Requests.WithLabelValues("GET", "/health", "200")); got != baseHealth+1 {
		t.Fatalf("/health counter = %v; want %v", got, baseHealth+1)
	}
	if got := testutil.ToFloat64(metrics.Requests.WithLabelValues("GET", "properties", "200")); got != baseProps+1 {
		t.Fatalf("properties counter = %v; want %v", got, baseProps+1)
	}
	// raw paths never become labels
	if got := testutil.ToFloat64(metrics.Requests.WithLabelValues("GET", UnmatchedRoute, "404")); got != base404+1 {
		t.Fatalf("unmatched counter = %v; want %v", got, base404+1)
	}
	if inFlight := testutil.ToFloat64(metrics.Inflight); inFlight != 0 {
		t.Fatalf("inflight = %v; want 0", inFlight)
	}
}
