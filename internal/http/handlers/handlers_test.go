package handlers

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/tbourn/lms-api-gateway/internal/domain"
	"github.com/tbourn/lms-api-gateway/internal/registry"
)

type fakeHealth struct{ rep registry.Report }

func (f fakeHealth) Snapshot(now time.Time) registry.Report {
	f.rep.Timestamp = now.UTC()
	return f.rep
}

func newEngine(h *Handlers) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.GET("/health", h.Health)
	r.GET("/api/v1/info", h.Info)
	return r
}

func TestHealth_StatusCodes(t *testing.T) {
	cases := []struct {
		status string
		want   int
	}{
		{registry.StatusHealthy, http.StatusOK},
		{registry.StatusDegraded, http.StatusOK},
		{registry.StatusUnhealthy, http.StatusServiceUnavailable},
	}
	for _, tc := range cases {
		t.Run(tc.status, func(t *testing.T) {
			rep := registry.Report{
				Status:   tc.status,
				Services: []registry.ServiceReport{{Name: "property-service", Status: tc.status}},
				Summary:  registry.Summary{Total: 1},
			}
			r := newEngine(New(fakeHealth{rep: rep}, "1.0.0", nil))

			w := httptest.NewRecorder()
			r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/health", nil))
			if w.Code != tc.want {
				t.Fatalf("code=%d want %d", w.Code, tc.want)
			}
			var got registry.Report
			if err := json.Unmarshal(w.Body.Bytes(), &got); err != nil {
				t.Fatalf("json: %v", err)
			}
			if got.Status != tc.status || len(got.Services) != 1 || got.Summary.Total != 1 {
				t.Fatalf("body=%s", w.Body.String())
			}
		})
	}
}

func TestEndpointsFrom_FoldsSharedPaths(t *testing.T) {
	eps := EndpointsFrom([]domain.RouteDescriptor{
		{Name: "document-uploads", Path: "/api/v1/documents", Service: "document-service", AuthRequired: true, Methods: []string{"POST"}},
		{Name: "documents", Path: "/api/v1/documents", Service: "document-service", AuthRequired: true, Methods: []string{"GET", "POST", "DELETE"}},
		{Name: "auth", Path: "/api/v1/auth", Service: "auth-service", Methods: []string{"POST"}},
		{Name: "auth-any", Path: "/api/v1/auth", Service: "auth-service"},
	})
	if len(eps) != 2 {
		t.Fatalf("endpoints = %+v", eps)
	}
	if got := eps[0].Methods; len(got) != 3 || got[0] != "POST" || got[1] != "GET" || got[2] != "DELETE" {
		t.Fatalf("documents methods = %v", got)
	}
	if eps[1].Methods != nil {
		t.Fatalf("an open route should widen the entry to any method: %v", eps[1].Methods)
	}
}

func TestInfo_Document(t *testing.T) {
	routes := []domain.RouteDescriptor{
		{Name: "auth", Path: "/api/v1/auth", Service: "auth-service"},
		{Name: "properties", Path: "/api/v1/properties", Service: "property-service", AuthRequired: true, Methods: []string{"GET"}},
	}
	h := New(fakeHealth{}, "2.3.4", EndpointsFrom(routes))
	h.now = func() time.Time { return time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC) }
	r := newEngine(h)

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/v1/info", nil))
	if w.Code != http.StatusOK {
		t.Fatalf("code=%d", w.Code)
	}
	var got InfoResponse
	if err := json.Unmarshal(w.Body.Bytes(), &got); err != nil {
		t.Fatalf("json: %v", err)
	}
	if got.Service != "API Gateway" || got.Version != "2.3.4" || got.Status != "running" {
		t.Fatalf("unexpected: %+v", got)
	}
	if got.Timestamp != "2025-03-01T12:00:00.000Z" {
		t.Fatalf("timestamp=%q", got.Timestamp)
	}
	p, ok := got.Endpoints["/api/v1/properties"]
	if !ok || p.Service != "property-service" || !p.AuthRequired {
		t.Fatalf("endpoints=%+v", got.Endpoints)
	}
	if a := got.Endpoints["/api/v1/auth"]; a.AuthRequired {
		t.Fatal("auth route should not require auth")
	}
}
