package gateway

import (
	"testing"
	"time"

	"github.com/tbourn/lms-api-gateway/internal/config"
	"github.com/tbourn/lms-api-gateway/internal/domain"
)

func TestRouteMatcher_SegmentsParamsAndSpecificity(t *testing.T) {
	m := NewRouteMatcher([]domain.RouteDescriptor{
		{Name: "users", Path: "/api/v1/users", Methods: []string{"GET", "POST"}},
		{Name: "user-docs", Path: "/api/v1/users/{id}/documents", Methods: []string{"GET"}},
		{Name: "properties", Path: "/api/v1/properties"},
	})

	cases := []struct {
		method, path string
		want         string
		matched      bool
	}{
		{"GET", "/api/v1/users", "users", true},
		{"GET", "/api/v1/users/", "users", true},
		{"POST", "/api/v1/users/7", "users", true},
		{"GET", "/api/v1/users/7/documents/3", "user-docs", true},
		{"GET", "/api/v1/properties/9/units", "properties", true},
		{"DELETE", "/api/v1/properties", "properties", true},
		{"GET", "/api/v1/usersX", "", false},
		{"GET", "/api/v1", "", false},
		{"GET", "/", "", false},
	}
	for _, tc := range cases {
		r, matched, _ := m.Match(tc.method, CleanPath(tc.path))
		got := ""
		if r != nil {
			got = r.Name
		}
		if got != tc.want || (r != nil) != (tc.want != "") || (tc.want == "" && matched != tc.matched) {
			t.Errorf("%s %s -> %q (matched=%v); want %q", tc.method, tc.path, got, matched, tc.want)
		}
	}
}

func TestRouteMatcher_MethodFallsBackToLessSpecific(t *testing.T) {
	m := NewRouteMatcher([]domain.RouteDescriptor{
		{Name: "users", Path: "/api/v1/users", Methods: []string{"GET", "POST", "DELETE"}},
		{Name: "user-docs", Path: "/api/v1/users/{id}/documents", Methods: []string{"GET"}},
	})

	r, _, _ := m.Match("DELETE", "/api/v1/users/7/documents")
	if r == nil || r.Name != "users" {
		t.Fatalf("DELETE should fall back to users, got %v", r)
	}

	m = NewRouteMatcher([]domain.RouteDescriptor{
		{Name: "users", Path: "/api/v1/users", Methods: []string{"get"}},
	})
	r, matched, allow := m.Match("PATCH", "/api/v1/users")
	if r != nil || !matched {
		t.Fatalf("want method mismatch, got r=%v matched=%v", r, matched)
	}
	if len(allow) != 1 || allow[0] != "GET" {
		t.Fatalf("allow = %v", allow)
	}
}

func TestRouteMatcher_TieGoesToFirstDeclared(t *testing.T) {
	m := NewRouteMatcher([]domain.RouteDescriptor{
		{Name: "first", Path: "/api/v1/{any}"},
		{Name: "second", Path: "/api/v1/leases"},
	})
	if r, _, _ := m.Match("GET", "/api/v1/leases"); r == nil || r.Name != "first" {
		t.Fatalf("got %v; want first", r)
	}
}

func TestCleanPath(t *testing.T) {
	cases := map[string]string{
		"":                        "/",
		"/":                       "/",
		"/api//v1/users":          "/api/v1/users",
		"/api/v1/users/":          "/api/v1/users/",
		"/api/v1/users/../admin":  "/api/v1/admin",
		"/api/v1/./properties/42": "/api/v1/properties/42",
	}
	for in, want := range cases {
		if got := CleanPath(in); got != want {
			t.Errorf("CleanPath(%q) = %q; want %q", in, got, want)
		}
	}
}

func TestUpstreamPathRewrite(t *testing.T) {
	strip := ""
	users := "/users"
	cases := []struct {
		rewrite *string
		in      string
		want    string
	}{
		{nil, "/api/v1/users/7", "/api/v1/users/7"},
		{&users, "/api/v1/users", "/users"},
		{&users, "/api/v1/users/7/roles", "/users/7/roles"},
		{&strip, "/api/v1/users", "/"},
		{&strip, "/api/v1/users/7", "/7"},
	}
	for _, tc := range cases {
		r := domain.RouteDescriptor{Path: "/api/v1/users", Rewrite: tc.rewrite}
		if got := r.UpstreamPath(tc.in); got != tc.want {
			t.Errorf("UpstreamPath(%q) = %q; want %q", tc.in, got, tc.want)
		}
	}
}

func TestRouteMatcher_DefaultTableSplitsUploads(t *testing.T) {
	table := config.DefaultRoutes(config.Config{
		CacheTTL: time.Minute,
		RateLimit: config.RateLimitConfig{
			Window: time.Minute, Max: 10, AuthWindow: time.Minute, AuthMax: 10,
			UploadWindow: time.Hour, UploadMax: 10,
		},
	})
	m := NewRouteMatcher(table.Routes)

	for method, want := range map[string]string{"POST": "document-uploads", "GET": "documents", "DELETE": "documents"} {
		r, _, _ := m.Match(method, "/api/v1/documents/7")
		if r == nil || r.Name != want {
			t.Fatalf("%s /api/v1/documents/7 -> %v; want %s", method, r, want)
		}
	}
}
