package gateway

import (
	"path"
	"slices"
	"sort"
	"strings"

	"github.com/tbourn/lms-api-gateway/internal/domain"
)

// RouteMatcher resolves inbound paths against the route table. Route paths
// match on segment boundaries and "{name}" segments match any single
// segment. When several routes match, the one with the most segments wins;
// ties go to the route declared first.
type RouteMatcher struct {
	routes []compiledRoute
}

type compiledRoute struct {
	desc *domain.RouteDescriptor
	segs []string
}

// NewRouteMatcher compiles routes. The descriptors are shared, not copied.
func NewRouteMatcher(routes []domain.RouteDescriptor) *RouteMatcher {
	m := &RouteMatcher{routes: make([]compiledRoute, 0, len(routes))}
	for i := range routes {
		m.routes = append(m.routes, compiledRoute{desc: &routes[i], segs: segments(routes[i].Path)})
	}
	// stable: declaration order breaks ties
	sort.SliceStable(m.routes, func(i, j int) bool { return len(m.routes[i].segs) > len(m.routes[j].segs) })
	return m
}

// Match returns the most specific route for method and p. When the path
// matches but no matching route accepts method, matched is true and allow
// lists the methods that would have been accepted.
func (m *RouteMatcher) Match(method, p string) (route *domain.RouteDescriptor, matched bool, allow []string) {
	in := segments(p)
	for _, r := range m.routes {
		if !prefixMatch(r.segs, in) {
			continue
		}
		if r.desc.AllowsMethod(method) {
			return r.desc, true, nil
		}
		matched = true
		allow = appendMethods(allow, r.desc.Methods)
	}
	return nil, matched, allow
}

// CleanPath normalizes p for matching and forwarding: dot segments and
// repeated slashes are removed, a trailing slash is kept.
func CleanPath(p string) string {
	if p == "" {
		return "/"
	}
	out := path.Clean("/" + p)
	if strings.HasSuffix(p, "/") && out != "/" {
		out += "/"
	}
	return out
}

func segments(p string) []string {
	parts := strings.Split(strings.Trim(p, "/"), "/")
	out := parts[:0]
	for _, s := range parts {
		if s != "" {
			out = append(out, s)
		}
	}
	return out
}

func prefixMatch(route, in []string) bool {
	if len(route) > len(in) {
		return false
	}
	for i, s := range route {
		if isParam(s) {
			continue
		}
		if s != in[i] {
			return false
		}
	}
	return true
}

func isParam(s string) bool {
	return len(s) > 2 && s[0] == '{' && s[len(s)-1] == '}'
}

func appendMethods(dst, methods []string) []string {
	for _, m := range methods {
		if m = strings.ToUpper(m); !slices.Contains(dst, m) {
			dst = append(dst, m)
		}
	}
	return dst
}
