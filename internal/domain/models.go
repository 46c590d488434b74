// Package domain defines the value types shared by the gateway pipeline:
// route descriptors and their validation rules, backend service specs,
// rate classes, verified identity claims, cached responses, and the
// per-request context.
package domain

import (
	"net/http"
	"strings"
	"time"
)

// HealthStatus is the prober's view of a backend instance.
type HealthStatus string

const (
	HealthUnknown   HealthStatus = "unknown"
	HealthHealthy   HealthStatus = "healthy"
	HealthUnhealthy HealthStatus = "unhealthy"
)

// GlobalRateClass is evaluated for every request in addition to the
// route's own class.
const GlobalRateClass = "global"

// Query rule types.
const (
	TypeInt    = "int"
	TypeNumber = "number"
	TypeString = "string"
	TypeEnum   = "enum"
	TypeBool   = "boolean"
	TypeObject = "object"
	TypeArray  = "array"
)

// QueryRule constrains one query parameter.
//
// Min/Max bound numeric values; MinLen/MaxLen bound string length in runes.
// GTE names another parameter whose numeric value this one must not be
// below (e.g. maxPrice >= minPrice). Message overrides the generated error
// text.
type QueryRule struct {
	Name     string   `yaml:"name"     json:"name"`
	Type     string   `yaml:"type"     json:"type"`
	Required bool     `yaml:"required" json:"required,omitempty"`
	Min      *float64 `yaml:"min"      json:"min,omitempty"`
	Max      *float64 `yaml:"max"      json:"max,omitempty"`
	MinLen   int      `yaml:"min_len"  json:"min_len,omitempty"`
	MaxLen   int      `yaml:"max_len"  json:"max_len,omitempty"`
	Pattern  string   `yaml:"pattern"  json:"pattern,omitempty"`
	Enum     []string `yaml:"enum"     json:"enum,omitempty"`
	GTE      string   `yaml:"gte"      json:"gte,omitempty"`
	Message  string   `yaml:"message"  json:"message,omitempty"`
}

// BodyRule constrains a top-level field of a JSON request body.
type BodyRule struct {
	Field    string `yaml:"field"    json:"field"`
	Type     string `yaml:"type"     json:"type"`
	Required bool   `yaml:"required" json:"required,omitempty"`
}

// RouteDescriptor maps an inbound path prefix to a logical backend service.
// Descriptors are built once at startup and shared read-only.
//
// Path is matched on segment boundaries: "/api/v1/properties" matches
// "/api/v1/properties" and "/api/v1/properties/42" but not
// "/api/v1/propertiesX". A "{name}" segment matches any single segment.
//
// Rewrite, when non-nil, replaces the matched prefix in the upstream path
// ("" strips it).
type RouteDescriptor struct {
	Name         string
	Path         string
	Methods      []string
	Service      string
	AuthRequired bool
	Roles        []string
	RateClass    string
	CacheTTL     time.Duration
	Rewrite      *string
	Query        []QueryRule
	Body         []BodyRule
}

// AllowsMethod reports whether m is accepted by the route. An empty method
// list accepts everything.
func (r *RouteDescriptor) AllowsMethod(m string) bool {
	if len(r.Methods) == 0 {
		return true
	}
	for _, x := range r.Methods {
		if strings.EqualFold(x, m) {
			return true
		}
	}
	return false
}

// Cacheable reports whether responses for method m may be cached.
func (r *RouteDescriptor) Cacheable(m string) bool {
	return r.CacheTTL > 0 && m == http.MethodGet
}

// AllowsRole reports whether role satisfies the route's role requirement.
func (r *RouteDescriptor) AllowsRole(role string) bool {
	if len(r.Roles) == 0 {
		return true
	}
	for _, x := range r.Roles {
		if strings.EqualFold(x, role) {
			return true
		}
	}
	return false
}

// UpstreamPath applies the route's rewrite to an inbound path already known
// to match r.Path.
func (r *RouteDescriptor) UpstreamPath(path string) string {
	if r.Rewrite == nil {
		return path
	}
	segs := 0
	if p := strings.Trim(r.Path, "/"); p != "" {
		segs = strings.Count(p, "/") + 1
	}
	in := strings.Split(strings.TrimPrefix(path, "/"), "/")
	rest := ""
	if len(in) > segs {
		rest = "/" + strings.Join(in[segs:], "/")
	}
	out := strings.TrimRight(*r.Rewrite, "/") + rest
	if out == "" {
		return "/"
	}
	return out
}

// ServiceSpec declares a logical backend service and its instances.
type ServiceSpec struct {
	Name       string
	URLs       []string
	Weights    []int // Weights[i] applies to URLs[i]; missing entries weigh 1
	HealthPath string
}

// WeightOf returns the balancing weight of URLs[i], never less than one.
func (s ServiceSpec) WeightOf(i int) int {
	if i < len(s.Weights) && s.Weights[i] > 0 {
		return s.Weights[i]
	}
	return 1
}

// RateClass is a named fixed-window budget.
type RateClass struct {
	Name   string
	Limit  int
	Window time.Duration
}

// AuthClaims is the identity extracted from a verified bearer token.
type AuthClaims struct {
	Subject   string    `json:"sub"`
	Email     string    `json:"email,omitempty"`
	Role      string    `json:"role,omitempty"`
	IssuedAt  time.Time `json:"iat"`
	ExpiresAt time.Time `json:"exp"`
}

// CacheEntry is the serialized form of a cached upstream response.
type CacheEntry struct {
	Status   int               `json:"status"`
	Header   map[string]string `json:"headers,omitempty"`
	Body     []byte            `json:"body"`
	StoredAt time.Time         `json:"stored_at"`
}

// Age returns how long ago the entry was stored.
func (e *CacheEntry) Age(now time.Time) time.Duration {
	if e.StoredAt.IsZero() || now.Before(e.StoredAt) {
		return 0
	}
	return now.Sub(e.StoredAt)
}

// RequestContext is the per-request state carried through the pipeline.
// It is never shared between requests.
type RequestContext struct {
	CorrelationID string
	ClientKey     string
	ClientIP      string
	Service       string
	Route         *RouteDescriptor
	Claims        *AuthClaims
	Start         time.Time
}

// Authenticated reports whether a verified identity is attached.
func (rc *RequestContext) Authenticated() bool { return rc.Claims != nil && rc.Claims.Subject != "" }

// ClientKeyFor derives the limiter identity: the subject when
// authenticated, else the source address.
func ClientKeyFor(claims *AuthClaims, ip string) string {
	if claims != nil && claims.Subject != "" {
		return "user:" + claims.Subject
	}
	return "ip:" + ip
}
