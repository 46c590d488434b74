package config

import (
	"errors"
	"fmt"
	"os"
	"regexp"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/tbourn/lms-api-gateway/internal/domain"
)

// RouteTable is the resolved routing configuration: backend services,
// rate classes, and the ordered route descriptors.
type RouteTable struct {
	Services    []domain.ServiceSpec
	RateClasses []domain.RateClass
	Routes      []domain.RouteDescriptor
}

// Service returns the spec for name.
func (t RouteTable) Service(name string) (domain.ServiceSpec, bool) {
	for _, s := range t.Services {
		if s.Name == name {
			return s, true
		}
	}
	return domain.ServiceSpec{}, false
}

// Validate checks cross references between routes, services and classes.
func (t RouteTable) Validate() error {
	if len(t.Routes) == 0 {
		return errors.New("route table has no routes")
	}
	services := make(map[string]struct{}, len(t.Services))
	for _, s := range t.Services {
		if s.Name == "" {
			return errors.New("service name must not be empty")
		}
		if _, dup := services[s.Name]; dup {
			return fmt.Errorf("service %q declared twice", s.Name)
		}
		if len(s.URLs) == 0 {
			return fmt.Errorf("service %q has no instance URLs", s.Name)
		}
		for _, u := range s.URLs {
			if !strings.HasPrefix(u, "http://") && !strings.HasPrefix(u, "https://") {
				return fmt.Errorf("service %q: instance URL %q must be http(s)", s.Name, u)
			}
		}
		if len(s.Weights) > len(s.URLs) {
			return fmt.Errorf("service %q has %d weights for %d URLs", s.Name, len(s.Weights), len(s.URLs))
		}
		for _, w := range s.Weights {
			if w < 1 {
				return fmt.Errorf("service %q: weights must be >= 1", s.Name)
			}
		}
		services[s.Name] = struct{}{}
	}
	classes := make(map[string]struct{}, len(t.RateClasses))
	for _, c := range t.RateClasses {
		if c.Limit < 1 || c.Window <= 0 {
			return fmt.Errorf("rate class %q needs limit >= 1 and a positive window", c.Name)
		}
		classes[c.Name] = struct{}{}
	}
	if _, ok := classes[domain.GlobalRateClass]; !ok {
		return errors.New("rate class \"global\" must be declared")
	}
	names := make(map[string]struct{}, len(t.Routes))
	for _, r := range t.Routes {
		if r.Name == "" || r.Path == "" {
			return errors.New("routes need a name and a path")
		}
		if _, dup := names[r.Name]; dup {
			return fmt.Errorf("route %q declared twice", r.Name)
		}
		names[r.Name] = struct{}{}
		if _, ok := services[r.Service]; !ok {
			return fmt.Errorf("route %q targets unknown service %q", r.Name, r.Service)
		}
		if r.RateClass != "" {
			if _, ok := classes[r.RateClass]; !ok {
				return fmt.Errorf("route %q uses unknown rate class %q", r.Name, r.RateClass)
			}
		}
		for _, q := range r.Query {
			if q.Pattern == "" {
				continue
			}
			if _, err := regexp.Compile(q.Pattern); err != nil {
				return fmt.Errorf("route %q: query %q pattern: %w", r.Name, q.Name, err)
			}
		}
	}
	return nil
}

// --- built-in table ---

var allMethods = []string{"GET", "POST", "PUT", "PATCH", "DELETE"}

// defaultServices lists the LMS backends and their local development ports.
var defaultServices = []domain.ServiceSpec{
	{Name: "auth-service", URLs: []string{"http://localhost:3001"}, HealthPath: "/health"},
	{Name: "property-service", URLs: []string{"http://localhost:8081"}, HealthPath: "/actuator/health"},
	{Name: "tenant-service", URLs: []string{"http://localhost:8082"}, HealthPath: "/health"},
	{Name: "lease-service", URLs: []string{"http://localhost:8083"}, HealthPath: "/health"},
	{Name: "maintenance-service", URLs: []string{"http://localhost:8084"}, HealthPath: "/health"},
	{Name: "financial-service", URLs: []string{"http://localhost:8085"}, HealthPath: "/health"},
	{Name: "document-service", URLs: []string{"http://localhost:8086"}, HealthPath: "/health"},
}

// DefaultRoutes returns the built-in route table used when no ROUTES_FILE
// is configured.
func DefaultRoutes(cfg Config) RouteTable {
	services := make([]domain.ServiceSpec, len(defaultServices))
	for i, s := range defaultServices {
		s.URLs = append([]string(nil), s.URLs...)
		services[i] = s
	}

	crud := func(name, service string) domain.RouteDescriptor {
		return domain.RouteDescriptor{
			Name:         name,
			Path:         "/api/v1/" + name,
			Methods:      allMethods,
			Service:      service,
			AuthRequired: true,
			RateClass:    domain.GlobalRateClass,
			Query:        PaginationRules(),
		}
	}

	properties := crud("properties", "property-service")
	properties.RateClass = "properties"
	properties.CacheTTL = cfg.CacheTTL
	properties.Query = append(properties.Query, PropertySearchRules()...)

	reports := crud("reports", "financial-service")
	reports.CacheTTL = time.Minute

	// POSTs to /api/v1/documents are uploads; other methods fall through
	// to the documents route
	uploads := crud("documents", "document-service")
	uploads.Name = "document-uploads"
	uploads.Methods = []string{"POST"}
	uploads.RateClass = "uploads"
	uploads.Query = nil

	return RouteTable{
		Services: services,
		RateClasses: []domain.RateClass{
			{Name: domain.GlobalRateClass, Limit: cfg.RateLimit.Max, Window: cfg.RateLimit.Window},
			{Name: "auth", Limit: cfg.RateLimit.AuthMax, Window: cfg.RateLimit.AuthWindow},
			{Name: "properties", Limit: 100, Window: time.Minute},
			{Name: "uploads", Limit: cfg.RateLimit.UploadMax, Window: cfg.RateLimit.UploadWindow},
		},
		Routes: []domain.RouteDescriptor{
			{
				Name:      "auth",
				Path:      "/api/v1/auth",
				Methods:   allMethods,
				Service:   "auth-service",
				RateClass: "auth",
			},
			crud("users", "auth-service"),
			properties,
			crud("tenants", "tenant-service"),
			crud("leases", "lease-service"),
			crud("maintenance", "maintenance-service"),
			crud("payments", "financial-service"),
			uploads,
			crud("documents", "document-service"),
			reports,
		},
	}
}

func f64(v float64) *float64 { return &v }

// PaginationRules validates page/limit/sort/search on list endpoints.
func PaginationRules() []domain.QueryRule {
	return []domain.QueryRule{
		{Name: "page", Type: domain.TypeInt, Min: f64(1), Max: f64(1000), Message: "Page must be an integer between 1 and 1000"},
		{Name: "limit", Type: domain.TypeInt, Min: f64(1), Max: f64(100), Message: "Limit must be an integer between 1 and 100"},
		{Name: "sort", Type: domain.TypeString, Pattern: `^[a-zA-Z_]+:(asc|desc)$`, Message: "Sort must be in format field:asc or field:desc"},
		{Name: "search", Type: domain.TypeString, MinLen: 1, MaxLen: 200, Message: "Search query must be between 1 and 200 characters"},
	}
}

// PropertySearchRules validates the property listing filters.
func PropertySearchRules() []domain.QueryRule {
	return []domain.QueryRule{
		{Name: "minPrice", Type: domain.TypeNumber, Min: f64(0), Message: "Minimum price must be a non-negative number"},
		{Name: "maxPrice", Type: domain.TypeNumber, Min: f64(0), GTE: "minPrice", Message: "Maximum price must be a non-negative number not below minimum price"},
		{Name: "bedrooms", Type: domain.TypeInt, Min: f64(0), Max: f64(50), Message: "Bedrooms must be an integer between 0 and 50"},
		{Name: "status", Type: domain.TypeEnum, Enum: []string{"available", "occupied", "maintenance", "inactive"}, Message: "Status must be one of available, occupied, maintenance, inactive"},
	}
}

var presets = map[string]func() []domain.QueryRule{
	"pagination":      PaginationRules,
	"property_search": PropertySearchRules,
}

// --- YAML route file ---

type rawRouteFile struct {
	Services []struct {
		Name       string   `yaml:"name"`
		URLs       []string `yaml:"urls"`
		Weights    []int    `yaml:"weights"`
		HealthPath string   `yaml:"health_path"`
	} `yaml:"services"`
	RateClasses []struct {
		Name   string `yaml:"name"`
		Limit  int    `yaml:"limit"`
		Window string `yaml:"window"`
	} `yaml:"rate_classes"`
	Routes []struct {
		Name         string             `yaml:"name"`
		Path         string             `yaml:"path"`
		Methods      []string           `yaml:"methods"`
		Service      string             `yaml:"service"`
		Auth         *bool              `yaml:"auth"`
		Roles        []string           `yaml:"roles"`
		RateClass    string             `yaml:"rate_class"`
		CacheTTL     string             `yaml:"cache_ttl"`
		Rewrite      *string            `yaml:"rewrite"`
		QueryPresets []string           `yaml:"query_presets"`
		Query        []domain.QueryRule `yaml:"query"`
		Body         []domain.BodyRule  `yaml:"body"`
	} `yaml:"routes"`
}

// LoadRoutes reads a YAML route table from path. Omitted rate classes
// "global" and "auth" are filled in from cfg; routes default to requiring
// authentication.
func LoadRoutes(path string, cfg Config) (RouteTable, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return RouteTable{}, err
	}
	return ParseRoutes(b, cfg)
}

// ParseRoutes decodes a YAML route table.
func ParseRoutes(b []byte, cfg Config) (RouteTable, error) {
	var raw rawRouteFile
	if err := yaml.Unmarshal(b, &raw); err != nil {
		return RouteTable{}, fmt.Errorf("parse routes: %w", err)
	}

	var t RouteTable
	for _, s := range raw.Services {
		hp := s.HealthPath
		if hp == "" {
			hp = "/health"
		}
		t.Services = append(t.Services, domain.ServiceSpec{
			Name:       strings.TrimSpace(s.Name),
			URLs:       trimAll(s.URLs),
			Weights:    s.Weights,
			HealthPath: normalizePath(hp),
		})
	}

	seen := map[string]bool{}
	for _, c := range raw.RateClasses {
		w, err := time.ParseDuration(c.Window)
		if err != nil {
			return RouteTable{}, fmt.Errorf("rate class %q: window: %w", c.Name, err)
		}
		t.RateClasses = append(t.RateClasses, domain.RateClass{Name: c.Name, Limit: c.Limit, Window: w})
		seen[c.Name] = true
	}
	if !seen[domain.GlobalRateClass] {
		t.RateClasses = append(t.RateClasses, domain.RateClass{Name: domain.GlobalRateClass, Limit: cfg.RateLimit.Max, Window: cfg.RateLimit.Window})
	}
	if !seen["auth"] {
		t.RateClasses = append(t.RateClasses, domain.RateClass{Name: "auth", Limit: cfg.RateLimit.AuthMax, Window: cfg.RateLimit.AuthWindow})
	}

	for _, r := range raw.Routes {
		d := domain.RouteDescriptor{
			Name:         r.Name,
			Path:         normalizePath(r.Path),
			Methods:      upperAll(r.Methods),
			Service:      r.Service,
			AuthRequired: r.Auth == nil || *r.Auth,
			Roles:        r.Roles,
			RateClass:    r.RateClass,
			Rewrite:      r.Rewrite,
			Body:         r.Body,
		}
		if d.RateClass == "" {
			d.RateClass = domain.GlobalRateClass
		}
		if r.CacheTTL != "" {
			ttl, err := time.ParseDuration(r.CacheTTL)
			if err != nil {
				return RouteTable{}, fmt.Errorf("route %q: cache_ttl: %w", r.Name, err)
			}
			d.CacheTTL = ttl
		}
		for _, p := range r.QueryPresets {
			fn, ok := presets[p]
			if !ok {
				return RouteTable{}, fmt.Errorf("route %q: unknown query preset %q", r.Name, p)
			}
			d.Query = append(d.Query, fn()...)
		}
		d.Query = append(d.Query, r.Query...)
		t.Routes = append(t.Routes, d)
	}
	return t, nil
}

// applyServiceEnv lets <SERVICE>_URLS (CSV) or <SERVICE>_URL override the
// instance list of each service, e.g. PROPERTY_SERVICE_URLS. Overridden
// lists take their weights from <SERVICE>_WEIGHTS (CSV) or weigh 1 each.
func applyServiceEnv(t *RouteTable) error {
	for i := range t.Services {
		prefix := envPrefix(t.Services[i].Name)
		if urls := splitCSV(getenv(prefix+"_URLS", "")); len(urls) > 0 {
			t.Services[i].URLs = urls
			t.Services[i].Weights = nil
		} else if u := getenv(prefix+"_URL", ""); u != "" {
			t.Services[i].URLs = []string{u}
			t.Services[i].Weights = nil
		}
		if raw := splitCSV(getenv(prefix+"_WEIGHTS", "")); len(raw) > 0 {
			ws := make([]int, len(raw))
			for j, v := range raw {
				w, err := strconv.Atoi(v)
				if err != nil {
					return fmt.Errorf("%s_WEIGHTS: %q is not an integer", prefix, v)
				}
				ws[j] = w
			}
			t.Services[i].Weights = ws
		}
	}
	return nil
}

func envPrefix(service string) string {
	return strings.ToUpper(strings.NewReplacer("-", "_", ".", "_").Replace(service))
}

func trimAll(in []string) []string {
	out := make([]string, 0, len(in))
	for _, s := range in {
		if s = strings.TrimRight(strings.TrimSpace(s), "/"); s != "" {
			out = append(out, s)
		}
	}
	return out
}

func upperAll(in []string) []string {
	out := make([]string, 0, len(in))
	for _, s := range in {
		out = append(out, strings.ToUpper(strings.TrimSpace(s)))
	}
	return out
}
