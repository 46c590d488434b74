// Package config provides gateway configuration loaded from environment
// variables with defaults and validation. It centralizes server timeouts,
// logging, the token secret, CORS, the shared store, rate-limit classes,
// health probing, upstream timeouts, and the route table.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Environment names understood by Load.
const (
	EnvDevelopment = "development"
	EnvTest        = "test"
	EnvProduction  = "production"
)

// defaultJWTSecret is only accepted outside production.
const defaultJWTSecret = "dev-secret-change-me"

// CORSConfig defines Cross-Origin Resource Sharing settings.
type CORSConfig struct {
	AllowedOrigins []string
}

// SecurityConfig defines security-related settings such as HSTS.
type SecurityConfig struct {
	EnableHSTS bool
	HSTSMaxAge time.Duration
}

// OTELConfig defines OpenTelemetry observability settings.
type OTELConfig struct {
	Enabled     bool    // OTEL_ENABLED
	Endpoint    string  // OTEL_EXPORTER_OTLP_ENDPOINT (e.g. "otel:4317")
	Insecure    bool    // OTEL_EXPORTER_OTLP_INSECURE (true if no TLS)
	ServiceName string  // OTEL_SERVICE_NAME
	SampleRatio float64 // OTEL_TRACES_SAMPLER_ARG in [0..1]
}

// StoreConfig selects and configures the shared key/value store used for
// response caching and rate-limit counters.
type StoreConfig struct {
	Driver     string        // redis|sqlite|memory
	RedisURL   string        // redis://[:password@]host:port/db
	PoolSize   int           // redis connection pool size
	SQLitePath string        // file used by the sqlite driver
	Timeout    time.Duration // per-operation deadline
}

// RateLimitConfig holds the thresholds for the built-in rate classes.
// Route files may declare further classes.
type RateLimitConfig struct {
	Window     time.Duration // global window
	Max        int           // global budget per window
	AuthWindow time.Duration // window for the auth class
	AuthMax    int           // budget for the auth class

	UploadWindow time.Duration // window for the uploads class
	UploadMax    int           // budget for the uploads class
}

// HealthConfig tunes the background prober.
type HealthConfig struct {
	Interval           time.Duration
	Timeout            time.Duration
	UnhealthyThreshold int // consecutive failures before marking unhealthy
	HealthyThreshold   int // consecutive successes before restoring
}

// Config holds all configuration values for the gateway.
type Config struct {
	Env string // development|test|production

	// Server
	Port              string        // just the number
	ReadTimeout       time.Duration // e.g. 15s
	ReadHeaderTimeout time.Duration // e.g. 10s
	WriteTimeout      time.Duration // e.g. 30s
	IdleTimeout       time.Duration // e.g. 60s
	ShutdownTimeout   time.Duration // graceful drain budget
	MaxHeaderBytes    int           // bytes
	MaxBodyBytes      int64         // inbound body cap
	GinMode           string        // debug|release|test
	TrustedProxies    []string      // CIDRs/IPs allowed to set X-Forwarded-For

	// Logging / Docs
	LogLevel       string // debug|info|warn|error|fatal|panic
	LogPretty      bool   // pretty console logs in dev
	SwaggerEnabled bool   // enable Swagger UI route

	// Versions stamped on every response
	APIVersion     string
	GatewayVersion string

	// Auth
	JWTSecret      string
	AuthRevocation bool // consult the store for revoked tokens

	// Web protection
	CORS     CORSConfig
	Security SecurityConfig

	// Shared store, cache and limiter
	Store             StoreConfig
	CacheTTL          time.Duration // default TTL for cacheable routes
	CacheMaxBodyBytes int           // larger upstream bodies are not cached
	RateLimit         RateLimitConfig

	// Upstreams
	UpstreamTimeout time.Duration
	LBStrategy      string // round_robin|least_connections|random|weighted_round_robin|response_time
	Health          HealthConfig

	// Routing
	RoutesFile string
	Routes     RouteTable

	// Observability
	OTEL OTELConfig
}

// MustLoad loads the configuration and panics if validation fails.
func MustLoad() Config {
	cfg, err := Load()
	if err != nil {
		panic(err)
	}
	return cfg
}

// Load reads configuration from environment variables, applies defaults,
// resolves the route table, normalizes values, and validates the result.
func Load() (Config, error) {
	env := normalizeEnv(firstEnv([]string{"APP_ENV", "NODE_ENV"}, EnvDevelopment))

	cfg := Config{
		Env: env,

		// Server
		Port:              firstEnv([]string{"PORT", "API_GATEWAY_PORT"}, "8080"),
		ReadTimeout:       getdur("READ_TIMEOUT", 15*time.Second),
		ReadHeaderTimeout: getdur("READ_HEADER_TIMEOUT", 10*time.Second),
		WriteTimeout:      getdur("WRITE_TIMEOUT", 30*time.Second),
		IdleTimeout:       getdur("IDLE_TIMEOUT", 60*time.Second),
		ShutdownTimeout:   getdur("SHUTDOWN_TIMEOUT", 15*time.Second),
		MaxHeaderBytes:    getint("MAX_HEADER_BYTES", 1<<20),
		MaxBodyBytes:      int64(getint("MAX_BODY_BYTES", 10<<20)),
		GinMode:           strings.ToLower(getenv("GIN_MODE", "release")),
		TrustedProxies:    splitCSV(getenv("TRUSTED_PROXIES", "")),

		// Logging / Docs
		LogLevel:       strings.ToLower(getenv("LOG_LEVEL", "info")),
		LogPretty:      getbool("LOG_PRETTY", env == EnvDevelopment),
		SwaggerEnabled: getbool("SWAGGER_ENABLED", false),

		APIVersion:     getenv("API_VERSION", "1.0.0"),
		GatewayVersion: getenv("GATEWAY_VERSION", "1.0.0"),

		// Auth
		JWTSecret:      getenv("JWT_SECRET", ""),
		AuthRevocation: getbool("AUTH_REVOCATION", true),

		// Web protection
		CORS: CORSConfig{
			AllowedOrigins: splitCSV(getenv("CORS_ALLOWED_ORIGINS", getenv("CORS_ORIGINS", defaultOrigins(env)))),
		},
		Security: SecurityConfig{
			EnableHSTS: getbool("ENABLE_HSTS", env == EnvProduction),
			HSTSMaxAge: getdur("HSTS_MAX_AGE", 365*24*time.Hour),
		},

		// Store
		Store: StoreConfig{
			Driver:     strings.ToLower(getenv("STORE_DRIVER", "redis")),
			RedisURL:   getenv("REDIS_URL", "redis://localhost:6379/0"),
			PoolSize:   getint("REDIS_POOL_SIZE", 20),
			SQLitePath: getenv("STORE_SQLITE_PATH", "gateway-store.db"),
			Timeout:    getdur("STORE_TIMEOUT", 250*time.Millisecond),
		},
		CacheTTL:          getdur("CACHE_TTL", 5*time.Minute),
		CacheMaxBodyBytes: getint("CACHE_MAX_BODY_BYTES", 1<<20),
		RateLimit: RateLimitConfig{
			Window:     getdur("RATE_LIMIT_WINDOW", 15*time.Minute),
			Max:        getint("RATE_LIMIT_MAX", 1000),
			AuthWindow: getdur("AUTH_RATE_LIMIT_WINDOW", 15*time.Minute),
			AuthMax:    getint("AUTH_RATE_LIMIT_MAX", 10),

			UploadWindow: getdur("UPLOAD_RATE_LIMIT_WINDOW", time.Hour),
			UploadMax:    getint("UPLOAD_RATE_LIMIT_MAX", 10),
		},

		// Upstreams
		UpstreamTimeout: getdur("UPSTREAM_TIMEOUT", 10*time.Second),
		LBStrategy:      strings.ToLower(getenv("LB_STRATEGY", "round_robin")),
		Health: HealthConfig{
			Interval:           getdur("HEALTH_CHECK_INTERVAL", 30*time.Second),
			Timeout:            getdur("HEALTH_CHECK_TIMEOUT", 5*time.Second),
			UnhealthyThreshold: getint("HEALTH_UNHEALTHY_THRESHOLD", 3),
			HealthyThreshold:   getint("HEALTH_HEALTHY_THRESHOLD", 2),
		},

		RoutesFile: getenv("ROUTES_FILE", ""),

		// Observability (OpenTelemetry)
		OTEL: OTELConfig{
			Enabled:     getbool("OTEL_ENABLED", false),
			Endpoint:    getenv("OTEL_EXPORTER_OTLP_ENDPOINT", "localhost:4317"),
			Insecure:    getbool("OTEL_EXPORTER_OTLP_INSECURE", true),
			ServiceName: getenv("OTEL_SERVICE_NAME", "lms-api-gateway"),
			SampleRatio: getfloat("OTEL_TRACES_SAMPLER_ARG", 1.0),
		},
	}

	// --- normalization ---
	if cfg.LogLevel == "warning" {
		cfg.LogLevel = "warn"
	}
	switch cfg.GinMode {
	case "debug", "release", "test":
	default:
		cfg.GinMode = "release"
	}
	if cfg.JWTSecret == "" && env != EnvProduction {
		cfg.JWTSecret = defaultJWTSecret
	}
	cfg.LBStrategy = strings.ReplaceAll(cfg.LBStrategy, "-", "_")

	// --- validation ---
	switch cfg.LogLevel {
	case "debug", "info", "warn", "error", "fatal", "panic":
	default:
		return cfg, errors.New("LOG_LEVEL must be one of: debug, info, warn, error, fatal, panic")
	}
	if strings.TrimSpace(cfg.Port) == "" {
		return cfg, errors.New("PORT must not be empty")
	}
	if cfg.ReadTimeout <= 0 || cfg.ReadHeaderTimeout <= 0 || cfg.WriteTimeout <= 0 || cfg.IdleTimeout <= 0 || cfg.ShutdownTimeout <= 0 {
		return cfg, errors.New("timeouts must be positive durations")
	}
	if cfg.MaxHeaderBytes <= 0 {
		return cfg, errors.New("MAX_HEADER_BYTES must be > 0")
	}
	if cfg.MaxBodyBytes <= 0 {
		return cfg, errors.New("MAX_BODY_BYTES must be > 0")
	}
	if cfg.JWTSecret == "" {
		return cfg, errors.New("JWT_SECRET must be set in production")
	}
	if env == EnvProduction && cfg.JWTSecret == defaultJWTSecret {
		return cfg, errors.New("JWT_SECRET must not use the development default in production")
	}
	switch cfg.Store.Driver {
	case "redis", "sqlite", "memory":
	default:
		return cfg, errors.New("STORE_DRIVER must be one of: redis, sqlite, memory")
	}
	if cfg.Store.Timeout <= 0 {
		return cfg, errors.New("STORE_TIMEOUT must be > 0")
	}
	if cfg.Store.PoolSize < 1 {
		return cfg, errors.New("REDIS_POOL_SIZE must be >= 1")
	}
	if cfg.CacheTTL <= 0 {
		return cfg, errors.New("CACHE_TTL must be > 0")
	}
	if cfg.CacheMaxBodyBytes < 0 {
		return cfg, errors.New("CACHE_MAX_BODY_BYTES must be >= 0")
	}
	if cfg.RateLimit.Window <= 0 || cfg.RateLimit.AuthWindow <= 0 || cfg.RateLimit.UploadWindow <= 0 {
		return cfg, errors.New("rate limit windows must be positive durations")
	}
	if cfg.RateLimit.Max < 1 || cfg.RateLimit.AuthMax < 1 || cfg.RateLimit.UploadMax < 1 {
		return cfg, errors.New("rate limit budgets must be >= 1")
	}
	if cfg.UpstreamTimeout <= 0 {
		return cfg, errors.New("UPSTREAM_TIMEOUT must be > 0")
	}
	switch cfg.LBStrategy {
	case "round_robin", "least_connections", "random", "weighted_round_robin", "response_time":
	default:
		return cfg, errors.New("LB_STRATEGY must be one of: round_robin, least_connections, random, weighted_round_robin, response_time")
	}
	if cfg.Health.Interval <= 0 || cfg.Health.Timeout <= 0 {
		return cfg, errors.New("health check interval and timeout must be positive durations")
	}
	if cfg.Health.UnhealthyThreshold < 1 || cfg.Health.HealthyThreshold < 1 {
		return cfg, errors.New("health thresholds must be >= 1")
	}
	for _, o := range cfg.CORS.AllowedOrigins {
		if o != "*" && !strings.HasPrefix(o, "http://") && !strings.HasPrefix(o, "https://") {
			return cfg, fmt.Errorf("CORS_ALLOWED_ORIGINS: %q must be \"*\" or start with http:// or https://", o)
		}
	}
	if cfg.Security.HSTSMaxAge < 0 {
		return cfg, errors.New("HSTS_MAX_AGE must be >= 0")
	}
	if cfg.OTEL.SampleRatio < 0 || cfg.OTEL.SampleRatio > 1 {
		return cfg, errors.New("OTEL_TRACES_SAMPLER_ARG must be in [0,1]")
	}

	// --- route table ---
	var (
		table RouteTable
		err   error
	)
	if cfg.RoutesFile != "" {
		table, err = LoadRoutes(cfg.RoutesFile, cfg)
		if err != nil {
			return cfg, fmt.Errorf("ROUTES_FILE: %w", err)
		}
	} else {
		table = DefaultRoutes(cfg)
	}
	if err := applyServiceEnv(&table); err != nil {
		return cfg, err
	}
	if err := table.Validate(); err != nil {
		return cfg, err
	}
	cfg.Routes = table

	return cfg, nil
}

// IsProduction reports whether the gateway runs with production defaults.
func (c Config) IsProduction() bool { return c.Env == EnvProduction }

// Addr returns the listen address for http.Server.
func (c Config) Addr() string { return ":" + strings.TrimPrefix(c.Port, ":") }

// defaultOrigins mirrors the front-end dev servers; production has no
// implicit allow-list.
func defaultOrigins(env string) string {
	switch env {
	case EnvProduction:
		return ""
	default:
		return "http://localhost:3000,http://localhost:5173,http://127.0.0.1:3000"
	}
}

func normalizeEnv(s string) string {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "prod", "production":
		return EnvProduction
	case "test", "testing":
		return EnvTest
	default:
		return EnvDevelopment
	}
}

// ---- helpers (no external deps) ----

func getenv(k, def string) string {
	if v, ok := os.LookupEnv(k); ok && v != "" {
		return v
	}
	return def
}

// firstEnv returns the first non-empty variable among keys.
func firstEnv(keys []string, def string) string {
	for _, k := range keys {
		if v, ok := os.LookupEnv(k); ok && v != "" {
			return v
		}
	}
	return def
}

func getfloat(k string, def float64) float64 {
	if v, ok := os.LookupEnv(k); ok && v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}

func getint(k string, def int) int {
	if v, ok := os.LookupEnv(k); ok && v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return def
}

func getbool(k string, def bool) bool {
	if v, ok := os.LookupEnv(k); ok && v != "" {
		switch strings.ToLower(strings.TrimSpace(v)) {
		case "1", "true", "yes", "y", "on":
			return true
		case "0", "false", "no", "n", "off":
			return false
		}
	}
	return def
}

// getdur accepts Go durations ("15m") and bare integers as milliseconds
// ("900000"), the format older deployments used for RATE_LIMIT_WINDOW_MS.
func getdur(k string, def time.Duration) time.Duration {
	if v, ok := os.LookupEnv(k); ok && v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
		if ms, err := strconv.Atoi(v); err == nil {
			return time.Duration(ms) * time.Millisecond
		}
	}
	return def
}

func splitCSV(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		t := strings.TrimSpace(p)
		if t != "" {
			out = append(out, t)
		}
	}
	return out
}

// normalizePath ensures leading '/' and strips trailing '/' (except root).
func normalizePath(p string) string {
	p = strings.TrimSpace(p)
	if p == "" {
		return "/"
	}
	if !strings.HasPrefix(p, "/") {
		p = "/" + p
	}
	if len(p) > 1 && strings.HasSuffix(p, "/") {
		p = strings.TrimRight(p, "/")
	}
	return p
}
