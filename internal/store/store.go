// Package store implements the shared key/value protocol used for response
// caching, rate-limit counters and token revocation: GET, SET with TTL,
// EXISTS, DEL, and an atomic fixed-window increment.
//
// Three backends are provided:
//   - Redis (go-redis), the production default shared by all replicas
//   - SQLite (GORM), a shared file for single-host deployments
//   - Memory, process-local, for tests and development
//
// Every backend reports infrastructure failures wrapped in ErrUnavailable
// so callers can apply their own degradation policy.
package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/tbourn/lms-api-gateway/internal/config"
)

var (
	// ErrNotFound is returned by Get when the key is absent or expired.
	ErrNotFound = errors.New("store: key not found")

	// ErrUnavailable wraps backend failures (connection, timeout, closed).
	ErrUnavailable = errors.New("store: unavailable")
)

// Store is the key/value protocol shared by the cache, the rate limiter and
// the auth guard. Implementations are safe for concurrent use.
type Store interface {
	// Get returns the value for key or ErrNotFound.
	Get(ctx context.Context, key string) ([]byte, error)
	// Set stores value under key; ttl <= 0 stores without expiry.
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	// Exists reports whether key is present and unexpired.
	Exists(ctx context.Context, key string) (bool, error)
	// Del removes key. Deleting a missing key is not an error.
	Del(ctx context.Context, key string) error
	// IncrWindow atomically increments the counter at key. The expiry is
	// set to window only by the increment that creates the key and is
	// never extended. It returns the new count and the remaining TTL.
	IncrWindow(ctx context.Context, key string, window time.Duration) (int64, time.Duration, error)
	// Ping checks connectivity.
	Ping(ctx context.Context) error
	// Close releases backend resources.
	Close() error
}

// Open builds the store selected by cfg.Driver. Tracing enables the GORM
// OpenTelemetry plugin on the SQLite backend. The result applies
// cfg.Timeout to every operation.
func Open(ctx context.Context, cfg config.StoreConfig, tracing bool) (Store, error) {
	var (
		s   Store
		err error
	)
	switch cfg.Driver {
	case "redis":
		s, err = NewRedis(ctx, RedisOptions{URL: cfg.RedisURL, PoolSize: cfg.PoolSize, OpTimeout: cfg.Timeout})
	case "sqlite":
		s, err = OpenSQLite(cfg.SQLitePath, tracing)
	case "memory":
		s = NewMemory()
	default:
		return nil, fmt.Errorf("store: unknown driver %q", cfg.Driver)
	}
	if err != nil {
		return nil, err
	}
	return WithTimeout(s, cfg.Timeout), nil
}

func unavailable(op string, err error) error {
	return fmt.Errorf("%w: %s: %w", ErrUnavailable, op, err)
}
