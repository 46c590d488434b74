package store

import (
	"context"
	"errors"
	"time"
)

var errClosed = errors.New("store closed")

// timeoutStore bounds every call on the wrapped Store.
type timeoutStore struct {
	inner Store
	d     time.Duration
}

// WithTimeout wraps s so each operation runs under a context deadline of d.
// A non-positive d returns s unchanged.
func WithTimeout(s Store, d time.Duration) Store {
	if d <= 0 {
		return s
	}
	return &timeoutStore{inner: s, d: d}
}

func (t *timeoutStore) ctx(parent context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(parent, t.d)
}

// wrap maps a deadline hit into ErrUnavailable.
func wrap(op string, err error) error {
	if err == nil || errors.Is(err, ErrNotFound) || errors.Is(err, ErrUnavailable) {
		return err
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return unavailable(op, err)
	}
	return err
}

func (t *timeoutStore) Get(ctx context.Context, key string) ([]byte, error) {
	c, cancel := t.ctx(ctx)
	defer cancel()
	b, err := t.inner.Get(c, key)
	return b, wrap("get", err)
}

func (t *timeoutStore) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	c, cancel := t.ctx(ctx)
	defer cancel()
	return wrap("set", t.inner.Set(c, key, value, ttl))
}

func (t *timeoutStore) Exists(ctx context.Context, key string) (bool, error) {
	c, cancel := t.ctx(ctx)
	defer cancel()
	ok, err := t.inner.Exists(c, key)
	return ok, wrap("exists", err)
}

func (t *timeoutStore) Del(ctx context.Context, key string) error {
	c, cancel := t.ctx(ctx)
	defer cancel()
	return wrap("del", t.inner.Del(c, key))
}

func (t *timeoutStore) IncrWindow(ctx context.Context, key string, window time.Duration) (int64, time.Duration, error) {
	c, cancel := t.ctx(ctx)
	defer cancel()
	n, ttl, err := t.inner.IncrWindow(c, key, window)
	return n, ttl, wrap("incr", err)
}

func (t *timeoutStore) Ping(ctx context.Context) error {
	c, cancel := t.ctx(ctx)
	defer cancel()
	return wrap("ping", t.inner.Ping(c))
}

func (t *timeoutStore) Close() error { return t.inner.Close() }
