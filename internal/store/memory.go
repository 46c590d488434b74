package store

import (
	"context"
	"strconv"
	"sync"
	"time"
)

type memEntry struct {
	value   []byte
	counter int64
	isCount bool
	expires time.Time // zero never expires
}

func (e *memEntry) expired(now time.Time) bool {
	return !e.expires.IsZero() && !now.Before(e.expires)
}

// MemoryStore is a process-local Store. It is not shared across replicas.
type MemoryStore struct {
	mu     sync.Mutex
	items  map[string]*memEntry
	now    func() time.Time
	stop   chan struct{}
	closed bool
}

// NewMemory returns a MemoryStore with a background janitor that evicts
// expired keys once a minute.
func NewMemory() *MemoryStore {
	return newMemory(time.Now, time.Minute)
}

func newMemory(now func() time.Time, gcEvery time.Duration) *MemoryStore {
	m := &MemoryStore{
		items: make(map[string]*memEntry),
		now:   now,
		stop:  make(chan struct{}),
	}
	if gcEvery > 0 {
		go m.janitor(gcEvery)
	}
	return m
}

func (m *MemoryStore) janitor(every time.Duration) {
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-m.stop:
			return
		case <-t.C:
			m.evictExpired()
		}
	}
}

func (m *MemoryStore) evictExpired() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	n := 0
	for k, e := range m.items {
		if e.expired(now) {
			delete(m.items, k)
			n++
		}
	}
	return n
}

// lookup returns the live entry for key; callers hold mu.
func (m *MemoryStore) lookup(key string) *memEntry {
	e, ok := m.items[key]
	if !ok {
		return nil
	}
	if e.expired(m.now()) {
		delete(m.items, key)
		return nil
	}
	return e
}

func (m *MemoryStore) Get(_ context.Context, key string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, unavailable("get", errClosed)
	}
	e := m.lookup(key)
	if e == nil {
		return nil, ErrNotFound
	}
	if e.isCount {
		return []byte(strconv.FormatInt(e.counter, 10)), nil
	}
	out := make([]byte, len(e.value))
	copy(out, e.value)
	return out, nil
}

func (m *MemoryStore) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return unavailable("set", errClosed)
	}
	e := &memEntry{value: append([]byte(nil), value...)}
	if ttl > 0 {
		e.expires = m.now().Add(ttl)
	}
	m.items[key] = e
	return nil
}

func (m *MemoryStore) Exists(_ context.Context, key string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return false, unavailable("exists", errClosed)
	}
	return m.lookup(key) != nil, nil
}

func (m *MemoryStore) Del(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return unavailable("del", errClosed)
	}
	delete(m.items, key)
	return nil
}

func (m *MemoryStore) IncrWindow(_ context.Context, key string, window time.Duration) (int64, time.Duration, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return 0, 0, unavailable("incr", errClosed)
	}
	now := m.now()
	e := m.lookup(key)
	if e == nil || !e.isCount {
		e = &memEntry{isCount: true, expires: now.Add(window)}
		m.items[key] = e
	}
	e.counter++
	return e.counter, e.expires.Sub(now), nil
}

func (m *MemoryStore) Ping(context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return unavailable("ping", errClosed)
	}
	return nil
}

func (m *MemoryStore) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.closed {
		m.closed = true
		close(m.stop)
	}
	return nil
}
