// Package registry tracks the backend instances of every logical service
// and selects one per proxied request.
//
// Health is written only by the Prober; request traffic reports outcomes
// through Report, which feeds statistics but never changes health. Reads on
// the selection path are lock-free.
package registry

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync/atomic"
	"time"

	"github.com/tbourn/lms-api-gateway/internal/domain"
	"github.com/tbourn/lms-api-gateway/internal/metrics"
)

var (
	ErrNoHealthyInstance = errors.New("registry: no healthy instance")
	ErrUnknownService    = errors.New("registry: unknown service")
)

// DefaultHealthPath is probed when a service does not declare one.
const DefaultHealthPath = "/health"

const (
	healthUnknown int32 = iota
	healthHealthy
	healthUnhealthy
)

// Instance is one backend origin of a service.
type Instance struct {
	Service string
	URL     *url.URL
	Weight  int

	health      atomic.Int32
	lastChecked atomic.Int64 // unix nanos of the last probe
	probeRTT    atomic.Int64 // nanos of the last successful probe

	// prober-owned streak counters
	okStreak   atomic.Int32
	failStreak atomic.Int32

	inflight  atomic.Int64
	requests  atomic.Uint64
	failures  atomic.Uint64
	latencyNs atomic.Int64
}

func newInstance(service, raw string, weight int) (*Instance, error) {
	u, err := url.Parse(strings.TrimRight(raw, "/"))
	if err != nil {
		return nil, fmt.Errorf("registry: %s: bad url %q: %w", service, raw, err)
	}
	if (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return nil, fmt.Errorf("registry: %s: url %q must be absolute http(s)", service, raw)
	}
	if weight < 1 {
		weight = 1
	}
	return &Instance{Service: service, URL: u, Weight: weight}, nil
}

// String returns the base URL.
func (i *Instance) String() string { return i.URL.String() }

// Health returns the prober's current view of the instance.
func (i *Instance) Health() domain.HealthStatus { return statusOf(i.health.Load()) }

// Selectable reports whether the instance may receive traffic. Instances
// not yet probed are selectable.
func (i *Instance) Selectable() bool { return i.health.Load() != healthUnhealthy }

// LastChecked is the time of the last completed probe, zero if none.
func (i *Instance) LastChecked() time.Time {
	n := i.lastChecked.Load()
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n)
}

// Inflight is the number of requests currently proxied to the instance.
func (i *Instance) Inflight() int64 { return i.inflight.Load() }

// Acquire marks the start of a proxied request; call the returned func when
// it completes.
func (i *Instance) Acquire() (release func()) {
	i.inflight.Add(1)
	var once atomic.Bool
	return func() {
		if once.CompareAndSwap(false, true) {
			i.inflight.Add(-1)
		}
	}
}

// Stats is a point-in-time copy of an instance's passive counters.
type Stats struct {
	Requests   uint64        `json:"requests"`
	Failures   uint64        `json:"failures"`
	Inflight   int64         `json:"inflight"`
	AvgLatency time.Duration `json:"-"`
	AvgMillis  int64         `json:"avgLatencyMs"`
}

// errorRate is the share of reported requests that failed.
func (s Stats) errorRate() float64 {
	if s.Requests == 0 {
		return 0
	}
	return float64(s.Failures) / float64(s.Requests)
}

// Stats returns the passive request counters.
func (i *Instance) Stats() Stats {
	s := Stats{
		Requests: i.requests.Load(),
		Failures: i.failures.Load(),
		Inflight: i.inflight.Load(),
	}
	if s.Requests > 0 {
		s.AvgLatency = time.Duration(i.latencyNs.Load() / int64(s.Requests))
		s.AvgMillis = s.AvgLatency.Milliseconds()
	}
	return s
}

type service struct {
	name       string
	healthPath string
	instances  []*Instance
	cursor     atomic.Uint64
}

// Registry holds the instances of every configured service. It is built
// once and safe for concurrent use.
type Registry struct {
	services map[string]*service
	order    []string
	strategy Strategy
}

// New builds a registry from specs. A nil strategy selects RoundRobin.
func New(specs []domain.ServiceSpec, strategy Strategy) (*Registry, error) {
	if strategy == nil {
		strategy = RoundRobin{}
	}
	r := &Registry{services: make(map[string]*service, len(specs)), strategy: strategy}
	for _, sp := range specs {
		if _, dup := r.services[sp.Name]; dup {
			return nil, fmt.Errorf("registry: duplicate service %q", sp.Name)
		}
		svc := &service{name: sp.Name, healthPath: sp.HealthPath}
		if svc.healthPath == "" {
			svc.healthPath = DefaultHealthPath
		}
		for i, raw := range sp.URLs {
			inst, err := newInstance(sp.Name, raw, sp.WeightOf(i))
			if err != nil {
				return nil, err
			}
			svc.instances = append(svc.instances, inst)
			metrics.SetHealth(sp.Name, inst.String(), false)
		}
		r.services[sp.Name] = svc
		r.order = append(r.order, sp.Name)
	}
	return r, nil
}

// Strategy returns the selection strategy in use.
func (r *Registry) Strategy() Strategy { return r.strategy }

// Services lists service names in configuration order.
func (r *Registry) Services() []string {
	out := make([]string, len(r.order))
	copy(out, r.order)
	return out
}

// Instances returns the instances of name in configuration order.
func (r *Registry) Instances(name string) []*Instance {
	svc, ok := r.services[name]
	if !ok {
		return nil
	}
	return svc.instances
}

// Select returns the next instance of name according to the strategy.
func (r *Registry) Select(name string) (*Instance, error) {
	svc, ok := r.services[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownService, name)
	}
	candidates := make([]*Instance, 0, len(svc.instances))
	for _, inst := range svc.instances {
		if inst.Selectable() {
			candidates = append(candidates, inst)
		}
	}
	if len(candidates) == 0 {
		return nil, fmt.Errorf("%w: %q", ErrNoHealthyInstance, name)
	}
	inst := r.strategy.Pick(candidates, &svc.cursor)
	if inst == nil {
		return nil, fmt.Errorf("%w: %q", ErrNoHealthyInstance, name)
	}
	return inst, nil
}

// Report records the outcome of one proxied request. It never changes the
// instance's health.
func (r *Registry) Report(inst *Instance, ok bool, latency time.Duration) {
	if inst == nil {
		return
	}
	inst.requests.Add(1)
	inst.latencyNs.Add(int64(latency))
	outcome := "ok"
	if !ok {
		inst.failures.Add(1)
		outcome = "error"
	}
	metrics.ObserveUpstream(inst.Service, inst.String(), outcome, latency)
}
