package registry

import (
	"context"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/tbourn/lms-api-gateway/internal/metrics"
)

// ProbeUserAgent identifies gateway health probes to backends.
const ProbeUserAgent = "API-Gateway-Health-Check/1.0"

// ProberOptions tunes active health checking.
type ProberOptions struct {
	Interval           time.Duration // time between probe rounds
	Timeout            time.Duration // per-probe deadline
	UnhealthyThreshold int           // consecutive failures before unhealthy
	HealthyThreshold   int           // consecutive successes before healthy again
	Client             *http.Client  // optional; defaults to a dedicated client
}

// Prober periodically probes every instance in a Registry. It is the only
// writer of instance health.
type Prober struct {
	reg    *Registry
	opts   ProberOptions
	client *http.Client
	now    func() time.Time
}

// NewProber returns a Prober for reg. Zero options fall back to 30s
// interval, 5s timeout and thresholds of 3 and 2.
func NewProber(reg *Registry, opts ProberOptions) *Prober {
	if opts.Interval <= 0 {
		opts.Interval = 30 * time.Second
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 5 * time.Second
	}
	if opts.UnhealthyThreshold <= 0 {
		opts.UnhealthyThreshold = 3
	}
	if opts.HealthyThreshold <= 0 {
		opts.HealthyThreshold = 2
	}
	client := opts.Client
	if client == nil {
		client = &http.Client{
			Transport: &http.Transport{
				Proxy:               http.ProxyFromEnvironment,
				MaxIdleConnsPerHost: 2,
				IdleConnTimeout:     90 * time.Second,
			},
			CheckRedirect: func(*http.Request, []*http.Request) error { return http.ErrUseLastResponse },
		}
	}
	return &Prober{reg: reg, opts: opts, client: client, now: time.Now}
}

// Run probes immediately and then every Interval until ctx is done.
func (p *Prober) Run(ctx context.Context) {
	p.ProbeAll(ctx)
	t := time.NewTicker(p.opts.Interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			p.ProbeAll(ctx)
		}
	}
}

// ProbeAll runs one probe per instance concurrently and waits for them.
func (p *Prober) ProbeAll(ctx context.Context) {
	var wg sync.WaitGroup
	for _, name := range p.reg.order {
		svc := p.reg.services[name]
		for _, inst := range svc.instances {
			wg.Add(1)
			go func(inst *Instance, path string) {
				defer wg.Done()
				ok, rtt := p.probe(ctx, inst, path)
				if ctx.Err() != nil {
					return
				}
				p.observe(inst, ok, rtt)
			}(inst, svc.healthPath)
		}
	}
	wg.Wait()
}

func (p *Prober) probe(ctx context.Context, inst *Instance, path string) (bool, time.Duration) {
	ctx, cancel := context.WithTimeout(ctx, p.opts.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, inst.URL.String()+path, nil)
	if err != nil {
		return false, 0
	}
	req.Header.Set("User-Agent", ProbeUserAgent)
	req.Header.Set("Accept", "application/json")

	start := p.now()
	resp, err := p.client.Do(req)
	rtt := p.now().Sub(start)
	if err != nil {
		log.Debug().Err(err).Str("service", inst.Service).Str("instance", inst.String()).Msg("health probe failed")
		return false, rtt
	}
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
	_ = resp.Body.Close()
	return resp.StatusCode >= 200 && resp.StatusCode < 300, rtt
}

// observe applies one probe result to inst.
func (p *Prober) observe(inst *Instance, ok bool, rtt time.Duration) {
	inst.lastChecked.Store(p.now().UnixNano())
	prev := inst.health.Load()
	next := prev

	if ok {
		metrics.HealthProbes.WithLabelValues(inst.Service, "ok").Inc()
		inst.failStreak.Store(0)
		streak := inst.okStreak.Add(1)
		inst.probeRTT.Store(int64(rtt))
		switch prev {
		case healthUnknown:
			next = healthHealthy
		case healthUnhealthy:
			if int(streak) >= p.opts.HealthyThreshold {
				next = healthHealthy
			}
		}
	} else {
		metrics.HealthProbes.WithLabelValues(inst.Service, "fail").Inc()
		inst.okStreak.Store(0)
		streak := inst.failStreak.Add(1)
		if prev != healthUnhealthy && int(streak) >= p.opts.UnhealthyThreshold {
			next = healthUnhealthy
		}
	}

	if next == prev {
		return
	}
	inst.health.Store(next)
	metrics.SetHealth(inst.Service, inst.String(), next == healthHealthy)
	ev := log.Info()
	if next == healthUnhealthy {
		ev = log.Warn()
	}
	ev.Str("service", inst.Service).
		Str("instance", inst.String()).
		Str("from", string(statusOf(prev))).
		Str("to", string(statusOf(next))).
		Msg("instance health changed")
}
