package registry

import (
	"fmt"
	"math/rand/v2"
	"strings"
	"sync/atomic"
)

// Strategy chooses one instance from a non-empty candidate list. cursor is
// the service's shared rotation counter.
type Strategy interface {
	Name() string
	Pick(candidates []*Instance, cursor *atomic.Uint64) *Instance
}

// RoundRobin cycles through candidates in order.
type RoundRobin struct{}

func (RoundRobin) Name() string { return "round_robin" }

func (RoundRobin) Pick(c []*Instance, cursor *atomic.Uint64) *Instance {
	if len(c) == 0 {
		return nil
	}
	n := cursor.Add(1) - 1
	return c[n%uint64(len(c))]
}

// LeastConnections picks the candidate with the fewest in-flight requests.
// Ties rotate through the cursor so equal instances share load.
type LeastConnections struct{}

func (LeastConnections) Name() string { return "least_connections" }

func (LeastConnections) Pick(c []*Instance, cursor *atomic.Uint64) *Instance {
	if len(c) == 0 {
		return nil
	}
	start := int((cursor.Add(1) - 1) % uint64(len(c)))
	best := c[start]
	for k := 1; k < len(c); k++ {
		inst := c[(start+k)%len(c)]
		if inst.Inflight() < best.Inflight() {
			best = inst
		}
	}
	return best
}

// Random picks uniformly.
type Random struct{}

func (Random) Name() string { return "random" }

func (Random) Pick(c []*Instance, _ *atomic.Uint64) *Instance {
	if len(c) == 0 {
		return nil
	}
	return c[rand.IntN(len(c))]
}

// WeightedRoundRobin walks the candidates in order, giving each as many
// consecutive turns as its weight.
type WeightedRoundRobin struct{}

func (WeightedRoundRobin) Name() string { return "weighted_round_robin" }

func (WeightedRoundRobin) Pick(c []*Instance, cursor *atomic.Uint64) *Instance {
	if len(c) == 0 {
		return nil
	}
	var total uint64
	for _, inst := range c {
		total += uint64(max(inst.Weight, 1))
	}
	pos := (cursor.Add(1) - 1) % total
	for _, inst := range c {
		w := uint64(max(inst.Weight, 1))
		if pos < w {
			return inst
		}
		pos -= w
	}
	return c[0]
}

// ResponseTime picks the candidate with the lowest mean proxied latency,
// then the lowest error rate. Remaining ties rotate through the cursor.
// Instances that have not served a request yet average zero and are tried
// first.
type ResponseTime struct{}

func (ResponseTime) Name() string { return "response_time" }

func (ResponseTime) Pick(c []*Instance, cursor *atomic.Uint64) *Instance {
	if len(c) == 0 {
		return nil
	}
	start := int((cursor.Add(1) - 1) % uint64(len(c)))
	best := c[start]
	bs := best.Stats()
	for k := 1; k < len(c); k++ {
		inst := c[(start+k)%len(c)]
		s := inst.Stats()
		if s.AvgLatency < bs.AvgLatency || (s.AvgLatency == bs.AvgLatency && s.errorRate() < bs.errorRate()) {
			best, bs = inst, s
		}
	}
	return best
}

// StrategyByName resolves LB_STRATEGY values.
func StrategyByName(name string) (Strategy, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", "round_robin", "roundrobin", "rr":
		return RoundRobin{}, nil
	case "least_connections", "leastconnections", "least_conn":
		return LeastConnections{}, nil
	case "random":
		return Random{}, nil
	case "weighted_round_robin", "weighted", "wrr":
		return WeightedRoundRobin{}, nil
	case "response_time", "responsetime":
		return ResponseTime{}, nil
	default:
		return nil, fmt.Errorf("registry: unknown strategy %q", name)
	}
}
