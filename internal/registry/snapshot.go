package registry

import (
	"time"

	"github.com/tbourn/lms-api-gateway/internal/domain"
)

// Aggregate service/overall states reported by /health.
const (
	StatusHealthy   = "healthy"
	StatusDegraded  = "degraded"
	StatusUnhealthy = "unhealthy"
)

// SlowProbe marks a healthy instance whose last probe took longer as
// degraded in the snapshot.
const SlowProbe = 3 * time.Second

// InstanceReport describes one instance in a snapshot.
type InstanceReport struct {
	URL         string              `json:"url"`
	Status      domain.HealthStatus `json:"status"`
	LastChecked *time.Time          `json:"lastChecked,omitempty"`
	ProbeMillis int64               `json:"responseTime"`
	Stats       Stats               `json:"stats"`
}

// ServiceReport aggregates a service's instances.
type ServiceReport struct {
	Name      string           `json:"serviceName"`
	Status    string           `json:"status"`
	Instances []InstanceReport `json:"instances"`
}

// Summary counts services by aggregate status.
type Summary struct {
	Total     int `json:"total"`
	Healthy   int `json:"healthy"`
	Degraded  int `json:"degraded"`
	Unhealthy int `json:"unhealthy"`
}

// Report is the registry-wide health snapshot.
type Report struct {
	Status    string          `json:"status"`
	Timestamp time.Time       `json:"timestamp"`
	Services  []ServiceReport `json:"services"`
	Summary   Summary         `json:"summary"`
}

func statusOf(h int32) domain.HealthStatus {
	switch h {
	case healthHealthy:
		return domain.HealthHealthy
	case healthUnhealthy:
		return domain.HealthUnhealthy
	default:
		return domain.HealthUnknown
	}
}

// Snapshot aggregates instance health per service:
//   - healthy: every instance healthy and responsive
//   - unhealthy: no selectable instance
//   - degraded: anything in between (including not yet probed)
//
// The overall status is the worst service status.
func (r *Registry) Snapshot(now time.Time) Report {
	rep := Report{Status: StatusHealthy, Timestamp: now.UTC(), Services: make([]ServiceReport, 0, len(r.order))}

	for _, name := range r.order {
		svc := r.services[name]
		sr := ServiceReport{Name: name, Instances: make([]InstanceReport, 0, len(svc.instances))}
		healthy, selectable := 0, 0
		for _, inst := range svc.instances {
			ir := InstanceReport{
				URL:         inst.String(),
				Status:      inst.Health(),
				ProbeMillis: time.Duration(inst.probeRTT.Load()).Milliseconds(),
				Stats:       inst.Stats(),
			}
			if t := inst.LastChecked(); !t.IsZero() {
				t = t.UTC()
				ir.LastChecked = &t
			}
			if inst.Selectable() {
				selectable++
			}
			if ir.Status == domain.HealthHealthy && time.Duration(inst.probeRTT.Load()) <= SlowProbe {
				healthy++
			}
			sr.Instances = append(sr.Instances, ir)
		}

		switch {
		case selectable == 0:
			sr.Status = StatusUnhealthy
			rep.Summary.Unhealthy++
			rep.Status = StatusUnhealthy
		case healthy == len(svc.instances):
			sr.Status = StatusHealthy
			rep.Summary.Healthy++
		default:
			sr.Status = StatusDegraded
			rep.Summary.Degraded++
			if rep.Status == StatusHealthy {
				rep.Status = StatusDegraded
			}
		}
		rep.Summary.Total++
		rep.Services = append(rep.Services, sr)
	}
	return rep
}
