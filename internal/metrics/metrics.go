// Package metrics tracks in-process counters and gauges for operator
// visibility. Nothing here is served over HTTP — there is no inbound
// network listener in this daemon — so the registry exists purely to back
// point-in-time snapshots printed by the CLI and logged on shutdown.
package metrics

import (
	"fmt"
	"sort"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

// Registry holds every metric this daemon tracks.
type Registry struct {
	reg *prometheus.Registry

	PendingRequestsTotal  *prometheus.CounterVec
	AutoDeniesTotal       prometheus.Counter
	RedactionMatchesTotal *prometheus.CounterVec
	SessionsActive        prometheus.Gauge
}

// New builds a Registry with every metric registered and ready to record.
func New() *Registry {
	reg := prometheus.NewRegistry()

	r := &Registry{
		reg: reg,
		PendingRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "pending_requests_total",
			Help: "Permission/question requests observed, by kind.",
		}, []string{"kind"}),
		AutoDeniesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "auto_denies_total",
			Help: "Requests that timed out waiting for an operator and were auto-denied.",
		}),
		RedactionMatchesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "redaction_matches_total",
			Help: "Secret-like substrings redacted before reaching chat, by pattern name.",
		}, []string{"pattern"}),
		SessionsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "sessions_active",
			Help: "Tracked sessions currently in the active state.",
		}),
	}

	reg.MustRegister(r.PendingRequestsTotal, r.AutoDeniesTotal, r.RedactionMatchesTotal, r.SessionsActive)
	return r
}

// Add implements redact.MatchCounter, recording n redaction hits for the
// named pattern.
func (r *Registry) Add(pattern string, n int) {
	r.RedactionMatchesTotal.WithLabelValues(pattern).Add(float64(n))
}

// Snapshot is a point-in-time, human-readable rendering of every metric,
// used by `codelatch status`/`codelatch doctor` and the supervisor's
// shutdown log line.
func (r *Registry) Snapshot() string {
	families, err := r.reg.Gather()
	if err != nil {
		return fmt.Sprintf("metrics unavailable: %v", err)
	}
	sort.Slice(families, func(i, j int) bool {
		return families[i].GetName() < families[j].GetName()
	})

	var b strings.Builder
	for _, fam := range families {
		for _, m := range fam.GetMetric() {
			b.WriteString(fam.GetName())
			if labels := m.GetLabel(); len(labels) > 0 {
				b.WriteByte('{')
				for i, l := range labels {
					if i > 0 {
						b.WriteByte(',')
					}
					fmt.Fprintf(&b, "%s=%q", l.GetName(), l.GetValue())
				}
				b.WriteByte('}')
			}
			fmt.Fprintf(&b, " %s\n", formatValue(m))
		}
	}
	return b.String()
}

func formatValue(m *dto.Metric) string {
	switch {
	case m.Counter != nil:
		return fmt.Sprintf("%g", m.Counter.GetValue())
	case m.Gauge != nil:
		return fmt.Sprintf("%g", m.Gauge.GetValue())
	default:
		return "?"
	}
}
