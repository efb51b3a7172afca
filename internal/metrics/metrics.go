// Package metrics exposes a small set of Prometheus gauges/counters for
// the gateway. This is intentionally thin: spec §1 scopes a full
// observability stack out of CORE, so there is no tracing here, only the
// handful of numbers an operator needs to see the gateway is alive and
// to watch for a pending-approval backlog.
package metrics

import "github.com/prometheus/client_golang/prometheus"

// Metrics is the registered collector set. Construct one with New and
// pass it to the orchestrator and registry at wiring time.
type Metrics struct {
	RequestsTotal    *prometheus.CounterVec
	PendingApprovals prometheus.Gauge
	ApprovalLatency  prometheus.Histogram
}

// New registers the gateway's metrics on reg and returns the handle.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		RequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "agent_gate_requests_total",
			Help: "Tool requests by final decision.",
		}, []string{"decision"}),
		PendingApprovals: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "agent_gate_pending_approvals",
			Help: "Number of approvals currently awaiting a human decision.",
		}),
		ApprovalLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "agent_gate_approval_latency_seconds",
			Help:    "Time from ask verdict to resolution.",
			Buckets: prometheus.ExponentialBuckets(1, 2, 12), // 1s .. 2048s (~34m)
		}),
	}
	reg.MustRegister(m.RequestsTotal, m.PendingApprovals, m.ApprovalLatency)
	return m
}
