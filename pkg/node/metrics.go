package node

import "github.com/prometheus/client_golang/prometheus"

// Metrics holds the prometheus collectors the node layer updates.
type Metrics struct {
	ClaimRetries   prometheus.Counter
	ReportFailures prometheus.Counter
	RequestsServed *prometheus.CounterVec // labeled by outcome: ok, too_large, internal_error
}

// NewMetrics registers a fresh Metrics set on reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		ClaimRetries: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "node_claim_retries_total",
			Help: "Address-claim attempts that hit a conflict or collision and retried.",
		}),
		ReportFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "node_report_failures_total",
			Help: "Periodic reports that failed to serialize or transmit.",
		}),
		RequestsServed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "node_requests_served_total",
			Help: "Request/response channel completions, by outcome.",
		}, []string{"outcome"}),
	}
	reg.MustRegister(m.ClaimRetries, m.ReportFailures, m.RequestsServed)
	return m
}
