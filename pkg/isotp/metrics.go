package isotp

import "github.com/prometheus/client_golang/prometheus"

// Metrics holds the prometheus collectors an Engine updates as it runs.
// Pass nil to Engine options to disable instrumentation entirely.
type Metrics struct {
	SessionsStarted  prometheus.Counter
	SessionsFailed   *prometheus.CounterVec // labeled by Result
	PoolExhausted    *prometheus.CounterVec // labeled by "send"/"recv"
	FramesReceived   prometheus.Counter
	FramesDropped    prometheus.Counter
}

// NewMetrics registers a fresh Metrics set on reg, prefixing every metric
// name with isotp_. Pass prometheus.NewRegistry() in tests to avoid
// colliding with the default global registry across cases.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		SessionsStarted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "isotp_sessions_started_total",
			Help: "Outbound multi-frame transfers started.",
		}),
		SessionsFailed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "isotp_sessions_failed_total",
			Help: "Transfers (send or receive) that ended in a non-OK result.",
		}, []string{"result"}),
		PoolExhausted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "isotp_pool_exhausted_total",
			Help: "Times a context acquire failed because its pool was full.",
		}, []string{"pool"}),
		FramesReceived: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "isotp_frames_received_total",
			Help: "CAN frames handed to the engine by the bus.",
		}),
		FramesDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "isotp_frames_dropped_total",
			Help: "Received frames dropped because the wake channel was full.",
		}),
	}
	reg.MustRegister(m.SessionsStarted, m.SessionsFailed, m.PoolExhausted, m.FramesReceived, m.FramesDropped)
	return m
}
