package monitor

import "github.com/prometheus/client_golang/prometheus"

// Metrics are the monitor's Prometheus counters.
type Metrics struct {
	Sweeps          prometheus.Counter
	ReopenTimeouts  prometheus.Counter
	RequestsExpired prometheus.Counter
	Errors          prometheus.Counter
}

// NewMetrics creates the counters and registers them with reg. A nil reg
// leaves them unregistered.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		Sweeps: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "tasktrack",
			Subsystem: "monitor",
			Name:      "sweeps_total",
			Help:      "Completed monitor sweeps.",
		}),
		ReopenTimeouts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "tasktrack",
			Subsystem: "monitor",
			Name:      "reopen_timeouts_total",
			Help:      "Reopened tasks returned to verified after their window closed.",
		}),
		RequestsExpired: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "tasktrack",
			Subsystem: "monitor",
			Name:      "requests_expired_total",
			Help:      "Modification requests expired by the sweep.",
		}),
		Errors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "tasktrack",
			Subsystem: "monitor",
			Name:      "errors_total",
			Help:      "Per-task failures during sweeps.",
		}),
	}
	if reg != nil {
		reg.MustRegister(m.Sweeps, m.ReopenTimeouts, m.RequestsExpired, m.Errors)
	}
	return m
}
