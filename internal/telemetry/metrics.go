package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// metrics are the side-channel counters of one Dispatcher. They live in the
// Dispatcher's own registry so several Dispatchers (and tests) never collide.
type metrics struct {
	registry      *prometheus.Registry
	dispatched    *prometheus.CounterVec
	writeFailures *prometheus.CounterVec
	dropped       *prometheus.CounterVec
	rejected      prometheus.Counter
	ready         *prometheus.GaugeVec
}

func newMetrics() *metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)
	return &metrics{
		registry: reg,
		dispatched: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "telemetry_events_dispatched_total",
			Help: "Events accepted by a destination",
		}, []string{"destination"}),
		writeFailures: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "telemetry_write_failures_total",
			Help: "Failed event writes or batch submissions per destination",
		}, []string{"destination"}),
		dropped: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "telemetry_events_dropped_total",
			Help: "Events dropped per destination and reason",
		}, []string{"destination", "reason"}),
		rejected: factory.NewCounter(prometheus.CounterOpts{
			Name: "telemetry_events_rejected_total",
			Help: "Events rejected before fan-out (invalid or incomplete identity)",
		}),
		ready: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "telemetry_destination_ready",
			Help: "1 when the destination is Ready, 0 otherwise",
		}, []string{"destination"}),
	}
}

func (m *metrics) setReady(name string, ready bool) {
	v := 0.0
	if ready {
		v = 1
	}
	m.ready.WithLabelValues(name).Set(v)
}
