package toolclient

import (
	"errors"

	"github.com/prometheus/client_golang/prometheus"
)

type metrics struct {
	calls    *prometheus.CounterVec
	inFlight prometheus.Gauge
	latency  *prometheus.HistogramVec
}

func newMetrics(reg prometheus.Registerer) *metrics {
	m := &metrics{
		calls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "mitreflow",
			Subsystem: "toolclient",
			Name:      "calls_total",
			Help:      "Tool calls by tool and outcome (ok, tool_error, transport_error, rejected)",
		}, []string{"tool", "outcome"}),
		inFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "mitreflow",
			Subsystem: "toolclient",
			Name:      "in_flight",
			Help:      "Tool calls currently executing",
		}),
		latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "mitreflow",
			Subsystem: "toolclient",
			Name:      "call_duration_seconds",
			Help:      "Tool call latency in seconds",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		}, []string{"tool"}),
	}
	m.calls = register(reg, m.calls)
	m.inFlight = register(reg, m.inFlight)
	m.latency = register(reg, m.latency)
	return m
}

// register adds c to reg, reusing an identical collector registered by an
// earlier client.
func register[C prometheus.Collector](reg prometheus.Registerer, c C) C {
	if err := reg.Register(c); err != nil {
		var are prometheus.AlreadyRegisteredError
		if errors.As(err, &are) {
			if existing, ok := are.ExistingCollector.(C); ok {
				return existing
			}
		}
	}
	return c
}

func (m *metrics) observe(tool, outcome string, seconds float64) {
	if m == nil {
		return
	}
	m.calls.WithLabelValues(tool, outcome).Inc()
	if seconds >= 0 {
		m.latency.WithLabelValues(tool).Observe(seconds)
	}
}

func (m *metrics) setInFlight(n int) {
	if m != nil {
		m.inFlight.Set(float64(n))
	}
}
