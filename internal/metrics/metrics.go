// Package metrics exposes runtime counters in Prometheus format.
//
// All methods are safe on a nil *Metrics so components can run without a
// registry in tests.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "audioleds"

type Metrics struct {
	registry *prometheus.Registry

	audioCycles     prometheus.Counter
	audioSkipped    *prometheus.CounterVec
	outputIntensity prometheus.Gauge
	outputErrors    prometheus.Counter

	persistWrites   *prometheus.CounterVec
	persistFailures *prometheus.CounterVec
	persistWakes    prometheus.Counter

	remoteRequests *prometheus.CounterVec
	observers      prometheus.Gauge
}

// New registers every collector on a fresh registry, together with the Go
// runtime and process collectors.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	f := promauto.With(reg)

	return &Metrics{
		registry: reg,
		audioCycles: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "audio",
			Name:      "cycles_total",
			Help:      "Analysis cycles that produced a result",
		}),
		audioSkipped: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "audio",
			Name:      "cycles_skipped_total",
			Help:      "Analysis cycles skipped, by reason",
		}, []string{"reason"}),
		outputIntensity: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "output",
			Name:      "intensity_percent",
			Help:      "Last intensity driven to the light",
		}),
		outputErrors: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "output",
			Name:      "errors_total",
			Help:      "Failed output updates",
		}),
		persistWrites: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "persist",
			Name:      "writes_total",
			Help:      "Records written to the store, by key",
		}, []string{"key"}),
		persistFailures: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "persist",
			Name:      "failures_total",
			Help:      "Failed store operations, by operation",
		}, []string{"op"}),
		persistWakes: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "persist",
			Name:      "wakes_total",
			Help:      "Coordinator wakes (one commit each)",
		}),
		remoteRequests: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "remote",
			Name:      "requests_total",
			Help:      "Remote-control requests, by resource, method and response code",
		}, []string{"resource", "method", "code"}),
		observers: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "observe",
			Name:      "clients",
			Help:      "Connected observe clients",
		}),
	}
}

// Handler serves the registry.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

func (m *Metrics) AudioCycle(intensity uint8) {
	if m == nil {
		return
	}
	m.audioCycles.Inc()
	m.outputIntensity.Set(float64(intensity))
}

func (m *Metrics) AudioSkipped(reason string) {
	if m == nil {
		return
	}
	m.audioSkipped.WithLabelValues(reason).Inc()
}

func (m *Metrics) OutputError() {
	if m == nil {
		return
	}
	m.outputErrors.Inc()
}

func (m *Metrics) PersistWrite(key string) {
	if m == nil {
		return
	}
	m.persistWrites.WithLabelValues(key).Inc()
}

func (m *Metrics) PersistFailure(op string) {
	if m == nil {
		return
	}
	m.persistFailures.WithLabelValues(op).Inc()
}

func (m *Metrics) PersistWake() {
	if m == nil {
		return
	}
	m.persistWakes.Inc()
}

func (m *Metrics) RemoteRequest(resource, method, code string) {
	if m == nil {
		return
	}
	m.remoteRequests.WithLabelValues(resource, method, code).Inc()
}

func (m *Metrics) Observers(n int) {
	if m == nil {
		return
	}
	m.observers.Set(float64(n))
}
