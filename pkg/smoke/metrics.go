package smoke

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics collects per-call statistics for one process.
type Metrics struct {
	registry *prometheus.Registry

	callDuration *prometheus.HistogramVec
	callFailures *prometheus.CounterVec
	lastSuccess  prometheus.Gauge
	lastRun      prometheus.Gauge
}

func NewMetrics() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		callDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "agile_smoke_call_duration_seconds",
				Help:    "Duration of remote bus calls made by the smoke test",
				Buckets: prometheus.ExponentialBuckets(0.001, 4, 8),
			},
			[]string{"service", "method"},
		),
		callFailures: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "agile_smoke_call_failures_total",
				Help: "Failed remote bus calls by error kind",
			},
			[]string{"service", "method", "kind"},
		),
		lastSuccess: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "agile_smoke_last_run_success",
			Help: "1 if the last smoke run completed all calls",
		}),
		lastRun: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "agile_smoke_last_run_timestamp_seconds",
			Help: "Unix time the last smoke run finished",
		}),
	}

	m.registry.MustRegister(m.callDuration, m.callFailures, m.lastSuccess, m.lastRun)
	return m
}

// Registry returns the registry holding the smoke test collectors.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

func (m *Metrics) observeCall(service, method string, d time.Duration, kind string) {
	m.callDuration.WithLabelValues(service, method).Observe(d.Seconds())
	if kind != "" {
		m.callFailures.WithLabelValues(service, method, kind).Inc()
	}
}

func (m *Metrics) observeRun(finished time.Time, ok bool) {
	m.lastRun.Set(float64(finished.Unix()))
	if ok {
		m.lastSuccess.Set(1)
	} else {
		m.lastSuccess.Set(0)
	}
}

// WriteTextfile writes the current metrics in the text exposition format,
// for use with a node exporter textfile collector.
func (m *Metrics) WriteTextfile(path string) error {
	return prometheus.WriteToTextfile(path, m.registry)
}
