package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

type promMetrics struct {
	requests           *prometheus.CounterVec
	routed             *prometheus.CounterVec
	responses          *prometheus.CounterVec
	duration           *prometheus.HistogramVec
	upstreamErrors     *prometheus.CounterVec
	upstreamHealthy    *prometheus.GaugeVec
	breakerTransitions *prometheus.CounterVec
	droppedEvents      prometheus.Counter

	registry *prometheus.Registry
}

func newPromMetrics() *promMetrics {
	registry := prometheus.NewRegistry()

	m := &promMetrics{
		requests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "subpath_requests_total",
				Help: "Total number of requests received per mount",
			},
			[]string{"mount"},
		),

		routed: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "subpath_routed_total",
				Help: "Requests answered from disk or handed to the upstream",
			},
			[]string{"mount", "target"},
		),

		responses: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "subpath_responses_total",
				Help: "Responses written to clients by status code",
			},
			[]string{"mount", "code"},
		),

		duration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "subpath_request_duration_seconds",
				Help:    "Time to answer a request in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"mount"},
		),

		upstreamErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "subpath_upstream_errors_total",
				Help: "Failed upstream dispatches by kind",
			},
			[]string{"mount", "kind"},
		),

		upstreamHealthy: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "subpath_upstream_healthy",
				Help: "Result of the last upstream probe (1=reachable, 0=down)",
			},
			[]string{"mount"},
		),

		breakerTransitions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "subpath_breaker_transitions_total",
				Help: "Circuit breaker state changes by new state",
			},
			[]string{"mount", "state"},
		),

		droppedEvents: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "subpath_metric_events_dropped_total",
				Help: "Metric events dropped because the buffer was full",
			},
		),

		registry: registry,
	}

	registry.MustRegister(
		m.requests,
		m.routed,
		m.responses,
		m.duration,
		m.upstreamErrors,
		m.upstreamHealthy,
		m.breakerTransitions,
		m.droppedEvents,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	return m
}

func (m *promMetrics) observeResponse(mount string, duration time.Duration, statusCode int) {
	m.responses.WithLabelValues(mount, strconv.Itoa(statusCode)).Inc()
	m.duration.WithLabelValues(mount).Observe(duration.Seconds())
}

func (m *promMetrics) setHealthy(mount string, healthy bool) {
	value := 0.0
	if healthy {
		value = 1
	}
	m.upstreamHealthy.WithLabelValues(mount).Set(value)
}

// Registry returns the Prometheus registry the collector reports into.
func (c *Collector) Registry() *prometheus.Registry {
	return c.prometheus.registry
}
