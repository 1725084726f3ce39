package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var registry = prometheus.NewRegistry()

var factory = promauto.With(registry)

var (
	// DiscoveryPollsTotal counts discovery polls.
	// Labels: result (ok, error, degraded)
	DiscoveryPollsTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mockbroker_discovery_polls_total",
			Help: "Total number of discovery polls by result",
		},
		[]string{"result"},
	)

	// PrimaryChangesTotal counts primary elections that changed the primary.
	PrimaryChangesTotal = factory.NewCounter(
		prometheus.CounterOpts{
			Name: "mockbroker_primary_changes_total",
			Help: "Total number of primary changes observed",
		},
	)

	// KnownServices is the number of services in the latest discovery result.
	KnownServices = factory.NewGauge(
		prometheus.GaugeOpts{
			Name: "mockbroker_known_services",
			Help: "Number of backend services currently known",
		},
	)

	// StreamConnectsTotal counts event stream connection attempts.
	// Labels: result (ok, error)
	StreamConnectsTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mockbroker_stream_connects_total",
			Help: "Total number of event stream connection attempts by result",
		},
		[]string{"result"},
	)

	// StreamConnected is 1 while the event stream is connected.
	StreamConnected = factory.NewGauge(
		prometheus.GaugeOpts{
			Name: "mockbroker_stream_connected",
			Help: "Whether the event stream to the primary is connected",
		},
	)

	// StreamEventsTotal counts data messages read from the event stream.
	// Labels: outcome (accepted, malformed, duplicate, dropped)
	StreamEventsTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mockbroker_stream_events_total",
			Help: "Total number of stream data messages by outcome",
		},
		[]string{"outcome"},
	)

	// HeartbeatsTotal counts liveness signals from the event stream.
	HeartbeatsTotal = factory.NewCounter(
		prometheus.CounterOpts{
			Name: "mockbroker_stream_heartbeats_total",
			Help: "Total number of heartbeat messages received",
		},
	)

	// SubmissionsTotal counts response submissions.
	// Labels: trigger (auto, custom, default), result (ok, error)
	SubmissionsTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mockbroker_submissions_total",
			Help: "Total number of response submissions by trigger and result",
		},
		[]string{"trigger", "result"},
	)

	// SubmissionDuration tracks response delivery latency in seconds.
	SubmissionDuration = factory.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "mockbroker_submission_duration_seconds",
			Help:    "Duration of response submissions in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	// OpenDecisions is the number of decisions that have not completed.
	OpenDecisions = factory.NewGauge(
		prometheus.GaugeOpts{
			Name: "mockbroker_open_decisions",
			Help: "Number of pending requests awaiting a completed response",
		},
	)
)

func init() {
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
}

// Handler returns an http.Handler that serves the broker metrics.
func Handler() http.Handler {
	return promhttp.HandlerFor(registry, promhttp.HandlerOpts{})
}
