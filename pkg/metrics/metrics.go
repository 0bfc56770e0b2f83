// Package metrics exposes the broker's Prometheus instrumentation.
//
// Metric names and registration style are carried over from Warren's
// pkg/metrics; the metric set itself is new, covering the Testable
// Properties in SPEC_FULL.md §8: binding/port-pool consistency,
// registration outcomes, and coordination (election) state.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Topic index / binding metrics (spec §8 index-binding consistency).
	TopicsWithPublishers = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "broker_topics_with_publishers",
		Help: "Number of topics with at least one registered publisher",
	})

	TopicsWithSubscribers = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "broker_topics_with_subscribers",
		Help: "Number of topics with at least one registered subscriber",
	})

	IngressBindings = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "broker_ingress_bindings",
		Help: "Number of live ingress (subscribe) bindings, centralized mode",
	})

	EgressBindings = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "broker_egress_bindings",
		Help: "Number of live egress (publish) bindings, centralized mode",
	})

	NotifyBindings = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "broker_notify_bindings",
		Help: "Number of live per-subscriber notify bindings, decentralized mode",
	})

	// Port pool metrics (spec §4.5, §8 port uniqueness).
	PortPoolInUse = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "broker_port_pool_in_use",
		Help: "Number of ports currently held in the broker's port pool (registration and dynamic)",
	})

	PortAllocationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "broker_port_allocations_total",
			Help: "Total port allocation attempts by outcome",
		},
		[]string{"outcome"}, // "success" | "exhausted"
	)

	// Registration endpoint metrics (spec §4.3, §8 reply invariants).
	RegistrationRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "broker_registration_requests_total",
			Help: "Registration requests by endpoint, kind, and outcome",
		},
		[]string{"endpoint", "kind", "outcome"}, // endpoint: publisher|subscriber; outcome: success|error
	)

	RegistrationDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "broker_registration_duration_seconds",
			Help:    "Time to handle one registration request, request received to reply sent",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"endpoint"},
	)

	// Dissemination metrics.
	MessagesForwardedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "broker_messages_forwarded_total",
			Help: "Centralized-mode messages forwarded from ingress to egress, by topic",
		},
		[]string{"topic"},
	)

	MessagesDroppedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "broker_messages_dropped_total",
			Help: "Centralized-mode messages dropped for lack of an egress binding, by topic",
		},
		[]string{"topic"},
	)

	NotificationsSentTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "broker_notifications_sent_total",
			Help: "Decentralized-mode publisher-address notifications sent, by outcome",
		},
		[]string{"outcome"}, // "acked" | "error"
	)

	// Coordination (Presence Registry / leader election) metrics.
	IsLeader = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "broker_is_leader",
		Help: "Whether this candidate currently holds broker leadership (1) or not (0)",
	})

	ElectionTransitionsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "broker_election_transitions_total",
		Help: "Total number of leadership transitions observed by this candidate",
	})

	// OperationalEventsTotal counts pkg/events.Broker deliveries observed
	// by the admin process's event consumer, by event type.
	OperationalEventsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "broker_operational_events_total",
			Help: "Operational events observed on the internal event bus, by type",
		},
		[]string{"type"},
	)
)

func init() {
	prometheus.MustRegister(
		TopicsWithPublishers,
		TopicsWithSubscribers,
		IngressBindings,
		EgressBindings,
		NotifyBindings,
		PortPoolInUse,
		PortAllocationsTotal,
		RegistrationRequestsTotal,
		RegistrationDuration,
		MessagesForwardedTotal,
		MessagesDroppedTotal,
		NotificationsSentTotal,
		IsLeader,
		ElectionTransitionsTotal,
		OperationalEventsTotal,
	)
}

// Handler returns the Prometheus scrape handler for the /metrics endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer measures elapsed wall-clock time for a registration/dissemination
// operation and reports it to a histogram.
type Timer struct {
	start time.Time
}

// NewTimer starts a timer.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// ObserveDuration records the elapsed time to histogram.
func (t *Timer) ObserveDuration(histogram prometheus.Observer) {
	histogram.Observe(time.Since(t.start).Seconds())
}

// ObserveDurationVec records the elapsed time to the histogram of vec
// selected by labels.
func (t *Timer) ObserveDurationVec(vec *prometheus.HistogramVec, labels ...string) {
	vec.WithLabelValues(labels...).Observe(time.Since(t.start).Seconds())
}

// Duration returns the elapsed time since the timer started.
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}
