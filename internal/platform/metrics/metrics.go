// Package metrics holds the process-wide Prometheus collectors of the bridge engine.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Adapters
	AdapterReconnects = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "bridge",
		Subsystem: "adapter",
		Name:      "reconnects_total",
		Help:      "Total adapter reconnect attempts after a transport failure",
	}, []string{"chain"})

	AdapterEventsReceived = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "bridge",
		Subsystem: "adapter",
		Name:      "events_received_total",
		Help:      "Total raw chain events delivered by adapters",
	}, []string{"chain"})

	AdapterDuplicatesDropped = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "bridge",
		Subsystem: "adapter",
		Name:      "duplicates_dropped_total",
		Help:      "Total redelivered notifications dropped after reconnect",
	}, []string{"chain"})

	// Classifier
	ClassificationMisses = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "bridge",
		Name:      "classification_misses_total",
		Help:      "Raw events with no matching decoder or event name",
	}, []string{"chain", "event"})

	ClassificationErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "bridge",
		Name:      "classification_errors_total",
		Help:      "Raw events whose payload failed to decode",
	}, []string{"chain", "event"})

	// Listeners
	ListenerState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "bridge",
		Subsystem: "listener",
		Name:      "state",
		Help:      "Listener state (0=stopped, 1=starting, 2=running, 3=degraded)",
	}, []string{"listener"})

	ListenerCheckpoint = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "bridge",
		Subsystem: "listener",
		Name:      "checkpoint_position",
		Help:      "Last persisted checkpoint position",
	}, []string{"listener"})

	// State machine
	EventsApplied = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "bridge",
		Subsystem: "operations",
		Name:      "events_applied_total",
		Help:      "Domain events applied to bridge operations",
	}, []string{"kind", "result"})

	Transitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "bridge",
		Subsystem: "operations",
		Name:      "transitions_total",
		Help:      "Bridge operation status transitions",
	}, []string{"from", "to"})

	ApplyLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "bridge",
		Subsystem: "operations",
		Name:      "apply_duration_seconds",
		Help:      "Time to apply one domain event including persistence",
		Buckets:   []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5},
	}, []string{"kind"})

	ExpiredOperations = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "bridge",
		Subsystem: "operations",
		Name:      "expired_total",
		Help:      "In-flight operations failed by the timeout sweep",
	})

	// Notifier
	NotifyFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "bridge",
		Subsystem: "notify",
		Name:      "failures_total",
		Help:      "Notifications that a publisher failed to deliver",
	}, []string{"publisher", "topic"})

	NotifyPublished = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "bridge",
		Subsystem: "notify",
		Name:      "published_total",
		Help:      "Notifications delivered by a publisher",
	}, []string{"publisher", "topic"})

	NotifyDropped = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "bridge",
		Subsystem: "notify",
		Name:      "dropped_total",
		Help:      "Notifications dropped because a publisher queue was full",
	}, []string{"publisher", "topic"})
)

// Listener state gauge values.
const (
	StateStopped  = 0
	StateStarting = 1
	StateRunning  = 2
	StateDegraded = 3
)
