package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "coupon_reminders"

var (
	PassesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "matching_passes_total", Help: "Matching passes run, by trigger"},
		[]string{"trigger"},
	)
	PassLatency = promauto.NewHistogram(prometheus.HistogramOpts{Namespace: namespace, Name: "matching_pass_latency_seconds", Help: "Matching pass latency seconds"})

	NotificationsDispatched = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "notifications_dispatched_total", Help: "Notifications handed to the dispatcher, by trigger kind"},
		[]string{"kind"},
	)
	NotificationsSuppressed = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "notifications_suppressed_total", Help: "Qualifying notifications held back by the engine"},
		[]string{"reason"},
	)
	NotificationsDropped = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "notifications_dropped_total", Help: "Notifications dropped by the dispatcher"},
		[]string{"reason"},
	)
	NotificationsPresented = promauto.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: "notifications_presented_total", Help: "Notifications presented to the device"})

	LocationSamples   = promauto.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: "location_samples_total", Help: "Location samples accepted by the source"})
	StaleFixesDropped = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "location_stale_fixes_dropped_total", Help: "Location fixes older than the one already held"},
		[]string{"stage"},
	)
	SourceEventsDropped = promauto.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: "source_events_dropped_total", Help: "Source events dropped because the engine queue was full"})
	TrackingActive      = promauto.NewGauge(prometheus.GaugeOpts{Namespace: namespace, Name: "tracking_active", Help: "1 while continuous location tracking is running"})

	FixesConsumed = promauto.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: "kafka_fixes_consumed_total", Help: "Location fixes consumed from kafka"})
	FixesInvalid  = promauto.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: "kafka_fixes_invalid_total", Help: "Invalid location fix messages"})

	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "http_requests_total", Help: "Total HTTP requests handled"},
		[]string{"method", "path", "status"},
	)
	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency distribution",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)
)
