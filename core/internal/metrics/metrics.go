package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Publisher metrics
	EventsPublished = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "taskhub_events_published_total",
			Help: "Total number of events accepted by the publisher",
		},
		[]string{"event_type", "status"},
	)

	// Hub metrics
	Dispatches = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "taskhub_hub_dispatches_total",
			Help: "Handler invocation attempts by outcome",
		},
		[]string{"handler", "outcome"},
	)

	Retries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "taskhub_hub_retries_total",
			Help: "Total number of scheduled handler retries",
		},
		[]string{"handler"},
	)

	InvocationDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "taskhub_handler_invocation_duration_seconds",
			Help:    "Duration of handler invocations in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"handler"},
	)

	InFlightDeliveries = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "taskhub_hub_inflight_deliveries",
			Help: "Deliveries not yet acked or dead-lettered",
		},
	)

	SubscriptionVersion = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "taskhub_hub_subscription_version",
			Help: "Current version of the subscription table",
		},
	)

	// Dedup metrics
	DedupHits = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "taskhub_dedup_hits_total",
			Help: "Events skipped because they were already processed",
		},
		[]string{"handler"},
	)

	// Queue metrics
	QueueEnqueued = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "taskhub_queue_enqueued_total",
			Help: "Total number of messages enqueued",
		},
	)

	QueueAcked = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "taskhub_queue_acked_total",
			Help: "Total number of messages acknowledged",
		},
	)

	QueueRedeliveries = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "taskhub_queue_redeliveries_total",
			Help: "Messages delivered again after a lease expiry, release or failed apply",
		},
	)

	QueueLeaseExpirations = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "taskhub_queue_lease_expirations_total",
			Help: "Total number of leases that expired without an ack",
		},
	)

	QueueStaleAcks = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "taskhub_queue_stale_acks_total",
			Help: "Acks rejected because the lease had expired",
		},
	)

	QueueDepth = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "taskhub_queue_depth",
			Help: "Messages in the durable queue by state",
		},
		[]string{"state"},
	)

	ApplyDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "taskhub_queue_apply_duration_seconds",
			Help:    "Duration of queue message application in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	// Dead letter metrics
	ResultsApplied = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "taskhub_results_applied_total",
			Help: "Handler results applied to the core store",
		},
		[]string{"kind", "status"},
	)

	DeadLetters = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "taskhub_dead_letters_total",
			Help: "Total number of dead-lettered events and messages",
		},
		[]string{"source", "reason"},
	)

	DeadLetterAlerts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "taskhub_dead_letter_alerts_total",
			Help: "Total number of dead letter alerts raised",
		},
		[]string{"source"},
	)

	DeadLetterReplays = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "taskhub_dead_letter_replays_total",
			Help: "Dead letters replayed by an operator",
		},
		[]string{"source"},
	)

	// Tenant / API metrics
	TenantsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "taskhub_tenants_active",
			Help: "Number of active tenants known to this instance",
		},
	)

	RateLimitHits = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "taskhub_rate_limit_hits_total",
			Help: "Total number of rate limit hits",
		},
		[]string{"tenant"},
	)

	RequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "taskhub_http_request_duration_seconds",
			Help:    "Duration of HTTP requests in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"route", "status"},
	)
)
