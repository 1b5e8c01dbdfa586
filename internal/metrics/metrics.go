// Package metrics declares the Prometheus collectors exported by the
// broadcast engine. Collectors are created with promauto so they
// self-register against the default registry exactly once, the way
// the reference server's monitoring package does.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	EventsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "broadcast_events_total",
		Help: "Total events admitted by the broadcaster: one per admitted recipient of BroadcastToUsers, one per BroadcastToRoom call",
	})

	EventsDelivered = promauto.NewCounter(prometheus.CounterOpts{
		Name: "broadcast_events_delivered_total",
		Help: "Total event payloads written to subscriber WebSocket connections",
	})

	EventsRateLimited = promauto.NewCounter(prometheus.CounterOpts{
		Name: "broadcast_events_rate_limited_total",
		Help: "Total per-recipient deliveries skipped due to rate limiting",
	})

	EventsDropped = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "broadcast_events_dropped_total",
		Help: "Total events dropped before delivery, by reason; rejected connection attempts are counted under connection_<reason>",
	}, []string{"reason"})

	BatchesCreated = promauto.NewCounter(prometheus.CounterOpts{
		Name: "broadcast_batches_created_total",
		Help: "Total pending batches created",
	})

	BatchesDelivered = promauto.NewCounter(prometheus.CounterOpts{
		Name: "broadcast_batches_delivered_total",
		Help: "Total batches handed to the transport",
	})

	BatchSize = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "broadcast_batch_size_events",
		Help:    "Number of events per delivered batch",
		Buckets: []float64{1, 2, 5, 10, 20, 30, 50},
	})

	DeliveryLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "broadcast_delivery_latency_ms",
		Help:    "Milliseconds from the start of a batch's delivery to the return of the transport emit",
		Buckets: []float64{5, 10, 25, 50, 75, 100, 150, 250, 500, 1000},
	})

	RateLimitViolations = promauto.NewCounter(prometheus.CounterOpts{
		Name: "broadcast_rate_limit_violations_total",
		Help: "Total Allow() calls that were denied",
	})

	TransformationErrors = promauto.NewCounter(prometheus.CounterOpts{
		Name: "broadcast_transformation_errors_total",
		Help: "Total routing content transformations that errored",
	})

	BatchErrors = promauto.NewCounter(prometheus.CounterOpts{
		Name: "broadcast_batch_errors_total",
		Help: "Total batches that failed to encode or emit, plus upstream feed messages that could not be decoded or broadcast",
	})

	PendingBatches = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "broadcast_pending_batches",
		Help: "Current number of batches awaiting flush",
	})

	RoutingCacheHits = promauto.NewCounter(prometheus.CounterOpts{
		Name: "routing_cache_hits_total",
		Help: "Total Route() calls served from the LRU cache",
	})

	RoutingCacheMisses = promauto.NewCounter(prometheus.CounterOpts{
		Name: "routing_cache_misses_total",
		Help: "Total Route() calls that missed the LRU cache",
	})

	RoutingErrors = promauto.NewCounter(prometheus.CounterOpts{
		Name: "routing_errors_total",
		Help: "Total routing errors (content-filter evaluation failures, non-canonicalizable routing input) plus NATS client errors",
	})

	SubscribedUsers = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "subscription_users",
		Help: "Current number of distinct subscribed users",
	})

	SubscriptionsTotal = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "subscription_entries",
		Help: "Current number of (user, type) subscription entries",
	})

	WorkerQueueDepth = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "broadcast_worker_queue_depth",
		Help: "Current queue depth, by pool name",
	}, []string{"pool"})

	WorkerQueueCapacity = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "broadcast_worker_queue_capacity",
		Help: "Configured queue capacity, by pool name",
	}, []string{"pool"})

	WorkerTasksDropped = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "broadcast_worker_tasks_dropped",
		Help: "Cumulative dropped tasks, by pool name",
	}, []string{"pool"})
)
