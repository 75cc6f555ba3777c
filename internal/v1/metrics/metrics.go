package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics for the room server.
// Declared in their own package to keep metrics close to business logic
// and avoid coupling between packages.
//
// Naming convention: namespace_subsystem_name
// - namespace: roomserver (application-level grouping)
// - subsystem: websocket, room, playback, vote, queue, dj (feature-level grouping)
// - name: specific metric (connections_active, events_total, etc.)
//
// Metric Types:
// - Gauge: Current state (connections, rooms, queue depth)
// - Counter: Cumulative events (messages processed, votes cast)
// - Histogram: Latency distributions (processing time, clock offset)

var (
	// ActiveWebSocketConnections tracks the current number of active WebSocket connections (Gauge - current state)
	ActiveWebSocketConnections = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "roomserver",
		Subsystem: "websocket",
		Name:      "connections_active",
		Help:      "Current number of active WebSocket connections",
	})

	// ActiveRooms tracks the current number of active rooms (Gauge - current state)
	ActiveRooms = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "roomserver",
		Subsystem: "room",
		Name:      "rooms_active",
		Help:      "Current number of active rooms",
	})

	// RoomMembers tracks the number of members in each room (GaugeVec with room_id label - current state per room)
	RoomMembers = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "roomserver",
		Subsystem: "room",
		Name:      "members_count",
		Help:      "Number of members in each room",
	}, []string{"room_id"})

	// WebsocketEvents tracks the total number of WebSocket events processed (CounterVec - cumulative)
	WebsocketEvents = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "roomserver",
		Subsystem: "websocket",
		Name:      "events_total",
		Help:      "Total WebSocket events processed",
	}, []string{"event_type", "status"})

	// MessageProcessingDuration tracks the time spent processing WebSocket messages (HistogramVec - latency distribution)
	MessageProcessingDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "roomserver",
		Subsystem: "websocket",
		Name:      "message_processing_seconds",
		Help:      "Time spent processing WebSocket messages",
		Buckets:   []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
	}, []string{"event_type"})

	// ClockOffsetMs tracks the measured clock offset reported back to clients (HistogramVec)
	ClockOffsetMs = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "roomserver",
		Subsystem: "clocksync",
		Name:      "offset_ms",
		Help:      "Measured per-connection clock offset in milliseconds",
		Buckets:   []float64{1, 5, 10, 25, 50, 100, 250, 500, 1000},
	}, []string{"room_id"})

	// PlaybackTransitions tracks the total number of now-playing track transitions (CounterVec)
	PlaybackTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "roomserver",
		Subsystem: "playback",
		Name:      "transitions_total",
		Help:      "Total now-playing track transitions",
	}, []string{"reason"})

	// QueueDepth tracks the number of unplayed submissions per room (GaugeVec)
	QueueDepth = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "roomserver",
		Subsystem: "queue",
		Name:      "depth",
		Help:      "Number of unplayed submissions in a room's queue",
	}, []string{"room_id"})

	// VoteSessionsTotal tracks vote sessions opened, by type and outcome (CounterVec)
	VoteSessionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "roomserver",
		Subsystem: "vote",
		Name:      "sessions_total",
		Help:      "Total vote sessions opened",
	}, []string{"type", "outcome"})

	// DJTransitionsTotal tracks DJ slot transitions, by reason (CounterVec)
	DJTransitionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "roomserver",
		Subsystem: "dj",
		Name:      "transitions_total",
		Help:      "Total DJ slot transitions",
	}, []string{"reason"})

	// CircuitBreakerState tracks the current state of the circuit breaker (GaugeVec)
	// 0: Closed (Healthy), 1: Open (Failure), 2: Half-Open (Recovering)
	CircuitBreakerState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "roomserver",
		Subsystem: "circuit_breaker",
		Name:      "state",
		Help:      "Current state of the circuit breaker (0: Closed, 1: Open, 2: Half-Open)",
	}, []string{"service"})

	// CircuitBreakerFailures tracks the total number of requests rejected by the circuit breaker
	CircuitBreakerFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "roomserver",
		Subsystem: "circuit_breaker",
		Name:      "failures_total",
		Help:      "Total requests rejected by the circuit breaker",
	}, []string{"service"})

	// RateLimitExceeded tracks the total number of requests that exceeded the rate limit
	RateLimitExceeded = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "roomserver",
		Subsystem: "rate_limit",
		Name:      "exceeded_total",
		Help:      "Total number of requests that exceeded the rate limit",
	}, []string{"endpoint", "reason"})

	// RateLimitRequests tracks the total number of requests checked against the rate limiter
	RateLimitRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "roomserver",
		Subsystem: "rate_limit",
		Name:      "requests_total",
		Help:      "Total number of requests checked against the rate limiter",
	}, []string{"endpoint"})

	// RedisOperationsTotal tracks the total number of Redis operations (CounterVec)
	RedisOperationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "roomserver",
		Subsystem: "redis",
		Name:      "operations_total",
		Help:      "Total number of Redis operations",
	}, []string{"operation", "status"})

	// RedisOperationDuration tracks the duration of Redis operations (HistogramVec)
	RedisOperationDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "roomserver",
		Subsystem: "redis",
		Name:      "operation_duration_seconds",
		Help:      "Duration of Redis operations",
		Buckets:   prometheus.DefBuckets,
	}, []string{"operation"})

	// MetadataResolveTotal tracks resolve_media calls to the metadata resolver (CounterVec)
	MetadataResolveTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "roomserver",
		Subsystem: "metadata",
		Name:      "resolve_total",
		Help:      "Total resolve_media calls, by outcome",
	}, []string{"outcome"})
)

func IncConnection() {
	ActiveWebSocketConnections.Inc()
}

func DecConnection() {
	ActiveWebSocketConnections.Dec()
}
