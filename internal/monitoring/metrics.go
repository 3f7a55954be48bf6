package monitoring

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Prometheus metrics for the room server
// These metrics can be scraped by Prometheus and visualized in Grafana
var (
	// Connection metrics
	connectionsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "ws_connections_total",
		Help: "Total number of WebSocket connections established",
	})

	connectionsActive = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "ws_connections_active",
		Help: "Current number of active WebSocket connections",
	})

	connectionsRejected = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "ws_connections_rejected_total",
		Help: "Connection attempts rejected by admission control, by reason",
	}, []string{"reason"})

	disconnectsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "ws_disconnects_total",
		Help: "Total disconnections by reason",
	}, []string{"reason"})

	connectionDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "ws_connection_duration_seconds",
		Help:    "Connection duration before disconnect",
		Buckets: []float64{1, 5, 10, 30, 60, 300, 600, 1800, 3600},
	})

	// Dispatch metrics
	eventsReceived = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "ws_events_received_total",
		Help: "Inbound events dispatched, by event name",
	}, []string{"event"})

	eventPayloadBytes = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "ws_event_payload_bytes",
		Help:    "Estimated payload size of inbound events",
		Buckets: prometheus.ExponentialBuckets(32, 4, 8),
	})

	eventLatency = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "ws_event_processing_seconds",
		Help:    "Handler processing latency for successful events",
		Buckets: prometheus.ExponentialBuckets(0.0001, 4, 8),
	}, []string{"event"})

	dispatchErrors = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "ws_dispatch_errors_total",
		Help: "Errors returned to clients by the dispatch boundary, by code",
	}, []string{"code"})

	messagesSent = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "ws_messages_sent_total",
		Help: "Total number of frames written to clients",
	})

	rateLimitedMessages = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "ws_rate_limited_messages_total",
		Help: "Total number of rate limited inbound messages",
	})

	// Auth metrics
	authAttempts = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "ws_auth_attempts_total",
		Help: "Authentication attempts by method and result",
	}, []string{"method", "result"})

	reconnects = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "ws_reconnects_total",
		Help: "Reconnection lifecycle events by stage",
	}, []string{"stage"})

	idleEvictions = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "ws_idle_evictions_total",
		Help: "Connections disconnected by the idle sweep",
	})

	// Room metrics
	roomsActive = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "ws_rooms_active",
		Help: "Current number of rooms by type",
	}, []string{"type"})

	roomBroadcasts = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "ws_room_broadcasts_total",
		Help: "Room broadcasts by origin (local, remote)",
	}, []string{"origin"})

	// Batch metrics
	batchFlushes = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "ws_batch_flushes_total",
		Help: "Batch flushes by trigger and result",
	}, []string{"trigger", "result"})

	batchSize = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "ws_batch_size_messages",
		Help:    "Number of messages per flushed batch",
		Buckets: []float64{1, 2, 5, 10, 25, 50, 100, 250},
	})

	// Cluster metrics
	busMessages = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "ws_cluster_messages_total",
		Help: "Cross-instance bus messages by direction and result",
	}, []string{"direction", "result"})

	instancesActive = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "ws_cluster_instances_active",
		Help: "Number of sibling instances currently visible (including self)",
	})

	instanceLoad = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "ws_cluster_instance_load",
		Help: "Load score (0-100) reported by each instance",
	}, []string{"instance"})

	// System metrics
	CpuUsagePercent = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "ws_cpu_usage_percent",
		Help: "Current process CPU usage percentage",
	})

	MemoryUsagePercent = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "ws_memory_usage_percent",
		Help: "Current system memory usage percentage",
	})

	goroutinesActive = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "ws_goroutines_active",
		Help: "Current number of active goroutines",
	})

	errorsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "ws_errors_total",
		Help: "Total errors by type and severity",
	}, []string{"type", "severity"})
)

func init() {
	prometheus.MustRegister(connectionsTotal)
	prometheus.MustRegister(connectionsActive)
	prometheus.MustRegister(connectionsRejected)
	prometheus.MustRegister(disconnectsTotal)
	prometheus.MustRegister(connectionDuration)

	prometheus.MustRegister(eventsReceived)
	prometheus.MustRegister(eventPayloadBytes)
	prometheus.MustRegister(eventLatency)
	prometheus.MustRegister(dispatchErrors)
	prometheus.MustRegister(messagesSent)
	prometheus.MustRegister(rateLimitedMessages)

	prometheus.MustRegister(authAttempts)
	prometheus.MustRegister(reconnects)
	prometheus.MustRegister(idleEvictions)

	prometheus.MustRegister(roomsActive)
	prometheus.MustRegister(roomBroadcasts)

	prometheus.MustRegister(batchFlushes)
	prometheus.MustRegister(batchSize)

	prometheus.MustRegister(busMessages)
	prometheus.MustRegister(instancesActive)
	prometheus.MustRegister(instanceLoad)

	prometheus.MustRegister(CpuUsagePercent)
	prometheus.MustRegister(MemoryUsagePercent)
	prometheus.MustRegister(goroutinesActive)
	prometheus.MustRegister(errorsTotal)
}

// Error severity levels for metrics and logging
const (
	ErrorSeverityWarning  = "warning"  // Non-critical, service continues
	ErrorSeverityCritical = "critical" // Critical but recoverable
)

// Error types for categorization
const (
	ErrorTypeBus           = "bus"
	ErrorTypeBroadcast     = "broadcast"
	ErrorTypeSerialization = "serialization"
	ErrorTypeConnection    = "connection"
	ErrorTypeBatch         = "batch"
	ErrorTypeDispatch      = "dispatch"
)

// Disconnect reasons - standardized constants for categorization
const (
	DisconnectReasonReadError      = "read_error"
	DisconnectReasonWriteError     = "write_error"
	DisconnectReasonClientClosed   = "client_closed"
	DisconnectReasonServerShutdown = "server_shutdown"
	DisconnectReasonAuthFailed     = "auth_failed"
	DisconnectReasonIdle           = "idle_timeout"
	DisconnectReasonThrottled      = "throttled"
	DisconnectReasonEvicted        = "evicted"
	DisconnectReasonSlowClient     = "slow_client"
)

// RecordConnect tracks a newly accepted connection.
func RecordConnect(current int64) {
	connectionsTotal.Inc()
	connectionsActive.Set(float64(current))
}

// RecordRejection tracks a connection refused by admission control.
func RecordRejection(reason string) {
	connectionsRejected.WithLabelValues(reason).Inc()
}

// RecordDisconnect tracks a disconnect with reason and connection lifetime.
func RecordDisconnect(reason string, current int64, duration time.Duration) {
	disconnectsTotal.WithLabelValues(reason).Inc()
	connectionDuration.Observe(duration.Seconds())
	connectionsActive.Set(float64(current))
}

// RecordEventReceived counts an inbound event and its estimated size.
func RecordEventReceived(event string, payloadBytes int) {
	eventsReceived.WithLabelValues(event).Inc()
	eventPayloadBytes.Observe(float64(payloadBytes))
}

// RecordEventLatency observes handler latency for a successful event.
func RecordEventLatency(event string, d time.Duration) {
	eventLatency.WithLabelValues(event).Observe(d.Seconds())
}

// RecordDispatchError counts an error event sent to a client.
func RecordDispatchError(code string) {
	dispatchErrors.WithLabelValues(code).Inc()
}

// IncrementMessagesSent counts frames written to clients.
func IncrementMessagesSent(n int) {
	messagesSent.Add(float64(n))
}

// IncrementRateLimitedMessages increments rate limited message counter
func IncrementRateLimitedMessages() {
	rateLimitedMessages.Inc()
}

// RecordAuthAttempt tracks authentication outcomes.
func RecordAuthAttempt(method, result string) {
	authAttempts.WithLabelValues(method, result).Inc()
}

// RecordReconnect tracks reconnect lifecycle stages (attempt, recovered, recovery_failed, exhausted).
func RecordReconnect(stage string) {
	reconnects.WithLabelValues(stage).Inc()
}

// AddIdleEvictions counts connections removed by the idle sweep.
func AddIdleEvictions(n int) {
	idleEvictions.Add(float64(n))
}

// SetRoomCount updates the room gauge for one room type.
func SetRoomCount(roomType string, count int) {
	roomsActive.WithLabelValues(roomType).Set(float64(count))
}

// RecordRoomBroadcast counts a room broadcast by origin.
func RecordRoomBroadcast(origin string) {
	roomBroadcasts.WithLabelValues(origin).Inc()
}

// RecordBatchFlush counts a flush and, on success, its size.
func RecordBatchFlush(trigger string, size int, err error) {
	if err != nil {
		batchFlushes.WithLabelValues(trigger, "error").Inc()
		return
	}
	batchFlushes.WithLabelValues(trigger, "ok").Inc()
	batchSize.Observe(float64(size))
}

// RecordBusMessage counts a cross-instance publish or receive.
func RecordBusMessage(direction string, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	busMessages.WithLabelValues(direction, result).Inc()
}

// SetInstanceLoad records the load score reported by an instance.
func SetInstanceLoad(instanceID string, load float64) {
	instanceLoad.WithLabelValues(instanceID).Set(load)
}

// DeleteInstanceLoad drops the series of an instance that went away.
func DeleteInstanceLoad(instanceID string) {
	instanceLoad.DeleteLabelValues(instanceID)
}

// SetInstancesActive updates the visible instance count.
func SetInstancesActive(n int) {
	instancesActive.Set(float64(n))
}

// SetGoroutines updates the goroutine gauge.
func SetGoroutines(n int) {
	goroutinesActive.Set(float64(n))
}

// RecordError tracks an error in Prometheus
func RecordError(errorType, severity string) {
	errorsTotal.WithLabelValues(errorType, severity).Inc()
}

// HandleMetrics serves Prometheus metrics at /metrics endpoint
func HandleMetrics(w http.ResponseWriter, r *http.Request) {
	promhttp.Handler().ServeHTTP(w, r)
}
