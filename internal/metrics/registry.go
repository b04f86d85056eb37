// Package metrics provides Prometheus metrics for the device link service.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry holds all Prometheus metrics for the service.
// All recording methods are safe to call on a nil *Registry.
type Registry struct {
	registry *prometheus.Registry

	// Connection metrics
	ConnectionAttempts  *prometheus.CounterVec
	ConnectionLatency   prometheus.Histogram
	LinkState           *prometheus.GaugeVec
	ReconnectsScheduled *prometheus.CounterVec
	RetriesExhausted    *prometheus.CounterVec
	TransportErrors     *prometheus.CounterVec

	// Modbus relay metrics
	BusOperations *prometheus.CounterVec
	BreakerState  *prometheus.GaugeVec

	// Command metrics
	CommandsTotal     *prometheus.CounterVec
	CommandsAbandoned *prometheus.CounterVec
	CommandDuration   *prometheus.HistogramVec
	QueueDepth        *prometheus.GaugeVec

	// Telemetry metrics
	EventsEmitted    *prometheus.CounterVec
	EventsFiltered   *prometheus.CounterVec
	AutoOffScheduled *prometheus.CounterVec

	// MQTT metrics
	MQTTMessagesPublished prometheus.Counter
	MQTTMessagesFailed    prometheus.Counter
	MQTTBufferSize        prometheus.Gauge
	MQTTPublishLatency    prometheus.Histogram
	MQTTReconnects        prometheus.Counter
	MQTTCommandsReceived  *prometheus.CounterVec

	// Device metrics
	DevicesRegistered prometheus.Gauge
	DevicesOnline     prometheus.Gauge
}

// NewRegistry creates a new metrics registry with all metrics registered
// on a private Prometheus registry.
func NewRegistry() *Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	factory := promauto.With(reg)

	r := &Registry{
		registry: reg,

		ConnectionAttempts: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "devicelink",
			Subsystem: "connection",
			Name:      "attempts_total",
			Help:      "Total number of discovery+connect attempts by result",
		}, []string{"device_id", "result"}),
		ConnectionLatency: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: "devicelink",
			Subsystem: "connection",
			Name:      "latency_seconds",
			Help:      "Discovery and connect latency",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		}),
		LinkState: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "devicelink",
			Subsystem: "connection",
			Name:      "state",
			Help:      "Current connection state (1 for the active state)",
		}, []string{"device_id", "state"}),
		ReconnectsScheduled: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "devicelink",
			Subsystem: "connection",
			Name:      "reconnects_scheduled_total",
			Help:      "Reconnect attempts scheduled, by trigger path",
		}, []string{"device_id", "path"}),
		RetriesExhausted: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "devicelink",
			Subsystem: "connection",
			Name:      "retries_exhausted_total",
			Help:      "Times the retry budget was exhausted",
		}, []string{"device_id"}),
		TransportErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "devicelink",
			Subsystem: "connection",
			Name:      "transport_errors_total",
			Help:      "Transport errors reported by the capability port, by kind",
		}, []string{"device_id", "kind"}),

		BusOperations: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "devicelink",
			Subsystem: "modbus",
			Name:      "operations_total",
			Help:      "Modbus bus operations, by operation and status",
		}, []string{"device_id", "operation", "status"}),

		BreakerState: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "devicelink",
			Subsystem: "modbus",
			Name:      "circuit_breaker_state",
			Help:      "Circuit breaker state per device (0=closed, 1=half-open, 2=open)",
		}, []string{"device_id"}),

		CommandsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "devicelink",
			Subsystem: "commands",
			Name:      "total",
			Help:      "Commands processed by the queue, by kind and status",
		}, []string{"device_id", "kind", "status"}),
		CommandsAbandoned: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "devicelink",
			Subsystem: "commands",
			Name:      "abandoned_total",
			Help:      "Queued commands dropped after a dispatch failure",
		}, []string{"device_id"}),
		CommandDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "devicelink",
			Subsystem: "commands",
			Name:      "duration_seconds",
			Help:      "Command dispatch duration",
			Buckets:   []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		}, []string{"kind"}),
		QueueDepth: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "devicelink",
			Subsystem: "commands",
			Name:      "queue_depth",
			Help:      "Commands waiting in the queue",
		}, []string{"device_id"}),

		EventsEmitted: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "devicelink",
			Subsystem: "telemetry",
			Name:      "events_emitted_total",
			Help:      "Output events handed to the host, by type",
		}, []string{"device_id", "type"}),
		EventsFiltered: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "devicelink",
			Subsystem: "telemetry",
			Name:      "events_filtered_total",
			Help:      "Data events suppressed by the command byte filter",
		}, []string{"device_id"}),
		AutoOffScheduled: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "devicelink",
			Subsystem: "telemetry",
			Name:      "auto_off_scheduled_total",
			Help:      "Auto-off timers armed",
		}, []string{"device_id"}),

		MQTTMessagesPublished: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "devicelink",
			Subsystem: "mqtt",
			Name:      "messages_published_total",
			Help:      "Total number of MQTT messages published",
		}),
		MQTTMessagesFailed: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "devicelink",
			Subsystem: "mqtt",
			Name:      "messages_failed_total",
			Help:      "Total number of failed MQTT publishes",
		}),
		MQTTBufferSize: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "devicelink",
			Subsystem: "mqtt",
			Name:      "buffer_size",
			Help:      "Current MQTT message buffer size",
		}),
		MQTTPublishLatency: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: "devicelink",
			Subsystem: "mqtt",
			Name:      "publish_latency_seconds",
			Help:      "MQTT publish latency in seconds",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5},
		}),
		MQTTReconnects: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "devicelink",
			Subsystem: "mqtt",
			Name:      "reconnects_total",
			Help:      "Total number of MQTT reconnection attempts",
		}),
		MQTTCommandsReceived: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "devicelink",
			Subsystem: "mqtt",
			Name:      "commands_received_total",
			Help:      "Inbound host commands by outcome",
		}, []string{"status"}),

		DevicesRegistered: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "devicelink",
			Subsystem: "devices",
			Name:      "registered",
			Help:      "Number of registered devices",
		}),
		DevicesOnline: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "devicelink",
			Subsystem: "devices",
			Name:      "online",
			Help:      "Number of connected devices",
		}),
	}

	return r
}

// Handler returns the HTTP handler exposing this registry.
func (r *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{Registry: r.registry})
}

// Gatherer exposes the underlying registry, mainly for tests.
func (r *Registry) Gatherer() prometheus.Gatherer {
	return r.registry
}

var linkStates = []string{"disconnected", "connecting", "connected", "failed"}

// RecordConnectionAttempt records the outcome of a discovery+connect attempt.
func (r *Registry) RecordConnectionAttempt(deviceID, result string, latency float64) {
	if r == nil {
		return
	}
	r.ConnectionAttempts.WithLabelValues(deviceID, result).Inc()
	r.ConnectionLatency.Observe(latency)
}

// SetLinkState marks state as the active connection state for the device.
func (r *Registry) SetLinkState(deviceID, state string) {
	if r == nil {
		return
	}
	for _, s := range linkStates {
		v := 0.0
		if s == state {
			v = 1
		}
		r.LinkState.WithLabelValues(deviceID, s).Set(v)
	}
}

// RecordReconnectScheduled records a scheduled reconnect attempt.
func (r *Registry) RecordReconnectScheduled(deviceID, path string) {
	if r == nil {
		return
	}
	r.ReconnectsScheduled.WithLabelValues(deviceID, path).Inc()
}

// RecordRetriesExhausted records entry into the terminal failed state.
func (r *Registry) RecordRetriesExhausted(deviceID string) {
	if r == nil {
		return
	}
	r.RetriesExhausted.WithLabelValues(deviceID).Inc()
}

// RecordTransportError records a classified transport error.
func (r *Registry) RecordTransportError(deviceID, kind string) {
	if r == nil {
		return
	}
	r.TransportErrors.WithLabelValues(deviceID, kind).Inc()
}

// RecordBusOperation records one Modbus read or write.
func (r *Registry) RecordBusOperation(deviceID, operation string, success bool) {
	if r == nil {
		return
	}
	status := "success"
	if !success {
		status = "failure"
	}
	r.BusOperations.WithLabelValues(deviceID, operation, status).Inc()
}

// SetBreakerState records the circuit breaker state of a device.
func (r *Registry) SetBreakerState(deviceID string, state int) {
	if r == nil {
		return
	}
	r.BreakerState.WithLabelValues(deviceID).Set(float64(state))
}

// RecordCommand records a processed command.
func (r *Registry) RecordCommand(deviceID, kind, status string, duration float64) {
	if r == nil {
		return
	}
	r.CommandsTotal.WithLabelValues(deviceID, kind, status).Inc()
	r.CommandDuration.WithLabelValues(kind).Observe(duration)
}

// RecordCommandsAbandoned records commands dropped after a dispatch failure.
func (r *Registry) RecordCommandsAbandoned(deviceID string, count int) {
	if r == nil || count <= 0 {
		return
	}
	r.CommandsAbandoned.WithLabelValues(deviceID).Add(float64(count))
}

// UpdateQueueDepth updates the queue depth gauge.
func (r *Registry) UpdateQueueDepth(deviceID string, depth int) {
	if r == nil {
		return
	}
	r.QueueDepth.WithLabelValues(deviceID).Set(float64(depth))
}

// RecordEvent records an emitted output event.
func (r *Registry) RecordEvent(deviceID, eventType string) {
	if r == nil {
		return
	}
	r.EventsEmitted.WithLabelValues(deviceID, eventType).Inc()
}

// RecordEventFiltered records a suppressed data event.
func (r *Registry) RecordEventFiltered(deviceID string) {
	if r == nil {
		return
	}
	r.EventsFiltered.WithLabelValues(deviceID).Inc()
}

// RecordAutoOffScheduled records an armed auto-off timer.
func (r *Registry) RecordAutoOffScheduled(deviceID string) {
	if r == nil {
		return
	}
	r.AutoOffScheduled.WithLabelValues(deviceID).Inc()
}

// RecordMQTTPublish records an MQTT publish operation.
func (r *Registry) RecordMQTTPublish(success bool, latency float64) {
	if r == nil {
		return
	}
	if success {
		r.MQTTMessagesPublished.Inc()
	} else {
		r.MQTTMessagesFailed.Inc()
	}
	r.MQTTPublishLatency.Observe(latency)
}

// RecordMQTTReconnect records an MQTT reconnection attempt.
func (r *Registry) RecordMQTTReconnect() {
	if r == nil {
		return
	}
	r.MQTTReconnects.Inc()
}

// RecordMQTTCommand records an inbound host command by outcome.
func (r *Registry) RecordMQTTCommand(status string) {
	if r == nil {
		return
	}
	r.MQTTCommandsReceived.WithLabelValues(status).Inc()
}

// UpdateMQTTBufferSize updates the MQTT buffer size gauge.
func (r *Registry) UpdateMQTTBufferSize(size int) {
	if r == nil {
		return
	}
	r.MQTTBufferSize.Set(float64(size))
}

// UpdateDeviceCount updates the device count gauges.
func (r *Registry) UpdateDeviceCount(registered, online int) {
	if r == nil {
		return
	}
	r.DevicesRegistered.Set(float64(registered))
	r.DevicesOnline.Set(float64(online))
}
