package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the gateway collectors. A nil *Metrics is valid and records
// nothing, so components can be built without a registry.
type Metrics struct {
	registry prometheus.Gatherer

	shardState       *prometheus.GaugeVec
	reconnects       *prometheus.CounterVec
	disconnects      *prometheus.CounterVec
	dispatches       *prometheus.CounterVec
	decodeErrors     *prometheus.CounterVec
	heartbeatLatency *prometheus.GaugeVec
	identifyWait     prometheus.Histogram
	gateInFlight     prometheus.Gauge
}

// New registers the collectors with reg. A nil reg uses a fresh registry.
func New(reg *prometheus.Registry) *Metrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	f := promauto.With(reg)

	return &Metrics{
		registry: reg,
		shardState: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "gateway_shard_state",
			Help: "Current state of each shard (0=idle 1=connecting 2=authenticating 3=ready 4=resuming 5=reconnecting 6=closed)",
		}, []string{"shard"}),
		reconnects: f.NewCounterVec(prometheus.CounterOpts{
			Name: "gateway_shard_reconnects_total",
			Help: "Reconnect attempts by shard and mode",
		}, []string{"shard", "mode"}),
		disconnects: f.NewCounterVec(prometheus.CounterOpts{
			Name: "gateway_shard_disconnects_total",
			Help: "Connection endings by shard and close class",
		}, []string{"shard", "class"}),
		dispatches: f.NewCounterVec(prometheus.CounterOpts{
			Name: "gateway_dispatch_events_total",
			Help: "Dispatch events forwarded by event name",
		}, []string{"event"}),
		decodeErrors: f.NewCounterVec(prometheus.CounterOpts{
			Name: "gateway_decode_errors_total",
			Help: "Malformed inbound frames by shard",
		}, []string{"shard"}),
		heartbeatLatency: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "gateway_heartbeat_latency_seconds",
			Help: "Last heartbeat round trip by shard",
		}, []string{"shard"}),
		identifyWait: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "gateway_identify_wait_seconds",
			Help:    "Time spent waiting for an identify admission",
			Buckets: []float64{0.01, 0.1, 0.5, 1, 5, 10, 30, 60, 300},
		}),
		gateInFlight: f.NewGauge(prometheus.GaugeOpts{
			Name: "gateway_identify_slots_in_use",
			Help: "Identify admission slots held or cooling down",
		}),
	}
}

// Handler serves the registry in Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func shardLabel(id int) string { return strconv.Itoa(id) }

// ShardState records a shard's state as its numeric value.
func (m *Metrics) ShardState(shard int, state int) {
	if m == nil {
		return
	}
	m.shardState.WithLabelValues(shardLabel(shard)).Set(float64(state))
}

// Reconnect counts a reconnect attempt; mode is "resume" or "identify".
func (m *Metrics) Reconnect(shard int, mode string) {
	if m == nil {
		return
	}
	m.reconnects.WithLabelValues(shardLabel(shard), mode).Inc()
}

// Disconnect counts a connection ending by class.
func (m *Metrics) Disconnect(shard int, class string) {
	if m == nil {
		return
	}
	m.disconnects.WithLabelValues(shardLabel(shard), class).Inc()
}

// Dispatch counts a forwarded dispatch event.
func (m *Metrics) Dispatch(shard int, event string) {
	if m == nil {
		return
	}
	m.dispatches.WithLabelValues(event).Inc()
}

// DecodeError counts a malformed frame.
func (m *Metrics) DecodeError(shard int) {
	if m == nil {
		return
	}
	m.decodeErrors.WithLabelValues(shardLabel(shard)).Inc()
}

// HeartbeatLatency records the last heartbeat round trip.
func (m *Metrics) HeartbeatLatency(shard int, d time.Duration) {
	if m == nil {
		return
	}
	m.heartbeatLatency.WithLabelValues(shardLabel(shard)).Set(d.Seconds())
}

// IdentifyWait observes one admission wait.
func (m *Metrics) IdentifyWait(d time.Duration) {
	if m == nil {
		return
	}
	m.identifyWait.Observe(d.Seconds())
}

// GateInFlight records occupied admission slots.
func (m *Metrics) GateInFlight(n int) {
	if m == nil {
		return
	}
	m.gateInFlight.Set(float64(n))
}
