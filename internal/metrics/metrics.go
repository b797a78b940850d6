// Package metrics exposes Prometheus instrumentation for the socket
// transport. All methods are safe on a nil *Registry so the transport can
// run uninstrumented.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Channel label values.
const (
	ChannelAuth         = "authenticated"
	ChannelUnauth       = "unauthenticated"
	ChannelProvisioning = "provisioning"
)

// Registry holds the transport metrics.
type Registry struct {
	// Status mirrors the manager connection status (0 closed, 1 connecting,
	// 2 open).
	Status prometheus.Gauge

	ConnectAttempts *prometheus.CounterVec
	Reconnects      prometheus.Counter
	AuthFailures    prometheus.Counter

	RequestsInFlight prometheus.Gauge
	RequestDuration  *prometheus.HistogramVec

	KeepAlives  *prometheus.CounterVec
	QueuedPush  prometheus.Gauge
	DroppedPush prometheus.Counter
}

// NewRegistry creates the transport metrics and registers them with reg
// (prometheus.DefaultRegisterer when nil).
func NewRegistry(reg prometheus.Registerer) *Registry {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	r := &Registry{
		Status: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "courier_socket_status",
			Help: "Connection status of the authenticated channel (0 closed, 1 connecting, 2 open)",
		}),
		ConnectAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "courier_socket_connect_attempts_total",
			Help: "Connect attempts by channel and outcome",
		}, []string{"channel", "outcome"}),
		Reconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "courier_socket_reconnects_total",
			Help: "Backoff-scheduled reconnects of the authenticated channel",
		}),
		AuthFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "courier_socket_auth_failures_total",
			Help: "Handshake rejections with 401/403",
		}),
		RequestsInFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "courier_socket_requests_in_flight",
			Help: "Outbound requests awaiting a correlated response",
		}),
		RequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "courier_socket_request_duration_seconds",
			Help:    "Round-trip time of fetch-bridge requests",
			Buckets: []float64{0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0, 10.0},
		}, []string{"channel"}),
		KeepAlives: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "courier_socket_keepalives_total",
			Help: "Keepalive probes sent by channel",
		}, []string{"channel"}),
		QueuedPush: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "courier_socket_queued_push_requests",
			Help: "Inbound push requests waiting for a handler to register",
		}),
		DroppedPush: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "courier_socket_dropped_push_requests_total",
			Help: "Queued push requests discarded on authenticated teardown",
		}),
	}
	reg.MustRegister(
		r.Status, r.ConnectAttempts, r.Reconnects, r.AuthFailures,
		r.RequestsInFlight, r.RequestDuration, r.KeepAlives,
		r.QueuedPush, r.DroppedPush,
	)
	return r
}

func (r *Registry) SetStatus(v float64) {
	if r != nil {
		r.Status.Set(v)
	}
}

func (r *Registry) ObserveConnect(channel, outcome string) {
	if r != nil {
		r.ConnectAttempts.WithLabelValues(channel, outcome).Inc()
	}
}

func (r *Registry) ObserveReconnect() {
	if r != nil {
		r.Reconnects.Inc()
	}
}

func (r *Registry) ObserveAuthFailure() {
	if r != nil {
		r.AuthFailures.Inc()
	}
}

func (r *Registry) RequestStarted() {
	if r != nil {
		r.RequestsInFlight.Inc()
	}
}

func (r *Registry) RequestFinished(channel string, elapsed time.Duration) {
	if r != nil {
		r.RequestsInFlight.Dec()
		r.RequestDuration.WithLabelValues(channel).Observe(elapsed.Seconds())
	}
}

func (r *Registry) ObserveKeepAlive(channel string) {
	if r != nil {
		r.KeepAlives.WithLabelValues(channel).Inc()
	}
}

func (r *Registry) SetQueuedPush(n int) {
	if r != nil {
		r.QueuedPush.Set(float64(n))
	}
}

func (r *Registry) ObserveDroppedPush(n int) {
	if r != nil {
		r.DroppedPush.Add(float64(n))
	}
}
