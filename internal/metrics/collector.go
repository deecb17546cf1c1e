// Package metrics exposes Prometheus metrics for the bus. Every recording
// method is safe to call on a nil *Metrics, so components can take an
// optional collector without guarding each call site.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics aggregates the bus counters and gauges.
type Metrics struct {
	registry *prometheus.Registry

	registrations  prometheus.Gauge
	resolvers      prometheus.Gauge
	notifications  *prometheus.CounterVec
	rpcCalls       *prometheus.CounterVec
	exposedObjects prometheus.Gauge
	peers          prometheus.Gauge
	uplinkFrames   *prometheus.CounterVec
	spawns         *prometheus.CounterVec
}

// New creates a collector registered on reg. A nil reg gets a private registry.
func New(reg *prometheus.Registry) *Metrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,
		registrations: factory.NewGauge(prometheus.GaugeOpts{
			Name: "fluxbus_registrations",
			Help: "Live topic registrations in the registry",
		}),
		resolvers: factory.NewGauge(prometheus.GaugeOpts{
			Name: "fluxbus_resolvers",
			Help: "Active prefix resolvers (observers of the registry)",
		}),
		notifications: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "fluxbus_notifications_total",
			Help: "Notifications routed by the registry",
		}, []string{"kind"}),
		rpcCalls: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "fluxbus_rpc_calls_total",
			Help: "Remote calls issued, by outcome",
		}, []string{"outcome"}),
		exposedObjects: factory.NewGauge(prometheus.GaugeOpts{
			Name: "fluxbus_rpc_exposed_objects",
			Help: "Objects currently exposed to remote peers",
		}),
		peers: factory.NewGauge(prometheus.GaugeOpts{
			Name: "fluxbus_worker_peers",
			Help: "Connections attached to the worker host",
		}),
		uplinkFrames: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "fluxbus_uplink_frames_total",
			Help: "Frames received over uplink sockets",
		}, []string{"scheme"}),
		spawns: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "fluxbus_worker_spawns_total",
			Help: "Worker bootstraps, by outcome",
		}, []string{"outcome"}),
	}
}

// Registry returns the underlying Prometheus registry.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// Handler renders the metrics in Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) RegistrationAdded() {
	if m != nil {
		m.registrations.Inc()
	}
}

func (m *Metrics) RegistrationRemoved() {
	if m != nil {
		m.registrations.Dec()
	}
}

func (m *Metrics) ResolverAdded() {
	if m != nil {
		m.resolvers.Inc()
	}
}

func (m *Metrics) ResolverRemoved() {
	if m != nil {
		m.resolvers.Dec()
	}
}

// Notification counts one routed notification of the given kind ("N", "E", "C").
func (m *Metrics) Notification(kind string) {
	if m != nil {
		m.notifications.WithLabelValues(kind).Inc()
	}
}

// RPCCall counts a finished remote call. outcome is "ok", "error", "timeout" or "closed".
func (m *Metrics) RPCCall(outcome string) {
	if m != nil {
		m.rpcCalls.WithLabelValues(outcome).Inc()
	}
}

func (m *Metrics) ObjectExposed() {
	if m != nil {
		m.exposedObjects.Inc()
	}
}

func (m *Metrics) ObjectReleased() {
	if m != nil {
		m.exposedObjects.Dec()
	}
}

func (m *Metrics) PeerAttached() {
	if m != nil {
		m.peers.Inc()
	}
}

func (m *Metrics) PeerDetached() {
	if m != nil {
		m.peers.Dec()
	}
}

// UplinkFrame counts a frame received on an uplink of the given URL scheme.
func (m *Metrics) UplinkFrame(scheme string) {
	if m != nil {
		m.uplinkFrames.WithLabelValues(scheme).Inc()
	}
}

// Spawn counts a worker bootstrap attempt. outcome is "ok" or "error".
func (m *Metrics) Spawn(outcome string) {
	if m != nil {
		m.spawns.WithLabelValues(outcome).Inc()
	}
}
