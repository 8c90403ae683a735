// Package metrics exposes Prometheus counters and gauges for the socket,
// poller, and stream layers.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// -------------------------------------------------------------------------
// Prometheus Metric Constants
// -------------------------------------------------------------------------

const (
	namespace = "netlib"
)

// Label names for netlib metrics.
const (
	labelProtocol = "protocol"
	labelEvent    = "event"
)

// -------------------------------------------------------------------------
// Collector — Prometheus socket/poller/stream metrics
// -------------------------------------------------------------------------

// Collector holds all netlib Prometheus metrics.
//
//   - Sockets tracks currently active sockets by protocol.
//   - PollerEvents counts readiness translations emitted by a Poller, by kind.
//   - BytesRead/BytesWritten track cumulative transfer volume by protocol.
//   - PollerQueueContention counts retries against a full 32-slot add/remove
//     queue.
type Collector struct {
	// Sockets tracks the number of currently active sockets, labeled by
	// protocol ("tcp" or "udp"). Incremented on Add, decremented on Remove.
	Sockets *prometheus.GaugeVec

	// PollerEvents counts events a Poller has translated and delivered,
	// labeled by event kind (connection, connected, datain, hangup, error,
	// timeout).
	PollerEvents *prometheus.CounterVec

	// BytesRead counts cumulative bytes read off the wire, by protocol.
	BytesRead *prometheus.CounterVec

	// BytesWritten counts cumulative bytes written to the wire, by protocol.
	BytesWritten *prometheus.CounterVec

	// PollerQueueContention counts retries against a full 32-slot poller
	// add/remove queue.
	PollerQueueContention prometheus.Counter
}

// NewCollector creates a Collector with all netlib metrics registered
// against the provided prometheus.Registerer. If reg is nil,
// prometheus.DefaultRegisterer is used.
//
// All metrics are created with the "netlib_" prefix to avoid collisions with
// other exporters.
func NewCollector(reg prometheus.Registerer) *Collector {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	c := newMetrics()

	reg.MustRegister(
		c.Sockets,
		c.PollerEvents,
		c.BytesRead,
		c.BytesWritten,
		c.PollerQueueContention,
	)

	return c
}

// newMetrics creates all Prometheus metric vectors without registering them.
func newMetrics() *Collector {
	protocolLabels := []string{labelProtocol}
	eventLabels := []string{labelEvent}

	return &Collector{
		Sockets: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "sockets_active",
			Help:      "Number of currently active sockets, by protocol.",
		}, protocolLabels),

		PollerEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "poller_events_total",
			Help:      "Total readiness events translated and delivered by a poller, by event kind.",
		}, eventLabels),

		BytesRead: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bytes_read_total",
			Help:      "Total bytes read off the wire, by protocol.",
		}, protocolLabels),

		BytesWritten: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bytes_written_total",
			Help:      "Total bytes written to the wire, by protocol.",
		}, protocolLabels),

		PollerQueueContention: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "poller_queue_contention_total",
			Help:      "Total retries against a full 32-slot poller add/remove queue.",
		}),
	}
}

// -------------------------------------------------------------------------
// Socket Lifecycle
// -------------------------------------------------------------------------

// RegisterSocket increments the active sockets gauge for protocol.
// Called when a socket is added to a poller.
func (c *Collector) RegisterSocket(protocol string) {
	c.Sockets.WithLabelValues(protocol).Inc()
}

// UnregisterSocket decrements the active sockets gauge for protocol.
// Called when a socket is removed from a poller.
func (c *Collector) UnregisterSocket(protocol string) {
	c.Sockets.WithLabelValues(protocol).Dec()
}

// -------------------------------------------------------------------------
// Poller Events
// -------------------------------------------------------------------------

// RecordPollerEvent increments the event counter for the given event kind.
func (c *Collector) RecordPollerEvent(event string) {
	c.PollerEvents.WithLabelValues(event).Inc()
}

// IncPollerQueueContention increments the poller queue contention counter.
// Called each time Add/Remove retries against a full 32-slot queue.
func (c *Collector) IncPollerQueueContention() {
	c.PollerQueueContention.Inc()
}

// -------------------------------------------------------------------------
// Byte Counters
// -------------------------------------------------------------------------

// AddBytesRead adds n to the cumulative bytes-read counter for protocol.
func (c *Collector) AddBytesRead(protocol string, n int) {
	if n <= 0 {
		return
	}
	c.BytesRead.WithLabelValues(protocol).Add(float64(n))
}

// AddBytesWritten adds n to the cumulative bytes-written counter for
// protocol.
func (c *Collector) AddBytesWritten(protocol string, n int) {
	if n <= 0 {
		return
	}
	c.BytesWritten.WithLabelValues(protocol).Add(float64(n))
}
