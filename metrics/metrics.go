// Package metrics implements the Prometheus-backed Observer (D3 in
// SPEC_FULL.md) that a host application can hand to conn.Open to get
// queue-depth, phase, auth, and notification-fan-out visibility into a
// running connection.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Collector holds every Prometheus metric describing one connection's
// internals and implements conn.Observer. A Collector is safe to share
// across goroutines but is only ever written to from the connection's
// actor goroutine (see conn.Conn.run).
type Collector struct {
	Registry *prometheus.Registry

	phase              *prometheus.GaugeVec
	queueDepth         prometheus.Gauge
	requestsTotal      *prometheus.CounterVec
	authTotal          *prometheus.CounterVec
	notificationsTotal *prometheus.CounterVec
}

// phaseNames mirrors conn's phase.String() values; used to zero every
// phase gauge on construction so /metrics never omits a label set.
var phaseNames = []string{
	"connecting", "ssl-negotiation", "authenticating", "bootstrapping",
	"ready", "busy-simple", "busy-extended-parse", "busy-extended-bind",
	"busy-extended-execute", "busy-sync", "terminating",
}

// New creates and registers a fresh set of metrics on their own registry,
// so that opening several connections never collides on metric names the
// way sharing the global prometheus.DefaultRegisterer would.
func New() *Collector {
	reg := prometheus.NewRegistry()

	c := &Collector{
		Registry: reg,
		phase: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "pgconn_phase",
				Help: "1 for the connection's current phase, 0 otherwise",
			},
			[]string{"phase"},
		),
		queueDepth: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "pgconn_queue_depth",
				Help: "Number of requests currently queued, including the in-flight head",
			},
		),
		requestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pgconn_requests_total",
				Help: "Completed requests by kind and outcome",
			},
			[]string{"kind", "outcome"},
		),
		authTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pgconn_auth_total",
				Help: "Authentication attempts by method and outcome",
			},
			[]string{"method", "outcome"},
		),
		notificationsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pgconn_notifications_total",
				Help: "NOTIFY fan-out deliveries by outcome (delivered or dropped)",
			},
			[]string{"outcome"},
		),
	}

	for _, p := range phaseNames {
		c.phase.WithLabelValues(p).Set(0)
	}

	reg.MustRegister(c.phase, c.queueDepth, c.requestsTotal, c.authTotal, c.notificationsTotal)
	return c
}

// Phase implements conn.Observer: it sets the gauge for name to 1 and
// every other known phase to 0, so a Prometheus query for the active
// phase is a simple "== 1" filter.
func (c *Collector) Phase(name string) {
	for _, p := range phaseNames {
		if p == name {
			c.phase.WithLabelValues(p).Set(1)
		} else {
			c.phase.WithLabelValues(p).Set(0)
		}
	}
}

// QueueDepth implements conn.Observer.
func (c *Collector) QueueDepth(n int) {
	c.queueDepth.Set(float64(n))
}

// RequestCompleted implements conn.Observer.
func (c *Collector) RequestCompleted(kind string, ok bool) {
	c.requestsTotal.WithLabelValues(kind, outcomeLabel(ok)).Inc()
}

// NotificationDelivery implements conn.Observer.
func (c *Collector) NotificationDelivery(delivered, dropped int) {
	c.notificationsTotal.WithLabelValues("delivered").Add(float64(delivered))
	c.notificationsTotal.WithLabelValues("dropped").Add(float64(dropped))
}

// AuthOutcome implements conn.Observer.
func (c *Collector) AuthOutcome(method string, ok bool) {
	c.authTotal.WithLabelValues(method, outcomeLabel(ok)).Inc()
}

func outcomeLabel(ok bool) string {
	if ok {
		return "ok"
	}
	return "error"
}
