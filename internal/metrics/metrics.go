// Package metrics holds the core's Prometheus instrumentation.
//
// The core only registers collectors; how (or whether) the registry is
// exported over HTTP is an external collaborator's concern — callers can
// mount Registry() on whatever endpoint they run.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics is the set of counters and gauges every pipeline stage reports to.
// All fields are safe for concurrent use.
type Metrics struct {
	reg *prometheus.Registry

	OrdersSubmitted  prometheus.Counter
	OrdersAccepted   prometheus.Counter
	OrdersRejected   *prometheus.CounterVec // by reason
	TradesExecuted   *prometheus.CounterVec // by symbol
	DatagramsSent    prometheus.Counter
	ProtocolErrors   prometheus.Counter
	FlowControlDrops prometheus.Counter
	EventsDropped    prometheus.Counter
	OpenSessions     prometheus.Gauge
}

// New creates and registers the core metric set on a fresh registry wrapper.
func New(reg *prometheus.Registry) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		reg: reg,
		OrdersSubmitted: f.NewCounter(prometheus.CounterOpts{
			Name: "exchange_orders_submitted_total",
			Help: "NewOrder requests dispatched into the risk engine.",
		}),
		OrdersAccepted: f.NewCounter(prometheus.CounterOpts{
			Name: "exchange_orders_accepted_total",
			Help: "Orders acknowledged as accepted by a matching engine.",
		}),
		OrdersRejected: f.NewCounterVec(prometheus.CounterOpts{
			Name: "exchange_orders_rejected_total",
			Help: "Rejections by wire reason code.",
		}, []string{"reason"}),
		TradesExecuted: f.NewCounterVec(prometheus.CounterOpts{
			Name: "exchange_trades_executed_total",
			Help: "Executions per symbol.",
		}, []string{"symbol"}),
		DatagramsSent: f.NewCounter(prometheus.CounterOpts{
			Name: "exchange_md_datagrams_sent_total",
			Help: "Market-data datagrams written to the multicast socket.",
		}),
		ProtocolErrors: f.NewCounter(prometheus.CounterOpts{
			Name: "exchange_protocol_errors_total",
			Help: "Inbound frames discarded by the codec.",
		}),
		FlowControlDrops: f.NewCounter(prometheus.CounterOpts{
			Name: "exchange_flow_control_drops_total",
			Help: "Outbound events dropped because a session buffer was full.",
		}),
		EventsDropped: f.NewCounter(prometheus.CounterOpts{
			Name: "exchange_events_dropped_total",
			Help: "Events dropped because an internal queue was full.",
		}),
		OpenSessions: f.NewGauge(prometheus.GaugeOpts{
			Name: "exchange_open_sessions",
			Help: "Currently registered gateway sessions.",
		}),
	}
}

// Registry exposes the underlying registry for an external exporter.
func (m *Metrics) Registry() *prometheus.Registry { return m.reg }

// Reject increments the rejection counter for one reason code.
func (m *Metrics) Reject(reason string) {
	m.OrdersRejected.WithLabelValues(reason).Inc()
}

// RegisterGauge attaches a callback-backed gauge, used for pool occupancy
// and queue depths that are cheap to read but owned elsewhere.
func (m *Metrics) RegisterGauge(name, help string, fn func() float64) {
	m.reg.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Name: name,
		Help: help,
	}, fn))
}
