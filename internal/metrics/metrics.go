package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Reconcile groups the collectors emitted by the reconciliation engine.
// A nil *Reconcile is valid and records nothing.
type Reconcile struct {
	OrdersCreated   prometheus.Counter
	Verify          *prometheus.CounterVec
	GatewayErrors   *prometheus.CounterVec
	GatewayDuration *prometheus.HistogramVec
	Oversold        prometheus.Counter
}

func New(reg prometheus.Registerer) *Reconcile {
	m := &Reconcile{
		OrdersCreated: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "orders_created_total",
			Help: "Orders persisted in pending state.",
		}),
		Verify: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "verify_total",
			Help: "Verify invocations by result.",
		}, []string{"result"}),
		GatewayErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gateway_errors_total",
			Help: "Payment gateway call failures by operation.",
		}, []string{"op"}),
		GatewayDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "gateway_request_duration_seconds",
			Help:    "Payment gateway call latency by operation.",
			Buckets: prometheus.DefBuckets,
		}, []string{"op"}),
		Oversold: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "inventory_oversold_total",
			Help: "Paid orders whose inventory decrement hit the zero floor.",
		}),
	}
	if reg != nil {
		reg.MustRegister(m.OrdersCreated, m.Verify, m.GatewayErrors, m.GatewayDuration, m.Oversold)
	}
	return m
}

func (m *Reconcile) OrderCreated() {
	if m == nil {
		return
	}
	m.OrdersCreated.Inc()
}

func (m *Reconcile) VerifyResult(result string) {
	if m == nil {
		return
	}
	m.Verify.WithLabelValues(result).Inc()
}

// ObserveGateway records latency for op and counts err when non-nil.
func (m *Reconcile) ObserveGateway(op string, start time.Time, err error) {
	if m == nil {
		return
	}
	m.GatewayDuration.WithLabelValues(op).Observe(time.Since(start).Seconds())
	if err != nil {
		m.GatewayErrors.WithLabelValues(op).Inc()
	}
}

func (m *Reconcile) OversoldOrder() {
	if m == nil {
		return
	}
	m.Oversold.Inc()
}
