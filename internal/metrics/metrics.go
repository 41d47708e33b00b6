package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the engine's Prometheus collectors. Construct one per process
// with a registry so tests can build isolated instances.
type Metrics struct {
	SessionsStarted  *prometheus.CounterVec
	SessionsSettled  prometheus.Counter
	RefundFailures   prometheus.Counter
	ReceiptsSent     prometheus.Counter
	EnergyDelivered  prometheus.Counter
	ActiveSimulators prometheus.GaugeFunc
}

// New registers collectors on the given registerer. activeSimulators feeds
// the gauge on scrape.
func New(reg prometheus.Registerer, activeSimulators func() float64) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		SessionsStarted: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "chargepilot_sessions_started_total",
			Help: "Charging sessions started, by metering mode.",
		}, []string{"mode"}),
		SessionsSettled: factory.NewCounter(prometheus.CounterOpts{
			Name: "chargepilot_sessions_settled_total",
			Help: "Settlements persisted.",
		}),
		RefundFailures: factory.NewCounter(prometheus.CounterOpts{
			Name: "chargepilot_refund_failures_total",
			Help: "Refund attempts that failed at the payment gateway.",
		}),
		ReceiptsSent: factory.NewCounter(prometheus.CounterOpts{
			Name: "chargepilot_receipts_sent_total",
			Help: "Settlement receipts delivered to the notifier.",
		}),
		EnergyDelivered: factory.NewCounter(prometheus.CounterOpts{
			Name: "chargepilot_energy_settled_kwh_total",
			Help: "Energy accounted for at settlement, in kWh.",
		}),
		ActiveSimulators: factory.NewGaugeFunc(prometheus.GaugeOpts{
			Name: "chargepilot_active_simulators",
			Help: "Metering simulators currently ticking.",
		}, activeSimulators),
	}
}
