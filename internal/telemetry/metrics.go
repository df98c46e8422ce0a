package telemetry

import "github.com/prometheus/client_golang/prometheus"

// Metrics registers every counter/histogram/gauge family named in
// spec.md §6.5 against its own prometheus.Registry.
type Metrics struct {
	Registry *prometheus.Registry

	OrdersExecutedByType *prometheus.CounterVec
	OrderExecutionLatency *prometheus.HistogramVec
	OrderFailures        *prometheus.CounterVec
	RiskRejections       *prometheus.CounterVec
	PositionsOpened      *prometheus.CounterVec
	PositionsClosed      *prometheus.CounterVec
	PositionPnLRealized  *prometheus.HistogramVec
	ActiveOcoPairsPerPosition *prometheus.GaugeVec
	StrategyTPTriggered  *prometheus.CounterVec
	StrategySLTriggered  *prometheus.CounterVec
	SignalConflictResolved *prometheus.CounterVec
	SignalsDroppedOverload prometheus.Counter
}

// New builds and registers all metric families on a fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		Registry: reg,
		OrdersExecutedByType: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "orders_executed_total",
			Help: "Orders successfully placed, by type and symbol.",
		}, []string{"type", "symbol"}),
		OrderExecutionLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "order_execution_latency_seconds",
			Help:    "End-to-end latency of order placement.",
			Buckets: prometheus.DefBuckets,
		}, []string{"symbol"}),
		OrderFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "order_failures_total",
			Help: "Order placement failures, by reason.",
		}, []string{"reason"}),
		RiskRejections: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "risk_rejections_total",
			Help: "Signals rejected by a risk limit, by limit name.",
		}, []string{"limit"}),
		PositionsOpened: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "positions_opened_total",
			Help: "Positions opened, by side.",
		}, []string{"side"}),
		PositionsClosed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "positions_closed_total",
			Help: "Positions closed, by side.",
		}, []string{"side"}),
		PositionPnLRealized: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "position_pnl_realized",
			Help:    "Realized PnL per closure, by strategy and close reason.",
			Buckets: []float64{-1000, -100, -10, -1, 0, 1, 10, 100, 1000},
		}, []string{"strategy", "close_reason"}),
		ActiveOcoPairsPerPosition: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "active_oco_pairs_per_position",
			Help: "Number of active OCO pairs for an exchange position key.",
		}, []string{"exchange_position_key"}),
		StrategyTPTriggered: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "strategy_tp_triggered_total",
			Help: "Take-profit closures, by strategy.",
		}, []string{"strategy"}),
		StrategySLTriggered: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "strategy_sl_triggered_total",
			Help: "Stop-loss closures, by strategy.",
		}, []string{"strategy"}),
		SignalConflictResolved: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "signal_conflict_resolved_total",
			Help: "Signal conflicts resolved, by resolution policy.",
		}, []string{"resolution"}),
		SignalsDroppedOverload: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "signals_dropped_overload_total",
			Help: "Signals dropped because the intake queue was saturated.",
		}),
	}

	reg.MustRegister(
		m.OrdersExecutedByType,
		m.OrderExecutionLatency,
		m.OrderFailures,
		m.RiskRejections,
		m.PositionsOpened,
		m.PositionsClosed,
		m.PositionPnLRealized,
		m.ActiveOcoPairsPerPosition,
		m.StrategyTPTriggered,
		m.StrategySLTriggered,
		m.SignalConflictResolved,
		m.SignalsDroppedOverload,
	)

	return m
}
