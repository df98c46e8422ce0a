package telemetry_test

import (
	"testing"

	dto "github.com/prometheus/client_model/go"

	"github.com/nexusquant/trade-engine/internal/telemetry"
)

func TestNewRegistersAllFamiliesExactlyOnce(t *testing.T) {
	m := telemetry.New()

	// A vec family appears in Gather output only once it has a child.
	m.OrdersExecutedByType.WithLabelValues("market", "BTCUSDT")
	m.OrderExecutionLatency.WithLabelValues("BTCUSDT")
	m.OrderFailures.WithLabelValues("timeout")
	m.RiskRejections.WithLabelValues("max_daily_trades")
	m.PositionsOpened.WithLabelValues("LONG")
	m.PositionsClosed.WithLabelValues("LONG")
	m.PositionPnLRealized.WithLabelValues("momentum-1", "take_profit")
	m.ActiveOcoPairsPerPosition.WithLabelValues("BTCUSDT_LONG")
	m.StrategyTPTriggered.WithLabelValues("momentum-1")
	m.StrategySLTriggered.WithLabelValues("momentum-1")
	m.SignalConflictResolved.WithLabelValues("hedge")

	families, err := m.Registry.Gather()
	if err != nil {
		t.Fatalf("unexpected error gathering metrics: %v", err)
	}
	if len(families) != 12 {
		t.Fatalf("expected 12 registered metric families, got %d", len(families))
	}
}

func TestCounterVecIncrementsByLabel(t *testing.T) {
	m := telemetry.New()
	m.OrdersExecutedByType.WithLabelValues("market", "BTCUSDT").Inc()
	m.OrdersExecutedByType.WithLabelValues("market", "BTCUSDT").Inc()
	m.OrdersExecutedByType.WithLabelValues("limit", "ETHUSDT").Inc()

	var metric dto.Metric
	if err := m.OrdersExecutedByType.WithLabelValues("market", "BTCUSDT").Write(&metric); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if metric.GetCounter().GetValue() != 2 {
		t.Fatalf("expected counter value 2, got %v", metric.GetCounter().GetValue())
	}
}

func TestGaugeVecSetsByLabel(t *testing.T) {
	m := telemetry.New()
	m.ActiveOcoPairsPerPosition.WithLabelValues("BTCUSDT_LONG").Set(3)

	var metric dto.Metric
	if err := m.ActiveOcoPairsPerPosition.WithLabelValues("BTCUSDT_LONG").Write(&metric); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if metric.GetGauge().GetValue() != 3 {
		t.Fatalf("expected gauge value 3, got %v", metric.GetGauge().GetValue())
	}
}
