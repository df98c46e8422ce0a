package strategybook_test

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/nexusquant/trade-engine/internal/domain"
	"github.com/nexusquant/trade-engine/internal/strategybook"
)

func TestCreateFoldsIntoWeightedAverageExchangePosition(t *testing.T) {
	m := strategybook.New(zap.NewNop())
	now := time.Now()

	order := domain.TradeOrder{Symbol: "BTCUSDT", PositionSide: domain.PositionSideLong}

	sig1 := domain.Signal{StrategyID: "momentum-1"}
	sig2 := domain.Signal{StrategyID: "mean-reversion-1"}

	m.Create(sig1, order, decimal.NewFromInt(100), decimal.NewFromInt(1), now)
	m.Create(sig2, order, decimal.NewFromInt(200), decimal.NewFromInt(1), now)

	key := domain.ExchangePositionKey("BTCUSDT", domain.PositionSideLong)
	ep := m.ExchangePosition(key)
	if ep == nil {
		t.Fatal("expected exchange position to exist")
	}
	if !ep.WeightedAvgEntry.Equal(decimal.NewFromInt(150)) {
		t.Fatalf("expected weighted avg entry 150, got %s", ep.WeightedAvgEntry)
	}
	if ep.TotalContributions != 2 {
		t.Fatalf("expected 2 contributions, got %d", ep.TotalContributions)
	}
	if !ep.CurrentQuantity.Equal(decimal.NewFromInt(2)) {
		t.Fatalf("expected current quantity 2, got %s", ep.CurrentQuantity)
	}
}

// Each strategy position's PnL is attributed against its OWN entry price,
// never the exchange position's weighted average — the central invariant
// of the strategy book.
func TestCloseReasonTriggerUsesOwnEntryPriceNotAggregate(t *testing.T) {
	m := strategybook.New(zap.NewNop())
	now := time.Now()
	order := domain.TradeOrder{Symbol: "BTCUSDT", PositionSide: domain.PositionSideLong}

	spExpensive, _ := m.Create(domain.Signal{StrategyID: "momentum-1"}, order, decimal.NewFromInt(100), decimal.NewFromInt(1), now)
	spCheap, _ := m.Create(domain.Signal{StrategyID: "mean-reversion-1"}, order, decimal.NewFromInt(50), decimal.NewFromInt(1), now)

	// Aggregate weighted avg entry is 75, but each position must be
	// evaluated against its own entry price when it closes.
	_, expensivePnL, err := m.CloseReasonTrigger(spExpensive.StrategyPositionID, decimal.NewFromInt(110), domain.CloseReasonTakeProfit, now)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !expensivePnL.Equal(decimal.NewFromInt(10)) {
		t.Fatalf("expected pnl 10 (110-100), got %s", expensivePnL)
	}

	_, cheapPnL, err := m.CloseReasonTrigger(spCheap.StrategyPositionID, decimal.NewFromInt(110), domain.CloseReasonTakeProfit, now)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !cheapPnL.Equal(decimal.NewFromInt(60)) {
		t.Fatalf("expected pnl 60 (110-50), got %s", cheapPnL)
	}
}

func TestCloseReasonTriggerIsIdempotent(t *testing.T) {
	m := strategybook.New(zap.NewNop())
	now := time.Now()
	order := domain.TradeOrder{Symbol: "BTCUSDT", PositionSide: domain.PositionSideLong}
	sp, _ := m.Create(domain.Signal{StrategyID: "momentum-1"}, order, decimal.NewFromInt(100), decimal.NewFromInt(1), now)

	_, firstPnL, err := m.CloseReasonTrigger(sp.StrategyPositionID, decimal.NewFromInt(120), domain.CloseReasonTakeProfit, now)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	_, secondPnL, err := m.CloseReasonTrigger(sp.StrategyPositionID, decimal.NewFromInt(999), domain.CloseReasonManual, now)
	if err != nil {
		t.Fatalf("unexpected error on idempotent re-close: %v", err)
	}
	if !firstPnL.Equal(decimal.NewFromInt(20)) {
		t.Fatalf("expected first close pnl 20, got %s", firstPnL)
	}
	if !secondPnL.IsZero() {
		t.Fatalf("expected idempotent re-close to report zero pnl, got %s", secondPnL)
	}
}

func TestCloseReasonTriggerUnknownIDErrors(t *testing.T) {
	m := strategybook.New(zap.NewNop())
	_, _, err := m.CloseReasonTrigger("does-not-exist", decimal.NewFromInt(1), domain.CloseReasonManual, time.Now())
	if err == nil {
		t.Fatal("expected an error for an unknown strategy_position_id")
	}
}

func TestCloseReasonTriggerClosesExchangePositionWhenFullyUnwound(t *testing.T) {
	m := strategybook.New(zap.NewNop())
	now := time.Now()
	order := domain.TradeOrder{Symbol: "BTCUSDT", PositionSide: domain.PositionSideLong}
	sp, _ := m.Create(domain.Signal{StrategyID: "momentum-1"}, order, decimal.NewFromInt(100), decimal.NewFromInt(1), now)

	m.CloseReasonTrigger(sp.StrategyPositionID, decimal.NewFromInt(120), domain.CloseReasonTakeProfit, now)

	ep := m.ExchangePosition(domain.ExchangePositionKey("BTCUSDT", domain.PositionSideLong))
	if ep.Status != domain.PositionStatusClosed {
		t.Fatalf("expected exchange position closed once last contributor exits, got %s", ep.Status)
	}
}
