package positionbook_test

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/nexusquant/trade-engine/internal/domain"
	"github.com/nexusquant/trade-engine/internal/positionbook"
)

func TestUpdateOnFillCreatesThenVWAPMerges(t *testing.T) {
	m := positionbook.New(zap.NewNop())
	now := time.Now()

	order := domain.TradeOrder{Symbol: "BTCUSDT", PositionSide: domain.PositionSideLong}

	m.UpdateOnFill(order, domain.FillResult{FillQty: decimal.NewFromInt(1), FillPrice: decimal.NewFromInt(100)}, now)
	pos := m.UpdateOnFill(order, domain.FillResult{FillQty: decimal.NewFromInt(1), FillPrice: decimal.NewFromInt(200)}, now)

	if !pos.Quantity.Equal(decimal.NewFromInt(2)) {
		t.Fatalf("expected merged quantity 2, got %s", pos.Quantity)
	}
	if !pos.EntryPrice.Equal(decimal.NewFromInt(150)) {
		t.Fatalf("expected VWAP entry 150, got %s", pos.EntryPrice)
	}
}

func TestClosePartialRealizesPnLAndClosesOnFullExit(t *testing.T) {
	m := positionbook.New(zap.NewNop())
	now := time.Now()
	order := domain.TradeOrder{Symbol: "BTCUSDT", PositionSide: domain.PositionSideLong}
	m.UpdateOnFill(order, domain.FillResult{FillQty: decimal.NewFromInt(2), FillPrice: decimal.NewFromInt(100)}, now)

	pos, realized := m.ClosePartial("BTCUSDT", domain.PositionSideLong, decimal.NewFromInt(2), decimal.NewFromInt(120), domain.CloseReasonTakeProfit, decimal.Zero, now)
	if !realized.Equal(decimal.NewFromInt(40)) {
		t.Fatalf("expected realized pnl 40, got %s", realized)
	}
	if pos.Status != domain.PositionStatusClosed {
		t.Fatalf("expected position closed after full exit, got %s", pos.Status)
	}
	if !pos.Quantity.IsZero() {
		t.Fatalf("expected zero quantity, got %s", pos.Quantity)
	}
}

func TestClosePartialKeepsPositionOpenOnPartialExit(t *testing.T) {
	m := positionbook.New(zap.NewNop())
	now := time.Now()
	order := domain.TradeOrder{Symbol: "ETHUSDT", PositionSide: domain.PositionSideShort}
	m.UpdateOnFill(order, domain.FillResult{FillQty: decimal.NewFromInt(4), FillPrice: decimal.NewFromInt(3000)}, now)

	pos, _ := m.ClosePartial("ETHUSDT", domain.PositionSideShort, decimal.NewFromInt(1), decimal.NewFromInt(2900), domain.CloseReasonPartial, decimal.Zero, now)
	if pos.Status != domain.PositionStatusOpen {
		t.Fatalf("expected position to remain open, got %s", pos.Status)
	}
	if !pos.Quantity.Equal(decimal.NewFromInt(3)) {
		t.Fatalf("expected remaining quantity 3, got %s", pos.Quantity)
	}
}

func TestDailyRealizedPnLRollsOverAcrossDays(t *testing.T) {
	m := positionbook.New(zap.NewNop())
	day1 := time.Date(2026, 1, 1, 10, 0, 0, 0, time.UTC)
	order := domain.TradeOrder{Symbol: "BTCUSDT", PositionSide: domain.PositionSideLong}

	m.UpdateOnFill(order, domain.FillResult{FillQty: decimal.NewFromInt(1), FillPrice: decimal.NewFromInt(100)}, day1)
	m.ClosePartial("BTCUSDT", domain.PositionSideLong, decimal.NewFromInt(1), decimal.NewFromInt(110), domain.CloseReasonManual, decimal.Zero, day1)

	if pnl := m.DailyRealizedPnL(day1); !pnl.Equal(decimal.NewFromInt(10)) {
		t.Fatalf("expected day1 realized pnl 10, got %s", pnl)
	}

	day2 := day1.Add(48 * time.Hour)
	if pnl := m.DailyRealizedPnL(day2); !pnl.IsZero() {
		t.Fatalf("expected daily pnl to reset on day rollover, got %s", pnl)
	}
	if count := m.DailyTradeCount(day2); count != 0 {
		t.Fatalf("expected daily trade count to reset on day rollover, got %d", count)
	}
}

func TestGetOpenOnlyReturnsOpenPositions(t *testing.T) {
	m := positionbook.New(zap.NewNop())
	now := time.Now()

	long := domain.TradeOrder{Symbol: "BTCUSDT", PositionSide: domain.PositionSideLong}
	short := domain.TradeOrder{Symbol: "ETHUSDT", PositionSide: domain.PositionSideShort}
	m.UpdateOnFill(long, domain.FillResult{FillQty: decimal.NewFromInt(1), FillPrice: decimal.NewFromInt(100)}, now)
	m.UpdateOnFill(short, domain.FillResult{FillQty: decimal.NewFromInt(1), FillPrice: decimal.NewFromInt(100)}, now)

	m.ClosePartial("ETHUSDT", domain.PositionSideShort, decimal.NewFromInt(1), decimal.NewFromInt(90), domain.CloseReasonManual, decimal.Zero, now)

	open := m.GetOpen()
	if len(open) != 1 || open[0].Symbol != "BTCUSDT" {
		t.Fatalf("expected only BTCUSDT open, got %+v", open)
	}
}
