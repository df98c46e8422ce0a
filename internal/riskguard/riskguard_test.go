package riskguard_test

import (
	"testing"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/nexusquant/trade-engine/internal/cfgx"
	"github.com/nexusquant/trade-engine/internal/domain"
	"github.com/nexusquant/trade-engine/internal/riskguard"
)

func order() domain.TradeOrder {
	return domain.TradeOrder{Symbol: "BTCUSDT", Amount: decimal.NewFromFloat(0.1)}
}

func TestCheckOrderRejectsAboveMaxPositionSize(t *testing.T) {
	g := riskguard.New(zap.NewNop(), nil)
	limits := cfgx.RiskLimits{MaxPositionSizeUSD: 1000}

	result := g.CheckOrder(limits, order(), decimal.NewFromInt(2000), decimal.NewFromInt(100000), nil, decimal.Zero, 0)
	if result.Approved {
		t.Fatal("expected rejection above max_position_size_usd")
	}
	if result.RejectedLimit != "max_position_size_usd" {
		t.Fatalf("unexpected rejected limit: %s", result.RejectedLimit)
	}
}

func TestCheckOrderRejectsBelowMinPositionSize(t *testing.T) {
	g := riskguard.New(zap.NewNop(), nil)
	limits := cfgx.RiskLimits{MinPositionSizeUSD: 100}

	result := g.CheckOrder(limits, order(), decimal.NewFromInt(10), decimal.NewFromInt(100000), nil, decimal.Zero, 0)
	if result.Approved {
		t.Fatal("expected rejection below min_position_size_usd")
	}
}

func TestCheckOrderRejectsAtMaxConcurrentPositions(t *testing.T) {
	g := riskguard.New(zap.NewNop(), nil)
	limits := cfgx.RiskLimits{MaxConcurrentPositions: 2}
	open := []riskguard.PositionSnapshot{{Symbol: "ETHUSDT"}, {Symbol: "SOLUSDT"}}

	result := g.CheckOrder(limits, order(), decimal.NewFromInt(100), decimal.NewFromInt(100000), open, decimal.Zero, 0)
	if result.Approved {
		t.Fatal("expected rejection at max_concurrent_positions")
	}
}

func TestCheckOrderRejectsAtMaxDailyTrades(t *testing.T) {
	g := riskguard.New(zap.NewNop(), nil)
	limits := cfgx.RiskLimits{MaxDailyTrades: 10}

	result := g.CheckOrder(limits, order(), decimal.NewFromInt(100), decimal.NewFromInt(100000), nil, decimal.Zero, 10)
	if result.Approved {
		t.Fatal("expected rejection at max_daily_trades")
	}
}

func TestCheckOrderRejectsOnDailyLossBreach(t *testing.T) {
	g := riskguard.New(zap.NewNop(), nil)
	limits := cfgx.RiskLimits{MaxDailyLossPct: 0.05}

	result := g.CheckOrder(limits, order(), decimal.NewFromInt(100), decimal.NewFromInt(10000), nil, decimal.NewFromInt(-600), 0)
	if result.Approved {
		t.Fatal("expected rejection on daily loss breach")
	}
}

func TestKillSwitchTripsAfterConsecutiveLosses(t *testing.T) {
	g := riskguard.New(zap.NewNop(), nil)
	g.KillSwitchThreshold = 3

	for i := 0; i < 3; i++ {
		g.RecordTradeClose(decimal.NewFromInt(-10))
	}

	active, reason := g.IsKillSwitchActive()
	if !active {
		t.Fatal("expected kill switch to trip after 3 consecutive losses")
	}
	if reason != "consecutive_losses" {
		t.Fatalf("unexpected reason: %s", reason)
	}

	result := g.CheckOrder(cfgx.RiskLimits{}, order(), decimal.NewFromInt(100), decimal.NewFromInt(100000), nil, decimal.Zero, 0)
	if result.Approved {
		t.Fatal("expected all orders rejected while kill switch is active")
	}
}

func TestWinningTradeResetsLossStreak(t *testing.T) {
	g := riskguard.New(zap.NewNop(), nil)
	g.KillSwitchThreshold = 3

	g.RecordTradeClose(decimal.NewFromInt(-10))
	g.RecordTradeClose(decimal.NewFromInt(-10))
	g.RecordTradeClose(decimal.NewFromInt(10))
	g.RecordTradeClose(decimal.NewFromInt(-10))
	g.RecordTradeClose(decimal.NewFromInt(-10))

	active, _ := g.IsKillSwitchActive()
	if active {
		t.Fatal("expected a winning trade to reset the consecutive loss streak")
	}
}

func TestManualKillSwitchAndDisable(t *testing.T) {
	g := riskguard.New(zap.NewNop(), nil)
	g.ManualKillSwitch("operator_halt")

	active, reason := g.IsKillSwitchActive()
	if !active || reason != "operator_halt" {
		t.Fatalf("expected manual kill switch to engage, got active=%v reason=%s", active, reason)
	}

	g.DisableKillSwitch()
	active, _ = g.IsKillSwitchActive()
	if active {
		t.Fatal("expected kill switch to be disabled")
	}
}
