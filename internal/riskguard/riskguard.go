// Package riskguard implements the Position Manager's pre-trade risk
// checks from spec.md §4.2: position size, portfolio exposure, daily loss,
// concurrency, and trade-count limits. A rejection here is local and
// non-fatal — no exchange call is made.
package riskguard

import (
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/nexusquant/trade-engine/internal/cfgx"
	"github.com/nexusquant/trade-engine/internal/domain"
)

// Result is the outcome of CheckOrder. A non-empty RejectedLimit means the
// order must be rejected locally with that limit name as the reason.
type Result struct {
	Approved      bool
	RejectedLimit string
	Warnings      []string
}

// PositionSnapshot is the minimal view of open positions the guard needs;
// the dispatcher builds these from positionbook positions (toSnapshots), so
// riskguard does not import positionbook.
type PositionSnapshot struct {
	Symbol         string
	NotionalUSD    decimal.Decimal
	CorrelationTag string
}

// Guard applies spec.md §4.2's risk limits and an optional kill-switch,
// supplemented from the teacher's RiskManager.triggerKillSwitch idiom,
// generalized from absolute-dollar thresholds to the percentage-of-
// portfolio framing spec.md §4.2 and §6.4 use.
type Guard struct {
	logger *zap.Logger

	mu                 sync.Mutex
	consecutiveLosses  int
	killSwitchActive   bool
	killSwitchReason   string
	correlationGroups  map[string][]string // group -> symbols
	correlationExposure map[string]decimal.Decimal

	// KillSwitchThreshold is how many consecutive loss-making closes trip
	// the kill switch; 0 disables it.
	KillSwitchThreshold int
}

// New builds a Guard. correlationGroups is an optional map of group name to
// member symbols used only to emit non-blocking exposure warnings.
func New(logger *zap.Logger, correlationGroups map[string][]string) *Guard {
	return &Guard{
		logger:              logger.Named("riskguard"),
		correlationGroups:   correlationGroups,
		correlationExposure: map[string]decimal.Decimal{},
		KillSwitchThreshold: 5,
	}
}

// CheckOrder enforces spec.md §4.2's limits in order, returning the first
// limit name that fires. When the order's symbol belongs to a configured
// correlation group, a non-blocking warning is added if that group's
// exposure looks concentrated.
func (g *Guard) CheckOrder(
	limits cfgx.RiskLimits,
	order domain.TradeOrder,
	orderNotionalUSD decimal.Decimal,
	portfolioEquity decimal.Decimal,
	openPositions []PositionSnapshot,
	dailyRealizedPnL decimal.Decimal,
	dailyTradeCount int,
) Result {
	g.mu.Lock()
	killSwitch, reason := g.killSwitchActive, g.killSwitchReason
	g.mu.Unlock()

	if killSwitch {
		return Result{Approved: false, RejectedLimit: "kill_switch:" + reason}
	}

	if limits.MaxPositionSizeUSD > 0 && orderNotionalUSD.GreaterThan(decimal.NewFromFloat(limits.MaxPositionSizeUSD)) {
		return Result{Approved: false, RejectedLimit: "max_position_size_usd"}
	}
	if limits.MinPositionSizeUSD > 0 && orderNotionalUSD.LessThan(decimal.NewFromFloat(limits.MinPositionSizeUSD)) {
		return Result{Approved: false, RejectedLimit: "min_position_size_usd"}
	}

	if limits.MaxPositionSizePct > 0 && !portfolioEquity.IsZero() {
		pct, _ := orderNotionalUSD.Div(portfolioEquity).Float64()
		if pct > limits.MaxPositionSizePct {
			return Result{Approved: false, RejectedLimit: "max_position_size_pct"}
		}
	}

	if limits.MaxPortfolioExposurePct > 0 && !portfolioEquity.IsZero() {
		total := orderNotionalUSD
		for _, p := range openPositions {
			total = total.Add(p.NotionalUSD)
		}
		pct, _ := total.Div(portfolioEquity).Float64()
		if pct > limits.MaxPortfolioExposurePct {
			return Result{Approved: false, RejectedLimit: "max_portfolio_exposure_pct"}
		}
	}

	if limits.MaxDailyLossPct > 0 && !portfolioEquity.IsZero() && dailyRealizedPnL.IsNegative() {
		lossPct, _ := dailyRealizedPnL.Abs().Div(portfolioEquity).Float64()
		if lossPct > limits.MaxDailyLossPct {
			return Result{Approved: false, RejectedLimit: "max_daily_loss_pct"}
		}
	}

	if limits.MaxConcurrentPositions > 0 && len(openPositions) >= limits.MaxConcurrentPositions {
		return Result{Approved: false, RejectedLimit: "max_concurrent_positions"}
	}

	if limits.MaxDailyTrades > 0 && dailyTradeCount >= limits.MaxDailyTrades {
		return Result{Approved: false, RejectedLimit: "max_daily_trades"}
	}

	result := Result{Approved: true}
	if warn := g.correlationWarning(order.Symbol, orderNotionalUSD, openPositions); warn != "" {
		result.Warnings = append(result.Warnings, warn)
	}
	return result
}

// correlationWarning never rejects; it only enriches the result with a
// non-blocking note when a correlated symbol group looks concentrated,
// per SPEC_FULL.md §8.
func (g *Guard) correlationWarning(symbol string, notional decimal.Decimal, open []PositionSnapshot) string {
	group := g.groupFor(symbol)
	if group == "" {
		return ""
	}
	total := notional
	for _, p := range open {
		if g.groupFor(p.Symbol) == group {
			total = total.Add(p.NotionalUSD)
		}
	}
	if total.GreaterThan(decimal.NewFromInt(50000)) {
		return "correlation_group_exposure:" + group
	}
	return ""
}

func (g *Guard) groupFor(symbol string) string {
	for group, symbols := range g.correlationGroups {
		for _, s := range symbols {
			if s == symbol {
				return group
			}
		}
	}
	return ""
}

// RecordTradeClose feeds the kill switch: consecutive losing closes trip it.
func (g *Guard) RecordTradeClose(realizedPnL decimal.Decimal) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if realizedPnL.IsNegative() {
		g.consecutiveLosses++
		if g.KillSwitchThreshold > 0 && g.consecutiveLosses >= g.KillSwitchThreshold {
			g.killSwitchActive = true
			g.killSwitchReason = "consecutive_losses"
			g.logger.Warn("kill switch engaged", zap.Int("consecutive_losses", g.consecutiveLosses))
		}
	} else {
		g.consecutiveLosses = 0
	}
}

// ManualKillSwitch engages the kill switch immediately, e.g. from an
// operator API call.
func (g *Guard) ManualKillSwitch(reason string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.killSwitchActive = true
	g.killSwitchReason = reason
	g.logger.Warn("kill switch manually engaged", zap.String("reason", reason))
}

// DisableKillSwitch clears the kill switch and resets the loss streak.
func (g *Guard) DisableKillSwitch() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.killSwitchActive = false
	g.killSwitchReason = ""
	g.consecutiveLosses = 0
}

// IsKillSwitchActive reports the current kill-switch state.
func (g *Guard) IsKillSwitchActive() (bool, string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.killSwitchActive, g.killSwitchReason
}

// UTCDayBounds returns the [start, end) of the current UTC day. Nothing in
// the engine calls it; positionbook scopes its daily counters itself.
func UTCDayBounds(now time.Time) (start, end time.Time) {
	u := now.UTC()
	start = time.Date(u.Year(), u.Month(), u.Day(), 0, 0, 0, 0, time.UTC)
	return start, start.Add(24 * time.Hour)
}
