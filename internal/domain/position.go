package domain

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// PositionKey identifies a physical exchange position by (symbol, side).
type PositionKey struct {
	Symbol string
	Side   PositionSide
}

func (k PositionKey) String() string {
	return fmt.Sprintf("%s_%s", k.Symbol, k.Side)
}

// ExchangePositionKey formats the key the way spec.md §3 names it:
// "{symbol}_{side}".
func ExchangePositionKey(symbol string, side PositionSide) string {
	return PositionKey{Symbol: symbol, Side: side}.String()
}

// Position is the physical exchange position keyed by (symbol, side),
// per spec.md §3.
type Position struct {
	Symbol     string       `json:"symbol"`
	Side       PositionSide `json:"side"`
	Quantity   decimal.Decimal `json:"quantity"`
	EntryPrice decimal.Decimal `json:"entry_price"`

	RealizedPnL   decimal.Decimal `json:"realized_pnl"`
	UnrealizedPnL decimal.Decimal `json:"unrealized_pnl"`
	CommissionAccrued decimal.Decimal `json:"commission_accrued"`

	Status PositionStatus `json:"status"`

	StopLossOrderID   string `json:"stop_loss_order_id,omitempty"`
	TakeProfitOrderID string `json:"take_profit_order_id,omitempty"`

	EntryTime time.Time  `json:"entry_time"`
	ExitTime  *time.Time `json:"exit_time,omitempty"`
	ExitPrice *decimal.Decimal `json:"exit_price,omitempty"`
}

func (p Position) Key() PositionKey { return PositionKey{Symbol: p.Symbol, Side: p.Side} }

func (p Position) IsLong() bool { return p.Side == PositionSideLong }

// UpdateUnrealizedPnL recomputes UnrealizedPnL from the last known mark
// price; called whenever a fresh mark price is available.
func (p *Position) UpdateUnrealizedPnL(markPrice decimal.Decimal) {
	p.UnrealizedPnL = pnlFor(p.EntryPrice, markPrice, p.Quantity, p.IsLong())
}

func pnlFor(entry, exit, qty decimal.Decimal, isLong bool) decimal.Decimal {
	diff := exit.Sub(entry)
	if !isLong {
		diff = diff.Neg()
	}
	return diff.Mul(qty)
}

// ExchangePosition is the aggregate view of a physical position across all
// contributing strategies, per spec.md §3.
type ExchangePosition struct {
	Key                string          `json:"key"`
	Symbol             string          `json:"symbol"`
	Side               PositionSide    `json:"side"`
	CurrentQuantity    decimal.Decimal `json:"current_quantity"`
	WeightedAvgEntry   decimal.Decimal `json:"weighted_avg_entry"`
	UnrealizedPnL      decimal.Decimal `json:"unrealized_pnl"`
	ContributingStrategies []string    `json:"contributing_strategies"`
	TotalContributions int             `json:"total_contributions"`
	Status             PositionStatus  `json:"status"`
}

// PositionContribution is a ledger row attributing a portion of a physical
// position to a single strategy's entry, per spec.md §3.
type PositionContribution struct {
	ContributionID      string          `json:"contribution_id"`
	StrategyPositionID  string          `json:"strategy_position_id"`
	ExchangePositionKey string          `json:"exchange_position_key"`
	Quantity            decimal.Decimal `json:"quantity"`
	EntryPrice          decimal.Decimal `json:"entry_price"`
	PositionSequence    int             `json:"position_sequence"`
	ExchangeQtyBefore   decimal.Decimal `json:"exchange_qty_before"`
	ExchangeQtyAfter    decimal.Decimal `json:"exchange_qty_after"`
	Status              StrategyPositionStatus `json:"status"`

	ClosedAt    *time.Time       `json:"closed_at,omitempty"`
	ExitPrice   *decimal.Decimal `json:"exit_price,omitempty"`
	RealizedPnL *decimal.Decimal `json:"realized_pnl,omitempty"`
	CloseReason CloseReason      `json:"close_reason,omitempty"`
}
