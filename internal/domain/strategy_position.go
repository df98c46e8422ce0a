package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// StrategyPosition is the virtual, per-strategy position layered over a
// physical ExchangePosition, per spec.md §3. PnL is always computed against
// this position's own EntryPrice, never the physical position's weighted
// average — the single most important invariant of this subsystem.
type StrategyPosition struct {
	StrategyPositionID  string `json:"strategy_position_id"`
	StrategyID          string `json:"strategy_id"`
	Symbol              string `json:"symbol"`
	Side                PositionSide `json:"side"`

	EntryPrice decimal.Decimal `json:"entry_price"`
	Quantity   decimal.Decimal `json:"quantity"`
	EntryTime  time.Time       `json:"entry_time"`

	TakeProfit decimal.Decimal `json:"take_profit,omitempty"`
	StopLoss   decimal.Decimal `json:"stop_loss,omitempty"`

	Status      StrategyPositionStatus `json:"status"`
	CloseReason CloseReason            `json:"close_reason,omitempty"`

	ExitPrice   *decimal.Decimal `json:"exit_price,omitempty"`
	ExitTime    *time.Time       `json:"exit_time,omitempty"`
	RealizedPnL *decimal.Decimal `json:"realized_pnl,omitempty"`

	ExchangePositionKey string `json:"exchange_position_key"`
}

// Close marks the strategy position closed and computes PnL against its own
// entry price, per spec.md §4.3 and §4.4 step 3.
func (sp *StrategyPosition) Close(exitPrice decimal.Decimal, exitTime time.Time, reason CloseReason) {
	pnl := pnlFor(sp.EntryPrice, exitPrice, sp.Quantity, sp.Side == PositionSideLong)
	sp.Status = StrategyPositionClosed
	sp.CloseReason = reason
	sp.ExitPrice = &exitPrice
	sp.ExitTime = &exitTime
	sp.RealizedPnL = &pnl
}

// OcoPair is one SL/TP pair attributed to a single strategy position,
// per spec.md §3 and §4.4.
type OcoPair struct {
	ExchangePositionKey string `json:"exchange_position_key"`
	StrategyPositionID  string `json:"strategy_position_id"`
	EntryPrice          decimal.Decimal `json:"entry_price"`
	Quantity            decimal.Decimal `json:"quantity"`
	SLOrderID           string `json:"sl_order_id,omitempty"`
	TPOrderID           string `json:"tp_order_id,omitempty"`
	Status              OcoPairStatus `json:"status"`
	CreatedAt           time.Time     `json:"created_at"`
}

// IsLong reports the side of the owning strategy position.
func (p OcoPair) IsLong(side PositionSide) bool { return side == PositionSideLong }
