package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// TradeOrder is the derived, exchange-ready order produced from an admitted
// Signal, per spec.md §3.
type TradeOrder struct {
	OrderID      string      `json:"order_id"`
	Symbol       string      `json:"symbol"`
	Side         OrderSide   `json:"side"`
	Type         OrderType   `json:"type"`
	Amount       decimal.Decimal `json:"amount"`
	TargetPrice  decimal.Decimal `json:"target_price,omitempty"`
	TimeInForce  TimeInForce `json:"time_in_force"`

	PositionID   string       `json:"position_id"`
	PositionSide PositionSide `json:"position_side"`
	ReduceOnly   bool         `json:"reduce_only"`

	StopLoss        *decimal.Decimal `json:"stop_loss,omitempty"`
	TakeProfit      *decimal.Decimal `json:"take_profit,omitempty"`
	StrategyMetadata map[string]any  `json:"strategy_metadata,omitempty"`

	StrategyID string `json:"strategy_id"`
	CreatedAt  time.Time `json:"created_at"`
}

// UsesLimitPrice reports whether Type requires TargetPrice to be set.
func (t OrderType) UsesLimitPrice() bool {
	switch t {
	case OrderTypeLimit, OrderTypeStopLimit, OrderTypeTakeProfitLimit:
		return true
	default:
		return false
	}
}

// Validate enforces spec.md §3's TradeOrder invariants, excluding the
// min-notional check which requires symbol filters the gateway owns.
func (o TradeOrder) Validate() error {
	if o.Amount.LessThanOrEqual(decimal.Zero) {
		return NewValidationError("amount must be > 0", nil)
	}
	if o.Type.UsesLimitPrice() && o.TargetPrice.LessThanOrEqual(decimal.Zero) {
		return NewValidationError("target_price required for "+string(o.Type), nil)
	}
	if o.PositionSide != "" && o.ReduceOnly {
		return NewValidationError("reduce_only_not_required_in_hedge_mode", nil)
	}
	return nil
}

// FillResult is what the Exchange Gateway returns from place_order.
type FillResult struct {
	OrderID    string          `json:"order_id"`
	Status     OrderStatus     `json:"status"`
	FillPrice  decimal.Decimal `json:"fill_price"`
	FillQty    decimal.Decimal `json:"fill_qty"`
	Commission decimal.Decimal `json:"commission"`
}

// SymbolFilters are the exchange-reported trading rules for a symbol.
type SymbolFilters struct {
	Symbol      string          `json:"symbol"`
	StepSize    decimal.Decimal `json:"step_size"`
	TickSize    decimal.Decimal `json:"tick_size"`
	MinQty      decimal.Decimal `json:"min_qty"`
	MinNotional decimal.Decimal `json:"min_notional"`
	Precision   int32           `json:"precision"`
}
