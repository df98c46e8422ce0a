package domain

// Action is the directional intent carried by an inbound signal.
type Action string

const (
	ActionBuy  Action = "buy"
	ActionSell Action = "sell"
	ActionHold Action = "hold"
)

// StrategyMode selects which ModeProcessor admits a signal and how
// conservatively it sizes the resulting order.
type StrategyMode string

const (
	ModeDeterministic StrategyMode = "deterministic"
	ModeMLLight       StrategyMode = "ml_light"
	ModeLLMReasoning  StrategyMode = "llm_reasoning"
)

// Strength is a coarse bucket the strategy reports; it multiplies into the
// scalar signal strength used for conflict arbitration.
type Strength string

const (
	StrengthWeak    Strength = "weak"
	StrengthMedium  Strength = "medium"
	StrengthStrong  Strength = "strong"
	StrengthExtreme Strength = "extreme"
)

// StrengthMultiplier is the §4.5 strength_mult table.
func StrengthMultiplier(s Strength) float64 {
	switch s {
	case StrengthWeak:
		return 0.5
	case StrengthStrong:
		return 1.5
	case StrengthExtreme:
		return 2.0
	default:
		return 1.0
	}
}

// ModeMultiplier is the §4.5 mode_mult table.
func ModeMultiplier(m StrategyMode) float64 {
	switch m {
	case ModeMLLight:
		return 1.2
	case ModeLLMReasoning:
		return 1.5
	default:
		return 1.0
	}
}

// PositionMode is an exchange account-level setting, not per-symbol.
type PositionMode string

const (
	PositionModeHedge  PositionMode = "hedge"
	PositionModeOneWay PositionMode = "one_way"
)

// PositionSide is which leg of a hedge-mode position an order applies to.
type PositionSide string

const (
	PositionSideLong  PositionSide = "LONG"
	PositionSideShort PositionSide = "SHORT"
)

// SideForAction maps buy->LONG, sell->SHORT per spec.md §3.
func SideForAction(a Action) PositionSide {
	if a == ActionSell {
		return PositionSideShort
	}
	return PositionSideLong
}

// OrderSide is the exchange order side, distinct from PositionSide.
type OrderSide string

const (
	OrderSideBuy  OrderSide = "buy"
	OrderSideSell OrderSide = "sell"
)

// OrderType enumerates the order types the pipeline can produce.
type OrderType string

const (
	OrderTypeMarket            OrderType = "market"
	OrderTypeLimit             OrderType = "limit"
	OrderTypeStop              OrderType = "stop"
	OrderTypeStopLimit         OrderType = "stop_limit"
	OrderTypeTakeProfit        OrderType = "take_profit"
	OrderTypeTakeProfitLimit   OrderType = "take_profit_limit"
)

// TimeInForce enumerates order time-in-force values.
type TimeInForce string

const (
	TimeInForceGTC TimeInForce = "GTC"
	TimeInForceIOC TimeInForce = "IOC"
	TimeInForceFOK TimeInForce = "FOK"
	TimeInForceGTX TimeInForce = "GTX"
)

// OrderStatus is the exchange-reported order lifecycle state.
type OrderStatus string

const (
	OrderStatusNew             OrderStatus = "NEW"
	OrderStatusPartiallyFilled OrderStatus = "PARTIALLY_FILLED"
	OrderStatusFilled          OrderStatus = "FILLED"
	OrderStatusCanceled        OrderStatus = "CANCELED"
	OrderStatusRejected        OrderStatus = "REJECTED"
	OrderStatusExpired         OrderStatus = "EXPIRED"
)

// IsPlaced reports whether status counts as a successful placement per
// spec.md §4.1/§9 decision: NEW and PARTIALLY_FILLED (resting on the book)
// and FILLED all count.
func (s OrderStatus) IsPlaced() bool {
	return s == OrderStatusNew || s == OrderStatusPartiallyFilled || s == OrderStatusFilled
}

// IsTerminalWithoutFill reports whether status ends the order's life with
// nothing filled.
func (s OrderStatus) IsTerminalWithoutFill() bool {
	return s == OrderStatusCanceled || s == OrderStatusRejected || s == OrderStatusExpired
}

// SignalDecision is the outcome of Aggregator.process / Dispatcher.Handle.
type SignalDecision string

const (
	DecisionExecuted      SignalDecision = "executed"
	DecisionRejected      SignalDecision = "rejected"
	DecisionPendingReview SignalDecision = "pending_review"
	DecisionExpired       SignalDecision = "expired"
	DecisionSimulated     SignalDecision = "simulated"
)

// PositionStatus is the Position lifecycle state.
type PositionStatus string

const (
	PositionStatusOpen   PositionStatus = "open"
	PositionStatusClosed PositionStatus = "closed"
)

// StrategyPositionStatus is the StrategyPosition lifecycle state.
type StrategyPositionStatus string

const (
	StrategyPositionOpen    StrategyPositionStatus = "open"
	StrategyPositionPartial StrategyPositionStatus = "partial"
	StrategyPositionClosed  StrategyPositionStatus = "closed"
)

// CloseReason explains why a StrategyPosition or Position closed.
type CloseReason string

const (
	CloseReasonTakeProfit CloseReason = "take_profit"
	CloseReasonStopLoss   CloseReason = "stop_loss"
	CloseReasonManual     CloseReason = "manual"
	CloseReasonPartial    CloseReason = "partial"
	CloseReasonLiquidation CloseReason = "liquidation"
)

// OcoPairStatus is the OcoPair lifecycle state.
type OcoPairStatus string

const (
	OcoPairActive    OcoPairStatus = "active"
	OcoPairCompleted OcoPairStatus = "completed"
	OcoPairCancelled OcoPairStatus = "cancelled"
)

// SameDirectionPolicy governs admission of multiple same-direction signals
// on one symbol.
type SameDirectionPolicy string

const (
	SameDirectionAccumulate      SameDirectionPolicy = "accumulate"
	SameDirectionStrongestWins   SameDirectionPolicy = "strongest_wins"
	SameDirectionRejectDuplicates SameDirectionPolicy = "reject_duplicates"
)

// ConflictPolicy governs admission of opposing-direction signals in
// one-way mode.
type ConflictPolicy string

const (
	ConflictStrongestWins        ConflictPolicy = "strongest_wins"
	ConflictFirstComeFirstServed ConflictPolicy = "first_come_first_served"
	ConflictWeightedAverage      ConflictPolicy = "weighted_average"
	ConflictManualReview         ConflictPolicy = "manual_review"
)
