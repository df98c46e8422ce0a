package domain

// ResponseEnvelope is returned to both the HTTP caller and logged for the
// Kafka-sourced path, per spec.md §6.1.
type ResponseEnvelope struct {
	Status             SignalDecision `json:"status"`
	Reason             string         `json:"reason,omitempty"`
	OrderID            *string        `json:"order_id"`
	PositionID         *string        `json:"position_id"`
	StrategyPositionID *string        `json:"strategy_position_id"`
	Fills              []FillSummary  `json:"fills"`
}

// FillSummary is one entry of ResponseEnvelope.Fills.
type FillSummary struct {
	Price      string `json:"price"`
	Qty        string `json:"qty"`
	Commission string `json:"commission"`
}

func RejectedEnvelope(reason string) ResponseEnvelope {
	return ResponseEnvelope{Status: DecisionRejected, Reason: reason}
}

func SimulatedEnvelope(reason string) ResponseEnvelope {
	return ResponseEnvelope{Status: DecisionSimulated, Reason: reason}
}

func PendingReviewEnvelope(reason string) ResponseEnvelope {
	return ResponseEnvelope{Status: DecisionPendingReview, Reason: reason}
}
