// Package ingest decodes inbound signal envelopes shared by the Kafka
// consumer and the HTTP handler, per spec.md §6.1, and runs the Kafka
// consumption loop that feeds the dispatcher.
package ingest

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/nexusquant/trade-engine/internal/domain"
	"github.com/nexusquant/trade-engine/pkg/decimalx"
)

// rawSignal mirrors the JSON wire shape of spec.md §6.1; numeric fields
// accept either a JSON number or a string, since some strategy runners emit
// decimals as strings to avoid float round-trip loss.
type rawSignal struct {
	StrategyID      string          `json:"strategy_id"`
	StrategyMode    string          `json:"strategy_mode"`
	Symbol          string          `json:"symbol"`
	Action          string          `json:"action"`
	Confidence      json.Number     `json:"confidence"`
	Strength        string          `json:"strength"`
	CurrentPrice    json.Number     `json:"current_price"`
	TargetPrice     *json.Number    `json:"target_price"`
	Quantity        *json.Number    `json:"quantity"`
	StopLossPct     *json.Number    `json:"stop_loss_pct"`
	TakeProfitPct   *json.Number    `json:"take_profit_pct"`
	StopLoss        *json.Number    `json:"stop_loss"`
	TakeProfit      *json.Number    `json:"take_profit"`
	OrderType       string          `json:"order_type"`
	PositionSizePct *json.Number    `json:"position_size_pct"`
	Timeframe       string          `json:"timeframe"`
	Timestamp       any             `json:"timestamp"`
	Metadata        map[string]any  `json:"metadata"`
	ML              *rawMLFields    `json:"ml"`
	LLM             *rawLLMFields   `json:"llm"`
}

type rawMLFields struct {
	ModelConfidence *json.Number   `json:"model_confidence"`
	Features        map[string]any `json:"features"`
}

type rawLLMFields struct {
	ReasoningText string   `json:"reasoning_text"`
	Alternatives  []string `json:"alternatives"`
}

// DecodeSignalEnvelope parses one JSON signal envelope, shared verbatim by
// the HTTP handler and the Kafka consumer per spec.md §6.1.
func DecodeSignalEnvelope(body []byte, now time.Time) (domain.Signal, error) {
	var raw rawSignal
	if err := json.Unmarshal(body, &raw); err != nil {
		return domain.Signal{}, domain.NewValidationError("malformed signal envelope", err)
	}

	confidence, err := numberToDecimal(raw.Confidence)
	if err != nil {
		return domain.Signal{}, domain.NewValidationError("confidence: "+err.Error(), err)
	}
	currentPrice, err := numberToDecimal(raw.CurrentPrice)
	if err != nil {
		return domain.Signal{}, domain.NewValidationError("current_price: "+err.Error(), err)
	}

	ts, warning := domain.ParseTimestamp(raw.Timestamp, now)

	sig := domain.Signal{
		StrategyID:   raw.StrategyID,
		StrategyMode: domain.StrategyMode(raw.StrategyMode),
		Symbol:       raw.Symbol,
		Action:       domain.Action(raw.Action),
		Confidence:   confidence,
		Strength:     domain.Strength(raw.Strength),
		CurrentPrice: currentPrice,
		OrderType:    domain.OrderType(raw.OrderType),
		Timeframe:    raw.Timeframe,
		Timestamp:    ts,
		Metadata:     raw.Metadata,
		TimestampWarning: warning,
	}

	sig.TargetPrice, err = optionalDecimal(raw.TargetPrice)
	if err != nil {
		return domain.Signal{}, domain.NewValidationError("target_price: "+err.Error(), err)
	}
	sig.Quantity, err = optionalDecimal(raw.Quantity)
	if err != nil {
		return domain.Signal{}, domain.NewValidationError("quantity: "+err.Error(), err)
	}
	sig.StopLossPct, err = optionalDecimal(raw.StopLossPct)
	if err != nil {
		return domain.Signal{}, domain.NewValidationError("stop_loss_pct: "+err.Error(), err)
	}
	sig.TakeProfitPct, err = optionalDecimal(raw.TakeProfitPct)
	if err != nil {
		return domain.Signal{}, domain.NewValidationError("take_profit_pct: "+err.Error(), err)
	}
	sig.StopLoss, err = optionalDecimal(raw.StopLoss)
	if err != nil {
		return domain.Signal{}, domain.NewValidationError("stop_loss: "+err.Error(), err)
	}
	sig.TakeProfit, err = optionalDecimal(raw.TakeProfit)
	if err != nil {
		return domain.Signal{}, domain.NewValidationError("take_profit: "+err.Error(), err)
	}
	sig.PositionSizePct, err = optionalDecimal(raw.PositionSizePct)
	if err != nil {
		return domain.Signal{}, domain.NewValidationError("position_size_pct: "+err.Error(), err)
	}

	if raw.ML != nil {
		modelConf, err := optionalDecimal(raw.ML.ModelConfidence)
		if err != nil {
			return domain.Signal{}, domain.NewValidationError("ml.model_confidence: "+err.Error(), err)
		}
		sig.ML = &domain.MLFields{ModelConfidence: modelConf, Features: raw.ML.Features}
	}
	if raw.LLM != nil {
		sig.LLM = &domain.LLMFields{ReasoningText: raw.LLM.ReasoningText, Alternatives: raw.LLM.Alternatives}
	}

	if err := sig.Validate(); err != nil {
		return domain.Signal{}, err
	}
	return sig, nil
}

func numberToDecimal(n json.Number) (decimal.Decimal, error) {
	if n == "" {
		return decimal.Zero, fmt.Errorf("required numeric field missing")
	}
	return decimal.NewFromString(n.String())
}

func optionalDecimal(n *json.Number) (*decimal.Decimal, error) {
	if n == nil {
		return nil, nil
	}
	d, err := decimalx.CoerceNumeric(n.String())
	if err != nil {
		return nil, err
	}
	return &d, nil
}
