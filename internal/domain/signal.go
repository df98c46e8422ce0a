package domain

import (
	"fmt"
	"strconv"
	"time"

	"github.com/shopspring/decimal"
)

// MLFields carries the structured fields an ML_LIGHT strategy attaches to a
// signal. Set whenever the envelope carries an "ml" object, whatever the
// StrategyMode.
type MLFields struct {
	ModelConfidence *decimal.Decimal `json:"model_confidence,omitempty"`
	Features        map[string]any   `json:"features,omitempty"`
}

// LLMFields carries the structured fields an LLM_REASONING strategy attaches
// to a signal. Set whenever the envelope carries an "llm" object, whatever
// the StrategyMode.
type LLMFields struct {
	ReasoningText string   `json:"reasoning_text,omitempty"`
	Alternatives  []string `json:"alternatives,omitempty"`
}

// Signal is the inbound unit the system ingests from either the message bus
// or the HTTP API, per spec.md §3 and §6.1.
type Signal struct {
	StrategyID   string       `json:"strategy_id"`
	StrategyMode StrategyMode `json:"strategy_mode"`
	Symbol       string       `json:"symbol"`
	Action       Action       `json:"action"`
	Confidence   decimal.Decimal `json:"confidence"`
	Strength     Strength     `json:"strength"`

	CurrentPrice  decimal.Decimal  `json:"current_price"`
	TargetPrice   *decimal.Decimal `json:"target_price,omitempty"`
	Quantity      *decimal.Decimal `json:"quantity,omitempty"`
	StopLossPct   *decimal.Decimal `json:"stop_loss_pct,omitempty"`
	TakeProfitPct *decimal.Decimal `json:"take_profit_pct,omitempty"`
	StopLoss      *decimal.Decimal `json:"stop_loss,omitempty"`
	TakeProfit    *decimal.Decimal `json:"take_profit,omitempty"`
	OrderType     OrderType        `json:"order_type"`
	PositionSizePct *decimal.Decimal `json:"position_size_pct,omitempty"`

	Timeframe string         `json:"timeframe"`
	Timestamp time.Time      `json:"timestamp"`
	Metadata  map[string]any `json:"metadata,omitempty"`

	ML  *MLFields  `json:"ml,omitempty"`
	LLM *LLMFields `json:"llm,omitempty"`

	// TimestampWarning is set when Timestamp could not be parsed and the
	// wall clock was substituted; never a rejection reason.
	TimestampWarning string `json:"-"`
}

// ParseTimestamp parses an ISO-8601 string or epoch-seconds number. Per
// spec.md §3: invalid values never reject the signal; they warn and fall
// back to wall clock.
func ParseTimestamp(raw any, now time.Time) (time.Time, string) {
	switch v := raw.(type) {
	case nil:
		return now, "timestamp missing, using receipt time"
	case string:
		if v == "" {
			return now, "timestamp empty, using receipt time"
		}
		if t, err := time.Parse(time.RFC3339, v); err == nil {
			return t, ""
		}
		if t, err := time.Parse(time.RFC3339Nano, v); err == nil {
			return t, ""
		}
		if secs, err := strconv.ParseFloat(v, 64); err == nil {
			if t, ok := epochToTime(secs); ok {
				return t, ""
			}
		}
		return now, fmt.Sprintf("timestamp %q unparseable, using receipt time", v)
	case float64:
		if t, ok := epochToTime(v); ok {
			return t, ""
		}
		return now, fmt.Sprintf("timestamp %v out of reasonable range, using receipt time", v)
	case int64:
		return epochToTimeOrNow(float64(v), now)
	default:
		return now, "timestamp of unrecognized type, using receipt time"
	}
}

func epochToTimeOrNow(secs float64, now time.Time) (time.Time, string) {
	if t, ok := epochToTime(secs); ok {
		return t, ""
	}
	return now, fmt.Sprintf("timestamp %v out of reasonable range, using receipt time", secs)
}

// epochToTime accepts seconds or milliseconds since epoch and sanity-checks
// the result falls within a century of now; garbage like "99" must not
// produce a bogus instant.
func epochToTime(secs float64) (time.Time, bool) {
	if secs > 1e14 || secs < -1e14 {
		return time.Time{}, false
	}
	t := time.Unix(int64(secs), 0)
	if secs > 1e11 || secs < -1e11 {
		// looks like milliseconds
		t = time.UnixMilli(int64(secs))
	}
	lower := time.Now().AddDate(-50, 0, 0)
	upper := time.Now().AddDate(50, 0, 0)
	if t.Before(lower) || t.After(upper) {
		return time.Time{}, false
	}
	return t, true
}

// IsExpired reports whether the signal is older than maxAge relative to now.
func (s Signal) IsExpired(now time.Time, maxAge time.Duration) bool {
	return now.Sub(s.Timestamp) > maxAge
}

// Validate enforces spec.md §3's Signal invariants. Timestamp validity is
// handled separately by ParseTimestamp and never rejects.
func (s Signal) Validate() error {
	if s.StrategyID == "" {
		return NewValidationError("strategy_id required", nil)
	}
	if s.Symbol == "" {
		return NewValidationError("symbol required", nil)
	}
	switch s.Action {
	case ActionBuy, ActionSell, ActionHold:
	default:
		return NewValidationError("action must be buy, sell, or hold", nil)
	}
	if s.Confidence.LessThan(decimal.Zero) || s.Confidence.GreaterThan(decimal.NewFromInt(1)) {
		return NewValidationError("confidence must be in [0,1]", nil)
	}
	if s.CurrentPrice.LessThanOrEqual(decimal.Zero) {
		return NewValidationError("current_price must be > 0", nil)
	}
	return nil
}

// StrengthScore computes the scalar used for conflict arbitration per spec.md
// §4.5: confidence * strategy_weight * strength_mult * mode_mult.
func StrengthScore(s Signal, strategyWeight float64) decimal.Decimal {
	mult := StrengthMultiplier(s.Strength) * ModeMultiplier(s.StrategyMode) * strategyWeight
	return s.Confidence.Mul(decimal.NewFromFloat(mult))
}
