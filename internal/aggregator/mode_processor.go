package aggregator

import (
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/nexusquant/trade-engine/internal/cfgx"
	"github.com/nexusquant/trade-engine/internal/domain"
)

// ModeResult is the outcome of a ModeProcessor's admission gate.
type ModeResult struct {
	Admit  bool
	Signal domain.Signal
	Reason string
}

// ModeProcessor gates and scales a signal per its strategy_mode, per
// spec.md §4.5. Generalizes the single weighted-average calculation a
// strategy-mode-unaware aggregator would otherwise need, into one
// implementation per mode.
type ModeProcessor interface {
	Process(sig domain.Signal, cfg cfgx.Config) ModeResult
}

// DeterministicProcessor rejects below the global confidence floor and
// scales quantity linearly by confidence.
type DeterministicProcessor struct{}

func (DeterministicProcessor) Process(sig domain.Signal, cfg cfgx.Config) ModeResult {
	threshold := cfg.Signal.MinConfidenceThreshold
	if threshold <= 0 {
		threshold = 0.6
	}
	conf, _ := sig.Confidence.Float64()
	if conf < threshold {
		return ModeResult{Admit: false, Signal: sig, Reason: fmt.Sprintf("confidence %.2f below min_confidence_threshold %.2f", conf, threshold)}
	}
	sig = scaleQuantity(sig, sig.Confidence)
	return ModeResult{Admit: true, Signal: sig}
}

// MLLightProcessor applies the same confidence floor, plus an additional
// gate on model_confidence when present, and scales quantity by
// 0.5 + 0.5*model_confidence.
type MLLightProcessor struct{}

func (MLLightProcessor) Process(sig domain.Signal, cfg cfgx.Config) ModeResult {
	threshold := cfg.Signal.MinConfidenceThreshold
	if threshold <= 0 {
		threshold = 0.6
	}
	conf, _ := sig.Confidence.Float64()
	if conf < threshold {
		return ModeResult{Admit: false, Signal: sig, Reason: fmt.Sprintf("confidence %.2f below min_confidence_threshold %.2f", conf, threshold)}
	}

	scaleFactor := sig.Confidence
	if sig.ML != nil && sig.ML.ModelConfidence != nil {
		modelConf := *sig.ML.ModelConfidence
		if modelConf.LessThan(decimal.NewFromFloat(threshold)) {
			mc, _ := modelConf.Float64()
			return ModeResult{Admit: false, Signal: sig, Reason: fmt.Sprintf("model_confidence %.2f below threshold %.2f", mc, threshold)}
		}
		scaleFactor = decimal.NewFromFloat(0.5).Add(decimal.NewFromFloat(0.5).Mul(modelConf))
	}

	sig = scaleQuantity(sig, scaleFactor)
	return ModeResult{Admit: true, Signal: sig}
}

// LLMReasoningProcessor applies a stricter confidence gate (0.7), scales
// quantity down conservatively (×0.5), and records the reasoning text in
// metadata for audit.
type LLMReasoningProcessor struct{}

const llmConfidenceThreshold = 0.7

func (LLMReasoningProcessor) Process(sig domain.Signal, cfg cfgx.Config) ModeResult {
	conf, _ := sig.Confidence.Float64()
	if conf < llmConfidenceThreshold {
		return ModeResult{Admit: false, Signal: sig, Reason: fmt.Sprintf("confidence %.2f below llm_reasoning threshold %.2f", conf, llmConfidenceThreshold)}
	}

	sig = scaleQuantity(sig, decimal.NewFromFloat(0.5))
	if sig.LLM != nil && sig.LLM.ReasoningText != "" {
		if sig.Metadata == nil {
			sig.Metadata = map[string]any{}
		}
		sig.Metadata["reasoning_text"] = sig.LLM.ReasoningText
	}
	return ModeResult{Admit: true, Signal: sig}
}

// scaleQuantity multiplies the signal's explicit quantity, if set, by
// factor; position_size_pct-derived sizing (when Quantity is nil) is left
// to the dispatcher's signal_to_order step, which already applies
// confidence via the sizing formula in spec.md §4.6.
func scaleQuantity(sig domain.Signal, factor decimal.Decimal) domain.Signal {
	if sig.Quantity != nil {
		scaled := sig.Quantity.Mul(factor)
		sig.Quantity = &scaled
	}
	return sig
}
