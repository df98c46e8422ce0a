// Package aggregator implements the Signal Aggregator: the active-signal
// window, conflict detection/resolution, and mode-specific admission
// gating, per spec.md §4.5.
package aggregator

import (
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/nexusquant/trade-engine/internal/cfgx"
	"github.com/nexusquant/trade-engine/internal/domain"
)

// Decision is the result of processing one signal through the aggregator.
type Decision struct {
	Admit        bool
	Signal       domain.Signal // possibly mutated (action flip, quantity scale)
	Reason       string        // populated when !Admit or Status == pending_review
	Status       domain.SignalDecision
	Cancellations []string // strategy_ids whose active signal/resting orders must be cancelled
}

// Aggregator owns the active-signal window: one slot per strategy_id,
// evicted once older than max_signal_age_seconds. All mutation happens
// under the caller's per-symbol lock per spec.md §5.
type Aggregator struct {
	logger *zap.Logger

	mu     sync.Mutex
	window map[string]map[string]domain.Signal // symbol -> strategy_id -> signal

	processors map[domain.StrategyMode]ModeProcessor
}

func New(logger *zap.Logger) *Aggregator {
	a := &Aggregator{
		logger: logger.Named("aggregator"),
		window: map[string]map[string]domain.Signal{},
	}
	a.processors = map[domain.StrategyMode]ModeProcessor{
		domain.ModeDeterministic: DeterministicProcessor{},
		domain.ModeMLLight:       MLLightProcessor{},
		domain.ModeLLMReasoning:  LLMReasoningProcessor{},
	}
	return a
}

// Process implements spec.md §4.5 end to end: evict stale entries, detect
// conflicts per position_mode, apply the configured same/opposite
// direction policy, then run the mode processor. Caller must hold the
// per-symbol lock.
func (a *Aggregator) Process(sig domain.Signal, cfg cfgx.Config, now time.Time) Decision {
	a.mu.Lock()
	defer a.mu.Unlock()

	maxAge := time.Duration(cfg.Signal.MaxSignalAgeSeconds) * time.Second
	a.evictStaleLocked(sig.Symbol, now, maxAge)

	strategyWeight := 1.0
	if w, ok := cfg.Weights.StrategyWeights[sig.StrategyID]; ok {
		strategyWeight = w
	}
	strength := domain.StrengthScore(sig, strategyWeight)

	active := a.window[sig.Symbol]

	var decision Decision
	if cfg.Mode.PositionMode == string(domain.PositionModeOneWay) {
		decision = a.resolveOneWay(sig, strength, active, cfg)
	} else {
		decision = a.resolveHedge(sig, strength, active, cfg)
	}
	if !decision.Admit {
		return decision
	}

	proc, ok := a.processors[sig.StrategyMode]
	if !ok {
		proc = DeterministicProcessor{}
	}
	modeResult := proc.Process(decision.Signal, cfg)
	if !modeResult.Admit {
		return Decision{Admit: false, Signal: decision.Signal, Reason: modeResult.Reason, Status: domain.DecisionRejected}
	}
	decision.Signal = modeResult.Signal

	if decision.Status == "" {
		decision.Status = domain.DecisionExecuted
	}
	if decision.Status != domain.DecisionPendingReview {
		if a.window[sig.Symbol] == nil {
			a.window[sig.Symbol] = map[string]domain.Signal{}
		}
		a.window[sig.Symbol][sig.StrategyID] = decision.Signal
	}

	return decision
}

func (a *Aggregator) evictStaleLocked(symbol string, now time.Time, maxAge time.Duration) {
	bucket, ok := a.window[symbol]
	if !ok {
		return
	}
	for id, s := range bucket {
		if s.IsExpired(now, maxAge) {
			delete(bucket, id)
		}
	}
}

// resolveHedge implements spec.md §4.5's hedge-mode branch: opposite
// directions never conflict; only same-direction signals from different
// strategies go through the same-direction policy.
func (a *Aggregator) resolveHedge(sig domain.Signal, strength decimal.Decimal, active map[string]domain.Signal, cfg cfgx.Config) Decision {
	var sameDir []domain.Signal
	for id, s := range active {
		if id == sig.StrategyID {
			continue
		}
		if s.Action == sig.Action {
			sameDir = append(sameDir, s)
		}
	}
	return applySameDirectionPolicy(sig, strength, sameDir, cfg)
}

// resolveOneWay implements spec.md §4.5's one-way branch: any opposite
// action on the same symbol is a conflict, arbitrated by
// signal_conflict_resolution; same-direction signals still go through the
// same-direction policy.
func (a *Aggregator) resolveOneWay(sig domain.Signal, strength decimal.Decimal, active map[string]domain.Signal, cfg cfgx.Config) Decision {
	var sameDir, opposing []domain.Signal
	for id, s := range active {
		if id == sig.StrategyID {
			continue
		}
		if s.Action == oppositeAction(sig.Action) {
			opposing = append(opposing, s)
		} else if s.Action == sig.Action {
			sameDir = append(sameDir, s)
		}
	}

	if len(opposing) > 0 {
		d := applyOppositeDirectionPolicy(sig, strength, opposing, cfg)
		if !d.Admit || d.Status == domain.DecisionPendingReview {
			return d
		}
		sig = d.Signal
	}

	return applySameDirectionPolicy(sig, strength, sameDir, cfg)
}

func applySameDirectionPolicy(sig domain.Signal, strength decimal.Decimal, sameDir []domain.Signal, cfg cfgx.Config) Decision {
	switch domain.SameDirectionPolicy(cfg.Signal.SameDirectionConflictResolution) {
	case domain.SameDirectionRejectDuplicates:
		if len(sameDir) > 0 {
			return Decision{Admit: false, Signal: sig, Reason: "reject_duplicates: active same-direction signal exists", Status: domain.DecisionRejected}
		}
	case domain.SameDirectionStrongestWins:
		for _, other := range sameDir {
			otherStrength := domain.StrengthScore(other, 1.0)
			if otherStrength.GreaterThanOrEqual(strength) {
				return Decision{Admit: false, Signal: sig, Reason: "strongest_wins: weaker than active same-direction signal", Status: domain.DecisionRejected}
			}
		}
	case domain.SameDirectionAccumulate:
		// admit both, no-op
	default:
		// unknown policy: default to accumulate rather than silently reject
	}
	return Decision{Admit: true, Signal: sig}
}

func applyOppositeDirectionPolicy(sig domain.Signal, strength decimal.Decimal, opposing []domain.Signal, cfg cfgx.Config) Decision {
	policy := domain.ConflictPolicy(cfg.Signal.SignalConflictResolution)
	switch policy {
	case domain.ConflictFirstComeFirstServed:
		return Decision{Admit: false, Signal: sig, Reason: "first_come_first_served: opposing signal already active", Status: domain.DecisionRejected}

	case domain.ConflictManualReview:
		return Decision{Admit: true, Signal: sig, Status: domain.DecisionPendingReview, Reason: "manual_review: opposing signal active"}

	case domain.ConflictWeightedAverage:
		sum := strength.Mul(actionValue(sig.Action))
		totalStrength := strength
		for _, o := range opposing {
			os := domain.StrengthScore(o, 1.0)
			sum = sum.Add(os.Mul(actionValue(o.Action)))
			totalStrength = totalStrength.Add(os)
		}
		if totalStrength.IsZero() {
			return Decision{Admit: true, Signal: sig}
		}
		result := sum.Div(totalStrength)
		threshold := decimal.NewFromFloat(0.3)
		switch {
		case result.GreaterThan(threshold):
			sig.Action = domain.ActionBuy
		case result.LessThan(threshold.Neg()):
			sig.Action = domain.ActionSell
		default:
			sig.Action = domain.ActionHold
		}
		return Decision{Admit: true, Signal: sig}

	case domain.ConflictStrongestWins:
		fallthrough
	default:
		var cancels []string
		for _, o := range opposing {
			if domain.StrengthScore(o, 1.0).GreaterThanOrEqual(strength) {
				return Decision{Admit: false, Signal: sig, Reason: "strongest_wins: weaker than opposing active signal", Status: domain.DecisionRejected}
			}
			cancels = append(cancels, o.StrategyID)
		}
		return Decision{Admit: true, Signal: sig, Cancellations: cancels}
	}
}

func oppositeAction(a domain.Action) domain.Action {
	switch a {
	case domain.ActionBuy:
		return domain.ActionSell
	case domain.ActionSell:
		return domain.ActionBuy
	default:
		return domain.ActionHold
	}
}

func actionValue(a domain.Action) decimal.Decimal {
	switch a {
	case domain.ActionBuy:
		return decimal.NewFromInt(1)
	case domain.ActionSell:
		return decimal.NewFromInt(-1)
	default:
		return decimal.Zero
	}
}

// Active returns a snapshot of the active signals for a symbol, for
// diagnostics/status endpoints.
func (a *Aggregator) Active(symbol string) map[string]domain.Signal {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make(map[string]domain.Signal, len(a.window[symbol]))
	for k, v := range a.window[symbol] {
		out[k] = v
	}
	return out
}
