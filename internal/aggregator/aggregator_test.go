package aggregator_test

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/nexusquant/trade-engine/internal/aggregator"
	"github.com/nexusquant/trade-engine/internal/cfgx"
	"github.com/nexusquant/trade-engine/internal/domain"
)

func baseSignal(strategyID string, action domain.Action) domain.Signal {
	return domain.Signal{
		StrategyID:   strategyID,
		Symbol:       "BTCUSDT",
		Action:       action,
		StrategyMode: domain.ModeDeterministic,
		Strength:     domain.StrengthMedium,
		Confidence:   decimal.NewFromFloat(0.8),
		CurrentPrice: decimal.NewFromInt(60000),
		Timestamp:    time.Now(),
	}
}

func hedgeConfig() cfgx.Config {
	cfg := cfgx.Default()
	cfg.Mode.PositionMode = string(domain.PositionModeHedge)
	return cfg
}

func oneWayConfig() cfgx.Config {
	cfg := cfgx.Default()
	cfg.Mode.PositionMode = string(domain.PositionModeOneWay)
	cfg.Signal.SignalConflictResolution = string(domain.ConflictStrongestWins)
	return cfg
}

// In hedge mode, opposite-direction signals on the same symbol from
// different strategies never conflict — both admit independently.
func TestHedgeModeAdmitsOppositeDirections(t *testing.T) {
	agg := aggregator.New(zap.NewNop())
	cfg := hedgeConfig()

	buy := agg.Process(baseSignal("momentum-1", domain.ActionBuy), cfg, time.Now())
	if !buy.Admit {
		t.Fatalf("expected buy to admit, reason: %s", buy.Reason)
	}

	sell := agg.Process(baseSignal("mean-reversion-1", domain.ActionSell), cfg, time.Now())
	if !sell.Admit {
		t.Fatalf("expected sell to admit in hedge mode, reason: %s", sell.Reason)
	}
}

// In one-way mode with strongest_wins, a weaker opposing signal is
// rejected and a stronger one cancels the existing active signal.
func TestOneWayStrongestWinsRejectsWeaker(t *testing.T) {
	agg := aggregator.New(zap.NewNop())
	cfg := oneWayConfig()

	strong := baseSignal("momentum-1", domain.ActionBuy)
	strong.Strength = domain.StrengthExtreme
	if d := agg.Process(strong, cfg, time.Now()); !d.Admit {
		t.Fatalf("expected strong signal to admit, reason: %s", d.Reason)
	}

	weak := baseSignal("mean-reversion-1", domain.ActionSell)
	weak.Strength = domain.StrengthWeak
	d := agg.Process(weak, cfg, time.Now())
	if d.Admit {
		t.Fatal("expected weaker opposing signal to be rejected")
	}
	if d.Status != domain.DecisionRejected {
		t.Fatalf("expected rejected status, got %s", d.Status)
	}
}

func TestOneWayStrongestWinsCancelsWeakerActive(t *testing.T) {
	agg := aggregator.New(zap.NewNop())
	cfg := oneWayConfig()

	weak := baseSignal("mean-reversion-1", domain.ActionSell)
	weak.Strength = domain.StrengthWeak
	if d := agg.Process(weak, cfg, time.Now()); !d.Admit {
		t.Fatalf("expected weak signal to admit first, reason: %s", d.Reason)
	}

	strong := baseSignal("momentum-1", domain.ActionBuy)
	strong.Strength = domain.StrengthExtreme
	d := agg.Process(strong, cfg, time.Now())
	if !d.Admit {
		t.Fatalf("expected stronger opposing signal to admit, reason: %s", d.Reason)
	}
	if len(d.Cancellations) != 1 || d.Cancellations[0] != "mean-reversion-1" {
		t.Fatalf("expected mean-reversion-1 to be cancelled, got %v", d.Cancellations)
	}
}

func TestSameDirectionRejectDuplicates(t *testing.T) {
	agg := aggregator.New(zap.NewNop())
	cfg := hedgeConfig()
	cfg.Signal.SameDirectionConflictResolution = string(domain.SameDirectionRejectDuplicates)

	if d := agg.Process(baseSignal("momentum-1", domain.ActionBuy), cfg, time.Now()); !d.Admit {
		t.Fatalf("expected first signal to admit, reason: %s", d.Reason)
	}
	d := agg.Process(baseSignal("momentum-2", domain.ActionBuy), cfg, time.Now())
	if d.Admit {
		t.Fatal("expected duplicate same-direction signal to be rejected")
	}
}

func TestDeterministicModeRejectsBelowConfidenceFloor(t *testing.T) {
	agg := aggregator.New(zap.NewNop())
	cfg := hedgeConfig()
	cfg.Signal.MinConfidenceThreshold = 0.6

	sig := baseSignal("momentum-1", domain.ActionBuy)
	sig.Confidence = decimal.NewFromFloat(0.2)

	d := agg.Process(sig, cfg, time.Now())
	if d.Admit {
		t.Fatal("expected low-confidence signal to be rejected")
	}
}

func TestEvictsStaleSignalsFromWindow(t *testing.T) {
	agg := aggregator.New(zap.NewNop())
	cfg := hedgeConfig()
	cfg.Signal.MaxSignalAgeSeconds = 1
	cfg.Signal.SameDirectionConflictResolution = string(domain.SameDirectionRejectDuplicates)

	old := baseSignal("momentum-1", domain.ActionBuy)
	old.Timestamp = time.Now().Add(-10 * time.Second)
	if d := agg.Process(old, cfg, old.Timestamp); !d.Admit {
		t.Fatalf("expected old signal to admit at its own time, reason: %s", d.Reason)
	}

	fresh := baseSignal("momentum-2", domain.ActionBuy)
	fresh.Timestamp = time.Now()
	d := agg.Process(fresh, cfg, time.Now())
	if !d.Admit {
		t.Fatalf("expected fresh signal to admit after stale eviction, reason: %s", d.Reason)
	}
}
