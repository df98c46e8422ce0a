package domain_test

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/nexusquant/trade-engine/internal/domain"
)

func TestParseTimestampRFC3339(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	ts, warning := domain.ParseTimestamp("2025-06-01T12:00:00Z", now)
	if warning != "" {
		t.Fatalf("expected no warning, got %q", warning)
	}
	if !ts.Equal(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)) {
		t.Fatalf("unexpected parsed time: %v", ts)
	}
}

func TestParseTimestampFallsBackOnGarbage(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	ts, warning := domain.ParseTimestamp("not-a-timestamp", now)
	if warning == "" {
		t.Fatal("expected a warning for unparseable timestamp")
	}
	if !ts.Equal(now) {
		t.Fatalf("expected fallback to now, got %v", ts)
	}
}

func TestParseTimestampEpochMillis(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	want := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
	ts, warning := domain.ParseTimestamp(float64(want.UnixMilli()), now)
	if warning != "" {
		t.Fatalf("expected no warning, got %q", warning)
	}
	if ts.Unix() != want.Unix() {
		t.Fatalf("expected %v, got %v", want, ts)
	}
}

func TestParseTimestampMissing(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	ts, warning := domain.ParseTimestamp(nil, now)
	if warning == "" {
		t.Fatal("expected a warning when timestamp is missing")
	}
	if !ts.Equal(now) {
		t.Fatalf("expected fallback to now, got %v", ts)
	}
}

func TestSignalValidate(t *testing.T) {
	base := domain.Signal{
		StrategyID:   "momentum-1",
		Symbol:       "BTCUSDT",
		Action:       domain.ActionBuy,
		Confidence:   decimal.NewFromFloat(0.8),
		CurrentPrice: decimal.NewFromInt(60000),
	}

	if err := base.Validate(); err != nil {
		t.Fatalf("expected valid signal, got %v", err)
	}

	cases := []struct {
		name   string
		mutate func(*domain.Signal)
	}{
		{"missing strategy id", func(s *domain.Signal) { s.StrategyID = "" }},
		{"missing symbol", func(s *domain.Signal) { s.Symbol = "" }},
		{"bad action", func(s *domain.Signal) { s.Action = "buy_hard" }},
		{"confidence too high", func(s *domain.Signal) { s.Confidence = decimal.NewFromFloat(1.5) }},
		{"confidence negative", func(s *domain.Signal) { s.Confidence = decimal.NewFromFloat(-0.1) }},
		{"zero price", func(s *domain.Signal) { s.CurrentPrice = decimal.Zero }},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			sig := base
			tc.mutate(&sig)
			if err := sig.Validate(); err == nil {
				t.Fatal("expected validation error")
			}
		})
	}
}

func TestIsExpired(t *testing.T) {
	sig := domain.Signal{Timestamp: time.Now().Add(-10 * time.Minute)}
	if !sig.IsExpired(time.Now(), 5*time.Minute) {
		t.Fatal("expected signal to be expired")
	}
	if sig.IsExpired(time.Now(), time.Hour) {
		t.Fatal("expected signal to not be expired against a longer max age")
	}
}

func TestStrengthScoreOrdering(t *testing.T) {
	weak := domain.Signal{Confidence: decimal.NewFromFloat(0.8), Strength: domain.StrengthWeak, StrategyMode: domain.ModeDeterministic}
	extreme := domain.Signal{Confidence: decimal.NewFromFloat(0.8), Strength: domain.StrengthExtreme, StrategyMode: domain.ModeDeterministic}

	weakScore := domain.StrengthScore(weak, 1.0)
	extremeScore := domain.StrengthScore(extreme, 1.0)

	if !extremeScore.GreaterThan(weakScore) {
		t.Fatalf("expected extreme signal to score higher: weak=%s extreme=%s", weakScore, extremeScore)
	}
}
