package ingest_test

import (
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/nexusquant/trade-engine/internal/domain"
	"github.com/nexusquant/trade-engine/internal/ingest"
)

func TestDecodeSignalEnvelopeHappyPath(t *testing.T) {
	now := time.Date(2026, 7, 30, 12, 0, 0, 0, time.UTC)
	body := []byte(`{
		"strategy_id": "momentum-1",
		"strategy_mode": "deterministic",
		"symbol": "BTCUSDT",
		"action": "buy",
		"confidence": 0.85,
		"strength": "strong",
		"current_price": "60000.50",
		"target_price": 60500,
		"quantity": "0.1",
		"timestamp": "2026-07-30T12:00:00Z"
	}`)

	sig, err := ingest.DecodeSignalEnvelope(body, now)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if sig.StrategyID != "momentum-1" || sig.Symbol != "BTCUSDT" {
		t.Fatalf("unexpected decoded signal: %+v", sig)
	}
	if sig.TargetPrice == nil || !sig.TargetPrice.Equal(decimal.NewFromInt(60500)) {
		t.Fatalf("expected target_price 60500, got %v", sig.TargetPrice)
	}
	if sig.TimestampWarning != "" {
		t.Fatalf("expected no timestamp warning, got %q", sig.TimestampWarning)
	}
}

func TestDecodeSignalEnvelopeMalformedJSONErrors(t *testing.T) {
	_, err := ingest.DecodeSignalEnvelope([]byte(`not json`), time.Now())
	if err == nil {
		t.Fatal("expected an error for malformed JSON")
	}
}

func TestDecodeSignalEnvelopeMissingConfidenceErrors(t *testing.T) {
	body := []byte(`{"strategy_id":"a","symbol":"BTCUSDT","action":"buy","strength":"strong","current_price":"100"}`)
	_, err := ingest.DecodeSignalEnvelope(body, time.Now())
	if err == nil {
		t.Fatal("expected an error for missing confidence")
	}
}

func TestDecodeSignalEnvelopeUnparseableTimestampWarnsButDoesNotReject(t *testing.T) {
	now := time.Date(2026, 7, 30, 12, 0, 0, 0, time.UTC)
	body := []byte(`{
		"strategy_id": "momentum-1",
		"symbol": "BTCUSDT",
		"action": "buy",
		"confidence": 0.85,
		"strength": "strong",
		"current_price": "100",
		"timestamp": "not-a-timestamp"
	}`)

	sig, err := ingest.DecodeSignalEnvelope(body, now)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if sig.TimestampWarning == "" {
		t.Fatal("expected a timestamp warning")
	}
	if !sig.Timestamp.Equal(now) {
		t.Fatalf("expected timestamp to fall back to receipt time, got %v", sig.Timestamp)
	}
}

func TestDecodeSignalEnvelopeRejectsInvalidSignal(t *testing.T) {
	body := []byte(`{"strategy_id":"","symbol":"BTCUSDT","action":"buy","confidence":0.5,"strength":"strong","current_price":"100"}`)
	_, err := ingest.DecodeSignalEnvelope(body, time.Now())
	if err == nil {
		t.Fatal("expected validation error for missing strategy_id")
	}
	var pe *domain.PipelineError
	if !errors.As(err, &pe) {
		t.Fatalf("expected a *domain.PipelineError, got %T", err)
	}
}
