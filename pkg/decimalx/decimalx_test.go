package decimalx_test

import (
	"testing"

	"github.com/shopspring/decimal"

	"github.com/nexusquant/trade-engine/pkg/decimalx"
)

func dec(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return d
}

func TestRoundUpToStepNeverRoundsDown(t *testing.T) {
	got := decimalx.RoundUpToStep(dec("1.001"), dec("0.01"))
	want := dec("1.01")
	if !got.Equal(want) {
		t.Fatalf("expected %s, got %s", want, got)
	}
}

func TestRoundUpToStepExactMultiple(t *testing.T) {
	got := decimalx.RoundUpToStep(dec("2.00"), dec("0.01"))
	want := dec("2.00")
	if !got.Equal(want) {
		t.Fatalf("expected %s, got %s", want, got)
	}
}

func TestEnsureMinNotionalBumpsUp(t *testing.T) {
	// price 100, qty 0.01 -> notional 1.00, below the 5.00 minimum.
	got := decimalx.EnsureMinNotional(dec("0.01"), dec("100"), dec("0.01"), dec("5"))
	notional := dec("100").Mul(got)
	if notional.LessThan(dec("5")) {
		t.Fatalf("expected notional >= min_notional, got %s (qty %s)", notional, got)
	}
}

func TestEnsureMinNotionalNoOpWhenAlreadySatisfied(t *testing.T) {
	got := decimalx.EnsureMinNotional(dec("1"), dec("100"), dec("0.01"), dec("5"))
	if !got.Equal(dec("1")) {
		t.Fatalf("expected unchanged quantity, got %s", got)
	}
}

func TestVWAPWeightsByQuantity(t *testing.T) {
	got := decimalx.VWAP(dec("1"), dec("100"), dec("1"), dec("200"))
	want := dec("150")
	if !got.Equal(want) {
		t.Fatalf("expected %s, got %s", want, got)
	}
}

func TestVWAPFromZeroPosition(t *testing.T) {
	got := decimalx.VWAP(dec("0"), dec("0"), dec("2"), dec("300"))
	want := dec("300")
	if !got.Equal(want) {
		t.Fatalf("expected %s, got %s", want, got)
	}
}

func TestPnLLongAndShort(t *testing.T) {
	longPnL := decimalx.PnL(dec("100"), dec("110"), dec("2"), true)
	if !longPnL.Equal(dec("20")) {
		t.Fatalf("expected long pnl 20, got %s", longPnL)
	}

	shortPnL := decimalx.PnL(dec("100"), dec("90"), dec("2"), false)
	if !shortPnL.Equal(dec("20")) {
		t.Fatalf("expected short pnl 20 on a drop, got %s", shortPnL)
	}
}

func TestClamp(t *testing.T) {
	if got := decimalx.Clamp(dec("5"), dec("0"), dec("3")); !got.Equal(dec("3")) {
		t.Fatalf("expected clamp to upper bound, got %s", got)
	}
	if got := decimalx.Clamp(dec("-5"), dec("0"), dec("3")); !got.Equal(dec("0")) {
		t.Fatalf("expected clamp to lower bound, got %s", got)
	}
}

func TestCoerceNumericVariants(t *testing.T) {
	if d, err := decimalx.CoerceNumeric("1.5"); err != nil || !d.Equal(dec("1.5")) {
		t.Fatalf("string coercion failed: %v %v", d, err)
	}
	if d, err := decimalx.CoerceNumeric(float64(2.5)); err != nil || !d.Equal(decimal.NewFromFloat(2.5)) {
		t.Fatalf("float64 coercion failed: %v %v", d, err)
	}
	if _, err := decimalx.CoerceNumeric(struct{}{}); err == nil {
		t.Fatal("expected an error coercing an unsupported type")
	}
}
