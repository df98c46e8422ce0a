package exchange

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/adshao/go-binance/v2/futures"
	"github.com/shopspring/decimal"

	"github.com/nexusquant/trade-engine/internal/domain"
)

func TestMustDecimalStringParsesValidString(t *testing.T) {
	d := mustDecimalString("123.45")
	if !d.Equal(decimal.NewFromFloat(123.45)) {
		t.Fatalf("expected 123.45, got %s", d)
	}
}

func TestMustDecimalStringFallsBackToZeroOnGarbage(t *testing.T) {
	if d := mustDecimalString("not-a-number"); !d.IsZero() {
		t.Fatalf("expected zero fallback, got %s", d)
	}
	if d := mustDecimalString(42); !d.IsZero() {
		t.Fatalf("expected zero fallback for non-string input, got %s", d)
	}
}

func TestIsNonRetryableMatchesKnownBinanceErrorCodes(t *testing.T) {
	if !isNonRetryable(errors.New("<APIError> code=-2010, msg=Account has insufficient balance")) {
		t.Fatal("expected -2010 to be classified non-retryable")
	}
	if !isNonRetryable(errors.New("<APIError> code=-4164, msg=Order's notional must be no smaller than 5")) {
		t.Fatal("expected -4164 to be classified non-retryable")
	}
	if isNonRetryable(errors.New("connection reset by peer")) {
		t.Fatal("expected a transient network error to be retryable")
	}
}

func TestToBinanceSide(t *testing.T) {
	if toBinanceSide(domain.OrderSideBuy) != futures.SideTypeBuy {
		t.Fatal("expected buy to map to SideTypeBuy")
	}
	if toBinanceSide(domain.OrderSideSell) != futures.SideTypeSell {
		t.Fatal("expected sell to map to SideTypeSell")
	}
}

func TestToBinancePositionSide(t *testing.T) {
	if toBinancePositionSide(domain.PositionSideLong) != futures.PositionSideTypeLong {
		t.Fatal("expected long to map to PositionSideTypeLong")
	}
	if toBinancePositionSide(domain.PositionSideShort) != futures.PositionSideTypeShort {
		t.Fatal("expected short to map to PositionSideTypeShort")
	}
}

func TestToBinanceTIFDefaultsToGTC(t *testing.T) {
	if toBinanceTIF(domain.TimeInForceIOC) != futures.TimeInForceTypeIOC {
		t.Fatal("expected IOC to pass through")
	}
	if toBinanceTIF(domain.TimeInForce("unknown")) != futures.TimeInForceTypeGTC {
		t.Fatal("expected unknown time-in-force to default to GTC")
	}
}

func TestBinanceOrderStatusMapping(t *testing.T) {
	cases := map[futures.OrderStatusType]domain.OrderStatus{
		futures.OrderStatusTypeNew:             domain.OrderStatusNew,
		futures.OrderStatusTypePartiallyFilled: domain.OrderStatusPartiallyFilled,
		futures.OrderStatusTypeFilled:          domain.OrderStatusFilled,
		futures.OrderStatusTypeCanceled:        domain.OrderStatusCanceled,
		futures.OrderStatusTypeRejected:        domain.OrderStatusRejected,
		futures.OrderStatusTypeExpired:         domain.OrderStatusExpired,
	}
	for in, want := range cases {
		if got := binanceOrderStatus(in); got != want {
			t.Fatalf("status %s: expected %s, got %s", in, want, got)
		}
	}
}

func TestCurrentRefPriceUsesTargetPriceWhenPositive(t *testing.T) {
	order := domain.TradeOrder{TargetPrice: decimal.NewFromInt(100)}
	if !currentRefPrice(order).Equal(decimal.NewFromInt(100)) {
		t.Fatalf("expected target price to be used, got %s", currentRefPrice(order))
	}
}

func TestCurrentRefPriceZeroForMarketOrders(t *testing.T) {
	order := domain.TradeOrder{}
	if !currentRefPrice(order).IsZero() {
		t.Fatalf("expected zero ref price for a market order, got %s", currentRefPrice(order))
	}
}

func TestRateLimiterBlocksUntilTokensAvailable(t *testing.T) {
	rl := newRateLimiter(1)
	ctx := context.Background()

	if err := rl.wait(ctx); err != nil {
		t.Fatalf("unexpected error on first acquire: %v", err)
	}

	start := time.Now()
	if err := rl.wait(ctx); err != nil {
		t.Fatalf("unexpected error on second acquire: %v", err)
	}
	if time.Since(start) <= 0 {
		t.Fatal("expected the second acquire to wait for a refilled token")
	}
}

func TestSeenOrderReturnsTheCachedFillOnASecondSubmission(t *testing.T) {
	g := &BinanceFuturesGateway{seenOrders: make(map[string]domain.FillResult)}

	if _, ok := g.seenOrder("order-1"); ok {
		t.Fatal("expected no cached result before the first placement")
	}

	want := domain.FillResult{OrderID: "order-1", Status: domain.OrderStatusFilled, FillPrice: decimal.NewFromInt(60000)}
	g.rememberOrder("order-1", want)

	got, ok := g.seenOrder("order-1")
	if !ok {
		t.Fatal("expected the order to be recognized as already seen")
	}
	if got != want {
		t.Fatalf("expected the cached fill to be returned unchanged, got %+v", got)
	}
}

func TestRateLimiterRespectsContextCancellation(t *testing.T) {
	rl := newRateLimiter(1)
	ctx := context.Background()
	_ = rl.wait(ctx)

	cancelCtx, cancel := context.WithCancel(context.Background())
	cancel()

	if err := rl.wait(cancelCtx); err == nil {
		t.Fatal("expected context cancellation to surface an error")
	}
}
