package exchange

import (
	"context"
	"fmt"
	"math"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/adshao/go-binance/v2/futures"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/nexusquant/trade-engine/internal/domain"
	"github.com/nexusquant/trade-engine/pkg/decimalx"
)

// nonRetryableSubstrings are Binance error fragments spec.md §4.1 and §7
// classify as PermanentExchangeError: retrying cannot change the outcome.
var nonRetryableSubstrings = []string{
	"-2010", // insufficient balance / would trigger liquidation
	"-1013", // filter failure (qty/price/notional)
	"-1111", // precision over the symbol's allowed decimals
	"-4164", // notional below minimum
	"-2014", // invalid API-key format
	"-2015", // invalid API key, IP, or permissions
	"-1021", // timestamp outside recvWindow
	"-1121", // invalid symbol
}

// BinanceFuturesGateway implements Gateway against Binance USDⓈ-M futures in
// hedge mode: every order carries PositionSide, never ReduceOnly, per
// spec.md §6.2.
type BinanceFuturesGateway struct {
	client *futures.Client
	logger *zap.Logger

	retryAttempts int
	retryBase     time.Duration

	limiter *rateLimiter

	mu      sync.RWMutex
	filters map[string]domain.SymbolFilters

	idemMu     sync.Mutex
	seenOrders map[string]domain.FillResult
}

// GatewayConfig controls retry and rate-limit behavior; zero values fall
// back to conservative defaults.
type GatewayConfig struct {
	RetryAttempts      int
	RetryBaseDelay     time.Duration
	RequestsPerSecond  int
	UseTestnet         bool
}

// NewBinanceFuturesGateway builds a gateway and performs an initial
// exchange-info fetch to populate the symbol filter cache.
func NewBinanceFuturesGateway(ctx context.Context, apiKey, secretKey string, cfg GatewayConfig, logger *zap.Logger) (*BinanceFuturesGateway, error) {
	if cfg.UseTestnet {
		futures.UseTestnet = true
	}
	if cfg.RetryAttempts <= 0 {
		cfg.RetryAttempts = 3
	}
	if cfg.RetryBaseDelay <= 0 {
		cfg.RetryBaseDelay = time.Second
	}
	if cfg.RequestsPerSecond <= 0 {
		cfg.RequestsPerSecond = 10
	}

	g := &BinanceFuturesGateway{
		client:        futures.NewClient(apiKey, secretKey),
		logger:        logger.Named("exchange.binance"),
		retryAttempts: cfg.RetryAttempts,
		retryBase:     cfg.RetryBaseDelay,
		limiter:       newRateLimiter(cfg.RequestsPerSecond),
		filters:       make(map[string]domain.SymbolFilters),
		seenOrders:    make(map[string]domain.FillResult),
	}

	if err := g.refreshFilters(ctx); err != nil {
		g.logger.Warn("initial exchange info fetch failed, continuing with empty filter cache", zap.Error(err))
	}

	return g, nil
}

// RunFilterRefresh refreshes the symbol filter cache on interval until ctx
// is cancelled. Intended to run as a background goroutine from cmd/engine.
func (g *BinanceFuturesGateway) RunFilterRefresh(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := g.refreshFilters(ctx); err != nil {
				g.logger.Warn("exchange info refresh failed", zap.Error(err))
			}
		}
	}
}

func (g *BinanceFuturesGateway) refreshFilters(ctx context.Context) error {
	if err := g.limiter.wait(ctx); err != nil {
		return err
	}
	info, err := g.client.NewExchangeInfoService().Do(ctx)
	if err != nil {
		return err
	}

	next := make(map[string]domain.SymbolFilters, len(info.Symbols))
	for _, s := range info.Symbols {
		sf := domain.SymbolFilters{Symbol: s.Symbol}
		for _, f := range s.Filters {
			switch f["filterType"] {
			case "PRICE_FILTER":
				sf.TickSize = mustDecimalString(f["tickSize"])
			case "LOT_SIZE":
				sf.StepSize = mustDecimalString(f["stepSize"])
				sf.MinQty = mustDecimalString(f["minQty"])
			case "MIN_NOTIONAL":
				sf.MinNotional = mustDecimalString(f["notional"])
			}
		}
		sf.Precision = int32(s.QuantityPrecision)
		next[s.Symbol] = sf
	}

	g.mu.Lock()
	g.filters = next
	g.mu.Unlock()
	g.logger.Info("symbol filters refreshed", zap.Int("symbols", len(next)))
	return nil
}

func mustDecimalString(v any) decimal.Decimal {
	s, _ := v.(string)
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero
	}
	return d
}

// GetSymbolFilters returns the cached filters for symbol, fetching them on
// a cache miss.
func (g *BinanceFuturesGateway) GetSymbolFilters(ctx context.Context, symbol string) (domain.SymbolFilters, error) {
	g.mu.RLock()
	sf, ok := g.filters[symbol]
	g.mu.RUnlock()
	if ok {
		return sf, nil
	}

	if err := g.refreshFilters(ctx); err != nil {
		return domain.SymbolFilters{}, domain.NewTransientExchangeError("exchange_info_fetch_failed", err)
	}
	g.mu.RLock()
	sf, ok = g.filters[symbol]
	g.mu.RUnlock()
	if !ok {
		return domain.SymbolFilters{}, domain.NewValidationError("unknown symbol: "+symbol, nil)
	}
	return sf, nil
}

// GetCurrentPrice returns the last traded price for symbol.
func (g *BinanceFuturesGateway) GetCurrentPrice(ctx context.Context, symbol string) (decimal.Decimal, error) {
	var out decimal.Decimal
	err := g.withRetry(ctx, "get_current_price", func() error {
		prices, err := g.client.NewListPricesService().Symbol(symbol).Do(ctx)
		if err != nil {
			return err
		}
		if len(prices) == 0 {
			return fmt.Errorf("no price for %s", symbol)
		}
		d, err := decimal.NewFromString(prices[0].Price)
		if err != nil {
			return err
		}
		out = d
		return nil
	})
	return out, err
}

// PortfolioEquityUSD reports total wallet balance plus unrealized PnL
// across the futures account, used by the dispatcher to size positions
// as a percentage of equity per spec.md §4.1.
func (g *BinanceFuturesGateway) PortfolioEquityUSD(ctx context.Context) (decimal.Decimal, error) {
	var out decimal.Decimal
	err := g.withRetry(ctx, "get_portfolio_equity", func() error {
		acct, err := g.client.NewGetAccountService().Do(ctx)
		if err != nil {
			return err
		}
		wallet, err := decimal.NewFromString(acct.TotalWalletBalance)
		if err != nil {
			return err
		}
		unrealized, err := decimal.NewFromString(acct.TotalUnrealizedProfit)
		if err != nil {
			return err
		}
		out = wallet.Add(unrealized)
		return nil
	})
	return out, err
}

// PlaceOrder snaps qty/price to the symbol's step/tick, enforces the
// minimum notional by rounding the quantity UP (never down, per spec.md
// §4.1), enforces hedge-mode positionSide/reduceOnly mutual exclusivity,
// and submits the order with retry on transient failure. order.OrderID is
// the idempotency key: submitting the same OrderID twice returns the first
// call's result without a second exchange call, and is also sent to
// Binance as newClientOrderId so a retry that lands server-side survives a
// client-side crash too.
func (g *BinanceFuturesGateway) PlaceOrder(ctx context.Context, order domain.TradeOrder) (domain.FillResult, error) {
	if err := order.Validate(); err != nil {
		return domain.FillResult{}, err
	}

	if order.OrderID != "" {
		if fr, ok := g.seenOrder(order.OrderID); ok {
			return fr, nil
		}
	}

	sf, err := g.GetSymbolFilters(ctx, order.Symbol)
	if err != nil {
		return domain.FillResult{}, err
	}

	qty := decimalx.EnsureMinNotional(order.Amount, currentRefPrice(order), sf.StepSize, sf.MinNotional)
	if sf.MinQty.IsPositive() && qty.LessThan(sf.MinQty) {
		qty = sf.MinQty
	}

	svc := g.client.NewCreateOrderService().
		Symbol(order.Symbol).
		Side(toBinanceSide(order.Side)).
		Quantity(qty.StringFixedBank(int32(sf.Precision))).
		PositionSide(toBinancePositionSide(order.PositionSide))
	if order.OrderID != "" {
		svc = svc.NewClientOrderID(order.OrderID)
	}

	switch order.Type {
	case domain.OrderTypeMarket:
		svc = svc.Type(futures.OrderTypeMarket)
	case domain.OrderTypeLimit:
		price := decimalx.RoundToTick(order.TargetPrice, sf.TickSize)
		svc = svc.Type(futures.OrderTypeLimit).TimeInForce(toBinanceTIF(order.TimeInForce)).Price(price.String())
	case domain.OrderTypeStop:
		stopPrice := decimalx.RoundToTick(order.TargetPrice, sf.TickSize)
		svc = svc.Type(futures.OrderType("STOP_MARKET")).
			StopPrice(stopPrice.String()).
			WorkingType(futures.WorkingTypeMarkPrice)
	case domain.OrderTypeStopLimit:
		stopPrice := decimalx.RoundToTick(order.TargetPrice, sf.TickSize)
		svc = svc.Type(futures.OrderType("STOP")).
			StopPrice(stopPrice.String()).
			Price(stopPrice.String()).
			WorkingType(futures.WorkingTypeMarkPrice)
	case domain.OrderTypeTakeProfit, domain.OrderTypeTakeProfitLimit:
		stopPrice := decimalx.RoundToTick(order.TargetPrice, sf.TickSize)
		svc = svc.Type(futures.OrderType("TAKE_PROFIT_MARKET")).
			StopPrice(stopPrice.String()).
			WorkingType(futures.WorkingTypeMarkPrice).
			PriceProtect(true)
	default:
		return domain.FillResult{}, domain.NewValidationError("unsupported order type: "+string(order.Type), nil)
	}

	var res *futures.CreateOrderResponse
	err = g.withRetry(ctx, "place_order", func() error {
		var svcErr error
		res, svcErr = svc.Do(ctx)
		return svcErr
	})
	if err != nil {
		return domain.FillResult{}, err
	}

	fr := fillResultFromCreate(res)
	if order.OrderID != "" {
		g.rememberOrder(order.OrderID, fr)
	}
	return fr, nil
}

func (g *BinanceFuturesGateway) seenOrder(orderID string) (domain.FillResult, bool) {
	g.idemMu.Lock()
	defer g.idemMu.Unlock()
	fr, ok := g.seenOrders[orderID]
	return fr, ok
}

func (g *BinanceFuturesGateway) rememberOrder(orderID string, fr domain.FillResult) {
	g.idemMu.Lock()
	defer g.idemMu.Unlock()
	g.seenOrders[orderID] = fr
}

// CancelOrder cancels orderID on symbol. An "unknown order" response is not
// an error: it means the order already resolved, which OCO cancellation
// treats as success.
func (g *BinanceFuturesGateway) CancelOrder(ctx context.Context, symbol, orderID string) error {
	id, err := strconv.ParseInt(orderID, 10, 64)
	if err != nil {
		return domain.NewValidationError("invalid order id: "+orderID, err)
	}

	err = g.withRetry(ctx, "cancel_order", func() error {
		_, svcErr := g.client.NewCancelOrderService().Symbol(symbol).OrderID(id).Do(ctx)
		return svcErr
	})
	if err != nil {
		if strings.Contains(err.Error(), "Unknown order") {
			return ErrOrderNotFound
		}
		return err
	}
	return nil
}

// GetOrder fetches the current status of orderID on symbol.
func (g *BinanceFuturesGateway) GetOrder(ctx context.Context, symbol, orderID string) (domain.FillResult, error) {
	id, err := strconv.ParseInt(orderID, 10, 64)
	if err != nil {
		return domain.FillResult{}, domain.NewValidationError("invalid order id: "+orderID, err)
	}

	var o *futures.Order
	err = g.withRetry(ctx, "get_order", func() error {
		var svcErr error
		o, svcErr = g.client.NewGetOrderService().Symbol(symbol).OrderID(id).Do(ctx)
		return svcErr
	})
	if err != nil {
		if strings.Contains(err.Error(), "Unknown order") {
			return domain.FillResult{}, ErrOrderNotFound
		}
		return domain.FillResult{}, err
	}

	return fillResultFromOrder(o), nil
}

// withRetry applies exponential backoff to transient exchange failures,
// classifying non-retryable errors immediately per spec.md §7's table.
func (g *BinanceFuturesGateway) withRetry(ctx context.Context, op string, fn func() error) error {
	var lastErr error
	for attempt := 0; attempt < g.retryAttempts; attempt++ {
		if err := g.limiter.wait(ctx); err != nil {
			return domain.NewTransientExchangeError(op, err)
		}

		lastErr = fn()
		if lastErr == nil {
			return nil
		}
		if isNonRetryable(lastErr) {
			return domain.NewPermanentExchangeError(op, lastErr)
		}

		delay := g.retryBase * time.Duration(math.Pow(2, float64(attempt)))
		g.logger.Warn("retrying exchange call",
			zap.String("op", op), zap.Int("attempt", attempt+1), zap.Error(lastErr))

		select {
		case <-ctx.Done():
			return domain.NewTransientExchangeError(op, ctx.Err())
		case <-time.After(delay):
		}
	}
	return domain.NewTransientExchangeError(op, lastErr)
}

func isNonRetryable(err error) bool {
	msg := err.Error()
	for _, frag := range nonRetryableSubstrings {
		if strings.Contains(msg, frag) {
			return true
		}
	}
	return false
}

func toBinanceSide(s domain.OrderSide) futures.SideType {
	if s == domain.OrderSideSell {
		return futures.SideTypeSell
	}
	return futures.SideTypeBuy
}

func toBinancePositionSide(s domain.PositionSide) futures.PositionSideType {
	if s == domain.PositionSideShort {
		return futures.PositionSideTypeShort
	}
	return futures.PositionSideTypeLong
}

func toBinanceTIF(t domain.TimeInForce) futures.TimeInForceType {
	switch t {
	case domain.TimeInForceIOC:
		return futures.TimeInForceTypeIOC
	case domain.TimeInForceFOK:
		return futures.TimeInForceTypeFOK
	case domain.TimeInForceGTX:
		return futures.TimeInForceTypeGTX
	default:
		return futures.TimeInForceTypeGTC
	}
}

func binanceOrderStatus(s futures.OrderStatusType) domain.OrderStatus {
	switch s {
	case futures.OrderStatusTypeNew:
		return domain.OrderStatusNew
	case futures.OrderStatusTypePartiallyFilled:
		return domain.OrderStatusPartiallyFilled
	case futures.OrderStatusTypeFilled:
		return domain.OrderStatusFilled
	case futures.OrderStatusTypeCanceled:
		return domain.OrderStatusCanceled
	case futures.OrderStatusTypeRejected:
		return domain.OrderStatusRejected
	case futures.OrderStatusTypeExpired:
		return domain.OrderStatusExpired
	default:
		return domain.OrderStatusNew
	}
}

func fillResultFromCreate(res *futures.CreateOrderResponse) domain.FillResult {
	return domain.FillResult{
		OrderID:    strconv.FormatInt(res.OrderID, 10),
		Status:     binanceOrderStatus(res.Status),
		FillPrice:  mustDecimalString(res.AvgPrice),
		FillQty:    mustDecimalString(res.ExecutedQuantity),
		Commission: decimal.Zero, // commission is reported on the user data stream, not this response
	}
}

func fillResultFromOrder(o *futures.Order) domain.FillResult {
	return domain.FillResult{
		OrderID:    strconv.FormatInt(o.OrderID, 10),
		Status:     binanceOrderStatus(o.Status),
		FillPrice:  mustDecimalString(o.AvgPrice),
		FillQty:    mustDecimalString(o.ExecutedQuantity),
		Commission: decimal.Zero,
	}
}

// currentRefPrice picks the price to use for min-notional sizing: the
// target price for limit-family orders, or the order's own stop/take
// trigger for protective orders. Market orders have no client-known price,
// so min-notional enforcement for those is skipped (qty is already sized
// upstream against a recent mark).
func currentRefPrice(order domain.TradeOrder) decimal.Decimal {
	if order.TargetPrice.IsPositive() {
		return order.TargetPrice
	}
	return decimal.Zero
}

// rateLimiter is a simple token bucket bounding outbound Binance requests.
type rateLimiter struct {
	mu       sync.Mutex
	tokens   int
	max      int
	interval time.Duration
	last     time.Time
}

func newRateLimiter(perSecond int) *rateLimiter {
	return &rateLimiter{
		tokens:   perSecond,
		max:      perSecond,
		interval: time.Second,
		last:     time.Time{},
	}
}

func (r *rateLimiter) wait(ctx context.Context) error {
	for {
		r.mu.Lock()
		now := time.Now()
		if r.last.IsZero() {
			r.last = now
		}
		elapsed := now.Sub(r.last)
		if elapsed >= r.interval {
			r.tokens = r.max
			r.last = now
		}
		if r.tokens > 0 {
			r.tokens--
			r.mu.Unlock()
			return nil
		}
		wait := r.interval - elapsed
		r.mu.Unlock()

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
	}
}
