// Package exchange defines the Exchange Gateway capability set (spec.md
// §4.1) and a concrete Binance USDⓈ-M futures implementation.
package exchange

import (
	"context"

	"github.com/shopspring/decimal"

	"github.com/nexusquant/trade-engine/internal/domain"
)

// Gateway is the abstract capability set spec.md §4.1 requires. The
// dispatcher and OCO manager depend only on this interface.
type Gateway interface {
	PlaceOrder(ctx context.Context, order domain.TradeOrder) (domain.FillResult, error)
	CancelOrder(ctx context.Context, symbol, orderID string) error
	GetOrder(ctx context.Context, symbol, orderID string) (domain.FillResult, error)
	GetSymbolFilters(ctx context.Context, symbol string) (domain.SymbolFilters, error)
	GetCurrentPrice(ctx context.Context, symbol string) (decimal.Decimal, error)
}

// ErrOrderNotFound is returned by CancelOrder/GetOrder when the exchange
// reports the order id does not exist — treated as "already resolved" by
// OCO cancellation, which is best-effort.
var ErrOrderNotFound = domain.NewPermanentExchangeError("order_not_found", nil)
