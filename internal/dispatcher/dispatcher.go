// Package dispatcher implements the serial admission→execution pipeline,
// per spec.md §4.6. One Dispatcher instance coordinates every other
// subsystem; per-symbol serialization happens through lockmgr so two
// signals for the same exchange position never race the book.
package dispatcher

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/nexusquant/trade-engine/internal/aggregator"
	"github.com/nexusquant/trade-engine/internal/audit"
	"github.com/nexusquant/trade-engine/internal/cfgx"
	"github.com/nexusquant/trade-engine/internal/domain"
	"github.com/nexusquant/trade-engine/internal/exchange"
	"github.com/nexusquant/trade-engine/internal/lockmgr"
	"github.com/nexusquant/trade-engine/internal/oco"
	"github.com/nexusquant/trade-engine/internal/positionbook"
	"github.com/nexusquant/trade-engine/internal/riskguard"
	"github.com/nexusquant/trade-engine/internal/strategybook"
	"github.com/nexusquant/trade-engine/internal/telemetry"
	"github.com/nexusquant/trade-engine/internal/workers"
	"github.com/nexusquant/trade-engine/pkg/decimalx"
)

// PortfolioEquitySource supplies the current portfolio equity riskguard
// needs for percentage-based limits; wired to the exchange account balance
// at runtime.
type PortfolioEquitySource interface {
	PortfolioEquityUSD(ctx context.Context) (decimal.Decimal, error)
}

// Dispatcher wires every subsystem into the pipeline described in
// spec.md §4.6 and implements oco.PositionCloser for the OCO manager's
// callback.
type Dispatcher struct {
	logger *zap.Logger

	aggregator *aggregator.Aggregator
	risk       *riskguard.Guard
	positions  *positionbook.Manager
	strategies *strategybook.Manager
	ocoMgr     *oco.Manager
	gateway    exchange.Gateway
	locks      *lockmgr.Manager
	sink       *audit.FanoutSink
	cfg        *cfgx.Store
	metrics    *telemetry.Metrics
	equity     PortfolioEquitySource

	pool *workers.Pool

	lockAcquireTimeout time.Duration
	lockLeaseTTL       time.Duration
}

type Config struct {
	Aggregator *aggregator.Aggregator
	Risk       *riskguard.Guard
	Positions  *positionbook.Manager
	Strategies *strategybook.Manager
	Oco        *oco.Manager
	Gateway    exchange.Gateway
	Locks      *lockmgr.Manager
	Sink       *audit.FanoutSink
	Cfg        *cfgx.Store
	Metrics    *telemetry.Metrics
	Equity     PortfolioEquitySource
}

func New(c Config, logger *zap.Logger) *Dispatcher {
	pool := workers.NewPool(logger.Named("dispatcher.pool"), workers.DefaultPoolConfig("dispatcher"))
	pool.Start()

	d := &Dispatcher{
		logger:             logger.Named("dispatcher"),
		aggregator:         c.Aggregator,
		risk:               c.Risk,
		positions:          c.Positions,
		strategies:         c.Strategies,
		ocoMgr:             c.Oco,
		gateway:            c.Gateway,
		locks:              c.Locks,
		sink:               c.Sink,
		cfg:                c.Cfg,
		metrics:            c.Metrics,
		equity:             c.Equity,
		pool:               pool,
		lockAcquireTimeout: 300 * time.Millisecond,
		lockLeaseTTL:       10 * time.Second,
	}
	c.Oco.SetPositionCloser(d)
	return d
}

// Stop drains and shuts down the dispatcher's worker pool.
func (d *Dispatcher) Stop() error {
	return d.pool.Stop()
}

// Submit runs the signal's pipeline (Handle) on the worker pool and waits
// for its response envelope. When the intake queue is saturated it returns
// ErrQueueFull immediately rather than blocking, per spec.md §5's
// backpressure requirement.
func (d *Dispatcher) Submit(sig domain.Signal) (domain.ResponseEnvelope, error) {
	resultCh := make(chan domain.ResponseEnvelope, 1)
	err := d.pool.SubmitFunc(func() error {
		resultCh <- d.Handle(context.Background(), sig)
		return nil
	})
	if err != nil {
		d.metrics.SignalsDroppedOverload.Inc()
		d.recordDroppedOverload(sig)
		return domain.ResponseEnvelope{}, err
	}
	return <-resultCh, nil
}

func (d *Dispatcher) recordDroppedOverload(sig domain.Signal) {
	if d.sink == nil {
		return
	}
	_ = d.sink.AppendLog(context.Background(), audit.Record{
		Collection: "audit_log",
		EntityID:   sig.StrategyID + ":" + sig.Symbol,
		Event:      "signal_dropped_overload",
		Timestamp:  time.Now(),
		Payload: map[string]any{
			"strategy_id": sig.StrategyID,
			"symbol":      sig.Symbol,
		},
	})
}

// Handle runs the full synchronous pipeline for one signal per spec.md
// §4.6, steps 1-13. Every exception is caught and translated into a
// ResponseEnvelope; the per-symbol lock, once acquired, is always released.
func (d *Dispatcher) Handle(ctx context.Context, sig domain.Signal) domain.ResponseEnvelope {
	start := time.Now()
	defer func() {
		d.metrics.OrderExecutionLatency.WithLabelValues(sig.Symbol).Observe(time.Since(start).Seconds())
	}()

	now := time.Now()
	if sig.TimestampWarning != "" {
		d.logger.Warn("signal timestamp fallback", zap.String("warning", sig.TimestampWarning), zap.String("strategy_id", sig.StrategyID))
	}

	if err := sig.Validate(); err != nil {
		return d.audited(ctx, sig, domain.RejectedEnvelope(err.Error()), "rejected_validation")
	}
	if sig.IsExpired(now, time.Duration(d.cfg.Resolve(sig.Symbol, "").Signal.MaxSignalAgeSeconds)*time.Second) {
		return d.audited(ctx, sig, domain.ResponseEnvelope{Status: domain.DecisionExpired, Reason: "signal older than max_signal_age_seconds"}, "expired")
	}

	// Fail-safe audit: no audit → no real trade.
	if d.sink == nil || !d.sink.Healthy(ctx) {
		return d.audited(ctx, sig, domain.SimulatedEnvelope("audit_sink_unavailable"), "forced_simulated")
	}

	side := domain.SideForAction(sig.Action)
	cfg := d.cfg.Resolve(sig.Symbol, string(side))

	// Step 1-2: aggregator admission.
	decision := d.aggregator.Process(sig, cfg, now)
	if !decision.Admit {
		d.metrics.SignalConflictResolved.WithLabelValues(decision.Reason).Inc()
		return d.audited(ctx, sig, domain.RejectedEnvelope(decision.Reason), "rejected_aggregator")
	}
	if decision.Status == domain.DecisionPendingReview {
		return d.audited(ctx, sig, domain.PendingReviewEnvelope(decision.Reason), "pending_review")
	}
	sig = decision.Signal

	cancelKey := domain.ExchangePositionKey(sig.Symbol, side)
	for _, cancelledStrategy := range decision.Cancellations {
		d.logger.Info("cancelling superseded signal's resting orders", zap.String("strategy_id", cancelledStrategy), zap.String("symbol", sig.Symbol))
		if err := d.ocoMgr.CancelPairsForStrategy(ctx, cancelKey, cancelledStrategy); err != nil {
			d.logger.Error("failed to cancel superseded strategy's resting orders", zap.String("strategy_id", cancelledStrategy), zap.Error(err))
		}
	}

	// Step 3: signal -> order.
	equity := decimal.NewFromInt(100000)
	if d.equity != nil {
		if e, err := d.equity.PortfolioEquityUSD(ctx); err == nil {
			equity = e
		}
	}
	order, err := d.signalToOrder(ctx, sig, side, cfg, equity)
	if err != nil {
		return d.audited(ctx, sig, domain.RejectedEnvelope(err.Error()), "rejected_sizing")
	}

	// Step 4: risk check.
	notional := order.Amount.Mul(sig.CurrentPrice)
	openPositions := toSnapshots(d.positions.GetOpen())
	dailyPnL := d.positions.DailyRealizedPnL(now)
	dailyTrades := d.positions.DailyTradeCount(now)
	riskResult := d.risk.CheckOrder(cfg.Risk, order, notional, equity, openPositions, dailyPnL, dailyTrades)
	if !riskResult.Approved {
		d.metrics.RiskRejections.WithLabelValues(riskResult.RejectedLimit).Inc()
		return d.audited(ctx, sig, domain.RejectedEnvelope("risk_rejection:"+riskResult.RejectedLimit), "rejected_risk")
	}
	for _, w := range riskResult.Warnings {
		d.logger.Warn("non-blocking risk warning", zap.String("warning", w), zap.String("symbol", sig.Symbol))
	}

	// Step 5: acquire per-symbol lock.
	lockKey := domain.ExchangePositionKey(sig.Symbol, side)
	lease, err := d.locks.Acquire(ctx, lockKey, d.lockLeaseTTL, d.lockAcquireTimeout)
	if err != nil {
		return d.audited(ctx, sig, domain.RejectedEnvelope("lock_timeout"), "rejected_lock_timeout")
	}
	defer func() {
		if relErr := d.locks.Release(context.Background(), lease); relErr != nil {
			d.logger.Error("failed to release lock", zap.Error(relErr), zap.String("key", lockKey))
		}
	}()

	// Step 6: audit submitted.
	d.recordOrderEvent(ctx, order, sig, "submitted", domain.FillResult{})

	// Step 7: place order.
	fill, err := d.gateway.PlaceOrder(ctx, order)
	if err != nil {
		d.metrics.OrderFailures.WithLabelValues(string(domain.KindOf(err))).Inc()
		d.recordOrderEvent(ctx, order, sig, "exchange_error", domain.FillResult{})
		return d.audited(ctx, sig, domain.RejectedEnvelope(err.Error()), "rejected_exchange")
	}
	if !fill.Status.IsPlaced() {
		return d.audited(ctx, sig, domain.RejectedEnvelope("order status "+string(fill.Status)), "rejected_exchange_status")
	}
	d.metrics.OrdersExecutedByType.WithLabelValues(string(order.Type), order.Symbol).Inc()

	// Step 8: update physical position.
	pos := d.positions.UpdateOnFill(order, fill, now)
	d.metrics.PositionsOpened.WithLabelValues(string(side)).Inc()

	// Step 9: create strategy position + contribution.
	sp, _ := d.strategies.Create(sig, order, fill.FillPrice, fill.FillQty, now)
	d.persistPosition(ctx, pos)
	d.persistStrategyPosition(ctx, sp)

	// Step 11: protective orders (single or OCO pair).
	d.placeProtectiveOrders(ctx, sig, order, sp, fill)

	// Step 12-13: audit executed, lock released on defer.
	d.recordOrderEvent(ctx, order, sig, "executed", fill)

	orderID := order.OrderID
	positionID := order.PositionID
	spID := sp.StrategyPositionID
	return domain.ResponseEnvelope{
		Status:             domain.DecisionExecuted,
		OrderID:            &orderID,
		PositionID:         &positionID,
		StrategyPositionID: &spID,
		Fills: []domain.FillSummary{{
			Price:      fill.FillPrice.String(),
			Qty:        fill.FillQty.String(),
			Commission: fill.Commission.String(),
		}},
	}
}

// placeProtectiveOrders implements step 11: an OCO pair if both SL and TP
// are present, otherwise a single protective order tracked the same way for
// later cleanup, per spec.md §4.4.
func (d *Dispatcher) placeProtectiveOrders(ctx context.Context, sig domain.Signal, order domain.TradeOrder, sp *domain.StrategyPosition, fill domain.FillResult) {
	if order.StopLoss == nil && order.TakeProfit == nil {
		return
	}
	if _, err := d.ocoMgr.PlacePair(ctx, sp.StrategyPositionID, order.Symbol, order.PositionSide, fill.FillPrice, fill.FillQty, order.StopLoss, order.TakeProfit); err != nil {
		d.logger.Error("failed to place protective order(s)", zap.Error(err), zap.String("strategy_position_id", sp.StrategyPositionID))
	}
}

// signalToOrder implements spec.md §4.6 step 3.
func (d *Dispatcher) signalToOrder(ctx context.Context, sig domain.Signal, side domain.PositionSide, cfg cfgx.Config, equity decimal.Decimal) (domain.TradeOrder, error) {
	filters, err := d.gateway.GetSymbolFilters(ctx, sig.Symbol)
	if err != nil {
		return domain.TradeOrder{}, err
	}

	amount := sizeOrder(sig, cfg, equity)
	amount = decimalx.EnsureMinNotional(amount, sig.CurrentPrice, filters.StepSize, filters.MinNotional)

	notional := amount.Mul(sig.CurrentPrice)
	if cfg.Risk.MinPositionSizeUSD > 0 && notional.LessThan(decimal.NewFromFloat(cfg.Risk.MinPositionSizeUSD)) {
		return domain.TradeOrder{}, domain.NewValidationError("order notional below min_position_size_usd", nil)
	}

	orderType := domain.OrderTypeMarket
	if sig.OrderType != "" {
		orderType = sig.OrderType
	}
	orderSide := domain.OrderSideBuy
	if sig.Action == domain.ActionSell {
		orderSide = domain.OrderSideSell
	}

	order := domain.TradeOrder{
		OrderID:          uuid.NewString(),
		Symbol:           sig.Symbol,
		Side:             orderSide,
		Type:             orderType,
		Amount:           amount,
		TimeInForce:      domain.TimeInForceGTC,
		PositionID:       uuid.NewString(),
		PositionSide:     side,
		ReduceOnly:       false,
		StrategyID:       sig.StrategyID,
		StrategyMetadata: sig.Metadata,
		CreatedAt:        time.Now(),
	}
	if orderType.UsesLimitPrice() {
		if sig.TargetPrice != nil {
			order.TargetPrice = *sig.TargetPrice
		} else {
			order.TargetPrice = sig.CurrentPrice
		}
	}
	order.StopLoss = resolveLevel(sig.StopLoss, sig.StopLossPct, sig.CurrentPrice, side, false)
	order.TakeProfit = resolveLevel(sig.TakeProfit, sig.TakeProfitPct, sig.CurrentPrice, side, true)

	if err := order.Validate(); err != nil {
		return domain.TradeOrder{}, err
	}
	return order, nil
}

// sizeOrder implements spec.md §4.6: start from signal.quantity if
// present, else (portfolio · position_size_pct · confidence) / current_price.
func sizeOrder(sig domain.Signal, cfg cfgx.Config, equity decimal.Decimal) decimal.Decimal {
	if sig.Quantity != nil {
		return *sig.Quantity
	}
	pct := decimal.NewFromFloat(0.1)
	if sig.PositionSizePct != nil {
		pct = *sig.PositionSizePct
	}
	if sig.CurrentPrice.IsZero() {
		return decimal.Zero
	}
	return equity.Mul(pct).Mul(sig.Confidence).Div(sig.CurrentPrice)
}

// resolveLevel computes an absolute SL/TP from either an explicit level or
// a percentage of entry, per spec.md §3.
func resolveLevel(abs, pct *decimal.Decimal, entry decimal.Decimal, side domain.PositionSide, isTakeProfit bool) *decimal.Decimal {
	if abs != nil {
		return abs
	}
	if pct == nil {
		return nil
	}
	delta := entry.Mul(*pct)
	var level decimal.Decimal
	isLong := side == domain.PositionSideLong
	switch {
	case isTakeProfit && isLong, !isTakeProfit && !isLong:
		level = entry.Add(delta)
	default:
		level = entry.Sub(delta)
	}
	return &level
}

func toSnapshots(positions []*domain.Position) []riskguard.PositionSnapshot {
	out := make([]riskguard.PositionSnapshot, 0, len(positions))
	for _, p := range positions {
		out = append(out, riskguard.PositionSnapshot{
			Symbol:      p.Symbol,
			NotionalUSD: p.Quantity.Mul(p.EntryPrice),
		})
	}
	return out
}

// ClosePositionWithCleanup implements oco.PositionCloser: cancel every
// active OCO pair attached to the key, then issue a market close order for
// whatever physical quantity remains, per spec.md §4.4's cancellation step.
func (d *Dispatcher) ClosePositionWithCleanup(ctx context.Context, symbol string, side domain.PositionSide, reason string) error {
	key := domain.ExchangePositionKey(symbol, side)

	lease, err := d.locks.Acquire(ctx, key, d.lockLeaseTTL, d.lockAcquireTimeout)
	if err != nil {
		return err
	}
	defer d.locks.Release(context.Background(), lease)

	if err := d.ocoMgr.CancelPairsFor(ctx, key); err != nil {
		d.logger.Warn("cancel pairs before close reported an error, proceeding", zap.Error(err))
	}

	pos := d.positions.Get(symbol, side)
	if pos == nil || pos.Quantity.IsZero() {
		return nil
	}

	closeSide := domain.OrderSideSell
	if side == domain.PositionSideShort {
		closeSide = domain.OrderSideBuy
	}

	order := domain.TradeOrder{
		OrderID:      uuid.NewString(),
		Symbol:       symbol,
		Side:         closeSide,
		Type:         domain.OrderTypeMarket,
		Amount:       pos.Quantity,
		PositionSide: side,
		CreatedAt:    time.Now(),
	}

	fill, err := d.gateway.PlaceOrder(ctx, order)
	if err != nil {
		return err
	}

	_, realized := d.positions.ClosePartial(symbol, side, fill.FillQty, fill.FillPrice, domain.CloseReasonManual, fill.Commission, time.Now())
	d.risk.RecordTradeClose(realized)
	d.metrics.PositionsClosed.WithLabelValues(string(side)).Inc()

	d.logger.Info("position closed with cleanup", zap.String("symbol", symbol), zap.String("side", string(side)), zap.String("reason", reason))
	return nil
}

func (d *Dispatcher) audited(ctx context.Context, sig domain.Signal, envelope domain.ResponseEnvelope, event string) domain.ResponseEnvelope {
	if d.sink != nil {
		_ = d.sink.AppendLog(ctx, audit.Record{
			Collection: "audit_log",
			EntityID:   sig.StrategyID + ":" + sig.Symbol,
			Event:      event,
			Timestamp:  time.Now(),
			Payload: map[string]any{
				"strategy_id": sig.StrategyID,
				"symbol":      sig.Symbol,
				"action":      string(sig.Action),
				"status":      string(envelope.Status),
				"reason":      envelope.Reason,
			},
		})
	}
	return envelope
}

func (d *Dispatcher) recordOrderEvent(ctx context.Context, order domain.TradeOrder, sig domain.Signal, event string, fill domain.FillResult) {
	if d.sink == nil {
		return
	}
	_ = d.sink.AppendLog(ctx, audit.Record{
		Collection: "audit_log",
		EntityID:   order.OrderID,
		Event:      event,
		Timestamp:  time.Now(),
		Payload: map[string]any{
			"order_id":    order.OrderID,
			"strategy_id": sig.StrategyID,
			"symbol":      order.Symbol,
			"amount":      order.Amount.String(),
			"fill_price":  fill.FillPrice.String(),
			"fill_qty":    fill.FillQty.String(),
			"status":      string(fill.Status),
		},
	})
}

func (d *Dispatcher) persistPosition(ctx context.Context, pos *domain.Position) {
	if d.sink == nil || pos == nil {
		return
	}
	_ = d.sink.Upsert(ctx, audit.Record{
		Collection: "positions",
		EntityID:   pos.Key().String(),
		Event:      "position_updated",
		Timestamp:  time.Now(),
		Payload: map[string]any{
			"symbol":      pos.Symbol,
			"side":        string(pos.Side),
			"quantity":    pos.Quantity.String(),
			"entry_price": pos.EntryPrice.String(),
			"status":      string(pos.Status),
		},
	})
}

func (d *Dispatcher) persistStrategyPosition(ctx context.Context, sp *domain.StrategyPosition) {
	if d.sink == nil || sp == nil {
		return
	}
	_ = d.sink.Upsert(ctx, audit.Record{
		Collection: "strategy_positions",
		EntityID:   sp.StrategyPositionID,
		Event:      "strategy_position_created",
		Timestamp:  time.Now(),
		Payload: map[string]any{
			"strategy_position_id": sp.StrategyPositionID,
			"strategy_id":          sp.StrategyID,
			"symbol":               sp.Symbol,
			"side":                 string(sp.Side),
			"entry_price":          sp.EntryPrice.String(),
			"quantity":             sp.Quantity.String(),
			"status":               string(sp.Status),
		},
	})
}
