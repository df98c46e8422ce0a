// Package oco implements the OCO Manager: synthesized stop-loss/take-profit
// pair semantics the underlying futures exchange does not natively link,
// per spec.md §4.4.
package oco

import (
	"context"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/nexusquant/trade-engine/internal/audit"
	"github.com/nexusquant/trade-engine/internal/domain"
	"github.com/nexusquant/trade-engine/internal/exchange"
	"github.com/nexusquant/trade-engine/internal/strategybook"
	"github.com/nexusquant/trade-engine/internal/telemetry"
)

// PositionCloser is implemented by the dispatcher's
// ClosePositionWithCleanup. Declared here, consumer-side, so the dispatcher
// can depend on oco.Manager directly while oco depends only on this
// interface — resolving the cyclic reference per spec.md §9's design note.
type PositionCloser interface {
	ClosePositionWithCleanup(ctx context.Context, symbol string, side domain.PositionSide, reason string) error
}

// Manager owns active_oco_pairs: exchange_position_key -> ordered list of
// pairs. A list, never a single slot, because multiple strategies can each
// hold their own SL/TP on the same physical position.
type Manager struct {
	logger  *zap.Logger
	gateway exchange.Gateway
	books   *strategybook.Manager
	sink    audit.Sink
	metrics *telemetry.Metrics
	closer  PositionCloser

	mu    sync.Mutex
	pairs map[string][]*domain.OcoPair // exchange_position_key -> pairs

	interval time.Duration
	stopCh   chan struct{}
	running  bool
}

// SetPositionCloser wires the dispatcher in after both are constructed,
// since the dispatcher's own constructor needs a *Manager first.
func (m *Manager) SetPositionCloser(closer PositionCloser) {
	m.closer = closer
}

func New(gateway exchange.Gateway, books *strategybook.Manager, sink audit.Sink, metrics *telemetry.Metrics, interval time.Duration, logger *zap.Logger) *Manager {
	if interval <= 0 {
		interval = 2 * time.Second
	}
	return &Manager{
		logger:   logger.Named("oco"),
		gateway:  gateway,
		books:    books,
		sink:     sink,
		metrics:  metrics,
		pairs:    map[string][]*domain.OcoPair{},
		interval: interval,
	}
}

// PlacePair implements spec.md §4.4's placement steps: stop-market SL and
// take-profit-market TP, opposite side, same position_side. If only one of
// sl/tp is supplied, only that order is placed; the single-leg pair is
// still recorded and monitored like a full pair. Both must succeed for the pair to become active; a partial
// success cancels the placed leg and surfaces the failure.
func (m *Manager) PlacePair(ctx context.Context, strategyPositionID, symbol string, side domain.PositionSide, entryPrice, qty decimal.Decimal, sl, tp *decimal.Decimal) (*domain.OcoPair, error) {
	closeSide := domain.OrderSideSell
	if side == domain.PositionSideShort {
		closeSide = domain.OrderSideBuy
	}

	pair := &domain.OcoPair{
		ExchangePositionKey: domain.ExchangePositionKey(symbol, side),
		StrategyPositionID:  strategyPositionID,
		EntryPrice:          entryPrice,
		Quantity:            qty,
		Status:              domain.OcoPairActive,
		CreatedAt:           time.Now(),
	}

	var slResult, tpResult domain.FillResult
	var slErr, tpErr error

	if sl != nil {
		slResult, slErr = m.gateway.PlaceOrder(ctx, domain.TradeOrder{
			Symbol:       symbol,
			Side:         closeSide,
			Type:         domain.OrderTypeStop,
			Amount:       qty,
			TargetPrice:  *sl,
			PositionSide: side,
		})
		if slErr == nil {
			pair.SLOrderID = slResult.OrderID
		}
	}

	if tp != nil {
		tpResult, tpErr = m.gateway.PlaceOrder(ctx, domain.TradeOrder{
			Symbol:       symbol,
			Side:         closeSide,
			Type:         domain.OrderTypeTakeProfit,
			Amount:       qty,
			TargetPrice:  *tp,
			PositionSide: side,
		})
		if tpErr == nil {
			pair.TPOrderID = tpResult.OrderID
		}
	}

	if sl != nil && tp != nil && (slErr != nil) != (tpErr != nil) {
		// Partial success: cancel whichever leg placed and surface the failure.
		if slErr == nil {
			_ = m.gateway.CancelOrder(ctx, symbol, pair.SLOrderID)
			return nil, tpErr
		}
		_ = m.gateway.CancelOrder(ctx, symbol, pair.TPOrderID)
		return nil, slErr
	}
	if slErr != nil {
		return nil, slErr
	}
	if tpErr != nil {
		return nil, tpErr
	}

	m.mu.Lock()
	m.pairs[pair.ExchangePositionKey] = append(m.pairs[pair.ExchangePositionKey], pair)
	count := len(m.pairs[pair.ExchangePositionKey])
	m.mu.Unlock()

	m.metrics.ActiveOcoPairsPerPosition.WithLabelValues(pair.ExchangePositionKey).Set(float64(count))
	m.persistPair(ctx, pair)

	return pair, nil
}

// Start launches the monitoring loop as a background goroutine; call Stop
// to end it during graceful shutdown.
func (m *Manager) Start(ctx context.Context) {
	m.mu.Lock()
	if m.running {
		m.mu.Unlock()
		return
	}
	m.running = true
	m.stopCh = make(chan struct{})
	m.mu.Unlock()

	go m.monitorLoop(ctx)
}

func (m *Manager) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.running {
		return
	}
	close(m.stopCh)
	m.running = false
}

func (m *Manager) monitorLoop(ctx context.Context) {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-m.stopCh:
			return
		case <-ticker.C:
			m.checkAllPairs(ctx)
		}
	}
}

// checkAllPairs implements spec.md §4.4's monitoring loop body.
func (m *Manager) checkAllPairs(ctx context.Context) {
	m.mu.Lock()
	keys := make([]string, 0, len(m.pairs))
	for k := range m.pairs {
		keys = append(keys, k)
	}
	m.mu.Unlock()

	for _, key := range keys {
		m.mu.Lock()
		active := m.pairs[key]
		m.mu.Unlock()

		for _, pair := range active {
			if pair.Status != domain.OcoPairActive {
				continue
			}
			m.checkPair(ctx, pair)
		}
	}
}

func (m *Manager) checkPair(ctx context.Context, pair *domain.OcoPair) {
	symbol, _ := splitExchangeKey(pair.ExchangePositionKey)

	var slFill, tpFill *domain.FillResult
	if pair.SLOrderID != "" {
		if r, err := m.gateway.GetOrder(ctx, symbol, pair.SLOrderID); err == nil {
			slFill = &r
		}
	}
	if pair.TPOrderID != "" {
		if r, err := m.gateway.GetOrder(ctx, symbol, pair.TPOrderID); err == nil {
			tpFill = &r
		}
	}

	var triggered *domain.FillResult
	var reason domain.CloseReason
	var survivorOrderID string

	switch {
	case slFill != nil && slFill.Status == domain.OrderStatusFilled:
		triggered = slFill
		reason = domain.CloseReasonStopLoss
		survivorOrderID = pair.TPOrderID
	case tpFill != nil && tpFill.Status == domain.OrderStatusFilled:
		triggered = tpFill
		reason = domain.CloseReasonTakeProfit
		survivorOrderID = pair.SLOrderID
	default:
		return
	}

	if survivorOrderID != "" {
		if err := m.gateway.CancelOrder(ctx, symbol, survivorOrderID); err != nil && err != exchange.ErrOrderNotFound {
			m.logger.Warn("failed to cancel surviving OCO leg", zap.String("order_id", survivorOrderID), zap.Error(err))
		}
	}

	sp, realized, err := m.books.CloseReasonTrigger(pair.StrategyPositionID, triggered.FillPrice, reason, time.Now())
	if err != nil {
		m.logger.Error("failed to close strategy position on OCO trigger", zap.Error(err))
		return
	}

	m.mu.Lock()
	pair.Status = domain.OcoPairCompleted
	m.mu.Unlock()

	if reason == domain.CloseReasonTakeProfit {
		m.metrics.StrategyTPTriggered.WithLabelValues(sp.StrategyID).Inc()
	} else {
		m.metrics.StrategySLTriggered.WithLabelValues(sp.StrategyID).Inc()
	}
	m.metrics.PositionPnLRealized.WithLabelValues(sp.StrategyID, string(reason)).Observe(toFloat(realized))
	m.metrics.PositionsClosed.WithLabelValues(string(sp.Side)).Inc()

	m.persistPair(ctx, pair)
	m.persistStrategyPosition(ctx, sp)

	m.cleanupOrphansIfExchangePositionClosed(ctx, pair.ExchangePositionKey)
}

// cleanupOrphansIfExchangePositionClosed handles the case where the
// physical position fully closed but other strategies still have active
// pairs resting against it (e.g. a contribution accounting race) — those
// orders are now orphaned and must be flattened via the dispatcher rather
// than left resting indefinitely.
func (m *Manager) cleanupOrphansIfExchangePositionClosed(ctx context.Context, key string) {
	ep := m.books.ExchangePosition(key)
	if ep == nil || ep.Status != domain.PositionStatusClosed {
		return
	}

	m.mu.Lock()
	var hasOrphans bool
	for _, p := range m.pairs[key] {
		if p.Status == domain.OcoPairActive {
			hasOrphans = true
			break
		}
	}
	m.mu.Unlock()

	if !hasOrphans || m.closer == nil {
		return
	}

	symbol, side := splitExchangeKey(key)
	m.logger.Warn("orphaned OCO pairs after exchange position closed, flattening", zap.String("exchange_position_key", key))
	if err := m.closer.ClosePositionWithCleanup(ctx, symbol, side, "orphaned_oco_pairs"); err != nil {
		m.logger.Error("failed to flatten orphaned position", zap.Error(err))
	}
}

// CancelPairsFor implements spec.md §4.4's cancellation step for
// close_position_with_cleanup: cancel every active pair's resting orders
// before the caller issues the market close, so no orphaned orders remain.
func (m *Manager) CancelPairsFor(ctx context.Context, exchangePositionKey string) error {
	symbol, _ := splitExchangeKey(exchangePositionKey)

	m.mu.Lock()
	pairs := append([]*domain.OcoPair(nil), m.pairs[exchangePositionKey]...)
	m.mu.Unlock()

	var firstErr error
	for _, pair := range pairs {
		if pair.Status != domain.OcoPairActive {
			continue
		}
		for _, orderID := range []string{pair.SLOrderID, pair.TPOrderID} {
			if orderID == "" {
				continue
			}
			if err := m.gateway.CancelOrder(ctx, symbol, orderID); err != nil && err != exchange.ErrOrderNotFound && firstErr == nil {
				firstErr = err
			}
		}
		m.mu.Lock()
		pair.Status = domain.OcoPairCancelled
		m.mu.Unlock()
		m.persistPair(ctx, pair)
	}
	return firstErr
}

// CancelPairsForStrategy cancels the resting SL/TP legs belonging to a
// single superseded strategy on exchangePositionKey, leaving other
// strategies' pairs on the same physical position untouched. Used by the
// dispatcher when strongest_wins admits a signal and must cancel-and-replace
// the strategies it superseded, per spec.md §4.5.
func (m *Manager) CancelPairsForStrategy(ctx context.Context, exchangePositionKey, strategyID string) error {
	symbol, _ := splitExchangeKey(exchangePositionKey)

	m.mu.Lock()
	var toCancel []*domain.OcoPair
	for _, pair := range m.pairs[exchangePositionKey] {
		if pair.Status != domain.OcoPairActive {
			continue
		}
		sp := m.books.Get(pair.StrategyPositionID)
		if sp != nil && sp.StrategyID == strategyID {
			toCancel = append(toCancel, pair)
		}
	}
	m.mu.Unlock()

	var firstErr error
	for _, pair := range toCancel {
		for _, orderID := range []string{pair.SLOrderID, pair.TPOrderID} {
			if orderID == "" {
				continue
			}
			if err := m.gateway.CancelOrder(ctx, symbol, orderID); err != nil && err != exchange.ErrOrderNotFound && firstErr == nil {
				firstErr = err
			}
		}
		m.mu.Lock()
		pair.Status = domain.OcoPairCancelled
		m.mu.Unlock()
		m.persistPair(ctx, pair)
	}
	return firstErr
}

func (m *Manager) persistPair(ctx context.Context, pair *domain.OcoPair) {
	if m.sink == nil {
		return
	}
	_ = m.sink.Upsert(ctx, audit.Record{
		Collection: "oco_pairs",
		EntityID:   pair.StrategyPositionID,
		Event:      "oco_pair_updated",
		Timestamp:  time.Now(),
		Payload:    ocoPairPayload(pair),
	})
}

func (m *Manager) persistStrategyPosition(ctx context.Context, sp *domain.StrategyPosition) {
	if m.sink == nil {
		return
	}
	_ = m.sink.Upsert(ctx, audit.Record{
		Collection: "strategy_positions",
		EntityID:   sp.StrategyPositionID,
		Event:      "strategy_position_closed",
		Timestamp:  time.Now(),
		Payload: map[string]any{
			"strategy_position_id": sp.StrategyPositionID,
			"strategy_id":          sp.StrategyID,
			"status":               string(sp.Status),
			"close_reason":         string(sp.CloseReason),
			"realized_pnl":         decimalOrNil(sp.RealizedPnL),
		},
	})
}

func ocoPairPayload(p *domain.OcoPair) map[string]any {
	return map[string]any{
		"exchange_position_key": p.ExchangePositionKey,
		"strategy_position_id":  p.StrategyPositionID,
		"entry_price":           p.EntryPrice.String(),
		"quantity":              p.Quantity.String(),
		"sl_order_id":           p.SLOrderID,
		"tp_order_id":           p.TPOrderID,
		"status":                string(p.Status),
	}
}

func decimalOrNil(d *decimal.Decimal) any {
	if d == nil {
		return nil
	}
	return d.String()
}

func toFloat(d decimal.Decimal) float64 {
	f, _ := d.Float64()
	return f
}

// splitExchangeKey reverses domain.ExchangePositionKey's "{symbol}_{side}"
// format.
func splitExchangeKey(key string) (symbol string, side domain.PositionSide) {
	for i := len(key) - 1; i >= 0; i-- {
		if key[i] == '_' {
			return key[:i], domain.PositionSide(key[i+1:])
		}
	}
	return key, ""
}
