// Package strategybook implements the Strategy Position Manager: virtual
// per-strategy positions layered over the physical ExchangePosition
// aggregate, with a PositionContribution ledger, per spec.md §4.3.
//
// PnL is always computed against the contributing strategy's own entry
// price, never the aggregate weighted average — the single most important
// invariant of this subsystem.
package strategybook

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/nexusquant/trade-engine/internal/domain"
	"github.com/nexusquant/trade-engine/pkg/decimalx"
)

// Manager owns StrategyPositions, PositionContributions, and the
// ExchangePosition aggregate they roll up into.
type Manager struct {
	logger *zap.Logger

	mu                 sync.RWMutex
	strategyPositions  map[string]*domain.StrategyPosition      // by strategy_position_id
	contributions      map[string]*domain.PositionContribution  // by contribution_id
	contribByStratPos  map[string]string                        // strategy_position_id -> contribution_id
	exchangePositions  map[string]*domain.ExchangePosition       // by exchange_position_key
}

func New(logger *zap.Logger) *Manager {
	return &Manager{
		logger:             logger.Named("strategybook"),
		strategyPositions:  map[string]*domain.StrategyPosition{},
		contributions:      map[string]*domain.PositionContribution{},
		contribByStratPos:  map[string]string{},
		exchangePositions:  map[string]*domain.ExchangePosition{},
	}
}

// Create implements spec.md §4.3: for an admitted order, create a
// StrategyPosition and a PositionContribution, and fold them into the
// ExchangePosition aggregate (weighted-average entry, contributors list,
// total_contributions). Caller must hold the per-symbol lock.
func (m *Manager) Create(sig domain.Signal, order domain.TradeOrder, fillPrice, fillQty decimal.Decimal, now time.Time) (*domain.StrategyPosition, *domain.PositionContribution) {
	key := domain.ExchangePositionKey(order.Symbol, order.PositionSide)

	m.mu.Lock()
	defer m.mu.Unlock()

	sp := &domain.StrategyPosition{
		StrategyPositionID:  uuid.NewString(),
		StrategyID:          sig.StrategyID,
		Symbol:              order.Symbol,
		Side:                order.PositionSide,
		EntryPrice:          fillPrice,
		Quantity:            fillQty,
		EntryTime:           now,
		Status:              domain.StrategyPositionOpen,
		ExchangePositionKey: key,
	}
	if order.StopLoss != nil {
		sp.StopLoss = *order.StopLoss
	}
	if order.TakeProfit != nil {
		sp.TakeProfit = *order.TakeProfit
	}

	ep, exists := m.exchangePositions[key]
	if !exists {
		ep = &domain.ExchangePosition{
			Key:              key,
			Symbol:           order.Symbol,
			Side:             order.PositionSide,
			CurrentQuantity:  decimal.Zero,
			WeightedAvgEntry: decimal.Zero,
			Status:           domain.PositionStatusOpen,
		}
		m.exchangePositions[key] = ep
	}

	before := ep.CurrentQuantity
	ep.WeightedAvgEntry = decimalx.VWAP(ep.CurrentQuantity, ep.WeightedAvgEntry, fillQty, fillPrice)
	ep.CurrentQuantity = ep.CurrentQuantity.Add(fillQty)
	ep.ContributingStrategies = append(ep.ContributingStrategies, sig.StrategyID)
	ep.TotalContributions++
	ep.Status = domain.PositionStatusOpen

	contrib := &domain.PositionContribution{
		ContributionID:      uuid.NewString(),
		StrategyPositionID:  sp.StrategyPositionID,
		ExchangePositionKey: key,
		Quantity:            fillQty,
		EntryPrice:          fillPrice,
		PositionSequence:    ep.TotalContributions,
		ExchangeQtyBefore:   before,
		ExchangeQtyAfter:    ep.CurrentQuantity,
		Status:              domain.StrategyPositionOpen,
	}

	m.strategyPositions[sp.StrategyPositionID] = sp
	m.contributions[contrib.ContributionID] = contrib
	m.contribByStratPos[sp.StrategyPositionID] = contrib.ContributionID

	return sp, contrib
}

// CloseReasonTrigger implements spec.md §4.4 step 2: close a strategy
// position at exitPrice for reason, attribute PnL against its own entry
// price, mark the contribution closed, and decrement the ExchangePosition.
// Caller must hold the per-symbol lock.
func (m *Manager) CloseReasonTrigger(strategyPositionID string, exitPrice decimal.Decimal, reason domain.CloseReason, now time.Time) (*domain.StrategyPosition, decimal.Decimal, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	sp, ok := m.strategyPositions[strategyPositionID]
	if !ok {
		return nil, decimal.Zero, domain.NewValidationError("unknown strategy_position_id", nil)
	}
	if sp.Status == domain.StrategyPositionClosed {
		// Idempotent: closing an already-closed position is a no-op.
		return sp, decimal.Zero, nil
	}

	sp.Close(exitPrice, now, reason)

	contribID := m.contribByStratPos[strategyPositionID]
	if contrib, ok := m.contributions[contribID]; ok {
		contrib.Status = domain.StrategyPositionClosed
		contrib.ClosedAt = &now
		contrib.ExitPrice = &exitPrice
		contrib.RealizedPnL = sp.RealizedPnL
		contrib.CloseReason = reason
	}

	if ep, ok := m.exchangePositions[sp.ExchangePositionKey]; ok {
		ep.CurrentQuantity = ep.CurrentQuantity.Sub(sp.Quantity)
		if ep.CurrentQuantity.LessThanOrEqual(decimal.Zero) {
			ep.CurrentQuantity = decimal.Zero
			ep.Status = domain.PositionStatusClosed
		}
	}

	return sp, *sp.RealizedPnL, nil
}

// Get returns a strategy position by id, or nil.
func (m *Manager) Get(strategyPositionID string) *domain.StrategyPosition {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.strategyPositions[strategyPositionID]
}

// ExchangePosition returns the aggregate for key, or nil.
func (m *Manager) ExchangePosition(key string) *domain.ExchangePosition {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.exchangePositions[key]
}

// ContributionsFor returns every contribution ledger row for an exchange
// position key, used to verify Σ contribution_qty == current_quantity.
func (m *Manager) ContributionsFor(key string) []*domain.PositionContribution {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*domain.PositionContribution
	for _, c := range m.contributions {
		if c.ExchangePositionKey == key {
			out = append(out, c)
		}
	}
	return out
}
