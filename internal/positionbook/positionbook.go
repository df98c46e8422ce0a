// Package positionbook implements the Position Manager: the physical
// exchange position map keyed by (symbol, side), VWAP entry accounting,
// and realized/unrealized PnL, per spec.md §4.2.
package positionbook

import (
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/nexusquant/trade-engine/internal/domain"
	"github.com/nexusquant/trade-engine/pkg/decimalx"
)

// Manager owns positions: (symbol, side) -> Position, mutated only under
// the caller's per-symbol lock per spec.md §5.
type Manager struct {
	logger *zap.Logger

	mu        sync.RWMutex
	positions map[domain.PositionKey]*domain.Position

	dailyMu     sync.Mutex
	dailyPnL    decimal.Decimal
	dailyTrades int
	dayStart    time.Time
}

func New(logger *zap.Logger) *Manager {
	return &Manager{
		logger:    logger.Named("positionbook"),
		positions: map[domain.PositionKey]*domain.Position{},
	}
}

// UpdateOnFill implements spec.md §4.2's update_on_fill: create on first
// fill, else VWAP-merge. Caller must hold the per-symbol lock.
func (m *Manager) UpdateOnFill(order domain.TradeOrder, fill domain.FillResult, now time.Time) *domain.Position {
	key := domain.PositionKey{Symbol: order.Symbol, Side: order.PositionSide}

	m.mu.Lock()
	defer m.mu.Unlock()

	pos, exists := m.positions[key]
	if !exists {
		pos = &domain.Position{
			Symbol:     order.Symbol,
			Side:       order.PositionSide,
			Quantity:   fill.FillQty,
			EntryPrice: fill.FillPrice,
			Status:     domain.PositionStatusOpen,
			EntryTime:  now,
		}
		m.positions[key] = pos
		m.incrementDailyTrades(now)
		return pos
	}

	pos.EntryPrice = decimalx.VWAP(pos.Quantity, pos.EntryPrice, fill.FillQty, fill.FillPrice)
	pos.Quantity = pos.Quantity.Add(fill.FillQty)
	pos.CommissionAccrued = pos.CommissionAccrued.Add(fill.Commission)
	m.incrementDailyTrades(now)
	return pos
}

func (m *Manager) incrementDailyTrades(now time.Time) {
	m.dailyMu.Lock()
	m.rolloverDayLocked(now)
	m.dailyTrades++
	m.dailyMu.Unlock()
}

// ClosePartial implements spec.md §4.2's close_partial: reduces qty, adds
// realized PnL for the closed portion, and marks the position closed if
// quantity reaches zero. Caller must hold the per-symbol lock.
func (m *Manager) ClosePartial(symbol string, side domain.PositionSide, qty, exitPrice decimal.Decimal, reason domain.CloseReason, commissionShare decimal.Decimal, now time.Time) (*domain.Position, decimal.Decimal) {
	key := domain.PositionKey{Symbol: symbol, Side: side}

	m.mu.Lock()
	defer m.mu.Unlock()

	pos, ok := m.positions[key]
	if !ok {
		return nil, decimal.Zero
	}

	realized := decimalx.PnL(pos.EntryPrice, exitPrice, qty, pos.IsLong()).Sub(commissionShare)
	pos.RealizedPnL = pos.RealizedPnL.Add(realized)
	pos.Quantity = pos.Quantity.Sub(qty)

	m.dailyMu.Lock()
	m.rolloverDayLocked(now)
	m.dailyPnL = m.dailyPnL.Add(realized)
	m.dailyMu.Unlock()

	if pos.Quantity.LessThanOrEqual(decimal.Zero) {
		pos.Quantity = decimal.Zero
		pos.Status = domain.PositionStatusClosed
		pos.ExitTime = &now
		pos.ExitPrice = &exitPrice
	}

	return pos, realized
}

// Get returns the position for (symbol, side), or nil if none exists.
func (m *Manager) Get(symbol string, side domain.PositionSide) *domain.Position {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.positions[domain.PositionKey{Symbol: symbol, Side: side}]
}

// GetAllForSymbol returns every side's position for symbol that exists.
func (m *Manager) GetAllForSymbol(symbol string) []*domain.Position {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*domain.Position
	for _, side := range []domain.PositionSide{domain.PositionSideLong, domain.PositionSideShort} {
		if p, ok := m.positions[domain.PositionKey{Symbol: symbol, Side: side}]; ok {
			out = append(out, p)
		}
	}
	return out
}

// GetOpen returns every currently open position.
func (m *Manager) GetOpen() []*domain.Position {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]*domain.Position, 0, len(m.positions))
	for _, p := range m.positions {
		if p.Status == domain.PositionStatusOpen {
			out = append(out, p)
		}
	}
	return out
}

// MarkPrice updates unrealized PnL for a (symbol, side) position using a
// fresh mark price; no-op if the position does not exist.
func (m *Manager) MarkPrice(symbol string, side domain.PositionSide, mark decimal.Decimal) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if p, ok := m.positions[domain.PositionKey{Symbol: symbol, Side: side}]; ok {
		p.UpdateUnrealizedPnL(mark)
	}
}

// DailyRealizedPnL returns realized PnL accrued for the current UTC day,
// resetting the counter if the day has rolled over. Used by riskguard's
// max_daily_loss_pct check.
func (m *Manager) DailyRealizedPnL(now time.Time) decimal.Decimal {
	m.dailyMu.Lock()
	defer m.dailyMu.Unlock()
	m.rolloverDayLocked(now)
	return m.dailyPnL
}

// DailyTradeCount returns the number of fills recorded for the current
// UTC day.
func (m *Manager) DailyTradeCount(now time.Time) int {
	m.dailyMu.Lock()
	defer m.dailyMu.Unlock()
	m.rolloverDayLocked(now)
	return m.dailyTrades
}

func (m *Manager) rolloverDayLocked(now time.Time) {
	day := now.UTC().Truncate(24 * time.Hour)
	if !m.dayStart.Equal(day) {
		m.dayStart = day
		m.dailyPnL = decimal.Zero
		m.dailyTrades = 0
	}
}
