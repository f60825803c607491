// Package risk tracks per-account transient risk state (daily loss, active
// positions, total exposure) and applies the ordered gate sequence an
// executor consults before submitting an order. The gates are synchronous
// checks inside the opportunity path, not an async kill-switch monitor.
package risk

import (
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"predtrader/internal/types"
)

// Clock abstracts time.Now so tests can pin "today" and "now" independently
// of the machine's wall clock. Daily resets and trading-hour checks use
// local time deliberately.
type Clock func() time.Time

// Manager holds per-account transient risk state and the venue-wide caps it
// is checked against. One Manager is shared by every account executor.
type Manager struct {
	mu     sync.Mutex
	limits types.GlobalLimits
	clock  Clock

	tradingHourStart   int
	tradingHourEnd     int
	enforceTradingHours bool
	minLiquidity       float64
	minVolume          float64

	state map[string]*types.AccountRiskState // accountID -> state
}

// NewManager constructs a Manager from the venue-wide limits and the
// executor-level gate parameters (trading hours, liquidity/volume floors).
func NewManager(limits types.GlobalLimits, tradingHourStart, tradingHourEnd int, enforceTradingHours bool, minLiquidity, minVolume float64) *Manager {
	return &Manager{
		limits:              limits,
		clock:               time.Now,
		tradingHourStart:    tradingHourStart,
		tradingHourEnd:      tradingHourEnd,
		enforceTradingHours: enforceTradingHours,
		minLiquidity:        minLiquidity,
		minVolume:           minVolume,
		state:               map[string]*types.AccountRiskState{},
	}
}

// SetClock overrides the manager's notion of "now"; used by tests pinning
// the trading-hours and daily-reset checks.
func (m *Manager) SetClock(c Clock) { m.clock = c }

func (m *Manager) stateLocked(accountID string) *types.AccountRiskState {
	st, ok := m.state[accountID]
	if !ok {
		st = &types.AccountRiskState{LastResetDate: m.clock().Format("2006-01-02")}
		m.state[accountID] = st
	}
	today := m.clock().Format("2006-01-02")
	if st.LastResetDate != today {
		st.DailyLoss = decimal.Zero
		st.LastResetDate = today
	}
	return st
}

// Snapshot returns a copy of an account's current risk state.
func (m *Manager) Snapshot(accountID string) types.AccountRiskState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return *m.stateLocked(accountID)
}

// GateInput bundles everything CheckGates needs about the proposed trade
// and the market it targets.
type GateInput struct {
	AccountID   string
	AccountMaxRisk decimal.Decimal
	ConfigMaxRiskLevel float64 // 0 = not set
	Amount      decimal.Decimal
	Market      types.Market
	RiskLevel   float64 // 0 if strategy didn't set one
}

// CheckGates applies every gate in order. It returns the empty string if
// every gate passes, else the first failing gate's reason.
func (m *Manager) CheckGates(in GateInput) string {
	now := m.clock()

	if in.Amount.GreaterThan(in.AccountMaxRisk) {
		return "per-account cap"
	}
	if m.limits.MaxPositionSize.GreaterThan(decimal.Zero) && in.Amount.GreaterThan(m.limits.MaxPositionSize) {
		return "global max position size"
	}

	maxRiskLevel := m.limits.MaxRiskLevel
	if in.ConfigMaxRiskLevel > 0 && in.ConfigMaxRiskLevel < maxRiskLevel {
		maxRiskLevel = in.ConfigMaxRiskLevel
	}
	if maxRiskLevel > 0 && in.RiskLevel > maxRiskLevel {
		return "risk level exceeds cap"
	}

	if in.Market.IsExpired(now) {
		return "market expired"
	}
	if in.Market.EndDate.Sub(now) < 60*time.Second {
		return "too close to settlement"
	}

	if m.enforceTradingHours {
		hour := now.Hour()
		if hour < m.tradingHourStart || hour > m.tradingHourEnd {
			return "outside trading hours"
		}
	}

	if in.Market.EndDate.Sub(now) > 30*24*time.Hour {
		return "market too far out"
	}

	if in.Market.Liquidity > 0 && in.Market.Liquidity < m.minLiquidity {
		return "liquidity below floor"
	}
	if in.Market.Volume24h > 0 && in.Market.Volume24h < m.minVolume {
		return "volume below floor"
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	st := m.stateLocked(in.AccountID)

	if st.DailyLoss.Add(in.Amount).GreaterThan(m.limits.MaxDailyLoss) {
		return "daily loss cap"
	}
	if st.ActivePositions >= m.limits.MaxConcurrentPositionsPerAccount {
		return "per-account concurrent position cap"
	}
	maxExposure := m.limits.MaxPositionSize.Mul(decimal.NewFromInt(3))
	if st.TotalExposure.Add(in.Amount).GreaterThan(maxExposure) {
		return "total exposure cap"
	}

	return ""
}

// RecordOpen updates an account's risk state after a successful order
// submission.
func (m *Manager) RecordOpen(accountID string, amount decimal.Decimal) {
	m.mu.Lock()
	defer m.mu.Unlock()
	st := m.stateLocked(accountID)
	st.ActivePositions++
	st.TotalExposure = st.TotalExposure.Add(amount)
}

// RecordClose reverses RecordOpen when a position settles or closes,
// optionally folding a realized loss into the day's running total.
func (m *Manager) RecordClose(accountID string, amount decimal.Decimal, realizedLoss decimal.Decimal) {
	m.mu.Lock()
	defer m.mu.Unlock()
	st := m.stateLocked(accountID)
	if st.ActivePositions > 0 {
		st.ActivePositions--
	}
	st.TotalExposure = st.TotalExposure.Sub(amount)
	if st.TotalExposure.IsNegative() {
		st.TotalExposure = decimal.Zero
	}
	if realizedLoss.IsPositive() {
		st.DailyLoss = st.DailyLoss.Add(realizedLoss)
	}
}

// RiskRejection is a rejected gate check; the executor counts these as
// rejections rather than failures.
type RiskRejection struct{ Reason string }

func (e *RiskRejection) Error() string { return fmt.Sprintf("risk: rejected: %s", e.Reason) }
