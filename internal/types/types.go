// Package types defines the shared data model used across all packages:
// markets, accounts, positions, opportunities, and the global risk policy.
// It has no dependency on internal packages so any layer can import it.
package types

import (
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// ————————————————————————————————————————————————————————————————————————
// Market snapshot
// ————————————————————————————————————————————————————————————————————————

// FeedPrices is the venue's implied-probability quote for a market, present
// only on markets the feed actively prices.
type FeedPrices struct {
	YES float64
	NO  float64
}

// TradePrice is one historical trade observation used by strategies that
// look at recent price action rather than just the current feed.
type TradePrice struct {
	Price float64
	Side  int // 0 = YES, 1 = NO
	At    time.Time
}

// MarketSettings carries venue-configured parameters relevant to LP making
// and order sizing; nil when the venue doesn't expose them for a market.
type MarketSettings struct {
	MinSize      float64
	MaxSpread    float64
	DailyReward  float64
	RewardsEpoch string
}

// Market is the read-only snapshot entity: replaced wholesale on every
// snapshot refresh and never mutated in place.
type Market struct {
	ConditionID string // 66-char 0x-prefixed hex
	Address     string // on-chain market contract
	Slug        string

	Title        string
	EndDate      time.Time
	Expired      bool
	Closed       bool
	Tags         []string
	IsRewardable bool

	// TokenIDs[0] = YES, TokenIDs[1] = NO.
	TokenIDs [2]string

	FeedPrices   *FeedPrices
	TradePrices  []TradePrice
	Settings     *MarketSettings

	Liquidity float64
	Volume24h float64
}

// IsExpired reports whether the market can no longer be traded: a market
// whose EndDate has passed is treated as expired even if the upstream flag
// hasn't caught up.
func (m Market) IsExpired(now time.Time) bool {
	return m.Expired || !m.EndDate.After(now)
}

// HasTag reports whether tag matches case-insensitively.
func (m Market) HasTag(tag string) bool {
	tag = strings.ToLower(tag)
	for _, t := range m.Tags {
		if strings.ToLower(t) == tag {
			return true
		}
	}
	return false
}

// ————————————————————————————————————————————————————————————————————————
// Accounts
// ————————————————————————————————————————————————————————————————————————

// StrategyType identifies one of the three shipped strategies.
type StrategyType string

const (
	StrategyHourlyArbitrage StrategyType = "hourly_arbitrage"
	StrategyPriceArbitrage  StrategyType = "price_arbitrage"
	StrategyLPMaking        StrategyType = "lp_making"
)

// AccountState is the plaintext, per-account metadata persisted by the
// state store. No private material lives here.
type AccountState struct {
	ID               string         `json:"id"`
	Name             string         `json:"name"`
	Balance          decimal.Decimal `json:"balance"`
	MaxRisk          decimal.Decimal `json:"maxRisk"`
	Strategies       []StrategyType `json:"strategies"`
	IsActive         bool           `json:"isActive"`
	CreatedAt        time.Time      `json:"createdAt"`
	LastBalanceUpdate *time.Time    `json:"lastBalanceUpdate,omitempty"`
}

// HasStrategy reports whether the account has the given strategy enabled.
func (a AccountState) HasStrategy(s StrategyType) bool {
	for _, st := range a.Strategies {
		if st == s {
			return true
		}
	}
	return false
}

// AccountRiskState is the per-account transient risk tracker. It resets
// whenever LastResetDate is not today.
type AccountRiskState struct {
	DailyLoss       decimal.Decimal
	ActivePositions int
	TotalExposure   decimal.Decimal
	LastResetDate   string // YYYY-MM-DD, local time
}

// GlobalLimits are the venue-wide risk caps applied on top of each
// account's own MaxRisk.
type GlobalLimits struct {
	MaxDailyLoss                     decimal.Decimal
	MaxPositionSize                  decimal.Decimal
	MaxRiskLevel                     float64
	MaxConcurrentPositionsPerAccount int
}

// ————————————————————————————————————————————————————————————————————————
// Positions
// ————————————————————————————————————————————————————————————————————————

// Position is identified by the (Account, MarketConditionID, OutcomeIndex)
// tuple the venue's portfolio endpoint returns.
type Position struct {
	Account            string
	MarketConditionID  string
	OutcomeIndex       int // 0 = YES, 1 = NO
	OutcomeTokenAmount decimal.Decimal
	TotalBuysCost      decimal.Decimal
	TotalSellsCost     decimal.Decimal
}

// ID returns the identity tuple as a stable string key.
func (p Position) ID() string {
	idx := "0"
	if p.OutcomeIndex == 1 {
		idx = "1"
	}
	return p.Account + "|" + p.MarketConditionID + "|" + idx
}

// ————————————————————————————————————————————————————————————————————————
// Opportunities
// ————————————————————————————————————————————————————————————————————————

// Side is the trade direction a strategy proposes.
type Side string

const (
	SideBuy   Side = "buy"
	SideSell  Side = "sell"
	SideSplit Side = "split"
)

// OrderKind picks which venue order path an opportunity's Side=buy should
// take: an immediate AMM market order, or a resting limit order on the
// book. Strategies that quote (LP making) use OrderKindLimit; strategies
// that take (hourly and price arbitrage) use the default, OrderKindMarket.
type OrderKind string

const (
	OrderKindMarket OrderKind = ""
	OrderKindLimit  OrderKind = "limit"
)

// Opportunity is the transient value a strategy emits once per tick and the
// coordinator consumes at most once. Never persisted.
type Opportunity struct {
	Market          Market
	Side            Side
	OrderKind       OrderKind
	OutcomeIndex    int
	PricePerToken   float64
	Amount          decimal.Decimal // USDC, 6-decimal fixed point
	Slippage        float64
	ExpectedReturn  decimal.Decimal
	RiskLevel       float64 // 0 if not set by the strategy

	// Reason tags special-purpose opportunities for the event/status
	// surface, e.g. "profit_taking" on a reprice that accepts profit.
	Reason string

	// CloseOrder carries strategy-provided close instructions for
	// position-lifecycle ticks (used by price arbitrage's late window and LP
	// making's requote). Nil for ordinary open opportunities.
	CloseOrder *CloseOrder
}

// CloseOrder describes how a strategy wants an existing position closed or
// repriced; produced by strategy.execute() and consumed by the executor's
// position-lifecycle tick.
type CloseOrder struct {
	PositionID    string
	ContractAddress string
	OutcomeIndex  int
	ReturnAmount  decimal.Decimal
	MaxSell       decimal.Decimal
	Reason        string // e.g. "profit_taking", "unsold_late_window"
}

// ————————————————————————————————————————————————————————————————————————
// USDC fixed point helpers
// ————————————————————————————————————————————————————————————————————————

// USDCDecimals is the number of decimals the venue uses for on-wire amounts.
const USDCDecimals = 6

// USDC converts a human-readable dollar amount to the decimal.Decimal used
// throughout the engine; amounts are always carried with full precision and
// only rounded to wire integers at the venue client boundary.
func USDC(amount float64) decimal.Decimal {
	return decimal.NewFromFloat(amount).Round(USDCDecimals)
}

// WireUnits returns the integer base-unit amount (1e6 = $1) the venue's
// REST/on-chain calls expect.
func WireUnits(d decimal.Decimal) string {
	return d.Shift(USDCDecimals).Truncate(0).String()
}
