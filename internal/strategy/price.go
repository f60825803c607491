package strategy

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"predtrader/internal/config"
	"predtrader/internal/types"
)

// priceArbitrageThreshold is the price at which a side counts as having
// drifted high enough that its complement is worth buying.
const priceArbitrageThreshold = 0.6

// lateWindowSellMultiplier caps an unsold late-window position's sell at
// 120% of totalBuysCost.
const lateWindowSellMultiplier = 1.2

// PriceArbitrage is the same low-side-buy idea as hourly arbitrage, but
// phased across each hour: conservative early window, full-size main
// window, sell-only late window.
type PriceArbitrage struct {
	lc lifecycle

	cfg        config.PriceArbitrageConfig
	markets    MarketSource
	positions  PositionSource
	dispatcher Dispatcher
	clock      func() time.Time
	logger     *slog.Logger

	mu          sync.Mutex
	preApproved map[string]int // marketID -> additional account slots reserved
}

// NewPriceArbitrage constructs the strategy.
func NewPriceArbitrage(cfg config.PriceArbitrageConfig, markets MarketSource, positions PositionSource, dispatcher Dispatcher, logger *slog.Logger) *PriceArbitrage {
	return &PriceArbitrage{
		cfg:         cfg,
		markets:     markets,
		positions:   positions,
		dispatcher:  dispatcher,
		clock:       time.Now,
		logger:      logger.With("component", "strategy", "strategy_type", types.StrategyPriceArbitrage),
		preApproved: map[string]int{},
	}
}

// SetClock overrides the strategy's notion of "now"; used by tests. The
// phase switch reads local-time minutes deliberately.
func (s *PriceArbitrage) SetClock(c func() time.Time) { s.clock = c }

func (s *PriceArbitrage) Initialize(ctx context.Context) error {
	s.lc.setState(StateInitializing)
	s.lc.setState(StateIdle)
	return nil
}

func (s *PriceArbitrage) Start(ctx context.Context) error {
	s.lc.start(ctx, func(c context.Context) {
		s.lc.runTicks(c, s.cfg.SellToArbitrageInterval, s.Execute, s.logger)
	})
	return nil
}

func (s *PriceArbitrage) Stop() { s.lc.stop() }

func (s *PriceArbitrage) Status() Status { return s.lc.status() }

// Execute runs the three-window schedule keyed off the current minute.
func (s *PriceArbitrage) Execute(ctx context.Context) (int, error) {
	now := s.clock()
	minute := now.Minute()

	var opps []types.Opportunity
	switch {
	case minute < s.cfg.MinMinutes:
		opps = s.scanWindow(now, s.cfg.Slippage/2, true)
	case minute <= s.cfg.MaxMinutes:
		opps = s.scanWindow(now, s.cfg.Slippage, false)
	default:
		opps = s.scanLateWindow(now)
	}

	if len(opps) > 0 {
		s.dispatcher.CoordinateOpportunityDistribution(ctx, types.StrategyPriceArbitrage, opps)
	}
	return len(opps), nil
}

// scanWindow is the early/main window logic: buy the complement of
// whichever side has drifted to or past priceArbitrageThreshold. The early
// window additionally reserves pre-approval slots for a market so a later
// execution in the main window can fire without a fresh approval round
// trip; the slot bookkeeping is local to this strategy (the executor's own
// EnsureApproved call remains the source of truth for actual approvals).
func (s *PriceArbitrage) scanWindow(now time.Time, slippage float64, earlyWindow bool) []types.Opportunity {
	var opps []types.Opportunity
	for _, m := range s.markets.Markets() {
		if m.IsExpired(now) || m.FeedPrices == nil {
			continue
		}

		var outcomeIndex int
		var price float64
		switch {
		case m.FeedPrices.YES >= priceArbitrageThreshold:
			outcomeIndex, price = 1, m.FeedPrices.NO
		case m.FeedPrices.NO >= priceArbitrageThreshold:
			outcomeIndex, price = 0, m.FeedPrices.YES
		default:
			continue
		}
		if price <= 0 {
			continue
		}

		opps = append(opps, types.Opportunity{
			Market:        m,
			Side:          types.SideBuy,
			OutcomeIndex:  outcomeIndex,
			PricePerToken: price,
			Amount:        types.USDC(s.cfg.Amount),
			Slippage:      slippage,
		})

		if earlyWindow {
			s.reserveSlots(m.ConditionID)
		}
	}
	return opps
}

func (s *PriceArbitrage) reserveSlots(marketID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cfg.MaxConcurrentPositions > 0 {
		s.preApproved[marketID] = s.cfg.MaxConcurrentPositions
	}
}

// scanLateWindow sells out of any position left unsold past the main
// window, capped at 120% of what was paid for it.
func (s *PriceArbitrage) scanLateWindow(now time.Time) []types.Opportunity {
	var opps []types.Opportunity
	byMarket := map[string]types.Market{}
	for _, m := range s.markets.Markets() {
		byMarket[m.ConditionID] = m
	}

	for _, positionsForAccount := range s.positions.All() {
		for _, p := range positionsForAccount {
			if !p.TotalSellsCost.IsZero() {
				continue
			}
			m, ok := byMarket[p.MarketConditionID]
			if !ok {
				continue
			}
			returnCap := p.TotalBuysCost.Mul(decimal.NewFromFloat(lateWindowSellMultiplier))
			opps = append(opps, types.Opportunity{
				Market:       m,
				Side:         types.SideSell,
				OutcomeIndex: p.OutcomeIndex,
				Amount:       returnCap,
				CloseOrder: &types.CloseOrder{
					ContractAddress: m.Address,
					OutcomeIndex:    p.OutcomeIndex,
					ReturnAmount:    returnCap,
					MaxSell:         p.OutcomeTokenAmount,
					Reason:          "unsold_late_window",
				},
			})
		}
	}
	return opps
}
