package strategy

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"predtrader/internal/config"
	"predtrader/internal/types"
)

// hourlyArbitrageSlippage is the fixed slippage tolerance for hourly
// arbitrage orders. Unlike price arbitrage there is no per-strategy
// slippage knob, so one conservative constant serves.
const hourlyArbitrageSlippage = 0.01

// HourlyArbitrage buys the low side of a market that settles on the hour
// once its price has drifted to one side.
type HourlyArbitrage struct {
	lc lifecycle

	cfg        config.HourlyArbitrageConfig
	markets    MarketSource
	dispatcher Dispatcher
	clock      func() time.Time
	logger     *slog.Logger
}

// NewHourlyArbitrage constructs the strategy.
func NewHourlyArbitrage(cfg config.HourlyArbitrageConfig, markets MarketSource, dispatcher Dispatcher, logger *slog.Logger) *HourlyArbitrage {
	return &HourlyArbitrage{
		cfg:        cfg,
		markets:    markets,
		dispatcher: dispatcher,
		clock:      time.Now,
		logger:     logger.With("component", "strategy", "strategy_type", types.StrategyHourlyArbitrage),
	}
}

// SetClock overrides the strategy's notion of "now"; used by tests.
func (s *HourlyArbitrage) SetClock(c func() time.Time) { s.clock = c }

func (s *HourlyArbitrage) Initialize(ctx context.Context) error {
	s.lc.setState(StateInitializing)
	s.lc.setState(StateIdle)
	return nil
}

func (s *HourlyArbitrage) Start(ctx context.Context) error {
	s.lc.start(ctx, func(c context.Context) {
		s.lc.runTicks(c, s.cfg.ScanInterval, s.Execute, s.logger)
	})
	return nil
}

func (s *HourlyArbitrage) Stop() { s.lc.stop() }

func (s *HourlyArbitrage) Status() Status { return s.lc.status() }

// Execute runs one scan over the market snapshot.
func (s *HourlyArbitrage) Execute(ctx context.Context) (int, error) {
	now := s.clock()
	var opps []types.Opportunity

	for _, m := range s.markets.Markets() {
		if m.IsExpired(now) || !qualifiesHourly(m) {
			continue
		}
		opp, ok := s.buildOpportunity(m, now)
		if !ok {
			continue
		}
		opps = append(opps, opp)
	}

	if len(opps) > 0 {
		s.dispatcher.CoordinateOpportunityDistribution(ctx, types.StrategyHourlyArbitrage, opps)
	}
	return len(opps), nil
}

// qualifiesHourly: tagged "hourly", or an on-the-hour end date with
// "hourly"/"hour" in the title.
func qualifiesHourly(m types.Market) bool {
	if m.HasTag("hourly") {
		return true
	}
	if m.EndDate.Minute() != 0 {
		return false
	}
	title := strings.ToLower(m.Title)
	return strings.Contains(title, "hourly") || strings.Contains(title, "hour")
}

func (s *HourlyArbitrage) buildOpportunity(m types.Market, now time.Time) (types.Opportunity, bool) {
	timeToExpiry := m.EndDate.Sub(now)
	if timeToExpiry < s.cfg.MinTimeToSettlement || timeToExpiry > s.cfg.SettlementBuffer {
		return types.Opportunity{}, false
	}
	if m.FeedPrices == nil {
		return types.Opportunity{}, false
	}

	yes, no := m.FeedPrices.YES, m.FeedPrices.NO
	var outcomeIndex int
	var price float64
	switch {
	case yes >= s.cfg.MinPriceThreshold && yes <= s.cfg.MaxPriceThreshold:
		outcomeIndex, price = 1, no
	case no >= s.cfg.MinPriceThreshold && no <= s.cfg.MaxPriceThreshold:
		outcomeIndex, price = 0, yes
	default:
		return types.Opportunity{}, false
	}
	if price <= 0 {
		return types.Opportunity{}, false
	}

	amount := types.USDC(s.cfg.Amount)
	priceDec := decimal.NewFromFloat(price)
	expectedReturn := amount.Div(priceDec).Sub(amount).Mul(priceDec)

	return types.Opportunity{
		Market:         m,
		Side:           types.SideBuy,
		OutcomeIndex:   outcomeIndex,
		PricePerToken:  price,
		Amount:         amount,
		Slippage:       hourlyArbitrageSlippage,
		ExpectedReturn: expectedReturn,
	}, true
}
