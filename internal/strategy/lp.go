package strategy

import (
	"context"
	"log/slog"
	"math"
	"sort"
	"sync"
	"time"

	"predtrader/internal/config"
	"predtrader/internal/types"
)

// lpState tracks one open LP-making market across ticks: the entry we
// bought at, the profit target it implies, and the resting quote's price
// and age.
type lpState struct {
	outcomeIndex int
	entryPrice   float64
	targetPrice  float64
	quotePrice   float64
	quoted       bool
	quotedAt     time.Time
	lastChecked  time.Time
}

// lpCandidate is one scored market, ready to either open or requote.
type lpCandidate struct {
	market types.Market
	score  float64
	side   int // outcome index of the thinner/cheaper side
}

// LPMaking takes an initial position in a rewardable market's thinner
// side, rests a single exit quote, and requotes or cancels it on a timer.
type LPMaking struct {
	lc lifecycle

	cfg        config.LPMakingConfig
	markets    MarketSource
	dispatcher Dispatcher
	clock      func() time.Time
	logger     *slog.Logger

	mu         sync.Mutex
	openMarkets map[string]lpState
}

// NewLPMaking constructs the strategy.
func NewLPMaking(cfg config.LPMakingConfig, markets MarketSource, dispatcher Dispatcher, logger *slog.Logger) *LPMaking {
	return &LPMaking{
		cfg:         cfg,
		markets:     markets,
		dispatcher:  dispatcher,
		clock:       time.Now,
		logger:      logger.With("component", "strategy", "strategy_type", types.StrategyLPMaking),
		openMarkets: map[string]lpState{},
	}
}

// SetClock overrides the strategy's notion of "now"; used by tests.
func (s *LPMaking) SetClock(c func() time.Time) { s.clock = c }

func (s *LPMaking) Initialize(ctx context.Context) error {
	s.lc.setState(StateInitializing)
	s.lc.setState(StateIdle)
	return nil
}

func (s *LPMaking) Start(ctx context.Context) error {
	s.lc.start(ctx, func(c context.Context) {
		s.lc.runTicks(c, s.cfg.PriceAdjustmentInterval, s.Execute, s.logger)
	})
	return nil
}

func (s *LPMaking) Stop() { s.lc.stop() }

func (s *LPMaking) Status() Status { return s.lc.status() }

// Execute opens new qualifying markets up to maxConcurrentMarkets and
// requotes markets already open.
func (s *LPMaking) Execute(ctx context.Context) (int, error) {
	now := s.clock()
	var opps []types.Opportunity

	for _, c := range s.scoreMarkets(now) {
		s.mu.Lock()
		_, already := s.openMarkets[c.market.ConditionID]
		openCount := len(s.openMarkets)
		s.mu.Unlock()

		if already {
			opps = append(opps, s.requote(c, now)...)
			continue
		}
		if openCount >= s.cfg.MaxConcurrentMarkets {
			continue
		}

		opp, st, ok := s.initialPurchase(c, now)
		if !ok {
			continue
		}
		s.mu.Lock()
		s.openMarkets[c.market.ConditionID] = st
		s.mu.Unlock()
		opps = append(opps, opp)
	}

	if len(opps) > 0 {
		s.dispatcher.CoordinateOpportunityDistribution(ctx, types.StrategyLPMaking, opps)
	}
	return len(opps), nil
}

// scoreMarkets filters to rewardable, unexpired markets with at least 24h
// to settlement, scored on mid-price proximity to 0.5, spread, remaining
// time, and posted dailyReward.
func (s *LPMaking) scoreMarkets(now time.Time) []lpCandidate {
	var out []lpCandidate
	for _, m := range s.markets.Markets() {
		if !m.IsRewardable || m.IsExpired(now) || m.FeedPrices == nil {
			continue
		}
		if m.EndDate.Sub(now) < 24*time.Hour {
			continue
		}

		mid := (m.FeedPrices.YES + m.FeedPrices.NO) / 2
		midProximity := 1 - math.Abs(mid-0.5)*2

		spread, reward := 0.0, 0.0
		if m.Settings != nil {
			spread = m.Settings.MaxSpread
			reward = m.Settings.DailyReward
		}
		spreadScore := 1 - math.Min(spread/0.1, 1)
		timeScore := math.Min(m.EndDate.Sub(now).Hours()/168, 1)
		rewardScore := math.Min(reward/100, 1)

		score := 0.35*midProximity + 0.25*spreadScore + 0.15*timeScore + 0.25*rewardScore
		if score < s.cfg.MinMarketScore {
			continue
		}

		side := 0 // YES is thinner/cheaper when NO is priced higher
		if m.FeedPrices.YES > m.FeedPrices.NO {
			side = 1
		}
		out = append(out, lpCandidate{market: m, score: score, side: side})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].score > out[j].score })
	return out
}

func (s *LPMaking) initialPurchase(c lpCandidate, now time.Time) (types.Opportunity, lpState, bool) {
	price := c.market.FeedPrices.YES
	if c.side == 1 {
		price = c.market.FeedPrices.NO
	}
	if price <= 0 {
		return types.Opportunity{}, lpState{}, false
	}

	target := targetProfitPrice(price, s.cfg.TargetProfitRate, c.side)
	opp := types.Opportunity{
		Market:        c.market,
		Side:          types.SideBuy,
		OrderKind:     types.OrderKindMarket,
		OutcomeIndex:  c.side,
		PricePerToken: price,
		Amount:        types.USDC(s.cfg.InitialPurchase),
	}
	st := lpState{outcomeIndex: c.side, entryPrice: price, targetPrice: target, lastChecked: now}
	return opp, st, true
}

// targetProfitPrice = clamp(entry × (1 ± targetProfitRate), 0.01, 0.99).
func targetProfitPrice(entry, rate float64, outcomeIndex int) float64 {
	if outcomeIndex == 0 {
		return clamp(entry*(1+rate), 0.01, 0.99)
	}
	return clamp(entry*(1-rate), 0.01, 0.99)
}

// quotePriceFor returns max(targetProfitPrice - 0.005, entry + 0.01) for a
// long, symmetric (min/-) for a short.
func quotePriceFor(entry, target float64, outcomeIndex int) float64 {
	if outcomeIndex == 0 {
		return clamp(math.Max(target-0.005, entry+0.01), 0.01, 0.99)
	}
	return clamp(math.Min(target+0.005, entry-0.01), 0.01, 0.99)
}

// requote places the initial resting quote, then every
// priceAdjustmentInterval either accepts profit (price crossed target),
// reprices if the quote moved enough, leaves it alone, or drops tracking
// once the quote exceeds maxOrderAge.
func (s *LPMaking) requote(c lpCandidate, now time.Time) []types.Opportunity {
	s.mu.Lock()
	st, ok := s.openMarkets[c.market.ConditionID]
	s.mu.Unlock()
	if !ok {
		return nil
	}

	if st.quoted && now.Sub(st.quotedAt) >= s.cfg.MaxOrderAge {
		s.mu.Lock()
		delete(s.openMarkets, c.market.ConditionID)
		s.mu.Unlock()
		return nil
	}

	if !st.quoted {
		quote := quotePriceFor(st.entryPrice, st.targetPrice, st.outcomeIndex)
		st.quotePrice = quote
		st.quoted = true
		st.quotedAt = now
		st.lastChecked = now
		s.mu.Lock()
		s.openMarkets[c.market.ConditionID] = st
		s.mu.Unlock()
		return []types.Opportunity{s.quoteOpportunity(c.market, st, "")}
	}

	if now.Sub(st.lastChecked) < s.cfg.PriceAdjustmentInterval {
		return nil
	}
	st.lastChecked = now

	currentPrice := c.market.FeedPrices.YES
	if st.outcomeIndex == 1 {
		currentPrice = c.market.FeedPrices.NO
	}
	profitCrossed := (st.outcomeIndex == 0 && currentPrice >= st.targetPrice) ||
		(st.outcomeIndex == 1 && currentPrice <= st.targetPrice)

	newQuote := quotePriceFor(st.entryPrice, st.targetPrice, st.outcomeIndex)
	reason := ""
	if profitCrossed {
		// Accept the profit: reprice the resting quote to the market.
		newQuote = clamp(currentPrice, 0.01, 0.99)
		reason = "profit_taking"
	}

	if math.Abs(newQuote-st.quotePrice) < 0.001 {
		s.mu.Lock()
		s.openMarkets[c.market.ConditionID] = st
		s.mu.Unlock()
		return nil
	}

	st.quotePrice = newQuote
	st.quotedAt = now
	s.mu.Lock()
	s.openMarkets[c.market.ConditionID] = st
	s.mu.Unlock()
	return []types.Opportunity{s.quoteOpportunity(c.market, st, reason)}
}

func (s *LPMaking) quoteOpportunity(m types.Market, st lpState, reason string) types.Opportunity {
	return types.Opportunity{
		Market:        m,
		Side:          types.SideSell,
		OrderKind:     types.OrderKindLimit,
		OutcomeIndex:  st.outcomeIndex,
		PricePerToken: st.quotePrice,
		Amount:        types.USDC(s.cfg.InitialPurchase),
		Reason:        reason,
	}
}
