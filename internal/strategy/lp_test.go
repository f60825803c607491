package strategy

import (
	"context"
	"testing"
	"time"

	"predtrader/internal/config"
	"predtrader/internal/types"
)

func lpTestConfig() config.LPMakingConfig {
	return config.LPMakingConfig{
		Enabled:                 true,
		InitialPurchase:         10,
		TargetProfitRate:        0.05,
		MinMarketScore:          0.3,
		MaxConcurrentMarkets:    2,
		PriceAdjustmentInterval: time.Minute,
		MaxOrderAge:             time.Hour,
	}
}

func rewardableMarket(id string, now time.Time, yes, no, spread, reward float64) types.Market {
	return types.Market{
		ConditionID:  id,
		IsRewardable: true,
		EndDate:      now.Add(72 * time.Hour),
		FeedPrices:   &types.FeedPrices{YES: yes, NO: no},
		Settings:     &types.MarketSettings{MaxSpread: spread, DailyReward: reward},
	}
}

func TestLPMakingOpensInitialPositionOnThinnerSide(t *testing.T) {
	fixedNow := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	market := rewardableMarket("0xlp1", fixedNow, 0.45, 0.55, 0.01, 50)

	dispatcher := &fakeDispatcher{}
	s := NewLPMaking(lpTestConfig(), fakeMarkets{markets: []types.Market{market}}, dispatcher, testLogger())
	s.SetClock(func() time.Time { return fixedNow })

	n, err := s.Execute(context.Background())
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if n != 1 {
		t.Fatalf("opportunity count = %d, want 1", n)
	}
	opp := dispatcher.calls[0][0]
	if opp.Side != types.SideBuy || opp.OrderKind != types.OrderKindMarket {
		t.Errorf("expected an initial market buy, got side=%q kind=%q", opp.Side, opp.OrderKind)
	}
	if opp.OutcomeIndex != 0 {
		t.Errorf("OutcomeIndex = %d, want 0 (YES is cheaper/thinner)", opp.OutcomeIndex)
	}

	s.mu.Lock()
	st, ok := s.openMarkets[market.ConditionID]
	s.mu.Unlock()
	if !ok {
		t.Fatalf("expected the market to be tracked after an initial purchase")
	}
	wantTarget := clamp(0.45*1.05, 0.01, 0.99)
	if st.targetPrice != wantTarget {
		t.Errorf("targetPrice = %v, want %v", st.targetPrice, wantTarget)
	}
}

func TestLPMakingSkipsMarketsBelowMinScore(t *testing.T) {
	fixedNow := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	// Wide spread and no posted reward pull the weighted score below the
	// 0.3 floor even with a balanced mid price.
	market := rewardableMarket("0xlp2", fixedNow, 0.5, 0.5, 1.0, 0)

	dispatcher := &fakeDispatcher{}
	cfg := lpTestConfig()
	cfg.MinMarketScore = 0.9
	s := NewLPMaking(cfg, fakeMarkets{markets: []types.Market{market}}, dispatcher, testLogger())
	s.SetClock(func() time.Time { return fixedNow })

	n, _ := s.Execute(context.Background())
	if n != 0 {
		t.Fatalf("opportunity count = %d, want 0 (below MinMarketScore)", n)
	}
}

func TestLPMakingExcludesMarketsUnderTwentyFourHoursToSettlement(t *testing.T) {
	fixedNow := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	market := rewardableMarket("0xlp2b", fixedNow, 0.45, 0.55, 0.01, 80)
	market.EndDate = fixedNow.Add(time.Hour)

	dispatcher := &fakeDispatcher{}
	s := NewLPMaking(lpTestConfig(), fakeMarkets{markets: []types.Market{market}}, dispatcher, testLogger())
	s.SetClock(func() time.Time { return fixedNow })

	n, _ := s.Execute(context.Background())
	if n != 0 {
		t.Fatalf("opportunity count = %d, want 0 (less than 24h to settlement)", n)
	}
}

func TestLPMakingRespectsMaxConcurrentMarkets(t *testing.T) {
	fixedNow := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	markets := []types.Market{
		rewardableMarket("0xlp3", fixedNow, 0.45, 0.55, 0.01, 80),
		rewardableMarket("0xlp4", fixedNow, 0.48, 0.52, 0.01, 70),
		rewardableMarket("0xlp5", fixedNow, 0.47, 0.53, 0.01, 60),
	}
	cfg := lpTestConfig()
	cfg.MaxConcurrentMarkets = 2

	dispatcher := &fakeDispatcher{}
	s := NewLPMaking(cfg, fakeMarkets{markets: markets}, dispatcher, testLogger())
	s.SetClock(func() time.Time { return fixedNow })

	n, _ := s.Execute(context.Background())
	if n != 2 {
		t.Fatalf("opportunity count = %d, want 2 (capped at MaxConcurrentMarkets)", n)
	}
	s.mu.Lock()
	openCount := len(s.openMarkets)
	s.mu.Unlock()
	if openCount != 2 {
		t.Errorf("openMarkets tracked = %d, want 2", openCount)
	}
}

func TestLPMakingRequotesAfterInitialPurchase(t *testing.T) {
	fixedNow := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	market := rewardableMarket("0xlp6", fixedNow, 0.45, 0.55, 0.01, 50)

	dispatcher := &fakeDispatcher{}
	s := NewLPMaking(lpTestConfig(), fakeMarkets{markets: []types.Market{market}}, dispatcher, testLogger())
	s.SetClock(func() time.Time { return fixedNow })

	if _, err := s.Execute(context.Background()); err != nil {
		t.Fatalf("initial Execute: %v", err)
	}

	next := fixedNow.Add(2 * time.Minute)
	s.SetClock(func() time.Time { return next })
	n, err := s.Execute(context.Background())
	if err != nil {
		t.Fatalf("requote Execute: %v", err)
	}
	if n != 1 {
		t.Fatalf("opportunity count on requote tick = %d, want 1 (first resting quote)", n)
	}
	opp := dispatcher.calls[1][0]
	if opp.Side != types.SideSell || opp.OrderKind != types.OrderKindLimit {
		t.Errorf("expected a resting limit sell quote, got side=%q kind=%q", opp.Side, opp.OrderKind)
	}
}

func TestLPMakingEvictsQuoteOlderThanMaxOrderAge(t *testing.T) {
	fixedNow := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	market := rewardableMarket("0xlp7", fixedNow, 0.45, 0.55, 0.01, 50)

	cfg := lpTestConfig()
	cfg.MaxOrderAge = 10 * time.Minute

	dispatcher := &fakeDispatcher{}
	s := NewLPMaking(cfg, fakeMarkets{markets: []types.Market{market}}, dispatcher, testLogger())
	s.SetClock(func() time.Time { return fixedNow })
	if _, err := s.Execute(context.Background()); err != nil {
		t.Fatalf("initial Execute: %v", err)
	}

	quoteTime := fixedNow.Add(time.Minute)
	s.SetClock(func() time.Time { return quoteTime })
	if _, err := s.Execute(context.Background()); err != nil {
		t.Fatalf("first requote Execute: %v", err)
	}

	expired := quoteTime.Add(11 * time.Minute)
	s.SetClock(func() time.Time { return expired })
	n, err := s.Execute(context.Background())
	if err != nil {
		t.Fatalf("eviction Execute: %v", err)
	}
	if n != 0 {
		t.Fatalf("opportunity count on eviction tick = %d, want 0", n)
	}
	s.mu.Lock()
	_, stillTracked := s.openMarkets[market.ConditionID]
	s.mu.Unlock()
	if stillTracked {
		t.Errorf("expected the market to be dropped from tracking after exceeding MaxOrderAge")
	}
}
