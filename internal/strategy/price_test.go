package strategy

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"predtrader/internal/config"
	"predtrader/internal/types"
)

type fakePositions struct{ byAccount map[string][]types.Position }

func (f fakePositions) All() map[string][]types.Position { return f.byAccount }

func priceTestConfig() config.PriceArbitrageConfig {
	return config.PriceArbitrageConfig{
		Enabled:                 true,
		Amount:                  10,
		Slippage:                0.02,
		MinMinutes:              15,
		MaxMinutes:              45,
		MaxConcurrentPositions:  2,
		SellToArbitrageInterval: time.Second,
	}
}

func TestPriceArbitrageEarlyWindowHalvesSlippageAndReservesSlot(t *testing.T) {
	fixedNow := time.Date(2026, 1, 1, 12, 5, 0, 0, time.UTC) // minute 5 < MinMinutes 15
	market := types.Market{
		ConditionID: "0xprice1",
		EndDate:     fixedNow.Add(time.Hour),
		FeedPrices:  &types.FeedPrices{YES: 0.65, NO: 0.35},
	}

	dispatcher := &fakeDispatcher{}
	s := NewPriceArbitrage(priceTestConfig(), fakeMarkets{markets: []types.Market{market}}, fakePositions{}, dispatcher, testLogger())
	s.SetClock(func() time.Time { return fixedNow })

	n, err := s.Execute(context.Background())
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if n != 1 {
		t.Fatalf("opportunity count = %d, want 1", n)
	}

	opp := dispatcher.calls[0][0]
	if opp.Side != types.SideBuy {
		t.Errorf("Side = %q, want buy", opp.Side)
	}
	if opp.OutcomeIndex != 1 {
		t.Errorf("OutcomeIndex = %d, want 1 (NO, complement of the drifted YES side)", opp.OutcomeIndex)
	}
	if opp.Slippage != priceTestConfig().Slippage/2 {
		t.Errorf("Slippage = %v, want half of configured slippage in the early window", opp.Slippage)
	}

	s.mu.Lock()
	slots, ok := s.preApproved[market.ConditionID]
	s.mu.Unlock()
	if !ok || slots != priceTestConfig().MaxConcurrentPositions {
		t.Errorf("expected an early-window slot reservation of %d, got %d (present=%v)", priceTestConfig().MaxConcurrentPositions, slots, ok)
	}
}

func TestPriceArbitrageMainWindowUsesFullSlippage(t *testing.T) {
	fixedNow := time.Date(2026, 1, 1, 12, 30, 0, 0, time.UTC) // minute 30, within [15,45]
	market := types.Market{
		ConditionID: "0xprice2",
		EndDate:     fixedNow.Add(time.Hour),
		FeedPrices:  &types.FeedPrices{YES: 0.3, NO: 0.7},
	}

	dispatcher := &fakeDispatcher{}
	s := NewPriceArbitrage(priceTestConfig(), fakeMarkets{markets: []types.Market{market}}, fakePositions{}, dispatcher, testLogger())
	s.SetClock(func() time.Time { return fixedNow })

	n, _ := s.Execute(context.Background())
	if n != 1 {
		t.Fatalf("opportunity count = %d, want 1", n)
	}
	opp := dispatcher.calls[0][0]
	if opp.OutcomeIndex != 0 {
		t.Errorf("OutcomeIndex = %d, want 0 (YES, complement of the drifted NO side)", opp.OutcomeIndex)
	}
	if opp.Slippage != priceTestConfig().Slippage {
		t.Errorf("Slippage = %v, want full configured slippage in the main window", opp.Slippage)
	}

	s.mu.Lock()
	_, reserved := s.preApproved[market.ConditionID]
	s.mu.Unlock()
	if reserved {
		t.Errorf("main window should not reserve a slot")
	}
}

func TestPriceArbitrageLateWindowSellsUnsoldPositionCappedAt120Percent(t *testing.T) {
	fixedNow := time.Date(2026, 1, 1, 12, 50, 0, 0, time.UTC) // minute 50 > MaxMinutes 45
	market := types.Market{
		ConditionID: "0xprice3",
		Address:     "0xcontract3",
		EndDate:     fixedNow.Add(time.Hour),
		FeedPrices:  &types.FeedPrices{YES: 0.5, NO: 0.5},
	}
	position := types.Position{
		Account:            "acct1",
		MarketConditionID:  "0xprice3",
		OutcomeIndex:       0,
		OutcomeTokenAmount: decimal.NewFromInt(20),
		TotalBuysCost:      decimal.NewFromInt(10),
		TotalSellsCost:     decimal.Zero,
	}

	dispatcher := &fakeDispatcher{}
	positions := fakePositions{byAccount: map[string][]types.Position{"acct1": {position}}}
	s := NewPriceArbitrage(priceTestConfig(), fakeMarkets{markets: []types.Market{market}}, positions, dispatcher, testLogger())
	s.SetClock(func() time.Time { return fixedNow })

	n, _ := s.Execute(context.Background())
	if n != 1 {
		t.Fatalf("opportunity count = %d, want 1", n)
	}
	opp := dispatcher.calls[0][0]
	if opp.Side != types.SideSell {
		t.Errorf("Side = %q, want sell", opp.Side)
	}
	if opp.CloseOrder == nil {
		t.Fatalf("expected a CloseOrder on the late-window sell")
	}
	wantCap := decimal.NewFromInt(12) // 10 * 1.2
	if !opp.CloseOrder.ReturnAmount.Equal(wantCap) {
		t.Errorf("ReturnAmount = %v, want %v (120%% of totalBuysCost)", opp.CloseOrder.ReturnAmount, wantCap)
	}
	if opp.CloseOrder.Reason != "unsold_late_window" {
		t.Errorf("Reason = %q, want unsold_late_window", opp.CloseOrder.Reason)
	}
}

func TestPriceArbitrageLateWindowSkipsAlreadySoldPositions(t *testing.T) {
	fixedNow := time.Date(2026, 1, 1, 12, 50, 0, 0, time.UTC)
	market := types.Market{
		ConditionID: "0xprice4",
		EndDate:     fixedNow.Add(time.Hour),
		FeedPrices:  &types.FeedPrices{YES: 0.5, NO: 0.5},
	}
	position := types.Position{
		Account:            "acct1",
		MarketConditionID:  "0xprice4",
		OutcomeIndex:       0,
		OutcomeTokenAmount: decimal.NewFromInt(20),
		TotalBuysCost:      decimal.NewFromInt(10),
		TotalSellsCost:     decimal.NewFromInt(5),
	}

	dispatcher := &fakeDispatcher{}
	positions := fakePositions{byAccount: map[string][]types.Position{"acct1": {position}}}
	s := NewPriceArbitrage(priceTestConfig(), fakeMarkets{markets: []types.Market{market}}, positions, dispatcher, testLogger())
	s.SetClock(func() time.Time { return fixedNow })

	n, _ := s.Execute(context.Background())
	if n != 0 {
		t.Fatalf("opportunity count = %d, want 0 (position already partially sold)", n)
	}
}
