package executor

import (
	"context"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"predtrader/internal/risk"
	"predtrader/internal/types"
)

func testLogger() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

type fakeMarkets struct{ markets []types.Market }

func (f fakeMarkets) Markets() []types.Market { return f.markets }

type fakePositions struct{ byAccount map[string][]types.Position }

func (f fakePositions) Positions(accountID string) []types.Position { return f.byAccount[accountID] }

type fakeNotifier struct {
	executed []string
	settled  []string
	closed   []string
}

func (f *fakeNotifier) NotifyTradeExecuted(st types.StrategyType, positionID string) {
	f.executed = append(f.executed, positionID)
}
func (f *fakeNotifier) NotifyPositionSettled(st types.StrategyType, positionID string) {
	f.settled = append(f.settled, positionID)
}
func (f *fakeNotifier) NotifyPositionClosed(st types.StrategyType, positionID string) {
	f.closed = append(f.closed, positionID)
}

func baseLimits() types.GlobalLimits {
	return types.GlobalLimits{
		MaxDailyLoss:                     decimal.NewFromInt(1000),
		MaxPositionSize:                  decimal.NewFromInt(100),
		MaxRiskLevel:                     5,
		MaxConcurrentPositionsPerAccount: 10,
	}
}

func newTestExecutor(state types.AccountState, notifier Notifier) *Executor {
	mgr := risk.NewManager(baseLimits(), 0, 23, false, 0, 0)
	return New("acct1", state, nil, mgr, fakeMarkets{}, fakePositions{}, notifier, Config{}, testLogger())
}

func sampleOpp() types.Opportunity {
	return types.Opportunity{
		Market: types.Market{
			ConditionID: "0xabc",
			EndDate:     time.Now().Add(48 * time.Hour),
		},
		Side:          types.SideBuy,
		Amount:        decimal.NewFromInt(10),
		PricePerToken: 0.5,
	}
}

func TestIsEligibleRequiresRunningAndStrategy(t *testing.T) {
	state := types.AccountState{IsActive: true, Strategies: []types.StrategyType{types.StrategyHourlyArbitrage}}
	e := newTestExecutor(state, &fakeNotifier{})

	if e.IsEligible(types.StrategyHourlyArbitrage) {
		t.Fatal("executor should be ineligible before Start")
	}
	if err := e.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if !e.IsEligible(types.StrategyHourlyArbitrage) {
		t.Fatal("executor should be eligible once running with the strategy enabled")
	}
	if e.IsEligible(types.StrategyLPMaking) {
		t.Fatal("executor should not be eligible for a strategy it doesn't carry")
	}
}

func TestReceiveOpportunityRejectsWithNoClient(t *testing.T) {
	state := types.AccountState{IsActive: true, MaxRisk: decimal.NewFromInt(100), Strategies: []types.StrategyType{types.StrategyHourlyArbitrage}}
	notifier := &fakeNotifier{}
	e := newTestExecutor(state, notifier)
	_ = e.Start(context.Background())

	accepted, reason := e.ReceiveOpportunity(context.Background(), types.StrategyHourlyArbitrage, sampleOpp())
	if accepted {
		t.Fatal("opportunity should be rejected: no venue client wired")
	}
	if reason == "" {
		t.Fatal("rejection should carry a reason")
	}
	if len(notifier.executed) != 0 {
		t.Fatal("no trade should have been notified")
	}
}

func TestReceiveOpportunityRejectsOverAccountCap(t *testing.T) {
	state := types.AccountState{IsActive: true, MaxRisk: decimal.NewFromInt(1), Strategies: []types.StrategyType{types.StrategyHourlyArbitrage}}
	e := newTestExecutor(state, &fakeNotifier{})
	_ = e.Start(context.Background())

	accepted, reason := e.ReceiveOpportunity(context.Background(), types.StrategyHourlyArbitrage, sampleOpp())
	if accepted {
		t.Fatal("opportunity with amount over maxRisk should be rejected")
	}
	if reason != "per-account cap" {
		t.Errorf("reason = %q, want %q", reason, "per-account cap")
	}
	rejected, approved := e.Counters()
	if rejected != 1 || approved != 0 {
		t.Errorf("Counters() = (%d, %d), want (1, 0)", rejected, approved)
	}
}

func TestCheckPositionsDropsZeroBalanceTracked(t *testing.T) {
	state := types.AccountState{IsActive: true, Strategies: []types.StrategyType{types.StrategyHourlyArbitrage}}
	notifier := &fakeNotifier{}
	mgr := risk.NewManager(baseLimits(), 0, 23, false, 0, 0)
	positionsSrc := fakePositions{byAccount: map[string][]types.Position{
		"acct1": {{MarketConditionID: "0xabc", OutcomeIndex: 0, OutcomeTokenAmount: decimal.Zero}},
	}}
	e := New("acct1", state, nil, mgr, fakeMarkets{}, positionsSrc, notifier, Config{}, testLogger())

	e.mu.Lock()
	e.tracked["pos1"] = trackedPosition{strategyType: types.StrategyHourlyArbitrage, marketConditionID: "0xabc", outcomeIndex: 0, amount: decimal.NewFromInt(5)}
	e.mu.Unlock()

	e.checkPositions(context.Background())

	if len(notifier.settled) != 1 || notifier.settled[0] != "pos1" {
		t.Fatalf("expected pos1 to be settled, got %+v", notifier.settled)
	}
	if len(e.TrackedPositions()) != 0 {
		t.Fatal("position with zero remaining balance should stop being tracked")
	}
}

func TestReceiveOpportunityRoutesCloseOrderToTrackedPosition(t *testing.T) {
	state := types.AccountState{IsActive: true, MaxRisk: decimal.NewFromInt(100), Strategies: []types.StrategyType{types.StrategyPriceArbitrage}}
	e := newTestExecutor(state, &fakeNotifier{})
	_ = e.Start(context.Background())

	e.mu.Lock()
	e.tracked["pos1"] = trackedPosition{strategyType: types.StrategyPriceArbitrage, marketConditionID: "0xabc", outcomeIndex: 0, amount: decimal.NewFromInt(5)}
	e.mu.Unlock()

	opp := sampleOpp()
	opp.Side = types.SideSell
	opp.CloseOrder = &types.CloseOrder{OutcomeIndex: 0, ReturnAmount: decimal.NewFromInt(6), MaxSell: decimal.NewFromInt(10)}

	accepted, reason := e.ReceiveOpportunity(context.Background(), types.StrategyPriceArbitrage, opp)
	if accepted {
		t.Fatal("close should fail with no venue client wired")
	}
	if !strings.HasPrefix(reason, "close failed") {
		t.Errorf("reason = %q, want the tracked close path, not a fresh order", reason)
	}
}

func TestCloseExistingRejectsUnknownPosition(t *testing.T) {
	e := newTestExecutor(types.AccountState{IsActive: true}, &fakeNotifier{})
	if err := e.CloseExisting(context.Background(), "missing", types.CloseOrder{}); err == nil {
		t.Fatal("CloseExisting should fail for an untracked position id")
	}
}
