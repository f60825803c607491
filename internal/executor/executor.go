// Package executor implements the account executor: the per-account owner
// of risk checks, order construction, and position lifecycle. One executor
// goroutine runs per account, fed opportunities by the coordinator.
package executor

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"predtrader/internal/risk"
	"predtrader/internal/types"
	"predtrader/internal/venue"
)

// State is the executor's lifecycle state.
type State string

const (
	StateStopped  State = "stopped"
	StateStarting State = "starting"
	StateRunning  State = "running"
	StateStopping State = "stopping"
)

// MarketSource supplies the current global market snapshot; satisfied by
// *marketdata.Snapshot.
type MarketSource interface {
	Markets() []types.Market
}

// PositionSource supplies an account's currently known open positions;
// satisfied by *positions.Registry.
type PositionSource interface {
	Positions(accountID string) []types.Position
}

// Notifier is the subset of *coordinator.Coordinator the executor calls
// back into on trade/position lifecycle events. Declared as an interface
// here (not imported from the coordinator package) so executor depends on
// behavior, not on coordinator's concrete type.
type Notifier interface {
	NotifyTradeExecuted(strategyType types.StrategyType, positionID string)
	NotifyPositionSettled(strategyType types.StrategyType, positionID string)
	NotifyPositionClosed(strategyType types.StrategyType, positionID string)
}

// trackedPosition is everything the executor remembers about a position it
// opened, keyed by positionID.
type trackedPosition struct {
	strategyType    types.StrategyType
	marketConditionID string
	outcomeIndex    int
	contractAddress string
	amount          decimal.Decimal
}

// Config bundles the executor's static tuning knobs. Venue-wide risk limits
// live on the shared *risk.Manager, not here.
type Config struct {
	MaxRiskLevelByStrategy map[types.StrategyType]float64
	ConfirmRealTransaction bool // on-chain broadcast sentinel; false in every test/demo path
}

// Executor is the per-account executor. One instance per active account.
type Executor struct {
	accountID string
	state     types.AccountState // snapshot at construction/refresh time
	client    *venue.Client
	riskMgr   *risk.Manager
	markets   MarketSource
	positions PositionSource
	notifier  Notifier
	cfg       Config
	logger    *slog.Logger

	mu        sync.Mutex
	lifecycle State
	tracked   map[string]trackedPosition // positionID -> tracked

	rejectedChecks atomic64
	approvedChecks atomic64
}

// atomic64 is a tiny counter. The counters only need to be readable and
// incremented, not lock-free, and the executor already holds mu on every
// mutation path.
type atomic64 struct{ v int64 }

func (a *atomic64) inc() { a.v++ }
func (a *atomic64) get() int64 { return a.v }

// New constructs an Executor for one account.
func New(accountID string, state types.AccountState, client *venue.Client, riskMgr *risk.Manager, markets MarketSource, positions PositionSource, notifier Notifier, cfg Config, logger *slog.Logger) *Executor {
	return &Executor{
		accountID: accountID,
		state:     state,
		client:    client,
		riskMgr:   riskMgr,
		markets:   markets,
		positions: positions,
		notifier:  notifier,
		cfg:       cfg,
		logger:    logger.With("component", "executor", "account", accountID),
		lifecycle: StateStopped,
		tracked:   map[string]trackedPosition{},
	}
}

// AccountID implements coordinator.Executor.
func (e *Executor) AccountID() string { return e.accountID }

// IsEligible implements coordinator.Executor: active and has the strategy
// enabled.
func (e *Executor) IsEligible(strategyType types.StrategyType) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state.IsActive && e.state.HasStrategy(strategyType) && e.lifecycle == StateRunning
}

// UpdateState refreshes the account-state snapshot (e.g. after an
// accountmgr refresh changes strategies/maxRisk/isActive).
func (e *Executor) UpdateState(state types.AccountState) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.state = state
}

// Start transitions stopped -> starting -> running, priming the client's
// session so the first opportunity doesn't pay the login round-trip.
func (e *Executor) Start(ctx context.Context) error {
	e.mu.Lock()
	e.lifecycle = StateStarting
	e.mu.Unlock()

	if e.client != nil {
		if err := e.client.Login(ctx); err != nil {
			e.logger.Warn("start: login failed, will retry lazily", "error", err)
		}
	}

	e.mu.Lock()
	e.lifecycle = StateRunning
	e.mu.Unlock()
	return nil
}

// Stop transitions running -> stopping -> stopped. Callers own the
// cancellation of any context passed to RunPositionCheck; Stop only updates
// the lifecycle state so IsEligible starts refusing new opportunities.
func (e *Executor) Stop() {
	e.mu.Lock()
	e.lifecycle = StateStopping
	e.lifecycle = StateStopped
	e.mu.Unlock()
}

// Counters exposes rejected/approved gate-check counts for the status
// surface and scenario S6's assertions.
func (e *Executor) Counters() (rejected, approved int64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.rejectedChecks.get(), e.approvedChecks.get()
}

// ReceiveOpportunity implements coordinator.Executor: risk-gate the
// opportunity, ensure approvals, submit the order, track the position.
func (e *Executor) ReceiveOpportunity(ctx context.Context, strategyType types.StrategyType, opp types.Opportunity) (bool, string) {
	// A close order targets an existing position, so the open-position risk
	// gates don't apply. When the position is one this executor opened, the
	// tracked close path owns the bookkeeping and coordinator notification;
	// an untracked position (discovered via the registry) falls through to
	// the ordinary sell path below.
	if opp.CloseOrder != nil && opp.Side == types.SideSell {
		if positionID, ok := e.findTracked(opp.Market.ConditionID, opp.CloseOrder.OutcomeIndex); ok {
			if err := e.CloseExisting(ctx, positionID, *opp.CloseOrder); err != nil {
				return false, "close failed: " + err.Error()
			}
			return true, ""
		}
	}

	e.mu.Lock()
	state := e.state
	e.mu.Unlock()

	maxRiskLevel := e.cfg.MaxRiskLevelByStrategy[strategyType]
	reason := e.riskMgr.CheckGates(risk.GateInput{
		AccountID:          e.accountID,
		AccountMaxRisk:     state.MaxRisk,
		ConfigMaxRiskLevel: maxRiskLevel,
		Amount:             opp.Amount,
		Market:             opp.Market,
		RiskLevel:          opp.RiskLevel,
	})
	if reason != "" {
		e.mu.Lock()
		e.rejectedChecks.inc()
		e.mu.Unlock()
		return false, reason
	}

	contractAddress := opp.Market.Address
	if err := e.ensureApproved(ctx, contractAddress, opp.Amount); err != nil {
		e.mu.Lock()
		e.rejectedChecks.inc()
		e.mu.Unlock()
		return false, "approval not ready: " + err.Error()
	}

	positionID := newPositionID(strategyType, opp.Market.ConditionID)

	if err := e.submitOrder(ctx, strategyType, opp); err != nil {
		e.logger.Warn("order submission failed", "position", positionID, "error", err)
		return false, "order submission failed: " + err.Error()
	}

	e.riskMgr.RecordOpen(e.accountID, opp.Amount)

	e.mu.Lock()
	e.tracked[positionID] = trackedPosition{
		strategyType:      strategyType,
		marketConditionID: opp.Market.ConditionID,
		outcomeIndex:      opp.OutcomeIndex,
		contractAddress:   contractAddress,
		amount:            opp.Amount,
	}
	e.approvedChecks.inc()
	e.mu.Unlock()

	e.notifier.NotifyTradeExecuted(strategyType, positionID)
	return true, ""
}

// ensureApproved is a no-op when the client has no on-chain wiring
// (degraded accounts never reach here because they're ineligible).
func (e *Executor) ensureApproved(ctx context.Context, contractAddress string, amount decimal.Decimal) error {
	if e.client == nil || contractAddress == "" {
		return nil
	}
	return e.client.EnsureApproved(ctx, contractAddress, amount, e.cfg.ConfirmRealTransaction)
}

// submitOrder dispatches to the venue-client method matching the
// opportunity's side and order kind.
func (e *Executor) submitOrder(ctx context.Context, strategyType types.StrategyType, opp types.Opportunity) error {
	if e.client == nil {
		return fmt.Errorf("executor: no venue client for account %s", e.accountID)
	}

	switch opp.Side {
	case types.SideSplit:
		return e.client.SplitPosition(ctx, opp.Market.ConditionID, opp.Amount, e.cfg.ConfirmRealTransaction)

	case types.SideSell:
		if opp.OrderKind == types.OrderKindLimit {
			// Quoting strategies rest their exit on the book instead of
			// hitting the AMM.
			tokenID := opp.Market.TokenIDs[opp.OutcomeIndex]
			_, err := e.client.PlaceLimitOrder(ctx, venue.LimitOrderParams{
				TokenID:    tokenID,
				Price:      opp.PricePerToken,
				Quantity:   opp.Amount,
				Side:       1,
				MarketSlug: opp.Market.Slug,
			})
			return err
		}
		params := venue.SellParams{ContractAddress: opp.Market.Address, OutcomeIndex: opp.OutcomeIndex}
		switch {
		case opp.CloseOrder != nil:
			// Late-window/profit-taking sells carry the exact amounts a
			// strategy computed from its own position record.
			params.ReturnAmount = opp.CloseOrder.ReturnAmount
			params.MaxOutcomeTokensToSell = opp.CloseOrder.MaxSell
		case opp.PricePerToken > 0:
			params.ReturnAmount = opp.Amount
			params.MaxOutcomeTokensToSell = opp.Amount.Div(decimal.NewFromFloat(opp.PricePerToken))
		default:
			params.ReturnAmount = opp.Amount
			params.MaxOutcomeTokensToSell = opp.Amount
		}
		_, err := e.client.SellByContract(ctx, params)
		return err

	default: // SideBuy
		if opp.OrderKind == types.OrderKindLimit {
			tokenID := opp.Market.TokenIDs[opp.OutcomeIndex]
			_, err := e.client.PlaceLimitOrder(ctx, venue.LimitOrderParams{
				TokenID:    tokenID,
				Price:      opp.PricePerToken,
				Quantity:   opp.Amount,
				Side:       0,
				MarketSlug: opp.Market.Slug,
			})
			return err
		}
		_, err := e.client.PlaceHourlyOrder(ctx, venue.HourlyOrderParams{
			ContractAddress:  opp.Market.Address,
			InvestmentAmount: opp.Amount,
			PricePerToken:    opp.PricePerToken,
			OutcomeIndex:     opp.OutcomeIndex,
			Slippage:         opp.Slippage,
		})
		return err
	}
}

// findTracked returns the positionID of a tracked position on the given
// market and outcome, if this executor opened one.
func (e *Executor) findTracked(conditionID string, outcomeIndex int) (string, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for id, tp := range e.tracked {
		if tp.marketConditionID == conditionID && tp.outcomeIndex == outcomeIndex {
			return id, true
		}
	}
	return "", false
}

// CloseExisting submits a strategy-provided close order against a tracked
// position (price arbitrage's late-window sell, LP making's requote/
// profit-taking reprice) and notifies the coordinator.
func (e *Executor) CloseExisting(ctx context.Context, positionID string, co types.CloseOrder) error {
	e.mu.Lock()
	tp, ok := e.tracked[positionID]
	e.mu.Unlock()
	if !ok {
		return fmt.Errorf("executor: unknown position %s", positionID)
	}
	if e.client == nil {
		return fmt.Errorf("executor: no venue client for account %s", e.accountID)
	}

	_, err := e.client.SellByContract(ctx, venue.SellParams{
		ContractAddress:        co.ContractAddress,
		OutcomeIndex:           co.OutcomeIndex,
		ReturnAmount:           co.ReturnAmount,
		MaxOutcomeTokensToSell: co.MaxSell,
	})
	if err != nil {
		return err
	}

	e.riskMgr.RecordClose(e.accountID, tp.amount, decimal.Zero)
	e.mu.Lock()
	delete(e.tracked, positionID)
	e.mu.Unlock()
	e.notifier.NotifyPositionClosed(tp.strategyType, positionID)
	return nil
}

// RunPositionCheck runs the position-lifecycle ticker, blocking until ctx
// is cancelled.
func (e *Executor) RunPositionCheck(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.checkPositions(ctx)
		}
	}
}

// checkPositions claims any tracked position whose market has closed, and
// drops tracking for any position the registry no longer shows a nonzero
// token balance for (already claimed or liquidated out from under us, e.g.
// by a manual action against the account).
func (e *Executor) checkPositions(ctx context.Context) {
	e.mu.Lock()
	tracked := make(map[string]trackedPosition, len(e.tracked))
	for id, tp := range e.tracked {
		tracked[id] = tp
	}
	e.mu.Unlock()

	if len(tracked) == 0 {
		return
	}

	byCondition := map[string]types.Market{}
	for _, m := range e.markets.Markets() {
		byCondition[m.ConditionID] = m
	}
	var live map[string]types.Position
	if e.positions != nil {
		live = registryByKey(e.positions.Positions(e.accountID))
	}

	for positionID, tp := range tracked {
		if pos, ok := live[positionKey(tp.marketConditionID, tp.outcomeIndex)]; ok && pos.OutcomeTokenAmount.IsZero() {
			e.mu.Lock()
			delete(e.tracked, positionID)
			e.mu.Unlock()
			e.notifier.NotifyPositionSettled(tp.strategyType, positionID)
			continue
		}

		market, ok := byCondition[tp.marketConditionID]
		if !ok || !market.Closed {
			continue
		}
		if e.client == nil {
			continue
		}
		if err := e.client.ClaimPosition(ctx, tp.marketConditionID, e.cfg.ConfirmRealTransaction); err != nil {
			e.logger.Warn("claim failed, will retry next cycle", "position", positionID, "error", err)
			continue
		}
		e.riskMgr.RecordClose(e.accountID, tp.amount, decimal.Zero)
		e.mu.Lock()
		delete(e.tracked, positionID)
		e.mu.Unlock()
		e.notifier.NotifyPositionSettled(tp.strategyType, positionID)
	}
}

func positionKey(conditionID string, outcomeIndex int) string {
	return fmt.Sprintf("%s|%d", conditionID, outcomeIndex)
}

func registryByKey(positions []types.Position) map[string]types.Position {
	out := make(map[string]types.Position, len(positions))
	for _, p := range positions {
		out[positionKey(p.MarketConditionID, p.OutcomeIndex)] = p
	}
	return out
}

// TrackedSummary is one tracked position's status-surface view.
type TrackedSummary struct {
	PositionID        string
	StrategyType      types.StrategyType
	MarketConditionID string
	OutcomeIndex      int
	Amount            decimal.Decimal
}

// TrackedPositions returns a snapshot of this executor's open positions,
// for the status surface.
func (e *Executor) TrackedPositions() []TrackedSummary {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]TrackedSummary, 0, len(e.tracked))
	for id, tp := range e.tracked {
		out = append(out, TrackedSummary{
			PositionID:        id,
			StrategyType:      tp.strategyType,
			MarketConditionID: tp.marketConditionID,
			OutcomeIndex:      tp.outcomeIndex,
			Amount:            tp.amount,
		})
	}
	return out
}

func newPositionID(strategyType types.StrategyType, marketID string) string {
	return fmt.Sprintf("%s_%s_%d_%09d", strategyType, marketID, time.Now().UnixMilli(), rand.Intn(1_000_000_000))
}
