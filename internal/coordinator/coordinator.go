// Package coordinator implements the strategy-level coordinator: a global
// cap on simultaneously open positions per strategy type, enforced across
// every account, with a least-recently-used account rotation for fairness.
// The coordinator is a synchronous dispatcher called from each strategy's
// own tick goroutine, not a poller.
package coordinator

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"predtrader/internal/types"
)

// Executor is the subset of internal/executor.Executor the coordinator
// needs: receive one opportunity, report whether it was accepted.
type Executor interface {
	AccountID() string
	IsEligible(strategyType types.StrategyType) bool
	ReceiveOpportunity(ctx context.Context, strategyType types.StrategyType, opp types.Opportunity) (accepted bool, reason string)
}

// Clock abstracts time.Now for deterministic LRU tests.
type Clock func() time.Time

// perStrategyState is everything the coordinator tracks for one strategy
// type, guarded by its own mutex so strategy types dispatch independently.
type perStrategyState struct {
	mu                   sync.Mutex
	maxConcurrentPositions int
	openPositions        map[string]struct{} // positionID -> struct{}
	lastExecution        map[string]int64    // accountID -> unix ms (0 = never)
}

// DispatchResult records what happened to one opportunity, for callers that
// want to log or count outcomes.
type DispatchResult struct {
	Dispatched bool
	AccountID  string
	Reason     string // "cap", "no eligible account", or the executor's rejection reason
}

// Coordinator fans opportunities out to account executors, one strategy
// type at a time.
type Coordinator struct {
	clock Clock
	rng   *rand.Rand
	rngMu sync.Mutex

	mu        sync.RWMutex
	executors map[string]Executor // accountID -> executor
	strategies map[types.StrategyType]*perStrategyState
}

// New creates an empty Coordinator.
func New() *Coordinator {
	return &Coordinator{
		clock:      time.Now,
		rng:        rand.New(rand.NewSource(time.Now().UnixNano())),
		executors:  map[string]Executor{},
		strategies: map[types.StrategyType]*perStrategyState{},
	}
}

// SetClock overrides the coordinator's notion of "now"; used by tests.
func (c *Coordinator) SetClock(clk Clock) { c.clock = clk }

// RegisterStrategy sets a strategy type's global position cap. Safe to call
// again to change the cap at runtime.
func (c *Coordinator) RegisterStrategy(strategyType types.StrategyType, maxConcurrentPositions int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	st, ok := c.strategies[strategyType]
	if !ok {
		st = &perStrategyState{
			openPositions: map[string]struct{}{},
			lastExecution: map[string]int64{},
		}
		c.strategies[strategyType] = st
	}
	st.mu.Lock()
	st.maxConcurrentPositions = maxConcurrentPositions
	st.mu.Unlock()
}

// RegisterExecutor adds an account executor the coordinator may dispatch to.
func (c *Coordinator) RegisterExecutor(e Executor) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.executors[e.AccountID()] = e
}

// UnregisterExecutor removes an executor, e.g. on account deactivation.
func (c *Coordinator) UnregisterExecutor(accountID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.executors, accountID)
}

func (c *Coordinator) strategyState(strategyType types.StrategyType) *perStrategyState {
	c.mu.Lock()
	defer c.mu.Unlock()
	st, ok := c.strategies[strategyType]
	if !ok {
		st = &perStrategyState{
			openPositions: map[string]struct{}{},
			lastExecution: map[string]int64{},
			maxConcurrentPositions: 1<<31 - 1, // unbounded until configured
		}
		c.strategies[strategyType] = st
	}
	return st
}

// CoordinateOpportunityDistribution dispatches each opportunity, in order,
// to the least-recently-used eligible account, subject to the strategy's
// global position cap.
func (c *Coordinator) CoordinateOpportunityDistribution(ctx context.Context, strategyType types.StrategyType, opportunities []types.Opportunity) []DispatchResult {
	results := make([]DispatchResult, 0, len(opportunities))
	st := c.strategyState(strategyType)

	for _, opp := range opportunities {
		results = append(results, c.dispatchOne(ctx, strategyType, st, opp))
	}
	return results
}

func (c *Coordinator) dispatchOne(ctx context.Context, strategyType types.StrategyType, st *perStrategyState, opp types.Opportunity) DispatchResult {
	st.mu.Lock()
	if len(st.openPositions) >= st.maxConcurrentPositions {
		st.mu.Unlock()
		return DispatchResult{Reason: "cap"}
	}
	st.mu.Unlock()

	eligible := c.eligibleExecutors(strategyType)
	if len(eligible) == 0 {
		return DispatchResult{Reason: "no eligible account"}
	}

	chosen := c.pickLRU(st, eligible)

	accepted, reason := chosen.ReceiveOpportunity(ctx, strategyType, opp)
	if !accepted {
		return DispatchResult{AccountID: chosen.AccountID(), Reason: reason}
	}

	st.mu.Lock()
	st.lastExecution[chosen.AccountID()] = c.clock().UnixMilli()
	st.mu.Unlock()

	return DispatchResult{Dispatched: true, AccountID: chosen.AccountID()}
}

func (c *Coordinator) eligibleExecutors(strategyType types.StrategyType) []Executor {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make([]Executor, 0, len(c.executors))
	for _, e := range c.executors {
		if e.IsEligible(strategyType) {
			out = append(out, e)
		}
	}
	return out
}

// pickLRU sorts eligible executors ascending by last-execution time
// (unknown = 0) and picks the first; when more than one has never executed,
// it picks uniformly at random among that subset so the first-loaded
// account gets no systematic head start.
func (c *Coordinator) pickLRU(st *perStrategyState, eligible []Executor) Executor {
	st.mu.Lock()
	defer st.mu.Unlock()

	var never []Executor
	oldest := eligible[0]
	oldestTime := st.lastExecution[oldest.AccountID()]

	for _, e := range eligible {
		t := st.lastExecution[e.AccountID()]
		if t == 0 {
			never = append(never, e)
		}
		if t < oldestTime {
			oldestTime = t
			oldest = e
		}
	}

	if len(never) > 1 {
		c.rngMu.Lock()
		idx := c.rng.Intn(len(never))
		c.rngMu.Unlock()
		return never[idx]
	}
	return oldest
}

// NotifyTradeExecuted records that an opportunity turned into an open
// position.
func (c *Coordinator) NotifyTradeExecuted(strategyType types.StrategyType, positionID string) {
	st := c.strategyState(strategyType)
	st.mu.Lock()
	defer st.mu.Unlock()
	st.openPositions[positionID] = struct{}{}
}

// NotifyPositionSettled removes a position from the open set. A missing
// entry is silently ignored.
func (c *Coordinator) NotifyPositionSettled(strategyType types.StrategyType, positionID string) {
	c.removePosition(strategyType, positionID)
}

// NotifyPositionClosed is the non-settlement counterpart (e.g. a strategy
// sold out of a position before expiry); same bookkeeping.
func (c *Coordinator) NotifyPositionClosed(strategyType types.StrategyType, positionID string) {
	c.removePosition(strategyType, positionID)
}

func (c *Coordinator) removePosition(strategyType types.StrategyType, positionID string) {
	st := c.strategyState(strategyType)
	st.mu.Lock()
	defer st.mu.Unlock()
	delete(st.openPositions, positionID)
}

// OpenPositionCount reports the current open-position count for a strategy
// type, for the status surface and Testable Property 5 assertions.
func (c *Coordinator) OpenPositionCount(strategyType types.StrategyType) int {
	st := c.strategyState(strategyType)
	st.mu.Lock()
	defer st.mu.Unlock()
	return len(st.openPositions)
}

// ExecutionCounts returns a copy of per-account dispatch counts derived from
// lastExecution having been set; used only for diagnostics since the map
// itself doesn't count dispatches, only recency. Strategies needing true
// counts should track them via NotifyTradeExecuted callers.
func (c *Coordinator) ExecutionCounts(strategyType types.StrategyType) map[string]int64 {
	st := c.strategyState(strategyType)
	st.mu.Lock()
	defer st.mu.Unlock()
	out := make(map[string]int64, len(st.lastExecution))
	for k, v := range st.lastExecution {
		out[k] = v
	}
	return out
}
