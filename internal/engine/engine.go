// Package engine is the main loop: it wires every component the rest of
// this repo builds — stores, the account manager, the global market
// snapshot and position registry, the strategy-level coordinator, one
// executor per active account, and the three strategies — and drives the
// periodic refresh tickers. One constructor assembles every subsystem,
// with a Start/Stop lifecycle over a single root context and a WaitGroup
// tracking every background goroutine.
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"predtrader/internal/accountmgr"
	"predtrader/internal/accountstore"
	"predtrader/internal/config"
	"predtrader/internal/coordinator"
	"predtrader/internal/executor"
	"predtrader/internal/marketdata"
	"predtrader/internal/positions"
	"predtrader/internal/proxy"
	"predtrader/internal/risk"
	"predtrader/internal/statusapi"
	"predtrader/internal/strategy"
	"predtrader/internal/types"
	"predtrader/internal/vault"
	"predtrader/internal/venue"
)

// Engine orchestrates every subsystem for the lifetime of the process.
type Engine struct {
	cfg    config.Config
	logger *slog.Logger

	vault     *vault.Vault
	store     *accountstore.Store
	stats     *accountstore.StatsFile
	proxies   *proxy.Pool
	onChain   *venue.OnChainClient
	accounts  *accountmgr.Manager
	markets   *marketdata.Snapshot
	positions *positions.Registry
	riskMgr   *risk.Manager
	coord     *coordinator.Coordinator
	status    *statusapi.Server

	strategies []strategy.Strategy

	execMu    sync.RWMutex
	executors map[string]*executor.Executor

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New builds every component in startup order: state store -> key store ->
// account manager -> strategies.
func New(cfg config.Config, logger *slog.Logger) (*Engine, error) {
	ctx, cancel := context.WithCancel(context.Background())

	v, err := vault.Open(cfg.Vault.Path, cfg.MasterKey)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("engine: open vault: %w", err)
	}

	store, err := accountstore.Open(cfg.State.Dir)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("engine: open state store: %w", err)
	}

	proxies, err := proxy.Load(cfg.Proxy.File)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("engine: load proxy pool: %w", err)
	}

	var onChain *venue.OnChainClient
	if cfg.RPC.URL != "" {
		onChain, err = venue.DialOnChainClient(ctx, cfg.RPC.URL, cfg.RPC.ChainID)
		if err != nil {
			cancel()
			return nil, fmt.Errorf("engine: dial on-chain client: %w", err)
		}
	}

	e := &Engine{
		cfg:       cfg,
		logger:    logger,
		vault:     v,
		store:     store,
		stats:     accountstore.OpenStats(cfg.State.Dir),
		proxies:   proxies,
		onChain:   onChain,
		riskMgr: risk.NewManager(
			types.GlobalLimits{
				MaxDailyLoss:                     types.USDC(cfg.Risk.MaxDailyLoss),
				MaxPositionSize:                  types.USDC(cfg.Risk.MaxPositionSize),
				MaxRiskLevel:                     cfg.Risk.MaxRiskLevel,
				MaxConcurrentPositionsPerAccount: cfg.Risk.MaxConcurrentPositionsPerAccount,
			},
			cfg.Risk.TradingHourStart, cfg.Risk.TradingHourEnd, cfg.Risk.EnforceTradingHours,
			cfg.Risk.MinLiquidity, cfg.Risk.MinVolume,
		),
		coord:     coordinator.New(),
		executors: map[string]*executor.Executor{},
		ctx:       ctx,
		cancel:    cancel,
	}

	e.accounts = accountmgr.New(v, store, e.buildClient, logger)
	if err := e.accounts.LoadAccounts(); err != nil {
		cancel()
		return nil, fmt.Errorf("engine: load accounts: %w", err)
	}

	e.markets = marketdata.New(marketFetcher{e.accounts}, logger)
	e.positions = positions.New(e.accounts, logger)

	e.coord.RegisterStrategy(types.StrategyHourlyArbitrage, cfg.Strategies.HourlyArbitrage.MaxConcurrentPositions)
	e.coord.RegisterStrategy(types.StrategyPriceArbitrage, cfg.Strategies.PriceArbitrage.MaxConcurrentPositions)
	e.coord.RegisterStrategy(types.StrategyLPMaking, cfg.Strategies.LPMaking.MaxConcurrentMarkets)

	e.reconcileExecutors()

	if cfg.StrategiesEnabled {
		if cfg.Strategies.HourlyArbitrage.Enabled {
			e.strategies = append(e.strategies, strategy.NewHourlyArbitrage(cfg.Strategies.HourlyArbitrage, e.markets, e.coord, logger))
		}
		if cfg.Strategies.PriceArbitrage.Enabled {
			e.strategies = append(e.strategies, strategy.NewPriceArbitrage(cfg.Strategies.PriceArbitrage, e.markets, e.positions, e.coord, logger))
		}
		if cfg.Strategies.LPMaking.Enabled {
			e.strategies = append(e.strategies, strategy.NewLPMaking(cfg.Strategies.LPMaking, e.markets, e.coord, logger))
		}
	}

	if cfg.Dashboard.Enabled {
		e.status = statusapi.NewServer(cfg.Dashboard.Port, e, logger)
	}

	return e, nil
}

// buildClient implements accountmgr.ClientFactory: one Signer and one
// venue.Client per account's vault key.
func (e *Engine) buildClient(accountID, privateKey string) (*venue.Client, *venue.Signer, error) {
	signer, err := venue.NewSigner(privateKey, e.cfg.RPC.ChainID)
	if err != nil {
		return nil, nil, fmt.Errorf("engine: build signer for %s: %w", accountID, err)
	}
	client := venue.NewClient(venue.Config{BaseURL: e.cfg.API.BaseURL, Timeout: e.cfg.API.Timeout}, signer, e.proxies, e.onChain, e.logger.With("account", accountID))
	return client, signer, nil
}

// marketFetcher adapts the account manager to marketdata.Fetcher: any one
// active account's client can scan markets on everyone's behalf.
type marketFetcher struct{ mgr *accountmgr.Manager }

func (f marketFetcher) GetMarkets(ctx context.Context) ([]types.Market, error) {
	for _, a := range f.mgr.GetActiveAccounts() {
		if a.Client != nil {
			return a.Client.GetMarkets(ctx)
		}
	}
	return nil, fmt.Errorf("engine: no active account with a venue client to scan markets")
}

// reconcileExecutors builds or updates one executor per active account and
// registers it with the coordinator; accounts that became inactive since
// the last reconcile are unregistered. The account manager already decides
// whether to rebuild a client; this only decides whether an executor
// exists for the account at all.
func (e *Engine) reconcileExecutors() {
	active := e.accounts.GetActiveAccounts()
	seen := make(map[string]bool, len(active))

	execCfg := executor.Config{
		MaxRiskLevelByStrategy: map[types.StrategyType]float64{
			types.StrategyHourlyArbitrage: e.cfg.Risk.MaxRiskLevel,
			types.StrategyPriceArbitrage:  e.cfg.Risk.MaxRiskLevel,
			types.StrategyLPMaking:        e.cfg.Risk.MaxRiskLevel,
		},
		ConfirmRealTransaction: false,
	}

	e.execMu.Lock()
	for _, a := range active {
		seen[a.State.ID] = true
		if ex, ok := e.executors[a.State.ID]; ok {
			ex.UpdateState(a.State)
			continue
		}
		ex := executor.New(a.State.ID, a.State, a.Client, e.riskMgr, e.markets, e.positions, e, execCfg, e.logger)
		e.executors[a.State.ID] = ex
		e.coord.RegisterExecutor(ex)
	}
	for id := range e.executors {
		if !seen[id] {
			e.coord.UnregisterExecutor(id)
			delete(e.executors, id)
		}
	}
	e.execMu.Unlock()
}

// Start launches every periodic refresh ticker and every strategy and
// executor goroutine. Strategy ticks don't start until the position
// registry's first refresh succeeds, so the coordinator's cap counters are
// never looser than intended after a restart.
func (e *Engine) Start() error {
	if err := e.positions.Bootstrap(e.ctx); err != nil {
		return fmt.Errorf("engine: position registry bootstrap: %w", err)
	}

	e.runTicker(func(ctx context.Context) { e.markets.Run(ctx, e.cfg.Intervals.MarketScan) })
	e.runTicker(func(ctx context.Context) { e.positions.Run(ctx, e.cfg.Intervals.PositionScan) })
	e.runTicker(e.runAccountRefresh)
	e.runTicker(func(ctx context.Context) { e.store.RunAutoSave() })

	e.execMu.RLock()
	for _, ex := range e.executors {
		if err := ex.Start(e.ctx); err != nil {
			e.logger.Warn("executor start failed", "error", err)
			continue
		}
		ex := ex
		e.runTicker(func(ctx context.Context) { ex.RunPositionCheck(ctx, e.cfg.Intervals.PositionCheck) })
	}
	e.execMu.RUnlock()

	for _, s := range e.strategies {
		if err := s.Initialize(e.ctx); err != nil {
			e.logger.Warn("strategy initialize failed", "error", err)
			continue
		}
		if err := s.Start(e.ctx); err != nil {
			e.logger.Warn("strategy start failed", "error", err)
		}
	}

	if e.status != nil {
		e.wg.Add(1)
		go func() {
			defer e.wg.Done()
			if err := e.status.Start(); err != nil {
				e.logger.Error("status api failed", "error", err)
			}
		}()
	}

	e.logger.Info("engine started", "accounts", len(e.executors), "strategies", len(e.strategies))
	return nil
}

// runTicker launches fn in its own tracked goroutine against the engine's
// root context.
func (e *Engine) runTicker(fn func(ctx context.Context)) {
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		fn(e.ctx)
	}()
}

// runAccountRefresh reloads accounts from the stores on a short ticker,
// then reconciles the executor set.
func (e *Engine) runAccountRefresh(ctx context.Context) {
	ticker := time.NewTicker(e.cfg.Intervals.AccountRefresh)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := e.accounts.LoadAccounts(); err != nil {
				e.logger.Warn("account refresh failed", "error", err)
				continue
			}
			e.reconcileExecutors()
			e.recordExecutionStats()
		}
	}
}

// Stop shuts down in order: strategies -> executors -> refresh tickers ->
// stores.
func (e *Engine) Stop() {
	e.logger.Info("shutting down")

	for _, s := range e.strategies {
		s.Stop()
	}

	e.execMu.RLock()
	for _, ex := range e.executors {
		ex.Stop()
	}
	e.execMu.RUnlock()

	e.cancel()

	if e.status != nil {
		if err := e.status.Stop(); err != nil {
			e.logger.Warn("status api stop failed", "error", err)
		}
	}

	e.wg.Wait()

	e.recordExecutionStats()
	e.store.Stop()

	e.logger.Info("shutdown complete")
}

// recordExecutionStats flushes every executor's gate-check counters to the
// best-effort stats file.
func (e *Engine) recordExecutionStats() {
	e.execMu.RLock()
	defer e.execMu.RUnlock()
	for id, ex := range e.executors {
		rejected, approved := ex.Counters()
		e.stats.Record(id, rejected, approved)
	}
}

// The engine is the executor.Notifier: position lifecycle events go to the
// coordinator's cap bookkeeping and, when the status surface is enabled,
// are mirrored onto its event hub.

// NotifyTradeExecuted implements executor.Notifier.
func (e *Engine) NotifyTradeExecuted(strategyType types.StrategyType, positionID string) {
	e.coord.NotifyTradeExecuted(strategyType, positionID)
	e.publishEvent("tradeExecuted", strategyType, positionID)
}

// NotifyPositionSettled implements executor.Notifier.
func (e *Engine) NotifyPositionSettled(strategyType types.StrategyType, positionID string) {
	e.coord.NotifyPositionSettled(strategyType, positionID)
	e.publishEvent("positionSettled", strategyType, positionID)
}

// NotifyPositionClosed implements executor.Notifier.
func (e *Engine) NotifyPositionClosed(strategyType types.StrategyType, positionID string) {
	e.coord.NotifyPositionClosed(strategyType, positionID)
	e.publishEvent("positionClosed", strategyType, positionID)
}

func (e *Engine) publishEvent(kind string, strategyType types.StrategyType, positionID string) {
	if e.status == nil {
		return
	}
	e.status.Hub().Publish(statusapi.Event{
		Type:      kind,
		Timestamp: time.Now(),
		Strategy:  string(strategyType),
		Data:      map[string]string{"positionId": positionID},
	})
}

// StatusSnapshot implements statusapi.Provider.
func (e *Engine) StatusSnapshot() statusapi.Snapshot {
	e.execMu.RLock()
	accounts := make([]statusapi.AccountSnapshot, 0, len(e.executors))
	for id, ex := range e.executors {
		rejected, approved := ex.Counters()
		state, _ := e.store.Get(id)
		accounts = append(accounts, statusapi.AccountSnapshot{
			AccountID:        id,
			IsActive:         state.IsActive,
			RejectedChecks:   rejected,
			ApprovedChecks:   approved,
			TrackedPositions: len(ex.TrackedPositions()),
		})
	}
	e.execMu.RUnlock()

	strategies := make(map[string]statusapi.StrategyStats, len(e.strategies))
	for _, s := range e.strategies {
		st := s.Status()
		strategies[strategyName(s)] = statusapi.StrategyStats{
			State:                 string(st.State),
			LastTickOpportunities: st.LastTickOpportunities,
			LastError:             st.LastError,
		}
	}
	for _, t := range []types.StrategyType{types.StrategyHourlyArbitrage, types.StrategyPriceArbitrage, types.StrategyLPMaking} {
		if s, ok := strategies[string(t)]; ok {
			s.OpenPositions = e.coord.OpenPositionCount(t)
			strategies[string(t)] = s
		}
	}

	return statusapi.Snapshot{
		GeneratedAt: time.Now(),
		Accounts:    accounts,
		Markets:     statusapi.MarketSnapshot{Count: len(e.markets.Markets()), ErrorCount: e.markets.ErrorCount()},
		Strategies:  strategies,
	}
}

// strategyName recovers a strategy's type string for status reporting;
// each concrete strategy's own Status() doesn't carry its type, so this
// switches on concrete type instead of adding an extra interface method
// every strategy would otherwise need only for this purpose.
func strategyName(s strategy.Strategy) string {
	switch s.(type) {
	case *strategy.HourlyArbitrage:
		return string(types.StrategyHourlyArbitrage)
	case *strategy.PriceArbitrage:
		return string(types.StrategyPriceArbitrage)
	case *strategy.LPMaking:
		return string(types.StrategyLPMaking)
	default:
		return "unknown"
	}
}
