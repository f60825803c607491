// Package positions is the position registry: a periodically refreshed,
// per-account list of open positions shared by every strategy and
// executor. Publication uses the same atomic-pointer-swap idiom as
// internal/marketdata, fanning out sequentially over every active account
// without letting one account's failure block the others.
package positions

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"predtrader/internal/types"
)

// AccountPositions is one account's open positions as last fetched from
// the venue portfolio endpoint.
type AccountPositions struct {
	AccountID string
	Positions []types.Position
}

// PortfolioFetcher is satisfied by a venue.Client.
type PortfolioFetcher interface {
	GetPortfolioPositions(ctx context.Context) ([]PortfolioEntry, error)
}

// PortfolioEntry is the minimal shape the registry needs from a portfolio
// response; venue.PortfolioPosition satisfies this structurally via the
// adapter the account manager constructs.
type PortfolioEntry struct {
	Market             string
	OutcomeIndex       int
	OutcomeTokenAmount float64
	TotalBuysCost      float64
	TotalSellsCost     float64
}

// AccountSource supplies the set of accounts to poll and their fetchers.
type AccountSource interface {
	// ActiveAccountFetchers returns accountID -> fetcher for every
	// currently active account.
	ActiveAccountFetchers() map[string]PortfolioFetcher
}

// Registry holds the latest positions for every active account.
type Registry struct {
	source AccountSource
	logger *slog.Logger

	snapshot atomic.Pointer[map[string][]types.Position]

	bootstrapped atomic.Bool
}

// New creates an empty Registry.
func New(source AccountSource, logger *slog.Logger) *Registry {
	r := &Registry{source: source, logger: logger.With("component", "positions")}
	empty := map[string][]types.Position{}
	r.snapshot.Store(&empty)
	return r
}

// Positions returns the current snapshot for one account, or nil if none.
func (r *Registry) Positions(accountID string) []types.Position {
	m := *r.snapshot.Load()
	return m[accountID]
}

// All returns the full account -> positions map as it stood at the last
// refresh.
func (r *Registry) All() map[string][]types.Position {
	return *r.snapshot.Load()
}

// Bootstrap performs the initial refresh. This is the one refresh allowed
// to propagate its error and gate startup: the engine refuses to start
// strategy ticks until this succeeds.
func (r *Registry) Bootstrap(ctx context.Context) error {
	next, err := r.fetchAll(ctx)
	if err != nil {
		return err
	}
	r.snapshot.Store(&next)
	r.bootstrapped.Store(true)
	return nil
}

// Bootstrapped reports whether the first refresh has succeeded.
func (r *Registry) Bootstrapped() bool { return r.bootstrapped.Load() }

// Refresh performs one sequential pass over every active account. A single
// account's failure is logged and skipped; it never blocks the others.
// Post-bootstrap refreshes swallow all errors.
func (r *Registry) Refresh(ctx context.Context) {
	next, _ := r.fetchAll(ctx)
	r.snapshot.Store(&next)
}

func (r *Registry) fetchAll(ctx context.Context) (map[string][]types.Position, error) {
	fetchers := r.source.ActiveAccountFetchers()
	next := make(map[string][]types.Position, len(fetchers))

	var firstErr error
	for accountID, fetcher := range fetchers {
		entries, err := fetcher.GetPortfolioPositions(ctx)
		if err != nil {
			r.logger.Warn("position refresh failed for account", "account", accountID, "error", err)
			if firstErr == nil {
				firstErr = err
			}
			// Keep whatever this account had before rather than dropping it.
			next[accountID] = r.Positions(accountID)
			continue
		}
		positions := make([]types.Position, len(entries))
		for i, e := range entries {
			positions[i] = types.Position{
				Account:            accountID,
				MarketConditionID:  e.Market,
				OutcomeIndex:       e.OutcomeIndex,
				OutcomeTokenAmount: types.USDC(e.OutcomeTokenAmount),
				TotalBuysCost:      types.USDC(e.TotalBuysCost),
				TotalSellsCost:     types.USDC(e.TotalSellsCost),
			}
		}
		next[accountID] = positions
	}

	if !r.bootstrapped.Load() && firstErr != nil {
		return next, firstErr
	}
	return next, nil
}

// Run refreshes on interval until ctx is cancelled. Call Bootstrap first.
func (r *Registry) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.Refresh(ctx)
		}
	}
}
