// Package marketdata holds the single global market snapshot every
// strategy reads from. Publication is an atomic pointer swap: readers get
// a torn-read-free snapshot for the duration of one decision without a
// lock they would have to remember to hold.
package marketdata

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"predtrader/internal/types"
)

// Fetcher is the one method the snapshot needs from a venue client; any
// account's client satisfies it.
type Fetcher interface {
	GetMarkets(ctx context.Context) ([]types.Market, error)
}

// Snapshot is the global, read-mostly market snapshot. Zero value is a
// valid, empty snapshot.
type Snapshot struct {
	fetcher Fetcher
	logger  *slog.Logger

	markets atomic.Pointer[[]types.Market]

	inFlight atomic.Bool
	errCount atomic.Int64
}

// New creates an empty Snapshot; call Refresh or Run to populate it.
func New(fetcher Fetcher, logger *slog.Logger) *Snapshot {
	s := &Snapshot{
		fetcher: fetcher,
		logger:  logger.With("component", "marketdata"),
	}
	empty := []types.Market{}
	s.markets.Store(&empty)
	return s
}

// Markets returns the current snapshot. The returned slice must not be
// mutated; a new refresh replaces the pointer wholesale, never the backing
// array, so holding onto a returned slice across a refresh is always safe.
func (s *Snapshot) Markets() []types.Market {
	return *s.markets.Load()
}

// ErrorCount returns how many refreshes have failed since startup, for the
// status surface.
func (s *Snapshot) ErrorCount() int64 { return s.errCount.Load() }

// Refresh runs one refresh cycle. Overlapping calls are dropped so only
// one refresh is in flight at a time; on any fetch error the previous
// snapshot is kept and the error counter increments.
func (s *Snapshot) Refresh(ctx context.Context) {
	if !s.inFlight.CompareAndSwap(false, true) {
		return
	}
	defer s.inFlight.Store(false)

	markets, err := s.fetcher.GetMarkets(ctx)
	if err != nil {
		s.errCount.Add(1)
		s.logger.Warn("market refresh failed, keeping previous snapshot", "error", err)
		return
	}

	now := time.Now()
	filtered := make([]types.Market, 0, len(markets))
	for _, m := range markets {
		if m.IsExpired(now) {
			continue
		}
		filtered = append(filtered, m)
	}
	s.markets.Store(&filtered)
}

// Run refreshes on interval until ctx is cancelled. A missed tick (refresh
// still in flight) is dropped, never queued.
func (s *Snapshot) Run(ctx context.Context, interval time.Duration) {
	s.Refresh(ctx)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Refresh(ctx)
		}
	}
}
