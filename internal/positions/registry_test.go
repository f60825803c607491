package positions

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
)

type fakeFetcher struct {
	entries []PortfolioEntry
	err     error
}

func (f fakeFetcher) GetPortfolioPositions(ctx context.Context) ([]PortfolioEntry, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.entries, nil
}

type fakeSource struct {
	fetchers map[string]PortfolioFetcher
}

func (s fakeSource) ActiveAccountFetchers() map[string]PortfolioFetcher { return s.fetchers }

func testLogger() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func TestBootstrapPropagatesFirstRefreshError(t *testing.T) {
	src := fakeSource{fetchers: map[string]PortfolioFetcher{
		"acct1": fakeFetcher{err: errors.New("down")},
	}}
	r := New(src, testLogger())
	if err := r.Bootstrap(context.Background()); err == nil {
		t.Fatal("Bootstrap should propagate the first refresh's error")
	}
	if r.Bootstrapped() {
		t.Fatal("Bootstrapped() should be false after a failed bootstrap")
	}
}

func TestRefreshSwallowsErrorsAfterBootstrap(t *testing.T) {
	src := fakeSource{fetchers: map[string]PortfolioFetcher{
		"acct1": fakeFetcher{entries: []PortfolioEntry{{Market: "0xm", OutcomeIndex: 0, OutcomeTokenAmount: 5}}},
	}}
	r := New(src, testLogger())
	if err := r.Bootstrap(context.Background()); err != nil {
		t.Fatalf("Bootstrap: %v", err)
	}

	src.fetchers["acct1"] = fakeFetcher{err: errors.New("transient")}
	r.Refresh(context.Background())

	// One account's failure after bootstrap must not panic or propagate;
	// the registry keeps serving the prior snapshot for that account.
	got := r.Positions("acct1")
	if len(got) != 1 {
		t.Fatalf("Positions(acct1) = %v, want previous snapshot retained", got)
	}
}

func TestOneAccountFailureDoesNotBlockOthers(t *testing.T) {
	src := fakeSource{fetchers: map[string]PortfolioFetcher{
		"bad":  fakeFetcher{err: errors.New("down")},
		"good": fakeFetcher{entries: []PortfolioEntry{{Market: "0xm", OutcomeIndex: 1, OutcomeTokenAmount: 3}}},
	}}
	r := New(src, testLogger())
	r.Refresh(context.Background())

	good := r.Positions("good")
	if len(good) != 1 || good[0].OutcomeIndex != 1 {
		t.Fatalf("Positions(good) = %+v, want one position with outcome 1", good)
	}
}
