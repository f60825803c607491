package statusapi

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

type fakeProvider struct{ snap Snapshot }

func (f fakeProvider) StatusSnapshot() Snapshot { return f.snap }

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestHandleHealth(t *testing.T) {
	s := NewServer(0, fakeProvider{}, discardLogger())
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	s.handleHealth(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("health status = %d, want 200", rec.Code)
	}
}

func TestHandleStatusEncodesSnapshot(t *testing.T) {
	want := Snapshot{
		GeneratedAt: time.Unix(0, 0).UTC(),
		Accounts:    []AccountSnapshot{{AccountID: "acct1", IsActive: true, ApprovedChecks: 3}},
		Markets:     MarketSnapshot{Count: 7},
		Strategies:  map[string]StrategyStats{"hourly_arbitrage": {State: "running", OpenPositions: 2}},
	}
	s := NewServer(0, fakeProvider{snap: want}, discardLogger())

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/status", nil)
	s.handleStatus(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status code = %d, want 200", rec.Code)
	}
	var got Snapshot
	if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if got.Markets.Count != 7 {
		t.Errorf("markets.count = %d, want 7", got.Markets.Count)
	}
	if len(got.Accounts) != 1 || got.Accounts[0].AccountID != "acct1" {
		t.Errorf("accounts = %+v, want one acct1 entry", got.Accounts)
	}
}

// TestHubPublishDropsWhenFull verifies the broadcast channel never blocks
// the caller when no consumer is draining it.
func TestHubPublishDropsWhenFull(t *testing.T) {
	h := NewHub(discardLogger())
	// Fill the broadcast buffer without a Run loop draining it.
	for i := 0; i < cap(h.broadcast)+5; i++ {
		h.Publish(Event{Type: "tradeExecuted", Timestamp: time.Now()})
	}
	// No assertion beyond "this returns" — a blocking Publish would hang
	// the test via the default go test timeout.
}
