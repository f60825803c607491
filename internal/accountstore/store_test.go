package accountstore

import (
	"path/filepath"
	"testing"

	"github.com/shopspring/decimal"

	"predtrader/internal/types"
)

func TestAddUpdateRemoveRoundTrip(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(dir)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	acct := types.AccountState{
		ID:         "acct1",
		Name:       "primary",
		Balance:    decimal.NewFromInt(100),
		MaxRisk:    decimal.NewFromInt(10),
		Strategies: []types.StrategyType{types.StrategyHourlyArbitrage},
		IsActive:   true,
	}
	if err := s.Add(acct); err != nil {
		t.Fatalf("Add: %v", err)
	}

	if err := s.Add(acct); err == nil {
		t.Fatal("Add should reject duplicate id")
	}

	got, ok := s.Get("acct1")
	if !ok {
		t.Fatal("Get: account not found after Add")
	}
	if got.Name != "primary" {
		t.Errorf("Name = %s, want primary", got.Name)
	}

	if err := s.SetActive("acct1", false); err != nil {
		t.Fatalf("SetActive: %v", err)
	}
	got, _ = s.Get("acct1")
	if got.IsActive {
		t.Error("SetActive(false) did not persist")
	}

	// Reopen from disk to verify atomic save persisted.
	s2, err := Open(dir)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	got2, ok := s2.Get("acct1")
	if !ok {
		t.Fatal("reopened store lost account")
	}
	if got2.IsActive {
		t.Error("reopened store did not reflect SetActive(false)")
	}
	if !got2.Balance.Equal(decimal.NewFromInt(100)) {
		t.Errorf("Balance = %s, want 100", got2.Balance)
	}

	if err := s2.Remove("acct1"); err != nil {
		t.Fatalf("Remove: %v", err)
	}
	if _, ok := s2.Get("acct1"); ok {
		t.Error("account still present after Remove")
	}

	// Testable Property 3: removing is a no-op, never a crash, when absent.
	if err := s2.Remove("never-existed"); err != nil {
		t.Fatalf("Remove on absent id should not error: %v", err)
	}

	if got := filepath.Join(dir, "accounts.json"); got == "" {
		t.Fatal("unreachable")
	}
}

func TestEventsEmittedOnMutation(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(dir)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	if err := s.Add(types.AccountState{ID: "acct1"}); err != nil {
		t.Fatalf("Add: %v", err)
	}

	select {
	case ev := <-s.Events():
		if ev.Kind != "add" || ev.Account.ID != "acct1" {
			t.Errorf("unexpected event: %+v", ev)
		}
	default:
		t.Fatal("expected an add event")
	}
}

func TestStatsRecordRoundTrip(t *testing.T) {
	dir := t.TempDir()
	s := OpenStats(dir)
	s.Record("acct1", 3, 7)

	got, ok := s.Get("acct1")
	if !ok {
		t.Fatal("Get after Record: not found")
	}
	if got.RejectedChecks != 3 || got.ApprovedChecks != 7 {
		t.Errorf("counters = (%d, %d), want (3, 7)", got.RejectedChecks, got.ApprovedChecks)
	}

	s2 := OpenStats(dir)
	got2, ok := s2.Get("acct1")
	if !ok {
		t.Fatal("reopened stats file lost counters")
	}
	if got2.ApprovedChecks != 7 {
		t.Errorf("reopened ApprovedChecks = %d, want 7", got2.ApprovedChecks)
	}
}
