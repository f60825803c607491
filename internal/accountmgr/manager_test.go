package accountmgr

import (
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"predtrader/internal/accountstore"
	"predtrader/internal/types"
	"predtrader/internal/vault"
	"predtrader/internal/venue"
)

func testLogger() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

const pk1 = "0x000000000000000000000000000000000000000000000000000000000000000a"

func fakeFactory(buildCount *int) ClientFactory {
	return func(accountID, privateKey string) (*venue.Client, *venue.Signer, error) {
		*buildCount++
		signer, err := venue.NewSigner(privateKey, 8453)
		if err != nil {
			return nil, nil, err
		}
		client := venue.NewClient(venue.Config{BaseURL: "http://127.0.0.1:1", Timeout: 50 * time.Millisecond}, signer, nil, nil, testLogger())
		return client, signer, nil
	}
}

func TestLoadAccountsDerivesWalletAddress(t *testing.T) {
	// Testable scenario S5.
	dir := t.TempDir()
	v, err := vault.Open(dir+"/keys.enc", "master")
	if err != nil {
		t.Fatalf("vault.Open: %v", err)
	}
	if err := v.AddAccountKey("acct1", pk1); err != nil {
		t.Fatalf("AddAccountKey: %v", err)
	}

	states, err := accountstore.Open(dir)
	if err != nil {
		t.Fatalf("accountstore.Open: %v", err)
	}
	if err := states.Add(types.AccountState{ID: "acct1", IsActive: true, MaxRisk: decimal.NewFromInt(10)}); err != nil {
		t.Fatalf("Add: %v", err)
	}

	builds := 0
	mgr := New(v, states, fakeFactory(&builds), testLogger())
	if err := mgr.LoadAccounts(); err != nil {
		t.Fatalf("LoadAccounts: %v", err)
	}

	wantAddr, err := vault.DeriveAddress(pk1)
	if err != nil {
		t.Fatalf("DeriveAddress: %v", err)
	}

	acct, ok := mgr.Get("acct1")
	if !ok {
		t.Fatal("Get(acct1) not found")
	}
	if acct.WalletAddress != wantAddr {
		t.Errorf("WalletAddress = %s, want %s", acct.WalletAddress, wantAddr)
	}

	active := mgr.GetActiveAccounts()
	if len(active) != 1 {
		t.Fatalf("GetActiveAccounts() = %d accounts, want 1", len(active))
	}
}

func TestLoadAccountsReusesClientWhenKeyUnchanged(t *testing.T) {
	dir := t.TempDir()
	v, _ := vault.Open(dir+"/keys.enc", "master")
	_ = v.AddAccountKey("acct1", pk1)
	states, _ := accountstore.Open(dir)
	_ = states.Add(types.AccountState{ID: "acct1", IsActive: true})

	builds := 0
	mgr := New(v, states, fakeFactory(&builds), testLogger())
	if err := mgr.LoadAccounts(); err != nil {
		t.Fatalf("LoadAccounts: %v", err)
	}
	if err := mgr.LoadAccounts(); err != nil {
		t.Fatalf("second LoadAccounts: %v", err)
	}
	if builds != 1 {
		t.Errorf("factory called %d times, want 1 (client should be reused)", builds)
	}
}

func TestLoadAccountsDegradedWithoutKey(t *testing.T) {
	dir := t.TempDir()
	v, _ := vault.Open(dir+"/keys.enc", "master")
	states, _ := accountstore.Open(dir)
	_ = states.Add(types.AccountState{ID: "orphan", IsActive: true})

	builds := 0
	mgr := New(v, states, fakeFactory(&builds), testLogger())
	if err := mgr.LoadAccounts(); err != nil {
		t.Fatalf("LoadAccounts: %v", err)
	}

	acct, ok := mgr.Get("orphan")
	if !ok {
		t.Fatal("Get(orphan) not found")
	}
	if !acct.Degraded {
		t.Error("account with no vault key should be Degraded")
	}
}

func TestCheckRiskLimitRejectsOverCap(t *testing.T) {
	dir := t.TempDir()
	v, _ := vault.Open(dir+"/keys.enc", "master")
	_ = v.AddAccountKey("acct1", pk1)
	states, _ := accountstore.Open(dir)
	_ = states.Add(types.AccountState{ID: "acct1", IsActive: true, MaxRisk: decimal.NewFromInt(5)})

	builds := 0
	mgr := New(v, states, fakeFactory(&builds), testLogger())
	if err := mgr.LoadAccounts(); err != nil {
		t.Fatalf("LoadAccounts: %v", err)
	}

	if err := mgr.CheckRiskLimit("acct1", decimal.NewFromInt(10)); err == nil {
		t.Fatal("CheckRiskLimit should reject amount over maxRisk")
	}
	if err := mgr.CheckRiskLimit("acct1", decimal.NewFromInt(1)); err != nil {
		t.Errorf("CheckRiskLimit should accept amount under maxRisk, got %v", err)
	}
}
