// Package accountmgr is the account manager: it loads accounts from the
// key store and the state store, constructs (or reuses) each account's
// venue client, and exposes the active-account view every other component
// reads. A client is rebuilt only when its vault key changes.
package accountmgr

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/shopspring/decimal"

	"predtrader/internal/accountstore"
	"predtrader/internal/positions"
	"predtrader/internal/types"
	"predtrader/internal/venue"
)

// KeyStore is the subset of vault.Vault the manager needs.
type KeyStore interface {
	GetAccountKey(id string) (string, error)
	ListIDs() ([]string, error)
}

// ClientFactory builds a venue.Client (and its Signer) for one account's
// private key; production wiring constructs venue.NewClient, tests can
// substitute a fake.
type ClientFactory func(accountID, privateKey string) (*venue.Client, *venue.Signer, error)

// boundAccount is one loaded account: its immutable state snapshot plus the
// client constructed from its current vault key.
type boundAccount struct {
	state      types.AccountState
	privateKey string // used only to detect key rotation, never logged
	client     *venue.Client
	signer     *venue.Signer
}

// Manager loads and refreshes accounts, handing out immutable snapshots to
// strategies and executors.
type Manager struct {
	keys    KeyStore
	states  *accountstore.Store
	factory ClientFactory
	logger  *slog.Logger

	mu       sync.RWMutex
	accounts map[string]*boundAccount
}

// New constructs a Manager. Call LoadAccounts before first use.
func New(keys KeyStore, states *accountstore.Store, factory ClientFactory, logger *slog.Logger) *Manager {
	return &Manager{
		keys:     keys,
		states:   states,
		factory:  factory,
		logger:   logger.With("component", "accountmgr"),
		accounts: map[string]*boundAccount{},
	}
}

// LoadAccounts enumerates state ids, reads each private key from the
// vault, and constructs or reuses a client. A
// state record with no matching key is loaded in a degraded mode (no client).
// A key-store entry with no matching state record is ignored.
func (m *Manager) LoadAccounts() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, state := range m.states.List() {
		pk, err := m.keys.GetAccountKey(state.ID)
		if err != nil {
			m.logger.Warn("vault read failed, loading account degraded", "account", state.ID, "error", err)
			m.accounts[state.ID] = &boundAccount{state: state}
			continue
		}
		if pk == "" {
			m.logger.Warn("no vault key for account, loading degraded", "account", state.ID)
			m.accounts[state.ID] = &boundAccount{state: state}
			continue
		}

		existing, ok := m.accounts[state.ID]
		if ok && existing.privateKey == pk && existing.client != nil {
			existing.state = state
			continue
		}

		client, signer, err := m.factory(state.ID, pk)
		if err != nil {
			return fmt.Errorf("accountmgr: build client for %s: %w", state.ID, err)
		}
		m.accounts[state.ID] = &boundAccount{state: state, privateKey: pk, client: client, signer: signer}
		if err := client.Login(context.Background()); err != nil {
			m.logger.Warn("initial login failed, will retry on first use", "account", state.ID, "error", err)
		}
	}
	return nil
}

// Account is the immutable view handed to strategies and executors.
type Account struct {
	State         types.AccountState
	WalletAddress string
	Client        *venue.Client
	Degraded      bool
}

// GetActiveAccounts returns every account whose state is IsActive.
func (m *Manager) GetActiveAccounts() []Account {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]Account, 0, len(m.accounts))
	for _, a := range m.accounts {
		if !a.state.IsActive {
			continue
		}
		out = append(out, toAccount(a))
	}
	return out
}

// Get returns one account's view by id.
func (m *Manager) Get(id string) (Account, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	a, ok := m.accounts[id]
	if !ok {
		return Account{}, false
	}
	return toAccount(a), true
}

func toAccount(a *boundAccount) Account {
	acct := Account{State: a.state, Client: a.client, Degraded: a.client == nil}
	if a.signer != nil {
		acct.WalletAddress = a.signer.Address().Hex()
	}
	return acct
}

// CheckRiskLimit fails if amount exceeds the account's configured maxRisk.
func (m *Manager) CheckRiskLimit(accountID string, amount decimal.Decimal) error {
	m.mu.RLock()
	a, ok := m.accounts[accountID]
	m.mu.RUnlock()
	if !ok {
		return fmt.Errorf("accountmgr: unknown account %s", accountID)
	}
	if amount.GreaterThan(a.state.MaxRisk) {
		return fmt.Errorf("accountmgr: amount %s exceeds account %s maxRisk %s", amount, accountID, a.state.MaxRisk)
	}
	return nil
}

// portfolioAdapter satisfies positions.PortfolioFetcher by translating a
// venue.Client's richer response into positions.PortfolioEntry.
type portfolioAdapter struct{ client *venue.Client }

func (p portfolioAdapter) GetPortfolioPositions(ctx context.Context) ([]positions.PortfolioEntry, error) {
	raw, err := p.client.GetPortfolioPositions(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]positions.PortfolioEntry, len(raw))
	for i, r := range raw {
		out[i] = positions.PortfolioEntry{
			Market:             r.Market,
			OutcomeIndex:       r.OutcomeIndex,
			OutcomeTokenAmount: r.OutcomeTokenAmount,
			TotalBuysCost:      r.TotalBuysCost,
			TotalSellsCost:     r.TotalSellsCost,
		}
	}
	return out, nil
}

// ActiveAccountFetchers implements positions.AccountSource.
func (m *Manager) ActiveAccountFetchers() map[string]positions.PortfolioFetcher {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make(map[string]positions.PortfolioFetcher, len(m.accounts))
	for id, a := range m.accounts {
		if !a.state.IsActive || a.client == nil {
			continue
		}
		out[id] = portfolioAdapter{client: a.client}
	}
	return out
}
