// Package venue is the per-account authenticated HTTP client: exactly one
// Client per account, wrapping resty with rate limiting, retry, and SIWE
// session auth, adapted from this codebase's internal/exchange/client.go.
package venue

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/shopspring/decimal"

	"predtrader/internal/proxy"
	"predtrader/internal/types"
)

// marketWire is the venue's market-listing JSON shape.
type marketWire struct {
	ConditionID  string                `json:"conditionId"`
	Address      string                `json:"address"`
	Slug         string                `json:"slug"`
	Title        string                `json:"title"`
	TokenIDs     []string              `json:"tokenIds"`
	EndDate      time.Time             `json:"endDate"`
	Expired      bool                  `json:"expired"`
	Closed       bool                  `json:"closed"`
	Tags         []string              `json:"tags"`
	IsRewardable bool                  `json:"isRewardable"`
	FeedPrices   *types.FeedPrices     `json:"feedPrices"`
	TradePrices  []types.TradePrice    `json:"tradePrices"`
	Settings     *types.MarketSettings `json:"settings"`
	Liquidity    float64               `json:"liquidity"`
	Volume24h    float64               `json:"volume24h"`
}

func (w marketWire) toMarket() types.Market {
	m := types.Market{
		ConditionID:  w.ConditionID,
		Address:      w.Address,
		Slug:         w.Slug,
		Title:        w.Title,
		EndDate:      w.EndDate,
		Expired:      w.Expired,
		Closed:       w.Closed,
		Tags:         w.Tags,
		IsRewardable: w.IsRewardable,
		FeedPrices:   w.FeedPrices,
		TradePrices:  w.TradePrices,
		Settings:     w.Settings,
		Liquidity:    w.Liquidity,
		Volume24h:    w.Volume24h,
	}
	for i := 0; i < 2 && i < len(w.TokenIDs); i++ {
		m.TokenIDs[i] = w.TokenIDs[i]
	}
	return m
}

// OrderBook is the venue's book response.
type OrderBook struct {
	Bids []PriceLevel `json:"bids"`
	Asks []PriceLevel `json:"asks"`
}

// PriceLevel is one book level.
type PriceLevel struct {
	Price float64 `json:"price"`
	Size  float64 `json:"size"`
}

// PortfolioPosition mirrors the `amm` entries of the portfolio endpoint.
type PortfolioPosition struct {
	Market             string  `json:"market"`
	OutcomeIndex       int     `json:"outcomeIndex"`
	OutcomeTokenAmount float64 `json:"outcomeTokenAmount"`
	TotalBuysCost      float64 `json:"totalBuysCost"`
	TotalSellsCost     float64 `json:"totalSellsCost"`
}

// LimitOrderParams is the input to PlaceLimitOrder.
type LimitOrderParams struct {
	TokenID    string
	Price      float64
	Quantity   decimal.Decimal // USDC
	Side       int             // 0 = buy, 1 = sell
	MarketSlug string
	// Salt, when non-empty, is reused verbatim — callers retrying the exact
	// same opportunity pass the salt they used the first time (Testable
	// Property 7). A fresh opportunity must leave this empty.
	Salt string
}

// OrderResult is the venue's order-submission response.
type OrderResult struct {
	OrderID string `json:"orderId"`
	Success bool   `json:"success"`
}

// HourlyOrderParams is the input to PlaceHourlyOrder (AMM market buy).
type HourlyOrderParams struct {
	ContractAddress   string
	InvestmentAmount  decimal.Decimal
	PricePerToken     float64
	OutcomeIndex      int
	Slippage          float64
}

// SellParams is the input to SellByContract.
type SellParams struct {
	ContractAddress        string
	OutcomeIndex           int
	ReturnAmount           decimal.Decimal
	MaxOutcomeTokensToSell decimal.Decimal
}

// Client is the per-account authenticated venue API client.
type Client struct {
	http   *resty.Client
	signer *Signer
	rl     *RateLimiter
	proxies *proxy.Pool
	logger *slog.Logger

	onChain *OnChainClient

	mu        sync.Mutex // serializes the login/refresh sequence
	sessionID string
	loggedIn  bool

	proxyMu      sync.Mutex
	currentProxy *proxy.Proxy // proxy the transport is pinned to, nil = direct

	approvedMu sync.Mutex
	approved   map[string]bool // contractAddress -> approve+setApproval done
}

// Config bundles the pieces a Client needs at construction time.
type Config struct {
	BaseURL string
	Timeout time.Duration
}

// NewClient builds a Client for one account's signer.
func NewClient(cfg Config, signer *Signer, proxies *proxy.Pool, onChain *OnChainClient, logger *slog.Logger) *Client {
	httpClient := resty.New().
		SetBaseURL(cfg.BaseURL).
		SetTimeout(cfg.Timeout).
		SetRetryCount(3).
		SetRetryWaitTime(500 * time.Millisecond).
		SetRetryMaxWaitTime(5 * time.Second).
		AddRetryCondition(func(r *resty.Response, err error) bool {
			if err != nil {
				return true
			}
			return r.StatusCode() >= 500
		}).
		SetHeader("Content-Type", "application/json")

	return &Client{
		http:     httpClient,
		signer:   signer,
		rl:       NewRateLimiter(),
		proxies:  proxies,
		onChain:  onChain,
		logger:   logger,
		approved: map[string]bool{},
	}
}

// applyProxy pins the transport to a random active proxy if the pool has
// one. The pick is sticky: the client stays on its proxy until a transport
// failure rotates it out (transportErr).
func (c *Client) applyProxy() {
	if c.proxies == nil {
		return
	}
	c.proxyMu.Lock()
	defer c.proxyMu.Unlock()
	if c.currentProxy != nil {
		return
	}
	if p := c.proxies.Pick(); p != nil {
		c.currentProxy = p
		c.http.SetProxy(p.URL)
	}
}

// transportErr wraps a transport failure as a NetworkError and feeds it
// back to the proxy pool: the proxy in use gets its error count bumped
// (three strikes disables it) and the next active proxy is rotated in, or
// the client falls back to a direct connection when none remain.
func (c *Client) transportErr(err error) error {
	c.proxyMu.Lock()
	if c.proxies != nil && c.currentProxy != nil {
		c.proxies.MarkError(c.currentProxy.ID)
		if p := c.proxies.Rotate(); p != nil {
			c.currentProxy = p
			c.http.SetProxy(p.URL)
		} else {
			c.currentProxy = nil
			c.http.RemoveProxy()
		}
	}
	c.proxyMu.Unlock()
	return &NetworkError{Cause: err}
}

// Login performs the SIWE-style exchange: fetch a nonce, sign it, exchange
// for a session. Cached; ensureAuthenticated re-invokes this once on a 401.
func (c *Client) Login(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.loginLocked(ctx)
}

func (c *Client) loginLocked(ctx context.Context) error {
	var nonceResp struct {
		Nonce string `json:"nonce"`
	}
	resp, err := c.http.R().SetContext(ctx).SetResult(&nonceResp).Post("/auth/nonce")
	if err != nil {
		return c.transportErr(err)
	}
	if resp.StatusCode() != http.StatusOK {
		return &ApiError{Status: resp.StatusCode(), Body: resp.String()}
	}

	sig, timestamp, err := c.signer.SignLoginChallenge(nonceResp.Nonce)
	if err != nil {
		return err
	}

	var loginResp struct {
		UserID    string `json:"userId"`
		SessionID string `json:"sessionId"`
	}
	body := map[string]string{
		"address":   c.signer.Address().Hex(),
		"signature": sig,
		"timestamp": timestamp,
		"nonce":     nonceResp.Nonce,
	}
	resp, err = c.http.R().SetContext(ctx).SetBody(body).SetResult(&loginResp).Post("/auth/login")
	if err != nil {
		return c.transportErr(err)
	}
	if resp.StatusCode() != http.StatusOK {
		return &ApiError{Status: resp.StatusCode(), Body: resp.String()}
	}

	c.sessionID = loginResp.SessionID
	c.loggedIn = true
	return nil
}

// ensureAuthenticated logs in if no cached session exists.
func (c *Client) ensureAuthenticated(ctx context.Context) error {
	c.mu.Lock()
	loggedIn := c.loggedIn
	c.mu.Unlock()
	if loggedIn {
		return nil
	}
	return c.Login(ctx)
}

func (c *Client) sessionHeader() map[string]string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return map[string]string{"Authorization": "Bearer " + c.sessionID}
}

// retryOn401 runs fn once, and on AuthError re-logins and retries fn once.
func (c *Client) retryOn401(ctx context.Context, fn func() (*resty.Response, error)) (*resty.Response, error) {
	resp, err := fn()
	if err == nil && resp.StatusCode() == http.StatusUnauthorized {
		c.mu.Lock()
		c.loggedIn = false
		relogErr := c.loginLocked(ctx)
		c.mu.Unlock()
		if relogErr != nil {
			return resp, relogErr
		}
		return fn()
	}
	return resp, err
}

// GetMarkets lists active markets, rotating in a proxy when the pool has one.
func (c *Client) GetMarkets(ctx context.Context) ([]types.Market, error) {
	if err := c.rl.Book.Wait(ctx); err != nil {
		return nil, err
	}
	c.applyProxy()

	var wire []marketWire
	resp, err := c.http.R().SetContext(ctx).SetResult(&wire).Get("/markets/active")
	if err != nil {
		return nil, c.transportErr(err)
	}
	if resp.StatusCode() != http.StatusOK {
		return nil, &ApiError{Status: resp.StatusCode(), Body: resp.String()}
	}

	markets := make([]types.Market, len(wire))
	for i, w := range wire {
		markets[i] = w.toMarket()
	}
	return markets, nil
}

// GetOrderbook fetches the current book for a market slug.
func (c *Client) GetOrderbook(ctx context.Context, slug string) (*OrderBook, error) {
	if err := c.rl.Book.Wait(ctx); err != nil {
		return nil, err
	}

	var book OrderBook
	resp, err := c.http.R().SetContext(ctx).SetResult(&book).Get(fmt.Sprintf("/markets/%s/orderbook", slug))
	if err != nil {
		return nil, c.transportErr(err)
	}
	if resp.StatusCode() != http.StatusOK {
		return nil, &ApiError{Status: resp.StatusCode(), Body: resp.String()}
	}
	return &book, nil
}

// GetPortfolioPositions lists this account's open AMM positions.
func (c *Client) GetPortfolioPositions(ctx context.Context) ([]PortfolioPosition, error) {
	if err := c.ensureAuthenticated(ctx); err != nil {
		return nil, err
	}
	if err := c.rl.Book.Wait(ctx); err != nil {
		return nil, err
	}

	var result struct {
		AMM []PortfolioPosition `json:"amm"`
	}
	resp, err := c.retryOn401(ctx, func() (*resty.Response, error) {
		return c.http.R().SetContext(ctx).SetHeaders(c.sessionHeader()).SetResult(&result).Get("/portfolio/positions")
	})
	if err != nil {
		return nil, c.transportErr(err)
	}
	if resp.StatusCode() != http.StatusOK {
		return nil, &ApiError{Status: resp.StatusCode(), Body: resp.String()}
	}
	return result.AMM, nil
}

// PlaceLimitOrder signs and submits an EIP-712 limit order.
func (c *Client) PlaceLimitOrder(ctx context.Context, p LimitOrderParams) (*OrderResult, error) {
	if err := c.ensureAuthenticated(ctx); err != nil {
		return nil, err
	}
	if err := c.rl.Order.Wait(ctx); err != nil {
		return nil, err
	}

	salt := p.Salt
	if salt == "" {
		salt = newSalt()
	}

	qty, _ := p.Quantity.Float64()
	makerAmt, takerAmt := PriceToAmounts(p.Price, qty, p.Side)
	order, err := c.signer.BuildAndSignOrder(salt, p.TokenID, makerAmt, takerAmt, p.Side)
	if err != nil {
		return nil, err
	}

	var result OrderResult
	resp, err := c.retryOn401(ctx, func() (*resty.Response, error) {
		return c.http.R().SetContext(ctx).SetHeaders(c.sessionHeader()).SetBody(order).SetResult(&result).Post("/orders")
	})
	if err != nil {
		return nil, c.transportErr(err)
	}
	if resp.StatusCode() != http.StatusOK {
		return nil, &ApiError{Status: resp.StatusCode(), Body: resp.String()}
	}
	return &result, nil
}

// PlaceHourlyOrder submits a market buy against the AMM endpoint.
func (c *Client) PlaceHourlyOrder(ctx context.Context, p HourlyOrderParams) (*OrderResult, error) {
	if err := c.ensureAuthenticated(ctx); err != nil {
		return nil, err
	}
	if err := c.rl.Order.Wait(ctx); err != nil {
		return nil, err
	}

	body := map[string]any{
		"contractAddress":  p.ContractAddress,
		"investmentAmount": types.WireUnits(p.InvestmentAmount),
		"pricePerToken":    p.PricePerToken,
		"outcomeIndex":     p.OutcomeIndex,
		"slippage":         p.Slippage,
	}

	var result OrderResult
	resp, err := c.retryOn401(ctx, func() (*resty.Response, error) {
		return c.http.R().SetContext(ctx).SetHeaders(c.sessionHeader()).SetBody(body).SetResult(&result).Post("/orders/market")
	})
	if err != nil {
		return nil, c.transportErr(err)
	}
	if resp.StatusCode() != http.StatusOK {
		return nil, &ApiError{Status: resp.StatusCode(), Body: resp.String()}
	}
	return &result, nil
}

// SellByContract sells existing tokens via the AMM with a slippage bound.
func (c *Client) SellByContract(ctx context.Context, p SellParams) (*OrderResult, error) {
	if err := c.ensureAuthenticated(ctx); err != nil {
		return nil, err
	}
	if err := c.rl.Order.Wait(ctx); err != nil {
		return nil, err
	}

	body := map[string]any{
		"contractAddress":        p.ContractAddress,
		"outcomeIndex":           p.OutcomeIndex,
		"returnAmount":           types.WireUnits(p.ReturnAmount),
		"maxOutcomeTokensToSell": types.WireUnits(p.MaxOutcomeTokensToSell),
	}

	var result OrderResult
	resp, err := c.retryOn401(ctx, func() (*resty.Response, error) {
		return c.http.R().SetContext(ctx).SetHeaders(c.sessionHeader()).SetBody(body).SetResult(&result).Post("/orders/sell")
	})
	if err != nil {
		return nil, c.transportErr(err)
	}
	if resp.StatusCode() != http.StatusOK {
		return nil, &ApiError{Status: resp.StatusCode(), Body: resp.String()}
	}
	return &result, nil
}

// CancelOrder cancels a single open order.
func (c *Client) CancelOrder(ctx context.Context, orderID string) error {
	if err := c.ensureAuthenticated(ctx); err != nil {
		return err
	}
	if err := c.rl.Cancel.Wait(ctx); err != nil {
		return err
	}

	resp, err := c.retryOn401(ctx, func() (*resty.Response, error) {
		return c.http.R().SetContext(ctx).SetHeaders(c.sessionHeader()).Delete("/orders/" + orderID)
	})
	if err != nil {
		return c.transportErr(err)
	}
	if resp.StatusCode() != http.StatusOK {
		return &ApiError{Status: resp.StatusCode(), Body: resp.String()}
	}
	return nil
}

// EnsureApproved calls on-chain Approve then venue-side SetApproval for a
// contract address, caching success so the pair runs once per market.
// confirmRealTransaction gates the on-chain broadcast.
func (c *Client) EnsureApproved(ctx context.Context, contractAddress string, amount decimal.Decimal, confirmRealTransaction bool) error {
	c.approvedMu.Lock()
	if c.approved[contractAddress] {
		c.approvedMu.Unlock()
		return nil
	}
	c.approvedMu.Unlock()

	if c.onChain != nil {
		if _, err := c.onChain.Approve(ctx, c.signer, contractAddress, amount, confirmRealTransaction); err != nil {
			return err
		}
	}

	if err := c.setApproval(ctx, contractAddress); err != nil {
		return err
	}

	c.approvedMu.Lock()
	c.approved[contractAddress] = true
	c.approvedMu.Unlock()
	return nil
}

func (c *Client) setApproval(ctx context.Context, contractAddress string) error {
	if err := c.ensureAuthenticated(ctx); err != nil {
		return err
	}
	resp, err := c.retryOn401(ctx, func() (*resty.Response, error) {
		return c.http.R().SetContext(ctx).SetHeaders(c.sessionHeader()).Post("/approvals/" + contractAddress)
	})
	if err != nil {
		return c.transportErr(err)
	}
	if resp.StatusCode() != http.StatusOK {
		return &ApiError{Status: resp.StatusCode(), Body: resp.String()}
	}
	return nil
}

// SplitPosition converts USDC collateral into YES+NO outcome tokens
// on-chain for a condition.
func (c *Client) SplitPosition(ctx context.Context, conditionID string, amount decimal.Decimal, confirmRealTransaction bool) error {
	if c.onChain == nil {
		return fmt.Errorf("venue: on-chain client not configured")
	}
	_, err := c.onChain.Split(ctx, c.signer, conditionID, amount, confirmRealTransaction)
	return err
}

// MergePositions is the inverse of SplitPosition.
func (c *Client) MergePositions(ctx context.Context, conditionID string, amount decimal.Decimal, confirmRealTransaction bool) error {
	if c.onChain == nil {
		return fmt.Errorf("venue: on-chain client not configured")
	}
	_, err := c.onChain.Merge(ctx, c.signer, conditionID, amount, confirmRealTransaction)
	return err
}

// ClaimPosition claims a resolved position's winnings on-chain.
func (c *Client) ClaimPosition(ctx context.Context, conditionID string, confirmRealTransaction bool) error {
	if c.onChain == nil {
		return fmt.Errorf("venue: on-chain client not configured")
	}
	return c.onChain.Claim(ctx, c.signer, conditionID, confirmRealTransaction)
}

// newSalt generates a fresh order salt; callers wanting idempotent retries
// must reuse the salt from the original call instead of calling this again.
func newSalt() string {
	return fmt.Sprintf("%d", time.Now().UnixNano())
}
