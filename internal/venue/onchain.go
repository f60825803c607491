// onchain.go wires go-ethereum's ethclient/bind/abi to the two on-chain
// contracts the engine touches: USDC's ERC-20 approve and ConditionalTokens'
// split/merge/redeem. Every broadcast path is gated on an explicit
// confirmRealTransaction sentinel, the only thing standing between a
// misconfigured test run and a real transfer of funds.
package venue

import (
	"context"
	"fmt"
	"math/big"
	"strings"

	ethereum "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/shopspring/decimal"
)

func callMsgFor(from, to common.Address, data []byte) ethereum.CallMsg {
	return ethereum.CallMsg{From: from, To: &to, Data: data}
}

// USDC (Base mainnet) and ConditionalTokens contract addresses.
const (
	USDCAddress              = "0x833589fcd6edb6e08f4c7c32d4f71b54bda02913"
	ConditionalTokensAddress = "0xC9c98965297Bc527861c898329Ee280632B76e18"
)

const erc20ApproveABI = `[{"constant":false,"inputs":[{"name":"spender","type":"address"},{"name":"amount","type":"uint256"}],"name":"approve","outputs":[{"name":"","type":"bool"}],"type":"function"}]`

const conditionalTokensABI = `[
	{"constant":false,"inputs":[{"name":"collateralToken","type":"address"},{"name":"parentCollectionId","type":"bytes32"},{"name":"conditionId","type":"bytes32"},{"name":"partition","type":"uint256[]"},{"name":"amount","type":"uint256"}],"name":"splitPosition","outputs":[],"type":"function"},
	{"constant":false,"inputs":[{"name":"collateralToken","type":"address"},{"name":"parentCollectionId","type":"bytes32"},{"name":"conditionId","type":"bytes32"},{"name":"partition","type":"uint256[]"},{"name":"amount","type":"uint256"}],"name":"mergePositions","outputs":[],"type":"function"},
	{"constant":false,"inputs":[{"name":"collateralToken","type":"address"},{"name":"parentCollectionId","type":"bytes32"},{"name":"conditionId","type":"bytes32"},{"name":"indexSets","type":"uint256[]"}],"name":"redeemPositions","outputs":[],"type":"function"}
]`

// OnChainClient wraps an ethclient.Client and the two contract ABIs this
// system needs, shared across every account's Client.
type OnChainClient struct {
	eth     *ethclient.Client
	chainID *big.Int

	erc20ABI   abi.ABI
	ctABI      abi.ABI
	usdcAddr   common.Address
	ctAddr     common.Address
}

// DialOnChainClient connects to the configured EVM JSON-RPC endpoint.
func DialOnChainClient(ctx context.Context, rpcURL string, chainID int64) (*OnChainClient, error) {
	eth, err := ethclient.DialContext(ctx, rpcURL)
	if err != nil {
		return nil, &OnChainError{Cause: fmt.Errorf("dial rpc: %w", err)}
	}

	erc20ABI, err := abi.JSON(strings.NewReader(erc20ApproveABI))
	if err != nil {
		return nil, fmt.Errorf("parse erc20 abi: %w", err)
	}
	ctABI, err := abi.JSON(strings.NewReader(conditionalTokensABI))
	if err != nil {
		return nil, fmt.Errorf("parse conditional-tokens abi: %w", err)
	}

	return &OnChainClient{
		eth:      eth,
		chainID:  big.NewInt(chainID),
		erc20ABI: erc20ABI,
		ctABI:    ctABI,
		usdcAddr: common.HexToAddress(USDCAddress),
		ctAddr:   common.HexToAddress(ConditionalTokensAddress),
	}, nil
}

// txOpts builds signed transaction options for signer, using the live chain
// nonce and suggested gas price.
func (o *OnChainClient) txOpts(ctx context.Context, signer *Signer) (*bind.TransactOpts, error) {
	nonce, err := o.eth.PendingNonceAt(ctx, signer.Address())
	if err != nil {
		return nil, &OnChainError{Cause: err}
	}
	gasPrice, err := o.eth.SuggestGasPrice(ctx)
	if err != nil {
		return nil, &OnChainError{Cause: err}
	}

	opts, err := bind.NewKeyedTransactorWithChainID(signer.privateKey, o.chainID)
	if err != nil {
		return nil, &OnChainError{Cause: err}
	}
	opts.Nonce = big.NewInt(int64(nonce))
	opts.GasPrice = gasPrice
	opts.Context = ctx
	return opts, nil
}

// Approve sends an ERC-20 approve(spender, amount) transaction for USDC.
// Refuses to broadcast unless confirmRealTransaction is true.
func (o *OnChainClient) Approve(ctx context.Context, signer *Signer, spender string, amount decimal.Decimal, confirmRealTransaction bool) (*types.Transaction, error) {
	if !confirmRealTransaction {
		return nil, fmt.Errorf("venue: refusing to broadcast approve without confirmRealTransaction=true")
	}

	opts, err := o.txOpts(ctx, signer)
	if err != nil {
		return nil, err
	}

	data, err := o.erc20ABI.Pack("approve", common.HexToAddress(spender), amount.Shift(6).BigInt())
	if err != nil {
		return nil, &OnChainError{Cause: err}
	}

	tx, err := o.sendRaw(ctx, opts, o.usdcAddr, data)
	if err != nil {
		return nil, &OnChainError{Cause: err}
	}
	return tx, nil
}

// Split converts collateral into YES+NO outcome tokens on-chain.
func (o *OnChainClient) Split(ctx context.Context, signer *Signer, conditionID string, amount decimal.Decimal, confirmRealTransaction bool) (*types.Transaction, error) {
	if !confirmRealTransaction {
		return nil, fmt.Errorf("venue: refusing to broadcast split without confirmRealTransaction=true")
	}
	return o.callConditionalTokens(ctx, signer, "splitPosition", conditionID, amount)
}

// Merge is the inverse of Split.
func (o *OnChainClient) Merge(ctx context.Context, signer *Signer, conditionID string, amount decimal.Decimal, confirmRealTransaction bool) (*types.Transaction, error) {
	if !confirmRealTransaction {
		return nil, fmt.Errorf("venue: refusing to broadcast merge without confirmRealTransaction=true")
	}
	return o.callConditionalTokens(ctx, signer, "mergePositions", conditionID, amount)
}

func (o *OnChainClient) callConditionalTokens(ctx context.Context, signer *Signer, method string, conditionID string, amount decimal.Decimal) (*types.Transaction, error) {
	opts, err := o.txOpts(ctx, signer)
	if err != nil {
		return nil, err
	}

	var zero [32]byte
	condBytes := common.HexToHash(conditionID)
	partition := []*big.Int{big.NewInt(1), big.NewInt(2)}

	data, err := o.ctABI.Pack(method, o.usdcAddr, zero, condBytes, partition, amount.Shift(6).BigInt())
	if err != nil {
		return nil, &OnChainError{Cause: err}
	}
	tx, err := o.sendRaw(ctx, opts, o.ctAddr, data)
	if err != nil {
		return nil, &OnChainError{Cause: err}
	}
	return tx, nil
}

// Claim redeems a resolved condition's winning outcome tokens for USDC.
func (o *OnChainClient) Claim(ctx context.Context, signer *Signer, conditionID string, confirmRealTransaction bool) error {
	if !confirmRealTransaction {
		return fmt.Errorf("venue: refusing to broadcast claim without confirmRealTransaction=true")
	}

	opts, err := o.txOpts(ctx, signer)
	if err != nil {
		return err
	}

	var zero [32]byte
	condBytes := common.HexToHash(conditionID)
	indexSets := []*big.Int{big.NewInt(1), big.NewInt(2)}

	data, err := o.ctABI.Pack("redeemPositions", o.usdcAddr, zero, condBytes, indexSets)
	if err != nil {
		return &OnChainError{Cause: err}
	}
	if _, err := o.sendRaw(ctx, opts, o.ctAddr, data); err != nil {
		return &OnChainError{Cause: err}
	}
	return nil
}

// sendRaw builds, signs, and broadcasts a raw contract call transaction.
func (o *OnChainClient) sendRaw(ctx context.Context, opts *bind.TransactOpts, to common.Address, data []byte) (*types.Transaction, error) {
	gasLimit, err := o.eth.EstimateGas(ctx, callMsgFor(opts.From, to, data))
	if err != nil {
		gasLimit = 300_000 // conservative fallback if estimation fails
	}

	tx := types.NewTx(&types.LegacyTx{
		Nonce:    opts.Nonce.Uint64(),
		To:       &to,
		Value:    big.NewInt(0),
		Gas:      gasLimit,
		GasPrice: opts.GasPrice,
		Data:     data,
	})

	signedTx, err := opts.Signer(opts.From, tx)
	if err != nil {
		return nil, err
	}

	if err := o.eth.SendTransaction(ctx, signedTx); err != nil {
		return nil, err
	}
	return signedTx, nil
}
