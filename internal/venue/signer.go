// signer.go signs the venue's EIP-712 order struct and the SIWE login
// challenge with an account's private key. One Signer exists per account,
// constructed from the key the account manager reads out of the vault.
package venue

import (
	"crypto/ecdsa"
	"fmt"
	"math/big"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	ethmath "github.com/ethereum/go-ethereum/common/math"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"
)

// Signer holds one account's private key and derived address, and produces
// every signature the venue client needs.
type Signer struct {
	privateKey *ecdsa.PrivateKey
	address    common.Address
	chainID    *big.Int
}

// NewSigner parses a `0x`-prefixed hex private key.
func NewSigner(privateKeyHex string, chainID int64) (*Signer, error) {
	keyHex := strings.TrimPrefix(privateKeyHex, "0x")
	pk, err := crypto.HexToECDSA(keyHex)
	if err != nil {
		return nil, &SigError{Cause: fmt.Errorf("parse private key: %w", err)}
	}
	return &Signer{
		privateKey: pk,
		address:    crypto.PubkeyToAddress(pk.PublicKey),
		chainID:    big.NewInt(chainID),
	}, nil
}

// Address returns the signer's wallet address.
func (s *Signer) Address() common.Address { return s.address }

// SignTypedData signs EIP-712 typed data and adjusts V to 27/28 as the
// venue's verifier expects.
func (s *Signer) SignTypedData(domain apitypes.TypedDataDomain, typesDef apitypes.Types, message apitypes.TypedDataMessage, primaryType string) ([]byte, error) {
	typedData := apitypes.TypedData{
		Types:       typesDef,
		PrimaryType: primaryType,
		Domain:      domain,
		Message:     message,
	}

	hash, _, err := apitypes.TypedDataAndHash(typedData)
	if err != nil {
		return nil, &SigError{Cause: fmt.Errorf("typed data hash: %w", err)}
	}

	sig, err := crypto.Sign(hash, s.privateKey)
	if err != nil {
		return nil, &SigError{Cause: fmt.Errorf("sign typed data: %w", err)}
	}
	if sig[64] < 27 {
		sig[64] += 27
	}
	return sig, nil
}

// SignLoginChallenge produces the SIWE-style signature Login exchanges for
// a session: a ClobAuth-shaped EIP-712 message binding address, timestamp,
// and a server nonce.
func (s *Signer) SignLoginChallenge(nonce string) (string, string, error) {
	timestamp := strconv.FormatInt(time.Now().Unix(), 10)

	sig, err := s.SignTypedData(
		apitypes.TypedDataDomain{
			Name:    "VenueAuthDomain",
			Version: "1",
			ChainId: (*ethmath.HexOrDecimal256)(new(big.Int).Set(s.chainID)),
		},
		apitypes.Types{
			"EIP712Domain": {
				{Name: "name", Type: "string"},
				{Name: "version", Type: "string"},
				{Name: "chainId", Type: "uint256"},
			},
			"ClobAuth": {
				{Name: "address", Type: "address"},
				{Name: "timestamp", Type: "string"},
				{Name: "nonce", Type: "string"},
				{Name: "message", Type: "string"},
			},
		},
		apitypes.TypedDataMessage{
			"address":   s.address.Hex(),
			"timestamp": timestamp,
			"nonce":     nonce,
			"message":   "This message attests that I control the given wallet",
		},
		"ClobAuth",
	)
	if err != nil {
		return "", "", err
	}
	return "0x" + common.Bytes2Hex(sig), timestamp, nil
}

// SignedOrder is the EIP-712 typed order struct the venue's order
// submission endpoint expects.
type SignedOrder struct {
	Salt          string `json:"salt"`
	Maker         string `json:"maker"`
	Signer        string `json:"signer"`
	Taker         string `json:"taker"`
	TokenID       string `json:"tokenId"`
	MakerAmount   string `json:"makerAmount"`
	TakerAmount   string `json:"takerAmount"`
	Expiration    string `json:"expiration"`
	Nonce         string `json:"nonce"`
	FeeRateBps    string `json:"feeRateBps"`
	Side          int    `json:"side"`
	SignatureType int    `json:"signatureType"`
	Signature     string `json:"signature"`
}

const (
	defaultFeeRateBps    = 0
	defaultExpirationTTL = 24 * time.Hour
	defaultSignatureType = 0 // EOA
)

// BuildAndSignOrder constructs the EIP-712 order struct for a limit order
// and signs it. salt must be caller-supplied so idempotent retries of the
// same logical order reuse the same salt (Testable Property 7); a fresh
// opportunity gets a fresh salt.
func (s *Signer) BuildAndSignOrder(salt string, tokenID string, makerAmount, takerAmount *big.Int, side int) (SignedOrder, error) {
	order := SignedOrder{
		Salt:          salt,
		Maker:         s.address.Hex(),
		Signer:        s.address.Hex(),
		Taker:         "0x0000000000000000000000000000000000000000",
		TokenID:       tokenID,
		MakerAmount:   makerAmount.String(),
		TakerAmount:   takerAmount.String(),
		Expiration:    strconv.FormatInt(time.Now().Add(defaultExpirationTTL).Unix(), 10),
		Nonce:         "0",
		FeeRateBps:    strconv.Itoa(defaultFeeRateBps),
		Side:          side,
		SignatureType: defaultSignatureType,
	}

	sig, err := s.SignTypedData(
		apitypes.TypedDataDomain{
			Name:    "Venue Exchange",
			Version: "1",
			ChainId: (*ethmath.HexOrDecimal256)(new(big.Int).Set(s.chainID)),
		},
		apitypes.Types{
			"EIP712Domain": {
				{Name: "name", Type: "string"},
				{Name: "version", Type: "string"},
				{Name: "chainId", Type: "uint256"},
			},
			"Order": {
				{Name: "salt", Type: "uint256"},
				{Name: "maker", Type: "address"},
				{Name: "signer", Type: "address"},
				{Name: "taker", Type: "address"},
				{Name: "tokenId", Type: "uint256"},
				{Name: "makerAmount", Type: "uint256"},
				{Name: "takerAmount", Type: "uint256"},
				{Name: "expiration", Type: "uint256"},
				{Name: "nonce", Type: "uint256"},
				{Name: "feeRateBps", Type: "uint256"},
				{Name: "side", Type: "uint8"},
				{Name: "signatureType", Type: "uint8"},
			},
		},
		apitypes.TypedDataMessage{
			"salt":          order.Salt,
			"maker":         order.Maker,
			"signer":        order.Signer,
			"taker":         order.Taker,
			"tokenId":       order.TokenID,
			"makerAmount":   order.MakerAmount,
			"takerAmount":   order.TakerAmount,
			"expiration":    order.Expiration,
			"nonce":         order.Nonce,
			"feeRateBps":    order.FeeRateBps,
			"side":          fmt.Sprintf("%d", order.Side),
			"signatureType": fmt.Sprintf("%d", order.SignatureType),
		},
		"Order",
	)
	if err != nil {
		return SignedOrder{}, err
	}
	order.Signature = "0x" + common.Bytes2Hex(sig)
	return order, nil
}

// PriceToAmounts converts a human price/quantity pair to integer maker/taker
// base units scaled to 6 decimals.
// side 0 = buy (quantity is USDC in), side 1 = sell (quantity is tokens in).
func PriceToAmounts(price float64, quantity float64, side int) (makerAmount, takerAmount *big.Int) {
	const scale = 1_000_000 // 1e6, USDC base units

	if side == 0 {
		// Buying: pay `quantity` USDC, receive quantity/price tokens.
		makerAmount = big.NewInt(int64(quantity * scale))
		tokens := quantity / price
		takerAmount = big.NewInt(int64(tokens * scale))
		return
	}
	// Selling: give `quantity` tokens, receive quantity*price USDC.
	makerAmount = big.NewInt(int64(quantity * scale))
	proceeds := quantity * price
	takerAmount = big.NewInt(int64(proceeds * scale))
	return
}
