// Package chainbill executes fallback billing through the settlement
// contract on an EVM chain.
//
// Sessions without a spending permission cannot be debited from a
// custodial wallet, so the scheduler bills them on-chain instead: one
// billUser call per interval, recorded in the ledger with the
// transaction hash. The biller is optional; without chain credentials
// it runs disabled and every call reports ErrDisabled.
package chainbill

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/shopspring/decimal"
)

// -----------------------------------------------------------------------------
// Errors - typed errors for programmatic handling
// -----------------------------------------------------------------------------

var (
	ErrDisabled          = errors.New("chainbill: fallback billing disabled")
	ErrInvalidPrivateKey = errors.New("chainbill: invalid private key")
	ErrInvalidAddress    = errors.New("chainbill: invalid address")
	ErrInvalidAmount     = errors.New("chainbill: invalid amount")
	ErrRPCConnection     = errors.New("chainbill: RPC connection failed")
)

// BillError wraps a failed billing attempt with the step that failed
// and the transaction hash when one was produced.
type BillError struct {
	Op     string
	TxHash string
	Err    error
}

func (e *BillError) Error() string {
	if e.TxHash != "" {
		return fmt.Sprintf("chainbill: %s failed (tx: %s): %v", e.Op, e.TxHash, e.Err)
	}
	return fmt.Sprintf("chainbill: %s failed: %v", e.Op, e.Err)
}

func (e *BillError) Unwrap() error { return e.Err }

// -----------------------------------------------------------------------------
// Interfaces
// -----------------------------------------------------------------------------

// EthClient abstracts the go-ethereum client for testing.
type EthClient interface {
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	EstimateGas(ctx context.Context, call ethereum.CallMsg) (uint64, error)
	SendTransaction(ctx context.Context, tx *types.Transaction) error
	CallContract(ctx context.Context, call ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
	Close()
}

// -----------------------------------------------------------------------------
// Constants
// -----------------------------------------------------------------------------

// settlementABI is the minimal surface of the settlement contract:
// billUser debits a pre-deposited user balance toward a vendor, and
// getUserBalance reads what remains.
const settlementABI = `[
	{"constant":false,"inputs":[{"name":"user","type":"address"},{"name":"vendor","type":"address"},{"name":"amount","type":"uint256"}],"name":"billUser","outputs":[{"name":"","type":"bool"}],"type":"function"},
	{"constant":true,"inputs":[{"name":"user","type":"address"}],"name":"getUserBalance","outputs":[{"name":"","type":"uint256"}],"type":"function"},
	{"anonymous":false,"inputs":[{"indexed":true,"name":"user","type":"address"},{"indexed":true,"name":"vendor","type":"address"},{"indexed":false,"name":"amount","type":"uint256"}],"name":"UserBilled","type":"event"}
]`

const (
	// TokenDecimals is the precision of contract balances.
	TokenDecimals = 18

	// DefaultGasLimit is used when estimation fails.
	DefaultGasLimit = uint64(150000)
)

// -----------------------------------------------------------------------------
// Types
// -----------------------------------------------------------------------------

// Config for creating a biller.
type Config struct {
	RPCURL          string
	PrivateKey      string // hex, 0x prefix optional
	ChainID         int64
	ContractAddress string
}

// Option configures the biller.
type Option func(*Biller)

// WithClient sets a custom chain client (useful for testing).
func WithClient(client EthClient) Option {
	return func(b *Biller) {
		b.client = client
	}
}

// Receipt describes a submitted billing transaction. Submission is not
// finality; the ledger records the hash and the row stays pending.
type Receipt struct {
	TxHash string
	Nonce  uint64
	Amount decimal.Decimal
}

// Biller signs and submits billUser transactions.
type Biller struct {
	disabled   bool
	client     EthClient
	privateKey *ecdsa.PrivateKey
	address    common.Address
	chainID    *big.Int
	contract   common.Address
	abi        abi.ABI
}

// NewDisabled returns a biller that rejects every call with
// ErrDisabled. Used when no chain credentials are configured.
func NewDisabled() *Biller {
	return &Biller{disabled: true}
}

// New creates a biller from chain credentials.
func New(cfg Config, opts ...Option) (*Biller, error) {
	if err := validateConfig(cfg); err != nil {
		return nil, err
	}

	privateKey, err := crypto.HexToECDSA(strings.TrimPrefix(cfg.PrivateKey, "0x"))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPrivateKey, err)
	}
	publicKey, ok := privateKey.Public().(*ecdsa.PublicKey)
	if !ok {
		return nil, fmt.Errorf("%w: failed to derive public key", ErrInvalidPrivateKey)
	}

	parsedABI, err := abi.JSON(strings.NewReader(settlementABI))
	if err != nil {
		return nil, fmt.Errorf("parse settlement ABI: %w", err)
	}

	b := &Biller{
		privateKey: privateKey,
		address:    crypto.PubkeyToAddress(*publicKey),
		chainID:    big.NewInt(cfg.ChainID),
		contract:   common.HexToAddress(cfg.ContractAddress),
		abi:        parsedABI,
	}
	for _, opt := range opts {
		opt(b)
	}

	if b.client == nil {
		client, err := ethclient.Dial(cfg.RPCURL)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrRPCConnection, err)
		}
		b.client = client
	}
	return b, nil
}

func validateConfig(cfg Config) error {
	if cfg.RPCURL == "" {
		return fmt.Errorf("%w: RPC URL required", ErrRPCConnection)
	}
	key := strings.TrimPrefix(cfg.PrivateKey, "0x")
	if len(key) != 64 {
		return fmt.Errorf("%w: must be 64 hex characters", ErrInvalidPrivateKey)
	}
	if cfg.ChainID == 0 {
		return errors.New("chainbill: chain ID required")
	}
	if !common.IsHexAddress(cfg.ContractAddress) {
		return fmt.Errorf("%w: contract %q", ErrInvalidAddress, cfg.ContractAddress)
	}
	return nil
}

// Disabled reports whether the biller can submit transactions.
func (b *Biller) Disabled() bool { return b.disabled }

// Address returns the signing address, empty when disabled.
func (b *Biller) Address() string {
	if b.disabled {
		return ""
	}
	return b.address.Hex()
}

// Bill submits one billUser transaction debiting user toward vendor.
func (b *Biller) Bill(ctx context.Context, user, vendor string, amount decimal.Decimal) (*Receipt, error) {
	if b.disabled {
		return nil, ErrDisabled
	}
	if !common.IsHexAddress(user) {
		return nil, fmt.Errorf("%w: user %q", ErrInvalidAddress, user)
	}
	if !common.IsHexAddress(vendor) {
		return nil, fmt.Errorf("%w: vendor %q", ErrInvalidAddress, vendor)
	}
	if !amount.IsPositive() {
		return nil, fmt.Errorf("%w: %s", ErrInvalidAmount, amount)
	}

	data, err := b.abi.Pack("billUser", common.HexToAddress(user), common.HexToAddress(vendor), toWei(amount))
	if err != nil {
		return nil, &BillError{Op: "pack", Err: err}
	}

	nonce, err := b.client.PendingNonceAt(ctx, b.address)
	if err != nil {
		return nil, &BillError{Op: "nonce", Err: err}
	}
	gasPrice, err := b.client.SuggestGasPrice(ctx)
	if err != nil {
		return nil, &BillError{Op: "gas_price", Err: err}
	}
	gasLimit, err := b.client.EstimateGas(ctx, ethereum.CallMsg{
		From:  b.address,
		To:    &b.contract,
		Value: big.NewInt(0),
		Data:  data,
	})
	if err != nil {
		gasLimit = DefaultGasLimit
	}

	tx := types.NewTransaction(nonce, b.contract, big.NewInt(0), gasLimit, gasPrice, data)
	signedTx, err := types.SignTx(tx, types.NewEIP155Signer(b.chainID), b.privateKey)
	if err != nil {
		return nil, &BillError{Op: "sign", Err: err}
	}
	if err := b.client.SendTransaction(ctx, signedTx); err != nil {
		return nil, &BillError{Op: "send", TxHash: signedTx.Hash().Hex(), Err: err}
	}

	return &Receipt{
		TxHash: signedTx.Hash().Hex(),
		Nonce:  nonce,
		Amount: amount,
	}, nil
}

// UserBalance reads the user's remaining pre-deposited balance.
func (b *Biller) UserBalance(ctx context.Context, user string) (decimal.Decimal, error) {
	if b.disabled {
		return decimal.Zero, ErrDisabled
	}
	if !common.IsHexAddress(user) {
		return decimal.Zero, fmt.Errorf("%w: user %q", ErrInvalidAddress, user)
	}

	data, err := b.abi.Pack("getUserBalance", common.HexToAddress(user))
	if err != nil {
		return decimal.Zero, fmt.Errorf("pack getUserBalance: %w", err)
	}
	result, err := b.client.CallContract(ctx, ethereum.CallMsg{
		To:   &b.contract,
		Data: data,
	}, nil)
	if err != nil {
		return decimal.Zero, fmt.Errorf("call getUserBalance: %w", err)
	}

	raw := new(big.Int).SetBytes(result)
	return fromWei(raw), nil
}

// Close closes the chain client.
func (b *Biller) Close() error {
	if b.client != nil {
		b.client.Close()
	}
	return nil
}

// toWei scales a decimal amount to contract units. Amounts carry at
// most 8 fractional digits, well inside the 18 the contract stores.
func toWei(amount decimal.Decimal) *big.Int {
	return amount.Shift(TokenDecimals).BigInt()
}

func fromWei(raw *big.Int) decimal.Decimal {
	return decimal.NewFromBigInt(raw, -TokenDecimals)
}
