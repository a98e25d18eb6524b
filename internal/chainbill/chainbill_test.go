package chainbill

import (
	"context"
	"errors"
	"math/big"
	"strings"
	"testing"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	testKey      = "0123456789abcdef0123456789abcdef0123456789abcdef0123456789abcdef"
	testContract = "0x5FbDB2315678afecb367f032d93F642f64180aa3"
	testUser     = "0x742d35Cc6634C0532925a3b844Bc9e7595f2bD28"
	testVendor   = "0x8ba1f109551bD432803012645Ac136ddd64DBA72"
)

// mockEthClient implements EthClient with overridable behaviors.
type mockEthClient struct {
	pendingNonceAt  func(ctx context.Context, account common.Address) (uint64, error)
	suggestGasPrice func(ctx context.Context) (*big.Int, error)
	estimateGas     func(ctx context.Context, call ethereum.CallMsg) (uint64, error)
	sendTransaction func(ctx context.Context, tx *types.Transaction) error
	callContract    func(ctx context.Context, call ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
}

func (m *mockEthClient) PendingNonceAt(ctx context.Context, account common.Address) (uint64, error) {
	if m.pendingNonceAt != nil {
		return m.pendingNonceAt(ctx, account)
	}
	return 7, nil
}

func (m *mockEthClient) SuggestGasPrice(ctx context.Context) (*big.Int, error) {
	if m.suggestGasPrice != nil {
		return m.suggestGasPrice(ctx)
	}
	return big.NewInt(2_000_000_000), nil
}

func (m *mockEthClient) EstimateGas(ctx context.Context, call ethereum.CallMsg) (uint64, error) {
	if m.estimateGas != nil {
		return m.estimateGas(ctx, call)
	}
	return 90_000, nil
}

func (m *mockEthClient) SendTransaction(ctx context.Context, tx *types.Transaction) error {
	if m.sendTransaction != nil {
		return m.sendTransaction(ctx, tx)
	}
	return nil
}

func (m *mockEthClient) CallContract(ctx context.Context, call ethereum.CallMsg, blockNumber *big.Int) ([]byte, error) {
	if m.callContract != nil {
		return m.callContract(ctx, call, blockNumber)
	}
	return nil, errors.New("not implemented")
}

func (m *mockEthClient) Close() {}

func newTestBiller(t *testing.T, client EthClient) *Biller {
	t.Helper()
	b, err := New(Config{
		RPCURL:          "http://127.0.0.1:8545",
		PrivateKey:      testKey,
		ChainID:         84532,
		ContractAddress: testContract,
	}, WithClient(client))
	require.NoError(t, err)
	return b
}

func TestBillSubmitsSignedTransaction(t *testing.T) {
	var sent *types.Transaction
	client := &mockEthClient{
		sendTransaction: func(_ context.Context, tx *types.Transaction) error {
			sent = tx
			return nil
		},
	}
	b := newTestBiller(t, client)

	amount := decimal.RequireFromString("0.00012345")
	receipt, err := b.Bill(context.Background(), testUser, testVendor, amount)
	require.NoError(t, err)
	require.NotNil(t, sent)

	assert.Equal(t, testContract, sent.To().Hex())
	assert.Equal(t, uint64(7), sent.Nonce())
	assert.Equal(t, big.NewInt(2_000_000_000), sent.GasPrice())
	assert.Equal(t, uint64(90_000), sent.Gas())

	parsed, err := abi.JSON(strings.NewReader(settlementABI))
	require.NoError(t, err)
	wantData, err := parsed.Pack("billUser",
		common.HexToAddress(testUser),
		common.HexToAddress(testVendor),
		big.NewInt(123_450_000_000_000), // 0.00012345 at 18 decimals
	)
	require.NoError(t, err)
	assert.Equal(t, wantData, sent.Data())

	assert.Equal(t, sent.Hash().Hex(), receipt.TxHash)
	assert.Equal(t, uint64(7), receipt.Nonce)
	assert.True(t, receipt.Amount.Equal(amount))
}

func TestBillGasEstimateFailureUsesDefault(t *testing.T) {
	var sent *types.Transaction
	client := &mockEthClient{
		estimateGas: func(context.Context, ethereum.CallMsg) (uint64, error) {
			return 0, errors.New("execution reverted")
		},
		sendTransaction: func(_ context.Context, tx *types.Transaction) error {
			sent = tx
			return nil
		},
	}
	b := newTestBiller(t, client)

	_, err := b.Bill(context.Background(), testUser, testVendor, decimal.NewFromInt(1))
	require.NoError(t, err)
	assert.Equal(t, DefaultGasLimit, sent.Gas())
}

func TestBillSendFailureCarriesTxHash(t *testing.T) {
	client := &mockEthClient{
		sendTransaction: func(context.Context, *types.Transaction) error {
			return errors.New("nonce too low")
		},
	}
	b := newTestBiller(t, client)

	_, err := b.Bill(context.Background(), testUser, testVendor, decimal.NewFromInt(1))
	var billErr *BillError
	require.ErrorAs(t, err, &billErr)
	assert.Equal(t, "send", billErr.Op)
	assert.NotEmpty(t, billErr.TxHash)
	assert.Contains(t, billErr.Error(), billErr.TxHash)
}

func TestBillRejectsBadInput(t *testing.T) {
	b := newTestBiller(t, &mockEthClient{})
	ctx := context.Background()

	_, err := b.Bill(ctx, "not-an-address", testVendor, decimal.NewFromInt(1))
	assert.ErrorIs(t, err, ErrInvalidAddress)

	_, err = b.Bill(ctx, testUser, "nope", decimal.NewFromInt(1))
	assert.ErrorIs(t, err, ErrInvalidAddress)

	_, err = b.Bill(ctx, testUser, testVendor, decimal.Zero)
	assert.ErrorIs(t, err, ErrInvalidAmount)
}

func TestDisabledBiller(t *testing.T) {
	b := NewDisabled()
	assert.True(t, b.Disabled())
	assert.Empty(t, b.Address())

	_, err := b.Bill(context.Background(), testUser, testVendor, decimal.NewFromInt(1))
	assert.ErrorIs(t, err, ErrDisabled)

	_, err = b.UserBalance(context.Background(), testUser)
	assert.ErrorIs(t, err, ErrDisabled)
}

func TestUserBalance(t *testing.T) {
	raw, _ := new(big.Int).SetString("1500000000000000000", 10) // 1.5 tokens
	client := &mockEthClient{
		callContract: func(_ context.Context, call ethereum.CallMsg, _ *big.Int) ([]byte, error) {
			assert.Equal(t, testContract, call.To.Hex())
			return common.LeftPadBytes(raw.Bytes(), 32), nil
		},
	}
	b := newTestBiller(t, client)

	bal, err := b.UserBalance(context.Background(), testUser)
	require.NoError(t, err)
	assert.True(t, bal.Equal(decimal.RequireFromString("1.5")), "balance = %s", bal)
}

func TestWeiConversion(t *testing.T) {
	tests := []struct {
		amount string
		wei    string
	}{
		{"1", "1000000000000000000"},
		{"0.00000001", "10000000000"}, // one zatoshi-scale step
		{"12.5", "12500000000000000000"},
	}
	for _, tt := range tests {
		t.Run(tt.amount, func(t *testing.T) {
			want, _ := new(big.Int).SetString(tt.wei, 10)
			got := toWei(decimal.RequireFromString(tt.amount))
			assert.Equal(t, 0, want.Cmp(got), "toWei(%s) = %s", tt.amount, got)
			assert.True(t, fromWei(got).Equal(decimal.RequireFromString(tt.amount)))
		})
	}
}

func TestValidateConfig(t *testing.T) {
	valid := Config{
		RPCURL:          "https://sepolia.base.org",
		PrivateKey:      testKey,
		ChainID:         84532,
		ContractAddress: testContract,
	}

	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"missing rpc url", func(c *Config) { c.RPCURL = "" }},
		{"short private key", func(c *Config) { c.PrivateKey = "abc123" }},
		{"missing chain id", func(c *Config) { c.ChainID = 0 }},
		{"bad contract address", func(c *Config) { c.ContractAddress = "0x123" }},
	}

	require.NoError(t, validateConfig(valid))
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid
			tt.mutate(&cfg)
			assert.Error(t, validateConfig(cfg))
		})
	}
}
