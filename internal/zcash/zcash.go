// Package zcash is a typed adapter over the Zcash node JSON-RPC API.
//
// The billing engine uses a small slice of the node surface: address
// validation, per-address balances, and inbound-payment reconciliation
// (listing confirmed receipts and resolving their senders). All chain
// and transport failures surface as *ChainError. Transport failures
// are transient; a ChainError that unwraps to *RPCError carries the
// node's own answer and repeating the call will not change it. No
// failure is ever proof of payment.
//
// Against a loopback node URL (127.0.0.1/localhost:8232) the client
// synthesizes deterministic responses for validation and balances so
// local development needs no running node. Production URLs always hit
// the node.
package zcash

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// ChainError wraps any RPC, transport, or decode failure.
type ChainError struct {
	Method string
	Err    error
}

func (e *ChainError) Error() string {
	return fmt.Sprintf("zcash: %s: %v", e.Method, e.Err)
}

func (e *ChainError) Unwrap() error { return e.Err }

// Balance is the node's view of an address, in ZEC.
type Balance struct {
	Transparent decimal.Decimal `json:"transparent"`
	Shielded    decimal.Decimal `json:"shielded"`
	Total       decimal.Decimal `json:"total"`
}

// Received is one confirmed inbound payment to a watched address.
type Received struct {
	TxID          string
	Amount        decimal.Decimal
	Confirmations int64
}

// rpcRequest is the JSON-RPC 1.0 envelope zcashd expects.
type rpcRequest struct {
	JSONRPC string `json:"jsonrpc"`
	ID      string `json:"id"`
	Method  string `json:"method"`
	Params  []any  `json:"params"`
}

// RPCError is an application-level error answered by the node itself.
// The same request repeated yields the same answer, so callers stop
// retrying when a ChainError unwraps to one.
type RPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *RPCError) Error() string {
	return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message)
}
