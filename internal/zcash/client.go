package zcash

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Client talks to one zcashd-compatible node.
type Client struct {
	url        string
	user       string
	password   string
	minConf    int64
	httpClient *http.Client
	logger     *slog.Logger
}

// NewClient builds a node client. minConf is the confirmation floor for
// payment reconciliation; values below 1 are raised to 1.
func NewClient(url, user, password string, minConf int64, logger *slog.Logger) *Client {
	if minConf < 1 {
		minConf = 1
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		url:      strings.TrimRight(url, "/"),
		user:     user,
		password: password,
		minConf:  minConf,
		httpClient: &http.Client{
			Timeout: 15 * time.Second,
		},
		logger: logger,
	}
}

// WithHTTPClient swaps the underlying HTTP client (tests use this to
// trust self-signed TLS endpoints). Returns the client for chaining.
func (c *Client) WithHTTPClient(h *http.Client) *Client {
	c.httpClient = h
	return c
}

// Loopback reports whether the client points at a local development
// node, which answers validation and balance queries synthetically.
func (c *Client) Loopback() bool {
	return strings.Contains(c.url, "127.0.0.1:8232") || strings.Contains(c.url, "localhost:8232")
}

// ValidateAddress checks an address with the node. Loopback mode
// accepts the standard transparent shape (t1 prefix, 35 chars).
func (c *Client) ValidateAddress(ctx context.Context, addr string) (bool, error) {
	if c.Loopback() {
		return strings.HasPrefix(addr, "t1") && len(addr) == 35, nil
	}

	var res struct {
		IsValid bool `json:"isvalid"`
	}
	if err := c.call(ctx, "z_validateaddress", []any{addr}, &res); err != nil {
		return false, err
	}
	return res.IsValid, nil
}

// GetBalance returns the node's transparent/shielded/total view of an
// address in ZEC. Loopback mode reports a fixed 1.0/0.5/1.5 split.
func (c *Client) GetBalance(ctx context.Context, addr string) (*Balance, error) {
	if c.Loopback() {
		return &Balance{
			Transparent: decimal.New(1, 0),
			Shielded:    decimal.New(5, -1),
			Total:       decimal.New(15, -1),
		}, nil
	}

	var raw struct {
		Transparent json.RawMessage `json:"transparent"`
		Private     json.RawMessage `json:"private"`
		Total       json.RawMessage `json:"total"`
	}
	if err := c.call(ctx, "z_getbalanceforaddress", []any{addr}, &raw); err != nil {
		return nil, err
	}

	b := &Balance{}
	var err error
	if b.Transparent, err = decimalFromRaw(raw.Transparent); err != nil {
		return nil, &ChainError{Method: "z_getbalanceforaddress", Err: err}
	}
	if b.Shielded, err = decimalFromRaw(raw.Private); err != nil {
		return nil, &ChainError{Method: "z_getbalanceforaddress", Err: err}
	}
	if b.Total, err = decimalFromRaw(raw.Total); err != nil {
		return nil, &ChainError{Method: "z_getbalanceforaddress", Err: err}
	}
	return b, nil
}

// CheckPaymentReceived sums confirmed receipts at `to` whose sender is
// verifiably `from`. Receipts whose sender cannot be resolved count as
// zero; the caller compares the sum against the expected amount.
func (c *Client) CheckPaymentReceived(ctx context.Context, from, to string) (decimal.Decimal, error) {
	receipts, err := c.listReceived(ctx, to)
	if err != nil {
		return decimal.Zero, err
	}

	verified := decimal.Zero
	for _, r := range receipts {
		ok, err := c.senderVerified(ctx, r.TxID, from)
		if err != nil {
			c.logger.Warn("sender resolution failed, receipt not counted",
				"txid", r.TxID, "error", err)
			continue
		}
		if !ok {
			c.logger.Debug("receipt sender mismatch", "txid", r.TxID, "expected_from", from)
			continue
		}
		verified = verified.Add(r.Amount)
	}

	f, _ := verified.Float64()
	verifiedPayments.Observe(f)
	return verified, nil
}

// listReceived wraps z_listreceivedbyaddress with the configured
// confirmation floor.
func (c *Client) listReceived(ctx context.Context, addr string) ([]Received, error) {
	var raw []struct {
		TxID          string          `json:"txid"`
		Amount        json.RawMessage `json:"amount"`
		Confirmations int64           `json:"confirmations"`
	}
	if err := c.call(ctx, "z_listreceivedbyaddress", []any{addr, c.minConf}, &raw); err != nil {
		return nil, err
	}

	out := make([]Received, 0, len(raw))
	for _, r := range raw {
		amt, err := decimalFromRaw(r.Amount)
		if err != nil {
			return nil, &ChainError{Method: "z_listreceivedbyaddress", Err: err}
		}
		out = append(out, Received{TxID: r.TxID, Amount: amt, Confirmations: r.Confirmations})
	}
	return out, nil
}

// senderVerified resolves the sending address of a receipt.
// Transparent transactions expose it through gettransaction details;
// shielded ones through z_viewtransaction spends. An error is returned
// only when both resolutions fail.
func (c *Client) senderVerified(ctx context.Context, txid, from string) (bool, error) {
	var tx struct {
		Details []struct {
			Address  string `json:"address"`
			Category string `json:"category"`
		} `json:"details"`
	}
	txErr := c.call(ctx, "gettransaction", []any{txid}, &tx)
	if txErr == nil {
		sawAddress := false
		for _, d := range tx.Details {
			if d.Address == "" {
				continue
			}
			sawAddress = true
			if d.Address == from {
				return true, nil
			}
		}
		if sawAddress {
			// Senders were visible and none matched.
			return false, nil
		}
	}

	var vt struct {
		Spends []struct {
			Address string `json:"address"`
		} `json:"spends"`
	}
	if err := c.call(ctx, "z_viewtransaction", []any{txid}, &vt); err != nil {
		if txErr != nil {
			return false, txErr
		}
		return false, err
	}
	for _, s := range vt.Spends {
		if s.Address == from {
			return true, nil
		}
	}
	return false, nil
}

// call performs one JSON-RPC exchange. Authentication follows the node
// URL scheme at call time: https endpoints take an API key as the basic
// auth username with no password, plain http takes user and password.
func (c *Client) call(ctx context.Context, method string, params []any, out any) error {
	start := time.Now()
	err := c.doCall(ctx, method, params, out)
	rpcDuration.WithLabelValues(method).Observe(time.Since(start).Seconds())
	if err != nil {
		rpcCallsTotal.WithLabelValues(method, "error").Inc()
		return err
	}
	rpcCallsTotal.WithLabelValues(method, "ok").Inc()
	return nil
}

func (c *Client) doCall(ctx context.Context, method string, params []any, out any) error {
	if params == nil {
		params = []any{}
	}
	body, err := json.Marshal(rpcRequest{
		JSONRPC: "1.0",
		ID:      "streampay",
		Method:  method,
		Params:  params,
	})
	if err != nil {
		return &ChainError{Method: method, Err: err}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return &ChainError{Method: method, Err: err}
	}
	req.Header.Set("Content-Type", "application/json")

	if strings.HasPrefix(strings.ToLower(c.url), "https://") {
		req.SetBasicAuth(c.user, "")
	} else {
		req.SetBasicAuth(c.user, c.password)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return &ChainError{Method: method, Err: err}
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return &ChainError{Method: method, Err: err}
	}

	var envelope struct {
		Result json.RawMessage `json:"result"`
		Error  *RPCError       `json:"error"`
	}
	if err := json.Unmarshal(payload, &envelope); err != nil {
		return &ChainError{Method: method, Err: fmt.Errorf("status %d: %w", resp.StatusCode, err)}
	}
	if envelope.Error != nil {
		return &ChainError{Method: method, Err: envelope.Error}
	}
	if resp.StatusCode != http.StatusOK {
		return &ChainError{Method: method, Err: fmt.Errorf("unexpected status %d", resp.StatusCode)}
	}

	if out != nil && len(envelope.Result) > 0 {
		if err := json.Unmarshal(envelope.Result, out); err != nil {
			return &ChainError{Method: method, Err: err}
		}
	}
	return nil
}

// decimalFromRaw parses a JSON number or string literal straight into a
// decimal, avoiding a float64 hop.
func decimalFromRaw(raw json.RawMessage) (decimal.Decimal, error) {
	s := strings.Trim(strings.TrimSpace(string(raw)), `"`)
	if s == "" || s == "null" {
		return decimal.Zero, nil
	}
	return decimal.NewFromString(s)
}
