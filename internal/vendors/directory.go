package vendors

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sony/gobreaker"

	"github.com/paygoback/streampay/internal/money"
	"github.com/paygoback/streampay/internal/validation"
)

// maxRatePerHour caps what the directory may charge. A record above it
// is treated as corrupt rather than billed.
var maxRatePerHour = decimal.NewFromInt(1000)

// Directory is an HTTP client for the vendor service.
type Directory struct {
	baseURL    string
	token      string
	httpClient *http.Client
	breaker    *gobreaker.CircuitBreaker
	logger     *slog.Logger
}

// NewDirectory builds a directory client. token is sent as a bearer
// credential on every lookup.
func NewDirectory(baseURL, token string, logger *slog.Logger) *Directory {
	if logger == nil {
		logger = slog.Default()
	}
	d := &Directory{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		httpClient: &http.Client{
			Timeout: 10 * time.Second,
		},
		logger: logger,
	}
	d.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "vendor_directory",
		MaxRequests: 3,
		Interval:    60 * time.Second,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("vendor directory circuit state change",
				"breaker", name, "from", from.String(), "to", to.String())
		},
	})
	return d
}

// WithHTTPClient swaps the underlying HTTP client. Returns the
// directory for chaining.
func (d *Directory) WithHTTPClient(h *http.Client) *Directory {
	d.httpClient = h
	return d
}

// record is the directory's wire shape. The rate arrives as a raw JSON
// literal so it never passes through a float.
type record struct {
	ID            string          `json:"id"`
	Name          string          `json:"name"`
	WalletAddress string          `json:"wallet_address"`
	RatePerHour   json.RawMessage `json:"rate_per_hour"`
	Currency      string          `json:"currency"`
}

// Get fetches one vendor by ID. Transport and 5xx failures count
// against the circuit; a 404 is a conclusive answer and does not.
func (d *Directory) Get(ctx context.Context, id string) (*Vendor, error) {
	res, err := d.breaker.Execute(func() (any, error) {
		return d.fetch(ctx, id)
	})
	if err != nil {
		if err == gobreaker.ErrOpenState || err == gobreaker.ErrTooManyRequests {
			return nil, fmt.Errorf("%w: circuit open", ErrUnavailable)
		}
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	rec := res.(*record)
	if rec == nil {
		return nil, ErrNotFound
	}
	return d.toVendor(rec)
}

// fetch performs the HTTP exchange. It returns (nil, nil) for 404 so
// not-found does not trip the breaker.
func (d *Directory) fetch(ctx context.Context, id string) (*record, error) {
	u := d.baseURL + "/internal/vendors/" + url.PathEscape(id)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	if d.token != "" {
		req.Header.Set("Authorization", "Bearer "+d.token)
	}

	resp, err := d.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return nil, nil
	case resp.StatusCode != http.StatusOK:
		return nil, fmt.Errorf("directory status %d", resp.StatusCode)
	}

	var rec record
	if err := json.NewDecoder(resp.Body).Decode(&rec); err != nil {
		return nil, fmt.Errorf("decode directory response: %w", err)
	}
	return &rec, nil
}

// toVendor validates the payout constraints before the record is
// allowed anywhere near billing.
func (d *Directory) toVendor(rec *record) (*Vendor, error) {
	if !validation.IsValidEVMAddress(rec.WalletAddress) {
		return nil, &InvalidRecordError{VendorID: rec.ID, Reason: "malformed wallet address"}
	}

	raw := strings.Trim(strings.TrimSpace(string(rec.RatePerHour)), `"`)
	rate, err := money.ParseRate(raw)
	if err != nil {
		return nil, &InvalidRecordError{VendorID: rec.ID, Reason: fmt.Sprintf("rate %q: %v", raw, err)}
	}
	if rate.GreaterThan(maxRatePerHour) {
		return nil, &InvalidRecordError{VendorID: rec.ID, Reason: fmt.Sprintf("rate %s out of range", rate)}
	}

	return &Vendor{
		ID:            rec.ID,
		Name:          rec.Name,
		WalletAddress: rec.WalletAddress,
		RatePerHour:   rate,
		Currency:      rec.Currency,
	}, nil
}
