// Package vendors resolves streaming vendors against the external
// vendor-service directory.
//
// The directory is an upstream dependency on the session-creation path,
// so lookups run behind a circuit breaker: once the directory starts
// failing, sessions fail fast with ErrUnavailable instead of stacking
// up timeouts.
package vendors

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

var (
	// ErrNotFound means the directory answered and does not know the vendor.
	ErrNotFound = errors.New("vendors: not found")

	// ErrUnavailable means the directory could not be reached, including
	// when the circuit breaker is open.
	ErrUnavailable = errors.New("vendors: directory unavailable")
)

// InvalidRecordError marks a directory response that parsed but fails
// the payout constraints. These vendors must never be billed against.
type InvalidRecordError struct {
	VendorID string
	Reason   string
}

func (e *InvalidRecordError) Error() string {
	return fmt.Sprintf("vendors: invalid record for %s: %s", e.VendorID, e.Reason)
}

// Vendor is a payable streaming vendor as the directory reports it.
type Vendor struct {
	ID            string
	Name          string
	WalletAddress string
	RatePerHour   decimal.Decimal
	Currency      string
}
