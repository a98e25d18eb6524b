// Package money provides shared parsing and arithmetic rules for ZEC
// amounts, hourly rates, and streaming-hour quantities.
//
// All quantities are decimal.Decimal. Scales are fixed at ingress:
// amounts carry at most 8 decimal places (1 zatoshi = 0.00000001 ZEC),
// rates at most 6, and hours are always quantized to 12. Debits are
// computed as exact products of quantized hours and the stored rate, so
// remaining + rate*used_hours == approved holds exactly across any
// sequence of debits.
package money

import (
	"errors"
	"time"

	"github.com/shopspring/decimal"
)

const (
	// AmountScale is the maximum fractional digits accepted for amounts.
	AmountScale = 8
	// RateScale is the maximum fractional digits accepted for hourly rates.
	RateScale = 6
	// HoursScale is the scale hours are quantized to when derived from
	// elapsed seconds.
	HoursScale = 12
)

var (
	ErrMalformed   = errors.New("money: malformed decimal")
	ErrNegative    = errors.New("money: amount must not be negative")
	ErrNotPositive = errors.New("money: value must be positive")
	ErrScale       = errors.New("money: too many decimal places")
	ErrTooLarge    = errors.New("money: value exceeds supported range")
)

// maxMagnitude bounds parsed values so every derived product and
// quotient fits the NUMERIC(38,18) columns without truncation.
var maxMagnitude = decimal.New(1, 12) // 10^12

var secondsPerHour = decimal.NewFromInt(3600)

// ParseAmount parses a user-supplied ZEC amount. Amounts must be
// non-negative with at most 8 fractional digits.
func ParseAmount(s string) (decimal.Decimal, error) {
	d, err := parse(s, AmountScale)
	if err != nil {
		return decimal.Zero, err
	}
	if d.IsNegative() {
		return decimal.Zero, ErrNegative
	}
	return d, nil
}

// ParseRate parses an hourly rate. Rates must be strictly positive with
// at most 6 fractional digits.
func ParseRate(s string) (decimal.Decimal, error) {
	d, err := parse(s, RateScale)
	if err != nil {
		return decimal.Zero, err
	}
	if !d.IsPositive() {
		return decimal.Zero, ErrNotPositive
	}
	return d, nil
}

func parse(s string, scale int32) (decimal.Decimal, error) {
	if s == "" {
		return decimal.Zero, ErrMalformed
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, ErrMalformed
	}
	if -d.Exponent() > scale {
		return decimal.Zero, ErrScale
	}
	if d.Abs().GreaterThanOrEqual(maxMagnitude) {
		return decimal.Zero, ErrTooLarge
	}
	return d, nil
}

// HoursFromSeconds converts a whole-second duration to streaming hours,
// quantized to HoursScale. Negative durations clamp to zero.
func HoursFromSeconds(seconds int64) decimal.Decimal {
	if seconds <= 0 {
		return decimal.Zero
	}
	return decimal.NewFromInt(seconds).DivRound(secondsPerHour, HoursScale)
}

// HoursBetween returns the streaming hours elapsed from one instant to
// a later one, using whole elapsed seconds.
func HoursBetween(from, to time.Time) decimal.Decimal {
	return HoursFromSeconds(int64(to.Sub(from).Seconds()))
}

// MaxHours computes amount/rate, the streaming-hour capacity a funded
// amount buys at a given rate. The quotient is quantized to HoursScale.
func MaxHours(amount, rate decimal.Decimal) (decimal.Decimal, error) {
	if !rate.IsPositive() {
		return decimal.Zero, ErrNotPositive
	}
	h := amount.DivRound(rate, HoursScale)
	if h.Abs().GreaterThanOrEqual(maxMagnitude) {
		return decimal.Zero, ErrTooLarge
	}
	return h, nil
}

// MustParse parses a decimal literal and panics on failure. For
// fixtures and seed data, never for request input.
func MustParse(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return d
}
