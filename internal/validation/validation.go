// Package validation provides input validation for the billing API.
package validation

import (
	"net/http"
	"regexp"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/paygoback/streampay/internal/money"
)

// MaxRequestSize is the maximum request body size (1MB).
const MaxRequestSize = 1 << 20

var (
	// evmAddressRegex validates EVM addresses (vendor payout wallets).
	evmAddressRegex = regexp.MustCompile(`^0x[a-fA-F0-9]{40}$`)
	// zcashAddressRegex is a shape check only; the chain RPC is the
	// authority on address validity. Transparent (t1/t3), sapling (zs)
	// and unified (u1) prefixes over base58/bech32 characters.
	zcashAddressRegex = regexp.MustCompile(`^(t1|t3|zs|u1)[a-zA-HJ-NP-Z0-9]{20,220}$`)
)

// RequestSizeMiddleware limits request body size.
func RequestSizeMiddleware(maxSize int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxSize)
		c.Next()
	}
}

// IsValidEVMAddress checks 0x + 40 hex.
func IsValidEVMAddress(addr string) bool {
	return evmAddressRegex.MatchString(addr)
}

// IsLikelyZcashAddress checks the local shape of a Zcash address.
func IsLikelyZcashAddress(addr string) bool {
	return zcashAddressRegex.MatchString(addr)
}

// ValidationError describes one failed field.
type ValidationError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// ValidationErrors collects failed fields.
type ValidationErrors []ValidationError

func (e ValidationErrors) Error() string {
	if len(e) == 0 {
		return "validation failed"
	}
	return e[0].Field + ": " + e[0].Message
}

// Validate runs the given validators and collects their failures.
func Validate(validators ...func() *ValidationError) ValidationErrors {
	var errs ValidationErrors
	for _, v := range validators {
		if err := v(); err != nil {
			errs = append(errs, *err)
		}
	}
	return errs
}

// Required checks that a field is non-empty.
func Required(field, value string) func() *ValidationError {
	return func() *ValidationError {
		if strings.TrimSpace(value) == "" {
			return &ValidationError{Field: field, Message: "is required"}
		}
		return nil
	}
}

// ZcashAddress checks the field against the local Zcash address shape.
// Empty values pass; combine with Required for mandatory fields.
func ZcashAddress(field, value string) func() *ValidationError {
	return func() *ValidationError {
		if value == "" {
			return nil
		}
		if !IsLikelyZcashAddress(value) {
			return &ValidationError{Field: field, Message: "must be a Zcash address (t1/t3/zs/u1 prefix)"}
		}
		return nil
	}
}

// Amount checks that the field parses as a non-negative ZEC amount
// and is strictly positive.
func Amount(field, value string) func() *ValidationError {
	return func() *ValidationError {
		if value == "" {
			return nil
		}
		d, err := money.ParseAmount(value)
		if err != nil {
			return &ValidationError{Field: field, Message: "invalid amount: " + err.Error()}
		}
		if !d.IsPositive() {
			return &ValidationError{Field: field, Message: "must be greater than zero"}
		}
		return nil
	}
}

// Rate checks that the field parses as a positive hourly rate.
func Rate(field, value string) func() *ValidationError {
	return func() *ValidationError {
		if value == "" {
			return nil
		}
		if _, err := money.ParseRate(value); err != nil {
			return &ValidationError{Field: field, Message: "invalid rate: " + err.Error()}
		}
		return nil
	}
}

// DurationDays checks the permission duration bounds.
func DurationDays(field string, days int) func() *ValidationError {
	return func() *ValidationError {
		if days < 1 || days > 365 {
			return &ValidationError{Field: field, Message: "must be between 1 and 365"}
		}
		return nil
	}
}

// SessionCode checks the 12-character [A-Z0-9] session code shape.
func SessionCode(field, value string) func() *ValidationError {
	return func() *ValidationError {
		if len(value) != 12 {
			return &ValidationError{Field: field, Message: "must be 12 characters"}
		}
		for _, c := range value {
			if (c < 'A' || c > 'Z') && (c < '0' || c > '9') {
				return &ValidationError{Field: field, Message: "must contain only A-Z and 0-9"}
			}
		}
		return nil
	}
}

// AddressParamMiddleware rejects malformed :address URL parameters
// before the handler runs.
func AddressParamMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		addr := c.Param("address")
		if addr != "" && !IsLikelyZcashAddress(addr) {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{
				"error":   "invalid_address",
				"message": "address must be a Zcash address (t1/t3/zs/u1 prefix)",
			})
			return
		}
		c.Next()
	}
}
