package money

import (
	"errors"
	"strings"

	"github.com/shopspring/decimal"
)

// Scale is the number of fractional digits kept on balances and ledger amounts.
// YieldPrecision is the precision of carried accrual remainders.
const (
	Scale          int32 = 8
	YieldPrecision int32 = 18
)

var (
	ErrInvalidAmount   = errors.New("invalid amount")
	ErrTooManyDecimals = errors.New("amount has too many decimal places")
)

func ParseAmount(input string) (decimal.Decimal, error) {
	trimmed := strings.TrimSpace(input)
	if trimmed == "" {
		return decimal.Zero, ErrInvalidAmount
	}
	unsigned := strings.TrimLeft(trimmed, "+-")
	if len(trimmed)-len(unsigned) > 1 {
		return decimal.Zero, ErrInvalidAmount
	}
	parts := strings.SplitN(unsigned, ".", 2)
	if parts[0] != "" && !isDigits(parts[0]) {
		return decimal.Zero, ErrInvalidAmount
	}
	if len(parts) == 2 {
		if !isDigits(parts[1]) {
			return decimal.Zero, ErrInvalidAmount
		}
		if len(parts[1]) > int(Scale) {
			return decimal.Zero, ErrTooManyDecimals
		}
	}
	if parts[0] == "" && (len(parts) == 1 || parts[1] == "") {
		return decimal.Zero, ErrInvalidAmount
	}
	value, err := decimal.NewFromString(trimmed)
	if err != nil {
		return decimal.Zero, ErrInvalidAmount
	}
	return value, nil
}

// ParsePositive parses input and rejects zero and negative amounts.
func ParsePositive(input string) (decimal.Decimal, error) {
	value, err := ParseAmount(input)
	if err != nil {
		return decimal.Zero, err
	}
	if !value.IsPositive() {
		return decimal.Zero, ErrInvalidAmount
	}
	return value, nil
}

func Format(value decimal.Decimal) string {
	return value.StringFixed(Scale)
}

// Truncate drops digits beyond Scale and returns the dropped part.
func Truncate(value decimal.Decimal) (decimal.Decimal, decimal.Decimal) {
	kept := value.Truncate(Scale)
	return kept, value.Sub(kept)
}

func isDigits(value string) bool {
	if value == "" {
		return false
	}
	for _, r := range value {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}
