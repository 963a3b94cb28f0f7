package money

import (
	"github.com/shopspring/decimal"
	"github.com/vasiliy-maslov/ecommerce-orders/internal/apperr"
)

// ToMinor converts an amount to minor currency units (paise, cents).
// Amounts with more than two decimal places are rejected.
func ToMinor(amount decimal.Decimal) (int64, error) {
	if amount.IsNegative() {
		return 0, apperr.Invariantf("negative amount %s", amount)
	}

	shifted := amount.Shift(2)
	if !shifted.Equal(shifted.Truncate(0)) {
		return 0, apperr.Invariantf("amount %s has sub-minor precision", amount)
	}

	return shifted.IntPart(), nil
}

// FromMinor converts minor currency units back to a major-unit amount.
func FromMinor(minor int64) decimal.Decimal {
	return decimal.New(minor, -2)
}
