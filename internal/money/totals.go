package money

import (
	"github.com/shopspring/decimal"
	"github.com/vasiliy-maslov/ecommerce-orders/internal/apperr"
)

var hundred = decimal.NewFromInt(100)

type DiscountType string

const (
	DiscountPercentage DiscountType = "percentage"
	DiscountFixed      DiscountType = "fixed"
)

func (t DiscountType) Valid() bool {
	return t == DiscountPercentage || t == DiscountFixed
}

type Discount struct {
	Code  string          `json:"code"`
	Type  DiscountType    `json:"type"`
	Value decimal.Decimal `json:"value"`
}

// Line is the pricing view of a cart or order line item.
type Line struct {
	Quantity  int
	UnitPrice decimal.Decimal
}

func (l Line) Total() decimal.Decimal {
	return l.UnitPrice.Mul(decimal.NewFromInt(int64(l.Quantity)))
}

type Totals struct {
	ItemCount      int             `json:"item_count"`
	Subtotal       decimal.Decimal `json:"subtotal"`
	DiscountAmount decimal.Decimal `json:"discount_amount"`
	TaxAmount      decimal.Decimal `json:"tax_amount"`
	ShippingCost   decimal.Decimal `json:"shipping_cost"`
	Total          decimal.Decimal `json:"total"`
}

// ComputeTotals derives every monetary field of a cart or order from its
// inputs. The discount is clamped to the subtotal, so the taxable base never
// goes below zero. Discount and tax amounts are rounded half away from zero
// to two decimal places.
func ComputeTotals(lines []Line, discount *Discount, taxRatePercent, shippingCost decimal.Decimal) (Totals, error) {
	if taxRatePercent.IsNegative() {
		return Totals{}, apperr.Invariantf("negative tax rate %s", taxRatePercent)
	}
	if shippingCost.IsNegative() {
		return Totals{}, apperr.Invariantf("negative shipping cost %s", shippingCost)
	}

	totals := Totals{
		Subtotal:     decimal.Zero,
		ShippingCost: shippingCost,
	}

	for i, line := range lines {
		if line.Quantity < 1 {
			return Totals{}, apperr.Invariantf("line %d has quantity %d", i, line.Quantity)
		}
		if line.UnitPrice.IsNegative() {
			return Totals{}, apperr.Invariantf("line %d has negative unit price %s", i, line.UnitPrice)
		}
		totals.ItemCount += line.Quantity
		totals.Subtotal = totals.Subtotal.Add(line.Total())
	}

	discountAmount, err := discountAmount(totals.Subtotal, discount)
	if err != nil {
		return Totals{}, err
	}
	totals.DiscountAmount = discountAmount

	taxable := totals.Subtotal.Sub(totals.DiscountAmount)
	totals.TaxAmount = taxable.Mul(taxRatePercent).Div(hundred).Round(2)
	totals.Total = taxable.Add(totals.TaxAmount).Add(totals.ShippingCost)

	if err := totals.Check(); err != nil {
		return Totals{}, err
	}

	return totals, nil
}

func discountAmount(subtotal decimal.Decimal, discount *Discount) (decimal.Decimal, error) {
	if discount == nil || !discount.Value.IsPositive() {
		return decimal.Zero, nil
	}

	var amount decimal.Decimal
	switch discount.Type {
	case DiscountPercentage:
		amount = subtotal.Mul(discount.Value).Div(hundred).Round(2)
	case DiscountFixed:
		amount = discount.Value.Round(2)
	default:
		return decimal.Zero, apperr.Invariantf("unknown discount type %q", discount.Type)
	}

	return decimal.Min(amount, subtotal), nil
}

// Check reports an invariant violation when a field is negative or the
// total no longer matches its components.
func (t Totals) Check() error {
	if t.ItemCount < 0 {
		return apperr.Invariantf("negative item count %d", t.ItemCount)
	}

	fields := []struct {
		name  string
		value decimal.Decimal
	}{
		{"subtotal", t.Subtotal},
		{"discount amount", t.DiscountAmount},
		{"tax amount", t.TaxAmount},
		{"shipping cost", t.ShippingCost},
		{"total", t.Total},
	}
	for _, f := range fields {
		if f.value.IsNegative() {
			return apperr.Invariantf("negative %s %s", f.name, f.value)
		}
	}

	expected := t.Subtotal.Sub(t.DiscountAmount).Add(t.TaxAmount).Add(t.ShippingCost)
	if !expected.Equal(t.Total) {
		return apperr.Invariantf("total %s does not match components %s", t.Total, expected)
	}

	return nil
}

// Equal compares two totals by value.
func (t Totals) Equal(other Totals) bool {
	return t.ItemCount == other.ItemCount &&
		t.Subtotal.Equal(other.Subtotal) &&
		t.DiscountAmount.Equal(other.DiscountAmount) &&
		t.TaxAmount.Equal(other.TaxAmount) &&
		t.ShippingCost.Equal(other.ShippingCost) &&
		t.Total.Equal(other.Total)
}
