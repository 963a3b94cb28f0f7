package cart

import (
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
	"github.com/vasiliy-maslov/ecommerce-orders/internal/apperr"
	"github.com/vasiliy-maslov/ecommerce-orders/internal/config"
	"github.com/vasiliy-maslov/ecommerce-orders/internal/money"
)

var (
	ErrUnknownCoupon         = fmt.Errorf("%w: unknown coupon code", apperr.ErrValidation)
	ErrUnknownShippingMethod = fmt.Errorf("%w: unknown shipping method", apperr.ErrValidation)
)

// Policy is the pricing input shared by carts and checkout: tax rate,
// coupon book and shipping cost table.
type Policy struct {
	TaxRatePercent        decimal.Decimal
	DefaultShippingMethod string
	FreeShippingThreshold decimal.Decimal
	ShippingMethods       map[string]decimal.Decimal
	Coupons               map[string]money.Discount
}

func NewPolicy(cfg config.PricingConfig) (Policy, error) {
	p := Policy{
		DefaultShippingMethod: cfg.DefaultShippingMethod,
		ShippingMethods:       make(map[string]decimal.Decimal, len(cfg.ShippingMethods)),
		Coupons:               make(map[string]money.Discount, len(cfg.Coupons)),
	}

	var err error
	if p.TaxRatePercent, err = parseAmount("tax_rate_percent", cfg.TaxRatePercent); err != nil {
		return Policy{}, err
	}
	if cfg.FreeShippingThreshold != "" {
		if p.FreeShippingThreshold, err = parseAmount("free_shipping_threshold", cfg.FreeShippingThreshold); err != nil {
			return Policy{}, err
		}
	}

	for method, cost := range cfg.ShippingMethods {
		amount, err := parseAmount("shipping_methods."+method, cost)
		if err != nil {
			return Policy{}, err
		}
		p.ShippingMethods[strings.ToLower(method)] = amount
	}
	if _, ok := p.ShippingMethods[strings.ToLower(p.DefaultShippingMethod)]; !ok {
		return Policy{}, fmt.Errorf("cart: default shipping method %q has no cost", p.DefaultShippingMethod)
	}

	for code, coupon := range cfg.Coupons {
		value, err := parseAmount("coupons."+code, coupon.Value)
		if err != nil {
			return Policy{}, err
		}
		d := money.Discount{Code: strings.ToUpper(code), Type: money.DiscountType(coupon.Type), Value: value}
		if !d.Type.Valid() {
			return Policy{}, fmt.Errorf("cart: coupon %s has unknown type %q", code, coupon.Type)
		}
		p.Coupons[d.Code] = d
	}

	return p, nil
}

func parseAmount(name, value string) (decimal.Decimal, error) {
	d, err := decimal.NewFromString(strings.TrimSpace(value))
	if err != nil {
		return decimal.Zero, fmt.Errorf("cart: invalid %s %q: %w", name, value, err)
	}
	if d.IsNegative() {
		return decimal.Zero, fmt.Errorf("cart: %s cannot be negative", name)
	}
	return d, nil
}

func (p Policy) ResolveCoupon(code string) (money.Discount, error) {
	d, ok := p.Coupons[strings.ToUpper(strings.TrimSpace(code))]
	if !ok {
		return money.Discount{}, ErrUnknownCoupon
	}
	return d, nil
}

// ShippingCost prices a shipping method for the given subtotal. An empty
// method selects the default one.
func (p Policy) ShippingCost(method string, subtotal decimal.Decimal) (string, decimal.Decimal, error) {
	if method == "" {
		method = p.DefaultShippingMethod
	}
	method = strings.ToLower(method)

	cost, ok := p.ShippingMethods[method]
	if !ok {
		return "", decimal.Zero, ErrUnknownShippingMethod
	}

	if p.FreeShippingThreshold.IsPositive() && subtotal.GreaterThanOrEqual(p.FreeShippingThreshold) {
		return method, decimal.Zero, nil
	}

	return method, cost, nil
}
