package cart

import (
	"fmt"
	"strings"
	"time"

	"github.com/gofrs/uuid"
	"github.com/shopspring/decimal"
	"github.com/vasiliy-maslov/ecommerce-orders/internal/apperr"
	"github.com/vasiliy-maslov/ecommerce-orders/internal/money"
)

var (
	ErrCartNotFound = fmt.Errorf("%w: cart", apperr.ErrNotFound)
	ErrItemNotFound = fmt.Errorf("%w: cart item", apperr.ErrNotFound)
	ErrEmptyCart    = fmt.Errorf("%w: cart is empty", apperr.ErrValidation)
)

// Variant distinguishes line items of the same product, e.g. size=M.
type Variant struct {
	Name   string `json:"name"`
	Option string `json:"option"`
}

func (v *Variant) key() string {
	if v == nil {
		return ""
	}
	return strings.ToLower(strings.TrimSpace(v.Name)) + "=" + strings.ToLower(strings.TrimSpace(v.Option))
}

func (v *Variant) String() string {
	if v == nil {
		return ""
	}
	return v.Name + ": " + v.Option
}

// SameVariant reports whether two variants identify the same line item.
func SameVariant(a, b *Variant) bool {
	return a.key() == b.key()
}

type Item struct {
	ProductID uuid.UUID       `json:"product_id"`
	Name      string          `json:"name"`
	Quantity  int             `json:"quantity"`
	UnitPrice decimal.Decimal `json:"unit_price"`
	Variant   *Variant        `json:"variant,omitempty"`
	AddedAt   time.Time       `json:"added_at"`
}

func (i Item) Total() decimal.Decimal {
	return i.line().Total()
}

func (i Item) line() money.Line {
	return money.Line{Quantity: i.Quantity, UnitPrice: i.UnitPrice}
}

func (i Item) matches(productID uuid.UUID, variant *Variant) bool {
	return i.ProductID == productID && SameVariant(i.Variant, variant)
}

type Shipping struct {
	Method string          `json:"method"`
	Cost   decimal.Decimal `json:"cost"`
}

// Cart is an immutable snapshot. Every operation returns a new snapshot with
// recomputed totals and leaves the receiver untouched.
type Cart struct {
	UserID         uuid.UUID       `json:"user_id"`
	Items          []Item          `json:"items"`
	Discount       *money.Discount `json:"discount,omitempty"`
	TaxRatePercent decimal.Decimal `json:"tax_rate_percent"`
	Shipping       Shipping        `json:"shipping"`
	Totals         money.Totals    `json:"totals"`
	Version        int64           `json:"version"`
	CreatedAt      time.Time       `json:"created_at"`
	LastUpdated    time.Time       `json:"last_updated"`
}

func New(userID uuid.UUID, taxRatePercent decimal.Decimal, now time.Time) Cart {
	c := Cart{
		UserID:         userID,
		Items:          []Item{},
		TaxRatePercent: taxRatePercent,
		Shipping:       Shipping{Cost: decimal.Zero},
		CreatedAt:      now,
	}
	c, _ = c.recompute(now)
	return c
}

func (c Cart) IsEmpty() bool {
	return len(c.Items) == 0
}

func (c Cart) Lines() []money.Line {
	lines := make([]money.Line, len(c.Items))
	for i, item := range c.Items {
		lines[i] = item.line()
	}
	return lines
}

func (c Cart) AddItem(productID uuid.UUID, name string, quantity int, unitPrice decimal.Decimal, variant *Variant, now time.Time) (Cart, error) {
	if productID == uuid.Nil {
		return c, apperr.Validationf("product id is required")
	}
	if quantity < 1 {
		return c, apperr.Validationf("quantity must be at least 1, got %d", quantity)
	}
	if unitPrice.IsNegative() {
		return c, apperr.Validationf("unit price cannot be negative")
	}

	next := c.clone()
	for i := range next.Items {
		if next.Items[i].matches(productID, variant) {
			next.Items[i].Quantity += quantity
			next.Items[i].UnitPrice = unitPrice
			next.Items[i].AddedAt = now
			return next.recompute(now)
		}
	}

	next.Items = append(next.Items, Item{
		ProductID: productID,
		Name:      name,
		Quantity:  quantity,
		UnitPrice: unitPrice,
		Variant:   variant,
		AddedAt:   now,
	})
	return next.recompute(now)
}

// UpdateQuantity sets the quantity of an existing item. A quantity of zero or
// less removes the item.
func (c Cart) UpdateQuantity(productID uuid.UUID, variant *Variant, quantity int, now time.Time) (Cart, error) {
	if quantity <= 0 {
		return c.RemoveItem(productID, variant, now)
	}

	next := c.clone()
	for i := range next.Items {
		if next.Items[i].matches(productID, variant) {
			next.Items[i].Quantity = quantity
			return next.recompute(now)
		}
	}

	return c, ErrItemNotFound
}

// RemoveItem drops the item with the given identity. Removing an item that
// is not in the cart is not an error.
func (c Cart) RemoveItem(productID uuid.UUID, variant *Variant, now time.Time) (Cart, error) {
	next := c.clone()
	next.Items = next.Items[:0]
	for _, item := range c.Items {
		if !item.matches(productID, variant) {
			next.Items = append(next.Items, item)
		}
	}
	return next.recompute(now)
}

func (c Cart) Clear(now time.Time) (Cart, error) {
	next := c.clone()
	next.Items = []Item{}
	return next.recompute(now)
}

func (c Cart) ApplyDiscount(discount money.Discount, now time.Time) (Cart, error) {
	if !discount.Type.Valid() {
		return c, apperr.Validationf("unknown discount type %q", discount.Type)
	}
	if !discount.Value.IsPositive() {
		return c, apperr.Validationf("discount value must be positive")
	}
	if discount.Type == money.DiscountPercentage && discount.Value.GreaterThan(decimal.NewFromInt(100)) {
		return c, apperr.Validationf("percentage discount cannot exceed 100")
	}

	next := c.clone()
	next.Discount = &discount
	return next.recompute(now)
}

func (c Cart) RemoveDiscount(now time.Time) (Cart, error) {
	next := c.clone()
	next.Discount = nil
	return next.recompute(now)
}

func (c Cart) SetShipping(method string, cost decimal.Decimal, now time.Time) (Cart, error) {
	if cost.IsNegative() {
		return c, apperr.Validationf("shipping cost cannot be negative")
	}

	next := c.clone()
	next.Shipping = Shipping{Method: method, Cost: cost}
	return next.recompute(now)
}

func (c Cart) clone() Cart {
	next := c
	next.Items = make([]Item, len(c.Items))
	copy(next.Items, c.Items)
	if c.Discount != nil {
		d := *c.Discount
		next.Discount = &d
	}
	return next
}

func (c Cart) recompute(now time.Time) (Cart, error) {
	totals, err := money.ComputeTotals(c.Lines(), c.Discount, c.TaxRatePercent, c.Shipping.Cost)
	if err != nil {
		return c, fmt.Errorf("cart: failed to compute totals: %w", err)
	}
	c.Totals = totals
	c.LastUpdated = now
	return c, nil
}
