package order

import (
	"time"

	"github.com/gofrs/uuid"
	"github.com/shopspring/decimal"
	"github.com/vasiliy-maslov/ecommerce-orders/internal/cart"
	"github.com/vasiliy-maslov/ecommerce-orders/internal/catalog"
	"github.com/vasiliy-maslov/ecommerce-orders/internal/money"
)

type Status string

const (
	StatusPending    Status = "pending"
	StatusConfirmed  Status = "confirmed"
	StatusProcessing Status = "processing"
	StatusShipped    Status = "shipped"
	StatusDelivered  Status = "delivered"
	StatusCancelled  Status = "cancelled"
	StatusReturned   Status = "returned"
)

func (s Status) String() string {
	return string(s)
}

func (s Status) IsTerminal() bool {
	switch s {
	case StatusDelivered, StatusCancelled, StatusReturned:
		return true
	default:
		return false
	}
}

func ParseStatus(s string) (Status, error) {
	status := Status(s)
	if _, ok := allowedTransitions[status]; !ok {
		return "", ErrUnknownStatus
	}
	return status, nil
}

type PaymentMethod string

const (
	PaymentOnline PaymentMethod = "online"
	PaymentCOD    PaymentMethod = "cod"
)

func (m PaymentMethod) Valid() bool {
	return m == PaymentOnline || m == PaymentCOD
}

type PaymentStatus string

const (
	PaymentPending   PaymentStatus = "pending"
	PaymentInitiated PaymentStatus = "initiated"
	PaymentCompleted PaymentStatus = "completed"
	PaymentFailed    PaymentStatus = "failed"
)

func (s PaymentStatus) String() string {
	return string(s)
}

func (s PaymentStatus) IsTerminal() bool {
	return s == PaymentCompleted || s == PaymentFailed
}

// StockState tracks what the order holds in the catalog. Reserved stock
// still counts towards the shelf quantity, committed stock has left it.
type StockState string

const (
	StockReserved  StockState = "reserved"
	StockCommitted StockState = "committed"
	StockReleased  StockState = "released"
)

func (s StockState) String() string {
	return string(s)
}

type StatusEntry struct {
	State Status    `json:"state"`
	At    time.Time `json:"at"`
	Note  string    `json:"note,omitempty"`
	Actor string    `json:"actor,omitempty"`
}

// StatusInfo holds the current state and its append-only history. The last
// history entry always carries the current state.
type StatusInfo struct {
	Current Status        `json:"current"`
	History []StatusEntry `json:"history"`
}

// Item is a line item frozen at checkout. Later catalog price changes never
// reach it.
type Item struct {
	ProductID uuid.UUID       `json:"product_id"`
	Name      string          `json:"name"`
	Quantity  int             `json:"quantity"`
	UnitPrice decimal.Decimal `json:"unit_price"`
	Variant   *cart.Variant   `json:"variant,omitempty"`
	Total     decimal.Decimal `json:"total"`
}

type Refund struct {
	ID               string          `json:"id"`
	MerchantRefundID string          `json:"merchant_refund_id"`
	Amount           decimal.Decimal `json:"amount"`
	Reason           string          `json:"reason,omitempty"`
	Status           string          `json:"status"`
	RequestedAt      time.Time       `json:"requested_at"`
}

type Payment struct {
	Method                PaymentMethod    `json:"method"`
	Status                PaymentStatus    `json:"status"`
	MerchantTransactionID string           `json:"merchant_transaction_id"`
	TransactionID         string           `json:"transaction_id,omitempty"`
	GatewayAmount         *decimal.Decimal `json:"gateway_amount,omitempty"`
	PaidAt                *time.Time       `json:"paid_at,omitempty"`
	ResponseCode          string           `json:"response_code,omitempty"`
	ResponseMessage       string           `json:"response_message,omitempty"`
	Refunds               []Refund         `json:"refunds,omitempty"`
}

// Refunded sums refunds that were not rejected by the provider.
func (p Payment) Refunded() decimal.Decimal {
	total := decimal.Zero
	for _, r := range p.Refunds {
		if r.Status != RefundFailed {
			total = total.Add(r.Amount)
		}
	}
	return total
}

const (
	RefundPending   = "pending"
	RefundCompleted = "completed"
	RefundFailed    = "failed"
)

type Address struct {
	Name    string `json:"name"`
	Email   string `json:"email"`
	Phone   string `json:"phone"`
	Line1   string `json:"line1"`
	Line2   string `json:"line2,omitempty"`
	City    string `json:"city"`
	State   string `json:"state"`
	Pincode string `json:"pincode"`
	Country string `json:"country"`
}

type Tracking struct {
	Carrier           string    `json:"carrier"`
	Waybill           string    `json:"waybill"`
	URL               string    `json:"url"`
	CreatedAt         time.Time `json:"created_at"`
	EstimatedDelivery time.Time `json:"estimated_delivery"`
}

type Shipping struct {
	Method   string          `json:"method"`
	Cost     decimal.Decimal `json:"cost"`
	Address  Address         `json:"address"`
	Tracking *Tracking       `json:"tracking,omitempty"`
}

type Order struct {
	ID             uuid.UUID       `json:"id"`
	Number         string          `json:"number"`
	UserID         uuid.UUID       `json:"user_id"`
	Items          []Item          `json:"items"`
	Discount       *money.Discount `json:"discount,omitempty"`
	TaxRatePercent decimal.Decimal `json:"tax_rate_percent"`
	Totals         money.Totals    `json:"totals"`
	Status         StatusInfo      `json:"status"`
	Payment        Payment         `json:"payment"`
	Shipping       Shipping        `json:"shipping"`
	Stock          StockState      `json:"stock_state"`
	ActualDelivery *time.Time      `json:"actual_delivery,omitempty"`
	IdempotencyKey string          `json:"-"`
	Version        int64           `json:"version"`
	CreatedAt      time.Time       `json:"created_at"`
	UpdatedAt      time.Time       `json:"updated_at"`
}

func (o *Order) Lines() []money.Line {
	lines := make([]money.Line, len(o.Items))
	for i, item := range o.Items {
		lines[i] = money.Line{Quantity: item.Quantity, UnitPrice: item.UnitPrice}
	}
	return lines
}

func (o *Order) StockLines() []catalog.StockLine {
	lines := make([]catalog.StockLine, len(o.Items))
	for i, item := range o.Items {
		lines[i] = catalog.StockLine{ProductID: item.ProductID, Quantity: item.Quantity}
	}
	return lines
}

// CommitStock moves a held reservation off the shelf. It reports whether the
// catalog has to be told; anything but a reservation is left alone.
func (o *Order) CommitStock() bool {
	if o.Stock != StockReserved {
		return false
	}
	o.Stock = StockCommitted
	return true
}

// ReleaseStock marks the order's stock as given back and returns the state it
// was in: a reservation is released, committed stock has to be restocked.
func (o *Order) ReleaseStock() StockState {
	prev := o.Stock
	if prev == StockReserved || prev == StockCommitted {
		o.Stock = StockReleased
	}
	return prev
}

// VerifyTotals recomputes the totals from the frozen items and the stored
// policy inputs and compares them with the persisted ones.
func (o *Order) VerifyTotals() error {
	recomputed, err := money.ComputeTotals(o.Lines(), o.Discount, o.TaxRatePercent, o.Shipping.Cost)
	if err != nil {
		return err
	}
	if !recomputed.Equal(o.Totals) {
		return ErrTotalsMismatch
	}
	for _, item := range o.Items {
		if !item.Total.Equal(item.UnitPrice.Mul(decimal.NewFromInt(int64(item.Quantity)))) {
			return ErrTotalsMismatch
		}
	}
	return nil
}

// Clone returns a copy that shares no slices or pointers with o.
func (o Order) Clone() Order {
	c := o

	c.Items = make([]Item, len(o.Items))
	copy(c.Items, o.Items)

	c.Status.History = make([]StatusEntry, len(o.Status.History))
	copy(c.Status.History, o.Status.History)

	if o.Payment.Refunds != nil {
		c.Payment.Refunds = make([]Refund, len(o.Payment.Refunds))
		copy(c.Payment.Refunds, o.Payment.Refunds)
	}
	if o.Discount != nil {
		d := *o.Discount
		c.Discount = &d
	}
	if o.Payment.GatewayAmount != nil {
		a := *o.Payment.GatewayAmount
		c.Payment.GatewayAmount = &a
	}
	if o.Payment.PaidAt != nil {
		t := *o.Payment.PaidAt
		c.Payment.PaidAt = &t
	}
	if o.Shipping.Tracking != nil {
		tr := *o.Shipping.Tracking
		c.Shipping.Tracking = &tr
	}
	if o.ActualDelivery != nil {
		t := *o.ActualDelivery
		c.ActualDelivery = &t
	}
	return c
}
