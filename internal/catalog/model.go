package catalog

import (
	"fmt"
	"time"

	"github.com/gofrs/uuid"
	"github.com/shopspring/decimal"
	"github.com/vasiliy-maslov/ecommerce-orders/internal/apperr"
)

type ProductStatus string

const (
	ProductActive   ProductStatus = "active"
	ProductInactive ProductStatus = "inactive"
)

var (
	ErrProductNotFound    = fmt.Errorf("%w: product", apperr.ErrNotFound)
	ErrProductUnavailable = fmt.Errorf("%w: product is not available for sale", apperr.ErrValidation)
	ErrInsufficientStock  = fmt.Errorf("%w: insufficient stock", apperr.ErrConflict)
)

type Product struct {
	ID               uuid.UUID       `json:"id"`
	Name             string          `json:"name"`
	Price            decimal.Decimal `json:"price"`
	Status           ProductStatus   `json:"status"`
	StockQuantity    int             `json:"stock_quantity"`
	ReservedQuantity int             `json:"reserved_quantity"`
	UpdatedAt        time.Time       `json:"updated_at"`
}

// Available is the stock that can still be reserved.
func (p Product) Available() int {
	if n := p.StockQuantity - p.ReservedQuantity; n > 0 {
		return n
	}
	return 0
}

// StockLine is one product quantity moved by a stock operation.
type StockLine struct {
	ProductID uuid.UUID
	Quantity  int
}
