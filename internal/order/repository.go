package order

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/gofrs/uuid"
	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
	"github.com/vasiliy-maslov/ecommerce-orders/internal/apperr"
	"github.com/vasiliy-maslov/ecommerce-orders/internal/money"
)

var (
	ErrOrderNotFound           = fmt.Errorf("%w: order", apperr.ErrNotFound)
	ErrVersionConflict         = fmt.Errorf("%w: order was modified concurrently", apperr.ErrConflict)
	ErrDuplicateNumber         = fmt.Errorf("%w: order number already exists", apperr.ErrConflict)
	ErrDuplicateIdempotencyKey = fmt.Errorf("%w: idempotency key already used", apperr.ErrConflict)
)

const (
	numberConstraint         = "orders_number_key"
	idempotencyKeyConstraint = "orders_user_idempotency_key_idx"
)

type Repository interface {
	Create(ctx context.Context, o *Order) error
	GetByID(ctx context.Context, id uuid.UUID) (*Order, error)
	GetByNumber(ctx context.Context, number string) (*Order, error)
	GetByIdempotencyKey(ctx context.Context, userID uuid.UUID, key string) (*Order, error)
	ListByUser(ctx context.Context, userID uuid.UUID) ([]Order, error)
	// Update persists status, payment and shipping changes if the stored
	// version still equals expectedVersion. Items and totals are never
	// rewritten.
	Update(ctx context.Context, o *Order, expectedVersion int64) error
}

type postgresRepository struct {
	db *pgxpool.Pool
}

func NewRepository(db *pgxpool.Pool) Repository {
	return &postgresRepository{db: db}
}

const selectColumns = `
	id, number, user_id, items, discount, tax_rate_percent::text,
	item_count, subtotal::text, discount_amount::text, tax_amount::text, shipping_cost::text, total::text,
	status, status_history, payment, shipping, stock_state, actual_delivery,
	COALESCE(idempotency_key, ''), version, created_at, updated_at
`

func (r *postgresRepository) Create(ctx context.Context, o *Order) error {
	if o.ID == uuid.Nil {
		id, err := uuid.NewV4()
		if err != nil {
			return fmt.Errorf("repository: failed to generate order ID: %w", err)
		}
		o.ID = id
	}

	row, err := encodeRow(o)
	if err != nil {
		return fmt.Errorf("repository: failed to encode order %s: %w", o.ID, err)
	}

	var idempotencyKey *string
	if o.IdempotencyKey != "" {
		idempotencyKey = &o.IdempotencyKey
	}

	query := `
		INSERT INTO order_service.orders (
			id, number, user_id, items, discount, tax_rate_percent,
			item_count, subtotal, discount_amount, tax_amount, shipping_cost, total,
			status, status_history, payment, payment_status, shipping, stock_state, actual_delivery,
			idempotency_key, version, created_at, updated_at
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20, $21, $22, $23)
	`
	_, err = r.db.Exec(ctx, query,
		o.ID,
		o.Number,
		o.UserID,
		row.items,
		row.discount,
		o.TaxRatePercent.String(),
		o.Totals.ItemCount,
		o.Totals.Subtotal.String(),
		o.Totals.DiscountAmount.String(),
		o.Totals.TaxAmount.String(),
		o.Totals.ShippingCost.String(),
		o.Totals.Total.String(),
		string(o.Status.Current),
		row.history,
		row.payment,
		string(o.Payment.Status),
		row.shipping,
		string(o.Stock),
		o.ActualDelivery,
		idempotencyKey,
		o.Version,
		o.CreatedAt,
		o.UpdatedAt,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgerrcode.UniqueViolation {
			switch pgErr.ConstraintName {
			case numberConstraint:
				return ErrDuplicateNumber
			case idempotencyKeyConstraint:
				return ErrDuplicateIdempotencyKey
			}
		}
		return fmt.Errorf("repository: failed to insert order %s: %w", o.ID, err)
	}

	return nil
}

func (r *postgresRepository) GetByID(ctx context.Context, id uuid.UUID) (*Order, error) {
	query := `SELECT ` + selectColumns + ` FROM order_service.orders WHERE id = $1`
	return r.getOne(ctx, query, id)
}

func (r *postgresRepository) GetByNumber(ctx context.Context, number string) (*Order, error) {
	query := `SELECT ` + selectColumns + ` FROM order_service.orders WHERE number = $1`
	return r.getOne(ctx, query, number)
}

func (r *postgresRepository) GetByIdempotencyKey(ctx context.Context, userID uuid.UUID, key string) (*Order, error) {
	query := `SELECT ` + selectColumns + ` FROM order_service.orders WHERE user_id = $1 AND idempotency_key = $2`
	return r.getOne(ctx, query, userID, key)
}

func (r *postgresRepository) getOne(ctx context.Context, query string, args ...any) (*Order, error) {
	o, err := scanOrder(r.db.QueryRow(ctx, query, args...))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrOrderNotFound
		}
		return nil, fmt.Errorf("repository: failed to select order: %w", err)
	}
	return o, nil
}

func (r *postgresRepository) ListByUser(ctx context.Context, userID uuid.UUID) ([]Order, error) {
	query := `SELECT ` + selectColumns + ` FROM order_service.orders WHERE user_id = $1 ORDER BY created_at DESC`

	rows, err := r.db.Query(ctx, query, userID)
	if err != nil {
		return nil, fmt.Errorf("repository: failed to query orders for user id %s: %w", userID, err)
	}
	defer rows.Close()

	orders := make([]Order, 0)
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, fmt.Errorf("repository: failed to scan order for user id %s: %w", userID, err)
		}
		orders = append(orders, *o)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("repository: failed iterating orders for user id %s: %w", userID, err)
	}

	return orders, nil
}

func (r *postgresRepository) Update(ctx context.Context, o *Order, expectedVersion int64) error {
	row, err := encodeRow(o)
	if err != nil {
		return fmt.Errorf("repository: failed to encode order %s: %w", o.ID, err)
	}

	query := `
		UPDATE order_service.orders
		SET status = $1, status_history = $2, payment = $3, payment_status = $4, shipping = $5,
			stock_state = $6, actual_delivery = $7, version = version + 1, updated_at = $8
		WHERE id = $9 AND version = $10
	`
	cmdTag, err := r.db.Exec(ctx, query,
		string(o.Status.Current),
		row.history,
		row.payment,
		string(o.Payment.Status),
		row.shipping,
		string(o.Stock),
		o.ActualDelivery,
		o.UpdatedAt,
		o.ID,
		expectedVersion,
	)
	if err != nil {
		log.Error().Err(err).Stringer("order_id", o.ID).Msg("repository: failed to update order")
		return fmt.Errorf("repository: failed to update order %s: %w", o.ID, err)
	}

	if cmdTag.RowsAffected() == 0 {
		var exists bool
		if err := r.db.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM order_service.orders WHERE id = $1)`, o.ID).Scan(&exists); err != nil {
			return fmt.Errorf("repository: failed to check order %s: %w", o.ID, err)
		}
		if !exists {
			return ErrOrderNotFound
		}
		return ErrVersionConflict
	}

	o.Version = expectedVersion + 1
	return nil
}

type encodedRow struct {
	items    []byte
	discount []byte
	history  []byte
	payment  []byte
	shipping []byte
}

func encodeRow(o *Order) (encodedRow, error) {
	var (
		row encodedRow
		err error
	)
	if row.items, err = json.Marshal(o.Items); err != nil {
		return row, err
	}
	if o.Discount != nil {
		if row.discount, err = json.Marshal(o.Discount); err != nil {
			return row, err
		}
	}
	if row.history, err = json.Marshal(o.Status.History); err != nil {
		return row, err
	}
	if row.payment, err = json.Marshal(o.Payment); err != nil {
		return row, err
	}
	if row.shipping, err = json.Marshal(o.Shipping); err != nil {
		return row, err
	}
	return row, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanOrder(row rowScanner) (*Order, error) {
	var (
		o                                                        Order
		items, discount, history, payment, shipping              []byte
		taxRate, subtotal, discountAmount, taxAmount, shipCost   string
		total                                                    string
		actualDelivery                                           *time.Time
	)

	err := row.Scan(
		&o.ID,
		&o.Number,
		&o.UserID,
		&items,
		&discount,
		&taxRate,
		&o.Totals.ItemCount,
		&subtotal,
		&discountAmount,
		&taxAmount,
		&shipCost,
		&total,
		&o.Status.Current,
		&history,
		&payment,
		&shipping,
		&o.Stock,
		&actualDelivery,
		&o.IdempotencyKey,
		&o.Version,
		&o.CreatedAt,
		&o.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	o.ActualDelivery = actualDelivery

	decimals := []struct {
		dst *decimal.Decimal
		src string
	}{
		{&o.TaxRatePercent, taxRate},
		{&o.Totals.Subtotal, subtotal},
		{&o.Totals.DiscountAmount, discountAmount},
		{&o.Totals.TaxAmount, taxAmount},
		{&o.Totals.ShippingCost, shipCost},
		{&o.Totals.Total, total},
	}
	for _, d := range decimals {
		if *d.dst, err = decimal.NewFromString(d.src); err != nil {
			return nil, fmt.Errorf("invalid numeric %q: %w", d.src, err)
		}
	}

	if err := json.Unmarshal(items, &o.Items); err != nil {
		return nil, fmt.Errorf("invalid items: %w", err)
	}
	if len(discount) > 0 {
		o.Discount = &money.Discount{}
		if err := json.Unmarshal(discount, o.Discount); err != nil {
			return nil, fmt.Errorf("invalid discount: %w", err)
		}
	}
	if err := json.Unmarshal(history, &o.Status.History); err != nil {
		return nil, fmt.Errorf("invalid status history: %w", err)
	}
	if err := json.Unmarshal(payment, &o.Payment); err != nil {
		return nil, fmt.Errorf("invalid payment: %w", err)
	}
	if err := json.Unmarshal(shipping, &o.Shipping); err != nil {
		return nil, fmt.Errorf("invalid shipping: %w", err)
	}

	return &o, nil
}
