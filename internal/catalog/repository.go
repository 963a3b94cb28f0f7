package catalog

import (
	"context"
	"errors"
	"fmt"

	"github.com/gofrs/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
)

type Repository interface {
	FindProduct(ctx context.Context, id uuid.UUID) (*Product, error)
	ReserveStock(ctx context.Context, id uuid.UUID, quantity int) error
	ReleaseStock(ctx context.Context, id uuid.UUID, quantity int) error
	CommitReservation(ctx context.Context, id uuid.UUID, quantity int) error
	AdjustStock(ctx context.Context, id uuid.UUID, delta int) error
}

type postgresRepository struct {
	db *pgxpool.Pool
}

func NewRepository(db *pgxpool.Pool) Repository {
	return &postgresRepository{db: db}
}

func (r *postgresRepository) FindProduct(ctx context.Context, id uuid.UUID) (*Product, error) {
	query := `
		SELECT id, name, price::text, status, stock_quantity, reserved_quantity, updated_at
		FROM order_service.products
		WHERE id = $1
	`

	var (
		p     Product
		price string
	)
	err := r.db.QueryRow(ctx, query, id).Scan(
		&p.ID,
		&p.Name,
		&price,
		&p.Status,
		&p.StockQuantity,
		&p.ReservedQuantity,
		&p.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrProductNotFound
		}
		return nil, fmt.Errorf("repository: failed to select product %s: %w", id, err)
	}

	p.Price, err = decimal.NewFromString(price)
	if err != nil {
		return nil, fmt.Errorf("repository: invalid price for product %s: %w", id, err)
	}

	return &p, nil
}

// ReserveStock holds quantity units only if that much stock is still unreserved.
func (r *postgresRepository) ReserveStock(ctx context.Context, id uuid.UUID, quantity int) error {
	query := `
		UPDATE order_service.products
		SET reserved_quantity = reserved_quantity + $2, updated_at = NOW()
		WHERE id = $1 AND stock_quantity - reserved_quantity >= $2
	`

	cmdTag, err := r.db.Exec(ctx, query, id, quantity)
	if err != nil {
		return fmt.Errorf("repository: failed to reserve stock for product %s: %w", id, err)
	}

	if cmdTag.RowsAffected() == 0 {
		return r.missingOr(ctx, id, ErrInsufficientStock)
	}

	return nil
}

func (r *postgresRepository) ReleaseStock(ctx context.Context, id uuid.UUID, quantity int) error {
	query := `
		UPDATE order_service.products
		SET reserved_quantity = GREATEST(reserved_quantity - $2, 0), updated_at = NOW()
		WHERE id = $1
	`

	cmdTag, err := r.db.Exec(ctx, query, id, quantity)
	if err != nil {
		return fmt.Errorf("repository: failed to release stock for product %s: %w", id, err)
	}

	if cmdTag.RowsAffected() == 0 {
		return ErrProductNotFound
	}

	return nil
}

// CommitReservation turns reserved units into sold units.
func (r *postgresRepository) CommitReservation(ctx context.Context, id uuid.UUID, quantity int) error {
	query := `
		UPDATE order_service.products
		SET stock_quantity = stock_quantity - $2,
			reserved_quantity = GREATEST(reserved_quantity - $2, 0),
			updated_at = NOW()
		WHERE id = $1 AND stock_quantity >= $2
	`

	cmdTag, err := r.db.Exec(ctx, query, id, quantity)
	if err != nil {
		return fmt.Errorf("repository: failed to commit stock for product %s: %w", id, err)
	}

	if cmdTag.RowsAffected() == 0 {
		return r.missingOr(ctx, id, ErrInsufficientStock)
	}

	return nil
}

func (r *postgresRepository) AdjustStock(ctx context.Context, id uuid.UUID, delta int) error {
	query := `
		UPDATE order_service.products
		SET stock_quantity = stock_quantity + $2, updated_at = NOW()
		WHERE id = $1 AND stock_quantity + $2 >= 0
	`

	cmdTag, err := r.db.Exec(ctx, query, id, delta)
	if err != nil {
		log.Error().Err(err).Stringer("product_id", id).Int("delta", delta).Msg("repository: failed to adjust stock")
		return fmt.Errorf("repository: failed to adjust stock for product %s: %w", id, err)
	}

	if cmdTag.RowsAffected() == 0 {
		return r.missingOr(ctx, id, ErrInsufficientStock)
	}

	return nil
}

func (r *postgresRepository) missingOr(ctx context.Context, id uuid.UUID, fallback error) error {
	var exists bool
	err := r.db.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM order_service.products WHERE id = $1)`, id).Scan(&exists)
	if err != nil {
		return fmt.Errorf("repository: failed to check product %s: %w", id, err)
	}
	if !exists {
		return ErrProductNotFound
	}
	return fallback
}
