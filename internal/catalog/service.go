package catalog

import (
	"context"
	"errors"
	"fmt"

	"github.com/gofrs/uuid"
	"github.com/rs/zerolog/log"
)

type Service interface {
	FindProduct(ctx context.Context, id uuid.UUID) (*Product, error)
	// Reserve holds stock for every line or for none of them.
	Reserve(ctx context.Context, lines []StockLine) error
	Release(ctx context.Context, lines []StockLine) error
	Commit(ctx context.Context, lines []StockLine) error
	Restock(ctx context.Context, lines []StockLine) error
}

type service struct {
	repo Repository
}

func NewService(repo Repository) Service {
	return &service{repo: repo}
}

func (s *service) FindProduct(ctx context.Context, id uuid.UUID) (*Product, error) {
	product, err := s.repo.FindProduct(ctx, id)
	if err != nil {
		if errors.Is(err, ErrProductNotFound) {
			return nil, ErrProductNotFound
		}
		log.Error().Err(err).Stringer("product_id", id).Msg("service: failed to find product")
		return nil, fmt.Errorf("service: failed to find product: %w", err)
	}

	return product, nil
}

func (s *service) Reserve(ctx context.Context, lines []StockLine) error {
	reserved := make([]StockLine, 0, len(lines))

	for _, line := range lines {
		if err := s.repo.ReserveStock(ctx, line.ProductID, line.Quantity); err != nil {
			log.Warn().Err(err).Stringer("product_id", line.ProductID).Int("quantity", line.Quantity).Msg("service: stock reservation failed, compensating")

			for i := len(reserved) - 1; i >= 0; i-- {
				undo := reserved[i]
				// A fresh context: the caller's may be the reason the reservation failed.
				if relErr := s.repo.ReleaseStock(context.WithoutCancel(ctx), undo.ProductID, undo.Quantity); relErr != nil {
					log.Error().Err(relErr).Stringer("product_id", undo.ProductID).Int("quantity", undo.Quantity).Msg("service: failed to release stock during compensation")
				}
			}

			return fmt.Errorf("service: failed to reserve stock for product %s: %w", line.ProductID, err)
		}
		reserved = append(reserved, line)
	}

	return nil
}

func (s *service) Release(ctx context.Context, lines []StockLine) error {
	return s.each(ctx, lines, "release", s.repo.ReleaseStock)
}

func (s *service) Commit(ctx context.Context, lines []StockLine) error {
	return s.each(ctx, lines, "commit", s.repo.CommitReservation)
}

func (s *service) Restock(ctx context.Context, lines []StockLine) error {
	return s.each(ctx, lines, "restock", s.repo.AdjustStock)
}

// each applies op to every line and keeps going past failures.
func (s *service) each(ctx context.Context, lines []StockLine, name string, op func(context.Context, uuid.UUID, int) error) error {
	var errs []error
	for _, line := range lines {
		if err := op(ctx, line.ProductID, line.Quantity); err != nil {
			log.Error().Err(err).Stringer("product_id", line.ProductID).Int("quantity", line.Quantity).Str("operation", name).Msg("service: stock operation failed")
			errs = append(errs, fmt.Errorf("%s product %s: %w", name, line.ProductID, err))
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("service: stock %s failed: %w", name, errors.Join(errs...))
	}
	return nil
}
