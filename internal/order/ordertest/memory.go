// Package ordertest provides an in-memory order repository for tests.
package ordertest

import (
	"context"
	"sort"
	"sync"

	"github.com/gofrs/uuid"
	"github.com/vasiliy-maslov/ecommerce-orders/internal/order"
)

// Repository mirrors the Postgres repository's constraints: unique numbers,
// unique idempotency keys per user and versioned updates.
type Repository struct {
	mu     sync.Mutex
	orders map[uuid.UUID]order.Order

	// BeforeUpdate, when set, runs before each versioned update.
	BeforeUpdate func(o *order.Order)

	Creates int
	Updates int
}

func NewRepository() *Repository {
	return &Repository{orders: make(map[uuid.UUID]order.Order)}
}

func (r *Repository) Create(_ context.Context, o *order.Order) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, existing := range r.orders {
		if existing.Number == o.Number {
			return order.ErrDuplicateNumber
		}
		if o.IdempotencyKey != "" && existing.UserID == o.UserID && existing.IdempotencyKey == o.IdempotencyKey {
			return order.ErrDuplicateIdempotencyKey
		}
	}
	if o.ID == uuid.Nil {
		o.ID = uuid.Must(uuid.NewV4())
	}

	r.orders[o.ID] = o.Clone()
	r.Creates++
	return nil
}

func (r *Repository) GetByID(_ context.Context, id uuid.UUID) (*order.Order, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	o, ok := r.orders[id]
	if !ok {
		return nil, order.ErrOrderNotFound
	}
	c := o.Clone()
	return &c, nil
}

func (r *Repository) GetByNumber(_ context.Context, number string) (*order.Order, error) {
	return r.find(func(o order.Order) bool { return o.Number == number })
}

func (r *Repository) GetByIdempotencyKey(_ context.Context, userID uuid.UUID, key string) (*order.Order, error) {
	return r.find(func(o order.Order) bool { return o.UserID == userID && o.IdempotencyKey == key })
}

func (r *Repository) find(match func(order.Order) bool) (*order.Order, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, o := range r.orders {
		if match(o) {
			c := o.Clone()
			return &c, nil
		}
	}
	return nil, order.ErrOrderNotFound
}

func (r *Repository) ListByUser(_ context.Context, userID uuid.UUID) ([]order.Order, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	orders := make([]order.Order, 0)
	for _, o := range r.orders {
		if o.UserID == userID {
			orders = append(orders, o.Clone())
		}
	}
	sort.Slice(orders, func(i, j int) bool { return orders[i].CreatedAt.After(orders[j].CreatedAt) })
	return orders, nil
}

func (r *Repository) Update(_ context.Context, o *order.Order, expectedVersion int64) error {
	if r.BeforeUpdate != nil {
		r.BeforeUpdate(o)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	stored, ok := r.orders[o.ID]
	if !ok {
		return order.ErrOrderNotFound
	}
	if stored.Version != expectedVersion {
		return order.ErrVersionConflict
	}

	o.Version = expectedVersion + 1
	r.orders[o.ID] = o.Clone()
	r.Updates++
	return nil
}

// Put stores o as-is, bypassing all checks.
func (r *Repository) Put(o order.Order) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.orders[o.ID] = o.Clone()
}
