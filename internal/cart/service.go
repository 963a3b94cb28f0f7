package cart

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/gofrs/uuid"
	"github.com/moby/locker"
	"github.com/rs/zerolog/log"
	"github.com/vasiliy-maslov/ecommerce-orders/internal/catalog"
	"golang.org/x/sync/singleflight"
)

const maxSaveAttempts = 3

type ProductFinder interface {
	FindProduct(ctx context.Context, id uuid.UUID) (*catalog.Product, error)
}

// PlaceFunc turns a locked cart into an order. It reports whether the cart
// should be cleared afterwards.
type PlaceFunc func(ctx context.Context, c Cart) (clearCart bool, err error)

type Service interface {
	GetCart(ctx context.Context, userID uuid.UUID) (*Cart, error)
	AddItem(ctx context.Context, userID, productID uuid.UUID, quantity int, variant *Variant) (*Cart, error)
	UpdateQuantity(ctx context.Context, userID, productID uuid.UUID, variant *Variant, quantity int) (*Cart, error)
	RemoveItem(ctx context.Context, userID, productID uuid.UUID, variant *Variant) (*Cart, error)
	Clear(ctx context.Context, userID uuid.UUID) (*Cart, error)
	// ClearAll empties the cart and drops its coupon, as after a paid order.
	ClearAll(ctx context.Context, userID uuid.UUID) (*Cart, error)
	ApplyCoupon(ctx context.Context, userID uuid.UUID, code string) (*Cart, error)
	RemoveCoupon(ctx context.Context, userID uuid.UUID) (*Cart, error)
	SetShipping(ctx context.Context, userID uuid.UUID, method string) (*Cart, error)
	Checkout(ctx context.Context, userID uuid.UUID, place PlaceFunc) error
}

type service struct {
	repo     Repository
	cache    Cache
	products ProductFinder
	policy   Policy
	locks    *locker.Locker
	sfg      singleflight.Group
	now      func() time.Time
}

func NewService(repo Repository, cache Cache, products ProductFinder, policy Policy) Service {
	return &service{
		repo:     repo,
		cache:    cache,
		products: products,
		policy:   policy,
		locks:    locker.New(),
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// GetCart serves the cart from cache. A miss is filled under the user's lock
// so that a concurrent mutation cannot be overwritten by the older snapshot.
func (s *service) GetCart(ctx context.Context, userID uuid.UUID) (*Cart, error) {
	if c, err := s.cache.Get(ctx, userID); err == nil {
		return c, nil
	} else if !errors.Is(err, ErrCacheMiss) {
		log.Warn().Err(err).Stringer("user_id", userID).Msg("service: cart cache read failed")
	}

	v, err, _ := s.sfg.Do(userID.String(), func() (interface{}, error) {
		s.locks.Lock(userID.String())
		defer s.unlock(userID)

		// A mutation may have refreshed the cache while we waited.
		if c, err := s.cache.Get(ctx, userID); err == nil {
			return c, nil
		}

		c, err := s.repo.Get(ctx, userID)
		if errors.Is(err, ErrCartNotFound) {
			empty := New(userID, s.policy.TaxRatePercent, s.now())
			return &empty, nil
		}
		if err != nil {
			log.Error().Err(err).Stringer("user_id", userID).Msg("service: failed to load cart")
			return nil, fmt.Errorf("service: failed to load cart: %w", err)
		}

		if err := s.cache.Set(ctx, c); err != nil {
			log.Warn().Err(err).Stringer("user_id", userID).Msg("service: cart cache write failed")
		}
		return c, nil
	})
	if err != nil {
		return nil, err
	}

	return v.(*Cart), nil
}

func (s *service) AddItem(ctx context.Context, userID, productID uuid.UUID, quantity int, variant *Variant) (*Cart, error) {
	product, err := s.products.FindProduct(ctx, productID)
	if err != nil {
		return nil, err
	}
	if product.Status != catalog.ProductActive {
		return nil, catalog.ErrProductUnavailable
	}

	return s.mutate(ctx, userID, func(c Cart, now time.Time) (Cart, error) {
		// Stock is held per product, so every variant line draws on it.
		inCart := 0
		for _, item := range c.Items {
			if item.ProductID == productID {
				inCart += item.Quantity
			}
		}
		if inCart+quantity > product.Available() {
			return c, catalog.ErrInsufficientStock
		}
		return c.AddItem(productID, product.Name, quantity, product.Price, variant, now)
	})
}

func (s *service) UpdateQuantity(ctx context.Context, userID, productID uuid.UUID, variant *Variant, quantity int) (*Cart, error) {
	return s.mutate(ctx, userID, func(c Cart, now time.Time) (Cart, error) {
		return c.UpdateQuantity(productID, variant, quantity, now)
	})
}

func (s *service) RemoveItem(ctx context.Context, userID, productID uuid.UUID, variant *Variant) (*Cart, error) {
	return s.mutate(ctx, userID, func(c Cart, now time.Time) (Cart, error) {
		return c.RemoveItem(productID, variant, now)
	})
}

func (s *service) Clear(ctx context.Context, userID uuid.UUID) (*Cart, error) {
	return s.mutate(ctx, userID, func(c Cart, now time.Time) (Cart, error) {
		return c.Clear(now)
	})
}

func (s *service) ClearAll(ctx context.Context, userID uuid.UUID) (*Cart, error) {
	return s.mutate(ctx, userID, clearAll)
}

func (s *service) ApplyCoupon(ctx context.Context, userID uuid.UUID, code string) (*Cart, error) {
	discount, err := s.policy.ResolveCoupon(code)
	if err != nil {
		return nil, err
	}

	return s.mutate(ctx, userID, func(c Cart, now time.Time) (Cart, error) {
		return c.ApplyDiscount(discount, now)
	})
}

func (s *service) RemoveCoupon(ctx context.Context, userID uuid.UUID) (*Cart, error) {
	return s.mutate(ctx, userID, func(c Cart, now time.Time) (Cart, error) {
		return c.RemoveDiscount(now)
	})
}

func (s *service) SetShipping(ctx context.Context, userID uuid.UUID, method string) (*Cart, error) {
	return s.mutate(ctx, userID, func(c Cart, now time.Time) (Cart, error) {
		resolved, cost, err := s.policy.ShippingCost(method, c.Totals.Subtotal)
		if err != nil {
			return c, err
		}
		return c.SetShipping(resolved, cost, now)
	})
}

func (s *service) Checkout(ctx context.Context, userID uuid.UUID, place PlaceFunc) error {
	s.locks.Lock(userID.String())
	defer s.unlock(userID)

	c, err := s.load(ctx, userID)
	if err != nil {
		return err
	}
	if c.IsEmpty() {
		return ErrEmptyCart
	}

	clearCart, err := place(ctx, c)
	if err != nil {
		return err
	}
	if !clearCart {
		return nil
	}

	if _, err := s.saveWithRetry(ctx, userID, c, clearAll); err != nil {
		log.Error().Err(err).Stringer("user_id", userID).Msg("service: order placed but cart was not cleared")
	}
	return nil
}

func clearAll(c Cart, now time.Time) (Cart, error) {
	cleared, err := c.Clear(now)
	if err != nil {
		return c, err
	}
	return cleared.RemoveDiscount(now)
}

// mutate serializes every change to a user's cart: lock, load, transform,
// versioned save, cache invalidation.
func (s *service) mutate(ctx context.Context, userID uuid.UUID, fn func(Cart, time.Time) (Cart, error)) (*Cart, error) {
	s.locks.Lock(userID.String())
	defer s.unlock(userID)

	c, err := s.load(ctx, userID)
	if err != nil {
		return nil, err
	}

	return s.saveWithRetry(ctx, userID, c, fn)
}

func (s *service) saveWithRetry(ctx context.Context, userID uuid.UUID, c Cart, fn func(Cart, time.Time) (Cart, error)) (*Cart, error) {
	for attempt := 1; ; attempt++ {
		next, err := fn(c, s.now())
		if err != nil {
			return nil, err
		}
		if next, err = s.repriceShipping(next); err != nil {
			return nil, err
		}

		err = s.repo.Save(ctx, &next)
		if err == nil {
			s.refreshCache(ctx, &next)
			return &next, nil
		}
		if !errors.Is(err, ErrVersionConflict) || attempt == maxSaveAttempts {
			log.Error().Err(err).Stringer("user_id", userID).Int("attempt", attempt).Msg("service: failed to save cart")
			return nil, fmt.Errorf("service: failed to save cart: %w", err)
		}

		log.Warn().Stringer("user_id", userID).Int("attempt", attempt).Msg("service: cart version conflict, retrying")
		if c, err = s.load(ctx, userID); err != nil {
			return nil, err
		}
	}
}

// repriceShipping keeps a chosen shipping method's cost in line with the
// current subtotal, e.g. across the free-shipping threshold.
func (s *service) repriceShipping(c Cart) (Cart, error) {
	if c.Shipping.Method == "" {
		return c, nil
	}
	_, cost, err := s.policy.ShippingCost(c.Shipping.Method, c.Totals.Subtotal)
	if err != nil {
		return c, err
	}
	if cost.Equal(c.Shipping.Cost) {
		return c, nil
	}
	return c.SetShipping(c.Shipping.Method, cost, c.LastUpdated)
}

func (s *service) load(ctx context.Context, userID uuid.UUID) (Cart, error) {
	c, err := s.repo.Get(ctx, userID)
	if errors.Is(err, ErrCartNotFound) {
		return New(userID, s.policy.TaxRatePercent, s.now()), nil
	}
	if err != nil {
		log.Error().Err(err).Stringer("user_id", userID).Msg("service: failed to load cart")
		return Cart{}, fmt.Errorf("service: failed to load cart: %w", err)
	}
	c.TaxRatePercent = s.policy.TaxRatePercent
	return *c, nil
}

// refreshCache writes the saved cart through to the cache. It runs under the
// user's lock, as does every other cache fill. If the write fails the entry
// is dropped instead, so readers go back to the repository.
func (s *service) refreshCache(ctx context.Context, c *Cart) {
	err := s.cache.Set(ctx, c)
	if err == nil {
		return
	}
	log.Warn().Err(err).Stringer("user_id", c.UserID).Msg("service: cart cache write failed, invalidating")
	if err := s.cache.Delete(ctx, c.UserID); err != nil {
		log.Warn().Err(err).Stringer("user_id", c.UserID).Msg("service: cart cache invalidation failed")
	}
}

func (s *service) unlock(userID uuid.UUID) {
	if err := s.locks.Unlock(userID.String()); err != nil {
		log.Error().Err(err).Stringer("user_id", userID).Msg("service: failed to release cart lock")
	}
}
