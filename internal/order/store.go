package order

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/gofrs/uuid"
	"github.com/moby/locker"
	"github.com/rs/zerolog/log"
)

// ErrNoChange is returned by an update function that decided the order is
// already in the requested state. Store.Update then saves nothing.
var ErrNoChange = errors.New("order: no change")

const maxUpdateAttempts = 3

// Store serializes every mutation of a single order. Within one process a
// per-order lock keeps updates mutually exclusive; across processes the
// versioned save detects lost updates and the whole read-modify-write is
// retried.
type Store struct {
	repo  Repository
	locks *locker.Locker
	now   func() time.Time
}

func NewStore(repo Repository) *Store {
	return &Store{
		repo:  repo,
		locks: locker.New(),
		now:   func() time.Time { return time.Now().UTC() },
	}
}

func (s *Store) Get(ctx context.Context, id uuid.UUID) (*Order, error) {
	return s.repo.GetByID(ctx, id)
}

// Update loads the order, applies fn to a copy and saves the copy. When fn
// returns ErrNoChange the stored order is returned together with ErrNoChange.
// Any other error from fn aborts the update unchanged.
func (s *Store) Update(ctx context.Context, id uuid.UUID, fn func(o *Order, now time.Time) error) (*Order, error) {
	key := id.String()
	s.locks.Lock(key)
	defer func() {
		if err := s.locks.Unlock(key); err != nil {
			log.Error().Err(err).Stringer("order_id", id).Msg("store: failed to release order lock")
		}
	}()

	for attempt := 1; ; attempt++ {
		current, err := s.repo.GetByID(ctx, id)
		if err != nil {
			return nil, err
		}

		next := current.Clone()
		now := s.now()
		if err := fn(&next, now); err != nil {
			if errors.Is(err, ErrNoChange) {
				return current, ErrNoChange
			}
			return nil, err
		}
		next.UpdatedAt = now

		err = s.repo.Update(ctx, &next, current.Version)
		if err == nil {
			return &next, nil
		}
		if !errors.Is(err, ErrVersionConflict) || attempt == maxUpdateAttempts {
			log.Error().Err(err).Stringer("order_id", id).Int("attempt", attempt).Msg("store: failed to save order")
			return nil, fmt.Errorf("store: failed to save order %s: %w", id, err)
		}

		log.Warn().Stringer("order_id", id).Int("attempt", attempt).Msg("store: order version conflict, retrying")
	}
}
