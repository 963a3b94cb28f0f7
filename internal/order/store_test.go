package order_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vasiliy-maslov/ecommerce-orders/internal/order"
	"github.com/vasiliy-maslov/ecommerce-orders/internal/order/ordertest"
)

func TestStore_Update(t *testing.T) {
	repo := ordertest.NewRepository()
	store := order.NewStore(repo)
	o := placedOrder(t, order.StatusPending, order.PaymentOnline)
	repo.Put(o)

	updated, err := store.Update(context.Background(), o.ID, func(o *order.Order, now time.Time) error {
		order.Transition(o, order.StatusConfirmed, "paid", order.ActorSystem, now)
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, order.StatusConfirmed, updated.Status.Current)
	assert.Equal(t, int64(2), updated.Version)

	stored, err := repo.GetByID(context.Background(), o.ID)
	require.NoError(t, err)
	assert.Len(t, stored.Status.History, 2)
}

func TestStore_Update_NoChangeSavesNothing(t *testing.T) {
	repo := ordertest.NewRepository()
	store := order.NewStore(repo)
	o := placedOrder(t, order.StatusConfirmed, order.PaymentOnline)
	repo.Put(o)

	got, err := store.Update(context.Background(), o.ID, func(o *order.Order, _ time.Time) error {
		o.Status.Current = order.StatusCancelled
		return order.ErrNoChange
	})
	assert.ErrorIs(t, err, order.ErrNoChange)
	require.NotNil(t, got)
	assert.Equal(t, order.StatusConfirmed, got.Status.Current)
	assert.Zero(t, repo.Updates)
}

func TestStore_Update_AbortsOnError(t *testing.T) {
	repo := ordertest.NewRepository()
	store := order.NewStore(repo)
	o := placedOrder(t, order.StatusConfirmed, order.PaymentOnline)
	repo.Put(o)

	boom := errors.New("boom")
	_, err := store.Update(context.Background(), o.ID, func(*order.Order, time.Time) error { return boom })
	assert.ErrorIs(t, err, boom)
	assert.Zero(t, repo.Updates)

	_, err = store.Update(context.Background(), o.ID, func(*order.Order, time.Time) error { return nil })
	require.NoError(t, err)

	_, err = store.Get(context.Background(), o.ID)
	require.NoError(t, err)
}

func TestStore_Update_RetriesVersionConflict(t *testing.T) {
	repo := ordertest.NewRepository()
	store := order.NewStore(repo)
	o := placedOrder(t, order.StatusConfirmed, order.PaymentOnline)
	repo.Put(o)

	// Another process wins the first race.
	conflicts := 1
	repo.BeforeUpdate = func(*order.Order) {
		if conflicts > 0 {
			conflicts--
			bumped := o.Clone()
			bumped.Version++
			repo.Put(bumped)
		}
	}

	calls := 0
	updated, err := store.Update(context.Background(), o.ID, func(o *order.Order, now time.Time) error {
		calls++
		order.Transition(o, order.StatusProcessing, "", order.ActorAdmin, now)
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 2, calls)
	assert.Equal(t, int64(3), updated.Version)
}

func TestStore_Update_GivesUpAfterRepeatedConflicts(t *testing.T) {
	repo := ordertest.NewRepository()
	store := order.NewStore(repo)
	o := placedOrder(t, order.StatusConfirmed, order.PaymentOnline)
	repo.Put(o)

	version := o.Version
	repo.BeforeUpdate = func(*order.Order) {
		version++
		bumped := o.Clone()
		bumped.Version = version
		repo.Put(bumped)
	}

	_, err := store.Update(context.Background(), o.ID, func(*order.Order, time.Time) error { return nil })
	assert.ErrorIs(t, err, order.ErrVersionConflict)
}

func TestStore_Update_SerializesConcurrentWriters(t *testing.T) {
	repo := ordertest.NewRepository()
	store := order.NewStore(repo)
	o := placedOrder(t, order.StatusConfirmed, order.PaymentOnline)
	repo.Put(o)

	const writers = 25
	var wg sync.WaitGroup
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := store.Update(context.Background(), o.ID, func(o *order.Order, now time.Time) error {
				o.Payment.Refunds = append(o.Payment.Refunds, order.Refund{ID: fmt.Sprintf("r%d", i), Amount: dec("1"), RequestedAt: now})
				return nil
			})
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()

	stored, err := repo.GetByID(context.Background(), o.ID)
	require.NoError(t, err)
	assert.Len(t, stored.Payment.Refunds, writers)
	assert.Equal(t, o.Version+writers, stored.Version)
}

func TestStore_Update_NotFound(t *testing.T) {
	store := order.NewStore(ordertest.NewRepository())
	_, err := store.Update(context.Background(), placedOrder(t, order.StatusPending, order.PaymentOnline).ID,
		func(*order.Order, time.Time) error { return nil })
	assert.ErrorIs(t, err, order.ErrOrderNotFound)
}
