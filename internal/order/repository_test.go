package order_test

import (
	"context"
	"os"
	"strings"
	"testing"

	"github.com/gofrs/uuid"
	"github.com/google/go-cmp/cmp"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vasiliy-maslov/ecommerce-orders/internal/db"
	"github.com/vasiliy-maslov/ecommerce-orders/internal/order"
)

// setupPostgres connects to POSTGRES_TEST_DSN (postgres://...), applies the
// migrations and truncates the orders table around the test.
func setupPostgres(t *testing.T) *pgxpool.Pool {
	t.Helper()

	dsn := os.Getenv("POSTGRES_TEST_DSN")
	if dsn == "" {
		t.Skip("POSTGRES_TEST_DSN is not set")
	}

	migrateURL := "pgx5://" + strings.TrimPrefix(strings.TrimPrefix(dsn, "postgres://"), "postgresql://")
	require.NoError(t, db.Migrate("../../migrations", migrateURL))

	pool, err := pgxpool.New(context.Background(), dsn)
	require.NoError(t, err)

	truncate := func() {
		_, err := pool.Exec(context.Background(), "TRUNCATE TABLE order_service.orders")
		require.NoError(t, err)
	}
	truncate()
	t.Cleanup(func() {
		truncate()
		pool.Close()
	})

	return pool
}

func decimalEqual(a, b decimal.Decimal) bool {
	return a.Equal(b)
}

func TestPostgresRepository_RoundTrip(t *testing.T) {
	pool := setupPostgres(t)
	repo := order.NewRepository(pool)
	ctx := context.Background()

	o := placedOrder(t, order.StatusPending, order.PaymentOnline)
	o.IdempotencyKey = "key-1"
	require.NoError(t, repo.Create(ctx, &o))

	got, err := repo.GetByID(ctx, o.ID)
	require.NoError(t, err)

	opts := cmp.Options{
		cmp.Comparer(decimalEqual),
		cmp.Comparer(func(a, b *decimal.Decimal) bool {
			if a == nil || b == nil {
				return a == b
			}
			return a.Equal(*b)
		}),
	}
	if diff := cmp.Diff(o.Items, got.Items, opts); diff != "" {
		t.Errorf("items mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff(o.Totals, got.Totals, opts); diff != "" {
		t.Errorf("totals mismatch (-want +got):\n%s", diff)
	}
	assert.Equal(t, o.Number, got.Number)
	assert.Equal(t, "key-1", got.IdempotencyKey)
	assert.Equal(t, order.StockReserved, got.Stock)
	require.NoError(t, got.VerifyTotals())

	byNumber, err := repo.GetByNumber(ctx, o.Number)
	require.NoError(t, err)
	assert.Equal(t, o.ID, byNumber.ID)

	byKey, err := repo.GetByIdempotencyKey(ctx, o.UserID, "key-1")
	require.NoError(t, err)
	assert.Equal(t, o.ID, byKey.ID)

	list, err := repo.ListByUser(ctx, o.UserID)
	require.NoError(t, err)
	assert.Len(t, list, 1)
}

func TestPostgresRepository_UniqueConstraints(t *testing.T) {
	pool := setupPostgres(t)
	repo := order.NewRepository(pool)
	ctx := context.Background()

	first := placedOrder(t, order.StatusPending, order.PaymentOnline)
	first.IdempotencyKey = "same-key"
	require.NoError(t, repo.Create(ctx, &first))

	sameNumber := placedOrder(t, order.StatusPending, order.PaymentOnline)
	assert.ErrorIs(t, repo.Create(ctx, &sameNumber), order.ErrDuplicateNumber)

	sameKey := placedOrder(t, order.StatusPending, order.PaymentOnline)
	sameKey.Number = "ORD-other"
	sameKey.UserID = first.UserID
	sameKey.IdempotencyKey = "same-key"
	assert.ErrorIs(t, repo.Create(ctx, &sameKey), order.ErrDuplicateIdempotencyKey)
}

func TestPostgresRepository_VersionedUpdate(t *testing.T) {
	pool := setupPostgres(t)
	repo := order.NewRepository(pool)
	ctx := context.Background()

	o := placedOrder(t, order.StatusPending, order.PaymentOnline)
	require.NoError(t, repo.Create(ctx, &o))

	stale := o.Clone()
	o.Status.Current = order.StatusConfirmed
	o.Stock = order.StockCommitted
	require.NoError(t, repo.Update(ctx, &o, 1))
	assert.Equal(t, int64(2), o.Version)

	stale.Status.Current = order.StatusCancelled
	assert.ErrorIs(t, repo.Update(ctx, &stale, 1), order.ErrVersionConflict)

	missing := placedOrder(t, order.StatusPending, order.PaymentOnline)
	missing.ID = uuid.Must(uuid.NewV4())
	assert.ErrorIs(t, repo.Update(ctx, &missing, 1), order.ErrOrderNotFound)

	got, err := repo.GetByID(ctx, o.ID)
	require.NoError(t, err)
	assert.Equal(t, order.StatusConfirmed, got.Status.Current)
	assert.Equal(t, order.StockCommitted, got.Stock)
}
