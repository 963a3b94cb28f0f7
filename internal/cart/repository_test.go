package cart_test

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/gofrs/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vasiliy-maslov/ecommerce-orders/internal/cart"
	"github.com/vasiliy-maslov/ecommerce-orders/internal/money"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// setupMongo connects to MONGO_TEST_URI and hands out a throwaway database.
func setupMongo(t *testing.T) *mongo.Database {
	t.Helper()

	uri := os.Getenv("MONGO_TEST_URI")
	if uri == "" {
		t.Skip("MONGO_TEST_URI is not set")
	}

	ctx := context.Background()
	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	require.NoError(t, err)

	database := client.Database("carts_test_" + uuid.Must(uuid.NewV4()).String()[:8])
	require.NoError(t, cart.EnsureIndexes(ctx, database))

	t.Cleanup(func() {
		_ = database.Drop(context.Background())
		_ = client.Disconnect(context.Background())
	})
	return database
}

func TestMongoRepository_SaveAndGet(t *testing.T) {
	database := setupMongo(t)
	repo := cart.NewMongoRepository(database)
	ctx := context.Background()

	userID := uuid.Must(uuid.NewV4())
	now := time.Now().UTC().Truncate(time.Millisecond)

	_, err := repo.Get(ctx, userID)
	require.ErrorIs(t, err, cart.ErrCartNotFound)

	c := cart.New(userID, decimal.NewFromInt(18), now)
	c.Items = append(c.Items, cart.Item{
		ProductID: uuid.Must(uuid.NewV4()),
		Name:      "Desk Lamp",
		Quantity:  2,
		UnitPrice: decimal.RequireFromString("500.00"),
		Variant:   &cart.Variant{Name: "color", Option: "black"},
		AddedAt:   now,
	})
	c.Discount = &money.Discount{Code: "FLAT100", Type: money.DiscountFixed, Value: decimal.NewFromInt(100)}
	c.LastUpdated = now

	require.NoError(t, repo.Save(ctx, &c))
	assert.Equal(t, int64(1), c.Version)

	got, err := repo.Get(ctx, userID)
	require.NoError(t, err)

	require.Len(t, got.Items, 1)
	assert.Equal(t, "Desk Lamp", got.Items[0].Name)
	assert.Equal(t, &cart.Variant{Name: "color", Option: "black"}, got.Items[0].Variant)
	assert.True(t, got.Items[0].UnitPrice.Equal(decimal.NewFromInt(500)))
	require.NotNil(t, got.Discount)
	assert.Equal(t, "FLAT100", got.Discount.Code)
	assert.Equal(t, int64(1), got.Version)
	assert.True(t, got.Totals.Subtotal.Equal(decimal.NewFromInt(1000)), got.Totals.Subtotal.String())
	assert.True(t, got.Totals.DiscountAmount.Equal(decimal.NewFromInt(100)), got.Totals.DiscountAmount.String())
}

func TestMongoRepository_StaleVersionIsRejected(t *testing.T) {
	database := setupMongo(t)
	repo := cart.NewMongoRepository(database)
	ctx := context.Background()

	userID := uuid.Must(uuid.NewV4())
	c := cart.New(userID, decimal.NewFromInt(18), time.Now().UTC())
	require.NoError(t, repo.Save(ctx, &c))

	first, err := repo.Get(ctx, userID)
	require.NoError(t, err)
	second, err := repo.Get(ctx, userID)
	require.NoError(t, err)

	require.NoError(t, repo.Save(ctx, first))
	assert.ErrorIs(t, repo.Save(ctx, second), cart.ErrVersionConflict)

	fresh := cart.New(userID, decimal.NewFromInt(18), time.Now().UTC())
	assert.ErrorIs(t, repo.Save(ctx, &fresh), cart.ErrVersionConflict)
}
