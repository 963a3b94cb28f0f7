package cart_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/gofrs/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"github.com/vasiliy-maslov/ecommerce-orders/internal/cart"
	"github.com/vasiliy-maslov/ecommerce-orders/internal/catalog"
)

type memoryRepository struct {
	mu    sync.Mutex
	carts map[uuid.UUID]cart.Cart
	saves int

	// afterGet, when set, runs once after the next read has taken its snapshot.
	afterGet func()
}

func newMemoryRepository() *memoryRepository {
	return &memoryRepository{carts: make(map[uuid.UUID]cart.Cart)}
}

func (r *memoryRepository) Get(_ context.Context, userID uuid.UUID) (*cart.Cart, error) {
	r.mu.Lock()
	c, ok := r.carts[userID]
	hook := r.afterGet
	r.afterGet = nil
	r.mu.Unlock()

	if hook != nil {
		hook()
	}
	if !ok {
		return nil, cart.ErrCartNotFound
	}
	return &c, nil
}

func (r *memoryRepository) Save(_ context.Context, c *cart.Cart) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if stored, ok := r.carts[c.UserID]; ok && stored.Version != c.Version {
		return cart.ErrVersionConflict
	}
	c.Version++
	r.carts[c.UserID] = *c
	r.saves++
	return nil
}

type memoryCache struct {
	mu      sync.Mutex
	carts   map[uuid.UUID]cart.Cart
	deletes int
	failSet bool
}

func (m *memoryCache) Get(_ context.Context, userID uuid.UUID) (*cart.Cart, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.carts[userID]
	if !ok {
		return nil, cart.ErrCacheMiss
	}
	return &c, nil
}

func (m *memoryCache) Set(_ context.Context, c *cart.Cart) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failSet {
		return errors.New("cache unavailable")
	}
	m.carts[c.UserID] = *c
	return nil
}

func (m *memoryCache) Delete(_ context.Context, userID uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.carts, userID)
	m.deletes++
	return nil
}

type MockProductFinder struct {
	mock.Mock
}

func (m *MockProductFinder) FindProduct(ctx context.Context, id uuid.UUID) (*catalog.Product, error) {
	args := m.Called(ctx, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*catalog.Product), args.Error(1)
}

type serviceFixture struct {
	svc      cart.Service
	repo     *memoryRepository
	cache    *memoryCache
	products *MockProductFinder
}

func newServiceFixture(t *testing.T) serviceFixture {
	f := serviceFixture{
		repo:     newMemoryRepository(),
		cache:    &memoryCache{carts: make(map[uuid.UUID]cart.Cart)},
		products: new(MockProductFinder),
	}
	f.svc = cart.NewService(f.repo, f.cache, f.products, testPolicy(t))
	return f
}

func (f serviceFixture) stock(price string, quantity int) *catalog.Product {
	p := &catalog.Product{
		ID:            uuid.Must(uuid.NewV4()),
		Name:          "Desk lamp",
		Price:         dec(price),
		Status:        catalog.ProductActive,
		StockQuantity: quantity,
	}
	f.products.On("FindProduct", mock.Anything, p.ID).Return(p, nil)
	return p
}

func TestService_AddItem_UsesCatalogPrice(t *testing.T) {
	f := newServiceFixture(t)
	userID := uuid.Must(uuid.NewV4())
	lamp := f.stock("500", 10)

	c, err := f.svc.AddItem(context.Background(), userID, lamp.ID, 2, nil)
	require.NoError(t, err)

	require.Len(t, c.Items, 1)
	assert.True(t, dec("500").Equal(c.Items[0].UnitPrice))
	assert.Equal(t, "Desk lamp", c.Items[0].Name)
	assert.True(t, dec("1180").Equal(c.Totals.Total))
	assert.Equal(t, int64(1), c.Version)

	cached, err := f.cache.Get(context.Background(), userID)
	require.NoError(t, err, "saved carts are written through to the cache")
	assert.Equal(t, int64(1), cached.Version)
	assert.Zero(t, f.cache.deletes)
}

func TestService_AddItem_RejectsUnavailable(t *testing.T) {
	f := newServiceFixture(t)
	userID := uuid.Must(uuid.NewV4())
	lamp := f.stock("500", 3)

	_, err := f.svc.AddItem(context.Background(), userID, lamp.ID, 2, nil)
	require.NoError(t, err)

	_, err = f.svc.AddItem(context.Background(), userID, lamp.ID, 2, nil)
	assert.ErrorIs(t, err, catalog.ErrInsufficientStock)

	inactive := &catalog.Product{ID: uuid.Must(uuid.NewV4()), Status: catalog.ProductInactive, StockQuantity: 5}
	f.products.On("FindProduct", mock.Anything, inactive.ID).Return(inactive, nil)

	_, err = f.svc.AddItem(context.Background(), userID, inactive.ID, 1, nil)
	assert.ErrorIs(t, err, catalog.ErrProductUnavailable)
}

func TestService_AddItem_StockCoversAllVariants(t *testing.T) {
	f := newServiceFixture(t)
	ctx := context.Background()
	userID := uuid.Must(uuid.NewV4())
	lamp := f.stock("500", 3)

	_, err := f.svc.AddItem(ctx, userID, lamp.ID, 2, &cart.Variant{Name: "color", Option: "black"})
	require.NoError(t, err)

	_, err = f.svc.AddItem(ctx, userID, lamp.ID, 2, &cart.Variant{Name: "color", Option: "white"})
	assert.ErrorIs(t, err, catalog.ErrInsufficientStock)

	c, err := f.svc.AddItem(ctx, userID, lamp.ID, 1, &cart.Variant{Name: "color", Option: "white"})
	require.NoError(t, err)
	assert.Len(t, c.Items, 2)
	assert.Equal(t, 3, c.Totals.ItemCount)
}

func TestService_ConcurrentAddsAreSerialized(t *testing.T) {
	f := newServiceFixture(t)
	userID := uuid.Must(uuid.NewV4())
	lamp := f.stock("10", 1000)

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.svc.AddItem(context.Background(), userID, lamp.ID, 1, nil)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	c, err := f.repo.Get(context.Background(), userID)
	require.NoError(t, err)
	require.Len(t, c.Items, 1)
	assert.Equal(t, 50, c.Items[0].Quantity)
	assert.Equal(t, int64(50), c.Version)
}

func TestService_ShippingFollowsSubtotal(t *testing.T) {
	f := newServiceFixture(t)
	ctx := context.Background()
	userID := uuid.Must(uuid.NewV4())
	lamp := f.stock("500", 10)

	_, err := f.svc.AddItem(ctx, userID, lamp.ID, 1, nil)
	require.NoError(t, err)

	c, err := f.svc.SetShipping(ctx, userID, "express")
	require.NoError(t, err)
	assert.True(t, dec("120").Equal(c.Shipping.Cost))

	c, err = f.svc.UpdateQuantity(ctx, userID, lamp.ID, nil, 4)
	require.NoError(t, err)
	assert.True(t, c.Shipping.Cost.IsZero(), "free shipping above threshold")

	_, err = f.svc.SetShipping(ctx, userID, "teleport")
	assert.ErrorIs(t, err, cart.ErrUnknownShippingMethod)
}

func TestService_Coupons(t *testing.T) {
	f := newServiceFixture(t)
	ctx := context.Background()
	userID := uuid.Must(uuid.NewV4())
	lamp := f.stock("500", 10)

	_, err := f.svc.AddItem(ctx, userID, lamp.ID, 2, nil)
	require.NoError(t, err)

	c, err := f.svc.ApplyCoupon(ctx, userID, "flat100")
	require.NoError(t, err)
	assert.True(t, dec("100").Equal(c.Totals.DiscountAmount))

	_, err = f.svc.ApplyCoupon(ctx, userID, "bogus")
	assert.ErrorIs(t, err, cart.ErrUnknownCoupon)

	c, err = f.svc.RemoveCoupon(ctx, userID)
	require.NoError(t, err)
	assert.True(t, c.Totals.DiscountAmount.IsZero())
}

func TestService_GetCart_CachesRepositoryReads(t *testing.T) {
	f := newServiceFixture(t)
	ctx := context.Background()
	userID := uuid.Must(uuid.NewV4())

	empty, err := f.svc.GetCart(ctx, userID)
	require.NoError(t, err)
	assert.True(t, empty.IsEmpty())

	lamp := f.stock("500", 10)
	_, err = f.svc.AddItem(ctx, userID, lamp.ID, 1, nil)
	require.NoError(t, err)

	c, err := f.svc.GetCart(ctx, userID)
	require.NoError(t, err)
	require.Len(t, c.Items, 1)

	cached, err := f.cache.Get(ctx, userID)
	require.NoError(t, err)
	assert.Equal(t, c.Version, cached.Version)
}

func TestService_GetCart_MissDoesNotOverwriteConcurrentSave(t *testing.T) {
	f := newServiceFixture(t)
	ctx := context.Background()
	userID := uuid.Must(uuid.NewV4())
	lamp := f.stock("500", 10)

	_, err := f.svc.AddItem(ctx, userID, lamp.ID, 1, nil)
	require.NoError(t, err)
	require.NoError(t, f.cache.Delete(ctx, userID))

	reading := make(chan struct{})
	release := make(chan struct{})
	f.repo.mu.Lock()
	f.repo.afterGet = func() {
		close(reading)
		<-release
	}
	f.repo.mu.Unlock()

	got := make(chan *cart.Cart, 1)
	go func() {
		c, err := f.svc.GetCart(ctx, userID)
		assert.NoError(t, err)
		got <- c
	}()
	<-reading

	added := make(chan error, 1)
	go func() {
		_, err := f.svc.AddItem(ctx, userID, lamp.ID, 1, nil)
		added <- err
	}()

	// Give the writer a chance to run while the reader holds its old snapshot.
	time.Sleep(20 * time.Millisecond)
	close(release)

	require.NoError(t, <-added)
	assert.Equal(t, int64(1), (<-got).Version)

	cached, err := f.cache.Get(ctx, userID)
	require.NoError(t, err)
	assert.Equal(t, int64(2), cached.Version)
	assert.Equal(t, 2, cached.Items[0].Quantity)

	c, err := f.svc.GetCart(ctx, userID)
	require.NoError(t, err)
	assert.Equal(t, int64(2), c.Version)
}

func TestService_FailedCacheWriteInvalidates(t *testing.T) {
	f := newServiceFixture(t)
	ctx := context.Background()
	userID := uuid.Must(uuid.NewV4())
	lamp := f.stock("500", 10)

	_, err := f.svc.AddItem(ctx, userID, lamp.ID, 1, nil)
	require.NoError(t, err)

	f.cache.mu.Lock()
	f.cache.failSet = true
	f.cache.mu.Unlock()

	_, err = f.svc.AddItem(ctx, userID, lamp.ID, 1, nil)
	require.NoError(t, err)

	_, err = f.cache.Get(ctx, userID)
	assert.ErrorIs(t, err, cart.ErrCacheMiss, "a stale entry must not survive a failed refresh")
	assert.Equal(t, 1, f.cache.deletes)
}

func TestService_Checkout(t *testing.T) {
	f := newServiceFixture(t)
	ctx := context.Background()
	userID := uuid.Must(uuid.NewV4())

	err := f.svc.Checkout(ctx, userID, func(context.Context, cart.Cart) (bool, error) {
		t.Fatal("place must not run for an empty cart")
		return false, nil
	})
	assert.ErrorIs(t, err, cart.ErrEmptyCart)

	lamp := f.stock("500", 10)
	_, err = f.svc.AddItem(ctx, userID, lamp.ID, 2, nil)
	require.NoError(t, err)
	_, err = f.svc.ApplyCoupon(ctx, userID, "WELCOME10")
	require.NoError(t, err)

	var placed cart.Cart
	err = f.svc.Checkout(ctx, userID, func(_ context.Context, c cart.Cart) (bool, error) {
		placed = c
		return true, nil
	})
	require.NoError(t, err)
	assert.Equal(t, 2, placed.Totals.ItemCount)

	after, err := f.repo.Get(ctx, userID)
	require.NoError(t, err)
	assert.True(t, after.IsEmpty())
	assert.Nil(t, after.Discount)
}

func TestService_ClearAllDropsCoupon(t *testing.T) {
	f := newServiceFixture(t)
	ctx := context.Background()
	userID := uuid.Must(uuid.NewV4())
	lamp := f.stock("500", 10)

	_, err := f.svc.AddItem(ctx, userID, lamp.ID, 1, nil)
	require.NoError(t, err)
	_, err = f.svc.ApplyCoupon(ctx, userID, "FLAT100")
	require.NoError(t, err)

	kept, err := f.svc.Clear(ctx, userID)
	require.NoError(t, err)
	assert.True(t, kept.IsEmpty())
	assert.NotNil(t, kept.Discount, "Clear keeps the coupon")

	c, err := f.svc.ClearAll(ctx, userID)
	require.NoError(t, err)
	assert.True(t, c.IsEmpty())
	assert.Nil(t, c.Discount)
	assert.True(t, c.Totals.Total.Equal(c.Shipping.Cost))
}
