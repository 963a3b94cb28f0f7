package order_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/gofrs/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"github.com/vasiliy-maslov/ecommerce-orders/internal/cart"
	"github.com/vasiliy-maslov/ecommerce-orders/internal/catalog"
	"github.com/vasiliy-maslov/ecommerce-orders/internal/config"
	"github.com/vasiliy-maslov/ecommerce-orders/internal/money"
	"github.com/vasiliy-maslov/ecommerce-orders/internal/order"
	"github.com/vasiliy-maslov/ecommerce-orders/internal/order/ordertest"
)

type MockCatalog struct {
	mock.Mock
}

func (m *MockCatalog) FindProduct(ctx context.Context, id uuid.UUID) (*catalog.Product, error) {
	args := m.Called(ctx, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*catalog.Product), args.Error(1)
}

func (m *MockCatalog) Reserve(ctx context.Context, lines []catalog.StockLine) error {
	return m.Called(ctx, lines).Error(0)
}

func (m *MockCatalog) Release(ctx context.Context, lines []catalog.StockLine) error {
	return m.Called(ctx, lines).Error(0)
}

func (m *MockCatalog) Commit(ctx context.Context, lines []catalog.StockLine) error {
	return m.Called(ctx, lines).Error(0)
}

func (m *MockCatalog) Restock(ctx context.Context, lines []catalog.StockLine) error {
	return m.Called(ctx, lines).Error(0)
}

// fakeCarts hands a fixed cart to the place function and records whether
// the caller asked for it to be cleared.
type fakeCarts struct {
	mu      sync.Mutex
	cart    cart.Cart
	cleared bool
}

func (f *fakeCarts) Checkout(ctx context.Context, _ uuid.UUID, place cart.PlaceFunc) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.cart.IsEmpty() {
		return cart.ErrEmptyCart
	}
	clearCart, err := place(ctx, f.cart)
	if err != nil {
		return err
	}
	f.cleared = f.cleared || clearCart
	return nil
}

type recordingNotifier struct {
	mu      sync.Mutex
	placed  []string
	changes []order.Status
}

func (n *recordingNotifier) OrderPlaced(_ context.Context, o *order.Order) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.placed = append(n.placed, o.Number)
}

func (n *recordingNotifier) StatusChanged(_ context.Context, o *order.Order, _ order.Status) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.changes = append(n.changes, o.Status.Current)
}

type serviceFixture struct {
	svc      order.Service
	repo     *ordertest.Repository
	carts    *fakeCarts
	catalog  *MockCatalog
	notifier *recordingNotifier
	lamp     *catalog.Product
}

func newServiceFixture(t *testing.T) *serviceFixture {
	t.Helper()

	policy, err := cart.NewPolicy(config.PricingConfig{
		TaxRatePercent:        "18",
		DefaultShippingMethod: "standard",
		FreeShippingThreshold: "2000",
		ShippingMethods:       map[string]string{"standard": "50", "express": "120"},
		Coupons: map[string]config.CouponConfig{
			"FLAT100": {Type: "fixed", Value: "100"},
		},
	})
	require.NoError(t, err)

	f := &serviceFixture{
		repo:     ordertest.NewRepository(),
		catalog:  new(MockCatalog),
		notifier: &recordingNotifier{},
		lamp: &catalog.Product{
			ID:            uuid.Must(uuid.NewV4()),
			Name:          "Desk lamp",
			Price:         dec("500"),
			Status:        catalog.ProductActive,
			StockQuantity: 10,
		},
	}
	f.catalog.On("FindProduct", mock.Anything, f.lamp.ID).Return(f.lamp, nil)

	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	c := cart.New(uuid.Must(uuid.NewV4()), policy.TaxRatePercent, now)
	// The cart remembers a stale price; checkout must not use it.
	c, err = c.AddItem(f.lamp.ID, "Desk lamp", 2, dec("450"), nil, now)
	require.NoError(t, err)
	c, err = c.ApplyDiscount(money.Discount{Code: "FLAT100", Type: money.DiscountFixed, Value: dec("100")}, now)
	require.NoError(t, err)
	f.carts = &fakeCarts{cart: c}

	f.svc = order.NewService(f.repo, order.NewStore(f.repo), f.carts, f.catalog, policy, f.notifier)
	return f
}

func (f *serviceFixture) input(method order.PaymentMethod) order.CheckoutInput {
	return order.CheckoutInput{
		UserID:        f.carts.cart.UserID,
		PaymentMethod: method,
		Address:       order.Address{Name: "Asha", Line1: "1 MG Road", City: "Pune", Pincode: "411001", Country: "IN"},
	}
}

func (f *serviceFixture) stockLines() []catalog.StockLine {
	return []catalog.StockLine{{ProductID: f.lamp.ID, Quantity: 2}}
}

func TestService_Checkout_Online(t *testing.T) {
	f := newServiceFixture(t)
	f.catalog.On("Reserve", mock.Anything, f.stockLines()).Return(nil).Once()

	o, err := f.svc.Checkout(context.Background(), f.input(order.PaymentOnline))
	require.NoError(t, err)

	assert.Regexp(t, `^ORD-\d+-[0-9A-F]{6}$`, o.Number)
	assert.Equal(t, o.Number, o.Payment.MerchantTransactionID)
	assert.Equal(t, order.StatusPending, o.Status.Current)
	require.Len(t, o.Status.History, 1)
	assert.Equal(t, order.PaymentPending, o.Payment.Status)
	assert.Equal(t, order.StockReserved, o.Stock)

	assert.True(t, dec("500").Equal(o.Items[0].UnitPrice), "price comes from the catalog")
	assert.True(t, dec("1112").Equal(o.Totals.Total))
	assert.Equal(t, "standard", o.Shipping.Method)
	require.NoError(t, o.VerifyTotals())

	assert.False(t, f.carts.cleared, "online orders keep the cart until payment succeeds")
	assert.Empty(t, f.notifier.placed)
	f.catalog.AssertExpectations(t)
}

func TestService_Checkout_CODClearsCartAndNotifies(t *testing.T) {
	f := newServiceFixture(t)
	f.catalog.On("Reserve", mock.Anything, f.stockLines()).Return(nil).Once()

	o, err := f.svc.Checkout(context.Background(), f.input(order.PaymentCOD))
	require.NoError(t, err)

	assert.Equal(t, order.PaymentCOD, o.Payment.Method)
	assert.True(t, f.carts.cleared)
	assert.Equal(t, []string{o.Number}, f.notifier.placed)
}

func TestService_Checkout_ReservationFailureStoresNothing(t *testing.T) {
	f := newServiceFixture(t)
	f.catalog.On("Reserve", mock.Anything, f.stockLines()).Return(catalog.ErrInsufficientStock).Once()

	_, err := f.svc.Checkout(context.Background(), f.input(order.PaymentOnline))
	assert.ErrorIs(t, err, catalog.ErrInsufficientStock)
	assert.Zero(t, f.repo.Creates)
	assert.False(t, f.carts.cleared)
}

func TestService_Checkout_IdempotencyKeyReplays(t *testing.T) {
	f := newServiceFixture(t)
	f.catalog.On("Reserve", mock.Anything, f.stockLines()).Return(nil).Once()

	in := f.input(order.PaymentOnline)
	in.IdempotencyKey = "checkout-1"

	first, err := f.svc.Checkout(context.Background(), in)
	require.NoError(t, err)
	second, err := f.svc.Checkout(context.Background(), in)
	require.NoError(t, err)

	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, 1, f.repo.Creates)
	f.catalog.AssertNumberOfCalls(t, "Reserve", 1)
}

func TestService_Checkout_Validation(t *testing.T) {
	f := newServiceFixture(t)

	_, err := f.svc.Checkout(context.Background(), f.input(order.PaymentMethod("barter")))
	assert.ErrorIs(t, err, order.ErrInvalidPaymentMethod)

	f.carts.cart.Items = nil
	_, err = f.svc.Checkout(context.Background(), f.input(order.PaymentOnline))
	assert.ErrorIs(t, err, cart.ErrEmptyCart)
}

func TestService_Checkout_DropsRetiredCoupon(t *testing.T) {
	f := newServiceFixture(t)
	f.catalog.On("Reserve", mock.Anything, f.stockLines()).Return(nil).Once()
	f.carts.cart.Discount.Code = "SUMMER"

	o, err := f.svc.Checkout(context.Background(), f.input(order.PaymentOnline))
	require.NoError(t, err)
	assert.Nil(t, o.Discount)
	// 1000 + 180 tax + 50 shipping
	assert.True(t, dec("1230").Equal(o.Totals.Total))
}

func TestService_Cancel(t *testing.T) {
	tests := []struct {
		name        string
		status      order.Status
		payment     order.PaymentStatus
		stock       order.StockState
		wantErr     error
		wantRelease bool
		wantRestock bool
	}{
		{name: "pending_releases_reservation", status: order.StatusPending, payment: order.PaymentInitiated, stock: order.StockReserved, wantRelease: true},
		{name: "confirmed_unpaid_releases_reservation", status: order.StatusConfirmed, payment: order.PaymentInitiated, stock: order.StockReserved, wantRelease: true},
		{name: "paid_restocks", status: order.StatusConfirmed, payment: order.PaymentCompleted, stock: order.StockCommitted, wantRestock: true},
		{name: "stock_state_wins_over_payment", status: order.StatusProcessing, payment: order.PaymentCompleted, stock: order.StockReserved, wantRelease: true},
		{name: "already_cancelled", status: order.StatusCancelled, stock: order.StockReleased, wantErr: order.ErrAlreadyCancelled},
		{name: "delivered", status: order.StatusDelivered, stock: order.StockCommitted, wantErr: order.ErrCannotCancelDelivered},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newServiceFixture(t)
			o := placedOrder(t, tt.status, order.PaymentOnline)
			o.Payment.Status = tt.payment
			o.Stock = tt.stock
			f.repo.Put(o)

			if tt.wantRelease {
				f.catalog.On("Release", mock.Anything, o.StockLines()).Return(nil).Once()
			}
			if tt.wantRestock {
				f.catalog.On("Restock", mock.Anything, o.StockLines()).Return(nil).Once()
			}

			got, err := f.svc.Cancel(context.Background(), o.ID, "customer request", order.ActorCustomer)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				assert.Zero(t, f.repo.Updates)
				assert.Empty(t, f.notifier.changes)
				return
			}

			require.NoError(t, err)
			assert.Equal(t, order.StatusCancelled, got.Status.Current)
			assert.Equal(t, order.StockReleased, got.Stock)
			assert.Len(t, got.Status.History, 2)
			assert.Equal(t, []order.Status{order.StatusCancelled}, f.notifier.changes)
			f.catalog.AssertExpectations(t)
		})
	}
}

func TestService_UpdateStatus(t *testing.T) {
	f := newServiceFixture(t)
	o := placedOrder(t, order.StatusConfirmed, order.PaymentOnline)
	f.repo.Put(o)

	got, err := f.svc.UpdateStatus(context.Background(), o.ID, order.StatusProcessing, "packing", order.ActorAdmin)
	require.NoError(t, err)
	assert.Equal(t, order.StatusProcessing, got.Status.Current)

	_, err = f.svc.UpdateStatus(context.Background(), o.ID, order.StatusProcessing, "", order.ActorAdmin)
	assert.ErrorIs(t, err, order.ErrStatusAlreadySet)

	_, err = f.svc.UpdateStatus(context.Background(), o.ID, order.StatusPending, "", order.ActorAdmin)
	assert.ErrorIs(t, err, order.ErrInvalidStatusTransition)

	_, err = f.svc.UpdateStatus(context.Background(), o.ID, order.Status("lost"), "", order.ActorAdmin)
	assert.ErrorIs(t, err, order.ErrUnknownStatus)

	_, err = f.svc.UpdateStatus(context.Background(), uuid.Must(uuid.NewV4()), order.StatusShipped, "", order.ActorAdmin)
	assert.ErrorIs(t, err, order.ErrOrderNotFound)

	assert.Equal(t, []order.Status{order.StatusProcessing}, f.notifier.changes)
}

func TestService_UpdateStatus_CODDeliveryCompletesPayment(t *testing.T) {
	f := newServiceFixture(t)
	o := placedOrder(t, order.StatusShipped, order.PaymentCOD)
	f.repo.Put(o)
	f.catalog.On("Commit", mock.Anything, o.StockLines()).Return(nil).Once()

	got, err := f.svc.UpdateStatus(context.Background(), o.ID, order.StatusDelivered, "handed over", order.ActorSystem)
	require.NoError(t, err)

	assert.Equal(t, order.PaymentCompleted, got.Payment.Status)
	require.NotNil(t, got.Payment.GatewayAmount)
	assert.True(t, o.Totals.Total.Equal(*got.Payment.GatewayAmount))
	assert.NotNil(t, got.ActualDelivery)
	assert.Equal(t, order.StockCommitted, got.Stock)
	f.catalog.AssertExpectations(t)
}

func TestService_UpdateStatus_ReturnedRestoresInventory(t *testing.T) {
	f := newServiceFixture(t)
	o := placedOrder(t, order.StatusShipped, order.PaymentOnline)
	o.Payment.Status = order.PaymentCompleted
	o.Stock = order.StockCommitted
	f.repo.Put(o)
	f.catalog.On("Restock", mock.Anything, o.StockLines()).Return(nil).Once()

	got, err := f.svc.UpdateStatus(context.Background(), o.ID, order.StatusReturned, "damaged", order.ActorAdmin)
	require.NoError(t, err)
	assert.Equal(t, order.StatusReturned, got.Status.Current)
	assert.Equal(t, order.StockReleased, got.Stock)
	f.catalog.AssertExpectations(t)
}

func TestService_UpdateStatus_CancelledDelegatesToCancel(t *testing.T) {
	f := newServiceFixture(t)
	o := placedOrder(t, order.StatusProcessing, order.PaymentOnline)
	f.repo.Put(o)
	f.catalog.On("Release", mock.Anything, o.StockLines()).Return(nil).Once()

	got, err := f.svc.UpdateStatus(context.Background(), o.ID, order.StatusCancelled, "out of stock", order.ActorAdmin)
	require.NoError(t, err)
	assert.Equal(t, order.StatusCancelled, got.Status.Current)
	f.catalog.AssertExpectations(t)
}

func TestService_GetAndList(t *testing.T) {
	f := newServiceFixture(t)
	older := placedOrder(t, order.StatusPending, order.PaymentOnline)
	newer := placedOrder(t, order.StatusPending, order.PaymentOnline)
	newer.UserID = older.UserID
	newer.Number = "ORD-2"
	newer.CreatedAt = older.CreatedAt.Add(time.Minute)
	f.repo.Put(older)
	f.repo.Put(newer)

	got, err := f.svc.GetOrder(context.Background(), older.ID)
	require.NoError(t, err)
	assert.Equal(t, older.Number, got.Number)

	list, err := f.svc.ListOrders(context.Background(), older.UserID)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, newer.ID, list[0].ID)

	_, err = f.svc.GetOrder(context.Background(), uuid.Must(uuid.NewV4()))
	assert.ErrorIs(t, err, order.ErrOrderNotFound)
}
