package order

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/gofrs/uuid"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
	"github.com/vasiliy-maslov/ecommerce-orders/internal/apperr"
	"github.com/vasiliy-maslov/ecommerce-orders/internal/cart"
	"github.com/vasiliy-maslov/ecommerce-orders/internal/catalog"
	"github.com/vasiliy-maslov/ecommerce-orders/internal/money"
)

const (
	ActorCustomer = "customer"
	ActorSystem   = "system"
	ActorAdmin    = "admin"
)

const maxNumberAttempts = 3

var ErrInvalidPaymentMethod = fmt.Errorf("%w: unknown payment method", apperr.ErrValidation)

// Carts is the part of the cart service checkout needs.
type Carts interface {
	Checkout(ctx context.Context, userID uuid.UUID, place cart.PlaceFunc) error
}

// Notifier receives committed order events. Implementations log their own
// failures.
type Notifier interface {
	OrderPlaced(ctx context.Context, o *Order)
	StatusChanged(ctx context.Context, o *Order, from Status)
}

type CheckoutInput struct {
	UserID         uuid.UUID
	PaymentMethod  PaymentMethod
	ShippingMethod string
	Address        Address
	IdempotencyKey string
}

type Service interface {
	Checkout(ctx context.Context, in CheckoutInput) (*Order, error)
	GetOrder(ctx context.Context, id uuid.UUID) (*Order, error)
	ListOrders(ctx context.Context, userID uuid.UUID) ([]Order, error)
	UpdateStatus(ctx context.Context, id uuid.UUID, to Status, note, actor string) (*Order, error)
	Cancel(ctx context.Context, id uuid.UUID, reason, actor string) (*Order, error)
}

type service struct {
	repo     Repository
	store    *Store
	carts    Carts
	catalog  catalog.Service
	policy   cart.Policy
	notifier Notifier
	now      func() time.Time
}

func NewService(repo Repository, store *Store, carts Carts, catalogService catalog.Service, policy cart.Policy, notifier Notifier) Service {
	return &service{
		repo:     repo,
		store:    store,
		carts:    carts,
		catalog:  catalogService,
		policy:   policy,
		notifier: notifier,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// Checkout turns the user's cart into a pending order. Prices come from the
// catalog, the coupon and the shipping cost from the current policy; nothing
// computed by the cart is trusted. Stock is reserved before the order is
// stored and released again if storing fails.
func (s *service) Checkout(ctx context.Context, in CheckoutInput) (*Order, error) {
	if in.PaymentMethod == "" {
		in.PaymentMethod = PaymentOnline
	}
	if !in.PaymentMethod.Valid() {
		return nil, ErrInvalidPaymentMethod
	}

	if in.IdempotencyKey != "" {
		existing, err := s.repo.GetByIdempotencyKey(ctx, in.UserID, in.IdempotencyKey)
		if err == nil {
			log.Info().Stringer("order_id", existing.ID).Str("idempotency_key", in.IdempotencyKey).Msg("service: checkout replayed")
			return existing, nil
		}
		if !errors.Is(err, ErrOrderNotFound) {
			log.Error().Err(err).Stringer("user_id", in.UserID).Msg("service: failed to look up idempotency key")
			return nil, fmt.Errorf("service: failed to look up idempotency key: %w", err)
		}
	}

	var (
		placed  *Order
		created bool
	)
	err := s.carts.Checkout(ctx, in.UserID, func(ctx context.Context, c cart.Cart) (bool, error) {
		o, err := s.buildOrder(ctx, in, c)
		if err != nil {
			return false, err
		}

		if err := s.catalog.Reserve(ctx, o.StockLines()); err != nil {
			return false, err
		}

		if err := s.create(ctx, o); err != nil {
			if relErr := s.catalog.Release(context.WithoutCancel(ctx), o.StockLines()); relErr != nil {
				log.Error().Err(relErr).Str("order_number", o.Number).Msg("service: failed to release stock for unsaved order")
			}

			if errors.Is(err, ErrDuplicateIdempotencyKey) {
				existing, getErr := s.repo.GetByIdempotencyKey(ctx, in.UserID, in.IdempotencyKey)
				if getErr != nil {
					return false, fmt.Errorf("service: failed to load replayed order: %w", getErr)
				}
				placed = existing
				return false, nil
			}
			return false, err
		}

		placed, created = o, true
		return o.Payment.Method == PaymentCOD, nil
	})
	if err != nil {
		return nil, err
	}

	if created {
		log.Info().Stringer("order_id", placed.ID).Str("order_number", placed.Number).Stringer("user_id", placed.UserID).Msg("service: order placed")
		if placed.Payment.Method == PaymentCOD {
			s.notifier.OrderPlaced(ctx, placed)
		}
	}

	return placed, nil
}

func (s *service) buildOrder(ctx context.Context, in CheckoutInput, c cart.Cart) (*Order, error) {
	items := make([]Item, 0, len(c.Items))
	subtotal := decimal.Zero
	for _, ci := range c.Items {
		product, err := s.catalog.FindProduct(ctx, ci.ProductID)
		if err != nil {
			return nil, err
		}
		if product.Status != catalog.ProductActive {
			return nil, fmt.Errorf("%w: %s", catalog.ErrProductUnavailable, product.Name)
		}

		item := Item{
			ProductID: ci.ProductID,
			Name:      product.Name,
			Quantity:  ci.Quantity,
			UnitPrice: product.Price,
			Total:     product.Price.Mul(decimal.NewFromInt(int64(ci.Quantity))),
		}
		if ci.Variant != nil {
			v := *ci.Variant
			item.Variant = &v
		}
		items = append(items, item)
		subtotal = subtotal.Add(item.Total)
	}

	var discount *money.Discount
	if c.Discount != nil {
		d, err := s.policy.ResolveCoupon(c.Discount.Code)
		if err != nil {
			log.Info().Stringer("user_id", c.UserID).Str("coupon", c.Discount.Code).Msg("service: coupon no longer valid, dropped at checkout")
		} else {
			discount = &d
		}
	}

	shippingMethod := in.ShippingMethod
	if shippingMethod == "" {
		shippingMethod = c.Shipping.Method
	}
	shippingMethod, shippingCost, err := s.policy.ShippingCost(shippingMethod, subtotal)
	if err != nil {
		return nil, err
	}

	o := &Order{
		UserID:         c.UserID,
		Items:          items,
		Discount:       discount,
		TaxRatePercent: s.policy.TaxRatePercent,
		Shipping: Shipping{
			Method:  shippingMethod,
			Cost:    shippingCost,
			Address: in.Address,
		},
		IdempotencyKey: in.IdempotencyKey,
	}

	if o.Totals, err = money.ComputeTotals(o.Lines(), discount, o.TaxRatePercent, shippingCost); err != nil {
		log.Error().Err(err).Stringer("user_id", c.UserID).Msg("service: order totals rejected")
		return nil, err
	}

	id, err := uuid.NewV4()
	if err != nil {
		return nil, fmt.Errorf("service: failed to generate order ID: %w", err)
	}
	now := s.now()
	o.ID = id
	o.Version = 1
	o.CreatedAt = now
	o.UpdatedAt = now
	o.Status = StatusInfo{Current: StatusPending}
	o.Status.History = []StatusEntry{{State: StatusPending, At: now, Note: "order placed", Actor: ActorCustomer}}
	o.Payment = Payment{Method: in.PaymentMethod, Status: PaymentPending}
	o.Stock = StockReserved

	return o, nil
}

// create assigns the order number and inserts the order, drawing a new
// number when the unique constraint reports a collision.
func (s *service) create(ctx context.Context, o *Order) error {
	for attempt := 1; ; attempt++ {
		number, err := NewNumber(o.CreatedAt)
		if err != nil {
			return err
		}
		o.Number = number
		o.Payment.MerchantTransactionID = number

		err = s.repo.Create(ctx, o)
		if err == nil {
			return nil
		}
		if !errors.Is(err, ErrDuplicateNumber) || attempt == maxNumberAttempts {
			if !errors.Is(err, ErrDuplicateIdempotencyKey) {
				log.Error().Err(err).Stringer("user_id", o.UserID).Msg("service: failed to create order in repository")
			}
			return fmt.Errorf("service: failed to create order: %w", err)
		}
		log.Warn().Str("order_number", number).Msg("service: order number collision, retrying")
	}
}

func (s *service) GetOrder(ctx context.Context, id uuid.UUID) (*Order, error) {
	o, err := s.repo.GetByID(ctx, id)
	if err != nil {
		if errors.Is(err, ErrOrderNotFound) {
			log.Warn().Stringer("order_id", id).Msg("service: order not found by id")
			return nil, ErrOrderNotFound
		}
		log.Error().Err(err).Stringer("order_id", id).Msg("service: failed to fetch order by id in repository")
		return nil, fmt.Errorf("service: failed to fetch order by id: %w", err)
	}

	return o, nil
}

func (s *service) ListOrders(ctx context.Context, userID uuid.UUID) ([]Order, error) {
	orders, err := s.repo.ListByUser(ctx, userID)
	if err != nil {
		log.Error().Err(err).Stringer("user_id", userID).Msg("service: failed to fetch user orders in repository")
		return nil, fmt.Errorf("service: failed to fetch user orders: %w", err)
	}

	return orders, nil
}

func (s *service) UpdateStatus(ctx context.Context, id uuid.UUID, to Status, note, actor string) (*Order, error) {
	if _, err := ParseStatus(string(to)); err != nil {
		return nil, err
	}
	if to == StatusCancelled {
		return s.Cancel(ctx, id, note, actor)
	}

	var (
		from      Status
		heldStock StockState
		commit    bool
	)
	o, err := s.store.Update(ctx, id, func(o *Order, now time.Time) error {
		if err := CheckTransition(o.Status.Current, to); err != nil {
			return err
		}
		from = o.Status.Current
		heldStock, commit = "", false

		Transition(o, to, note, actor, now)

		switch {
		case to == StatusReturned:
			heldStock = o.ReleaseStock()
		case to == StatusDelivered && o.Payment.Method == PaymentCOD && o.Payment.Status != PaymentCompleted:
			total := o.Totals.Total
			paidAt := now
			o.Payment.Status = PaymentCompleted
			o.Payment.GatewayAmount = &total
			o.Payment.PaidAt = &paidAt
			commit = o.CommitStock()
		}
		return nil
	})
	if err != nil {
		if IsGuardError(err) {
			log.Warn().Err(err).Stringer("order_id", id).Stringer("new_status", to).Msg("service: status transition rejected")
			return nil, err
		}
		return nil, s.wrapUpdateError(err, id, "update order status")
	}

	log.Info().Stringer("order_id", id).Stringer("from", from).Stringer("to", to).Str("actor", actor).Msg("service: order status updated")

	switch {
	case to == StatusReturned:
		s.restoreInventory(ctx, o, heldStock)
	case commit:
		if err := s.catalog.Commit(context.WithoutCancel(ctx), o.StockLines()); err != nil {
			log.Error().Err(err).Stringer("order_id", id).Msg("service: failed to commit stock for delivered COD order")
		}
	}
	s.notifier.StatusChanged(ctx, o, from)

	return o, nil
}

func (s *service) Cancel(ctx context.Context, id uuid.UUID, reason, actor string) (*Order, error) {
	var (
		from      Status
		heldStock StockState
	)
	o, err := s.store.Update(ctx, id, func(o *Order, now time.Time) error {
		if err := CheckCancel(o); err != nil {
			return err
		}
		from = o.Status.Current

		Transition(o, StatusCancelled, reason, actor, now)
		heldStock = o.ReleaseStock()
		return nil
	})
	if err != nil {
		if IsGuardError(err) {
			log.Warn().Err(err).Stringer("order_id", id).Msg("service: cancellation rejected")
			return nil, err
		}
		return nil, s.wrapUpdateError(err, id, "cancel order")
	}

	log.Info().Stringer("order_id", id).Stringer("from", from).Str("actor", actor).Msg("service: order cancelled")

	s.restoreInventory(ctx, o, heldStock)
	s.notifier.StatusChanged(ctx, o, from)

	return o, nil
}

// restoreInventory gives back what the order held before it was released: a
// reservation is released, stock already taken off the shelf is added back.
func (s *service) restoreInventory(ctx context.Context, o *Order, held StockState) {
	ctx = context.WithoutCancel(ctx)

	var err error
	switch held {
	case StockCommitted:
		err = s.catalog.Restock(ctx, o.StockLines())
	case StockReserved:
		err = s.catalog.Release(ctx, o.StockLines())
	default:
		log.Debug().Stringer("order_id", o.ID).Stringer("stock_state", held).Msg("service: no stock held by order")
		return
	}
	if err != nil {
		log.Error().Err(err).Stringer("order_id", o.ID).Stringer("stock_state", held).Msg("service: failed to restore inventory")
	}
}

func (s *service) wrapUpdateError(err error, id uuid.UUID, action string) error {
	if errors.Is(err, ErrOrderNotFound) {
		return ErrOrderNotFound
	}
	log.Error().Err(err).Stringer("order_id", id).Msgf("service: failed to %s", action)
	return fmt.Errorf("service: failed to %s: %w", action, err)
}
