package shipping

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/gofrs/uuid"
	"github.com/moby/locker"
	"github.com/rs/zerolog/log"
	"github.com/vasiliy-maslov/ecommerce-orders/internal/apperr"
	"github.com/vasiliy-maslov/ecommerce-orders/internal/config"
	"github.com/vasiliy-maslov/ecommerce-orders/internal/order"
	"golang.org/x/sync/errgroup"
)

const (
	carrierName   = "delhivery"
	maxBulkOrders = 100
)

var (
	ErrNotShippable     = fmt.Errorf("%w: order is not ready to ship", apperr.ErrConflict)
	ErrAlreadyShipped   = fmt.Errorf("%w: order already has a shipment", apperr.ErrConflict)
	ErrNoTracking       = fmt.Errorf("%w: order has no shipment", apperr.ErrNotFound)
	ErrShipmentNotFound = fmt.Errorf("%w: shipment not found", apperr.ErrNotFound)
	ErrInvalidPincode   = fmt.Errorf("%w: pincode must be six digits", apperr.ErrValidation)
	ErrTooManyOrders    = fmt.Errorf("%w: too many orders in one bulk request", apperr.ErrValidation)
)

var pincodePattern = regexp.MustCompile(`^[1-9][0-9]{5}$`)

// Carrier is the courier API the service books shipments with.
type Carrier interface {
	CreateShipment(ctx context.Context, in ShipmentRequest) (*Shipment, error)
	Track(ctx context.Context, waybill string) (*TrackingInfo, error)
	CheckServiceability(ctx context.Context, pincode string) (*Serviceability, error)
}

type Notifier interface {
	StatusChanged(ctx context.Context, o *order.Order, from order.Status)
}

// Result is the outcome for one order of a bulk request.
type Result struct {
	OrderID uuid.UUID    `json:"order_id"`
	Order   *order.Order `json:"order,omitempty"`
	Err     error        `json:"-"`
}

type Service interface {
	CreateShipment(ctx context.Context, orderID uuid.UUID) (*order.Order, error)
	// CreateShipments books orders in batches and reports every order's
	// outcome in input order. One failure does not stop the others.
	CreateShipments(ctx context.Context, orderIDs []uuid.UUID) ([]Result, error)
	Track(ctx context.Context, orderID uuid.UUID) (*TrackingInfo, error)
	CheckServiceability(ctx context.Context, pincode string) (*Serviceability, error)
}

type service struct {
	carrier  Carrier
	store    *order.Store
	notifier Notifier
	cfg      config.ShippingConfig
	locks    *locker.Locker
	sleep    func(ctx context.Context, d time.Duration) error
}

func NewService(carrier Carrier, store *order.Store, notifier Notifier, cfg config.ShippingConfig) Service {
	return &service{
		carrier:  carrier,
		store:    store,
		notifier: notifier,
		cfg:      cfg,
		locks:    locker.New(),
		sleep:    sleepContext,
	}
}

func shippable(o *order.Order) error {
	if o.Shipping.Tracking != nil {
		return ErrAlreadyShipped
	}
	if o.Status.Current != order.StatusConfirmed && o.Status.Current != order.StatusProcessing {
		return fmt.Errorf("%w: status is %s", ErrNotShippable, o.Status.Current)
	}
	// Online orders go out only once paid; COD is collected on delivery.
	if o.Payment.Method != order.PaymentCOD && o.Payment.Status != order.PaymentCompleted {
		return fmt.Errorf("%w: payment is %s", ErrNotShippable, o.Payment.Status)
	}
	return nil
}

// CreateShipment books the order with the courier and, once the courier has
// issued a waybill, records the tracking details and moves the order to
// shipped. The per-order lock keeps two requests from booking twice.
func (s *service) CreateShipment(ctx context.Context, orderID uuid.UUID) (*order.Order, error) {
	key := orderID.String()
	s.locks.Lock(key)
	defer func() {
		if err := s.locks.Unlock(key); err != nil {
			log.Error().Err(err).Stringer("order_id", orderID).Msg("service: failed to release shipment lock")
		}
	}()

	o, err := s.store.Get(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if err := shippable(o); err != nil {
		log.Warn().Err(err).Stringer("order_id", orderID).Msg("service: shipment rejected")
		return nil, err
	}

	shipment, err := s.carrier.CreateShipment(ctx, shipmentRequest(o))
	if err != nil {
		log.Error().Err(err).Stringer("order_id", orderID).Str("order_number", o.Number).Msg("service: failed to book shipment")
		return nil, err
	}

	var from order.Status
	updated, err := s.store.Update(ctx, orderID, func(o *order.Order, now time.Time) error {
		if err := shippable(o); err != nil {
			return err
		}
		from = o.Status.Current
		o.Shipping.Tracking = &order.Tracking{
			Carrier:           carrierName,
			Waybill:           shipment.Waybill,
			URL:               fmt.Sprintf(s.cfg.TrackingURL, shipment.Waybill),
			CreatedAt:         now,
			EstimatedDelivery: now.AddDate(0, 0, s.cfg.DefaultETADays),
		}
		order.Transition(o, order.StatusShipped, "shipment created", order.ActorSystem, now)
		return nil
	})
	if err != nil {
		// The courier already issued the waybill; it has to be cancelled by hand.
		log.Error().Err(err).Stringer("order_id", orderID).Str("waybill", shipment.Waybill).Msg("service: failed to record shipment")
		if errors.Is(err, ErrNotShippable) || errors.Is(err, ErrAlreadyShipped) {
			return nil, err
		}
		return nil, fmt.Errorf("service: failed to record shipment: %w", err)
	}

	log.Info().Stringer("order_id", orderID).Str("waybill", shipment.Waybill).Msg("service: shipment created")
	s.notifier.StatusChanged(context.WithoutCancel(ctx), updated, from)

	return updated, nil
}

func (s *service) CreateShipments(ctx context.Context, orderIDs []uuid.UUID) ([]Result, error) {
	if len(orderIDs) > maxBulkOrders {
		return nil, ErrTooManyOrders
	}

	batchSize := s.cfg.BatchSize
	if batchSize < 1 {
		batchSize = 1
	}

	results := make([]Result, len(orderIDs))
	for start := 0; start < len(orderIDs); start += batchSize {
		if start > 0 {
			if err := s.sleep(ctx, s.cfg.BatchDelay); err != nil {
				return nil, err
			}
		}

		end := min(start+batchSize, len(orderIDs))
		var g errgroup.Group
		for i := start; i < end; i++ {
			i := i
			g.Go(func() error {
				o, err := s.CreateShipment(ctx, orderIDs[i])
				results[i] = Result{OrderID: orderIDs[i], Order: o, Err: err}
				return nil
			})
		}
		_ = g.Wait()
	}

	failed := 0
	for _, r := range results {
		if r.Err != nil {
			failed++
		}
	}
	log.Info().Int("orders", len(orderIDs)).Int("failed", failed).Msg("service: bulk shipment finished")

	return results, nil
}

func (s *service) Track(ctx context.Context, orderID uuid.UUID) (*TrackingInfo, error) {
	o, err := s.store.Get(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if o.Shipping.Tracking == nil {
		return nil, ErrNoTracking
	}

	info, err := s.carrier.Track(ctx, o.Shipping.Tracking.Waybill)
	if err != nil {
		log.Warn().Err(err).Stringer("order_id", orderID).Str("waybill", o.Shipping.Tracking.Waybill).Msg("service: tracking lookup failed")
		return nil, err
	}
	return info, nil
}

func (s *service) CheckServiceability(ctx context.Context, pincode string) (*Serviceability, error) {
	pincode = strings.TrimSpace(pincode)
	if !pincodePattern.MatchString(pincode) {
		return nil, ErrInvalidPincode
	}
	return s.carrier.CheckServiceability(ctx, pincode)
}

func shipmentRequest(o *order.Order) ShipmentRequest {
	addr := o.Shipping.Address
	line := addr.Line1
	if addr.Line2 != "" {
		line += ", " + addr.Line2
	}

	names := make([]string, 0, len(o.Items))
	quantity := 0
	for _, item := range o.Items {
		names = append(names, item.Name)
		quantity += item.Quantity
	}

	return ShipmentRequest{
		OrderNumber:  o.Number,
		Name:         addr.Name,
		Address:      line,
		City:         addr.City,
		State:        addr.State,
		Pincode:      addr.Pincode,
		Country:      addr.Country,
		Phone:        addr.Phone,
		COD:          o.Payment.Method == order.PaymentCOD && o.Payment.Status != order.PaymentCompleted,
		Total:        o.Totals.Total,
		ProductsDesc: strings.Join(names, ", "),
		Quantity:     quantity,
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
