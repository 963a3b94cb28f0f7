// Package payment reconciles the provider's view of a payment with the
// order: initiation, callbacks, status checks and refunds.
package payment

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/gofrs/uuid"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
	"github.com/vasiliy-maslov/ecommerce-orders/internal/apperr"
	"github.com/vasiliy-maslov/ecommerce-orders/internal/cart"
	"github.com/vasiliy-maslov/ecommerce-orders/internal/catalog"
	"github.com/vasiliy-maslov/ecommerce-orders/internal/gateway"
	"github.com/vasiliy-maslov/ecommerce-orders/internal/metrics"
	"github.com/vasiliy-maslov/ecommerce-orders/internal/order"
)

var (
	ErrNotOnlinePayment     = fmt.Errorf("%w: order is not paid online", apperr.ErrValidation)
	ErrOrderNotPayable      = fmt.Errorf("%w: order is not awaiting payment", apperr.ErrConflict)
	ErrRefundNotAllowed     = fmt.Errorf("%w: order has no completed payment to refund", apperr.ErrConflict)
	ErrInvalidRefundAmount  = fmt.Errorf("%w: refund amount must be positive", apperr.ErrValidation)
	ErrRefundExceedsPayment = fmt.Errorf("%w: refund amount exceeds the refundable balance", apperr.ErrValidation)
	ErrRefundPrecision      = fmt.Errorf("%w: refund amount has more than two decimal places", apperr.ErrValidation)
)

type Gateway interface {
	Initiate(ctx context.Context, in gateway.InitiateRequest) (*gateway.InitiateResponse, error)
	VerifyStatus(ctx context.Context, merchantTransactionID string) (*gateway.Result, error)
	Refund(ctx context.Context, in gateway.RefundRequest) (*gateway.RefundResult, error)
	DecodeCallback(body []byte, xVerify string) (*gateway.Result, error)
}

type Inventory interface {
	Commit(ctx context.Context, lines []catalog.StockLine) error
	Release(ctx context.Context, lines []catalog.StockLine) error
}

type Carts interface {
	ClearAll(ctx context.Context, userID uuid.UUID) (*cart.Cart, error)
}

// Notifier receives payment events. Implementations log their own failures.
type Notifier interface {
	PaymentSucceeded(ctx context.Context, o *order.Order)
	PaymentFailed(ctx context.Context, o *order.Order)
	StatusChanged(ctx context.Context, o *order.Order, from order.Status)
}

type Recorder interface {
	WebhookOutcome(outcome string)
}

type Initiation struct {
	OrderID               uuid.UUID `json:"order_id"`
	MerchantTransactionID string    `json:"merchant_transaction_id"`
	PaymentURL            string    `json:"payment_url"`
}

type Service interface {
	InitiatePayment(ctx context.Context, orderID uuid.UUID, mobileNumber string) (*Initiation, error)
	// HandleWebhook authenticates a provider callback and applies it once.
	// Repeated deliveries of an already applied state return nil.
	HandleWebhook(ctx context.Context, body []byte, xVerify string) error
	ReconcileStatus(ctx context.Context, orderID uuid.UUID) (*order.Order, error)
	Refund(ctx context.Context, orderID uuid.UUID, amount decimal.Decimal, reason string) (*order.Refund, error)
}

type service struct {
	gateway   Gateway
	orders    order.Repository
	store     *order.Store
	inventory Inventory
	carts     Carts
	notifier  Notifier
	recorder  Recorder
}

func NewService(gw Gateway, orders order.Repository, store *order.Store, inventory Inventory, carts Carts, notifier Notifier, recorder Recorder) Service {
	return &service{
		gateway:   gw,
		orders:    orders,
		store:     store,
		inventory: inventory,
		carts:     carts,
		notifier:  notifier,
		recorder:  recorder,
	}
}

func (s *service) InitiatePayment(ctx context.Context, orderID uuid.UUID, mobileNumber string) (*Initiation, error) {
	o, err := s.store.Get(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if o.Payment.Method != order.PaymentOnline {
		return nil, ErrNotOnlinePayment
	}
	if o.Status.Current != order.StatusPending || o.Payment.Status.IsTerminal() {
		return nil, ErrOrderNotPayable
	}
	if err := o.VerifyTotals(); err != nil {
		log.Error().Err(err).Stringer("order_id", o.ID).Msg("service: refusing to charge order with inconsistent totals")
		return nil, err
	}

	resp, err := s.gateway.Initiate(ctx, gateway.InitiateRequest{
		MerchantTransactionID: o.Payment.MerchantTransactionID,
		MerchantUserID:        merchantUserID(o.UserID),
		Amount:                o.Totals.Total,
		MobileNumber:          mobileNumber,
	})
	if err != nil {
		log.Error().Err(err).Stringer("order_id", o.ID).Str("merchant_transaction_id", o.Payment.MerchantTransactionID).Msg("service: payment initiation failed")
		return nil, err
	}

	_, err = s.store.Update(ctx, orderID, func(o *order.Order, _ time.Time) error {
		if o.Payment.Status != order.PaymentPending {
			return order.ErrNoChange
		}
		o.Payment.Status = order.PaymentInitiated
		return nil
	})
	if err != nil && !errors.Is(err, order.ErrNoChange) {
		return nil, fmt.Errorf("service: failed to mark payment initiated: %w", err)
	}

	log.Info().Stringer("order_id", o.ID).Str("merchant_transaction_id", o.Payment.MerchantTransactionID).Msg("service: payment initiated")

	return &Initiation{
		OrderID:               o.ID,
		MerchantTransactionID: o.Payment.MerchantTransactionID,
		PaymentURL:            resp.PaymentURL,
	}, nil
}

func (s *service) HandleWebhook(ctx context.Context, body []byte, xVerify string) error {
	res, err := s.gateway.DecodeCallback(body, xVerify)
	if err != nil {
		log.Warn().Err(err).Msg("service: payment callback rejected")
		s.record(metrics.WebhookRejected)
		return err
	}

	_, err = s.apply(ctx, res, true)
	return err
}

func (s *service) ReconcileStatus(ctx context.Context, orderID uuid.UUID) (*order.Order, error) {
	o, err := s.store.Get(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if o.Payment.Method != order.PaymentOnline {
		return nil, ErrNotOnlinePayment
	}
	if o.Payment.Status.IsTerminal() {
		return o, nil
	}

	res, err := s.gateway.VerifyStatus(ctx, o.Payment.MerchantTransactionID)
	if err != nil {
		return nil, err
	}

	return s.apply(ctx, res, false)
}

// apply moves the order's payment to the reported terminal state exactly
// once. Side effects run only for the caller whose update committed.
func (s *service) apply(ctx context.Context, res *gateway.Result, fromWebhook bool) (*order.Order, error) {
	outcome := func(name string) {
		if fromWebhook {
			s.record(name)
		}
	}

	current, err := s.orders.GetByNumber(ctx, res.MerchantTransactionID)
	if err != nil {
		if errors.Is(err, order.ErrOrderNotFound) {
			log.Warn().Str("merchant_transaction_id", res.MerchantTransactionID).Msg("service: payment result for unknown order")
			outcome(metrics.WebhookRejected)
			return nil, err
		}
		outcome(metrics.WebhookError)
		return nil, fmt.Errorf("service: failed to load order for payment: %w", err)
	}

	if res.Outcome == gateway.OutcomePending {
		log.Info().Str("merchant_transaction_id", res.MerchantTransactionID).Str("state", res.State).Msg("service: payment still pending")
		outcome(metrics.WebhookPending)
		return current, nil
	}

	target := order.PaymentFailed
	if res.Outcome == gateway.OutcomeCompleted {
		target = order.PaymentCompleted
	}

	var (
		from        order.Status
		conflicting bool
		stock       stockChange
	)
	o, err := s.store.Update(ctx, current.ID, func(o *order.Order, now time.Time) error {
		stock = stockChange{}
		if o.Payment.Method != order.PaymentOnline {
			conflicting = true
			return order.ErrNoChange
		}
		if o.Payment.Status.IsTerminal() {
			conflicting = o.Payment.Status != target
			return order.ErrNoChange
		}

		if target == order.PaymentCompleted {
			if err := o.VerifyTotals(); err != nil {
				return err
			}
			if !res.Amount.Equal(o.Totals.Total) {
				return apperr.Invariantf("paid amount %s does not match order total %s", res.Amount, o.Totals.Total)
			}
		}

		from = o.Status.Current
		amount := res.Amount
		o.Payment.Status = target
		o.Payment.TransactionID = res.TransactionID
		o.Payment.GatewayAmount = &amount
		o.Payment.ResponseCode = res.ResponseCode
		o.Payment.ResponseMessage = res.ResponseMessage

		switch {
		case target == order.PaymentCompleted:
			paidAt := now
			o.Payment.PaidAt = &paidAt
			if o.Status.Current == order.StatusPending {
				order.Transition(o, order.StatusConfirmed, "payment completed", order.ActorSystem, now)
			}
			if o.Status.Current != order.StatusCancelled && o.Status.Current != order.StatusReturned {
				stock.commit = o.CommitStock()
			}
		case o.Status.Current == order.StatusPending:
			order.Transition(o, order.StatusCancelled, "payment failed", order.ActorSystem, now)
			stock.release = o.ReleaseStock() == order.StockReserved
		}
		return nil
	})
	if errors.Is(err, order.ErrNoChange) {
		if conflicting {
			log.Error().Stringer("order_id", o.ID).Str("merchant_transaction_id", res.MerchantTransactionID).
				Stringer("stored", o.Payment.Status).Str("reported", res.State).
				Msg("service: payment result conflicts with recorded terminal state, ignored")
			outcome(metrics.WebhookConflict)
		} else {
			log.Info().Stringer("order_id", o.ID).Str("merchant_transaction_id", res.MerchantTransactionID).Msg("service: duplicate payment result ignored")
			outcome(metrics.WebhookDuplicate)
		}
		return o, nil
	}
	if err != nil {
		if errors.Is(err, apperr.ErrInvariantViolation) {
			log.Error().Err(err).Stringer("order_id", current.ID).Str("merchant_transaction_id", res.MerchantTransactionID).Msg("service: payment result rejected")
			outcome(metrics.WebhookRejected)
			return nil, err
		}
		outcome(metrics.WebhookError)
		return nil, fmt.Errorf("service: failed to record payment: %w", err)
	}

	log.Info().Stringer("order_id", o.ID).Str("merchant_transaction_id", res.MerchantTransactionID).
		Stringer("payment_status", o.Payment.Status).Stringer("status", o.Status.Current).Msg("service: payment recorded")
	outcome(metrics.WebhookProcessed)

	s.dispatch(ctx, o, from, stock)
	return o, nil
}

// stockChange is the catalog work decided while the payment was recorded.
type stockChange struct {
	commit  bool
	release bool
}

// dispatch runs the side effects of a newly recorded payment state.
func (s *service) dispatch(ctx context.Context, o *order.Order, from order.Status, stock stockChange) {
	ctx = context.WithoutCancel(ctx)
	changed := o.Status.Current != from

	if o.Payment.Status == order.PaymentCompleted {
		if stock.commit {
			if err := s.inventory.Commit(ctx, o.StockLines()); err != nil {
				log.Error().Err(err).Stringer("order_id", o.ID).Msg("service: failed to commit stock for paid order")
			}
			if _, err := s.carts.ClearAll(ctx, o.UserID); err != nil {
				log.Error().Err(err).Stringer("order_id", o.ID).Stringer("user_id", o.UserID).Msg("service: failed to clear cart for paid order")
			}
		} else {
			log.Warn().Stringer("order_id", o.ID).Stringer("status", o.Status.Current).Stringer("stock_state", o.Stock).
				Msg("service: payment completed for an order that no longer holds stock, refund may be required")
		}
		s.notifier.PaymentSucceeded(ctx, o)
	} else {
		if stock.release {
			if err := s.inventory.Release(ctx, o.StockLines()); err != nil {
				log.Error().Err(err).Stringer("order_id", o.ID).Msg("service: failed to release stock for failed payment")
			}
		}
		s.notifier.PaymentFailed(ctx, o)
	}

	if changed {
		s.notifier.StatusChanged(ctx, o, from)
	}
}

func (s *service) Refund(ctx context.Context, orderID uuid.UUID, amount decimal.Decimal, reason string) (*order.Refund, error) {
	if !amount.IsPositive() {
		return nil, ErrInvalidRefundAmount
	}
	if !amount.Equal(amount.Round(2)) {
		return nil, ErrRefundPrecision
	}

	o, err := s.store.Get(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if err := refundable(o, amount); err != nil {
		return nil, err
	}

	merchantRefundID, err := newMerchantRefundID()
	if err != nil {
		return nil, err
	}

	res, err := s.gateway.Refund(ctx, gateway.RefundRequest{
		MerchantRefundID:      merchantRefundID,
		OriginalTransactionID: o.Payment.MerchantTransactionID,
		MerchantUserID:        merchantUserID(o.UserID),
		Amount:                amount,
	})
	if err != nil {
		log.Error().Err(err).Stringer("order_id", o.ID).Str("merchant_refund_id", merchantRefundID).Msg("service: refund request failed")
		return nil, err
	}

	var refund order.Refund
	_, err = s.store.Update(ctx, orderID, func(o *order.Order, now time.Time) error {
		if err := refundable(o, amount); err != nil {
			// The provider accepted it; record it anyway.
			log.Error().Err(err).Stringer("order_id", o.ID).Str("merchant_refund_id", merchantRefundID).Msg("service: refund accepted beyond refundable balance")
		}
		refund = order.Refund{
			ID:               res.RefundID,
			MerchantRefundID: merchantRefundID,
			Amount:           amount,
			Reason:           reason,
			Status:           refundStatus(res.Outcome),
			RequestedAt:      now,
		}
		o.Payment.Refunds = append(o.Payment.Refunds, refund)
		return nil
	})
	if err != nil {
		log.Error().Err(err).Stringer("order_id", orderID).Str("merchant_refund_id", merchantRefundID).Msg("service: failed to record refund")
		return nil, fmt.Errorf("service: failed to record refund: %w", err)
	}

	log.Info().Stringer("order_id", orderID).Str("merchant_refund_id", merchantRefundID).Stringer("amount", amount).Msg("service: refund requested")
	return &refund, nil
}

func refundable(o *order.Order, amount decimal.Decimal) error {
	if o.Payment.Method != order.PaymentOnline {
		return ErrNotOnlinePayment
	}
	if o.Payment.Status != order.PaymentCompleted || o.Payment.GatewayAmount == nil {
		return ErrRefundNotAllowed
	}
	remaining := o.Payment.GatewayAmount.Sub(o.Payment.Refunded())
	if amount.GreaterThan(remaining) {
		return fmt.Errorf("%w: %s requested, %s refundable", ErrRefundExceedsPayment, amount, remaining)
	}
	return nil
}

func refundStatus(outcome gateway.Outcome) string {
	switch outcome {
	case gateway.OutcomeCompleted:
		return order.RefundCompleted
	case gateway.OutcomeFailed:
		return order.RefundFailed
	default:
		return order.RefundPending
	}
}

func newMerchantRefundID() (string, error) {
	id, err := uuid.NewV4()
	if err != nil {
		return "", fmt.Errorf("service: failed to generate refund ID: %w", err)
	}
	return "RF" + strings.ToUpper(hex.EncodeToString(id[:])), nil
}

// merchantUserID strips the dashes: the provider only accepts alphanumerics.
func merchantUserID(userID uuid.UUID) string {
	return "MU" + hex.EncodeToString(userID[:])
}

func (s *service) record(outcome string) {
	if s.recorder != nil {
		s.recorder.WebhookOutcome(outcome)
	}
}
