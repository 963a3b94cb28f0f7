package notification

import (
	"context"
	"sync"

	"github.com/vasiliy-maslov/ecommerce-orders/internal/order"
)

// Notifier receives every committed order and payment event.
type Notifier interface {
	OrderPlaced(ctx context.Context, o *order.Order)
	PaymentSucceeded(ctx context.Context, o *order.Order)
	PaymentFailed(ctx context.Context, o *order.Order)
	StatusChanged(ctx context.Context, o *order.Order, from order.Status)
}

type TransitionRecorder interface {
	StatusTransition(from, to string)
}

// Dispatcher fans events out to its notifiers in the background so a slow
// mail server never holds up a request. Each notifier gets its own copy of
// the order.
type Dispatcher struct {
	notifiers []Notifier
	recorder  TransitionRecorder
	wg        sync.WaitGroup
}

func NewDispatcher(recorder TransitionRecorder, notifiers ...Notifier) *Dispatcher {
	return &Dispatcher{notifiers: notifiers, recorder: recorder}
}

func (d *Dispatcher) OrderPlaced(ctx context.Context, o *order.Order) {
	d.fanOut(ctx, o, func(ctx context.Context, n Notifier, o *order.Order) {
		n.OrderPlaced(ctx, o)
	})
}

func (d *Dispatcher) PaymentSucceeded(ctx context.Context, o *order.Order) {
	d.fanOut(ctx, o, func(ctx context.Context, n Notifier, o *order.Order) {
		n.PaymentSucceeded(ctx, o)
	})
}

func (d *Dispatcher) PaymentFailed(ctx context.Context, o *order.Order) {
	d.fanOut(ctx, o, func(ctx context.Context, n Notifier, o *order.Order) {
		n.PaymentFailed(ctx, o)
	})
}

func (d *Dispatcher) StatusChanged(ctx context.Context, o *order.Order, from order.Status) {
	if d.recorder != nil {
		d.recorder.StatusTransition(string(from), string(o.Status.Current))
	}
	d.fanOut(ctx, o, func(ctx context.Context, n Notifier, o *order.Order) {
		n.StatusChanged(ctx, o, from)
	})
}

// Wait blocks until every dispatched notification has finished.
func (d *Dispatcher) Wait() {
	d.wg.Wait()
}

func (d *Dispatcher) fanOut(ctx context.Context, o *order.Order, call func(ctx context.Context, n Notifier, o *order.Order)) {
	ctx = context.WithoutCancel(ctx)
	for _, n := range d.notifiers {
		n := n
		snapshot := o.Clone()
		d.wg.Add(1)
		go func() {
			defer d.wg.Done()
			call(ctx, n, &snapshot)
		}()
	}
}
