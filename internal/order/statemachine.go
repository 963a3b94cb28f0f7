package order

import (
	"errors"
	"fmt"
	"time"

	"github.com/vasiliy-maslov/ecommerce-orders/internal/apperr"
)

// cancelled and returned are reachable from every non-terminal state.
var allowedTransitions = map[Status]map[Status]bool{
	StatusPending: {
		StatusConfirmed: true,
		StatusCancelled: true,
		StatusReturned:  true,
	},
	StatusConfirmed: {
		StatusProcessing: true,
		StatusShipped:    true,
		StatusCancelled:  true,
		StatusReturned:   true,
	},
	StatusProcessing: {
		StatusShipped:   true,
		StatusCancelled: true,
		StatusReturned:  true,
	},
	StatusShipped: {
		StatusDelivered: true,
		StatusCancelled: true,
		StatusReturned:  true,
	},
	StatusDelivered: {},
	StatusCancelled: {},
	StatusReturned:  {},
}

var (
	ErrStatusAlreadySet        = fmt.Errorf("%w: status is already set to the desired value", apperr.ErrConflict)
	ErrInvalidStatusTransition = fmt.Errorf("%w: invalid order status transition", apperr.ErrConflict)
	ErrAlreadyCancelled        = fmt.Errorf("%w: order is already cancelled", apperr.ErrConflict)
	ErrCannotCancelDelivered   = fmt.Errorf("%w: delivered orders cannot be cancelled", apperr.ErrConflict)
	ErrUnknownStatus           = fmt.Errorf("%w: unknown order status", apperr.ErrValidation)
	ErrTotalsMismatch          = fmt.Errorf("%w: order totals do not match their inputs", apperr.ErrInvariantViolation)
)

// CheckTransition is the guard callers run before Transition.
func CheckTransition(from, to Status) error {
	if from == to {
		return ErrStatusAlreadySet
	}

	transitions, ok := allowedTransitions[from]
	if !ok {
		return fmt.Errorf("%w: no transition rules for status %s", ErrInvalidStatusTransition, from)
	}
	if _, known := allowedTransitions[to]; !known {
		return ErrUnknownStatus
	}
	if !transitions[to] {
		return fmt.Errorf("%w: from %s to %s", ErrInvalidStatusTransition, from, to)
	}

	return nil
}

// CheckCancel applies the cancellation guard on top of CheckTransition.
func CheckCancel(o *Order) error {
	switch o.Status.Current {
	case StatusCancelled:
		return ErrAlreadyCancelled
	case StatusDelivered:
		return ErrCannotCancelDelivered
	}
	return CheckTransition(o.Status.Current, StatusCancelled)
}

// Transition moves o to the new state and appends a history entry. It does
// not check whether the move is allowed.
func Transition(o *Order, to Status, note, actor string, now time.Time) {
	o.Status.Current = to
	o.Status.History = append(o.Status.History, StatusEntry{
		State: to,
		At:    now,
		Note:  note,
		Actor: actor,
	})

	if to == StatusDelivered {
		delivered := now
		o.ActualDelivery = &delivered
	}
}

// IsGuardError reports whether err came from a transition guard.
func IsGuardError(err error) bool {
	return errors.Is(err, ErrStatusAlreadySet) ||
		errors.Is(err, ErrInvalidStatusTransition) ||
		errors.Is(err, ErrAlreadyCancelled) ||
		errors.Is(err, ErrCannotCancelDelivered)
}
