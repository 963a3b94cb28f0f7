// Package apperr defines the error kinds shared by every domain package.
// Domain packages declare their own sentinels wrapping one of these kinds,
// so callers can match either the specific error or its kind with errors.Is.
package apperr

import (
	"errors"
	"fmt"
)

var (
	ErrValidation           = errors.New("validation failed")
	ErrNotFound             = errors.New("not found")
	ErrConflict             = errors.New("conflict")
	ErrAuthenticationFailed = errors.New("authentication failed")
	ErrInvariantViolation   = errors.New("invariant violation")
	ErrUpstreamProvider     = errors.New("upstream provider error")
)

// Validationf returns an error of kind ErrValidation.
func Validationf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrValidation, fmt.Sprintf(format, args...))
}

// Invariantf returns an error of kind ErrInvariantViolation.
func Invariantf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvariantViolation, fmt.Sprintf(format, args...))
}

// Upstream wraps a provider failure so it matches ErrUpstreamProvider.
func Upstream(provider string, err error) error {
	return fmt.Errorf("%w: %s: %w", ErrUpstreamProvider, provider, err)
}
