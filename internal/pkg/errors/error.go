// internal/pkg/errors/error.go
package xerrors

import (
	"errors"
	"fmt"
)

// Common reusable application errors
var (
	ErrNotFound             = errors.New("resource not found")
	ErrUserNotFound         = errors.New("user not found")
	ErrPlanNotFound         = errors.New("subscription plan not found")
	ErrSubscriptionNotFound = errors.New("subscription not found")
	ErrValidation           = errors.New("invalid input")
	ErrSignatureInvalid     = errors.New("webhook signature invalid")
	ErrMalformedPayload     = errors.New("malformed webhook payload")
	ErrInvalidPeriod        = errors.New("billing period is degenerate")
	ErrVersionConflict      = errors.New("record version conflict")
	ErrConflict             = errors.New("conflict: resource already exists")
	ErrTransient            = errors.New("transient failure")
	ErrInternal             = errors.New("internal server error")
)

// Permanent errors must never be retried; everything else is assumed
// transient and safe to hand to the retry executor.
var permanent = []error{
	ErrNotFound,
	ErrUserNotFound,
	ErrPlanNotFound,
	ErrSubscriptionNotFound,
	ErrValidation,
	ErrSignatureInvalid,
	ErrMalformedPayload,
	ErrInvalidPeriod,
	ErrConflict,
}

// IsPermanent reports whether err belongs to the never-retry class.
func IsPermanent(err error) bool {
	for _, p := range permanent {
		if errors.Is(err, p) {
			return true
		}
	}
	return false
}

// Wrap adds context to an error (similar to fmt.Errorf("%w")).
func Wrap(err error, message string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", message, err)
}

// Is allows checking whether an error is a specific sentinel error.
func Is(err, target error) bool {
	return errors.Is(err, target)
}

// MessageOrDefault returns err.Error() or a fallback message if err is nil.
func MessageOrDefault(err error, fallback string) string {
	if err != nil {
		return err.Error()
	}
	return fallback
}
