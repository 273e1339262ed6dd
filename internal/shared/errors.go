// Package shared contains common error types and utilities.
package shared

import (
	"context"
	"errors"
	"fmt"
	"net"

	"driftloop/pkg/drift"
)

// Common errors that can be used across the application
var (
	// ErrNotFound indicates that a requested resource was not found
	ErrNotFound = errors.New("not found")

	// ErrValidation indicates that input or configuration validation failed
	ErrValidation = errors.New("validation failed")

	// ErrTimeout indicates that an operation timed out
	ErrTimeout = errors.New("operation timed out")

	// ErrDependencyFailure indicates that an external dependency failed
	ErrDependencyFailure = errors.New("dependency failure")

	// ErrInternal indicates an internal error
	ErrInternal = errors.New("internal error")
)

// Kind represents a category of error for easier classification and handling.
type Kind int

const (
	// KindUnknown represents an unclassified error
	KindUnknown Kind = iota
	// KindCanceled represents context cancellation
	KindCanceled
	// KindTimeout represents timeout errors
	KindTimeout
	// KindValidation represents invalid input or configuration
	KindValidation
	// KindNotFound represents resource not found errors
	KindNotFound
	// KindJobFailure represents a drift job that stopped its loop
	KindJobFailure
	// KindDependencyFailure represents external dependency failures
	KindDependencyFailure
	// KindInternal represents internal errors
	KindInternal
)

// String returns the string representation of the Kind.
func (k Kind) String() string {
	switch k {
	case KindCanceled:
		return "Canceled"
	case KindTimeout:
		return "Timeout"
	case KindValidation:
		return "Validation"
	case KindNotFound:
		return "NotFound"
	case KindJobFailure:
		return "JobFailure"
	case KindDependencyFailure:
		return "DependencyFailure"
	case KindInternal:
		return "Internal"
	default:
		return "Unknown"
	}
}

var kindToSentinel = map[Kind]error{
	KindTimeout:           ErrTimeout,
	KindValidation:        ErrValidation,
	KindNotFound:          ErrNotFound,
	KindDependencyFailure: ErrDependencyFailure,
	KindInternal:          ErrInternal,
}

// KindOf classifies err. Checks run in priority order:
//  1. KindCanceled (context.Canceled)
//  2. KindTimeout (context.DeadlineExceeded, ErrTimeout, net timeouts)
//  3. KindValidation (ErrValidation and drift configuration errors)
//  4. KindNotFound
//  5. KindJobFailure (*drift.JobError)
//  6. KindDependencyFailure, KindInternal
//
// A job error caused by a timeout is therefore a KindTimeout.
func KindOf(err error) Kind {
	switch {
	case err == nil:
		return KindUnknown
	case IsCanceled(err):
		return KindCanceled
	case IsTimeout(err):
		return KindTimeout
	case IsValidation(err):
		return KindValidation
	case IsNotFound(err):
		return KindNotFound
	case IsJobFailure(err):
		return KindJobFailure
	case errors.Is(err, ErrDependencyFailure):
		return KindDependencyFailure
	case errors.Is(err, ErrInternal):
		return KindInternal
	default:
		return KindUnknown
	}
}

// HasKind reports whether the given error has the specified kind.
func HasKind(err error, kind Kind) bool {
	return KindOf(err) == kind
}

// MarkKind wraps err with the sentinel of kind, keeping err in the chain.
// Kinds without a sentinel (Unknown, Canceled, JobFailure) return err
// unchanged, as does an err that already has the kind.
func MarkKind(err error, kind Kind) error {
	sentinel, ok := kindToSentinel[kind]
	if err == nil {
		if ok {
			return sentinel
		}
		return nil
	}
	if !ok || KindOf(err) == kind {
		return err
	}
	return fmt.Errorf("%w: %w", sentinel, err)
}

// Wrap wraps an error with additional context.
// If err is nil, Wrap returns nil.
func Wrap(err error, context string) error {
	if err == nil {
		return nil
	}
	if context == "" {
		return err
	}
	return fmt.Errorf("%s: %w", context, err)
}

// Wrapf wraps an error with a formatted context message.
func Wrapf(err error, format string, args ...any) error {
	if err == nil {
		return nil
	}
	return Wrap(err, fmt.Sprintf(format, args...))
}

// IsCanceled reports whether the error indicates a canceled context.
func IsCanceled(err error) bool {
	return err != nil && errors.Is(err, context.Canceled)
}

// IsTimeout reports whether the error indicates a timeout.
// It checks for context.DeadlineExceeded, net.Error timeouts, and our ErrTimeout.
func IsTimeout(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, ErrTimeout) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

// IsValidation reports whether the error indicates invalid input or configuration.
func IsValidation(err error) bool {
	return errors.Is(err, ErrValidation) ||
		errors.Is(err, drift.ErrInvalidInterval) ||
		errors.Is(err, drift.ErrInvalidSchedule) ||
		errors.Is(err, drift.ErrNilJob)
}

// IsNotFound reports whether the error indicates a resource not found condition.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// IsJobFailure reports whether err carries a *drift.JobError.
func IsJobFailure(err error) bool {
	var jobErr *drift.JobError
	return errors.As(err, &jobErr)
}
