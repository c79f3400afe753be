// Package errors provides the error classification and gateway failure taxonomy
// used across connectgate. It includes error classes for retry decisions,
// standard error variables, and helpers for consistent wrapping.
package errors

import (
	"context"
	"errors"
	"fmt"
)

// ErrorClass represents the classification of errors for handling purposes
type ErrorClass int

const (
	// ErrorTransient represents temporary errors that may be retried
	ErrorTransient ErrorClass = iota
	// ErrorInvalid represents errors due to invalid input or configuration
	ErrorInvalid
	// ErrorFatal represents unrecoverable errors that should stop processing
	ErrorFatal
)

// String returns the string representation of ErrorClass
func (ec ErrorClass) String() string {
	switch ec {
	case ErrorTransient:
		return "transient"
	case ErrorInvalid:
		return "invalid"
	case ErrorFatal:
		return "fatal"
	default:
		return "unknown"
	}
}

// Sentinels for conditions that are not tied to a single request
var (
	ErrAlreadyStarted = errors.New("already started")
	ErrNotStarted     = errors.New("not started")

	ErrInvalidData    = errors.New("invalid data format")
	ErrInvalidConfig  = errors.New("invalid configuration")
	ErrBucketNotFound = errors.New("bucket not found")

	ErrRateLimited = errors.New("rate limited")
)

// ClassifiedError wraps an error with its classification and the place
// it was raised.
type ClassifiedError struct {
	Class     ErrorClass
	Err       error
	Component string
	Operation string
}

func (ce *ClassifiedError) Error() string {
	return ce.Err.Error()
}

func (ce *ClassifiedError) Unwrap() error {
	return ce.Err
}

// Classify returns the class of err. An explicit ClassifiedError wins;
// otherwise the gateway Kind decides, and context deadlines count as
// transient. Anything else is fatal.
func Classify(err error) ErrorClass {
	var ce *ClassifiedError
	if errors.As(err, &ce) {
		return ce.Class
	}

	var ge *GatewayError
	if errors.As(err, &ge) {
		return classOfKind(ge.Kind)
	}

	switch {
	case err == nil:
		return ErrorTransient
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, ErrRateLimited):
		return ErrorTransient
	case errors.Is(err, ErrInvalidData), errors.Is(err, ErrInvalidConfig):
		return ErrorInvalid
	}
	return ErrorFatal
}

func classOfKind(k Kind) ErrorClass {
	switch {
	case k.ClientCaused():
		return ErrorInvalid
	case k.Retryable():
		return ErrorTransient
	default:
		return ErrorFatal
	}
}

// IsTransient reports whether err may succeed on a later attempt
func IsTransient(err error) bool {
	return err != nil && Classify(err) == ErrorTransient
}

// IsInvalid reports whether err was caused by bad input or configuration
func IsInvalid(err error) bool {
	return err != nil && Classify(err) == ErrorInvalid
}

// IsFatal reports whether err should stop the caller
func IsFatal(err error) bool {
	return err != nil && Classify(err) == ErrorFatal
}

// Wrap adds context following the pattern "component.method: action failed: %w"
func Wrap(err error, component, method, action string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s.%s: %s failed: %w", component, method, action, err)
}

func wrapAs(class ErrorClass, err error, component, method, action string) error {
	if err == nil {
		return nil
	}
	return &ClassifiedError{
		Class:     class,
		Err:       Wrap(err, component, method, action),
		Component: component,
		Operation: method,
	}
}

// WrapTransient wraps err as transient with context
func WrapTransient(err error, component, method, action string) error {
	return wrapAs(ErrorTransient, err, component, method, action)
}

// WrapFatal wraps err as fatal with context
func WrapFatal(err error, component, method, action string) error {
	return wrapAs(ErrorFatal, err, component, method, action)
}

// WrapInvalid wraps err as invalid with context
func WrapInvalid(err error, component, method, action string) error {
	return wrapAs(ErrorInvalid, err, component, method, action)
}
