package errors

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// Kind is the stable failure taxonomy shared by every wire protocol the
// gateway speaks. Clients branch on Kind, never on message text.
type Kind int

const (
	KindUnknown Kind = iota
	// KindDiscovery means a registry could not be built from the contract source.
	KindDiscovery
	// KindNotFound means the service or method is not registered.
	KindNotFound
	// KindBadRequest means the payload could not be decoded into the input schema.
	KindBadRequest
	// KindValidation means the decoded input violates declared constraints.
	KindValidation
	// KindMethodNotAllowed means the HTTP verb is illegal for the contract.
	KindMethodNotAllowed
	// KindUnsupportedEncoding means the content type or protocol is not recognized.
	KindUnsupportedEncoding
	// KindUpstreamTimeout means the backend did not answer before the deadline.
	KindUpstreamTimeout
	// KindUpstreamError means the backend answered with a failure.
	KindUpstreamError
	// KindUpstreamUnavailable means the backend could not be reached.
	KindUpstreamUnavailable
	// KindCanceled means the caller went away.
	KindCanceled
	// KindNotReady means no registry is being served yet.
	KindNotReady
	// KindRateLimited means the caller exceeded its request budget.
	KindRateLimited
)

var kindNames = map[Kind]string{
	KindUnknown:             "UNKNOWN",
	KindDiscovery:           "DISCOVERY_ERROR",
	KindNotFound:            "NOT_FOUND",
	KindBadRequest:          "BAD_REQUEST",
	KindValidation:          "VALIDATION_ERROR",
	KindMethodNotAllowed:    "METHOD_NOT_ALLOWED",
	KindUnsupportedEncoding: "UNSUPPORTED_ENCODING",
	KindUpstreamTimeout:     "UPSTREAM_TIMEOUT",
	KindUpstreamError:       "UPSTREAM_ERROR",
	KindUpstreamUnavailable: "UPSTREAM_UNAVAILABLE",
	KindCanceled:            "CANCELED",
	KindNotReady:            "NOT_READY",
	KindRateLimited:         "RATE_LIMITED",
}

// String returns the machine-readable reason string for the kind.
func (k Kind) String() string {
	if s, ok := kindNames[k]; ok {
		return s
	}
	return kindNames[KindUnknown]
}

// ParseKind returns the kind whose String form is name
func ParseKind(name string) (Kind, bool) {
	for k, s := range kindNames {
		if s == name {
			return k, true
		}
	}
	return KindUnknown, false
}

// ClientCaused reports whether the failure is attributable to the request itself.
func (k Kind) ClientCaused() bool {
	switch k {
	case KindNotFound, KindBadRequest, KindValidation, KindMethodNotAllowed, KindUnsupportedEncoding:
		return true
	}
	return false
}

// Retryable reports whether a caller may retry a side-effect-free call that failed with k.
func (k Kind) Retryable() bool {
	switch k {
	case KindUpstreamTimeout, KindUpstreamUnavailable, KindNotReady, KindRateLimited:
		return true
	}
	return false
}

// FieldViolation names one input field that failed validation.
type FieldViolation struct {
	Field       string `json:"field"`
	Description string `json:"description"`
}

// GatewayError is a failure with a stable Kind. Message is safe to show to
// clients; Err holds the internal cause and is never serialized.
type GatewayError struct {
	Kind       Kind
	Message    string
	Violations []FieldViolation
	Err        error
}

// Error implements the error interface
func (e *GatewayError) Error() string {
	var b strings.Builder
	b.WriteString(e.Kind.String())
	if e.Message != "" {
		b.WriteString(": ")
		b.WriteString(e.Message)
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

// Unwrap returns the underlying cause
func (e *GatewayError) Unwrap() error {
	return e.Err
}

// Is matches another GatewayError of the same kind, so sentinel-style
// comparisons like errors.Is(err, &GatewayError{Kind: KindNotFound}) work.
func (e *GatewayError) Is(target error) bool {
	t, ok := target.(*GatewayError)
	if !ok {
		return false
	}
	return t.Kind == e.Kind && t.Message == "" && t.Err == nil
}

// New returns a GatewayError of the given kind.
func New(kind Kind, format string, args ...any) *GatewayError {
	return &GatewayError{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// WrapKind attaches a kind and a client-safe message to an internal cause.
func WrapKind(err error, kind Kind, message string) *GatewayError {
	return &GatewayError{Kind: kind, Message: message, Err: err}
}

// Discovery returns a DiscoveryError for the given source location.
func Discovery(err error, location string) *GatewayError {
	return &GatewayError{Kind: KindDiscovery, Message: location, Err: err}
}

// NotFound returns a NotFound error for an unknown service or method.
func NotFound(format string, args ...any) *GatewayError {
	return New(KindNotFound, format, args...)
}

// BadRequest returns a BadRequest error for a payload that cannot be decoded.
func BadRequest(err error) *GatewayError {
	return &GatewayError{Kind: KindBadRequest, Message: "malformed request payload", Err: err}
}

// Validation returns a ValidationError carrying every violated field.
func Validation(violations []FieldViolation) *GatewayError {
	fields := make([]string, 0, len(violations))
	for _, v := range violations {
		fields = append(fields, v.Field)
	}
	return &GatewayError{
		Kind:       KindValidation,
		Message:    "invalid fields: " + strings.Join(fields, ", "),
		Violations: violations,
	}
}

// KindOf extracts the failure kind from err. Context errors are mapped even
// when not wrapped in a GatewayError.
func KindOf(err error) Kind {
	if err == nil {
		return KindUnknown
	}
	var ge *GatewayError
	if errors.As(err, &ge) {
		return ge.Kind
	}
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return KindUpstreamTimeout
	case errors.Is(err, context.Canceled):
		return KindCanceled
	case errors.Is(err, ErrRateLimited):
		return KindRateLimited
	}
	return KindUnknown
}

// IsKind reports whether err carries the given kind.
func IsKind(err error, kind Kind) bool {
	return KindOf(err) == kind
}

// PublicMessage returns the client-safe message of err. Internal causes are
// never included.
func PublicMessage(err error) string {
	var ge *GatewayError
	if errors.As(err, &ge) {
		if ge.Message != "" {
			return ge.Message
		}
		return strings.ToLower(strings.ReplaceAll(ge.Kind.String(), "_", " "))
	}
	switch KindOf(err) {
	case KindUpstreamTimeout:
		return "backend deadline exceeded"
	case KindCanceled:
		return "request canceled"
	}
	return "internal error"
}

// Is reports whether any error in err's tree matches target
func Is(err, target error) bool { return errors.Is(err, target) }

// As finds the first error in err's tree that matches target
func As(err error, target any) bool { return errors.As(err, target) }

// Join wraps the given errors, discarding nils
func Join(errs ...error) error { return errors.Join(errs...) }
