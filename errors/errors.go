// Package errors provides standardized error handling for the corebus
// dispatch core. It classifies failures into the categories the bus
// acknowledges with (configuration, routing, rejection, consistency,
// transient) and offers helpers for consistent wrapping across components.
package errors

import (
	"context"
	"errors"
	"fmt"
)

// ErrorClass represents the classification of errors for handling purposes.
type ErrorClass int

const (
	// ErrorTransient represents temporary infrastructure errors that may be retried.
	ErrorTransient ErrorClass = iota
	// ErrorConfiguration represents registration/startup errors; fatal, abort initialization.
	ErrorConfiguration
	// ErrorRouting represents per-message routing failures surfaced as rejected acks.
	ErrorRouting
	// ErrorRejection represents business rejections returned by handler logic.
	ErrorRejection
	// ErrorConsistency represents aggregate-level consistency faults; fatal for
	// the affected aggregate, never retried.
	ErrorConsistency
)

// String returns the string representation of ErrorClass.
func (ec ErrorClass) String() string {
	switch ec {
	case ErrorTransient:
		return "transient"
	case ErrorConfiguration:
		return "configuration"
	case ErrorRouting:
		return "routing"
	case ErrorRejection:
		return "rejection"
	case ErrorConsistency:
		return "consistency"
	default:
		return "unknown"
	}
}

// Standard error variables for common conditions.
var (
	// Configuration errors, detected at registration or startup.
	ErrDuplicateRoute    = errors.New("message class already routed on this bus")
	ErrSignatureMismatch = errors.New("no handler method matches envelope signature")
	ErrHandlerAmbiguity  = errors.New("multiple handler methods match the same message class")
	ErrInvalidShardCount = errors.New("shard count must be positive")
	ErrInvalidConfig     = errors.New("invalid configuration")
	ErrMissingConfig     = errors.New("missing required configuration")

	// Routing errors, per-message.
	ErrUnroutableMessage     = errors.New("no routing entry for message class")
	ErrUnclassifiableMessage = errors.New("message has no declared class")
	ErrMissingTenantContext  = errors.New("operation requires an explicit tenant scope")

	// Consistency faults, fatal for the affected aggregate.
	ErrHistoryCorruption = errors.New("event history out of order or duplicated")
	ErrVersionConflict   = errors.New("aggregate version conflict on append")
	ErrAggregateFrozen   = errors.New("aggregate quarantined after consistency fault")

	// Delivery and lifecycle errors.
	ErrOverloaded     = errors.New("shard queue overloaded")
	ErrNotFound       = errors.New("not found")
	ErrAlreadyStarted = errors.New("component already started")
	ErrNotStarted     = errors.New("component not started")
	ErrShuttingDown   = errors.New("component is shutting down")
)

// ClassifiedError wraps an error with its classification.
type ClassifiedError struct {
	Class     ErrorClass
	Err       error
	Message   string
	Component string
	Operation string
}

// Error implements the error interface.
func (ce *ClassifiedError) Error() string {
	if ce.Message != "" {
		return ce.Message
	}
	return ce.Err.Error()
}

// Unwrap returns the underlying error.
func (ce *ClassifiedError) Unwrap() error {
	return ce.Err
}

var configurationErrs = []error{
	ErrDuplicateRoute,
	ErrSignatureMismatch,
	ErrHandlerAmbiguity,
	ErrInvalidShardCount,
	ErrInvalidConfig,
	ErrMissingConfig,
}

var routingErrs = []error{
	ErrUnroutableMessage,
	ErrUnclassifiableMessage,
	ErrMissingTenantContext,
}

var consistencyErrs = []error{
	ErrHistoryCorruption,
	ErrVersionConflict,
	ErrAggregateFrozen,
}

var transientErrs = []error{
	ErrOverloaded,
	ErrShuttingDown,
	context.DeadlineExceeded,
	context.Canceled,
}

func matchesAny(err error, sentinels []error) bool {
	for _, s := range sentinels {
		if errors.Is(err, s) {
			return true
		}
	}
	return false
}

// IsTransient checks if an error is retryable infrastructure trouble.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	var ce *ClassifiedError
	if errors.As(err, &ce) {
		return ce.Class == ErrorTransient
	}
	return matchesAny(err, transientErrs)
}

// IsConfiguration checks if an error is a registration/startup fault.
// Configuration errors are fatal and must abort initialization.
func IsConfiguration(err error) bool {
	if err == nil {
		return false
	}
	var ce *ClassifiedError
	if errors.As(err, &ce) {
		return ce.Class == ErrorConfiguration
	}
	return matchesAny(err, configurationErrs)
}

// IsRouting checks if an error is a per-message routing failure.
func IsRouting(err error) bool {
	if err == nil {
		return false
	}
	var ce *ClassifiedError
	if errors.As(err, &ce) {
		return ce.Class == ErrorRouting
	}
	return matchesAny(err, routingErrs)
}

// IsConsistency checks if an error is an aggregate-level consistency fault.
func IsConsistency(err error) bool {
	if err == nil {
		return false
	}
	var ce *ClassifiedError
	if errors.As(err, &ce) {
		return ce.Class == ErrorConsistency
	}
	return matchesAny(err, consistencyErrs)
}

// Classify returns the error class for an error. Unknown errors default to
// transient so callers err on the side of retry rather than data loss.
func Classify(err error) ErrorClass {
	switch {
	case IsConfiguration(err):
		return ErrorConfiguration
	case IsRouting(err):
		return ErrorRouting
	case IsConsistency(err):
		return ErrorConsistency
	default:
		var ce *ClassifiedError
		if errors.As(err, &ce) {
			return ce.Class
		}
		return ErrorTransient
	}
}

// newClassified creates a new classified error.
// Internal helper - use the Wrap* functions instead.
func newClassified(class ErrorClass, err error, component, operation, message string) *ClassifiedError {
	return &ClassifiedError{
		Class:     class,
		Err:       err,
		Message:   message,
		Component: component,
		Operation: operation,
	}
}

// Wrap creates a standardized error with context following the pattern:
// "component.method: action failed: %w"
func Wrap(err error, component, method, action string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s.%s: %s failed: %w", component, method, action, err)
}

// WrapTransient wraps an error as transient with context.
func WrapTransient(err error, component, method, action string) error {
	if err == nil {
		return nil
	}
	wrapped := Wrap(err, component, method, action)
	return newClassified(ErrorTransient, wrapped, component, method, wrapped.Error())
}

// WrapConfiguration wraps an error as a configuration fault with context.
func WrapConfiguration(err error, component, method, action string) error {
	if err == nil {
		return nil
	}
	wrapped := Wrap(err, component, method, action)
	return newClassified(ErrorConfiguration, wrapped, component, method, wrapped.Error())
}

// WrapRouting wraps an error as a routing failure with context.
func WrapRouting(err error, component, method, action string) error {
	if err == nil {
		return nil
	}
	wrapped := Wrap(err, component, method, action)
	return newClassified(ErrorRouting, wrapped, component, method, wrapped.Error())
}

// WrapRejection wraps an error as a business rejection with context.
func WrapRejection(err error, component, method, action string) error {
	if err == nil {
		return nil
	}
	wrapped := Wrap(err, component, method, action)
	return newClassified(ErrorRejection, wrapped, component, method, wrapped.Error())
}

// WrapConsistency wraps an error as a consistency fault with context.
func WrapConsistency(err error, component, method, action string) error {
	if err == nil {
		return nil
	}
	wrapped := Wrap(err, component, method, action)
	return newClassified(ErrorConsistency, wrapped, component, method, wrapped.Error())
}

// Is reports whether any error in err's tree matches target.
// Re-exported so callers avoid a second errors import.
func Is(err, target error) bool { return errors.Is(err, target) }

// As finds the first error in err's tree that matches target.
func As(err error, target any) bool { return errors.As(err, target) }

// New returns an error that formats as the given text.
func New(text string) error { return errors.New(text) }
