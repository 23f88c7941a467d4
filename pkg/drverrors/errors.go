// Package drverrors provides the error taxonomy shared by all driver
// components. Every control-path failure is classified into one of a small
// set of categories so callers can decide between rejecting a request,
// rolling back partially acquired resources, or aborting the process.
package drverrors

import "fmt"

// Category classifies a driver error.
type Category int

const (
	// ResourceExhausted signals an allocation failure. Always recoverable
	// by rejecting the request.
	ResourceExhausted Category = iota + 1

	// InvalidConfig signals a configuration rejected before any resource
	// was touched.
	InvalidConfig

	// HardwareFailure signals a control-path failure from the hardware
	// abstraction layer. Recoverable by unwinding in reverse acquisition
	// order.
	HardwareFailure

	// ProtocolFailure signals a cross-process message-channel failure.
	// Surfaced to the secondary process; attach fails cleanly.
	ProtocolFailure

	// InternalViolation signals an internal-consistency violation such as
	// a reference count underflow. Not recoverable.
	InternalViolation
)

// String returns the category name.
func (c Category) String() string {
	switch c {
	case ResourceExhausted:
		return "ResourceExhausted"
	case InvalidConfig:
		return "InvalidConfig"
	case HardwareFailure:
		return "HardwareFailure"
	case ProtocolFailure:
		return "ProtocolFailure"
	case InternalViolation:
		return "InternalViolation"
	default:
		return fmt.Sprintf("Category(%d)", int(c))
	}
}

// DriverError carries a category, a stable code, and a human message.
type DriverError struct {
	Category Category
	Code     string
	Message  string
	Cause    error
}

// Error implements the error interface.
func (e DriverError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Cause)
	}

	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap exposes the wrapped cause to errors.Is/errors.As.
func (e DriverError) Unwrap() error {
	return e.Cause
}

// Is implements error matching for errors.Is(). Two DriverErrors match when
// their codes match.
func (e DriverError) Is(target error) bool {
	if t, ok := target.(DriverError); ok {
		return e.Code == t.Code
	}

	return false
}

// WithCause returns a copy of the error wrapping the given cause.
func (e DriverError) WithCause(cause error) DriverError {
	e.Cause = cause
	return e
}

// WithMessage returns a copy of the error with a custom message.
func (e DriverError) WithMessage(message string) DriverError {
	e.Message = message
	return e
}

// Well-known errors used across the driver.
var (
	ErrNoMemory = DriverError{
		Category: ResourceExhausted,
		Code:     "NoMemory",
		Message:  "resource allocation failed",
	}

	ErrUnequalQueueCounts = DriverError{
		Category: InvalidConfig,
		Code:     "UnequalQueueCounts",
		Message:  "transmit and receive queue counts must be equal",
	}

	ErrQueueCountNotPowerOfTwo = DriverError{
		Category: InvalidConfig,
		Code:     "QueueCountNotPowerOfTwo",
		Message:  "number of queues must be a power of two",
	}

	ErrInvalidDescriptorCount = DriverError{
		Category: InvalidConfig,
		Code:     "InvalidDescriptorCount",
		Message:  "descriptor count outside hardware limits",
	}

	ErrHardware = DriverError{
		Category: HardwareFailure,
		Code:     "HardwareFailure",
		Message:  "hardware control operation failed",
	}

	ErrChannelTimeout = DriverError{
		Category: ProtocolFailure,
		Code:     "ChannelTimeout",
		Message:  "resource message channel request timed out",
	}

	ErrMalformedResponse = DriverError{
		Category: ProtocolFailure,
		Code:     "MalformedResponse",
		Message:  "resource message channel returned a malformed response",
	}

	ErrRefCountUnderflow = DriverError{
		Category: InternalViolation,
		Code:     "RefCountUnderflow",
		Message:  "shared reference count would go negative",
	}
)
