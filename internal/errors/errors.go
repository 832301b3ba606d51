// Package errors defines the structured error taxonomy shared by the device
// drivers and the orchestration layer. Components never raise bare errors
// across task boundaries; they wrap them in a DeviceError so callers can
// classify failures without string matching.
package errors

import (
	"errors"
	"fmt"
	"time"
)

// Base error types
var (
	ErrNotFound         = errors.New("not found")
	ErrTimeout          = errors.New("timeout")
	ErrInvalidInput     = errors.New("invalid input")
	ErrConnectionFailed = errors.New("connection failed")
	ErrProtocol         = errors.New("protocol error")
	ErrVetoed           = errors.New("vetoed by safety monitor")
	ErrUnavailable      = errors.New("service unavailable")
)

// Kind represents the category of a device or service error.
type Kind string

const (
	KindConnection Kind = "connection"
	KindTimeout    Kind = "timeout"
	KindProtocol   Kind = "protocol"
	KindDevice     Kind = "device"
	KindValidation Kind = "validation"
	KindNotFound   Kind = "not_found"
	KindVeto       Kind = "veto"
	KindInternal   Kind = "internal"
)

// DeviceError is a structured error for device and service operations.
type DeviceError struct {
	Kind      Kind
	Op        string // Operation that failed (e.g., "slew", "query_position")
	Device    string // Device or service name
	Err       error  // Underlying error
	Timestamp time.Time
	Retryable bool
}

func (e *DeviceError) Error() string {
	if e.Device != "" {
		return fmt.Sprintf("%s failed on %s: %v", e.Op, e.Device, e.Err)
	}
	return fmt.Sprintf("%s failed: %v", e.Op, e.Err)
}

func (e *DeviceError) Unwrap() error {
	return e.Err
}

// Is implements errors.Is so sentinel checks see through the wrapper.
func (e *DeviceError) Is(target error) bool {
	if target == nil {
		return false
	}
	switch target {
	case ErrNotFound:
		return e.Kind == KindNotFound
	case ErrTimeout:
		return e.Kind == KindTimeout
	case ErrConnectionFailed:
		return e.Kind == KindConnection
	case ErrProtocol:
		return e.Kind == KindProtocol
	case ErrVetoed:
		return e.Kind == KindVeto
	case ErrInvalidInput:
		return e.Kind == KindValidation
	}
	return errors.Is(e.Err, target)
}

// New creates a DeviceError.
func New(kind Kind, op, device string, err error) *DeviceError {
	return &DeviceError{
		Kind:      kind,
		Op:        op,
		Device:    device,
		Err:       err,
		Timestamp: time.Now(),
		Retryable: kind == KindConnection || kind == KindTimeout,
	}
}

// Helper wrappers

func WrapConnection(op, device string, err error) error {
	return New(KindConnection, op, device, err)
}

func WrapTimeout(op, device string) error {
	return New(KindTimeout, op, device, ErrTimeout)
}

func WrapProtocol(op, device string, err error) error {
	return New(KindProtocol, op, device, err)
}

func WrapDevice(op, device string, err error) error {
	return New(KindDevice, op, device, err)
}

// IsRetryable reports whether an operation that produced err is worth
// retrying on the same connection.
func IsRetryable(err error) bool {
	var devErr *DeviceError
	if errors.As(err, &devErr) {
		return devErr.Retryable
	}
	return errors.Is(err, ErrTimeout) || errors.Is(err, ErrConnectionFailed)
}

// KindOf extracts the Kind from an error chain, or KindInternal if the error
// carries no classification.
func KindOf(err error) Kind {
	var devErr *DeviceError
	if errors.As(err, &devErr) {
		return devErr.Kind
	}
	switch {
	case errors.Is(err, ErrTimeout):
		return KindTimeout
	case errors.Is(err, ErrConnectionFailed):
		return KindConnection
	case errors.Is(err, ErrNotFound):
		return KindNotFound
	case errors.Is(err, ErrInvalidInput):
		return KindValidation
	case errors.Is(err, ErrVetoed):
		return KindVeto
	case errors.Is(err, ErrProtocol):
		return KindProtocol
	}
	return KindInternal
}
