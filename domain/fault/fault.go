// Package fault defines the error taxonomy shared by the device, source and
// capture packages.
package fault

import (
	"errors"
	"fmt"
)

// Code classifies a failure.
type Code int

const (
	Unknown Code = iota
	DeviceCreationFailed
	SourceResolutionFailed
	PoolCreationFailed
	PoolRecreationFailed
	FrameAcquisitionFailed
	TeardownStepFailed
	SessionCreationFailed
	SubscriptionFailed
	InvalidState
)

var codeNames = map[Code]string{
	Unknown:                "UNKNOWN",
	DeviceCreationFailed:   "DEVICE_CREATION_FAILED",
	SourceResolutionFailed: "SOURCE_RESOLUTION_FAILED",
	PoolCreationFailed:     "POOL_CREATION_FAILED",
	PoolRecreationFailed:   "POOL_RECREATION_FAILED",
	FrameAcquisitionFailed: "FRAME_ACQUISITION_FAILED",
	TeardownStepFailed:     "TEARDOWN_STEP_FAILED",
	SessionCreationFailed:  "SESSION_CREATION_FAILED",
	SubscriptionFailed:     "SUBSCRIPTION_FAILED",
	InvalidState:           "INVALID_STATE",
}

func (c Code) String() string {
	if s, ok := codeNames[c]; ok {
		return s
	}
	return fmt.Sprintf("CODE(%d)", int(c))
}

// Error is the structured error returned by the capture stack.
type Error struct {
	Code     Code
	Message  string
	Metadata map[string]string
	Cause    error
}

// Error implements the error interface.
func (e *Error) Error() string {
	s := fmt.Sprintf("[%s] %s", e.Code, e.Message)
	if len(e.Metadata) > 0 {
		s += fmt.Sprintf(" %v", e.Metadata)
	}
	if e.Cause != nil {
		s += fmt.Sprintf(" caused by: %v", e.Cause)
	}
	return s
}

// Unwrap returns the underlying cause for errors.Is/As.
func (e *Error) Unwrap() error { return e.Cause }

// Is reports a match when target is an *Error carrying the same code and no
// message, which lets callers test with errors.Is(err, fault.New(code, "")).
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Message == "" && t.Code == e.Code
}

// New creates an Error with the given code and message.
func New(code Code, msg string) *Error {
	return &Error{Code: code, Message: msg}
}

// Newf creates an Error with a formatted message.
func Newf(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Wrap wraps err with a code and message.
func Wrap(err error, code Code, msg string) *Error {
	return &Error{Code: code, Message: msg, Cause: err}
}

// Wrapf wraps err with a code and formatted message.
func Wrapf(err error, code Code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...), Cause: err}
}

// WithMetadata attaches a key/value pair and returns e.
func (e *Error) WithMetadata(key, value string) *Error {
	if e.Metadata == nil {
		e.Metadata = make(map[string]string)
	}
	e.Metadata[key] = value
	return e
}

// CodeOf returns the code of the first *Error in err's chain, or Unknown.
func CodeOf(err error) Code {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Code
	}
	return Unknown
}

// IsCode reports whether any *Error in err's chain (including joined errors)
// carries code.
func IsCode(err error, code Code) bool {
	return errors.Is(err, &Error{Code: code})
}

// IsFatal reports whether err ends the session it occurred in. Runtime
// recreation, per-frame acquisition and teardown step failures are contained.
func IsFatal(err error) bool {
	switch CodeOf(err) {
	case PoolRecreationFailed, FrameAcquisitionFailed, TeardownStepFailed:
		return false
	case Unknown:
		return err != nil
	default:
		return true
	}
}

// IsRetriable reports whether the caller may retry with a different input.
// Only source resolution qualifies: another source may still be capturable.
// Device creation has no fallback chain.
func IsRetriable(err error) bool {
	return CodeOf(err) == SourceResolutionFailed
}
