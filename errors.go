package dmremap

import (
	"errors"
	"fmt"

	"github.com/amigatomte/dm-remap-sub007/internal/interfaces"
)

// ErrorCode is the closed taxonomy of spec.md §7. Errors the engine
// raises itself carry one of these codes; a raw downstream device error
// can still reach the caller unwrapped (a failed read that triggered a
// remap returns the device's original error, and spare-device errors on
// a mapped sub-range are passed through as-is).
type ErrorCode string

const (
	ErrCodeInvalidArgument   ErrorCode = "invalid argument"
	ErrCodeDeviceMismatch    ErrorCode = "device mismatch"
	ErrCodeNoValidMetadata   ErrorCode = "no valid metadata"
	ErrCodeCorruptedMetadata ErrorCode = "corrupted metadata"
	ErrCodeAllocatorExhausted ErrorCode = "allocator exhausted"
	ErrCodeTransientIO       ErrorCode = "transient I/O error"
	ErrCodePermanentIO       ErrorCode = "permanent I/O error"
	ErrCodeStructuralIO      ErrorCode = "structural I/O error"
)

// Error is the structured error type every exported operation returns.
type Error struct {
	Op      string    // operation that failed, e.g. "Attach", "Submit"
	Logical uint64     // logical sector involved, if any
	HasSector bool
	Code    ErrorCode
	Msg     string
	Inner   error
}

func (e *Error) Error() string {
	sector := ""
	if e.HasSector {
		sector = fmt.Sprintf(" sector=%d", e.Logical)
	}
	msg := e.Msg
	if msg == "" {
		msg = string(e.Code)
	}
	if e.Op != "" {
		return fmt.Sprintf("dmremap: %s: %s%s", e.Op, msg, sector)
	}
	return fmt.Sprintf("dmremap: %s%s", msg, sector)
}

// Unwrap returns the wrapped error for errors.Is/As support.
func (e *Error) Unwrap() error { return e.Inner }

// Is supports errors.Is comparison by ErrorCode, independent of the
// Op/Msg/Inner fields.
func (e *Error) Is(target error) bool {
	te, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Code == te.Code
}

// NewError constructs an Error with no sector context.
func NewError(op string, code ErrorCode, msg string) *Error {
	return &Error{Op: op, Code: code, Msg: msg}
}

// NewSectorError constructs an Error for a failure tied to one logical
// sector.
func NewSectorError(op string, logical uint64, code ErrorCode, msg string) *Error {
	return &Error{Op: op, Logical: logical, HasSector: true, Code: code, Msg: msg}
}

// WrapError wraps inner under op, preserving its code if inner is
// already a structured *Error.
func WrapError(op string, code ErrorCode, inner error) *Error {
	if inner == nil {
		return nil
	}
	if existing, ok := inner.(*Error); ok {
		return &Error{
			Op:        op,
			Logical:   existing.Logical,
			HasSector: existing.HasSector,
			Code:      existing.Code,
			Msg:       existing.Msg,
			Inner:     existing.Inner,
		}
	}
	return &Error{Op: op, Code: code, Msg: inner.Error(), Inner: inner}
}

// IsCode reports whether err is a *Error carrying code.
func IsCode(err error, code ErrorCode) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Code == code
	}
	return false
}

// classifyDeviceError translates a downstream device's error
// classification into the closed ErrorCode taxonomy (Design Note
// "ad-hoc error codes": one narrow function owns this mapping).
func classifyDeviceError(class interfaces.ErrorClass) ErrorCode {
	switch class {
	case interfaces.ErrClassTransient:
		return ErrCodeTransientIO
	case interfaces.ErrClassPermanent:
		return ErrCodePermanentIO
	case interfaces.ErrClassStructural:
		return ErrCodeStructuralIO
	default:
		return ErrCodePermanentIO
	}
}

// classifyErr determines a downstream error's ErrorClass: if it
// implements interfaces.ClassifiedError, that classification is used
// directly; otherwise it is treated conservatively as Permanent
// (spec.md §7: PermanentIO is always safe to act on).
func classifyErr(err error) interfaces.ErrorClass {
	if err == nil {
		return interfaces.ErrClassOK
	}
	if ce, ok := err.(interfaces.ClassifiedError); ok {
		return ce.Class()
	}
	return interfaces.ErrClassPermanent
}
