package ciss

import (
	"errors"
	"fmt"

	"github.com/ehrlich-b/go-ciss/internal/ctrl"
)

// Error represents a structured controller error with context
type Error struct {
	Op    string        // Operation that failed (e.g., "ATTACH", "SYNC_SEND")
	Ctlr  string        // Controller name ("" if not applicable)
	Tag   int           // Command tag (-1 if not applicable)
	Code  CissErrorCode // High-level error category
	Msg   string        // Human-readable message
	Inner error         // Wrapped error
}

// Error implements the error interface
func (e *Error) Error() string {
	var parts []string

	if e.Op != "" {
		parts = append(parts, fmt.Sprintf("op=%s", e.Op))
	}

	if e.Ctlr != "" {
		parts = append(parts, fmt.Sprintf("ctlr=%s", e.Ctlr))
	}

	if e.Tag >= 0 {
		parts = append(parts, fmt.Sprintf("tag=%d", e.Tag))
	}

	msg := e.Msg
	if msg == "" {
		msg = string(e.Code)
	}

	if len(parts) > 0 {
		return fmt.Sprintf("ciss: %s (%s)", msg, parts[0])
	}

	return fmt.Sprintf("ciss: %s", msg)
}

// Unwrap returns the wrapped error for errors.Is/As support
func (e *Error) Unwrap() error {
	return e.Inner
}

// Is matches another structured Error by code
func (e *Error) Is(target error) bool {
	if te, ok := target.(*Error); ok {
		return e.Code == te.Code
	}
	return false
}

// CissErrorCode represents high-level error categories
type CissErrorCode string

const (
	ErrCodeDeviceUnavailable CissErrorCode = "controller locked up"
	ErrCodeTimeout           CissErrorCode = "timeout"
	ErrCodeInterrupted       CissErrorCode = "interrupted"
	ErrCodePoolExhausted     CissErrorCode = "command pool exhausted"
	ErrCodeInvalidParameters CissErrorCode = "invalid parameters"
	ErrCodeHardwareAccess    CissErrorCode = "hardware access fault"
	ErrCodeCommandFailed     CissErrorCode = "command failed"
	ErrCodeQuiesceFailed     CissErrorCode = "quiesce failed"
	ErrCodeNotReady          CissErrorCode = "controller not ready"
	ErrCodeNotSupported      CissErrorCode = "controller not supported"
	ErrCodeIOError           CissErrorCode = "I/O error"
)

// Engine errors, usable with errors.Is on anything this package returns.
var (
	ErrLockedUp       = ctrl.ErrLockedUp
	ErrTimeout        = ctrl.ErrTimeout
	ErrInterrupted    = ctrl.ErrInterrupted
	ErrPoolExhausted  = ctrl.ErrPoolExhausted
	ErrNoCallback     = ctrl.ErrNoCallback
	ErrNotOwner       = ctrl.ErrNotOwner
	ErrHardwareAccess = ctrl.ErrHardwareAccess
	ErrQuiesce        = ctrl.ErrQuiesce
	ErrNotReady       = ctrl.ErrNotReady
	ErrUnsupported    = ctrl.ErrUnsupported
	ErrCommandFailed  = ctrl.ErrCommandFailed
)

// Error constructors

// NewError creates a new structured error
func NewError(op string, code CissErrorCode, msg string) *Error {
	return &Error{
		Op:   op,
		Tag:  -1,
		Code: code,
		Msg:  msg,
	}
}

// NewControllerError creates a new controller-specific error
func NewControllerError(op, ctlr string, code CissErrorCode, msg string) *Error {
	return &Error{
		Op:   op,
		Ctlr: ctlr,
		Tag:  -1,
		Code: code,
		Msg:  msg,
	}
}

// WrapError wraps an existing error with controller context
func WrapError(op string, inner error) *Error {
	if inner == nil {
		return nil
	}

	// If it's already a structured error, just update the operation
	var ce *Error
	if errors.As(inner, &ce) {
		return &Error{
			Op:    op,
			Ctlr:  ce.Ctlr,
			Tag:   ce.Tag,
			Code:  ce.Code,
			Msg:   ce.Msg,
			Inner: ce.Inner,
		}
	}

	return &Error{
		Op:    op,
		Tag:   -1,
		Code:  mapErrorToCode(inner),
		Msg:   inner.Error(),
		Inner: inner,
	}
}

// wrapCommandError is WrapError for an operation on one command block
func wrapCommandError(op, ctlr string, tag uint32, inner error) error {
	if inner == nil {
		return nil
	}
	e := WrapError(op, inner)
	e.Ctlr = ctlr
	e.Tag = int(tag)
	return e
}

// mapErrorToCode maps engine errors to error codes
func mapErrorToCode(err error) CissErrorCode {
	switch {
	case errors.Is(err, ctrl.ErrLockedUp):
		return ErrCodeDeviceUnavailable
	case errors.Is(err, ctrl.ErrTimeout):
		return ErrCodeTimeout
	case errors.Is(err, ctrl.ErrInterrupted):
		return ErrCodeInterrupted
	case errors.Is(err, ctrl.ErrPoolExhausted):
		return ErrCodePoolExhausted
	case errors.Is(err, ctrl.ErrNoCallback), errors.Is(err, ctrl.ErrNotOwner):
		return ErrCodeInvalidParameters
	case errors.Is(err, ctrl.ErrHardwareAccess):
		return ErrCodeHardwareAccess
	case errors.Is(err, ctrl.ErrCommandFailed):
		return ErrCodeCommandFailed
	case errors.Is(err, ctrl.ErrQuiesce):
		return ErrCodeQuiesceFailed
	case errors.Is(err, ctrl.ErrNotReady):
		return ErrCodeNotReady
	case errors.Is(err, ctrl.ErrUnsupported):
		return ErrCodeNotSupported
	default:
		return ErrCodeIOError
	}
}

// IsCode checks if an error matches a specific error code
func IsCode(err error, code CissErrorCode) bool {
	var ce *Error
	if errors.As(err, &ce) {
		return ce.Code == code
	}
	return false
}
