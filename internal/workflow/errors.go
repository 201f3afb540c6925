package workflow

import (
	"context"
	"errors"
	"fmt"

	"github.com/mattjoyce/cellhost/internal/guest"
	"github.com/mattjoyce/cellhost/internal/store"
	"github.com/mattjoyce/cellhost/internal/workspace"
)

// Code classifies a workflow failure.
type Code string

const (
	CodeCapabilityDenied    Code = "CapabilityDenied"
	CodeStoreNotInitialized Code = "StoreNotInitialized"
	CodeEmptyStore          Code = "EmptyStore"
	CodeInvalidValue        Code = "InvalidValue"
	CodeSerialization       Code = "SerializationError"
	CodeStoreAccess         Code = "StoreAccessError"
	CodeGuest               Code = "GuestError"
	CodeDispatch            Code = "DispatchError"
	CodeNotImplemented      Code = "NotImplemented"
	CodeCancelled           Code = "Cancelled"
)

// Error is the value every workflow and engine failure is reported as.
type Error struct {
	Code Code
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Op, e.Code)
	}
	return fmt.Sprintf("%s: %s: %v", e.Op, e.Code, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// E builds an *Error.
func E(code Code, op string, err error) error {
	return &Error{Code: code, Op: op, Err: err}
}

// CodeOf returns the code of the outermost *Error in err's chain, or "".
func CodeOf(err error) Code {
	var we *Error
	if errors.As(err, &we) {
		return we.Code
	}
	return ""
}

func IsCode(err error, code Code) bool { return CodeOf(err) == code }

// Retryable reports whether resubmitting the same invocation may succeed.
func Retryable(err error) bool {
	switch CodeOf(err) {
	case CodeStoreAccess, CodeDispatch:
		return store.IsRetryable(err)
	}
	return false
}

// StoreError classifies a store or workspace error. Errors that are
// already classified pass through.
func StoreError(op string, err error) error {
	if err == nil {
		return nil
	}
	var we *Error
	if errors.As(err, &we) {
		return err
	}
	switch {
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return E(CodeCancelled, op, err)
	case errors.Is(err, store.ErrStoreNotInitialized):
		return E(CodeStoreNotInitialized, op, err)
	case errors.Is(err, store.ErrEmptyStore):
		return E(CodeEmptyStore, op, err)
	case errors.Is(err, store.ErrUnknownSnapshot), errors.Is(err, store.ErrCellNotFound),
		errors.Is(err, workspace.ErrKeyNotFound), errors.Is(err, workspace.ErrInvalidKey):
		return E(CodeInvalidValue, op, err)
	default:
		return E(CodeStoreAccess, op, err)
	}
}

// guestError classifies a guest.Runtime failure.
func guestError(op string, err error) error {
	switch {
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return E(CodeCancelled, op, err)
	case errors.Is(err, guest.ErrSerialization):
		return E(CodeSerialization, op, err)
	case errors.Is(err, store.ErrStoreNotInitialized), errors.Is(err, store.ErrEmptyStore):
		return StoreError(op, err)
	default:
		return E(CodeGuest, op, err)
	}
}
