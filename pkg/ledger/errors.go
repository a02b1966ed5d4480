package ledger

import (
	"errors"
	"fmt"
)

// Domain-level error values returned by the ledger service.
var (
	ErrInsufficientCredit   = errors.New("insufficient credit")
	ErrUnknownOwner         = errors.New("unknown owner")
	ErrStoreUnavailable     = errors.New("store unavailable")
	ErrTransientConflict    = errors.New("transient store conflict")
	ErrDuplicatePurchase    = errors.New("duplicate purchase")
	ErrDuplicateTransaction = errors.New("duplicate transaction reference")
	ErrUnknownAccount       = errors.New("unknown account")
	ErrInvalidOwnerID       = errors.New("invalid owner id")
	ErrInvalidItemID        = errors.New("invalid item id")
	ErrInvalidItemType      = errors.New("invalid item type")
	ErrInvalidItemKey       = errors.New("invalid item key")
	ErrInvalidCredits       = errors.New("invalid credits")
	ErrInvalidGrantKey      = errors.New("invalid grant key")
	ErrInvalidDescription   = errors.New("invalid description")
	ErrInvalidMetadataJSON  = errors.New("invalid metadata json")
	ErrInvalidServiceConfig = errors.New("invalid service config")
	ErrInvalidBalance       = errors.New("invalid balance")
	ErrInvalidLogEntry      = errors.New("invalid transaction log entry")
	ErrInvalidCursor        = errors.New("invalid transaction cursor")
)

// InsufficientCreditError reports a rejected purchase together with the amounts involved.
type InsufficientCreditError struct {
	Required  Credits
	Available Credits
}

func (insufficientError InsufficientCreditError) Error() string {
	return fmt.Sprintf("%v: required %d, available %d", ErrInsufficientCredit, insufficientError.Required, insufficientError.Available)
}

// Unwrap exposes ErrInsufficientCredit to errors.Is.
func (insufficientError InsufficientCreditError) Unwrap() error {
	return ErrInsufficientCredit
}

// OperationError wraps a failure with a stable operation code.
type OperationError struct {
	operation string
	subject   string
	code      string
	err       error
}

// Error returns the formatted error message.
func (operationError OperationError) Error() string {
	return fmt.Sprintf("%s.%s.%s: %v", operationError.operation, operationError.subject, operationError.code, operationError.err)
}

// Unwrap returns the underlying error.
func (operationError OperationError) Unwrap() error {
	return operationError.err
}

// Operation returns the operation segment.
func (operationError OperationError) Operation() string {
	return operationError.operation
}

// Subject returns the subject segment.
func (operationError OperationError) Subject() string {
	return operationError.subject
}

// Code returns the stable error code segment.
func (operationError OperationError) Code() string {
	return operationError.code
}

// WrapError wraps an error with operation, subject, and code metadata.
func WrapError(operation string, subject string, code string, err error) error {
	if err == nil {
		return nil
	}
	return OperationError{
		operation: operation,
		subject:   subject,
		code:      code,
		err:       err,
	}
}

// ErrorKind is the stable, transport-neutral classification of a service failure.
type ErrorKind string

const (
	KindNone               ErrorKind = ""
	KindInsufficientCredit ErrorKind = "insufficient_credit"
	KindUnknownOwner       ErrorKind = "unknown_owner"
	KindStoreUnavailable   ErrorKind = "store_unavailable"
	KindInvalidArgument    ErrorKind = "invalid_argument"
	KindInternal           ErrorKind = "internal"
)

var invalidArgumentErrors = []error{
	ErrInvalidOwnerID,
	ErrInvalidItemID,
	ErrInvalidItemType,
	ErrInvalidItemKey,
	ErrInvalidCredits,
	ErrInvalidGrantKey,
	ErrInvalidDescription,
	ErrInvalidMetadataJSON,
	ErrInvalidCursor,
}

// KindOf classifies err for transports.
func KindOf(err error) ErrorKind {
	switch {
	case err == nil:
		return KindNone
	case errors.Is(err, ErrInsufficientCredit):
		return KindInsufficientCredit
	case errors.Is(err, ErrUnknownOwner):
		return KindUnknownOwner
	case errors.Is(err, ErrStoreUnavailable), errors.Is(err, ErrTransientConflict):
		return KindStoreUnavailable
	}
	for _, invalidError := range invalidArgumentErrors {
		if errors.Is(err, invalidError) {
			return KindInvalidArgument
		}
	}
	return KindInternal
}

// classifyStoreError keeps domain failures intact and folds everything else into ErrStoreUnavailable.
func classifyStoreError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrTransientConflict) {
		return err
	}
	if kind := KindOf(err); kind != KindInternal {
		return err
	}
	return fmt.Errorf("%w: %w", ErrStoreUnavailable, err)
}
