package domain

import (
	"context"
	"errors"
)

var (
	ErrInvalidAmount          = errors.New("wallet: amount must be a positive integer")
	ErrSameAccount            = errors.New("wallet: sender equals recipient")
	ErrAccountNotFound        = errors.New("wallet: account not found")
	ErrInsufficientBalance    = errors.New("wallet: insufficient balance")
	ErrConflict               = errors.New("wallet: concurrent modification conflict")
	ErrStorageUnavailable     = errors.New("wallet: storage unavailable")
	ErrIdempotencyKeyRequired = errors.New("wallet: idempotency key is required")
	ErrIdempotencyKeyReused   = errors.New("wallet: idempotency key reused with a different payload")
	ErrInvalidIdentity        = errors.New("wallet: verified identity event is invalid")
	ErrForbidden              = errors.New("wallet: caller is not the sending account")
)

// ErrorKind is the stable code reported to callers for a failure
type ErrorKind string

const (
	KindInvalidAmount          ErrorKind = "INVALID_AMOUNT"
	KindSameAccount            ErrorKind = "SAME_ACCOUNT"
	KindAccountNotFound        ErrorKind = "ACCOUNT_NOT_FOUND"
	KindInsufficientBalance    ErrorKind = "INSUFFICIENT_BALANCE"
	KindConflict               ErrorKind = "CONCURRENT_MODIFICATION"
	KindStorageUnavailable     ErrorKind = "STORAGE_UNAVAILABLE"
	KindIdempotencyKeyRequired ErrorKind = "IDEMPOTENCY_KEY_REQUIRED"
	KindIdempotencyKeyReused   ErrorKind = "IDEMPOTENCY_KEY_REUSED"
	KindInvalidIdentity        ErrorKind = "INVALID_IDENTITY"
	KindForbidden              ErrorKind = "FORBIDDEN"
	KindCanceled               ErrorKind = "CANCELED"
	KindInternal               ErrorKind = "INTERNAL"
)

var kinds = []struct {
	err  error
	kind ErrorKind
}{
	{ErrInvalidAmount, KindInvalidAmount},
	{ErrSameAccount, KindSameAccount},
	{ErrAccountNotFound, KindAccountNotFound},
	{ErrInsufficientBalance, KindInsufficientBalance},
	{ErrConflict, KindConflict},
	{ErrStorageUnavailable, KindStorageUnavailable},
	{ErrIdempotencyKeyRequired, KindIdempotencyKeyRequired},
	{ErrIdempotencyKeyReused, KindIdempotencyKeyReused},
	{ErrInvalidIdentity, KindInvalidIdentity},
	{ErrForbidden, KindForbidden},
	{context.Canceled, KindCanceled},
	{context.DeadlineExceeded, KindCanceled},
}

// KindOf classifies an error; unknown errors are INTERNAL
func KindOf(err error) ErrorKind {
	if err == nil {
		return ""
	}
	for _, k := range kinds {
		if errors.Is(err, k.err) {
			return k.kind
		}
	}
	return KindInternal
}

// IsBusinessFailure reports whether err is a final outcome of the request
// itself rather than of the infrastructure serving it.
func IsBusinessFailure(err error) bool {
	return errors.Is(err, ErrAccountNotFound) || errors.Is(err, ErrInsufficientBalance)
}
