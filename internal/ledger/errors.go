package ledger

import (
	"fmt"

	"github.com/pkg/errors"
)

// Precondition failures are ordinary results: they never leave a partial
// mutation behind.
var (
	ErrAccountNotFound      = errors.New("account not found")
	ErrAccountAlreadyExists = errors.New("account already exists")
	ErrInvalidAmount        = errors.New("amount must be > 0")
	ErrInsufficientFunds    = errors.New("insufficient funds")
	ErrConcurrencyTimeout   = errors.New("timed out waiting for account lock")
	ErrStorageFault         = errors.New("storage fault")
)

// StorageError reports a failed call to the persistence store. It matches
// ErrStorageFault with errors.Is and unwraps to the driver error.
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("storage fault during %s: %v", e.Op, e.Err)
}

func (e *StorageError) Unwrap() error { return e.Err }

func (e *StorageError) Is(target error) bool { return target == ErrStorageFault }

func storageFault(op string, err error) error {
	return &StorageError{Op: op, Err: err}
}
