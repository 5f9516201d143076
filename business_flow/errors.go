// Package businessflow contains the core business logic of the versioning engine.
package businessflow

import (
	"errors"
	"fmt"
)

// Business flow error constants
var (
	// ErrPersistence wraps ledger write/read failures. Surfaced to callers
	// so event-level retry can re-deliver the bump.
	ErrPersistence = errors.New("version ledger persistence failed")

	// ErrNoDataTypes is returned when an operation requires at least one
	// data type and none were provided.
	ErrNoDataTypes = errors.New("no data types provided")

	// ErrValidationBusy is returned when the validation lock is held by
	// another repair run.
	ErrValidationBusy = errors.New("consistency validation already in progress")
)

type BusinessError struct {
	Code    string
	Message string
	Err     error
}

func (e *BusinessError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *BusinessError) Unwrap() error {
	return e.Err
}

func NewBusinessError(code, message string, err error) *BusinessError {
	return &BusinessError{
		Code:    code,
		Message: message,
		Err:     err,
	}
}

func IsPersistenceError(err error) bool {
	return errors.Is(err, ErrPersistence)
}

func IsNoDataTypes(err error) bool {
	return errors.Is(err, ErrNoDataTypes)
}

func IsValidationBusy(err error) bool {
	return errors.Is(err, ErrValidationBusy)
}

// persistence tags err as a ledger persistence failure while keeping the
// original chain intact.
func persistence(err error) error {
	return fmt.Errorf("%w: %v", ErrPersistence, err)
}
