package stock

import (
	"errors"
	"fmt"
)

var (
	ErrUnknownProduct = &ValidationError{Field: "product_code", Reason: "unknown product"}
	ErrNoReservation  = &NotFoundError{What: "reservation"}
	ErrConflict       = &ConflictError{Op: "store"}
)

// ValidationError reports a request that references unknown entities or carries bad values.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation: %s: %s", e.Field, e.Reason)
}

func (e *ValidationError) Is(target error) bool {
	t, ok := target.(*ValidationError)
	return ok && (t.Field == "" || t.Field == e.Field) && (t.Reason == "" || t.Reason == e.Reason)
}

type InsufficientStockError struct {
	ProductCode string
	Requested   int
	Available   int
}

func (e *InsufficientStockError) Error() string {
	return fmt.Sprintf("insufficient stock for %s: available %d, requested %d", e.ProductCode, e.Available, e.Requested)
}

// ConflictError means a concurrency race was lost; the operation can be retried as a whole.
type ConflictError struct {
	Op  string
	Err error
}

func (e *ConflictError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("conflict in %s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("conflict in %s", e.Op)
}

func (e *ConflictError) Unwrap() error { return e.Err }

func (e *ConflictError) Is(target error) bool {
	_, ok := target.(*ConflictError)
	return ok
}

type NotFoundError struct {
	What string
	Key  string
}

func (e *NotFoundError) Error() string {
	if e.Key == "" {
		return e.What + " not found"
	}
	return fmt.Sprintf("%s %s not found", e.What, e.Key)
}

func (e *NotFoundError) Is(target error) bool {
	t, ok := target.(*NotFoundError)
	return ok && (t.What == "" || t.What == e.What)
}

// PersistenceError wraps an underlying store failure.
type PersistenceError struct {
	Op  string
	Err error
}

func (e *PersistenceError) Error() string { return fmt.Sprintf("persistence: %s: %v", e.Op, e.Err) }
func (e *PersistenceError) Unwrap() error { return e.Err }

func IsRetryable(err error) bool {
	var c *ConflictError
	return errors.As(err, &c)
}
