package bulkq

import (
	"errors"
	"fmt"
)

var (
	// ErrRecordNotFound is returned by RecordReader lookups that match nothing.
	ErrRecordNotFound = errors.New("bulkq: record not found")
	// ErrNoItems is returned when an enqueue request carries no records.
	ErrNoItems = errors.New("bulkq: no items to enqueue")
)

// PanicError carries a panic recovered from the worker or the batch
// processor so it can be classified and recorded like any other failure.
type PanicError struct {
	Value any
	Stack []byte
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("panic: %v", e.Value)
}

// Unwrap exposes the panic value when it is itself an error.
func (e *PanicError) Unwrap() error {
	if err, ok := e.Value.(error); ok {
		return err
	}
	return nil
}
