package eventstore

import (
	"errors"
	"fmt"
)

var (
	ErrChainBroken   = errors.New("hash chain is broken")
	ErrValidation    = errors.New("invalid event")
	ErrEventNotFound = errors.New("event not found")
	ErrEmptyExport   = errors.New("no events in export range")
	ErrClosed        = errors.New("journal closed")
)

// IntegrityError reports the first event at which verification failed.
// Index is the 0-based position in the verified slice.
type IntegrityError struct {
	Index    int
	Sequence uint64
	Reason   string
	Err      error
}

func (e *IntegrityError) Error() string {
	return fmt.Sprintf("%v: event index %d (sequence %d): %s", e.Unwrap(), e.Index, e.Sequence, e.Reason)
}

func (e *IntegrityError) Unwrap() error {
	if e.Err != nil {
		return e.Err
	}
	return ErrChainBroken
}

// ValidationError rejects malformed input before anything is appended.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%v: %s: %s", ErrValidation, e.Field, e.Reason)
}

func (e *ValidationError) Unwrap() error { return ErrValidation }
