package engine

import (
	"errors"
	"fmt"
)

var (
	// ErrConflict marks a mutation that is not valid for the jorb's current state.
	ErrConflict = errors.New("conflict")
	// ErrTerminal is returned for any mutation of a complete, failed or cancelled jorb.
	ErrTerminal = fmt.Errorf("%w: jorb is terminal", ErrConflict)
	// ErrInvalid marks bad caller input.
	ErrInvalid = errors.New("invalid input")
)

type TransitionError struct {
	ID   string
	Op   string
	From string
	To   string
}

func (e *TransitionError) Error() string {
	if e.Op != "" {
		return fmt.Sprintf("cannot %s jorb %s: invalid status transition %s -> %s", e.Op, e.ID, e.From, e.To)
	}
	return fmt.Sprintf("jorb %s: invalid status transition %s -> %s", e.ID, e.From, e.To)
}

func (e *TransitionError) Unwrap() error { return ErrConflict }

func invalid(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalid, fmt.Sprintf(format, args...))
}

func isConflict(err error) bool {
	return errors.Is(err, ErrConflict)
}
