package counter

import (
	"fmt"

	"github.com/pkg/errors"
)

var (
	// ErrInvalidConfiguration is returned for configurations that cannot be defined.
	ErrInvalidConfiguration = errors.New("invalid counter configuration")
	// ErrOutOfBounds is returned when a bounded counter update would leave its bounds.
	ErrOutOfBounds = errors.New("counter out of bounds")
	// ErrDestroyed is returned by operations on a destroyed counter instance.
	ErrDestroyed = errors.New("counter destroyed")
	// ErrNotDefined is returned when no configuration exists for a counter name.
	ErrNotDefined = errors.New("counter not defined")
	// ErrTypeMismatch is returned when a counter is requested with the wrong kind.
	ErrTypeMismatch = errors.New("counter type mismatch")
)

// Error is the single failure type returned by the synchronous counter API.
// Err holds the root cause, with wrapping layers stripped.
type Error struct {
	Op      string
	Counter string
	Err     error
}

func (e *Error) Error() string {
	return fmt.Sprintf("counter %q: %s: %v", e.Counter, e.Op, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// newError converts any failure into an *Error, unwrapping nested wrappers to
// the root cause. Existing *Error values are returned unchanged.
func newError(op, counter string, err error) error {
	if err == nil {
		return nil
	}
	var ce *Error
	if errors.As(err, &ce) {
		return ce
	}
	return &Error{Op: op, Counter: counter, Err: errors.Cause(err)}
}
