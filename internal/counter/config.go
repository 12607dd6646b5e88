package counter

import (
	"fmt"

	"github.com/go-playground/validator/v10"
	"github.com/pkg/errors"

	"github.com/dreamware/gridsync/internal/shard"
)

// DefaultConcurrencyLevel is the shard count hint used by WeakConfig when none is given.
const DefaultConcurrencyLevel = 16

// Type selects the counter implementation.
type Type int

const (
	// Weak counters are sharded and eventually consistent.
	Weak Type = iota
	// UnboundedStrong counters are a single atomically updated key.
	UnboundedStrong
	// BoundedStrong counters are strong counters confined to [LowerBound, UpperBound].
	BoundedStrong
)

func (t Type) String() string {
	switch t {
	case Weak:
		return "weak"
	case UnboundedStrong:
		return "unbounded-strong"
	case BoundedStrong:
		return "bounded-strong"
	default:
		return fmt.Sprintf("type(%d)", int(t))
	}
}

// ParseType parses the String form of a Type.
func ParseType(s string) (Type, error) {
	for _, t := range []Type{Weak, UnboundedStrong, BoundedStrong} {
		if t.String() == s {
			return t, nil
		}
	}
	return 0, errors.Wrapf(ErrInvalidConfiguration, "unknown counter type %q", s)
}

// Storage tells whether a counter value should survive a full cluster restart.
// It only matters for stores that persist; it is recorded with the definition.
type Storage int

const (
	Volatile Storage = iota
	Persistent
)

// Configuration describes a counter. It is fixed once the counter is defined.
type Configuration struct {
	Type             Type    `validate:"gte=0,lte=2"`
	Storage          Storage `validate:"gte=0,lte=1"`
	InitialValue     int64
	LowerBound       int64
	UpperBound       int64
	ConcurrencyLevel int `validate:"gte=0"`
}

// WeakConfig returns the configuration of a weak counter.
func WeakConfig(initial int64, concurrencyLevel int) Configuration {
	return Configuration{Type: Weak, InitialValue: initial, ConcurrencyLevel: concurrencyLevel}
}

// UnboundedStrongConfig returns the configuration of an unbounded strong counter.
func UnboundedStrongConfig(initial int64) Configuration {
	return Configuration{Type: UnboundedStrong, InitialValue: initial}
}

// BoundedStrongConfig returns the configuration of a strong counter confined to [lower, upper].
func BoundedStrongConfig(initial, lower, upper int64) Configuration {
	return Configuration{Type: BoundedStrong, InitialValue: initial, LowerBound: lower, UpperBound: upper}
}

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New()
	v.RegisterStructValidation(func(sl validator.StructLevel) {
		c := sl.Current().Interface().(Configuration)
		switch c.Type {
		case Weak:
			if c.ConcurrencyLevel < 1 || c.ConcurrencyLevel > shard.MaxSize {
				sl.ReportError(c.ConcurrencyLevel, "ConcurrencyLevel", "ConcurrencyLevel", "weak_concurrency", "")
			}
		case BoundedStrong:
			if c.LowerBound > c.UpperBound {
				sl.ReportError(c.LowerBound, "LowerBound", "LowerBound", "bounds_order", "")
			} else if c.InitialValue < c.LowerBound || c.InitialValue > c.UpperBound {
				sl.ReportError(c.InitialValue, "InitialValue", "InitialValue", "within_bounds", "")
			}
		}
	}, Configuration{})
	return v
}

// Validate checks c and returns an error wrapping ErrInvalidConfiguration.
func (c Configuration) Validate() error {
	if err := validate.Struct(c); err != nil {
		return errors.Wrap(ErrInvalidConfiguration, err.Error())
	}
	return nil
}

// inBounds reports whether v is acceptable for c.
func (c Configuration) inBounds(v int64) bool {
	if c.Type != BoundedStrong {
		return true
	}
	return v >= c.LowerBound && v <= c.UpperBound
}

// state classifies v against the bounds of c.
func (c Configuration) state(v int64) State {
	if c.Type != BoundedStrong {
		return Valid
	}
	switch {
	case v <= c.LowerBound:
		return LowerBoundReached
	case v >= c.UpperBound:
		return UpperBoundReached
	default:
		return Valid
	}
}
