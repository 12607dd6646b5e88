package readlock

import (
	"context"

	"go.uber.org/zap"

	"github.com/dreamware/gridsync/internal/retry"
)

// Locker guards the physical deletion of objects with read locks.
//
// AcquireReadLock returns false, with a nil error, when the object is gone or
// being deleted: that is a normal outcome. A non-nil error always means the
// answer is unknown, for example because the store failed or ctx ended.
//
// DeleteOrReleaseReadLock drops one reference. Called without a prior acquire
// it drops the reference held by the object's existence, which is how objects
// are deleted. Whoever drops the last reference performs the deletion.
type Locker interface {
	AcquireReadLock(ctx context.Context, name string) (bool, error)
	DeleteOrReleaseReadLock(ctx context.Context, name string) error
}

// Option configures lockers.
type Option func(*options)

type options struct {
	logger *zap.Logger
	retry  retry.Policy
}

// WithLogger sets the logger. The default discards everything.
func WithLogger(logger *zap.Logger) Option {
	return func(o *options) { o.logger = logger }
}

// WithRetryPolicy sets the policy of the compare-and-swap loops.
func WithRetryPolicy(p retry.Policy) Option {
	return func(o *options) { o.retry = p }
}

func newOptions(opts []Option) options {
	o := options{retry: retry.BusySpin()}
	for _, opt := range opts {
		opt(&o)
	}
	if o.logger == nil {
		o.logger = zap.NewNop()
	}
	return o
}
