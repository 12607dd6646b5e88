package counter

import "context"

// SyncStrongCounter is a blocking view of a StrongCounter.
//
// Each call waits for the underlying future. Any failure is returned as a
// single *Error whose Err is the root cause: one of the package sentinels, a
// store error, or the context error when ctx ended first.
type SyncStrongCounter struct {
	c *StrongCounter
}

// NewSyncStrongCounter wraps c.
func NewSyncStrongCounter(c *StrongCounter) *SyncStrongCounter {
	return &SyncStrongCounter{c: c}
}

// Name returns the counter name.
func (s *SyncStrongCounter) Name() string { return s.c.Name() }

// Unwrap returns the asynchronous counter.
func (s *SyncStrongCounter) Unwrap() *StrongCounter { return s.c }

func (s *SyncStrongCounter) AddAndGet(ctx context.Context, delta int64) (int64, error) {
	v, err := s.c.AddAndGet(ctx, delta).Get(ctx)
	return v, newError("add", s.c.name, err)
}

func (s *SyncStrongCounter) IncrementAndGet(ctx context.Context) (int64, error) {
	return s.AddAndGet(ctx, 1)
}

func (s *SyncStrongCounter) DecrementAndGet(ctx context.Context) (int64, error) {
	return s.AddAndGet(ctx, -1)
}

func (s *SyncStrongCounter) CompareAndSwap(ctx context.Context, expect, update int64) (int64, error) {
	v, err := s.c.CompareAndSwap(ctx, expect, update).Get(ctx)
	return v, newError("compare-and-swap", s.c.name, err)
}

func (s *SyncStrongCounter) CompareAndSet(ctx context.Context, expect, update int64) (bool, error) {
	ok, err := s.c.CompareAndSet(ctx, expect, update).Get(ctx)
	return ok, newError("compare-and-set", s.c.name, err)
}

func (s *SyncStrongCounter) Reset(ctx context.Context) error {
	_, err := s.c.Reset(ctx).Get(ctx)
	return newError("reset", s.c.name, err)
}

func (s *SyncStrongCounter) Value(ctx context.Context) (int64, error) {
	v, err := s.c.Value(ctx).Get(ctx)
	return v, newError("get", s.c.name, err)
}

func (s *SyncStrongCounter) Remove(ctx context.Context) error {
	_, err := s.c.Remove(ctx).Get(ctx)
	return newError("remove", s.c.name, err)
}

// SyncWeakCounter is a blocking view of a WeakCounter with the same error
// contract as SyncStrongCounter.
type SyncWeakCounter struct {
	c *WeakCounter
}

// NewSyncWeakCounter wraps c.
func NewSyncWeakCounter(c *WeakCounter) *SyncWeakCounter {
	return &SyncWeakCounter{c: c}
}

func (s *SyncWeakCounter) Name() string { return s.c.Name() }

func (s *SyncWeakCounter) Unwrap() *WeakCounter { return s.c }

// Value never blocks; it sums the local snapshot.
func (s *SyncWeakCounter) Value() int64 { return s.c.Value() }

func (s *SyncWeakCounter) Add(ctx context.Context, delta int64) error {
	_, err := s.c.Add(ctx, delta).Get(ctx)
	return newError("add", s.c.name, err)
}

func (s *SyncWeakCounter) Increment(ctx context.Context) error { return s.Add(ctx, 1) }

func (s *SyncWeakCounter) Decrement(ctx context.Context) error { return s.Add(ctx, -1) }

func (s *SyncWeakCounter) Reset(ctx context.Context) error {
	_, err := s.c.Reset(ctx).Get(ctx)
	return newError("reset", s.c.name, err)
}

func (s *SyncWeakCounter) Remove(ctx context.Context) error {
	_, err := s.c.Remove(ctx).Get(ctx)
	return newError("remove", s.c.name, err)
}
