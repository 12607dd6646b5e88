package counter

import (
	"context"

	"github.com/pkg/errors"
	"go.uber.org/atomic"
	"go.uber.org/zap"

	"github.com/dreamware/gridsync/internal/retry"
	"github.com/dreamware/gridsync/internal/storage"
)

// StrongKeyPrefix is the store namespace of strong counters.
const StrongKeyPrefix = "strong/"

// StrongKey returns the store key of the strong counter name.
func StrongKey(name string) string {
	return StrongKeyPrefix + name
}

// StrongCounter is a counter stored under a single key and updated with
// compare-and-swap, so every operation is linearizable.
//
// Every operation returns a Future; use SyncStrongCounter for a blocking API.
// A missing key reads as the initial value. Bounded counters reject any update
// whose result would leave [LowerBound, UpperBound] with ErrOutOfBounds and
// leave the stored value untouched.
type StrongCounter struct {
	name   string
	key    string
	cfg    Configuration
	store  storage.Store
	opts   options
	logger *zap.Logger

	listeners   *listenerSet
	last        atomic.Pointer[shardCell]
	closed      atomic.Bool
	cancelWatch func()
}

// NewStrongCounter creates a strong counter over store and starts tracking
// its changes for listeners.
func NewStrongCounter(name string, cfg Configuration, store storage.Store, opts ...Option) (*StrongCounter, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.Type == Weak {
		return nil, errors.Wrapf(ErrInvalidConfiguration, "counter %q is weak, not strong", name)
	}
	o := newOptions(opts)
	logger := o.logger.Named("strong").With(zap.String("counter", name))
	c := &StrongCounter{
		name:      name,
		key:       StrongKey(name),
		cfg:       cfg,
		store:     store,
		opts:      o,
		logger:    logger,
		listeners: newListenerSet(logger),
	}

	c.cancelWatch = store.Watch(c.key, c.onChange)
	entry, err := store.Get(c.key)
	switch {
	case errors.Is(err, storage.ErrKeyNotFound):
		c.track(shardCell{value: cfg.InitialValue})
	case err != nil:
		c.cancelWatch()
		return nil, errors.Wrapf(err, "read %s", c.key)
	default:
		v, err := storage.DecodeInt64(entry.Value)
		if err != nil {
			c.cancelWatch()
			return nil, errors.Wrapf(err, "decode %s", c.key)
		}
		c.track(shardCell{value: v, revision: entry.Revision})
	}
	return c, nil
}

// Name returns the counter name.
func (c *StrongCounter) Name() string { return c.name }

// Configuration returns the counter configuration.
func (c *StrongCounter) Configuration() Configuration { return c.cfg }

// AddListener registers l for value changes.
func (c *StrongCounter) AddListener(l Listener) *Handle {
	return c.listeners.add(l)
}

func (c *StrongCounter) track(cell shardCell) (int64, bool) {
	for {
		old := c.last.Load()
		if old != nil && old.revision >= cell.revision {
			return old.value, false
		}
		if c.last.CompareAndSwap(old, &cell) {
			if old == nil {
				return c.cfg.InitialValue, true
			}
			return old.value, true
		}
	}
}

func (c *StrongCounter) onChange(ev storage.Event) {
	if ev.Key != c.key {
		return
	}
	value := c.cfg.InitialValue
	if !ev.Deleted {
		v, err := storage.DecodeInt64(ev.Value)
		if err != nil {
			c.logger.Warn("ignoring undecodable value", zap.Error(err))
			return
		}
		value = v
	}
	old, swapped := c.track(shardCell{value: value, revision: ev.Revision})
	if !swapped || old == value {
		return
	}
	c.listeners.emit(Event{
		Counter:  c.name,
		OldValue: old,
		NewValue: value,
		OldState: c.cfg.state(old),
		NewState: c.cfg.state(value),
	})
}

// read returns the current value and the stored bytes, nil when absent.
func (c *StrongCounter) read() (int64, []byte, error) {
	entry, err := c.store.Get(c.key)
	if errors.Is(err, storage.ErrKeyNotFound) {
		return c.cfg.InitialValue, nil, nil
	}
	if err != nil {
		return 0, nil, errors.Wrapf(err, "read %s", c.key)
	}
	v, err := storage.DecodeInt64(entry.Value)
	if err != nil {
		return 0, nil, errors.Wrapf(err, "decode %s", c.key)
	}
	return v, entry.Value, nil
}

// write swaps the stored bytes from current to v. A nil current means the key
// was absent.
func (c *StrongCounter) write(current []byte, v int64) (bool, error) {
	next := storage.EncodeInt64(v)
	if current == nil {
		_, loaded, err := c.store.PutIfAbsent(c.key, next)
		return !loaded, errors.Wrapf(err, "create %s", c.key)
	}
	ok, err := c.store.Replace(c.key, current, next)
	return ok, errors.Wrapf(err, "replace %s", c.key)
}

func (c *StrongCounter) checkBounds(v int64) error {
	if !c.cfg.inBounds(v) {
		return errors.Wrapf(ErrOutOfBounds, "%d outside [%d, %d]", v, c.cfg.LowerBound, c.cfg.UpperBound)
	}
	return nil
}

func (c *StrongCounter) run(op string, fn func() (int64, error)) *Future[int64] {
	if c.closed.Load() {
		return Completed(int64(0), errors.WithStack(ErrDestroyed))
	}
	return Go(func() (int64, error) {
		v, err := fn()
		if err != nil {
			c.logger.Debug("operation failed", zap.String("op", op), zap.Error(err))
		}
		return v, err
	})
}

// AddAndGet adds delta and returns the new value.
func (c *StrongCounter) AddAndGet(ctx context.Context, delta int64) *Future[int64] {
	return c.run("add", func() (int64, error) {
		var result int64
		retries, err := retry.Until(ctx, c.opts.retry, func() (bool, error) {
			v, cur, err := c.read()
			if err != nil {
				return false, err
			}
			next := addSaturated(v, delta)
			if err := c.checkBounds(next); err != nil {
				return false, err
			}
			result = next
			return c.write(cur, next)
		})
		observe(c.cfg.Type, "add", retries, err)
		return result, err
	})
}

// IncrementAndGet adds one and returns the new value.
func (c *StrongCounter) IncrementAndGet(ctx context.Context) *Future[int64] {
	return c.AddAndGet(ctx, 1)
}

// DecrementAndGet subtracts one and returns the new value.
func (c *StrongCounter) DecrementAndGet(ctx context.Context) *Future[int64] {
	return c.AddAndGet(ctx, -1)
}

// CompareAndSwap sets the value to update if it currently is expect. It
// returns the value witnessed before the update, which equals expect on success.
func (c *StrongCounter) CompareAndSwap(ctx context.Context, expect, update int64) *Future[int64] {
	return c.run("cas", func() (int64, error) {
		var witnessed int64
		retries, err := retry.Until(ctx, c.opts.retry, func() (bool, error) {
			v, cur, err := c.read()
			if err != nil {
				return false, err
			}
			witnessed = v
			if v != expect {
				return true, nil
			}
			if err := c.checkBounds(update); err != nil {
				return false, err
			}
			return c.write(cur, update)
		})
		observe(c.cfg.Type, "cas", retries, err)
		return witnessed, err
	})
}

// CompareAndSet is CompareAndSwap reporting only whether the update happened.
func (c *StrongCounter) CompareAndSet(ctx context.Context, expect, update int64) *Future[bool] {
	if c.closed.Load() {
		return Completed(false, errors.WithStack(ErrDestroyed))
	}
	swap := c.CompareAndSwap(ctx, expect, update)
	return Go(func() (bool, error) {
		witnessed, err := swap.Wait()
		return err == nil && witnessed == expect, err
	})
}

// Reset sets the value back to the initial value.
func (c *StrongCounter) Reset(ctx context.Context) *Future[struct{}] {
	f := c.run("reset", func() (int64, error) {
		retries, err := retry.Until(ctx, c.opts.retry, func() (bool, error) {
			v, cur, err := c.read()
			if err != nil || cur == nil || v == c.cfg.InitialValue {
				return err == nil, err
			}
			return c.write(cur, c.cfg.InitialValue)
		})
		observe(c.cfg.Type, "reset", retries, err)
		return c.cfg.InitialValue, err
	})
	return discard(f)
}

// Value reads the current value from the store.
func (c *StrongCounter) Value(ctx context.Context) *Future[int64] {
	return c.run("get", func() (int64, error) {
		if err := ctx.Err(); err != nil {
			return 0, errors.WithStack(err)
		}
		v, _, err := c.read()
		observe(c.cfg.Type, "get", 0, err)
		return v, err
	})
}

// Remove deletes the stored value; the counter reads as its initial value
// afterwards.
func (c *StrongCounter) Remove(ctx context.Context) *Future[struct{}] {
	f := c.run("remove", func() (int64, error) {
		if err := ctx.Err(); err != nil {
			return 0, errors.WithStack(err)
		}
		_, _, err := c.store.Remove(c.key)
		observe(c.cfg.Type, "remove", 0, err)
		return 0, errors.Wrapf(err, "remove %s", c.key)
	})
	return discard(f)
}

// Close stops tracking changes. Later operations fail with ErrDestroyed.
func (c *StrongCounter) Close() {
	if c.closed.CompareAndSwap(false, true) {
		c.cancelWatch()
	}
}

func discard[T any](f *Future[T]) *Future[struct{}] {
	return Go(func() (struct{}, error) {
		_, err := f.Wait()
		return struct{}{}, err
	})
}
