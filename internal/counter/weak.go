package counter

import (
	"context"
	"sync"

	"github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"
	"go.uber.org/atomic"
	"go.uber.org/zap"

	"github.com/dreamware/gridsync/internal/retry"
	"github.com/dreamware/gridsync/internal/shard"
	"github.com/dreamware/gridsync/internal/storage"
)

type weakState int32

const (
	uninitialized weakState = iota
	initializing
	active
	destroyed
)

// shardCell is the locally cached value of one shard and the store revision it
// was read at.
type shardCell struct {
	value    int64
	revision uint64
}

// WeakCounter is a counter split over several independently stored shards.
//
// Writes go to a single shard picked by the shard selector, so concurrent
// writers on different nodes rarely touch the same key. Reads never hit the
// store: every instance keeps a snapshot of all shards, refreshed by a store
// watch on the counter prefix, and Value sums the snapshot.
//
// Consistency:
//   - Each shard is updated with compare-and-swap; no update is ever lost
//   - Value may observe a torn state while other shards are being written
//   - Reset and Remove touch shards independently and are not atomic
//
// Lifecycle:
//
//	Uninitialized → Init → Active → Destroy → Destroyed
//
// Thread Safety:
// All methods are safe for concurrent use.
type WeakCounter struct {
	name     string
	cfg      Configuration
	store    storage.Store
	selector *shard.Selector
	cells    []atomic.Pointer[shardCell]
	opts     options
	logger   *zap.Logger

	listeners *listenerSet
	seq       atomic.Uint64
	state     atomic.Int32

	mu          sync.Mutex // serializes Init and Destroy
	cancelWatch func()
	removeTopo  func()
}

// NewWeakCounter creates an uninitialized weak counter over store. Init must
// be called before Value reflects the stored shards.
//
// Parameters:
//   - name: Counter name, used as the store key namespace
//   - cfg: A valid Weak configuration
//   - store: Shared store holding the shards
//
// Returns ErrInvalidConfiguration when cfg is not a valid weak configuration.
func NewWeakCounter(name string, cfg Configuration, store storage.Store, opts ...Option) (*WeakCounter, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.Type != Weak {
		return nil, errors.Wrapf(ErrInvalidConfiguration, "counter %q is %s, not weak", name, cfg.Type)
	}
	o := newOptions(opts)
	var oracle shard.Oracle
	if o.topology != nil {
		oracle = o.topology
	}
	keys := shard.NewKeys(name, cfg.ConcurrencyLevel)
	logger := o.logger.Named("weak").With(zap.String("counter", name))
	return &WeakCounter{
		name:      name,
		cfg:       cfg,
		store:     store,
		selector:  shard.NewSelector(keys, oracle),
		cells:     make([]atomic.Pointer[shardCell], len(keys)),
		opts:      o,
		logger:    logger,
		listeners: newListenerSet(logger),
	}, nil
}

// Name returns the counter name.
func (c *WeakCounter) Name() string { return c.name }

// Configuration returns the counter configuration.
func (c *WeakCounter) Configuration() Configuration { return c.cfg }

// Shards returns the number of shards.
func (c *WeakCounter) Shards() int { return len(c.cells) }

// Init loads the current shard values and subscribes to their changes.
//
// The watch is registered before the shards are read, so no mutation is missed
// between the two; the snapshot only ever moves to newer store revisions, which
// makes the order of watch events and initial reads irrelevant. Calling Init on
// an active counter is a no-op.
func (c *WeakCounter) Init(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch weakState(c.state.Load()) {
	case active:
		return nil
	case destroyed:
		return errors.WithStack(ErrDestroyed)
	}
	c.state.Store(int32(initializing))

	c.cancelWatch = c.store.Watch(shard.Prefix(c.name), c.generate)
	for _, key := range c.selector.Keys() {
		if err := ctx.Err(); err != nil {
			c.abortInit()
			return errors.WithStack(err)
		}
		entry, err := c.store.Get(key.String())
		switch {
		case errors.Is(err, storage.ErrKeyNotFound):
			c.apply(key.Index, shardCell{value: defaultValue(key.Index, c.cfg.InitialValue)})
		case err != nil:
			c.abortInit()
			return errors.Wrapf(err, "read shard %s", key)
		default:
			v, err := storage.DecodeInt64(entry.Value)
			if err != nil {
				c.abortInit()
				return errors.Wrapf(err, "decode shard %s", key)
			}
			c.apply(key.Index, shardCell{value: v, revision: entry.Revision})
		}
	}

	if c.opts.topology != nil {
		c.removeTopo = c.opts.topology.AddListener(c.selector.UpdatePreferredKeys)
	}
	c.selector.UpdatePreferredKeys()
	c.state.Store(int32(active))

	c.logger.Debug("weak counter initialized",
		zap.Int("shards", len(c.cells)),
		zap.Int("preferred", len(c.selector.PreferredKeys())),
	)
	return nil
}

func (c *WeakCounter) abortInit() {
	c.cancelWatch()
	c.cancelWatch = nil
	c.state.Store(int32(uninitialized))
}

// apply installs cell for shard index unless the cached cell is at least as
// recent. It returns the previous value and whether the cell was swapped.
func (c *WeakCounter) apply(index int, cell shardCell) (int64, bool) {
	for {
		old := c.cells[index].Load()
		if old != nil && old.revision >= cell.revision {
			return old.value, false
		}
		if c.cells[index].CompareAndSwap(old, &cell) {
			if old == nil {
				return defaultValue(index, c.cfg.InitialValue), true
			}
			return old.value, true
		}
	}
}

// generate folds one store mutation into the snapshot and notifies listeners.
func (c *WeakCounter) generate(ev storage.Event) {
	index, ok := shard.ParseIndex(c.name, ev.Key)
	if !ok || index >= len(c.cells) {
		return
	}

	value := defaultValue(index, c.cfg.InitialValue)
	if !ev.Deleted {
		v, err := storage.DecodeInt64(ev.Value)
		if err != nil {
			c.logger.Warn("ignoring undecodable shard value", zap.String("key", ev.Key), zap.Error(err))
			return
		}
		value = v
	}

	old, swapped := c.apply(index, shardCell{value: value, revision: ev.Revision})
	if !swapped || c.listeners.empty() {
		return
	}

	values := c.snapshot()
	values[index] = old
	before := sum(values)
	values[index] = value
	after := sum(values)
	if before != after {
		c.listeners.emit(Event{Counter: c.name, OldValue: before, NewValue: after})
	}
}

func (c *WeakCounter) snapshot() []int64 {
	values := make([]int64, len(c.cells))
	for i := range c.cells {
		if cell := c.cells[i].Load(); cell != nil {
			values[i] = cell.value
		} else {
			values[i] = defaultValue(i, c.cfg.InitialValue)
		}
	}
	return values
}

// Value returns the sum of the cached shard values, saturated to the int64 range.
func (c *WeakCounter) Value() int64 {
	return sum(c.snapshot())
}

// AddListener registers l for aggregate value changes.
func (c *WeakCounter) AddListener(l Listener) *Handle {
	return c.listeners.add(l)
}

func (c *WeakCounter) checkUsable() error {
	if weakState(c.state.Load()) == destroyed {
		return errors.WithStack(ErrDestroyed)
	}
	return nil
}

func (c *WeakCounter) callerHash(ctx context.Context) uint64 {
	if h, ok := hintFrom(ctx); ok {
		return h
	}
	return c.seq.Inc()
}

// Add adds delta to one shard. The shard is chosen from the caller hint on ctx
// (see WithHint and WithAffinity), or round-robin when there is none.
func (c *WeakCounter) Add(ctx context.Context, delta int64) *Future[struct{}] {
	if err := c.checkUsable(); err != nil {
		return Completed(struct{}{}, err)
	}
	key := c.selector.FindKey(c.callerHash(ctx))
	return Go(func() (struct{}, error) {
		return struct{}{}, c.addTo(ctx, key, delta)
	})
}

// Increment adds one.
func (c *WeakCounter) Increment(ctx context.Context) *Future[struct{}] {
	return c.Add(ctx, 1)
}

// Decrement subtracts one.
func (c *WeakCounter) Decrement(ctx context.Context) *Future[struct{}] {
	return c.Add(ctx, -1)
}

func (c *WeakCounter) addTo(ctx context.Context, key shard.Key, delta int64) error {
	storeKey := key.String()
	retries, err := retry.Until(ctx, c.opts.retry, func() (bool, error) {
		cur, err := c.store.Get(storeKey)
		if errors.Is(err, storage.ErrKeyNotFound) {
			created := addSaturated(defaultValue(key.Index, c.cfg.InitialValue), delta)
			_, loaded, err := c.store.PutIfAbsent(storeKey, storage.EncodeInt64(created))
			return !loaded, err
		}
		if err != nil {
			return false, err
		}
		v, err := storage.DecodeInt64(cur.Value)
		if err != nil {
			return false, err
		}
		return c.store.Replace(storeKey, cur.Value, storage.EncodeInt64(addSaturated(v, delta)))
	})
	observe(Weak, "add", retries, err)
	if retries > 0 {
		c.logger.Debug("shard contended", zap.String("key", storeKey), zap.Int("retries", retries))
	}
	return errors.Wrapf(err, "add to shard %s", storeKey)
}

// Reset sets every shard back to its default value.
//
// Shards are reset independently and in parallel: a concurrent reader may see
// some shards reset and others not. Errors of all shards are aggregated.
func (c *WeakCounter) Reset(ctx context.Context) *Future[struct{}] {
	if err := c.checkUsable(); err != nil {
		return Completed(struct{}{}, err)
	}
	return Go(func() (struct{}, error) {
		var g multierror.Group
		for _, key := range c.selector.Keys() {
			g.Go(func() error { return c.resetShard(ctx, key) })
		}
		err := g.Wait().ErrorOrNil()
		observe(Weak, "reset", 0, err)
		return struct{}{}, err
	})
}

func (c *WeakCounter) resetShard(ctx context.Context, key shard.Key) error {
	storeKey := key.String()
	reset := storage.EncodeInt64(defaultValue(key.Index, c.cfg.InitialValue))
	_, err := retry.Until(ctx, c.opts.retry, func() (bool, error) {
		cur, err := c.store.Get(storeKey)
		if errors.Is(err, storage.ErrKeyNotFound) {
			return true, nil
		}
		if err != nil {
			return false, err
		}
		return c.store.Replace(storeKey, cur.Value, reset)
	})
	return errors.Wrapf(err, "reset shard %s", storeKey)
}

// Remove deletes every shard from the store in parallel. The counter stays
// usable and reads as its initial value once the deletions are observed.
func (c *WeakCounter) Remove(ctx context.Context) *Future[struct{}] {
	if err := c.checkUsable(); err != nil {
		return Completed(struct{}{}, err)
	}
	return Go(func() (struct{}, error) {
		err := c.removeShards(ctx)
		observe(Weak, "remove", 0, err)
		return struct{}{}, err
	})
}

func (c *WeakCounter) removeShards(ctx context.Context) error {
	var g multierror.Group
	for _, key := range c.selector.Keys() {
		storeKey := key.String()
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return errors.WithStack(err)
			}
			_, _, err := c.store.Remove(storeKey)
			return errors.Wrapf(err, "remove shard %s", storeKey)
		})
	}
	return g.Wait().ErrorOrNil()
}

// Destroy removes the shards and stops tracking them. Every later operation
// fails with ErrDestroyed.
func (c *WeakCounter) Destroy(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if weakState(c.state.Load()) == destroyed {
		return nil
	}
	err := c.removeShards(ctx)
	c.detach()
	c.logger.Debug("weak counter destroyed", zap.Error(err))
	return err
}

// close stops tracking the shards without touching the store.
func (c *WeakCounter) close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if weakState(c.state.Load()) != destroyed {
		c.detach()
	}
}

func (c *WeakCounter) detach() {
	if c.cancelWatch != nil {
		c.cancelWatch()
		c.cancelWatch = nil
	}
	if c.removeTopo != nil {
		c.removeTopo()
		c.removeTopo = nil
	}
	c.state.Store(int32(destroyed))
}

// PreferredShards returns the shards currently owned by the local node.
func (c *WeakCounter) PreferredShards() []shard.Key {
	return c.selector.PreferredKeys()
}
