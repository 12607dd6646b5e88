package counter

import (
	"bytes"
	"context"
	"encoding/gob"
	"strings"
	"sync"

	"github.com/pkg/errors"
	"go.uber.org/zap"
	"golang.org/x/exp/slices"

	"github.com/dreamware/gridsync/internal/shard"
	"github.com/dreamware/gridsync/internal/storage"
)

// ConfigKeyPrefix is the store namespace of counter definitions.
const ConfigKeyPrefix = "config/"

// Manager defines counters cluster-wide and hands out local instances.
//
// Definitions live in the shared store, so every node using the same store
// sees the same set of counters with the same configuration. The first
// definition of a name wins; later definitions are ignored.
//
// Instances are created lazily and cached per manager: all callers on a node
// share one snapshot per weak counter.
//
// Thread Safety:
// All methods are safe for concurrent use.
//
// Example:
//
//	m := counter.NewManager(store, counter.WithTopology(topology))
//	if _, err := m.Define("hits", counter.WeakConfig(0, 16)); err != nil {
//	    return err
//	}
//	hits, err := m.SyncWeak(ctx, "hits")
//	if err != nil {
//	    return err
//	}
//	err = hits.Increment(ctx)
type Manager struct {
	store  storage.Store
	opts   []Option
	logger *zap.Logger

	mu     sync.Mutex
	weak   map[string]*WeakCounter
	strong map[string]*StrongCounter
}

// NewManager creates a manager over store. opts are applied to every counter
// it creates.
func NewManager(store storage.Store, opts ...Option) *Manager {
	o := newOptions(opts)
	return &Manager{
		store:  store,
		opts:   opts,
		logger: o.logger.Named("counters"),
		weak:   make(map[string]*WeakCounter),
		strong: make(map[string]*StrongCounter),
	}
}

func checkName(name string) error {
	if name == "" || strings.Contains(name, "/") {
		return errors.Wrapf(ErrInvalidConfiguration, "invalid counter name %q", name)
	}
	return nil
}

func encodeConfiguration(cfg Configuration) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(cfg); err != nil {
		return nil, errors.Wrap(err, "encode configuration")
	}
	return buf.Bytes(), nil
}

func decodeConfiguration(data []byte) (Configuration, error) {
	var cfg Configuration
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(&cfg); err != nil {
		return cfg, errors.Wrap(err, "decode configuration")
	}
	return cfg, nil
}

// Define records cfg for name. It returns false when name was already
// defined, in which case the existing definition is kept.
func (m *Manager) Define(name string, cfg Configuration) (bool, error) {
	if err := checkName(name); err != nil {
		return false, err
	}
	if err := cfg.Validate(); err != nil {
		return false, err
	}
	data, err := encodeConfiguration(cfg)
	if err != nil {
		return false, err
	}
	_, loaded, err := m.store.PutIfAbsent(ConfigKeyPrefix+name, data)
	if err != nil {
		return false, errors.Wrapf(err, "define %s", name)
	}
	if !loaded {
		m.logger.Info("counter defined", zap.String("counter", name), zap.Stringer("type", cfg.Type))
	}
	return !loaded, nil
}

// IsDefined reports whether name has a definition.
func (m *Manager) IsDefined(name string) bool {
	_, err := m.store.Get(ConfigKeyPrefix + name)
	return err == nil
}

// Configuration returns the definition of name, or ErrNotDefined.
func (m *Manager) Configuration(name string) (Configuration, error) {
	entry, err := m.store.Get(ConfigKeyPrefix + name)
	if errors.Is(err, storage.ErrKeyNotFound) {
		return Configuration{}, errors.Wrapf(ErrNotDefined, "counter %q", name)
	}
	if err != nil {
		return Configuration{}, errors.Wrapf(err, "read definition of %s", name)
	}
	return decodeConfiguration(entry.Value)
}

// Names returns the defined counter names in sorted order.
func (m *Manager) Names() []string {
	var names []string
	for _, key := range m.store.Keys() {
		if name, ok := strings.CutPrefix(key, ConfigKeyPrefix); ok {
			names = append(names, name)
		}
	}
	slices.Sort(names)
	return names
}

// Weak returns the initialized weak counter name.
// Returns ErrNotDefined or ErrTypeMismatch for unknown or strong counters.
func (m *Manager) Weak(ctx context.Context, name string) (*WeakCounter, error) {
	cfg, err := m.Configuration(name)
	if err != nil {
		return nil, err
	}
	if cfg.Type != Weak {
		return nil, errors.Wrapf(ErrTypeMismatch, "counter %q is %s", name, cfg.Type)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if c, ok := m.weak[name]; ok {
		return c, nil
	}
	c, err := NewWeakCounter(name, cfg, m.store, m.opts...)
	if err != nil {
		return nil, err
	}
	if err := c.Init(ctx); err != nil {
		return nil, err
	}
	m.weak[name] = c
	return c, nil
}

// Strong returns the strong counter name.
func (m *Manager) Strong(name string) (*StrongCounter, error) {
	cfg, err := m.Configuration(name)
	if err != nil {
		return nil, err
	}
	if cfg.Type == Weak {
		return nil, errors.Wrapf(ErrTypeMismatch, "counter %q is weak", name)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if c, ok := m.strong[name]; ok {
		return c, nil
	}
	c, err := NewStrongCounter(name, cfg, m.store, m.opts...)
	if err != nil {
		return nil, err
	}
	m.strong[name] = c
	return c, nil
}

// SyncWeak returns a blocking view of the weak counter name.
func (m *Manager) SyncWeak(ctx context.Context, name string) (*SyncWeakCounter, error) {
	c, err := m.Weak(ctx, name)
	if err != nil {
		return nil, newError("get", name, err)
	}
	return NewSyncWeakCounter(c), nil
}

// SyncStrong returns a blocking view of the strong counter name.
func (m *Manager) SyncStrong(name string) (*SyncStrongCounter, error) {
	c, err := m.Strong(name)
	if err != nil {
		return nil, newError("get", name, err)
	}
	return NewSyncStrongCounter(c), nil
}

// Remove deletes the stored value of name and drops the local instance. The
// definition is kept; the next Weak or Strong call starts from the initial value.
func (m *Manager) Remove(ctx context.Context, name string) error {
	cfg, err := m.Configuration(name)
	if err != nil {
		return err
	}

	m.mu.Lock()
	weak, strong := m.weak[name], m.strong[name]
	delete(m.weak, name)
	delete(m.strong, name)
	m.mu.Unlock()

	if strong != nil {
		strong.Close()
	}
	if cfg.Type != Weak {
		_, _, err := m.store.Remove(StrongKey(name))
		return errors.Wrapf(err, "remove %s", name)
	}
	if weak != nil {
		return weak.Destroy(ctx)
	}
	return m.removeShards(ctx, name, cfg)
}

func (m *Manager) removeShards(ctx context.Context, name string, cfg Configuration) error {
	for _, key := range shard.NewKeys(name, cfg.ConcurrencyLevel) {
		if err := ctx.Err(); err != nil {
			return errors.WithStack(err)
		}
		if _, _, err := m.store.Remove(key.String()); err != nil {
			return errors.Wrapf(err, "remove shard %s", key)
		}
	}
	return nil
}

// Undefine removes the value and the definition of name.
func (m *Manager) Undefine(ctx context.Context, name string) error {
	if err := m.Remove(ctx, name); err != nil {
		return err
	}
	if _, _, err := m.store.Remove(ConfigKeyPrefix + name); err != nil {
		return errors.Wrapf(err, "undefine %s", name)
	}
	m.logger.Info("counter undefined", zap.String("counter", name))
	return nil
}

// Close stops every local instance without touching the store.
func (m *Manager) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for name, c := range m.weak {
		c.close()
		delete(m.weak, name)
	}
	for name, c := range m.strong {
		c.Close()
		delete(m.strong, name)
	}
}
