package counter

import (
	"context"

	"go.uber.org/zap"

	"github.com/dreamware/gridsync/internal/retry"
	"github.com/dreamware/gridsync/internal/shard"
)

// Topology is what a weak counter needs from the cluster: primary ownership of
// shard keys and a notification when ownership may have changed.
type Topology interface {
	shard.Oracle
	AddListener(fn func()) (remove func())
}

// Option configures counters and managers.
type Option func(*options)

type options struct {
	logger   *zap.Logger
	topology Topology
	retry    retry.Policy
}

// WithLogger sets the logger. The default discards everything.
func WithLogger(logger *zap.Logger) Option {
	return func(o *options) { o.logger = logger }
}

// WithTopology makes weak counters prefer shards owned by the local node.
func WithTopology(t Topology) Option {
	return func(o *options) { o.topology = t }
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

type hintKey struct{}

// WithHint pins the shard selection hash of operations issued with ctx.
func WithHint(ctx context.Context, hint uint64) context.Context {
	return context.WithValue(ctx, hintKey{}, hint)
}

// WithAffinity derives the shard selection hash from a caller identity, so the
// same caller keeps writing to the same shard.
func WithAffinity(ctx context.Context, caller string) context.Context {
	return WithHint(ctx, shard.HashOf(caller))
}

func hintFrom(ctx context.Context) (uint64, bool) {
	h, ok := ctx.Value(hintKey{}).(uint64)
	return h, ok
}
