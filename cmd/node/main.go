// Package main implements gridnode, a cluster member serving distributed
// counters and read-locked objects over HTTP.
//
// Counter and object state lives in the store the process opens: a private
// in-memory store or a local badger directory. Nodes discover each other
// through gossip and the resulting membership decides which counter shards
// each node prefers to write to, but separate processes do not share state.
// Only nodes built over one store handle in the same process see each other's
// counters and objects.
//
// Architecture:
//
//	┌──────────────────────────────────────────┐
//	│                gridnode                  │
//	├──────────────────────────────────────────┤
//	│  HTTP API:                               │
//	│    /health            - Health check     │
//	│    /info              - Node information │
//	│    /counters/*        - Counter ops      │
//	│    /objects/*         - Object ops       │
//	│    /metrics           - Prometheus       │
//	├──────────────────────────────────────────┤
//	│  Components:                             │
//	│    counter.Manager    - Counters         │
//	│    readlock.Directory - Objects          │
//	│    cluster.Membership - Gossip           │
//	│    storage.Store      - Local state      │
//	└──────────────────────────────────────────┘
//
// Configuration comes from flags, GRIDNODE_* environment variables and an
// optional config file, see internal/config.
//
// Example usage:
//
//	gridnode --node-id node-1 --listen :8081 --store badger --data-dir /var/lib/gridnode
//
//	curl -X PUT localhost:8081/counters/hits -d '{"type":"weak"}'
//	curl -X POST 'localhost:8081/counters/hits/add?delta=5'
//	curl localhost:8081/counters/hits
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/dreamware/gridsync/internal/cluster"
	"github.com/dreamware/gridsync/internal/config"
	"github.com/dreamware/gridsync/internal/storage"
)

// shutdownTimeout bounds the HTTP drain and the gossip leave on exit.
const shutdownTimeout = 5 * time.Second

func main() {
	if err := newRootCommand().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:          "gridnode",
		Short:        "Serve distributed counters and objects",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(cmd.Flags())
			if err != nil {
				return err
			}
			return run(cmd.Context(), cfg)
		},
	}
	config.BindFlags(cmd.Flags())
	return cmd
}

func newLogger(cfg config.Node) (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(cfg.LogLevel)
	if err != nil {
		return nil, errors.Wrap(err, "log level")
	}
	zcfg := zap.NewProductionConfig()
	if cfg.Dev {
		zcfg = zap.NewDevelopmentConfig()
	}
	zcfg.Level = zap.NewAtomicLevelAt(level)
	logger, err := zcfg.Build()
	if err != nil {
		return nil, errors.Wrap(err, "build logger")
	}
	return logger.With(zap.String("node", cfg.NodeID)), nil
}

func openStore(cfg config.Node, logger *zap.Logger) (storage.Store, error) {
	switch cfg.Store {
	case "badger":
		return storage.OpenBadgerStore(storage.BadgerConfig{Dir: cfg.DataDir}, storage.WithLogger(logger))
	default:
		return storage.NewMemoryStore(storage.WithLogger(logger)), nil
	}
}

// run serves until ctx ends or SIGINT/SIGTERM arrives, then drains HTTP,
// leaves the gossip cluster and closes the store.
func run(ctx context.Context, cfg config.Node) error {
	logger, err := newLogger(cfg)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	store, err := openStore(cfg, logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := store.Close(); err != nil {
			logger.Warn("close store", zap.Error(err))
		}
	}()

	node, err := NewNode(cfg, store, logger)
	if err != nil {
		return err
	}
	defer node.Close()

	membership, err := cluster.StartMembership(cluster.MembershipConfig{
		NodeID:   cfg.NodeID,
		BindAddr: cfg.GossipAddr,
		BindPort: cfg.GossipPort,
	}, node.topology, logger)
	if err != nil {
		return err
	}
	node.membership = membership
	if _, err := membership.Join(cfg.Join); err != nil {
		// Running alone is fine; peers joining later will reach us.
		logger.Warn("join failed", zap.Error(err))
	}

	s := &http.Server{
		Addr:              cfg.Listen,
		Handler:           node.routes(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	serveErr := make(chan error, 1)
	go func() {
		logger.Info("listening", zap.String("addr", cfg.Listen), zap.String("gossip", membership.LocalAddr()))
		if err := s.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
	}()

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()
	select {
	case <-ctx.Done():
	case err := <-serveErr:
		_ = membership.Leave(shutdownTimeout)
		return errors.Wrap(err, "listen")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := s.Shutdown(shutdownCtx); err != nil {
		logger.Warn("server shutdown", zap.Error(err))
	}
	if err := membership.Leave(shutdownTimeout); err != nil {
		logger.Warn("leave cluster", zap.Error(err))
	}
	logger.Info("node stopped")
	return nil
}
