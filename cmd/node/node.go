package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"AvailRecovery/internal/api"
	"AvailRecovery/internal/avstore"
	"AvailRecovery/internal/logger"
	"AvailRecovery/internal/network"
	"AvailRecovery/internal/recovery"
	"AvailRecovery/internal/session"
)

// shutdownTimeout bounds the wait for the recovery loop after Conclude.
const shutdownTimeout = 10 * time.Second

// Node wires the availability store, transport, session provider and recovery engine.
type Node struct {
	cfg      *Config
	store    *avstore.Store // store is nil in collator mode
	network  *network.Node
	sessions *session.Static
	registry *prometheus.Registry
	recovery *recovery.Subsystem
	api      *api.Server
}

// NewNode creates every component without starting any of them.
func NewNode(cfg *Config) (*Node, error) {
	rc, err := cfg.recoveryConfig()
	if err != nil {
		return nil, fmt.Errorf("recovery config:\n%w", err)
	}

	peers, err := cfg.parsePeers()
	if err != nil {
		return nil, err
	}

	sessions := session.NewStatic()
	if cfg.SessionFile != "" {
		if sessions, err = session.LoadFile(cfg.SessionFile); err != nil {
			return nil, fmt.Errorf("load sessions:\n%w", err)
		}
	}

	n := &Node{cfg: cfg, sessions: sessions, registry: prometheus.NewRegistry()}
	n.registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	var store recovery.LocalStore
	if !rc.BypassAvailabilityStore {
		if n.store, err = avstore.New(cfg.DataPath); err != nil {
			return nil, fmt.Errorf("open availability store:\n%w", err)
		}

		store = n.store
	}

	n.network, err = network.NewNode(network.Config{
		PrivateKey: cfg.PrivateKey,
		ListenAddr: cfg.QUICAddress,
	})
	if err != nil {
		n.closeStore()
		return nil, fmt.Errorf("create network node:\n%w", err)
	}

	for _, p := range peers {
		n.network.AddPeer(p.key, p.addr)
	}

	n.recovery, err = recovery.New(rc, sessions, store, network.NewBridge(n.network), recovery.NewMetrics(n.registry))
	if err != nil {
		n.closeStore()
		return nil, fmt.Errorf("create recovery subsystem:\n%w", err)
	}

	network.Serve(n.network, n.recovery)

	n.api = api.New(cfg.HTTPAddress, n.recovery, n.registry)

	logger.Info("node configured",
		"strategy", rc.Strategy,
		"post_recovery_check", rc.PostRecoveryCheck,
		"sessions", sessions.Len(),
		"peers", len(peers),
		"bypass_store", rc.BypassAvailabilityStore,
	)

	return n, nil
}

// Run starts the node and blocks until ctx is cancelled or the recovery loop fails.
func (n *Node) Run(ctx context.Context) error {
	if err := n.network.Start(); err != nil {
		n.closeStore()
		return fmt.Errorf("start network:\n%w", err)
	}

	runErr := make(chan error, 1)
	go func() { runErr <- n.recovery.Run(context.Background()) }()

	if err := n.api.Start(); err != nil {
		n.shutdown()
		return fmt.Errorf("start api:\n%w", err)
	}

	var err error

	select {
	case <-ctx.Done():
		logger.Info("shutting down")
	case err = <-runErr:
		logger.Error("recovery subsystem stopped", "error", err)
	}

	n.shutdown()

	return err
}

// shutdown concludes the recovery loop and closes resources in reverse order.
func (n *Node) shutdown() {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := n.recovery.Signal(ctx, recovery.Conclude{}); err != nil && !errors.Is(err, recovery.ErrChannelClosed) {
		logger.Warn("failed to conclude recovery", "error", err)
	}

	select {
	case <-n.recovery.Done():
	case <-ctx.Done():
		logger.Warn("recovery loop did not stop in time")
	}

	if err := n.api.Stop(); err != nil {
		logger.Warn("failed to stop http api", "error", err)
	}

	n.network.Close()
	n.closeStore()
}

func (n *Node) closeStore() {
	if n.store == nil {
		return
	}

	if err := n.store.Close(); err != nil {
		logger.Warn("failed to close availability store", "error", err)
	}
}
