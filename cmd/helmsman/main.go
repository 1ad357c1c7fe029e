// cmd/helmsman/main.go
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/FairForge/helmsman/internal/api"
	"github.com/FairForge/helmsman/internal/balancer"
	"github.com/FairForge/helmsman/internal/cluster"
	"github.com/FairForge/helmsman/internal/config"
	"github.com/FairForge/helmsman/internal/coordstore"
	"github.com/FairForge/helmsman/internal/failover"
	"github.com/FairForge/helmsman/internal/health"
	"github.com/FairForge/helmsman/internal/metrics"
)

func main() {
	cfgPath := os.Getenv("HELMSMAN_CONFIG")
	cfg, err := config.Load(cfgPath)
	if err != nil {
		panic(err)
	}

	logger := newLogger(cfg.Server.LogLevel)
	defer func() { _ = logger.Sync() }()

	m := metrics.New()

	store, err := newStore(cfg, logger)
	if err != nil {
		logger.Fatal("coordination store init failed", zap.Error(err))
	}
	defer func() { _ = store.Close() }()

	// Load balancer and its backend pool.
	lb, err := balancer.New(balancer.Config{
		Strategy:        cfg.Balancer.Strategy,
		MaxRetries:      cfg.Balancer.MaxRetries,
		RetryDelay:      cfg.Balancer.RetryDelay,
		AffinityEnabled: cfg.Balancer.AffinityEnabled,
		AffinityTTL:     cfg.Balancer.AffinityTTL,
	}, m, logger)
	if err != nil {
		logger.Fatal("load balancer init failed", zap.Error(err))
	}
	for _, b := range cfg.Balancer.Backends {
		err := lb.AddBackend(balancer.Backend{
			ID:             b.ID,
			Host:           b.Host,
			Port:           b.Port,
			Weight:         b.Weight,
			MaxConnections: b.MaxConnections,
		})
		if err != nil {
			logger.Fatal("backend registration failed",
				zap.String("backend", b.ID), zap.Error(err))
		}
	}

	// Health checker; transitions on checks bound to backends feed routing.
	checker := health.NewChecker(logger)
	bindings := newRuntimeBindings(lb, checker, m, logger)
	if err := bindings.apply(cfg); err != nil {
		logger.Fatal("health check registration failed", zap.Error(err))
	}
	checker.Subscribe(bindings.observeHealth)

	// Cluster manager: leadership gates automatic failovers.
	clusterPeers := make([]cluster.Peer, 0, len(cfg.Cluster.Peers))
	for _, p := range cfg.Cluster.Peers {
		clusterPeers = append(clusterPeers, cluster.Peer{ID: p.ID, Host: p.Host, Port: p.Port})
	}
	clusterID := cfg.Cluster.NodeID
	if clusterID == "" {
		host, _ := os.Hostname()
		clusterID = host
	}
	cl, err := cluster.NewManager(cluster.Config{
		NodeID:            clusterID,
		Host:              cfg.Cluster.Host,
		Port:              cfg.Cluster.Port,
		Peers:             clusterPeers,
		QuorumSize:        cfg.Cluster.QuorumSize,
		ElectionTimeout:   cfg.Cluster.ElectionTimeout,
		HeartbeatInterval: cfg.Cluster.HeartbeatInterval,
		LeaseTTL:          cfg.Cluster.LeaseTTL,
	}, store, m, logger)
	if err != nil {
		logger.Fatal("cluster manager init failed", zap.Error(err))
	}

	fo, err := failover.NewManager(failover.Config{
		Strategy:                  cfg.Failover.Strategy,
		FailureDetectionThreshold: cfg.Failover.FailureDetectionThreshold,
		HealthCheckInterval:       cfg.Failover.HealthCheckInterval,
		HeartbeatInterval:         cfg.Failover.HeartbeatInterval,
		HeartbeatTimeout:          cfg.Failover.HeartbeatTimeout,
		RestorePrimary:            cfg.Failover.RestorePrimary,
		TriggersPerMinute:         cfg.Failover.TriggersPerMinute,
	}, store, m, logger)
	if err != nil {
		logger.Fatal("failover manager init failed", zap.Error(err))
	}
	fo.SetAuthorizer(cl.IsLeader)
	for _, n := range cfg.Failover.Nodes {
		err := fo.RegisterNode(failover.Node{
			ID:   n.ID,
			Host: n.Host,
			Port: n.Port,
			Role: failover.Role(n.Role),
		})
		if err != nil {
			logger.Fatal("failover node registration failed",
				zap.String("node", n.ID), zap.Error(err))
		}
	}

	server := api.NewServer(cfg, logger, m, lb, checker, fo, cl)

	lb.Start()
	checker.Start()
	cl.Start()
	fo.Start()

	// Reload backend weights and check definitions when the file changes.
	var watcher *config.Watcher
	if cfgPath != "" {
		watcher, err = config.NewWatcher(cfgPath, logger)
		if err != nil {
			logger.Warn("config watcher unavailable", zap.Error(err))
		} else {
			watcher.OnReload(func(next *config.Config) {
				if err := bindings.apply(next); err != nil {
					logger.Warn("partial config reload", zap.Error(err))
				}
			})
			watcher.Start()
		}
	}

	// Handle shutdown gracefully
	go func() {
		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
		<-sigChan

		logger.Info("shutting down...")
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		if err := server.Shutdown(ctx); err != nil {
			logger.Error("shutdown error", zap.Error(err))
		}
		if watcher != nil {
			watcher.Stop()
		}
		fo.Stop()
		cl.Stop()
		checker.Stop()
		lb.Stop()
		os.Exit(0)
	}()

	logger.Info("helmsman started",
		zap.Int("port", cfg.Server.Port),
		zap.String("store", cfg.Store.Type),
		zap.String("strategy", cfg.Balancer.Strategy),
		zap.String("node", clusterID))

	if err := server.Start(); err != nil {
		logger.Fatal("server failed", zap.Error(err))
	}
}

func newLogger(level string) *zap.Logger {
	var logger *zap.Logger
	var err error
	if level == "debug" {
		logger, err = zap.NewDevelopment()
	} else {
		logger, err = zap.NewProduction()
	}
	if err != nil {
		panic(err)
	}
	return logger
}

func newStore(cfg *config.Config, logger *zap.Logger) (coordstore.Store, error) {
	if cfg.Store.Type == "postgres" {
		return coordstore.NewPostgresStoreDSN(cfg.Store.DSN, logger)
	}
	return coordstore.NewMemoryStore(), nil
}
