// Collaboration relay - stateless WebSocket fan-out node for encrypted
// real-time document collaboration.
package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"runtime"
	"syscall"

	"github.com/google/uuid"

	"github.com/fileverse/collab-relay/internal/cache"
	"github.com/fileverse/collab-relay/internal/config"
	"github.com/fileverse/collab-relay/internal/logging"
	"github.com/fileverse/collab-relay/internal/registry"
	"github.com/fileverse/collab-relay/internal/retry"
	"github.com/fileverse/collab-relay/internal/server"
	"github.com/fileverse/collab-relay/internal/session"
	"github.com/fileverse/collab-relay/internal/store"
	"github.com/fileverse/collab-relay/internal/tokens"
)

func main() {
	logging.Setup()

	cfg, err := config.Load()
	if err != nil {
		slog.Error("Configuration error", "error", err)
		os.Exit(1)
	}
	if cfg.Workers > 0 {
		runtime.GOMAXPROCS(cfg.Workers)
	}

	nodeID := uuid.NewString()
	slog.Info("Node starting", "nodeId", nodeID, "env", cfg.Env)

	rootCtx, stopBus := context.WithCancel(context.Background())
	defer stopBus()

	// Durable store is mandatory: sessions and the update log live here.
	var durable *store.Store
	err = retry.Do(rootCtx, retry.DefaultConfig(), "mongodb-connect", func(ctx context.Context) error {
		var cerr error
		durable, cerr = store.Connect(ctx, cfg.MongoURI, cfg.MongoDB, cfg.StoreTimeout)
		return cerr
	})
	if err != nil {
		slog.Error("Durable store unavailable", "error", err)
		os.Exit(1)
	}

	// Cache + bus are a soft dependency: without them the node serves
	// co-located participants from the local map and durable store alone.
	var cacheClient *cache.Client
	if cfg.RedisURL != "" {
		cacheClient, err = cache.Connect(rootCtx, cfg.RedisURL, cache.Config{
			NodeID:  nodeID,
			TTL:     cfg.SessionCacheTTL,
			Timeout: cfg.CacheTimeout,
		})
		if err != nil {
			slog.Warn("Shared cache unavailable, running single-node", "error", err)
			cacheClient = nil
		}
	} else {
		slog.Warn("REDISCLOUD_URL not set, running single-node")
	}

	resolver, err := registry.Dial(cfg.RPCURL, registry.Config{
		TTL:         cfg.OwnerDidTTL,
		CallTimeout: cfg.ChainTimeout,
	})
	if err != nil {
		slog.Error("Registry RPC unavailable", "error", err)
		os.Exit(1)
	}

	verifier := tokens.NewVerifier(cfg.ServerDid, resolver)
	manager := session.NewManager(durable, cacheClient)
	if cacheClient != nil {
		cacheClient.Subscribe(rootCtx, manager.HandleBusEvent)
	}

	srv := server.New(cfg, server.Deps{
		Verifier: verifier,
		Updates:  durable,
		Sessions: manager,
		Bus:      cacheClient,
		NodeID:   nodeID,
	})

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		slog.Info("Shutting down", "signal", sig.String())
	case err := <-errCh:
		if err != nil {
			slog.Error("Server failed", "error", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownGrace)
	defer cancel()

	if err := srv.Stop(shutdownCtx); err != nil {
		slog.Warn("Server shutdown incomplete", "error", err)
	}
	stopBus()

	resolver.Close()
	if cacheClient != nil {
		if err := cacheClient.Close(); err != nil {
			slog.Warn("Cache disconnect failed", "error", err)
		}
	}
	if err := durable.Close(shutdownCtx); err != nil {
		slog.Warn("Durable store disconnect failed", "error", err)
	}

	slog.Info("Node stopped", "nodeId", nodeID)
}
