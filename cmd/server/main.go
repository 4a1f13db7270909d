package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"swarmcache/internal/api"
	"swarmcache/internal/config"
	"swarmcache/internal/database"
	"swarmcache/internal/fileindex"
	"swarmcache/internal/ledger"
	"swarmcache/internal/providers"
	"swarmcache/internal/torrent"
	"swarmcache/pkg/logger"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	log := logger.NewLogger(cfg.LogLevel)

	db, err := database.New(cfg.DatabasePath, log)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	defer db.Close()

	requests := ledger.NewRequestLedger(db, log)
	audit := ledger.NewAuditLedger(db, log)
	coord := ledger.NewCoordinator(db, log)
	status := ledger.NewStatusCache(db, log)
	resolver := ledger.NewResolver(status, requests, audit, coord, log)

	index, err := fileindex.NewIndex(db, cfg.LayoutCacheSize, log)
	if err != nil {
		return fmt.Errorf("failed to create file index: %w", err)
	}

	creds := make([]providers.Credential, 0, len(cfg.Trackers))
	for _, t := range cfg.Trackers {
		creds = append(creds, providers.Credential{Tracker: t.Name, AnnounceURL: t.AnnounceURL})
	}

	manager, err := torrent.NewManager(cfg, log, torrent.Deps{
		Auth:        providers.NewStaticAuthProvider(creds),
		Classifier:  providers.MetainfoClassifier{},
		Index:       index,
		Requests:    requests,
		Resolver:    resolver,
		Status:      status,
		Coordinator: coord,
	})
	if err != nil {
		return fmt.Errorf("failed to create torrent manager: %w", err)
	}
	defer manager.Close()

	router := api.NewRouter(cfg, log, api.Deps{
		Manager:  manager,
		Requests: requests,
		Audit:    audit,
	})
	server := api.NewServer(cfg, router)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	log.Info().Str("port", cfg.Port).Msg("Server starting")
	if err := api.RunServer(ctx, server, 30*time.Second); err != nil {
		return fmt.Errorf("server error: %w", err)
	}

	log.Info().Msg("Shut down cleanly")
	return nil
}
