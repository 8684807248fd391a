package main

import (
	"fmt"
	"log"
	"os"
	"path/filepath"

	"github.com/spf13/viper"

	"github.com/buildrite/fieldsync/internal/conflict"
	"github.com/buildrite/fieldsync/internal/connectivity"
	"github.com/buildrite/fieldsync/internal/processor"
	"github.com/buildrite/fieldsync/internal/remote"
	"github.com/buildrite/fieldsync/internal/store"
	"github.com/buildrite/fieldsync/internal/tablesync"
)

// app bundles the wired sync components the subcommands share.
type app struct {
	local     *store.Store
	client    *remote.Client
	monitor   *connectivity.Monitor
	syncer    *tablesync.Syncer
	resolver  *conflict.Resolver
	processor *processor.Processor
	logger    *log.Logger
}

// buildApp wires the sync stack from viper config. The caller must Close.
func buildApp(logger *log.Logger) (*app, error) {
	remoteURL := viper.GetString("remote.url")
	if remoteURL == "" {
		return nil, fmt.Errorf("remote.url is required (flag --remote-url, env FIELDSYNC_REMOTE_URL, or config)")
	}

	dbPath := viper.GetString("db.path")
	if dir := filepath.Dir(dbPath); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}

	local, err := store.Open(dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open local cache: %w", err)
	}
	if err := local.InitSchema(); err != nil {
		local.Close()
		return nil, fmt.Errorf("failed to initialize local cache: %w", err)
	}

	client, err := remote.NewClient(remote.ClientConfig{
		BaseURL:     remoteURL,
		APIKey:      viper.GetString("remote.api_key"),
		RealtimeURL: viper.GetString("remote.realtime_url"),
	})
	if err != nil {
		local.Close()
		return nil, fmt.Errorf("failed to create remote client: %w", err)
	}

	monitor := connectivity.New(client, &connectivity.Config{Logger: logger})

	tables := viper.GetStringSlice("sync.tables")
	syncer := tablesync.New(client, local, tablesync.Config{
		Tables: tables,
		Logger: logger,
	})

	strategies, err := loadStrategies(logger)
	if err != nil {
		local.Close()
		return nil, err
	}
	resolver := conflict.NewResolver(client, local, strategies, logger)

	proc := processor.New(local, resolver, monitor, syncer, processor.Config{
		Logger: logger,
	})

	return &app{
		local:     local,
		client:    client,
		monitor:   monitor,
		syncer:    syncer,
		resolver:  resolver,
		processor: proc,
		logger:    logger,
	}, nil
}

// loadStrategies reads the strategy file named in config, falling back to
// the built-in per-table defaults when none is configured.
func loadStrategies(logger *log.Logger) (*conflict.Strategies, error) {
	path := viper.GetString("strategy.path")
	if path == "" {
		return conflict.Defaults(), nil
	}
	strategies, err := conflict.LoadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to load conflict strategies from %s: %w", path, err)
	}
	logger.Printf("Loaded conflict strategies for %d tables from %s", len(strategies.Tables()), path)
	return strategies, nil
}

func (a *app) Close() {
	if err := a.local.Close(); err != nil {
		a.logger.Printf("Warning: failed to close local cache: %v", err)
	}
}
