package main

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/nvandessel/simcore/internal/config"
	"github.com/nvandessel/simcore/internal/download"
	"github.com/nvandessel/simcore/internal/logging"
	"github.com/nvandessel/simcore/internal/store"
)

// host holds the components shared by commands that touch simcore state.
type host struct {
	cfg       *config.SimcoreConfig
	dataDir   string
	logger    *slog.Logger
	events    *logging.EventLogger
	store     *store.SQLiteStore
	downloads *download.Coordinator
}

// openHost loads configuration and opens the store and download coordinator.
func openHost(cmd *cobra.Command) (*host, error) {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return nil, err
	}
	dataDir, err := cfg.DataDir()
	if err != nil {
		return nil, err
	}
	cacheDir, err := cfg.CacheDir()
	if err != nil {
		return nil, err
	}

	logger := logging.NewLogger(cfg.Logging.Level, cmd.ErrOrStderr())
	events := logging.NewEventLogger(dataDir, cfg.Logging.Level)

	st, err := store.NewSQLiteStore(dataDir)
	if err != nil {
		events.Close()
		return nil, fmt.Errorf("failed to open store: %w", err)
	}

	var fetcher download.Fetcher
	if cfg.Assets.ServerURL != "" {
		fetcher = download.NewHTTPFetcher(cfg.Assets.ServerURL, cfg.Assets.Token, cfg.Assets.Timeout)
	}

	return &host{
		cfg:     cfg,
		dataDir: dataDir,
		logger:  logger,
		events:  events,
		store:   st,
		downloads: download.NewCoordinator(download.Options{
			CacheDir: cacheDir,
			Fetcher:  fetcher,
			Index:    st,
			Logger:   logger,
			Events:   events,
		}),
	}, nil
}

func (h *host) pluginDir() string {
	return filepath.Join(h.dataDir, "plugins")
}

func (h *host) Close() {
	if err := h.store.Close(); err != nil {
		fmt.Fprintf(os.Stderr, "warning: closing store: %v\n", err)
	}
	h.events.Close()
}
