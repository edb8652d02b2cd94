package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"rss_reader/internal/config"
	"rss_reader/internal/event"
	"rss_reader/internal/fetcher"
	"rss_reader/internal/reader"
	"rss_reader/internal/storage"
)

// app holds the dependencies shared by every command.
type app struct {
	cfg    *config.Config
	log    *slog.Logger
	store  *storage.SQLite
	hub    *event.Hub
	reader *reader.Reader
}

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	a := &app{}
	root := newRootCmd(a)
	err := root.ExecuteContext(ctx)
	if a.store != nil {
		_ = a.store.Close()
	}
	if err != nil {
		os.Exit(1)
	}
}

func newRootCmd(a *app) *cobra.Command {
	var configFiles []string

	root := &cobra.Command{
		Use:           "reader",
		Short:         "Read feeds and articles through public relays",
		SilenceUsage:  true,
		SilenceErrors: false,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return a.setup(configFiles)
		},
	}
	root.PersistentFlags().StringSliceVar(&configFiles, "config", nil, "config files (default ./reader.hcl, ./reader.local.hcl)")

	root.AddCommand(
		newFeedsCmd(a),
		newCategoriesCmd(a),
		newItemsCmd(a),
		newReadCmd(a),
		newAnalyzeCmd(a),
		newHideCmd(a, true),
		newHideCmd(a, false),
		newFiltersCmd(a),
		newPaywallCmd(a),
		newWatchCmd(a),
	)
	return root
}

func (a *app) setup(configFiles []string) error {
	cfg, err := config.Load(configFiles...)
	if err != nil {
		return err
	}
	a.cfg = cfg
	a.log = newLogger(cfg.LogLevel)

	if dir := filepath.Dir(cfg.DatabasePath); dir != "." {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return fmt.Errorf("create data directory %s: %w", dir, err)
		}
	}

	store, err := storage.NewSQLite(cfg.DatabasePath, storage.WithLogger(a.log))
	if err != nil {
		return fmt.Errorf("open database %s: %w", cfg.DatabasePath, err)
	}
	a.store = store

	articleRelays, feedRelays, err := cfg.Relays()
	if err != nil {
		return err
	}
	opts := []fetcher.Option{
		fetcher.WithTimeout(cfg.FetchTimeout),
		fetcher.WithAttempts(cfg.FetchAttempts),
		fetcher.WithBackoff(cfg.RetryBackoff),
		fetcher.WithLogger(a.log),
	}
	feeds := fetcher.New(http.DefaultClient, feedRelays, opts...)
	articles := fetcher.New(http.DefaultClient, articleRelays, opts...)

	a.hub = event.NewHub()
	a.reader = reader.New(store, feeds, articles, a.hub, a.log,
		reader.WithProminentWidth(cfg.ProminentWidth),
		reader.WithSampleSize(cfg.SampleSize),
	)
	return nil
}

func isFetchFailure(err error) bool {
	return errors.Is(err, fetcher.ErrAllRelaysFailed)
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch strings.ToLower(level) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}
