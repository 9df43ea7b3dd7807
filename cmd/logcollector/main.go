// Command logcollector runs the log collector daemon: it tails container
// log files under a root directory, indexes their lines by label in an
// embedded database, and serves a read-only HTTP query surface.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/tripwire/agent/internal/collector"
	"github.com/tripwire/agent/internal/config"
	"github.com/tripwire/agent/internal/httpapi"
	"github.com/tripwire/agent/internal/labels"
	"github.com/tripwire/agent/internal/store"
	"github.com/tripwire/agent/internal/walstore"
)

func main() {
	configPath := flag.String("config", "/etc/logcollector/config.yaml", "path to the YAML configuration file")
	flag.Parse()

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logcollector: %v\n", err)
		os.Exit(1)
	}

	logger := newLogger(cfg.LogLevel)

	if err := run(cfg, logger); err != nil {
		logger.Error("logcollector: fatal", slog.Any("err", err))
		os.Exit(1)
	}
}

// newLogger builds the daemon's structured JSON logger on stderr.
func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}

func run(cfg *config.Config, logger *slog.Logger) error {
	storeOpts, walCloser, err := openWAL(cfg, logger)
	if err != nil {
		return err
	}
	if walCloser != nil {
		defer walCloser.Close()
	}

	db, err := store.Open(cfg.DataDir, storeOpts...)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer db.Close()

	var provider labels.Provider = labels.KubernetesFilenameProvider{}
	if cfg.DisableK8sLabels {
		provider = pathOnlyProvider{}
	}

	coll, err := collector.New(cfg.RootDir, db, provider, logger)
	if err != nil {
		return fmt.Errorf("start collector: %w", err)
	}
	defer coll.Close()

	srv := httpapi.NewServer(db, coll, logger)
	httpSrv := &http.Server{
		Addr:    cfg.HTTPAddr,
		Handler: httpapi.NewRouter(srv),
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 2)
	go func() {
		logger.Info("logcollector: collector running", slog.String("root_dir", cfg.RootDir))
		errCh <- coll.Run(ctx)
	}()
	go func() {
		logger.Info("logcollector: http server listening", slog.String("addr", cfg.HTTPAddr))
		err := httpSrv.ListenAndServe()
		if err == http.ErrServerClosed {
			err = nil
		}
		errCh <- err
	}()

	var runErr error
	select {
	case <-ctx.Done():
		logger.Info("logcollector: shutdown signal received")
	case err := <-errCh:
		if err != nil {
			logger.Error("logcollector: component failed", slog.Any("err", err))
			runErr = err
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		logger.Error("logcollector: http shutdown failed", slog.Any("err", err))
	}
	if err := coll.Close(); err != nil {
		logger.Error("logcollector: collector shutdown failed", slog.Any("err", err))
	}

	return runErr
}

// openWAL opens the durability side-log unless disabled, returning the
// store.Option set to apply and a closer for the caller to defer.
func openWAL(cfg *config.Config, logger *slog.Logger) ([]store.Option, *walstore.WAL, error) {
	if cfg.DisableWAL {
		logger.Warn("logcollector: durability side-log disabled by configuration")
		return nil, nil, nil
	}

	// The side-log lives next to the data directory, not inside it: the data
	// directory may hold only .meta/.dat pairs, anything else fails Open.
	if err := os.MkdirAll(filepath.Dir(cfg.DataDir), 0o755); err != nil {
		return nil, nil, fmt.Errorf("create data dir parent: %w", err)
	}
	wal, err := walstore.Open(cfg.DataDir + ".wal")
	if err != nil {
		return nil, nil, fmt.Errorf("open durability side-log: %w", err)
	}
	return []store.Option{store.WithWAL(wal)}, wal, nil
}

// pathOnlyProvider is used when the operator disables Kubernetes filename
// parsing; it always reports ok=false so the collector falls back to its
// path-only labelling.
type pathOnlyProvider struct{}

func (pathOnlyProvider) Labels(string) (labels.Set, bool) { return nil, false }
