// Command sunwet runs the server: it loads configuration, opens the
// triple store and file store, and serves the HTTP surface. Wiring
// style (cobra root command, config-path flag, structured startup
// logging) is grounded on perkeep's server/perkeepd entrypoint.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"sunwet.dev/sunwet/internal/access"
	"sunwet.dev/sunwet/internal/config"
	"sunwet.dev/sunwet/internal/derive"
	"sunwet.dev/sunwet/internal/filestore"
	"sunwet.dev/sunwet/internal/httpapi"
	"sunwet.dev/sunwet/internal/link"
	"sunwet.dev/sunwet/internal/osutil"
	"sunwet.dev/sunwet/internal/slogctx"
	"sunwet.dev/sunwet/internal/store/sqlite"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var configPath string
	cmd := &cobra.Command{
		Use:   "sunwet",
		Short: "sunwet personal-media knowledge server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), configPath)
		},
	}
	cmd.Flags().StringVar(&configPath, "config", osutil.DefaultConfigPath(), "path to the server configuration file")
	return cmd
}

func run(ctx context.Context, configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	level := slog.LevelInfo
	if cfg.Debug {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	ctx = slogctx.With(ctx, logger)

	if err := os.MkdirAll(cfg.GraphDir, 0o755); err != nil {
		return fmt.Errorf("creating graph dir: %w", err)
	}
	db, err := sqlite.Open(ctx, cfg.GraphDir+"/sunwet.sqlite3")
	if err != nil {
		return fmt.Errorf("opening triple store: %w", err)
	}
	defer db.Close()

	fs, err := filestore.Open(cfg.FilesDir)
	if err != nil {
		return fmt.Errorf("opening file store: %w", err)
	}

	derivationQueue := make(chan derive.Job, 64)
	worker := derive.NewWorker(db, fs, derivationQueue, logger)
	go worker.Run(ctx)

	resolver := access.NewResolver(cfg.User)
	hub := link.NewHub(logger)
	api := httpapi.New(db, fs, resolver, hub, logger, cfg)

	srv := &http.Server{
		Addr:    cfg.BindAddr,
		Handler: api,
	}

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		logger.Info("listening", "addr", cfg.BindAddr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutting down")
		return srv.Shutdown(context.Background())
	case err := <-errCh:
		if err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("serving: %w", err)
		}
		return nil
	}
}
