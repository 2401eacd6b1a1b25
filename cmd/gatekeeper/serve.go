package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"

	"github.com/vyrodovalexey/gatekeeper/internal/config"
	"github.com/vyrodovalexey/gatekeeper/internal/observability"
)

func newServeCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the gatekeeper HTTP server",
		Long: `Start the API listener and the admin listener (/metrics, /ready).

On SIGINT or SIGTERM the gatekeeper stops admitting requests, keeps
answering with 503 for the configured drain period, then stops the
listeners and waits for queued background tasks.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(cmd, opts)
		},
	}
}

func runServe(cmd *cobra.Command, opts *rootOptions) error {
	cfg, err := loadConfig(opts)
	if err != nil {
		return err
	}

	logger, err := initLogger(cfg)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	gin.SetMode(gin.ReleaseMode)
	return run(ctx, cfg, logger)
}

// loadConfig resolves the config path, loads the file and applies the
// command line overrides.
func loadConfig(opts *rootOptions) (*config.Config, error) {
	path, err := config.ResolveConfigPath(opts.configPath)
	if err != nil {
		return nil, err
	}

	cfg, err := config.Load(path)
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}

	if opts.logLevel != "" || opts.logFormat != "" {
		if opts.logLevel != "" {
			cfg.Observability.Logging.Level = opts.logLevel
		}
		if opts.logFormat != "" {
			cfg.Observability.Logging.Format = opts.logFormat
		}
		if err := config.Validate(cfg); err != nil {
			return nil, err
		}
	}
	return cfg, nil
}

func initLogger(cfg *config.Config) (observability.Logger, error) {
	logger, err := observability.NewLogger(cfg.Observability.Logging.LogConfig())
	if err != nil {
		return nil, fmt.Errorf("failed to initialize logger: %w", err)
	}
	return logger, nil
}

// run serves until ctx is canceled, then shuts down.
func run(ctx context.Context, cfg *config.Config, logger observability.Logger) error {
	logger.Info("starting gatekeeper",
		observability.String("version", version),
		observability.Int("pid", os.Getpid()),
	)

	app, err := newApplication(ctx, cfg, logger)
	if err != nil {
		return err
	}

	if err := app.service.Start(ctx); err != nil {
		_ = app.close(context.Background())
		return fmt.Errorf("failed to start gatekeeper: %w", err)
	}

	<-ctx.Done()
	logger.Info("received shutdown signal")
	return app.shutdown(context.Background())
}
