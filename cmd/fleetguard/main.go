package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"validator_fleet/pkg/config"
	"validator_fleet/pkg/metrics"
	"validator_fleet/pkg/utils"
)

const shutdownTimeout = 30 * time.Second

var (
	configFile string
	debug      bool
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:           "fleetguard",
		Short:         "Validator fleet failover and double-sign protection",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&configFile, "config", "config.yaml", "Path to configuration file")
	root.PersistentFlags().BoolVar(&debug, "debug", false, "Enable debug logging")

	root.AddCommand(
		newRunCommand(),
		newMigrateCommand(),
		newFailoverCommand(),
		newConfirmCommand(),
		newHistoryCommand(),
		newGroupCommand(),
		newLockCommand(),
		newIdentityCommand(),
		newNodeCommand(),
	)
	return root
}

// bootstrap loads configuration and builds the logger
func bootstrap() (*config.Config, *zap.Logger, error) {
	cfg, err := config.Load(configFile)
	if err != nil {
		return nil, nil, err
	}

	level := cfg.LogLevel
	if debug {
		level = "debug"
	}
	logger, err := utils.NewLogger(&utils.LogConfig{
		Level:      level,
		OutputPath: cfg.Log.OutputPath,
		MaxSize:    cfg.Log.MaxSizeMB,
		MaxAge:     cfg.Log.MaxAgeDays,
		MaxBackups: cfg.Log.MaxBackups,
		Compress:   cfg.Log.Compress,
		Console:    debug || cfg.IsDevelopment(),
	})
	if err != nil {
		return nil, nil, fmt.Errorf("initializing logger: %w", err)
	}
	return cfg, logger, nil
}

// withApp runs fn against a fully wired App and tears it down afterwards.
// SIGINT and SIGTERM cancel the context passed to fn instead of killing the
// process, so an interrupted failover still records its outcome.
func withApp(cmd *cobra.Command, fn func(ctx context.Context, app *App) error) (err error) {
	cfg, logger, err := bootstrap()
	if err != nil {
		return err
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	app, err := newApp(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
		defer cancel()
		err = multierr.Append(err, app.close(closeCtx))
	}()

	return fn(ctx, app)
}

func newRunCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Run the health scheduler and metrics endpoint until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, app *App) error {
				sched, err := app.newScheduler()
				if err != nil {
					return err
				}

				metricsServer := metrics.NewServer(app.cfg.Metrics.ListenAddr, app.logger.Named("metrics"))
				if err := metricsServer.Start(); err != nil {
					return fmt.Errorf("starting metrics server: %w", err)
				}
				if err := sched.Start(); err != nil {
					return multierr.Append(fmt.Errorf("starting scheduler: %w", err),
						metricsServer.Stop(context.WithoutCancel(ctx)))
				}

				app.logger.Info("Fleetguard running",
					zap.String("environment", app.cfg.Environment),
					zap.String("metricsAddr", metricsServer.Addr()))

				<-ctx.Done()
				app.logger.Info("Received shutdown signal")

				// In-flight failovers get the full failover window to finish
				stopCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx),
					app.cfg.Failover.Delay+app.cfg.Failover.Settle+shutdownTimeout)
				defer cancel()

				return multierr.Combine(
					sched.Stop(stopCtx),
					metricsServer.Stop(stopCtx),
				)
			})
		},
	}
}

func newMigrateCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply the database schema",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, app *App) error {
				app.logger.Info("Schema applied", zap.String("driver", app.cfg.Database.Driver))
				return nil
			})
		},
	}
}
