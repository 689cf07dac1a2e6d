package main

import (
	"context"
	"fmt"
	"net/http"

	"github.com/benbjohnson/clock"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"validator_fleet/pkg/config"
	"validator_fleet/pkg/control"
	"validator_fleet/pkg/data"
	"validator_fleet/pkg/database"
	"validator_fleet/pkg/failover"
	"validator_fleet/pkg/guard"
	"validator_fleet/pkg/metrics"
	"validator_fleet/pkg/notify"
	"validator_fleet/pkg/risk"
	"validator_fleet/pkg/scheduler"
)

// App holds the wired service graph shared by all commands
type App struct {
	cfg        *config.Config
	logger     *zap.Logger
	db         *database.Service
	dispatcher *notify.Dispatcher
	redis      *notify.RedisSink
	repo       data.Repository
	guard      *guard.Guard
	control    control.NodeControl
	failover   *failover.Coordinator
}

func newApp(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*App, error) {
	app := &App{
		cfg:    cfg,
		logger: logger,
		db:     database.NewService(&cfg.Database, logger),
	}

	if err := app.db.Start(ctx); err != nil {
		return nil, fmt.Errorf("starting database: %w", err)
	}
	app.repo = app.db.Repository()

	sink, err := app.buildSink(ctx)
	if err != nil {
		return nil, multierr.Append(err, app.close(ctx))
	}
	app.dispatcher = notify.NewDispatcher(sink, cfg.Notify.QueueSize, logger.Named("notify"))
	app.dispatcher.OnDrop(metrics.NotificationsDropped.Inc)
	if err := app.dispatcher.Start(); err != nil {
		return nil, multierr.Append(err, app.close(ctx))
	}

	agent, err := control.NewHTTPAgent(cfg.Control.AgentURL, cfg.Control.TokenSecret, &http.Client{}, logger.Named("agent"))
	if err != nil {
		return nil, multierr.Append(err, app.close(ctx))
	}
	app.control = control.WithTimeouts(agent, control.Timeouts{
		Control: cfg.Failover.ControlTimeout,
		Health:  cfg.Failover.HealthTimeout,
	})

	clk := clock.New()
	app.guard = guard.New(app.repo, app.dispatcher, clk, logger.Named("guard"))
	app.failover = failover.NewCoordinator(failover.Config{
		DefaultStrategy:     data.FailoverStrategy(cfg.Failover.DefaultStrategy),
		Delay:               cfg.Failover.Delay,
		Settle:              cfg.Failover.Settle,
		Cooldown:            cfg.Failover.Cooldown,
		MigrationLockMargin: cfg.Failover.MigrationLockMargin,
	}, app.repo, app.guard, app.control, app.dispatcher, clk, logger.Named("failover"))

	return app, nil
}

// buildSink fans notifications out to the log and any configured webhook or redis channel
func (a *App) buildSink(ctx context.Context) (notify.Sink, error) {
	sinks := notify.Multi{notify.NewLogSink(a.logger.Named("alerts"))}

	if a.cfg.Notify.WebhookURL != "" {
		webhook, err := notify.NewWebhookSink(a.cfg.Notify.WebhookURL, a.cfg.Notify.WebhookSecret, nil)
		if err != nil {
			return nil, err
		}
		sinks = append(sinks, webhook)
	}

	if a.cfg.Notify.RedisURL != "" {
		redisSink, err := notify.OpenRedisSink(ctx, a.cfg.Notify.RedisURL, a.cfg.Notify.RedisChannel)
		if err != nil {
			return nil, err
		}
		a.redis = redisSink
		sinks = append(sinks, redisSink)
	}

	return sinks, nil
}

// newScheduler builds the health scheduler for the run command
func (a *App) newScheduler() (*scheduler.Scheduler, error) {
	clk := clock.New()
	monitor, err := risk.New(risk.Config{
		SlashThreshold:    a.cfg.Monitor.SlashThreshold,
		DowntimeThreshold: a.cfg.Monitor.DowntimeThreshold,
		DowntimeRealert:   a.cfg.Monitor.DowntimeRealert,
		CacheSize:         a.cfg.Monitor.SnapshotCacheSize,
	}, a.dispatcher, clk, a.logger.Named("risk"))
	if err != nil {
		return nil, fmt.Errorf("creating risk monitor: %w", err)
	}

	return scheduler.New(scheduler.Config{
		Interval:       a.cfg.Monitor.Interval,
		ErrorBackoff:   a.cfg.Monitor.ErrorBackoff,
		MaxConcurrent:  a.cfg.Monitor.MaxConcurrent,
		UnhealthyAfter: a.cfg.Monitor.UnhealthyAfter,
	}, a.repo, monitor, a.failover, a.guard, a.control, clk, a.logger.Named("scheduler")), nil
}

// close stops services in reverse order, draining queued notifications first
func (a *App) close(ctx context.Context) error {
	var err error
	if a.dispatcher != nil {
		err = multierr.Append(err, a.dispatcher.Stop(ctx))
	}
	if a.redis != nil {
		err = multierr.Append(err, a.redis.Close())
	}
	err = multierr.Append(err, a.db.Stop(ctx))
	return err
}
