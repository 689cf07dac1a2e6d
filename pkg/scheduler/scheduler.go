// Package scheduler drives all periodic work: each tick feeds live nodes
// through the risk monitor and starts failovers for unhealthy groups.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"validator_fleet/pkg/control"
	"validator_fleet/pkg/data"
	"validator_fleet/pkg/failover"
	"validator_fleet/pkg/metrics"
	"validator_fleet/pkg/risk"
	"validator_fleet/pkg/utils"
)

// Config holds scheduler cadence and health thresholds
type Config struct {
	Interval       time.Duration
	ErrorBackoff   time.Duration
	MaxConcurrent  int
	UnhealthyAfter time.Duration
}

func DefaultConfig() Config {
	return Config{
		Interval:       30 * time.Second,
		ErrorBackoff:   60 * time.Second,
		MaxConcurrent:  10,
		UnhealthyAfter: 5 * time.Minute,
	}
}

// Failoverer starts failover attempts
type Failoverer interface {
	InitiateFailover(ctx context.Context, req failover.Request) (*failover.Result, error)
}

// LockReader reports the signing lock of an identity
type LockReader interface {
	Status(ctx context.Context, identityID string) (*data.IdentityLock, error)
}

// Scheduler is the health scheduler
type Scheduler struct {
	cfg      Config
	repo     data.Repository
	monitor  *risk.Monitor
	failover Failoverer
	locks    LockReader
	control  control.NodeControl
	clock    clock.Clock
	logger   *zap.Logger
	schedule *backoffSchedule

	mu        sync.Mutex
	isRunning bool
	cron      *cron.Cron
	ctx       context.Context
	cancel    context.CancelFunc
	inFlight  map[string]struct{}
	tasks     sync.WaitGroup
}

func New(
	cfg Config,
	repo data.Repository,
	monitor *risk.Monitor,
	coordinator Failoverer,
	locks LockReader,
	ctl control.NodeControl,
	clk clock.Clock,
	logger *zap.Logger,
) *Scheduler {
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = 1
	}
	return &Scheduler{
		cfg:      cfg,
		repo:     repo,
		monitor:  monitor,
		failover: coordinator,
		locks:    locks,
		control:  ctl,
		clock:    clk,
		logger:   logger,
		schedule: newBackoffSchedule(cfg.Interval, cfg.ErrorBackoff),
		inFlight: make(map[string]struct{}),
	}
}

// Start schedules the periodic tick. The first tick runs one interval after Start.
func (s *Scheduler) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.isRunning {
		return fmt.Errorf("scheduler already running")
	}

	cronLogger := cron.PrintfLogger(zap.NewStdLog(s.logger.Named("cron")))
	s.cron = cron.New(
		cron.WithLogger(cronLogger),
		cron.WithChain(cron.Recover(cronLogger), cron.SkipIfStillRunning(cronLogger)),
	)
	s.cron.Schedule(s.schedule, cron.FuncJob(s.run))

	s.ctx, s.cancel = context.WithCancel(context.Background())
	s.cron.Start()
	s.isRunning = true

	s.logger.Info("Health scheduler started",
		zap.Duration("interval", s.cfg.Interval),
		zap.Duration("errorBackoff", s.cfg.ErrorBackoff),
		zap.Int("maxConcurrent", s.cfg.MaxConcurrent))
	return nil
}

// Stop waits for a running tick, then for in-flight failovers. Failovers are
// never cancelled; if ctx ends first Stop returns its error and they keep going.
func (s *Scheduler) Stop(ctx context.Context) error {
	s.mu.Lock()
	if !s.isRunning {
		s.mu.Unlock()
		return nil
	}
	s.isRunning = false
	s.cancel()
	cronDone := s.cron.Stop()
	s.mu.Unlock()

	s.logger.Info("Stopping health scheduler")

	select {
	case <-cronDone.Done():
	case <-ctx.Done():
		return fmt.Errorf("waiting for running tick: %w", ctx.Err())
	}

	tasksDone := make(chan struct{})
	go func() {
		s.tasks.Wait()
		close(tasksDone)
	}()
	select {
	case <-tasksDone:
	case <-ctx.Done():
		return fmt.Errorf("waiting for in-flight failovers: %w", ctx.Err())
	}

	s.logger.Info("Health scheduler stopped")
	return nil
}

// run is the cron job
func (s *Scheduler) run() {
	if !s.schedule.allow(s.clock.Now()) {
		s.logger.Debug("Skipping tick during error backoff")
		return
	}

	s.mu.Lock()
	ctx := s.ctx
	s.mu.Unlock()

	if err := s.Tick(ctx); err != nil {
		s.logger.Error("Health tick failed; backing off",
			zap.Duration("backoff", s.cfg.ErrorBackoff),
			zap.Error(err))
	}
}

// Tick runs one iteration. Failovers it starts keep running after it returns.
func (s *Scheduler) Tick(ctx context.Context) error {
	start := s.clock.Now()
	err := s.tick(ctx)
	s.schedule.record(s.clock.Now(), err)

	result := "ok"
	if err != nil {
		result = "error"
	}
	metrics.SchedulerTicks.WithLabelValues(result).Inc()
	metrics.SchedulerTickDuration.Observe(s.clock.Since(start).Seconds())
	return err
}

func (s *Scheduler) tick(ctx context.Context) error {
	if err := s.checkNodes(ctx); err != nil {
		return err
	}

	groups, err := s.repo.ListFailoverGroups(ctx)
	if err != nil {
		return fmt.Errorf("listing failover groups: %w", err)
	}

	// A broken group is logged and skipped; only fleet-wide failures back off the tick
	now := s.clock.Now()
	for _, group := range groups {
		if err := s.evaluateGroup(ctx, group, now); err != nil {
			metrics.GroupEvaluationErrors.Inc()
			s.logger.Error("Failed to evaluate failover group",
				zap.String("identityId", group.IdentityID),
				zap.Error(err))
		}
	}
	return nil
}

// checkNodes feeds every live node through the risk monitor and forgets
// terminated ones
func (s *Scheduler) checkNodes(ctx context.Context) error {
	nodes, err := s.repo.ListNodes(ctx, data.NodeFilter{
		Statuses: []data.NodeStatus{data.NodeRunning, data.NodeSyncing},
	})
	if err != nil {
		return fmt.Errorf("listing live nodes: %w", err)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.cfg.MaxConcurrent)
	for _, node := range nodes {
		g.Go(func() error {
			s.monitor.Check(gctx, node)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	metrics.MonitoredNodes.Set(float64(len(nodes)))

	terminated, err := s.repo.ListNodes(ctx, data.NodeFilter{
		Statuses: []data.NodeStatus{data.NodeTerminated},
	})
	if err != nil {
		return fmt.Errorf("listing terminated nodes: %w", err)
	}
	for _, node := range terminated {
		s.monitor.Reset(node.NodeID)
	}
	return nil
}

func (s *Scheduler) evaluateGroup(ctx context.Context, group *data.FailoverGroup, now time.Time) error {
	if group.Strategy == data.StrategyManual || group.InCooldown(now) {
		return nil
	}

	switch group.State {
	case data.StateActive:
		return s.checkPrimary(ctx, group, now)
	case data.StateFailedOver:
		if group.AutoFailback {
			return s.checkFailback(ctx, group)
		}
	}
	return nil
}

func (s *Scheduler) checkPrimary(ctx context.Context, group *data.FailoverGroup, now time.Time) error {
	primary, err := s.repo.GetNode(ctx, group.PrimaryNodeID)
	if err != nil {
		return fmt.Errorf("loading primary %s: %w", group.PrimaryNodeID, err)
	}

	reason, unhealthy := s.primaryUnhealthy(primary, now)
	if !unhealthy {
		return nil
	}

	backup, err := s.selectBackup(ctx, group)
	if err != nil {
		return err
	}
	if backup == nil {
		s.logger.Warn("Primary unhealthy but no eligible backup",
			zap.String("identityId", group.IdentityID),
			zap.String("primaryNodeId", primary.NodeID),
			zap.String("reason", reason))
		return nil
	}

	s.logger.Warn("Primary unhealthy; starting failover",
		zap.String("identityId", group.IdentityID),
		zap.String("primaryNodeId", primary.NodeID),
		zap.String("backupNodeId", backup.NodeID),
		zap.String("reason", reason))

	s.spawn(group.IdentityID, failover.Request{PrimaryID: primary.NodeID, BackupID: backup.NodeID})
	return nil
}

func (s *Scheduler) primaryUnhealthy(primary *data.ValidatorNode, now time.Time) (string, bool) {
	switch {
	case primary.Status == data.NodeError || primary.Status == data.NodeStopped:
		return fmt.Sprintf("status %s", primary.Status), true
	case primary.Status.Live() && now.Sub(primary.LastHeartbeatAt) > s.cfg.UnhealthyAfter:
		if primary.LastHeartbeatAt.IsZero() {
			return "no heartbeat received", true
		}
		return fmt.Sprintf("last heartbeat %s ago", now.Sub(primary.LastHeartbeatAt).Truncate(time.Second)), true
	}
	return "", false
}

// selectBackup returns the first backup in group order that exists and is not
// terminated or in error, or nil
func (s *Scheduler) selectBackup(ctx context.Context, group *data.FailoverGroup) (*data.ValidatorNode, error) {
	for _, id := range group.BackupNodeIDs {
		node, err := s.repo.GetNode(ctx, id)
		if errors.Is(err, data.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("loading backup %s: %w", id, err)
		}
		if node.Status == data.NodeTerminated || node.Status == data.NodeError {
			continue
		}
		return node, nil
	}
	return nil, nil
}

// checkFailback returns the active role to the group's original primary once
// its agent reports it healthy
func (s *Scheduler) checkFailback(ctx context.Context, group *data.FailoverGroup) error {
	lock, err := s.locks.Status(ctx, group.IdentityID)
	if err != nil {
		return err
	}
	active := lock.ActiveNode()
	if active == "" || active == group.PrimaryNodeID {
		return nil
	}

	status, err := s.control.HealthCheck(ctx, group.PrimaryNodeID)
	if err != nil || !status.Healthy {
		return nil
	}

	s.logger.Info("Original primary healthy; starting failback",
		zap.String("identityId", group.IdentityID),
		zap.String("activeNodeId", active),
		zap.String("primaryNodeId", group.PrimaryNodeID))

	s.spawn(group.IdentityID, failover.Request{
		PrimaryID: active,
		BackupID:  group.PrimaryNodeID,
		Failback:  true,
	})
	return nil
}

// spawn runs a failover as an independent task, at most one per identity in
// this process. It reports whether a task was started.
func (s *Scheduler) spawn(identityID string, req failover.Request) bool {
	s.mu.Lock()
	if _, busy := s.inFlight[identityID]; busy {
		s.mu.Unlock()
		s.logger.Debug("Failover already in flight", zap.String("identityId", identityID))
		return false
	}
	s.inFlight[identityID] = struct{}{}
	s.mu.Unlock()

	utils.SafeGoTracked(&s.tasks, s.logger, func() {
		defer func() {
			s.mu.Lock()
			delete(s.inFlight, identityID)
			s.mu.Unlock()
		}()

		// Not tied to the scheduler lifetime: a stop/start sequence must never be cut short
		result, err := s.failover.InitiateFailover(context.Background(), req)
		if err != nil {
			if errors.Is(err, failover.ErrLockContention) {
				s.logger.Info("Failover skipped; another attempt holds the migration lock",
					zap.String("identityId", identityID))
				return
			}
			s.logger.Error("Failover could not start",
				zap.String("identityId", identityID),
				zap.Error(err))
			return
		}
		s.logger.Info("Failover task finished",
			zap.String("identityId", identityID),
			zap.String("state", string(result.State)),
			zap.Bool("success", result.Success),
			zap.String("recordId", result.RecordID))
	})
	return true
}

// backoffSchedule is a cron.Schedule firing every interval, stretched to
// errorBackoff after a failed tick. cron asks for the next activation when a
// job starts, so allow also rejects ticks that fall inside the backoff.
type backoffSchedule struct {
	interval     time.Duration
	errorBackoff time.Duration

	mu      sync.Mutex
	retryAt time.Time
}

func newBackoffSchedule(interval, errorBackoff time.Duration) *backoffSchedule {
	return &backoffSchedule{interval: interval, errorBackoff: errorBackoff}
}

func (b *backoffSchedule) Next(t time.Time) time.Time {
	b.mu.Lock()
	defer b.mu.Unlock()

	next := t.Add(b.interval)
	if b.retryAt.After(next) {
		return b.retryAt
	}
	return next
}

func (b *backoffSchedule) record(now time.Time, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if err != nil {
		b.retryAt = now.Add(b.errorBackoff)
	} else {
		b.retryAt = time.Time{}
	}
}

func (b *backoffSchedule) allow(now time.Time) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return !now.Before(b.retryAt)
}
