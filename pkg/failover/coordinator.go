// Package failover moves the active signing role between the nodes of a
// failover group without ever letting two of them sign at once.
package failover

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"validator_fleet/pkg/control"
	"validator_fleet/pkg/data"
	"validator_fleet/pkg/guard"
	"validator_fleet/pkg/metrics"
	"validator_fleet/pkg/notify"
)

// Config holds coordinator timings
type Config struct {
	DefaultStrategy data.FailoverStrategy
	// Delay is used when the identity has no failover group
	Delay               time.Duration
	Settle              time.Duration
	Cooldown            time.Duration
	MigrationLockMargin time.Duration
}

func DefaultConfig() Config {
	return Config{
		DefaultStrategy:     data.StrategyTimeDelayed,
		Delay:               300 * time.Second,
		Settle:              30 * time.Second,
		Cooldown:            10 * time.Minute,
		MigrationLockMargin: 2 * time.Minute,
	}
}

// Coordinator orchestrates failover attempts
type Coordinator struct {
	cfg      Config
	repo     data.Repository
	guard    *guard.Guard
	control  control.NodeControl
	notifier notify.Sink
	clock    clock.Clock
	logger   *zap.Logger
}

func NewCoordinator(
	cfg Config,
	repo data.Repository,
	g *guard.Guard,
	ctl control.NodeControl,
	notifier notify.Sink,
	clk clock.Clock,
	logger *zap.Logger,
) *Coordinator {
	return &Coordinator{
		cfg:      cfg,
		repo:     repo,
		guard:    g,
		control:  ctl,
		notifier: notifier,
		clock:    clk,
		logger:   logger,
	}
}

// attempt carries the state of one failover through the strategy steps
type attempt struct {
	req        Request
	identityID string
	primary    *data.ValidatorNode
	backup     *data.ValidatorNode
	group      *data.FailoverGroup
	strategy   data.FailoverStrategy
	delay      time.Duration
	// groupTouched is set once the group has moved to failing_over
	groupTouched bool
	result       *Result
}

// InitiateFailover moves the active role from req.PrimaryID to req.BackupID.
//
// Errors are returned only when the attempt cannot begin: unknown nodes, an
// identity mismatch, a concurrent attempt or a store failure. Once begun,
// the outcome is reported in the Result and persisted as a FailoverRecord.
func (c *Coordinator) InitiateFailover(ctx context.Context, req Request) (*Result, error) {
	primary, err := c.loadNode(ctx, req.PrimaryID)
	if err != nil {
		return nil, err
	}
	backup, err := c.loadNode(ctx, req.BackupID)
	if err != nil {
		return nil, err
	}

	if primary.IdentityID != backup.IdentityID {
		return nil, fmt.Errorf("%w: %s signs for %s, %s signs for %s",
			ErrIdentityMismatch, primary.NodeID, primary.IdentityID, backup.NodeID, backup.IdentityID)
	}
	if primary.NodeID == backup.NodeID {
		return nil, fmt.Errorf("primary and backup are the same node %s", primary.NodeID)
	}

	a := &attempt{
		req:        req,
		identityID: primary.IdentityID,
		primary:    primary,
		backup:     backup,
		delay:      c.cfg.Delay,
	}

	a.group, err = c.repo.GetFailoverGroup(ctx, a.identityID)
	if err != nil {
		if !errors.Is(err, data.ErrNotFound) {
			return nil, fmt.Errorf("loading failover group of %s: %w", a.identityID, err)
		}
		a.group = nil
	}
	if a.group != nil {
		a.delay = a.group.FailoverDelay
	}

	a.strategy, err = c.resolveStrategy(req, a.group)
	if err != nil {
		return nil, err
	}

	release, err := c.lockMigration(ctx, a.identityID, a.delay+c.cfg.Settle+c.cfg.MigrationLockMargin)
	if err != nil {
		return nil, err
	}
	defer release()

	metrics.InFlightFailovers.Inc()
	defer metrics.InFlightFailovers.Dec()

	a.result = c.newResult(a)

	c.logger.Info("Failover initiated",
		zap.String("identityId", a.identityID),
		zap.String("primaryNodeId", primary.NodeID),
		zap.String("backupNodeId", backup.NodeID),
		zap.String("strategy", string(a.strategy)),
		zap.Bool("force", req.Force),
		zap.Bool("failback", req.Failback),
		zap.Duration("delay", a.delay))

	// An unavailable strategy never touches the group
	if a.strategy == data.StrategyConsensusBased {
		c.runConsensus(a)
		return c.finish(ctx, a), nil
	}

	if a.group != nil {
		from := []data.FailoverState{data.StateActive, data.StateFailedOver, data.StateFailed}
		if req.Failback {
			from = []data.FailoverState{data.StateFailedOver}
		}
		ok, err := c.repo.TransitionGroupState(ctx, a.identityID, data.GroupTransition{
			From: from,
			To:   data.StateFailingOver,
		})
		if err != nil {
			return nil, fmt.Errorf("moving group %s to failing_over: %w", a.identityID, err)
		}
		if !ok {
			return nil, fmt.Errorf("%w: group %s cannot start a failover from its current state",
				ErrGroupState, a.identityID)
		}
		a.groupTouched = true
	}

	switch a.strategy {
	case data.StrategyManual:
		c.runManual(a)
	case data.StrategyTimeDelayed:
		c.runTimeDelayed(ctx, a)
	}

	return c.finish(ctx, a), nil
}

// ConfirmManualFailover completes a manual failover once the operator has
// stopped the primary and started backupID. An empty backupID selects the
// group's first backup. Gate failures leave the group in failing_over so the
// operator can fix the cause and confirm again.
func (c *Coordinator) ConfirmManualFailover(ctx context.Context, identityID, backupID string) (*Result, error) {
	group, err := c.repo.GetFailoverGroup(ctx, identityID)
	if err != nil {
		return nil, fmt.Errorf("loading failover group of %s: %w", identityID, err)
	}
	if group.State != data.StateFailingOver {
		return nil, fmt.Errorf("%w: group %s is %s, not failing_over", ErrGroupState, identityID, group.State)
	}

	if backupID == "" {
		backupID = group.BackupNodeIDs[0]
	}
	if !contains(group.BackupNodeIDs, backupID) {
		return nil, fmt.Errorf("%w: node %s is not a backup of %s", ErrGroupState, backupID, identityID)
	}

	primary, err := c.loadNode(ctx, group.PrimaryNodeID)
	if err != nil {
		return nil, err
	}
	backup, err := c.loadNode(ctx, backupID)
	if err != nil {
		return nil, err
	}

	release, err := c.lockMigration(ctx, identityID, c.cfg.Settle+c.cfg.MigrationLockMargin)
	if err != nil {
		return nil, err
	}
	defer release()

	status, err := c.control.HealthCheck(ctx, primary.NodeID)
	if err == nil && status.Healthy {
		return nil, fmt.Errorf("%w: stop %s before confirming", ErrPrimaryHealthy, primary.NodeID)
	}

	if _, err := c.guard.Release(ctx, identityID, primary.NodeID); err != nil {
		return nil, err
	}
	if _, err := c.guard.VerifyNoConflict(ctx, identityID, backup.NodeID, false); err != nil {
		return nil, err
	}
	acquired, err := c.guard.TryAcquire(ctx, identityID, backup.NodeID)
	if err != nil {
		return nil, err
	}
	if !acquired {
		return nil, fmt.Errorf("%w: identity %s", ErrSigningLockHeld, identityID)
	}

	a := &attempt{
		req:          Request{PrimaryID: primary.NodeID, BackupID: backup.NodeID},
		identityID:   identityID,
		primary:      primary,
		backup:       backup,
		group:        group,
		strategy:     data.StrategyManual,
		groupTouched: true,
	}
	a.result = c.newResult(a)
	a.result.State = data.StateFailedOver
	a.result.Success = true
	a.result.Message = fmt.Sprintf("manual failover confirmed: %s is the active signer", backup.NodeID)

	return c.finish(ctx, a), nil
}

// ResetGroup returns a failed, failed-over or stranded failing_over group to
// active so the scheduler watches it again. It takes the migration lock, so a
// group whose failover is still running cannot be reset.
func (c *Coordinator) ResetGroup(ctx context.Context, identityID string) error {
	release, err := c.lockMigration(ctx, identityID, c.cfg.MigrationLockMargin)
	if err != nil {
		return err
	}
	defer release()

	ok, err := c.repo.TransitionGroupState(ctx, identityID, data.GroupTransition{
		From: []data.FailoverState{data.StateFailed, data.StateFailedOver, data.StateFailingOver},
		To:   data.StateActive,
	})
	if err != nil {
		return fmt.Errorf("resetting group %s: %w", identityID, err)
	}
	if !ok {
		return fmt.Errorf("%w: group %s is missing or already active", ErrGroupState, identityID)
	}

	c.logger.Info("Failover group reset to active", zap.String("identityId", identityID))
	return nil
}

// History returns the most recent failover records of an identity
func (c *Coordinator) History(ctx context.Context, identityID string, limit int) ([]*data.FailoverRecord, error) {
	records, err := c.repo.ListFailoverRecords(ctx, identityID, limit)
	if err != nil {
		return nil, fmt.Errorf("listing failover records of %s: %w", identityID, err)
	}
	return records, nil
}

func (c *Coordinator) loadNode(ctx context.Context, nodeID string) (*data.ValidatorNode, error) {
	node, err := c.repo.GetNode(ctx, nodeID)
	if err != nil {
		return nil, fmt.Errorf("loading node %s: %w", nodeID, err)
	}
	return node, nil
}

func (c *Coordinator) resolveStrategy(req Request, group *data.FailoverGroup) (data.FailoverStrategy, error) {
	strategy := c.cfg.DefaultStrategy
	switch {
	case req.Strategy != nil:
		strategy = *req.Strategy
	case group != nil:
		strategy = group.Strategy
	}
	if !strategy.Valid() {
		return "", fmt.Errorf("%w: %q", data.ErrInvalidStrategy, strategy)
	}
	return strategy, nil
}

// lockMigration takes the migration lock under a fresh owner id and returns its release func
func (c *Coordinator) lockMigration(ctx context.Context, identityID string, ttl time.Duration) (func(), error) {
	owner := uuid.NewString()
	ok, err := c.guard.AcquireMigrationLock(ctx, identityID, owner, ttl)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrLockContention, identityID)
	}

	return func() {
		if err := c.guard.ReleaseMigrationLock(context.WithoutCancel(ctx), identityID, owner); err != nil {
			c.logger.Error("Failed to release migration lock",
				zap.String("identityId", identityID),
				zap.String("owner", owner),
				zap.Error(err))
		}
	}, nil
}

func (c *Coordinator) newResult(a *attempt) *Result {
	return &Result{
		IdentityID:    a.identityID,
		PrimaryNodeID: a.primary.NodeID,
		BackupNodeID:  a.backup.NodeID,
		Strategy:      a.strategy,
		State:         data.StateFailingOver,
		Warnings:      []string{},
		RecordID:      uuid.NewString(),
		StartedAt:     c.clock.Now(),
	}
}

// finish settles the group state, persists the audit record and notifies
// operators. It runs on a context that outlives caller cancellation.
func (c *Coordinator) finish(ctx context.Context, a *attempt) *Result {
	ctx = context.WithoutCancel(ctx)
	r := a.result
	r.CompletedAt = c.clock.Now()

	if a.groupTouched && r.State != data.StateFailingOver {
		c.settleGroup(ctx, a)
	}

	if err := c.repo.SaveFailoverRecord(ctx, r.record(a.req)); err != nil {
		c.logger.Error("Failed to persist failover record",
			zap.String("identityId", a.identityID),
			zap.String("recordId", r.RecordID),
			zap.Error(err))
		r.Warnings = append(r.Warnings, fmt.Sprintf("audit record %s was not persisted: %v", r.RecordID, err))
	}

	metrics.FailoverAttempts.WithLabelValues(string(r.Strategy), string(r.State)).Inc()
	metrics.FailoverDuration.WithLabelValues(string(r.Strategy)).Observe(r.CompletedAt.Sub(r.StartedAt).Seconds())

	fields := []zap.Field{
		zap.String("identityId", a.identityID),
		zap.String("recordId", r.RecordID),
		zap.String("state", string(r.State)),
		zap.Bool("success", r.Success),
		zap.Strings("warnings", r.Warnings),
		zap.String("message", r.Message),
	}
	if r.State == data.StateFailed {
		c.logger.Error("Failover failed", fields...)
	} else {
		c.logger.Info("Failover finished", fields...)
	}

	c.notify(ctx, a)
	return r
}

// settleGroup moves the group out of failing_over. After a successful
// failover of a group without auto-failback the backup is promoted to primary.
func (c *Coordinator) settleGroup(ctx context.Context, a *attempt) {
	r := a.result
	cooldown := r.CompletedAt.Add(c.cfg.Cooldown)
	t := data.GroupTransition{
		From:          []data.FailoverState{data.StateFailingOver},
		To:            r.State,
		CooldownUntil: &cooldown,
	}

	promote := r.Success && !a.req.Failback && !a.group.AutoFailback
	if promote {
		newPrimary := a.backup.NodeID
		backups := []string{}
		for _, id := range append([]string{a.group.PrimaryNodeID}, a.group.BackupNodeIDs...) {
			if id != newPrimary && !contains(backups, id) {
				backups = append(backups, id)
			}
		}
		t.PrimaryNodeID = &newPrimary
		t.BackupNodeIDs = backups
	}

	ok, err := c.repo.TransitionGroupState(ctx, a.identityID, t)
	if err != nil || !ok {
		c.logger.Error("Failed to settle failover group state",
			zap.String("identityId", a.identityID),
			zap.String("to", string(r.State)),
			zap.Bool("applied", ok),
			zap.Error(err))
		r.Warnings = append(r.Warnings, fmt.Sprintf("group %s could not be moved to %s; check it manually", a.identityID, r.State))
		return
	}

	if promote {
		primaryRole, backupRole := data.RolePrimary, data.RoleBackup
		if err := c.repo.UpdateNode(ctx, a.backup.NodeID, data.NodeUpdate{Role: &primaryRole}); err != nil {
			c.logger.Warn("Failed to update node role", zap.String("nodeId", a.backup.NodeID), zap.Error(err))
		}
		if err := c.repo.UpdateNode(ctx, a.primary.NodeID, data.NodeUpdate{Role: &backupRole}); err != nil {
			c.logger.Warn("Failed to update node role", zap.String("nodeId", a.primary.NodeID), zap.Error(err))
		}
	}
}

func (c *Coordinator) notify(ctx context.Context, a *attempt) {
	r := a.result
	n := notify.Notification{
		Target:    a.identityID,
		Message:   r.Message,
		CreatedAt: r.CompletedAt,
	}

	kind := "Failover"
	if a.req.Failback {
		kind = "Failback"
	}

	switch {
	case r.State == data.StateFailed:
		n.Severity = notify.SeverityCritical
		n.Subject = kind + " failed"
	case r.State == data.StateFailingOver:
		n.Severity = notify.SeverityWarning
		n.Subject = "Manual failover awaiting operator"
	case len(r.Warnings) > 0:
		n.Severity = notify.SeverityWarning
		n.Subject = kind + " completed with warnings"
	default:
		n.Severity = notify.SeverityInfo
		n.Subject = kind + " completed"
	}

	for _, w := range r.Warnings {
		n.Message += "\nwarning: " + w
	}

	if err := c.notifier.Send(ctx, n); err != nil {
		c.logger.Error("Failed to send failover notification",
			zap.String("identityId", a.identityID),
			zap.Error(err))
	}
}

func contains(ids []string, id string) bool {
	for _, v := range ids {
		if v == id {
			return true
		}
	}
	return false
}
