package failover

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"validator_fleet/pkg/data"
	"validator_fleet/pkg/utils"
)

// runManual performs no node-control calls. The group stays failing_over
// until the operator confirms.
func (c *Coordinator) runManual(a *attempt) {
	r := a.result
	primaryID, backupID := a.primary.NodeID, a.backup.NodeID

	r.State = data.StateFailingOver
	r.Success = false
	r.Message = "manual failover prepared; follow the instructions, then confirm"
	r.Instructions = []string{
		fmt.Sprintf("Stop the validator process on %s and make sure it no longer signs", primaryID),
		fmt.Sprintf("Wait at least %s so the signing state of %s is fully flushed", a.delay, primaryID),
		fmt.Sprintf("Start the validator process on %s", backupID),
		fmt.Sprintf("Check the logs of %s for double-sign warnings before it joins consensus", backupID),
		fmt.Sprintf("Run: fleetguard confirm %s --backup %s", a.identityID, backupID),
	}
}

func (c *Coordinator) runConsensus(a *attempt) {
	c.fail(a, fmt.Errorf("%w: consensus-based failover needs an external coordination service, "+
		"which is not configured; use the manual or time_delayed strategy", ErrStrategyUnavailable))
}

// runTimeDelayed stops the primary, waits for its signing state to flush,
// starts the backup and records it as the active signer. Nothing is retried.
func (c *Coordinator) runTimeDelayed(ctx context.Context, a *attempt) {
	r := a.result
	primaryID, backupID := a.primary.NodeID, a.backup.NodeID
	logger := c.logger.With(
		zap.String("identityId", a.identityID),
		zap.String("primaryNodeId", primaryID),
		zap.String("backupNodeId", backupID))

	if !a.req.Force && !a.req.Failback {
		status, err := c.control.HealthCheck(ctx, primaryID)
		if err != nil {
			logger.Warn("Primary health check failed", zap.Error(err))
		} else if status.Healthy {
			c.fail(a, fmt.Errorf("%w: refusing to fail over live primary %s", ErrPrimaryHealthy, primaryID))
			return
		}
	}

	stopped, err := c.control.Stop(ctx, primaryID)
	if err != nil || !stopped {
		if err == nil {
			err = fmt.Errorf("node agent refused to stop %s", primaryID)
		}
		c.fail(a, fmt.Errorf("stopping primary: %w", err))
		r.Warnings = append(r.Warnings,
			fmt.Sprintf("primary %s may still be running; verify it is stopped before any further action", primaryID))
		return
	}
	c.setStatus(ctx, a, primaryID, data.NodeStopped)
	logger.Info("Primary stopped")

	if _, err := c.guard.Release(context.WithoutCancel(ctx), a.identityID, primaryID); err != nil {
		r.Warnings = append(r.Warnings, fmt.Sprintf("signing lock of %s was not released: %v", primaryID, err))
	}

	logger.Info("Waiting for primary signing state to flush", zap.Duration("delay", a.delay))
	if err := utils.Sleep(ctx, c.clock, a.delay); err != nil {
		c.fail(a, fmt.Errorf("interrupted during failover delay: %w", err))
		c.partial(a)
		return
	}

	v, err := c.guard.VerifyNoConflict(ctx, a.identityID, backupID, a.req.Force)
	if err != nil {
		c.fail(a, err)
		c.partial(a)
		return
	}
	if v.Warning != "" {
		r.Warnings = append(r.Warnings, v.Warning)
	}

	started, err := c.control.Start(ctx, backupID)
	if err != nil || !started {
		if err == nil {
			err = fmt.Errorf("node agent refused to start %s", backupID)
		}
		c.fail(a, fmt.Errorf("starting backup: %w", err))
		c.partial(a)
		return
	}
	c.setStatus(ctx, a, backupID, data.NodeStarting)
	logger.Info("Backup started", zap.Duration("settle", c.cfg.Settle))

	if err := utils.Sleep(ctx, c.clock, c.cfg.Settle); err != nil {
		r.Warnings = append(r.Warnings,
			fmt.Sprintf("settle wait interrupted; health of %s was not verified", backupID))
	} else {
		status, err := c.control.HealthCheck(ctx, backupID)
		switch {
		case err != nil:
			r.Warnings = append(r.Warnings, fmt.Sprintf("health of %s unknown after settle: %v", backupID, err))
		case !status.Healthy:
			r.Warnings = append(r.Warnings,
				fmt.Sprintf("%s is not healthy after %s settle (%s); monitor it closely", backupID, c.cfg.Settle, status.Reason))
		}
	}

	// The backup is running; its claim must be recorded even if the caller went away
	acquired, err := c.guard.TryAcquire(context.WithoutCancel(ctx), a.identityID, backupID)
	if err != nil {
		c.fail(a, fmt.Errorf("recording %s as active signer: %w", backupID, err))
		r.Warnings = append(r.Warnings,
			fmt.Sprintf("%s is running but is not recorded as the active signer", backupID))
		return
	}
	if !acquired {
		c.fail(a, fmt.Errorf("%w: identity %s", ErrSigningLockHeld, a.identityID))
		r.Warnings = append(r.Warnings,
			fmt.Sprintf("%s was started while another node holds the signing lock; stop it immediately", backupID))
		return
	}

	r.Success = true
	if a.req.Failback {
		r.State = data.StateActive
		r.Message = fmt.Sprintf("failed back from %s to %s", primaryID, backupID)
	} else {
		r.State = data.StateFailedOver
		r.Message = fmt.Sprintf("failed over from %s to %s", primaryID, backupID)
	}
}

func (c *Coordinator) fail(a *attempt, err error) {
	a.result.State = data.StateFailed
	a.result.Success = false
	a.result.Err = err
	a.result.Message = err.Error()
}

// partial flags a primary that was stopped without a backup taking over
func (c *Coordinator) partial(a *attempt) {
	a.result.Warnings = append(a.result.Warnings,
		fmt.Sprintf("%s is stopped and %s was not started; identity %s is not signing, manual intervention required",
			a.primary.NodeID, a.backup.NodeID, a.identityID))
}

func (c *Coordinator) setStatus(ctx context.Context, a *attempt, nodeID string, status data.NodeStatus) {
	if err := c.repo.UpdateNode(context.WithoutCancel(ctx), nodeID, data.StatusUpdate(status)); err != nil {
		a.result.Warnings = append(a.result.Warnings,
			fmt.Sprintf("status of %s could not be set to %s: %v", nodeID, status, err))
	}
}
