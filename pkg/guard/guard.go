// Package guard implements the per-identity signing lock that keeps two
// validator processes from signing with the same consensus key.
//
// Every mutation is a single conditional update in the repository, so two
// coordinators racing on the same identity cannot both succeed.
package guard

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"

	"validator_fleet/pkg/data"
	"validator_fleet/pkg/metrics"
	"validator_fleet/pkg/notify"
)

// Verification is the outcome of a conflict check that did not fail
type Verification struct {
	IdentityID      string
	CandidateNodeID string
	// ActiveNodeID is the current holder, empty when nobody signs
	ActiveNodeID string
	Forced       bool
	Warning      string
}

// Guard is the double-sign guard
type Guard struct {
	repo     data.Repository
	notifier notify.Sink
	clock    clock.Clock
	logger   *zap.Logger
}

func New(repo data.Repository, notifier notify.Sink, clk clock.Clock, logger *zap.Logger) *Guard {
	return &Guard{
		repo:     repo,
		notifier: notifier,
		clock:    clk,
		logger:   logger,
	}
}

// TryAcquire marks nodeID as the active signer. It succeeds when nobody signs
// or when nodeID already holds the lock.
func (g *Guard) TryAcquire(ctx context.Context, identityID, nodeID string) (bool, error) {
	ok, err := g.repo.AcquireSigningLock(ctx, identityID, nodeID, g.clock.Now())
	if err != nil {
		return false, fmt.Errorf("acquiring signing lock for %s: %w", identityID, err)
	}

	if ok {
		g.logger.Info("Signing lock acquired",
			zap.String("identityId", identityID),
			zap.String("nodeId", nodeID))
	} else {
		g.logger.Warn("Signing lock held by another node",
			zap.String("identityId", identityID),
			zap.String("nodeId", nodeID))
	}
	return ok, nil
}

// Release clears the signing lock if nodeID holds it
func (g *Guard) Release(ctx context.Context, identityID, nodeID string) (bool, error) {
	ok, err := g.repo.ReleaseSigningLock(ctx, identityID, nodeID, g.clock.Now())
	if err != nil {
		return false, fmt.Errorf("releasing signing lock for %s: %w", identityID, err)
	}

	if ok {
		g.logger.Info("Signing lock released",
			zap.String("identityId", identityID),
			zap.String("nodeId", nodeID))
	}
	return ok, nil
}

// AcquireMigrationLock takes the migration lock for ttl. A live lock of
// another owner blocks; the same owner re-acquiring extends the expiry.
func (g *Guard) AcquireMigrationLock(ctx context.Context, identityID, owner string, ttl time.Duration) (bool, error) {
	now := g.clock.Now()
	ok, err := g.repo.AcquireMigrationLock(ctx, identityID, owner, now, now.Add(ttl))
	if err != nil {
		return false, fmt.Errorf("acquiring migration lock for %s: %w", identityID, err)
	}
	return ok, nil
}

// ReleaseMigrationLock drops the migration lock held by owner
func (g *Guard) ReleaseMigrationLock(ctx context.Context, identityID, owner string) error {
	ok, err := g.repo.ReleaseMigrationLock(ctx, identityID, owner, g.clock.Now())
	if err != nil {
		return fmt.Errorf("releasing migration lock for %s: %w", identityID, err)
	}
	if !ok {
		g.logger.Debug("Migration lock not held by owner",
			zap.String("identityId", identityID),
			zap.String("owner", owner))
	}
	return nil
}

// VerifyNoConflict checks that candidateNodeID may start signing. When another
// node holds the lock it returns a *ConflictError, unless force is set, in
// which case the override is returned as a warning and raised as a critical alert.
func (g *Guard) VerifyNoConflict(ctx context.Context, identityID, candidateNodeID string, force bool) (*Verification, error) {
	lock, err := g.repo.GetOrCreateIdentityLock(ctx, identityID)
	if err != nil {
		return nil, fmt.Errorf("loading identity lock for %s: %w", identityID, err)
	}

	v := &Verification{
		IdentityID:      identityID,
		CandidateNodeID: candidateNodeID,
		ActiveNodeID:    lock.ActiveNode(),
	}

	if v.ActiveNodeID != "" && v.ActiveNodeID != candidateNodeID {
		metrics.SigningLockConflicts.WithLabelValues(strconv.FormatBool(force)).Inc()

		conflict := &ConflictError{
			IdentityID:      identityID,
			ActiveNodeID:    v.ActiveNodeID,
			CandidateNodeID: candidateNodeID,
		}
		if !force {
			return nil, conflict
		}

		v.Forced = true
		v.Warning = fmt.Sprintf("FORCED override: %s; double-signing is possible until %s stops",
			conflict.Error(), v.ActiveNodeID)

		g.logger.Error("Double-sign guard overridden",
			zap.String("identityId", identityID),
			zap.String("activeNodeId", v.ActiveNodeID),
			zap.String("candidateNodeId", candidateNodeID),
			zap.Stack("stack"))

		if err := g.notifier.Send(ctx, notify.Notification{
			Severity: notify.SeverityCritical,
			Target:   identityID,
			Subject:  "Double-sign guard overridden",
			Message:  v.Warning,
		}); err != nil {
			g.logger.Error("Failed to send override alert",
				zap.String("identityId", identityID),
				zap.Error(err))
		}
	}

	if err := g.repo.MarkLockVerified(ctx, identityID, g.clock.Now()); err != nil {
		return nil, fmt.Errorf("recording lock verification for %s: %w", identityID, err)
	}

	return v, nil
}

// Status returns the current lock record of an identity
func (g *Guard) Status(ctx context.Context, identityID string) (*data.IdentityLock, error) {
	lock, err := g.repo.GetOrCreateIdentityLock(ctx, identityID)
	if err != nil {
		return nil, fmt.Errorf("loading identity lock for %s: %w", identityID, err)
	}
	return lock, nil
}
