// Package risk watches heartbeats for signs that a validator is about to be
// slashed or jailed and raises graduated, deduplicated alerts.
//
// Snapshots live in process memory only. Several monitor processes each keep
// their own and will each alert on their first observation of a node.
package risk

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	lru "github.com/hashicorp/golang-lru/v2"
	"go.uber.org/zap"

	"validator_fleet/pkg/data"
	"validator_fleet/pkg/metrics"
	"validator_fleet/pkg/notify"
)

// Kind classifies an alert
type Kind string

const (
	KindHeightRegression Kind = "height_regression"
	KindRoundConflict    Kind = "round_conflict"
	KindDowntime         Kind = "downtime"
	KindMissedBlocks     Kind = "missed_blocks"
)

// Alert is a single finding about a node
type Alert struct {
	NodeID   string
	Kind     Kind
	Severity notify.Severity
	Message  string
	// MissedBlockLevel is the tier crossed by a missed-blocks alert
	MissedBlockLevel int
	RaisedAt         time.Time
}

// Sample is the newest heartbeat of a node
type Sample struct {
	Height           int64
	Round            int32
	Status           data.NodeStatus
	MissedBlockCount int64
	Timestamp        time.Time
}

// Snapshot is the per-node evaluation state kept between samples
type Snapshot struct {
	NodeID                    string
	PrevHeight                int64
	PrevRound                 int32
	PrevMissedBlocks          int64
	LastAlertMissedBlockLevel int
	LastDowntimeAlertAt       *time.Time
}

type missedBlockTier struct {
	level    int
	severity notify.Severity
	wording  string
}

// Highest first; only the highest newly crossed tier fires.
var missedBlockTiers = []missedBlockTier{
	{100, notify.SeverityCritical, "slashing threshold reached"},
	{90, notify.SeverityCritical, "jailing imminent"},
	{60, notify.SeverityWarning, "missed blocks rising"},
	{20, notify.SeverityInfo, "missed blocks accumulating"},
}

// tierAtOrBelow returns the highest tier level not above percent, or 0
func tierAtOrBelow(percent int) int {
	for _, tier := range missedBlockTiers {
		if percent >= tier.level {
			return tier.level
		}
	}
	return 0
}

// Config holds the detection thresholds
type Config struct {
	SlashThreshold    int64
	DowntimeThreshold time.Duration
	DowntimeRealert   time.Duration
	CacheSize         int
}

func DefaultConfig() Config {
	return Config{
		SlashThreshold:    5000,
		DowntimeThreshold: 2 * time.Minute,
		DowntimeRealert:   10 * time.Minute,
		CacheSize:         4096,
	}
}

// Monitor is the slashing-risk detector
type Monitor struct {
	cfg      Config
	notifier notify.Sink
	clock    clock.Clock
	logger   *zap.Logger

	mu        sync.Mutex
	snapshots *lru.Cache[string, *Snapshot]
}

func New(cfg Config, notifier notify.Sink, clk clock.Clock, logger *zap.Logger) (*Monitor, error) {
	if cfg.SlashThreshold <= 0 {
		return nil, fmt.Errorf("slash threshold must be positive")
	}

	snapshots, err := lru.New[string, *Snapshot](cfg.CacheSize)
	if err != nil {
		return nil, fmt.Errorf("creating snapshot cache: %w", err)
	}

	return &Monitor{
		cfg:       cfg,
		notifier:  notifier,
		clock:     clk,
		logger:    logger,
		snapshots: snapshots,
	}, nil
}

// Evaluate compares sample against the node's previous snapshot and returns
// the alerts it warrants. The snapshot is always advanced to the sample.
func (m *Monitor) Evaluate(nodeID string, sample Sample) []Alert {
	now := m.clock.Now()

	m.mu.Lock()
	defer m.mu.Unlock()

	snap, seen := m.snapshots.Get(nodeID)
	if !seen {
		snap = &Snapshot{NodeID: nodeID}
	}

	var alerts []Alert
	raise := func(kind Kind, severity notify.Severity, level int, format string, args ...interface{}) {
		alerts = append(alerts, Alert{
			NodeID:           nodeID,
			Kind:             kind,
			Severity:         severity,
			Message:          fmt.Sprintf(format, args...),
			MissedBlockLevel: level,
			RaisedAt:         now,
		})
	}

	if seen {
		switch {
		case sample.Height < snap.PrevHeight:
			raise(KindHeightRegression, notify.SeverityCritical, 0,
				"height moved backwards from %d to %d: corrupted state or a second live signer",
				snap.PrevHeight, sample.Height)
		case sample.Height == snap.PrevHeight && sample.Round != snap.PrevRound:
			raise(KindRoundConflict, notify.SeverityWarning, 0,
				"round changed from %d to %d at height %d: possible fork or consensus instability",
				snap.PrevRound, sample.Round, sample.Height)
		}
	}

	if stale := now.Sub(sample.Timestamp); stale > m.cfg.DowntimeThreshold {
		if snap.LastDowntimeAlertAt == nil || now.Sub(*snap.LastDowntimeAlertAt) >= m.cfg.DowntimeRealert {
			raise(KindDowntime, notify.SeverityWarning, 0,
				"no heartbeat for %s (status %s)", stale.Truncate(time.Second), sample.Status)
			at := now
			snap.LastDowntimeAlertAt = &at
		}
	} else {
		snap.LastDowntimeAlertAt = nil
	}

	percent := int(sample.MissedBlockCount * 100 / m.cfg.SlashThreshold)
	if seen && sample.MissedBlockCount < snap.PrevMissedBlocks {
		// A falling counter only releases tiers the node has dropped below
		snap.LastAlertMissedBlockLevel = min(snap.LastAlertMissedBlockLevel, tierAtOrBelow(percent))
	}
	for _, tier := range missedBlockTiers {
		if percent >= tier.level {
			if tier.level > snap.LastAlertMissedBlockLevel {
				raise(KindMissedBlocks, tier.severity, tier.level,
					"%d of %d blocks missed (%d%%): %s",
					sample.MissedBlockCount, m.cfg.SlashThreshold, percent, tier.wording)
				snap.LastAlertMissedBlockLevel = tier.level
			}
			break
		}
	}

	snap.PrevHeight = sample.Height
	snap.PrevRound = sample.Round
	snap.PrevMissedBlocks = sample.MissedBlockCount
	m.snapshots.Add(nodeID, snap)

	return alerts
}

// Check evaluates the node's latest heartbeat and forwards every alert to the notifier
func (m *Monitor) Check(ctx context.Context, node *data.ValidatorNode) []Alert {
	alerts := m.Evaluate(node.NodeID, Sample{
		Height:           node.LastHeight,
		Round:            node.LastRound,
		Status:           node.Status,
		MissedBlockCount: node.MissedBlockCount,
		Timestamp:        node.LastHeartbeatAt,
	})

	for _, alert := range alerts {
		metrics.RiskAlerts.WithLabelValues(string(alert.Severity), string(alert.Kind)).Inc()

		m.logger.Warn("Slashing risk detected",
			zap.String("nodeId", node.NodeID),
			zap.String("identityId", node.IdentityID),
			zap.String("kind", string(alert.Kind)),
			zap.String("severity", string(alert.Severity)),
			zap.String("message", alert.Message))

		if err := m.notifier.Send(ctx, notify.Notification{
			Severity:  alert.Severity,
			Target:    node.NodeID,
			Subject:   fmt.Sprintf("Slashing risk: %s", alert.Kind),
			Message:   alert.Message,
			CreatedAt: alert.RaisedAt,
		}); err != nil {
			m.logger.Error("Failed to send risk alert",
				zap.String("nodeId", node.NodeID),
				zap.Error(err))
		}
	}

	return alerts
}

// Reset forgets everything known about a node
func (m *Monitor) Reset(nodeID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.snapshots.Remove(nodeID)
}

// Snapshot returns a copy of the node's current evaluation state
func (m *Monitor) Snapshot(nodeID string) (Snapshot, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	snap, ok := m.snapshots.Peek(nodeID)
	if !ok {
		return Snapshot{}, false
	}
	return *snap, true
}
