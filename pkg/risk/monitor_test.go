package risk

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"validator_fleet/pkg/data"
	"validator_fleet/pkg/notify"
)

type captureSink struct {
	mu  sync.Mutex
	got []notify.Notification
}

func (c *captureSink) Send(ctx context.Context, n notify.Notification) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.got = append(c.got, n)
	return nil
}

func newTestMonitor(t *testing.T) (*Monitor, *clock.Mock, *captureSink) {
	clk := clock.NewMock()
	clk.Set(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	sink := &captureSink{}
	m, err := New(DefaultConfig(), sink, clk, zaptest.NewLogger(t))
	require.NoError(t, err)
	return m, clk, sink
}

func kinds(alerts []Alert) []Kind {
	var out []Kind
	for _, a := range alerts {
		out = append(out, a.Kind)
	}
	return out
}

func TestHeightRegression(t *testing.T) {
	m, clk, _ := newTestMonitor(t)

	assert.Empty(t, m.Evaluate("node-a", Sample{Height: 100, Timestamp: clk.Now()}))

	alerts := m.Evaluate("node-a", Sample{Height: 99, Timestamp: clk.Now()})
	require.Len(t, alerts, 1)
	assert.Equal(t, KindHeightRegression, alerts[0].Kind)
	assert.Equal(t, notify.SeverityCritical, alerts[0].Severity)
	assert.Contains(t, alerts[0].Message, "100")

	// Not deduplicated: every regression is reported
	alerts = m.Evaluate("node-a", Sample{Height: 98, Timestamp: clk.Now()})
	assert.Equal(t, []Kind{KindHeightRegression}, kinds(alerts))

	// Snapshot advanced to the regressed height, so moving forward is quiet
	assert.Empty(t, m.Evaluate("node-a", Sample{Height: 99, Timestamp: clk.Now()}))
}

func TestRoundConflict(t *testing.T) {
	m, clk, _ := newTestMonitor(t)

	m.Evaluate("node-a", Sample{Height: 50, Round: 0, Timestamp: clk.Now()})
	alerts := m.Evaluate("node-a", Sample{Height: 50, Round: 2, Timestamp: clk.Now()})
	require.Len(t, alerts, 1)
	assert.Equal(t, KindRoundConflict, alerts[0].Kind)
	assert.Equal(t, notify.SeverityWarning, alerts[0].Severity)

	assert.Empty(t, m.Evaluate("node-a", Sample{Height: 51, Round: 0, Timestamp: clk.Now()}))
}

func TestFirstObservationHasNoHistory(t *testing.T) {
	m, clk, _ := newTestMonitor(t)
	assert.Empty(t, m.Evaluate("node-a", Sample{Height: 0, Round: 3, Timestamp: clk.Now()}))
}

func TestDowntimeDeduplication(t *testing.T) {
	m, clk, _ := newTestMonitor(t)
	lastSeen := clk.Now()

	assert.Empty(t, m.Evaluate("node-a", Sample{Height: 10, Timestamp: lastSeen}))

	clk.Add(3 * time.Minute)
	alerts := m.Evaluate("node-a", Sample{Height: 10, Timestamp: lastSeen})
	require.Equal(t, []Kind{KindDowntime}, kinds(alerts))
	assert.Equal(t, notify.SeverityWarning, alerts[0].Severity)

	clk.Add(5 * time.Minute)
	assert.Empty(t, m.Evaluate("node-a", Sample{Height: 10, Timestamp: lastSeen}), "within re-alert window")

	clk.Add(5 * time.Minute)
	assert.Equal(t, []Kind{KindDowntime}, kinds(m.Evaluate("node-a", Sample{Height: 10, Timestamp: lastSeen})))

	// Recovery clears the dedup state, so the next outage alerts at once
	assert.Empty(t, m.Evaluate("node-a", Sample{Height: 11, Timestamp: clk.Now()}))
	snap, ok := m.Snapshot("node-a")
	require.True(t, ok)
	assert.Nil(t, snap.LastDowntimeAlertAt)

	outage := clk.Now()
	clk.Add(3 * time.Minute)
	assert.Equal(t, []Kind{KindDowntime}, kinds(m.Evaluate("node-a", Sample{Height: 11, Timestamp: outage})))
}

func TestMissedBlockTiers(t *testing.T) {
	m, clk, _ := newTestMonitor(t)

	evaluate := func(missed int64) []Alert {
		return m.Evaluate("node-a", Sample{Height: 1, MissedBlockCount: missed, Timestamp: clk.Now()})
	}

	tests := []struct {
		missed   int64
		level    int
		severity notify.Severity
	}{
		{900, 0, ""},
		{1000, 20, notify.SeverityInfo},
		{1200, 0, ""},
		{3100, 60, notify.SeverityWarning},
		{3200, 0, ""},
		{4600, 90, notify.SeverityCritical},
		{4700, 0, ""},
		{5000, 100, notify.SeverityCritical},
		{6000, 0, ""},
	}

	for _, tt := range tests {
		alerts := evaluate(tt.missed)
		if tt.level == 0 {
			assert.Empty(t, alerts, "missed=%d", tt.missed)
			continue
		}
		require.Len(t, alerts, 1, "missed=%d", tt.missed)
		assert.Equal(t, KindMissedBlocks, alerts[0].Kind)
		assert.Equal(t, tt.level, alerts[0].MissedBlockLevel)
		assert.Equal(t, tt.severity, alerts[0].Severity)
	}

	snap, _ := m.Snapshot("node-a")
	assert.Equal(t, 100, snap.LastAlertMissedBlockLevel)
}

func TestMissedBlockJumpFiresHighestTierOnly(t *testing.T) {
	m, clk, _ := newTestMonitor(t)

	alerts := m.Evaluate("node-a", Sample{Height: 1, MissedBlockCount: 4600, Timestamp: clk.Now()})
	require.Len(t, alerts, 1)
	assert.Equal(t, 90, alerts[0].MissedBlockLevel)
	assert.Contains(t, alerts[0].Message, "jailing imminent")
}

func TestMissedBlockReset(t *testing.T) {
	m, clk, _ := newTestMonitor(t)
	evaluate := func(missed int64) []Alert {
		return m.Evaluate("node-a", Sample{Height: 1, MissedBlockCount: missed, Timestamp: clk.Now()})
	}

	require.Len(t, evaluate(3100), 1)

	// Time alone never lowers the level
	clk.Add(24 * time.Hour)
	assert.Empty(t, evaluate(3100))

	// The counter going down means the node recovered
	assert.Empty(t, evaluate(10))
	snap, _ := m.Snapshot("node-a")
	assert.Equal(t, 0, snap.LastAlertMissedBlockLevel)

	alerts := evaluate(1000)
	require.Len(t, alerts, 1)
	assert.Equal(t, 20, alerts[0].MissedBlockLevel)
}

func TestMissedBlockDocumentedSequence(t *testing.T) {
	m, clk, _ := newTestMonitor(t)

	var levels []int
	for _, missed := range []int64{900, 1200, 3100, 4600} {
		alerts := m.Evaluate("node-a", Sample{Height: 1, MissedBlockCount: missed, Timestamp: clk.Now()})
		require.LessOrEqual(t, len(alerts), 1, "missed=%d", missed)
		level := 0
		if len(alerts) == 1 {
			level = alerts[0].MissedBlockLevel
		}
		levels = append(levels, level)
	}

	// 900 of 5000 is 18%, below the first tier
	assert.Equal(t, []int{0, 20, 60, 90}, levels)
}

func TestMissedBlockSlidingWindowDip(t *testing.T) {
	m, clk, sink := newTestMonitor(t)
	node := &data.ValidatorNode{
		NodeID:          "node-a",
		IdentityID:      "id-1",
		LastHeight:      1,
		Status:          data.NodeRunning,
		LastHeartbeatAt: clk.Now(),
	}

	for _, missed := range []int64{4600, 4599, 4600, 4598, 4650} {
		node.MissedBlockCount = missed
		m.Check(context.Background(), node)
	}

	require.Len(t, sink.got, 1, "a dip that stays inside the tier must not re-alert")
	assert.Equal(t, notify.SeverityCritical, sink.got[0].Severity)
	snap, _ := m.Snapshot("node-a")
	assert.Equal(t, 90, snap.LastAlertMissedBlockLevel)

	// Dropping into a lower tier releases only the tiers above it
	node.MissedBlockCount = 3500
	assert.Empty(t, m.Check(context.Background(), node))
	snap, _ = m.Snapshot("node-a")
	assert.Equal(t, 60, snap.LastAlertMissedBlockLevel)

	node.MissedBlockCount = 4600
	alerts := m.Check(context.Background(), node)
	require.Len(t, alerts, 1)
	assert.Equal(t, 90, alerts[0].MissedBlockLevel)
}

func TestCheckForwardsAlerts(t *testing.T) {
	m, clk, sink := newTestMonitor(t)
	ctx := context.Background()

	node := &data.ValidatorNode{
		NodeID:          "node-a",
		IdentityID:      "id-1",
		LastHeight:      100,
		Status:          data.NodeRunning,
		LastHeartbeatAt: clk.Now(),
	}
	assert.Empty(t, m.Check(ctx, node))

	node.LastHeight = 90
	alerts := m.Check(ctx, node)
	require.Len(t, alerts, 1)

	require.Len(t, sink.got, 1)
	assert.Equal(t, notify.SeverityCritical, sink.got[0].Severity)
	assert.Equal(t, "node-a", sink.got[0].Target)
}

func TestReset(t *testing.T) {
	m, clk, _ := newTestMonitor(t)

	m.Evaluate("node-a", Sample{Height: 100, Timestamp: clk.Now()})
	m.Reset("node-a")

	_, ok := m.Snapshot("node-a")
	assert.False(t, ok)
	assert.Empty(t, m.Evaluate("node-a", Sample{Height: 5, Timestamp: clk.Now()}), "re-registered node starts fresh")
}

func TestNewRejectsZeroThreshold(t *testing.T) {
	cfg := DefaultConfig()
	cfg.SlashThreshold = 0
	_, err := New(cfg, &captureSink{}, clock.NewMock(), zaptest.NewLogger(t))
	assert.Error(t, err)
}
