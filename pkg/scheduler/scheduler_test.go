package scheduler

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"validator_fleet/pkg/control"
	"validator_fleet/pkg/control/controltest"
	"validator_fleet/pkg/data"
	"validator_fleet/pkg/failover"
	"validator_fleet/pkg/guard"
	"validator_fleet/pkg/notify"
	"validator_fleet/pkg/risk"
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

func (c *captureSink) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.got)
}

// fakeFailoverer records requests and blocks each one until release is closed
type fakeFailoverer struct {
	mu       sync.Mutex
	requests []failover.Request
	release  chan struct{}
	err      error
}

func newFakeFailoverer() *fakeFailoverer {
	f := &fakeFailoverer{release: make(chan struct{})}
	close(f.release)
	return f
}

func (f *fakeFailoverer) InitiateFailover(ctx context.Context, req failover.Request) (*failover.Result, error) {
	f.mu.Lock()
	f.requests = append(f.requests, req)
	f.mu.Unlock()

	<-f.release
	if f.err != nil {
		return nil, f.err
	}
	return &failover.Result{State: data.StateFailedOver, Success: true}, nil
}

func (f *fakeFailoverer) calls() []failover.Request {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]failover.Request(nil), f.requests...)
}

type failingRepo struct {
	*data.MemoryRepository
}

func (failingRepo) ListNodes(ctx context.Context, filter data.NodeFilter) ([]*data.ValidatorNode, error) {
	return nil, errors.New("connection refused")
}

type fixture struct {
	ctx     context.Context
	repo    *data.MemoryRepository
	clk     *clock.Mock
	sink    *captureSink
	guard   *guard.Guard
	monitor *risk.Monitor
	ctl     *controltest.MockNodeControl
	fo      *fakeFailoverer
	sched   *Scheduler
}

// newFixture seeds identity id-1 with primary p and backups b1, b2 in an
// active time-delayed group. Every node has a fresh heartbeat.
func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()
	repo := data.NewMemoryRepository()
	clk := clock.NewMock()
	clk.Set(time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC))
	logger := zaptest.NewLogger(t)
	sink := &captureSink{}

	identity, err := data.NewSigningIdentity("id-1", "", []byte("key-1"))
	require.NoError(t, err)
	require.NoError(t, repo.SaveIdentity(ctx, identity))

	for _, n := range []data.ValidatorNode{
		{NodeID: "p", IdentityID: "id-1", Role: data.RolePrimary, Status: data.NodeRunning, LastHeight: 100},
		{NodeID: "b1", IdentityID: "id-1", Role: data.RoleBackup, Status: data.NodeSyncing, LastHeight: 100},
		{NodeID: "b2", IdentityID: "id-1", Role: data.RoleBackup, Status: data.NodeSyncing, LastHeight: 100},
	} {
		n.LastHeartbeatAt = clk.Now()
		require.NoError(t, repo.SaveNode(ctx, &n))
	}

	require.NoError(t, repo.SaveFailoverGroup(ctx, &data.FailoverGroup{
		IdentityID:    "id-1",
		PrimaryNodeID: "p",
		BackupNodeIDs: []string{"b1", "b2"},
		Strategy:      data.StrategyTimeDelayed,
		FailoverDelay: 300 * time.Second,
		State:         data.StateActive,
	}))

	g := guard.New(repo, sink, clk, logger)
	monitor, err := risk.New(risk.DefaultConfig(), sink, clk, logger)
	require.NoError(t, err)
	ctl := &controltest.MockNodeControl{}
	fo := newFakeFailoverer()

	return &fixture{
		ctx:     ctx,
		repo:    repo,
		clk:     clk,
		sink:    sink,
		guard:   g,
		monitor: monitor,
		ctl:     ctl,
		fo:      fo,
		sched:   New(DefaultConfig(), repo, monitor, fo, g, ctl, clk, logger),
	}
}

func (f *fixture) tick(t *testing.T) {
	t.Helper()
	require.NoError(t, f.sched.Tick(f.ctx))
	f.sched.tasks.Wait()
}

func (f *fixture) setStatus(t *testing.T, nodeID string, status data.NodeStatus) {
	require.NoError(t, f.repo.UpdateNode(f.ctx, nodeID, data.StatusUpdate(status)))
}

func TestBackoffSchedule(t *testing.T) {
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	s := newBackoffSchedule(30*time.Second, 60*time.Second)

	assert.Equal(t, base.Add(30*time.Second), s.Next(base))
	assert.True(t, s.allow(base))

	s.record(base, errors.New("boom"))
	assert.Equal(t, base.Add(60*time.Second), s.Next(base))
	assert.False(t, s.allow(base.Add(30*time.Second)), "tick inside the backoff is skipped")
	assert.True(t, s.allow(base.Add(60*time.Second)))
	assert.Equal(t, base.Add(90*time.Second), s.Next(base.Add(60*time.Second)))

	s.record(base.Add(60*time.Second), nil)
	assert.Equal(t, base.Add(90*time.Second), s.Next(base.Add(60*time.Second)))
	assert.True(t, s.allow(base.Add(61*time.Second)))
}

func TestTickHealthyFleet(t *testing.T) {
	f := newFixture(t)

	f.tick(t)

	assert.Empty(t, f.fo.calls())
	for _, id := range []string{"p", "b1", "b2"} {
		_, ok := f.monitor.Snapshot(id)
		assert.True(t, ok, "live node %s was evaluated", id)
	}
}

func TestTickStalePrimaryTriggersFailover(t *testing.T) {
	f := newFixture(t)
	f.clk.Add(6 * time.Minute)

	f.tick(t)

	calls := f.fo.calls()
	require.Len(t, calls, 1)
	assert.Equal(t, failover.Request{PrimaryID: "p", BackupID: "b1"}, calls[0])
	assert.Positive(t, f.sink.count(), "downtime alerts raised by the monitor")
}

func TestTickPrimaryInErrorSkipsIneligibleBackup(t *testing.T) {
	f := newFixture(t)
	f.setStatus(t, "p", data.NodeError)
	f.setStatus(t, "b1", data.NodeTerminated)

	f.tick(t)

	calls := f.fo.calls()
	require.Len(t, calls, 1)
	assert.Equal(t, "b2", calls[0].BackupID)
}

func TestTickNoEligibleBackup(t *testing.T) {
	f := newFixture(t)
	f.setStatus(t, "p", data.NodeStopped)
	f.setStatus(t, "b1", data.NodeError)
	f.setStatus(t, "b2", data.NodeTerminated)

	f.tick(t)
	assert.Empty(t, f.fo.calls())
}

func TestTickSkipsGroups(t *testing.T) {
	tests := []struct {
		name  string
		setup func(t *testing.T, f *fixture)
	}{
		{
			name: "Manual",
			setup: func(t *testing.T, f *fixture) {
				require.NoError(t, f.repo.SaveFailoverGroup(f.ctx, &data.FailoverGroup{
					IdentityID:    "id-1",
					PrimaryNodeID: "p",
					BackupNodeIDs: []string{"b1", "b2"},
					Strategy:      data.StrategyManual,
					State:         data.StateActive,
				}))
			},
		},
		{
			name: "Cooldown",
			setup: func(t *testing.T, f *fixture) {
				until := f.clk.Now().Add(time.Minute)
				ok, err := f.repo.TransitionGroupState(f.ctx, "id-1", data.GroupTransition{
					From:          []data.FailoverState{data.StateActive},
					To:            data.StateActive,
					CooldownUntil: &until,
				})
				require.NoError(t, err)
				require.True(t, ok)
			},
		},
		{
			name: "FailingOver",
			setup: func(t *testing.T, f *fixture) {
				ok, err := f.repo.TransitionGroupState(f.ctx, "id-1", data.GroupTransition{
					From: []data.FailoverState{data.StateActive},
					To:   data.StateFailingOver,
				})
				require.NoError(t, err)
				require.True(t, ok)
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			f.setStatus(t, "p", data.NodeError)
			tt.setup(t, f)

			f.tick(t)
			assert.Empty(t, f.fo.calls())
		})
	}
}

func TestOneFailoverInFlightPerIdentity(t *testing.T) {
	f := newFixture(t)
	f.fo.release = make(chan struct{})
	f.setStatus(t, "p", data.NodeError)

	require.NoError(t, f.sched.Tick(f.ctx))
	require.Eventually(t, func() bool { return len(f.fo.calls()) == 1 }, time.Second, time.Millisecond)

	require.NoError(t, f.sched.Tick(f.ctx))
	close(f.fo.release)
	f.sched.tasks.Wait()

	assert.Len(t, f.fo.calls(), 1)

	// Once the first attempt is done the identity is eligible again
	f.tick(t)
	assert.Len(t, f.fo.calls(), 2)
}

func TestFailoverErrorsDoNotFailTick(t *testing.T) {
	f := newFixture(t)
	f.fo.err = failover.ErrLockContention
	f.setStatus(t, "p", data.NodeError)

	f.tick(t)
	assert.Len(t, f.fo.calls(), 1)
}

func TestAutoFailback(t *testing.T) {
	setup := func(t *testing.T) *fixture {
		f := newFixture(t)
		require.NoError(t, f.repo.SaveFailoverGroup(f.ctx, &data.FailoverGroup{
			IdentityID:    "id-1",
			PrimaryNodeID: "p",
			BackupNodeIDs: []string{"b1", "b2"},
			Strategy:      data.StrategyTimeDelayed,
			AutoFailback:  true,
			State:         data.StateActive,
		}))
		ok, err := f.repo.TransitionGroupState(f.ctx, "id-1", data.GroupTransition{
			From: []data.FailoverState{data.StateActive},
			To:   data.StateFailedOver,
		})
		require.NoError(t, err)
		require.True(t, ok)
		f.setStatus(t, "p", data.NodeStopped)

		acquired, err := f.guard.TryAcquire(f.ctx, "id-1", "b1")
		require.NoError(t, err)
		require.True(t, acquired)
		return f
	}

	t.Run("OriginalPrimaryHealthy", func(t *testing.T) {
		f := setup(t)
		f.ctl.On("HealthCheck", mock.Anything, "p").Return(control.HealthStatus{Healthy: true}, nil).Once()

		f.tick(t)
		f.ctl.AssertExpectations(t)

		calls := f.fo.calls()
		require.Len(t, calls, 1)
		assert.Equal(t, failover.Request{PrimaryID: "b1", BackupID: "p", Failback: true}, calls[0])
	})

	t.Run("OriginalPrimaryUnhealthy", func(t *testing.T) {
		f := setup(t)
		f.ctl.On("HealthCheck", mock.Anything, "p").Return(control.HealthStatus{Reason: "disk full"}, nil).Once()

		f.tick(t)
		assert.Empty(t, f.fo.calls())
	})

	t.Run("InCooldown", func(t *testing.T) {
		f := setup(t)
		until := f.clk.Now().Add(time.Minute)
		ok, err := f.repo.TransitionGroupState(f.ctx, "id-1", data.GroupTransition{
			From:          []data.FailoverState{data.StateFailedOver},
			To:            data.StateFailedOver,
			CooldownUntil: &until,
		})
		require.NoError(t, err)
		require.True(t, ok)

		f.tick(t)
		f.ctl.AssertNotCalled(t, "HealthCheck", mock.Anything, mock.Anything)
		assert.Empty(t, f.fo.calls())
	})
}

func TestTerminatedNodesAreReset(t *testing.T) {
	f := newFixture(t)
	f.tick(t)
	_, ok := f.monitor.Snapshot("b2")
	require.True(t, ok)

	f.setStatus(t, "b2", data.NodeTerminated)
	f.tick(t)

	_, ok = f.monitor.Snapshot("b2")
	assert.False(t, ok)
}

func TestTickErrorStartsBackoff(t *testing.T) {
	f := newFixture(t)
	sched := New(DefaultConfig(), failingRepo{f.repo}, f.monitor, f.fo, f.guard, f.ctl, f.clk, zaptest.NewLogger(t))

	err := sched.Tick(f.ctx)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "connection refused")

	now := f.clk.Now()
	assert.False(t, sched.schedule.allow(now.Add(30*time.Second)))
	assert.True(t, sched.schedule.allow(now.Add(60*time.Second)))
}

func TestBrokenGroupDoesNotFailTick(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.repo.SaveFailoverGroup(f.ctx, &data.FailoverGroup{
		IdentityID:    "id-2",
		PrimaryNodeID: "ghost",
		BackupNodeIDs: []string{"ghost-backup"},
		Strategy:      data.StrategyTimeDelayed,
		FailoverDelay: 300 * time.Second,
		State:         data.StateActive,
	}))
	f.setStatus(t, "p", data.NodeError)

	f.tick(t)

	calls := f.fo.calls()
	require.Len(t, calls, 1, "healthy groups are still evaluated")
	assert.Equal(t, "p", calls[0].PrimaryID)
	assert.True(t, f.sched.schedule.allow(f.clk.Now().Add(30*time.Second)), "no error backoff")
}

func TestStartStop(t *testing.T) {
	f := newFixture(t)

	require.NoError(t, f.sched.Start())
	assert.Error(t, f.sched.Start())

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, f.sched.Stop(ctx))
	require.NoError(t, f.sched.Stop(ctx), "stopping twice is a no-op")

	require.NoError(t, f.sched.Start(), "restart after stop")
	require.NoError(t, f.sched.Stop(ctx))
}
