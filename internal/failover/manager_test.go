package failover

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/FairForge/helmsman/internal/coordstore"
	"github.com/FairForge/helmsman/internal/health"
	"github.com/FairForge/helmsman/internal/metrics"
)

func newTestManager(t *testing.T, cfg Config, store coordstore.Store) *Manager {
	t.Helper()
	m, err := NewManager(cfg, store, metrics.New(), zap.NewNop())
	require.NoError(t, err)
	return m
}

func registerPair(t *testing.T, m *Manager) {
	t.Helper()
	require.NoError(t, m.RegisterNode(Node{ID: "db-1", Host: "10.0.0.1", Port: 5432, Role: RolePrimary}))
	require.NoError(t, m.RegisterNode(Node{ID: "db-2", Host: "10.0.0.2", Port: 5432, Role: RoleSecondary}))
}

func eventStates(events []Event) []State {
	out := make([]State, 0, len(events))
	for _, e := range events {
		out = append(out, e.State)
	}
	return out
}

func TestNewManager_UnknownStrategy(t *testing.T) {
	_, err := NewManager(Config{Strategy: "coin_flip"}, nil, metrics.New(), zap.NewNop())
	assert.Error(t, err)
}

func TestRegisterNode_Validation(t *testing.T) {
	m := newTestManager(t, Config{}, nil)

	assert.Error(t, m.RegisterNode(Node{ID: "x", Role: "czar"}), "unknown role")
	assert.Error(t, m.RegisterNode(Node{Role: RolePrimary}), "missing id")

	require.NoError(t, m.RegisterNode(Node{ID: "db-1", Role: RolePrimary}))
	assert.Error(t, m.RegisterNode(Node{ID: "db-1", Role: RoleSecondary}), "duplicate id")
	assert.Error(t, m.RegisterNode(Node{ID: "db-3", Role: RolePrimary}),
		"second primary violates the single-primary invariant")
}

func TestActivePassiveFailover_SwapsRoles(t *testing.T) {
	m := newTestManager(t, Config{}, nil)
	registerPair(t, m)
	require.Equal(t, "db-1", m.CurrentPrimary())

	require.NoError(t, m.TriggerFailover("db-1", TriggerHealthCheckFailure))

	nodes := m.Nodes()
	byID := map[string]Node{}
	for _, n := range nodes {
		byID[n.ID] = n
	}
	assert.Equal(t, RoleSecondary, byID["db-1"].Role)
	assert.Equal(t, RolePrimary, byID["db-2"].Role)
	assert.Equal(t, "db-2", m.CurrentPrimary())
	assert.False(t, byID["db-1"].LastFailover.IsZero())

	states := eventStates(m.Events())
	assert.Equal(t, []State{StateFailoverInProgress, StateFailoverCompleted}, states)
}

func TestActivePassiveFailover_NoHealthySecondary(t *testing.T) {
	m := newTestManager(t, Config{}, nil)
	registerPair(t, m)

	// Secondary is down too
	m.mu.Lock()
	m.nodes["db-2"].Status = health.StatusUnhealthy
	m.mu.Unlock()

	err := m.TriggerFailover("db-1", TriggerHealthCheckFailure)
	require.Error(t, err)

	status := m.GetFailoverStatus()
	assert.Equal(t, StateFailed, status.State)
	assert.Equal(t, "db-1", m.CurrentPrimary(), "roles unchanged on failure")
}

// blockingStrategy parks inside Execute until released, keeping the group in
// failover_in_progress.
type blockingStrategy struct {
	entered  chan struct{}
	release  chan struct{}
	delegate Strategy
}

func (s *blockingStrategy) Name() string { return "active_passive" }

func (s *blockingStrategy) Execute(ctx context.Context, failed Node, peers []Node, preferred string) (Decision, error) {
	close(s.entered)
	<-s.release
	return s.delegate.Execute(ctx, failed, peers, preferred)
}

func TestTriggerFailover_ConcurrentTriggerIsNoOp(t *testing.T) {
	m := newTestManager(t, Config{}, nil)
	registerPair(t, m)

	blocking := &blockingStrategy{
		entered:  make(chan struct{}),
		release:  make(chan struct{}),
		delegate: &activePassiveStrategy{},
	}
	m.mu.Lock()
	m.strategy = blocking
	m.mu.Unlock()

	done := make(chan error, 1)
	go func() { done <- m.TriggerFailover("db-1", TriggerHealthCheckFailure) }()
	<-blocking.entered

	assert.True(t, m.GetFailoverStatus().InProgress)

	// Concurrent triggers while one is active are logged no-ops
	for i := 0; i < 5; i++ {
		require.NoError(t, m.TriggerFailover("db-1", TriggerTimeout))
	}

	close(blocking.release)
	require.NoError(t, <-done)

	inProgress := 0
	for _, e := range m.Events() {
		if e.State == StateFailoverInProgress {
			inProgress++
		}
	}
	assert.Equal(t, 1, inProgress, "exactly one failover executed")
	assert.Equal(t, "db-2", m.CurrentPrimary())
}

func TestActiveActiveFailover_NoRoleSwap(t *testing.T) {
	m := newTestManager(t, Config{Strategy: "active_active"}, nil)
	require.NoError(t, m.RegisterNode(Node{ID: "n1", Role: RoleActive}))
	require.NoError(t, m.RegisterNode(Node{ID: "n2", Role: RoleActive}))
	require.NoError(t, m.RegisterNode(Node{ID: "n3", Role: RoleActive}))

	require.NoError(t, m.TriggerFailover("n1", TriggerErrorRateHigh))

	for _, n := range m.Nodes() {
		assert.Equal(t, RoleActive, n.Role)
	}
	assert.Empty(t, m.CurrentPrimary())

	events := m.Events()
	last := events[len(events)-1]
	assert.Equal(t, StateFailoverCompleted, last.State)
	assert.Equal(t, "n2", last.TargetNode, "first healthy peer absorbs traffic")
}

func TestActiveActiveFailover_RequiresHealthyPeer(t *testing.T) {
	m := newTestManager(t, Config{Strategy: "active_active"}, nil)
	require.NoError(t, m.RegisterNode(Node{ID: "n1", Role: RoleActive}))
	require.NoError(t, m.RegisterNode(Node{ID: "n2", Role: RoleActive, Status: health.StatusUnhealthy}))

	err := m.TriggerFailover("n1", TriggerErrorRateHigh)
	assert.Error(t, err)
}

func TestManualFailover_AsyncWithTarget(t *testing.T) {
	m := newTestManager(t, Config{}, nil)
	require.NoError(t, m.RegisterNode(Node{ID: "db-1", Role: RolePrimary}))
	require.NoError(t, m.RegisterNode(Node{ID: "db-2", Role: RoleSecondary}))
	require.NoError(t, m.RegisterNode(Node{ID: "db-3", Role: RoleSecondary}))

	m.ManualFailover("db-1", "db-3")

	require.Eventually(t, func() bool {
		return m.CurrentPrimary() == "db-3"
	}, time.Second, 5*time.Millisecond, "caller polls status for completion")

	status := m.GetFailoverStatus()
	assert.Equal(t, StateNormal, status.State)
	assert.False(t, status.InProgress)
}

func TestManualFailover_SecondarySourceRejected(t *testing.T) {
	m := newTestManager(t, Config{}, nil)
	require.NoError(t, m.RegisterNode(Node{ID: "db-1", Role: RolePrimary}))
	require.NoError(t, m.RegisterNode(Node{ID: "db-2", Role: RoleSecondary}))
	require.NoError(t, m.RegisterNode(Node{ID: "db-3", Role: RoleSecondary}))

	err := m.runFailover("db-2", "db-3", TriggerManual)
	require.Error(t, err)

	// Roles are untouched and the group still holds exactly one primary.
	primaries := 0
	for _, n := range m.Nodes() {
		if n.Role == RolePrimary {
			primaries++
			assert.Equal(t, "db-1", n.ID)
		}
	}
	assert.Equal(t, 1, primaries)
	assert.Equal(t, "db-1", m.CurrentPrimary())
	assert.Equal(t, StateNormal, m.GetFailoverStatus().State)
}

func TestHealthWatcher_TriggersFailoverAtThreshold(t *testing.T) {
	m := newTestManager(t, Config{FailureDetectionThreshold: 3}, nil)
	registerPair(t, m)

	m.SetProbe(func(_ context.Context, n Node) error {
		if n.ID == "db-1" {
			return errors.New("connection refused")
		}
		return nil
	})

	// Two rounds of failures are below the detection threshold
	m.checkNodes()
	m.checkNodes()
	assert.Equal(t, "db-1", m.CurrentPrimary())
	assert.Equal(t, 2, m.GetFailoverStatus().FailureCounts["db-1"])

	// Third round crosses it
	m.checkNodes()
	assert.Equal(t, "db-2", m.CurrentPrimary())
}

func TestHealthWatcher_SecondaryFailureDoesNotFailover(t *testing.T) {
	m := newTestManager(t, Config{FailureDetectionThreshold: 1}, nil)
	registerPair(t, m)

	m.SetProbe(func(_ context.Context, n Node) error {
		if n.ID == "db-2" {
			return errors.New("connection refused")
		}
		return nil
	})

	m.checkNodes()
	assert.Equal(t, "db-1", m.CurrentPrimary())

	nodes := m.Nodes()
	for _, n := range nodes {
		if n.ID == "db-2" {
			assert.Equal(t, health.StatusUnhealthy, n.Status)
		}
	}
}

func TestHealthWatcher_SuppressedWithoutLeadership(t *testing.T) {
	m := newTestManager(t, Config{FailureDetectionThreshold: 1}, nil)
	registerPair(t, m)
	m.SetAuthorizer(func() bool { return false })
	m.SetProbe(func(_ context.Context, n Node) error {
		if n.ID == "db-1" {
			return errors.New("down")
		}
		return nil
	})

	m.checkNodes()
	assert.Equal(t, "db-1", m.CurrentPrimary(), "non-leaders never execute failovers")
}

func TestHeartbeatWatcher_FlagsStaleNodes(t *testing.T) {
	m := newTestManager(t, Config{
		FailureDetectionThreshold: 1,
		HeartbeatTimeout:          30 * time.Second,
	}, nil)
	registerPair(t, m)

	m.mu.Lock()
	m.nodes["db-1"].LastHeartbeat = time.Now().Add(-time.Minute)
	m.mu.Unlock()

	m.checkHeartbeats()

	assert.Equal(t, "db-2", m.CurrentPrimary())
	var sawTimeout bool
	for _, e := range m.Events() {
		if e.Trigger == TriggerTimeout {
			sawTimeout = true
		}
	}
	assert.True(t, sawTimeout)
}

func TestHeartbeat_KeepsNodeFresh(t *testing.T) {
	m := newTestManager(t, Config{
		FailureDetectionThreshold: 1,
		HeartbeatTimeout:          50 * time.Millisecond,
	}, nil)
	registerPair(t, m)

	time.Sleep(60 * time.Millisecond)
	require.True(t, m.Heartbeat("db-1"))
	require.True(t, m.Heartbeat("db-2"))

	m.checkHeartbeats()
	assert.Equal(t, "db-1", m.CurrentPrimary(), "fresh heartbeats keep nodes healthy")
	assert.False(t, m.Heartbeat("ghost"))
}

func TestRecovery_RestoresFormerPrimary(t *testing.T) {
	m := newTestManager(t, Config{
		FailureDetectionThreshold: 1,
		RestorePrimary:            "auto",
	}, nil)
	registerPair(t, m)

	probeErr := errors.New("down")
	var failing bool
	m.SetProbe(func(_ context.Context, n Node) error {
		if n.ID == "db-1" && failing {
			return probeErr
		}
		return nil
	})

	failing = true
	m.checkNodes()
	require.Equal(t, "db-2", m.CurrentPrimary())

	// db-1 comes back
	failing = false
	m.checkNodes()

	assert.Equal(t, "db-1", m.CurrentPrimary(), "recovered primary restored under auto policy")
	status := m.GetFailoverStatus()
	assert.Equal(t, 0, status.FailureCounts["db-1"])

	states := eventStates(m.Events())
	assert.Contains(t, states, StateRecovering)
	assert.Contains(t, states, StateRecovered)
}

func TestRecovery_ManualPolicyLeavesRoles(t *testing.T) {
	m := newTestManager(t, Config{
		FailureDetectionThreshold: 1,
		RestorePrimary:            "manual",
	}, nil)
	registerPair(t, m)

	var failing bool
	m.SetProbe(func(_ context.Context, n Node) error {
		if n.ID == "db-1" && failing {
			return errors.New("down")
		}
		return nil
	})

	failing = true
	m.checkNodes()
	require.Equal(t, "db-2", m.CurrentPrimary())

	failing = false
	m.checkNodes()
	assert.Equal(t, "db-2", m.CurrentPrimary(), "manual policy waits for an operator")
}

func TestManager_PersistsStateToStore(t *testing.T) {
	store := coordstore.NewMemoryStore()
	defer func() { _ = store.Close() }()
	m := newTestManager(t, Config{}, store)
	registerPair(t, m)

	require.NoError(t, m.TriggerFailover("db-1", TriggerHealthCheckFailure))

	ctx := context.Background()
	nodes, err := store.HashGetAll(ctx, "helmsman:failover:nodes")
	require.NoError(t, err)
	require.Contains(t, nodes, "db-2")

	var persisted Node
	require.NoError(t, json.Unmarshal([]byte(nodes["db-2"]), &persisted))
	assert.Equal(t, RolePrimary, persisted.Role)

	events, err := store.ListRange(ctx, "helmsman:failover:events", 0, -1)
	require.NoError(t, err)
	require.NotEmpty(t, events)

	var last Event
	require.NoError(t, json.Unmarshal([]byte(events[len(events)-1]), &last))
	assert.Equal(t, StateFailoverCompleted, last.State)
	assert.NotEmpty(t, last.ID)
}

func TestEventHistory_Bounded(t *testing.T) {
	m := newTestManager(t, Config{EventHistoryLimit: 5}, nil)
	require.NoError(t, m.RegisterNode(Node{ID: "n1", Role: RolePrimary}))

	m.mu.Lock()
	for i := 0; i < 20; i++ {
		m.appendEventLocked(Event{
			State:      StateFailing,
			Trigger:    TriggerHealthCheckFailure,
			SourceNode: "n1",
			Message:    fmt.Sprintf("event %d", i),
		})
	}
	m.mu.Unlock()

	events := m.Events()
	require.Len(t, events, 5)
	assert.Equal(t, "event 19", events[4].Message, "oldest entries trimmed")
}

func TestGetFailoverStatus(t *testing.T) {
	m := newTestManager(t, Config{}, nil)
	registerPair(t, m)

	status := m.GetFailoverStatus()
	assert.Equal(t, StateNormal, status.State)
	assert.Equal(t, "active_passive", status.Strategy)
	assert.Equal(t, "db-1", status.CurrentPrimary)
	assert.False(t, status.InProgress)
	assert.Len(t, status.Nodes, 2)
	assert.Contains(t, status.FailureCounts, "db-1")
}

func TestStartStop(t *testing.T) {
	m := newTestManager(t, Config{
		HealthCheckInterval: 5 * time.Millisecond,
		HeartbeatInterval:   5 * time.Millisecond,
	}, nil)
	registerPair(t, m)
	m.SetProbe(func(_ context.Context, _ Node) error { return nil })

	m.Start()
	time.Sleep(20 * time.Millisecond)
	m.Stop()
	// Stop is idempotent and loops have exited
	m.Stop()
}
