package failover

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/FairForge/helmsman/internal/coordstore"
	"github.com/FairForge/helmsman/internal/health"
	"github.com/FairForge/helmsman/internal/metrics"
)

const (
	nodesKey  = "helmsman:failover:nodes"
	eventsKey = "helmsman:failover:events"
)

// Probe checks one node's reachability. Injectable for tests; the default
// dials the node over TCP.
type Probe func(ctx context.Context, node Node) error

// Authorizer gates automatic failovers. In clustered deployments the cluster
// manager supplies one so only the elected leader acts; standalone
// deployments always authorize.
type Authorizer func() bool

// Config tunes the failover manager.
type Config struct {
	Strategy                  string        `yaml:"strategy"`
	FailureDetectionThreshold int           `yaml:"failure_detection_threshold"`
	HealthCheckInterval       time.Duration `yaml:"health_check_interval"`
	HeartbeatInterval         time.Duration `yaml:"heartbeat_interval"`
	HeartbeatTimeout          time.Duration `yaml:"heartbeat_timeout"`
	ProbeTimeout              time.Duration `yaml:"probe_timeout"`

	// RestorePrimary selects what happens when a failed former primary
	// recovers: "auto" swaps it back while the group is in normal state,
	// "manual" waits for an operator.
	RestorePrimary string `yaml:"restore_primary"`

	// EventHistoryLimit bounds the persisted event log.
	EventHistoryLimit int64 `yaml:"event_history_limit"`

	// TriggersPerMinute bounds automatic failover triggers. Manual
	// failovers bypass the limiter.
	TriggersPerMinute int `yaml:"triggers_per_minute"`
}

func (c *Config) applyDefaults() {
	if c.FailureDetectionThreshold <= 0 {
		c.FailureDetectionThreshold = 3
	}
	if c.HealthCheckInterval <= 0 {
		c.HealthCheckInterval = 10 * time.Second
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = 5 * time.Second
	}
	if c.HeartbeatTimeout <= 0 {
		c.HeartbeatTimeout = 30 * time.Second
	}
	if c.ProbeTimeout <= 0 {
		c.ProbeTimeout = 5 * time.Second
	}
	if c.RestorePrimary != "manual" {
		c.RestorePrimary = "auto"
	}
	if c.EventHistoryLimit <= 0 {
		c.EventHistoryLimit = 1000
	}
	if c.TriggersPerMinute <= 0 {
		c.TriggersPerMinute = 6
	}
}

// Manager owns the node registry and the failover state machine. The
// in-progress flag and every role transition share one lock, which is what
// enforces the single-failover-at-a-time invariant.
type Manager struct {
	mu        sync.Mutex
	logger    *zap.Logger
	metrics   *metrics.Metrics
	store     coordstore.Store
	cfg       Config
	strategy  Strategy
	probe     Probe
	authorize Authorizer
	limiter   *rate.Limiter

	nodes map[string]*Node
	order []string

	state          State
	inProgress     bool
	currentPrimary string
	demotedPrimary string // former primary awaiting possible restoration

	events      []Event
	subscribers []func(Event)

	started bool
	stopCh  chan struct{}
	wg      sync.WaitGroup
}

// NewManager constructs a failover manager. Unknown strategies fail here.
func NewManager(cfg Config, store coordstore.Store, m *metrics.Metrics, logger *zap.Logger) (*Manager, error) {
	cfg.applyDefaults()
	strategy, err := NewStrategy(cfg.Strategy)
	if err != nil {
		return nil, err
	}

	mgr := &Manager{
		logger:    logger,
		metrics:   m,
		store:     store,
		cfg:       cfg,
		strategy:  strategy,
		authorize: func() bool { return true },
		limiter:   rate.NewLimiter(rate.Limit(float64(cfg.TriggersPerMinute)/60.0), cfg.TriggersPerMinute),
		nodes:     make(map[string]*Node),
		state:     StateNormal,
		stopCh:    make(chan struct{}),
	}
	mgr.probe = mgr.tcpProbe
	mgr.setStateLocked(StateNormal)
	return mgr, nil
}

// SetAuthorizer installs the leadership gate for automatic failovers.
func (m *Manager) SetAuthorizer(a Authorizer) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.authorize = a
}

// SetProbe replaces the node reachability probe.
func (m *Manager) SetProbe(p Probe) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.probe = p
}

// Subscribe registers a failover event listener.
func (m *Manager) Subscribe(fn func(Event)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.subscribers = append(m.subscribers, fn)
}

func (m *Manager) tcpProbe(ctx context.Context, node Node) error {
	d := net.Dialer{Timeout: m.cfg.ProbeTimeout}
	conn, err := d.DialContext(ctx, "tcp", node.Address())
	if err != nil {
		return err
	}
	return conn.Close()
}

// RegisterNode adds a node to the group. The single-primary invariant is
// enforced at registration for active-passive groups.
func (m *Manager) RegisterNode(n Node) error {
	switch n.Role {
	case RolePrimary, RoleSecondary, RoleActive, RoleStandby:
	default:
		return fmt.Errorf("node %q: unknown role %q", n.ID, n.Role)
	}
	if n.ID == "" {
		return fmt.Errorf("node requires an id")
	}
	if n.Status == "" {
		n.Status = health.StatusHealthy
	}
	n.LastHeartbeat = time.Now()

	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.nodes[n.ID]; exists {
		return fmt.Errorf("node %q already registered", n.ID)
	}
	if n.Role == RolePrimary && m.currentPrimary != "" {
		return fmt.Errorf("node %q: group already has primary %q", n.ID, m.currentPrimary)
	}

	m.nodes[n.ID] = &n
	m.order = append(m.order, n.ID)
	if n.Role == RolePrimary {
		m.currentPrimary = n.ID
	}
	m.persistNodeLocked(&n)

	m.logger.Info("failover node registered",
		zap.String("node", n.ID),
		zap.String("role", string(n.Role)),
		zap.String("address", n.Address()))
	return nil
}

// RemoveNode deletes a node from the group.
func (m *Manager) RemoveNode(id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.nodes[id]; !exists {
		return false
	}
	delete(m.nodes, id)
	for i, oid := range m.order {
		if oid == id {
			m.order = append(m.order[:i], m.order[i+1:]...)
			break
		}
	}
	if m.currentPrimary == id {
		m.currentPrimary = ""
	}
	if m.demotedPrimary == id {
		m.demotedPrimary = ""
	}
	return true
}

// Heartbeat records liveness for a node.
func (m *Manager) Heartbeat(id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	n, exists := m.nodes[id]
	if !exists {
		return false
	}
	n.LastHeartbeat = time.Now()
	return true
}

// Start launches the health and heartbeat watchers.
func (m *Manager) Start() {
	m.mu.Lock()
	if m.started {
		m.mu.Unlock()
		return
	}
	m.started = true
	m.mu.Unlock()

	m.wg.Add(2)
	go m.healthWatcher()
	go m.heartbeatWatcher()
	m.logger.Info("failover manager started",
		zap.String("strategy", m.strategy.Name()))
}

// Stop cancels the watchers and waits for them to exit.
func (m *Manager) Stop() {
	m.mu.Lock()
	if !m.started {
		m.mu.Unlock()
		return
	}
	m.started = false
	m.mu.Unlock()

	close(m.stopCh)
	m.wg.Wait()
	m.logger.Info("failover manager stopped")
}

// healthWatcher probes every node each interval and drives both failure
// detection and the recovery path.
func (m *Manager) healthWatcher() {
	defer m.wg.Done()
	for {
		select {
		case <-m.stopCh:
			return
		case <-time.After(m.cfg.HealthCheckInterval):
			m.checkNodes()
		}
	}
}

func (m *Manager) checkNodes() {
	ctx, cancel := context.WithTimeout(context.Background(), m.cfg.ProbeTimeout)
	defer cancel()

	m.mu.Lock()
	snapshot := make([]Node, 0, len(m.order))
	for _, id := range m.order {
		snapshot = append(snapshot, *m.nodes[id])
	}
	probe := m.probe
	m.mu.Unlock()

	for _, n := range snapshot {
		err := probe(ctx, n)
		if err != nil {
			m.recordProbeFailure(n.ID, err, TriggerHealthCheckFailure)
		} else {
			m.recordProbeSuccess(n.ID)
		}
	}
}

// heartbeatWatcher flags nodes whose heartbeats stopped arriving. It runs on
// a shorter interval than the health watcher.
func (m *Manager) heartbeatWatcher() {
	defer m.wg.Done()
	for {
		select {
		case <-m.stopCh:
			return
		case <-time.After(m.cfg.HeartbeatInterval):
			m.checkHeartbeats()
		}
	}
}

func (m *Manager) checkHeartbeats() {
	m.mu.Lock()
	var stale []string
	now := time.Now()
	for _, id := range m.order {
		n := m.nodes[id]
		if now.Sub(n.LastHeartbeat) > m.cfg.HeartbeatTimeout {
			stale = append(stale, id)
		}
	}
	m.mu.Unlock()

	for _, id := range stale {
		m.recordProbeFailure(id, fmt.Errorf("no heartbeat within %s", m.cfg.HeartbeatTimeout), TriggerTimeout)
	}
}

// recordProbeFailure increments a node's failure count and, past the
// detection threshold on a primary/active node, triggers failover.
func (m *Manager) recordProbeFailure(id string, cause error, trigger Trigger) {
	m.mu.Lock()
	n, exists := m.nodes[id]
	if !exists {
		m.mu.Unlock()
		return
	}
	n.FailureCount++
	m.metrics.NodeFailures.WithLabelValues(id).Set(float64(n.FailureCount))

	crossed := n.FailureCount >= m.cfg.FailureDetectionThreshold
	if crossed && n.Status != health.StatusUnhealthy {
		n.Status = health.StatusUnhealthy
		m.appendEventLocked(Event{
			State:      StateFailed,
			Trigger:    trigger,
			SourceNode: id,
			Message:    fmt.Sprintf("node failed: %v", cause),
		})
	} else if !crossed && n.FailureCount == 1 && n.Status == health.StatusHealthy {
		m.appendEventLocked(Event{
			State:      StateFailing,
			Trigger:    trigger,
			SourceNode: id,
			Message:    fmt.Sprintf("node failing: %v", cause),
		})
	}
	m.persistNodeLocked(n)

	shouldFailover := crossed && (n.Role == RolePrimary || n.Role == RoleActive)
	authorized := m.authorize()
	m.mu.Unlock()

	if !shouldFailover {
		return
	}
	if !authorized {
		m.logger.Info("failover suppressed, not the cluster leader",
			zap.String("node", id))
		return
	}
	if !m.limiter.Allow() {
		m.logger.Warn("failover trigger rate limited", zap.String("node", id))
		return
	}
	if err := m.TriggerFailover(id, trigger); err != nil {
		m.logger.Warn("automatic failover not executed",
			zap.String("node", id), zap.Error(err))
	}
}

// recordProbeSuccess resets failure tracking and walks an unhealthy node
// through the recovery path.
func (m *Manager) recordProbeSuccess(id string) {
	m.mu.Lock()
	n, exists := m.nodes[id]
	if !exists {
		m.mu.Unlock()
		return
	}

	wasUnhealthy := n.Status == health.StatusUnhealthy
	n.FailureCount = 0
	m.metrics.NodeFailures.WithLabelValues(id).Set(0)

	if !wasUnhealthy {
		m.mu.Unlock()
		return
	}

	m.appendEventLocked(Event{
		State:      StateRecovering,
		Trigger:    TriggerHealthCheckFailure,
		SourceNode: id,
		Message:    "node probe succeeded, recovering",
	})
	n.Status = health.StatusHealthy
	m.appendEventLocked(Event{
		State:      StateRecovered,
		Trigger:    TriggerHealthCheckFailure,
		SourceNode: id,
		Message:    "node recovered",
	})
	m.persistNodeLocked(n)

	restore := m.cfg.RestorePrimary == "auto" &&
		m.demotedPrimary == id &&
		m.state == StateNormal &&
		!m.inProgress
	if restore {
		m.restorePrimaryLocked(n)
	}
	m.mu.Unlock()
}

// restorePrimaryLocked swaps a recovered former primary back into the
// primary role.
func (m *Manager) restorePrimaryLocked(n *Node) {
	current := m.nodes[m.currentPrimary]
	if current == nil || current.ID == n.ID {
		return
	}
	current.Role = RoleSecondary
	n.Role = RolePrimary
	m.currentPrimary = n.ID
	m.demotedPrimary = ""
	n.LastFailover = time.Now()

	m.persistNodeLocked(current)
	m.persistNodeLocked(n)
	m.appendEventLocked(Event{
		State:      StateFailoverCompleted,
		Trigger:    TriggerScheduled,
		SourceNode: current.ID,
		TargetNode: n.ID,
		Message:    "recovered primary restored",
	})
	m.logger.Info("restored recovered primary",
		zap.String("node", n.ID),
		zap.String("demoted", current.ID))
}

// TriggerFailover runs the configured strategy for a failed node. A trigger
// while another failover is in progress is a logged no-op; the in-progress
// flag and every role transition share the manager's lock, so a caller
// observing failover_in_progress never starts a second strategy execution.
func (m *Manager) TriggerFailover(nodeID string, trigger Trigger) error {
	return m.runFailover(nodeID, "", trigger)
}

// ManualFailover bypasses automatic gating and runs the strategy
// asynchronously. Callers poll GetFailoverStatus for the outcome.
func (m *Manager) ManualFailover(sourceID, targetID string) {
	go func() {
		if err := m.runFailover(sourceID, targetID, TriggerManual); err != nil {
			m.logger.Warn("manual failover failed",
				zap.String("source", sourceID),
				zap.String("target", targetID),
				zap.Error(err))
		}
	}()
}

func (m *Manager) runFailover(sourceID, targetID string, trigger Trigger) error {
	// Phase 1: claim the state machine.
	m.mu.Lock()
	if m.inProgress {
		m.mu.Unlock()
		m.logger.Warn("failover already in progress, ignoring trigger",
			zap.String("node", sourceID),
			zap.String("trigger", string(trigger)))
		return nil
	}
	failed, exists := m.nodes[sourceID]
	if !exists {
		m.mu.Unlock()
		return fmt.Errorf("unknown node %q", sourceID)
	}
	// Only the leading node can be failed away from. Promoting a target
	// while a healthy primary keeps its role would leave two primaries.
	if failed.Role != RolePrimary && failed.Role != RoleActive {
		m.mu.Unlock()
		return fmt.Errorf("node %q holds role %q, failover requires the primary or an active node",
			sourceID, failed.Role)
	}

	m.inProgress = true
	m.setStateLocked(StateFailoverInProgress)
	m.appendEventLocked(Event{
		State:      StateFailoverInProgress,
		Trigger:    trigger,
		SourceNode: sourceID,
		Message:    fmt.Sprintf("failover initiated (%s)", m.strategy.Name()),
	})

	failedSnap := *failed
	peers := make([]Node, 0, len(m.order)-1)
	for _, id := range m.order {
		if id != sourceID {
			peers = append(peers, *m.nodes[id])
		}
	}
	m.mu.Unlock()

	// Phase 2: strategy work happens outside the lock; the group stays in
	// failover_in_progress and concurrent triggers no-op.
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()
	decision, err := m.strategy.Execute(ctx, failedSnap, peers, targetID)

	// Phase 3: apply the decision.
	m.mu.Lock()
	defer m.mu.Unlock()
	m.inProgress = false

	if err == nil {
		if _, ok := m.nodes[decision.TargetID]; !ok {
			err = fmt.Errorf("target %q left the group during failover", decision.TargetID)
		} else if _, ok := m.nodes[sourceID]; !ok {
			err = fmt.Errorf("source %q left the group during failover", sourceID)
		}
	}
	if err != nil {
		m.setStateLocked(StateFailed)
		m.appendEventLocked(Event{
			State:      StateFailed,
			Trigger:    trigger,
			SourceNode: sourceID,
			Message:    fmt.Sprintf("failover failed: %v", err),
		})
		m.metrics.FailoversTotal.WithLabelValues(string(trigger), "failure").Inc()
		return fmt.Errorf("failover for %q: %w", sourceID, err)
	}

	source := m.nodes[sourceID]
	target := m.nodes[decision.TargetID]
	now := time.Now()
	source.LastFailover = now
	target.LastFailover = now
	if decision.SwapRoles {
		wasPrimary := source.Role == RolePrimary
		target.Role = RolePrimary
		source.Role = RoleSecondary
		if wasPrimary {
			m.demotedPrimary = sourceID
		}
		m.currentPrimary = target.ID
	}
	m.persistNodeLocked(source)
	m.persistNodeLocked(target)

	m.appendEventLocked(Event{
		State:      StateFailoverCompleted,
		Trigger:    trigger,
		SourceNode: sourceID,
		TargetNode: target.ID,
		Message:    fmt.Sprintf("failover completed to %s", target.ID),
	})
	m.setStateLocked(StateNormal)
	m.metrics.FailoversTotal.WithLabelValues(string(trigger), "success").Inc()

	m.logger.Info("failover completed",
		zap.String("source", sourceID),
		zap.String("target", target.ID),
		zap.String("trigger", string(trigger)))
	return nil
}

func (m *Manager) setStateLocked(s State) {
	m.state = s
	for _, st := range []State{StateNormal, StateFailing, StateFailed,
		StateFailoverInProgress, StateFailoverCompleted, StateRecovering, StateRecovered} {
		v := 0.0
		if st == s {
			v = 1.0
		}
		m.metrics.FailoverState.WithLabelValues(string(st)).Set(v)
	}
}

// appendEventLocked stamps, stores, and fans out one event. Store failures
// degrade to local-only history.
func (m *Manager) appendEventLocked(e Event) {
	e.ID = uuid.New().String()
	e.Timestamp = time.Now()

	m.events = append(m.events, e)
	if int64(len(m.events)) > m.cfg.EventHistoryLimit {
		m.events = m.events[1:]
	}

	if m.store != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if data, err := json.Marshal(e); err == nil {
			if err := m.store.ListPush(ctx, eventsKey, string(data)); err != nil {
				m.logger.Warn("coordination store unavailable, keeping events local only",
					zap.Error(err))
			} else {
				_ = m.store.ListTrim(ctx, eventsKey, -m.cfg.EventHistoryLimit, -1)
			}
		}
	}

	for _, fn := range m.subscribers {
		go fn(e)
	}
}

func (m *Manager) persistNodeLocked(n *Node) {
	if m.store == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	data, err := json.Marshal(n)
	if err != nil {
		return
	}
	if err := m.store.HashSet(ctx, nodesKey, n.ID, string(data)); err != nil {
		m.logger.Warn("coordination store unavailable, node state local only",
			zap.String("node", n.ID), zap.Error(err))
	}
}

// Nodes returns a snapshot of the group in registration order.
func (m *Manager) Nodes() []Node {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Node, 0, len(m.order))
	for _, id := range m.order {
		out = append(out, *m.nodes[id])
	}
	return out
}

// CurrentPrimary returns the id of the node holding the primary role.
func (m *Manager) CurrentPrimary() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.currentPrimary
}

// GetFailoverStatus snapshots the state machine for the control surface.
func (m *Manager) GetFailoverStatus() Status {
	m.mu.Lock()
	defer m.mu.Unlock()

	s := Status{
		State:          m.state,
		Strategy:       m.strategy.Name(),
		CurrentPrimary: m.currentPrimary,
		InProgress:     m.inProgress,
		Nodes:          make([]Node, 0, len(m.order)),
		FailureCounts:  make(map[string]int, len(m.order)),
	}
	for _, id := range m.order {
		n := m.nodes[id]
		s.Nodes = append(s.Nodes, *n)
		s.FailureCounts[id] = n.FailureCount
	}

	recent := 20
	if len(m.events) < recent {
		recent = len(m.events)
	}
	s.RecentEvents = append(s.RecentEvents, m.events[len(m.events)-recent:]...)
	return s
}

// Events returns the local event history, oldest first.
func (m *Manager) Events() []Event {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Event(nil), m.events...)
}
