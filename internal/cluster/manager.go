package cluster

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/FairForge/helmsman/internal/coordstore"
	"github.com/FairForge/helmsman/internal/health"
	"github.com/FairForge/helmsman/internal/metrics"
)

const (
	nodesKey = "helmsman:cluster:nodes"
	leaseKey = "helmsman:cluster:leader-lease"

	// leaseRenewalWindow is how close to expiry the leader renews.
	leaseRenewalWindow = 5 * time.Second
)

// ErrNotLeader is returned when a leader-only operation is invoked elsewhere.
var ErrNotLeader = errors.New("not the cluster leader")

// Peer identifies a coordinator peer known at startup. Peers may also appear
// dynamically through heartbeats and the coordination store.
type Peer struct {
	ID   string `yaml:"id"`
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

// Config tunes the cluster manager.
type Config struct {
	NodeID string `yaml:"node_id"`
	Host   string `yaml:"host"`
	Port   int    `yaml:"port"`
	Peers  []Peer `yaml:"peers"`

	// QuorumSize defaults to majority of the startup membership.
	QuorumSize int `yaml:"quorum_size"`

	// ElectionTimeout is the leader heartbeat age that triggers a new
	// election.
	ElectionTimeout   time.Duration `yaml:"election_timeout"`
	ElectionInterval  time.Duration `yaml:"election_interval"`
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`
	LeaseTTL          time.Duration `yaml:"lease_ttl"`
	CleanupInterval   time.Duration `yaml:"cleanup_interval"`

	// StaleAfter marks a silent peer unhealthy; RemoveAfter evicts it from
	// the registry and purges it from the store.
	StaleAfter  time.Duration `yaml:"stale_after"`
	RemoveAfter time.Duration `yaml:"remove_after"`
}

func (c *Config) applyDefaults() {
	if c.QuorumSize <= 0 {
		c.QuorumSize = (len(c.Peers)+1)/2 + 1
	}
	if c.ElectionTimeout <= 0 {
		c.ElectionTimeout = 15 * time.Second
	}
	if c.ElectionInterval <= 0 {
		c.ElectionInterval = 3 * time.Second
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = 2 * time.Second
	}
	if c.LeaseTTL <= 0 {
		c.LeaseTTL = 30 * time.Second
	}
	if c.CleanupInterval <= 0 {
		c.CleanupInterval = time.Minute
	}
	if c.StaleAfter <= 0 {
		c.StaleAfter = 5 * time.Minute
	}
	if c.RemoveAfter <= 0 {
		c.RemoveAfter = time.Hour
	}
}

// Manager runs the election and lease loops for one coordinator process.
// Term increments and leader announcements happen under one lock, so only
// one election is ever in flight locally.
type Manager struct {
	mu      sync.Mutex
	logger  *zap.Logger
	metrics *metrics.Metrics
	store   coordstore.Store
	cfg     Config

	self        *Node
	nodes       map[string]*Node // includes self
	currentTerm uint64
	leaderID    string
	state       State
	electing    bool

	listeners []LeadershipListener

	started bool
	stopCh  chan struct{}
	wg      sync.WaitGroup
}

// NewManager constructs a cluster manager and registers the local node and
// the configured peers.
func NewManager(cfg Config, store coordstore.Store, m *metrics.Metrics, logger *zap.Logger) (*Manager, error) {
	if cfg.NodeID == "" {
		return nil, fmt.Errorf("cluster manager requires a node id")
	}
	cfg.applyDefaults()

	self := &Node{
		ID:            cfg.NodeID,
		Host:          cfg.Host,
		Port:          cfg.Port,
		Role:          RoleFollower,
		Status:        health.StatusHealthy,
		LastHeartbeat: time.Now(),
	}

	mgr := &Manager{
		logger:  logger,
		metrics: m,
		store:   store,
		cfg:     cfg,
		self:    self,
		nodes:   map[string]*Node{cfg.NodeID: self},
		state:   StateStable,
		stopCh:  make(chan struct{}),
	}

	for _, p := range cfg.Peers {
		if p.ID == "" || p.ID == cfg.NodeID {
			continue
		}
		mgr.nodes[p.ID] = &Node{
			ID:            p.ID,
			Host:          p.Host,
			Port:          p.Port,
			Role:          RoleFollower,
			Status:        health.StatusHealthy,
			LastHeartbeat: time.Now(),
		}
	}

	mgr.updateStateLocked()
	return mgr, nil
}

// OnLeadershipChange registers a leadership listener.
func (m *Manager) OnLeadershipChange(fn LeadershipListener) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.listeners = append(m.listeners, fn)
}

// Start launches the heartbeat, election, and cleanup loops.
func (m *Manager) Start() {
	m.mu.Lock()
	if m.started {
		m.mu.Unlock()
		return
	}
	m.started = true
	m.mu.Unlock()

	m.wg.Add(3)
	go m.heartbeatLoop()
	go m.electionLoop()
	go m.cleanupLoop()
	m.logger.Info("cluster manager started",
		zap.String("node", m.cfg.NodeID),
		zap.Int("quorum", m.cfg.QuorumSize))
}

// Stop cancels all loops, waits for them, and releases a held lease.
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

	m.mu.Lock()
	wasLeader := m.leaderID == m.cfg.NodeID
	m.mu.Unlock()
	if wasLeader && m.store != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := m.store.Delete(ctx, leaseKey); err != nil {
			m.logger.Warn("could not release leadership lease", zap.Error(err))
		}
	}
	m.logger.Info("cluster manager stopped")
}

func (m *Manager) heartbeatLoop() {
	defer m.wg.Done()
	for {
		select {
		case <-m.stopCh:
			return
		case <-time.After(m.cfg.HeartbeatInterval):
			m.beat()
		}
	}
}

// beat refreshes the local node's liveness, publishes its snapshot, and
// merges peer snapshots from the store.
func (m *Manager) beat() {
	m.mu.Lock()
	m.self.LastHeartbeat = time.Now()
	m.self.Term = m.currentTerm
	snapshot := *m.self
	m.mu.Unlock()

	if m.store == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	if data, err := json.Marshal(snapshot); err == nil {
		if err := m.store.HashSet(ctx, nodesKey, snapshot.ID, string(data)); err != nil {
			m.logger.Warn("coordination store unavailable, running with local membership only",
				zap.Error(err))
			return
		}
	}

	peers, err := m.store.HashGetAll(ctx, nodesKey)
	if err != nil {
		m.logger.Warn("coordination store unavailable, running with local membership only",
			zap.Error(err))
		return
	}
	m.mergePeers(peers)
}

// mergePeers folds store snapshots into the local registry. A peer
// advertising a higher term forces this node to step down.
func (m *Manager) mergePeers(raw map[string]string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, data := range raw {
		if id == m.cfg.NodeID {
			continue
		}
		var n Node
		if err := json.Unmarshal([]byte(data), &n); err != nil {
			continue
		}
		existing, ok := m.nodes[id]
		if !ok {
			copied := n
			m.nodes[id] = &copied
			existing = &copied
		} else {
			existing.Host = n.Host
			existing.Port = n.Port
			existing.Role = n.Role
			existing.Status = n.Status
			existing.Term = n.Term
			if n.LastHeartbeat.After(existing.LastHeartbeat) {
				existing.LastHeartbeat = n.LastHeartbeat
			}
		}
		m.observeTermLocked(existing.Term)
	}
	m.updateStateLocked()
}

// Heartbeat records liveness reported directly by a peer (transport-level
// heartbeats). Unknown peers are admitted to the registry.
func (m *Manager) Heartbeat(peerID string, term uint64) {
	if peerID == "" || peerID == m.cfg.NodeID {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	n, ok := m.nodes[peerID]
	if !ok {
		n = &Node{ID: peerID, Role: RoleFollower}
		m.nodes[peerID] = n
	}
	n.LastHeartbeat = time.Now()
	n.Status = health.StatusHealthy
	n.Term = term
	m.observeTermLocked(term)
	m.updateStateLocked()
}

// observeTermLocked adopts a higher term seen on the wire. The local term
// never decreases. A leader observing a higher term steps down.
func (m *Manager) observeTermLocked(term uint64) {
	if term <= m.currentTerm {
		return
	}
	m.currentTerm = term
	m.metrics.ClusterTerm.Set(float64(m.currentTerm))
	if m.self.Role == RoleLeader {
		m.logger.Info("higher term observed, stepping down",
			zap.Uint64("term", term))
		m.demoteLocked()
	}
}

func (m *Manager) electionLoop() {
	defer m.wg.Done()
	for {
		select {
		case <-m.stopCh:
			return
		case <-time.After(m.cfg.ElectionInterval):
			m.runElectionCycle()
		}
	}
}

// runElectionCycle is one pass of the election loop: leaders renew their
// lease, followers decide whether a new election is due.
func (m *Manager) runElectionCycle() {
	m.mu.Lock()
	isLeader := m.self.Role == RoleLeader
	leaderID := m.leaderID
	leaseExpires := m.self.LeaseExpires
	var leaderHeartbeatAge time.Duration
	if leader, ok := m.nodes[leaderID]; ok {
		leaderHeartbeatAge = time.Since(leader.LastHeartbeat)
	}
	m.updateStateLocked()
	m.mu.Unlock()

	if isLeader {
		if time.Until(leaseExpires) < leaseRenewalWindow {
			m.renewLease()
		}
		return
	}

	needElection := leaderID == "" ||
		leaderHeartbeatAge > m.cfg.ElectionTimeout ||
		!m.leaseConsistent(leaderID)
	if needElection {
		m.startElection()
	}
}

// leaseConsistent reports whether the recorded leader actually holds the
// lease. Store unavailability degrades to trusting local state.
func (m *Manager) leaseConsistent(leaderID string) bool {
	if m.store == nil || leaderID == "" {
		return true
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	holder, ok, err := m.store.Get(ctx, leaseKey)
	if err != nil {
		m.logger.Warn("coordination store unavailable, trusting local leader state",
			zap.Error(err))
		return true
	}
	return ok && holder == leaderID
}

// renewLease extends the leader's claim. Losing the key to another writer
// means stepping down; the next cycle re-enters election.
func (m *Manager) renewLease() {
	if m.store == nil {
		m.mu.Lock()
		m.self.LeaseExpires = time.Now().Add(m.cfg.LeaseTTL)
		m.mu.Unlock()
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	holder, ok, err := m.store.Get(ctx, leaseKey)
	if err != nil {
		m.logger.Warn("coordination store unavailable, keeping leadership locally",
			zap.Error(err))
		return
	}
	lost := !ok || holder != m.cfg.NodeID
	if !lost {
		renewed, err := m.store.Expire(ctx, leaseKey, m.cfg.LeaseTTL)
		if err != nil || !renewed {
			lost = true
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if lost {
		m.logger.Warn("leadership lease lost", zap.String("holder", holder))
		m.demoteLocked()
		return
	}
	m.self.LeaseExpires = time.Now().Add(m.cfg.LeaseTTL)
}

// startElection runs the simplified term-based election: bump the term, vote
// for self, count healthy peers whose term does not exceed ours, and claim
// the lease on quorum.
func (m *Manager) startElection() {
	m.mu.Lock()
	if m.electing {
		m.mu.Unlock()
		return
	}
	m.electing = true
	m.updateStateLocked()

	m.currentTerm++
	term := m.currentTerm
	m.metrics.ClusterTerm.Set(float64(term))
	m.self.Role = RoleCandidate
	m.self.Term = term

	votes := 1 // self
	for id, n := range m.nodes {
		if id == m.cfg.NodeID {
			continue
		}
		if n.Status == health.StatusHealthy && n.Term <= term {
			votes++
		}
	}
	quorum := m.cfg.QuorumSize
	m.mu.Unlock()

	m.logger.Info("election started",
		zap.Uint64("term", term),
		zap.Int("votes", votes),
		zap.Int("quorum", quorum))

	won := votes >= quorum
	acquired := false
	if won {
		acquired = m.acquireLease()
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.electing = false

	if won && acquired {
		m.self.Role = RoleLeader
		m.self.LeaseExpires = time.Now().Add(m.cfg.LeaseTTL)
		m.announceLeaderLocked(m.cfg.NodeID, term)
		m.logger.Info("became leader", zap.Uint64("term", term))
	} else {
		m.self.Role = RoleFollower
		if m.leaderID == m.cfg.NodeID {
			m.leaderID = ""
		}
		m.logger.Info("election lost, remaining follower",
			zap.Uint64("term", term),
			zap.Bool("had_quorum", won))
	}
	m.updateStateLocked()
}

// acquireLease claims the leadership lease via set-if-absent. Holding the
// lease already counts as acquisition.
func (m *Manager) acquireLease() bool {
	if m.store == nil {
		return true
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	won, err := m.store.SetIfAbsent(ctx, leaseKey, m.cfg.NodeID, m.cfg.LeaseTTL)
	if err != nil {
		m.logger.Warn("coordination store unavailable, cannot acquire leadership lease",
			zap.Error(err))
		return false
	}
	if won {
		return true
	}

	holder, ok, err := m.store.Get(ctx, leaseKey)
	if err == nil && ok && holder == m.cfg.NodeID {
		_, _ = m.store.Expire(ctx, leaseKey, m.cfg.LeaseTTL)
		return true
	}
	if err == nil && ok {
		// Adopt whoever holds the lease
		m.mu.Lock()
		if _, known := m.nodes[holder]; known {
			m.announceLeaderLocked(holder, m.currentTerm)
		}
		m.mu.Unlock()
	}
	return false
}

// announceLeaderLocked records the leader and notifies listeners. Within one
// term at most one node is announced leader, since announcements happen
// under the lock that guards term increments.
func (m *Manager) announceLeaderLocked(leaderID string, term uint64) {
	if m.leaderID == leaderID {
		return
	}
	m.leaderID = leaderID
	if n, ok := m.nodes[leaderID]; ok {
		n.Role = RoleLeader
	}
	for id, n := range m.nodes {
		if id != leaderID && n.Role == RoleLeader {
			n.Role = RoleFollower
		}
	}
	if leaderID == m.cfg.NodeID {
		m.metrics.ClusterLeader.Set(1)
	} else {
		m.metrics.ClusterLeader.Set(0)
	}
	for _, fn := range m.listeners {
		go fn(leaderID, term)
	}
}

// demoteLocked clears local leadership state.
func (m *Manager) demoteLocked() {
	m.self.Role = RoleFollower
	m.self.LeaseExpires = time.Time{}
	if m.leaderID == m.cfg.NodeID {
		m.leaderID = ""
		m.metrics.ClusterLeader.Set(0)
		for _, fn := range m.listeners {
			go fn("", m.currentTerm)
		}
	}
	m.updateStateLocked()
}

func (m *Manager) cleanupLoop() {
	defer m.wg.Done()
	for {
		select {
		case <-m.stopCh:
			return
		case <-time.After(m.cfg.CleanupInterval):
			m.cleanupStale()
		}
	}
}

// cleanupStale marks long-silent peers unhealthy and evicts peers silent
// beyond the removal horizon, purging them from the store.
func (m *Manager) cleanupStale() {
	now := time.Now()
	var removed []string

	m.mu.Lock()
	for id, n := range m.nodes {
		if id == m.cfg.NodeID {
			continue
		}
		age := now.Sub(n.LastHeartbeat)
		switch {
		case age > m.cfg.RemoveAfter:
			delete(m.nodes, id)
			removed = append(removed, id)
			if m.leaderID == id {
				m.leaderID = ""
			}
		case age > m.cfg.StaleAfter:
			n.Status = health.StatusUnhealthy
		}
	}
	m.updateStateLocked()
	m.mu.Unlock()

	if len(removed) == 0 {
		return
	}
	m.logger.Info("removed stale cluster nodes", zap.Strings("nodes", removed))
	if m.store == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	for _, id := range removed {
		if err := m.store.HashDelete(ctx, nodesKey, id); err != nil {
			m.logger.Warn("could not purge stale node from store",
				zap.String("node", id), zap.Error(err))
		}
	}
}

// healthyCountLocked counts healthy members including self.
func (m *Manager) healthyCountLocked() int {
	count := 0
	for _, n := range m.nodes {
		if n.Status == health.StatusHealthy {
			count++
		}
	}
	return count
}

// updateStateLocked derives the cluster-wide state. Partitioned wins over
// everything, an election in flight included: below quorum the cluster is
// partitioned no matter what this node is doing about it.
func (m *Manager) updateStateLocked() {
	healthy := m.healthyCountLocked()
	m.metrics.HealthyPeers.Set(float64(healthy))

	switch {
	case healthy < m.cfg.QuorumSize:
		m.setStateLocked(StatePartitioned)
	case m.electing:
		m.setStateLocked(StateElecting)
	case healthy < len(m.nodes):
		m.setStateLocked(StateDegraded)
	default:
		m.setStateLocked(StateStable)
	}
}

func (m *Manager) setStateLocked(s State) {
	if m.state != s {
		m.logger.Info("cluster state changed",
			zap.String("from", string(m.state)),
			zap.String("to", string(s)))
	}
	m.state = s
}

// TransferLeadership releases the lease toward a healthy target. It does not
// force an election; the next cycle picks it up.
func (m *Manager) TransferLeadership(targetID string) error {
	m.mu.Lock()
	if m.leaderID != m.cfg.NodeID {
		m.mu.Unlock()
		return ErrNotLeader
	}
	target, ok := m.nodes[targetID]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("unknown cluster node %q", targetID)
	}
	if target.Status != health.StatusHealthy {
		m.mu.Unlock()
		return fmt.Errorf("cluster node %q is not healthy", targetID)
	}
	m.mu.Unlock()

	if m.store != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := m.store.Delete(ctx, leaseKey); err != nil {
			return fmt.Errorf("release lease: %w", err)
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.demoteLocked()
	m.logger.Info("leadership released for transfer",
		zap.String("target", targetID))
	return nil
}

// IsLeader reports whether this coordinator currently holds leadership. The
// failover manager uses this as its authorization gate.
func (m *Manager) IsLeader() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.leaderID == m.cfg.NodeID && m.self.Role == RoleLeader
}

// CurrentTerm returns the local term.
func (m *Manager) CurrentTerm() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.currentTerm
}

// LeaderInfo returns a snapshot of the current leader, if one is known.
func (m *Manager) LeaderInfo() (Node, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n, ok := m.nodes[m.leaderID]
	if !ok {
		return Node{}, false
	}
	return *n, true
}

// GetStatus snapshots the cluster for the control surface.
func (m *Manager) GetStatus() Status {
	m.mu.Lock()
	defer m.mu.Unlock()

	healthy := m.healthyCountLocked()
	s := Status{
		State:        m.state,
		Term:         m.currentTerm,
		LeaderID:     m.leaderID,
		QuorumSize:   m.cfg.QuorumSize,
		HealthyPeers: healthy,
		HasQuorum:    healthy >= m.cfg.QuorumSize,
		Nodes:        make([]Node, 0, len(m.nodes)),
	}
	for _, n := range m.nodes {
		s.Nodes = append(s.Nodes, *n)
	}
	return s
}
