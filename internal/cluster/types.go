// Package cluster elects a leader among coordinator processes using term
// numbers, majority votes, and a renewable lease in the coordination store,
// so failover decisions are authorized by exactly one process at a time.
package cluster

import (
	"time"

	"github.com/FairForge/helmsman/internal/health"
)

// Role is a coordinator's position in the election.
type Role string

const (
	RoleLeader    Role = "leader"
	RoleFollower  Role = "follower"
	RoleCandidate Role = "candidate"
)

// State is the cluster-wide condition.
type State string

const (
	// StateStable: quorum held, leader known, every peer healthy.
	StateStable State = "stable"
	// StateElecting: an election is in flight on this coordinator.
	StateElecting State = "electing"
	// StatePartitioned: healthy peers below quorum; no authoritative
	// decisions regardless of who claims leadership.
	StatePartitioned State = "partitioned"
	// StateDegraded: quorum held but some peers are unhealthy.
	StateDegraded State = "degraded"
)

// Node is a coordinator-process peer, distinct from application failover
// nodes and load-balancer backends.
type Node struct {
	ID            string        `json:"id"`
	Host          string        `json:"host"`
	Port          int           `json:"port"`
	Role          Role          `json:"role"`
	Status        health.Status `json:"status"`
	Term          uint64        `json:"term"`
	LastHeartbeat time.Time     `json:"last_heartbeat"`
	LeaseExpires  time.Time     `json:"lease_expires,omitempty"`
}

// Status is the snapshot served to the control surface.
type Status struct {
	State        State  `json:"state"`
	Term         uint64 `json:"term"`
	LeaderID     string `json:"leader_id,omitempty"`
	QuorumSize   int    `json:"quorum_size"`
	HealthyPeers int    `json:"healthy_peers"`
	HasQuorum    bool   `json:"has_quorum"`
	Nodes        []Node `json:"nodes"`
}

// LeadershipListener is notified with the new leader's id and term whenever
// leadership changes as seen by this coordinator. An empty id means
// leadership was lost or released.
type LeadershipListener func(leaderID string, term uint64)
