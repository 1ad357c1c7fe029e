// Package failover tracks primary/secondary node roles, watches node health
// and heartbeats, and drives the failover state machine.
package failover

import (
	"fmt"
	"time"

	"github.com/FairForge/helmsman/internal/health"
)

// Role is a node's position in the failover group. Roles are mutually
// exclusive; active-passive groups hold exactly one primary at any instant.
type Role string

const (
	RolePrimary   Role = "primary"
	RoleSecondary Role = "secondary"
	RoleActive    Role = "active"
	RoleStandby   Role = "standby"
)

// Node is a failover-domain entity, distinct from load-balancer backends and
// cluster coordinator peers.
type Node struct {
	ID            string        `json:"id"`
	Host          string        `json:"host"`
	Port          int           `json:"port"`
	Role          Role          `json:"role"`
	Status        health.Status `json:"status"`
	FailureCount  int           `json:"failure_count"`
	LastHeartbeat time.Time     `json:"last_heartbeat"`
	LastFailover  time.Time     `json:"last_failover,omitempty"`
}

// Address returns host:port.
func (n *Node) Address() string {
	return fmt.Sprintf("%s:%d", n.Host, n.Port)
}

// State is the failover state machine position.
type State string

const (
	StateNormal             State = "normal"
	StateFailing            State = "failing"
	StateFailed             State = "failed"
	StateFailoverInProgress State = "failover_in_progress"
	StateFailoverCompleted  State = "failover_completed"
	StateRecovering         State = "recovering"
	StateRecovered          State = "recovered"
)

// Trigger is the reason a failover was initiated.
type Trigger string

const (
	TriggerHealthCheckFailure Trigger = "health_check_failure"
	TriggerTimeout            Trigger = "timeout"
	TriggerErrorRateHigh      Trigger = "error_rate_high"
	TriggerManual             Trigger = "manual"
	TriggerScheduled          Trigger = "scheduled"
)

// Event is one immutable entry in the failover history. Events are only ever
// appended and trimmed, never mutated.
type Event struct {
	ID         string    `json:"id"`
	Timestamp  time.Time `json:"timestamp"`
	State      State     `json:"state"`
	Trigger    Trigger   `json:"trigger"`
	SourceNode string    `json:"source_node"`
	TargetNode string    `json:"target_node,omitempty"`
	Message    string    `json:"message"`
}

// Status is the manager snapshot served to the control surface.
type Status struct {
	State          State          `json:"state"`
	Strategy       string         `json:"strategy"`
	CurrentPrimary string         `json:"current_primary,omitempty"`
	InProgress     bool           `json:"in_progress"`
	Nodes          []Node         `json:"nodes"`
	FailureCounts  map[string]int `json:"failure_counts"`
	RecentEvents   []Event        `json:"recent_events"`
}
