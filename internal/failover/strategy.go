package failover

import (
	"context"
	"fmt"

	"github.com/FairForge/helmsman/internal/health"
)

// Decision is a strategy's verdict: which node absorbs the failed node's
// role or traffic, and whether roles swap. The manager applies role changes
// under its lock; strategies only decide.
type Decision struct {
	TargetID  string
	SwapRoles bool
}

// Strategy picks the failover target for a failed node. Execute runs outside
// the manager's lock, so implementations may do real work (traffic
// redirection, replication catch-up) while the group stays in
// failover_in_progress. Inputs are snapshots; peers arrive in registration
// order. preferred optionally names the target (manual failover).
type Strategy interface {
	Name() string
	Execute(ctx context.Context, failed Node, peers []Node, preferred string) (Decision, error)
}

// NewStrategy resolves a failover strategy by configuration name, failing
// fast on unknown names.
func NewStrategy(name string) (Strategy, error) {
	switch name {
	case "active_passive", "":
		return &activePassiveStrategy{}, nil
	case "active_active":
		return &activeActiveStrategy{}, nil
	default:
		return nil, fmt.Errorf("unknown failover strategy %q", name)
	}
}

// activePassiveStrategy promotes the first healthy secondary; the failed
// primary is demoted to secondary when the decision is applied.
type activePassiveStrategy struct{}

func (s *activePassiveStrategy) Name() string { return "active_passive" }

func (s *activePassiveStrategy) Execute(_ context.Context, _ Node, peers []Node, preferred string) (Decision, error) {
	for _, p := range peers {
		if p.Role != RoleSecondary && p.Role != RoleStandby {
			continue
		}
		if p.Status == health.StatusUnhealthy {
			continue
		}
		if preferred != "" && p.ID != preferred {
			continue
		}
		return Decision{TargetID: p.ID, SwapRoles: true}, nil
	}
	if preferred != "" {
		return Decision{}, fmt.Errorf("target %q is not a healthy secondary", preferred)
	}
	return Decision{}, fmt.Errorf("no healthy secondary available")
}

// activeActiveStrategy leaves roles untouched; the failed node simply stops
// receiving traffic. It succeeds only while at least one healthy peer
// remains.
type activeActiveStrategy struct{}

func (s *activeActiveStrategy) Name() string { return "active_active" }

func (s *activeActiveStrategy) Execute(_ context.Context, _ Node, peers []Node, preferred string) (Decision, error) {
	for _, p := range peers {
		if p.Status == health.StatusUnhealthy {
			continue
		}
		if preferred != "" && p.ID != preferred {
			continue
		}
		return Decision{TargetID: p.ID, SwapRoles: false}, nil
	}
	if preferred != "" {
		return Decision{}, fmt.Errorf("target %q is not a healthy peer", preferred)
	}
	return Decision{}, fmt.Errorf("no healthy peer left to absorb traffic")
}
