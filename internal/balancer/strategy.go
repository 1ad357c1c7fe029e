package balancer

import (
	"fmt"
	"hash/fnv"
	"math/rand"
	"sync"
)

// RequestContext carries the per-request attributes strategies may key on.
type RequestContext struct {
	ClientIP  string
	SessionID string
	Path      string
}

// SelectionStrategy picks one backend from the available set. The balancer
// filters for availability before calling Select; implementations never see
// unhealthy or saturated backends.
type SelectionStrategy interface {
	Name() string
	Select(available []*Backend, req RequestContext) *Backend
}

// NewStrategy resolves a strategy by configuration name. Unknown names fail
// at construction time.
func NewStrategy(name string) (SelectionStrategy, error) {
	switch name {
	case "round_robin", "":
		return &roundRobinStrategy{}, nil
	case "weighted_round_robin":
		return &weightedRoundRobinStrategy{}, nil
	case "least_connections":
		return &leastConnectionsStrategy{}, nil
	case "least_response_time":
		return &leastResponseTimeStrategy{}, nil
	case "ip_hash":
		return &ipHashStrategy{}, nil
	case "url_hash":
		return &urlHashStrategy{}, nil
	case "consistent_hash":
		return &consistentHashStrategy{}, nil
	case "random":
		return &randomStrategy{}, nil
	default:
		return nil, fmt.Errorf("unknown load balancing strategy %q", name)
	}
}

// roundRobinStrategy cycles through the available set. The index advances
// under a mutex so concurrent selections never collapse onto one backend.
type roundRobinStrategy struct {
	mu   sync.Mutex
	next uint64
}

func (s *roundRobinStrategy) Name() string { return "round_robin" }

func (s *roundRobinStrategy) Select(available []*Backend, _ RequestContext) *Backend {
	s.mu.Lock()
	idx := s.next % uint64(len(available))
	s.next++
	s.mu.Unlock()
	return available[idx]
}

// weightedRoundRobinStrategy draws r in [1, sum(weights)] and returns the
// first backend whose cumulative weight reaches r, so selection frequency
// converges to weight proportion.
type weightedRoundRobinStrategy struct{}

func (s *weightedRoundRobinStrategy) Name() string { return "weighted_round_robin" }

func (s *weightedRoundRobinStrategy) Select(available []*Backend, _ RequestContext) *Backend {
	total := 0
	for _, b := range available {
		total += b.Weight
	}
	if total <= 0 {
		return available[rand.Intn(len(available))]
	}
	r := rand.Intn(total) + 1
	cumulative := 0
	for _, b := range available {
		cumulative += b.Weight
		if cumulative >= r {
			return b
		}
	}
	return available[len(available)-1]
}

// leastConnectionsStrategy returns the backend with the fewest active
// connections.
type leastConnectionsStrategy struct{}

func (s *leastConnectionsStrategy) Name() string { return "least_connections" }

func (s *leastConnectionsStrategy) Select(available []*Backend, _ RequestContext) *Backend {
	selected := available[0]
	for _, b := range available[1:] {
		if b.CurrentConnections < selected.CurrentConnections {
			selected = b
		}
	}
	return selected
}

// leastResponseTimeStrategy returns the fastest backend among those with a
// success rate above 0.8, falling back to the global minimum when none
// qualify.
type leastResponseTimeStrategy struct{}

func (s *leastResponseTimeStrategy) Name() string { return "least_response_time" }

func (s *leastResponseTimeStrategy) Select(available []*Backend, _ RequestContext) *Backend {
	var qualified []*Backend
	for _, b := range available {
		if b.SuccessRate > 0.8 {
			qualified = append(qualified, b)
		}
	}
	pool := qualified
	if len(pool) == 0 {
		pool = available
	}
	selected := pool[0]
	for _, b := range pool[1:] {
		if b.ResponseTime < selected.ResponseTime {
			selected = b
		}
	}
	return selected
}

func hashKey(key string) uint64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(key))
	return h.Sum64()
}

// ipHashStrategy pins a client IP to a backend via hash(ip) mod N over the
// current available list. Selection is not stable across membership changes;
// this mirrors the modulo scheme rather than a consistent-hash ring.
type ipHashStrategy struct{}

func (s *ipHashStrategy) Name() string { return "ip_hash" }

func (s *ipHashStrategy) Select(available []*Backend, req RequestContext) *Backend {
	if req.ClientIP == "" {
		return available[rand.Intn(len(available))]
	}
	return available[hashKey(req.ClientIP)%uint64(len(available))]
}

// urlHashStrategy hashes the request path. Same modulo caveat as ip_hash.
type urlHashStrategy struct{}

func (s *urlHashStrategy) Name() string { return "url_hash" }

func (s *urlHashStrategy) Select(available []*Backend, req RequestContext) *Backend {
	if req.Path == "" {
		return available[rand.Intn(len(available))]
	}
	return available[hashKey(req.Path)%uint64(len(available))]
}

// consistentHashStrategy keys on the session id when present, else the client
// IP. Same modulo caveat as ip_hash: backend churn reshuffles mappings.
type consistentHashStrategy struct{}

func (s *consistentHashStrategy) Name() string { return "consistent_hash" }

func (s *consistentHashStrategy) Select(available []*Backend, req RequestContext) *Backend {
	key := req.SessionID
	if key == "" {
		key = req.ClientIP
	}
	if key == "" {
		return available[rand.Intn(len(available))]
	}
	return available[hashKey(key)%uint64(len(available))]
}

// randomStrategy draws uniformly.
type randomStrategy struct{}

func (s *randomStrategy) Name() string { return "random" }

func (s *randomStrategy) Select(available []*Backend, _ RequestContext) *Backend {
	return available[rand.Intn(len(available))]
}
