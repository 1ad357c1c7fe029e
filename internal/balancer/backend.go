// Package balancer owns the backend registry and routes requests across it
// under a pluggable selection strategy, feeding health-check output back into
// availability decisions.
package balancer

import (
	"fmt"
	"time"
)

// BackendStatus is the routing state of a backend.
type BackendStatus string

const (
	StatusHealthy     BackendStatus = "healthy"
	StatusUnhealthy   BackendStatus = "unhealthy"
	StatusDraining    BackendStatus = "draining"
	StatusMaintenance BackendStatus = "maintenance"
)

// responseTimeAlpha is the smoothing factor of the response-time moving
// average: new = alpha*sample + (1-alpha)*old.
const responseTimeAlpha = 0.3

// Backend is one application server the balancer can route to. All mutation
// happens inside the LoadBalancer under its lock; callers only ever see
// copies.
type Backend struct {
	ID                 string        `json:"id"`
	Host               string        `json:"host"`
	Port               int           `json:"port"`
	Weight             int           `json:"weight"`
	MaxConnections     int           `json:"max_connections"`
	CurrentConnections int           `json:"current_connections"`
	Status             BackendStatus `json:"status"`
	ResponseTime       time.Duration `json:"response_time"`
	SuccessRate        float64       `json:"success_rate"`
	TotalRequests      int64         `json:"total_requests"`
	FailedRequests     int64         `json:"failed_requests"`
	AddedAt            time.Time     `json:"added_at"`
}

// Address returns host:port.
func (b *Backend) Address() string {
	return fmt.Sprintf("%s:%d", b.Host, b.Port)
}

// IsAvailable reports whether the backend may receive traffic: healthy and
// below its connection cap.
func (b *Backend) IsAvailable() bool {
	return b.Status == StatusHealthy &&
		(b.MaxConnections <= 0 || b.CurrentConnections < b.MaxConnections)
}

// recordResult folds one completed request into the backend's counters and
// response-time average.
func (b *Backend) recordResult(elapsed time.Duration, success bool) {
	b.TotalRequests++
	if !success {
		b.FailedRequests++
	}
	if b.ResponseTime == 0 {
		b.ResponseTime = elapsed
	} else {
		b.ResponseTime = time.Duration(
			responseTimeAlpha*float64(elapsed) + (1-responseTimeAlpha)*float64(b.ResponseTime))
	}
	b.SuccessRate = float64(b.TotalRequests-b.FailedRequests) / float64(b.TotalRequests)
}

// Statistics is the balancer snapshot served to dashboards.
type Statistics struct {
	Strategy          string    `json:"strategy"`
	TotalBackends     int       `json:"total_backends"`
	AvailableBackends int       `json:"available_backends"`
	TotalRequests     int64     `json:"total_requests"`
	FailedRequests    int64     `json:"failed_requests"`
	ActiveSessions    int       `json:"active_sessions"`
	Backends          []Backend `json:"backends"`
}
