// Package health runs periodic probes against backends and local resources
// and derives per-check and overall status with flap suppression.
package health

import (
	"fmt"
	"time"
)

// Status represents the outcome of a health check.
type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusDegraded  Status = "degraded"
	StatusUnhealthy Status = "unhealthy"
	StatusUnknown   Status = "unknown"
)

// severity orders statuses for worst-of aggregation.
func (s Status) severity() int {
	switch s {
	case StatusUnhealthy:
		return 3
	case StatusDegraded:
		return 2
	case StatusHealthy:
		return 1
	default:
		return 0
	}
}

// CheckType selects the probe implementation for a check.
type CheckType string

const (
	CheckHTTP   CheckType = "http"
	CheckTCP    CheckType = "tcp"
	CheckDB     CheckType = "db"
	CheckCache  CheckType = "cache"
	CheckDisk   CheckType = "disk"
	CheckMemory CheckType = "memory"
	CheckCPU    CheckType = "cpu"
	CheckCustom CheckType = "custom"
)

// CheckConfig describes one health check.
type CheckConfig struct {
	Name    string        `yaml:"name" json:"name"`
	Type    CheckType     `yaml:"type" json:"type"`
	Target  string        `yaml:"target" json:"target"`
	Interval time.Duration `yaml:"interval" json:"interval"`
	Timeout  time.Duration `yaml:"timeout" json:"timeout"`

	// Retries is the number of in-probe retry attempts before the probe
	// reports failure; RetryDelay separates the attempts.
	Retries    int           `yaml:"retries" json:"retries"`
	RetryDelay time.Duration `yaml:"retry_delay" json:"retry_delay"`

	// FailureThreshold consecutive failed probes flip a check unhealthy;
	// SuccessThreshold consecutive healthy probes flip it back.
	FailureThreshold int `yaml:"failure_threshold" json:"failure_threshold"`
	SuccessThreshold int `yaml:"success_threshold" json:"success_threshold"`

	// HTTP probe expectations.
	ExpectStatus int    `yaml:"expect_status" json:"expect_status,omitempty"`
	ExpectBody   string `yaml:"expect_body" json:"expect_body,omitempty"`

	// Resource probe thresholds, as fractions in (0,1]. Warning produces
	// degraded, critical produces unhealthy.
	WarningThreshold  float64 `yaml:"warning_threshold" json:"warning_threshold,omitempty"`
	CriticalThreshold float64 `yaml:"critical_threshold" json:"critical_threshold,omitempty"`

	// Probe for custom checks.
	Probe func() error `yaml:"-" json:"-"`
}

// applyDefaults fills the zero-valued knobs.
func (c *CheckConfig) applyDefaults() {
	if c.Interval <= 0 {
		c.Interval = 30 * time.Second
	}
	if c.Timeout <= 0 {
		c.Timeout = 5 * time.Second
	}
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = 3
	}
	if c.SuccessThreshold <= 0 {
		c.SuccessThreshold = 2
	}
	if c.RetryDelay <= 0 {
		c.RetryDelay = time.Second
	}
	if c.WarningThreshold <= 0 {
		c.WarningThreshold = 0.80
	}
	if c.CriticalThreshold <= 0 {
		c.CriticalThreshold = 0.95
	}
}

// validate fails fast on malformed configs, before any loop starts.
func (c *CheckConfig) validate() error {
	if c.Name == "" {
		return fmt.Errorf("health check requires a name")
	}
	switch c.Type {
	case CheckHTTP, CheckTCP, CheckDB, CheckCache:
		if c.Target == "" {
			return fmt.Errorf("health check %q: type %s requires a target", c.Name, c.Type)
		}
	case CheckDisk:
		if c.Target == "" {
			return fmt.Errorf("health check %q: disk check requires a mount path target", c.Name)
		}
	case CheckMemory, CheckCPU:
		// no target
	case CheckCustom:
		if c.Probe == nil {
			return fmt.Errorf("health check %q: custom check requires a probe function", c.Name)
		}
	default:
		return fmt.Errorf("health check %q: unknown check type %q", c.Name, c.Type)
	}
	if c.WarningThreshold > c.CriticalThreshold {
		return fmt.Errorf("health check %q: warning threshold above critical", c.Name)
	}
	return nil
}

// Result is the current state of one check.
type Result struct {
	CheckID              string                 `json:"check_id"`
	Name                 string                 `json:"name"`
	Type                 CheckType              `json:"type"`
	Status               Status                 `json:"status"`
	Message              string                 `json:"message,omitempty"`
	ResponseTime         time.Duration          `json:"response_time"`
	ConsecutiveFailures  int                    `json:"consecutive_failures"`
	ConsecutiveSuccesses int                    `json:"consecutive_successes"`
	LastSuccess          time.Time              `json:"last_success,omitempty"`
	CheckedAt            time.Time              `json:"checked_at"`
	Details              map[string]interface{} `json:"details,omitempty"`
}

// Summary aggregates results for the status surface.
type Summary struct {
	Overall     Status         `json:"overall"`
	Counts      map[Status]int `json:"counts"`
	HealthScore float64        `json:"health_score"`
	Checks      int            `json:"checks"`
}
