// cmd/helmsman/reload.go
package main

import (
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/FairForge/helmsman/internal/balancer"
	"github.com/FairForge/helmsman/internal/config"
	"github.com/FairForge/helmsman/internal/health"
	"github.com/FairForge/helmsman/internal/metrics"
)

// runtimeBindings applies configuration to the running components and keeps
// doing so across file reloads: backend weights, health check definitions,
// and the check-to-backend bindings that feed probe results into routing.
type runtimeBindings struct {
	mu      sync.Mutex
	logger  *zap.Logger
	metrics *metrics.Metrics
	lb      *balancer.LoadBalancer
	checker *health.Checker

	backendByCheck map[string]string             // check name -> backend id
	checkIDs       map[string]string             // check name -> checker id
	checkCfgs      map[string]config.CheckConfig // last applied definition
}

func newRuntimeBindings(lb *balancer.LoadBalancer, checker *health.Checker,
	m *metrics.Metrics, logger *zap.Logger) *runtimeBindings {
	return &runtimeBindings{
		logger:         logger,
		metrics:        m,
		lb:             lb,
		checker:        checker,
		backendByCheck: make(map[string]string),
		checkIDs:       make(map[string]string),
		checkCfgs:      make(map[string]config.CheckConfig),
	}
}

// apply reconciles the running components with cfg. Checks whose definition
// changed are replaced, checks dropped from the file are removed, and
// backend weights are updated in place. The first error is returned after
// the full pass.
func (rb *runtimeBindings) apply(cfg *config.Config) error {
	rb.mu.Lock()
	defer rb.mu.Unlock()

	var firstErr error

	rebound := make(map[string]string, len(cfg.Balancer.Backends))
	for _, b := range cfg.Balancer.Backends {
		if b.Weight > 0 {
			rb.lb.UpdateWeight(b.ID, b.Weight)
		}
		if b.HealthCheck != "" {
			rebound[b.HealthCheck] = b.ID
		}
	}
	rb.backendByCheck = rebound

	seen := make(map[string]bool, len(cfg.Health.Checks))
	for _, c := range cfg.Health.Checks {
		seen[c.Name] = true
		prev, known := rb.checkCfgs[c.Name]
		if known && prev == c {
			continue
		}
		if known {
			rb.checker.RemoveCheck(rb.checkIDs[c.Name])
		}
		id, err := rb.checker.AddCheck(toCheckConfig(c))
		if err != nil {
			if firstErr == nil {
				firstErr = fmt.Errorf("health check %q: %w", c.Name, err)
			}
			rb.logger.Warn("health check rejected",
				zap.String("check", c.Name), zap.Error(err))
			delete(rb.checkIDs, c.Name)
			delete(rb.checkCfgs, c.Name)
			continue
		}
		rb.checkIDs[c.Name] = id
		rb.checkCfgs[c.Name] = c
	}

	for name := range rb.checkCfgs {
		if !seen[name] {
			rb.checker.RemoveCheck(rb.checkIDs[name])
			delete(rb.checkIDs, name)
			delete(rb.checkCfgs, name)
		}
	}

	return firstErr
}

// observeHealth folds one check result into metrics and, when the check is
// bound to a backend, into routing state.
func (rb *runtimeBindings) observeHealth(r health.Result) {
	rb.metrics.HealthStatus.WithLabelValues(r.Name).Set(healthGaugeValue(r.Status))

	rb.mu.Lock()
	id, bound := rb.backendByCheck[r.Name]
	rb.mu.Unlock()
	if bound {
		rb.lb.ObserveHealth(id, r.Status == health.StatusHealthy)
	}
}

func toCheckConfig(c config.CheckConfig) health.CheckConfig {
	return health.CheckConfig{
		Name:              c.Name,
		Type:              health.CheckType(c.Type),
		Target:            c.Target,
		Interval:          c.Interval,
		Timeout:           c.Timeout,
		Retries:           c.Retries,
		FailureThreshold:  c.FailureThreshold,
		SuccessThreshold:  c.SuccessThreshold,
		ExpectStatus:      c.ExpectStatus,
		ExpectBody:        c.ExpectBody,
		WarningThreshold:  c.WarningThreshold,
		CriticalThreshold: c.CriticalThreshold,
	}
}

func healthGaugeValue(s health.Status) float64 {
	switch s {
	case health.StatusHealthy:
		return 1
	case health.StatusDegraded:
		return 2
	case health.StatusUnhealthy:
		return 3
	default:
		return 0
	}
}
