package health

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Subscriber receives a Result whenever a check's status changes. Subscribers
// are not called on every probe, only on transitions.
type Subscriber func(Result)

type check struct {
	id     string
	cfg    CheckConfig
	prober Prober
	result Result
	stopCh chan struct{}
}

// Checker owns one probe loop per registered check. All state is
// process-local; consumers subscribe or poll.
type Checker struct {
	mu          sync.RWMutex
	logger      *zap.Logger
	checks      map[string]*check
	subscribers []Subscriber
	started     bool
	wg          sync.WaitGroup
}

// NewChecker creates a checker. Checks run only after Start.
func NewChecker(logger *zap.Logger) *Checker {
	return &Checker{
		logger: logger,
		checks: make(map[string]*check),
	}
}

// AddCheck validates and registers a check, returning its id. Malformed
// configs are rejected here, before any loop starts. If the checker is
// already running the new check's loop starts immediately.
func (c *Checker) AddCheck(cfg CheckConfig) (string, error) {
	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return "", err
	}

	ch := &check{
		id:     uuid.New().String(),
		cfg:    cfg,
		prober: proberFor(cfg.Type),
		stopCh: make(chan struct{}),
		result: Result{
			Name:   cfg.Name,
			Type:   cfg.Type,
			Status: StatusUnknown,
		},
	}
	ch.result.CheckID = ch.id

	c.mu.Lock()
	c.checks[ch.id] = ch
	running := c.started
	c.mu.Unlock()

	if running {
		c.wg.Add(1)
		go c.runLoop(ch)
	}

	c.logger.Info("health check registered",
		zap.String("check_id", ch.id),
		zap.String("name", cfg.Name),
		zap.String("type", string(cfg.Type)))
	return ch.id, nil
}

// RemoveCheck stops and deletes a check.
func (c *Checker) RemoveCheck(id string) bool {
	c.mu.Lock()
	ch, ok := c.checks[id]
	running := c.started
	if ok {
		delete(c.checks, id)
	}
	c.mu.Unlock()

	if !ok {
		return false
	}
	if running {
		close(ch.stopCh)
	}
	c.logger.Info("health check removed", zap.String("check_id", id))
	return true
}

// Start launches one probe loop per registered check.
func (c *Checker) Start() {
	c.mu.Lock()
	if c.started {
		c.mu.Unlock()
		return
	}
	c.started = true
	checks := make([]*check, 0, len(c.checks))
	for _, ch := range c.checks {
		checks = append(checks, ch)
	}
	c.mu.Unlock()

	for _, ch := range checks {
		c.wg.Add(1)
		go c.runLoop(ch)
	}
	c.logger.Info("health checker started", zap.Int("checks", len(checks)))
}

// Stop cancels all loops and waits for them to exit. A stopped checker is not
// restartable.
func (c *Checker) Stop() {
	c.mu.Lock()
	if !c.started {
		c.mu.Unlock()
		return
	}
	c.started = false
	for _, ch := range c.checks {
		close(ch.stopCh)
	}
	c.mu.Unlock()

	c.wg.Wait()
	c.logger.Info("health checker stopped")
}

// Subscribe registers a status-change listener.
func (c *Checker) Subscribe(fn Subscriber) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.subscribers = append(c.subscribers, fn)
}

func (c *Checker) runLoop(ch *check) {
	defer c.wg.Done()
	for {
		c.runOnce(ch)
		select {
		case <-ch.stopCh:
			return
		case <-time.After(ch.cfg.Interval):
		}
	}
}

// runOnce executes one probe and merges the outcome into the check's result.
// A probe panic counts as a failed probe; the loop always survives.
func (c *Checker) runOnce(ch *check) {
	ctx, cancel := context.WithTimeout(context.Background(), ch.cfg.Timeout)
	defer cancel()

	start := time.Now()
	status, message, details := c.probe(ctx, ch)
	elapsed := time.Since(start)

	c.mu.Lock()
	prev := ch.result.Status
	next := c.mergeLocked(ch, status)

	ch.result.Status = next
	ch.result.Message = message
	ch.result.Details = details
	ch.result.ResponseTime = elapsed
	ch.result.CheckedAt = time.Now()
	notify := next != prev
	result := ch.result
	var subs []Subscriber
	if notify {
		subs = append(subs, c.subscribers...)
	}
	c.mu.Unlock()

	if notify {
		c.logger.Info("health check status changed",
			zap.String("name", ch.cfg.Name),
			zap.String("from", string(prev)),
			zap.String("to", string(next)),
			zap.String("message", message))
		for _, fn := range subs {
			fn(result)
		}
	}
}

func (c *Checker) probe(ctx context.Context, ch *check) (status Status, message string, details map[string]interface{}) {
	defer func() {
		if r := recover(); r != nil {
			status = StatusUnhealthy
			message = fmt.Sprintf("probe panicked: %v", r)
			c.logger.Error("health probe panicked",
				zap.String("name", ch.cfg.Name), zap.Any("panic", r))
		}
	}()
	return ch.prober.Probe(ctx, ch.cfg)
}

// mergeLocked applies the hysteresis rules to one probe outcome and returns
// the check's next status. Consecutive failures reset exactly on a healthy
// probe; an unhealthy check needs SuccessThreshold consecutive healthy probes
// to flip back; a run shorter than FailureThreshold never flips a check
// unhealthy.
func (c *Checker) mergeLocked(ch *check, outcome Status) Status {
	r := &ch.result
	switch outcome {
	case StatusHealthy:
		r.ConsecutiveFailures = 0
		r.ConsecutiveSuccesses++
		r.LastSuccess = time.Now()
		if r.Status == StatusUnhealthy && r.ConsecutiveSuccesses < ch.cfg.SuccessThreshold {
			return StatusUnhealthy
		}
		return StatusHealthy

	case StatusUnhealthy:
		r.ConsecutiveSuccesses = 0
		r.ConsecutiveFailures++
		if r.ConsecutiveFailures >= ch.cfg.FailureThreshold {
			return StatusUnhealthy
		}
		return r.Status

	case StatusDegraded:
		// Threshold breaches are immediate; they are not probe failures.
		r.ConsecutiveSuccesses = 0
		return StatusDegraded

	default:
		return r.Status
	}
}

// Results returns a snapshot of every check's current result, ordered by name.
func (c *Checker) Results() []Result {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]Result, 0, len(c.checks))
	for _, ch := range c.checks {
		out = append(out, ch.result)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Result returns the current result for one check.
func (c *Checker) Result(id string) (Result, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	ch, ok := c.checks[id]
	if !ok {
		return Result{}, false
	}
	return ch.result, true
}

// OverallStatus aggregates worst-of across all checks. Unknown means no check
// has produced a meaningful result yet.
func (c *Checker) OverallStatus() Status {
	c.mu.RLock()
	defer c.mu.RUnlock()
	worst := StatusUnknown
	for _, ch := range c.checks {
		if ch.result.Status.severity() > worst.severity() {
			worst = ch.result.Status
		}
	}
	return worst
}

// Summary reports counts by status and the healthy fraction.
func (c *Checker) Summary() Summary {
	c.mu.RLock()
	defer c.mu.RUnlock()

	s := Summary{
		Overall: StatusUnknown,
		Counts:  make(map[Status]int),
		Checks:  len(c.checks),
	}
	for _, ch := range c.checks {
		s.Counts[ch.result.Status]++
		if ch.result.Status.severity() > s.Overall.severity() {
			s.Overall = ch.result.Status
		}
	}
	if s.Checks > 0 {
		s.HealthScore = float64(s.Counts[StatusHealthy]) / float64(s.Checks)
	}
	return s
}
