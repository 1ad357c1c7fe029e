package balancer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/FairForge/helmsman/internal/metrics"
)

// ErrNoBackendAvailable is returned when the available set is empty. Callers
// surface it as service-unavailable rather than retrying forever.
var ErrNoBackendAvailable = errors.New("no backend available")

// Response is the outcome of one dispatched request.
type Response struct {
	StatusCode int           `json:"status_code"`
	Body       []byte        `json:"-"`
	Backend    string        `json:"backend"`
	Duration   time.Duration `json:"duration"`
	Attempts   int           `json:"attempts"`
}

// Dispatcher sends a request to a chosen backend. The default implementation
// speaks HTTP; tests inject fakes.
type Dispatcher func(ctx context.Context, backend Backend, method, path string) (*Response, error)

// Config tunes the load balancer.
type Config struct {
	Strategy        string        `yaml:"strategy"`
	MaxRetries      int           `yaml:"max_retries"`
	RetryDelay      time.Duration `yaml:"retry_delay"`
	AffinityEnabled bool          `yaml:"affinity_enabled"`
	AffinityTTL     time.Duration `yaml:"affinity_ttl"`

	Dispatcher Dispatcher `yaml:"-"`
}

func (c *Config) applyDefaults() {
	if c.MaxRetries < 0 {
		c.MaxRetries = 0
	}
	if c.RetryDelay <= 0 {
		c.RetryDelay = 100 * time.Millisecond
	}
	if c.AffinityTTL <= 0 {
		c.AffinityTTL = 30 * time.Minute
	}
	if c.Dispatcher == nil {
		c.Dispatcher = httpDispatcher(&http.Client{Timeout: 30 * time.Second})
	}
}

type affinityEntry struct {
	backendID string
	expiresAt time.Time
}

// LoadBalancer owns the backend registry, connection accounting, and session
// affinity. All registry mutation happens under one lock; other components
// read through accessor methods only.
type LoadBalancer struct {
	mu       sync.RWMutex
	logger   *zap.Logger
	metrics  *metrics.Metrics
	cfg      Config
	strategy SelectionStrategy

	backends map[string]*Backend
	order    []string // registration order, drives round-robin determinism

	sessions map[string]affinityEntry

	totalRequests  int64
	failedRequests int64

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// New constructs a load balancer. Unknown strategy names fail here, before
// any traffic flows.
func New(cfg Config, m *metrics.Metrics, logger *zap.Logger) (*LoadBalancer, error) {
	cfg.applyDefaults()
	strategy, err := NewStrategy(cfg.Strategy)
	if err != nil {
		return nil, err
	}

	return &LoadBalancer{
		logger:   logger,
		metrics:  m,
		cfg:      cfg,
		strategy: strategy,
		backends: make(map[string]*Backend),
		sessions: make(map[string]affinityEntry),
		stopCh:   make(chan struct{}),
	}, nil
}

// Start launches the session-affinity sweeper.
func (lb *LoadBalancer) Start() {
	if !lb.cfg.AffinityEnabled {
		return
	}
	lb.wg.Add(1)
	go lb.affinityGC()
}

// Stop cancels the sweeper and waits for it.
func (lb *LoadBalancer) Stop() {
	close(lb.stopCh)
	lb.wg.Wait()
}

func (lb *LoadBalancer) affinityGC() {
	defer lb.wg.Done()
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-lb.stopCh:
			return
		case <-ticker.C:
			now := time.Now()
			lb.mu.Lock()
			for sid, e := range lb.sessions {
				if now.After(e.expiresAt) {
					delete(lb.sessions, sid)
				}
			}
			lb.mu.Unlock()
		}
	}
}

// AddBackend registers a backend. Weight defaults to 1; duplicate ids are
// rejected.
func (lb *LoadBalancer) AddBackend(b Backend) error {
	if b.ID == "" {
		return fmt.Errorf("backend requires an id")
	}
	if b.Weight < 1 {
		b.Weight = 1
	}
	if b.Status == "" {
		b.Status = StatusHealthy
	}
	b.AddedAt = time.Now()

	lb.mu.Lock()
	defer lb.mu.Unlock()
	if _, exists := lb.backends[b.ID]; exists {
		return fmt.Errorf("backend %q already registered", b.ID)
	}
	lb.backends[b.ID] = &b
	lb.order = append(lb.order, b.ID)
	lb.updateGaugeLocked()

	lb.logger.Info("backend added",
		zap.String("backend", b.ID),
		zap.String("address", b.Address()),
		zap.Int("weight", b.Weight))
	return nil
}

// RemoveBackend deletes a backend and its affinity pins.
func (lb *LoadBalancer) RemoveBackend(id string) bool {
	lb.mu.Lock()
	defer lb.mu.Unlock()
	if _, exists := lb.backends[id]; !exists {
		return false
	}
	delete(lb.backends, id)
	for i, oid := range lb.order {
		if oid == id {
			lb.order = append(lb.order[:i], lb.order[i+1:]...)
			break
		}
	}
	for sid, e := range lb.sessions {
		if e.backendID == id {
			delete(lb.sessions, sid)
		}
	}
	lb.updateGaugeLocked()
	lb.logger.Info("backend removed", zap.String("backend", id))
	return true
}

// SetStatus moves a backend between routing states.
func (lb *LoadBalancer) SetStatus(id string, status BackendStatus) bool {
	switch status {
	case StatusHealthy, StatusUnhealthy, StatusDraining, StatusMaintenance:
	default:
		return false
	}

	lb.mu.Lock()
	defer lb.mu.Unlock()
	b, exists := lb.backends[id]
	if !exists {
		return false
	}
	if b.Status != status {
		lb.logger.Info("backend status changed",
			zap.String("backend", id),
			zap.String("from", string(b.Status)),
			zap.String("to", string(status)))
	}
	b.Status = status
	lb.updateGaugeLocked()
	return true
}

// UpdateWeight changes a backend's selection weight. Weights below 1 are
// rejected.
func (lb *LoadBalancer) UpdateWeight(id string, weight int) bool {
	if weight < 1 {
		return false
	}
	lb.mu.Lock()
	defer lb.mu.Unlock()
	b, exists := lb.backends[id]
	if !exists {
		return false
	}
	b.Weight = weight
	return true
}

// ObserveHealth folds a health-check transition into routing state. Operator
// states (draining, maintenance) are never overridden by probes.
func (lb *LoadBalancer) ObserveHealth(id string, healthy bool) {
	lb.mu.Lock()
	defer lb.mu.Unlock()
	b, exists := lb.backends[id]
	if !exists {
		return
	}
	if b.Status == StatusDraining || b.Status == StatusMaintenance {
		return
	}
	next := StatusUnhealthy
	if healthy {
		next = StatusHealthy
	}
	if b.Status != next {
		lb.logger.Info("backend health transition",
			zap.String("backend", id),
			zap.String("to", string(next)))
	}
	b.Status = next
	lb.updateGaugeLocked()
}

// availableLocked returns available backends in registration order.
func (lb *LoadBalancer) availableLocked() []*Backend {
	out := make([]*Backend, 0, len(lb.order))
	for _, id := range lb.order {
		if b := lb.backends[id]; b != nil && b.IsAvailable() {
			out = append(out, b)
		}
	}
	return out
}

func (lb *LoadBalancer) updateGaugeLocked() {
	lb.metrics.AvailableBackends.Set(float64(len(lb.availableLocked())))
}

// SelectBackend picks a backend for the request and returns a copy. Affinity
// pins take precedence over the strategy when enabled and still valid.
func (lb *LoadBalancer) SelectBackend(_ context.Context, req RequestContext) (*Backend, error) {
	lb.mu.Lock()
	defer lb.mu.Unlock()
	b, err := lb.selectLocked(req)
	if err != nil {
		return nil, err
	}
	copy := *b
	return &copy, nil
}

func (lb *LoadBalancer) selectLocked(req RequestContext) (*Backend, error) {
	available := lb.availableLocked()
	if len(available) == 0 {
		return nil, ErrNoBackendAvailable
	}

	if lb.cfg.AffinityEnabled && req.SessionID != "" {
		if e, ok := lb.sessions[req.SessionID]; ok && time.Now().Before(e.expiresAt) {
			if b := lb.backends[e.backendID]; b != nil && b.IsAvailable() {
				return b, nil
			}
		}
	}

	b := lb.strategy.Select(available, req)
	lb.metrics.SelectionsTotal.WithLabelValues(lb.strategy.Name()).Inc()

	if lb.cfg.AffinityEnabled && req.SessionID != "" {
		lb.sessions[req.SessionID] = affinityEntry{
			backendID: b.ID,
			expiresAt: time.Now().Add(lb.cfg.AffinityTTL),
		}
	}
	return b, nil
}

// Execute selects a backend and dispatches the request, retrying a bounded
// number of times with a fixed delay. Connection accounting and stats update
// on every attempt regardless of outcome.
func (lb *LoadBalancer) Execute(ctx context.Context, method, path string, req RequestContext) (*Response, error) {
	var lastErr error

	attempts := lb.cfg.MaxRetries + 1
	for attempt := 1; attempt <= attempts; attempt++ {
		if attempt > 1 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(lb.cfg.RetryDelay):
			}
		}

		resp, err := lb.executeOnce(ctx, method, path, req)
		if err == nil {
			resp.Attempts = attempt
			return resp, nil
		}
		if errors.Is(err, ErrNoBackendAvailable) {
			return nil, err
		}
		lastErr = err
		lb.logger.Warn("request attempt failed",
			zap.String("method", method),
			zap.String("path", path),
			zap.Int("attempt", attempt),
			zap.Error(err))
	}

	return nil, fmt.Errorf("request failed after %d attempts: %w", attempts, lastErr)
}

func (lb *LoadBalancer) executeOnce(ctx context.Context, method, path string, req RequestContext) (*Response, error) {
	lb.mu.Lock()
	b, err := lb.selectLocked(req)
	if err != nil {
		lb.mu.Unlock()
		return nil, err
	}
	id := b.ID
	snapshot := *b
	b.CurrentConnections++
	lb.totalRequests++
	lb.updateGaugeLocked()
	lb.mu.Unlock()

	start := time.Now()
	resp, dispatchErr := lb.cfg.Dispatcher(ctx, snapshot, method, path)
	elapsed := time.Since(start)

	success := dispatchErr == nil && resp != nil && resp.StatusCode < 500

	// Cleanup and stats run regardless of dispatch outcome.
	lb.mu.Lock()
	if b, exists := lb.backends[id]; exists {
		b.CurrentConnections--
		b.recordResult(elapsed, success)
		lb.updateGaugeLocked()
	}
	if !success {
		lb.failedRequests++
	}
	lb.mu.Unlock()

	outcome := "success"
	if !success {
		outcome = "failure"
	}
	lb.metrics.RequestsTotal.WithLabelValues(id, outcome).Inc()
	lb.metrics.RequestDuration.WithLabelValues(id).Observe(elapsed.Seconds())

	if dispatchErr != nil {
		return nil, fmt.Errorf("dispatch to %s: %w", id, dispatchErr)
	}
	if !success {
		return nil, fmt.Errorf("backend %s returned status %d", id, resp.StatusCode)
	}

	resp.Backend = id
	resp.Duration = elapsed
	return resp, nil
}

// Backends returns a snapshot of every backend in registration order.
func (lb *LoadBalancer) Backends() []Backend {
	lb.mu.RLock()
	defer lb.mu.RUnlock()
	out := make([]Backend, 0, len(lb.order))
	for _, id := range lb.order {
		if b := lb.backends[id]; b != nil {
			out = append(out, *b)
		}
	}
	return out
}

// Backend returns a snapshot of one backend.
func (lb *LoadBalancer) Backend(id string) (Backend, bool) {
	lb.mu.RLock()
	defer lb.mu.RUnlock()
	b, ok := lb.backends[id]
	if !ok {
		return Backend{}, false
	}
	return *b, true
}

// Statistics snapshots the balancer for the status surface.
func (lb *LoadBalancer) Statistics() Statistics {
	lb.mu.RLock()
	defer lb.mu.RUnlock()

	stats := Statistics{
		Strategy:       lb.strategy.Name(),
		TotalBackends:  len(lb.backends),
		TotalRequests:  lb.totalRequests,
		FailedRequests: lb.failedRequests,
		ActiveSessions: len(lb.sessions),
		Backends:       make([]Backend, 0, len(lb.order)),
	}
	for _, id := range lb.order {
		b := lb.backends[id]
		if b == nil {
			continue
		}
		if b.IsAvailable() {
			stats.AvailableBackends++
		}
		stats.Backends = append(stats.Backends, *b)
	}
	return stats
}

// httpDispatcher builds the production Dispatcher on an HTTP client.
func httpDispatcher(client *http.Client) Dispatcher {
	return func(ctx context.Context, backend Backend, method, path string) (*Response, error) {
		url := fmt.Sprintf("http://%s%s", backend.Address(), path)
		httpReq, err := http.NewRequestWithContext(ctx, method, url, nil)
		if err != nil {
			return nil, err
		}
		resp, err := client.Do(httpReq)
		if err != nil {
			return nil, err
		}
		defer func() { _ = resp.Body.Close() }()

		body, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
		if err != nil {
			return nil, err
		}
		return &Response{StatusCode: resp.StatusCode, Body: body}, nil
	}
}
