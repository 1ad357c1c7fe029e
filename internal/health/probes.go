package health

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"runtime"
	"strings"
	"time"

	"github.com/prometheus/procfs"
)

// Prober executes one probe attempt for a check. Implementations classify the
// outcome but never decide transitions; hysteresis lives in the checker.
type Prober interface {
	Probe(ctx context.Context, cfg CheckConfig) (Status, string, map[string]interface{})
}

// proberFor returns the built-in prober for a check type. Config validation
// has already rejected unknown types.
func proberFor(t CheckType) Prober {
	switch t {
	case CheckHTTP:
		return &httpProber{client: &http.Client{}}
	case CheckTCP, CheckDB, CheckCache:
		return &tcpProber{}
	case CheckDisk:
		return &diskProber{}
	case CheckMemory:
		return &memoryProber{}
	case CheckCPU:
		return &cpuProber{}
	default:
		return &customProber{}
	}
}

// httpProber fetches the target and matches status and body expectations,
// retrying a bounded number of times with a fixed delay.
type httpProber struct {
	client *http.Client
}

func (p *httpProber) Probe(ctx context.Context, cfg CheckConfig) (Status, string, map[string]interface{}) {
	var lastErr error
	attempts := cfg.Retries + 1

	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return StatusUnhealthy, "probe cancelled", nil
			case <-time.After(cfg.RetryDelay):
			}
		}

		status, msg, details, err := p.probeOnce(ctx, cfg)
		if err == nil {
			details["attempts"] = attempt + 1
			return status, msg, details
		}
		lastErr = err
	}

	return StatusUnhealthy, fmt.Sprintf("http probe failed: %v", lastErr),
		map[string]interface{}{"attempts": attempts}
}

func (p *httpProber) probeOnce(ctx context.Context, cfg CheckConfig) (Status, string, map[string]interface{}, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, cfg.Target, nil)
	if err != nil {
		return StatusUnhealthy, "", nil, err
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return StatusUnhealthy, "", nil, err
	}
	defer func() { _ = resp.Body.Close() }()

	details := map[string]interface{}{"status_code": resp.StatusCode}

	expectStatus := cfg.ExpectStatus
	if expectStatus == 0 {
		if resp.StatusCode >= 400 {
			return StatusUnhealthy, "", details,
				fmt.Errorf("unexpected status %d", resp.StatusCode)
		}
	} else if resp.StatusCode != expectStatus {
		return StatusUnhealthy, "", details,
			fmt.Errorf("expected status %d, got %d", expectStatus, resp.StatusCode)
	}

	if cfg.ExpectBody != "" {
		body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
		if err != nil {
			return StatusUnhealthy, "", details, err
		}
		if !strings.Contains(string(body), cfg.ExpectBody) {
			return StatusUnhealthy, "", details,
				fmt.Errorf("response body missing %q", cfg.ExpectBody)
		}
	}

	return StatusHealthy, "ok", details, nil
}

// tcpProber verifies the target accepts connections. It also backs the db and
// cache check types, which only assert reachability at this layer.
type tcpProber struct{}

func (p *tcpProber) Probe(ctx context.Context, cfg CheckConfig) (Status, string, map[string]interface{}) {
	d := net.Dialer{}
	conn, err := d.DialContext(ctx, "tcp", cfg.Target)
	if err != nil {
		return StatusUnhealthy, fmt.Sprintf("connect failed: %v", err), nil
	}
	_ = conn.Close()
	return StatusHealthy, "ok", nil
}

// resourceStatus classifies a utilization fraction against the two-level
// thresholds shared by the resource probes.
func resourceStatus(used, warning, critical float64) (Status, string) {
	switch {
	case used >= critical:
		return StatusUnhealthy, fmt.Sprintf("utilization %.1f%% above critical threshold %.1f%%",
			used*100, critical*100)
	case used >= warning:
		return StatusDegraded, fmt.Sprintf("utilization %.1f%% above warning threshold %.1f%%",
			used*100, warning*100)
	default:
		return StatusHealthy, fmt.Sprintf("utilization %.1f%%", used*100)
	}
}

// memoryProber reads system memory pressure from procfs.
type memoryProber struct{}

func (p *memoryProber) Probe(_ context.Context, cfg CheckConfig) (Status, string, map[string]interface{}) {
	fs, err := procfs.NewDefaultFS()
	if err != nil {
		return StatusUnknown, fmt.Sprintf("procfs unavailable: %v", err), nil
	}
	mi, err := fs.Meminfo()
	if err != nil {
		return StatusUnknown, fmt.Sprintf("read meminfo: %v", err), nil
	}
	if mi.MemTotal == nil || mi.MemAvailable == nil || *mi.MemTotal == 0 {
		return StatusUnknown, "meminfo incomplete", nil
	}

	used := 1 - float64(*mi.MemAvailable)/float64(*mi.MemTotal)
	status, msg := resourceStatus(used, cfg.WarningThreshold, cfg.CriticalThreshold)
	return status, msg, map[string]interface{}{
		"total_kb":     *mi.MemTotal,
		"available_kb": *mi.MemAvailable,
		"used_percent": used * 100,
	}
}

// cpuProber compares the one-minute load average against the core count.
type cpuProber struct{}

func (p *cpuProber) Probe(_ context.Context, cfg CheckConfig) (Status, string, map[string]interface{}) {
	fs, err := procfs.NewDefaultFS()
	if err != nil {
		return StatusUnknown, fmt.Sprintf("procfs unavailable: %v", err), nil
	}
	load, err := fs.LoadAvg()
	if err != nil {
		return StatusUnknown, fmt.Sprintf("read loadavg: %v", err), nil
	}

	cores := float64(runtime.NumCPU())
	used := load.Load1 / cores
	status, msg := resourceStatus(used, cfg.WarningThreshold, cfg.CriticalThreshold)
	return status, msg, map[string]interface{}{
		"load1":        load.Load1,
		"load5":        load.Load5,
		"cores":        cores,
		"used_percent": used * 100,
	}
}

// customProber runs a caller-supplied probe function.
type customProber struct{}

func (p *customProber) Probe(_ context.Context, cfg CheckConfig) (Status, string, map[string]interface{}) {
	if err := cfg.Probe(); err != nil {
		return StatusUnhealthy, err.Error(), nil
	}
	return StatusHealthy, "ok", nil
}
