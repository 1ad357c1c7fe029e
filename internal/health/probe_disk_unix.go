//go:build darwin || linux

package health

import (
	"context"
	"fmt"

	"golang.org/x/sys/unix"
)

// diskProber checks filesystem utilization of the target mount path.
type diskProber struct{}

func (p *diskProber) Probe(_ context.Context, cfg CheckConfig) (Status, string, map[string]interface{}) {
	var stat unix.Statfs_t
	if err := unix.Statfs(cfg.Target, &stat); err != nil {
		return StatusUnhealthy, fmt.Sprintf("statfs %s: %v", cfg.Target, err), nil
	}
	if stat.Blocks == 0 {
		return StatusUnknown, "filesystem reports zero blocks", nil
	}

	used := 1 - float64(stat.Bavail)/float64(stat.Blocks)
	status, msg := resourceStatus(used, cfg.WarningThreshold, cfg.CriticalThreshold)
	return status, msg, map[string]interface{}{
		"path":         cfg.Target,
		"total_blocks": uint64(stat.Blocks),
		"avail_blocks": uint64(stat.Bavail),
		"used_percent": used * 100,
	}
}
