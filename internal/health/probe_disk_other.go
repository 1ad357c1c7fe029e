//go:build !darwin && !linux

package health

import "context"

// diskProber has no statfs support on this platform.
type diskProber struct{}

func (p *diskProber) Probe(_ context.Context, cfg CheckConfig) (Status, string, map[string]interface{}) {
	return StatusUnknown, "disk checks unsupported on this platform", nil
}
