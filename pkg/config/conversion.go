package config

import (
	"time"

	"github.com/conveyorci/conveyor/pkg/domain"
)

// IsolationLevel converts the configured level to its domain value.
func (c *SandboxConfig) Isolation() domain.IsolationLevel {
	level, err := domain.ParseIsolationLevel(c.IsolationLevel)
	if err != nil {
		return domain.IsolationLogical
	}
	return level
}

// Policy materializes the configured preset and overlays the file and
// network access lists on top of it.
func (c *SandboxConfig) Policy() domain.SecurityPolicy {
	var policy domain.SecurityPolicy
	switch c.SecurityPolicy {
	case "RESTRICTED":
		policy = domain.RestrictedPolicy()
	case "PERMISSIVE":
		policy = domain.PermissivePolicy()
	case "STRICT":
		policy = domain.StrictPolicy()
	default:
		policy = domain.DefaultPolicy()
	}

	if len(c.FileAccess.AllowedPaths) > 0 {
		policy.AllowedPaths = c.FileAccess.AllowedPaths
	}
	if len(c.FileAccess.BlockedPaths) > 0 {
		policy.BlockedPaths = c.FileAccess.BlockedPaths
	}
	if len(c.FileAccess.ReadOnlyPaths) > 0 {
		policy.ReadOnlyPaths = c.FileAccess.ReadOnlyPaths
	}

	policy.AllowNetworkAccess = c.NetworkAccess.AllowOutbound
	if len(c.NetworkAccess.AllowedHosts) > 0 {
		policy.AllowedHosts = c.NetworkAccess.AllowedHosts
		policy.AllowNetworkAccess = true
	}
	if len(c.NetworkAccess.AllowedPorts) > 0 {
		policy.AllowedPorts = c.NetworkAccess.AllowedPorts
	}
	if len(c.NetworkAccess.BlockedIPs) > 0 {
		policy.BlockedIPs = c.NetworkAccess.BlockedIPs
	}

	if !c.Monitoring.EnableSecurityViolationDetection {
		policy.SandboxEnabled = false
	}
	return policy
}

// Limits converts the configured resource limits to their domain value.
func (c *SandboxConfig) Limits() domain.ResourceLimits {
	return domain.ResourceLimits{
		MaxMemoryBytes:     c.ResourceLimits.MaxMemoryMB << 20,
		MaxCPUTime:         time.Duration(c.ResourceLimits.MaxCPUTimeMs) * time.Millisecond,
		MaxWallTime:        time.Duration(c.ResourceLimits.MaxWallTimeMs) * time.Millisecond,
		MaxThreads:         int(c.ResourceLimits.MaxThreads),
		MaxFileDescriptors: int(c.ResourceLimits.MaxFileDescriptors),
	}
}

// Spec assembles the full sandbox spec for one bounded unit.
func (c *SandboxConfig) Spec() domain.SandboxSpec {
	return domain.SandboxSpec{
		Isolation: c.Isolation(),
		Policy:    c.Policy(),
		Limits:    c.Limits(),
	}
}

// ExecutionContext builds the default execution context applied to every
// pipeline run: the same boundary for compile and execute.
func (c *SandboxConfig) ExecutionContext() domain.ExecutionContext {
	spec := c.Spec()
	return domain.ExecutionContext{
		Compile: spec,
		Execute: spec,
	}
}

// SampleInterval converts the monitor sampling cadence.
func (c *MonitoringConfig) SampleInterval() time.Duration {
	if c.SampleIntervalMs <= 0 {
		return 50 * time.Millisecond
	}
	return time.Duration(c.SampleIntervalMs) * time.Millisecond
}

// Cooldown converts the violation budget window.
func (c *ViolationsConfig) Cooldown() time.Duration {
	return time.Duration(c.ViolationCooldownMs) * time.Millisecond
}

// TTL converts the cache entry lifetime.
func (c *CacheConfig) TTL() time.Duration {
	return time.Duration(c.TTLMs) * time.Millisecond
}

// MaxBytes converts the cache byte budget.
func (c *CacheConfig) MaxBytes() int64 {
	return c.MaxSizeMB << 20
}
