// Package config provides configuration structures and loading logic for the
// pipeline engine.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// Config holds the global configuration for the engine.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Sandbox   SandboxConfig   `yaml:"sandbox"`
	Cache     CacheConfig     `yaml:"cache"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
	Logging   LoggingConfig   `yaml:"logging"`
}

// ServerConfig holds configuration for the serve mode HTTP endpoint.
type ServerConfig struct {
	Address string `yaml:"address"`
}

// SandboxConfig is the load-bearing sandbox schema consumed by the sandbox
// manager.
type SandboxConfig struct {
	IsolationLevel string               `yaml:"isolationLevel"`
	SecurityPolicy string               `yaml:"securityPolicy"`
	ResourceLimits ResourceLimitsConfig `yaml:"resourceLimits"`
	FileAccess     FileAccessConfig     `yaml:"fileAccess"`
	NetworkAccess  NetworkAccessConfig  `yaml:"networkAccess"`
	Monitoring     MonitoringConfig     `yaml:"monitoring"`
	Violations     ViolationsConfig     `yaml:"violations"`
	ContainerImage string               `yaml:"containerImage"`
	WorkRoot       string               `yaml:"workRoot"`
}

// ResourceLimitsConfig bounds a sandboxed unit. Zero means unlimited.
type ResourceLimitsConfig struct {
	MaxMemoryMB        int64 `yaml:"maxMemoryMB"`
	MaxCPUTimeMs       int64 `yaml:"maxCpuTimeMs"`
	MaxWallTimeMs      int64 `yaml:"maxWallTimeMs"`
	MaxThreads         int64 `yaml:"maxThreads"`
	MaxFileDescriptors int64 `yaml:"maxFileDescriptors"`
}

// FileAccessConfig lists path prefixes granted or denied to sandboxed code.
type FileAccessConfig struct {
	AllowedPaths  []string `yaml:"allowedPaths"`
	BlockedPaths  []string `yaml:"blockedPaths"`
	ReadOnlyPaths []string `yaml:"readOnlyPaths"`
}

// NetworkAccessConfig restricts outbound connections.
type NetworkAccessConfig struct {
	AllowOutbound bool     `yaml:"allowOutbound"`
	AllowedHosts  []string `yaml:"allowedHosts"`
	AllowedPorts  []int    `yaml:"allowedPorts"`
	BlockedIPs    []string `yaml:"blockedIPs"`
}

// MonitoringConfig toggles resource sampling and violation reporting.
type MonitoringConfig struct {
	EnableResourceMonitoring         bool  `yaml:"enableResourceMonitoring"`
	EnableSecurityViolationDetection bool  `yaml:"enableSecurityViolationDetection"`
	LogViolations                    bool  `yaml:"logViolations"`
	SampleIntervalMs                 int64 `yaml:"sampleIntervalMs"`
}

// ViolationsConfig bounds the per-policy-group violation budget.
type ViolationsConfig struct {
	MaxViolationsBeforeAbort int   `yaml:"maxViolationsBeforeAbort"`
	ViolationCooldownMs      int64 `yaml:"violationCooldownMs"`
}

// CacheConfig bounds the compilation cache.
type CacheConfig struct {
	MaxEntries int   `yaml:"maxEntries"`
	MaxSizeMB  int64 `yaml:"maxSizeMB"`
	TTLMs      int64 `yaml:"ttlMs"`
}

// TelemetryConfig holds configuration for OpenTelemetry.
type TelemetryConfig struct {
	OTLPEndpoint string `yaml:"otlp_endpoint"`
	Insecure     bool   `yaml:"insecure"`
}

// LoggingConfig holds configuration for logging.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Pretty bool   `yaml:"pretty"`
}

// Load reads configuration from a file and applies environment variable
// overrides.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		//nolint:gosec // Config file path is controlled by the operator
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
		}
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}
	return cfg, nil
}

// Default returns the configuration used when no file is supplied.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Address: ":8472",
		},
		Sandbox: SandboxConfig{
			IsolationLevel: "LOGICAL",
			SecurityPolicy: "DEFAULT",
			ResourceLimits: ResourceLimitsConfig{
				MaxMemoryMB:   512,
				MaxWallTimeMs: 10 * 60 * 1000,
			},
			Monitoring: MonitoringConfig{
				EnableResourceMonitoring:         true,
				EnableSecurityViolationDetection: true,
				LogViolations:                    true,
				SampleIntervalMs:                 50,
			},
			Violations: ViolationsConfig{
				MaxViolationsBeforeAbort: 5,
				ViolationCooldownMs:      60 * 1000,
			},
		},
		Cache: CacheConfig{
			MaxEntries: 512,
			MaxSizeMB:  64,
			TTLMs:      30 * 60 * 1000,
		},
		Logging: LoggingConfig{
			Level: "info",
		},
	}
}

func applyEnvOverrides(cfg *Config) {
	if val := os.Getenv("CONVEYOR_SERVER_ADDR"); val != "" {
		cfg.Server.Address = val
	}

	if val := os.Getenv("CONVEYOR_ISOLATION_LEVEL"); val != "" {
		cfg.Sandbox.IsolationLevel = val
	}
	if val := os.Getenv("CONVEYOR_SECURITY_POLICY"); val != "" {
		cfg.Sandbox.SecurityPolicy = val
	}
	if val := os.Getenv("CONVEYOR_CONTAINER_IMAGE"); val != "" {
		cfg.Sandbox.ContainerImage = val
	}
	if val := os.Getenv("CONVEYOR_MAX_MEMORY_MB"); val != "" {
		if n, err := strconv.ParseInt(val, 10, 64); err == nil {
			cfg.Sandbox.ResourceLimits.MaxMemoryMB = n
		}
	}
	if val := os.Getenv("CONVEYOR_MAX_WALL_TIME_MS"); val != "" {
		if n, err := strconv.ParseInt(val, 10, 64); err == nil {
			cfg.Sandbox.ResourceLimits.MaxWallTimeMs = n
		}
	}

	if val := os.Getenv("CONVEYOR_OTLP_ENDPOINT"); val != "" {
		cfg.Telemetry.OTLPEndpoint = val
	}
	if val := os.Getenv("CONVEYOR_OTLP_INSECURE"); val == "true" {
		cfg.Telemetry.Insecure = true
	}

	if val := os.Getenv("CONVEYOR_LOG_LEVEL"); val != "" {
		cfg.Logging.Level = val
	}
	if val := os.Getenv("CONVEYOR_LOG_PRETTY"); val == "true" {
		cfg.Logging.Pretty = true
	}
}

// Validate performs comprehensive validation of the entire configuration.
func (c *Config) Validate() error {
	if err := c.Sandbox.Validate(); err != nil {
		return fmt.Errorf("sandbox configuration: %w", err)
	}
	if err := c.Cache.Validate(); err != nil {
		return fmt.Errorf("cache configuration: %w", err)
	}
	if err := c.Logging.Validate(); err != nil {
		return fmt.Errorf("logging configuration: %w", err)
	}
	return nil
}

// Validate checks isolation level, policy preset, and limit sanity.
func (c *SandboxConfig) Validate() error {
	switch strings.ToUpper(strings.TrimSpace(c.IsolationLevel)) {
	case "NONE", "LOGICAL", "PROCESS", "CONTAINER":
		c.IsolationLevel = strings.ToUpper(strings.TrimSpace(c.IsolationLevel))
	case "":
		c.IsolationLevel = "LOGICAL"
	default:
		return fmt.Errorf("invalid isolation level %q, supported: NONE, LOGICAL, PROCESS, CONTAINER", c.IsolationLevel)
	}

	switch strings.ToUpper(strings.TrimSpace(c.SecurityPolicy)) {
	case "DEFAULT", "RESTRICTED", "PERMISSIVE", "STRICT":
		c.SecurityPolicy = strings.ToUpper(strings.TrimSpace(c.SecurityPolicy))
	case "":
		c.SecurityPolicy = "DEFAULT"
	default:
		return fmt.Errorf("invalid security policy %q, supported: DEFAULT, RESTRICTED, PERMISSIVE, STRICT", c.SecurityPolicy)
	}

	if c.IsolationLevel == "CONTAINER" && c.ContainerImage == "" {
		return fmt.Errorf("container isolation requires containerImage")
	}

	limits := []struct {
		name  string
		value int64
	}{
		{"maxMemoryMB", c.ResourceLimits.MaxMemoryMB},
		{"maxCpuTimeMs", c.ResourceLimits.MaxCPUTimeMs},
		{"maxWallTimeMs", c.ResourceLimits.MaxWallTimeMs},
		{"maxThreads", c.ResourceLimits.MaxThreads},
		{"maxFileDescriptors", c.ResourceLimits.MaxFileDescriptors},
	}
	for _, l := range limits {
		if l.value < 0 {
			return fmt.Errorf("resource limit %s must not be negative", l.name)
		}
	}

	if c.Violations.MaxViolationsBeforeAbort < 0 {
		return fmt.Errorf("maxViolationsBeforeAbort must not be negative")
	}
	return nil
}

// Validate checks cache bounds.
func (c *CacheConfig) Validate() error {
	if c.MaxEntries < 0 || c.MaxSizeMB < 0 || c.TTLMs < 0 {
		return fmt.Errorf("cache bounds must not be negative")
	}
	return nil
}

// Validate normalizes and checks the log level.
func (c *LoggingConfig) Validate() error {
	if strings.TrimSpace(c.Level) == "" {
		c.Level = "info"
	}

	level := strings.TrimSpace(strings.ToLower(c.Level))
	switch level {
	case "debug", "info", "warn", "error":
		c.Level = level
		return nil
	default:
		return fmt.Errorf("invalid log level %q, supported levels: debug, info, warn, error", c.Level)
	}
}
