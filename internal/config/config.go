// Package config loads winmend configuration from YAML and the environment.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

const (
	// DefaultScanInterval is how often the supervisor rescans for Wine processes.
	DefaultScanInterval = 5

	// DefaultAutoApplyThreshold is the confidence at or above which fixes run unattended.
	DefaultAutoApplyThreshold = 0.9

	// DefaultBackoffMs is how long the tailer sleeps when no log data is available.
	DefaultBackoffMs = 500

	DefaultErrorMarker   = "err:"
	DefaultProcessMarker = "wine"
	DefaultPackageTool   = "winetricks"
	DefaultRegistryTool  = "regedit"
)

// Config is the full service configuration.
type Config struct {
	Service     ServiceConfig     `koanf:"service"`
	Engine      EngineConfig      `koanf:"engine"`
	Discovery   DiscoveryConfig   `koanf:"discovery"`
	Tailer      TailerConfig      `koanf:"tailer"`
	Remediation RemediationConfig `koanf:"remediation"`
	Rules       RulesConfig       `koanf:"rules"`
}

// ServiceConfig holds supervisor loop settings.
type ServiceConfig struct {
	ScanInterval int    `koanf:"scan_interval"` // seconds, >= 1
	StatusFile   string `koanf:"status_file"`
	PIDFile      string `koanf:"pid_file"`
	LogFile      string `koanf:"log_file"`
	MetricsAddr  string `koanf:"metrics_addr"` // empty disables /metrics
}

// EngineConfig holds rule matching settings.
type EngineConfig struct {
	AutoApplyThreshold float64 `koanf:"auto_apply_confidence_threshold"`
	ErrorMarker        string  `koanf:"error_marker"`
}

// DiscoveryConfig holds process discovery settings.
type DiscoveryConfig struct {
	ProcessMarker string `koanf:"process_marker"`
	DefaultPrefix string `koanf:"default_prefix"`
}

// TailerConfig holds log tailing settings.
type TailerConfig struct {
	BackoffMs int `koanf:"backoff_ms"`
}

// RemediationConfig names the external tools.
type RemediationConfig struct {
	PackageTool  string `koanf:"package_tool"`
	RegistryTool string `koanf:"registry_tool"`
}

// RulesConfig locates the rule knowledge base.
type RulesConfig struct {
	Database string `koanf:"database"` // empty uses the built-in table only
	Encrypt  bool   `koanf:"encrypt"`
}

// Default returns the configuration used when nothing is set.
func Default() *Config {
	home := GetRealUserHome()
	tmp := os.TempDir()
	return &Config{
		Service: ServiceConfig{
			ScanInterval: DefaultScanInterval,
			StatusFile:   filepath.Join(tmp, "winmend_status.json"),
			PIDFile:      filepath.Join(tmp, "winmend.pid"),
			LogFile:      filepath.Join(tmp, "winmend.log"),
		},
		Engine: EngineConfig{
			AutoApplyThreshold: DefaultAutoApplyThreshold,
			ErrorMarker:        DefaultErrorMarker,
		},
		Discovery: DiscoveryConfig{
			ProcessMarker: DefaultProcessMarker,
			DefaultPrefix: filepath.Join(home, ".wine"),
		},
		Tailer: TailerConfig{BackoffMs: DefaultBackoffMs},
		Remediation: RemediationConfig{
			PackageTool:  DefaultPackageTool,
			RegistryTool: DefaultRegistryTool,
		},
		Rules: RulesConfig{
			Database: filepath.Join(home, ".local", "share", "winmend", "knowledge.db"),
		},
	}
}

// ScanIntervalDuration returns the scan interval as a duration.
func (c *Config) ScanIntervalDuration() time.Duration {
	return time.Duration(c.Service.ScanInterval) * time.Second
}

// Backoff returns the tailer backoff as a duration.
func (c *Config) Backoff() time.Duration {
	return time.Duration(c.Tailer.BackoffMs) * time.Millisecond
}

// sanitize replaces out-of-range values with defaults.
// Returns one error per replaced value.
func (c *Config) sanitize() error {
	def := Default()
	var errs []error

	if c.Service.ScanInterval < 1 {
		errs = append(errs, fmt.Errorf("service.scan_interval %d < 1, using %d", c.Service.ScanInterval, DefaultScanInterval))
		c.Service.ScanInterval = DefaultScanInterval
	}
	if c.Engine.AutoApplyThreshold < 0 || c.Engine.AutoApplyThreshold > 1 {
		errs = append(errs, fmt.Errorf("engine.auto_apply_confidence_threshold %v outside [0,1], using %v",
			c.Engine.AutoApplyThreshold, DefaultAutoApplyThreshold))
		c.Engine.AutoApplyThreshold = DefaultAutoApplyThreshold
	}
	if c.Tailer.BackoffMs < 1 {
		errs = append(errs, fmt.Errorf("tailer.backoff_ms %d < 1, using %d", c.Tailer.BackoffMs, DefaultBackoffMs))
		c.Tailer.BackoffMs = DefaultBackoffMs
	}

	// Empty strings fall back silently
	if c.Engine.ErrorMarker == "" {
		c.Engine.ErrorMarker = def.Engine.ErrorMarker
	}
	if c.Discovery.ProcessMarker == "" {
		c.Discovery.ProcessMarker = def.Discovery.ProcessMarker
	}
	if c.Discovery.DefaultPrefix == "" {
		c.Discovery.DefaultPrefix = def.Discovery.DefaultPrefix
	}
	if c.Remediation.PackageTool == "" {
		c.Remediation.PackageTool = def.Remediation.PackageTool
	}
	if c.Remediation.RegistryTool == "" {
		c.Remediation.RegistryTool = def.Remediation.RegistryTool
	}
	if c.Service.StatusFile == "" {
		c.Service.StatusFile = def.Service.StatusFile
	}
	if c.Service.LogFile == "" {
		c.Service.LogFile = def.Service.LogFile
	}
	if c.Service.PIDFile == "" {
		c.Service.PIDFile = def.Service.PIDFile
	}

	c.Discovery.DefaultPrefix = ExpandHome(c.Discovery.DefaultPrefix)
	c.Rules.Database = ExpandHome(c.Rules.Database)
	c.Service.StatusFile = ExpandHome(c.Service.StatusFile)
	c.Service.LogFile = ExpandHome(c.Service.LogFile)
	c.Service.PIDFile = ExpandHome(c.Service.PIDFile)

	if len(errs) == 0 {
		return nil
	}
	return fmt.Errorf("%w: %w", ErrInvalidValue, errors.Join(errs...))
}

// ErrInvalidValue marks individual values replaced by defaults.
var ErrInvalidValue = errors.New("invalid configuration value")
