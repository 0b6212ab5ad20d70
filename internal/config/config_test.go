package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/eliteGoblin/winmend/internal/domain"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0600))
	return path
}

func TestLoad_MissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))

	require.NoError(t, err)
	assert.Equal(t, DefaultScanInterval, cfg.Service.ScanInterval)
	assert.Equal(t, DefaultAutoApplyThreshold, cfg.Engine.AutoApplyThreshold)
	assert.Equal(t, 5*time.Second, cfg.ScanIntervalDuration())
	assert.Equal(t, 500*time.Millisecond, cfg.Backoff())
	assert.Equal(t, "winetricks", cfg.Remediation.PackageTool)
	assert.Equal(t, "regedit", cfg.Remediation.RegistryTool)
	assert.Equal(t, filepath.Join(os.TempDir(), "winmend.pid"), cfg.Service.PIDFile)
}

func TestLoad_PIDFileFromYAML(t *testing.T) {
	path := writeConfig(t, `
service:
  pid_file: /run/user/1000/winmend.pid
`)

	cfg, err := Load(path)

	require.NoError(t, err)
	assert.Equal(t, "/run/user/1000/winmend.pid", cfg.Service.PIDFile)
}

func TestLoad_ReadsYAML(t *testing.T) {
	path := writeConfig(t, `
service:
  scan_interval: 12
engine:
  auto_apply_confidence_threshold: 0.5
remediation:
  package_tool: /opt/bin/winetricks
`)

	cfg, err := Load(path)

	require.NoError(t, err)
	assert.Equal(t, 12, cfg.Service.ScanInterval)
	assert.Equal(t, 0.5, cfg.Engine.AutoApplyThreshold)
	assert.Equal(t, "/opt/bin/winetricks", cfg.Remediation.PackageTool)
	// Untouched keys keep defaults
	assert.Equal(t, "regedit", cfg.Remediation.RegistryTool)
	assert.Equal(t, DefaultErrorMarker, cfg.Engine.ErrorMarker)
}

func TestLoad_ZeroThresholdIsValid(t *testing.T) {
	path := writeConfig(t, "engine:\n  auto_apply_confidence_threshold: 0\n")

	cfg, err := Load(path)

	require.NoError(t, err)
	assert.Equal(t, 0.0, cfg.Engine.AutoApplyThreshold)
}

func TestLoad_InvalidValuesFallBack(t *testing.T) {
	tests := []struct {
		name    string
		content string
		check   func(t *testing.T, cfg *Config)
	}{
		{
			name:    "zero interval",
			content: "service:\n  scan_interval: 0\n",
			check: func(t *testing.T, cfg *Config) {
				assert.Equal(t, DefaultScanInterval, cfg.Service.ScanInterval)
			},
		},
		{
			name:    "negative interval",
			content: "service:\n  scan_interval: -3\n",
			check: func(t *testing.T, cfg *Config) {
				assert.Equal(t, DefaultScanInterval, cfg.Service.ScanInterval)
			},
		},
		{
			name:    "threshold above one",
			content: "engine:\n  auto_apply_confidence_threshold: 1.5\n",
			check: func(t *testing.T, cfg *Config) {
				assert.Equal(t, DefaultAutoApplyThreshold, cfg.Engine.AutoApplyThreshold)
			},
		},
		{
			name:    "negative threshold",
			content: "engine:\n  auto_apply_confidence_threshold: -0.1\n",
			check: func(t *testing.T, cfg *Config) {
				assert.Equal(t, DefaultAutoApplyThreshold, cfg.Engine.AutoApplyThreshold)
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg, err := Load(writeConfig(t, tt.content))

			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrInvalidValue))
			require.NotNil(t, cfg)
			tt.check(t, cfg)
		})
	}
}

func TestLoad_MalformedYAMLUsesDefaults(t *testing.T) {
	path := writeConfig(t, "service: [unclosed\n  scan_interval: 9")

	cfg, err := Load(path)

	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrConfigLoad)
	require.NotNil(t, cfg)
	assert.Equal(t, DefaultScanInterval, cfg.Service.ScanInterval)
}

func TestLoad_WrongTypeUsesDefaults(t *testing.T) {
	path := writeConfig(t, "service:\n  scan_interval: soon\n")

	cfg, err := Load(path)

	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrConfigLoad)
	assert.Equal(t, DefaultScanInterval, cfg.Service.ScanInterval)
}

func TestLoad_EnvOverridesFile(t *testing.T) {
	path := writeConfig(t, "service:\n  scan_interval: 12\n")
	t.Setenv("WINMEND_SERVICE_SCAN_INTERVAL", "30")
	t.Setenv("WINMEND_ENGINE_AUTO_APPLY_CONFIDENCE_THRESHOLD", "0.75")

	cfg, err := Load(path)

	require.NoError(t, err)
	assert.Equal(t, 30, cfg.Service.ScanInterval)
	assert.Equal(t, 0.75, cfg.Engine.AutoApplyThreshold)
}

func TestEnvKey(t *testing.T) {
	assert.Equal(t, "service.scan_interval", envKey("WINMEND_SERVICE_SCAN_INTERVAL"))
	assert.Equal(t, "rules.database", envKey("WINMEND_RULES_DATABASE"))
	assert.Equal(t, "debug", envKey("WINMEND_DEBUG"))
}

func TestExpandHome(t *testing.T) {
	home := GetRealUserHome()

	assert.Equal(t, filepath.Join(home, ".wine"), ExpandHome("~/.wine"))
	assert.Equal(t, home, ExpandHome("~"))
	assert.Equal(t, "/opt/prefix", ExpandHome("/opt/prefix"))
}
