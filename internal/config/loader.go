package config

import (
	"errors"
	"fmt"
	"io"
	"os"
	"os/user"
	"path/filepath"
	"strings"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/rawbytes"
	"github.com/knadh/koanf/v2"

	"github.com/eliteGoblin/winmend/internal/domain"
)

const (
	envPrefix         = "WINMEND_"
	maxConfigFileSize = 1024 * 1024 // 1MB
)

// DefaultPath returns ~/.config/winmend/config.yaml for the real user.
func DefaultPath() string {
	return filepath.Join(GetRealUserHome(), ".config", "winmend", "config.yaml")
}

// Load reads configuration from the YAML file at path (DefaultPath if empty),
// then applies WINMEND_* environment overrides.
//
// Load never fails startup: the returned config is always usable. A non-nil
// error is a warning. It wraps domain.ErrConfigLoad when the file or the
// environment could not be parsed (all defaults are used), or ErrInvalidValue
// when individual values were out of range and replaced.
//
// Environment mapping splits on the first underscore after the prefix:
//
//	WINMEND_SERVICE_SCAN_INTERVAL -> service.scan_interval
//	WINMEND_ENGINE_AUTO_APPLY_CONFIDENCE_THRESHOLD -> engine.auto_apply_confidence_threshold
func Load(path string) (*Config, error) {
	if path == "" {
		path = DefaultPath()
	}

	k := koanf.New(".")

	if err := loadFile(k, path); err != nil {
		return Default(), fmt.Errorf("%w: %w", domain.ErrConfigLoad, err)
	}

	if err := k.Load(env.Provider(envPrefix, ".", envKey), nil); err != nil {
		return Default(), fmt.Errorf("%w: failed to load environment variables: %w", domain.ErrConfigLoad, err)
	}

	// Unmarshal over defaults so absent keys keep their default value
	cfg := Default()
	if err := k.Unmarshal("", cfg); err != nil {
		return Default(), fmt.Errorf("%w: failed to unmarshal config: %w", domain.ErrConfigLoad, err)
	}

	return cfg, cfg.sanitize()
}

// loadFile loads the YAML file if it exists. A missing file is not an error.
func loadFile(k *koanf.Koanf, path string) error {
	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("failed to open config file: %w", err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return fmt.Errorf("failed to stat config file: %w", err)
	}
	if info.IsDir() {
		return fmt.Errorf("config path %s is a directory", path)
	}
	if info.Size() > maxConfigFileSize {
		return fmt.Errorf("config file %s too large: %d bytes", path, info.Size())
	}

	content, err := io.ReadAll(f)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}

	if err := k.Load(rawbytes.Provider(content), yaml.Parser()); err != nil {
		return fmt.Errorf("failed to parse config file %s: %w", path, err)
	}
	return nil
}

// envKey maps WINMEND_SECTION_FIELD_NAME to section.field_name.
func envKey(s string) string {
	lower := strings.ToLower(strings.TrimPrefix(s, envPrefix))
	parts := strings.SplitN(lower, "_", 2)
	if len(parts) == 1 {
		return lower
	}
	return parts[0] + "." + parts[1]
}

// GetRealUserHome returns the real user's home directory, even when running under sudo.
// Under sudo, os.UserHomeDir() returns root's home, so we use SUDO_USER to find the real user.
func GetRealUserHome() string {
	if sudoUser := os.Getenv("SUDO_USER"); sudoUser != "" {
		if u, err := user.Lookup(sudoUser); err == nil {
			return u.HomeDir
		}
	}
	home, _ := os.UserHomeDir()
	return home
}

// ExpandHome expands a leading ~ to the real user's home directory.
func ExpandHome(path string) string {
	if strings.HasPrefix(path, "~/") {
		return filepath.Join(GetRealUserHome(), path[2:])
	}
	if path == "~" {
		return GetRealUserHome()
	}
	return path
}
