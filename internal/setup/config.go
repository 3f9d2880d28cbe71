package setup

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultConfigPath is where Load looks when no explicit path is given.
var DefaultConfigPath = defaultConfigPath()

// BundledToolDir is the directory shipped alongside the binary that holds the
// prebuilt image tools. It participates in the tool search order after any
// user-configured directories.
var BundledToolDir = "third_party/tools"

// Config carries the process-wide settings read from the YAML config file.
type Config struct {
	// ToolDirs are searched for external tools, in order, before the
	// bundled directory and $PATH.
	ToolDirs []string `yaml:"tool_dirs"`

	// BundledToolDir overrides the default bundled tool directory.
	BundledToolDir string `yaml:"bundled_tool_dir"`

	// TimeoutSeconds bounds every external tool invocation.
	TimeoutSeconds int `yaml:"timeout_seconds"`

	// Workers bounds the number of concurrently processed partitions.
	Workers int `yaml:"workers"`

	// GrowthFactors maps a filesystem kind ("ext4", "erofs") to the
	// multiplier applied to the source tree size when auto-sizing images.
	// The constants are empirical; they compensate for inode tables,
	// journal and alignment overhead.
	GrowthFactors map[string]float64 `yaml:"growth_factors"`
}

// Default returns the configuration used when no config file exists.
func Default() Config {
	return Config{
		BundledToolDir: BundledToolDir,
		TimeoutSeconds: 600,
		Workers:        2,
		GrowthFactors: map[string]float64{
			"ext4":  1.15,
			"erofs": 1.10,
		},
	}
}

// Load reads the configuration from path. A missing file is not an error:
// the defaults are returned so a fresh install works without any setup.
func Load(path string) (Config, error) {
	if path == "" {
		path = DefaultConfigPath
	}

	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		getLogger().Debug("config file not found, using defaults", "path", path)
		return Default(), nil
	}
	if err != nil {
		return Config{}, fmt.Errorf("read config %s: %w", path, err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse config %s: %w", path, err)
	}
	if cfg.TimeoutSeconds <= 0 {
		cfg.TimeoutSeconds = Default().TimeoutSeconds
	}
	if cfg.Workers <= 0 {
		cfg.Workers = Default().Workers
	}
	if len(cfg.GrowthFactors) == 0 {
		cfg.GrowthFactors = Default().GrowthFactors
	}
	return cfg, nil
}

// SearchDirs returns the ordered list of directories the tool registry
// should search: configured dirs first, then the bundled directory. $PATH
// is appended by the registry itself.
func (c Config) SearchDirs() []string {
	dirs := append([]string(nil), c.ToolDirs...)
	if c.BundledToolDir != "" {
		dirs = append(dirs, c.BundledToolDir)
	}
	return dirs
}

// Timeout returns the subprocess timeout as a duration.
func (c Config) Timeout() time.Duration {
	return time.Duration(c.TimeoutSeconds) * time.Second
}

func defaultConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "rkforge.yaml"
	}
	return filepath.Join(home, ".config", "rkforge", "config.yaml")
}
