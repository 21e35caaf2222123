package filtervm

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Config holds runtime configuration for filter engines.
type Config struct {
	// MemoryLimitMB caps each engine's heap. Zero means the engine
	// default.
	MemoryLimitMB int `yaml:"memory_limit_mb"`
	// ExecutionTimeout is the per-run watchdog limit in milliseconds.
	// Zero disables the watchdog.
	ExecutionTimeout int `yaml:"execution_timeout_ms"`
	// LimitedMath narrows the numeric library to the fixed allow-list.
	LimitedMath bool `yaml:"limited_math"`
	// PoolSize is the number of pre-warmed engines in an EnginePool.
	PoolSize int `yaml:"pool_size"`
	// StorePath is the SQLite filter-registry database file.
	StorePath string `yaml:"store_path"`
}

// DefaultConfig returns the defaults used by the CLI and by embedding
// nodes that supply no configuration file.
func DefaultConfig() Config {
	return Config{
		MemoryLimitMB:    64,
		ExecutionTimeout: 1000,
		LimitedMath:      true,
		PoolSize:         4,
		StorePath:        "filters.db",
	}
}

// LoadConfig reads a YAML configuration file over the defaults.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("reading config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parsing config %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return cfg, fmt.Errorf("config %s: %w", path, err)
	}
	return cfg, nil
}

// Validate rejects values outside their legal range.
func (c Config) Validate() error {
	if c.MemoryLimitMB < 0 {
		return fmt.Errorf("memory_limit_mb must not be negative, got %d", c.MemoryLimitMB)
	}
	if c.ExecutionTimeout < 0 {
		return fmt.Errorf("execution_timeout_ms must not be negative, got %d", c.ExecutionTimeout)
	}
	if c.PoolSize < 0 {
		return fmt.Errorf("pool_size must not be negative, got %d", c.PoolSize)
	}
	return nil
}
