package core

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// LoadFromFile merges a JSON or YAML document at path into c, overriding
// whatever DefaultConfig/LoadFromEnv already set. It sits between those two
// layers and functional options in the priority order: call it after
// LoadFromEnv and before applying Option values, or pass WithConfigFile as
// the first Option to NewConfig to get that ordering for free.
func (c *Config) LoadFromFile(path string) error {
	cleanPath := filepath.Clean(path)
	ext := filepath.Ext(cleanPath)
	if ext != ".json" && ext != ".yaml" && ext != ".yml" {
		return fmt.Errorf("%w: unsupported config file extension %q", ErrInvalidConfiguration, ext)
	}

	data, err := os.ReadFile(cleanPath)
	if err != nil {
		return fmt.Errorf("read config file %s: %w", cleanPath, err)
	}

	switch ext {
	case ".json":
		if err := json.Unmarshal(data, c); err != nil {
			return fmt.Errorf("%w: parse JSON config file: %v", ErrInvalidConfiguration, err)
		}
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, c); err != nil {
			return fmt.Errorf("%w: parse YAML config file: %v", ErrInvalidConfiguration, err)
		}
	}

	if c.logger != nil {
		c.logger.Info("configuration file loaded", map[string]interface{}{"path": cleanPath})
	}
	return nil
}

// WithConfigFile merges a JSON/YAML config file into the config being
// built, applied in option order alongside every other Option.
func WithConfigFile(path string) Option {
	return func(c *Config) error {
		return c.LoadFromFile(path)
	}
}
