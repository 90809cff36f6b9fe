package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"gopkg.in/yaml.v3"
)

// Config manages service configuration as a flat set of dotted keys.
// Values loaded from a YAML file are flattened ("kafka.brokers",
// "outbox.batch_size", ...) and may be overridden by environment variables
// (READBRIDGE_KAFKA_BROKERS overrides "kafka.brokers").
type Config struct {
	mu     sync.RWMutex
	values map[string]string

	// keys that require a restart when changed
	restartKeys []string
}

// EnvPrefix is the prefix for environment variable overrides.
const EnvPrefix = "READBRIDGE_"

// New creates a new configuration manager
func New() *Config {
	return &Config{
		values: make(map[string]string),
		restartKeys: []string{
			"postgres.url",
			"mongo.uri",
			"kafka.brokers",
		},
	}
}

// LoadFile reads a YAML configuration file and merges its flattened keys.
func (c *Config) LoadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file %s: %w", path, err)
	}

	var raw map[string]interface{}
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("failed to parse config file %s: %w", path, err)
	}

	flat := make(map[string]string)
	flatten("", raw, flat)
	c.Update(flat)
	return nil
}

func flatten(prefix string, node map[string]interface{}, out map[string]string) {
	for k, v := range node {
		key := k
		if prefix != "" {
			key = prefix + "." + k
		}
		switch val := v.(type) {
		case map[string]interface{}:
			flatten(key, val, out)
		case []interface{}:
			parts := make([]string, 0, len(val))
			for _, item := range val {
				parts = append(parts, fmt.Sprintf("%v", item))
			}
			out[key] = strings.Join(parts, ",")
		default:
			out[key] = fmt.Sprintf("%v", val)
		}
	}
}

// ApplyEnv overlays environment variables onto the loaded configuration.
// READBRIDGE_OUTBOX_BATCH_SIZE becomes "outbox.batch_size".
func (c *Config) ApplyEnv() {
	overrides := make(map[string]string)
	for _, kv := range os.Environ() {
		if !strings.HasPrefix(kv, EnvPrefix) {
			continue
		}
		parts := strings.SplitN(strings.TrimPrefix(kv, EnvPrefix), "=", 2)
		if len(parts) != 2 {
			continue
		}
		key := strings.ToLower(strings.ReplaceAll(parts[0], "_", "."))
		overrides[key] = parts[1]
	}
	c.Update(overrides)
}

// Get retrieves a configuration value
func (c *Config) Get(key string) string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.values[key]
}

// GetDefault retrieves a configuration value, falling back when unset.
func (c *Config) GetDefault(key, fallback string) string {
	if v := c.Get(key); v != "" {
		return v
	}
	return fallback
}

// GetInt retrieves an integer value, falling back when unset or invalid.
func (c *Config) GetInt(key string, fallback int) int {
	if v := c.Get(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

// GetFloat retrieves a float value, falling back when unset or invalid.
func (c *Config) GetFloat(key string, fallback float64) float64 {
	if v := c.Get(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return fallback
}

// GetBool retrieves a boolean value, falling back when unset or invalid.
func (c *Config) GetBool(key string, fallback bool) bool {
	if v := c.Get(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return fallback
}

// GetDuration retrieves a duration value, falling back when unset or invalid.
func (c *Config) GetDuration(key string, fallback time.Duration) time.Duration {
	if v := c.Get(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}

// GetStrings retrieves a comma-separated list value.
func (c *Config) GetStrings(key string) []string {
	v := c.Get(key)
	if v == "" {
		return nil
	}
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

// GetAll returns a copy of all configuration values
func (c *Config) GetAll() map[string]string {
	c.mu.RLock()
	defer c.mu.RUnlock()

	copy := make(map[string]string, len(c.values))
	for k, v := range c.values {
		copy[k] = v
	}
	return copy
}

// Update updates configuration values
func (c *Config) Update(values map[string]string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for k, v := range values {
		c.values[k] = v
	}
}

// RequiresRestart checks if any changed keys require a restart
func (c *Config) RequiresRestart(oldConfig map[string]string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()

	for _, key := range c.restartKeys {
		if oldConfig[key] != c.values[key] {
			return true
		}
	}
	return false
}

// SetRestartKeys sets which configuration keys require restart when changed
func (c *Config) SetRestartKeys(keys []string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.restartKeys = keys
}
