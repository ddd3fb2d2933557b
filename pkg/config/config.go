package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"sync"

	"lukechampine.com/uint128"

	"github.com/KevoDB/mvds/pkg/common/log"
	"github.com/KevoDB/mvds/pkg/mvhashmap"
	"github.com/KevoDB/mvds/pkg/telemetry"
	"github.com/KevoDB/mvds/pkg/writeset"
)

const (
	// CurrentConfigVersion is the version written by SaveToFile
	CurrentConfigVersion = 1

	// DefaultAggregatorLimit is the largest value of an aggregator when none is given
	DefaultAggregatorLimit = "18446744073709551615"
)

var (
	ErrInvalidConfig  = errors.New("invalid configuration")
	ErrConfigNotFound = errors.New("configuration file not found")
)

// Config contains the tunables of the store and of the tools built on it
type Config struct {
	Version int `json:"version"`

	// Store settings
	ShardCount             int    `json:"shard_count"`
	DefaultAggregatorLimit string `json:"default_aggregator_limit"`

	// Tool settings
	LogLevel      string `json:"log_level"`
	Workers       int    `json:"workers"`
	WriteSetCodec string `json:"writeset_codec"`

	Telemetry telemetry.Config `json:"telemetry"`

	mu sync.RWMutex
}

// NewDefaultConfig creates a Config with recommended default values
func NewDefaultConfig() *Config {
	return &Config{
		Version: CurrentConfigVersion,

		ShardCount:             mvhashmap.DefaultShardCount,
		DefaultAggregatorLimit: DefaultAggregatorLimit,

		LogLevel:      "info",
		Workers:       runtime.GOMAXPROCS(0),
		WriteSetCodec: writeset.CodecSnappy.String(),

		Telemetry: telemetry.DefaultConfig(),
	}
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.validate()
}

func (c *Config) validate() error {
	if c.Version <= 0 {
		return fmt.Errorf("%w: invalid version %d", ErrInvalidConfig, c.Version)
	}

	if c.ShardCount <= 0 {
		return fmt.Errorf("%w: shard count must be positive", ErrInvalidConfig)
	}

	if _, err := uint128.FromString(c.DefaultAggregatorLimit); err != nil {
		return fmt.Errorf("%w: default aggregator limit %q: %v", ErrInvalidConfig, c.DefaultAggregatorLimit, err)
	}

	if _, err := log.ParseLevel(c.LogLevel); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}

	if c.Workers <= 0 {
		return fmt.Errorf("%w: workers must be positive", ErrInvalidConfig)
	}

	if _, err := writeset.ParseCodec(c.WriteSetCodec); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}

	if c.Telemetry.Enabled {
		if err := c.Telemetry.Validate(); err != nil {
			return fmt.Errorf("%w: telemetry: %v", ErrInvalidConfig, err)
		}
	}

	return nil
}

// AggregatorLimit returns the default aggregator limit as a number
func (c *Config) AggregatorLimit() uint128.Uint128 {
	c.mu.RLock()
	defer c.mu.RUnlock()

	limit, err := uint128.FromString(c.DefaultAggregatorLimit)
	if err != nil {
		return uint128.From64(^uint64(0))
	}
	return limit
}

// Level returns the configured log level
func (c *Config) Level() log.Level {
	c.mu.RLock()
	defer c.mu.RUnlock()

	level, _ := log.ParseLevel(c.LogLevel)
	return level
}

// Codec returns the configured write-set codec
func (c *Config) Codec() writeset.Codec {
	c.mu.RLock()
	defer c.mu.RUnlock()

	codec, _ := writeset.ParseCodec(c.WriteSetCodec)
	return codec
}

// MapOptions returns the MVHashMap options matching the configuration
func (c *Config) MapOptions() []mvhashmap.Option {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return []mvhashmap.Option{mvhashmap.WithShardCount(c.ShardCount)}
}

// LoadConfigFromFile reads a JSON configuration file. Fields missing from
// the file keep their default value and telemetry settings can be
// overridden through the environment.
func LoadConfigFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrConfigNotFound
		}
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	cfg := NewDefaultConfig()
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	cfg.Telemetry.LoadFromEnv()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// SaveToFile writes the configuration to path atomically
func (c *Config) SaveToFile(path string) error {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if err := c.validate(); err != nil {
		return err
	}

	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("failed to create directory: %w", err)
		}
	}

	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	tempPath := path + ".tmp"
	if err := os.WriteFile(tempPath, data, 0644); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}

	if err := os.Rename(tempPath, path); err != nil {
		return fmt.Errorf("failed to rename config: %w", err)
	}

	return nil
}

// Update applies the given function to modify the configuration
func (c *Config) Update(fn func(*Config)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	fn(c)
}
