// Package config holds the JSON configuration for the corebus daemon and
// embedded installations. Configuration is loaded once at startup,
// validated, and treated as read-only afterward.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/c360/corebus/errors"
)

// Config is the complete corebus configuration.
type Config struct {
	Bus      BusConfig     `json:"bus"`
	Store    StoreConfig   `json:"store"`
	Watcher  WatcherConfig `json:"watcher"`
	Metrics  MetricsConfig `json:"metrics"`
	LogLevel string        `json:"log_level,omitempty"` // debug, info, warn, error
}

// BusConfig governs sharding and backpressure.
type BusConfig struct {
	// Shards fixes the partition count for per-target ordering. Changing
	// it is a reconfiguration event requiring a restart.
	Shards int `json:"shards"`
	// QueueSize bounds each shard queue; beyond it, posts are rejected
	// with a retryable overload ack.
	QueueSize int `json:"queue_size"`
	// StopTimeout bounds how long shutdown waits for in-flight work.
	StopTimeout Duration `json:"stop_timeout,omitempty"`
}

// StoreConfig selects and tunes the event store backend.
type StoreConfig struct {
	// Backend is "memory" or "nats".
	Backend string `json:"backend"`
	// NATSURL is the server URL for the nats backend.
	NATSURL string `json:"nats_url,omitempty"`
	// Stream names the JetStream stream holding event history.
	Stream string `json:"stream,omitempty"`
	// SnapshotBucket names the KV bucket for aggregate snapshots.
	SnapshotBucket string `json:"snapshot_bucket,omitempty"`
	// SnapshotEvery records a snapshot when an aggregate's version
	// crosses a multiple of this value; 0 disables snapshots.
	SnapshotEvery int64 `json:"snapshot_every,omitempty"`
}

// WatcherConfig tunes the lifecycle event watcher.
type WatcherConfig struct {
	// Enabled turns lifecycle event publication on.
	Enabled bool `json:"enabled"`
	// SubjectPrefix prefixes the per-tenant lifecycle subjects.
	SubjectPrefix string `json:"subject_prefix,omitempty"`
	// FailureThreshold opens the sink circuit after this many
	// consecutive publish failures.
	FailureThreshold int `json:"failure_threshold,omitempty"`
	// Cooldown is how long the circuit stays open.
	Cooldown Duration `json:"cooldown,omitempty"`
}

// MetricsConfig controls the prometheus endpoint.
type MetricsConfig struct {
	Enabled bool   `json:"enabled"`
	Addr    string `json:"addr,omitempty"` // e.g. ":9090"
}

// Duration wraps time.Duration for JSON as a Go duration string.
type Duration time.Duration

// MarshalJSON renders the duration as "30s" style text.
func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

// UnmarshalJSON accepts either a duration string or nanoseconds.
func (d *Duration) UnmarshalJSON(data []byte) error {
	var raw any
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	switch v := raw.(type) {
	case string:
		parsed, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("invalid duration %q: %w", v, err)
		}
		*d = Duration(parsed)
	case float64:
		*d = Duration(time.Duration(v))
	default:
		return fmt.Errorf("invalid duration value %v", raw)
	}
	return nil
}

// Std returns the standard library form.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// Default returns the configuration used when no file is supplied:
// an in-memory store and a modest shard layout, suitable for tests and
// single-process embedding.
func Default() *Config {
	return &Config{
		Bus: BusConfig{
			Shards:      8,
			QueueSize:   1024,
			StopTimeout: Duration(10 * time.Second),
		},
		Store: StoreConfig{
			Backend:        "memory",
			Stream:         "COREBUS_EVENTS",
			SnapshotBucket: "COREBUS_SNAPSHOTS",
			SnapshotEvery:  100,
		},
		Watcher: WatcherConfig{
			Enabled:          false,
			SubjectPrefix:    "corebus.sys",
			FailureThreshold: 5,
			Cooldown:         Duration(30 * time.Second),
		},
		Metrics: MetricsConfig{
			Enabled: false,
			Addr:    ":9090",
		},
		LogLevel: "info",
	}
}

// Load reads a JSON config file, fills unset fields from defaults,
// applies environment overrides and validates the result.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, errors.WrapConfiguration(err, "Config", "Load", "read "+path)
		}
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, errors.WrapConfiguration(err, "Config", "Load", "parse "+path)
		}
	}

	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnv lets deployment environments override connection settings
// without editing the config file.
func (c *Config) applyEnv() {
	if url := os.Getenv("COREBUS_NATS_URL"); url != "" {
		c.Store.NATSURL = url
	}
	if backend := os.Getenv("COREBUS_STORE_BACKEND"); backend != "" {
		c.Store.Backend = backend
	}
	if shards := os.Getenv("COREBUS_SHARDS"); shards != "" {
		if n, err := strconv.Atoi(shards); err == nil {
			c.Bus.Shards = n
		}
	}
	if level := os.Getenv("COREBUS_LOG_LEVEL"); level != "" {
		c.LogLevel = level
	}
}

// Validate checks invariants the rest of the system assumes. Violations
// are configuration errors: fatal at startup, never retried.
func (c *Config) Validate() error {
	if c.Bus.Shards <= 0 {
		return errors.WrapConfiguration(errors.ErrInvalidShardCount,
			"Config", "Validate", fmt.Sprintf("bus.shards = %d", c.Bus.Shards))
	}
	if c.Bus.QueueSize <= 0 {
		return errors.WrapConfiguration(errors.ErrInvalidConfig,
			"Config", "Validate", "bus.queue_size must be positive")
	}

	switch c.Store.Backend {
	case "memory":
	case "nats":
		if c.Store.NATSURL == "" {
			return errors.WrapConfiguration(errors.ErrMissingConfig,
				"Config", "Validate", "store.nats_url required for the nats backend")
		}
		if c.Store.Stream == "" {
			return errors.WrapConfiguration(errors.ErrMissingConfig,
				"Config", "Validate", "store.stream required for the nats backend")
		}
	default:
		return errors.WrapConfiguration(errors.ErrInvalidConfig,
			"Config", "Validate", fmt.Sprintf("unknown store backend %q", c.Store.Backend))
	}
	if c.Store.SnapshotEvery < 0 {
		return errors.WrapConfiguration(errors.ErrInvalidConfig,
			"Config", "Validate", "store.snapshot_every cannot be negative")
	}

	if c.Watcher.Enabled && c.Store.Backend != "nats" {
		return errors.WrapConfiguration(errors.ErrInvalidConfig,
			"Config", "Validate", "watcher requires the nats backend")
	}

	switch c.LogLevel {
	case "", "debug", "info", "warn", "error":
	default:
		return errors.WrapConfiguration(errors.ErrInvalidConfig,
			"Config", "Validate", fmt.Sprintf("unknown log level %q", c.LogLevel))
	}
	return nil
}
