// Package config loads the broker's YAML configuration, mirroring
// cellorg/internal/config's pattern of a root Config struct with nested
// sections, YAML unmarshalled over sane defaults, and environment
// overrides layered on top for the handful of variables the external
// interface (spec §6) promises.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root broker configuration, loaded from
// <stateDir>/agent-relay.yaml if present.
type Config struct {
	StateDir string `yaml:"state_dir"`
	LogLevel string `yaml:"log_level"`

	Broker   BrokerConfig   `yaml:"broker"`
	Storage  StorageConfig  `yaml:"storage"`
	Delivery DeliveryConfig `yaml:"delivery"`
	Memory   MemoryConfig   `yaml:"memory_monitor"`
	DLQ      DLQConfig      `yaml:"dlq"`
	Admin    AdminConfig    `yaml:"admin"`
}

// BrokerConfig controls the connection/session layer (§4.D, §4.H).
type BrokerConfig struct {
	SocketPath        string `yaml:"socket_path"`
	MaxFrameBytes     int    `yaml:"max_frame_bytes"`
	HeartbeatMs       int    `yaml:"heartbeat_ms"`
	IdleTimeoutMs     int    `yaml:"idle_timeout_ms"`
	ShutdownDrainMs   int    `yaml:"shutdown_drain_ms"`
	ConnectTimeoutMs  int    `yaml:"connect_timeout_ms"`
	OutboxCapacity    int    `yaml:"outbox_capacity"`
	MaxBodyBytes      int    `yaml:"max_body_bytes"`
	RefillPerSec      float64 `yaml:"rate_refill_per_sec"`
	RateBurst         int     `yaml:"rate_burst"`
}

// StorageConfig controls the batched writer (§4.B).
type StorageConfig struct {
	Dir             string `yaml:"dir"`
	MaxBatchSize    int    `yaml:"max_batch_size"`
	MaxBatchBytes   int    `yaml:"max_batch_bytes"`
	MaxBatchDelayMs int    `yaml:"max_batch_delay_ms"`
	RetentionHours  int    `yaml:"retention_hours"`
	MaxRows         int    `yaml:"max_rows"`
	StorageRetryMs  int    `yaml:"storage_retry_ms"`
}

// DeliveryConfig controls the routing/retry/TTL engine (§4.G).
type DeliveryConfig struct {
	AckTimeoutMs      int `yaml:"ack_timeout_ms"`
	InitialBackoffMs  int `yaml:"initial_backoff_ms"`
	MaxBackoffMs      int `yaml:"max_backoff_ms"`
	MaxAttempts       int `yaml:"max_attempts"`
	TTLMs             int `yaml:"ttl_ms"`
	ReconnectGraceMs  int `yaml:"reconnect_grace_ms"`
}

// MemoryConfig controls the memory monitor (§4.J).
type MemoryConfig struct {
	SampleIntervalMs      int     `yaml:"sample_interval_ms"`
	RetentionSamples      int     `yaml:"retention_samples"`
	RetentionMinutes      int     `yaml:"retention_minutes"`
	WarningMB             int     `yaml:"warning_mb"`
	CriticalMB            int     `yaml:"critical_mb"`
	OOMImminentMB         int     `yaml:"oom_imminent_mb"`
	TrendGrowthWarnMBMin  float64 `yaml:"trend_growth_rate_warning_mb_min"`
	AlertCooldownMs       int     `yaml:"alert_cooldown_ms"`
}

// DLQConfig controls retention/cleanup of the Dead Letter Queue (§4.C).
type DLQConfig struct {
	Dir                string `yaml:"dir"`
	CleanupIntervalMs  int    `yaml:"cleanup_interval_ms"`
	RetentionHours     int    `yaml:"retention_hours"`
	MaxEntries         int    `yaml:"max_entries"`
}

// AdminConfig controls the admin surface (§4.K).
type AdminConfig struct {
	Enabled bool `yaml:"enabled"`
}

// Default returns a Config with every inline spec default applied.
func Default() *Config {
	return &Config{
		LogLevel: "info",
		Broker: BrokerConfig{
			MaxFrameBytes:    2 << 20,
			HeartbeatMs:      15_000,
			IdleTimeoutMs:    60_000,
			ShutdownDrainMs:  5_000,
			ConnectTimeoutMs: 10_000,
			OutboxCapacity:   256,
			MaxBodyBytes:     1 << 20,
			RefillPerSec:     50,
			RateBurst:        100,
		},
		Storage: StorageConfig{
			MaxBatchSize:    64,
			MaxBatchBytes:   1 << 20,
			MaxBatchDelayMs: 50,
			RetentionHours:  24 * 14,
			MaxRows:         1_000_000,
			StorageRetryMs:  1_000,
		},
		Delivery: DeliveryConfig{
			AckTimeoutMs:     30_000,
			InitialBackoffMs: 500,
			MaxBackoffMs:     30_000,
			MaxAttempts:      5,
			TTLMs:            0,
			ReconnectGraceMs: 10_000,
		},
		Memory: MemoryConfig{
			SampleIntervalMs:     10_000,
			RetentionSamples:     360,
			RetentionMinutes:     60,
			WarningMB:            512,
			CriticalMB:           1024,
			OOMImminentMB:        1536,
			TrendGrowthWarnMBMin: 5,
			AlertCooldownMs:      60_000,
		},
		DLQ: DLQConfig{
			CleanupIntervalMs: 10 * 60 * 1000,
			RetentionHours:    24 * 30,
			MaxEntries:        100_000,
		},
		Admin: AdminConfig{Enabled: true},
	}
}

// Load reads stateDir/agent-relay.yaml (if present), applies it over the
// defaults, fills in derived paths, and layers environment overrides.
func Load(stateDir string) (*Config, error) {
	cfg := Default()
	cfg.StateDir = stateDir

	path := filepath.Join(stateDir, "agent-relay.yaml")
	if data, err := os.ReadFile(path); err == nil {
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("config: parse %s: %w", path, err)
		}
	} else if !os.IsNotExist(err) {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}

	cfg.applyEnv()
	cfg.applyDerivedPaths(stateDir)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyDerivedPaths(stateDir string) {
	if c.Broker.SocketPath == "" {
		c.Broker.SocketPath = filepath.Join(stateDir, "agent-relay.sock")
	}
	if c.Storage.Dir == "" {
		c.Storage.Dir = filepath.Join(stateDir, "messages.db")
	}
	if c.DLQ.Dir == "" {
		c.DLQ.Dir = filepath.Join(stateDir, "dlq.db")
	}
}

func (c *Config) applyEnv() {
	if v := os.Getenv("AGENT_RELAY_SOCKET"); v != "" {
		c.Broker.SocketPath = v
	}
	if v := os.Getenv("AGENT_RELAY_STATE_DIR"); v != "" {
		c.StateDir = v
	}
	if v := os.Getenv("AGENT_RELAY_LOG_LEVEL"); v != "" {
		c.LogLevel = v
	}
	overrideInt("AGENT_RELAY_MAX_FRAME_BYTES", &c.Broker.MaxFrameBytes)
	overrideInt("AGENT_RELAY_HEARTBEAT_MS", &c.Broker.HeartbeatMs)
	overrideInt("AGENT_RELAY_IDLE_TIMEOUT_MS", &c.Broker.IdleTimeoutMs)
	overrideInt("AGENT_RELAY_SHUTDOWN_DRAIN_MS", &c.Broker.ShutdownDrainMs)
	overrideInt("AGENT_RELAY_MAX_BODY_BYTES", &c.Broker.MaxBodyBytes)
	overrideInt("AGENT_RELAY_ACK_TIMEOUT_MS", &c.Delivery.AckTimeoutMs)
	overrideInt("AGENT_RELAY_INITIAL_BACKOFF_MS", &c.Delivery.InitialBackoffMs)
	overrideInt("AGENT_RELAY_MAX_BACKOFF_MS", &c.Delivery.MaxBackoffMs)
	overrideInt("AGENT_RELAY_MAX_ATTEMPTS", &c.Delivery.MaxAttempts)
	overrideInt("AGENT_RELAY_TTL_MS", &c.Delivery.TTLMs)
	overrideInt("AGENT_RELAY_RECONNECT_GRACE_MS", &c.Delivery.ReconnectGraceMs)
	overrideInt("AGENT_RELAY_SAMPLE_INTERVAL_MS", &c.Memory.SampleIntervalMs)
	overrideInt("AGENT_RELAY_ALERT_COOLDOWN_MS", &c.Memory.AlertCooldownMs)
}

func overrideInt(envVar string, dst *int) {
	v := os.Getenv(envVar)
	if v == "" {
		return
	}
	if n, err := strconv.Atoi(v); err == nil {
		*dst = n
	}
}

// Validate rejects obviously-broken configuration; the broker exits
// with code 64 (bad configuration) if this fails.
func (c *Config) Validate() error {
	if c.Broker.SocketPath == "" {
		return fmt.Errorf("config: broker.socket_path is required")
	}
	if c.Broker.MaxFrameBytes <= 0 {
		return fmt.Errorf("config: broker.max_frame_bytes must be positive")
	}
	if c.Delivery.MaxAttempts <= 0 {
		return fmt.Errorf("config: delivery.max_attempts must be positive")
	}
	if c.Memory.WarningMB <= 0 || c.Memory.CriticalMB <= c.Memory.WarningMB || c.Memory.OOMImminentMB <= c.Memory.CriticalMB {
		return fmt.Errorf("config: memory_monitor thresholds must satisfy warning < critical < oom_imminent")
	}
	return nil
}

// Duration helpers convert the millisecond fields used throughout the
// spec into time.Duration at the point of use.
func Ms(n int) time.Duration { return time.Duration(n) * time.Millisecond }
