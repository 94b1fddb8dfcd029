// Package config loads and validates the chatrelay startup configuration.
// Settings come from an optional YAML file overridden by environment
// variables, and are validated once at startup. There is no runtime
// reconfiguration: every value is a constant for the process lifetime.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"gopkg.in/yaml.v3"
)

// Config holds the runtime configuration for one chatrelay instance.
type Config struct {
	// InstanceID identifies this process on the broker for the process
	// lifetime. Defaults to {hostname}-{uuid8} so replicas never collide.
	InstanceID string `yaml:"instance_id"`

	// ListenAddr is the HTTP/websocket bind address (from CHATRELAY_LISTEN_ADDR).
	ListenAddr string `yaml:"listen_addr"`

	// RedisURL is the broker and store connection string (from REDIS_URL).
	RedisURL string `yaml:"redis_url"`

	// RetentionDays bounds how long an idle message partition survives.
	RetentionDays int `yaml:"retention_days"`

	// MaxUserMessages caps each per-identity partition.
	MaxUserMessages int64 `yaml:"max_user_messages"`

	// MaxGlobalMessages caps the shared global partition. Deliberately much
	// larger than the per-user cap: the per-user cap protects the global
	// history from one noisy identity, not the other way round.
	MaxGlobalMessages int64 `yaml:"max_global_messages"`

	// MinTaskDelay and MaxTaskDelay bound the simulated background task
	// duration.
	MinTaskDelay time.Duration `yaml:"min_task_delay"`
	MaxTaskDelay time.Duration `yaml:"max_task_delay"`
}

// Default returns the configuration used when no file or environment
// overrides are present.
func Default() *Config {
	hostname, err := os.Hostname()
	if err != nil || hostname == "" {
		hostname = "chatrelay"
	}

	return &Config{
		InstanceID:        fmt.Sprintf("%s-%s", hostname, uuid.New().String()[:8]),
		ListenAddr:        ":8000",
		RedisURL:          "redis://localhost:6379/0",
		RetentionDays:     7,
		MaxUserMessages:   1000,
		MaxGlobalMessages: 10000,
		MinTaskDelay:      5 * time.Second,
		MaxTaskDelay:      15 * time.Second,
	}
}

// Load builds the effective configuration: defaults, then the YAML file at
// path (skipped when path is empty), then environment variables. The result
// is validated before being returned so startup fails fast on bad settings.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// applyEnv overlays environment variables onto the configuration. Unset or
// malformed numeric variables leave the existing value in place; Validate
// catches anything that ends up out of range.
func (c *Config) applyEnv() {
	setString(&c.InstanceID, "CHATRELAY_INSTANCE_ID")
	setString(&c.ListenAddr, "CHATRELAY_LISTEN_ADDR")
	setString(&c.RedisURL, "REDIS_URL")
	setInt(&c.RetentionDays, "CHATRELAY_RETENTION_DAYS")
	setInt64(&c.MaxUserMessages, "CHATRELAY_MAX_USER_MESSAGES")
	setInt64(&c.MaxGlobalMessages, "CHATRELAY_MAX_GLOBAL_MESSAGES")
	setDuration(&c.MinTaskDelay, "CHATRELAY_MIN_TASK_DELAY")
	setDuration(&c.MaxTaskDelay, "CHATRELAY_MAX_TASK_DELAY")
}

// Validate checks that all configuration fields are present and coherent.
// Returns the first validation error encountered.
func (c *Config) Validate() error {
	if c.InstanceID == "" {
		return fmt.Errorf("instance_id must not be empty")
	}

	if c.ListenAddr == "" {
		return fmt.Errorf("listen_addr must not be empty")
	}

	if _, err := redis.ParseURL(c.RedisURL); err != nil {
		return fmt.Errorf("invalid redis_url: %w", err)
	}

	if c.RetentionDays < 1 {
		return fmt.Errorf("retention_days must be >= 1, got %d", c.RetentionDays)
	}

	if c.MaxUserMessages < 1 {
		return fmt.Errorf("max_user_messages must be >= 1, got %d", c.MaxUserMessages)
	}

	if c.MaxGlobalMessages < c.MaxUserMessages {
		return fmt.Errorf("max_global_messages (%d) must be >= max_user_messages (%d)",
			c.MaxGlobalMessages, c.MaxUserMessages)
	}

	if c.MinTaskDelay <= 0 {
		return fmt.Errorf("min_task_delay must be positive, got %s", c.MinTaskDelay)
	}

	if c.MaxTaskDelay < c.MinTaskDelay {
		return fmt.Errorf("max_task_delay (%s) must be >= min_task_delay (%s)",
			c.MaxTaskDelay, c.MinTaskDelay)
	}

	return nil
}

// Retention returns the partition retention window as a duration.
func (c *Config) Retention() time.Duration {
	return time.Duration(c.RetentionDays) * 24 * time.Hour
}

// RedisOptions parses the configured Redis URL. Validate has already checked
// it, so this only fails if called on an unvalidated Config.
func (c *Config) RedisOptions() (*redis.Options, error) {
	opts, err := redis.ParseURL(c.RedisURL)
	if err != nil {
		return nil, fmt.Errorf("invalid redis_url: %w", err)
	}
	return opts, nil
}

func setString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setInt64(dst *int64, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			*dst = n
		}
	}
}

// setDuration accepts Go duration strings ("30s") and, for compatibility with
// the container environment, bare integers interpreted as seconds.
func setDuration(dst *time.Duration, key string) {
	v := os.Getenv(key)
	if v == "" {
		return
	}
	if d, err := time.ParseDuration(v); err == nil {
		*dst = d
		return
	}
	if n, err := strconv.Atoi(v); err == nil {
		*dst = time.Duration(n) * time.Second
	}
}
