package deduplication

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config holds configuration for request deduplication
type Config struct {
	// Enabled collapses concurrent identical submissions into one execution.
	// When false every submission dispatches on its own.
	// Default: true
	Enabled bool `yaml:"enabled"`

	// RedisAddr enables the cross-process claim store when set.
	// Empty keeps deduplication process-local.
	// Default: "" (process-local)
	RedisAddr string `yaml:"redis_addr"`

	// ClaimTTL bounds how long a cross-process claim lives without being
	// refreshed. A running leader refreshes it every third of the TTL, so
	// it only limits how long a crashed leader blocks the key.
	// Default: 30 minutes
	ClaimTTL time.Duration `yaml:"claim_ttl"`

	// ResultTTL is how long a published outcome stays readable by remote
	// waiters.
	// Default: 5 minutes
	ResultTTL time.Duration `yaml:"result_ttl"`

	// PollInterval is how often remote waiters check for the outcome.
	// Default: 500ms
	PollInterval time.Duration `yaml:"poll_interval"`

	// KeyPrefix namespaces all Redis keys.
	// Default: "analyzerd:dedup:"
	KeyPrefix string `yaml:"key_prefix"`
}

// DefaultConfig returns the default deduplication configuration
func DefaultConfig() Config {
	return Config{
		Enabled:      true,
		RedisAddr:    "",
		ClaimTTL:     30 * time.Minute,
		ResultTTL:    5 * time.Minute,
		PollInterval: 500 * time.Millisecond,
		KeyPrefix:    "analyzerd:dedup:",
	}
}

// Validate checks if the configuration has valid values
func (c Config) Validate() error {
	if c.ClaimTTL <= 0 {
		return fmt.Errorf("claim_ttl must be positive (got %v)", c.ClaimTTL)
	}
	if c.ResultTTL <= 0 {
		return fmt.Errorf("result_ttl must be positive (got %v)", c.ResultTTL)
	}
	if c.PollInterval <= 0 {
		return fmt.Errorf("poll_interval must be positive (got %v)", c.PollInterval)
	}
	if c.PollInterval > time.Minute {
		return fmt.Errorf("poll_interval too large (got %v, max 1 minute)", c.PollInterval)
	}
	if c.RedisAddr != "" && c.KeyPrefix == "" {
		return fmt.Errorf("key_prefix is required when redis_addr is set")
	}
	return nil
}

// String returns a human-readable representation of the config
func (c Config) String() string {
	redis := c.RedisAddr
	if redis == "" {
		redis = "off"
	}
	return fmt.Sprintf(
		"Config{Enabled: %t, Redis: %s, ClaimTTL: %v, ResultTTL: %v, Poll: %v}",
		c.Enabled, redis, c.ClaimTTL, c.ResultTTL, c.PollInterval,
	)
}

// ApplyEnv overrides fields from environment variables.
//
// Environment variables:
//   - ANALYZERD_DEDUP_ENABLED: Enable deduplication (default: true)
//   - ANALYZERD_DEDUP_REDIS_ADDR: Redis address for cross-process claims (default: unset)
//   - ANALYZERD_DEDUP_CLAIM_TTL_SECS: Claim lifetime in seconds (default: 1800)
//   - ANALYZERD_DEDUP_RESULT_TTL_SECS: Outcome lifetime in seconds (default: 300)
//   - ANALYZERD_DEDUP_POLL_MS: Remote waiter poll interval in milliseconds (default: 500)
func (c *Config) ApplyEnv() error {
	if err := parseEnvBool("ANALYZERD_DEDUP_ENABLED", &c.Enabled); err != nil {
		return err
	}
	if v := os.Getenv("ANALYZERD_DEDUP_REDIS_ADDR"); v != "" {
		c.RedisAddr = v
	}
	if err := parseEnvDuration("ANALYZERD_DEDUP_CLAIM_TTL_SECS", &c.ClaimTTL, time.Second); err != nil {
		return err
	}
	if err := parseEnvDuration("ANALYZERD_DEDUP_RESULT_TTL_SECS", &c.ResultTTL, time.Second); err != nil {
		return err
	}
	if err := parseEnvDuration("ANALYZERD_DEDUP_POLL_MS", &c.PollInterval, time.Millisecond); err != nil {
		return err
	}
	return nil
}

// ConfigFromEnv creates a Config from environment variables, falling back to defaults
//
// Returns an error if any environment variable has an invalid value.
func ConfigFromEnv() (Config, error) {
	cfg := DefaultConfig()
	if err := cfg.ApplyEnv(); err != nil {
		return cfg, err
	}

	// Validate the final configuration
	if err := cfg.Validate(); err != nil {
		return cfg, fmt.Errorf("invalid configuration from environment: %w", err)
	}

	return cfg, nil
}

// parseEnvBool parses a bool from an environment variable
func parseEnvBool(key string, dest *bool) error {
	value := os.Getenv(key)
	if value == "" {
		return nil // Use default
	}
	parsed, err := strconv.ParseBool(value)
	if err != nil {
		return fmt.Errorf("invalid value for %s: %w", key, err)
	}
	*dest = parsed
	return nil
}

// parseEnvDuration parses a duration from an environment variable
// The multiplier is used to convert the numeric value to a duration
// (e.g., for seconds: multiplier = time.Second)
func parseEnvDuration(key string, dest *time.Duration, multiplier time.Duration) error {
	value := os.Getenv(key)
	if value == "" {
		return nil // Use default
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return fmt.Errorf("invalid value for %s: %w", key, err)
	}
	*dest = time.Duration(parsed) * multiplier
	return nil
}
