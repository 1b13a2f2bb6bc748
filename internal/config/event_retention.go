package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"
)

// EventRetentionConfig bounds the event history. Cleanup runs three passes
// in order: age, per-task cap, global cap. Error and critical events outlive
// the regular retention and are never trimmed by the per-task cap.
type EventRetentionConfig struct {
	RetentionDays         int `yaml:"retention_days"`          // 1-365
	RetentionCriticalDays int `yaml:"retention_critical_days"` // >= RetentionDays, max 730

	// PerTaskLimitEvents caps the events kept per task; progress-heavy tasks
	// lose their oldest non-critical events first. 0 disables the cap.
	PerTaskLimitEvents int `yaml:"per_task_limit_events"`
	GlobalLimitEvents  int `yaml:"global_limit_events"`

	CleanupInterval  time.Duration `yaml:"cleanup_interval"`
	CleanupBatchSize int           `yaml:"cleanup_batch_size"` // rows per DELETE
	CleanupEnabled   bool          `yaml:"cleanup_enabled"`
	CleanupVacuum    bool          `yaml:"cleanup_vacuum"`
}

func DefaultEventRetentionConfig() EventRetentionConfig {
	return EventRetentionConfig{
		RetentionDays:         30,
		RetentionCriticalDays: 90,
		PerTaskLimitEvents:    500,
		GlobalLimitEvents:     100000,
		CleanupInterval:       24 * time.Hour,
		CleanupBatchSize:      1000,
		CleanupEnabled:        true,
	}
}

// Validate reports every out-of-range field at once.
func (c EventRetentionConfig) Validate() error {
	var errs []error
	between := func(name string, v, lo, hi int) {
		if v < lo || v > hi {
			errs = append(errs, fmt.Errorf("%s must be between %d and %d (got %d)", name, lo, hi, v))
		}
	}

	between("retention_days", c.RetentionDays, 1, 365)
	between("retention_critical_days", c.RetentionCriticalDays, 1, 730)
	if c.RetentionCriticalDays < c.RetentionDays {
		errs = append(errs, fmt.Errorf("retention_critical_days (%d) must be >= retention_days (%d)",
			c.RetentionCriticalDays, c.RetentionDays))
	}
	if c.PerTaskLimitEvents != 0 {
		between("per_task_limit_events", c.PerTaskLimitEvents, 50, 10000)
	}
	between("global_limit_events", c.GlobalLimitEvents, 1000, 1000000)
	between("cleanup_batch_size", c.CleanupBatchSize, 100, 10000)
	if c.CleanupInterval < time.Minute || c.CleanupInterval > 168*time.Hour {
		errs = append(errs, fmt.Errorf("cleanup_interval must be between 1m and 168h (got %v)", c.CleanupInterval))
	}
	return errors.Join(errs...)
}

// Retention returns the regular and critical retention periods.
func (c EventRetentionConfig) Retention() (regular, critical time.Duration) {
	const day = 24 * time.Hour
	return time.Duration(c.RetentionDays) * day, time.Duration(c.RetentionCriticalDays) * day
}

// ApplyEnv overrides fields from ANALYZERD_EVENT_* variables:
// RETENTION_DAYS, RETENTION_CRITICAL_DAYS, PER_TASK_LIMIT, GLOBAL_LIMIT,
// CLEANUP_INTERVAL (a Go duration), CLEANUP_BATCH_SIZE, CLEANUP_ENABLED and
// CLEANUP_VACUUM.
func (c *EventRetentionConfig) ApplyEnv() error {
	ints := []struct {
		key  string
		dest *int
	}{
		{"ANALYZERD_EVENT_RETENTION_DAYS", &c.RetentionDays},
		{"ANALYZERD_EVENT_RETENTION_CRITICAL_DAYS", &c.RetentionCriticalDays},
		{"ANALYZERD_EVENT_PER_TASK_LIMIT", &c.PerTaskLimitEvents},
		{"ANALYZERD_EVENT_GLOBAL_LIMIT", &c.GlobalLimitEvents},
		{"ANALYZERD_EVENT_CLEANUP_BATCH_SIZE", &c.CleanupBatchSize},
	}
	for _, f := range ints {
		if err := parseEnvInt(f.key, f.dest); err != nil {
			return err
		}
	}
	if err := parseEnvDuration("ANALYZERD_EVENT_CLEANUP_INTERVAL", &c.CleanupInterval); err != nil {
		return err
	}
	if err := parseEnvBool("ANALYZERD_EVENT_CLEANUP_ENABLED", &c.CleanupEnabled); err != nil {
		return err
	}
	return parseEnvBool("ANALYZERD_EVENT_CLEANUP_VACUUM", &c.CleanupVacuum)
}

// parseEnvInt parses an int from an environment variable
func parseEnvInt(key string, dest *int) error {
	value := os.Getenv(key)
	if value == "" {
		return nil // Use default
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return fmt.Errorf("invalid value for %s: %w", key, err)
	}
	*dest = parsed
	return nil
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

// parseEnvString parses a string from an environment variable
func parseEnvString(key string, dest *string) error {
	value := os.Getenv(key)
	if value == "" {
		return nil // Use default
	}
	*dest = value
	return nil
}

// parseEnvDuration parses a Go duration string ("30s", "5m") from an
// environment variable
func parseEnvDuration(key string, dest *time.Duration) error {
	value := os.Getenv(key)
	if value == "" {
		return nil // Use default
	}
	parsed, err := time.ParseDuration(value)
	if err != nil {
		return fmt.Errorf("invalid value for %s: %w", key, err)
	}
	*dest = parsed
	return nil
}
