// Package config loads the orchestrator configuration from YAML and the
// environment and converts it into each component's own config.
package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/steveyegge/analyzerd/internal/breaker"
	"github.com/steveyegge/analyzerd/internal/deduplication"
	"github.com/steveyegge/analyzerd/internal/dispatch"
	"github.com/steveyegge/analyzerd/internal/endpoint"
	"github.com/steveyegge/analyzerd/internal/pool"
	"github.com/steveyegge/analyzerd/internal/storage"
	"github.com/steveyegge/analyzerd/internal/tasks"
	"gopkg.in/yaml.v3"
)

// ServiceClassConfig declares one analyzer family and its endpoints.
type ServiceClassConfig struct {
	Name      string   `yaml:"name"`
	Endpoints []string `yaml:"endpoints"`
	// MaxConcurrentConnections is the class-wide connection limit shared
	// by all of the class's endpoints. Default: 4
	MaxConcurrentConnections int `yaml:"max_concurrent_connections"`
}

// BreakerConfig is the per-endpoint circuit breaker section.
type BreakerConfig struct {
	FailureThreshold int           `yaml:"failure_threshold"`
	RecoveryTimeout  time.Duration `yaml:"recovery_timeout"`
	SuccessThreshold int           `yaml:"success_threshold"`
}

// LivenessConfig is the endpoint health section.
type LivenessConfig struct {
	MaxConsecutiveFailures int           `yaml:"max_consecutive_failures"`
	CooldownPeriod         time.Duration `yaml:"cooldown_period"`
	ProbeInterval          time.Duration `yaml:"probe_interval"`
	ProbeTimeout           time.Duration `yaml:"probe_timeout"`
	ProbeParallelism       int           `yaml:"probe_parallelism"`
}

// DispatchConfig is the dispatcher section.
type DispatchConfig struct {
	AcquireTimeout      time.Duration `yaml:"acquire_timeout"`
	ConnectTimeout      time.Duration `yaml:"connect_timeout"`
	TaskTimeout         time.Duration `yaml:"task_timeout"`
	CancelGrace         time.Duration `yaml:"cancel_grace"`
	MaxAttempts         int           `yaml:"max_attempts"`
	MaxActiveDispatches int           `yaml:"max_active_dispatches"`
	SelectionPolicy     string        `yaml:"selection_policy"`
}

// TasksConfig is the task registry section.
type TasksConfig struct {
	StuckThreshold    time.Duration `yaml:"stuck_threshold"`
	SweepInterval     time.Duration `yaml:"sweep_interval"`
	TerminalRetention time.Duration `yaml:"terminal_retention"`
}

// PipelineConfig is the streaming pipeline section.
type PipelineConfig struct {
	Parallelism   int     `yaml:"parallelism"`
	RatePerSecond float64 `yaml:"rate_per_second"`
	Burst         int     `yaml:"burst"`
}

// ControlConfig locates the control socket.
type ControlConfig struct {
	SocketPath string `yaml:"socket_path"`
}

// HTTPConfig configures the HTTP API. An empty Addr disables it.
type HTTPConfig struct {
	Addr string `yaml:"addr"`
}

// LogConfig configures the process logger.
type LogConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // text or json
}

// Config is the full orchestrator configuration.
type Config struct {
	ServiceClasses []ServiceClassConfig `yaml:"service_classes"`
	Breaker        BreakerConfig        `yaml:"breaker"`
	Liveness       LivenessConfig       `yaml:"liveness"`
	Dispatch       DispatchConfig       `yaml:"dispatch"`
	Tasks          TasksConfig          `yaml:"tasks"`
	Dedup          deduplication.Config `yaml:"dedup"`
	Pipeline       PipelineConfig       `yaml:"pipeline"`
	Storage        storage.Config       `yaml:"storage"`
	Events         EventRetentionConfig `yaml:"events"`
	Control        ControlConfig        `yaml:"control"`
	HTTP           HTTPConfig           `yaml:"http"`
	Log            LogConfig            `yaml:"log"`
}

// minClaimTTL keeps the leader's claim refresh (every third of the TTL)
// comfortably ahead of expiry.
const minClaimTTL = 3 * time.Second

// DefaultConfig returns a configuration with every default filled in and
// no service classes.
func DefaultConfig() Config {
	b := breaker.DefaultConfig()
	d := dispatch.DefaultConfig()
	return Config{
		Breaker: BreakerConfig{
			FailureThreshold: b.FailureThreshold,
			RecoveryTimeout:  b.RecoveryTimeout,
			SuccessThreshold: b.SuccessThreshold,
		},
		Liveness: LivenessConfig{
			MaxConsecutiveFailures: 3,
			CooldownPeriod:         60 * time.Second,
			ProbeInterval:          15 * time.Second,
			ProbeTimeout:           3 * time.Second,
			ProbeParallelism:       8,
		},
		Dispatch: DispatchConfig{
			AcquireTimeout:      d.AcquireTimeout,
			ConnectTimeout:      d.ConnectTimeout,
			TaskTimeout:         d.TaskTimeout,
			CancelGrace:         d.CancelGrace,
			MaxAttempts:         d.MaxAttempts,
			MaxActiveDispatches: d.MaxActiveDispatches,
			SelectionPolicy:     string(endpoint.RoundRobin),
		},
		Tasks: TasksConfig{
			StuckThreshold:    10 * time.Minute,
			SweepInterval:     30 * time.Second,
			TerminalRetention: time.Hour,
		},
		Dedup: deduplication.DefaultConfig(),
		Pipeline: PipelineConfig{
			Parallelism: 8,
			Burst:       1,
		},
		Storage: *storage.DefaultConfig(),
		Events:  DefaultEventRetentionConfig(),
		Control: ControlConfig{SocketPath: ".analyzerd/analyzerd.sock"},
		Log:     LogConfig{Level: "info", Format: "text"},
	}
}

// LoadFile reads a YAML config file over the defaults, then applies
// environment overrides and validates the result.
func LoadFile(path string) (Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("failed to read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("failed to parse config %s: %w", path, err)
	}

	if err := cfg.ApplyEnv(); err != nil {
		return cfg, err
	}
	if err := cfg.Validate(); err != nil {
		return cfg, fmt.Errorf("invalid configuration in %s: %w", path, err)
	}
	return cfg, nil
}

// Load reads path when it is non-empty and otherwise starts from the
// defaults plus environment overrides.
func Load(path string) (Config, error) {
	if path != "" {
		return LoadFile(path)
	}
	cfg := DefaultConfig()
	if err := cfg.ApplyEnv(); err != nil {
		return cfg, err
	}
	if err := cfg.Validate(); err != nil {
		return cfg, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// ApplyEnv overrides fields from environment variables.
//
// Environment variables:
//   - ANALYZERD_ENDPOINTS: service classes as "class=addr1,addr2;class2=addr3"
//     (replaces service_classes, keeping configured limits for known classes)
//   - ANALYZERD_STORAGE_PATH: database path
//   - ANALYZERD_CONTROL_SOCKET: control socket path
//   - ANALYZERD_HTTP_ADDR: HTTP API listen address
//   - ANALYZERD_LOG_LEVEL, ANALYZERD_LOG_FORMAT: logger settings
//   - ANALYZERD_ACQUIRE_TIMEOUT, ANALYZERD_CONNECT_TIMEOUT, ANALYZERD_TASK_TIMEOUT,
//     ANALYZERD_CANCEL_GRACE: dispatch timeouts as Go durations
//   - ANALYZERD_MAX_ATTEMPTS: transient-fault attempts per task
//   - ANALYZERD_STUCK_THRESHOLD: heartbeat silence before a task is stuck
//   - ANALYZERD_PIPELINE_PARALLELISM: streaming pipeline parallelism
//   - ANALYZERD_DEDUP_* and ANALYZERD_EVENT_*: see those sections
func (c *Config) ApplyEnv() error {
	if v := os.Getenv("ANALYZERD_ENDPOINTS"); v != "" {
		classes, err := ParseEndpoints(v)
		if err != nil {
			return fmt.Errorf("invalid value for ANALYZERD_ENDPOINTS: %w", err)
		}
		limits := make(map[string]int)
		for _, sc := range c.ServiceClasses {
			limits[sc.Name] = sc.MaxConcurrentConnections
		}
		for i := range classes {
			classes[i].MaxConcurrentConnections = limits[classes[i].Name]
		}
		c.ServiceClasses = classes
	}

	strs := []struct {
		key  string
		dest *string
	}{
		{"ANALYZERD_STORAGE_PATH", &c.Storage.Path},
		{"ANALYZERD_CONTROL_SOCKET", &c.Control.SocketPath},
		{"ANALYZERD_HTTP_ADDR", &c.HTTP.Addr},
		{"ANALYZERD_LOG_LEVEL", &c.Log.Level},
		{"ANALYZERD_LOG_FORMAT", &c.Log.Format},
	}
	for _, s := range strs {
		if err := parseEnvString(s.key, s.dest); err != nil {
			return err
		}
	}

	durations := []struct {
		key  string
		dest *time.Duration
	}{
		{"ANALYZERD_ACQUIRE_TIMEOUT", &c.Dispatch.AcquireTimeout},
		{"ANALYZERD_CONNECT_TIMEOUT", &c.Dispatch.ConnectTimeout},
		{"ANALYZERD_TASK_TIMEOUT", &c.Dispatch.TaskTimeout},
		{"ANALYZERD_CANCEL_GRACE", &c.Dispatch.CancelGrace},
		{"ANALYZERD_STUCK_THRESHOLD", &c.Tasks.StuckThreshold},
	}
	for _, d := range durations {
		if err := parseEnvDuration(d.key, d.dest); err != nil {
			return err
		}
	}

	if err := parseEnvInt("ANALYZERD_MAX_ATTEMPTS", &c.Dispatch.MaxAttempts); err != nil {
		return err
	}
	if err := parseEnvInt("ANALYZERD_PIPELINE_PARALLELISM", &c.Pipeline.Parallelism); err != nil {
		return err
	}

	if err := c.Dedup.ApplyEnv(); err != nil {
		return err
	}
	return c.Events.ApplyEnv()
}

// ParseEndpoints parses "class=addr1,addr2;class2=addr3".
func ParseEndpoints(s string) ([]ServiceClassConfig, error) {
	var out []ServiceClassConfig
	for _, part := range strings.Split(s, ";") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		name, addrs, ok := strings.Cut(part, "=")
		if !ok || strings.TrimSpace(name) == "" {
			return nil, fmt.Errorf("expected class=addr[,addr...], got %q", part)
		}
		sc := ServiceClassConfig{Name: strings.TrimSpace(name)}
		for _, a := range strings.Split(addrs, ",") {
			if a = strings.TrimSpace(a); a != "" {
				sc.Endpoints = append(sc.Endpoints, a)
			}
		}
		out = append(out, sc)
	}
	return out, nil
}

// Validate checks if the configuration has valid values
func (c Config) Validate() error {
	var errs []error

	seen := make(map[string]bool)
	for _, sc := range c.ServiceClasses {
		if sc.Name == "" {
			errs = append(errs, errors.New("service class without a name"))
			continue
		}
		if seen[sc.Name] {
			errs = append(errs, fmt.Errorf("service class %q declared twice", sc.Name))
		}
		seen[sc.Name] = true
		if len(sc.Endpoints) == 0 {
			errs = append(errs, fmt.Errorf("service class %q has no endpoints", sc.Name))
		}
		if sc.MaxConcurrentConnections < 0 {
			errs = append(errs, fmt.Errorf("service class %q: max_concurrent_connections cannot be negative", sc.Name))
		}
	}

	if err := c.breakerConfig().Validate(); err != nil {
		errs = append(errs, fmt.Errorf("breaker: %w", err))
	}
	if c.Liveness.MaxConsecutiveFailures < 1 {
		errs = append(errs, fmt.Errorf("liveness: max_consecutive_failures must be at least 1 (got %d)", c.Liveness.MaxConsecutiveFailures))
	}
	if c.Liveness.CooldownPeriod <= 0 || c.Liveness.ProbeInterval <= 0 || c.Liveness.ProbeTimeout <= 0 {
		errs = append(errs, errors.New("liveness: cooldown_period, probe_interval and probe_timeout must be positive"))
	}
	if err := c.DispatchConfig().Validate(); err != nil {
		errs = append(errs, fmt.Errorf("dispatch: %w", err))
	}
	if _, err := endpoint.ParsePolicy(c.Dispatch.SelectionPolicy); err != nil {
		errs = append(errs, fmt.Errorf("dispatch: %w", err))
	}
	if c.Tasks.StuckThreshold <= 0 || c.Tasks.SweepInterval <= 0 {
		errs = append(errs, errors.New("tasks: stuck_threshold and sweep_interval must be positive"))
	}
	if c.Dedup.RedisAddr != "" && c.Dedup.ClaimTTL < minClaimTTL {
		errs = append(errs, fmt.Errorf("dedup: claim_ttl (%v) must be at least %v", c.Dedup.ClaimTTL, minClaimTTL))
	}
	if err := c.Dedup.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("dedup: %w", err))
	}
	if c.Pipeline.Parallelism < 1 {
		errs = append(errs, fmt.Errorf("pipeline: parallelism must be at least 1 (got %d)", c.Pipeline.Parallelism))
	}
	if c.Pipeline.RatePerSecond < 0 {
		errs = append(errs, errors.New("pipeline: rate_per_second cannot be negative"))
	}
	if err := c.Events.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("events: %w", err))
	}
	if _, err := parseLevel(c.Log.Level); err != nil {
		errs = append(errs, fmt.Errorf("log: %w", err))
	}
	if c.Log.Format != "" && c.Log.Format != "text" && c.Log.Format != "json" {
		errs = append(errs, fmt.Errorf("log: format must be text or json (got %q)", c.Log.Format))
	}

	return errors.Join(errs...)
}

func (c Config) breakerConfig() breaker.Config {
	return breaker.Config{
		FailureThreshold: c.Breaker.FailureThreshold,
		RecoveryTimeout:  c.Breaker.RecoveryTimeout,
		SuccessThreshold: c.Breaker.SuccessThreshold,
	}
}

// ClassNames returns the configured service class names, sorted.
func (c Config) ClassNames() []string {
	names := make([]string, 0, len(c.ServiceClasses))
	for _, sc := range c.ServiceClasses {
		names = append(names, sc.Name)
	}
	sort.Strings(names)
	return names
}

// EndpointConfig converts the endpoint-related sections. Observers, logger
// and metrics are wired by the caller.
func (c Config) EndpointConfig() endpoint.Config {
	classes := make(map[string][]string, len(c.ServiceClasses))
	for _, sc := range c.ServiceClasses {
		classes[sc.Name] = append([]string(nil), sc.Endpoints...)
	}
	policy, _ := endpoint.ParsePolicy(c.Dispatch.SelectionPolicy)
	return endpoint.Config{
		Classes:                classes,
		Breaker:                c.breakerConfig(),
		MaxConsecutiveFailures: c.Liveness.MaxConsecutiveFailures,
		CooldownPeriod:         c.Liveness.CooldownPeriod,
		Policy:                 policy,
	}
}

// ProberConfig converts the liveness probe settings.
func (c Config) ProberConfig() endpoint.ProberConfig {
	return endpoint.ProberConfig{
		Interval:    c.Liveness.ProbeInterval,
		Timeout:     c.Liveness.ProbeTimeout,
		Parallelism: c.Liveness.ProbeParallelism,
	}
}

// PoolConfig converts the per-class connection limits.
func (c Config) PoolConfig() pool.Config {
	limits := make(map[string]int)
	for _, sc := range c.ServiceClasses {
		if sc.MaxConcurrentConnections > 0 {
			limits[sc.Name] = sc.MaxConcurrentConnections
		}
	}
	return pool.Config{Limits: limits}
}

// TasksConfig converts the task registry section.
func (c Config) TasksConfig() tasks.Config {
	return tasks.Config{
		StuckThreshold:    c.Tasks.StuckThreshold,
		SweepInterval:     c.Tasks.SweepInterval,
		TerminalRetention: c.Tasks.TerminalRetention,
	}
}

// DispatchConfig converts the dispatcher section.
func (c Config) DispatchConfig() dispatch.Config {
	return dispatch.Config{
		AcquireTimeout:      c.Dispatch.AcquireTimeout,
		ConnectTimeout:      c.Dispatch.ConnectTimeout,
		TaskTimeout:         c.Dispatch.TaskTimeout,
		CancelGrace:         c.Dispatch.CancelGrace,
		MaxAttempts:         c.Dispatch.MaxAttempts,
		MaxActiveDispatches: c.Dispatch.MaxActiveDispatches,
	}
}

// PipelineConfig converts the streaming pipeline section.
func (c Config) PipelineConfig() dispatch.PipelineConfig {
	return dispatch.PipelineConfig{
		Parallelism:   c.Pipeline.Parallelism,
		RatePerSecond: c.Pipeline.RatePerSecond,
		Burst:         c.Pipeline.Burst,
	}
}

// NewLogger builds the process logger described by the log section.
func (c LogConfig) NewLogger(w io.Writer) *slog.Logger {
	level, err := parseLevel(c.Level)
	if err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	if c.Format == "json" {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

func parseLevel(s string) (slog.Level, error) {
	var level slog.Level
	if s == "" {
		return slog.LevelInfo, nil
	}
	if err := level.UnmarshalText([]byte(s)); err != nil {
		return level, fmt.Errorf("unknown level %q", s)
	}
	return level, nil
}
