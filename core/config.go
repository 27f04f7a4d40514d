package core

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds every configuration section of the execution control plane.
// Three-layer priority, lowest to highest:
//  1. Defaults (DefaultConfig)
//  2. Environment variables (LoadFromEnv, prefix PLANE_)
//  3. Functional options (NewConfig(opts...))
//
// Example:
//
//	cfg, err := core.NewConfig(
//	    core.WithName("payments-plane"),
//	    core.WithEffortThresholds(0.8, 0.2),
//	)
type Config struct {
	Name string `json:"name" env:"PLANE_NAME" default:"execplane"`
	ID   string `json:"id" env:"PLANE_ID"`

	Validation ValidationConfig `json:"validation"`
	Policy     PolicyConfig     `json:"policy"`
	Effort     EffortConfig     `json:"effort"`
	Sandbox    SandboxConfig    `json:"sandbox"`
	ToolExec   ToolExecConfig   `json:"tool_exec"`
	Audit      AuditConfig      `json:"audit"`
	Memory     MemoryConfig     `json:"memory"`
	Storage    StorageConfig    `json:"storage"`
	Telemetry  TelemetryConfig  `json:"telemetry"`
	Logging    LoggingConfig    `json:"logging"`

	Development DevelopmentConfig `json:"development"`

	logger Logger `json:"-"`
}

// ValidationConfig controls the CRV pipeline's default behavior.
type ValidationConfig struct {
	StopOnFirstFailure bool    `json:"stop_on_first_failure" env:"PLANE_VALIDATION_STOP_ON_FIRST" default:"true"`
	MinConfidence      float64 `json:"min_confidence" env:"PLANE_VALIDATION_MIN_CONFIDENCE" default:"0.5"`
}

// PolicyConfig controls the Goal-Guard policy gate.
type PolicyConfig struct {
	// RequireJustificationForCritical requires a non-empty justification
	// string on any critical-risk-tier action before it can even reach
	// approval_required state.
	RequireJustificationForCritical bool `json:"require_justification_for_critical" env:"PLANE_POLICY_REQUIRE_JUSTIFICATION" default:"true"`
}

// EffortConfig controls the cost/risk scorer.
type EffortConfig struct {
	ApproveThreshold float64 `json:"approve_threshold" env:"PLANE_EFFORT_APPROVE_THRESHOLD" default:"0.75"`
	RejectThreshold  float64 `json:"reject_threshold" env:"PLANE_EFFORT_REJECT_THRESHOLD" default:"0.25"`
	CostWeight       float64 `json:"cost_weight" env:"PLANE_EFFORT_COST_WEIGHT" default:"0.34"`
	RiskWeight       float64 `json:"risk_weight" env:"PLANE_EFFORT_RISK_WEIGHT" default:"0.33"`
	QualityWeight    float64 `json:"quality_weight" env:"PLANE_EFFORT_QUALITY_WEIGHT" default:"0.33"`
}

// SandboxConfig controls default resource ceilings for sandboxes that don't
// specify their own.
type SandboxConfig struct {
	DefaultMaxCPUUnits      int64         `json:"default_max_cpu_units" env:"PLANE_SANDBOX_MAX_CPU" default:"1000"`
	DefaultMaxMemoryBytes   int64         `json:"default_max_memory_bytes" env:"PLANE_SANDBOX_MAX_MEMORY" default:"268435456"`
	DefaultMaxExecutionTime time.Duration `json:"default_max_execution_time" env:"PLANE_SANDBOX_MAX_EXEC_TIME" default:"30s"`
	DefaultMaxProcessCount  int           `json:"default_max_process_count" env:"PLANE_SANDBOX_MAX_PROCESSES" default:"4"`
	Provider                string        `json:"provider" env:"PLANE_SANDBOX_PROVIDER" default:"simulation"`
}

// ToolExecConfig controls the tool execution wrapper.
type ToolExecConfig struct {
	DefaultTimeout  time.Duration `json:"default_timeout" env:"PLANE_TOOLEXEC_TIMEOUT" default:"30s"`
	MaxAttempts     int           `json:"max_attempts" env:"PLANE_TOOLEXEC_MAX_ATTEMPTS" default:"3"`
	InitialInterval time.Duration `json:"initial_interval" env:"PLANE_TOOLEXEC_RETRY_INITIAL" default:"250ms"`
	MaxInterval     time.Duration `json:"max_interval" env:"PLANE_TOOLEXEC_RETRY_MAX" default:"5s"`
	Multiplier      float64       `json:"multiplier" env:"PLANE_TOOLEXEC_RETRY_MULTIPLIER" default:"2.0"`
}

// AuditConfig controls the hash-chained append-only log.
type AuditConfig struct {
	SensitiveFields []string `json:"sensitive_fields" env:"PLANE_AUDIT_SENSITIVE_FIELDS"`
	RotateBytes     int64    `json:"rotate_bytes" env:"PLANE_AUDIT_ROTATE_BYTES" default:"104857600"`
}

// MemoryConfig controls snapshot cadence and retention-tier transitions.
type MemoryConfig struct {
	SnapshotInterval        time.Duration `json:"snapshot_interval" env:"PLANE_MEMORY_SNAPSHOT_INTERVAL" default:"5m"`
	MaxSnapshotInterval     time.Duration `json:"max_snapshot_interval" env:"PLANE_MEMORY_MAX_SNAPSHOT_INTERVAL" default:"30m"`
	StateChangeThreshold    int           `json:"state_change_threshold" env:"PLANE_MEMORY_STATE_CHANGE_THRESHOLD" default:"50"`
	MemoryWriteThreshold    int           `json:"memory_write_threshold" env:"PLANE_MEMORY_WRITE_THRESHOLD" default:"100"`
	RetainCount             int           `json:"retain_count" env:"PLANE_MEMORY_RETAIN_COUNT" default:"20"`
	HighAccessCountHoldTier int           `json:"high_access_count_hold_tier" env:"PLANE_MEMORY_HIGH_ACCESS_THRESHOLD" default:"25"`
}

// StorageConfig selects and configures the storage back-end.
type StorageConfig struct {
	Provider string `json:"provider" env:"PLANE_STORAGE_PROVIDER" default:"inmemory"`
	RedisURL string `json:"redis_url" env:"PLANE_STORAGE_REDIS_URL,REDIS_URL"`
	KeyPrefix string `json:"key_prefix" env:"PLANE_STORAGE_KEY_PREFIX" default:"execplane:"`
}

// TelemetryConfig controls OTel tracing/metrics export.
type TelemetryConfig struct {
	Enabled        bool    `json:"enabled" env:"PLANE_TELEMETRY_ENABLED" default:"false"`
	Endpoint       string  `json:"endpoint" env:"PLANE_TELEMETRY_ENDPOINT,OTEL_EXPORTER_OTLP_ENDPOINT"`
	ServiceName    string  `json:"service_name" env:"PLANE_TELEMETRY_SERVICE_NAME,OTEL_SERVICE_NAME"`
	MetricsEnabled bool    `json:"metrics_enabled" env:"PLANE_TELEMETRY_METRICS" default:"true"`
	TracingEnabled bool    `json:"tracing_enabled" env:"PLANE_TELEMETRY_TRACING" default:"true"`
	SamplingRate   float64 `json:"sampling_rate" env:"PLANE_TELEMETRY_SAMPLING_RATE" default:"1.0"`
	Insecure       bool    `json:"insecure" env:"PLANE_TELEMETRY_INSECURE" default:"true"`
	UseStdout      bool    `json:"use_stdout" env:"PLANE_TELEMETRY_STDOUT" default:"true"`
}

// LoggingConfig controls structured logging output.
type LoggingConfig struct {
	Level  string `json:"level" env:"PLANE_LOG_LEVEL" default:"info"`
	Format string `json:"format" env:"PLANE_LOG_FORMAT" default:"json"`
	Output string `json:"output" env:"PLANE_LOG_OUTPUT" default:"stdout"`
}

// DevelopmentConfig holds flags for local iteration. No package in this
// module reads them: setting them does not change the sandbox provider or
// the storage back-end.
type DevelopmentConfig struct {
	Enabled      bool `json:"enabled" env:"PLANE_DEV_MODE" default:"false"`
	MockStorage  bool `json:"mock_storage" env:"PLANE_DEV_MOCK_STORAGE" default:"false"`
	PrettyLogs   bool `json:"pretty_logs" env:"PLANE_DEV_PRETTY_LOGS" default:"false"`
}

// Option configures a Config at construction time; options are applied in
// order and may return an error to reject an invalid value.
type Option func(*Config) error

// WithName sets the plane instance name used in logs and telemetry.
func WithName(name string) Option {
	return func(c *Config) error {
		if name == "" {
			return fmt.Errorf("%w: name must not be empty", ErrInvalidConfiguration)
		}
		c.Name = name
		return nil
	}
}

// WithEffortThresholds sets the approve/reject cutoffs for the effort
// evaluator. approve must be greater than reject.
func WithEffortThresholds(approve, reject float64) Option {
	return func(c *Config) error {
		if !(reject < approve) {
			return fmt.Errorf("%w: reject threshold must be below approve threshold", ErrInvalidConfiguration)
		}
		c.Effort.ApproveThreshold = approve
		c.Effort.RejectThreshold = reject
		return nil
	}
}

// WithStorageRedisURL points the storage back-end at a Redis instance.
func WithStorageRedisURL(url string) Option {
	return func(c *Config) error {
		c.Storage.Provider = "redis"
		c.Storage.RedisURL = url
		return nil
	}
}

// WithLogger injects a pre-built logger, bypassing LoggingConfig-driven
// construction.
func WithLogger(l Logger) Option {
	return func(c *Config) error {
		c.logger = l
		return nil
	}
}

// WithTelemetryEndpoint enables OTel export to the given OTLP endpoint.
func WithTelemetryEndpoint(endpoint string) Option {
	return func(c *Config) error {
		c.Telemetry.Enabled = true
		c.Telemetry.Endpoint = endpoint
		c.Telemetry.UseStdout = false
		return nil
	}
}

// DefaultConfig returns sensible defaults for every section.
func DefaultConfig() *Config {
	return &Config{
		Name: "execplane",
		Validation: ValidationConfig{
			StopOnFirstFailure: true,
			MinConfidence:      0.5,
		},
		Policy: PolicyConfig{
			RequireJustificationForCritical: true,
		},
		Effort: EffortConfig{
			ApproveThreshold: 0.75,
			RejectThreshold:  0.25,
			CostWeight:       0.34,
			RiskWeight:       0.33,
			QualityWeight:    0.33,
		},
		Sandbox: SandboxConfig{
			DefaultMaxCPUUnits:      1000,
			DefaultMaxMemoryBytes:   256 << 20,
			DefaultMaxExecutionTime: 30 * time.Second,
			DefaultMaxProcessCount:  4,
			Provider:                "simulation",
		},
		ToolExec: ToolExecConfig{
			DefaultTimeout:  30 * time.Second,
			MaxAttempts:     3,
			InitialInterval: 250 * time.Millisecond,
			MaxInterval:     5 * time.Second,
			Multiplier:      2.0,
		},
		Audit: AuditConfig{
			SensitiveFields: []string{"password", "token", "access_token", "api_key", "apiKey", "secret", "credentials"},
			RotateBytes:     100 << 20,
		},
		Memory: MemoryConfig{
			SnapshotInterval:        5 * time.Minute,
			MaxSnapshotInterval:     30 * time.Minute,
			StateChangeThreshold:    50,
			MemoryWriteThreshold:    100,
			RetainCount:             20,
			HighAccessCountHoldTier: 25,
		},
		Storage: StorageConfig{
			Provider:  "inmemory",
			KeyPrefix: "execplane:",
		},
		Telemetry: TelemetryConfig{
			MetricsEnabled: true,
			TracingEnabled: true,
			SamplingRate:   1.0,
			Insecure:       true,
			UseStdout:      true,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Output: "stdout",
		},
	}
}

// LoadFromEnv overlays environment variables (prefix PLANE_, with a few
// well-known unprefixed fallbacks like REDIS_URL) onto the receiver.
// Only the variables named in its body are read; an `env` struct tag on a
// field does not by itself make that field loadable from the environment.
// Functional options applied afterward still take precedence.
func LoadFromEnv(c *Config) {
	if v := os.Getenv("PLANE_NAME"); v != "" {
		c.Name = v
	}
	if v := os.Getenv("PLANE_ID"); v != "" {
		c.ID = v
	}
	if v := os.Getenv("PLANE_EFFORT_APPROVE_THRESHOLD"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			c.Effort.ApproveThreshold = f
		}
	}
	if v := os.Getenv("PLANE_EFFORT_REJECT_THRESHOLD"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			c.Effort.RejectThreshold = f
		}
	}
	if v := os.Getenv("PLANE_STORAGE_PROVIDER"); v != "" {
		c.Storage.Provider = v
	}
	if v := os.Getenv("PLANE_STORAGE_REDIS_URL"); v != "" {
		c.Storage.RedisURL = v
	} else if v := os.Getenv("REDIS_URL"); v != "" {
		c.Storage.RedisURL = v
	}
	if v := os.Getenv("PLANE_SANDBOX_PROVIDER"); v != "" {
		c.Sandbox.Provider = v
	}
	if v := os.Getenv("PLANE_TELEMETRY_ENABLED"); v != "" {
		c.Telemetry.Enabled = strings.EqualFold(v, "true")
	}
	if v := os.Getenv("PLANE_TELEMETRY_ENDPOINT"); v != "" {
		c.Telemetry.Endpoint = v
	} else if v := os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"); v != "" {
		c.Telemetry.Endpoint = v
	}
	if v := os.Getenv("PLANE_LOG_LEVEL"); v != "" {
		c.Logging.Level = v
	}
	if v := os.Getenv("PLANE_LOG_FORMAT"); v != "" {
		c.Logging.Format = v
	}
	if v := os.Getenv("PLANE_DEV_MODE"); v != "" {
		c.Development.Enabled = strings.EqualFold(v, "true")
	}
}

// NewConfig builds a Config from defaults, then environment variables, then
// the supplied options, validating the result.
func NewConfig(opts ...Option) (*Config, error) {
	cfg := DefaultConfig()
	LoadFromEnv(cfg)

	for _, opt := range opts {
		if err := opt(cfg); err != nil {
			return nil, err
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// Logger returns the configured logger, or nil if none was injected via
// WithLogger. Callers should fall back to a NoOpLogger or their own default.
func (c *Config) Logger() Logger {
	return c.logger
}

// Validate checks cross-field invariants that a single Option or env var
// cannot catch in isolation.
func (c *Config) Validate() error {
	if c.Name == "" {
		return fmt.Errorf("%w: name must not be empty", ErrMissingConfiguration)
	}
	if c.Effort.RejectThreshold >= c.Effort.ApproveThreshold {
		return fmt.Errorf("%w: effort reject threshold must be below approve threshold", ErrInvalidConfiguration)
	}
	if c.Effort.ApproveThreshold > 1.0 || c.Effort.RejectThreshold < 0.0 {
		return fmt.Errorf("%w: effort thresholds must be within [0,1]", ErrInvalidConfiguration)
	}
	sumWeights := c.Effort.CostWeight + c.Effort.RiskWeight + c.Effort.QualityWeight
	if sumWeights <= 0 {
		return fmt.Errorf("%w: effort weights must sum to a positive value", ErrInvalidConfiguration)
	}
	if c.Sandbox.Provider != "simulation" && c.Sandbox.Provider != "process" {
		return fmt.Errorf("%w: unknown sandbox provider %q", ErrInvalidConfiguration, c.Sandbox.Provider)
	}
	if c.Storage.Provider == "redis" && c.Storage.RedisURL == "" {
		return fmt.Errorf("%w: redis storage provider requires a redis URL", ErrMissingConfiguration)
	}
	if c.Memory.RetainCount <= 0 {
		return fmt.Errorf("%w: memory retain count must be positive", ErrInvalidConfiguration)
	}
	return nil
}
