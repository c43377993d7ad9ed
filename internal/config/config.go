package config

import "time"

// Config holds all application configuration.
// It organizes settings into logical groups for better maintainability.
type Config struct {
	Logging   LoggingConfig             `mapstructure:"logging" validate:"required"`
	Paths     PathsConfig               `mapstructure:"paths" validate:"required"`
	Scheduler SchedulerConfig           `mapstructure:"scheduler" validate:"required"`
	Repair    RepairConfig              `mapstructure:"repair" validate:"required"`
	Router    RouterConfig              `mapstructure:"router" validate:"required"`
	Providers map[string]ProviderConfig `mapstructure:"providers" validate:"required,min=1,dive"`
	Ledger    LedgerConfig              `mapstructure:"ledger" validate:"required"`
	API       APIConfig                 `mapstructure:"api"`
	Tracing   TracingConfig             `mapstructure:"tracing"`
}

// LoggingConfig contains log output settings.
type LoggingConfig struct {
	Level string `mapstructure:"level" validate:"required,oneof=debug info warn error"`
}

// PathsConfig locates the pipeline's working tree.
type PathsConfig struct {
	// OutputDir is the root holding one directory per subject.
	OutputDir string `mapstructure:"output_dir" validate:"required"`

	// WaitForParse makes the loader block on the subject's parse stage
	// ledger entry before reading task groups.
	WaitForParse bool `mapstructure:"wait_for_parse"`

	// ParseWaitTimeout bounds the wait above.
	ParseWaitTimeout time.Duration `mapstructure:"parse_wait_timeout" validate:"gte=0"`
}

// SchedulerConfig sizes the worker pools and selects the scheduling mode.
type SchedulerConfig struct {
	// Mode is "global" (all groups flattened into one pool) or "scoped"
	// (one pool per group).
	Mode string `mapstructure:"mode" validate:"required,oneof=global scoped"`

	Processes         int `mapstructure:"processes" validate:"required,gt=0"`
	ThreadsPerProcess int `mapstructure:"threads_per_process" validate:"required,gt=0"`

	// ScanConcurrency bounds how many groups are listed at once when the
	// pending set is computed.
	ScanConcurrency int `mapstructure:"scan_concurrency" validate:"required,gt=0"`

	// ReprocessDegraded re-enqueues tasks whose artifact exists but was
	// flagged for manual review.
	ReprocessDegraded bool `mapstructure:"reprocess_degraded"`
}

// GlobalWorkers is the pool size used when all groups are flattened.
func (c SchedulerConfig) GlobalWorkers() int {
	n := c.Processes * c.ThreadsPerProcess
	if n < 1 {
		return 1
	}
	return n
}

// RepairConfig tunes the validate-and-retry loop.
type RepairConfig struct {
	MaxAttempts          int    `mapstructure:"max_attempts" validate:"required,gt=0"`
	MinExplanationLength int    `mapstructure:"min_explanation_length" validate:"gte=0"`
	AnswerAlphabet       string `mapstructure:"answer_alphabet" validate:"required"`
}

// RouterConfig tunes provider failover and primary recovery.
type RouterConfig struct {
	// Priority lists provider names, highest first. The first entry is the primary.
	Priority []string `mapstructure:"priority" validate:"required,min=1,dive,required"`

	RetriesPerProvider  int           `mapstructure:"retries_per_provider" validate:"required,gt=0"`
	PrimaryProbeRetries int           `mapstructure:"primary_probe_retries" validate:"required,gt=0"`
	RetryDelay          time.Duration `mapstructure:"retry_delay" validate:"gte=0"`
	RequestsPerRetry    int           `mapstructure:"requests_per_retry" validate:"required,gt=0"`
	MinCooldown         time.Duration `mapstructure:"min_cooldown" validate:"gte=0"`
	MaxCooldown         time.Duration `mapstructure:"max_cooldown" validate:"gtefield=MinCooldown"`
	FallbackRetryDelay  time.Duration `mapstructure:"fallback_retry_delay" validate:"gte=0"`
	QuotaKeywords       []string      `mapstructure:"quota_keywords" validate:"required,min=1"`
}

// ProviderConfig describes one text-generation backend.
type ProviderConfig struct {
	Kind    string `mapstructure:"kind" validate:"required,oneof=gemini openai anthropic"`
	Model   string `mapstructure:"model" validate:"required"`
	APIKey  string `mapstructure:"api_key"`
	BaseURL string `mapstructure:"base_url" validate:"omitempty,url"`

	// RequestsPerSecond paces calls to this backend; zero disables pacing.
	RequestsPerSecond float64       `mapstructure:"requests_per_second" validate:"gte=0"`
	Timeout           time.Duration `mapstructure:"timeout" validate:"gte=0"`
}

// LedgerConfig bounds lock acquisition and status polling.
type LedgerConfig struct {
	LockTimeout time.Duration `mapstructure:"lock_timeout" validate:"required,gt=0"`
	LockPoll    time.Duration `mapstructure:"lock_poll" validate:"required,gt=0"`
	WaitPoll    time.Duration `mapstructure:"wait_poll" validate:"required,gt=0"`
}

// APIConfig controls the read-only status server.
type APIConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Addr    string `mapstructure:"addr" validate:"required_if=Enabled true"`
}

// TracingConfig selects where OpenTelemetry spans are exported.
type TracingConfig struct {
	Enabled bool `mapstructure:"enabled"`

	// Exporter is "stdout" (pretty-printed JSON on stderr) or "otlp"
	// (OTLP over HTTP to Endpoint).
	Exporter string `mapstructure:"exporter" validate:"omitempty,oneof=stdout otlp"`

	Endpoint    string  `mapstructure:"endpoint" validate:"required_if=Exporter otlp"`
	Insecure    bool    `mapstructure:"insecure"`
	SampleRatio float64 `mapstructure:"sample_ratio" validate:"gte=0,lte=1"`
	ServiceName string  `mapstructure:"service_name"`
}
