package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/phrazzld/medforge/internal/generation"
	"github.com/spf13/viper"
)

// EnvPrefix is prepended to every environment variable read by Load.
const EnvPrefix = "MEDFORGE"

// ConfigFileEnv names the variable that points Load at an explicit config file.
const ConfigFileEnv = "MEDFORGE_CONFIG"

// defaultProviders is the built-in provider table. Credentials come from the
// environment; a provider without a key is configured but unavailable.
var defaultProviders = map[string]ProviderConfig{
	"gemini": {
		Kind:    "gemini",
		Model:   "gemini-1.5-pro",
		Timeout: 120 * time.Second,
	},
	"anthropic": {
		Kind:    "anthropic",
		Model:   "claude-3-5-sonnet-20241022",
		BaseURL: "https://api.anthropic.com/v1",
		Timeout: 120 * time.Second,
	},
	"openai": {
		Kind:    "openai",
		Model:   "gpt-4o",
		BaseURL: "https://api.openai.com/v1",
		Timeout: 120 * time.Second,
	},
}

// conventional env vars accepted in addition to the prefixed form
var providerKeyEnv = map[string]string{
	"gemini":    "GEMINI_API_KEY",
	"anthropic": "ANTHROPIC_API_KEY",
	"openai":    "OPENAI_API_KEY",
}

// Load configuration from defaults, an optional YAML file and environment
// variables. Environment variables take precedence over values from config files.
// Returns a populated Config struct or an error if loading/validation fails.
func Load() (*Config, error) {
	v := viper.New()
	setDefaults(v)

	if path := os.Getenv(ConfigFileEnv); path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("medforge")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
	}
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	for name, env := range providerKeyEnv {
		key := "providers." + name + ".api_key"
		prefixed := EnvPrefix + "_PROVIDERS_" + strings.ToUpper(name) + "_API_KEY"
		if err := v.BindEnv(key, prefixed, env); err != nil {
			return nil, fmt.Errorf("failed to bind %s: %w", key, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	normalize(&cfg)

	if err := Validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks struct tags and cross-field rules that tags cannot express.
func Validate(cfg *Config) error {
	validate := validator.New()
	if err := validate.Struct(cfg); err != nil {
		return fmt.Errorf("config validation failed: %w", err)
	}
	for _, name := range cfg.Router.Priority {
		if _, ok := cfg.Providers[name]; !ok {
			return fmt.Errorf("config validation failed: router priority names unknown provider %q", name)
		}
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("logging.level", "info")

	v.SetDefault("paths.output_dir", "output")
	v.SetDefault("paths.wait_for_parse", false)
	v.SetDefault("paths.parse_wait_timeout", 30*time.Minute)

	v.SetDefault("scheduler.mode", "global")
	v.SetDefault("scheduler.processes", 8)
	v.SetDefault("scheduler.threads_per_process", 4)
	v.SetDefault("scheduler.scan_concurrency", 8)
	v.SetDefault("scheduler.reprocess_degraded", false)

	v.SetDefault("repair.max_attempts", 3)
	v.SetDefault("repair.min_explanation_length", 20)
	v.SetDefault("repair.answer_alphabet", "ABCDE")

	v.SetDefault("router.priority", []string{"gemini", "anthropic", "openai"})
	v.SetDefault("router.retries_per_provider", 3)
	v.SetDefault("router.primary_probe_retries", 2)
	v.SetDefault("router.retry_delay", 2*time.Second)
	v.SetDefault("router.requests_per_retry", 10)
	v.SetDefault("router.min_cooldown", 30*time.Second)
	v.SetDefault("router.max_cooldown", 30*time.Minute)
	v.SetDefault("router.fallback_retry_delay", 10*time.Minute)
	v.SetDefault("router.quota_keywords", generation.DefaultQuotaKeywords)

	for name, p := range defaultProviders {
		prefix := "providers." + name + "."
		v.SetDefault(prefix+"kind", p.Kind)
		v.SetDefault(prefix+"model", p.Model)
		v.SetDefault(prefix+"api_key", "")
		v.SetDefault(prefix+"base_url", p.BaseURL)
		v.SetDefault(prefix+"requests_per_second", 0.0)
		v.SetDefault(prefix+"timeout", p.Timeout)
	}

	v.SetDefault("ledger.lock_timeout", 60*time.Second)
	v.SetDefault("ledger.lock_poll", 100*time.Millisecond)
	v.SetDefault("ledger.wait_poll", time.Second)

	v.SetDefault("api.enabled", false)
	v.SetDefault("api.addr", ":8088")

	v.SetDefault("tracing.enabled", false)
	v.SetDefault("tracing.exporter", "stdout")
	v.SetDefault("tracing.endpoint", "")
	v.SetDefault("tracing.insecure", false)
	v.SetDefault("tracing.sample_ratio", 1.0)
	v.SetDefault("tracing.service_name", "medforge")
}

func normalize(cfg *Config) {
	for name, p := range cfg.Providers {
		p.APIKey = strings.TrimSpace(p.APIKey)
		cfg.Providers[name] = p
	}
	for i, name := range cfg.Router.Priority {
		cfg.Router.Priority[i] = strings.TrimSpace(name)
	}
}
