// Package config loads the service configuration from YAML with
// environment overrides.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// maxConfigSize bounds the configuration file.
const maxConfigSize = 1 << 20

// Backend names.
const (
	BackendMemory = "memory"
	BackendRedis  = "redis"
)

// Model providers.
const (
	ProviderOpenAI = "openai"
	ProviderTGI    = "tgi"
	ProviderMock   = "mock"
)

// Config is the complete service configuration.
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Auth     AuthConfig     `yaml:"auth"`
	Quota    QuotaConfig    `yaml:"quota"`
	Session  SessionConfig  `yaml:"session"`
	Redis    RedisConfig    `yaml:"redis"`
	Safety   SafetyConfig   `yaml:"safety"`
	Model    ModelConfig    `yaml:"model"`
	Dispatch DispatchConfig `yaml:"dispatch"`
	Tracing  TracingConfig  `yaml:"tracing"`
	Logging  LoggingConfig  `yaml:"logging"`
}

// ServerConfig configures the HTTP listeners.
type ServerConfig struct {
	Addr string `yaml:"addr" validate:"required"`
	// AdminAddr serves /health, /ready and /metrics on a separate listener
	// when set.
	AdminAddr       string        `yaml:"admin_addr"`
	RequestTimeout  time.Duration `yaml:"request_timeout" validate:"gte=0"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" validate:"gte=0"`
}

// AuthConfig maps API keys to the identities they are charged as. With no
// keys, callers are identified by address.
type AuthConfig struct {
	APIKeys map[string]string `yaml:"api_keys"`
}

// QuotaConfig configures the per-identity rolling window.
type QuotaConfig struct {
	Backend   string        `yaml:"backend" validate:"oneof=memory redis"`
	Limit     int           `yaml:"limit" validate:"gt=0"`
	Window    time.Duration `yaml:"window" validate:"gt=0"`
	KeyPrefix string        `yaml:"key_prefix"`
}

// SessionConfig configures conversation storage.
type SessionConfig struct {
	Backend          string        `yaml:"backend" validate:"oneof=memory redis"`
	TTL              time.Duration `yaml:"ttl" validate:"gte=0"`
	MaxTurns         int           `yaml:"max_turns" validate:"gte=2"`
	MaxContextTokens int           `yaml:"max_context_tokens" validate:"gte=0"`
	SystemPrompt     string        `yaml:"system_prompt"`
	KeyPrefix        string        `yaml:"key_prefix"`
	LockTimeout      time.Duration `yaml:"lock_timeout" validate:"gt=0"`
	PersistPartial   bool          `yaml:"persist_partial"`
	// SummarizeAfterTurns condenses history every this many turns (0 = never).
	SummarizeAfterTurns int `yaml:"summarize_after_turns" validate:"gte=0"`
	// SweepSchedule is the cron spec for purging expired in-memory state.
	SweepSchedule string `yaml:"sweep_schedule"`
}

// RedisConfig configures the shared Redis client.
type RedisConfig struct {
	// URL, when set, takes precedence over the other fields.
	URL      string `yaml:"url"`
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db" validate:"gte=0"`
	PoolSize int    `yaml:"pool_size" validate:"gte=0"`
}

// SafetyConfig configures the safety filter.
type SafetyConfig struct {
	MaxInputLength int      `yaml:"max_input_length" validate:"gt=0"`
	BlockedTopics  []string `yaml:"blocked_topics"`
	OutputWindow   int      `yaml:"output_window" validate:"gte=0"`
}

// ModelConfig selects and tunes the model backend.
type ModelConfig struct {
	Provider string `yaml:"provider" validate:"oneof=openai tgi mock"`
	BaseURL  string `yaml:"base_url" validate:"omitempty,url"`
	APIKey   string `yaml:"api_key"`
	// Models are tried in order until one is available.
	Models       []string `yaml:"models"`
	MaxNewTokens int      `yaml:"max_new_tokens" validate:"gt=0"`
	Temperature  float64  `yaml:"temperature" validate:"gte=0,lte=2"`
	TopP         float64  `yaml:"top_p" validate:"gt=0,lte=1"`
}

// DispatchConfig bounds the generation worker pool.
type DispatchConfig struct {
	Workers           int           `yaml:"workers" validate:"gt=0"`
	QueueTimeout      time.Duration `yaml:"queue_timeout" validate:"gt=0"`
	FirstTokenTimeout time.Duration `yaml:"first_token_timeout" validate:"gt=0"`
	IdleTimeout       time.Duration `yaml:"idle_timeout" validate:"gt=0"`
	Timeout           time.Duration `yaml:"timeout" validate:"gt=0"`
	RequestsPerSecond float64       `yaml:"requests_per_second" validate:"gte=0"`
	Burst             int           `yaml:"burst" validate:"gte=0"`
}

// TracingConfig configures OpenTelemetry export.
type TracingConfig struct {
	// Exporter left empty defers to OTEL_TRACES_EXPORTER, or otlp when
	// Langfuse keys are set, and is otherwise disabled.
	Exporter    string `yaml:"exporter" validate:"omitempty,oneof=otlp stdout none"`
	Endpoint    string `yaml:"endpoint"`
	ServiceName string `yaml:"service_name"`
}

// LoggingConfig configures the process logger.
type LoggingConfig struct {
	Level  string `yaml:"level" validate:"omitempty,oneof=debug info warn error"`
	Format string `yaml:"format" validate:"omitempty,oneof=json text"`
}

// Default returns the configuration used when nothing is overridden.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Addr:            ":8000",
			RequestTimeout:  3 * time.Minute,
			ShutdownTimeout: 15 * time.Second,
		},
		Quota: QuotaConfig{
			Backend:   BackendMemory,
			Limit:     60,
			Window:    time.Minute,
			KeyPrefix: "nexxi:quota:",
		},
		Session: SessionConfig{
			Backend:             BackendMemory,
			TTL:                 30 * time.Minute,
			MaxTurns:            21,
			MaxContextTokens:    3000,
			KeyPrefix:           "nexxi:session:",
			LockTimeout:         30 * time.Second,
			SweepSchedule:       "@every 1m",
			SummarizeAfterTurns: 8,
		},
		Redis: RedisConfig{
			Addr: "localhost:6379",
		},
		Safety: SafetyConfig{
			MaxInputLength: 1000,
			OutputWindow:   512,
		},
		Model: ModelConfig{
			Provider:     ProviderOpenAI,
			BaseURL:      "https://router.huggingface.co/v1",
			Models:       []string{"mistralai/Mistral-7B-Instruct-v0.2"},
			MaxNewTokens: 512,
			Temperature:  0.7,
			TopP:         0.9,
		},
		Dispatch: DispatchConfig{
			Workers:           4,
			QueueTimeout:      10 * time.Second,
			FirstTokenTimeout: 30 * time.Second,
			IdleTimeout:       15 * time.Second,
			Timeout:           2 * time.Minute,
		},
		Tracing: TracingConfig{
			ServiceName: "nexxi",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// Load reads path over the defaults and applies environment overrides.
// An empty path uses the defaults alone.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		info, err := os.Stat(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if info.Size() > maxConfigSize {
			return nil, fmt.Errorf("config file too large: %d bytes (max %d)", info.Size(), maxConfigSize)
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config: %w", err)
		}
	}

	if err := cfg.ApplyEnv(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyEnv overrides fields from the environment:
//
//	NEXXI_API_KEYS   comma-separated keys, each optionally "key:identity"
//	NEXXI_ADDR       server.addr
//	NEXXI_LOG_LEVEL  logging.level
//	REDIS_URL        redis.url
//	HF_TOKEN         model.api_key
//	HF_MODEL_NAME    tried before the configured models
func (c *Config) ApplyEnv() error {
	if v := os.Getenv("NEXXI_API_KEYS"); v != "" {
		keys, err := ParseAPIKeys(v)
		if err != nil {
			return err
		}
		c.Auth.APIKeys = keys
	}
	if v := os.Getenv("NEXXI_ADDR"); v != "" {
		c.Server.Addr = v
	}
	if v := os.Getenv("NEXXI_LOG_LEVEL"); v != "" {
		c.Logging.Level = v
	}
	if v := os.Getenv("REDIS_URL"); v != "" {
		c.Redis.URL = v
	}
	if v := os.Getenv("HF_TOKEN"); v != "" {
		c.Model.APIKey = v
	}
	if v := os.Getenv("HF_MODEL_NAME"); v != "" {
		models := []string{v}
		for _, m := range c.Model.Models {
			if m != v {
				models = append(models, m)
			}
		}
		c.Model.Models = models
	}
	return nil
}

// ParseAPIKeys parses "key1:alice,key2". A key without an identity is
// identified as "key-N" by position.
func ParseAPIKeys(s string) (map[string]string, error) {
	keys := make(map[string]string)
	for i, entry := range strings.Split(s, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		key, identity, _ := strings.Cut(entry, ":")
		key = strings.TrimSpace(key)
		identity = strings.TrimSpace(identity)
		if key == "" {
			return nil, fmt.Errorf("NEXXI_API_KEYS entry %d has an empty key", i+1)
		}
		if identity == "" {
			identity = fmt.Sprintf("key-%d", i+1)
		}
		keys[key] = identity
	}
	return keys, nil
}

// Validate checks field ranges and cross-field requirements.
func (c *Config) Validate() error {
	v := validator.New(validator.WithRequiredStructEnabled())
	if err := v.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			msgs := make([]string, 0, len(verrs))
			for _, fe := range verrs {
				msgs = append(msgs, fmt.Sprintf("%s failed %q", fe.Namespace(), fe.Tag()))
			}
			return fmt.Errorf("invalid config: %s", strings.Join(msgs, "; "))
		}
		return fmt.Errorf("invalid config: %w", err)
	}

	switch c.Model.Provider {
	case ProviderOpenAI, ProviderTGI:
		if len(c.Model.Models) == 0 {
			return errors.New("invalid config: model.models must name at least one model")
		}
		if c.Model.BaseURL == "" {
			return errors.New("invalid config: model.base_url is required")
		}
	}
	if c.UsesRedis() && c.Redis.URL == "" && c.Redis.Addr == "" {
		return errors.New("invalid config: redis.addr or redis.url is required for the redis backend")
	}
	for key, identity := range c.Auth.APIKeys {
		if key == "" || identity == "" {
			return errors.New("invalid config: auth.api_keys entries need a key and an identity")
		}
	}
	return nil
}

// UsesRedis reports whether any component is backed by Redis.
func (c *Config) UsesRedis() bool {
	return c.Session.Backend == BackendRedis || c.Quota.Backend == BackendRedis
}

// Secrets returns configured secrets that must never reach the logs.
func (c *Config) Secrets() []string {
	secrets := []string{c.Model.APIKey, c.Redis.Password}
	for key := range c.Auth.APIKeys {
		secrets = append(secrets, key)
	}
	return secrets
}
