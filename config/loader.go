// Package config provides configuration loading for BrandLens.
//
// Precedence: defaults → YAML file → environment variables. Environment
// keys are derived from struct tags with a BRANDLENS_ prefix, e.g.
// BRANDLENS_TWELVELABS_API_KEY overrides twelvelabs.api_key.
package config

import (
	"fmt"
	"os"
	"reflect"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the full BrandLens configuration.
type Config struct {
	// Server holds the HTTP API and metrics server settings.
	Server ServerConfig `yaml:"server" env:"SERVER"`

	// TwelveLabs holds the remote video-intelligence API settings.
	TwelveLabs TwelveLabsConfig `yaml:"twelvelabs" env:"TWELVELABS"`

	// Workflow holds the analyze-workflow settings.
	Workflow WorkflowConfig `yaml:"workflow" env:"WORKFLOW"`

	// RunStore holds the run status store settings.
	RunStore RunStoreConfig `yaml:"runstore" env:"RUNSTORE"`

	// Log holds the logging settings.
	Log LogConfig `yaml:"log" env:"LOG"`

	// Telemetry holds the OpenTelemetry settings.
	Telemetry TelemetryConfig `yaml:"telemetry" env:"TELEMETRY"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	// HTTP API port.
	HTTPPort int `yaml:"http_port" env:"HTTP_PORT"`
	// Prometheus metrics port.
	MetricsPort int `yaml:"metrics_port" env:"METRICS_PORT"`
	// Read timeout.
	ReadTimeout time.Duration `yaml:"read_timeout" env:"READ_TIMEOUT"`
	// Write timeout. Zero disables it so SSE progress streams and long
	// synchronous runs are not cut off mid-response.
	WriteTimeout time.Duration `yaml:"write_timeout" env:"WRITE_TIMEOUT"`
	// Graceful shutdown timeout.
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" env:"SHUTDOWN_TIMEOUT"`
	// Inbound API key. Empty disables authentication.
	APIKey string `yaml:"api_key" env:"API_KEY"`
	// Rate limit in requests per second. Zero disables limiting.
	RateLimitRPS int `yaml:"rate_limit_rps" env:"RATE_LIMIT_RPS"`
	// Rate limit burst size.
	RateLimitBurst int `yaml:"rate_limit_burst" env:"RATE_LIMIT_BURST"`
	// Maximum accepted upload size in bytes.
	MaxUploadBytes int64 `yaml:"max_upload_bytes" env:"MAX_UPLOAD_BYTES"`
}

// TwelveLabsConfig holds the TwelveLabs API client settings.
// APIKey is the single startup-time secret: the service refuses to start
// without it.
type TwelveLabsConfig struct {
	// API key, sent as the x-api-key header.
	APIKey string `yaml:"api_key" env:"API_KEY"`
	// Base URL override. Defaults to the hosted v1.3 endpoint.
	BaseURL string `yaml:"base_url" env:"BASE_URL"`
	// Per-request timeout for non-polling calls.
	Timeout time.Duration `yaml:"timeout" env:"TIMEOUT"`
}

// WorkflowConfig holds the analyze-workflow settings.
type WorkflowConfig struct {
	// Indexing status poll interval.
	PollInterval time.Duration `yaml:"poll_interval" env:"POLL_INTERVAL"`
	// Maximum total wait for indexing. Zero means unbounded.
	MaxWait time.Duration `yaml:"max_wait" env:"MAX_WAIT"`
	// Sampling temperature for text generation.
	Temperature float32 `yaml:"temperature" env:"TEMPERATURE"`
	// Prompt used when a request supplies none.
	DefaultPrompt string `yaml:"default_prompt" env:"DEFAULT_PROMPT"`
	// Prefix for per-run index names; a timestamp is appended.
	IndexPrefix string `yaml:"index_prefix" env:"INDEX_PREFIX"`
}

// RunStoreConfig holds the run status store settings.
type RunStoreConfig struct {
	// Backend: memory or redis.
	Backend string `yaml:"backend" env:"BACKEND"`
	// Retention for finished runs.
	TTL time.Duration `yaml:"ttl" env:"TTL"`
	// Redis settings, used when backend is redis.
	Redis RedisConfig `yaml:"redis" env:"REDIS"`
}

// RedisConfig holds redis connection settings.
type RedisConfig struct {
	Addr         string `yaml:"addr" env:"ADDR"`
	Password     string `yaml:"password" env:"PASSWORD"`
	DB           int    `yaml:"db" env:"DB"`
	PoolSize     int    `yaml:"pool_size" env:"POOL_SIZE"`
	MinIdleConns int    `yaml:"min_idle_conns" env:"MIN_IDLE_CONNS"`
}

// LogConfig holds logging settings.
type LogConfig struct {
	// Level: debug, info, warn, error.
	Level string `yaml:"level" env:"LEVEL"`
	// Format: json or console.
	Format string `yaml:"format" env:"FORMAT"`
	// Output paths.
	OutputPaths []string `yaml:"output_paths" env:"OUTPUT_PATHS"`
	// Annotate entries with the caller.
	EnableCaller bool `yaml:"enable_caller" env:"ENABLE_CALLER"`
	// Attach stack traces to error entries.
	EnableStacktrace bool `yaml:"enable_stacktrace" env:"ENABLE_STACKTRACE"`
}

// TelemetryConfig holds OpenTelemetry settings.
type TelemetryConfig struct {
	Enabled      bool   `yaml:"enabled" env:"ENABLED"`
	OTLPEndpoint string `yaml:"otlp_endpoint" env:"OTLP_ENDPOINT"`
	ServiceName  string `yaml:"service_name" env:"SERVICE_NAME"`
	// Environment tags every span and metric with the deployment it
	// came from (development, staging, production).
	Environment string `yaml:"environment" env:"ENVIRONMENT"`
	// SampleRate is the head-sampling ratio for traces, clamped to
	// [0, 1] at init.
	SampleRate float64 `yaml:"sample_rate" env:"SAMPLE_RATE"`
}

// Loader loads configuration using the builder pattern.
type Loader struct {
	configPath string
	envPrefix  string
	validators []func(*Config) error
}

// NewLoader creates a new configuration loader.
func NewLoader() *Loader {
	return &Loader{
		envPrefix:  "BRANDLENS",
		validators: make([]func(*Config) error, 0),
	}
}

// WithConfigPath sets the YAML config file path.
func (l *Loader) WithConfigPath(path string) *Loader {
	l.configPath = path
	return l
}

// WithEnvPrefix sets the environment variable prefix.
func (l *Loader) WithEnvPrefix(prefix string) *Loader {
	l.envPrefix = prefix
	return l
}

// WithValidator adds a custom validator run after loading.
func (l *Loader) WithValidator(v func(*Config) error) *Loader {
	l.validators = append(l.validators, v)
	return l
}

// Load loads the configuration.
// Precedence: defaults → YAML file → environment variables.
func (l *Loader) Load() (*Config, error) {
	cfg := DefaultConfig()

	if l.configPath != "" {
		if err := l.loadFromFile(cfg); err != nil {
			return nil, fmt.Errorf("failed to load config from file: %w", err)
		}
	}

	if err := l.loadFromEnv(cfg); err != nil {
		return nil, fmt.Errorf("failed to load config from env: %w", err)
	}

	for _, v := range l.validators {
		if err := v(cfg); err != nil {
			return nil, fmt.Errorf("config validation failed: %w", err)
		}
	}

	return cfg, nil
}

func (l *Loader) loadFromFile(cfg *Config) error {
	data, err := os.ReadFile(l.configPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("failed to read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("failed to parse config file: %w", err)
	}

	return nil
}

func (l *Loader) loadFromEnv(cfg *Config) error {
	return l.setFieldsFromEnv(reflect.ValueOf(cfg).Elem(), l.envPrefix)
}

func (l *Loader) setFieldsFromEnv(v reflect.Value, prefix string) error {
	t := v.Type()

	for i := 0; i < v.NumField(); i++ {
		field := v.Field(i)
		fieldType := t.Field(i)

		envTag := fieldType.Tag.Get("env")
		if envTag == "" || envTag == "-" {
			continue
		}

		envKey := prefix + "_" + envTag

		if field.Kind() == reflect.Struct {
			if err := l.setFieldsFromEnv(field, envKey); err != nil {
				return err
			}
			continue
		}

		envValue := os.Getenv(envKey)
		if envValue == "" {
			continue
		}

		if err := setFieldValue(field, envValue); err != nil {
			return fmt.Errorf("failed to set %s: %w", envKey, err)
		}
	}

	return nil
}

func setFieldValue(field reflect.Value, value string) error {
	if !field.CanSet() {
		return nil
	}

	switch field.Kind() {
	case reflect.String:
		field.SetString(value)

	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		if field.Type() == reflect.TypeOf(time.Duration(0)) {
			d, err := time.ParseDuration(value)
			if err != nil {
				return err
			}
			field.SetInt(int64(d))
		} else {
			i, err := strconv.ParseInt(value, 10, 64)
			if err != nil {
				return err
			}
			field.SetInt(i)
		}

	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		u, err := strconv.ParseUint(value, 10, 64)
		if err != nil {
			return err
		}
		field.SetUint(u)

	case reflect.Float32, reflect.Float64:
		f, err := strconv.ParseFloat(value, 64)
		if err != nil {
			return err
		}
		field.SetFloat(f)

	case reflect.Bool:
		b, err := strconv.ParseBool(value)
		if err != nil {
			return err
		}
		field.SetBool(b)

	case reflect.Slice:
		// Comma-separated string slices only.
		if field.Type().Elem().Kind() == reflect.String {
			parts := strings.Split(value, ",")
			for i := range parts {
				parts[i] = strings.TrimSpace(parts[i])
			}
			field.Set(reflect.ValueOf(parts))
		}
	}

	return nil
}

// MustLoad loads the configuration, panicking on failure.
func MustLoad(path string) *Config {
	cfg, err := NewLoader().WithConfigPath(path).Load()
	if err != nil {
		panic(fmt.Sprintf("failed to load config: %v", err))
	}
	return cfg
}

// Validate checks the configuration for structural problems. The
// TwelveLabs API key is checked separately at client construction so
// that commands not talking to the API (version, health) still work.
func (c *Config) Validate() error {
	var errs []string

	if c.Server.HTTPPort <= 0 || c.Server.HTTPPort > 65535 {
		errs = append(errs, "invalid HTTP port")
	}
	if c.Server.MetricsPort < 0 || c.Server.MetricsPort > 65535 {
		errs = append(errs, "invalid metrics port")
	}

	if c.Workflow.PollInterval <= 0 {
		errs = append(errs, "poll_interval must be positive")
	}
	if c.Workflow.MaxWait < 0 {
		errs = append(errs, "max_wait must not be negative")
	}
	if c.Workflow.Temperature < 0 || c.Workflow.Temperature > 2 {
		errs = append(errs, "temperature must be between 0 and 2")
	}

	switch c.RunStore.Backend {
	case "memory", "redis":
	default:
		errs = append(errs, fmt.Sprintf("unknown runstore backend %q", c.RunStore.Backend))
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation errors: %s", strings.Join(errs, "; "))
	}

	return nil
}
