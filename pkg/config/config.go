// Package config loads the client configuration from YAML and the environment.
// It is the only place that reads process environment variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Environment variables consulted by ApplyEnv
const (
	EnvAnthropicBaseURL   = "ANTHROPIC_BASE_URL"
	EnvAnthropicAPIKey    = "ANTHROPIC_API_KEY"
	EnvAnthropicAuthToken = "ANTHROPIC_AUTH_TOKEN"
	EnvAIGuardToken       = "PANGEA_AI_GUARD_TOKEN"
	EnvAIGuardDomain      = "PANGEA_DOMAIN"
	EnvInputRecipe        = "PANGEA_INPUT_RECIPE"
	EnvOutputRecipe       = "PANGEA_OUTPUT_RECIPE"
	EnvLogLevel           = "LOG_LEVEL"
)

// ErrMissingAIGuardToken is returned by Validate when no AI Guard token is set
var ErrMissingAIGuardToken = errors.New("ai_guard.token is required")

// Config is the full client configuration
type Config struct {
	Anthropic AnthropicConfig `yaml:"anthropic"`
	AIGuard   AIGuardConfig   `yaml:"ai_guard"`
	Logging   LoggingConfig   `yaml:"logging"`
	Tracing   TracingConfig   `yaml:"tracing"`
}

// AnthropicConfig configures the completion API client
type AnthropicConfig struct {
	BaseURL    string `yaml:"base_url"`
	APIKey     string `yaml:"api_key"`
	AuthToken  string `yaml:"auth_token"`
	Model      string `yaml:"model"`
	MaxTokens  int64  `yaml:"max_tokens"`
	MaxRetries int    `yaml:"max_retries"`
}

// AIGuardConfig configures the inspection service client
type AIGuardConfig struct {
	Token        string        `yaml:"token"`
	Domain       string        `yaml:"domain"`
	BaseURL      string        `yaml:"base_url"`
	InputRecipe  string        `yaml:"input_recipe"`
	OutputRecipe string        `yaml:"output_recipe"`
	Timeout      time.Duration `yaml:"timeout"`
}

// LoggingConfig configures the logger
type LoggingConfig struct {
	Level string `yaml:"level"`
}

// TracingConfig configures tracing
type TracingConfig struct {
	OTel     OTelConfig     `yaml:"otel"`
	Langfuse LangfuseConfig `yaml:"langfuse"`
}

// OTelConfig configures OpenTelemetry export
type OTelConfig struct {
	Enabled           bool   `yaml:"enabled"`
	ServiceName       string `yaml:"service_name"`
	CollectorEndpoint string `yaml:"collector_endpoint"`
}

// LangfuseConfig configures Langfuse export
type LangfuseConfig struct {
	Enabled     bool   `yaml:"enabled"`
	SecretKey   string `yaml:"secret_key"`
	PublicKey   string `yaml:"public_key"`
	Host        string `yaml:"host"`
	Environment string `yaml:"environment"`
}

// Defaults for values that can also come from the environment
const (
	DefaultDomain   = "aws.us.pangea.cloud"
	DefaultLogLevel = "info"
)

// Default returns a configuration with defaults filled in
func Default() *Config {
	cfg := base()
	cfg.ApplyDefaults()
	return cfg
}

// base holds the defaults no environment variable can set
func base() *Config {
	return &Config{
		Anthropic: AnthropicConfig{
			Model:      "claude-sonnet-4-5",
			MaxTokens:  1024,
			MaxRetries: 2,
		},
		AIGuard: AIGuardConfig{
			Timeout: 60 * time.Second,
		},
		Tracing: TracingConfig{
			OTel: OTelConfig{
				ServiceName:       "aiguard-anthropic",
				CollectorEndpoint: "localhost:4317",
			},
		},
	}
}

func readFile(filePath string, cfg *Config) error {
	if filePath == "" {
		return fmt.Errorf("invalid file path")
	}

	data, err := os.ReadFile(filepath.Clean(filePath))
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("failed to unmarshal config: %w", err)
	}
	return nil
}

// LoadFromFile reads a YAML file over the defaults
func LoadFromFile(filePath string) (*Config, error) {
	cfg := base()
	if err := readFile(filePath, cfg); err != nil {
		return nil, err
	}
	cfg.ApplyDefaults()
	return cfg, nil
}

// Load reads filePath (if non-empty), fills blanks from the process
// environment and then from the defaults. Values from the file win.
func Load(filePath string) (*Config, error) {
	cfg := base()
	if filePath != "" {
		if err := readFile(filePath, cfg); err != nil {
			return nil, err
		}
	}

	cfg.ApplyEnv(os.LookupEnv)
	cfg.ApplyDefaults()
	return cfg, nil
}

// ApplyEnv fills values left empty with the matching environment variables.
// Values already set explicitly win.
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) {
	fill := func(dst *string, key string) {
		if *dst != "" {
			return
		}
		if v, ok := lookup(key); ok {
			*dst = strings.TrimSpace(v)
		}
	}

	fill(&c.Anthropic.BaseURL, EnvAnthropicBaseURL)
	fill(&c.Anthropic.APIKey, EnvAnthropicAPIKey)
	fill(&c.Anthropic.AuthToken, EnvAnthropicAuthToken)
	fill(&c.AIGuard.Token, EnvAIGuardToken)
	fill(&c.AIGuard.Domain, EnvAIGuardDomain)
	fill(&c.AIGuard.InputRecipe, EnvInputRecipe)
	fill(&c.AIGuard.OutputRecipe, EnvOutputRecipe)
	fill(&c.Logging.Level, EnvLogLevel)
	c.Logging.Level = strings.ToLower(c.Logging.Level)
}

// ApplyDefaults sets the domain and log level when neither the file nor the
// environment did
func (c *Config) ApplyDefaults() {
	if c.AIGuard.Domain == "" {
		c.AIGuard.Domain = DefaultDomain
	}
	if c.Logging.Level == "" {
		c.Logging.Level = DefaultLogLevel
	}
}

// Validate checks the configuration can build a client
func (c *Config) Validate() error {
	if c.AIGuard.Token == "" {
		return ErrMissingAIGuardToken
	}
	if c.Anthropic.MaxTokens <= 0 {
		return fmt.Errorf("anthropic.max_tokens must be positive, got %d", c.Anthropic.MaxTokens)
	}
	if c.Tracing.OTel.Enabled && c.Tracing.OTel.CollectorEndpoint == "" {
		return fmt.Errorf("tracing.otel.collector_endpoint is required when otel is enabled")
	}
	return nil
}
