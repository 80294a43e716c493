package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// ProviderType identifies an LLM provider.
type ProviderType string

const (
	ProviderAnthropic ProviderType = "anthropic"
	ProviderOpenAI    ProviderType = "openai"
	ProviderGemini    ProviderType = "gemini"
	ProviderMistral   ProviderType = "mistral"
	ProviderGrok      ProviderType = "grok"
	ProviderOllama    ProviderType = "ollama"
)

// AllProviders lists providers in the facade's fallback preference order.
var AllProviders = []ProviderType{
	ProviderAnthropic,
	ProviderOpenAI,
	ProviderGemini,
	ProviderMistral,
	ProviderGrok,
	ProviderOllama,
}

// LLMProviderConfig configures one provider adapter.
type LLMProviderConfig struct {
	Type          ProviderType `yaml:"type"`
	Model         string       `yaml:"model"`
	APIKey        string       `yaml:"api_key,omitempty"`
	Host          string       `yaml:"host,omitempty"`
	Temperature   float64      `yaml:"temperature,omitempty"`
	MaxTokens     int          `yaml:"max_tokens,omitempty"`
	ContextWindow int          `yaml:"context_window,omitempty"`
	Timeout       int          `yaml:"timeout,omitempty"`
	MaxRetries    int          `yaml:"max_retries,omitempty"`
	RetryDelayMS  int          `yaml:"retry_delay_ms,omitempty"`
}

func (c *LLMProviderConfig) SetDefaults() {
	if c.Temperature == 0 {
		c.Temperature = 0.7
	}
	if c.MaxTokens == 0 {
		c.MaxTokens = 4096
	}
	if c.ContextWindow == 0 {
		c.ContextWindow = 128000
	}
	if c.Timeout == 0 {
		if c.Type == ProviderOllama {
			c.Timeout = 120
		} else {
			c.Timeout = 60
		}
	}
	if c.MaxRetries == 0 {
		c.MaxRetries = 3
	}
	if c.RetryDelayMS == 0 {
		c.RetryDelayMS = 500
	}
	if c.Model == "" {
		c.Model = DefaultModel(c.Type)
	}
}

func (c *LLMProviderConfig) Validate() error {
	switch c.Type {
	case ProviderAnthropic, ProviderOpenAI, ProviderGemini, ProviderMistral, ProviderGrok, ProviderOllama:
	default:
		return fmt.Errorf("unknown provider type: %s", c.Type)
	}
	if c.Type != ProviderOllama && c.APIKey == "" {
		return fmt.Errorf("API key is required for provider %s", c.Type)
	}
	return nil
}

// DefaultModel returns the default model for a provider.
func DefaultModel(p ProviderType) string {
	switch p {
	case ProviderAnthropic:
		return "claude-sonnet-4-20250514"
	case ProviderOpenAI:
		return "gpt-4o"
	case ProviderGemini:
		return "gemini-2.0-flash"
	case ProviderMistral:
		return "mistral-large-latest"
	case ProviderGrok:
		return "grok-2-latest"
	case ProviderOllama:
		return "llama3.1"
	default:
		return ""
	}
}

// DefaultHost returns the default API host for a provider.
func DefaultHost(p ProviderType) string {
	switch p {
	case ProviderAnthropic:
		return "https://api.anthropic.com"
	case ProviderOpenAI:
		return "https://api.openai.com/v1"
	case ProviderGemini:
		return "https://generativelanguage.googleapis.com"
	case ProviderMistral:
		return "https://api.mistral.ai/v1"
	case ProviderGrok:
		return "https://api.x.ai/v1"
	case ProviderOllama:
		return "http://localhost:11434"
	default:
		return ""
	}
}

// ServerConfig configures the HTTP surface.
type ServerConfig struct {
	Host           string   `yaml:"host"`
	Port           int      `yaml:"port"`
	AllowedOrigins []string `yaml:"allowed_origins"`
}

func (c *ServerConfig) SetDefaults() {
	if c.Host == "" {
		c.Host = "127.0.0.1"
	}
	if c.Port == 0 {
		c.Port = 8741
	}
	if len(c.AllowedOrigins) == 0 {
		c.AllowedOrigins = []string{"http://localhost:1420", "tauri://localhost"}
	}
}

// VectorStoreConfig configures the qdrant connection.
type VectorStoreConfig struct {
	Host   string `yaml:"host"`
	Port   int    `yaml:"port"`
	APIKey string `yaml:"api_key,omitempty"`
	UseTLS bool   `yaml:"use_tls,omitempty"`
}

func (c *VectorStoreConfig) SetDefaults() {
	if c.Host == "" {
		c.Host = "localhost"
	}
	if c.Port == 0 {
		c.Port = 6334
	}
}

// RateLimitConfig configures the per-client request limiter. The
// limiter is on unless explicitly disabled.
type RateLimitConfig struct {
	Disabled          bool `yaml:"disabled"`
	RequestsPerMinute int  `yaml:"requests_per_minute"`
}

func (c *RateLimitConfig) SetDefaults() {
	if c.RequestsPerMinute == 0 {
		c.RequestsPerMinute = 60
	}
}

// Config is the root configuration.
type Config struct {
	Env         string            `yaml:"env"`
	DataDir     string            `yaml:"data_dir"`
	LogLevel    string            `yaml:"log_level"`
	Server      ServerConfig      `yaml:"server"`
	VectorStore VectorStoreConfig `yaml:"vector_store"`
	RateLimit   RateLimitConfig   `yaml:"rate_limit"`
	Debug       bool              `yaml:"debug"`
}

func (c *Config) SetDefaults() {
	if c.Env == "" {
		c.Env = "production"
	}
	if c.DataDir == "" {
		c.DataDir = filepath.Join(HomeDir(), "data")
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	c.Server.SetDefaults()
	c.VectorStore.SetDefaults()
	c.RateLimit.SetDefaults()
}

func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", c.Server.Port)
	}
	if c.RateLimit.RequestsPerMinute <= 0 {
		return fmt.Errorf("requests_per_minute must be positive")
	}
	return nil
}

// HomeDir returns ~/.therese, the directory holding tokens, keys and
// the MCP server config.
func HomeDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		home = "."
	}
	return filepath.Join(home, ".therese")
}

// Load reads the optional YAML config file, applies environment overrides,
// defaults and validation.
func Load(path string) (*Config, error) {
	cfg := &Config{}

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return nil, fmt.Errorf("failed to read config file: %w", err)
			}
		} else if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	applyEnv(cfg)
	cfg.SetDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}
