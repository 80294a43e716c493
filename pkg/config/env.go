package config

import (
	"os"
	"strconv"
)

// apiKeyEnvVars maps each provider to its environment fallbacks, in
// lookup order. Keys stored in the encrypted preferences table win over
// these; the env is only consulted when no stored key exists.
var apiKeyEnvVars = map[ProviderType][]string{
	ProviderAnthropic: {"ANTHROPIC_API_KEY"},
	ProviderOpenAI:    {"OPENAI_API_KEY", "OPENROUTER_API_KEY", "GROQ_API_KEY"},
	ProviderGemini:    {"GEMINI_API_KEY", "GOOGLE_API_KEY"},
	ProviderMistral:   {"MISTRAL_API_KEY"},
	ProviderGrok:      {"XAI_API_KEY"},
}

// APIKeyFromEnv returns the first non-empty environment API key for the
// provider, or "".
func APIKeyFromEnv(p ProviderType) string {
	for _, name := range apiKeyEnvVars[p] {
		if v := os.Getenv(name); v != "" {
			return v
		}
	}
	return ""
}

func applyEnv(cfg *Config) {
	if v := os.Getenv("THERESE_ENV"); v != "" {
		cfg.Env = v
	}
	if v := os.Getenv("THERESE_DATA_DIR"); v != "" {
		cfg.DataDir = v
	}
	if v := os.Getenv("THERESE_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("THERESE_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Server.Port = port
		}
	}
	if cfg.Env == "development" {
		cfg.Debug = true
	}
}
