// Package config provides application configuration with multi-source
// priority.
//
// Sources (highest to lowest):
//  1. Environment variables (runtime override)
//  2. Config file (~/.parley/config.yaml, or ./config.yaml)
//  3. Default values
//
// Errors use sentinel values so callers can check with errors.Is.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"

	"github.com/parley0/parley/internal/persona"
)

var (
	// ErrConfigNil indicates the configuration is nil.
	ErrConfigNil = errors.New("configuration is nil")

	// ErrInvalidProvider indicates the model provider is not supported.
	ErrInvalidProvider = errors.New("invalid provider")

	// ErrInvalidModelName indicates the model name is empty or malformed.
	ErrInvalidModelName = errors.New("invalid model name")

	// ErrInvalidTemperature indicates the temperature is out of range.
	ErrInvalidTemperature = errors.New("invalid temperature")

	// ErrInvalidMaxTokens indicates the max tokens value is out of range.
	ErrInvalidMaxTokens = errors.New("invalid max tokens")

	// ErrUnknownPersona indicates the configured persona id is not defined.
	ErrUnknownPersona = errors.New("unknown persona")

	// ErrInvalidOllamaHost indicates the Ollama host is invalid.
	ErrInvalidOllamaHost = errors.New("invalid Ollama host")
)

// Model provider identifiers used in Config.Provider.
const (
	ProviderGemini   = "gemini"
	ProviderGoogleAI = "googleai"
	ProviderOllama   = "ollama"
)

// Config stores application configuration.
type Config struct {
	// Model provider and generation settings.
	Provider    string  `mapstructure:"provider" json:"provider"`
	ModelName   string  `mapstructure:"model_name" json:"model_name"`
	Temperature float32 `mapstructure:"temperature" json:"temperature"`
	MaxTokens   int     `mapstructure:"max_tokens" json:"max_tokens"`

	// Ollama configuration (only used when provider is "ollama").
	OllamaHost string `mapstructure:"ollama_host" json:"ollama_host"`

	// Tool backend endpoint: a command line for a stdio subprocess or an
	// http(s) URL for a streamable endpoint. Empty disables tools.
	ToolBackend string `mapstructure:"tool_backend" json:"tool_backend"`

	// Persona selects the default persona for new chats.
	Persona string `mapstructure:"persona" json:"persona"`

	// Logging configuration.
	LogLevel string `mapstructure:"log_level" json:"log_level"`
	LogJSON  bool   `mapstructure:"log_json" json:"log_json"`
}

// Load loads configuration with the documented source priority and
// validates it before returning.
func Load() (*Config, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return nil, fmt.Errorf("getting user home directory: %w", err)
	}

	configDir := filepath.Join(home, ".parley")
	if err := os.MkdirAll(configDir, 0o750); err != nil {
		return nil, fmt.Errorf("creating config directory: %w", err)
	}

	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(configDir)
	v.AddConfigPath(".")

	setDefaults(v)
	bindEnvVariables(v)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
		slog.Debug("configuration file not found, using defaults",
			"search_paths", []string{configDir, "."})
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("parsing configuration: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating configuration: %w", err)
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("provider", ProviderGemini)
	v.SetDefault("model_name", "gemini-2.5-flash")
	v.SetDefault("temperature", 0.7)
	v.SetDefault("max_tokens", 2048)
	v.SetDefault("ollama_host", "http://localhost:11434")
	v.SetDefault("tool_backend", "")
	v.SetDefault("persona", persona.DefaultID)
	v.SetDefault("log_level", "info")
	v.SetDefault("log_json", false)
}

// bindEnvVariables binds the explicit runtime overrides.
func bindEnvVariables(v *viper.Viper) {
	_ = v.BindEnv("provider", "PARLEY_PROVIDER")
	_ = v.BindEnv("model_name", "PARLEY_MODEL")
	_ = v.BindEnv("tool_backend", "PARLEY_TOOL_BACKEND")
	_ = v.BindEnv("persona", "PARLEY_PERSONA")
	_ = v.BindEnv("ollama_host", "OLLAMA_HOST")
	_ = v.BindEnv("log_level", "PARLEY_LOG_LEVEL")
}

// Validate checks the configuration for out-of-range or unknown values.
func (c *Config) Validate() error {
	if c == nil {
		return ErrConfigNil
	}

	switch c.Provider {
	case ProviderGemini, ProviderGoogleAI, ProviderOllama:
	default:
		return fmt.Errorf("%w: %q (supported: %s, %s, %s)",
			ErrInvalidProvider, c.Provider, ProviderGemini, ProviderGoogleAI, ProviderOllama)
	}

	if strings.TrimSpace(c.ModelName) == "" {
		return fmt.Errorf("%w: model name is empty", ErrInvalidModelName)
	}
	if c.Temperature < 0 || c.Temperature > 2 {
		return fmt.Errorf("%w: %v (must be 0-2)", ErrInvalidTemperature, c.Temperature)
	}
	if c.MaxTokens < 1 || c.MaxTokens > 65536 {
		return fmt.Errorf("%w: %d (must be 1-65536)", ErrInvalidMaxTokens, c.MaxTokens)
	}
	if _, ok := persona.Lookup(c.Persona); !ok {
		return fmt.Errorf("%w: %q", ErrUnknownPersona, c.Persona)
	}
	if c.Provider == ProviderOllama && !strings.HasPrefix(c.OllamaHost, "http") {
		return fmt.Errorf("%w: %q", ErrInvalidOllamaHost, c.OllamaHost)
	}
	return nil
}

// ToolsEnabled reports whether a tool backend is configured.
func (c *Config) ToolsEnabled() bool {
	return strings.TrimSpace(c.ToolBackend) != ""
}
