package config

import (
	"fmt"
	"time"
)

type Config struct {
	Server    ServerConfig
	Model     ModelConfig
	Storage   StorageConfig
	Retrieval RetrievalConfig
	Context   ContextConfig
	Pipeline  PipelineConfig
	Auth      AuthConfig
	Log       LogConfig
}

type ServerConfig struct {
	Port int
}

// ModelConfig points at an OpenAI-compatible endpoint serving both the chat
// and the embedding model. APIKey may be empty for local endpoints.
type ModelConfig struct {
	BaseURL    string
	APIKey     string
	ChatModel  string
	EmbedModel string
}

type StorageConfig struct {
	DataDir string
}

type RetrievalConfig struct {
	TopK int
}

type ContextConfig struct {
	MaxTokens    int
	HistoryTurns int
}

type PipelineConfig struct {
	Timeout string
}

// AuthConfig holds the bearer token protecting the management API.
// Empty disables management endpoints.
type AuthConfig struct {
	Token string
}

type LogConfig struct {
	Level string
}

func defaults() Config {
	return Config{
		Server: ServerConfig{
			Port: 4200,
		},
		Model: ModelConfig{
			BaseURL:    "http://localhost:11434/v1",
			ChatModel:  "qwen2.5:7b",
			EmbedModel: "nomic-embed-text",
		},
		Storage: StorageConfig{
			DataDir: defaultDataDir(),
		},
		Retrieval: RetrievalConfig{
			TopK: 4,
		},
		Context: ContextConfig{
			MaxTokens:    6000,
			HistoryTurns: 6,
		},
		Pipeline: PipelineConfig{
			Timeout: "30s",
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}

// Load reads configuration from the JSON file backend at
// $XDG_CONFIG_HOME/envchat/config.json, then applies ENVCHAT_* environment
// overrides. Secrets (API key, auth token) come from the environment only.
func Load() (Config, error) {
	return loadWith(newFileBackend())
}

func loadWith(b Backend) (Config, error) {
	cfg := defaults()

	if err := applyBackend(&cfg, b); err != nil {
		return Config{}, err
	}
	applyEnvOverrides(&cfg)

	if _, err := cfg.PipelineTimeout(); err != nil {
		return Config{}, err
	}
	if cfg.Retrieval.TopK <= 0 {
		return Config{}, fmt.Errorf("retrieval.top_k must be positive, got %d", cfg.Retrieval.TopK)
	}
	return cfg, nil
}

// PipelineTimeout parses the configured per-request time budget.
func (c Config) PipelineTimeout() (time.Duration, error) {
	d, err := time.ParseDuration(c.Pipeline.Timeout)
	if err != nil {
		return 0, fmt.Errorf("invalid pipeline.timeout %q: %w", c.Pipeline.Timeout, err)
	}
	if d <= 0 {
		return 0, fmt.Errorf("pipeline.timeout must be positive, got %q", c.Pipeline.Timeout)
	}
	return d, nil
}
