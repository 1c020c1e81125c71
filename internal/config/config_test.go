package config

import (
	"strings"
	"testing"
	"time"
)

// mapBackend is an in-memory Backend for tests.
type mapBackend struct {
	strings map[string]string
	ints    map[string]int
}

func newMapBackend() *mapBackend {
	return &mapBackend{strings: map[string]string{}, ints: map[string]int{}}
}

func (m *mapBackend) GetString(key string) (string, bool, error) {
	v, ok := m.strings[key]
	return v, ok, nil
}

func (m *mapBackend) GetInt(key string) (int, bool, error) {
	v, ok := m.ints[key]
	return v, ok, nil
}

func (m *mapBackend) SetString(key, val string) error {
	m.strings[key] = val
	return nil
}

func (m *mapBackend) SetInt(key string, val int) error {
	m.ints[key] = val
	return nil
}

func (m *mapBackend) Delete(key string) error {
	delete(m.strings, key)
	delete(m.ints, key)
	return nil
}

func clearEnvOverrides(t *testing.T) {
	t.Helper()
	for _, s := range specs {
		t.Setenv(s.env, "")
	}
}

func TestLoadDefaults(t *testing.T) {
	clearEnvOverrides(t)

	cfg, err := loadWith(newMapBackend())
	if err != nil {
		t.Fatalf("loadWith: %v", err)
	}

	if cfg.Server.Port != 4200 {
		t.Errorf("port: got %d", cfg.Server.Port)
	}
	if cfg.Model.BaseURL != "http://localhost:11434/v1" {
		t.Errorf("base url: got %q", cfg.Model.BaseURL)
	}
	if cfg.Retrieval.TopK != 4 {
		t.Errorf("top_k: got %d", cfg.Retrieval.TopK)
	}
	if cfg.Context.MaxTokens != 6000 || cfg.Context.HistoryTurns != 6 {
		t.Errorf("context: %+v", cfg.Context)
	}
	d, err := cfg.PipelineTimeout()
	if err != nil {
		t.Fatalf("PipelineTimeout: %v", err)
	}
	if d != 30*time.Second {
		t.Errorf("timeout: got %v", d)
	}
	if cfg.Model.APIKey != "" || cfg.Auth.Token != "" {
		t.Error("secrets should default to empty")
	}
}

func TestLoadBackendOverrides(t *testing.T) {
	clearEnvOverrides(t)

	b := newMapBackend()
	b.strings["model.chat_model"] = "gpt-4o-mini"
	b.strings["pipeline.timeout"] = "45s"
	b.ints["server.port"] = 9000
	b.ints["retrieval.top_k"] = 8

	cfg, err := loadWith(b)
	if err != nil {
		t.Fatalf("loadWith: %v", err)
	}
	if cfg.Model.ChatModel != "gpt-4o-mini" {
		t.Errorf("chat model: got %q", cfg.Model.ChatModel)
	}
	if cfg.Server.Port != 9000 {
		t.Errorf("port: got %d", cfg.Server.Port)
	}
	if cfg.Retrieval.TopK != 8 {
		t.Errorf("top_k: got %d", cfg.Retrieval.TopK)
	}
	if cfg.Pipeline.Timeout != "45s" {
		t.Errorf("timeout: got %q", cfg.Pipeline.Timeout)
	}
	// Untouched keys keep their defaults.
	if cfg.Model.EmbedModel != "nomic-embed-text" {
		t.Errorf("embed model: got %q", cfg.Model.EmbedModel)
	}
}

func TestLoadEnvOverridesBackend(t *testing.T) {
	clearEnvOverrides(t)
	t.Setenv("ENVCHAT_MODEL_CHAT_MODEL", "qwen2.5:14b")
	t.Setenv("ENVCHAT_SERVER_PORT", "4300")
	t.Setenv("ENVCHAT_MODEL_API_KEY", "sk-secret")

	b := newMapBackend()
	b.strings["model.chat_model"] = "from-file"
	b.ints["server.port"] = 9000

	cfg, err := loadWith(b)
	if err != nil {
		t.Fatalf("loadWith: %v", err)
	}
	if cfg.Model.ChatModel != "qwen2.5:14b" {
		t.Errorf("env should win over file, got %q", cfg.Model.ChatModel)
	}
	if cfg.Server.Port != 4300 {
		t.Errorf("port: got %d", cfg.Server.Port)
	}
	if cfg.Model.APIKey != "sk-secret" {
		t.Errorf("api key should come from env, got %q", cfg.Model.APIKey)
	}
}

// TestLoadSecretsIgnoreBackend: secrets never come from the file backend,
// even if a value is present there.
func TestLoadSecretsIgnoreBackend(t *testing.T) {
	clearEnvOverrides(t)

	b := newMapBackend()
	b.strings["model.api_key"] = "leaked-into-file"
	b.strings["auth.token"] = "leaked-too"

	cfg, err := loadWith(b)
	if err != nil {
		t.Fatalf("loadWith: %v", err)
	}
	if cfg.Model.APIKey != "" || cfg.Auth.Token != "" {
		t.Errorf("secrets must not load from the file backend: %+v", cfg)
	}
}

func TestLoadInvalidTimeout(t *testing.T) {
	clearEnvOverrides(t)
	t.Setenv("ENVCHAT_PIPELINE_TIMEOUT", "not-a-duration")

	if _, err := loadWith(newMapBackend()); err == nil {
		t.Error("expected error for invalid timeout")
	}

	t.Setenv("ENVCHAT_PIPELINE_TIMEOUT", "-5s")
	if _, err := loadWith(newMapBackend()); err == nil {
		t.Error("expected error for negative timeout")
	}
}

func TestLoadInvalidTopK(t *testing.T) {
	clearEnvOverrides(t)

	b := newMapBackend()
	b.ints["retrieval.top_k"] = 0

	if _, err := loadWith(b); err == nil {
		t.Error("expected error for top_k = 0")
	}
}

func TestShowAllRedactsSecrets(t *testing.T) {
	cfg := defaults()
	cfg.Model.APIKey = "sk-very-secret"

	var sawAPIKey, sawToken bool
	for _, kv := range ShowAll(cfg) {
		if strings.Contains(kv.Value, "sk-very-secret") {
			t.Errorf("secret leaked in %s = %s", kv.Key, kv.Value)
		}
		switch kv.Key {
		case "model.api_key":
			sawAPIKey = true
			if kv.Value != "(redacted)" {
				t.Errorf("api key display: got %q", kv.Value)
			}
		case "auth.token":
			sawToken = true
			if kv.Value != "(unset)" {
				t.Errorf("empty token display: got %q", kv.Value)
			}
		}
	}
	if !sawAPIKey || !sawToken {
		t.Error("secret keys missing from ShowAll output")
	}
}

func TestSetKeyRejectsSecrets(t *testing.T) {
	err := SetKey("model.api_key", "sk-123")
	if err == nil {
		t.Fatal("expected error for secret key")
	}
	if !strings.Contains(err.Error(), "ENVCHAT_MODEL_API_KEY") {
		t.Errorf("error should name the env var, got %v", err)
	}
}

func TestSetKeyUnknown(t *testing.T) {
	if err := SetKey("no.such.key", "v"); err == nil {
		t.Error("expected error for unknown key")
	}
}
