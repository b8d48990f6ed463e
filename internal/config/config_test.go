package config

import (
	"os"
	"path/filepath"
	"testing"
)

func writeTestConfig(t *testing.T, body string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "loopgw.yaml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write test config: %v", err)
	}
	return path
}

func TestLoadReadsValuesAndValidates(t *testing.T) {
	path := writeTestConfig(t, `
database:
  path: ./data/loopgw.db
llm:
  anthropic_api_key: sk-test-key
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}
	if cfg.Database.Path != "./data/loopgw.db" {
		t.Errorf("database.path = %q, want ./data/loopgw.db", cfg.Database.Path)
	}
	if cfg.LLM.AnthropicAPIKey != "sk-test-key" {
		t.Errorf("llm.anthropic_api_key = %q, want sk-test-key", cfg.LLM.AnthropicAPIKey)
	}
}

func TestLoadRejectsUnknownFields(t *testing.T) {
	path := writeTestConfig(t, `
database:
  path: ./data/loopgw.db
  bogus_field: true
llm:
  anthropic_api_key: sk-test-key
`)

	if _, err := Load(path); err == nil {
		t.Fatal("expected error for unknown field, got nil")
	}
}

func TestLoadRejectsMissingCredentials(t *testing.T) {
	path := writeTestConfig(t, `
database:
  path: ./data/loopgw.db
`)

	if _, err := Load(path); err == nil {
		t.Fatal("expected validation error for missing LLM credentials")
	}
}

func TestEnvOverridesTakePrecedenceOverYAML(t *testing.T) {
	path := writeTestConfig(t, `
database:
  path: ./data/loopgw.db
agent:
  model: claude-from-yaml
llm:
  anthropic_api_key: sk-yaml-key
`)

	t.Setenv("AGENT_MODEL", "claude-from-env")
	t.Setenv("ANTHROPIC_API_KEY", "sk-env-key")
	t.Setenv("MAX_CONCURRENT_CONTAINERS", "7")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}
	if cfg.Agent.Model != "claude-from-env" {
		t.Errorf("agent.model = %q, want claude-from-env", cfg.Agent.Model)
	}
	if cfg.LLM.AnthropicAPIKey != "sk-env-key" {
		t.Errorf("llm.anthropic_api_key = %q, want sk-env-key", cfg.LLM.AnthropicAPIKey)
	}
	if cfg.Container.MaxConcurrent() != 7 {
		t.Errorf("container.MaxConcurrent() = %d, want 7", cfg.Container.MaxConcurrent())
	}
}

func TestLoadExpandsEnvReferencesInYAML(t *testing.T) {
	path := writeTestConfig(t, `
database:
  path: ./data/loopgw.db
llm:
  anthropic_api_key: ${TEST_ANTHROPIC_KEY}
`)

	t.Setenv("TEST_ANTHROPIC_KEY", "sk-from-interpolation")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}
	if cfg.LLM.AnthropicAPIKey != "sk-from-interpolation" {
		t.Errorf("llm.anthropic_api_key = %q, want sk-from-interpolation", cfg.LLM.AnthropicAPIKey)
	}
}

func TestValidateRejectsBadEncryptionKeyLength(t *testing.T) {
	cfg := &Config{
		Database: DatabaseConfig{Path: "./data/loopgw.db", EncryptionKey: "too-short"},
		LLM:      LLMConfig{AnthropicAPIKey: "sk-test"},
	}
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for short encryption key")
	}
}

func TestContainerDefaults(t *testing.T) {
	var c ContainerConfig
	if got := c.MaxConcurrent(); got != 3 {
		t.Errorf("default MaxConcurrent() = %d, want 3", got)
	}
	if got := c.Timeout(); got.Seconds() != 30 {
		t.Errorf("default Timeout() = %v, want 30s", got)
	}
}
