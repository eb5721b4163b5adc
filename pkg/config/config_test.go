package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"bugfixd/pkg/llm"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "bugfixd.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "bugfixd.db", cfg.Database.Path)
	assert.Equal(t, 4, cfg.Workers.Concurrency)
	assert.Equal(t, 4, cfg.Sandbox.Slots)
	assert.Equal(t, 5*time.Minute, cfg.Sandbox.TestTimeout)
	assert.Equal(t, string(llm.ProviderGemini), cfg.LLM.Provider)
}

func TestLoadOverridesDefaults(t *testing.T) {
	path := writeConfig(t, `
database:
  path: /var/lib/bugfixd/tasks.db
workers:
  concurrency: 8
sandbox:
  slots: 2
  test_timeout: 90s
  memory: 1g
llm:
  provider: anthropic
  model: claude-sonnet-4-20250514
`)
	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "/var/lib/bugfixd/tasks.db", cfg.Database.Path)
	assert.Equal(t, 8, cfg.Workers.Concurrency)
	assert.Equal(t, 2, cfg.Sandbox.Slots)
	assert.Equal(t, 90*time.Second, cfg.Sandbox.TestTimeout)
	assert.Equal(t, "1g", cfg.Sandbox.Memory)
	assert.Equal(t, "anthropic", cfg.LLM.Provider)

	// Untouched sections keep their defaults.
	assert.Equal(t, 10*time.Minute, cfg.Queue.VisibilityTimeout)
	assert.Equal(t, "1", cfg.Sandbox.CPUs)
}

func TestLoadRejectsInvalidValues(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"zero concurrency", "workers:\n  concurrency: 0\n"},
		{"negative slots", "sandbox:\n  slots: -1\n"},
		{"unknown provider", "llm:\n  provider: cohere\n"},
		{"empty db path", "database:\n  path: \"\"\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tt.body))
			assert.Error(t, err)
		})
	}
}

func TestLoadRejectsMalformedYAML(t *testing.T) {
	_, err := Load(writeConfig(t, "workers: [not a mapping"))
	assert.Error(t, err)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	assert.Error(t, err)
}

func TestClientConfigReadsKeyFromEnv(t *testing.T) {
	t.Setenv("ANTHROPIC_API_KEY", "sk-test")
	cfg := Default()
	cfg.LLM.Provider = string(llm.ProviderAnthropic)
	cfg.LLM.Model = "claude-sonnet-4-20250514"

	cc := cfg.ClientConfig()
	assert.Equal(t, llm.ProviderAnthropic, cc.Provider)
	assert.Equal(t, "sk-test", cc.APIKey)
	assert.Equal(t, "claude-sonnet-4-20250514", cc.Model)
}

func TestClientConfigOllamaNeedsNoKey(t *testing.T) {
	cfg := Default()
	cfg.LLM.Provider = string(llm.ProviderOllama)
	cfg.LLM.Host = "http://localhost:11434"

	cc := cfg.ClientConfig()
	assert.Empty(t, cc.APIKey)
	assert.Equal(t, "http://localhost:11434", cc.Host)
}
