// Package config loads and validates the daemon configuration. Settings
// come from a YAML file over built-in defaults; API keys are resolved
// from the environment, never from the file.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"bugfixd/pkg/llm"
)

// Config is the full daemon configuration.
//
//nolint:govet // Configuration struct, logical grouping preferred
type Config struct {
	Database DatabaseConfig `yaml:"database"`
	Queue    QueueConfig    `yaml:"queue"`
	Workers  WorkersConfig  `yaml:"workers"`
	Sandbox  SandboxConfig  `yaml:"sandbox"`
	LLM      LLMConfig      `yaml:"llm"`
	Metrics  MetricsConfig  `yaml:"metrics"`
}

// DatabaseConfig locates the task store.
type DatabaseConfig struct {
	Path string `yaml:"path"`
}

// QueueConfig tunes delivery visibility.
type QueueConfig struct {
	VisibilityTimeout time.Duration `yaml:"visibility_timeout"`
}

// WorkersConfig sizes the pool.
type WorkersConfig struct {
	Concurrency int `yaml:"concurrency"`
}

// SandboxConfig tunes container execution.
//
//nolint:govet // Configuration struct, logical grouping preferred
type SandboxConfig struct {
	Slots        int           `yaml:"slots"`
	SlotTimeout  time.Duration `yaml:"slot_timeout"`
	CloneTimeout time.Duration `yaml:"clone_timeout"`
	TestTimeout  time.Duration `yaml:"test_timeout"`
	CPUs         string        `yaml:"cpus"`
	Memory       string        `yaml:"memory"`
	PIDs         int64         `yaml:"pids"`
	WorkspaceDir string        `yaml:"workspace_dir"`
}

// LLMConfig selects the generation provider. The API key is read from
// the provider's conventional environment variable.
type LLMConfig struct {
	Provider string `yaml:"provider"`
	Model    string `yaml:"model"`
	Host     string `yaml:"host"` // ollama only
}

// MetricsConfig wires the Prometheus surface.
type MetricsConfig struct {
	ListenAddr    string `yaml:"listen_addr"`
	PrometheusURL string `yaml:"prometheus_url"` // usage queries; optional
}

// Default returns the configuration used when no file is present.
func Default() Config {
	return Config{
		Database: DatabaseConfig{Path: "bugfixd.db"},
		Queue:    QueueConfig{VisibilityTimeout: 10 * time.Minute},
		Workers:  WorkersConfig{Concurrency: 4},
		Sandbox: SandboxConfig{
			Slots:        4,
			SlotTimeout:  2 * time.Minute,
			CloneTimeout: 2 * time.Minute,
			TestTimeout:  5 * time.Minute,
			CPUs:         "1",
			Memory:       "512m",
			PIDs:         256,
		},
		LLM: LLMConfig{
			Provider: llm.ProviderGemini,
		},
		Metrics: MetricsConfig{ListenAddr: ":9090"},
	}
}

// Load reads the YAML file at path over the defaults. An empty path
// returns the validated defaults.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, cfg.Validate()
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("reading config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("parsing config %s: %w", path, err)
	}
	return cfg, cfg.Validate()
}

// Validate rejects configurations the daemon cannot run with.
func (c *Config) Validate() error {
	if c.Database.Path == "" {
		return fmt.Errorf("database.path must not be empty")
	}
	if c.Workers.Concurrency <= 0 {
		return fmt.Errorf("workers.concurrency must be positive, got %d", c.Workers.Concurrency)
	}
	if c.Sandbox.Slots <= 0 {
		return fmt.Errorf("sandbox.slots must be positive, got %d", c.Sandbox.Slots)
	}
	if c.Sandbox.TestTimeout <= 0 {
		return fmt.Errorf("sandbox.test_timeout must be positive")
	}
	if c.Queue.VisibilityTimeout <= 0 {
		return fmt.Errorf("queue.visibility_timeout must be positive")
	}
	switch c.LLM.Provider {
	case llm.ProviderGemini, llm.ProviderAnthropic, llm.ProviderOpenAI, llm.ProviderOllama, "":
	default:
		return fmt.Errorf("llm.provider %q is not supported", c.LLM.Provider)
	}
	return nil
}

// apiKeyEnvVars maps each hosted provider to its conventional key
// variable.
//
//nolint:gochecknoglobals // Static lookup table
var apiKeyEnvVars = map[string]string{
	llm.ProviderGemini:    "GEMINI_API_KEY",
	llm.ProviderAnthropic: "ANTHROPIC_API_KEY",
	llm.ProviderOpenAI:    "OPENAI_API_KEY",
}

// ClientConfig resolves the generation client configuration, pulling the
// API key from the environment.
func (c *Config) ClientConfig() llm.ClientConfig {
	provider := c.LLM.Provider
	return llm.ClientConfig{
		Provider: provider,
		Model:    c.LLM.Model,
		APIKey:   os.Getenv(apiKeyEnvVars[provider]),
		Host:     c.LLM.Host,
	}
}
