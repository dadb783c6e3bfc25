package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"storyline/internal/llm"
	"storyline/internal/logging"
)

// Config models storyline.yml.
type Config struct {
	Server struct {
		Addr     string `yaml:"addr"`
		BasePath string `yaml:"base_path"`
	} `yaml:"server"`
	Store struct {
		Workspace string `yaml:"workspace"`
	} `yaml:"store"`
	LLM struct {
		DefaultProvider string                    `yaml:"default_provider"`
		Temperature     float64                   `yaml:"temperature"`
		MaxTokens       int                       `yaml:"max_tokens"`
		TopP            float64                   `yaml:"top_p"`
		Timeout         time.Duration             `yaml:"timeout"`
		RatePerSecond   float64                   `yaml:"rate_per_second"`
		Providers       map[string]ProviderConfig `yaml:"providers"`
	} `yaml:"llm"`
	NATS struct {
		URL           string `yaml:"url"`
		TaskSubject   string `yaml:"task_subject"`
		Stream        string `yaml:"stream"`
		QueueGroup    string `yaml:"queue_group"`
		NotifySubject string `yaml:"notify_subject"`
		Workers       int    `yaml:"workers"`
	} `yaml:"nats"`
	Retry struct {
		MaxAttempts     uint          `yaml:"max_attempts"`
		InitialInterval time.Duration `yaml:"initial_interval"`
		MaxInterval     time.Duration `yaml:"max_interval"`
		Multiplier      float64       `yaml:"multiplier"`
		Randomization   float64       `yaml:"randomization"`
	} `yaml:"retry"`
	Logging logging.Config `yaml:"logging"`
	Auth    struct {
		JWTSecretEnv string `yaml:"jwt_secret_env"`
	} `yaml:"auth"`
}

// ProviderConfig names the env var holding a key; keys never live in the file.
type ProviderConfig struct {
	Model     string `yaml:"model"`
	APIKeyEnv string `yaml:"api_key_env"`
	BaseURL   string `yaml:"base_url"`
}

const FileName = "storyline.yml"

// Load reads and validates config from workspace. A missing file yields the defaults.
func Load(workspace string) (*Config, error) {
	cfg, err := LoadOptional(workspace)
	if err != nil {
		return nil, err
	}
	if cfg == nil {
		cfg = Default()
		if workspace != "" {
			cfg.Store.Workspace = workspace
		}
	}
	return cfg, nil
}

// LoadOptional returns nil,nil if the config file does not exist.
func LoadOptional(workspace string) (*Config, error) {
	data, err := os.ReadFile(Path(workspace))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, FileName)
}

// Default returns the built-in configuration.
func Default() *Config {
	var cfg Config
	if err := yaml.Unmarshal([]byte(defaultTemplate), &cfg); err != nil {
		panic(fmt.Sprintf("default config: %v", err))
	}
	return &cfg
}

// GenerateDefault returns the default config YAML.
func GenerateDefault() string {
	return defaultTemplate
}

// FromYAML parses config over the defaults and validates it.
func FromYAML(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// FromFile reads YAML config from the given path.
func FromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return FromYAML(data)
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if c.Server.Addr == "" {
		return fmt.Errorf("config.server.addr is required")
	}
	if c.Server.BasePath != "" && !strings.HasPrefix(c.Server.BasePath, "/") {
		return fmt.Errorf("config.server.base_path must start with /")
	}
	p := strings.ToLower(c.LLM.DefaultProvider)
	if !contains(llm.Providers, p) {
		return fmt.Errorf("config.llm.default_provider %q is not one of %s", c.LLM.DefaultProvider, strings.Join(llm.Providers, ", "))
	}
	for name := range c.LLM.Providers {
		if !contains(llm.Providers, name) {
			return fmt.Errorf("config.llm.providers has unknown provider %s", name)
		}
	}
	if c.LLM.Temperature < 0 || c.LLM.Temperature > 1 {
		return fmt.Errorf("config.llm.temperature must be within [0,1]")
	}
	if c.LLM.TopP < 0 || c.LLM.TopP > 1 {
		return fmt.Errorf("config.llm.top_p must be within [0,1]")
	}
	if c.LLM.MaxTokens <= 0 {
		return fmt.Errorf("config.llm.max_tokens must be positive")
	}
	if c.NATS.URL == "" {
		return fmt.Errorf("config.nats.url is required")
	}
	if c.NATS.Workers <= 0 {
		return fmt.Errorf("config.nats.workers must be positive")
	}
	if c.Retry.MaxAttempts == 0 {
		return fmt.Errorf("config.retry.max_attempts must be positive")
	}
	if c.Retry.Randomization < 0 || c.Retry.Randomization > 1 {
		return fmt.Errorf("config.retry.randomization must be within [0,1]")
	}
	return c.Logging.Validate()
}

// EnvPrefix is the prefix of every environment override.
const EnvPrefix = "STORYLINE"

var envReplacer = strings.NewReplacer(".", "_", "-", "_")

// NewViper returns a viper instance reading STORYLINE_* variables, so
// nats.url is overridden by STORYLINE_NATS_URL.
func NewViper() *viper.Viper {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(envReplacer)
	v.AutomaticEnv()
	return v
}

// Overlay applies values set in v, normally STORYLINE_* environment
// variables, on top of the file.
func (c *Config) Overlay(v *viper.Viper) error {
	str := func(key string, dst *string) {
		if v.IsSet(key) {
			*dst = v.GetString(key)
		}
	}
	str("server.addr", &c.Server.Addr)
	str("server.base_path", &c.Server.BasePath)
	str("store.workspace", &c.Store.Workspace)
	str("llm.default_provider", &c.LLM.DefaultProvider)
	str("nats.url", &c.NATS.URL)
	str("nats.task_subject", &c.NATS.TaskSubject)
	str("nats.notify_subject", &c.NATS.NotifySubject)
	str("logging.level", &c.Logging.Level)
	str("logging.format", &c.Logging.Format)
	if v.IsSet("nats.workers") {
		c.NATS.Workers = v.GetInt("nats.workers")
	}
	if v.IsSet("llm.timeout") {
		c.LLM.Timeout = v.GetDuration("llm.timeout")
	}
	return c.Validate()
}

// Defaults converts the llm section into merge defaults for the engine.
func (c *Config) Defaults() llm.Defaults {
	d := llm.DefaultDefaults()
	d.Provider = strings.ToLower(c.LLM.DefaultProvider)
	d.Temperature = c.LLM.Temperature
	d.MaxTokens = c.LLM.MaxTokens
	d.TopP = c.LLM.TopP
	for name, p := range c.LLM.Providers {
		if p.Model != "" {
			d.Models[name] = p.Model
		}
	}
	return d
}

// ProviderConfigs resolves provider credentials from the environment.
func (c *Config) ProviderConfigs(getenv func(string) string) map[string]llm.ProviderConfig {
	if getenv == nil {
		getenv = os.Getenv
	}
	out := map[string]llm.ProviderConfig{}
	for name, p := range c.LLM.Providers {
		pc := llm.ProviderConfig{BaseURL: p.BaseURL, MaxTokens: c.LLM.MaxTokens}
		if p.APIKeyEnv != "" {
			pc.APIKey = getenv(p.APIKeyEnv)
		}
		out[name] = pc
	}
	return out
}

// JWTSecret returns the signing secret, empty when auth is disabled.
func (c *Config) JWTSecret(getenv func(string) string) string {
	if c.Auth.JWTSecretEnv == "" {
		return ""
	}
	if getenv == nil {
		getenv = os.Getenv
	}
	return getenv(c.Auth.JWTSecretEnv)
}

func contains(list []string, v string) bool {
	for _, item := range list {
		if item == v {
			return true
		}
	}
	return false
}

const defaultTemplate = `server:
  addr: ":8080"
  base_path: /v1

store:
  workspace: .

llm:
  default_provider: openai
  temperature: 0.75
  max_tokens: 1000
  top_p: 1.0
  timeout: 120s
  rate_per_second: 5
  providers:
    openai:
      model: gpt-3.5-turbo-0125
      api_key_env: OPENAI_API_KEY
    gemini:
      model: gemini-pro
      api_key_env: GEMINI_API_KEY
    anthropic:
      model: claude-3-5-haiku-latest
      api_key_env: ANTHROPIC_API_KEY
    ollama:
      model: llama3
      base_url: http://localhost:11434

nats:
  url: nats://127.0.0.1:4222
  task_subject: storyline.tasks
  stream: STORYLINE_TASKS
  queue_group: storyline-workers
  notify_subject: storyline.notifications
  workers: 4

retry:
  max_attempts: 5
  initial_interval: 1s
  max_interval: 60s
  multiplier: 2
  randomization: 0.5

logging:
  level: info
  format: json

auth:
  jwt_secret_env: STORYLINE_JWT_SECRET
`
