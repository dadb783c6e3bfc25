package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, "/v1", cfg.Server.BasePath)
	assert.Equal(t, 120*time.Second, cfg.LLM.Timeout)
	assert.Equal(t, uint(5), cfg.Retry.MaxAttempts)
	assert.Equal(t, 60*time.Second, cfg.Retry.MaxInterval)
	assert.Equal(t, "gpt-3.5-turbo-0125", cfg.LLM.Providers["openai"].Model)
}

func TestFromYAMLOverlaysDefaults(t *testing.T) {
	cfg, err := FromYAML([]byte("llm:\n  default_provider: ollama\n  temperature: 0.2\nnats:\n  workers: 8\n"))
	require.NoError(t, err)
	assert.Equal(t, "ollama", cfg.LLM.DefaultProvider)
	assert.Equal(t, 8, cfg.NATS.Workers)
	assert.Equal(t, "storyline.tasks", cfg.NATS.TaskSubject)

	d := cfg.Defaults()
	assert.Equal(t, "ollama", d.Provider)
	assert.InDelta(t, 0.2, d.Temperature, 1e-9)
	assert.Equal(t, "llama3", d.Models["ollama"])
}

func TestValidateRejects(t *testing.T) {
	cases := map[string]string{
		"provider":    "llm:\n  default_provider: cohere\n",
		"temperature": "llm:\n  temperature: 1.5\n",
		"workers":     "nats:\n  workers: 0\n",
		"base path":   "server:\n  base_path: v1\n",
		"log format":  "logging:\n  format: xml\n",
		"yaml":        "server: [",
	}
	for name, raw := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := FromYAML([]byte(raw))
			assert.Error(t, err)
		})
	}
}

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	dir := t.TempDir()
	cfg, err := Load(dir)
	require.NoError(t, err)
	assert.Equal(t, dir, cfg.Store.Workspace)

	require.NoError(t, os.WriteFile(filepath.Join(dir, FileName), []byte("server:\n  addr: \":9090\"\n"), 0o644))
	cfg, err = Load(dir)
	require.NoError(t, err)
	assert.Equal(t, ":9090", cfg.Server.Addr)
}

func TestOverlayFromEnv(t *testing.T) {
	t.Setenv("STORYLINE_NATS_URL", "nats://broker:4222")
	t.Setenv("STORYLINE_NATS_WORKERS", "2")
	v := viper.New()
	v.SetEnvPrefix("STORYLINE")
	v.SetEnvKeyReplacer(envReplacer)
	v.AutomaticEnv()

	cfg := Default()
	require.NoError(t, cfg.Overlay(v))
	assert.Equal(t, "nats://broker:4222", cfg.NATS.URL)
	assert.Equal(t, 2, cfg.NATS.Workers)
	assert.Equal(t, ":8080", cfg.Server.Addr)
}

func TestSecretsComeFromEnv(t *testing.T) {
	cfg := Default()
	env := map[string]string{"OPENAI_API_KEY": "sk-test", "STORYLINE_JWT_SECRET": "s3cret"}
	getenv := func(k string) string { return env[k] }

	providers := cfg.ProviderConfigs(getenv)
	assert.Equal(t, "sk-test", providers["openai"].APIKey)
	assert.Equal(t, "http://localhost:11434", providers["ollama"].BaseURL)
	assert.Equal(t, "s3cret", cfg.JWTSecret(getenv))

	cfg.Auth.JWTSecretEnv = ""
	assert.Empty(t, cfg.JWTSecret(getenv))
}
