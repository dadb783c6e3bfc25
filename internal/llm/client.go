// Package llm provides a uniform text-generation gateway over LLM providers using CloudWeGo Eino.
package llm

import (
	"context"
	"fmt"

	"github.com/cloudwego/eino-ext/components/model/claude"
	"github.com/cloudwego/eino-ext/components/model/gemini"
	"github.com/cloudwego/eino-ext/components/model/ollama"
	"github.com/cloudwego/eino-ext/components/model/openai"
	"github.com/cloudwego/eino/components/model"
	"google.golang.org/genai"

	"storyline/internal/apperr"
)

// ProviderConfig holds the construction-time settings of one provider client.
type ProviderConfig struct {
	APIKey  string
	BaseURL string
	// MaxTokens is required by the Anthropic client at construction.
	MaxTokens int
}

// Factory builds the chat model for a provider.
type Factory func(ctx context.Context, provider string) (model.BaseChatModel, error)

// NewFactory returns a Factory backed by the eino-ext provider components.
func NewFactory(providers map[string]ProviderConfig) Factory {
	return func(ctx context.Context, provider string) (model.BaseChatModel, error) {
		cfg := providers[provider]
		m, err := newChatModel(ctx, provider, cfg)
		if err != nil {
			return nil, apperr.New(apperr.Config, "build "+provider+" client", err)
		}
		return m, nil
	}
}

func newChatModel(ctx context.Context, provider string, cfg ProviderConfig) (model.BaseChatModel, error) {
	switch provider {
	case ProviderOpenAI:
		if cfg.APIKey == "" {
			return nil, fmt.Errorf("OpenAI API key is required")
		}
		return openai.NewChatModel(ctx, &openai.ChatModelConfig{
			APIKey:  cfg.APIKey,
			BaseURL: cfg.BaseURL,
			Model:   DefaultOpenAIModel,
		})

	case ProviderOllama:
		baseURL := cfg.BaseURL
		if baseURL == "" {
			baseURL = DefaultOllamaURL
		}
		return ollama.NewChatModel(ctx, &ollama.ChatModelConfig{
			BaseURL: baseURL,
			Model:   DefaultOllamaModel,
		})

	case ProviderAnthropic:
		if cfg.APIKey == "" {
			return nil, fmt.Errorf("anthropic API key is required")
		}
		maxTokens := cfg.MaxTokens
		if maxTokens <= 0 {
			maxTokens = DefaultMaxTokens
		}
		return claude.NewChatModel(ctx, &claude.Config{
			APIKey:    cfg.APIKey,
			Model:     DefaultAnthropicModel,
			MaxTokens: maxTokens,
		})

	case ProviderGemini:
		if cfg.APIKey == "" {
			return nil, fmt.Errorf("gemini API key is required")
		}
		client, err := genai.NewClient(ctx, &genai.ClientConfig{
			APIKey:  cfg.APIKey,
			Backend: genai.BackendGeminiAPI,
		})
		if err != nil {
			return nil, fmt.Errorf("gemini client: %w", err)
		}
		return gemini.NewChatModel(ctx, &gemini.Config{
			Client: client,
			Model:  DefaultGeminiModel,
		})

	default:
		return nil, fmt.Errorf("unsupported LLM provider: %s (supported: openai, ollama, anthropic, gemini)", provider)
	}
}
