package llm

import (
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"

	"storyline/internal/apperr"
	"storyline/internal/domain"
)

// Provider constants
const (
	ProviderOpenAI    = "openai"
	ProviderGemini    = "gemini"
	ProviderAnthropic = "anthropic"
	ProviderOllama    = "ollama"
)

// Providers lists every supported provider name.
var Providers = []string{ProviderOpenAI, ProviderGemini, ProviderAnthropic, ProviderOllama}

const (
	DefaultTemperature = 0.75
	DefaultMaxTokens   = 1000
	DefaultTopP        = 1.0

	DefaultOpenAIModel    = "gpt-3.5-turbo-0125"
	DefaultGeminiModel    = "gemini-pro"
	DefaultAnthropicModel = "claude-3-5-haiku-latest"
	DefaultOllamaModel    = "llama3"

	// DefaultOllamaURL is the default URL for Ollama server
	DefaultOllamaURL = "http://localhost:11434"
)

// Settings is the resolved configuration for one provider call. Values are
// copied per call and never written back to a shared client.
type Settings struct {
	Provider    string  `validate:"required,oneof=openai gemini anthropic ollama"`
	Model       string  `validate:"required"`
	Temperature float64 `validate:"gte=0,lte=1"`
	MaxTokens   int     `validate:"gt=0"`
	TopP        float64 `validate:"gte=0,lte=1"`
}

// Defaults supplies the values used when a task carries no override.
type Defaults struct {
	Provider    string
	Temperature float64
	MaxTokens   int
	TopP        float64
	// Models maps provider name to its default model.
	Models map[string]string
}

func DefaultDefaults() Defaults {
	return Defaults{
		Provider:    ProviderOpenAI,
		Temperature: DefaultTemperature,
		MaxTokens:   DefaultMaxTokens,
		TopP:        DefaultTopP,
		Models: map[string]string{
			ProviderOpenAI:    DefaultOpenAIModel,
			ProviderGemini:    DefaultGeminiModel,
			ProviderAnthropic: DefaultAnthropicModel,
			ProviderOllama:    DefaultOllamaModel,
		},
	}
}

var validate = validator.New()

// Merge overlays a per-task override on d field by field. An unknown
// provider is a configuration error; out-of-range numbers are validation errors.
func (d Defaults) Merge(override *domain.LLMConfig) (Settings, error) {
	s := Settings{
		Provider:    d.Provider,
		Temperature: d.Temperature,
		MaxTokens:   d.MaxTokens,
		TopP:        d.TopP,
	}
	if override != nil {
		if p := strings.TrimSpace(strings.ToLower(override.Provider)); p != "" {
			s.Provider = p
		}
		if override.Model != "" {
			s.Model = override.Model
		}
		if override.Temperature != nil {
			s.Temperature = *override.Temperature
		}
		if override.MaxTokens != nil {
			s.MaxTokens = *override.MaxTokens
		}
		if override.TopP != nil {
			s.TopP = *override.TopP
		}
	}
	if !knownProvider(s.Provider) {
		return Settings{}, apperr.Configf("llm settings", "unsupported provider: %s (supported: %s)", s.Provider, strings.Join(Providers, ", "))
	}
	if s.Model == "" {
		s.Model = d.Models[s.Provider]
	}
	if s.Model == "" {
		return Settings{}, apperr.Configf("llm settings", "no model configured for provider %s", s.Provider)
	}
	if err := validate.Struct(s); err != nil {
		return Settings{}, apperr.New(apperr.Validation, "llm settings", describe(err))
	}
	return s, nil
}

func knownProvider(p string) bool {
	for _, known := range Providers {
		if p == known {
			return true
		}
	}
	return false
}

func describe(err error) error {
	verrs, ok := err.(validator.ValidationErrors)
	if !ok {
		return err
	}
	parts := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		parts = append(parts, fmt.Sprintf("%s=%v violates %s=%s", strings.ToLower(fe.Field()), fe.Value(), fe.Tag(), fe.Param()))
	}
	return fmt.Errorf("%s", strings.Join(parts, "; "))
}
