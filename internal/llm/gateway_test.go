package llm

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"storyline/internal/apperr"
	"storyline/internal/domain"
)

type fakeChatModel struct {
	mu       sync.Mutex
	reply    string
	err      error
	messages []*schema.Message
	options  *model.Options
}

func (f *fakeChatModel) Generate(_ context.Context, input []*schema.Message, opts ...model.Option) (*schema.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.messages = input
	f.options = model.GetCommonOptions(&model.Options{}, opts...)
	if f.err != nil {
		return nil, f.err
	}
	msg := schema.AssistantMessage(f.reply, nil)
	msg.ResponseMeta = &schema.ResponseMeta{Usage: &schema.TokenUsage{PromptTokens: 12, CompletionTokens: 34, TotalTokens: 46}}
	return msg, nil
}

func (f *fakeChatModel) Stream(context.Context, []*schema.Message, ...model.Option) (*schema.StreamReader[*schema.Message], error) {
	return nil, errors.New("not supported")
}

type usage struct {
	provider           string
	prompt, completion int
}

type recorder struct{ calls []usage }

func (r *recorder) ObserveProvider(provider string, _ time.Duration, p, c int) {
	r.calls = append(r.calls, usage{provider, p, c})
}

func TestGatewayPassesSettingsPerCall(t *testing.T) {
	fake := &fakeChatModel{reply: `{"title":"x"}`}
	builds := 0
	rec := &recorder{}
	g := NewGateway(func(context.Context, string) (model.BaseChatModel, error) {
		builds++
		return fake, nil
	}, WithRecorder(rec), WithTimeout(time.Second))

	s := Settings{Provider: ProviderOpenAI, Model: "gpt-4o", Temperature: 0.2, MaxTokens: 50, TopP: 0.9}
	res, err := g.Generate(context.Background(), Prompt{System: "sys", User: "usr"}, s)
	require.NoError(t, err)
	assert.Equal(t, `{"title":"x"}`, res.Text)
	assert.Equal(t, 12, res.PromptTokens)
	assert.Equal(t, 34, res.CompletionTokens)

	require.Len(t, fake.messages, 2)
	assert.Equal(t, schema.System, fake.messages[0].Role)
	assert.Equal(t, "usr", fake.messages[1].Content)
	require.NotNil(t, fake.options.Model)
	assert.Equal(t, "gpt-4o", *fake.options.Model)
	assert.InDelta(t, 0.2, float64(*fake.options.Temperature), 1e-6)
	assert.Equal(t, 50, *fake.options.MaxTokens)

	_, err = g.Generate(context.Background(), Prompt{System: "s", User: "u", Assistant: "a"}, s)
	require.NoError(t, err)
	assert.Len(t, fake.messages, 3)
	assert.Equal(t, 1, builds, "client is cached per provider")
	assert.Equal(t, []usage{{ProviderOpenAI, 12, 34}, {ProviderOpenAI, 12, 34}}, rec.calls)
}

func TestGatewayConstructionFailureIsConfig(t *testing.T) {
	g := NewGateway(NewFactory(map[string]ProviderConfig{}))
	_, err := g.Generate(context.Background(), Prompt{User: "u"}, Settings{Provider: ProviderOpenAI, Model: "m", MaxTokens: 1})
	require.Error(t, err)
	assert.True(t, apperr.Is(err, apperr.Config))

	_, err = g.Generate(context.Background(), Prompt{User: "u"}, Settings{Provider: "mystery", Model: "m", MaxTokens: 1})
	assert.True(t, apperr.Is(err, apperr.Config))
}

func TestGatewayClassifiesProviderErrors(t *testing.T) {
	fake := &fakeChatModel{err: errors.New("error, status code: 429, message: Rate limit reached")}
	g := NewGateway(func(context.Context, string) (model.BaseChatModel, error) { return fake, nil })
	s := Settings{Provider: ProviderGemini, Model: "gemini-pro", MaxTokens: 10, TopP: 1}
	_, err := g.Generate(context.Background(), Prompt{User: "u"}, s)
	assert.True(t, apperr.Retryable(err))

	fake.err = errors.New("model not found: gpt-9")
	_, err = g.Generate(context.Background(), Prompt{User: "u"}, s)
	assert.True(t, apperr.Is(err, apperr.Config))
}

func TestClassify(t *testing.T) {
	cases := []struct {
		msg  string
		want apperr.Kind
	}{
		{"context deadline exceeded", apperr.Transient},
		{"dial tcp 127.0.0.1:11434: connection refused", apperr.Transient},
		{"503 Service Unavailable", apperr.Transient},
		{"RESOURCE_EXHAUSTED: quota", apperr.Transient},
		{"401 Unauthorized", apperr.Config},
		{"Incorrect API key provided: invalid_api_key", apperr.Config},
		{"json: cannot unmarshal", apperr.Generic},
		{"error, status code: 503, status: 503 Service Unavailable, message: busy", apperr.Transient},
		{"error, status code: 401, message: bad key", apperr.Config},
		{"error, status code: 400, message: bad request", apperr.Generic},
		{"Error 429, Message: quota, Status: RESOURCE_EXHAUSTED", apperr.Transient},
		{`POST "https://api.anthropic.com/v1/messages": 429 Too Many Requests`, apperr.Transient},
		{`{"type":"error","error":{"type":"overloaded_error"}}`, apperr.Transient},
		{"unexpected EOF", apperr.Transient},
		{"invalid request: max_tokens 5000 exceeds model limit", apperr.Generic},
		{"see https://docs/thereof", apperr.Generic},
		{"prompt of 4010 tokens too long", apperr.Generic},
		{"prompt with 500 tokens rejected", apperr.Generic},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, apperr.KindOf(Classify("op", errors.New(tc.msg))), tc.msg)
	}
	assert.Equal(t, apperr.Transient, apperr.KindOf(Classify("op", context.DeadlineExceeded)))
	assert.Nil(t, Classify("op", nil))
	tagged := apperr.Configf("op", "x")
	assert.Same(t, tagged, Classify("other", tagged))
}

func TestMergeOverridesFieldByField(t *testing.T) {
	d := DefaultDefaults()
	s, err := d.Merge(nil)
	require.NoError(t, err)
	assert.Equal(t, Settings{Provider: ProviderOpenAI, Model: DefaultOpenAIModel, Temperature: 0.75, MaxTokens: 1000, TopP: 1}, s)

	temp := 0.1
	s, err = d.Merge(&domain.LLMConfig{Provider: "Gemini", Temperature: &temp})
	require.NoError(t, err)
	assert.Equal(t, ProviderGemini, s.Provider)
	assert.Equal(t, DefaultGeminiModel, s.Model)
	assert.Equal(t, 0.1, s.Temperature)
	assert.Equal(t, 1000, s.MaxTokens)

	assert.Equal(t, 0.75, d.Temperature, "defaults are not mutated")
}

func TestMergeRejects(t *testing.T) {
	d := DefaultDefaults()
	hot, negative := 1.5, -0.1
	zero := 0

	_, err := d.Merge(&domain.LLMConfig{Temperature: &hot})
	assert.True(t, apperr.Is(err, apperr.Validation))
	_, err = d.Merge(&domain.LLMConfig{TopP: &negative})
	assert.True(t, apperr.Is(err, apperr.Validation))
	_, err = d.Merge(&domain.LLMConfig{MaxTokens: &zero})
	assert.True(t, apperr.Is(err, apperr.Validation))
	_, err = d.Merge(&domain.LLMConfig{Provider: "watson"})
	assert.True(t, apperr.Is(err, apperr.Config))
}
