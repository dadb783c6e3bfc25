package llm

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"
	"golang.org/x/time/rate"

	"storyline/internal/apperr"
)

// Prompt is the substituted conversation sent to the provider.
type Prompt struct {
	System    string
	User      string
	Assistant string
}

type Result struct {
	Text             string
	PromptTokens     int
	CompletionTokens int
}

// Generator is the narrow contract the orchestrator depends on.
type Generator interface {
	Generate(ctx context.Context, p Prompt, s Settings) (Result, error)
}

// Recorder receives usage for every completed provider call.
type Recorder interface {
	ObserveProvider(provider string, elapsed time.Duration, promptTokens, completionTokens int)
}

// Gateway lazily builds one chat model per provider and shares it across
// calls. Settings travel with each call as eino options.
type Gateway struct {
	factory  Factory
	limiter  *rate.Limiter
	recorder Recorder
	timeout  time.Duration

	mu      sync.Mutex
	clients map[string]model.BaseChatModel
}

type GatewayOption func(*Gateway)

// WithRateLimit throttles calls across all providers. Zero disables it.
func WithRateLimit(perSecond float64, burst int) GatewayOption {
	return func(g *Gateway) {
		if perSecond <= 0 {
			return
		}
		if burst < 1 {
			burst = 1
		}
		g.limiter = rate.NewLimiter(rate.Limit(perSecond), burst)
	}
}

func WithRecorder(r Recorder) GatewayOption {
	return func(g *Gateway) { g.recorder = r }
}

// WithTimeout bounds each provider call.
func WithTimeout(d time.Duration) GatewayOption {
	return func(g *Gateway) { g.timeout = d }
}

func NewGateway(factory Factory, opts ...GatewayOption) *Gateway {
	g := &Gateway{factory: factory, clients: map[string]model.BaseChatModel{}}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

func (g *Gateway) client(ctx context.Context, provider string) (model.BaseChatModel, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if m, ok := g.clients[provider]; ok {
		return m, nil
	}
	m, err := g.factory(ctx, provider)
	if err != nil {
		if !apperr.Is(err, apperr.Config) {
			err = apperr.New(apperr.Config, "build "+provider+" client", err)
		}
		return nil, err
	}
	if m == nil {
		return nil, apperr.Configf("build "+provider+" client", "factory returned no client")
	}
	g.clients[provider] = m
	return m, nil
}

// Generate sends p to the provider named in s. Usage is recorded before the
// text is returned so it is counted even when parsing later fails.
func (g *Gateway) Generate(ctx context.Context, p Prompt, s Settings) (Result, error) {
	if !knownProvider(s.Provider) {
		return Result{}, apperr.Configf("generate", "unsupported provider: %s", s.Provider)
	}
	cm, err := g.client(ctx, s.Provider)
	if err != nil {
		return Result{}, err
	}
	if g.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, g.timeout)
		defer cancel()
	}
	if g.limiter != nil {
		if err := g.limiter.Wait(ctx); err != nil {
			return Result{}, apperr.New(apperr.Transient, "rate limit wait", err)
		}
	}

	messages := []*schema.Message{schema.SystemMessage(p.System), schema.UserMessage(p.User)}
	if p.Assistant != "" {
		messages = append(messages, schema.AssistantMessage(p.Assistant, nil))
	}
	start := time.Now()
	resp, err := cm.Generate(ctx, messages,
		model.WithModel(s.Model),
		model.WithTemperature(float32(s.Temperature)),
		model.WithMaxTokens(s.MaxTokens),
		model.WithTopP(float32(s.TopP)),
	)
	if err != nil {
		return Result{}, Classify(s.Provider+" generate", err)
	}
	if resp == nil {
		return Result{}, apperr.New(apperr.Transient, s.Provider+" generate", errors.New("empty response"))
	}
	res := Result{Text: resp.Content}
	if resp.ResponseMeta != nil && resp.ResponseMeta.Usage != nil {
		res.PromptTokens = resp.ResponseMeta.Usage.PromptTokens
		res.CompletionTokens = resp.ResponseMeta.Usage.CompletionTokens
	}
	if g.recorder != nil {
		g.recorder.ObserveProvider(s.Provider, time.Since(start), res.PromptTokens, res.CompletionTokens)
	}
	return res, nil
}
