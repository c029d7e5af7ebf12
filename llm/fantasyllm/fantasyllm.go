// Package fantasyllm adapts a fantasy language model to the llm.Backend
// capability. The evaluator owns the tool loop, so every completion here
// is a single one-shot call with no fantasy-side tools.
package fantasyllm

import (
	"context"
	"fmt"
	"strings"

	"charm.land/fantasy"
	"charm.land/fantasy/providers/anthropic"
	"charm.land/fantasy/providers/openai"
	"charm.land/fantasy/providers/openaicompat"
	"github.com/pkg/errors"

	"github.com/hatcher/agentloop/llm"
)

// Config selects a provider and model.
type Config struct {
	Provider string `json:"provider" yaml:"provider" mapstructure:"provider"`
	Model    string `json:"model" yaml:"model" mapstructure:"model"`
	APIKey   string `json:"api_key" yaml:"api_key" mapstructure:"api_key"`
	BaseURL  string `json:"base_url" yaml:"base_url" mapstructure:"base_url"`
}

type backend struct {
	name  string
	model fantasy.LanguageModel
}

// New builds a Backend from config. Supported providers: anthropic,
// openai, and any openai-compatible endpoint via base_url.
func New(ctx context.Context, cfg Config) (llm.Backend, error) {
	cfg.Resolve()
	provider, err := buildProvider(cfg)
	if err != nil {
		return nil, err
	}
	model, err := provider.LanguageModel(ctx, cfg.Model)
	if err != nil {
		return nil, errors.WithMessagef(err, "resolve model %s/%s", cfg.Provider, cfg.Model)
	}
	return &backend{
		name:  fmt.Sprintf("%s/%s", cfg.Provider, cfg.Model),
		model: model,
	}, nil
}

// FromModel wraps an already-resolved fantasy model.
func FromModel(name string, model fantasy.LanguageModel) llm.Backend {
	return &backend{name: name, model: model}
}

func buildProvider(cfg Config) (fantasy.Provider, error) {
	switch strings.ToLower(cfg.Provider) {
	case anthropic.Name:
		opts := []anthropic.Option{anthropic.WithAPIKey(cfg.APIKey)}
		if cfg.BaseURL != "" {
			opts = append(opts, anthropic.WithBaseURL(cfg.BaseURL))
		}
		return anthropic.New(opts...)
	case openai.Name:
		opts := []openai.Option{openai.WithAPIKey(cfg.APIKey)}
		if cfg.BaseURL != "" {
			opts = append(opts, openai.WithBaseURL(cfg.BaseURL))
		}
		return openai.New(opts...)
	case openaicompat.Name:
		return openaicompat.New(
			openaicompat.WithBaseURL(cfg.BaseURL),
			openaicompat.WithAPIKey(cfg.APIKey),
		)
	default:
		return nil, fmt.Errorf("unsupported llm provider %q", cfg.Provider)
	}
}

func (b *backend) Name() string { return b.name }

func (b *backend) Complete(ctx context.Context, req llm.Request) (*llm.Response, error) {
	opts := []fantasy.AgentOption{}
	if req.System != "" {
		opts = append(opts, fantasy.WithSystemPrompt(req.System))
	}
	if req.MaxTokens > 0 {
		opts = append(opts, fantasy.WithMaxOutputTokens(req.MaxTokens))
	}
	agent := fantasy.NewAgent(b.model, opts...)

	// The caller renders roles into the transcript; the model sees one
	// user prompt per completion.
	var sb strings.Builder
	for _, m := range req.Messages {
		fmt.Fprintf(&sb, "[%s] %s\n\n", m.Role, m.Content)
	}

	resp, err := agent.Stream(ctx, fantasy.AgentStreamCall{Prompt: sb.String()})
	if err != nil {
		return nil, classify(ctx, err)
	}
	if resp == nil {
		return nil, errors.New("nil response from model")
	}
	out := &llm.Response{Content: resp.Response.Content.Text()}
	for _, step := range resp.Steps {
		out.Usage.PromptTokens += step.Usage.InputTokens
		out.Usage.CompletionTokens += step.Usage.OutputTokens
	}
	return out, nil
}

// classify keeps context errors as-is and marks provider failures
// transient so the retry policy applies uniformly.
func classify(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	return llm.Transient(err)
}
