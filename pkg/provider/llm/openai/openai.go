// Package openai provides an LLM provider for the OpenAI chat completions API
// and every service that speaks it, OpenRouter included.
package openai

import (
	"context"
	"errors"
	"fmt"
	"time"

	oai "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/packages/param"
	"github.com/openai/openai-go/shared"

	"github.com/425732441/full-duplex-voice-demo/pkg/provider/llm"
)

// OpenRouterBaseURL is the OpenAI-compatible endpoint of OpenRouter.
const OpenRouterBaseURL = "https://openrouter.ai/api/v1"

// Provider streams chat completions from an OpenAI-compatible endpoint.
type Provider struct {
	client oai.Client
	model  string
}

// Option adjusts the client a Provider is built with.
type Option func(*[]option.RequestOption)

func with(o option.RequestOption) Option {
	return func(opts *[]option.RequestOption) { *opts = append(*opts, o) }
}

// WithBaseURL points the client at another OpenAI-compatible endpoint.
func WithBaseURL(url string) Option { return with(option.WithBaseURL(url)) }

// WithOrganization sends the OpenAI organization ID.
func WithOrganization(org string) Option { return with(option.WithOrganization(org)) }

// WithTimeout bounds each request attempt, streaming included.
func WithTimeout(d time.Duration) Option { return with(option.WithRequestTimeout(d)) }

// WithMaxRetries sets how often a failed request is retried before the
// error reaches the caller. Keep it low when a fallback backend exists.
func WithMaxRetries(n int) Option { return with(option.WithMaxRetries(n)) }

// WithHeader sends an extra header on every request, such as OpenRouter's
// X-Title.
func WithHeader(key, value string) Option { return with(option.WithHeader(key, value)) }

// New creates a Provider for model. Options apply in order, so later ones
// win.
func New(apiKey, model string, opts ...Option) (*Provider, error) {
	switch {
	case apiKey == "":
		return nil, errors.New("openai: api key must not be empty")
	case model == "":
		return nil, errors.New("openai: model must not be empty")
	}
	reqOpts := []option.RequestOption{option.WithAPIKey(apiKey)}
	for _, o := range opts {
		o(&reqOpts)
	}
	return &Provider{client: oai.NewClient(reqOpts...), model: model}, nil
}

// NewOpenRouter creates a Provider on OpenRouter. Models are named
// vendor/model, e.g. "openai/gpt-4o-mini".
func NewOpenRouter(apiKey, model string, opts ...Option) (*Provider, error) {
	base := []Option{WithBaseURL(OpenRouterBaseURL), WithHeader("X-Title", "voicebot")}
	return New(apiKey, model, append(base, opts...)...)
}

// Model returns the configured model name.
func (p *Provider) Model() string { return p.model }

// StreamCompletion implements llm.Provider.
func (p *Provider) StreamCompletion(ctx context.Context, req llm.CompletionRequest) (<-chan llm.Chunk, error) {
	params, err := p.buildParams(req)
	if err != nil {
		return nil, fmt.Errorf("openai: build params: %w", err)
	}

	stream := p.client.Chat.Completions.NewStreaming(ctx, params)
	if err := stream.Err(); err != nil {
		return nil, fmt.Errorf("openai: start stream: %w", err)
	}

	ch := make(chan llm.Chunk, 32)
	go func() {
		defer close(ch)
		defer stream.Close()

		for stream.Next() {
			c, ok := convertChunk(stream.Current())
			if !ok {
				continue
			}
			select {
			case ch <- c:
			case <-ctx.Done():
				return
			}
		}

		if err := stream.Err(); err != nil && ctx.Err() == nil {
			select {
			case ch <- llm.ErrorChunk(fmt.Errorf("openai: stream: %w", err)):
			case <-ctx.Done():
			}
		}
	}()

	return ch, nil
}

func (p *Provider) buildParams(req llm.CompletionRequest) (oai.ChatCompletionNewParams, error) {
	var messages []oai.ChatCompletionMessageParamUnion
	if req.SystemPrompt != "" {
		messages = append(messages, oai.SystemMessage(req.SystemPrompt))
	}
	for _, m := range req.Messages {
		msg, err := convertMessage(m)
		if err != nil {
			return oai.ChatCompletionNewParams{}, err
		}
		messages = append(messages, msg)
	}
	if len(messages) == 0 {
		return oai.ChatCompletionNewParams{}, errors.New("openai: request has no messages")
	}

	params := oai.ChatCompletionNewParams{
		Model:    shared.ChatModel(p.model),
		Messages: messages,
	}
	// Usage arrives on a final chunk without choices.
	params.StreamOptions.IncludeUsage = param.NewOpt(true)
	if req.Temperature != 0 {
		params.Temperature = param.NewOpt(req.Temperature)
	}
	if req.MaxTokens > 0 {
		params.MaxCompletionTokens = param.NewOpt(int64(req.MaxTokens))
	}
	return params, nil
}

// convertChunk maps a streamed chunk, reporting false for chunks with
// nothing to relay.
func convertChunk(chunk oai.ChatCompletionChunk) (llm.Chunk, bool) {
	var c llm.Chunk
	if u := chunk.Usage; u.TotalTokens > 0 {
		c.Usage = &llm.Usage{
			PromptTokens:     int(u.PromptTokens),
			CompletionTokens: int(u.CompletionTokens),
			TotalTokens:      int(u.TotalTokens),
		}
	}
	if len(chunk.Choices) > 0 {
		c.Text = chunk.Choices[0].Delta.Content
		c.FinishReason = chunk.Choices[0].FinishReason
	}
	return c, c.Text != "" || c.FinishReason != "" || c.Usage != nil
}

func convertMessage(m llm.Message) (oai.ChatCompletionMessageParamUnion, error) {
	switch m.Role {
	case llm.RoleSystem:
		return oai.SystemMessage(m.Content), nil
	case llm.RoleUser:
		return oai.UserMessage(m.Content), nil
	case llm.RoleAssistant:
		return oai.AssistantMessage(m.Content), nil
	default:
		return oai.ChatCompletionMessageParamUnion{}, fmt.Errorf("openai: unknown message role %q", m.Role)
	}
}

var _ llm.Provider = (*Provider)(nil)
