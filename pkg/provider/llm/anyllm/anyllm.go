// Package anyllm adapts github.com/mozilla-ai/any-llm-go to llm.Provider so
// the generation stage can run on any vendor that library supports: Anthropic,
// Gemini, Ollama, DeepSeek, Mistral, Groq and local llama.cpp servers.
//
//	p, err := anyllm.New("anthropic", "claude-3-5-haiku-latest", anyllmlib.WithAPIKey("sk-ant-..."))
package anyllm

import (
	"context"
	"fmt"
	"maps"
	"slices"
	"strings"

	anyllmlib "github.com/mozilla-ai/any-llm-go"
	"github.com/mozilla-ai/any-llm-go/providers/anthropic"
	"github.com/mozilla-ai/any-llm-go/providers/deepseek"
	"github.com/mozilla-ai/any-llm-go/providers/gemini"
	"github.com/mozilla-ai/any-llm-go/providers/groq"
	"github.com/mozilla-ai/any-llm-go/providers/llamacpp"
	"github.com/mozilla-ai/any-llm-go/providers/llamafile"
	"github.com/mozilla-ai/any-llm-go/providers/mistral"
	"github.com/mozilla-ai/any-llm-go/providers/ollama"
	anyllmoai "github.com/mozilla-ai/any-llm-go/providers/openai"

	"github.com/425732441/full-duplex-voice-demo/pkg/provider/llm"
)

// Provider implements llm.Provider on top of an any-llm-go backend.
type Provider struct {
	backend anyllmlib.Provider
	model   string
}

type backendFunc func(...anyllmlib.Option) (anyllmlib.Provider, error)

func backend[P anyllmlib.Provider](ctor func(...anyllmlib.Option) (P, error)) backendFunc {
	return func(opts ...anyllmlib.Option) (anyllmlib.Provider, error) {
		p, err := ctor(opts...)
		if err != nil {
			return nil, err
		}
		return p, nil
	}
}

var backends = map[string]backendFunc{
	"openai":    backend(anyllmoai.New),
	"anthropic": backend(anthropic.New),
	"gemini":    backend(gemini.New),
	"ollama":    backend(ollama.New),
	"deepseek":  backend(deepseek.New),
	"mistral":   backend(mistral.New),
	"groq":      backend(groq.New),
	"llamacpp":  backend(llamacpp.New),
	"llamafile": backend(llamafile.New),
}

// Backends lists the accepted backend names, sorted.
var Backends = slices.Sorted(maps.Keys(backends))

// New creates a Provider on the named backend, one of [Backends]. Without an
// API key option the backend reads its usual environment variable, such as
// ANTHROPIC_API_KEY.
func New(name, model string, opts ...anyllmlib.Option) (*Provider, error) {
	ctor, ok := backends[strings.ToLower(name)]
	if !ok {
		return nil, fmt.Errorf("anyllm: unsupported backend %q; supported: %s", name, strings.Join(Backends, ", "))
	}
	if model == "" {
		return nil, fmt.Errorf("anyllm: %s: model must not be empty", name)
	}
	b, err := ctor(opts...)
	if err != nil {
		return nil, fmt.Errorf("anyllm: create %s backend: %w", name, err)
	}
	return &Provider{backend: b, model: model}, nil
}

// StreamCompletion implements llm.Provider.
func (p *Provider) StreamCompletion(ctx context.Context, req llm.CompletionRequest) (<-chan llm.Chunk, error) {
	params, err := p.buildParams(req)
	if err != nil {
		return nil, err
	}

	backendChunks, backendErrs := p.backend.CompletionStream(ctx, params)

	ch := make(chan llm.Chunk, 32)
	go func() {
		defer close(ch)

		for chunk := range backendChunks {
			c, ok := convertChunk(chunk)
			if !ok {
				continue
			}
			select {
			case ch <- c:
			case <-ctx.Done():
				return
			}
		}

		if err := <-backendErrs; err != nil && ctx.Err() == nil {
			select {
			case ch <- llm.ErrorChunk(fmt.Errorf("anyllm: stream: %w", err)):
			case <-ctx.Done():
			}
		}
	}()

	return ch, nil
}

func convertChunk(chunk anyllmlib.ChatCompletionChunk) (llm.Chunk, bool) {
	var c llm.Chunk
	if u := chunk.Usage; u != nil {
		c.Usage = &llm.Usage{
			PromptTokens:     u.PromptTokens,
			CompletionTokens: u.CompletionTokens,
			TotalTokens:      u.TotalTokens,
		}
	}
	if len(chunk.Choices) > 0 {
		c.Text = chunk.Choices[0].Delta.Content
		c.FinishReason = chunk.Choices[0].FinishReason
	}
	return c, c.Text != "" || c.FinishReason != "" || c.Usage != nil
}

// Model returns the configured model name.
func (p *Provider) Model() string { return p.model }

func (p *Provider) buildParams(req llm.CompletionRequest) (anyllmlib.CompletionParams, error) {
	var messages []anyllmlib.Message
	if req.SystemPrompt != "" {
		messages = append(messages, anyllmlib.Message{Role: anyllmlib.RoleSystem, Content: req.SystemPrompt})
	}
	for _, m := range req.Messages {
		messages = append(messages, anyllmlib.Message{Role: m.Role, Content: m.Content})
	}
	if len(messages) == 0 {
		return anyllmlib.CompletionParams{}, fmt.Errorf("anyllm: request has no messages")
	}

	params := anyllmlib.CompletionParams{
		Model:    p.model,
		Messages: messages,
	}
	if req.Temperature != 0 {
		t := req.Temperature
		params.Temperature = &t
	}
	if req.MaxTokens > 0 {
		mt := req.MaxTokens
		params.MaxTokens = &mt
	}
	return params, nil
}

var _ llm.Provider = (*Provider)(nil)
