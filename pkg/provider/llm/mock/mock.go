// Package mock provides a test double for the llm.Provider interface.
//
// Example:
//
//	p := &mock.Provider{StreamChunks: []llm.Chunk{{Text: "Hello!"}, {FinishReason: "stop"}}}
//	ch, err := p.StreamCompletion(ctx, req)
package mock

import (
	"context"
	"slices"
	"sync"
	"time"

	"github.com/425732441/full-duplex-voice-demo/pkg/provider/llm"
)

// StreamCall records a single invocation of StreamCompletion.
type StreamCall struct {
	// Ctx is the context passed to StreamCompletion.
	Ctx context.Context
	// Req is the CompletionRequest passed to StreamCompletion.
	Req llm.CompletionRequest
}

// Provider is a mock implementation of llm.Provider.
// Set StreamErr to fail the call outright.
type Provider struct {
	mu sync.Mutex

	// StreamChunks is emitted in order on every stream.
	StreamChunks []llm.Chunk

	// StreamErr, if non-nil, is returned instead of opening a stream.
	StreamErr error

	// ChunkDelay is slept before each chunk.
	ChunkDelay time.Duration

	// HoldOpen keeps the channel open after the last chunk until ctx is
	// cancelled, simulating a slow model.
	HoldOpen bool

	// StreamCalls records every invocation of StreamCompletion in order.
	StreamCalls []StreamCall
}

// StreamCompletion records the call and returns a channel emitting StreamChunks.
func (p *Provider) StreamCompletion(ctx context.Context, req llm.CompletionRequest) (<-chan llm.Chunk, error) {
	p.mu.Lock()
	p.StreamCalls = append(p.StreamCalls, StreamCall{Ctx: ctx, Req: req})
	if p.StreamErr != nil {
		err := p.StreamErr
		p.mu.Unlock()
		return nil, err
	}
	chunks := slices.Clone(p.StreamChunks)
	delay, hold := p.ChunkDelay, p.HoldOpen
	p.mu.Unlock()

	ch := make(chan llm.Chunk)
	go func() {
		defer close(ch)
		for _, c := range chunks {
			if delay > 0 {
				select {
				case <-time.After(delay):
				case <-ctx.Done():
					return
				}
			}
			select {
			case <-ctx.Done():
				return
			case ch <- c:
			}
		}
		if hold {
			<-ctx.Done()
		}
	}()
	return ch, nil
}

// Calls returns a copy of the recorded calls.
func (p *Provider) Calls() []StreamCall {
	p.mu.Lock()
	defer p.mu.Unlock()
	return slices.Clone(p.StreamCalls)
}

// Reset clears all recorded calls. Thread-safe.
func (p *Provider) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.StreamCalls = nil
}

// Ensure Provider implements llm.Provider at compile time.
var _ llm.Provider = (*Provider)(nil)
