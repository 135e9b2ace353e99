// Package mock provides a test double for the tts.Provider interface.
//
// Use Provider to feed controlled audio chunks to consumers and to verify the
// text fragments passed to the TTS backend.
//
// Example:
//
//	p := &mock.Provider{SynthesizeChunks: [][]byte{[]byte("audio1"), []byte("audio2")}}
//	ch, _ := p.SynthesizeStream(ctx, textCh, voice)
package mock

import (
	"context"
	"sync"
	"time"

	"github.com/425732441/full-duplex-voice-demo/pkg/provider/tts"
)

// SynthesizeStreamCall records a single invocation of SynthesizeStream.
type SynthesizeStreamCall struct {
	// Ctx is the context passed to SynthesizeStream.
	Ctx context.Context
	// Voice is the VoiceProfile passed to SynthesizeStream.
	Voice tts.VoiceProfile
}

// Provider is a mock implementation of tts.Provider.
//
// For every fragment read from the text channel, the Provider emits
// SynthesizeChunks (or, when SynthesizeChunks is nil, one chunk holding the
// fragment's bytes). The audio channel closes once the text channel is
// closed and drained.
type Provider struct {
	mu sync.Mutex

	// --- Configurable responses ---

	// SynthesizeChunks is the audio emitted per text fragment.
	SynthesizeChunks [][]byte

	// SynthesizeErr, if non-nil, is returned from SynthesizeStream.
	SynthesizeErr error

	// ChunkDelay is slept before each emitted chunk.
	ChunkDelay time.Duration

	// Rate is returned by SampleRate. Zero means 24000.
	Rate int

	// --- Call records ---

	// SynthesizeStreamCalls records every call to SynthesizeStream in order.
	SynthesizeStreamCalls []SynthesizeStreamCall

	// Texts records every text fragment received, across all calls.
	Texts []string

	// Cancelled counts streams that ended because their context was cancelled.
	Cancelled int
}

// SynthesizeStream records the call and starts the synthetic stream.
func (p *Provider) SynthesizeStream(ctx context.Context, text <-chan string, voice tts.VoiceProfile) (<-chan []byte, error) {
	p.mu.Lock()
	p.SynthesizeStreamCalls = append(p.SynthesizeStreamCalls, SynthesizeStreamCall{Ctx: ctx, Voice: voice})
	if p.SynthesizeErr != nil {
		err := p.SynthesizeErr
		p.mu.Unlock()
		return nil, err
	}
	chunks := p.SynthesizeChunks
	delay := p.ChunkDelay
	p.mu.Unlock()

	ch := make(chan []byte, 16)
	go func() {
		defer close(ch)
		for {
			var (
				s  string
				ok bool
			)
			select {
			case s, ok = <-text:
			case <-ctx.Done():
				p.cancelled()
				return
			}
			if !ok {
				return
			}
			p.mu.Lock()
			p.Texts = append(p.Texts, s)
			p.mu.Unlock()

			out := chunks
			if out == nil {
				out = [][]byte{[]byte(s)}
			}
			for _, audio := range out {
				if delay > 0 {
					select {
					case <-time.After(delay):
					case <-ctx.Done():
						p.cancelled()
						return
					}
				}
				select {
				case ch <- audio:
				case <-ctx.Done():
					p.cancelled()
					return
				}
			}
		}
	}()
	return ch, nil
}

func (p *Provider) cancelled() {
	p.mu.Lock()
	p.Cancelled++
	p.mu.Unlock()
}

// SampleRate returns Rate, defaulting to 24000.
func (p *Provider) SampleRate() int {
	if p.Rate == 0 {
		return 24000
	}
	return p.Rate
}

// ReceivedTexts returns a copy of Texts. Thread-safe.
func (p *Provider) ReceivedTexts() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.Texts...)
}

// CallCount returns the number of SynthesizeStream calls. Thread-safe.
func (p *Provider) CallCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.SynthesizeStreamCalls)
}

// CancelCount returns Cancelled. Thread-safe.
func (p *Provider) CancelCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.Cancelled
}

// Reset clears all recorded calls. Thread-safe.
func (p *Provider) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.SynthesizeStreamCalls = nil
	p.Texts = nil
	p.Cancelled = 0
}

// Ensure Provider implements tts.Provider at compile time.
var _ tts.Provider = (*Provider)(nil)
