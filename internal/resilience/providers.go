package resilience

import (
	"context"
	"fmt"

	"github.com/425732441/full-duplex-voice-demo/pkg/provider/llm"
	"github.com/425732441/full-duplex-voice-demo/pkg/provider/stt"
	"github.com/425732441/full-duplex-voice-demo/pkg/provider/tts"
)

// Failover covers opening a stream only. Once a backend has returned a
// stream, errors inside it belong to the stage consuming it.

var (
	_ llm.Provider = (*LLMFallback)(nil)
	_ stt.Provider = (*STTFallback)(nil)
	_ tts.Provider = (*TTSFallback)(nil)
)

// LLMFallback is an [llm.Provider] over a [FallbackGroup] of LLM backends.
type LLMFallback struct{ group *FallbackGroup[llm.Provider] }

// NewLLMFallback creates an LLMFallback preferring primary.
func NewLLMFallback(primary llm.Provider, name string, cfg FallbackConfig) *LLMFallback {
	return &LLMFallback{group: NewFallbackGroup(primary, name, cfg)}
}

// AddFallback appends a backend.
func (f *LLMFallback) AddFallback(name string, p llm.Provider) { f.group.AddFallback(name, p) }

// Backends returns the backend names in preference order.
func (f *LLMFallback) Backends() []string { return f.group.Names() }

// StreamCompletion implements [llm.Provider].
func (f *LLMFallback) StreamCompletion(ctx context.Context, req llm.CompletionRequest) (<-chan llm.Chunk, error) {
	return ExecuteWithResult(f.group, func(p llm.Provider) (<-chan llm.Chunk, error) {
		return p.StreamCompletion(ctx, req)
	})
}

// STTFallback is an [stt.Provider] over a [FallbackGroup] of STT backends.
// The STT stage reconnects through it, so a backend that keeps dropping
// sessions is eventually bypassed.
type STTFallback struct{ group *FallbackGroup[stt.Provider] }

// NewSTTFallback creates an STTFallback preferring primary.
func NewSTTFallback(primary stt.Provider, name string, cfg FallbackConfig) *STTFallback {
	return &STTFallback{group: NewFallbackGroup(primary, name, cfg)}
}

// AddFallback appends a backend.
func (f *STTFallback) AddFallback(name string, p stt.Provider) { f.group.AddFallback(name, p) }

// Backends returns the backend names in preference order.
func (f *STTFallback) Backends() []string { return f.group.Names() }

// StartStream implements [stt.Provider].
func (f *STTFallback) StartStream(ctx context.Context, cfg stt.StreamConfig) (stt.SessionHandle, error) {
	return ExecuteWithResult(f.group, func(p stt.Provider) (stt.SessionHandle, error) {
		return p.StartStream(ctx, cfg)
	})
}

// TTSFallback is a [tts.Provider] over a [FallbackGroup] of TTS backends.
// The output transport paces audio at one rate, so every backend must
// synthesize at the primary's rate.
type TTSFallback struct {
	group *FallbackGroup[tts.Provider]
	rate  int
}

// NewTTSFallback creates a TTSFallback preferring primary.
func NewTTSFallback(primary tts.Provider, name string, cfg FallbackConfig) *TTSFallback {
	return &TTSFallback{group: NewFallbackGroup(primary, name, cfg), rate: primary.SampleRate()}
}

// AddFallback appends a backend. It fails when p synthesizes at a different
// rate than the primary.
func (f *TTSFallback) AddFallback(name string, p tts.Provider) error {
	if got := p.SampleRate(); got != f.rate {
		return fmt.Errorf("resilience: tts fallback %q emits %d Hz, primary emits %d Hz", name, got, f.rate)
	}
	f.group.AddFallback(name, p)
	return nil
}

// Backends returns the backend names in preference order.
func (f *TTSFallback) Backends() []string { return f.group.Names() }

// SynthesizeStream implements [tts.Provider].
func (f *TTSFallback) SynthesizeStream(ctx context.Context, text <-chan string, voice tts.VoiceProfile) (<-chan []byte, error) {
	return ExecuteWithResult(f.group, func(p tts.Provider) (<-chan []byte, error) {
		return p.SynthesizeStream(ctx, text, voice)
	})
}

// SampleRate implements [tts.Provider].
func (f *TTSFallback) SampleRate() int { return f.rate }
