// Package tts defines the Provider interface for Text-to-Speech backends.
//
// The primary entry point is SynthesizeStream, which accepts a channel of text
// fragments (typically whole sentences) and returns a channel of raw 16-bit
// PCM audio as it becomes available, so synthesis of the first sentence
// overlaps with generation of the next.
//
// Implementations must be safe for concurrent use.
package tts

import (
	"context"
	"errors"
)

// ErrNoVoice is returned when SynthesizeStream is called without a voice ID.
var ErrNoVoice = errors.New("tts: voice ID must not be empty")

// VoiceProfile selects and tunes a provider voice.
type VoiceProfile struct {
	// ID is the provider-specific voice identifier.
	ID string

	// Name is the human-readable voice name.
	Name string

	// Provider identifies which TTS provider this voice belongs to.
	Provider string

	// SpeedFactor adjusts speaking rate (0.5–2.0). Zero selects the provider
	// default.
	SpeedFactor float64
}

// Provider is the abstraction over any TTS backend.
type Provider interface {
	// SynthesizeStream consumes text fragments and returns a channel that
	// emits PCM audio as it is synthesised.
	//
	// The audio channel is closed when all text has been synthesised, when
	// ctx is cancelled or when the provider fails mid-stream. Cancelling ctx
	// aborts the in-flight synthesis on the provider side. The caller must
	// drain the audio channel.
	//
	// Returns a non-nil error only if the stream cannot be started.
	SynthesizeStream(ctx context.Context, text <-chan string, voice VoiceProfile) (<-chan []byte, error)

	// SampleRate returns the sample rate in Hz of the mono PCM the provider
	// emits.
	SampleRate() int
}

// VoiceLister is implemented by providers that can enumerate their voice
// catalogue.
type VoiceLister interface {
	ListVoices(ctx context.Context) ([]VoiceProfile, error)
}
