// Package stt defines the Provider interface for streaming Speech-to-Text
// backends.
//
// A session accepts raw PCM and emits two streams of Transcript values:
// low-latency partials that replace each other, and finals that commit a
// recognised segment. Providers that run their own end-of-turn model are
// configured through [Endpointing].
//
// Implementations must be safe for concurrent use.
package stt

import (
	"context"
	"errors"
	"time"
)

// ErrSessionClosed is returned by SendAudio after Close.
var ErrSessionClosed = errors.New("stt: session is closed")

// Endpointing tunes server-side turn detection.
type Endpointing struct {
	// EndOfTurnConfidence is the model confidence required to end a turn.
	EndOfTurnConfidence float64

	// MinEndOfTurnSilence is the silence required before a confident turn end.
	MinEndOfTurnSilence time.Duration

	// MaxTurnSilence ends the turn regardless of confidence.
	MaxTurnSilence time.Duration
}

// DefaultEndpointing returns the tuning used for conversational agents.
func DefaultEndpointing() Endpointing {
	return Endpointing{
		EndOfTurnConfidence: 0.7,
		MinEndOfTurnSilence: 160 * time.Millisecond,
		MaxTurnSilence:      2400 * time.Millisecond,
	}
}

// StreamConfig describes the audio format and recognition hints for a new
// session.
type StreamConfig struct {
	// SampleRate is the audio sample rate in Hz, typically 16000.
	SampleRate int

	// Channels is the number of audio channels. 1 = mono.
	Channels int

	// Language is the BCP-47 language tag. Empty selects the provider default.
	Language string

	// Keywords boosts recognition of uncommon words where supported.
	Keywords []KeywordBoost

	// Endpointing tunes turn detection on providers that support it. The zero
	// value selects [DefaultEndpointing].
	Endpointing Endpointing
}

// SessionHandle is an open streaming session.
//
// Callers must call Close when done. Partials and Finals are closed when the
// session ends, whether by Close or by the provider dropping the connection.
// All methods must be safe for concurrent use.
type SessionHandle interface {
	// SendAudio delivers PCM matching the StreamConfig.
	SendAudio(chunk []byte) error

	// Partials returns interim transcripts.
	Partials() <-chan Transcript

	// Finals returns committed transcripts.
	Finals() <-chan Transcript

	// Close terminates the session. Safe to call more than once.
	Close() error
}

// Provider is the abstraction over any STT backend.
type Provider interface {
	// StartStream opens a new streaming session. The returned handle accepts
	// audio immediately.
	StartStream(ctx context.Context, cfg StreamConfig) (SessionHandle, error)
}
