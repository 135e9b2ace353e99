// Package vad defines the Engine interface for Voice Activity Detection backends.
//
// A VAD engine wraps a frame-level speech detector and surfaces it as a
// stateful, per-stream session. Each session keeps its own smoothing state so
// that concurrent audio streams are processed independently.
//
// VAD is synchronous: ProcessFrame returns immediately with a detection
// result, which keeps it usable inside the turn controller's stage loop.
//
// Implementations must be safe for concurrent use across different sessions.
// A single SessionHandle should not be shared across goroutines.
package vad

import (
	"errors"
	"time"
)

// ErrSessionClosed is returned by ProcessFrame after Close.
var ErrSessionClosed = errors.New("vad: session is closed")

// Config holds the parameters for a VAD session.
type Config struct {
	// SampleRate is the audio sample rate in Hz of the mono PCM passed to
	// ProcessFrame.
	SampleRate int

	// SpeechThreshold is the probability above which a frame is classified as
	// speech. Range: [0.0, 1.0]. Typical: 0.7.
	SpeechThreshold float64

	// SilenceThreshold is the probability below which a frame counts towards
	// ending a speech segment. Must be ≤ SpeechThreshold.
	SilenceThreshold float64

	// StartDuration is how much continuous speech is needed before
	// EventSpeechStart fires.
	StartDuration time.Duration

	// StopDuration is how much continuous silence is needed before
	// EventSpeechEnd fires.
	StopDuration time.Duration
}

// DefaultConfig returns the tuning used for conversational agents at the
// given sample rate.
func DefaultConfig(sampleRate int) Config {
	return Config{
		SampleRate:       sampleRate,
		SpeechThreshold:  0.7,
		SilenceThreshold: 0.5,
		StartDuration:    200 * time.Millisecond,
		StopDuration:     800 * time.Millisecond,
	}
}

// Validate reports configuration errors.
func (c Config) Validate() error {
	var errs []error
	if c.SampleRate <= 0 {
		errs = append(errs, errors.New("vad: sample rate must be positive"))
	}
	if c.SpeechThreshold <= 0 || c.SpeechThreshold > 1 {
		errs = append(errs, errors.New("vad: speech threshold must be in (0, 1]"))
	}
	if c.SilenceThreshold < 0 || c.SilenceThreshold > c.SpeechThreshold {
		errs = append(errs, errors.New("vad: silence threshold must be in [0, speech threshold]"))
	}
	if c.StartDuration < 0 || c.StopDuration < 0 {
		errs = append(errs, errors.New("vad: durations must not be negative"))
	}
	return errors.Join(errs...)
}

// EventType enumerates VAD detection states.
type EventType int

const (
	// EventSilence indicates no speech.
	EventSilence EventType = iota

	// EventSpeechStart indicates speech has just begun.
	EventSpeechStart

	// EventSpeechContinue indicates ongoing speech.
	EventSpeechContinue

	// EventSpeechEnd indicates speech has just ended.
	EventSpeechEnd
)

// String returns the event name.
func (t EventType) String() string {
	switch t {
	case EventSpeechStart:
		return "speech_start"
	case EventSpeechContinue:
		return "speech_continue"
	case EventSpeechEnd:
		return "speech_end"
	}
	return "silence"
}

// Event is the detection result for a single audio frame.
type Event struct {
	Type EventType

	// Probability is the speech probability score (0.0–1.0).
	Probability float64
}

// SessionHandle is an active VAD session for a single audio stream.
type SessionHandle interface {
	// ProcessFrame analyses one chunk of mono 16-bit PCM and returns the
	// detection result. It must not block.
	ProcessFrame(frame []byte) (Event, error)

	// Reset clears accumulated detection state without closing the session.
	Reset()

	// Close releases the session. Calling Close more than once is safe.
	Close() error
}

// Engine is the factory for VAD sessions.
type Engine interface {
	// NewSession creates a session. It returns an error if cfg is invalid.
	NewSession(cfg Config) (SessionHandle, error)
}
