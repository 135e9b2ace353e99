// Package frame defines the units of data and control that flow through a
// voice pipeline.
//
// Every frame carries a process-wide, monotonically increasing sequence ID
// assigned when the frame is constructed. The pipeline uses IDs to order
// control frames against queued data frames: a control frame overtakes every
// data frame created after it, and an interruption barrier marks every
// interruptible data frame created before it as stale.
//
// Frames are immutable once constructed. Constructors copy caller-owned
// slices so that a producer can reuse its buffers.
package frame

import (
	"fmt"
	"sync/atomic"
)

// seq is the global frame sequence counter.
var seq atomic.Uint64

// nextID returns the next frame sequence ID. IDs start at 1 so that the zero
// value can mean "no frame".
func nextID() uint64 {
	return seq.Add(1)
}

// Kind tags the concrete type of a frame.
type Kind int

const (
	// ─── data frames ────────────────────────────────────────────────────────

	KindAudioChunk Kind = iota
	KindTranscriptionDelta
	KindContextSnapshot
	KindTextDelta
	KindSynthesizedAudioChunk
	KindUserStartedSpeaking
	KindUserStoppedSpeaking
	KindBotStartedSpeaking
	KindResponseEnd
	KindContextRequest
	KindClientMessage
	KindServerMessage

	// ─── control frames ─────────────────────────────────────────────────────

	KindStartInterruption
	KindStopInterruption
	KindEndOfTurn
	KindCancel
	KindEndOfStream
)

var kindNames = map[Kind]string{
	KindAudioChunk:            "AudioChunk",
	KindTranscriptionDelta:    "TranscriptionDelta",
	KindContextSnapshot:       "ContextSnapshot",
	KindTextDelta:             "TextDelta",
	KindSynthesizedAudioChunk: "SynthesizedAudioChunk",
	KindUserStartedSpeaking:   "UserStartedSpeaking",
	KindUserStoppedSpeaking:   "UserStoppedSpeaking",
	KindBotStartedSpeaking:    "BotStartedSpeaking",
	KindResponseEnd:           "ResponseEnd",
	KindContextRequest:        "ContextRequest",
	KindClientMessage:         "ClientMessage",
	KindServerMessage:         "ServerMessage",
	KindStartInterruption:     "StartInterruption",
	KindStopInterruption:      "StopInterruption",
	KindEndOfTurn:             "EndOfTurn",
	KindCancel:                "Cancel",
	KindEndOfStream:           "EndOfStream",
}

// String returns the frame type name.
func (k Kind) String() string {
	if n, ok := kindNames[k]; ok {
		return n
	}
	return fmt.Sprintf("Kind(%d)", int(k))
}

// IsControl reports whether frames of this kind travel the control path.
// Control frames are broadcast to every stage rather than handed from one
// stage to the next.
func (k Kind) IsControl() bool {
	return k >= KindStartInterruption
}

// Interruptible reports whether a data frame of this kind belongs to bot
// output that becomes stale once an interruption barrier passes it.
func (k Kind) Interruptible() bool {
	switch k {
	case KindContextSnapshot, KindTextDelta, KindSynthesizedAudioChunk,
		KindResponseEnd, KindBotStartedSpeaking:
		return true
	}
	return false
}

// Interrupts reports whether a control frame of this kind cancels in-flight
// bot output.
func (k Kind) Interrupts() bool {
	return k == KindStartInterruption || k == KindCancel
}

// Frame is the common interface of all frames.
type Frame interface {
	// ID returns the frame's sequence ID.
	ID() uint64

	// Kind returns the frame's type tag.
	Kind() Kind
}

// header carries the sequence ID embedded in every concrete frame.
type header struct {
	id uint64
}

func newHeader() header { return header{id: nextID()} }

// ID implements [Frame].
func (h header) ID() uint64 { return h.id }

// Describe returns a short human-readable description of f for logs.
func Describe(f Frame) string {
	if f == nil {
		return "<nil>"
	}
	return fmt.Sprintf("%s#%d", f.Kind(), f.ID())
}

// IsControl reports whether f is a control frame.
func IsControl(f Frame) bool {
	return f != nil && f.Kind().IsControl()
}
