package frame

import (
	"encoding/json"
	"slices"
)

// Role identifies the author of a conversation turn.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

// IsValid reports whether r is a recognised role.
func (r Role) IsValid() bool {
	switch r {
	case RoleUser, RoleAssistant, RoleSystem:
		return true
	}
	return false
}

// Turn is one finalized entry of the conversation context.
type Turn struct {
	Role    Role
	Content string
}

// AudioChunk carries raw 16-bit little-endian PCM captured from the caller.
type AudioChunk struct {
	header
	Data       []byte
	SampleRate int
	Channels   int
}

// NewAudioChunk returns an AudioChunk holding a copy of data.
func NewAudioChunk(data []byte, sampleRate, channels int) *AudioChunk {
	return &AudioChunk{
		header:     newHeader(),
		Data:       slices.Clone(data),
		SampleRate: sampleRate,
		Channels:   channels,
	}
}

// Kind implements [Frame].
func (*AudioChunk) Kind() Kind { return KindAudioChunk }

// TranscriptionDelta is an interim or final speech-to-text result.
//
// Interim results replace each other; a final result commits the text of one
// recognised segment.
type TranscriptionDelta struct {
	header
	Text    string
	IsFinal bool
}

// NewTranscriptionDelta returns a TranscriptionDelta.
func NewTranscriptionDelta(text string, isFinal bool) *TranscriptionDelta {
	return &TranscriptionDelta{header: newHeader(), Text: text, IsFinal: isFinal}
}

// Kind implements [Frame].
func (*TranscriptionDelta) Kind() Kind { return KindTranscriptionDelta }

// ContextSnapshot is an immutable copy of the conversation context handed to
// the generation stage.
type ContextSnapshot struct {
	header
	turns []Turn
}

// NewContextSnapshot returns a snapshot holding a copy of turns.
func NewContextSnapshot(turns []Turn) *ContextSnapshot {
	return &ContextSnapshot{header: newHeader(), turns: slices.Clone(turns)}
}

// Kind implements [Frame].
func (*ContextSnapshot) Kind() Kind { return KindContextSnapshot }

// Turns returns a copy of the snapshot's turns.
func (s *ContextSnapshot) Turns() []Turn { return slices.Clone(s.turns) }

// Len returns the number of turns in the snapshot.
func (s *ContextSnapshot) Len() int { return len(s.turns) }

// TextDelta is an incremental fragment of generated assistant text.
type TextDelta struct {
	header
	Text string
}

// NewTextDelta returns a TextDelta.
func NewTextDelta(text string) *TextDelta {
	return &TextDelta{header: newHeader(), Text: text}
}

// Kind implements [Frame].
func (*TextDelta) Kind() Kind { return KindTextDelta }

// SynthesizedAudioChunk carries PCM produced by speech synthesis.
type SynthesizedAudioChunk struct {
	header
	Data       []byte
	SampleRate int
}

// NewSynthesizedAudioChunk returns a SynthesizedAudioChunk holding a copy of data.
func NewSynthesizedAudioChunk(data []byte, sampleRate int) *SynthesizedAudioChunk {
	return &SynthesizedAudioChunk{header: newHeader(), Data: slices.Clone(data), SampleRate: sampleRate}
}

// Kind implements [Frame].
func (*SynthesizedAudioChunk) Kind() Kind { return KindSynthesizedAudioChunk }

// UserStartedSpeaking reports that voice activity began.
type UserStartedSpeaking struct{ header }

// NewUserStartedSpeaking returns a UserStartedSpeaking frame.
func NewUserStartedSpeaking() *UserStartedSpeaking {
	return &UserStartedSpeaking{header: newHeader()}
}

// Kind implements [Frame].
func (*UserStartedSpeaking) Kind() Kind { return KindUserStartedSpeaking }

// UserStoppedSpeaking reports that voice activity ended.
type UserStoppedSpeaking struct{ header }

// NewUserStoppedSpeaking returns a UserStoppedSpeaking frame.
func NewUserStoppedSpeaking() *UserStoppedSpeaking {
	return &UserStoppedSpeaking{header: newHeader()}
}

// Kind implements [Frame].
func (*UserStoppedSpeaking) Kind() Kind { return KindUserStoppedSpeaking }

// BotStartedSpeaking reports the first synthesized audio of a response. It
// travels upstream to the turn controller.
type BotStartedSpeaking struct{ header }

// NewBotStartedSpeaking returns a BotStartedSpeaking frame.
func NewBotStartedSpeaking() *BotStartedSpeaking {
	return &BotStartedSpeaking{header: newHeader()}
}

// Kind implements [Frame].
func (*BotStartedSpeaking) Kind() Kind { return KindBotStartedSpeaking }

// ResponseEnd marks the end of one generation stream. It follows the last
// TextDelta of the response on the data path.
type ResponseEnd struct{ header }

// NewResponseEnd returns a ResponseEnd frame.
func NewResponseEnd() *ResponseEnd {
	return &ResponseEnd{header: newHeader()}
}

// Kind implements [Frame].
func (*ResponseEnd) Kind() Kind { return KindResponseEnd }

// ContextRequest asks the user aggregator to emit a snapshot of the current
// context without appending a turn. It travels upstream.
type ContextRequest struct{ header }

// NewContextRequest returns a ContextRequest frame.
func NewContextRequest() *ContextRequest {
	return &ContextRequest{header: newHeader()}
}

// Kind implements [Frame].
func (*ContextRequest) Kind() Kind { return KindContextRequest }

// ClientMessage is a control-channel message received from the client.
type ClientMessage struct {
	header
	Type  string
	MsgID string
	Data  json.RawMessage
}

// NewClientMessage returns a ClientMessage.
func NewClientMessage(typ, msgID string, data json.RawMessage) *ClientMessage {
	return &ClientMessage{header: newHeader(), Type: typ, MsgID: msgID, Data: slices.Clone(data)}
}

// Kind implements [Frame].
func (*ClientMessage) Kind() Kind { return KindClientMessage }

// ServerMessage is an encoded control-channel message for the client.
type ServerMessage struct {
	header
	Payload []byte
}

// NewServerMessage returns a ServerMessage holding a copy of payload.
func NewServerMessage(payload []byte) *ServerMessage {
	return &ServerMessage{header: newHeader(), Payload: slices.Clone(payload)}
}

// Kind implements [Frame].
func (*ServerMessage) Kind() Kind { return KindServerMessage }
