// Package rtvi implements the server side of the RTVI control channel spoken
// by Pipecat web clients.
//
// Messages are JSON envelopes labelled "rtvi-ai". The [Processor] stage
// answers client requests, most importantly the client-ready handshake that
// releases the bot's greeting. The [Observer] watches pipeline frames and
// turns them into server events the client renders as live transcripts.
package rtvi

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
)

// Label marks every RTVI message.
const Label = "rtvi-ai"

// ProtocolVersion is reported in bot-ready.
const ProtocolVersion = "0.3.0"

// Client message types.
const (
	TypeClientReady = "client-ready"
)

// Server message types.
const (
	TypeBotReady            = "bot-ready"
	TypeErrorResponse       = "error-response"
	TypeError               = "error"
	TypeUserStartedSpeaking = "user-started-speaking"
	TypeUserStoppedSpeaking = "user-stopped-speaking"
	TypeUserTranscription   = "user-transcription"
	TypeBotStartedSpeaking  = "bot-started-speaking"
	TypeBotStoppedSpeaking  = "bot-stopped-speaking"
	TypeBotLLMStarted       = "bot-llm-started"
	TypeBotLLMStopped       = "bot-llm-stopped"
	TypeBotLLMText          = "bot-llm-text"
	TypeBotTranscription    = "bot-transcription"
)

// ErrNotRTVI is returned by [Decode] for JSON that is not labelled "rtvi-ai".
var ErrNotRTVI = errors.New("rtvi: message is not labelled " + Label)

// Message is the RTVI envelope.
type Message struct {
	Label string          `json:"label"`
	Type  string          `json:"type"`
	ID    string          `json:"id,omitempty"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// BotReadyData is the payload of bot-ready.
type BotReadyData struct {
	Version string `json:"version"`
}

// TextData carries a piece of bot text.
type TextData struct {
	Text string `json:"text"`
}

// TranscriptionData is the payload of user-transcription.
type TranscriptionData struct {
	Text      string `json:"text"`
	UserID    string `json:"user_id"`
	Timestamp string `json:"timestamp"`
	Final     bool   `json:"final"`
}

// ErrorData is the payload of error and error-response.
type ErrorData struct {
	Error string `json:"error"`
	Fatal bool   `json:"fatal,omitempty"`
}

// Encode builds a server message of type typ with a fresh id. A nil data
// omits the payload.
func Encode(typ string, data any) ([]byte, error) {
	return EncodeReply(typ, uuid.NewString(), data)
}

// EncodeReply is like [Encode] but reuses id, so the client can match the
// reply to its request.
func EncodeReply(typ, id string, data any) ([]byte, error) {
	msg := Message{Label: Label, Type: typ, ID: id}
	if data != nil {
		raw, err := json.Marshal(data)
		if err != nil {
			return nil, fmt.Errorf("rtvi: encode %s data: %w", typ, err)
		}
		msg.Data = raw
	}
	b, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("rtvi: encode %s: %w", typ, err)
	}
	return b, nil
}

// Decode parses an RTVI message.
func Decode(b []byte) (Message, error) {
	var msg Message
	if err := json.Unmarshal(b, &msg); err != nil {
		return Message{}, fmt.Errorf("rtvi: decode: %w", err)
	}
	if msg.Label != Label {
		return Message{}, ErrNotRTVI
	}
	if msg.Type == "" {
		return Message{}, errors.New("rtvi: decode: missing type")
	}
	return msg, nil
}
