// Package protobuf encodes pipeline frames in the protobuf wire format used by
// Pipecat's websocket transport, so Pipecat web clients can talk to the bot
// unmodified.
//
// The schema is small enough to encode by hand with protowire:
//
//	message TextFrame          { uint64 id = 1; string name = 2; string text = 3; }
//	message AudioRawFrame      { uint64 id = 1; string name = 2; bytes audio = 3;
//	                             uint32 sample_rate = 4; uint32 num_channels = 5; }
//	message TranscriptionFrame { uint64 id = 1; string name = 2; string text = 3;
//	                             string user_id = 4; string timestamp = 5; }
//	message MessageFrame       { string data = 1; }
//	message Frame { oneof frame { TextFrame text = 1; AudioRawFrame audio = 2;
//	                TranscriptionFrame transcription = 3; MessageFrame message = 4; } }
//
// Message frames carry a JSON envelope with type, id and data fields; inbound
// ones become ClientMessage frames.
package protobuf

import (
	"encoding/json"
	"errors"
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"

	"github.com/425732441/full-duplex-voice-demo/pkg/frame"
)

// Field numbers of the Frame oneof.
const (
	fieldText          protowire.Number = 1
	fieldAudio         protowire.Number = 2
	fieldTranscription protowire.Number = 3
	fieldMessage       protowire.Number = 4
)

// Field numbers shared by the inner messages.
const (
	fieldID         protowire.Number = 1
	fieldName       protowire.Number = 2
	fieldPayload    protowire.Number = 3 // text or audio
	fieldSampleRate protowire.Number = 4
	fieldChannels   protowire.Number = 5
	fieldData       protowire.Number = 1
)

// ErrUnknownFrame is returned by Deserialize for a wire frame with no
// supported field set.
var ErrUnknownFrame = errors.New("protobuf: unknown frame type")

// Serializer converts between frames and Pipecat protobuf messages.
type Serializer struct {
	// SampleRate and Channels describe inbound audio when the client leaves
	// them unset.
	SampleRate int
	Channels   int
}

// New returns a Serializer that assumes the given inbound format for audio
// frames that do not declare one.
func New(sampleRate, channels int) *Serializer {
	return &Serializer{SampleRate: sampleRate, Channels: channels}
}

// Serialize encodes f. It returns nil and no error for frames that are not
// carried on the wire.
func (s *Serializer) Serialize(f frame.Frame) ([]byte, error) {
	switch f := f.(type) {
	case *frame.SynthesizedAudioChunk:
		return wrap(fieldAudio, audioFrame(f.ID(), "SynthesizedAudio", f.Data, f.SampleRate, 1)), nil
	case *frame.AudioChunk:
		return wrap(fieldAudio, audioFrame(f.ID(), "Audio", f.Data, f.SampleRate, f.Channels)), nil
	case *frame.TextDelta:
		return wrap(fieldText, textFrame(f.ID(), "Text", f.Text)), nil
	case *frame.TranscriptionDelta:
		return wrap(fieldTranscription, textFrame(f.ID(), "Transcription", f.Text)), nil
	case *frame.ServerMessage:
		var b []byte
		b = protowire.AppendTag(b, fieldData, protowire.BytesType)
		b = protowire.AppendBytes(b, f.Payload)
		return wrap(fieldMessage, b), nil
	}
	return nil, nil
}

func wrap(field protowire.Number, inner []byte) []byte {
	b := protowire.AppendTag(nil, field, protowire.BytesType)
	return protowire.AppendBytes(b, inner)
}

func appendHeader(b []byte, id uint64, name string) []byte {
	b = protowire.AppendTag(b, fieldID, protowire.VarintType)
	b = protowire.AppendVarint(b, id)
	b = protowire.AppendTag(b, fieldName, protowire.BytesType)
	return protowire.AppendString(b, name)
}

func textFrame(id uint64, name, text string) []byte {
	b := appendHeader(nil, id, name)
	b = protowire.AppendTag(b, fieldPayload, protowire.BytesType)
	return protowire.AppendString(b, text)
}

func audioFrame(id uint64, name string, pcm []byte, rate, channels int) []byte {
	b := appendHeader(nil, id, name)
	b = protowire.AppendTag(b, fieldPayload, protowire.BytesType)
	b = protowire.AppendBytes(b, pcm)
	b = protowire.AppendTag(b, fieldSampleRate, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(rate))
	b = protowire.AppendTag(b, fieldChannels, protowire.VarintType)
	return protowire.AppendVarint(b, uint64(channels))
}

// Deserialize decodes one wire message into a frame: audio becomes an
// AudioChunk, text a TextDelta, a transcription a TranscriptionDelta and a
// message a ClientMessage.
func (s *Serializer) Deserialize(data []byte) (frame.Frame, error) {
	var (
		f   frame.Frame
		err error
	)
	walkErr := walk(data, func(num protowire.Number, typ protowire.Type, v []byte, _ uint64) error {
		if typ != protowire.BytesType {
			return nil
		}
		switch num {
		case fieldAudio:
			f, err = s.decodeAudio(v)
		case fieldText:
			f, err = decodeText(v, false)
		case fieldTranscription:
			f, err = decodeText(v, true)
		case fieldMessage:
			f, err = decodeMessage(v)
		}
		return err
	})
	if walkErr != nil {
		return nil, walkErr
	}
	if f == nil {
		return nil, ErrUnknownFrame
	}
	return f, nil
}

func (s *Serializer) decodeAudio(data []byte) (frame.Frame, error) {
	var (
		pcm      []byte
		rate     = s.SampleRate
		channels = s.Channels
	)
	err := walk(data, func(num protowire.Number, typ protowire.Type, v []byte, n uint64) error {
		switch {
		case num == fieldPayload && typ == protowire.BytesType:
			pcm = append([]byte(nil), v...)
		case num == fieldSampleRate && typ == protowire.VarintType && n > 0:
			rate = int(n)
		case num == fieldChannels && typ == protowire.VarintType && n > 0:
			channels = int(n)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("protobuf: audio frame: %w", err)
	}
	if channels == 0 {
		channels = 1
	}
	return frame.NewAudioChunk(pcm, rate, channels), nil
}

func decodeText(data []byte, transcription bool) (frame.Frame, error) {
	var text string
	err := walk(data, func(num protowire.Number, typ protowire.Type, v []byte, _ uint64) error {
		if num == fieldPayload && typ == protowire.BytesType {
			text = string(v)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("protobuf: text frame: %w", err)
	}
	if transcription {
		return frame.NewTranscriptionDelta(text, true), nil
	}
	return frame.NewTextDelta(text), nil
}

// envelope is the JSON carried by a message frame.
type envelope struct {
	Type string          `json:"type"`
	ID   string          `json:"id"`
	Data json.RawMessage `json:"data"`
}

func decodeMessage(data []byte) (frame.Frame, error) {
	var payload []byte
	err := walk(data, func(num protowire.Number, typ protowire.Type, v []byte, _ uint64) error {
		if num == fieldData && typ == protowire.BytesType {
			payload = v
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("protobuf: message frame: %w", err)
	}
	var env envelope
	if err := json.Unmarshal(payload, &env); err != nil {
		return nil, fmt.Errorf("protobuf: message frame: %w", err)
	}
	if env.Type == "" {
		return nil, errors.New("protobuf: message frame: missing type")
	}
	return frame.NewClientMessage(env.Type, env.ID, env.Data), nil
}

// walk calls fn for every field of a message. Bytes fields pass their
// contents in v, varint fields their value in n. Other wire types are
// skipped.
func walk(data []byte, fn func(num protowire.Number, typ protowire.Type, v []byte, n uint64) error) error {
	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return protowire.ParseError(n)
		}
		data = data[n:]

		switch typ {
		case protowire.BytesType:
			v, m := protowire.ConsumeBytes(data)
			if m < 0 {
				return protowire.ParseError(m)
			}
			if err := fn(num, typ, v, 0); err != nil {
				return err
			}
			data = data[m:]
		case protowire.VarintType:
			v, m := protowire.ConsumeVarint(data)
			if m < 0 {
				return protowire.ParseError(m)
			}
			if err := fn(num, typ, nil, v); err != nil {
				return err
			}
			data = data[m:]
		default:
			m := protowire.ConsumeFieldValue(num, typ, data)
			if m < 0 {
				return protowire.ParseError(m)
			}
			data = data[m:]
		}
	}
	return nil
}
