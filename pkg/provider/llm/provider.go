// Package llm defines the Provider interface for streaming chat completion
// backends.
//
// A provider turns an ordered conversation into a stream of text fragments.
// The generation stage consumes the stream and converts every fragment into
// a TextDelta frame, so latency to the first fragment matters more than total
// throughput.
//
// Implementors must be safe for concurrent use. Channels returned by
// StreamCompletion must be closed by the implementation when the stream ends
// or when the supplied context is cancelled.
package llm

import (
	"context"
	"errors"
)

// Message roles understood by every provider.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// FinishReasonError marks a chunk that reports a failure after the stream
// had already started. Its Err field carries the cause.
const FinishReasonError = "error"

// Message is one entry of the conversation history.
type Message struct {
	// Role is one of RoleSystem, RoleUser or RoleAssistant.
	Role string

	// Content is the text of the message.
	Content string
}

// CompletionRequest carries everything the model needs to produce a reply.
// At minimum Messages or SystemPrompt must be non-empty.
type CompletionRequest struct {
	// Messages is the ordered conversation history.
	Messages []Message

	// SystemPrompt is sent ahead of Messages with the system role.
	SystemPrompt string

	// Temperature controls randomness. Zero leaves the provider default.
	Temperature float64

	// MaxTokens caps the reply length. Zero leaves the provider default.
	MaxTokens int
}

// Usage is the token accounting a backend reports for one completion.
type Usage struct {
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
}

// Chunk is one fragment of a streaming completion.
type Chunk struct {
	// Text is the incremental text of this chunk. May be empty.
	Text string

	// FinishReason is set on the last chunk: "stop", "length", or
	// [FinishReasonError].
	FinishReason string

	// Err is set when FinishReason is FinishReasonError.
	Err error

	// Usage is set on the chunk that carries the backend's token counts,
	// normally the last. Backends that do not report usage leave it nil.
	Usage *Usage
}

// IsError reports whether the chunk carries a mid-stream failure.
func (c Chunk) IsError() bool { return c.FinishReason == FinishReasonError }

// ErrorChunk builds the chunk that reports err after streaming started.
func ErrorChunk(err error) Chunk {
	if err == nil {
		err = errors.New("llm: stream failed")
	}
	return Chunk{FinishReason: FinishReasonError, Text: err.Error(), Err: err}
}

// Provider is the abstraction over any chat completion backend.
type Provider interface {
	// StreamCompletion sends req to the model and returns a channel emitting
	// chunks as they arrive. The channel is closed when generation finishes
	// or ctx is cancelled; it is never nil when the error is nil.
	//
	// The error return is non-nil only when the stream cannot start (bad
	// credentials, malformed request). Later failures arrive as a chunk for
	// which IsError reports true.
	StreamCompletion(ctx context.Context, req CompletionRequest) (<-chan Chunk, error)
}
