// Package aggregator turns streamed transcripts and generated text into the
// finalized turns of a conversation.
//
// A session owns one [Context]. The [User] stage commits user turns when the
// turn controller broadcasts EndOfTurn{user} and emits the snapshot that
// triggers generation. The [Assistant] stage sits at the end of the pipeline
// and commits the bot's reply once the output transport reports that it was
// played out.
package aggregator

import (
	"sync"

	"github.com/425732441/full-duplex-voice-demo/pkg/frame"
)

// Context is the ordered list of finalized turns of one session. It only
// grows. Safe for concurrent use.
type Context struct {
	mu    sync.Mutex
	turns []frame.Turn
}

// NewContext returns a Context holding a copy of seed.
func NewContext(seed ...frame.Turn) *Context {
	return &Context{turns: append([]frame.Turn(nil), seed...)}
}

// Append adds a finalized turn.
func (c *Context) Append(role frame.Role, content string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.turns = append(c.turns, frame.Turn{Role: role, Content: content})
}

// Snapshot returns an immutable snapshot frame of the current turns.
func (c *Context) Snapshot() *frame.ContextSnapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	return frame.NewContextSnapshot(c.turns)
}

// Turns returns a copy of the current turns.
func (c *Context) Turns() []frame.Turn {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]frame.Turn(nil), c.turns...)
}

// Len returns the number of turns.
func (c *Context) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.turns)
}
