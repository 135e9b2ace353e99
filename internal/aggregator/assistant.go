package aggregator

import (
	"context"
	"log/slog"
	"strings"

	"github.com/425732441/full-duplex-voice-demo/internal/pipeline"
	"github.com/425732441/full-duplex-voice-demo/pkg/frame"
)

// AssistantName is the stage name of the assistant aggregator.
const AssistantName = "assistant-aggregator"

// AssistantOption is a functional option for [NewAssistant].
type AssistantOption func(*Assistant)

// WithRecordInterrupted commits the text generated before an interruption as
// a truncated assistant turn instead of discarding it.
func WithRecordInterrupted(on bool) AssistantOption {
	return func(a *Assistant) { a.recordInterrupted = on }
}

// WithAssistantLogger sets the stage's logger.
func WithAssistantLogger(l *slog.Logger) AssistantOption {
	return func(a *Assistant) { a.log = l }
}

// Assistant accumulates the generated reply and commits it when the reply
// has been played out.
type Assistant struct {
	ctx *Context
	log *slog.Logger

	recordInterrupted bool

	buf       strings.Builder
	committed map[uint64]struct{}
}

// NewAssistant returns an Assistant stage committing into c.
func NewAssistant(c *Context, opts ...AssistantOption) *Assistant {
	a := &Assistant{ctx: c, log: slog.Default(), committed: make(map[uint64]struct{})}
	for _, o := range opts {
		o(a)
	}
	return a
}

// Name implements pipeline.Stage.
func (*Assistant) Name() string { return AssistantName }

// Process implements pipeline.Stage.
func (a *Assistant) Process(ctx context.Context, f frame.Frame, dir pipeline.Direction, out pipeline.Outbox) error {
	switch f := f.(type) {
	case *frame.TextDelta:
		if dir == pipeline.Downstream {
			a.buf.WriteString(f.Text)
		}
	case *frame.EndOfTurn:
		if f.Role == frame.RoleAssistant {
			a.commit(f.TurnID)
		}
		return nil
	case *frame.StartInterruption, *frame.Cancel:
		a.abandon(f.Kind().String())
		return nil
	case *frame.EndOfStream:
		if f.Err != nil {
			a.abandon("stream error")
		}
		return nil
	}
	return pipeline.Forward(ctx, f, dir, out)
}

func (a *Assistant) commit(turnID uint64) {
	if _, ok := a.committed[turnID]; ok {
		a.log.Debug("aggregator: assistant turn already committed", "turn_id", turnID)
		return
	}
	a.committed[turnID] = struct{}{}
	text := strings.TrimSpace(a.buf.String())
	a.buf.Reset()
	if text == "" {
		return
	}
	a.ctx.Append(frame.RoleAssistant, text)
	a.log.Debug("aggregator: assistant turn committed", "turn_id", turnID, "len", len(text))
}

// abandon ends an unfinished reply. The text is kept only when truncated
// turns are recorded.
func (a *Assistant) abandon(reason string) {
	text := strings.TrimSpace(a.buf.String())
	a.buf.Reset()
	if text == "" {
		return
	}
	if !a.recordInterrupted {
		a.log.Debug("aggregator: interrupted reply discarded", "reason", reason, "len", len(text))
		return
	}
	a.ctx.Append(frame.RoleAssistant, text)
	a.log.Debug("aggregator: truncated reply committed", "reason", reason, "len", len(text))
}

var _ pipeline.Stage = (*Assistant)(nil)
