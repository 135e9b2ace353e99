package aggregator

import (
	"context"
	"log/slog"
	"strings"

	"github.com/425732441/full-duplex-voice-demo/internal/pipeline"
	"github.com/425732441/full-duplex-voice-demo/pkg/frame"
)

// UserName is the stage name of the user aggregator.
const UserName = "user-aggregator"

// User accumulates transcripts of the current user turn.
type User struct {
	ctx *Context
	log *slog.Logger

	finals    []string
	partial   string
	committed map[uint64]struct{}
}

// NewUser returns a User stage committing into c.
func NewUser(c *Context, log *slog.Logger) *User {
	if log == nil {
		log = slog.Default()
	}
	return &User{ctx: c, log: log, committed: make(map[uint64]struct{})}
}

// Name implements pipeline.Stage.
func (*User) Name() string { return UserName }

// Process implements pipeline.Stage.
func (u *User) Process(ctx context.Context, f frame.Frame, dir pipeline.Direction, out pipeline.Outbox) error {
	switch f := f.(type) {
	case *frame.TranscriptionDelta:
		if dir == pipeline.Downstream {
			u.accumulate(f)
		}
	case *frame.EndOfTurn:
		if f.Role == frame.RoleUser {
			return u.commit(ctx, f, out)
		}
		return nil
	case *frame.ContextRequest:
		if dir == pipeline.Upstream {
			return out.Downstream(ctx, u.ctx.Snapshot())
		}
	}
	return pipeline.Forward(ctx, f, dir, out)
}

func (u *User) accumulate(f *frame.TranscriptionDelta) {
	text := strings.TrimSpace(f.Text)
	if !f.IsFinal {
		u.partial = text
		return
	}
	u.partial = ""
	if text != "" {
		u.finals = append(u.finals, text)
	}
}

// commit appends the turn's text once per turn ID and emits the snapshot
// that starts generation.
func (u *User) commit(ctx context.Context, eot *frame.EndOfTurn, out pipeline.Outbox) error {
	if _, ok := u.committed[eot.TurnID]; ok {
		u.log.Debug("aggregator: user turn already committed", "turn_id", eot.TurnID)
		return nil
	}
	u.committed[eot.TurnID] = struct{}{}

	parts := u.finals
	if u.partial != "" {
		parts = append(parts, u.partial)
	}
	text := strings.Join(parts, " ")
	u.finals, u.partial = nil, ""
	if text == "" {
		u.log.Debug("aggregator: empty user turn dropped", "turn_id", eot.TurnID, "forced", eot.Forced)
		return nil
	}

	u.ctx.Append(frame.RoleUser, text)
	u.log.Debug("aggregator: user turn committed", "turn_id", eot.TurnID, "forced", eot.Forced, "len", len(text))
	return out.Downstream(ctx, u.ctx.Snapshot())
}

var _ pipeline.Stage = (*User)(nil)
