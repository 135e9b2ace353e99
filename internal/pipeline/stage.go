package pipeline

import (
	"context"

	"github.com/425732441/full-duplex-voice-demo/pkg/frame"
)

// Direction is the conveyor belt a frame travels on.
type Direction int

const (
	// Downstream flows from the source (input transport) to the sink.
	Downstream Direction = iota

	// Upstream flows from the sink back towards the source.
	Upstream
)

// String returns "downstream" or "upstream".
func (d Direction) String() string {
	if d == Upstream {
		return "upstream"
	}
	return "downstream"
}

// Outbox is the handle a stage uses to emit frames. Data frames go to the
// adjacent stage in the chosen direction; control frames are broadcast to
// every stage regardless of direction.
//
// Downstream and Upstream block while the receiving stage's inbox is full.
// They return nil without delivering when the frame is interruptible and an
// interruption barrier has already passed it.
type Outbox interface {
	Downstream(ctx context.Context, f frame.Frame) error
	Upstream(ctx context.Context, f frame.Frame) error

	// Fail reports a stage-local failure from a background goroutine. The
	// pipeline broadcasts a synthetic EndOfStream and surfaces err on
	// [Pipeline.Errors].
	Fail(err error)

	// Report surfaces err on [Pipeline.Errors] without ending the stream,
	// for failures the stage has already recovered from.
	Report(err error)
}

// Stage is one unit of work in a pipeline.
//
// Process is called from a single goroutine per stage, one frame at a time,
// in delivery order. Control frames are delivered to every stage; stages must
// not forward them (use [Forward], which skips control frames). A non-nil
// error returned for a data frame is handled like [Outbox.Fail].
type Stage interface {
	Name() string
	Process(ctx context.Context, f frame.Frame, dir Direction, out Outbox) error
}

// Starter is implemented by stages that run background producers, such as a
// transport reader or a transcript listener. Start is called once after all
// stage loops are running.
type Starter interface {
	Start(ctx context.Context, out Outbox) error
}

// Interrupter is implemented by stages that hold in-flight provider calls.
// Interrupt is called synchronously inside the broadcast sweep of every
// StartInterruption and Cancel frame, before the frame is queued for
// Process. It must not block and must not emit frames.
type Interrupter interface {
	Interrupt(f frame.Frame)
}

// Observer watches every frame delivery. OnFrame is called from stage
// goroutines and must be safe for concurrent use.
type Observer interface {
	OnFrame(stage string, f frame.Frame, dir Direction)
}

// ObserverFunc adapts a function to the [Observer] interface.
type ObserverFunc func(stage string, f frame.Frame, dir Direction)

// OnFrame implements [Observer].
func (fn ObserverFunc) OnFrame(stage string, f frame.Frame, dir Direction) { fn(stage, f, dir) }

// Forward passes a data frame on in the direction it was travelling. Control
// frames are ignored because the broadcast already reached every stage.
func Forward(ctx context.Context, f frame.Frame, dir Direction, out Outbox) error {
	if frame.IsControl(f) {
		return nil
	}
	if dir == Upstream {
		return out.Upstream(ctx, f)
	}
	return out.Downstream(ctx, f)
}
