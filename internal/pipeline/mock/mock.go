// Package mock provides an in-memory [pipeline.Outbox] for unit tests of
// individual stages.
//
// Outbox is safe for concurrent use and records every emitted frame together
// with its direction. Stages that emit from background goroutines can be
// awaited with [Outbox.WaitKind].
//
// Example:
//
//	out := mock.NewOutbox()
//	err := stage.Process(ctx, frame.NewTextDelta("hi"), pipeline.Downstream, out)
//	got := out.DownstreamFrames()
package mock

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/425732441/full-duplex-voice-demo/internal/pipeline"
	"github.com/425732441/full-duplex-voice-demo/pkg/frame"
)

// Emission is one frame handed to the Outbox.
type Emission struct {
	// Frame is the emitted frame.
	Frame frame.Frame
	// Dir is the direction the stage chose.
	Dir pipeline.Direction
}

// Outbox is a mock implementation of [pipeline.Outbox].
type Outbox struct {
	mu sync.Mutex

	// DownstreamErr, if non-nil, is returned by Downstream.
	DownstreamErr error

	// UpstreamErr, if non-nil, is returned by Upstream.
	UpstreamErr error

	// Emissions records every Downstream and Upstream call in order.
	Emissions []Emission

	// Failures records every Fail call.
	Failures []error

	// Reports records every Report call.
	Reports []error

	notify chan struct{}
}

// NewOutbox returns an empty Outbox.
func NewOutbox() *Outbox {
	return &Outbox{notify: make(chan struct{}, 1)}
}

// Downstream records f and returns DownstreamErr.
func (o *Outbox) Downstream(_ context.Context, f frame.Frame) error {
	return o.record(f, pipeline.Downstream)
}

// Upstream records f and returns UpstreamErr.
func (o *Outbox) Upstream(_ context.Context, f frame.Frame) error {
	return o.record(f, pipeline.Upstream)
}

func (o *Outbox) record(f frame.Frame, dir pipeline.Direction) error {
	o.mu.Lock()
	o.Emissions = append(o.Emissions, Emission{Frame: f, Dir: dir})
	err := o.DownstreamErr
	if dir == pipeline.Upstream {
		err = o.UpstreamErr
	}
	o.mu.Unlock()
	o.signal()
	return err
}

// Fail records err.
func (o *Outbox) Fail(err error) {
	o.mu.Lock()
	o.Failures = append(o.Failures, err)
	o.mu.Unlock()
	o.signal()
}

// Report records err.
func (o *Outbox) Report(err error) {
	o.mu.Lock()
	o.Reports = append(o.Reports, err)
	o.mu.Unlock()
	o.signal()
}

func (o *Outbox) signal() {
	if o.notify == nil {
		return
	}
	select {
	case o.notify <- struct{}{}:
	default:
	}
}

// Frames returns a copy of every emitted frame. Thread-safe.
func (o *Outbox) Frames() []Emission {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]Emission(nil), o.Emissions...)
}

// DownstreamFrames returns the frames emitted downstream, in order. Thread-safe.
func (o *Outbox) DownstreamFrames() []frame.Frame {
	return o.filter(pipeline.Downstream)
}

// UpstreamFrames returns the frames emitted upstream, in order. Thread-safe.
func (o *Outbox) UpstreamFrames() []frame.Frame {
	return o.filter(pipeline.Upstream)
}

func (o *Outbox) filter(dir pipeline.Direction) []frame.Frame {
	o.mu.Lock()
	defer o.mu.Unlock()
	var out []frame.Frame
	for _, e := range o.Emissions {
		if e.Dir == dir {
			out = append(out, e.Frame)
		}
	}
	return out
}

// Kinds returns the kinds of every emitted frame, in order. Thread-safe.
func (o *Outbox) Kinds() []frame.Kind {
	o.mu.Lock()
	defer o.mu.Unlock()
	kinds := make([]frame.Kind, len(o.Emissions))
	for i, e := range o.Emissions {
		kinds[i] = e.Frame.Kind()
	}
	return kinds
}

// Count returns how many frames of kind k were emitted. Thread-safe.
func (o *Outbox) Count(k frame.Kind) int {
	o.mu.Lock()
	defer o.mu.Unlock()
	n := 0
	for _, e := range o.Emissions {
		if e.Frame.Kind() == k {
			n++
		}
	}
	return n
}

// FailCount returns the number of Fail calls. Thread-safe.
func (o *Outbox) FailCount() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.Failures)
}

// ReportCount returns the number of Report calls. Thread-safe.
func (o *Outbox) ReportCount() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.Reports)
}

// Reset clears all recorded calls. Thread-safe.
func (o *Outbox) Reset() {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.Emissions = nil
	o.Failures = nil
	o.Reports = nil
}

// WaitKind blocks until at least n frames of kind k have been emitted or the
// timeout expires, in which case the test fails.
func (o *Outbox) WaitKind(t testing.TB, k frame.Kind, n int, timeout time.Duration) {
	t.Helper()
	o.waitFor(t, timeout, func() bool { return o.Count(k) >= n }, k.String())
}

// WaitFail blocks until Fail has been called at least once or the timeout
// expires, in which case the test fails.
func (o *Outbox) WaitFail(t testing.TB, timeout time.Duration) {
	t.Helper()
	o.waitFor(t, timeout, func() bool { return o.FailCount() > 0 }, "Fail")
}

func (o *Outbox) waitFor(t testing.TB, timeout time.Duration, cond func() bool, what string) {
	t.Helper()
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	tick := time.NewTicker(5 * time.Millisecond)
	defer tick.Stop()
	for !cond() {
		select {
		case <-o.notify:
		case <-tick.C:
		case <-deadline.C:
			t.Fatalf("timed out waiting for %s; emitted %v", what, o.Kinds())
			return
		}
	}
}

// Ensure Outbox implements pipeline.Outbox at compile time.
var _ pipeline.Outbox = (*Outbox)(nil)
