package pipeline_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/425732441/full-duplex-voice-demo/internal/pipeline"
	"github.com/425732441/full-duplex-voice-demo/pkg/frame"
)

// ─── test stages ─────────────────────────────────────────────────────────────

// recorder records every delivered frame and forwards data frames.
type recorder struct {
	name string

	mu     sync.Mutex
	frames []frame.Frame
	dirs   []pipeline.Direction
	seen   chan frame.Frame

	interrupts atomic.Int32
	closes     atomic.Int32
	started    atomic.Int32

	// failOn makes Process return an error for frames of this kind.
	failOn frame.Kind
	fail   bool
}

func newRecorder(name string) *recorder {
	return &recorder{name: name, seen: make(chan frame.Frame, 256)}
}

func (r *recorder) Name() string { return r.name }

func (r *recorder) Process(ctx context.Context, f frame.Frame, dir pipeline.Direction, out pipeline.Outbox) error {
	r.mu.Lock()
	r.frames = append(r.frames, f)
	r.dirs = append(r.dirs, dir)
	r.mu.Unlock()
	select {
	case r.seen <- f:
	default:
	}
	if r.fail && f.Kind() == r.failOn {
		return errors.New("boom")
	}
	return pipeline.Forward(ctx, f, dir, out)
}

func (r *recorder) Interrupt(frame.Frame) { r.interrupts.Add(1) }

func (r *recorder) Start(context.Context, pipeline.Outbox) error {
	r.started.Add(1)
	return nil
}

func (r *recorder) Close() error {
	r.closes.Add(1)
	return nil
}

func (r *recorder) snapshot() []frame.Frame {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]frame.Frame(nil), r.frames...)
}

// waitKind reads r.seen until a frame of kind k arrives.
func waitKind(t *testing.T, r *recorder, k frame.Kind) frame.Frame {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case f := <-r.seen:
			if f.Kind() == k {
				return f
			}
		case <-deadline:
			t.Fatalf("%s: timed out waiting for %s", r.name, k)
			return nil
		}
	}
}

type collector struct {
	ch chan frame.Frame
}

func newCollector() *collector { return &collector{ch: make(chan frame.Frame, 256)} }

func (c *collector) sink(f frame.Frame) { c.ch <- f }

func (c *collector) next(t *testing.T) frame.Frame {
	t.Helper()
	select {
	case f := <-c.ch:
		return f
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for sink frame")
		return nil
	}
}

func startPipeline(t *testing.T, stages []pipeline.Stage, opts ...pipeline.Option) *pipeline.Pipeline {
	t.Helper()
	p, err := pipeline.New(stages, opts...)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := p.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(func() { _ = p.Close() })
	return p
}

// ─── tests ───────────────────────────────────────────────────────────────────

func TestNewRequiresStages(t *testing.T) {
	t.Parallel()

	if _, err := pipeline.New(nil); err == nil {
		t.Error("New(nil): want error, got nil")
	}
	if _, err := pipeline.New([]pipeline.Stage{nil}); err == nil {
		t.Error("New with nil stage: want error, got nil")
	}
}

func TestDataFlowsDownstreamInOrder(t *testing.T) {
	t.Parallel()

	col := newCollector()
	a, b, c := newRecorder("a"), newRecorder("b"), newRecorder("c")
	p := startPipeline(t, []pipeline.Stage{a, b, c}, pipeline.WithSink(col.sink), pipeline.WithQueueSize(2))

	const n = 50
	sent := make([]uint64, n)
	for i := range n {
		f := frame.NewAudioChunk([]byte{byte(i)}, 16000, 1)
		sent[i] = f.ID()
		if err := p.Push(context.Background(), f); err != nil {
			t.Fatalf("Push %d: %v", i, err)
		}
	}
	for i := range n {
		got := col.next(t)
		if got.ID() != sent[i] {
			t.Fatalf("frame %d: want id %d, got %d", i, sent[i], got.ID())
		}
	}
}

func TestUpstreamReachesUpstreamSink(t *testing.T) {
	t.Parallel()

	up := newCollector()
	// tail emits every TextDelta back upstream.
	tail := &reflector{}
	head := newRecorder("head")
	p := startPipeline(t, []pipeline.Stage{head, tail}, pipeline.WithUpstreamSink(up.sink))

	f := frame.NewTextDelta("echo")
	if err := p.Push(context.Background(), f); err != nil {
		t.Fatalf("Push: %v", err)
	}
	got := up.next(t)
	if got.ID() != f.ID() {
		t.Errorf("upstream sink: want %s, got %s", frame.Describe(f), frame.Describe(got))
	}

	head.mu.Lock()
	defer head.mu.Unlock()
	if len(head.dirs) != 2 || head.dirs[1] != pipeline.Upstream {
		t.Errorf("head directions: want [downstream upstream], got %v", head.dirs)
	}
}

type reflector struct{}

func (*reflector) Name() string { return "reflector" }

func (*reflector) Process(ctx context.Context, f frame.Frame, _ pipeline.Direction, out pipeline.Outbox) error {
	if frame.IsControl(f) {
		return nil
	}
	return out.Upstream(ctx, f)
}

func TestControlFrameReachesEveryStage(t *testing.T) {
	t.Parallel()

	stages := []*recorder{newRecorder("a"), newRecorder("b"), newRecorder("c")}
	p := startPipeline(t, []pipeline.Stage{stages[0], stages[1], stages[2]})

	eot := frame.NewEndOfTurn(frame.RoleUser, 7, false)
	if err := p.Push(context.Background(), eot); err != nil {
		t.Fatalf("Push: %v", err)
	}
	for _, s := range stages {
		got := waitKind(t, s, frame.KindEndOfTurn)
		if got.ID() != eot.ID() {
			t.Errorf("%s: want %s, got %s", s.name, frame.Describe(eot), frame.Describe(got))
		}
	}
	// Forward must not re-broadcast control frames.
	time.Sleep(20 * time.Millisecond)
	for _, s := range stages {
		count := 0
		for _, f := range s.snapshot() {
			if f.Kind() == frame.KindEndOfTurn {
				count++
			}
		}
		if count != 1 {
			t.Errorf("%s: want EndOfTurn once, got %d", s.name, count)
		}
	}
}

func TestInterruptionCallsInterrupters(t *testing.T) {
	t.Parallel()

	a, b := newRecorder("a"), newRecorder("b")
	p := startPipeline(t, []pipeline.Stage{a, b})

	if err := p.Push(context.Background(), frame.NewEndOfTurn(frame.RoleUser, 1, false)); err != nil {
		t.Fatalf("Push: %v", err)
	}
	waitKind(t, b, frame.KindEndOfTurn)
	if n := a.interrupts.Load(); n != 0 {
		t.Errorf("EndOfTurn must not interrupt, got %d calls", n)
	}

	if err := p.Push(context.Background(), frame.NewStartInterruption()); err != nil {
		t.Fatalf("Push: %v", err)
	}
	if err := p.Push(context.Background(), frame.NewCancel("barge-in")); err != nil {
		t.Fatalf("Push: %v", err)
	}
	waitKind(t, b, frame.KindCancel)
	for _, s := range []*recorder{a, b} {
		if n := s.interrupts.Load(); n != 2 {
			t.Errorf("%s: want 2 interrupts, got %d", s.name, n)
		}
	}
}

// gate blocks on the first frame of kind k until release is closed.
type gate struct {
	name    string
	k       frame.Kind
	entered chan struct{}
	release chan struct{}
	once    sync.Once
}

func (g *gate) Name() string { return g.name }

func (g *gate) Process(ctx context.Context, f frame.Frame, dir pipeline.Direction, out pipeline.Outbox) error {
	if f.Kind() == g.k {
		g.once.Do(func() { close(g.entered) })
		select {
		case <-g.release:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return pipeline.Forward(ctx, f, dir, out)
}

func TestInterruptionDropsQueuedBotOutput(t *testing.T) {
	t.Parallel()

	g := &gate{name: "gate", k: frame.KindTextDelta, entered: make(chan struct{}), release: make(chan struct{})}
	tail := newRecorder("tail")
	p := startPipeline(t, []pipeline.Stage{g, tail})
	ctx := context.Background()

	// The first TextDelta parks the gate, the rest queue behind it.
	first := frame.NewTextDelta("one")
	if err := p.Push(ctx, first); err != nil {
		t.Fatalf("Push: %v", err)
	}
	<-g.entered
	queued := []frame.Frame{frame.NewTextDelta("two"), frame.NewTranscriptionDelta("user speech", true), frame.NewTextDelta("three")}
	for _, f := range queued {
		if err := p.Push(ctx, f); err != nil {
			t.Fatalf("Push: %v", err)
		}
	}
	if err := p.Push(ctx, frame.NewStartInterruption()); err != nil {
		t.Fatalf("Push: %v", err)
	}
	close(g.release)

	waitKind(t, tail, frame.KindStartInterruption)
	waitKind(t, tail, frame.KindTranscriptionDelta)

	var texts []string
	sawUser := false
	for _, f := range tail.snapshot() {
		switch v := f.(type) {
		case *frame.TextDelta:
			texts = append(texts, v.Text)
		case *frame.TranscriptionDelta:
			sawUser = true
		}
	}
	// "one" was already being processed when the interruption arrived and is
	// dropped at the barrier on its way to tail.
	if len(texts) != 0 {
		t.Errorf("stale TextDeltas delivered after interruption: %v", texts)
	}
	if !sawUser {
		t.Error("user transcription must survive an interruption")
	}
}

func TestStageErrorBroadcastsEndOfStream(t *testing.T) {
	t.Parallel()

	head := newRecorder("llm")
	head.fail, head.failOn = true, frame.KindContextSnapshot
	tail := newRecorder("tts")
	p := startPipeline(t, []pipeline.Stage{head, tail})

	if err := p.Push(context.Background(), frame.NewContextSnapshot(nil)); err != nil {
		t.Fatalf("Push: %v", err)
	}

	got := waitKind(t, tail, frame.KindEndOfStream)
	eos := got.(*frame.EndOfStream)
	if eos.Origin != "llm" {
		t.Errorf("Origin: want llm, got %q", eos.Origin)
	}
	if eos.Err == nil {
		t.Error("Err: want non-nil")
	}

	select {
	case err := <-p.Errors():
		kind, ok := pipeline.KindOf(err)
		if !ok || kind != pipeline.ProviderError {
			t.Errorf("error kind: want provider error, got %v (classified=%v)", kind, ok)
		}
		if pipeline.IsFatal(err) {
			t.Error("provider error must not be fatal")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no error reported")
	}
}

// failer calls Fail from a background goroutine when started.
type failer struct{ err error }

func (*failer) Name() string { return "input" }

func (*failer) Process(ctx context.Context, f frame.Frame, dir pipeline.Direction, out pipeline.Outbox) error {
	return pipeline.Forward(ctx, f, dir, out)
}

func (fl *failer) Start(_ context.Context, out pipeline.Outbox) error {
	go out.Fail(fl.err)
	return nil
}

func TestFailKeepsClassification(t *testing.T) {
	t.Parallel()

	tail := newRecorder("tail")
	fl := &failer{err: pipeline.NewError(pipeline.TransportError, "input", errors.New("connection reset"))}
	p := startPipeline(t, []pipeline.Stage{fl, tail})

	select {
	case err := <-p.Errors():
		if !pipeline.IsFatal(err) {
			t.Errorf("transport error must be fatal: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no error reported")
	}
	waitKind(t, tail, frame.KindEndOfStream)
}

// reporter reports a recovered failure from its Start hook.
type reporter struct{ err error }

func (*reporter) Name() string { return "llm" }

func (*reporter) Process(ctx context.Context, f frame.Frame, dir pipeline.Direction, out pipeline.Outbox) error {
	return pipeline.Forward(ctx, f, dir, out)
}

func (r *reporter) Start(_ context.Context, out pipeline.Outbox) error {
	out.Report(r.err)
	return nil
}

func TestReportDoesNotEndStream(t *testing.T) {
	t.Parallel()

	tail := newRecorder("tail")
	p := startPipeline(t, []pipeline.Stage{&reporter{err: errors.New("rate limited")}, tail})

	select {
	case err := <-p.Errors():
		kind, ok := pipeline.KindOf(err)
		if !ok || kind != pipeline.ProviderError {
			t.Errorf("kind: want provider error, got %v (classified=%v)", kind, ok)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no error reported")
	}

	if err := p.Push(context.Background(), frame.NewTextDelta("after")); err != nil {
		t.Fatalf("Push: %v", err)
	}
	waitKind(t, tail, frame.KindTextDelta)
	for _, f := range tail.snapshot() {
		if f.Kind() == frame.KindEndOfStream {
			t.Error("Report must not broadcast EndOfStream")
		}
	}
}

func TestUnacknowledgedControlIsInvariantViolation(t *testing.T) {
	t.Parallel()

	g := &gate{name: "stuck", k: frame.KindEndOfTurn, entered: make(chan struct{}), release: make(chan struct{})}
	p := startPipeline(t, []pipeline.Stage{newRecorder("a"), g}, pipeline.WithControlAckTimeout(30*time.Millisecond))
	defer close(g.release)

	if err := p.Push(context.Background(), frame.NewEndOfTurn(frame.RoleAssistant, 1, false)); err != nil {
		t.Fatalf("Push: %v", err)
	}
	select {
	case err := <-p.Errors():
		kind, _ := pipeline.KindOf(err)
		if kind != pipeline.InternalInvariantViolation {
			t.Errorf("kind: want invariant violation, got %v", kind)
		}
		if !errors.Is(err, pipeline.ErrControlAckTimeout) {
			t.Errorf("want ErrControlAckTimeout in chain, got %v", err)
		}
		if !pipeline.IsFatal(err) {
			t.Error("invariant violation must be fatal")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("ack timeout not reported")
	}
}

func TestStartAndCloseLifecycle(t *testing.T) {
	t.Parallel()

	a, b := newRecorder("a"), newRecorder("b")
	p, err := pipeline.New([]pipeline.Stage{a, b})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := p.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := p.Start(context.Background()); !errors.Is(err, pipeline.ErrAlreadyStarted) {
		t.Errorf("second Start: want ErrAlreadyStarted, got %v", err)
	}

	p.Cancel()
	p.Cancel()
	if err := p.Close(); err != nil {
		t.Errorf("Close: %v", err)
	}
	if err := p.Close(); err != nil {
		t.Errorf("second Close: %v", err)
	}

	for _, s := range []*recorder{a, b} {
		if n := s.started.Load(); n != 1 {
			t.Errorf("%s: Start calls: want 1, got %d", s.name, n)
		}
		if n := s.closes.Load(); n != 1 {
			t.Errorf("%s: Close calls: want 1, got %d", s.name, n)
		}
	}
	if err := p.Push(context.Background(), frame.NewTextDelta("late")); !errors.Is(err, pipeline.ErrClosed) {
		t.Errorf("Push after Close: want ErrClosed, got %v", err)
	}
	if err := p.Push(context.Background(), frame.NewCancel("late")); !errors.Is(err, pipeline.ErrClosed) {
		t.Errorf("control Push after Close: want ErrClosed, got %v", err)
	}
}

func TestParentContextCancelsPipeline(t *testing.T) {
	t.Parallel()

	p, err := pipeline.New([]pipeline.Stage{newRecorder("a")})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	if err := p.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	cancel()
	select {
	case <-p.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("pipeline not cancelled with parent context")
	}
	_ = p.Close()
}

func TestObserverSeesDeliveries(t *testing.T) {
	t.Parallel()

	var mu sync.Mutex
	seen := map[string]int{}
	obs := pipeline.ObserverFunc(func(stage string, _ frame.Frame, _ pipeline.Direction) {
		mu.Lock()
		seen[stage]++
		mu.Unlock()
	})
	col := newCollector()
	p := startPipeline(t, []pipeline.Stage{newRecorder("a"), newRecorder("b")},
		pipeline.WithObserver(obs), pipeline.WithSink(col.sink))

	if err := p.Push(context.Background(), frame.NewTextDelta("x")); err != nil {
		t.Fatalf("Push: %v", err)
	}
	col.next(t)

	mu.Lock()
	defer mu.Unlock()
	if seen["a"] != 1 || seen["b"] != 1 {
		t.Errorf("observer deliveries: want a=1 b=1, got %v", seen)
	}
}
