// Package pipeline runs an ordered chain of stages connected by bounded
// inboxes, with a downstream path from the input transport to the output
// transport and an upstream path back.
//
// Data frames travel between adjacent stages. Control frames are broadcast:
// a single sweep places the frame into every stage's inbox while holding all
// inbox locks, so no stage can observe data that was produced after the
// control frame ahead of it. Interrupting control frames (StartInterruption,
// Cancel) additionally discard queued bot output older than themselves and
// raise a barrier that rejects stale bot output arriving later.
//
// Every stage acknowledges each control frame after processing it. A frame
// that is not acknowledged by all stages within the configured timeout is
// reported as an [InternalInvariantViolation].
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/425732441/full-duplex-voice-demo/pkg/frame"
)

const (
	// DefaultQueueSize is the data-frame capacity of each stage inbox.
	DefaultQueueSize = 64

	// DefaultControlAckTimeout bounds how long a broadcast may stay
	// unacknowledged.
	DefaultControlAckTimeout = 2 * time.Second

	errBuffer = 16
)

// Option is a functional option for [New].
type Option func(*Pipeline)

// WithQueueSize sets the data-frame capacity of every stage inbox.
func WithQueueSize(n int) Option {
	return func(p *Pipeline) {
		if n > 0 {
			p.queueSize = n
		}
	}
}

// WithControlAckTimeout sets the acknowledgement deadline of control frames.
func WithControlAckTimeout(d time.Duration) Option {
	return func(p *Pipeline) {
		if d > 0 {
			p.ackTimeout = d
		}
	}
}

// WithObserver registers an observer for every frame delivery. May be given
// more than once.
func WithObserver(o Observer) Option {
	return func(p *Pipeline) { p.observers = append(p.observers, o) }
}

// WithSink receives data frames emitted downstream by the last stage.
func WithSink(fn func(frame.Frame)) Option {
	return func(p *Pipeline) { p.sink = fn }
}

// WithUpstreamSink receives data frames emitted upstream by the first stage.
func WithUpstreamSink(fn func(frame.Frame)) Option {
	return func(p *Pipeline) { p.upstreamSink = fn }
}

// WithLogger sets the logger. Defaults to [slog.Default].
func WithLogger(l *slog.Logger) Option {
	return func(p *Pipeline) { p.log = l }
}

// Pipeline is a running chain of stages. Create with [New], then [Pipeline.Start].
type Pipeline struct {
	nodes []*node

	queueSize    int
	ackTimeout   time.Duration
	observers    []Observer
	sink         func(frame.Frame)
	upstreamSink func(frame.Frame)
	log          *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	errs   chan error
	wg     sync.WaitGroup

	// sweepMu serialises broadcasts so every inbox sees control frames in
	// the same order.
	sweepMu sync.Mutex
	closed  bool

	started    atomic.Bool
	cancelOnce sync.Once
	closeOnce  sync.Once
	closeErr   error
}

// New builds a pipeline from stages in downstream order. Stage names should be
// unique; they appear in errors and observer callbacks.
func New(stages []Stage, opts ...Option) (*Pipeline, error) {
	if len(stages) == 0 {
		return nil, errors.New("pipeline: at least one stage is required")
	}
	p := &Pipeline{
		queueSize:  DefaultQueueSize,
		ackTimeout: DefaultControlAckTimeout,
		log:        slog.Default(),
		errs:       make(chan error, errBuffer),
	}
	for _, o := range opts {
		o(p)
	}
	p.ctx, p.cancel = context.WithCancel(context.Background())

	p.nodes = make([]*node, len(stages))
	for i, s := range stages {
		if s == nil {
			return nil, fmt.Errorf("pipeline: stage %d is nil", i)
		}
		p.nodes[i] = &node{p: p, index: i, stage: s, inbox: newInbox(p.queueSize)}
	}
	return p, nil
}

// Start launches one goroutine per stage and then calls [Starter.Start] on
// every stage that implements it, in order. Cancelling ctx cancels the
// pipeline.
func (p *Pipeline) Start(ctx context.Context) error {
	if !p.started.CompareAndSwap(false, true) {
		return ErrAlreadyStarted
	}
	stop := context.AfterFunc(ctx, p.Cancel)
	go func() {
		<-p.ctx.Done()
		stop()
	}()

	for _, n := range p.nodes {
		p.wg.Add(1)
		go p.run(n)
	}
	for _, n := range p.nodes {
		s, ok := n.stage.(Starter)
		if !ok {
			continue
		}
		if err := s.Start(p.ctx, n); err != nil {
			p.Cancel()
			return fmt.Errorf("pipeline: start stage %q: %w", n.stage.Name(), err)
		}
	}
	return nil
}

// Push injects a frame at the head of the pipeline as if the first stage had
// received it travelling downstream. Control frames are broadcast.
func (p *Pipeline) Push(ctx context.Context, f frame.Frame) error {
	if frame.IsControl(f) {
		return p.broadcast(f)
	}
	err := p.nodes[0].inbox.put(ctx, envelope{f: f, dir: Downstream})
	if errors.Is(err, errStale) {
		return nil
	}
	return err
}

// Errors returns the channel on which stage failures are reported. The
// channel is never closed; it is buffered and excess errors are logged and
// dropped.
func (p *Pipeline) Errors() <-chan error { return p.errs }

// Done is closed once the pipeline has been cancelled.
func (p *Pipeline) Done() <-chan struct{} { return p.ctx.Done() }

// Cancel tears the pipeline down immediately: every stage context is
// cancelled and all queued frames are dropped. Safe to call more than once.
func (p *Pipeline) Cancel() {
	p.cancelOnce.Do(func() {
		p.cancel()
		p.sweepMu.Lock()
		p.closed = true
		p.sweepMu.Unlock()
		for _, n := range p.nodes {
			n.inbox.close()
		}
	})
}

// Wait blocks until every stage goroutine has returned.
func (p *Pipeline) Wait() { p.wg.Wait() }

// Close cancels the pipeline, waits for the stage goroutines and closes every
// stage implementing [io.Closer]. Close runs at most once; later calls return
// the first result.
func (p *Pipeline) Close() error {
	p.closeOnce.Do(func() {
		p.Cancel()
		p.Wait()
		var errs []error
		for _, n := range p.nodes {
			c, ok := n.stage.(io.Closer)
			if !ok {
				continue
			}
			if err := c.Close(); err != nil {
				errs = append(errs, fmt.Errorf("pipeline: close stage %q: %w", n.stage.Name(), err))
			}
		}
		p.closeErr = errors.Join(errs...)
	})
	return p.closeErr
}

// ─── stage loop ──────────────────────────────────────────────────────────────

func (p *Pipeline) run(n *node) {
	defer p.wg.Done()
	name := n.stage.Name()
	for {
		e, err := n.inbox.take(p.ctx)
		if err != nil {
			return
		}
		for _, o := range p.observers {
			o.OnFrame(name, e.f, e.dir)
		}

		err = n.stage.Process(p.ctx, e.f, e.dir, n)
		if e.ack != nil {
			e.ack.done()
		}
		if err == nil || p.ctx.Err() != nil {
			continue
		}
		if frame.IsControl(e.f) {
			// Reporting without a synthetic EndOfStream keeps a failing
			// control handler from feeding itself.
			p.report(classify(name, err))
			continue
		}
		p.fail(name, err)
	}
}

// ─── broadcast ───────────────────────────────────────────────────────────────

// sweep tracks acknowledgements of one broadcast control frame.
type sweep struct {
	f        frame.Frame
	pending  atomic.Int32
	finished chan struct{}
}

func (s *sweep) done() {
	if s.pending.Add(-1) == 0 {
		close(s.finished)
	}
}

func (p *Pipeline) broadcast(f frame.Frame) error {
	p.sweepMu.Lock()
	defer p.sweepMu.Unlock()
	if p.closed {
		return ErrClosed
	}

	sw := &sweep{f: f, finished: make(chan struct{})}
	sw.pending.Store(int32(len(p.nodes)))
	interrupting := f.Kind().Interrupts()

	for _, n := range p.nodes {
		n.inbox.mu.Lock()
	}
	flushed := 0
	for _, n := range p.nodes {
		flushed += n.inbox.insertLocked(envelope{f: f, dir: Downstream, ack: sw}, interrupting)
		if interrupting {
			if it, ok := n.stage.(Interrupter); ok {
				it.Interrupt(f)
			}
		}
	}
	for i := len(p.nodes) - 1; i >= 0; i-- {
		p.nodes[i].inbox.mu.Unlock()
	}
	for _, n := range p.nodes {
		signal(n.inbox.notify)
		if interrupting {
			signal(n.inbox.space)
		}
	}
	if flushed > 0 {
		p.log.Debug("pipeline: flushed stale frames", "control", frame.Describe(f), "count", flushed)
	}

	go p.awaitAck(sw)
	return nil
}

func (p *Pipeline) awaitAck(sw *sweep) {
	t := time.NewTimer(p.ackTimeout)
	defer t.Stop()
	select {
	case <-sw.finished:
	case <-p.ctx.Done():
	case <-t.C:
		err := fmt.Errorf("%w: %s (%d stages pending)", ErrControlAckTimeout, frame.Describe(sw.f), sw.pending.Load())
		p.report(NewError(InternalInvariantViolation, "pipeline", err))
	}
}

// ─── failures ────────────────────────────────────────────────────────────────

// classify wraps untyped stage errors as provider errors.
func classify(stage string, err error) error {
	var pe *Error
	if errors.As(err, &pe) {
		return err
	}
	return NewError(ProviderError, stage, err)
}

func (p *Pipeline) fail(stage string, err error) {
	if p.ctx.Err() != nil {
		return
	}
	err = classify(stage, err)
	p.report(err)
	if berr := p.broadcast(frame.NewEndOfStream(stage, err)); berr != nil && !errors.Is(berr, ErrClosed) {
		p.log.Warn("pipeline: broadcast end of stream failed", "stage", stage, "err", berr)
	}
}

func (p *Pipeline) report(err error) {
	select {
	case p.errs <- err:
	default:
		p.log.Warn("pipeline: error channel full, dropping error", "err", err)
	}
}

// ─── node ────────────────────────────────────────────────────────────────────

// node is a stage's position in the pipeline and its [Outbox].
type node struct {
	p     *Pipeline
	index int
	stage Stage
	inbox *inbox
}

var _ Outbox = (*node)(nil)

// Downstream implements [Outbox].
func (n *node) Downstream(ctx context.Context, f frame.Frame) error {
	if frame.IsControl(f) {
		return n.p.broadcast(f)
	}
	if n.index == len(n.p.nodes)-1 {
		if n.p.sink != nil {
			n.p.sink(f)
		}
		return nil
	}
	return n.deliver(ctx, n.p.nodes[n.index+1], f, Downstream)
}

// Upstream implements [Outbox].
func (n *node) Upstream(ctx context.Context, f frame.Frame) error {
	if frame.IsControl(f) {
		return n.p.broadcast(f)
	}
	if n.index == 0 {
		if n.p.upstreamSink != nil {
			n.p.upstreamSink(f)
		}
		return nil
	}
	return n.deliver(ctx, n.p.nodes[n.index-1], f, Upstream)
}

// Fail implements [Outbox].
func (n *node) Fail(err error) {
	if err == nil {
		return
	}
	n.p.fail(n.stage.Name(), err)
}

// Report implements [Outbox].
func (n *node) Report(err error) {
	if err == nil || n.p.ctx.Err() != nil {
		return
	}
	n.p.report(classify(n.stage.Name(), err))
}

func (n *node) deliver(ctx context.Context, to *node, f frame.Frame, dir Direction) error {
	err := to.inbox.put(ctx, envelope{f: f, dir: dir})
	if errors.Is(err, errStale) {
		n.p.log.Debug("pipeline: dropped stale frame", "from", n.stage.Name(), "to", to.stage.Name(), "frame", frame.Describe(f))
		return nil
	}
	return err
}
