package transport

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/425732441/full-duplex-voice-demo/internal/pipeline"
	"github.com/425732441/full-duplex-voice-demo/pkg/audio"
	"github.com/425732441/full-duplex-voice-demo/pkg/frame"
)

// OutputName is the stage name of the output transport.
const OutputName = "output"

// Defaults for [OutputConfig].
const (
	DefaultLookahead  = 100 * time.Millisecond
	DefaultWriteQueue = 64
)

var (
	// ErrOutputClosed is returned by SendMessage after the output stopped.
	ErrOutputClosed = errors.New("transport: output closed")

	// ErrWriteQueueFull is returned by SendMessage when the writer is
	// behind.
	ErrWriteQueueFull = errors.New("transport: write queue full")
)

// OutputConfig configures the output transport.
type OutputConfig struct {
	// SampleRate is the sample rate of audio sent to the client. Output
	// audio is mono.
	SampleRate int

	// Lookahead is how far audio may be sent ahead of real-time playout.
	// Defaults to DefaultLookahead.
	Lookahead time.Duration

	// WriteQueue is the capacity of the writer queue. Defaults to
	// DefaultWriteQueue.
	WriteQueue int

	Logger *slog.Logger
}

// Output writes audio and server messages to the client.
//
// Synthesized audio is handed to a playout goroutine that paces it so that at
// most Lookahead of it is buffered on the client; an interruption therefore
// silences the bot almost at once, and Process never waits on playout. The
// first chunk of a response sends BotStartedSpeaking upstream. When the
// response's ResponseEnd comes due and its audio has played out, Output
// broadcasts EndOfTurn{assistant} for the user turn being answered.
type Output struct {
	conn Conn
	ser  Serializer
	cfg  OutputConfig
	conv *audio.Converter
	log  *slog.Logger
	now  func() time.Time

	queue    chan []byte
	wake     chan struct{}
	stop     chan struct{}
	stopOnce sync.Once
	stopped  atomic.Bool
	wg       sync.WaitGroup

	mu         sync.Mutex
	cues       []cue
	epoch      uint64
	barrier    uint64
	playCtx    context.Context
	playCancel context.CancelFunc
	playoutEnd time.Time
	speaking   bool // a response's audio has been scheduled but not its end
	turnID     uint64
}

// cue is one playout step: a chunk of audio, or the end of a response.
type cue struct {
	pcm   []byte
	end   bool
	epoch uint64
}

// NewOutput returns an output stage writing to conn.
func NewOutput(conn Conn, ser Serializer, cfg OutputConfig) *Output {
	if cfg.Lookahead <= 0 {
		cfg.Lookahead = DefaultLookahead
	}
	if cfg.WriteQueue <= 0 {
		cfg.WriteQueue = DefaultWriteQueue
	}
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	return &Output{
		conn:  conn,
		ser:   ser,
		cfg:   cfg,
		conv:  audio.NewConverter(audio.Format{SampleRate: cfg.SampleRate, Channels: 1}),
		log:   log,
		now:   time.Now,
		queue: make(chan []byte, cfg.WriteQueue),
		wake:  make(chan struct{}, 1),
		stop:  make(chan struct{}),
	}
}

// Name implements pipeline.Stage.
func (*Output) Name() string { return OutputName }

// Start implements pipeline.Starter. It starts the writer and the playout
// loop.
func (o *Output) Start(ctx context.Context, out pipeline.Outbox) error {
	o.wg.Add(2)
	go o.writeLoop(ctx, out)
	go o.playLoop(ctx, out)
	return nil
}

func (o *Output) writeLoop(ctx context.Context, out pipeline.Outbox) {
	defer o.wg.Done()
	for {
		select {
		case <-o.stop:
			return
		case <-ctx.Done():
			return
		case b := <-o.queue:
			if err := o.conn.Write(ctx, b); err != nil {
				o.stopped.Store(true)
				if ctx.Err() == nil && !IsClosed(err) {
					out.Fail(pipeline.NewError(pipeline.TransportError, OutputName, err))
				}
				return
			}
		}
	}
}

// SendMessage queues an encoded server message without blocking. Messages
// are written in call order.
func (o *Output) SendMessage(payload []byte) error {
	b, err := o.ser.Serialize(frame.NewServerMessage(payload))
	if err != nil {
		return err
	}
	if o.stopped.Load() {
		return ErrOutputClosed
	}
	select {
	case o.queue <- b:
		return nil
	default:
		return ErrWriteQueueFull
	}
}

// enqueue queues b, blocking while the writer is behind.
func (o *Output) enqueue(ctx context.Context, b []byte) error {
	if o.stopped.Load() {
		return ErrOutputClosed
	}
	select {
	case o.queue <- b:
		return nil
	case <-o.stop:
		return ErrOutputClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Process implements pipeline.Stage.
func (o *Output) Process(ctx context.Context, f frame.Frame, dir pipeline.Direction, out pipeline.Outbox) error {
	switch f := f.(type) {
	case *frame.SynthesizedAudioChunk:
		if dir == pipeline.Downstream {
			return o.play(ctx, f, out)
		}
	case *frame.ResponseEnd:
		if dir == pipeline.Downstream {
			o.schedule(f, cue{end: true})
			return nil
		}
	case *frame.ServerMessage:
		b, err := o.ser.Serialize(f)
		if err != nil {
			return pipeline.NewError(pipeline.InternalInvariantViolation, OutputName, err)
		}
		return o.ignoreClosed(o.enqueue(ctx, b))
	case *frame.EndOfTurn:
		if f.Role == frame.RoleUser {
			o.mu.Lock()
			o.turnID = f.TurnID
			o.mu.Unlock()
		}
		return nil
	}
	return pipeline.Forward(ctx, f, dir, out)
}

func (o *Output) play(ctx context.Context, f *frame.SynthesizedAudioChunk, out pipeline.Outbox) error {
	pcm := o.conv.Convert(f.Data, audio.Format{SampleRate: f.SampleRate, Channels: 1})
	if len(pcm) == 0 {
		return nil
	}
	first, epoch, ok := o.schedule(f, cue{pcm: pcm})
	if !ok || !first {
		return nil
	}
	o.mu.Lock()
	stale := o.epoch != epoch
	o.mu.Unlock()
	if stale {
		return nil
	}
	return out.Upstream(ctx, frame.NewBotStartedSpeaking())
}

// schedule queues c for playout. Frames created before the last interruption
// are dropped: a chunk dequeued just ahead of an interruption sweep must not
// restart playout. first reports whether c opens a response.
func (o *Output) schedule(f frame.Frame, c cue) (first bool, epoch uint64, ok bool) {
	o.mu.Lock()
	if f.ID() < o.barrier {
		o.mu.Unlock()
		return false, 0, false
	}
	if c.end {
		o.speaking = false
	} else {
		first = !o.speaking
		o.speaking = true
	}
	c.epoch = o.epoch
	o.cues = append(o.cues, c)
	epoch = o.epoch
	o.mu.Unlock()
	signal(o.wake)
	return first, epoch, true
}

func (o *Output) playLoop(ctx context.Context, out pipeline.Outbox) {
	defer o.wg.Done()
	for {
		c, playCtx, ok := o.next(ctx)
		if !ok {
			select {
			case <-o.wake:
				continue
			case <-o.stop:
				return
			case <-ctx.Done():
				return
			}
		}
		if c.end {
			o.finish(ctx, playCtx, c, out)
			continue
		}
		if err := o.send(playCtx, c); err != nil {
			out.Fail(err)
		}
	}
}

// next pops the next cue with the context of the playout it belongs to.
func (o *Output) next(ctx context.Context) (cue, context.Context, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if len(o.cues) == 0 {
		return cue{}, nil, false
	}
	c := o.cues[0]
	o.cues[0] = cue{}
	o.cues = o.cues[1:]
	if o.playCtx == nil || o.playCtx.Err() != nil {
		o.playCtx, o.playCancel = context.WithCancel(ctx)
	}
	return c, o.playCtx, true
}

// send writes one chunk once it is within Lookahead of real-time playout.
func (o *Output) send(playCtx context.Context, c cue) error {
	o.mu.Lock()
	if c.epoch != o.epoch {
		o.mu.Unlock()
		return nil
	}
	now := o.now()
	if o.playoutEnd.Before(now) {
		o.playoutEnd = now
	}
	ahead := o.playoutEnd.Sub(now) - o.cfg.Lookahead
	o.playoutEnd = o.playoutEnd.Add(audio.Duration(c.pcm, o.cfg.SampleRate, 1))
	o.mu.Unlock()

	if ahead > 0 && sleep(playCtx, ahead) != nil {
		// Interrupted while waiting.
		return nil
	}
	b, err := o.ser.Serialize(frame.NewSynthesizedAudioChunk(c.pcm, o.cfg.SampleRate))
	if err != nil {
		return pipeline.NewError(pipeline.InternalInvariantViolation, OutputName, err)
	}
	if playCtx.Err() != nil {
		return nil
	}
	return o.ignoreClosed(o.enqueue(playCtx, b))
}

// finish waits for the response's audio to play out and ends the assistant
// turn.
func (o *Output) finish(ctx, playCtx context.Context, c cue, out pipeline.Outbox) {
	o.mu.Lock()
	wait := o.playoutEnd.Sub(o.now())
	o.mu.Unlock()

	if wait > 0 && sleep(playCtx, wait) != nil {
		return
	}

	o.mu.Lock()
	if playCtx.Err() != nil || c.epoch != o.epoch {
		o.mu.Unlock()
		return
	}
	turnID := o.turnID
	o.mu.Unlock()
	if err := out.Downstream(ctx, frame.NewEndOfTurn(frame.RoleAssistant, turnID, false)); err != nil {
		o.log.Debug("transport: end of assistant turn not delivered", "err", err)
	}
}

func (o *Output) ignoreClosed(err error) error {
	if errors.Is(err, ErrOutputClosed) || errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// Interrupt stops playout of the current response and discards its queued
// audio.
func (o *Output) Interrupt(f frame.Frame) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if f != nil && f.ID() > o.barrier {
		o.barrier = f.ID()
	}
	o.epoch++
	clear(o.cues)
	o.cues = nil
	if o.playCancel != nil {
		o.playCancel()
	}
	o.speaking = false
	o.playoutEnd = time.Time{}
}

// Close stops the writer and the playout loop. Queued messages are discarded.
func (o *Output) Close() error {
	o.stopped.Store(true)
	o.stopOnce.Do(func() { close(o.stop) })
	o.Interrupt(nil)
	o.wg.Wait()
	return nil
}

func signal(ch chan struct{}) {
	select {
	case ch <- struct{}{}:
	default:
	}
}

func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

var (
	_ pipeline.Stage       = (*Output)(nil)
	_ pipeline.Starter     = (*Output)(nil)
	_ pipeline.Interrupter = (*Output)(nil)
)
