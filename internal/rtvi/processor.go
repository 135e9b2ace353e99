package rtvi

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/425732441/full-duplex-voice-demo/internal/pipeline"
	"github.com/425732441/full-duplex-voice-demo/pkg/frame"
)

// Name is the stage name of the Processor.
const Name = "rtvi"

// Sender delivers an encoded server message to the client. Implementations
// must preserve call order and must not block for long; the output transport
// queues messages for its writer.
type Sender interface {
	SendMessage(payload []byte) error
}

// Listener is notified once the client has completed the ready handshake.
type Listener interface {
	OnClientReady(ctx context.Context)
}

// ListenerFunc adapts a function to the [Listener] interface.
type ListenerFunc func(ctx context.Context)

// OnClientReady implements [Listener].
func (fn ListenerFunc) OnClientReady(ctx context.Context) { fn(ctx) }

// Processor is the pipeline tap that handles RTVI client messages. It sits
// between the user aggregator and the LLM.
//
// The first client-ready is answered with bot-ready, after which a
// ContextRequest is sent upstream so the user aggregator releases the seed
// context and the bot greets the user. Later client-ready messages are
// ignored.
type Processor struct {
	sender Sender
	log    *slog.Logger

	mu        sync.Mutex
	listeners []Listener

	once  sync.Once
	ready atomic.Bool
}

// Option configures a Processor.
type Option func(*Processor)

// WithLogger sets the logger. Defaults to slog.Default.
func WithLogger(l *slog.Logger) Option {
	return func(p *Processor) { p.log = l }
}

// NewProcessor returns a Processor that answers through sender.
func NewProcessor(sender Sender, opts ...Option) *Processor {
	p := &Processor{sender: sender, log: slog.Default()}
	for _, o := range opts {
		o(p)
	}
	return p
}

// Name implements pipeline.Stage.
func (*Processor) Name() string { return Name }

// AddListener registers l for the client-ready notification.
func (p *Processor) AddListener(l Listener) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.listeners = append(p.listeners, l)
}

// Ready reports whether bot-ready has been sent.
func (p *Processor) Ready() bool { return p.ready.Load() }

// Send encodes and sends a server event, dropping it until bot-ready has been
// sent.
func (p *Processor) Send(typ string, data any) {
	if !p.Ready() {
		return
	}
	b, err := Encode(typ, data)
	if err != nil {
		p.log.Error("rtvi: failed to encode event", "type", typ, "err", err)
		return
	}
	if err := p.sender.SendMessage(b); err != nil {
		p.log.Debug("rtvi: failed to send event", "type", typ, "err", err)
	}
}

// Process implements pipeline.Stage. Client messages are consumed here;
// everything else passes through.
func (p *Processor) Process(ctx context.Context, f frame.Frame, dir pipeline.Direction, out pipeline.Outbox) error {
	msg, ok := f.(*frame.ClientMessage)
	if !ok {
		return pipeline.Forward(ctx, f, dir, out)
	}

	switch msg.Type {
	case TypeClientReady:
		var err error
		p.once.Do(func() { err = p.clientReady(ctx, msg, out) })
		return err
	default:
		p.log.Debug("rtvi: unsupported client message", "type", msg.Type)
		b, err := EncodeReply(TypeErrorResponse, msg.MsgID, ErrorData{Error: fmt.Sprintf("unsupported message type %q", msg.Type)})
		if err != nil {
			return pipeline.NewError(pipeline.InternalInvariantViolation, Name, err)
		}
		return out.Downstream(ctx, frame.NewServerMessage(b))
	}
}

func (p *Processor) clientReady(ctx context.Context, msg *frame.ClientMessage, out pipeline.Outbox) error {
	p.log.Info("rtvi: client ready")
	b, err := EncodeReply(TypeBotReady, msg.MsgID, BotReadyData{Version: ProtocolVersion})
	if err != nil {
		return pipeline.NewError(pipeline.InternalInvariantViolation, Name, err)
	}
	if err := p.sender.SendMessage(b); err != nil {
		return pipeline.NewError(pipeline.TransportError, Name, fmt.Errorf("rtvi: send bot-ready: %w", err))
	}
	p.ready.Store(true)

	if err := out.Upstream(ctx, frame.NewContextRequest()); err != nil {
		return err
	}

	p.mu.Lock()
	listeners := append([]Listener(nil), p.listeners...)
	p.mu.Unlock()
	for _, l := range listeners {
		l.OnClientReady(ctx)
	}
	return nil
}

var _ pipeline.Stage = (*Processor)(nil)
