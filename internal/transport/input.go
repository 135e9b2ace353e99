package transport

import (
	"context"
	"log/slog"
	"sync"

	"github.com/425732441/full-duplex-voice-demo/internal/pipeline"
	"github.com/425732441/full-duplex-voice-demo/pkg/audio"
	"github.com/425732441/full-duplex-voice-demo/pkg/frame"
)

// InputName is the stage name of the input transport.
const InputName = "input"

// Input reads client messages and feeds them into the pipeline. Audio is
// converted to the pipeline's input format.
type Input struct {
	conn   Conn
	ser    Serializer
	format audio.Format
	conv   *audio.Converter
	log    *slog.Logger

	done     chan struct{}
	doneOnce sync.Once
	wg       sync.WaitGroup
}

// NewInput returns an input stage reading from conn. Audio is converted to
// format before it is emitted.
func NewInput(conn Conn, ser Serializer, format audio.Format, log *slog.Logger) *Input {
	if log == nil {
		log = slog.Default()
	}
	return &Input{
		conn:   conn,
		ser:    ser,
		format: format,
		conv:   audio.NewConverter(format),
		log:    log,
		done:   make(chan struct{}),
	}
}

// Name implements pipeline.Stage.
func (*Input) Name() string { return InputName }

// Done is closed when reading has stopped, because the client went away or
// the connection failed.
func (in *Input) Done() <-chan struct{} { return in.done }

// Start implements pipeline.Starter.
func (in *Input) Start(ctx context.Context, out pipeline.Outbox) error {
	in.wg.Add(1)
	go in.readLoop(ctx, out)
	return nil
}

func (in *Input) readLoop(ctx context.Context, out pipeline.Outbox) {
	defer in.wg.Done()
	defer in.doneOnce.Do(func() { close(in.done) })

	for {
		b, err := in.conn.Read(ctx)
		if err != nil {
			switch {
			case ctx.Err() != nil:
			case IsClosed(err):
				in.log.Info("transport: client disconnected")
			default:
				out.Fail(pipeline.NewError(pipeline.TransportError, InputName, err))
			}
			return
		}

		f, err := in.ser.Deserialize(b)
		if err != nil {
			out.Report(pipeline.NewError(pipeline.ProtocolViolation, InputName, err))
			continue
		}
		switch f := f.(type) {
		case *frame.AudioChunk:
			from := audio.Format{SampleRate: f.SampleRate, Channels: f.Channels}
			pcm := in.conv.Convert(f.Data, from)
			if len(pcm) == 0 {
				continue
			}
			if from != in.format {
				f = frame.NewAudioChunk(pcm, in.format.SampleRate, in.format.Channels)
			}
			err = out.Downstream(ctx, f)
		case *frame.ClientMessage:
			err = out.Downstream(ctx, f)
		default:
			in.log.Debug("transport: ignoring inbound frame", "frame", frame.Describe(f))
		}
		if err != nil {
			return
		}
	}
}

// Process implements pipeline.Stage.
func (in *Input) Process(ctx context.Context, f frame.Frame, dir pipeline.Direction, out pipeline.Outbox) error {
	return pipeline.Forward(ctx, f, dir, out)
}

// Close waits for the reader to stop. The connection itself is owned by the
// caller, who closes it to unblock the reader.
func (in *Input) Close() error {
	in.wg.Wait()
	return nil
}

var (
	_ pipeline.Stage   = (*Input)(nil)
	_ pipeline.Starter = (*Input)(nil)
)
