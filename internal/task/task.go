// Package task assembles and runs the pipeline of one conversation.
//
// The stage order is fixed:
//
//	input → turn → stt → user aggregator → rtvi → llm → tts → output → assistant aggregator
//
// A Task runs until the client disconnects, a fatal error occurs or it is
// cancelled. Every stage and every registered closer is released exactly
// once, whichever way the session ends.
package task

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/425732441/full-duplex-voice-demo/internal/aggregator"
	"github.com/425732441/full-duplex-voice-demo/internal/observe"
	"github.com/425732441/full-duplex-voice-demo/internal/pipeline"
	"github.com/425732441/full-duplex-voice-demo/internal/resilience"
	"github.com/425732441/full-duplex-voice-demo/internal/rtvi"
	"github.com/425732441/full-duplex-voice-demo/internal/stages"
	"github.com/425732441/full-duplex-voice-demo/internal/transport"
	"github.com/425732441/full-duplex-voice-demo/internal/turn"
	"github.com/425732441/full-duplex-voice-demo/pkg/audio"
	"github.com/425732441/full-duplex-voice-demo/pkg/frame"
	"github.com/425732441/full-duplex-voice-demo/pkg/provider/llm"
	"github.com/425732441/full-duplex-voice-demo/pkg/provider/stt"
	"github.com/425732441/full-duplex-voice-demo/pkg/provider/tts"
	"github.com/425732441/full-duplex-voice-demo/pkg/provider/vad"
)

// errDisconnected ends the run group when the client goes away.
var errDisconnected = errors.New("task: client disconnected")

// Params are the per-session settings.
type Params struct {
	// SessionID labels logs. Required.
	SessionID string

	AllowInterruptions bool
	QueueSize          int
	ControlAckTimeout  time.Duration
	MaxTurnSilence     time.Duration
	TieWindow          time.Duration

	// InputFormat is the audio format the pipeline works in. Inbound audio
	// is converted to it.
	InputFormat audio.Format

	// OutputSampleRate is the sample rate of audio sent to the client.
	OutputSampleRate int

	SystemPrompt      string
	Seed              []frame.Turn
	Apology           string
	RecordInterrupted bool
	Voice             tts.VoiceProfile
	Language          string
	// Endpointing tunes STT turn detection. Zero selects the provider default.
	Endpointing       stt.Endpointing
	LLMTimeout        time.Duration
	Temperature       float64
	MaxTokens         int

	// EnableMetrics turns on per-stage TTFB and processing metrics.
	EnableMetrics      bool
	// EnableUsageMetrics turns on LLM token usage metrics.
	EnableUsageMetrics bool
	Metrics            *observe.Metrics

	Logger *slog.Logger
}

// Components are the collaborators a session runs on.
type Components struct {
	Conn       transport.Conn
	Serializer transport.Serializer
	VAD        vad.Engine
	STT        stt.Provider
	LLM        llm.Provider
	TTS        tts.Provider
}

// Task is one running conversation.
type Task struct {
	id      string
	log     *slog.Logger
	metrics *observe.Metrics
	conn    transport.Conn

	pipe    *pipeline.Pipeline
	input   *transport.Input
	turn    *turn.Controller
	context *aggregator.Context

	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	closers []func() error

	cancelOnce sync.Once
	closeOnce  sync.Once
	closeErr   error
}

func (p Params) validate(c Components) error {
	var errs []error
	if p.SessionID == "" {
		errs = append(errs, errors.New("session id is required"))
	}
	if p.InputFormat.SampleRate <= 0 {
		errs = append(errs, errors.New("input sample rate must be positive"))
	}
	if p.OutputSampleRate <= 0 {
		errs = append(errs, errors.New("output sample rate must be positive"))
	}
	if c.Conn == nil || c.Serializer == nil {
		errs = append(errs, errors.New("connection and serializer are required"))
	}
	if c.VAD == nil || c.STT == nil || c.LLM == nil || c.TTS == nil {
		errs = append(errs, errors.New("vad, stt, llm and tts providers are required"))
	}
	if len(errs) > 0 {
		return fmt.Errorf("task: invalid parameters: %w", errors.Join(errs...))
	}
	return nil
}

// New wires the session pipeline.
func New(p Params, c Components) (*Task, error) {
	if err := p.validate(c); err != nil {
		return nil, err
	}
	if p.InputFormat.Channels == 0 {
		p.InputFormat.Channels = 1
	}
	log := p.Logger
	if log == nil {
		log = slog.Default()
	}
	log = log.With("session_id", p.SessionID)

	metrics := p.Metrics
	if metrics == nil {
		metrics = observe.DefaultMetrics()
	}
	var stageMetrics *observe.Metrics
	if p.EnableMetrics {
		stageMetrics = metrics
	}
	var usageMetrics *observe.Metrics
	if p.EnableUsageMetrics {
		usageMetrics = metrics
	}

	t := &Task{id: p.SessionID, log: log, metrics: metrics, conn: c.Conn}
	t.ctx, t.cancel = context.WithCancel(context.Background())

	turnCfg := turn.DefaultConfig(p.InputFormat.SampleRate)
	turnCfg.AllowInterruptions = p.AllowInterruptions
	if p.MaxTurnSilence > 0 {
		turnCfg.MaxTurnSilence = p.MaxTurnSilence
	}
	if p.TieWindow > 0 {
		turnCfg.TieWindow = p.TieWindow
	}
	t.turn = turn.New(c.VAD, turnCfg,
		turn.WithLogger(log),
		turn.WithTransitionHook(func(from, to turn.State) {
			log.Debug("task: turn state", "from", from.String(), "to", to.String())
		}),
	)

	t.context = aggregator.NewContext(p.Seed...)
	t.input = transport.NewInput(c.Conn, c.Serializer, p.InputFormat, log)
	output := transport.NewOutput(c.Conn, c.Serializer, transport.OutputConfig{
		SampleRate: p.OutputSampleRate,
		Logger:     log,
	})
	proc := rtvi.NewProcessor(output, rtvi.WithLogger(log))

	sttStage := stages.NewSTT(c.STT, stages.STTConfig{
		Stream: stt.StreamConfig{
			SampleRate: p.InputFormat.SampleRate,
			Channels:   p.InputFormat.Channels,
			Language:    p.Language,
			Endpointing: p.Endpointing,
		},
		Reconnect: resilience.BackoffConfig{Name: "stt"},
		Metrics:   metrics,
		Logger:    log,
	})
	llmStage := stages.NewLLM(c.LLM, stages.LLMConfig{
		SystemPrompt: p.SystemPrompt,
		Temperature:  p.Temperature,
		MaxTokens:    p.MaxTokens,
		Timeout:      p.LLMTimeout,
		Apology:      p.Apology,
		Metrics:      stageMetrics,
		UsageMetrics: usageMetrics,
		Logger:       log,
	})
	ttsStage := stages.NewTTS(c.TTS, stages.TTSConfig{
		Voice:   p.Voice,
		Metrics: stageMetrics,
		Logger:  log,
	})

	stageList := []pipeline.Stage{
		t.input,
		t.turn,
		sttStage,
		aggregator.NewUser(t.context, log),
		proc,
		llmStage,
		ttsStage,
		output,
		aggregator.NewAssistant(t.context,
			aggregator.WithRecordInterrupted(p.RecordInterrupted),
			aggregator.WithAssistantLogger(log),
		),
	}
	pipe, err := pipeline.New(stageList,
		pipeline.WithQueueSize(p.QueueSize),
		pipeline.WithControlAckTimeout(p.ControlAckTimeout),
		pipeline.WithObserver(rtvi.NewObserver(proc)),
		pipeline.WithObserver(observe.NewFrameMetrics(metrics, turn.Name)),
		pipeline.WithLogger(log),
	)
	if err != nil {
		return nil, fmt.Errorf("task: %w", err)
	}
	t.pipe = pipe
	return t, nil
}

// ID returns the session id.
func (t *Task) ID() string { return t.id }

// Context returns the session's dialogue context.
func (t *Task) Context() *aggregator.Context { return t.context }

// TurnState returns the turn controller's current state.
func (t *Task) TurnState() turn.State { return t.turn.State() }

// AddCloser registers fn to run once when the task ends.
func (t *Task) AddCloser(fn func() error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.closers = append(t.closers, fn)
}

// Run starts the pipeline and blocks until the session ends. A clean
// disconnect or cancellation returns nil; a fatal pipeline error is returned.
func (t *Task) Run(ctx context.Context) error {
	ctx, span := observe.StartSessionSpan(ctx, t.id)
	defer span.End()
	t.log = observe.WithTrace(ctx, t.log)

	stop := context.AfterFunc(ctx, t.Cancel)
	defer stop()

	t.log.Info("task: session started")
	t.metrics.ActiveSessions.Add(ctx, 1)
	defer t.metrics.ActiveSessions.Add(context.WithoutCancel(ctx), -1)

	if err := t.pipe.Start(t.ctx); err != nil {
		t.close()
		return fmt.Errorf("task: %w", err)
	}

	g, gctx := errgroup.WithContext(t.ctx)
	g.Go(func() error { return t.watchErrors(gctx) })
	g.Go(func() error {
		select {
		case <-t.input.Done():
			return errDisconnected
		case <-gctx.Done():
			return nil
		}
	})

	err := g.Wait()
	t.Cancel()
	if cerr := t.close(); cerr != nil {
		t.log.Warn("task: release failed", "err", cerr)
	}

	switch {
	case errors.Is(err, errDisconnected):
		t.log.Info("task: client disconnected")
		return nil
	case err != nil:
		t.log.Error("task: session failed", "err", err)
		return err
	}
	t.log.Info("task: session ended")
	return nil
}

// watchErrors classifies pipeline errors until a fatal one ends the session.
func (t *Task) watchErrors(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case err := <-t.pipe.Errors():
			kind, _ := pipeline.KindOf(err)
			t.metrics.RecordPipelineError(ctx, kind.String())
			switch {
			case pipeline.IsFatal(err):
				return err
			case kind == pipeline.ProtocolViolation:
				t.log.Debug("task: protocol violation", "err", err)
			default:
				t.log.Warn("task: stage error", "kind", kind.String(), "err", err)
			}
		}
	}
}

// Cancel aborts the session: in-flight provider calls are cancelled and Run
// returns. Safe to call more than once and from any goroutine.
func (t *Task) Cancel() {
	t.cancelOnce.Do(func() {
		if err := t.pipe.Push(context.Background(), frame.NewCancel("task cancelled")); err != nil && !errors.Is(err, pipeline.ErrClosed) {
			t.log.Debug("task: cancel broadcast failed", "err", err)
		}
		t.cancel()
	})
}

// close releases the pipeline, the connection and the registered closers,
// once.
func (t *Task) close() error {
	t.closeOnce.Do(func() {
		errs := []error{t.conn.Close()}
		errs = append(errs, t.pipe.Close())

		t.mu.Lock()
		closers := t.closers
		t.closers = nil
		t.mu.Unlock()
		for _, fn := range closers {
			errs = append(errs, fn())
		}
		t.closeErr = errors.Join(errs...)
	})
	return t.closeErr
}
