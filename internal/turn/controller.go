// Package turn implements the conversational turn state machine.
//
// The [Controller] is a pipeline stage placed directly after the input
// transport. It runs voice activity detection on every inbound audio chunk,
// watches final transcripts travelling upstream from the STT stage and the
// bot speaking notifications from the output transport, and decides when a
// user turn ends and when the user barges in on the bot.
//
// A user turn ends with an EndOfTurn{user} broadcast, which makes the user
// aggregator commit the turn and trigger generation. A barge-in broadcasts
// StartInterruption followed by Cancel so every stage drops the bot output of
// the interrupted response before any new user audio is handled.
package turn

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/425732441/full-duplex-voice-demo/internal/pipeline"
	"github.com/425732441/full-duplex-voice-demo/pkg/frame"
	"github.com/425732441/full-duplex-voice-demo/pkg/provider/vad"
)

// Name is the stage name of the controller.
const Name = "turn"

const (
	// DefaultMaxTurnSilence is how long the controller waits for a final
	// transcript after the user stopped speaking.
	DefaultMaxTurnSilence = 2400 * time.Millisecond

	// DefaultTieWindow is how soon after resumed speech a final transcript
	// still completes the pending turn.
	DefaultTieWindow = 250 * time.Millisecond
)

// State is a turn-taking state.
type State int

const (
	// Idle means nobody is speaking and no response is in flight.
	Idle State = iota

	// UserSpeaking means voice activity is in progress.
	UserSpeaking

	// UserSilence means the user paused and the turn waits for its final
	// transcript.
	UserSilence

	// BotGenerating means a user turn completed and the response has not
	// produced audio yet.
	BotGenerating

	// BotSpeaking means response audio is being played out.
	BotSpeaking

	// Closed is terminal.
	Closed
)

// String returns the state name.
func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case UserSpeaking:
		return "user_speaking"
	case UserSilence:
		return "user_silence"
	case BotGenerating:
		return "bot_generating"
	case BotSpeaking:
		return "bot_speaking"
	case Closed:
		return "closed"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Config tunes the controller.
type Config struct {
	// AllowInterruptions enables barge-in while the bot responds.
	AllowInterruptions bool

	// MaxTurnSilence forces the end of a user turn when no final transcript
	// arrives in time. Zero selects DefaultMaxTurnSilence.
	MaxTurnSilence time.Duration

	// TieWindow is the period after resumed speech during which a final
	// transcript completes the pending turn. Zero disables the tie-break.
	TieWindow time.Duration

	// VAD configures the voice activity session.
	VAD vad.Config
}

// DefaultConfig returns the conversational defaults for audio at sampleRate.
func DefaultConfig(sampleRate int) Config {
	return Config{
		AllowInterruptions: true,
		MaxTurnSilence:     DefaultMaxTurnSilence,
		TieWindow:          DefaultTieWindow,
		VAD:                vad.DefaultConfig(sampleRate),
	}
}

// Option is a functional option for [New].
type Option func(*Controller)

// WithLogger sets the controller's logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Controller) { c.log = l }
}

// WithClock replaces time.Now for the tie-break window.
func WithClock(now func() time.Time) Option {
	return func(c *Controller) { c.now = now }
}

// WithTransitionHook registers fn to be called after every state change. fn
// runs with the controller's lock held and must not call back into it.
func WithTransitionHook(fn func(from, to State)) Option {
	return func(c *Controller) { c.onTransition = fn }
}

// Controller is the turn-taking stage. Create with [New].
type Controller struct {
	cfg    Config
	engine vad.Engine
	log    *slog.Logger
	now    func() time.Time

	onTransition func(from, to State)

	mu    sync.Mutex
	state State
	vad   vad.SessionHandle
	ctx   context.Context
	out   pipeline.Outbox

	turnID      uint64
	hasText     bool
	hasFinal    bool
	interrupted bool
	resumedAt   time.Time

	timer    *time.Timer
	timerGen uint64
}

// New returns a Controller. engine may be nil, in which case turns are
// driven by final transcripts alone.
func New(engine vad.Engine, cfg Config, opts ...Option) *Controller {
	if cfg.MaxTurnSilence <= 0 {
		cfg.MaxTurnSilence = DefaultMaxTurnSilence
	}
	c := &Controller{
		cfg:    cfg,
		engine: engine,
		log:    slog.Default(),
		now:    time.Now,
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Name implements pipeline.Stage.
func (c *Controller) Name() string { return Name }

// State returns the current state.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Start opens the VAD session and keeps out for timer-driven emissions.
func (c *Controller) Start(ctx context.Context, out pipeline.Outbox) error {
	var sess vad.SessionHandle
	if c.engine != nil {
		s, err := c.engine.NewSession(c.cfg.VAD)
		if err != nil {
			return fmt.Errorf("turn: open vad session: %w", err)
		}
		sess = s
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ctx, c.out, c.vad = ctx, out, sess
	return nil
}

// Close stops the silence timer, releases the VAD session and moves the
// controller to [Closed]. Safe to call more than once.
func (c *Controller) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == Closed {
		return nil
	}
	c.stopTimerLocked()
	c.setState(Closed)
	if c.vad == nil {
		return nil
	}
	err := c.vad.Close()
	c.vad = nil
	if err != nil && !errors.Is(err, vad.ErrSessionClosed) {
		return fmt.Errorf("turn: close vad session: %w", err)
	}
	return nil
}

// Process implements pipeline.Stage.
func (c *Controller) Process(ctx context.Context, f frame.Frame, dir pipeline.Direction, out pipeline.Outbox) error {
	switch f := f.(type) {
	case *frame.AudioChunk:
		if err := c.emit(ctx, out, c.detect(f)); err != nil {
			return err
		}
		return pipeline.Forward(ctx, f, dir, out)
	case *frame.TranscriptionDelta:
		if dir == pipeline.Upstream {
			return c.emit(ctx, out, c.onTranscription(f))
		}
	case *frame.BotStartedSpeaking:
		if dir == pipeline.Upstream {
			c.onBotStarted()
			return nil
		}
	case *frame.EndOfTurn:
		if f.Role == frame.RoleAssistant {
			return c.emit(ctx, out, c.onBotTurnEnd())
		}
		return nil
	case *frame.EndOfStream:
		if f.Err != nil {
			c.onStreamError(f)
		}
		return nil
	}
	return pipeline.Forward(ctx, f, dir, out)
}

// detect runs VAD on one chunk and applies the resulting event.
func (c *Controller) detect(f *frame.AudioChunk) []frame.Frame {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.vad == nil || c.state == Closed {
		return nil
	}
	ev, err := c.vad.ProcessFrame(f.Data)
	if err != nil {
		c.log.Warn("turn: vad failed", "err", err)
		return nil
	}
	switch ev.Type {
	case vad.EventSpeechStart:
		return c.speechStartLocked()
	case vad.EventSpeechEnd:
		return c.speechEndLocked()
	}
	return nil
}

func (c *Controller) speechStartLocked() []frame.Frame {
	switch c.state {
	case Idle:
		c.turnID++
		c.setState(UserSpeaking)
		return []frame.Frame{frame.NewUserStartedSpeaking()}
	case UserSilence:
		c.stopTimerLocked()
		c.resumedAt = c.now()
		c.setState(UserSpeaking)
		return []frame.Frame{frame.NewUserStartedSpeaking()}
	case BotGenerating, BotSpeaking:
		if !c.cfg.AllowInterruptions {
			c.log.Debug("turn: speech during bot response ignored", "state", c.state)
			return nil
		}
		c.turnID++
		c.resetTurnLocked()
		c.interrupted = true
		c.setState(UserSpeaking)
		c.log.Debug("turn: user interrupted bot", "turn_id", c.turnID)
		return []frame.Frame{
			frame.NewStartInterruption(),
			frame.NewCancel("user interruption"),
			frame.NewUserStartedSpeaking(),
		}
	}
	return nil
}

func (c *Controller) speechEndLocked() []frame.Frame {
	if c.state != UserSpeaking {
		return nil
	}
	c.resumedAt = time.Time{}
	emitted := []frame.Frame{frame.NewUserStoppedSpeaking()}
	if c.interrupted {
		c.interrupted = false
		emitted = append(emitted, frame.NewStopInterruption())
	}
	if c.hasFinal {
		return append(emitted, c.completeLocked(false)...)
	}
	c.setState(UserSilence)
	c.armTimerLocked()
	return emitted
}

func (c *Controller) onTranscription(f *frame.TranscriptionDelta) []frame.Frame {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == Closed {
		return nil
	}
	if strings.TrimSpace(f.Text) != "" {
		c.hasText = true
	}
	if !f.IsFinal {
		return nil
	}

	switch c.state {
	case Idle:
		// Finals without detected voice activity still end a turn.
		c.turnID++
		return c.completeLocked(false)
	case UserSilence:
		return c.completeLocked(false)
	case UserSpeaking:
		if c.withinTieWindowLocked() {
			// The final belongs to the turn that was pending when speech
			// resumed, so that turn completes. Finals of the resumed speech
			// are answered once the response ends.
			return c.completeLocked(false)
		}
		c.hasFinal = true
	default:
		c.hasFinal = true
	}
	return nil
}

func (c *Controller) withinTieWindowLocked() bool {
	if c.cfg.TieWindow <= 0 || c.resumedAt.IsZero() {
		return false
	}
	return c.now().Sub(c.resumedAt) <= c.cfg.TieWindow
}

func (c *Controller) onBotStarted() {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch c.state {
	case BotGenerating:
		c.setState(BotSpeaking)
	case Idle:
		// An unprompted response, such as the greeting.
		c.setState(BotSpeaking)
	case BotSpeaking:
	default:
		c.log.Debug("turn: ignoring event",
			"kind", pipeline.ProtocolViolation,
			"event", "bot_started_speaking",
			"state", c.state,
		)
	}
}

func (c *Controller) onBotTurnEnd() []frame.Frame {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != BotGenerating && c.state != BotSpeaking {
		return nil
	}
	c.setState(Idle)
	if c.hasFinal {
		// Speech that was not treated as a barge-in still gets an answer.
		c.turnID++
		return c.completeLocked(false)
	}
	return nil
}

func (c *Controller) onStreamError(f *frame.EndOfStream) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == Closed || c.state == Idle {
		return
	}
	c.log.Debug("turn: stream failed, returning to idle", "origin", f.Origin, "err", f.Err)
	c.stopTimerLocked()
	c.resetTurnLocked()
	c.interrupted = false
	c.setState(Idle)
}

// completeLocked ends the current user turn. A forced turn without any
// transcribed text is dropped silently.
func (c *Controller) completeLocked(forced bool) []frame.Frame {
	c.stopTimerLocked()
	hasText := c.hasText
	c.resetTurnLocked()
	if forced && !hasText {
		c.log.Debug("turn: silence timeout without transcript", "turn_id", c.turnID)
		c.setState(Idle)
		return nil
	}
	c.setState(BotGenerating)
	return []frame.Frame{frame.NewEndOfTurn(frame.RoleUser, c.turnID, forced)}
}

func (c *Controller) resetTurnLocked() {
	c.hasText = false
	c.hasFinal = false
	c.resumedAt = time.Time{}
}

func (c *Controller) armTimerLocked() {
	c.stopTimerLocked()
	gen := c.timerGen
	c.timer = time.AfterFunc(c.cfg.MaxTurnSilence, func() { c.onSilenceTimeout(gen) })
}

func (c *Controller) stopTimerLocked() {
	c.timerGen++
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
}

func (c *Controller) onSilenceTimeout(gen uint64) {
	c.mu.Lock()
	if gen != c.timerGen || c.state != UserSilence {
		c.mu.Unlock()
		return
	}
	c.log.Debug("turn: max turn silence reached", "turn_id", c.turnID, "timeout", c.cfg.MaxTurnSilence)
	emitted := c.completeLocked(true)
	ctx, out := c.ctx, c.out
	c.mu.Unlock()

	if out == nil || len(emitted) == 0 {
		return
	}
	if err := c.emit(ctx, out, emitted); err != nil && !errors.Is(err, pipeline.ErrClosed) {
		c.log.Warn("turn: forced end of turn not delivered", "err", err)
	}
}

func (c *Controller) setState(to State) {
	from := c.state
	if from == to {
		return
	}
	c.state = to
	c.log.Debug("turn: transition", "from", from, "to", to, "turn_id", c.turnID)
	if c.onTransition != nil {
		c.onTransition(from, to)
	}
}

// emit sends frames downstream in order. Control frames are broadcast by the
// outbox.
func (c *Controller) emit(ctx context.Context, out pipeline.Outbox, frames []frame.Frame) error {
	for _, f := range frames {
		if err := out.Downstream(ctx, f); err != nil {
			return err
		}
	}
	return nil
}

var (
	_ pipeline.Stage   = (*Controller)(nil)
	_ pipeline.Starter = (*Controller)(nil)
)
