package stages

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/425732441/full-duplex-voice-demo/internal/observe"
	"github.com/425732441/full-duplex-voice-demo/internal/pipeline"
	"github.com/425732441/full-duplex-voice-demo/pkg/audio"
	"github.com/425732441/full-duplex-voice-demo/pkg/frame"
	"github.com/425732441/full-duplex-voice-demo/pkg/provider/tts"
	"github.com/425732441/full-duplex-voice-demo/pkg/sentence"
)

// TTSName is the stage name of the synthesis stage.
const TTSName = "tts"

// DefaultSynthesisTimeout bounds one response's synthesis stream.
const DefaultSynthesisTimeout = 2 * time.Minute

// TTSConfig configures the synthesis stage.
type TTSConfig struct {
	Voice tts.VoiceProfile

	// Timeout bounds one synthesis stream. Defaults to
	// DefaultSynthesisTimeout.
	Timeout time.Duration

	// ProviderName labels provider metrics. Defaults to "tts".
	ProviderName string

	Metrics *observe.Metrics
	Logger  *slog.Logger
}

// TTS speaks the streamed reply. TextDelta fragments are cut into sentences
// and fed to one synthesis stream per response; the audio comes out as
// SynthesizedAudioChunk frames followed by ResponseEnd once the stream has
// drained. TextDelta frames are forwarded unchanged.
type TTS struct {
	provider tts.Provider
	cfg      TTSConfig
	log      *slog.Logger

	mu      sync.Mutex
	agg     sentence.Aggregator
	cur     *synthesis
	streams map[*synthesis]struct{}
	epoch   uint64
	wg      sync.WaitGroup

	// epochCtx parents every stream opened in the current epoch, including
	// one still being opened. Interrupt cancels it.
	epochCtx    context.Context
	epochCancel context.CancelFunc
}

// synthesis is one response's stream.
type synthesis struct {
	ctx    context.Context
	cancel context.CancelFunc
	text   chan string
	start  time.Time

	// ended is closed when the response's text is complete.
	ended chan struct{}
	// dead is closed when the provider's audio channel closes.
	dead chan struct{}
}

// NewTTS returns a synthesis stage backed by p.
func NewTTS(p tts.Provider, cfg TTSConfig) *TTS {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultSynthesisTimeout
	}
	if cfg.ProviderName == "" {
		cfg.ProviderName = TTSName
	}
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	return &TTS{provider: p, cfg: cfg, log: log, streams: make(map[*synthesis]struct{})}
}

// Name implements pipeline.Stage.
func (*TTS) Name() string { return TTSName }

// Process implements pipeline.Stage.
func (t *TTS) Process(ctx context.Context, f frame.Frame, dir pipeline.Direction, out pipeline.Outbox) error {
	if dir != pipeline.Downstream {
		return pipeline.Forward(ctx, f, dir, out)
	}
	switch f := f.(type) {
	case *frame.TextDelta:
		t.mu.Lock()
		sentences := t.agg.Push(f.Text)
		t.mu.Unlock()
		if err := t.speak(ctx, sentences, out); err != nil {
			return err
		}
		return out.Downstream(ctx, f)

	case *frame.ResponseEnd:
		t.mu.Lock()
		rest := t.agg.Flush()
		t.mu.Unlock()
		if rest != "" {
			if err := t.speak(ctx, []string{rest}, out); err != nil {
				return err
			}
		}
		t.mu.Lock()
		s := t.cur
		t.cur = nil
		t.mu.Unlock()
		if s == nil {
			// Nothing was spoken.
			return out.Downstream(ctx, f)
		}
		close(s.text)
		close(s.ended)
		return nil
	}
	return pipeline.Forward(ctx, f, dir, out)
}

// speak sends sentences to the current stream, opening one if needed.
func (t *TTS) speak(ctx context.Context, sentences []string, out pipeline.Outbox) error {
	if len(sentences) == 0 {
		return nil
	}
	t.mu.Lock()
	s, epoch := t.cur, t.epoch
	if t.epochCtx == nil {
		t.epochCtx, t.epochCancel = context.WithCancel(ctx)
	}
	ectx := t.epochCtx
	t.mu.Unlock()

	if s == nil {
		var err error
		if s, err = t.open(ctx, ectx, epoch, out); err != nil || s == nil {
			return err
		}
	}
	for _, text := range sentences {
		select {
		case s.text <- text:
		case <-s.dead:
			return nil
		case <-s.ctx.Done():
			return nil
		}
	}
	return nil
}

// open starts a synthesis stream under ectx. It returns nil without error
// when an interruption arrived while the stream was being opened; the
// interruption also cancels the open itself.
func (t *TTS) open(ctx, ectx context.Context, epoch uint64, out pipeline.Outbox) (*synthesis, error) {
	sctx, cancel := context.WithTimeout(ectx, t.cfg.Timeout)
	s := &synthesis{
		ctx:    sctx,
		cancel: cancel,
		text:   make(chan string, 16),
		start:  time.Now(),
		ended:  make(chan struct{}),
		dead:   make(chan struct{}),
	}
	audioCh, err := t.provider.SynthesizeStream(sctx, s.text, t.cfg.Voice)
	if err != nil {
		cancel()
		if ectx.Err() != nil {
			return nil, nil
		}
		t.recordRequest(ctx, err)
		return nil, pipeline.NewError(pipeline.ProviderError, TTSName, fmt.Errorf("tts: start stream: %w", err))
	}
	t.recordRequest(ctx, nil)

	t.mu.Lock()
	if t.epoch != epoch {
		t.mu.Unlock()
		cancel()
		go audio.Drain(audioCh)
		return nil, nil
	}
	t.cur = s
	t.streams[s] = struct{}{}
	t.wg.Add(1)
	t.mu.Unlock()

	go t.pump(ctx, s, audioCh, out)
	return s, nil
}

// pump relays one stream's audio. ResponseEnd follows the last chunk, and
// only once the response's text is complete. Everything is emitted with the
// stream context, which an interruption cancels inside its broadcast sweep.
func (t *TTS) pump(ctx context.Context, s *synthesis, audioCh <-chan []byte, out pipeline.Outbox) {
	defer t.wg.Done()
	defer t.release(s)

	rate := t.provider.SampleRate()
	first := true
	for chunk := range audioCh {
		if !t.live(s) {
			audio.Drain(audioCh)
			return
		}
		if len(chunk) == 0 {
			continue
		}
		if first {
			first = false
			if t.cfg.Metrics != nil {
				t.cfg.Metrics.RecordTTFB(ctx, TTSName, time.Since(s.start))
			}
		}
		if err := out.Downstream(s.ctx, frame.NewSynthesizedAudioChunk(chunk, rate)); err != nil {
			audio.Drain(audioCh)
			return
		}
	}
	close(s.dead)

	select {
	case <-s.ended:
	default:
		if s.ctx.Err() == nil {
			// The provider gave up before the text was complete; the reply
			// is cut short but the response still ends.
			t.log.Warn("tts: audio stream ended early")
			if t.cfg.Metrics != nil {
				t.cfg.Metrics.RecordProviderError(ctx, t.cfg.ProviderName, "tts")
			}
			out.Report(pipeline.NewError(pipeline.ProviderError, TTSName, errors.New("tts: audio stream ended before the text")))
		}
		select {
		case <-s.ended:
		case <-s.ctx.Done():
		}
	}

	if err := s.ctx.Err(); err != nil {
		if errors.Is(err, context.DeadlineExceeded) && t.live(s) {
			out.Fail(pipeline.NewError(pipeline.ProviderError, TTSName, fmt.Errorf("tts: synthesis exceeded %s", t.cfg.Timeout)))
		}
		return
	}
	if t.cfg.Metrics != nil {
		t.cfg.Metrics.RecordProcessing(ctx, TTSName, time.Since(s.start))
	}
	if t.live(s) {
		_ = out.Downstream(s.ctx, frame.NewResponseEnd())
	}
}

func (t *TTS) live(s *synthesis) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.streams[s]
	return ok
}

func (t *TTS) release(s *synthesis) {
	t.mu.Lock()
	delete(t.streams, s)
	if t.cur == s {
		t.cur = nil
	}
	t.mu.Unlock()
	s.cancel()
}

func (t *TTS) recordRequest(ctx context.Context, err error) {
	if t.cfg.Metrics == nil {
		return
	}
	status := "ok"
	if err != nil {
		status = "error"
	}
	t.cfg.Metrics.RecordProviderRequest(ctx, t.cfg.ProviderName, "tts", status)
}

// Interrupt cancels every stream, including one being opened, and discards
// buffered text.
func (t *TTS) Interrupt(frame.Frame) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.epoch++
	if t.epochCancel != nil {
		t.epochCancel()
		t.epochCtx, t.epochCancel = nil, nil
	}
	t.agg.Reset()
	t.cur = nil
	for s := range t.streams {
		s.cancel()
		delete(t.streams, s)
	}
}

// Close cancels every stream and waits for the relays to exit.
func (t *TTS) Close() error {
	t.Interrupt(nil)
	t.wg.Wait()
	return nil
}

var (
	_ pipeline.Stage       = (*TTS)(nil)
	_ pipeline.Interrupter = (*TTS)(nil)
)
