// Package stages adapts the streaming STT, LLM and TTS providers to pipeline
// stages.
//
// Every provider call runs under a context owned by the stage. Stages that
// produce bot output implement [pipeline.Interrupter]: the broadcast sweep of
// StartInterruption and Cancel cancels that context synchronously, so a
// suspended provider call aborts at once and nothing it produces afterwards
// can pass the interruption.
package stages

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/425732441/full-duplex-voice-demo/internal/observe"
	"github.com/425732441/full-duplex-voice-demo/internal/pipeline"
	"github.com/425732441/full-duplex-voice-demo/internal/resilience"
	"github.com/425732441/full-duplex-voice-demo/pkg/audio"
	"github.com/425732441/full-duplex-voice-demo/pkg/frame"
	"github.com/425732441/full-duplex-voice-demo/pkg/provider/stt"
)

// STTName is the stage name of the transcription stage.
const STTName = "stt"

// STTConfig configures the transcription stage.
type STTConfig struct {
	// Stream is passed to StartStream. Its SampleRate and Channels define
	// the format audio is converted to.
	Stream stt.StreamConfig

	// Reconnect tunes reopening a session the provider dropped.
	Reconnect resilience.BackoffConfig

	// ProviderName labels provider metrics. Defaults to "stt".
	ProviderName string

	// Metrics, if set, records provider requests and errors.
	Metrics *observe.Metrics

	// Logger defaults to slog.Default.
	Logger *slog.Logger
}

// STT streams inbound audio to a speech-to-text session and emits every
// transcript both downstream, for the user aggregator, and upstream, for the
// turn controller. Audio is consumed here and not forwarded.
type STT struct {
	provider stt.Provider
	cfg      STTConfig
	log      *slog.Logger
	conv     *audio.Converter

	mu     sync.Mutex
	sess   stt.SessionHandle
	closed bool
	wg     sync.WaitGroup
}

// NewSTT returns a transcription stage backed by p.
func NewSTT(p stt.Provider, cfg STTConfig) *STT {
	if cfg.Stream.Channels == 0 {
		cfg.Stream.Channels = 1
	}
	if cfg.ProviderName == "" {
		cfg.ProviderName = STTName
	}
	if cfg.Reconnect.Name == "" {
		cfg.Reconnect.Name = STTName
	}
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	return &STT{
		provider: p,
		cfg:      cfg,
		log:      log,
		conv:     audio.NewConverter(audio.Format{SampleRate: cfg.Stream.SampleRate, Channels: cfg.Stream.Channels}),
	}
}

// Name implements pipeline.Stage.
func (*STT) Name() string { return STTName }

// Start opens the first session and starts the transcript listener.
func (s *STT) Start(ctx context.Context, out pipeline.Outbox) error {
	sess, err := s.provider.StartStream(ctx, s.cfg.Stream)
	s.recordRequest(ctx, err)
	if err != nil {
		return fmt.Errorf("stt: start stream: %w", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		_ = sess.Close()
		return errors.New("stt: stage is closed")
	}
	s.sess = sess
	s.wg.Add(1)
	go s.listen(ctx, sess, out)
	return nil
}

// Process implements pipeline.Stage.
func (s *STT) Process(ctx context.Context, f frame.Frame, dir pipeline.Direction, out pipeline.Outbox) error {
	chunk, ok := f.(*frame.AudioChunk)
	if !ok || dir != pipeline.Downstream {
		return pipeline.Forward(ctx, f, dir, out)
	}
	pcm := s.conv.Convert(chunk.Data, audio.Format{SampleRate: chunk.SampleRate, Channels: chunk.Channels})
	if len(pcm) == 0 {
		return nil
	}
	s.mu.Lock()
	sess := s.sess
	s.mu.Unlock()
	if sess == nil {
		return nil
	}
	if err := sess.SendAudio(pcm); err != nil {
		// A dropped session is replaced by the listener; audio sent in the
		// meantime is lost.
		if !errors.Is(err, stt.ErrSessionClosed) {
			s.log.Debug("stt: send audio failed", "err", err)
		}
	}
	return nil
}

// listen relays transcripts until the stage closes. When the provider drops
// the session, a new one is opened with backoff; when that fails the stage
// fails.
func (s *STT) listen(ctx context.Context, sess stt.SessionHandle, out pipeline.Outbox) {
	defer s.wg.Done()
	for {
		s.relay(ctx, sess, out)
		if ctx.Err() != nil || s.isClosed() {
			return
		}

		s.log.Warn("stt: session ended unexpectedly, reconnecting")
		if s.cfg.Metrics != nil {
			s.cfg.Metrics.RecordProviderError(ctx, s.cfg.ProviderName, "stt")
		}
		next, err := resilience.Reconnect(ctx, s.cfg.Reconnect, func(ctx context.Context) (stt.SessionHandle, error) {
			sess, err := s.provider.StartStream(ctx, s.cfg.Stream)
			s.recordRequest(ctx, err)
			return sess, err
		})
		if err != nil {
			if ctx.Err() == nil {
				out.Fail(pipeline.NewError(pipeline.ProviderError, STTName, err))
			}
			return
		}

		s.mu.Lock()
		if s.closed {
			s.mu.Unlock()
			_ = next.Close()
			return
		}
		s.sess = next
		s.mu.Unlock()
		sess = next
	}
}

// relay forwards transcripts of one session until both of its channels close.
func (s *STT) relay(ctx context.Context, sess stt.SessionHandle, out pipeline.Outbox) {
	partials, finals := sess.Partials(), sess.Finals()
	for partials != nil || finals != nil {
		var (
			t  stt.Transcript
			ok bool
		)
		select {
		case <-ctx.Done():
			return
		case t, ok = <-partials:
			if !ok {
				partials = nil
				continue
			}
		case t, ok = <-finals:
			if !ok {
				finals = nil
				continue
			}
		}
		if err := s.emit(ctx, t, out); err != nil {
			return
		}
	}
}

func (s *STT) emit(ctx context.Context, t stt.Transcript, out pipeline.Outbox) error {
	text := strings.TrimSpace(t.Text)
	if text == "" {
		return nil
	}
	f := frame.NewTranscriptionDelta(text, t.IsFinal)
	if err := out.Downstream(ctx, f); err != nil {
		return err
	}
	return out.Upstream(ctx, f)
}

func (s *STT) recordRequest(ctx context.Context, err error) {
	if s.cfg.Metrics == nil {
		return
	}
	status := "ok"
	if err != nil {
		status = "error"
	}
	s.cfg.Metrics.RecordProviderRequest(ctx, s.cfg.ProviderName, "stt", status)
}

func (s *STT) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// Close ends the session and waits for the listener. Safe to call more than
// once.
func (s *STT) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	sess := s.sess
	s.sess = nil
	s.mu.Unlock()

	var err error
	if sess != nil {
		err = sess.Close()
	}
	s.wg.Wait()
	if err != nil {
		return fmt.Errorf("stt: close session: %w", err)
	}
	return nil
}

var (
	_ pipeline.Stage   = (*STT)(nil)
	_ pipeline.Starter = (*STT)(nil)
)
