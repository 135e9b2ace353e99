package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/425732441/full-duplex-voice-demo/internal/config"
	"github.com/425732441/full-duplex-voice-demo/internal/observe"
	"github.com/425732441/full-duplex-voice-demo/internal/task"
	"github.com/425732441/full-duplex-voice-demo/internal/transport"
	"github.com/425732441/full-duplex-voice-demo/pkg/audio"
	"github.com/425732441/full-duplex-voice-demo/pkg/frame"
	"github.com/425732441/full-duplex-voice-demo/pkg/provider/stt"
	"github.com/425732441/full-duplex-voice-demo/pkg/provider/tts"
	"github.com/425732441/full-duplex-voice-demo/pkg/serializer/protobuf"
)

var (
	// ErrRegistryClosed is returned by [SessionRegistry.RunSession] after
	// [SessionRegistry.Close].
	ErrRegistryClosed = errors.New("app: session registry closed")

	// ErrTooManySessions is returned when MaxSessions sessions are live.
	ErrTooManySessions = errors.New("app: too many sessions")
)

// SessionInfo holds metadata about a live session.
type SessionInfo struct {
	// SessionID is the unique identifier for this session.
	SessionID string

	// StartedAt is when the session was started.
	StartedAt time.Time
}

type liveSession struct {
	info SessionInfo
	task *task.Task
}

// SessionRegistryConfig holds the dependencies of a [SessionRegistry].
type SessionRegistryConfig struct {
	Providers *Providers
	Pipeline  config.PipelineConfig

	// Bot returns the persona for a new session. It is called once per
	// session so hot-reloaded values apply to sessions started afterwards.
	Bot func() config.BotConfig

	// MaxSessions caps concurrent sessions. Zero means unlimited.
	MaxSessions int

	Metrics *observe.Metrics
	Logger  *slog.Logger
}

// SessionRegistry runs one [task.Task] per client connection and tracks the
// live ones. All exported methods are safe for concurrent use.
type SessionRegistry struct {
	cfg SessionRegistryConfig
	log *slog.Logger

	mu       sync.Mutex
	sessions map[string]*liveSession
	closed   bool
	wg       sync.WaitGroup
}

// NewSessionRegistry creates a SessionRegistry.
func NewSessionRegistry(cfg SessionRegistryConfig) *SessionRegistry {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Bot == nil {
		def := config.Default().Bot
		cfg.Bot = func() config.BotConfig { return def }
	}
	return &SessionRegistry{
		cfg:      cfg,
		log:      cfg.Logger,
		sessions: make(map[string]*liveSession),
	}
}

// RunSession runs a conversation over conn and blocks until it ends: the
// client disconnects, a fatal error occurs, ctx is cancelled or the registry
// is closed. conn is closed on return. A client disconnect returns nil.
func (r *SessionRegistry) RunSession(ctx context.Context, conn transport.Conn) error {
	id := uuid.NewString()

	// Sessions are built under the lock so Close sees every one.
	r.mu.Lock()
	switch {
	case r.closed:
		r.mu.Unlock()
		conn.Close()
		return ErrRegistryClosed
	case r.cfg.MaxSessions > 0 && len(r.sessions) >= r.cfg.MaxSessions:
		r.mu.Unlock()
		conn.Close()
		return ErrTooManySessions
	}
	t, err := r.newTask(id, conn)
	if err != nil {
		r.mu.Unlock()
		conn.Close()
		return err
	}
	info := SessionInfo{SessionID: id, StartedAt: time.Now().UTC()}
	r.sessions[id] = &liveSession{info: info, task: t}
	r.wg.Add(1)
	r.mu.Unlock()

	defer func() {
		r.mu.Lock()
		delete(r.sessions, id)
		r.mu.Unlock()
		r.wg.Done()
	}()

	r.log.Info("session started", "session_id", id)
	err = t.Run(ctx)
	r.log.Info("session ended", "session_id", id, "duration", time.Since(info.StartedAt).Round(time.Millisecond), "err", err)
	return err
}

func (r *SessionRegistry) newTask(id string, conn transport.Conn) (*task.Task, error) {
	if r.cfg.Providers == nil {
		return nil, errors.New("app: no providers configured")
	}
	p, bot := r.cfg.Pipeline, r.cfg.Bot()

	var seed []frame.Turn
	if bot.SeedMessage != "" {
		seed = []frame.Turn{{Role: frame.RoleUser, Content: bot.SeedMessage}}
	}
	t, err := task.New(task.Params{
		SessionID:          id,
		AllowInterruptions: p.AllowInterruptions,
		QueueSize:          p.QueueSize,
		ControlAckTimeout:  p.ControlAckTimeout,
		MaxTurnSilence:     p.MaxTurnSilence,
		TieWindow:          p.TieWindow,
		InputFormat:        audio.Format{SampleRate: p.InputSampleRate, Channels: p.InputChannels},
		OutputSampleRate:   p.OutputSampleRate,
		SystemPrompt:       bot.SystemPrompt,
		Seed:               seed,
		Apology:            bot.Apology,
		RecordInterrupted:  bot.RecordInterrupted,
		Voice:              tts.VoiceProfile{ID: bot.VoiceID},
		Language:           bot.Language,
		Endpointing: stt.Endpointing{
			EndOfTurnConfidence: p.EndOfTurnConfidence,
			MinEndOfTurnSilence: p.MinEndOfTurnSilence,
			MaxTurnSilence:      p.MaxTurnSilence,
		},
		LLMTimeout:         bot.LLMTimeout,
		Temperature:        bot.Temperature,
		MaxTokens:          bot.MaxTokens,
		EnableMetrics:      p.EnableMetrics,
		EnableUsageMetrics: p.EnableUsageMetrics,
		Metrics:            r.cfg.Metrics,
		Logger:             r.log,
	}, task.Components{
		Conn:       conn,
		Serializer: protobuf.New(p.InputSampleRate, p.InputChannels),
		VAD:        r.cfg.Providers.VAD,
		STT:        r.cfg.Providers.STT,
		LLM:        r.cfg.Providers.LLM,
		TTS:        r.cfg.Providers.TTS,
	})
	if err != nil {
		return nil, fmt.Errorf("app: create session: %w", err)
	}
	return t, nil
}

// Len returns the number of live sessions.
func (r *SessionRegistry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

// Sessions returns the live sessions, oldest first.
func (r *SessionRegistry) Sessions() []SessionInfo {
	r.mu.Lock()
	infos := make([]SessionInfo, 0, len(r.sessions))
	for _, s := range r.sessions {
		infos = append(infos, s.info)
	}
	r.mu.Unlock()
	slices.SortFunc(infos, func(a, b SessionInfo) int { return a.StartedAt.Compare(b.StartedAt) })
	return infos
}

// Accepting reports whether new sessions are accepted.
func (r *SessionRegistry) Accepting() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return !r.closed
}

// Close stops accepting sessions, cancels every live one and waits for them
// to end or ctx to expire.
func (r *SessionRegistry) Close(ctx context.Context) error {
	r.mu.Lock()
	r.closed = true
	live := make([]*task.Task, 0, len(r.sessions))
	for _, s := range r.sessions {
		live = append(live, s.task)
	}
	r.mu.Unlock()

	for _, t := range live {
		t.Cancel()
	}

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("app: waiting for %d sessions: %w", r.Len(), ctx.Err())
	}
}
