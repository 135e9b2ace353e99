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
	"github.com/425732441/full-duplex-voice-demo/pkg/provider/llm"
)

// LLMName is the stage name of the generation stage.
const LLMName = "llm"

// DefaultGenerationTimeout bounds a single completion.
const DefaultGenerationTimeout = 30 * time.Second

// LLMConfig configures the generation stage.
type LLMConfig struct {
	// SystemPrompt is prepended to every request.
	SystemPrompt string

	Temperature float64
	MaxTokens   int

	// Timeout bounds one completion. Defaults to DefaultGenerationTimeout.
	Timeout time.Duration

	// Apology, if non-empty, is spoken when a completion fails. The failure
	// is then reported without ending the stream.
	Apology string

	// ProviderName labels provider metrics. Defaults to "llm".
	ProviderName string

	// UsageMetrics, if set, records the token counts the provider reports.
	UsageMetrics *observe.Metrics

	Metrics *observe.Metrics
	Logger  *slog.Logger
}

// LLM turns every ContextSnapshot into a streamed reply: a run of TextDelta
// frames closed by ResponseEnd. At most one generation is in flight; a new
// snapshot or an interruption cancels the previous one.
type LLM struct {
	provider llm.Provider
	cfg      LLMConfig
	log      *slog.Logger

	mu     sync.Mutex
	gen    uint64
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewLLM returns a generation stage backed by p.
func NewLLM(p llm.Provider, cfg LLMConfig) *LLM {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultGenerationTimeout
	}
	if cfg.ProviderName == "" {
		cfg.ProviderName = LLMName
	}
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	return &LLM{provider: p, cfg: cfg, log: log}
}

// Name implements pipeline.Stage.
func (*LLM) Name() string { return LLMName }

// Process implements pipeline.Stage.
func (l *LLM) Process(ctx context.Context, f frame.Frame, dir pipeline.Direction, out pipeline.Outbox) error {
	snap, ok := f.(*frame.ContextSnapshot)
	if !ok || dir != pipeline.Downstream {
		return pipeline.Forward(ctx, f, dir, out)
	}

	l.mu.Lock()
	if l.cancel != nil {
		l.cancel()
	}
	l.gen++
	gen := l.gen
	genCtx, cancel := context.WithTimeout(ctx, l.cfg.Timeout)
	l.cancel = cancel
	l.mu.Unlock()

	l.wg.Add(1)
	go func() {
		defer l.wg.Done()
		defer cancel()
		l.generate(ctx, genCtx, gen, l.request(snap), out)
	}()
	return nil
}

func (l *LLM) request(snap *frame.ContextSnapshot) llm.CompletionRequest {
	turns := snap.Turns()
	msgs := make([]llm.Message, 0, len(turns))
	for _, t := range turns {
		msgs = append(msgs, llm.Message{Role: string(t.Role), Content: t.Content})
	}
	return llm.CompletionRequest{
		Messages:     msgs,
		SystemPrompt: l.cfg.SystemPrompt,
		Temperature:  l.cfg.Temperature,
		MaxTokens:    l.cfg.MaxTokens,
	}
}

// generate streams one completion. Frames are emitted with genCtx so that an
// interruption, which cancels genCtx inside the broadcast sweep, also rejects
// any emission that loses the race against it.
func (l *LLM) generate(ctx, genCtx context.Context, gen uint64, req llm.CompletionRequest, out pipeline.Outbox) {
	start := time.Now()
	ch, err := l.provider.StreamCompletion(genCtx, req)
	l.recordRequest(ctx, err)
	if err != nil {
		l.failed(ctx, genCtx, gen, err, out)
		return
	}

	first := true
	for chunk := range ch {
		if chunk.IsError() {
			go audio.Drain(ch)
			l.failed(ctx, genCtx, gen, chunk.Err, out)
			return
		}
		if u := chunk.Usage; u != nil && l.cfg.UsageMetrics != nil {
			l.cfg.UsageMetrics.RecordTokenUsage(ctx, l.cfg.ProviderName, u.PromptTokens, u.CompletionTokens)
		}
		if chunk.Text == "" {
			continue
		}
		if first {
			first = false
			if l.cfg.Metrics != nil {
				l.cfg.Metrics.RecordTTFB(ctx, LLMName, time.Since(start))
			}
		}
		if !l.current(gen) {
			go audio.Drain(ch)
			return
		}
		if err := out.Downstream(genCtx, frame.NewTextDelta(chunk.Text)); err != nil {
			go audio.Drain(ch)
			return
		}
	}

	if genCtx.Err() != nil {
		if errors.Is(genCtx.Err(), context.DeadlineExceeded) && l.current(gen) {
			l.failed(ctx, genCtx, gen, fmt.Errorf("llm: generation exceeded %s", l.cfg.Timeout), out)
		}
		return
	}
	if l.cfg.Metrics != nil {
		l.cfg.Metrics.RecordProcessing(ctx, LLMName, time.Since(start))
	}
	if l.current(gen) {
		_ = out.Downstream(genCtx, frame.NewResponseEnd())
	}
}

// failed handles a provider failure of generation gen. Cancellation by an
// interruption or a newer generation is not a failure.
func (l *LLM) failed(ctx, genCtx context.Context, gen uint64, err error, out pipeline.Outbox) {
	if ctx.Err() != nil || !l.current(gen) {
		return
	}
	if errors.Is(genCtx.Err(), context.Canceled) {
		return
	}
	if l.cfg.Metrics != nil {
		l.cfg.Metrics.RecordProviderError(ctx, l.cfg.ProviderName, "llm")
	}
	perr := pipeline.NewError(pipeline.ProviderError, LLMName, err)
	if l.cfg.Apology == "" {
		out.Fail(perr)
		return
	}

	l.log.Warn("llm: completion failed, apologising", "err", err)
	out.Report(perr)

	// The generation context may have expired; the apology gets its own,
	// still cancellable by an interruption.
	l.mu.Lock()
	if l.gen != gen {
		l.mu.Unlock()
		return
	}
	actx, cancel := context.WithTimeout(ctx, l.cfg.Timeout)
	l.cancel = cancel
	l.mu.Unlock()
	defer cancel()

	if err := out.Downstream(actx, frame.NewTextDelta(l.cfg.Apology)); err != nil {
		return
	}
	if l.current(gen) {
		_ = out.Downstream(actx, frame.NewResponseEnd())
	}
}

func (l *LLM) current(gen uint64) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.gen == gen
}

func (l *LLM) recordRequest(ctx context.Context, err error) {
	if l.cfg.Metrics == nil {
		return
	}
	status := "ok"
	if err != nil {
		status = "error"
	}
	l.cfg.Metrics.RecordProviderRequest(ctx, l.cfg.ProviderName, "llm", status)
}

// Interrupt cancels the generation in flight. Called inside the broadcast
// sweep; it only cancels and bumps the generation.
func (l *LLM) Interrupt(frame.Frame) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.gen++
	if l.cancel != nil {
		l.cancel()
		l.cancel = nil
	}
}

// Close cancels any generation and waits for it to finish.
func (l *LLM) Close() error {
	l.Interrupt(nil)
	l.wg.Wait()
	return nil
}

var (
	_ pipeline.Stage       = (*LLM)(nil)
	_ pipeline.Interrupter = (*LLM)(nil)
)
