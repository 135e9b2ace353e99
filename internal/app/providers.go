package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/425732441/full-duplex-voice-demo/internal/config"
	"github.com/425732441/full-duplex-voice-demo/internal/observe"
	"github.com/425732441/full-duplex-voice-demo/internal/resilience"
	"github.com/425732441/full-duplex-voice-demo/pkg/provider/llm"
	"github.com/425732441/full-duplex-voice-demo/pkg/provider/stt"
	"github.com/425732441/full-duplex-voice-demo/pkg/provider/tts"
	"github.com/425732441/full-duplex-voice-demo/pkg/provider/vad"
)

// Providers holds one interface value per provider slot. Sessions share them;
// each session opens its own streams.
type Providers struct {
	LLM llm.Provider
	STT stt.Provider
	TTS tts.Provider
	VAD vad.Engine
}

// Check reports an error naming every empty slot. It backs the readiness probe.
func (p *Providers) Check(context.Context) error {
	if p == nil {
		return errors.New("providers not built")
	}
	var errs []error
	if p.LLM == nil {
		errs = append(errs, errors.New("llm not configured"))
	}
	if p.STT == nil {
		errs = append(errs, errors.New("stt not configured"))
	}
	if p.TTS == nil {
		errs = append(errs, errors.New("tts not configured"))
	}
	if p.VAD == nil {
		errs = append(errs, errors.New("vad not configured"))
	}
	return errors.Join(errs...)
}

// BuildProviders instantiates the providers named in cfg through reg. LLM,
// STT and TTS slots are wrapped in fallback groups, one circuit breaker per
// entry, with breaker transitions recorded on metrics.
func BuildProviders(cfg config.ProvidersConfig, reg *config.Registry, metrics *observe.Metrics, log *slog.Logger) (*Providers, error) {
	if log == nil {
		log = slog.Default()
	}
	if metrics == nil {
		metrics = observe.DefaultMetrics()
	}
	fb := resilience.FallbackConfig{CircuitBreaker: resilience.CircuitBreakerConfig{
		MaxFailures:  cfg.CircuitBreaker.MaxFailures,
		ResetTimeout: cfg.CircuitBreaker.ResetTimeout,
		OnStateChange: func(name string, from, to resilience.State) {
			log.Warn("circuit breaker state changed", "provider", name, "from", from.String(), "to", to.String())
			metrics.RecordCircuitTransition(context.Background(), name, to.String())
		},
	}}

	ps := &Providers{}

	primaryLLM, err := reg.CreateLLM(cfg.LLM)
	if err != nil {
		return nil, fmt.Errorf("app: create llm provider %q: %w", cfg.LLM.Name, err)
	}
	llmGroup := resilience.NewLLMFallback(primaryLLM, "llm/"+cfg.LLM.Name, fb)
	for _, e := range cfg.LLMFallbacks {
		p, err := reg.CreateLLM(e)
		if err != nil {
			return nil, fmt.Errorf("app: create llm fallback %q: %w", e.Name, err)
		}
		llmGroup.AddFallback("llm/"+e.Name, p)
	}
	ps.LLM = llmGroup
	log.Info("provider created", "kind", "llm", "name", cfg.LLM.Name, "model", cfg.LLM.Model, "fallbacks", len(cfg.LLMFallbacks))

	primarySTT, err := reg.CreateSTT(cfg.STT)
	if err != nil {
		return nil, fmt.Errorf("app: create stt provider %q: %w", cfg.STT.Name, err)
	}
	sttGroup := resilience.NewSTTFallback(primarySTT, "stt/"+cfg.STT.Name, fb)
	for _, e := range cfg.STTFallbacks {
		p, err := reg.CreateSTT(e)
		if err != nil {
			return nil, fmt.Errorf("app: create stt fallback %q: %w", e.Name, err)
		}
		sttGroup.AddFallback("stt/"+e.Name, p)
	}
	ps.STT = sttGroup
	log.Info("provider created", "kind", "stt", "name", cfg.STT.Name, "fallbacks", len(cfg.STTFallbacks))

	primaryTTS, err := reg.CreateTTS(cfg.TTS)
	if err != nil {
		return nil, fmt.Errorf("app: create tts provider %q: %w", cfg.TTS.Name, err)
	}
	ttsGroup := resilience.NewTTSFallback(primaryTTS, "tts/"+cfg.TTS.Name, fb)
	for _, e := range cfg.TTSFallbacks {
		p, err := reg.CreateTTS(e)
		if err != nil {
			return nil, fmt.Errorf("app: create tts fallback %q: %w", e.Name, err)
		}
		if err := ttsGroup.AddFallback("tts/"+e.Name, p); err != nil {
			return nil, err
		}
	}
	ps.TTS = ttsGroup
	log.Info("provider created", "kind", "tts", "name", cfg.TTS.Name, "sample_rate", ttsGroup.SampleRate(), "fallbacks", len(cfg.TTSFallbacks))

	ps.VAD, err = reg.CreateVAD(cfg.VAD)
	if err != nil {
		return nil, fmt.Errorf("app: create vad engine %q: %w", cfg.VAD.Name, err)
	}
	log.Info("provider created", "kind", "vad", "name", cfg.VAD.Name)

	return ps, nil
}
