package main

import (
	"fmt"
	"os"
	"strings"
	"time"

	anyllmlib "github.com/mozilla-ai/any-llm-go"

	"github.com/425732441/full-duplex-voice-demo/internal/config"
	"github.com/425732441/full-duplex-voice-demo/pkg/provider/llm"
	"github.com/425732441/full-duplex-voice-demo/pkg/provider/llm/anyllm"
	"github.com/425732441/full-duplex-voice-demo/pkg/provider/llm/openai"
	"github.com/425732441/full-duplex-voice-demo/pkg/provider/stt"
	"github.com/425732441/full-duplex-voice-demo/pkg/provider/stt/assemblyai"
	"github.com/425732441/full-duplex-voice-demo/pkg/provider/stt/deepgram"
	"github.com/425732441/full-duplex-voice-demo/pkg/provider/tts"
	"github.com/425732441/full-duplex-voice-demo/pkg/provider/tts/cartesia"
	"github.com/425732441/full-duplex-voice-demo/pkg/provider/tts/elevenlabs"
	"github.com/425732441/full-duplex-voice-demo/pkg/provider/vad"
	"github.com/425732441/full-duplex-voice-demo/pkg/provider/vad/energy"
)

// apiKey returns the configured key, falling back to the conventional
// environment variable for the provider (e.g. CARTESIA_API_KEY).
func apiKey(entry config.ProviderEntry) string {
	if entry.APIKey != "" {
		return entry.APIKey
	}
	return os.Getenv(strings.ToUpper(entry.Name) + "_API_KEY")
}

// registerBuiltinProviders wires every provider implementation into reg.
// STT factories open streams at the pipeline's input rate and TTS factories
// synthesize at its output rate.
func registerBuiltinProviders(reg *config.Registry, pipe config.PipelineConfig, lang string) {
	// ── LLM ───────────────────────────────────────────────────────────────────

	openaiOpts := func(entry config.ProviderEntry) []openai.Option {
		var opts []openai.Option
		if entry.BaseURL != "" {
			opts = append(opts, openai.WithBaseURL(entry.BaseURL))
		}
		if org := config.OptString(entry.Options, "organization"); org != "" {
			opts = append(opts, openai.WithOrganization(org))
		}
		if secs := config.OptInt(entry.Options, "timeout_seconds"); secs > 0 {
			opts = append(opts, openai.WithTimeout(time.Duration(secs)*time.Second))
		}
		if _, ok := entry.Options["max_retries"]; ok {
			opts = append(opts, openai.WithMaxRetries(config.OptInt(entry.Options, "max_retries")))
		}
		return opts
	}
	reg.RegisterLLM("openrouter", func(entry config.ProviderEntry) (llm.Provider, error) {
		return openai.NewOpenRouter(apiKey(entry), entry.Model, openaiOpts(entry)...)
	})

	// The OpenAI backend goes through openai-go directly; the remaining
	// vendors share the any-llm adapter.
	reg.RegisterLLM("openai", func(entry config.ProviderEntry) (llm.Provider, error) {
		return openai.New(apiKey(entry), entry.Model, openaiOpts(entry)...)
	})
	for _, backend := range anyllm.Backends {
		if backend == "openai" {
			continue
		}
		reg.RegisterLLM(backend, func(entry config.ProviderEntry) (llm.Provider, error) {
			var opts []anyllmlib.Option
			if key := apiKey(entry); key != "" {
				opts = append(opts, anyllmlib.WithAPIKey(key))
			}
			if entry.BaseURL != "" {
				opts = append(opts, anyllmlib.WithBaseURL(entry.BaseURL))
			}
			return anyllm.New(backend, entry.Model, opts...)
		})
	}

	// ── STT ───────────────────────────────────────────────────────────────────

	reg.RegisterSTT("assemblyai", func(entry config.ProviderEntry) (stt.Provider, error) {
		opts := []assemblyai.Option{assemblyai.WithSampleRate(pipe.InputSampleRate)}
		if entry.BaseURL != "" {
			opts = append(opts, assemblyai.WithEndpoint(entry.BaseURL))
		}
		if v, ok := entry.Options["format_turns"].(bool); ok {
			opts = append(opts, assemblyai.WithFormatTurns(v))
		}
		return assemblyai.New(apiKey(entry), opts...)
	})

	reg.RegisterSTT("deepgram", func(entry config.ProviderEntry) (stt.Provider, error) {
		opts := []deepgram.Option{deepgram.WithSampleRate(pipe.InputSampleRate)}
		if entry.Model != "" {
			opts = append(opts, deepgram.WithModel(entry.Model))
		}
		if l := config.OptString(entry.Options, "language"); l != "" {
			opts = append(opts, deepgram.WithLanguage(l))
		} else if lang != "" {
			opts = append(opts, deepgram.WithLanguage(lang))
		}
		if entry.BaseURL != "" {
			opts = append(opts, deepgram.WithEndpoint(entry.BaseURL))
		}
		return deepgram.New(apiKey(entry), opts...)
	})

	// ── TTS ───────────────────────────────────────────────────────────────────

	reg.RegisterTTS("cartesia", func(entry config.ProviderEntry) (tts.Provider, error) {
		opts := []cartesia.Option{cartesia.WithSampleRate(pipe.OutputSampleRate)}
		if entry.Model != "" {
			opts = append(opts, cartesia.WithModel(entry.Model))
		}
		if lang != "" {
			opts = append(opts, cartesia.WithLanguage(lang))
		}
		if entry.BaseURL != "" {
			opts = append(opts, cartesia.WithEndpoint(entry.BaseURL))
		}
		if v := config.OptString(entry.Options, "version"); v != "" {
			opts = append(opts, cartesia.WithVersion(v))
		}
		return cartesia.New(apiKey(entry), opts...)
	})

	reg.RegisterTTS("elevenlabs", func(entry config.ProviderEntry) (tts.Provider, error) {
		format := config.OptString(entry.Options, "output_format")
		if format == "" {
			format = fmt.Sprintf("pcm_%d", pipe.OutputSampleRate)
		}
		opts := []elevenlabs.Option{elevenlabs.WithOutputFormat(format)}
		if entry.Model != "" {
			opts = append(opts, elevenlabs.WithModel(entry.Model))
		}
		if entry.BaseURL != "" {
			opts = append(opts, elevenlabs.WithBaseURL(entry.BaseURL))
		}
		return elevenlabs.New(apiKey(entry), opts...)
	})

	// ── VAD ───────────────────────────────────────────────────────────────────

	reg.RegisterVAD("energy", func(entry config.ProviderEntry) (vad.Engine, error) {
		var opts []energy.Option
		_, hasFloor := entry.Options["floor_db"]
		_, hasCeil := entry.Options["ceiling_db"]
		if hasFloor || hasCeil {
			opts = append(opts, energy.WithRange(
				config.OptFloat(entry.Options, "floor_db"),
				config.OptFloat(entry.Options, "ceiling_db"),
			))
		}
		return energy.New(opts...)
	})
}
