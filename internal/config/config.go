// Package config provides the configuration schema, loader, and provider
// registry for the voicebot server.
package config

import (
	"time"
)

// LogLevel controls log verbosity for the voicebot server.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// IsValid reports whether l is a recognised log level.
func (l LogLevel) IsValid() bool {
	switch l {
	case LogDebug, LogInfo, LogWarn, LogError:
		return true
	}
	return false
}

// WSMode selects where clients open their websocket.
type WSMode string

const (
	// WSModeEmbedded serves the websocket on the HTTP server at /ws.
	WSModeEmbedded WSMode = "embedded"

	// WSModeStandalone serves the websocket on its own listener
	// ([ServerConfig.StandaloneWSAddr]) and /connect points clients there.
	WSModeStandalone WSMode = "standalone"
)

// IsValid reports whether m is a recognised websocket mode.
func (m WSMode) IsValid() bool {
	return m == WSModeEmbedded || m == WSModeStandalone
}

// Defaults applied by [Default] and kept when a YAML file leaves the field out.
const (
	DefaultListenAddr       = ":7860"
	DefaultStandaloneWSAddr = ":8765"
	DefaultInputSampleRate  = 16000
	DefaultOutputSampleRate = 24000
	DefaultLLMModel         = "openai/gpt-4o-mini"
	DefaultVoiceID          = "71a7ad14-091c-4e8e-a314-022ece01c121"

	DefaultSystemPrompt = `You are a friendly, helpful robot.

Your goal is to demonstrate your capabilities in a succinct way.

Your output will be converted to audio so don't include special characters in your answers.

Respond to what the user said in a creative and helpful way. Keep your responses brief. One or two sentences at most.`

	DefaultSeedMessage = "Start by greeting the user warmly and introducing yourself."
)

// Config is the root configuration structure.
// It is typically loaded from a YAML file using [Load] or [LoadFromReader].
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Providers ProvidersConfig `yaml:"providers"`
	Pipeline  PipelineConfig  `yaml:"pipeline"`
	Bot       BotConfig       `yaml:"bot"`
}

// ServerConfig holds network and logging settings.
type ServerConfig struct {
	// ListenAddr is the TCP address the HTTP server listens on (e.g., ":7860").
	ListenAddr string `yaml:"listen_addr"`

	// LogLevel controls verbosity.
	LogLevel LogLevel `yaml:"log_level"`

	// PublicScheme forces the websocket scheme returned by /connect ("ws" or
	// "wss"). Empty picks ws for local hosts and wss otherwise.
	PublicScheme string `yaml:"public_scheme"`

	// WSMode selects embedded (/ws on ListenAddr) or standalone websocket serving.
	WSMode WSMode `yaml:"ws_mode"`

	// StandaloneWSAddr is the listen address used in standalone mode.
	StandaloneWSAddr string `yaml:"standalone_ws_addr"`

	// CORSOrigins lists the allowed browser origins. "*" allows any.
	CORSOrigins []string `yaml:"cors_origins"`

	// TLS configures TLS for the server. When nil, the server runs plain HTTP.
	TLS *TLSConfig `yaml:"tls"`
}

// TLSConfig holds TLS certificate paths for enabling HTTPS.
type TLSConfig struct {
	// CertFile is the path to the PEM-encoded TLS certificate.
	CertFile string `yaml:"cert_file"`

	// KeyFile is the path to the PEM-encoded TLS private key.
	KeyFile string `yaml:"key_file"`
}

// ProvidersConfig declares which provider implementation to use for each
// pipeline stage. Each entry selects a named provider registered in the
// [Registry]; the *Fallbacks lists are tried in order when the primary fails.
type ProvidersConfig struct {
	LLM ProviderEntry `yaml:"llm"`
	STT ProviderEntry `yaml:"stt"`
	TTS ProviderEntry `yaml:"tts"`
	VAD ProviderEntry `yaml:"vad"`

	LLMFallbacks []ProviderEntry `yaml:"llm_fallbacks"`
	STTFallbacks []ProviderEntry `yaml:"stt_fallbacks"`
	TTSFallbacks []ProviderEntry `yaml:"tts_fallbacks"`

	// CircuitBreaker tunes the breaker created for every provider entry.
	CircuitBreaker CircuitBreakerConfig `yaml:"circuit_breaker"`
}

// CircuitBreakerConfig tunes per-provider circuit breakers. Zero values keep
// the breaker defaults.
type CircuitBreakerConfig struct {
	MaxFailures  int           `yaml:"max_failures"`
	ResetTimeout time.Duration `yaml:"reset_timeout"`
}

// ProviderEntry is the common configuration block shared by all provider types.
// The Name field is used to look up the constructor in the [Registry].
type ProviderEntry struct {
	// Name selects the registered provider implementation (e.g., "openrouter", "assemblyai").
	Name string `yaml:"name"`

	// APIKey is the authentication key for the provider's API if any. When
	// empty, factories fall back to the provider's usual environment variable.
	APIKey string `yaml:"api_key"`

	// BaseURL overrides the provider's default API endpoint.
	BaseURL string `yaml:"base_url"`

	// Model selects a specific model within the provider (e.g., "openai/gpt-4o-mini").
	Model string `yaml:"model"`

	// Options holds provider-specific configuration values not covered by the
	// standard fields above.
	Options map[string]any `yaml:"options"`
}

// PipelineConfig tunes the per-session frame pipeline.
type PipelineConfig struct {
	// AllowInterruptions lets user speech cancel a bot response in flight.
	AllowInterruptions bool `yaml:"allow_interruptions"`

	// QueueSize bounds each stage's data queue. Zero keeps the pipeline default.
	QueueSize int `yaml:"queue_size"`

	// ControlAckTimeout bounds how long a control broadcast waits for every
	// stage. Zero keeps the pipeline default.
	ControlAckTimeout time.Duration `yaml:"control_ack_timeout"`

	// MaxTurnSilence ends a user turn whose final transcript never arrives.
	MaxTurnSilence time.Duration `yaml:"max_turn_silence"`

	// TieWindow is how long after resumed speech a late final still completes
	// the pending turn.
	TieWindow time.Duration `yaml:"tie_window"`

	// EndOfTurnConfidence and MinEndOfTurnSilence tune STT endpointing.
	EndOfTurnConfidence float64       `yaml:"end_of_turn_confidence"`
	MinEndOfTurnSilence time.Duration `yaml:"min_end_of_turn_silence"`

	InputSampleRate  int `yaml:"input_sample_rate"`
	InputChannels    int `yaml:"input_channels"`
	OutputSampleRate int `yaml:"output_sample_rate"`

	// EnableMetrics records per-stage TTFB and processing durations.
	EnableMetrics bool `yaml:"enable_metrics"`

	// EnableUsageMetrics records LLM prompt and completion token counts.
	EnableUsageMetrics bool `yaml:"enable_usage_metrics"`
}

// BotConfig is the conversational persona. It is hot-reloadable: sessions
// started after a change use the new values.
type BotConfig struct {
	SystemPrompt string `yaml:"system_prompt"`

	// SeedMessage is the user-role message the context starts with. The bot
	// answers it once the client is ready. Empty starts with no greeting.
	SeedMessage string `yaml:"seed_message"`

	VoiceID  string `yaml:"voice_id"`
	Language string `yaml:"language"`

	// Apology is spoken when the LLM fails mid-session. Empty ends the
	// session on LLM failure instead.
	Apology string `yaml:"apology"`

	// RecordInterrupted commits the spoken part of interrupted responses to
	// the conversation context.
	RecordInterrupted bool `yaml:"record_interrupted"`

	Temperature float64       `yaml:"temperature"`
	MaxTokens   int           `yaml:"max_tokens"`
	LLMTimeout  time.Duration `yaml:"llm_timeout"`
}

// Default returns a Config populated with the built-in defaults: AssemblyAI
// speech recognition, OpenRouter gpt-4o-mini, Cartesia speech and the energy
// voice activity detector.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			ListenAddr:       DefaultListenAddr,
			LogLevel:         LogInfo,
			WSMode:           WSModeEmbedded,
			StandaloneWSAddr: DefaultStandaloneWSAddr,
			CORSOrigins:      []string{"*"},
		},
		Providers: ProvidersConfig{
			LLM: ProviderEntry{Name: "openrouter", Model: DefaultLLMModel},
			STT: ProviderEntry{Name: "assemblyai"},
			TTS: ProviderEntry{Name: "cartesia"},
			VAD: ProviderEntry{Name: "energy"},
		},
		Pipeline: PipelineConfig{
			AllowInterruptions:  true,
			MaxTurnSilence:      2400 * time.Millisecond,
			TieWindow:           250 * time.Millisecond,
			EndOfTurnConfidence: 0.7,
			MinEndOfTurnSilence: 160 * time.Millisecond,
			InputSampleRate:     DefaultInputSampleRate,
			InputChannels:       1,
			OutputSampleRate:    DefaultOutputSampleRate,
			EnableMetrics:       true,
			EnableUsageMetrics:  true,
		},
		Bot: BotConfig{
			SystemPrompt: DefaultSystemPrompt,
			SeedMessage:  DefaultSeedMessage,
			VoiceID:      DefaultVoiceID,
			Language:     "en",
		},
	}
}
