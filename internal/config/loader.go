package config

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"slices"
	"strings"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// ValidProviderNames lists known provider names per provider kind.
// Used by [Validate] to warn about unrecognised provider names.
var ValidProviderNames = map[string][]string{
	"llm": {"openrouter", "openai", "anthropic", "ollama", "gemini", "deepseek", "mistral", "groq", "llamacpp", "llamafile"},
	"stt": {"assemblyai", "deepgram"},
	"tts": {"cartesia", "elevenlabs"},
	"vad": {"energy"},
}

// LoadDotEnv loads KEY=value pairs from the given .env files into the process
// environment without overriding variables that are already set. Missing
// files are skipped.
func LoadDotEnv(paths ...string) error {
	for _, p := range paths {
		if err := godotenv.Load(p); err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			return fmt.Errorf("config: load %q: %w", p, err)
		}
		slog.Debug("loaded environment file", "path", p)
	}
	return nil
}

// Load reads the YAML configuration file at path and returns a validated [Config].
// It is a convenience wrapper around [LoadFromReader] and [Validate].
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r on top of [Default] and
// validates the result. ${VAR} references are expanded from the environment
// before decoding. An empty document yields the defaults.
func LoadFromReader(r io.Reader) (*Config, error) {
	raw, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("config: read: %w", err)
	}
	expanded := os.ExpandEnv(string(raw))

	cfg := Default()
	dec := yaml.NewDecoder(strings.NewReader(expanded))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	// Server
	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}
	if cfg.Server.WSMode != "" && !cfg.Server.WSMode.IsValid() {
		errs = append(errs, fmt.Errorf("server.ws_mode %q is invalid; valid values: embedded, standalone", cfg.Server.WSMode))
	}
	if cfg.Server.WSMode == WSModeStandalone && cfg.Server.StandaloneWSAddr == "" {
		errs = append(errs, errors.New("server.standalone_ws_addr is required when ws_mode is standalone"))
	}
	switch cfg.Server.PublicScheme {
	case "", "ws", "wss":
	default:
		errs = append(errs, fmt.Errorf("server.public_scheme %q is invalid; valid values: ws, wss", cfg.Server.PublicScheme))
	}
	if tls := cfg.Server.TLS; tls != nil && (tls.CertFile == "" || tls.KeyFile == "") {
		errs = append(errs, errors.New("server.tls requires both cert_file and key_file"))
	}

	// Providers
	for kind, entry := range map[string]ProviderEntry{
		"llm": cfg.Providers.LLM,
		"stt": cfg.Providers.STT,
		"tts": cfg.Providers.TTS,
		"vad": cfg.Providers.VAD,
	} {
		if entry.Name == "" {
			errs = append(errs, fmt.Errorf("providers.%s.name is required", kind))
			continue
		}
		validateProviderName(kind, entry.Name)
	}
	for kind, entries := range map[string][]ProviderEntry{
		"llm": cfg.Providers.LLMFallbacks,
		"stt": cfg.Providers.STTFallbacks,
		"tts": cfg.Providers.TTSFallbacks,
	} {
		for i, e := range entries {
			if e.Name == "" {
				errs = append(errs, fmt.Errorf("providers.%s_fallbacks[%d].name is required", kind, i))
				continue
			}
			validateProviderName(kind, e.Name)
		}
	}

	// Pipeline
	p := cfg.Pipeline
	if p.InputSampleRate <= 0 {
		errs = append(errs, fmt.Errorf("pipeline.input_sample_rate %d must be positive", p.InputSampleRate))
	}
	if p.InputChannels != 1 && p.InputChannels != 2 {
		errs = append(errs, fmt.Errorf("pipeline.input_channels %d must be 1 or 2", p.InputChannels))
	}
	if p.OutputSampleRate <= 0 {
		errs = append(errs, fmt.Errorf("pipeline.output_sample_rate %d must be positive", p.OutputSampleRate))
	}
	if p.QueueSize < 0 {
		errs = append(errs, fmt.Errorf("pipeline.queue_size %d must not be negative", p.QueueSize))
	}
	if p.EndOfTurnConfidence < 0 || p.EndOfTurnConfidence > 1 {
		errs = append(errs, fmt.Errorf("pipeline.end_of_turn_confidence %.2f is out of range [0, 1]", p.EndOfTurnConfidence))
	}

	// Bot
	if cfg.Bot.Temperature < 0 || cfg.Bot.Temperature > 2 {
		errs = append(errs, fmt.Errorf("bot.temperature %.2f is out of range [0, 2]", cfg.Bot.Temperature))
	}
	if cfg.Bot.MaxTokens < 0 {
		errs = append(errs, fmt.Errorf("bot.max_tokens %d must not be negative", cfg.Bot.MaxTokens))
	}
	if strings.TrimSpace(cfg.Bot.SystemPrompt) == "" && strings.TrimSpace(cfg.Bot.SeedMessage) == "" {
		slog.Warn("bot.system_prompt and bot.seed_message are both empty; the bot stays silent until spoken to")
	}

	return errors.Join(errs...)
}

// validateProviderName logs a warning if name is non-empty and not found in
// the [ValidProviderNames] list for the given kind.
func validateProviderName(kind, name string) {
	if name == "" {
		return
	}
	known, ok := ValidProviderNames[kind]
	if !ok {
		return
	}
	if slices.Contains(known, name) {
		return
	}
	slog.Warn("unknown provider name, may be a typo or third-party provider",
		"kind", kind,
		"name", name,
		"known", known,
	)
}

