package config_test

import (
	"errors"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"
	"time"

	"github.com/425732441/full-duplex-voice-demo/internal/config"
	"github.com/425732441/full-duplex-voice-demo/pkg/provider/llm"
	llmmock "github.com/425732441/full-duplex-voice-demo/pkg/provider/llm/mock"
	"github.com/425732441/full-duplex-voice-demo/pkg/provider/stt"
	sttmock "github.com/425732441/full-duplex-voice-demo/pkg/provider/stt/mock"
	"github.com/425732441/full-duplex-voice-demo/pkg/provider/tts"
	ttsmock "github.com/425732441/full-duplex-voice-demo/pkg/provider/tts/mock"
	"github.com/425732441/full-duplex-voice-demo/pkg/provider/vad"
	vadmock "github.com/425732441/full-duplex-voice-demo/pkg/provider/vad/mock"
)

// ── helpers ──────────────────────────────────────────────────────────────────

const sampleYAML = `
server:
  listen_addr: ":9000"
  log_level: debug
  ws_mode: standalone
  standalone_ws_addr: ":8765"
  cors_origins: ["https://app.example.com"]

providers:
  llm:
    name: openrouter
    api_key: or-test
    model: openai/gpt-4o-mini
  llm_fallbacks:
    - name: anthropic
      model: claude-3-5-haiku-latest
  stt:
    name: assemblyai
    api_key: aai-test
  tts:
    name: cartesia
    api_key: ca-test
  vad:
    name: energy
  circuit_breaker:
    max_failures: 3
    reset_timeout: 10s

pipeline:
  allow_interruptions: false
  max_turn_silence: 3s
  output_sample_rate: 16000

bot:
  system_prompt: You are a terse robot.
  apology: Sorry, something went wrong.
  record_interrupted: true
`

func mustLoad(t *testing.T, yaml string) *config.Config {
	t.Helper()
	cfg, err := config.LoadFromReader(strings.NewReader(yaml))
	if err != nil {
		t.Fatalf("LoadFromReader: %v", err)
	}
	return cfg
}

// ── YAML loading ──────────────────────────────────────────────────────────────

func TestLoadFromReader_Valid(t *testing.T) {
	t.Parallel()
	cfg := mustLoad(t, sampleYAML)

	if cfg.Server.ListenAddr != ":9000" {
		t.Errorf("listen_addr: want :9000, got %q", cfg.Server.ListenAddr)
	}
	if cfg.Server.WSMode != config.WSModeStandalone {
		t.Errorf("ws_mode: want standalone, got %q", cfg.Server.WSMode)
	}
	if len(cfg.Server.CORSOrigins) != 1 || cfg.Server.CORSOrigins[0] != "https://app.example.com" {
		t.Errorf("cors_origins: got %v", cfg.Server.CORSOrigins)
	}
	if cfg.Providers.LLM.APIKey != "or-test" {
		t.Errorf("llm api_key: want or-test, got %q", cfg.Providers.LLM.APIKey)
	}
	if len(cfg.Providers.LLMFallbacks) != 1 || cfg.Providers.LLMFallbacks[0].Name != "anthropic" {
		t.Errorf("llm_fallbacks: got %+v", cfg.Providers.LLMFallbacks)
	}
	if cfg.Providers.CircuitBreaker.ResetTimeout != 10*time.Second {
		t.Errorf("circuit_breaker.reset_timeout: want 10s, got %v", cfg.Providers.CircuitBreaker.ResetTimeout)
	}
	if cfg.Pipeline.AllowInterruptions {
		t.Error("allow_interruptions: want false")
	}
	if cfg.Pipeline.MaxTurnSilence != 3*time.Second {
		t.Errorf("max_turn_silence: want 3s, got %v", cfg.Pipeline.MaxTurnSilence)
	}
	if !cfg.Bot.RecordInterrupted {
		t.Error("record_interrupted: want true")
	}
}

func TestLoadFromReader_KeepsDefaultsForMissingFields(t *testing.T) {
	t.Parallel()
	cfg := mustLoad(t, sampleYAML)

	if cfg.Pipeline.InputSampleRate != config.DefaultInputSampleRate {
		t.Errorf("input_sample_rate: want %d, got %d", config.DefaultInputSampleRate, cfg.Pipeline.InputSampleRate)
	}
	if cfg.Pipeline.TieWindow != 250*time.Millisecond {
		t.Errorf("tie_window: want 250ms, got %v", cfg.Pipeline.TieWindow)
	}
	if cfg.Bot.SeedMessage != config.DefaultSeedMessage {
		t.Errorf("seed_message: want default, got %q", cfg.Bot.SeedMessage)
	}
	if cfg.Bot.VoiceID != config.DefaultVoiceID {
		t.Errorf("voice_id: want default, got %q", cfg.Bot.VoiceID)
	}
}

func TestLoadFromReader_EmptyIsDefault(t *testing.T) {
	t.Parallel()
	cfg := mustLoad(t, "")

	want := config.Default()
	if !reflect.DeepEqual(cfg.Providers.LLM, want.Providers.LLM) {
		t.Errorf("llm: want %+v, got %+v", want.Providers.LLM, cfg.Providers.LLM)
	}
	if cfg.Providers.STT.Name != "assemblyai" || cfg.Providers.TTS.Name != "cartesia" {
		t.Errorf("providers: got stt %q, tts %q", cfg.Providers.STT.Name, cfg.Providers.TTS.Name)
	}
	if !cfg.Pipeline.AllowInterruptions || !cfg.Pipeline.EnableMetrics || !cfg.Pipeline.EnableUsageMetrics {
		t.Errorf("pipeline: want interruptions and metrics on, got %+v", cfg.Pipeline)
	}
	if cfg.Bot.SystemPrompt != config.DefaultSystemPrompt {
		t.Error("system_prompt: want default")
	}
}

func TestLoadFromReader_UsageMetricsOff(t *testing.T) {
	t.Parallel()
	cfg := mustLoad(t, "pipeline:\n  enable_usage_metrics: false\n")
	if cfg.Pipeline.EnableUsageMetrics {
		t.Error("enable_usage_metrics: want false")
	}
	if !cfg.Pipeline.EnableMetrics {
		t.Error("enable_metrics: want default true")
	}
}

func TestLoadFromReader_ExpandsEnv(t *testing.T) {
	t.Setenv("VOICEBOT_TEST_LLM_KEY", "from-env")

	cfg := mustLoad(t, "providers:\n  llm:\n    name: openrouter\n    api_key: ${VOICEBOT_TEST_LLM_KEY}\n")
	if cfg.Providers.LLM.APIKey != "from-env" {
		t.Errorf("api_key: want from-env, got %q", cfg.Providers.LLM.APIKey)
	}
}

func TestLoadFromReader_UnknownField(t *testing.T) {
	t.Parallel()
	_, err := config.LoadFromReader(strings.NewReader("server:\n  listen_adr: \":1\"\n"))
	if err == nil {
		t.Fatal("want error for unknown field, got nil")
	}
}

func TestValidate(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name    string
		mutate  func(*config.Config)
		wantErr string
	}{
		{name: "defaults", mutate: func(*config.Config) {}},
		{
			name:    "invalid log level",
			mutate:  func(c *config.Config) { c.Server.LogLevel = "verbose" },
			wantErr: "server.log_level",
		},
		{
			name:    "invalid ws mode",
			mutate:  func(c *config.Config) { c.Server.WSMode = "sidecar" },
			wantErr: "server.ws_mode",
		},
		{
			name: "standalone without address",
			mutate: func(c *config.Config) {
				c.Server.WSMode = config.WSModeStandalone
				c.Server.StandaloneWSAddr = ""
			},
			wantErr: "standalone_ws_addr",
		},
		{
			name:    "invalid public scheme",
			mutate:  func(c *config.Config) { c.Server.PublicScheme = "http" },
			wantErr: "public_scheme",
		},
		{
			name:    "tls without key",
			mutate:  func(c *config.Config) { c.Server.TLS = &config.TLSConfig{CertFile: "cert.pem"} },
			wantErr: "server.tls",
		},
		{
			name:    "missing stt provider",
			mutate:  func(c *config.Config) { c.Providers.STT.Name = "" },
			wantErr: "providers.stt.name",
		},
		{
			name:    "unnamed fallback",
			mutate:  func(c *config.Config) { c.Providers.TTSFallbacks = []config.ProviderEntry{{}} },
			wantErr: "providers.tts_fallbacks[0]",
		},
		{
			name:    "three channels",
			mutate:  func(c *config.Config) { c.Pipeline.InputChannels = 3 },
			wantErr: "input_channels",
		},
		{
			name:    "zero output rate",
			mutate:  func(c *config.Config) { c.Pipeline.OutputSampleRate = 0 },
			wantErr: "output_sample_rate",
		},
		{
			name:    "confidence above one",
			mutate:  func(c *config.Config) { c.Pipeline.EndOfTurnConfidence = 1.5 },
			wantErr: "end_of_turn_confidence",
		},
		{
			name:    "temperature too high",
			mutate:  func(c *config.Config) { c.Bot.Temperature = 3 },
			wantErr: "bot.temperature",
		},
	}
	for _, tc := range cases {
		cfg := config.Default()
		tc.mutate(cfg)
		err := config.Validate(cfg)
		if tc.wantErr == "" {
			if err != nil {
				t.Errorf("%s: want no error, got %v", tc.name, err)
			}
			continue
		}
		if err == nil || !strings.Contains(err.Error(), tc.wantErr) {
			t.Errorf("%s: want error containing %q, got %v", tc.name, tc.wantErr, err)
		}
	}
}

func TestValidate_MultipleErrors(t *testing.T) {
	t.Parallel()
	cfg := config.Default()
	cfg.Server.LogLevel = "loud"
	cfg.Providers.LLM.Name = ""
	cfg.Pipeline.QueueSize = -1

	err := config.Validate(cfg)
	if err == nil {
		t.Fatal("want error, got nil")
	}
	for _, want := range []string{"log_level", "providers.llm.name", "queue_size"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("error %q: want it to mention %q", err, want)
		}
	}
}

func TestLoad_MissingFile(t *testing.T) {
	t.Parallel()
	_, err := config.Load(filepath.Join(t.TempDir(), "absent.yaml"))
	if !errors.Is(err, os.ErrNotExist) {
		t.Errorf("want os.ErrNotExist, got %v", err)
	}
}

func TestLoadDotEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, ".env")
	writeFile(t, path, "VOICEBOT_TEST_DOTENV=loaded\nVOICEBOT_TEST_PRESET=from-file\n")
	t.Setenv("VOICEBOT_TEST_PRESET", "from-process")
	t.Setenv("VOICEBOT_TEST_DOTENV", "")
	os.Unsetenv("VOICEBOT_TEST_DOTENV")

	if err := config.LoadDotEnv(filepath.Join(dir, "missing.env"), path); err != nil {
		t.Fatalf("LoadDotEnv: %v", err)
	}
	if got := os.Getenv("VOICEBOT_TEST_DOTENV"); got != "loaded" {
		t.Errorf("VOICEBOT_TEST_DOTENV: want loaded, got %q", got)
	}
	if got := os.Getenv("VOICEBOT_TEST_PRESET"); got != "from-process" {
		t.Errorf("VOICEBOT_TEST_PRESET: want from-process, got %q", got)
	}
}

// ── Registry ─────────────────────────────────────────────────────────────────

func TestRegistry_Unknown(t *testing.T) {
	t.Parallel()
	reg := config.NewRegistry()
	entry := config.ProviderEntry{Name: "nope"}

	cases := []struct {
		kind   string
		create func() error
	}{
		{"llm", func() error { _, err := reg.CreateLLM(entry); return err }},
		{"stt", func() error { _, err := reg.CreateSTT(entry); return err }},
		{"tts", func() error { _, err := reg.CreateTTS(entry); return err }},
		{"vad", func() error { _, err := reg.CreateVAD(entry); return err }},
	}
	for _, tc := range cases {
		if err := tc.create(); !errors.Is(err, config.ErrProviderNotRegistered) {
			t.Errorf("%s: want ErrProviderNotRegistered, got %v", tc.kind, err)
		}
	}
}

func TestRegistry_Registered(t *testing.T) {
	t.Parallel()
	reg := config.NewRegistry()

	var gotEntry config.ProviderEntry
	reg.RegisterLLM("test", func(e config.ProviderEntry) (llm.Provider, error) {
		gotEntry = e
		return &llmmock.Provider{}, nil
	})
	reg.RegisterSTT("test", func(config.ProviderEntry) (stt.Provider, error) { return &sttmock.Provider{}, nil })
	reg.RegisterTTS("test", func(config.ProviderEntry) (tts.Provider, error) { return &ttsmock.Provider{}, nil })
	reg.RegisterVAD("test", func(config.ProviderEntry) (vad.Engine, error) { return &vadmock.Engine{}, nil })

	entry := config.ProviderEntry{Name: "test", Model: "m1"}
	if p, err := reg.CreateLLM(entry); err != nil || p == nil {
		t.Errorf("CreateLLM: got %v, %v", p, err)
	}
	if gotEntry.Model != "m1" {
		t.Errorf("factory entry model: want m1, got %q", gotEntry.Model)
	}
	if _, err := reg.CreateSTT(entry); err != nil {
		t.Errorf("CreateSTT: %v", err)
	}
	if _, err := reg.CreateTTS(entry); err != nil {
		t.Errorf("CreateTTS: %v", err)
	}
	if _, err := reg.CreateVAD(entry); err != nil {
		t.Errorf("CreateVAD: %v", err)
	}
	if got := reg.Names("llm"); len(got) != 1 || got[0] != "test" {
		t.Errorf("Names(llm): want [test], got %v", got)
	}
}

func TestRegistry_FactoryError(t *testing.T) {
	t.Parallel()
	reg := config.NewRegistry()
	want := errors.New("bad key")
	reg.RegisterTTS("broken", func(config.ProviderEntry) (tts.Provider, error) { return nil, want })

	if _, err := reg.CreateTTS(config.ProviderEntry{Name: "broken"}); !errors.Is(err, want) {
		t.Errorf("want factory error, got %v", err)
	}
}

func TestOptHelpers(t *testing.T) {
	t.Parallel()
	opts := map[string]any{"language": "de", "rate": 22050, "ratio": 1.5, "flag": true}

	if got := config.OptString(opts, "language"); got != "de" {
		t.Errorf("OptString(language): want de, got %q", got)
	}
	if got := config.OptString(opts, "flag"); got != "" {
		t.Errorf("OptString(flag): want empty, got %q", got)
	}
	if got := config.OptString(nil, "language"); got != "" {
		t.Errorf("OptString(nil): want empty, got %q", got)
	}
	if got := config.OptInt(opts, "rate"); got != 22050 {
		t.Errorf("OptInt(rate): want 22050, got %d", got)
	}
	if got := config.OptInt(opts, "ratio"); got != 1 {
		t.Errorf("OptInt(ratio): want 1, got %d", got)
	}
	if got := config.OptFloat(opts, "ratio"); got != 1.5 {
		t.Errorf("OptFloat(ratio): want 1.5, got %v", got)
	}
	if got := config.OptFloat(opts, "rate"); got != 22050 {
		t.Errorf("OptFloat(rate): want 22050, got %v", got)
	}
}
