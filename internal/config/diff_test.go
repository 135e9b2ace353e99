package config_test

import (
	"slices"
	"testing"
	"time"

	"github.com/425732441/full-duplex-voice-demo/internal/config"
)

func TestDiff(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name        string
		mutate      func(*config.Config)
		wantBot     []string
		wantRestart []string
		wantLevel   bool
	}{
		{name: "no changes", mutate: func(*config.Config) {}},
		{
			name:      "log level",
			mutate:    func(c *config.Config) { c.Server.LogLevel = config.LogDebug },
			wantLevel: true,
		},
		{
			name: "prompt and voice",
			mutate: func(c *config.Config) {
				c.Bot.SystemPrompt = "new"
				c.Bot.VoiceID = "voice-2"
			},
			wantBot: []string{"system_prompt", "voice_id"},
		},
		{
			name:    "seed and timeout",
			mutate:  func(c *config.Config) { c.Bot.SeedMessage = ""; c.Bot.LLMTimeout = time.Second },
			wantBot: []string{"seed_message", "llm_timeout"},
		},
		{
			name:        "listen address",
			mutate:      func(c *config.Config) { c.Server.ListenAddr = ":1" },
			wantRestart: []string{"server"},
		},
		{
			name: "provider and pipeline",
			mutate: func(c *config.Config) {
				c.Providers.TTS.Name = "elevenlabs"
				c.Pipeline.QueueSize = 8
			},
			wantRestart: []string{"providers", "pipeline"},
		},
	}
	for _, tc := range cases {
		old, new := config.Default(), config.Default()
		tc.mutate(new)
		d := config.Diff(old, new)

		if !slices.Equal(d.BotFields, tc.wantBot) {
			t.Errorf("%s: bot fields: want %v, got %v", tc.name, tc.wantBot, d.BotFields)
		}
		if d.BotChanged != (len(tc.wantBot) > 0) {
			t.Errorf("%s: BotChanged: got %v", tc.name, d.BotChanged)
		}
		if !slices.Equal(d.RestartRequired, tc.wantRestart) {
			t.Errorf("%s: restart: want %v, got %v", tc.name, tc.wantRestart, d.RestartRequired)
		}
		if d.LogLevelChanged != tc.wantLevel {
			t.Errorf("%s: LogLevelChanged: want %v, got %v", tc.name, tc.wantLevel, d.LogLevelChanged)
		}
	}
}
