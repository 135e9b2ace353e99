package config

import "reflect"

// ConfigDiff describes what changed between two configs.
type ConfigDiff struct {
	// BotChanged is true when any bot field changed. Bot changes apply to
	// sessions started afterwards.
	BotChanged bool

	// BotFields names the changed bot fields by their YAML key.
	BotFields []string

	LogLevelChanged bool
	NewLogLevel     LogLevel

	// RestartRequired names the top-level sections whose changes only take
	// effect after a restart ("server", "providers", "pipeline").
	RestartRequired []string
}

// Diff compares old and new configs and returns what changed.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}

	d.BotFields = diffBot(old.Bot, new.Bot)
	d.BotChanged = len(d.BotFields) > 0

	oldServer, newServer := old.Server, new.Server
	oldServer.LogLevel, newServer.LogLevel = "", ""
	if !reflect.DeepEqual(oldServer, newServer) {
		d.RestartRequired = append(d.RestartRequired, "server")
	}
	if !reflect.DeepEqual(old.Providers, new.Providers) {
		d.RestartRequired = append(d.RestartRequired, "providers")
	}
	if old.Pipeline != new.Pipeline {
		d.RestartRequired = append(d.RestartRequired, "pipeline")
	}
	return d
}

func diffBot(old, new BotConfig) []string {
	var fields []string
	add := func(changed bool, key string) {
		if changed {
			fields = append(fields, key)
		}
	}
	add(old.SystemPrompt != new.SystemPrompt, "system_prompt")
	add(old.SeedMessage != new.SeedMessage, "seed_message")
	add(old.VoiceID != new.VoiceID, "voice_id")
	add(old.Language != new.Language, "language")
	add(old.Apology != new.Apology, "apology")
	add(old.RecordInterrupted != new.RecordInterrupted, "record_interrupted")
	add(old.Temperature != new.Temperature, "temperature")
	add(old.MaxTokens != new.MaxTokens, "max_tokens")
	add(old.LLMTimeout != new.LLMTimeout, "llm_timeout")
	return fields
}
