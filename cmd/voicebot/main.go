// Command voicebot serves the full-duplex voice bot: browsers connect over a
// websocket, speak, and hear the bot answer, interrupting it at will.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/425732441/full-duplex-voice-demo/internal/app"
	"github.com/425732441/full-duplex-voice-demo/internal/config"
	"github.com/425732441/full-duplex-voice-demo/internal/observe"
	"github.com/425732441/full-duplex-voice-demo/pkg/provider/tts"
)

// version is stamped at build time with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "voicebot:", err)
		os.Exit(1)
	}
}

type options struct {
	configPath string
	envFiles   []string
}

func newRootCmd() *cobra.Command {
	opts := &options{}

	root := &cobra.Command{
		Use:   "voicebot",
		Short: "Real-time voice-to-voice bot server",
		Long: `voicebot runs a speech-to-text, LLM and text-to-speech pipeline per
websocket client. The bot greets each client once it reports ready and stops
talking as soon as the user speaks over it.

Without a config file the defaults apply; provider API keys are read from
<PROVIDER>_API_KEY environment variables (e.g. OPENROUTER_API_KEY).`,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return serve(cmd.Context(), opts)
		},
	}
	root.PersistentFlags().StringVarP(&opts.configPath, "config", "c", "config.yaml", "path to the YAML configuration file")
	root.PersistentFlags().StringSliceVar(&opts.envFiles, "env-file", []string{".env"}, "environment files to load before reading the config")

	root.AddCommand(
		&cobra.Command{
			Use:   "serve",
			Short: "Start the server (default)",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				return serve(cmd.Context(), opts)
			},
		},
		&cobra.Command{
			Use:   "check-config",
			Short: "Validate the configuration and exit",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				cfg, _, err := loadConfig(opts)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "config ok: llm=%s stt=%s tts=%s vad=%s\n",
					cfg.Providers.LLM.Name, cfg.Providers.STT.Name, cfg.Providers.TTS.Name, cfg.Providers.VAD.Name)
				return nil
			},
		},
		&cobra.Command{
			Use:   "voices",
			Short: "List the voices of the configured TTS provider",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				cfg, _, err := loadConfig(opts)
				if err != nil {
					return err
				}
				reg := config.NewRegistry()
				registerBuiltinProviders(reg, cfg.Pipeline, cfg.Bot.Language)
				return listVoices(cmd.Context(), cmd.OutOrStdout(), reg, cfg.Providers.TTS)
			},
		},
		&cobra.Command{
			Use:   "version",
			Short: "Print the version",
			Args:  cobra.NoArgs,
			Run: func(cmd *cobra.Command, _ []string) {
				fmt.Fprintln(cmd.OutOrStdout(), "voicebot", version)
			},
		},
	)
	return root
}

// loadConfig loads the env files and the config file. A missing config file
// yields the defaults; found reports whether the file exists.
func loadConfig(opts *options) (cfg *config.Config, found bool, err error) {
	if err := config.LoadDotEnv(opts.envFiles...); err != nil {
		return nil, false, err
	}
	cfg, err = config.Load(opts.configPath)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		cfg = config.Default()
		return cfg, false, config.Validate(cfg)
	case err != nil:
		return nil, false, err
	}
	return cfg, true, nil
}

func serve(ctx context.Context, opts *options) error {
	cfg, found, err := loadConfig(opts)
	if err != nil {
		return err
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	level := new(slog.LevelVar)
	level.Set(slogLevel(cfg.Server.LogLevel))
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	if !found {
		slog.Warn("config file not found, using defaults", "config", opts.configPath)
	}
	slog.Info("voicebot starting",
		"version", version,
		"listen_addr", cfg.Server.ListenAddr,
		"ws_mode", cfg.Server.WSMode,
		"log_level", cfg.Server.LogLevel,
	)

	// ── Signal context ────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Telemetry ─────────────────────────────────────────────────────────────
	shutdownTelemetry, err := observe.InitProvider(ctx, observe.ProviderConfig{
		ServiceName:    "voicebot",
		ServiceVersion: version,
	})
	if err != nil {
		return fmt.Errorf("init telemetry: %w", err)
	}
	defer func() {
		if err := shutdownTelemetry(context.WithoutCancel(ctx)); err != nil {
			slog.Warn("telemetry shutdown", "err", err)
		}
	}()
	metrics := observe.DefaultMetrics()

	// ── Providers ─────────────────────────────────────────────────────────────
	reg := config.NewRegistry()
	registerBuiltinProviders(reg, cfg.Pipeline, cfg.Bot.Language)
	for _, kind := range []string{"llm", "stt", "tts", "vad"} {
		slog.Debug("registered providers", "kind", kind, "names", reg.Names(kind))
	}
	providers, err := app.BuildProviders(cfg.Providers, reg, metrics, logger)
	if err != nil {
		return err
	}

	// ── Hot reload ────────────────────────────────────────────────────────────
	appOpts := []app.Option{app.WithLogger(logger), app.WithMetrics(metrics)}
	if found {
		w, err := config.NewWatcher(ctx, opts.configPath, func(_, _ *config.Config, d config.ConfigDiff) {
			if d.LogLevelChanged {
				level.Set(slogLevel(d.NewLogLevel))
				slog.Info("log level changed", "level", d.NewLogLevel)
			}
			if d.BotChanged {
				slog.Info("bot settings reloaded; new sessions use them", "fields", d.BotFields)
			}
			if len(d.RestartRequired) > 0 {
				slog.Warn("config changes need a restart", "sections", d.RestartRequired)
			}
		}, config.WithWatcherLogger(logger))
		if err != nil {
			return fmt.Errorf("watch config: %w", err)
		}
		defer w.Stop()
		appOpts = append(appOpts, app.WithBotSource(func() config.BotConfig { return w.Current().Bot }))
	}

	application, err := app.New(cfg, providers, appOpts...)
	if err != nil {
		return err
	}

	slog.Info("server ready, press Ctrl+C to shut down")
	if err := application.Run(ctx); err != nil {
		return err
	}
	slog.Info("goodbye")
	return nil
}

// listVoices prints the voices entry's provider offers, one "id<TAB>name"
// per line.
func listVoices(ctx context.Context, out io.Writer, reg *config.Registry, entry config.ProviderEntry) error {
	p, err := reg.CreateTTS(entry)
	if err != nil {
		return fmt.Errorf("create tts provider %q: %w", entry.Name, err)
	}
	lister, ok := p.(tts.VoiceLister)
	if !ok {
		return fmt.Errorf("tts provider %q cannot list voices", entry.Name)
	}
	voices, err := lister.ListVoices(ctx)
	if err != nil {
		return err
	}
	for _, v := range voices {
		fmt.Fprintf(out, "%s\t%s\n", v.ID, v.Name)
	}
	return nil
}

func slogLevel(l config.LogLevel) slog.Level {
	switch l {
	case config.LogDebug:
		return slog.LevelDebug
	case config.LogWarn:
		return slog.LevelWarn
	case config.LogError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
