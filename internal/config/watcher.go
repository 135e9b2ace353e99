package config

import (
	"bytes"
	"context"
	"crypto/sha256"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"time"
)

// DefaultWatchInterval is how often a [Watcher] polls its file.
const DefaultWatchInterval = 5 * time.Second

// ChangeFunc receives every accepted reload together with what changed.
type ChangeFunc func(old, new *Config, d ConfigDiff)

// Watcher polls a config file and publishes each valid new version. Invalid
// edits are logged and the previous config stays current. The file is polled
// rather than watched through inotify.
type Watcher struct {
	path     string
	interval time.Duration
	onChange ChangeFunc
	log      *slog.Logger

	current atomic.Pointer[Config]

	// Touched only by the polling goroutine after construction.
	lastMtime time.Time
	lastHash  [sha256.Size]byte

	done     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// WatcherOption configures a [Watcher].
type WatcherOption func(*Watcher)

// WithInterval sets the polling interval. Non-positive values are ignored.
func WithInterval(d time.Duration) WatcherOption {
	return func(w *Watcher) {
		if d > 0 {
			w.interval = d
		}
	}
}

// WithWatcherLogger sets the logger. Default: slog.Default().
func WithWatcherLogger(l *slog.Logger) WatcherOption {
	return func(w *Watcher) {
		if l != nil {
			w.log = l
		}
	}
}

// NewWatcher loads path and polls it until ctx is done or [Watcher.Stop] is
// called. onChange may be nil.
func NewWatcher(ctx context.Context, path string, onChange ChangeFunc, opts ...WatcherOption) (*Watcher, error) {
	w := &Watcher{
		path:     path,
		interval: DefaultWatchInterval,
		onChange: onChange,
		log:      slog.Default(),
		done:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(w)
	}

	cfg, hash, mtime, err := w.load()
	if err != nil {
		return nil, fmt.Errorf("config: watcher initial load: %w", err)
	}
	w.current.Store(cfg)
	w.lastHash = hash
	w.lastMtime = mtime

	w.wg.Add(1)
	go w.poll(ctx)
	return w, nil
}

// Current returns the most recently loaded valid config.
func (w *Watcher) Current() *Config {
	return w.current.Load()
}

// Stop ends polling and waits for an in-flight check to finish. It is safe
// to call more than once.
func (w *Watcher) Stop() {
	w.stopOnce.Do(func() { close(w.done) })
	w.wg.Wait()
}

func (w *Watcher) poll(ctx context.Context) {
	defer w.wg.Done()
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-w.done:
			return
		case <-ticker.C:
			w.check()
		}
	}
}

func (w *Watcher) check() {
	info, err := os.Stat(w.path)
	if err != nil {
		w.log.Warn("config watcher: cannot stat file", "path", w.path, "err", err)
		return
	}
	if info.ModTime().Equal(w.lastMtime) {
		return
	}

	cfg, hash, mtime, err := w.load()
	if err != nil {
		w.log.Warn("config watcher: keeping previous config", "path", w.path, "err", err)
		return
	}
	w.lastMtime = mtime
	if hash == w.lastHash {
		return
	}
	w.lastHash = hash

	old := w.current.Swap(cfg)
	d := Diff(old, cfg)
	w.log.Info("config watcher: configuration reloaded",
		"path", w.path,
		"bot_changed", d.BotChanged,
		"restart_required", d.RestartRequired,
	)
	if w.onChange != nil {
		w.onChange(old, cfg, d)
	}
}

// load reads, validates and hashes the file.
func (w *Watcher) load() (*Config, [sha256.Size]byte, time.Time, error) {
	var zero [sha256.Size]byte

	info, err := os.Stat(w.path)
	if err != nil {
		return nil, zero, time.Time{}, err
	}
	data, err := os.ReadFile(w.path)
	if err != nil {
		return nil, zero, time.Time{}, err
	}
	cfg, err := LoadFromReader(bytes.NewReader(data))
	if err != nil {
		return nil, zero, time.Time{}, err
	}
	return cfg, sha256.Sum256(data), info.ModTime(), nil
}
