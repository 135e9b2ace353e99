package config_test

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/425732441/full-duplex-voice-demo/internal/config"
)

const watcherValidYAML = `
server:
  log_level: info
bot:
  system_prompt: You are a friendly robot.
`

const watcherUpdatedYAML = `
server:
  log_level: debug
bot:
  system_prompt: You are a pirate robot.
`

const watcherInvalidYAML = `
server:
  log_level: bananas
`

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("failed to write file %q: %v", path, err)
	}
}

// bumpMtime moves the file's modification time forward so a rewrite within
// the filesystem's timestamp granularity is still noticed.
func bumpMtime(t *testing.T, path string, by time.Duration) {
	t.Helper()
	ts := time.Now().Add(by)
	if err := os.Chtimes(path, ts, ts); err != nil {
		t.Fatalf("chtimes: %v", err)
	}
}

type changeRecorder struct {
	mu    sync.Mutex
	diffs []config.ConfigDiff
	last  *config.Config
}

func (r *changeRecorder) record(_, new *config.Config, d config.ConfigDiff) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.diffs = append(r.diffs, d)
	r.last = new
}

func (r *changeRecorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.diffs)
}

func TestWatcher_InitialLoad(t *testing.T) {
	t.Parallel()
	cfgPath := filepath.Join(t.TempDir(), "config.yaml")
	writeFile(t, cfgPath, watcherValidYAML)

	w, err := config.NewWatcher(context.Background(), cfgPath, nil, config.WithInterval(20*time.Millisecond))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer w.Stop()

	cfg := w.Current()
	if cfg == nil {
		t.Fatal("Current() returned nil after initial load")
	}
	if cfg.Server.LogLevel != config.LogInfo {
		t.Errorf("log_level: want %q, got %q", config.LogInfo, cfg.Server.LogLevel)
	}
}

func TestWatcher_DetectsChange(t *testing.T) {
	t.Parallel()
	cfgPath := filepath.Join(t.TempDir(), "config.yaml")
	writeFile(t, cfgPath, watcherValidYAML)

	rec := &changeRecorder{}
	w, err := config.NewWatcher(context.Background(), cfgPath, rec.record, config.WithInterval(20*time.Millisecond))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer w.Stop()

	writeFile(t, cfgPath, watcherUpdatedYAML)
	bumpMtime(t, cfgPath, time.Second)

	deadline := time.Now().Add(2 * time.Second)
	for rec.count() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("timed out waiting for reload")
		}
		time.Sleep(10 * time.Millisecond)
	}

	rec.mu.Lock()
	d := rec.diffs[0]
	rec.mu.Unlock()
	if !d.BotChanged || len(d.BotFields) != 1 || d.BotFields[0] != "system_prompt" {
		t.Errorf("bot diff: want [system_prompt], got %+v", d)
	}
	if !d.LogLevelChanged || d.NewLogLevel != config.LogDebug {
		t.Errorf("log level diff: got %+v", d)
	}
	if got := w.Current().Bot.SystemPrompt; got != "You are a pirate robot." {
		t.Errorf("Current().Bot.SystemPrompt: got %q", got)
	}
}

func TestWatcher_InvalidFileKeepsOldConfig(t *testing.T) {
	t.Parallel()
	cfgPath := filepath.Join(t.TempDir(), "config.yaml")
	writeFile(t, cfgPath, watcherValidYAML)

	rec := &changeRecorder{}
	w, err := config.NewWatcher(context.Background(), cfgPath, rec.record, config.WithInterval(20*time.Millisecond))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer w.Stop()

	writeFile(t, cfgPath, watcherInvalidYAML)
	bumpMtime(t, cfgPath, time.Second)
	time.Sleep(150 * time.Millisecond)

	if rec.count() != 0 {
		t.Errorf("onChange calls: want 0, got %d", rec.count())
	}
	if got := w.Current().Server.LogLevel; got != config.LogInfo {
		t.Errorf("log_level: want %q, got %q", config.LogInfo, got)
	}
}

func TestWatcher_TouchWithoutContentChange(t *testing.T) {
	t.Parallel()
	cfgPath := filepath.Join(t.TempDir(), "config.yaml")
	writeFile(t, cfgPath, watcherValidYAML)

	rec := &changeRecorder{}
	w, err := config.NewWatcher(context.Background(), cfgPath, rec.record, config.WithInterval(20*time.Millisecond))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer w.Stop()

	bumpMtime(t, cfgPath, time.Second)
	time.Sleep(150 * time.Millisecond)

	if rec.count() != 0 {
		t.Errorf("onChange calls: want 0, got %d", rec.count())
	}
}

func TestWatcher_InitialLoadFails(t *testing.T) {
	t.Parallel()
	_, err := config.NewWatcher(context.Background(), filepath.Join(t.TempDir(), "absent.yaml"), nil)
	if err == nil {
		t.Fatal("want error for missing file, got nil")
	}
}

func TestWatcher_StopsWithContextAndStop(t *testing.T) {
	t.Parallel()
	cfgPath := filepath.Join(t.TempDir(), "config.yaml")
	writeFile(t, cfgPath, watcherValidYAML)

	ctx, cancel := context.WithCancel(context.Background())
	w, err := config.NewWatcher(ctx, cfgPath, nil, config.WithInterval(20*time.Millisecond))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	cancel()

	done := make(chan struct{})
	go func() {
		w.Stop()
		w.Stop()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Stop did not return")
	}
}
