package resilience

import (
	"context"
	"errors"
	"slices"
	"testing"
	"time"

	"github.com/425732441/full-duplex-voice-demo/pkg/provider/llm"
	llmmock "github.com/425732441/full-duplex-voice-demo/pkg/provider/llm/mock"
	"github.com/425732441/full-duplex-voice-demo/pkg/provider/stt"
	sttmock "github.com/425732441/full-duplex-voice-demo/pkg/provider/stt/mock"
	"github.com/425732441/full-duplex-voice-demo/pkg/provider/tts"
	ttsmock "github.com/425732441/full-duplex-voice-demo/pkg/provider/tts/mock"
)

var testCfg = FallbackConfig{CircuitBreaker: CircuitBreakerConfig{MaxFailures: 2, ResetTimeout: time.Hour}}

func TestLLMFallback(t *testing.T) {
	t.Parallel()

	down := errors.New("503 from upstream")
	cases := []struct {
		name        string
		primaryErr  error
		backupErr   error
		wantText    string
		wantErr     error
		wantBackups int
	}{
		{name: "primary serves", wantText: "from primary"},
		{name: "fails over", primaryErr: down, wantText: "from backup", wantBackups: 1},
		{name: "all fail", primaryErr: down, backupErr: down, wantErr: ErrAllFailed, wantBackups: 1},
		{name: "cancel skips backup", primaryErr: context.Canceled, wantErr: context.Canceled},
	}
	for _, tc := range cases {
		primary := &llmmock.Provider{StreamErr: tc.primaryErr, StreamChunks: []llm.Chunk{{Text: "from primary"}}}
		backup := &llmmock.Provider{StreamErr: tc.backupErr, StreamChunks: []llm.Chunk{{Text: "from backup"}}}
		f := NewLLMFallback(primary, "llm/openrouter", testCfg)
		f.AddFallback("llm/anthropic", backup)

		ch, err := f.StreamCompletion(context.Background(), llm.CompletionRequest{})
		if !errors.Is(err, tc.wantErr) {
			t.Errorf("%s: err: want %v, got %v", tc.name, tc.wantErr, err)
			continue
		}
		if got := len(backup.Calls()); got != tc.wantBackups {
			t.Errorf("%s: backup calls: want %d, got %d", tc.name, tc.wantBackups, got)
		}
		if err != nil {
			continue
		}
		var text string
		for c := range ch {
			text += c.Text
		}
		if text != tc.wantText {
			t.Errorf("%s: text: want %q, got %q", tc.name, tc.wantText, text)
		}
	}
}

func TestLLMFallback_OpenBreakerSkipsPrimary(t *testing.T) {
	t.Parallel()
	primary := &llmmock.Provider{StreamErr: errors.New("timeout")}
	backup := &llmmock.Provider{}
	f := NewLLMFallback(primary, "llm/openrouter", testCfg)
	f.AddFallback("llm/ollama", backup)

	for range 3 {
		if _, err := f.StreamCompletion(context.Background(), llm.CompletionRequest{}); err != nil {
			t.Fatalf("StreamCompletion: %v", err)
		}
	}
	// The breaker opened after MaxFailures, so the third call went straight
	// to the backup.
	if got := len(primary.Calls()); got != 2 {
		t.Errorf("primary calls: want 2, got %d", got)
	}
	if got := len(backup.Calls()); got != 3 {
		t.Errorf("backup calls: want 3, got %d", got)
	}
	if got := f.Backends(); !slices.Equal(got, []string{"llm/openrouter", "llm/ollama"}) {
		t.Errorf("Backends: want [llm/openrouter llm/ollama], got %v", got)
	}
}

func TestSTTFallback(t *testing.T) {
	t.Parallel()

	primary := &sttmock.Provider{StartStreamErr: errors.New("handshake rejected")}
	backup := &sttmock.Provider{}
	f := NewSTTFallback(primary, "stt/assemblyai", testCfg)
	f.AddFallback("stt/deepgram", backup)

	cfg := stt.StreamConfig{SampleRate: 16000, Channels: 1, Language: "en"}
	h, err := f.StartStream(context.Background(), cfg)
	if err != nil {
		t.Fatalf("StartStream: %v", err)
	}
	if h != backup.SessionAt(0) {
		t.Error("handle: want the backup's session")
	}
	if got := backup.StartStreamCalls[0].Cfg; got.SampleRate != 16000 || got.Language != "en" {
		t.Errorf("backup config: want 16000 Hz en, got %+v", got)
	}

	backup.StartStreamErr = errors.New("quota exceeded")
	if _, err := f.StartStream(context.Background(), cfg); !errors.Is(err, ErrAllFailed) {
		t.Errorf("all down: want ErrAllFailed, got %v", err)
	}
}

func TestTTSFallback(t *testing.T) {
	t.Parallel()

	primary := &ttsmock.Provider{Rate: 24000, SynthesizeErr: errors.New("voice not found")}
	backup := &ttsmock.Provider{Rate: 24000, SynthesizeChunks: [][]byte{{1, 2}, {3, 4}}}
	f := NewTTSFallback(primary, "tts/cartesia", testCfg)

	if err := f.AddFallback("tts/elevenlabs-16k", &ttsmock.Provider{Rate: 16000}); err == nil {
		t.Error("AddFallback at 16 kHz: want error, got nil")
	}
	if err := f.AddFallback("tts/elevenlabs", backup); err != nil {
		t.Fatalf("AddFallback: %v", err)
	}
	if got := f.Backends(); !slices.Equal(got, []string{"tts/cartesia", "tts/elevenlabs"}) {
		t.Errorf("Backends: want [tts/cartesia tts/elevenlabs], got %v", got)
	}
	if got := f.SampleRate(); got != 24000 {
		t.Errorf("SampleRate: want 24000, got %d", got)
	}

	text := make(chan string, 1)
	text <- "Hello there."
	close(text)
	audio, err := f.SynthesizeStream(context.Background(), text, tts.VoiceProfile{ID: "voice-1"})
	if err != nil {
		t.Fatalf("SynthesizeStream: %v", err)
	}
	var n int
	for range audio {
		n++
	}
	if n != 2 {
		t.Errorf("audio chunks: want 2, got %d", n)
	}
	if calls := backup.SynthesizeStreamCalls; len(calls) != 1 || calls[0].Voice.ID != "voice-1" {
		t.Errorf("backup calls: want one with voice-1, got %+v", calls)
	}
}
