package transport_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/425732441/full-duplex-voice-demo/internal/pipeline"
	pipemock "github.com/425732441/full-duplex-voice-demo/internal/pipeline/mock"
	"github.com/425732441/full-duplex-voice-demo/internal/transport"
	"github.com/425732441/full-duplex-voice-demo/internal/transport/mock"
	"github.com/425732441/full-duplex-voice-demo/pkg/audio"
	"github.com/425732441/full-duplex-voice-demo/pkg/frame"
	"github.com/425732441/full-duplex-voice-demo/pkg/serializer/protobuf"
)

const waitTimeout = 2 * time.Second

var mono16k = audio.Format{SampleRate: 16000, Channels: 1}

func encode(t *testing.T, s transport.Serializer, f frame.Frame) []byte {
	t.Helper()
	b, err := s.Serialize(f)
	if err != nil || b == nil {
		t.Fatalf("Serialize(%v): %v", f.Kind(), err)
	}
	return b
}

func TestInput_EmitsAudioAndMessages(t *testing.T) {
	t.Parallel()

	conn := mock.NewConn()
	ser := protobuf.New(16000, 1)
	in := transport.NewInput(conn, ser, mono16k, nil)
	out := pipemock.NewOutbox()
	if err := in.Start(context.Background(), out); err != nil {
		t.Fatalf("Start: %v", err)
	}

	// 10ms of 48 kHz stereo.
	conn.Feed(encode(t, ser, frame.NewAudioChunk(make([]byte, 1920), 48000, 2)))
	conn.Feed(encode(t, ser, frame.NewServerMessage([]byte(`{"label":"rtvi-ai","type":"client-ready","id":"1"}`))))
	out.WaitKind(t, frame.KindClientMessage, 1, waitTimeout)

	down := out.DownstreamFrames()
	if len(down) != 2 {
		t.Fatalf("downstream: want 2 frames, got %v", out.Kinds())
	}
	a, ok := down[0].(*frame.AudioChunk)
	if !ok {
		t.Fatalf("first frame: want *frame.AudioChunk, got %T", down[0])
	}
	if a.SampleRate != 16000 || a.Channels != 1 {
		t.Errorf("audio format: want 16000 Hz mono, got %d Hz/%d ch", a.SampleRate, a.Channels)
	}
	if got := len(a.Data); got != 320 {
		t.Errorf("audio bytes: want 320, got %d", got)
	}
	if m := down[1].(*frame.ClientMessage); m.Type != "client-ready" {
		t.Errorf("message type: want client-ready, got %s", m.Type)
	}

	conn.Disconnect()
	select {
	case <-in.Done():
	case <-time.After(waitTimeout):
		t.Fatal("Done: not closed after disconnect")
	}
	if got := out.FailCount(); got != 0 {
		t.Errorf("failures after clean disconnect: want 0, got %d", got)
	}
	if err := in.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
}

func TestInput_MalformedMessageIsReported(t *testing.T) {
	t.Parallel()

	conn := mock.NewConn()
	in := transport.NewInput(conn, protobuf.New(16000, 1), mono16k, nil)
	out := pipemock.NewOutbox()
	if err := in.Start(context.Background(), out); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer in.Close()
	defer conn.Close()

	conn.Feed([]byte{0xff, 0xff, 0xff})
	deadline := time.Now().Add(waitTimeout)
	for out.ReportCount() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("timed out waiting for report")
		}
		time.Sleep(2 * time.Millisecond)
	}
	if kind, _ := pipeline.KindOf(out.Reports[0]); kind != pipeline.ProtocolViolation {
		t.Errorf("report kind: want %v, got %v", pipeline.ProtocolViolation, kind)
	}
	if got := out.FailCount(); got != 0 {
		t.Errorf("failures: want 0, got %d", got)
	}
}

func TestInput_BrokenConnectionFails(t *testing.T) {
	t.Parallel()

	conn := mock.NewConn()
	in := transport.NewInput(conn, protobuf.New(16000, 1), mono16k, nil)
	out := pipemock.NewOutbox()
	if err := in.Start(context.Background(), out); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer in.Close()

	conn.FailRead(errors.New("connection reset by peer"))
	out.WaitFail(t, waitTimeout)
	if kind, _ := pipeline.KindOf(out.Failures[0]); kind != pipeline.TransportError {
		t.Errorf("failure kind: want %v, got %v", pipeline.TransportError, kind)
	}
	<-in.Done()
}

func newOutput(t *testing.T, conn *mock.Conn, lookahead time.Duration) (*transport.Output, *pipemock.Outbox) {
	t.Helper()
	o := transport.NewOutput(conn, protobuf.New(16000, 1), transport.OutputConfig{SampleRate: 24000, Lookahead: lookahead})
	out := pipemock.NewOutbox()
	if err := o.Start(context.Background(), out); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(func() { o.Close() })
	return o, out
}

// pcm24k returns d of silent 24 kHz mono audio.
func pcm24k(d time.Duration) []byte {
	return audio.Silence(d, 24000, 1)
}

func TestOutput_SpeaksAndEndsTurn(t *testing.T) {
	t.Parallel()

	conn := mock.NewConn()
	o, out := newOutput(t, conn, time.Second)
	ctx := context.Background()

	if err := o.Process(ctx, frame.NewEndOfTurn(frame.RoleUser, 7, false), pipeline.Downstream, out); err != nil {
		t.Fatalf("Process user EndOfTurn: %v", err)
	}
	start := time.Now()
	for range 3 {
		if err := o.Process(ctx, frame.NewSynthesizedAudioChunk(pcm24k(20*time.Millisecond), 24000), pipeline.Downstream, out); err != nil {
			t.Fatalf("Process audio: %v", err)
		}
	}
	if err := o.Process(ctx, frame.NewTextDelta("Hello."), pipeline.Downstream, out); err != nil {
		t.Fatalf("Process text: %v", err)
	}
	if err := o.Process(ctx, frame.NewResponseEnd(), pipeline.Downstream, out); err != nil {
		t.Fatalf("Process ResponseEnd: %v", err)
	}
	out.WaitKind(t, frame.KindEndOfTurn, 1, waitTimeout)
	if waited := time.Since(start); waited < 50*time.Millisecond {
		t.Errorf("EndOfTurn: want it after playout, got it after %v", waited)
	}
	conn.WaitWrites(t, 3, waitTimeout)

	if got := out.UpstreamFrames(); len(got) != 1 || got[0].Kind() != frame.KindBotStartedSpeaking {
		t.Errorf("upstream: want one BotStartedSpeaking, got %v", out.Kinds())
	}
	down := out.DownstreamFrames()
	if len(down) != 2 || down[0].Kind() != frame.KindTextDelta {
		t.Fatalf("downstream: want TextDelta then EndOfTurn, got %v", out.Kinds())
	}
	eot, ok := down[1].(*frame.EndOfTurn)
	if !ok || eot.Role != frame.RoleAssistant || eot.TurnID != 7 {
		t.Errorf("end of turn: want assistant turn 7, got %+v", down[1])
	}
}

func TestOutput_ProcessDoesNotWaitForPlayout(t *testing.T) {
	t.Parallel()

	conn := mock.NewConn()
	o, out := newOutput(t, conn, 10*time.Millisecond)
	ctx := context.Background()

	start := time.Now()
	for range 25 {
		if err := o.Process(ctx, frame.NewSynthesizedAudioChunk(pcm24k(40*time.Millisecond), 24000), pipeline.Downstream, out); err != nil {
			t.Fatalf("Process audio: %v", err)
		}
	}
	if err := o.Process(ctx, frame.NewResponseEnd(), pipeline.Downstream, out); err != nil {
		t.Fatalf("Process ResponseEnd: %v", err)
	}
	if took := time.Since(start); took > 200*time.Millisecond {
		t.Errorf("Process: want no pacing inside Process, took %v for 1s of audio", took)
	}
	if got := out.Count(frame.KindEndOfTurn); got != 0 {
		t.Errorf("EndOfTurn before playout: want 0, got %d", got)
	}
}

func TestOutput_EmptyResponseEndsTurnAtOnce(t *testing.T) {
	t.Parallel()

	conn := mock.NewConn()
	o, out := newOutput(t, conn, 0)

	if err := o.Process(context.Background(), frame.NewResponseEnd(), pipeline.Downstream, out); err != nil {
		t.Fatalf("Process: %v", err)
	}
	out.WaitKind(t, frame.KindEndOfTurn, 1, 200*time.Millisecond)
	if got := out.Count(frame.KindBotStartedSpeaking); got != 0 {
		t.Errorf("BotStartedSpeaking: want 0, got %d", got)
	}
}

func TestOutput_InterruptAbortsPlayout(t *testing.T) {
	t.Parallel()

	conn := mock.NewConn()
	o, out := newOutput(t, conn, 10*time.Millisecond)
	ctx := context.Background()

	for range 2 {
		if err := o.Process(ctx, frame.NewSynthesizedAudioChunk(pcm24k(time.Second), 24000), pipeline.Downstream, out); err != nil {
			t.Fatalf("Process audio: %v", err)
		}
	}
	if err := o.Process(ctx, frame.NewResponseEnd(), pipeline.Downstream, out); err != nil {
		t.Fatalf("Process ResponseEnd: %v", err)
	}
	conn.WaitWrites(t, 1, waitTimeout)
	o.Interrupt(frame.NewStartInterruption())

	// The next response speaks and ends without waiting out the old one.
	start := time.Now()
	if err := o.Process(ctx, frame.NewSynthesizedAudioChunk(pcm24k(10*time.Millisecond), 24000), pipeline.Downstream, out); err != nil {
		t.Fatalf("Process audio: %v", err)
	}
	if err := o.Process(ctx, frame.NewResponseEnd(), pipeline.Downstream, out); err != nil {
		t.Fatalf("Process ResponseEnd: %v", err)
	}
	out.WaitKind(t, frame.KindEndOfTurn, 1, waitTimeout)
	if waited := time.Since(start); waited > 500*time.Millisecond {
		t.Errorf("EndOfTurn after interruption: want the old playout abandoned, waited %v", waited)
	}
	time.Sleep(50 * time.Millisecond)
	if got := out.Count(frame.KindEndOfTurn); got != 1 {
		t.Errorf("EndOfTurn: want 1 for the new response only, got %d", got)
	}
	if got := out.Count(frame.KindBotStartedSpeaking); got != 2 {
		t.Errorf("BotStartedSpeaking: want 2, got %d", got)
	}
	if got := len(conn.Writes()); got != 2 {
		t.Errorf("writes: want the first chunk and the new one, got %d", got)
	}
}

func TestOutput_DropsAudioOlderThanInterruption(t *testing.T) {
	t.Parallel()

	conn := mock.NewConn()
	o, out := newOutput(t, conn, time.Second)
	ctx := context.Background()

	// Created before the interruption but processed after its sweep.
	stale := frame.NewSynthesizedAudioChunk(pcm24k(20*time.Millisecond), 24000)
	staleEnd := frame.NewResponseEnd()
	o.Interrupt(frame.NewStartInterruption())

	if err := o.Process(ctx, stale, pipeline.Downstream, out); err != nil {
		t.Fatalf("Process stale audio: %v", err)
	}
	if err := o.Process(ctx, staleEnd, pipeline.Downstream, out); err != nil {
		t.Fatalf("Process stale ResponseEnd: %v", err)
	}
	time.Sleep(50 * time.Millisecond)
	if got := len(conn.Writes()); got != 0 {
		t.Errorf("writes of stale audio: want 0, got %d", got)
	}
	if got := len(out.Frames()); got != 0 {
		t.Errorf("emissions for stale frames: want none, got %v", out.Kinds())
	}

	// The next response still announces itself.
	if err := o.Process(ctx, frame.NewSynthesizedAudioChunk(pcm24k(20*time.Millisecond), 24000), pipeline.Downstream, out); err != nil {
		t.Fatalf("Process audio: %v", err)
	}
	if got := out.Count(frame.KindBotStartedSpeaking); got != 1 {
		t.Errorf("BotStartedSpeaking: want 1, got %d", got)
	}
	conn.WaitWrites(t, 1, waitTimeout)
}

// A non-interrupting control frame queued behind seconds of bot audio is
// acknowledged promptly, so a recoverable stream error stays recoverable.
func TestOutput_ControlBehindQueuedAudioIsAcknowledged(t *testing.T) {
	t.Parallel()

	conn := mock.NewConn()
	o := transport.NewOutput(conn, protobuf.New(16000, 1), transport.OutputConfig{SampleRate: 24000, Lookahead: 10 * time.Millisecond})
	p, err := pipeline.New([]pipeline.Stage{o}, pipeline.WithControlAckTimeout(300*time.Millisecond))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := p.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(func() { p.Close() })

	ctx := context.Background()
	for range 30 {
		if err := p.Push(ctx, frame.NewSynthesizedAudioChunk(pcm24k(40*time.Millisecond), 24000)); err != nil {
			t.Fatalf("Push audio: %v", err)
		}
	}
	if err := p.Push(ctx, frame.NewEndOfStream("stt", errors.New("stream reset"))); err != nil {
		t.Fatalf("Push EndOfStream: %v", err)
	}

	select {
	case err := <-p.Errors():
		t.Fatalf("Errors: want none, got %v", err)
	case <-time.After(600 * time.Millisecond):
	}
}

func TestOutput_SendMessage(t *testing.T) {
	t.Parallel()

	conn := mock.NewConn()
	o := transport.NewOutput(conn, protobuf.New(16000, 1), transport.OutputConfig{SampleRate: 24000})
	out := pipemock.NewOutbox()
	if err := o.Start(context.Background(), out); err != nil {
		t.Fatalf("Start: %v", err)
	}

	if err := o.SendMessage([]byte(`{"label":"rtvi-ai","type":"bot-ready","id":"1"}`)); err != nil {
		t.Fatalf("SendMessage: %v", err)
	}
	conn.WaitWrites(t, 1, waitTimeout)

	f, err := protobuf.New(16000, 1).Deserialize(conn.Writes()[0])
	if err != nil {
		t.Fatalf("Deserialize: %v", err)
	}
	if m := f.(*frame.ClientMessage); m.Type != "bot-ready" {
		t.Errorf("written message: want bot-ready, got %s", m.Type)
	}

	if err := o.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := o.SendMessage([]byte(`{}`)); !errors.Is(err, transport.ErrOutputClosed) {
		t.Errorf("SendMessage after Close: want ErrOutputClosed, got %v", err)
	}
}

func TestOutput_WriteErrorFails(t *testing.T) {
	t.Parallel()

	conn := mock.NewConn()
	conn.SetWriteErr(errors.New("broken pipe"))
	o, out := newOutput(t, conn, time.Second)

	if err := o.SendMessage([]byte(`{"type":"x"}`)); err != nil {
		t.Fatalf("SendMessage: %v", err)
	}
	out.WaitFail(t, waitTimeout)
	if kind, _ := pipeline.KindOf(out.Failures[0]); kind != pipeline.TransportError {
		t.Errorf("failure kind: want %v, got %v", pipeline.TransportError, kind)
	}
}

func TestIsClosed(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name string
		err  error
		want bool
	}{
		{name: "nil", err: nil, want: false},
		{name: "canceled", err: context.Canceled, want: true},
		{name: "other", err: errors.New("reset"), want: false},
	}
	for _, tc := range cases {
		if got := transport.IsClosed(tc.err); got != tc.want {
			t.Errorf("%s: want %v, got %v", tc.name, tc.want, got)
		}
	}
}
