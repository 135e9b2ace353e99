// Package assemblyai provides an STT provider backed by the AssemblyAI v3
// Universal Streaming WebSocket API.
//
// AssemblyAI runs its own end-of-turn model. Every Turn message carries the
// full transcript of the current turn so far; a message with end_of_turn set
// is reported as a final with [stt.Transcript.EndOfTurn] set, everything else
// as a partial.
package assemblyai

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/425732441/full-duplex-voice-demo/pkg/provider/stt"
)

const (
	defaultEndpoint   = "wss://streaming.assemblyai.com/v3/ws"
	defaultSampleRate = 16000
	closeTimeout      = time.Second
)

// Option is a functional option for configuring the AssemblyAI Provider.
type Option func(*Provider)

// WithEndpoint overrides the streaming endpoint URL.
func WithEndpoint(endpoint string) Option {
	return func(p *Provider) {
		p.endpoint = endpoint
	}
}

// WithSampleRate sets the default audio sample rate in Hz.
func WithSampleRate(rate int) Option {
	return func(p *Provider) {
		p.sampleRate = rate
	}
}

// WithFormatTurns enables punctuation and casing of final turns. Formatting
// adds latency to the end-of-turn message. Enabled by default.
func WithFormatTurns(on bool) Option {
	return func(p *Provider) {
		p.formatTurns = on
	}
}

// Provider implements stt.Provider backed by AssemblyAI streaming.
type Provider struct {
	apiKey      string
	endpoint    string
	sampleRate  int
	formatTurns bool
}

// New creates a new AssemblyAI Provider. apiKey must be non-empty.
func New(apiKey string, opts ...Option) (*Provider, error) {
	if apiKey == "" {
		return nil, errors.New("assemblyai: apiKey must not be empty")
	}
	p := &Provider{
		apiKey:      apiKey,
		endpoint:    defaultEndpoint,
		sampleRate:  defaultSampleRate,
		formatTurns: true,
	}
	for _, o := range opts {
		o(p)
	}
	return p, nil
}

// StartStream opens a streaming transcription session with AssemblyAI.
func (p *Provider) StartStream(ctx context.Context, cfg stt.StreamConfig) (stt.SessionHandle, error) {
	wsURL, err := p.buildURL(cfg)
	if err != nil {
		return nil, fmt.Errorf("assemblyai: build URL: %w", err)
	}

	headers := http.Header{}
	headers.Set("Authorization", p.apiKey)

	conn, _, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{HTTPHeader: headers})
	if err != nil {
		return nil, fmt.Errorf("assemblyai: dial: %w", err)
	}

	sessCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	s := &session{
		conn:        conn,
		cancel:      cancel,
		formatTurns: p.formatTurns,
		partials:    make(chan stt.Transcript, 64),
		finals:      make(chan stt.Transcript, 64),
		audio:       make(chan []byte, 256),
		done:        make(chan struct{}),
		terminated:  make(chan struct{}),
	}
	s.wg.Add(2)
	go s.readLoop(sessCtx)
	go s.writeLoop(sessCtx)
	return s, nil
}

func (p *Provider) buildURL(cfg stt.StreamConfig) (string, error) {
	u, err := url.Parse(p.endpoint)
	if err != nil {
		return "", err
	}
	sr := cfg.SampleRate
	if sr == 0 {
		sr = p.sampleRate
	}
	ep := cfg.Endpointing
	if ep == (stt.Endpointing{}) {
		ep = stt.DefaultEndpointing()
	}

	q := u.Query()
	q.Set("sample_rate", strconv.Itoa(sr))
	q.Set("encoding", "pcm_s16le")
	q.Set("format_turns", strconv.FormatBool(p.formatTurns))
	if ep.EndOfTurnConfidence > 0 {
		q.Set("end_of_turn_confidence_threshold", strconv.FormatFloat(ep.EndOfTurnConfidence, 'f', -1, 64))
	}
	if ep.MinEndOfTurnSilence > 0 {
		q.Set("min_end_of_turn_silence_when_confident", strconv.FormatInt(ep.MinEndOfTurnSilence.Milliseconds(), 10))
	}
	if ep.MaxTurnSilence > 0 {
		q.Set("max_turn_silence", strconv.FormatInt(ep.MaxTurnSilence.Milliseconds(), 10))
	}
	if len(cfg.Keywords) > 0 {
		terms := make([]string, 0, len(cfg.Keywords))
		for _, kw := range cfg.Keywords {
			terms = append(terms, kw.Keyword)
		}
		b, err := json.Marshal(terms)
		if err != nil {
			return "", err
		}
		q.Set("keyterms_prompt", string(b))
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// ─── session ─────────────────────────────────────────────────────────────────

// message is the union of the server messages the session understands.
type message struct {
	Type            string  `json:"type"`
	ID              string  `json:"id"`
	Transcript      string  `json:"transcript"`
	EndOfTurn       bool    `json:"end_of_turn"`
	TurnIsFormatted bool    `json:"turn_is_formatted"`
	EndOfTurnConf   float64 `json:"end_of_turn_confidence"`
	TurnOrder       int     `json:"turn_order"`
	Error           string  `json:"error"`
}

type session struct {
	conn        *websocket.Conn
	cancel      context.CancelFunc
	formatTurns bool
	partials    chan stt.Transcript
	finals      chan stt.Transcript
	audio       chan []byte

	done       chan struct{}
	terminated chan struct{}
	once       sync.Once
	wg         sync.WaitGroup
}

// SendAudio queues a PCM chunk for delivery.
func (s *session) SendAudio(chunk []byte) error {
	select {
	case <-s.done:
		return stt.ErrSessionClosed
	default:
	}
	select {
	case s.audio <- chunk:
		return nil
	case <-s.done:
		return stt.ErrSessionClosed
	}
}

// Partials returns the channel of interim transcripts.
func (s *session) Partials() <-chan stt.Transcript { return s.partials }

// Finals returns the channel of end-of-turn transcripts.
func (s *session) Finals() <-chan stt.Transcript { return s.finals }

// Close sends Terminate, waits briefly for the Termination reply and closes
// the connection.
func (s *session) Close() error {
	s.once.Do(func() {
		close(s.done)
		wctx, cancel := context.WithTimeout(context.Background(), closeTimeout)
		if err := s.conn.Write(wctx, websocket.MessageText, []byte(`{"type":"Terminate"}`)); err == nil {
			select {
			case <-s.terminated:
			case <-wctx.Done():
			}
		}
		cancel()
		s.cancel()
		s.wg.Wait()
		s.conn.Close(websocket.StatusNormalClosure, "session closed")
	})
	return nil
}

func (s *session) writeLoop(ctx context.Context) {
	defer s.wg.Done()
	for {
		select {
		case chunk := <-s.audio:
			if err := s.conn.Write(ctx, websocket.MessageBinary, chunk); err != nil {
				return
			}
		case <-s.done:
			return
		case <-ctx.Done():
			return
		}
	}
}

func (s *session) readLoop(ctx context.Context) {
	defer s.wg.Done()
	defer close(s.partials)
	defer close(s.finals)
	defer close(s.terminated)

	for {
		_, data, err := s.conn.Read(ctx)
		if err != nil {
			return
		}
		var msg message
		if err := json.Unmarshal(data, &msg); err != nil {
			slog.Debug("assemblyai: ignoring malformed message", "err", err)
			continue
		}
		switch msg.Type {
		case "Begin":
			slog.Debug("assemblyai: session started", "id", msg.ID)
			continue
		case "Termination":
			return
		case "Error":
			slog.Warn("assemblyai: server error", "err", msg.Error)
			continue
		}
		t, ok := toTranscript(msg, s.formatTurns)
		if !ok {
			continue
		}
		out := s.partials
		if t.IsFinal {
			out = s.finals
		}
		select {
		case out <- t:
		case <-ctx.Done():
			return
		}
	}
}

// toTranscript converts a Turn message. With formatting enabled AssemblyAI
// sends the end-of-turn transcript twice, unformatted then formatted; only
// the formatted copy is reported as final.
func toTranscript(msg message, formatTurns bool) (stt.Transcript, bool) {
	if msg.Type != "Turn" {
		return stt.Transcript{}, false
	}
	text := strings.TrimSpace(msg.Transcript)
	if text == "" {
		return stt.Transcript{}, false
	}
	final := msg.EndOfTurn && (msg.TurnIsFormatted || !formatTurns)
	return stt.Transcript{
		Text:       text,
		IsFinal:    final,
		EndOfTurn:  final,
		Confidence: msg.EndOfTurnConf,
	}, true
}

var (
	_ stt.Provider      = (*Provider)(nil)
	_ stt.SessionHandle = (*session)(nil)
)
