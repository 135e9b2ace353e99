// Package deepgram provides an STT provider backed by the Deepgram streaming
// WebSocket API.
package deepgram

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/425732441/full-duplex-voice-demo/pkg/provider/stt"
)

const (
	defaultEndpoint   = "wss://api.deepgram.com/v1/listen"
	defaultModel      = "nova-3"
	defaultLanguage   = "en"
	defaultSampleRate = 16000
	closeTimeout      = time.Second
)

// Provider opens Deepgram live transcription sessions. StreamConfig values
// win over the provider defaults set by options.
type Provider struct {
	apiKey     string
	endpoint   string
	model      string
	language   string
	sampleRate int
}

// Option sets a Provider default.
type Option func(*Provider)

// WithModel selects the Deepgram model, e.g. "nova-3" or "nova-2-phonecall".
func WithModel(model string) Option { return func(p *Provider) { p.model = model } }

// WithLanguage sets the language used when StreamConfig.Language is empty.
func WithLanguage(lang string) Option { return func(p *Provider) { p.language = lang } }

// WithSampleRate sets the rate used when StreamConfig.SampleRate is zero.
func WithSampleRate(hz int) Option { return func(p *Provider) { p.sampleRate = hz } }

// WithEndpoint replaces the listen URL, for self-hosted Deepgram or tests.
func WithEndpoint(u string) Option { return func(p *Provider) { p.endpoint = u } }

// New returns a Provider authenticating with apiKey.
func New(apiKey string, opts ...Option) (*Provider, error) {
	if apiKey == "" {
		return nil, errors.New("deepgram: api key must not be empty")
	}
	p := &Provider{apiKey: apiKey, endpoint: defaultEndpoint, model: defaultModel, language: defaultLanguage, sampleRate: defaultSampleRate}
	for _, opt := range opts {
		opt(p)
	}
	return p, nil
}

// StartStream opens a streaming transcription session with Deepgram.
func (p *Provider) StartStream(ctx context.Context, cfg stt.StreamConfig) (stt.SessionHandle, error) {
	wsURL, err := p.buildURL(cfg)
	if err != nil {
		return nil, fmt.Errorf("deepgram: build URL: %w", err)
	}

	headers := http.Header{}
	headers.Set("Authorization", "Token "+p.apiKey)

	conn, _, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{HTTPHeader: headers})
	if err != nil {
		return nil, fmt.Errorf("deepgram: dial: %w", err)
	}

	// The session outlives the dial context.
	sessCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	sess := &session{
		conn:     conn,
		cancel:   cancel,
		partials: make(chan stt.Transcript, 64),
		finals:   make(chan stt.Transcript, 64),
		audio:    make(chan []byte, 256),
		done:     make(chan struct{}),
	}
	sess.wg.Add(2)
	go sess.readLoop(sessCtx)
	go sess.writeLoop(sessCtx)
	return sess, nil
}

func (p *Provider) buildURL(cfg stt.StreamConfig) (string, error) {
	u, err := url.Parse(p.endpoint)
	if err != nil {
		return "", err
	}

	lang := cfg.Language
	if lang == "" {
		lang = p.language
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
	q.Set("model", p.model)
	q.Set("language", lang)
	q.Set("punctuate", "true")
	q.Set("interim_results", "true")
	q.Set("encoding", "linear16")
	q.Set("sample_rate", strconv.Itoa(sr))
	if cfg.Channels > 0 {
		q.Set("channels", strconv.Itoa(cfg.Channels))
	}
	if ep.MinEndOfTurnSilence > 0 {
		q.Set("endpointing", strconv.FormatInt(ep.MinEndOfTurnSilence.Milliseconds(), 10))
	}
	// Deepgram rejects utterance_end_ms below 1000.
	if ms := ep.MaxTurnSilence.Milliseconds(); ms >= 1000 {
		q.Set("utterance_end_ms", strconv.FormatInt(ms, 10))
	}
	for _, kw := range cfg.Keywords {
		q.Add("keywords", fmt.Sprintf("%s:%g", kw.Keyword, kw.Boost))
	}

	u.RawQuery = q.Encode()
	return u.String(), nil
}

// ─── session ─────────────────────────────────────────────────────────────────

// deepgramResponse is the JSON structure of a Results event.
type deepgramResponse struct {
	Type        string `json:"type"`
	IsFinal     bool   `json:"is_final"`
	SpeechFinal bool   `json:"speech_final"`
	Channel     struct {
		Alternatives []struct {
			Transcript string  `json:"transcript"`
			Confidence float64 `json:"confidence"`
		} `json:"alternatives"`
	} `json:"channel"`
}

// session is a live Deepgram streaming session. It implements stt.SessionHandle.
type session struct {
	conn     *websocket.Conn
	cancel   context.CancelFunc
	partials chan stt.Transcript
	finals   chan stt.Transcript
	audio    chan []byte

	done chan struct{}
	once sync.Once
	wg   sync.WaitGroup
}

// SendAudio queues a PCM audio chunk for delivery to Deepgram.
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

// Finals returns the channel of final transcripts.
func (s *session) Finals() <-chan stt.Transcript { return s.finals }

// Close asks Deepgram to flush pending audio and closes the connection.
func (s *session) Close() error {
	s.once.Do(func() {
		close(s.done)
		wctx, cancel := context.WithTimeout(context.Background(), closeTimeout)
		_ = s.conn.Write(wctx, websocket.MessageText, []byte(`{"type":"CloseStream"}`))
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

	for {
		_, msg, err := s.conn.Read(ctx)
		if err != nil {
			return
		}
		t, ok := parseDeepgramResponse(msg)
		if !ok {
			continue
		}
		out := s.partials
		if t.IsFinal {
			out = s.finals
		}
		select {
		case out <- t:
		case <-s.done:
			return
		}
	}
}

// parseDeepgramResponse parses a raw Deepgram message. ok is false for
// messages that carry no transcript.
func parseDeepgramResponse(data []byte) (t stt.Transcript, ok bool) {
	var resp deepgramResponse
	if err := json.Unmarshal(data, &resp); err != nil {
		return stt.Transcript{}, false
	}
	if resp.Type != "Results" || len(resp.Channel.Alternatives) == 0 {
		return stt.Transcript{}, false
	}
	alt := resp.Channel.Alternatives[0]
	if alt.Transcript == "" && !resp.IsFinal {
		return stt.Transcript{}, false
	}
	return stt.Transcript{
		Text:       alt.Transcript,
		IsFinal:    resp.IsFinal,
		EndOfTurn:  resp.SpeechFinal,
		Confidence: alt.Confidence,
	}, true
}

var (
	_ stt.Provider      = (*Provider)(nil)
	_ stt.SessionHandle = (*session)(nil)
)
