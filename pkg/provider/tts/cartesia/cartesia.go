// Package cartesia provides a TTS provider backed by the Cartesia WebSocket
// API.
//
// One WebSocket is shared by every stream of a Provider. Each call to
// SynthesizeStream opens a Cartesia context identified by a fresh UUID;
// text fragments are sent as continuations of that context and audio chunks
// are routed back by context ID. Cancelling the stream's ctx sends a cancel
// request for the context so the server stops generating.
package cartesia

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"

	"github.com/425732441/full-duplex-voice-demo/pkg/provider/tts"
)

const (
	defaultEndpoint   = "wss://api.cartesia.ai/tts/websocket"
	defaultVersion    = "2025-04-16"
	defaultModel      = "sonic-2"
	defaultLanguage   = "en"
	defaultSampleRate = 24000
	writeTimeout      = 2 * time.Second
	contextBuffer     = 1024
)

// DefaultVoice is the voice used when none is configured.
const DefaultVoice = "71a7ad14-091c-4e8e-a314-022ece01c121"

// Option is a functional option for configuring the Cartesia Provider.
type Option func(*Provider)

// WithModel sets the Cartesia model ID.
func WithModel(model string) Option {
	return func(p *Provider) { p.model = model }
}

// WithLanguage sets the synthesis language.
func WithLanguage(lang string) Option {
	return func(p *Provider) { p.language = lang }
}

// WithSampleRate sets the PCM output sample rate.
func WithSampleRate(rate int) Option {
	return func(p *Provider) { p.sampleRate = rate }
}

// WithEndpoint overrides the WebSocket endpoint.
func WithEndpoint(endpoint string) Option {
	return func(p *Provider) { p.endpoint = endpoint }
}

// WithVersion overrides the Cartesia API version.
func WithVersion(v string) Option {
	return func(p *Provider) { p.version = v }
}

// Provider implements tts.Provider backed by Cartesia.
type Provider struct {
	apiKey     string
	endpoint   string
	version    string
	model      string
	language   string
	sampleRate int

	mu       sync.Mutex
	conn     *websocket.Conn
	connDone chan struct{}
	contexts map[string]*stream
	closed   bool
}

// stream is one open Cartesia context.
type stream struct {
	audio chan []byte
	done  chan struct{}
}

// New creates a new Cartesia Provider. apiKey must be non-empty.
func New(apiKey string, opts ...Option) (*Provider, error) {
	if apiKey == "" {
		return nil, errors.New("cartesia: apiKey must not be empty")
	}
	p := &Provider{
		apiKey:     apiKey,
		endpoint:   defaultEndpoint,
		version:    defaultVersion,
		model:      defaultModel,
		language:   defaultLanguage,
		sampleRate: defaultSampleRate,
		contexts:   make(map[string]*stream),
	}
	for _, o := range opts {
		o(p)
	}
	if p.sampleRate <= 0 {
		return nil, fmt.Errorf("cartesia: invalid sample rate %d", p.sampleRate)
	}
	return p, nil
}

// SampleRate implements tts.Provider.
func (p *Provider) SampleRate() int { return p.sampleRate }

// ---- wire messages ----

type voiceSpec struct {
	Mode string `json:"mode"`
	ID   string `json:"id"`
}

type outputFormat struct {
	Container  string `json:"container"`
	Encoding   string `json:"encoding"`
	SampleRate int    `json:"sample_rate"`
}

type generationConfig struct {
	Speed float64 `json:"speed,omitempty"`
}

// request is a generation request or continuation.
type request struct {
	ModelID          string            `json:"model_id"`
	Transcript       string            `json:"transcript"`
	Voice            voiceSpec         `json:"voice"`
	OutputFormat     outputFormat      `json:"output_format"`
	Language         string            `json:"language,omitempty"`
	ContextID        string            `json:"context_id"`
	Continue         bool              `json:"continue"`
	GenerationConfig *generationConfig `json:"generation_config,omitempty"`
}

type cancelRequest struct {
	ContextID string `json:"context_id"`
	Cancel    bool   `json:"cancel"`
}

// response is the union of chunk, done and error messages.
type response struct {
	Type      string `json:"type"`
	ContextID string `json:"context_id"`
	Data      string `json:"data"`
	Done      bool   `json:"done"`
	Error     string `json:"error"`
}

// ---- streaming ----

// SynthesizeStream opens a Cartesia context and streams text into it.
func (p *Provider) SynthesizeStream(ctx context.Context, text <-chan string, voice tts.VoiceProfile) (<-chan []byte, error) {
	if voice.ID == "" {
		return nil, tts.ErrNoVoice
	}
	conn, err := p.connect(ctx)
	if err != nil {
		return nil, err
	}

	contextID := uuid.NewString()
	st := &stream{audio: make(chan []byte, contextBuffer), done: make(chan struct{})}
	p.mu.Lock()
	p.contexts[contextID] = st
	p.mu.Unlock()

	base := request{
		ModelID:  p.model,
		Voice:    voiceSpec{Mode: "id", ID: voice.ID},
		Language: p.language,
		OutputFormat: outputFormat{
			Container:  "raw",
			Encoding:   "pcm_s16le",
			SampleRate: p.sampleRate,
		},
		ContextID: contextID,
		Continue:  true,
	}
	if voice.SpeedFactor > 0 {
		base.GenerationConfig = &generationConfig{Speed: voice.SpeedFactor}
	}

	go func() {
		for {
			select {
			case s, ok := <-text:
				if !ok {
					// Closing the context flushes buffered text; the server
					// answers with done.
					end := base
					end.Transcript = ""
					end.Continue = false
					if err := p.send(conn, end); err != nil {
						p.finish(contextID)
						return
					}
					select {
					case <-st.done:
					case <-ctx.Done():
						p.cancel(conn, contextID)
					}
					return
				}
				if strings.TrimSpace(s) == "" {
					continue
				}
				req := base
				req.Transcript = s + " "
				if err := p.send(conn, req); err != nil {
					slog.Warn("cartesia: send failed", "context_id", contextID, "err", err)
					p.finish(contextID)
					return
				}
			case <-st.done:
				return
			case <-ctx.Done():
				p.cancel(conn, contextID)
				return
			}
		}
	}()
	return st.audio, nil
}

// connect returns the shared connection, dialing it if needed.
func (p *Provider) connect(ctx context.Context) (*websocket.Conn, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil, errors.New("cartesia: provider is closed")
	}
	if p.conn != nil {
		return p.conn, nil
	}
	wsURL, err := p.buildURL()
	if err != nil {
		return nil, fmt.Errorf("cartesia: build URL: %w", err)
	}
	conn, _, err := websocket.Dial(ctx, wsURL, nil)
	if err != nil {
		return nil, fmt.Errorf("cartesia: dial: %w", err)
	}
	conn.SetReadLimit(4 << 20)
	p.conn = conn
	p.connDone = make(chan struct{})
	go p.readLoop(conn, p.connDone)
	return conn, nil
}

func (p *Provider) buildURL() (string, error) {
	u, err := url.Parse(p.endpoint)
	if err != nil {
		return "", err
	}
	q := u.Query()
	q.Set("api_key", p.apiKey)
	q.Set("cartesia_version", p.version)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// send writes one message on the shared connection. Writes use their own
// timeout because an expired write context closes the connection for every
// stream.
func (p *Provider) send(conn *websocket.Conn, v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()
	return conn.Write(ctx, websocket.MessageText, b)
}

// cancel asks the server to stop the context and closes its audio channel.
func (p *Provider) cancel(conn *websocket.Conn, contextID string) {
	if !p.finish(contextID) {
		return
	}
	if err := p.send(conn, cancelRequest{ContextID: contextID, Cancel: true}); err != nil {
		slog.Debug("cartesia: cancel failed", "context_id", contextID, "err", err)
	}
}

// finish unregisters a context and closes its audio channel. It reports
// whether the context was still active.
func (p *Provider) finish(contextID string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	st, ok := p.contexts[contextID]
	if !ok {
		return false
	}
	delete(p.contexts, contextID)
	close(st.done)
	close(st.audio)
	return true
}

// readLoop demultiplexes server messages until the connection fails. Every
// context still open at that point is finished and the next stream redials.
func (p *Provider) readLoop(conn *websocket.Conn, done chan struct{}) {
	defer close(done)
	for {
		_, data, err := conn.Read(context.Background())
		if err != nil {
			p.mu.Lock()
			if p.conn == conn {
				p.conn = nil
			}
			for id, st := range p.contexts {
				delete(p.contexts, id)
				close(st.done)
				close(st.audio)
			}
			p.mu.Unlock()
			if !p.isClosed() {
				slog.Warn("cartesia: connection lost", "err", err)
			}
			return
		}
		var resp response
		if err := json.Unmarshal(data, &resp); err != nil {
			continue
		}
		switch resp.Type {
		case "chunk":
			pcm, err := base64.StdEncoding.DecodeString(resp.Data)
			if err != nil {
				slog.Warn("cartesia: decode audio", "context_id", resp.ContextID, "err", err)
				continue
			}
			p.route(resp.ContextID, pcm)
		case "done":
			p.finish(resp.ContextID)
		case "error":
			slog.Warn("cartesia: server error", "context_id", resp.ContextID, "err", resp.Error)
			p.finish(resp.ContextID)
		}
	}
}

// route delivers pcm to the context's channel. A full channel drops the
// chunk rather than stall every other context on the connection.
func (p *Provider) route(contextID string, pcm []byte) {
	p.mu.Lock()
	defer p.mu.Unlock()
	st, ok := p.contexts[contextID]
	if !ok {
		return
	}
	select {
	case st.audio <- pcm:
	default:
		slog.Warn("cartesia: audio consumer too slow, dropping chunk", "context_id", contextID)
	}
}

func (p *Provider) isClosed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

// Close closes the shared connection and finishes every open context.
func (p *Provider) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	conn, done := p.conn, p.connDone
	p.mu.Unlock()
	if conn == nil {
		return nil
	}
	err := conn.Close(websocket.StatusNormalClosure, "provider closed")
	<-done
	return err
}

var _ tts.Provider = (*Provider)(nil)
