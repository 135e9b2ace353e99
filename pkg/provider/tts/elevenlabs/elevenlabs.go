// Package elevenlabs provides an ElevenLabs-backed TTS provider using the
// ElevenLabs streaming WebSocket API. It implements the tts.Provider interface.
package elevenlabs

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/coder/websocket"

	"github.com/425732441/full-duplex-voice-demo/pkg/provider/tts"
)

const (
	defaultWSBase    = "wss://api.elevenlabs.io/v1/text-to-speech"
	voicesEndpoint   = "https://api.elevenlabs.io/v1/voices"
	defaultModel     = "eleven_flash_v2_5"
	defaultOutputFmt = "pcm_24000"
)

// Provider synthesizes speech over the ElevenLabs stream-input websocket.
type Provider struct {
	apiKey       string
	model        string
	outputFormat string
	wsBase       string
	httpClient   *http.Client
}

// Option sets a Provider field.
type Option func(*Provider)

// WithModel selects the ElevenLabs model, e.g. "eleven_turbo_v2_5".
func WithModel(model string) Option { return func(p *Provider) { p.model = model } }

// WithOutputFormat selects the audio format. It must be raw PCM, "pcm_<hz>".
func WithOutputFormat(format string) Option { return func(p *Provider) { p.outputFormat = format } }

// WithBaseURL replaces the websocket base; "/<voice>/stream-input" is
// appended to it.
func WithBaseURL(base string) Option {
	return func(p *Provider) { p.wsBase = strings.TrimSuffix(base, "/") }
}

// New returns a Provider authenticating with apiKey. It fails when the
// output format is not raw PCM.
func New(apiKey string, opts ...Option) (*Provider, error) {
	if apiKey == "" {
		return nil, errors.New("elevenlabs: api key must not be empty")
	}
	p := &Provider{apiKey: apiKey, model: defaultModel, outputFormat: defaultOutputFmt, wsBase: defaultWSBase, httpClient: http.DefaultClient}
	for _, opt := range opts {
		opt(p)
	}
	if sampleRateOf(p.outputFormat) == 0 {
		return nil, fmt.Errorf("elevenlabs: output format %q is not raw PCM", p.outputFormat)
	}
	return p, nil
}

// SampleRate implements tts.Provider.
func (p *Provider) SampleRate() int { return sampleRateOf(p.outputFormat) }

// sampleRateOf extracts the rate of a "pcm_<rate>" format, or 0.
func sampleRateOf(format string) int {
	rate, ok := strings.CutPrefix(format, "pcm_")
	if !ok {
		return 0
	}
	n, err := strconv.Atoi(rate)
	if err != nil {
		return 0
	}
	return n
}

// textMessage is the JSON payload sent to ElevenLabs for each text fragment.
type textMessage struct {
	Text                 string         `json:"text"`
	VoiceSettings        *voiceSettings `json:"voice_settings,omitempty"`
	TryTriggerGeneration bool           `json:"try_trigger_generation,omitempty"`
}

// voiceSettings mirrors the ElevenLabs voice_settings object.
type voiceSettings struct {
	Stability       float64 `json:"stability"`
	SimilarityBoost float64 `json:"similarity_boost"`
	Speed           float64 `json:"speed,omitempty"`
}

// audioResponse is the JSON message received from ElevenLabs over the WebSocket.
type audioResponse struct {
	Audio   string `json:"audio"` // base64-encoded PCM
	IsFinal bool   `json:"isFinal"`
	Message string `json:"message,omitempty"`
	Error   string `json:"error,omitempty"`
}

// SynthesizeStream opens a WebSocket to ElevenLabs, pipes text fragments from
// the text channel, and returns a channel emitting raw PCM audio chunks.
func (p *Provider) SynthesizeStream(ctx context.Context, text <-chan string, voice tts.VoiceProfile) (<-chan []byte, error) {
	if voice.ID == "" {
		return nil, tts.ErrNoVoice
	}

	headers := http.Header{}
	headers.Set("xi-api-key", p.apiKey)
	conn, _, err := websocket.Dial(ctx, p.buildURL(voice.ID), &websocket.DialOptions{HTTPHeader: headers})
	if err != nil {
		return nil, fmt.Errorf("elevenlabs: dial: %w", err)
	}

	// The first message opens the stream and carries the voice settings.
	first, _ := json.Marshal(textMessage{
		Text: " ",
		VoiceSettings: &voiceSettings{
			Stability:       0.5,
			SimilarityBoost: 0.75,
			Speed:           voice.SpeedFactor,
		},
	})
	if err := conn.Write(ctx, websocket.MessageText, first); err != nil {
		conn.Close(websocket.StatusInternalError, "failed to open stream")
		return nil, fmt.Errorf("elevenlabs: open stream: %w", err)
	}

	audioCh := make(chan []byte, 64)

	go func() {
		defer close(audioCh)
		defer conn.CloseNow()

		readDone := make(chan struct{})
		go func() {
			defer close(readDone)
			for {
				_, msg, err := conn.Read(ctx)
				if err != nil {
					return
				}
				pcm, final, err := parseAudioResponse(msg)
				if err != nil {
					slog.Warn("elevenlabs: stream error", "voice", voice.ID, "err", err)
					return
				}
				if len(pcm) > 0 {
					select {
					case audioCh <- pcm:
					case <-ctx.Done():
						return
					}
				}
				if final {
					return
				}
			}
		}()

		for {
			select {
			case sentence, ok := <-text:
				if !ok {
					// An empty text closes the input; ElevenLabs flushes the
					// remaining audio and sends isFinal.
					eos, _ := json.Marshal(textMessage{Text: ""})
					_ = conn.Write(ctx, websocket.MessageText, eos)
					<-readDone
					return
				}
				if strings.TrimSpace(sentence) == "" {
					continue
				}
				msg, _ := json.Marshal(textMessage{Text: sentence + " ", TryTriggerGeneration: true})
				if err := conn.Write(ctx, websocket.MessageText, msg); err != nil {
					return
				}
			case <-readDone:
				return
			case <-ctx.Done():
				return
			}
		}
	}()

	return audioCh, nil
}

func (p *Provider) buildURL(voiceID string) string {
	q := url.Values{}
	q.Set("model_id", p.model)
	q.Set("output_format", p.outputFormat)
	return p.wsBase + "/" + url.PathEscape(voiceID) + "/stream-input?" + q.Encode()
}

// parseAudioResponse decodes one server message. final reports the end of
// the stream.
func parseAudioResponse(data []byte) (pcm []byte, final bool, err error) {
	var resp audioResponse
	if err := json.Unmarshal(data, &resp); err != nil {
		return nil, false, nil
	}
	if resp.Error != "" {
		return nil, false, fmt.Errorf("elevenlabs: %s: %s", resp.Error, resp.Message)
	}
	if resp.Audio != "" {
		pcm, err = base64.StdEncoding.DecodeString(resp.Audio)
		if err != nil {
			return nil, false, fmt.Errorf("elevenlabs: decode audio: %w", err)
		}
	}
	return pcm, resp.IsFinal, nil
}

// voicesResponse is the top-level response from GET /v1/voices.
type voicesResponse struct {
	Voices []elevenLabsVoice `json:"voices"`
}

type elevenLabsVoice struct {
	VoiceID string `json:"voice_id"`
	Name    string `json:"name"`
}

// ListVoices returns all voices available for the configured API key.
func (p *Provider) ListVoices(ctx context.Context) ([]tts.VoiceProfile, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, voicesEndpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("elevenlabs: list voices: %w", err)
	}
	req.Header.Set("xi-api-key", p.apiKey)
	req.Header.Set("Accept", "application/json")

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("elevenlabs: list voices HTTP: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("elevenlabs: list voices: unexpected status %d", resp.StatusCode)
	}

	var vr voicesResponse
	if err := json.NewDecoder(resp.Body).Decode(&vr); err != nil {
		return nil, fmt.Errorf("elevenlabs: list voices decode: %w", err)
	}
	return toProfiles(vr), nil
}

func toProfiles(vr voicesResponse) []tts.VoiceProfile {
	profiles := make([]tts.VoiceProfile, 0, len(vr.Voices))
	for _, v := range vr.Voices {
		profiles = append(profiles, tts.VoiceProfile{ID: v.VoiceID, Name: v.Name, Provider: "elevenlabs"})
	}
	return profiles
}

var (
	_ tts.Provider    = (*Provider)(nil)
	_ tts.VoiceLister = (*Provider)(nil)
)
