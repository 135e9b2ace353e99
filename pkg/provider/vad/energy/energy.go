// Package energy provides a voice activity detector driven by signal level.
//
// Each frame's RMS level is mapped onto a speech probability between a noise
// floor and a speech ceiling (both in dBFS). Start and stop decisions use the
// hysteresis of [vad.Config]: speech has to stay above SpeechThreshold for
// StartDuration before a segment starts, and below SilenceThreshold for
// StopDuration before it ends.
package energy

import (
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/425732441/full-duplex-voice-demo/pkg/audio"
	"github.com/425732441/full-duplex-voice-demo/pkg/provider/vad"
)

const (
	defaultFloorDB   = -50.0
	defaultCeilingDB = -20.0
)

// Option configures an Engine.
type Option func(*Engine)

// WithRange sets the noise floor and speech ceiling in dBFS. Levels at or
// below floor map to probability 0, levels at or above ceiling to 1.
func WithRange(floorDB, ceilingDB float64) Option {
	return func(e *Engine) {
		e.floorDB = floorDB
		e.ceilingDB = ceilingDB
	}
}

// Engine creates energy-based VAD sessions. It is safe for concurrent use.
type Engine struct {
	floorDB   float64
	ceilingDB float64
}

// New returns an Engine.
func New(opts ...Option) (*Engine, error) {
	e := &Engine{floorDB: defaultFloorDB, ceilingDB: defaultCeilingDB}
	for _, o := range opts {
		o(e)
	}
	if e.ceilingDB <= e.floorDB {
		return nil, fmt.Errorf("energy: ceiling %.1f dBFS must exceed floor %.1f dBFS", e.ceilingDB, e.floorDB)
	}
	return e, nil
}

// NewSession implements vad.Engine.
func (e *Engine) NewSession(cfg vad.Config) (vad.SessionHandle, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &session{cfg: cfg, floorDB: e.floorDB, ceilingDB: e.ceilingDB}, nil
}

// Probability maps a frame's level onto [0, 1].
func (e *Engine) Probability(pcm []byte) float64 {
	return probability(pcm, e.floorDB, e.ceilingDB)
}

func probability(pcm []byte, floorDB, ceilingDB float64) float64 {
	rms := audio.RMS(pcm)
	if rms <= 0 {
		return 0
	}
	db := 20 * math.Log10(rms)
	p := (db - floorDB) / (ceilingDB - floorDB)
	return math.Max(0, math.Min(1, p))
}

type session struct {
	mu        sync.Mutex
	cfg       vad.Config
	floorDB   float64
	ceilingDB float64

	speaking bool
	speech   time.Duration
	silence  time.Duration
	closed   bool
}

func (s *session) ProcessFrame(frame []byte) (vad.Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return vad.Event{}, vad.ErrSessionClosed
	}
	if len(frame)%audio.BytesPerSample != 0 {
		return vad.Event{}, fmt.Errorf("energy: frame of %d bytes is not 16-bit PCM", len(frame))
	}

	p := probability(frame, s.floorDB, s.ceilingDB)
	d := audio.Duration(frame, s.cfg.SampleRate, 1)
	ev := vad.Event{Probability: p}

	switch {
	case p >= s.cfg.SpeechThreshold:
		s.speech += d
		s.silence = 0
		if !s.speaking && s.speech >= s.cfg.StartDuration {
			s.speaking = true
			ev.Type = vad.EventSpeechStart
			return ev, nil
		}
	case p < s.cfg.SilenceThreshold:
		s.silence += d
		s.speech = 0
		if s.speaking && s.silence >= s.cfg.StopDuration {
			s.speaking = false
			ev.Type = vad.EventSpeechEnd
			return ev, nil
		}
	default:
		// Between the thresholds nothing accumulates.
		if s.speaking {
			s.silence = 0
		} else {
			s.speech = 0
		}
	}

	if s.speaking {
		ev.Type = vad.EventSpeechContinue
	} else {
		ev.Type = vad.EventSilence
	}
	return ev, nil
}

func (s *session) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.speaking = false
	s.speech = 0
	s.silence = 0
}

func (s *session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

var (
	_ vad.Engine        = (*Engine)(nil)
	_ vad.SessionHandle = (*session)(nil)
)
