// Package mock provides scripted VAD doubles.
//
//	sess := &mock.Session{}
//	sess.Queue(vad.Event{Type: vad.EventSpeechStart, Probability: 0.9})
//	eng := &mock.Engine{Session: sess}
package mock

import (
	"sync"

	"github.com/425732441/full-duplex-voice-demo/pkg/provider/vad"
)

// Engine hands out Session, or a fresh silent Session per call when Session
// is nil.
type Engine struct {
	Session       vad.SessionHandle
	NewSessionErr error

	mu      sync.Mutex
	configs []vad.Config
}

// NewSession implements [vad.Engine].
func (e *Engine) NewSession(cfg vad.Config) (vad.SessionHandle, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.configs = append(e.configs, cfg)
	switch {
	case e.NewSessionErr != nil:
		return nil, e.NewSessionErr
	case e.Session != nil:
		return e.Session, nil
	}
	return &Session{}, nil
}

// Configs returns the configs NewSession was called with.
func (e *Engine) Configs() []vad.Config {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]vad.Config(nil), e.configs...)
}

// Session replays queued events, one per processed frame, then reports
// Idle (or Idle's override) forever.
type Session struct {
	// Idle is returned once the queue is drained.
	Idle vad.Event

	// Err fails every ProcessFrame call.
	Err error

	// ResetCallCount and CloseCallCount count Reset and Close calls. Read
	// them after the session's user has stopped.
	ResetCallCount int
	CloseCallCount int

	mu     sync.Mutex
	queue  []vad.Event
	frames int
}

// Queue schedules events for the next ProcessFrame calls.
func (s *Session) Queue(events ...vad.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.queue = append(s.queue, events...)
}

func (s *Session) ProcessFrame([]byte) (vad.Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.frames++
	if s.Err != nil {
		return vad.Event{}, s.Err
	}
	if len(s.queue) == 0 {
		return s.Idle, nil
	}
	ev := s.queue[0]
	s.queue = s.queue[1:]
	return ev, nil
}

// FrameCount returns how many frames were processed.
func (s *Session) FrameCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.frames
}

func (s *Session) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ResetCallCount++
}

func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.CloseCallCount++
	return nil
}

// Closed reports whether Close was called.
func (s *Session) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.CloseCallCount > 0
}

var (
	_ vad.Engine        = (*Engine)(nil)
	_ vad.SessionHandle = (*Session)(nil)
)
