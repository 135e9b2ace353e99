// Package mock provides test doubles for the stt package interfaces.
//
// Use Session to feed controlled Transcript values and inspect which audio
// chunks were delivered:
//
//	sess := mock.NewSession()
//	p := &mock.Provider{Session: sess}
//	sess.EmitFinal("hello")
package mock

import (
	"context"
	"slices"
	"sync"

	"github.com/425732441/full-duplex-voice-demo/pkg/provider/stt"
)

// StartStreamCall records a single invocation of Provider.StartStream.
type StartStreamCall struct {
	// Ctx is the context passed to StartStream.
	Ctx context.Context
	// Cfg is the StreamConfig passed to StartStream.
	Cfg stt.StreamConfig
}

// Provider is a mock implementation of stt.Provider.
type Provider struct {
	mu sync.Mutex

	// Session is returned by StartStream. If nil, a fresh Session is created
	// per call and appended to Sessions.
	Session stt.SessionHandle

	// StartStreamErr, if non-nil, is returned as the error from StartStream.
	StartStreamErr error

	// StartStreamCalls records every call to StartStream.
	StartStreamCalls []StartStreamCall

	// Sessions holds every Session created by StartStream when Session is nil.
	Sessions []*Session
}

// StartStream records the call and returns Session, StartStreamErr.
func (p *Provider) StartStream(ctx context.Context, cfg stt.StreamConfig) (stt.SessionHandle, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.StartStreamCalls = append(p.StartStreamCalls, StartStreamCall{Ctx: ctx, Cfg: cfg})
	if p.StartStreamErr != nil {
		return nil, p.StartStreamErr
	}
	if p.Session != nil {
		return p.Session, nil
	}
	s := NewSession()
	p.Sessions = append(p.Sessions, s)
	return s, nil
}

// CallCount returns the number of StartStream calls. Thread-safe.
func (p *Provider) CallCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.StartStreamCalls)
}

// SessionAt returns the i-th Session created by StartStream, or nil.
// Thread-safe.
func (p *Provider) SessionAt(i int) *Session {
	p.mu.Lock()
	defer p.mu.Unlock()
	if i < 0 || i >= len(p.Sessions) {
		return nil
	}
	return p.Sessions[i]
}

// Reset clears all recorded calls. Thread-safe.
func (p *Provider) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.StartStreamCalls = nil
	p.Sessions = nil
}

// Ensure Provider implements stt.Provider at compile time.
var _ stt.Provider = (*Provider)(nil)

// Session is a mock implementation of stt.SessionHandle.
type Session struct {
	mu sync.Mutex

	// PartialsCh is the channel returned by Partials().
	PartialsCh chan stt.Transcript

	// FinalsCh is the channel returned by Finals().
	FinalsCh chan stt.Transcript

	// SendAudioErr, if non-nil, is returned by every SendAudio call.
	SendAudioErr error

	// CloseErr, if non-nil, is returned by Close.
	CloseErr error

	// SendAudioCalls holds a copy of every chunk passed to SendAudio.
	SendAudioCalls [][]byte

	// CloseCallCount is the number of times Close was called.
	CloseCallCount int

	closed bool
}

// NewSession returns a Session with buffered channels.
func NewSession() *Session {
	return &Session{
		PartialsCh: make(chan stt.Transcript, 16),
		FinalsCh:   make(chan stt.Transcript, 16),
	}
}

// SendAudio records the call and returns SendAudioErr.
func (s *Session) SendAudio(chunk []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return stt.ErrSessionClosed
	}
	s.SendAudioCalls = append(s.SendAudioCalls, slices.Clone(chunk))
	return s.SendAudioErr
}

// Partials returns PartialsCh.
func (s *Session) Partials() <-chan stt.Transcript { return s.PartialsCh }

// Finals returns FinalsCh.
func (s *Session) Finals() <-chan stt.Transcript { return s.FinalsCh }

// EmitPartial queues an interim transcript.
func (s *Session) EmitPartial(text string) {
	s.PartialsCh <- stt.Transcript{Text: text}
}

// EmitFinal queues a final transcript.
func (s *Session) EmitFinal(text string) {
	s.FinalsCh <- stt.Transcript{Text: text, IsFinal: true}
}

// Drop simulates the provider hanging up: both channels are closed.
func (s *Session) Drop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	close(s.PartialsCh)
	close(s.FinalsCh)
}

// SendAudioCallCount returns the number of SendAudio calls. Thread-safe.
func (s *Session) SendAudioCallCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.SendAudioCalls)
}

// Closed reports whether Close or Drop was called. Thread-safe.
func (s *Session) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// Close records the call, closes both channels once and returns CloseErr.
func (s *Session) Close() error {
	s.mu.Lock()
	s.CloseCallCount++
	err := s.CloseErr
	s.mu.Unlock()
	s.Drop()
	return err
}

// ResetCalls clears all recorded calls. Thread-safe.
func (s *Session) ResetCalls() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.SendAudioCalls = nil
	s.CloseCallCount = 0
}

// Ensure Session implements stt.SessionHandle at compile time.
var _ stt.SessionHandle = (*Session)(nil)
