package rtvi

import (
	"sync"
	"time"

	"github.com/425732441/full-duplex-voice-demo/internal/pipeline"
	"github.com/425732441/full-duplex-voice-demo/pkg/frame"
	"github.com/425732441/full-duplex-voice-demo/pkg/sentence"
)

// seenCapacity bounds the set of frame IDs remembered for de-duplication. A
// frame is delivered to at most every stage once, well within this window.
const seenCapacity = 1024

// Observer turns pipeline frames into RTVI server events. A frame is reported
// once even though it is delivered to several stages. Events are dropped
// until the Processor has sent bot-ready.
type Observer struct {
	proc *Processor
	now  func() time.Time

	mu          sync.Mutex
	seen        map[uint64]struct{}
	ring        []uint64
	next        int
	botSpeaking bool
	transcript  sentence.Aggregator
}

// NewObserver returns an Observer that sends events through proc.
func NewObserver(proc *Processor) *Observer {
	return &Observer{
		proc: proc,
		now:  time.Now,
		seen: make(map[uint64]struct{}, seenCapacity),
		ring: make([]uint64, seenCapacity),
	}
}

// OnFrame implements pipeline.Observer.
func (o *Observer) OnFrame(_ string, f frame.Frame, _ pipeline.Direction) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if !o.firstSightingLocked(f.ID()) {
		return
	}

	switch f := f.(type) {
	case *frame.UserStartedSpeaking:
		o.proc.Send(TypeUserStartedSpeaking, nil)
	case *frame.UserStoppedSpeaking:
		o.proc.Send(TypeUserStoppedSpeaking, nil)
	case *frame.TranscriptionDelta:
		o.proc.Send(TypeUserTranscription, TranscriptionData{
			Text:      f.Text,
			Timestamp: o.now().UTC().Format(time.RFC3339Nano),
			Final:     f.IsFinal,
		})
	case *frame.ContextSnapshot:
		o.proc.Send(TypeBotLLMStarted, nil)
	case *frame.TextDelta:
		o.proc.Send(TypeBotLLMText, TextData{Text: f.Text})
		for _, s := range o.transcript.Push(f.Text) {
			o.proc.Send(TypeBotTranscription, TextData{Text: s})
		}
	case *frame.ResponseEnd:
		if rest := o.transcript.Flush(); rest != "" {
			o.proc.Send(TypeBotTranscription, TextData{Text: rest})
		}
		o.proc.Send(TypeBotLLMStopped, nil)
	case *frame.BotStartedSpeaking:
		o.botSpeaking = true
		o.proc.Send(TypeBotStartedSpeaking, nil)
	case *frame.EndOfTurn:
		if f.Role == frame.RoleAssistant {
			o.botStoppedLocked()
		}
	case *frame.StartInterruption:
		o.transcript.Reset()
		o.botStoppedLocked()
	case *frame.EndOfStream:
		o.botStoppedLocked()
		if f.Err != nil {
			o.proc.Send(TypeError, ErrorData{Error: f.Err.Error(), Fatal: pipeline.IsFatal(f.Err)})
		}
	}
}

func (o *Observer) botStoppedLocked() {
	if !o.botSpeaking {
		return
	}
	o.botSpeaking = false
	o.proc.Send(TypeBotStoppedSpeaking, nil)
}

// firstSightingLocked records id and reports whether it was new.
func (o *Observer) firstSightingLocked(id uint64) bool {
	if _, ok := o.seen[id]; ok {
		return false
	}
	if old := o.ring[o.next]; old != 0 {
		delete(o.seen, old)
	}
	o.ring[o.next] = id
	o.next = (o.next + 1) % len(o.ring)
	o.seen[id] = struct{}{}
	return true
}

var _ pipeline.Observer = (*Observer)(nil)
