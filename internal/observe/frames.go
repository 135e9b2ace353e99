package observe

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/425732441/full-duplex-voice-demo/internal/pipeline"
	"github.com/425732441/full-duplex-voice-demo/pkg/frame"
)

// FrameMetrics is a [pipeline.Observer] that derives conversation metrics
// from the frames delivered to one stage. Pick a stage that sees every
// broadcast and the upstream BotStartedSpeaking notification, such as the
// turn controller.
type FrameMetrics struct {
	m     *Metrics
	stage string
	now   func() time.Time

	mu        sync.Mutex
	turnEnded time.Time
}

// NewFrameMetrics returns a FrameMetrics watching deliveries to stage.
func NewFrameMetrics(m *Metrics, stage string) *FrameMetrics {
	return &FrameMetrics{m: m, stage: stage, now: time.Now}
}

// OnFrame implements [pipeline.Observer].
func (fm *FrameMetrics) OnFrame(stage string, f frame.Frame, _ pipeline.Direction) {
	if stage != fm.stage {
		return
	}
	ctx := context.Background()
	switch f := f.(type) {
	case *frame.EndOfTurn:
		fm.m.Turns.Add(ctx, 1, metric.WithAttributes(
			attribute.String("role", string(f.Role)),
			attribute.Bool("forced", f.Forced),
		))
		if f.Role == frame.RoleUser {
			fm.mu.Lock()
			fm.turnEnded = fm.now()
			fm.mu.Unlock()
		}
	case *frame.BotStartedSpeaking:
		fm.mu.Lock()
		ended := fm.turnEnded
		fm.turnEnded = time.Time{}
		fm.mu.Unlock()
		if !ended.IsZero() {
			fm.m.ResponseLatency.Record(ctx, fm.now().Sub(ended).Seconds())
		}
	case *frame.StartInterruption:
		fm.m.Interruptions.Add(ctx, 1)
		fm.mu.Lock()
		fm.turnEnded = time.Time{}
		fm.mu.Unlock()
	}
}

var _ pipeline.Observer = (*FrameMetrics)(nil)
