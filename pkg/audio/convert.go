package audio

import (
	"fmt"
	"log/slog"
	"sync"
)

// Format describes the sample rate and channel count of a PCM stream.
type Format struct {
	SampleRate int
	Channels   int
}

// String returns e.g. "16000Hz mono".
func (f Format) String() string {
	switch f.Channels {
	case 1:
		return fmt.Sprintf("%dHz mono", f.SampleRate)
	case 2:
		return fmt.Sprintf("%dHz stereo", f.SampleRate)
	default:
		return fmt.Sprintf("%dHz %dch", f.SampleRate, f.Channels)
	}
}

// Converter converts PCM buffers to a fixed target format. It logs once on
// the first format mismatch and once on the first misaligned buffer.
// Create one per stream.
type Converter struct {
	Target Format

	warnMismatch sync.Once
	warnCorrupt  sync.Once
}

// NewConverter returns a Converter producing target.
func NewConverter(target Format) *Converter {
	return &Converter{Target: target}
}

// Convert returns pcm in the target format. Matching input is returned as is.
// A buffer with an odd byte count is dropped and nil is returned. Resampling
// happens before channel conversion so a stereo source headed for mono is
// only resampled once per frame pair.
func (c *Converter) Convert(pcm []byte, from Format) []byte {
	if len(pcm)%BytesPerSample != 0 {
		c.warnCorrupt.Do(func() {
			slog.Warn("audio: odd byte count in PCM buffer, dropping", "bytes", len(pcm), "format", from.String())
		})
		return nil
	}
	if from == c.Target {
		return pcm
	}
	c.warnMismatch.Do(func() {
		slog.Info("audio: converting stream", "from", from.String(), "to", c.Target.String())
	})

	out := Resample(pcm, from.Channels, from.SampleRate, c.Target.SampleRate)
	switch {
	case from.Channels == 1 && c.Target.Channels == 2:
		out = MonoToStereo(out)
	case from.Channels == 2 && c.Target.Channels == 1:
		out = StereoToMono(out)
	}
	return out
}
