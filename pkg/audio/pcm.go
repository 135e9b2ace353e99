// Package audio holds PCM helpers shared by the transports, the speech
// providers and the voice activity detector.
//
// All functions operate on interleaved signed 16-bit little-endian PCM.
package audio

import (
	"encoding/binary"
	"math"
	"time"
)

// BytesPerSample is the size of one 16-bit PCM sample.
const BytesPerSample = 2

func sample(pcm []byte, i int) int16 {
	return int16(binary.LittleEndian.Uint16(pcm[i*BytesPerSample:]))
}

func putSample(pcm []byte, i int, s int16) {
	binary.LittleEndian.PutUint16(pcm[i*BytesPerSample:], uint16(s))
}

func clamp16(v int32) int16 {
	switch {
	case v > math.MaxInt16:
		return math.MaxInt16
	case v < math.MinInt16:
		return math.MinInt16
	}
	return int16(v)
}

// MonoToStereo duplicates every mono sample into an L+R pair.
func MonoToStereo(pcm []byte) []byte {
	n := len(pcm) / BytesPerSample
	out := make([]byte, n*2*BytesPerSample)
	for i := range n {
		s := sample(pcm, i)
		putSample(out, 2*i, s)
		putSample(out, 2*i+1, s)
	}
	return out
}

// StereoToMono averages each L+R pair into one sample.
func StereoToMono(pcm []byte) []byte {
	n := len(pcm) / (2 * BytesPerSample)
	out := make([]byte, n*BytesPerSample)
	for i := range n {
		l, r := int32(sample(pcm, 2*i)), int32(sample(pcm, 2*i+1))
		putSample(out, i, clamp16((l+r)/2))
	}
	return out
}

// Resample converts interleaved PCM with the given channel count from srcRate
// to dstRate by linear interpolation. The input is returned unchanged when
// the rates match or either rate is not positive.
func Resample(pcm []byte, channels, srcRate, dstRate int) []byte {
	if channels < 1 {
		channels = 1
	}
	frameSize := channels * BytesPerSample
	if srcRate <= 0 || dstRate <= 0 || srcRate == dstRate || len(pcm) < frameSize {
		return pcm
	}
	srcFrames := len(pcm) / frameSize
	dstFrames := int(int64(srcFrames) * int64(dstRate) / int64(srcRate))
	if dstFrames == 0 {
		return nil
	}

	out := make([]byte, dstFrames*frameSize)
	step := float64(srcRate) / float64(dstRate)
	for i := range dstFrames {
		pos := float64(i) * step
		idx := int(pos)
		frac := pos - float64(idx)
		next := idx + 1
		if next >= srcFrames {
			next = idx
		}
		for c := range channels {
			s0 := float64(sample(pcm, idx*channels+c))
			s1 := float64(sample(pcm, next*channels+c))
			putSample(out, i*channels+c, int16(s0*(1-frac)+s1*frac))
		}
	}
	return out
}

// RMS returns the root mean square of the samples normalised to [0, 1].
// Empty input yields 0.
func RMS(pcm []byte) float64 {
	n := len(pcm) / BytesPerSample
	if n == 0 {
		return 0
	}
	var sum float64
	for i := range n {
		v := float64(sample(pcm, i)) / 32768
		sum += v * v
	}
	return math.Sqrt(sum / float64(n))
}

// Duration returns the playback length of pcm.
func Duration(pcm []byte, sampleRate, channels int) time.Duration {
	if sampleRate <= 0 || channels <= 0 {
		return 0
	}
	frames := len(pcm) / (channels * BytesPerSample)
	return time.Duration(frames) * time.Second / time.Duration(sampleRate)
}

// Silence returns d of zeroed PCM.
func Silence(d time.Duration, sampleRate, channels int) []byte {
	frames := int(d * time.Duration(sampleRate) / time.Second)
	return make([]byte, frames*channels*BytesPerSample)
}
