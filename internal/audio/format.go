package audio

import (
	"encoding/binary"
	"math"
	"time"
)

// Format describes interleaved little-endian PCM.
type Format struct {
	SampleRate int
	Channels   int
	BitDepth   int
}

// DefaultFormat is 16 kHz mono 16-bit PCM.
var DefaultFormat = Format{SampleRate: 16000, Channels: 1, BitDepth: 16}

func (f Format) BytesPerSample() int {
	return f.BitDepth / 8
}

func (f Format) BytesPerSecond() int {
	return f.SampleRate * f.Channels * f.BytesPerSample()
}

// FrameBytes returns the byte length of a frame spanning d, rounded down to
// whole samples across all channels.
func (f Format) FrameBytes(d time.Duration) int {
	block := f.Channels * f.BytesPerSample()
	if block == 0 {
		return 0
	}
	samples := int(int64(f.SampleRate) * int64(d) / int64(time.Second))
	return samples * block
}

// Duration returns the playback time of n bytes.
func (f Format) Duration(n int) time.Duration {
	bps := f.BytesPerSecond()
	if bps == 0 {
		return 0
	}
	return time.Duration(int64(n) * int64(time.Second) / int64(bps))
}

// Align truncates n down to a whole number of sample blocks.
func (f Format) Align(n int) int {
	block := f.Channels * f.BytesPerSample()
	if block == 0 {
		return 0
	}
	return n - n%block
}

func (f Format) Valid() bool {
	return f.SampleRate > 0 && f.Channels > 0 && f.BitDepth == 16
}

// RMS returns the root-mean-square amplitude of 16-bit little-endian samples.
func RMS(pcm []byte) float64 {
	n := len(pcm) / 2
	if n == 0 {
		return 0
	}
	var sum float64
	for i := 0; i < n; i++ {
		s := float64(int16(binary.LittleEndian.Uint16(pcm[i*2:])))
		sum += s * s
	}
	return math.Sqrt(sum / float64(n))
}

// Samples decodes 16-bit little-endian PCM into ints.
func Samples(pcm []byte) []int {
	out := make([]int, len(pcm)/2)
	for i := range out {
		out[i] = int(int16(binary.LittleEndian.Uint16(pcm[i*2:])))
	}
	return out
}

// Float32 converts 16-bit PCM to normalised float samples in [-1, 1).
func Float32(pcm []byte) []float32 {
	out := make([]float32, len(pcm)/2)
	for i := range out {
		out[i] = float32(int16(binary.LittleEndian.Uint16(pcm[i*2:]))) / 32768.0
	}
	return out
}
