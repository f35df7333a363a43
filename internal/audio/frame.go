// Package audio captures PCM buffers and adapts them to the format a
// recognizer asks for.
package audio

import (
	"encoding/binary"
	"fmt"
	"time"

	goaudio "github.com/go-audio/audio"
)

// Format describes interleaved signed little-endian PCM.
type Format struct {
	SampleRate int `json:"sample_rate"`
	Channels   int `json:"channels"`
	BitDepth   int `json:"bit_depth"`
}

func (f Format) String() string {
	return fmt.Sprintf("%dHz/%dch/%dbit", f.SampleRate, f.Channels, f.BitDepth)
}

// BytesPerFrame is the size of one sample across all channels.
func (f Format) BytesPerFrame() int {
	return f.Channels * f.BitDepth / 8
}

// Frame is one buffer handed from a source to the recognizer tap.
type Frame struct {
	Data     []byte
	Format   Format
	Sequence int
	Offset   time.Duration
}

// FrameCount is the number of sample frames (samples per channel).
func (f Frame) FrameCount() int {
	bpf := f.Format.BytesPerFrame()
	if bpf <= 0 {
		return 0
	}
	return len(f.Data) / bpf
}

// Duration of the buffer at its own sample rate.
func (f Frame) Duration() time.Duration {
	if f.Format.SampleRate <= 0 {
		return 0
	}
	return time.Duration(f.FrameCount()) * time.Second / time.Duration(f.Format.SampleRate)
}

// IntBuffer decodes 16-bit PCM into a go-audio buffer.
func (f Frame) IntBuffer() (*goaudio.IntBuffer, error) {
	if f.Format.BitDepth != 16 {
		return nil, fmt.Errorf("unsupported bit depth %d", f.Format.BitDepth)
	}
	if f.Format.Channels <= 0 {
		return nil, fmt.Errorf("invalid channel count %d", f.Format.Channels)
	}
	if len(f.Data)%f.Format.BytesPerFrame() != 0 {
		return nil, fmt.Errorf("pcm payload of %d bytes not aligned to %s", len(f.Data), f.Format)
	}
	samples := make([]int, len(f.Data)/2)
	for i := range samples {
		samples[i] = int(int16(binary.LittleEndian.Uint16(f.Data[i*2:])))
	}
	return &goaudio.IntBuffer{
		Format:         &goaudio.Format{NumChannels: f.Format.Channels, SampleRate: f.Format.SampleRate},
		Data:           samples,
		SourceBitDepth: 16,
	}, nil
}

// EncodePCM16 packs samples as little-endian int16, clipping out of range values.
func EncodePCM16(samples []int) []byte {
	out := make([]byte, len(samples)*2)
	for i, s := range samples {
		if s > 32767 {
			s = 32767
		} else if s < -32768 {
			s = -32768
		}
		binary.LittleEndian.PutUint16(out[i*2:], uint16(int16(s)))
	}
	return out
}
