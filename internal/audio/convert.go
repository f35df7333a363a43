package audio

import (
	"errors"
	"fmt"
	"sync"

	goaudio "github.com/go-audio/audio"
)

var ErrUnsupportedFormat = errors.New("unsupported audio format")

// Converter turns buffers of one format into another: channels are mixed
// down by averaging (or duplicated when going up from mono) and the sample
// rate is changed by linear interpolation. The read position carries over
// between buffers so output length tracks input length over a whole stream.
type Converter struct {
	from Format
	to   Format

	mu  sync.Mutex
	pos float64
}

func NewConverter(from, to Format) (*Converter, error) {
	if err := checkFormat(from); err != nil {
		return nil, fmt.Errorf("input %s: %w", from, err)
	}
	if err := checkFormat(to); err != nil {
		return nil, fmt.Errorf("output %s: %w", to, err)
	}
	if from.Channels != to.Channels && from.Channels != 1 && to.Channels != 1 {
		return nil, fmt.Errorf("%s to %s: %w", from, to, ErrUnsupportedFormat)
	}
	return &Converter{from: from, to: to}, nil
}

func checkFormat(f Format) error {
	if f.SampleRate <= 0 || f.Channels <= 0 {
		return ErrUnsupportedFormat
	}
	if f.BitDepth != 16 {
		return ErrUnsupportedFormat
	}
	return nil
}

func (c *Converter) From() Format { return c.from }
func (c *Converter) To() Format   { return c.to }

// Convert returns a new frame in the output format. Sequence and offset are
// carried over.
func (c *Converter) Convert(in Frame) (Frame, error) {
	if in.Format != c.from {
		return Frame{}, fmt.Errorf("converter expects %s, got %s: %w", c.from, in.Format, ErrUnsupportedFormat)
	}
	buf, err := in.IntBuffer()
	if err != nil {
		return Frame{}, err
	}
	buf = remix(buf, c.to.Channels)
	c.mu.Lock()
	buf, c.pos = resample(buf, c.to.SampleRate, c.pos)
	c.mu.Unlock()
	return Frame{
		Data:     EncodePCM16(buf.Data),
		Format:   c.to,
		Sequence: in.Sequence,
		Offset:   in.Offset,
	}, nil
}

func remix(buf *goaudio.IntBuffer, channels int) *goaudio.IntBuffer {
	src := buf.Format.NumChannels
	if src == channels {
		return buf
	}
	frames := buf.NumFrames()
	out := make([]int, frames*channels)
	for i := 0; i < frames; i++ {
		if channels == 1 {
			sum := 0
			for ch := 0; ch < src; ch++ {
				sum += buf.Data[i*src+ch]
			}
			out[i] = sum / src
			continue
		}
		v := buf.Data[i]
		for ch := 0; ch < channels; ch++ {
			out[i*channels+ch] = v
		}
	}
	return &goaudio.IntBuffer{
		Format:         &goaudio.Format{NumChannels: channels, SampleRate: buf.Format.SampleRate},
		Data:           out,
		SourceBitDepth: buf.SourceBitDepth,
	}
}

// resample interpolates from start, a position in input frames, and
// returns the position at which the next buffer should begin.
func resample(buf *goaudio.IntBuffer, rate int, start float64) (*goaudio.IntBuffer, float64) {
	srcRate := buf.Format.SampleRate
	if srcRate == rate {
		return buf, 0
	}
	channels := buf.Format.NumChannels
	inFrames := buf.NumFrames()
	step := float64(srcRate) / float64(rate)
	out := make([]int, 0, (int(float64(inFrames)/step)+1)*channels)
	pos := start
	for ; pos < float64(inFrames); pos += step {
		idx := int(pos)
		frac := pos - float64(idx)
		next := idx + 1
		if next >= inFrames {
			next = inFrames - 1
		}
		for ch := 0; ch < channels; ch++ {
			a := float64(buf.Data[idx*channels+ch])
			b := float64(buf.Data[next*channels+ch])
			out = append(out, int(a+(b-a)*frac))
		}
	}
	return &goaudio.IntBuffer{
		Format:         &goaudio.Format{NumChannels: channels, SampleRate: rate},
		Data:           out,
		SourceBitDepth: buf.SourceBitDepth,
	}, pos - float64(inFrames)
}
