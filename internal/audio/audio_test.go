package audio

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	goaudio "github.com/go-audio/audio"
	"github.com/go-audio/wav"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func stereoFrame(frames int, rate int, left, right int) Frame {
	samples := make([]int, frames*2)
	for i := 0; i < frames; i++ {
		samples[i*2] = left
		samples[i*2+1] = right
	}
	return Frame{Data: EncodePCM16(samples), Format: Format{SampleRate: rate, Channels: 2, BitDepth: 16}}
}

func TestConvertStereo48kToMono16k(t *testing.T) {
	target := Format{SampleRate: 16000, Channels: 1, BitDepth: 16}
	in := stereoFrame(960, 48000, 1000, 3000)

	adapter := NewAdapter(target, testLogger())
	out, ok := adapter.Adapt(in)
	if !ok {
		t.Fatal("expected converted buffer")
	}
	if out.Format != target {
		t.Fatalf("expected %s, got %s", target, out.Format)
	}
	if got := out.FrameCount(); got != 320 {
		t.Fatalf("expected 320 frames, got %d", got)
	}
	buf, err := out.IntBuffer()
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	for i, s := range buf.Data {
		if s != 2000 {
			t.Fatalf("sample %d: expected averaged 2000, got %d", i, s)
		}
	}
	if stats := adapter.Stats(); stats.Converted != 1 {
		t.Fatalf("expected one converted buffer, got %+v", stats)
	}
}

func TestResampleCarriesPositionAcrossBuffers(t *testing.T) {
	from := Format{SampleRate: 48000, Channels: 2, BitDepth: 16}
	to := Format{SampleRate: 16000, Channels: 1, BitDepth: 16}
	conv, err := NewConverter(from, to)
	if err != nil {
		t.Fatalf("new converter: %v", err)
	}
	var sizes []int
	total := 0
	for i := 0; i < 300; i++ {
		out, err := conv.Convert(stereoFrame(1024, 48000, 500, 500))
		if err != nil {
			t.Fatalf("convert %d: %v", i, err)
		}
		if i < 3 {
			sizes = append(sizes, out.FrameCount())
		}
		total += out.FrameCount()
	}
	if sizes[0]+sizes[1]+sizes[2] != 1024 {
		t.Fatalf("expected three buffers to yield 1024 frames, got %v", sizes)
	}
	if total != 300*1024/3 {
		t.Fatalf("expected %d frames over the stream, got %d", 300*1024/3, total)
	}
}

func TestAdapterPassThroughWhenFormatsMatch(t *testing.T) {
	target := Format{SampleRate: 16000, Channels: 1, BitDepth: 16}
	in := Frame{Data: EncodePCM16([]int{1, 2, 3}), Format: target}
	adapter := NewAdapter(target, testLogger())
	out, ok := adapter.Adapt(in)
	if !ok || &out.Data[0] != &in.Data[0] {
		t.Fatal("expected identical buffer to pass through")
	}
}

func TestAdapterForwardsOriginalWhenConverterCannotBeBuilt(t *testing.T) {
	target := Format{SampleRate: 16000, Channels: 1, BitDepth: 16}
	in := Frame{Data: []byte{1, 2, 3, 4, 5, 6}, Format: Format{SampleRate: 44100, Channels: 1, BitDepth: 24}}
	adapter := NewAdapter(target, testLogger())

	for i := 0; i < 2; i++ {
		out, ok := adapter.Adapt(in)
		if !ok {
			t.Fatal("expected buffer to be forwarded")
		}
		if out.Format != in.Format || string(out.Data) != string(in.Data) {
			t.Fatal("expected original buffer unmodified")
		}
	}
	if stats := adapter.Stats(); stats.PassThrough != 2 || stats.Converted != 0 {
		t.Fatalf("unexpected stats %+v", stats)
	}
}

func TestAdapterDropsBufferThatFailsConversion(t *testing.T) {
	target := Format{SampleRate: 16000, Channels: 1, BitDepth: 16}
	adapter := NewAdapter(target, testLogger())

	bad := Frame{Data: []byte{1, 2, 3}, Format: Format{SampleRate: 48000, Channels: 2, BitDepth: 16}}
	if _, ok := adapter.Adapt(bad); ok {
		t.Fatal("expected misaligned buffer to be dropped")
	}
	good := stereoFrame(480, 48000, 10, 10)
	if _, ok := adapter.Adapt(good); !ok {
		t.Fatal("expected later buffers to keep flowing")
	}
	if stats := adapter.Stats(); stats.Dropped != 1 || stats.Converted != 1 {
		t.Fatalf("unexpected stats %+v", stats)
	}
}

func TestNewConverterRejectsInvalidFormats(t *testing.T) {
	good := Format{SampleRate: 16000, Channels: 1, BitDepth: 16}
	cases := []Format{
		{SampleRate: 0, Channels: 1, BitDepth: 16},
		{SampleRate: 16000, Channels: 0, BitDepth: 16},
		{SampleRate: 16000, Channels: 1, BitDepth: 32},
	}
	for _, f := range cases {
		if _, err := NewConverter(f, good); !errors.Is(err, ErrUnsupportedFormat) {
			t.Fatalf("expected ErrUnsupportedFormat for %s, got %v", f, err)
		}
	}
}

func TestWavSourceEmitsFrames(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tone.wav")
	file, err := os.Create(path)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	samples := make([]int, 16000)
	for i := range samples {
		samples[i] = i % 100
	}
	enc := wav.NewEncoder(file, 16000, 16, 1, 1)
	if err := enc.Write(&goaudio.IntBuffer{Format: &goaudio.Format{NumChannels: 1, SampleRate: 16000}, Data: samples, SourceBitDepth: 16}); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := enc.Close(); err != nil {
		t.Fatalf("close encoder: %v", err)
	}
	file.Close()

	src := NewWavSource(path, 100, false)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	frames, err := src.Start(ctx)
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	var count, total int
	var last Frame
	for f := range frames {
		count++
		total += f.FrameCount()
		last = f
	}
	if count != 10 {
		t.Fatalf("expected 10 frames of 100ms, got %d", count)
	}
	if total != 16000 {
		t.Fatalf("expected 16000 samples, got %d", total)
	}
	if last.Offset != 900*time.Millisecond {
		t.Fatalf("unexpected last offset %s", last.Offset)
	}
}
