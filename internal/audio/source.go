package audio

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	goaudio "github.com/go-audio/audio"
	"github.com/go-audio/wav"
	"github.com/loqalabs/loqa-scribe/internal/bus"
	"github.com/loqalabs/loqa-scribe/internal/protocol"
	"github.com/nats-io/nats.go"
)

// Source produces PCM frames in whatever format the device delivers.
type Source interface {
	Name() string
	Start(ctx context.Context) (<-chan Frame, error)
	Close() error
}

// WavSource replays a WAV file as fixed-duration frames.
type WavSource struct {
	path     string
	frameDur time.Duration
	pace     bool

	mu   sync.Mutex
	file *os.File
}

// NewWavSource reads path in frames of frameMS milliseconds. When pace is
// set, frames are emitted in real time.
func NewWavSource(path string, frameMS int, pace bool) *WavSource {
	if frameMS <= 0 {
		frameMS = 20
	}
	return &WavSource{path: path, frameDur: time.Duration(frameMS) * time.Millisecond, pace: pace}
}

func (s *WavSource) Name() string { return "wav:" + s.path }

func (s *WavSource) Start(ctx context.Context) (<-chan Frame, error) {
	file, err := os.Open(s.path)
	if err != nil {
		return nil, fmt.Errorf("open wav: %w", err)
	}
	dec := wav.NewDecoder(file)
	if !dec.IsValidFile() {
		file.Close()
		return nil, fmt.Errorf("%s: not a valid wav file", s.path)
	}
	dec.ReadInfo()
	if err := dec.Err(); err != nil {
		file.Close()
		return nil, fmt.Errorf("read wav header: %w", err)
	}

	srcDepth := int(dec.BitDepth)
	format := Format{SampleRate: int(dec.SampleRate), Channels: int(dec.NumChans), BitDepth: 16}
	if format.SampleRate <= 0 || format.Channels <= 0 || srcDepth <= 0 {
		file.Close()
		return nil, fmt.Errorf("%s: %w", s.path, ErrUnsupportedFormat)
	}

	s.mu.Lock()
	s.file = file
	s.mu.Unlock()

	framesPer := int(int64(format.SampleRate) * int64(s.frameDur) / int64(time.Second))
	if framesPer <= 0 {
		framesPer = 1
	}

	out := make(chan Frame, 8)
	go func() {
		defer close(out)
		defer s.Close()

		buf := &goaudio.IntBuffer{
			Format: &goaudio.Format{NumChannels: format.Channels, SampleRate: format.SampleRate},
			Data:   make([]int, framesPer*format.Channels),
		}
		var offset time.Duration
		for seq := 0; ; seq++ {
			n, err := dec.PCMBuffer(buf)
			if n == 0 || err != nil {
				return
			}
			samples := scaleTo16(buf.Data[:n], srcDepth)
			frame := Frame{Data: EncodePCM16(samples), Format: format, Sequence: seq, Offset: offset}
			offset += frame.Duration()
			select {
			case out <- frame:
			case <-ctx.Done():
				return
			}
			if s.pace {
				select {
				case <-time.After(frame.Duration()):
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}

func (s *WavSource) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.file == nil {
		return nil
	}
	err := s.file.Close()
	s.file = nil
	if errors.Is(err, os.ErrClosed) {
		return nil
	}
	return err
}

func scaleTo16(samples []int, depth int) []int {
	if depth == 16 {
		return samples
	}
	out := make([]int, len(samples))
	for i, s := range samples {
		if depth > 16 {
			out[i] = s >> (depth - 16)
		} else {
			out[i] = s << (16 - depth)
		}
	}
	return out
}

// BusSource receives frames published on the bus for one meeting. A frame
// marked final ends the stream.
type BusSource struct {
	bus       *bus.Client
	meetingID string
	log       *slog.Logger

	mu     sync.Mutex
	sub    *nats.Subscription
	out    chan Frame
	closed bool
	offset time.Duration
}

func NewBusSource(busClient *bus.Client, meetingID string, logger *slog.Logger) *BusSource {
	return &BusSource{
		bus:       busClient,
		meetingID: meetingID,
		log:       logger.With(slog.String("component", "audio-bus-source"), slog.String("meeting_id", meetingID)),
	}
}

func (s *BusSource) Name() string { return "bus:" + protocol.AudioFrameSubject(s.meetingID) }

func (s *BusSource) Start(ctx context.Context) (<-chan Frame, error) {
	s.mu.Lock()
	if s.out != nil {
		s.mu.Unlock()
		return nil, errors.New("bus source already started")
	}
	s.out = make(chan Frame, 64)
	s.mu.Unlock()

	sub, err := bus.SubscribeJSON(s.bus, protocol.AudioFrameSubject(s.meetingID), func(_ string, msg protocol.AudioFrame) {
		s.deliver(msg)
	})
	if err != nil {
		return nil, fmt.Errorf("subscribe audio frames: %w", err)
	}
	s.mu.Lock()
	s.sub = sub
	if s.closed {
		_ = sub.Unsubscribe()
	}
	s.mu.Unlock()

	go func() {
		<-ctx.Done()
		_ = s.Close()
	}()
	return s.out, nil
}

func (s *BusSource) deliver(msg protocol.AudioFrame) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	if len(msg.PCM) > 0 {
		frame := Frame{
			Data:     msg.PCM,
			Format:   Format{SampleRate: msg.SampleRate, Channels: msg.Channels, BitDepth: 16},
			Sequence: msg.Sequence,
			Offset:   s.offset,
		}
		s.offset += frame.Duration()
		select {
		case s.out <- frame:
		default:
			s.log.Warn("audio consumer is behind, dropping frame", slog.Int("sequence", msg.Sequence))
		}
	}
	if msg.Final {
		s.closeLocked()
	}
}

func (s *BusSource) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closeLocked()
	return nil
}

func (s *BusSource) closeLocked() {
	if s.closed || s.out == nil {
		return
	}
	s.closed = true
	if s.sub != nil {
		_ = s.sub.Unsubscribe()
	}
	close(s.out)
}
