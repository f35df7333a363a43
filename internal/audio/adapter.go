package audio

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

// AdapterStats counts what happened to the buffers seen by an Adapter.
type AdapterStats struct {
	Converted   int64
	PassThrough int64
	Dropped     int64
}

// Adapter sits between a capture source and a recognizer. Matching buffers
// pass through; others go through a converter built lazily for the observed
// input format. When no converter can be built the original buffer is
// forwarded unchanged; when a single conversion fails that buffer is dropped.
type Adapter struct {
	target Format
	log    *slog.Logger

	mu        sync.Mutex
	converter *Converter
	broken    map[Format]bool

	converted   atomic.Int64
	passThrough atomic.Int64
	dropped     atomic.Int64

	droppedCounter metric.Int64Counter
}

func NewAdapter(target Format, logger *slog.Logger) *Adapter {
	a := &Adapter{
		target: target,
		log:    logger.With(slog.String("component", "audio-adapter")),
		broken: make(map[Format]bool),
	}
	counter, err := otel.Meter("github.com/loqalabs/loqa-scribe/audio").Int64Counter(
		"scribe.audio.dropped_buffers",
		metric.WithDescription("Audio buffers dropped because conversion failed"),
	)
	if err == nil {
		a.droppedCounter = counter
	}
	return a
}

func (a *Adapter) Target() Format { return a.target }

// Adapt returns the buffer to hand to the recognizer, or false when it
// should be dropped.
func (a *Adapter) Adapt(in Frame) (Frame, bool) {
	if in.Format == a.target {
		a.passThrough.Add(1)
		return in, true
	}

	conv := a.converterFor(in.Format)
	if conv == nil {
		a.passThrough.Add(1)
		return in, true
	}

	out, err := conv.Convert(in)
	if err != nil {
		a.dropped.Add(1)
		if a.droppedCounter != nil {
			a.droppedCounter.Add(context.Background(), 1)
		}
		a.log.Debug("dropping audio buffer", slog.Int("sequence", in.Sequence), slogError(err))
		return Frame{}, false
	}
	a.converted.Add(1)
	return out, true
}

func (a *Adapter) converterFor(from Format) *Converter {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.converter != nil && a.converter.From() == from {
		return a.converter
	}
	if a.broken[from] {
		return nil
	}
	conv, err := NewConverter(from, a.target)
	if err != nil {
		a.broken[from] = true
		a.log.Warn("cannot convert audio, forwarding unmodified",
			slog.String("from", from.String()),
			slog.String("to", a.target.String()),
			slogError(err))
		return nil
	}
	a.converter = conv
	return conv
}

// Run adapts every frame from in until it closes or ctx is done.
func (a *Adapter) Run(ctx context.Context, in <-chan Frame) <-chan Frame {
	out := make(chan Frame, 16)
	go func() {
		defer close(out)
		for {
			select {
			case <-ctx.Done():
				return
			case frame, ok := <-in:
				if !ok {
					return
				}
				adapted, keep := a.Adapt(frame)
				if !keep {
					continue
				}
				select {
				case out <- adapted:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out
}

func (a *Adapter) Stats() AdapterStats {
	return AdapterStats{
		Converted:   a.converted.Load(),
		PassThrough: a.passThrough.Load(),
		Dropped:     a.dropped.Load(),
	}
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
