package stt

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/loqalabs/loqa-scribe/internal/audio"
)

var mockWords = strings.Fields("the team reviewed the roadmap and agreed to ship the first milestone before the next review")

// MockTranscriber is a deterministic recognizer for development and tests.
// With a Script it emits Script[i] after the i-th input frame; otherwise it
// produces a growing partial every PartialEvery frames and commits it every
// SegmentFrames frames.
type MockTranscriber struct {
	ID            string
	AudioFormat   audio.Format
	Locales       []string
	Script        []Result
	PartialEvery  int
	SegmentFrames int
	Diarize       bool
	ModelErr      error
	StartErr      error
}

func NewMockAdvanced() *MockTranscriber {
	return &MockTranscriber{
		ID:            "mock-advanced",
		AudioFormat:   audio.Format{SampleRate: 16000, Channels: 1, BitDepth: 16},
		Locales:       []string{"en-US", "en-GB"},
		PartialEvery:  25,
		SegmentFrames: 150,
		Diarize:       true,
	}
}

func NewMockFallback() *MockTranscriber {
	return &MockTranscriber{
		ID:            "mock-fallback",
		AudioFormat:   audio.Format{SampleRate: 16000, Channels: 1, BitDepth: 16},
		PartialEvery:  40,
		SegmentFrames: 250,
	}
}

func (m *MockTranscriber) Name() string         { return m.ID }
func (m *MockTranscriber) Format() audio.Format { return m.AudioFormat }

func (m *MockTranscriber) SupportsLocale(_ context.Context, locale string) (bool, error) {
	for _, l := range m.Locales {
		if sameLocale(l, locale) {
			return true, nil
		}
	}
	return false, nil
}

func (m *MockTranscriber) EnsureModel(ctx context.Context, _ string, progress func(float64)) error {
	if m.ModelErr != nil {
		return m.ModelErr
	}
	for _, p := range []float64{0.5, 1} {
		if err := ctx.Err(); err != nil {
			return err
		}
		progress(p)
	}
	return nil
}

func (m *MockTranscriber) Transcribe(ctx context.Context, frames <-chan audio.Frame) (<-chan Result, error) {
	if m.StartErr != nil {
		return nil, m.StartErr
	}
	out := make(chan Result, 16)
	go func() {
		defer close(out)
		emit := func(r Result) bool {
			select {
			case out <- r:
				return true
			case <-ctx.Done():
				return false
			}
		}
		var (
			index    int
			segment  int
			segStart time.Duration
			pos      time.Duration
		)
		for {
			select {
			case <-ctx.Done():
				return
			case frame, ok := <-frames:
				if !ok {
					return
				}
				pos = frame.Offset + frame.Duration()
				if m.Script != nil {
					if index < len(m.Script) && !emit(m.Script[index]) {
						return
					}
					index++
					continue
				}
				index++
				inSegment := index - segment*m.SegmentFrames
				if m.SegmentFrames > 0 && inSegment >= m.SegmentFrames {
					if !emit(m.generated(segment, inSegment, true, segStart, pos)) {
						return
					}
					segment++
					segStart = pos
					continue
				}
				if m.PartialEvery > 0 && inSegment%m.PartialEvery == 0 {
					if !emit(m.generated(segment, inSegment, false, segStart, pos)) {
						return
					}
				}
			}
		}
	}()
	return out, nil
}

func (m *MockTranscriber) generated(segment, frames int, final bool, start, end time.Duration) Result {
	n := 1 + frames/max(m.PartialEvery, 1)
	words := make([]string, 0, n)
	for i := 0; i < n; i++ {
		words = append(words, mockWords[(segment*3+i)%len(mockWords)])
	}
	text := strings.Join(words, " ")
	if final {
		text += "."
	}
	r := Result{Text: text, Final: final, Start: start, End: end, Confidence: 0.5}
	if m.Diarize {
		r.SpeakerKey = fmt.Sprintf("spk-%d", segment%2)
	}
	return r
}

func sameLocale(a, b string) bool {
	norm := func(s string) string {
		return strings.ToLower(strings.ReplaceAll(strings.TrimSpace(s), "_", "-"))
	}
	return norm(a) == norm(b)
}
