// Package stt runs streaming speech recognition for a meeting: it prefers an
// advanced on-device recognizer with diarization and falls back to a
// segment-based recognizer when the advanced path is unavailable.
package stt

import (
	"context"
	"errors"
	"time"

	"github.com/loqalabs/loqa-scribe/internal/audio"
	"github.com/loqalabs/loqa-scribe/internal/meeting"
)

var (
	ErrNotAuthorized      = errors.New("speech recognition not authorized")
	ErrAdvancedDisabled   = errors.New("advanced recognizer not configured")
	ErrUnsupportedLocale  = errors.New("locale not supported")
	ErrModelUnavailable   = errors.New("recognition model unavailable")
	ErrFormatNegotiation  = errors.New("no compatible audio format")
	ErrAlreadyRunning     = errors.New("transcription already running")
	ErrRecognizerFailed   = errors.New("recognizer failed")
	ErrNoFallbackProvided = errors.New("fallback recognizer required")
)

// Result is one recognizer output. Non-final results replace the volatile
// text; final results are committed.
type Result struct {
	Text       string
	Final      bool
	SpeakerKey string
	Start      time.Duration
	End        time.Duration
	Confidence float64
	Err        error
}

// Transcriber turns a stream of PCM frames into results. The returned
// channel closes when input ends or ctx is cancelled.
type Transcriber interface {
	Name() string
	Format() audio.Format
	Transcribe(ctx context.Context, frames <-chan audio.Frame) (<-chan Result, error)
}

// AdvancedTranscriber is a recognizer with locale-specific models that may
// need installing before use.
type AdvancedTranscriber interface {
	Transcriber
	SupportsLocale(ctx context.Context, locale string) (bool, error)
	EnsureModel(ctx context.Context, locale string, progress func(float64)) error
}

// Authorizer gates access to the microphone and recognizers.
type Authorizer interface {
	Authorize(ctx context.Context) error
}

// AuthorizerFunc adapts a function to Authorizer.
type AuthorizerFunc func(ctx context.Context) error

func (f AuthorizerFunc) Authorize(ctx context.Context) error { return f(ctx) }

// SpeakerResolver maps clustering keys to meeting speakers.
type SpeakerResolver interface {
	Resolve(key string) meeting.Speaker
	Default() meeting.Speaker
}
