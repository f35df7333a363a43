package analysis

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/loqalabs/loqa-scribe/internal/config"
)

// Kind selects what the collaborator produces.
type Kind string

const (
	KindSummary     Kind = "summary"
	KindNotes       Kind = "notes"
	KindActionItems Kind = "action_items"
)

func (k Kind) Valid() bool {
	switch k {
	case KindSummary, KindNotes, KindActionItems:
		return true
	}
	return false
}

var (
	ErrUnauthorized      = errors.New("analysis unauthorized")
	ErrMalformedResponse = errors.New("malformed analysis response")
	ErrEmpty             = errors.New("empty analysis response")
	ErrNothingToAnalyze  = errors.New("meeting has no transcript or handwriting")
)

// ServerError is a failure reported by the collaborator with a status code.
type ServerError struct {
	Code int
}

func (e *ServerError) Error() string {
	return fmt.Sprintf("analysis server error %d", e.Code)
}

// Retryable reports whether the caller may offer to run the request again.
func Retryable(err error) bool {
	return err != nil && !errors.Is(err, ErrUnauthorized) && !errors.Is(err, ErrNothingToAnalyze)
}

// Request describes one generation call.
type Request struct {
	MeetingID   string
	Kind        Kind
	Prompt      string
	System      string
	MaxTokens   int
	Temperature float64
	TraceID     string
}

// Chunk is a piece of generated output.
type Chunk struct {
	Content          string
	Partial          bool
	PromptTokens     int
	CompletionTokens int
	Latency          time.Duration
}

// Generator is a pluggable text-generation backend.
type Generator interface {
	Generate(ctx context.Context, req Request, consumer func(Chunk) error) error
}

// NewGenerator builds the backend selected by cfg.Mode.
func NewGenerator(cfg config.AnalysisConfig) (Generator, error) {
	switch cfg.Mode {
	case "", "mock":
		return NewMockGenerator(), nil
	case "ollama":
		return NewOllamaGenerator(cfg.Endpoint, cfg.Model, cfg.APIKey), nil
	case "exec":
		return NewExecGenerator(cfg.Command)
	default:
		return nil, fmt.Errorf("unknown analysis mode %q", cfg.Mode)
	}
}
