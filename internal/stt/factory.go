package stt

import (
	"fmt"
	"log/slog"

	"github.com/loqalabs/loqa-scribe/internal/config"
)

// NewAdvanced builds the configured advanced recognizer. It returns nil when
// the advanced path is disabled.
func NewAdvanced(cfg config.TranscriptionConfig, logger *slog.Logger) (AdvancedTranscriber, error) {
	switch cfg.Advanced.Mode {
	case "", "none":
		return nil, nil
	case "mock":
		m := NewMockAdvanced()
		m.AudioFormat.SampleRate = cfg.Advanced.SampleRate
		m.AudioFormat.Channels = cfg.Advanced.Channels
		return m, nil
	case "exec":
		s, err := NewExecStreamer(cfg.Advanced, logger)
		if err != nil {
			return nil, fmt.Errorf("advanced stt: %w", err)
		}
		return s, nil
	default:
		return nil, fmt.Errorf("unknown advanced stt mode %q", cfg.Advanced.Mode)
	}
}

func NewFallback(cfg config.TranscriptionConfig, logger *slog.Logger) (Transcriber, error) {
	switch cfg.Fallback.Mode {
	case "", "mock":
		m := NewMockFallback()
		m.AudioFormat.SampleRate = cfg.Fallback.SampleRate
		m.AudioFormat.Channels = cfg.Fallback.Channels
		return m, nil
	case "exec":
		t, err := NewExecTranscriber(cfg.Fallback, cfg.Locale, logger)
		if err != nil {
			return nil, fmt.Errorf("fallback stt: %w", err)
		}
		return t, nil
	default:
		return nil, fmt.Errorf("unknown fallback stt mode %q", cfg.Fallback.Mode)
	}
}
