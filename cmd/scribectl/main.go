package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/loqalabs/loqa-scribe/internal/audio"
	"github.com/loqalabs/loqa-scribe/internal/config"
	"github.com/loqalabs/loqa-scribe/internal/meeting"
	"github.com/loqalabs/loqa-scribe/internal/stt"
	"github.com/loqalabs/loqa-scribe/internal/transcript"
)

var version = "0.1.0-dev"

func main() {
	if len(os.Args) < 2 {
		fmt.Fprintln(os.Stderr, "expected 'validate', 'transcribe' or 'version'")
		os.Exit(2)
	}

	switch os.Args[1] {
	case "validate":
		var configPath string
		cmd := flag.NewFlagSet("validate", flag.ExitOnError)
		cmd.StringVar(&configPath, "config", "scribe.yaml", "Path to configuration file")
		cmd.Parse(os.Args[2:])
		if _, err := config.Load(configPath); err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
		fmt.Println("config valid")
	case "transcribe":
		var (
			configPath string
			file       string
			locale     string
			verbose    bool
		)
		cmd := flag.NewFlagSet("transcribe", flag.ExitOnError)
		cmd.StringVar(&configPath, "config", "", "Path to configuration file (defaults when empty)")
		cmd.StringVar(&file, "file", "", "WAV file to transcribe")
		cmd.StringVar(&locale, "locale", "", "Override the configured locale")
		cmd.BoolVar(&verbose, "v", false, "Log pipeline events to stderr")
		cmd.Parse(os.Args[2:])
		if file == "" {
			fmt.Fprintln(os.Stderr, "transcribe requires -file")
			os.Exit(2)
		}
		if err := runTranscribe(configPath, file, locale, verbose, os.Stdout); err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
	case "version":
		fmt.Println(version)
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n", os.Args[1])
		os.Exit(2)
	}
}

// runTranscribe runs the recognition engine over a WAV file and writes the
// formatted transcript to out.
func runTranscribe(configPath, file, locale string, verbose bool, out io.Writer) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if locale != "" {
		cfg.Transcription.Locale = locale
	}

	logOut := io.Discard
	if verbose {
		logOut = os.Stderr
	}
	logger := slog.New(slog.NewTextHandler(logOut, &slog.HandlerOptions{Level: slog.LevelDebug}))

	advanced, err := stt.NewAdvanced(cfg.Transcription, logger)
	if err != nil {
		return err
	}
	fallback, err := stt.NewFallback(cfg.Transcription, logger)
	if err != nil {
		return err
	}
	engine, err := stt.NewEngine(stt.EngineOptions{
		Locale:   cfg.Transcription.Locale,
		Advanced: advanced,
		Fallback: fallback,
		Speakers: transcript.NewSpeakers(cfg.Transcription.DefaultSpeaker),
		OnModelProgress: func(p float64) {
			logger.Info("installing recognition model", slog.Float64("progress", p))
		},
		Logger: logger,
	})
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	source := audio.NewWavSource(file, cfg.Audio.FrameDurationMS, false)
	frames, err := source.Start(ctx)
	if err != nil {
		return err
	}
	defer source.Close()

	updates, err := engine.Start(ctx, frames)
	if err != nil {
		return err
	}
	var segments []meeting.TranscriptSegment
	for u := range updates {
		if !u.Final {
			continue
		}
		segments = append(segments, meeting.TranscriptSegment{
			ID:         meeting.NewID(),
			Text:       u.Text,
			Start:      u.Start,
			End:        u.End,
			Confidence: u.Confidence,
			Speaker:    u.Speaker,
		})
	}
	if err := engine.Err(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}

	formatter := transcript.NewFormatter(transcript.PolicyFromConfig(cfg.Formatter))
	text := formatter.Render(segments)
	if text == "" {
		return errors.New("no speech recognized")
	}
	_, err = fmt.Fprintln(out, text)
	return err
}
