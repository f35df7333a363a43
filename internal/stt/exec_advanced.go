package stt

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"github.com/loqalabs/loqa-scribe/internal/audio"
	"github.com/loqalabs/loqa-scribe/internal/config"
)

// ExecStreamer drives a long-running streaming recognizer process. PCM is
// written to its stdin and it prints one JSON object per line.
type ExecStreamer struct {
	cmd []string
	cfg config.AdvancedSTTConfig
	log *slog.Logger
}

type streamLine struct {
	Text       string  `json:"text"`
	Final      bool    `json:"final"`
	Speaker    string  `json:"speaker"`
	StartMS    int64   `json:"start_ms"`
	EndMS      int64   `json:"end_ms"`
	Confidence float64 `json:"confidence"`
}

func NewExecStreamer(cfg config.AdvancedSTTConfig, logger *slog.Logger) (*ExecStreamer, error) {
	args, err := parseCommand(cfg.Command)
	if err != nil {
		return nil, err
	}
	return &ExecStreamer{cmd: args, cfg: cfg, log: logger.With(slog.String("component", "stt-stream"))}, nil
}

func (s *ExecStreamer) Name() string { return "stream:" + s.cmd[0] }

func (s *ExecStreamer) Format() audio.Format {
	return audio.Format{SampleRate: s.cfg.SampleRate, Channels: s.cfg.Channels, BitDepth: 16}
}

func (s *ExecStreamer) command(ctx context.Context, extra ...string) *exec.Cmd {
	args := append([]string{}, s.cmd[1:]...)
	if s.cfg.ModelPath != "" {
		args = append(args, "--model", s.cfg.ModelPath)
	}
	args = append(args, extra...)
	return exec.CommandContext(ctx, s.cmd[0], args...)
}

// SupportsLocale runs the recognizer with --list-locales, which prints one
// locale per line.
func (s *ExecStreamer) SupportsLocale(ctx context.Context, locale string) (bool, error) {
	cmd := s.command(ctx, "--list-locales")
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	output, err := cmd.Output()
	if err != nil {
		return false, fmt.Errorf("list locales: %w: %s", err, stderr.String())
	}
	for _, line := range strings.Split(string(output), "\n") {
		if sameLocale(line, locale) {
			return true, nil
		}
	}
	return false, nil
}

// EnsureModel runs --install-model and reports "progress <fraction>" lines.
func (s *ExecStreamer) EnsureModel(ctx context.Context, locale string, progress func(float64)) error {
	cmd := s.command(ctx, "--install-model", locale)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("install model: %w", err)
	}
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("%w: %v", ErrModelUnavailable, err)
	}
	scanner := bufio.NewScanner(stdout)
	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		if len(fields) != 2 || fields[0] != "progress" {
			continue
		}
		if p, err := strconv.ParseFloat(fields[1], 64); err == nil {
			progress(p)
		}
	}
	if err := cmd.Wait(); err != nil {
		return fmt.Errorf("%w: %v: %s", ErrModelUnavailable, err, strings.TrimSpace(stderr.String()))
	}
	return nil
}

func (s *ExecStreamer) Transcribe(ctx context.Context, frames <-chan audio.Frame) (<-chan Result, error) {
	format := s.Format()
	cmd := s.command(ctx, "--stream",
		"--sample-rate", strconv.Itoa(format.SampleRate),
		"--channels", strconv.Itoa(format.Channels))
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, err
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, err
	}
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start recognizer: %w", err)
	}

	go feed(ctx, stdin, frames, s.log)

	out := make(chan Result, 16)
	go func() {
		defer close(out)
		scanner := bufio.NewScanner(stdout)
		scanner.Buffer(make([]byte, 64*1024), 1024*1024)
		for scanner.Scan() {
			line := bytes.TrimSpace(scanner.Bytes())
			if len(line) == 0 {
				continue
			}
			var msg streamLine
			if err := json.Unmarshal(line, &msg); err != nil {
				s.log.Debug("skipping malformed recognizer line", slogError(err))
				continue
			}
			r := Result{
				Text:       msg.Text,
				Final:      msg.Final,
				SpeakerKey: msg.Speaker,
				Start:      time.Duration(msg.StartMS) * time.Millisecond,
				End:        time.Duration(msg.EndMS) * time.Millisecond,
				Confidence: msg.Confidence,
			}
			select {
			case out <- r:
			case <-ctx.Done():
				_ = cmd.Wait()
				return
			}
		}
		if err := cmd.Wait(); err != nil && ctx.Err() == nil {
			select {
			case out <- Result{Err: fmt.Errorf("recognizer exited: %w: %s", err, strings.TrimSpace(stderr.String()))}:
			case <-ctx.Done():
			}
		}
	}()
	return out, nil
}

func feed(ctx context.Context, w io.WriteCloser, frames <-chan audio.Frame, log *slog.Logger) {
	defer w.Close()
	for {
		select {
		case <-ctx.Done():
			return
		case frame, ok := <-frames:
			if !ok {
				return
			}
			if _, err := w.Write(frame.Data); err != nil {
				log.Warn("failed to write audio to recognizer", slogError(err))
				return
			}
		}
	}
}
