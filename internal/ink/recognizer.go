package ink

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"image"
	"os"
	"os/exec"
	"strings"
	"sync/atomic"

	"github.com/loqalabs/loqa-scribe/internal/config"
	"github.com/mattn/go-shellwords"
)

// Observation is one text candidate reported by a recognizer, in reading
// order.
type Observation struct {
	Text       string  `json:"text"`
	Confidence float64 `json:"confidence"`
	Bounds     Rect    `json:"bounds"`
}

// Options are passed through to the recognizer.
type Options struct {
	Accurate           bool
	LanguageCorrection bool
	Languages          []string
}

// TextRecognizer finds text in a rendered image.
type TextRecognizer interface {
	Name() string
	Recognize(ctx context.Context, img image.Image, opts Options) ([]Observation, error)
}

// MockRecognizer returns fixed observations and counts calls.
type MockRecognizer struct {
	Observations []Observation
	Err          error
	calls        atomic.Int64
}

func (m *MockRecognizer) Name() string { return "mock" }

func (m *MockRecognizer) Recognize(ctx context.Context, img image.Image, _ Options) ([]Observation, error) {
	m.calls.Add(1)
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if m.Err != nil {
		return nil, m.Err
	}
	if m.Observations != nil {
		return append([]Observation(nil), m.Observations...), nil
	}
	b := img.Bounds()
	return []Observation{{
		Text:       fmt.Sprintf("note %dx%d", b.Dx(), b.Dy()),
		Confidence: 0.9,
		Bounds:     Rect{Width: float64(b.Dx()), Height: float64(b.Dy())},
	}}, nil
}

func (m *MockRecognizer) Calls() int { return int(m.calls.Load()) }

// ExecRecognizer writes the image to a PNG file and runs a command that
// prints {"observations":[{"text","confidence","bounds"}]}.
type ExecRecognizer struct {
	cmd []string
}

type execResponse struct {
	Observations []Observation `json:"observations"`
}

func NewExecRecognizer(command string) (*ExecRecognizer, error) {
	args, err := shellwords.NewParser().Parse(command)
	if err != nil {
		return nil, fmt.Errorf("parse ink command: %w", err)
	}
	if len(args) == 0 {
		return nil, fmt.Errorf("ink command is empty")
	}
	return &ExecRecognizer{cmd: args}, nil
}

func (r *ExecRecognizer) Name() string { return "exec:" + r.cmd[0] }

func (r *ExecRecognizer) Recognize(ctx context.Context, img image.Image, opts Options) ([]Observation, error) {
	data, err := EncodePNG(img)
	if err != nil {
		return nil, err
	}
	file, err := os.CreateTemp("", "scribe_ink_*.png")
	if err != nil {
		return nil, fmt.Errorf("temp file: %w", err)
	}
	defer os.Remove(file.Name())
	if _, err := file.Write(data); err != nil {
		file.Close()
		return nil, fmt.Errorf("write png: %w", err)
	}
	if err := file.Close(); err != nil {
		return nil, fmt.Errorf("close png: %w", err)
	}

	args := append([]string{}, r.cmd[1:]...)
	args = append(args, "--image", file.Name())
	if len(opts.Languages) > 0 {
		args = append(args, "--languages", strings.Join(opts.Languages, ","))
	}
	if opts.Accurate {
		args = append(args, "--accurate")
	}
	if opts.LanguageCorrection {
		args = append(args, "--language-correction")
	}

	command := exec.CommandContext(ctx, r.cmd[0], args...)
	var stdout, stderr bytes.Buffer
	command.Stdout = &stdout
	command.Stderr = &stderr
	if err := command.Run(); err != nil {
		return nil, fmt.Errorf("ink command failed: %w: %s", err, strings.TrimSpace(stderr.String()))
	}
	var resp execResponse
	if err := json.Unmarshal(stdout.Bytes(), &resp); err != nil {
		return nil, fmt.Errorf("decode ink response: %w", err)
	}
	return resp.Observations, nil
}

// NewRecognizer builds the configured recognizer.
func NewRecognizer(cfg config.InkConfig) (TextRecognizer, error) {
	switch cfg.Mode {
	case "", "mock":
		return &MockRecognizer{}, nil
	case "exec":
		r, err := NewExecRecognizer(cfg.Command)
		if err != nil {
			return nil, err
		}
		return r, nil
	default:
		return nil, fmt.Errorf("unknown ink mode %q", cfg.Mode)
	}
}
