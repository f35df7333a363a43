package stt

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"time"

	goaudio "github.com/go-audio/audio"
	"github.com/go-audio/wav"
	"github.com/loqalabs/loqa-scribe/internal/audio"
	"github.com/loqalabs/loqa-scribe/internal/config"
	"github.com/mattn/go-shellwords"
)

// ExecTranscriber buffers PCM into segments and runs an external command on
// each one as a WAV file. The command prints {"text","confidence"}.
type ExecTranscriber struct {
	cmd    []string
	cfg    config.FallbackSTTConfig
	locale string
	log    *slog.Logger
}

type execResult struct {
	Text       string  `json:"text"`
	Confidence float64 `json:"confidence"`
}

type execJob struct {
	pcm     []byte
	final   bool
	segment int
	start   time.Duration
	end     time.Duration
}

type execOutcome struct {
	job    execJob
	result execResult
	err    error
}

func NewExecTranscriber(cfg config.FallbackSTTConfig, locale string, logger *slog.Logger) (*ExecTranscriber, error) {
	args, err := parseCommand(cfg.Command)
	if err != nil {
		return nil, err
	}
	return &ExecTranscriber{
		cmd:    args,
		cfg:    cfg,
		locale: locale,
		log:    logger.With(slog.String("component", "stt-exec")),
	}, nil
}

func parseCommand(command string) ([]string, error) {
	parser := shellwords.NewParser()
	args, err := parser.Parse(command)
	if err != nil {
		return nil, fmt.Errorf("parse command: %w", err)
	}
	if len(args) == 0 {
		return nil, fmt.Errorf("command is empty")
	}
	return args, nil
}

func (t *ExecTranscriber) Name() string { return "exec:" + t.cmd[0] }

func (t *ExecTranscriber) Format() audio.Format {
	return audio.Format{SampleRate: t.cfg.SampleRate, Channels: t.cfg.Channels, BitDepth: 16}
}

// Transcribe keeps at most one command in flight. Interim runs are skipped
// while busy; segment finals queue up and run in order.
func (t *ExecTranscriber) Transcribe(ctx context.Context, frames <-chan audio.Frame) (<-chan Result, error) {
	segmentDur := time.Duration(t.cfg.SegmentMS) * time.Millisecond
	partialEvery := time.Duration(t.cfg.PartialEveryMS) * time.Millisecond
	out := make(chan Result, 16)

	go func() {
		defer close(out)
		var (
			buf         []byte
			segment     int
			segStart    time.Duration
			pos         time.Duration
			queue       []execJob
			inflight    bool
			lastPartial = time.Now()
			in          = frames
			done        = make(chan execOutcome, 1)
		)
		launch := func(j execJob) {
			inflight = true
			go func() {
				res, err := t.run(ctx, j.pcm, !j.final)
				done <- execOutcome{job: j, result: res, err: err}
			}()
		}
		next := func() {
			if inflight || len(queue) == 0 {
				return
			}
			j := queue[0]
			queue = queue[1:]
			launch(j)
		}

		for {
			if in == nil && !inflight && len(queue) == 0 {
				return
			}
			select {
			case <-ctx.Done():
				return
			case frame, ok := <-in:
				if !ok {
					in = nil
					if len(buf) > 0 {
						queue = append(queue, execJob{pcm: buf, final: true, segment: segment, start: segStart, end: pos})
						buf = nil
						segment++
					}
					next()
					continue
				}
				buf = append(buf, frame.Data...)
				pos += frame.Duration()
				if segmentDur > 0 && pos-segStart >= segmentDur {
					queue = append(queue, execJob{pcm: buf, final: true, segment: segment, start: segStart, end: pos})
					buf = nil
					segment++
					segStart = pos
				}
				next()
				if !inflight && t.cfg.PublishInterim && partialEvery > 0 && len(buf) > 0 && time.Since(lastPartial) >= partialEvery {
					lastPartial = time.Now()
					launch(execJob{pcm: append([]byte(nil), buf...), segment: segment, start: segStart, end: pos})
				}
			case o := <-done:
				inflight = false
				switch {
				case o.err != nil:
					if ctx.Err() != nil {
						return
					}
					t.log.Warn("stt command failed", slogError(o.err))
				case o.job.final || o.job.segment == segment:
					r := Result{
						Text:       o.result.Text,
						Final:      o.job.final,
						Start:      o.job.start,
						End:        o.job.end,
						Confidence: o.result.Confidence,
					}
					if r.Text != "" {
						select {
						case out <- r:
						case <-ctx.Done():
							return
						}
					}
				}
				next()
			}
		}
	}()
	return out, nil
}

func (t *ExecTranscriber) run(ctx context.Context, pcm []byte, partial bool) (execResult, error) {
	file, err := os.CreateTemp("", "scribe_stt_*.wav")
	if err != nil {
		return execResult{}, fmt.Errorf("temp file: %w", err)
	}
	defer os.Remove(file.Name())
	defer file.Close()

	if err := writePCMToWav(file, pcm, t.cfg.SampleRate, t.cfg.Channels); err != nil {
		return execResult{}, err
	}

	cmdArgs := append([]string{}, t.cmd[1:]...)
	cmdArgs = append(cmdArgs, "--audio", file.Name())
	if t.cfg.ModelPath != "" {
		cmdArgs = append(cmdArgs, "--model", t.cfg.ModelPath)
	}
	if t.locale != "" {
		cmdArgs = append(cmdArgs, "--language", t.locale)
	}
	if partial {
		cmdArgs = append(cmdArgs, "--partial")
	}

	command := exec.CommandContext(ctx, t.cmd[0], cmdArgs...)
	var stdout bytes.Buffer
	var stderr bytes.Buffer
	command.Stdout = &stdout
	command.Stderr = &stderr

	if err := command.Run(); err != nil {
		return execResult{}, fmt.Errorf("stt command failed: %w: %s", err, stderr.String())
	}

	var resp execResult
	if err := json.Unmarshal(stdout.Bytes(), &resp); err != nil {
		return execResult{}, fmt.Errorf("decode stt response: %w", err)
	}
	return resp, nil
}

func writePCMToWav(file *os.File, pcm []byte, sampleRate int, channels int) error {
	if len(pcm)%2 != 0 {
		return fmt.Errorf("pcm payload not aligned")
	}
	buffer := &goaudio.IntBuffer{Format: &goaudio.Format{NumChannels: channels, SampleRate: sampleRate}}
	samples := make([]int, len(pcm)/2)
	for i := 0; i < len(samples); i++ {
		samples[i] = int(int16(binary.LittleEndian.Uint16(pcm[i*2:])))
	}
	buffer.Data = samples

	enc := wav.NewEncoder(file, sampleRate, 16, channels, 1)
	if err := enc.Write(buffer); err != nil {
		return fmt.Errorf("write wav: %w", err)
	}
	if err := enc.Close(); err != nil {
		return fmt.Errorf("close wav encoder: %w", err)
	}
	return nil
}
