package stt

import (
	"context"
	"errors"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/loqalabs/loqa-scribe/internal/audio"
	"github.com/loqalabs/loqa-scribe/internal/config"
	"github.com/loqalabs/loqa-scribe/internal/transcript"
)

const streamerScript = `#!/bin/sh
if [ "$1" = "--model" ]; then
  shift 2
fi
case "$1" in
  --list-locales)
    printf 'en_US\nde-DE\n'
    ;;
  --install-model)
    if [ "$2" = "xx-XX" ]; then
      echo "progress 0.1"
      echo "no model for $2" >&2
      exit 3
    fi
    echo "progress 0.5"
    echo "downloading"
    echo "progress 1"
    ;;
  --stream)
    cat > /dev/null
    echo '{"text":"hello","speaker":"spk-0"}'
    echo '{"text":"hello there","final":true,"speaker":"spk-0","end_ms":1000,"confidence":0.8}'
    echo 'not json'
    echo '{"text":"general kenobi","final":true,"speaker":"spk-1","start_ms":1000,"end_ms":2000}'
    ;;
esac
`

func newScriptStreamer(t *testing.T, body string) *ExecStreamer {
	t.Helper()
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("sh not available")
	}
	script := filepath.Join(t.TempDir(), "streamer.sh")
	if err := os.WriteFile(script, []byte(body), 0o644); err != nil {
		t.Fatalf("write script: %v", err)
	}
	s, err := NewExecStreamer(config.AdvancedSTTConfig{
		Mode:       "exec",
		Command:    "sh '" + script + "'",
		ModelPath:  filepath.Join(t.TempDir(), "model.bin"),
		SampleRate: 16000,
		Channels:   1,
	}, testLogger())
	if err != nil {
		t.Fatalf("new exec streamer: %v", err)
	}
	return s
}

func TestExecStreamerListsLocales(t *testing.T) {
	s := newScriptStreamer(t, streamerScript)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	for locale, want := range map[string]bool{"en-US": true, "de_de": true, "fr-FR": false} {
		ok, err := s.SupportsLocale(ctx, locale)
		if err != nil {
			t.Fatalf("supports %s: %v", locale, err)
		}
		if ok != want {
			t.Fatalf("supports %s = %v, want %v", locale, ok, want)
		}
	}
}

func TestExecStreamerInstallReportsProgress(t *testing.T) {
	s := newScriptStreamer(t, streamerScript)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	var progress []float64
	if err := s.EnsureModel(ctx, "en-US", func(p float64) { progress = append(progress, p) }); err != nil {
		t.Fatalf("ensure model: %v", err)
	}
	if len(progress) != 2 || progress[0] != 0.5 || progress[1] != 1 {
		t.Fatalf("unexpected progress %v", progress)
	}

	err := s.EnsureModel(ctx, "xx-XX", func(float64) {})
	if !errors.Is(err, ErrModelUnavailable) || !strings.Contains(err.Error(), "no model for xx-XX") {
		t.Fatalf("expected ErrModelUnavailable with stderr, got %v", err)
	}
}

func TestExecStreamerStreamsJSONLines(t *testing.T) {
	s := newScriptStreamer(t, streamerScript)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	frames := make(chan audio.Frame, 8)
	results, err := s.Transcribe(ctx, frames)
	if err != nil {
		t.Fatalf("transcribe: %v", err)
	}
	for i := 0; i < 4; i++ {
		frames <- silentFrame(i)
	}
	close(frames)

	var got []Result
	for r := range results {
		if r.Err != nil {
			t.Fatalf("unexpected stream error: %v", r.Err)
		}
		got = append(got, r)
	}
	if len(got) != 3 {
		t.Fatalf("expected 3 results with the malformed line skipped, got %+v", got)
	}
	if got[0].Final || got[0].SpeakerKey != "spk-0" {
		t.Fatalf("unexpected partial %+v", got[0])
	}
	if !got[1].Final || got[1].Text != "hello there" || got[1].End != time.Second || got[1].Confidence != 0.8 {
		t.Fatalf("unexpected first final %+v", got[1])
	}
	if got[2].SpeakerKey != "spk-1" || got[2].Start != time.Second || got[2].End != 2*time.Second {
		t.Fatalf("unexpected second final %+v", got[2])
	}
}

func TestExecStreamerExitBecomesError(t *testing.T) {
	s := newScriptStreamer(t, `#!/bin/sh
cat > /dev/null
echo '{"text":"half a sent"}'
echo "decoder crashed" >&2
exit 2
`)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	frames := make(chan audio.Frame, 8)
	results, err := s.Transcribe(ctx, frames)
	if err != nil {
		t.Fatalf("transcribe: %v", err)
	}
	frames <- silentFrame(0)
	close(frames)

	var got []Result
	for r := range results {
		got = append(got, r)
	}
	if len(got) != 2 {
		t.Fatalf("expected a partial then an error, got %+v", got)
	}
	if got[0].Err != nil || got[0].Text != "half a sent" {
		t.Fatalf("unexpected first result %+v", got[0])
	}
	if got[1].Err == nil || !strings.Contains(got[1].Err.Error(), "decoder crashed") {
		t.Fatalf("expected recognizer exit error, got %+v", got[1])
	}
}

func TestExecStreamerDrivesEngine(t *testing.T) {
	s := newScriptStreamer(t, streamerScript)
	var mu sync.Mutex
	var progress []float64
	e := newEngine(t, EngineOptions{
		Advanced: s,
		Fallback: NewMockFallback(),
		Speakers: transcript.NewSpeakers(""),
		OnModelProgress: func(p float64) {
			mu.Lock()
			progress = append(progress, p)
			mu.Unlock()
		},
	})
	frames := make(chan audio.Frame, 8)
	updates, err := e.Start(context.Background(), frames)
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	if e.Path() != PathAdvanced {
		t.Fatalf("expected advanced path, got %s", e.Path())
	}
	for i := 0; i < 4; i++ {
		frames <- silentFrame(i)
	}
	close(frames)

	var finals []Update
	for u := range updates {
		if u.Final {
			finals = append(finals, u)
		}
	}
	if len(finals) != 2 {
		t.Fatalf("expected 2 finals, got %+v", finals)
	}
	mu.Lock()
	if len(progress) != 2 || progress[1] != 1 {
		t.Fatalf("unexpected model progress %v", progress)
	}
	mu.Unlock()
	if finals[0].Speaker == nil || finals[1].Speaker == nil || finals[0].Speaker.DisplayName == finals[1].Speaker.DisplayName {
		t.Fatalf("expected distinct speakers: %+v %+v", finals[0].Speaker, finals[1].Speaker)
	}
}
