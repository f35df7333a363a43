package stt

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/loqalabs/loqa-scribe/internal/audio"
	"github.com/loqalabs/loqa-scribe/internal/meeting"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

type State int

const (
	StateIdle State = iota
	StateStarting
	StateStreaming
	StateStopping
)

func (s State) String() string {
	switch s {
	case StateStarting:
		return "starting"
	case StateStreaming:
		return "streaming"
	case StateStopping:
		return "stopping"
	default:
		return "idle"
	}
}

type Path string

const (
	PathNone     Path = "none"
	PathAdvanced Path = "advanced"
	PathFallback Path = "fallback"
)

// Update is what the engine publishes to its consumer. Forced marks a final
// synthesized from volatile text when the session stopped.
type Update struct {
	Text       string
	Final      bool
	Forced     bool
	Speaker    *meeting.Speaker
	Start      time.Duration
	End        time.Duration
	Confidence float64
}

type EngineOptions struct {
	Locale     string
	Advanced   AdvancedTranscriber
	Fallback   Transcriber
	Authorizer Authorizer
	Speakers   SpeakerResolver
	// OnModelProgress receives model install progress in [0,1].
	OnModelProgress func(float64)
	// DrainTimeout bounds how long Stop waits for the recognizer to flush
	// after the audio tap closes.
	DrainTimeout time.Duration
	Logger       *slog.Logger
}

// Engine runs one transcription session at a time. Consumers must keep
// draining the update channel until it closes.
type Engine struct {
	opts EngineOptions
	log  *slog.Logger

	mu        sync.Mutex
	state     State
	path      Path
	finals    []string
	volatile  Result
	cancel    context.CancelFunc
	tapCancel context.CancelFunc
	done      chan struct{}
	lastErr   error

	fallbacks metric.Int64Counter
	segments  metric.Int64Counter
}

func NewEngine(opts EngineOptions) (*Engine, error) {
	if opts.Fallback == nil {
		return nil, ErrNoFallbackProvided
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.DrainTimeout <= 0 {
		opts.DrainTimeout = 2 * time.Second
	}
	e := &Engine{
		opts:  opts,
		log:   opts.Logger.With(slog.String("component", "stt-engine")),
		state: StateIdle,
		path:  PathNone,
	}
	meter := otel.Meter("github.com/loqalabs/loqa-scribe/stt")
	if c, err := meter.Int64Counter("scribe.stt.fallbacks", metric.WithDescription("Sessions that fell back to the segment recognizer")); err == nil {
		e.fallbacks = c
	}
	if c, err := meter.Int64Counter("scribe.stt.segments", metric.WithDescription("Final transcript segments produced")); err == nil {
		e.segments = c
	}
	return e, nil
}

func (e *Engine) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

func (e *Engine) Path() Path {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.path
}

// Err returns the recognizer error that ended the last session, if any.
func (e *Engine) Err() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.lastErr
}

// CurrentTranscript joins committed finals with the live volatile text.
func (e *Engine) CurrentTranscript() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	committed := strings.Join(e.finals, " ")
	if e.volatile.Text == "" {
		return committed
	}
	if committed == "" {
		return e.volatile.Text
	}
	return committed + " " + e.volatile.Text
}

// Start authorizes, selects a recognition path and begins streaming frames
// from source. A failure anywhere on the advanced path selects the fallback
// for the rest of the session.
func (e *Engine) Start(ctx context.Context, source <-chan audio.Frame) (<-chan Update, error) {
	e.mu.Lock()
	if e.state != StateIdle {
		e.mu.Unlock()
		return nil, ErrAlreadyRunning
	}
	runCtx, cancel := context.WithCancel(ctx)
	e.state = StateStarting
	e.path = PathNone
	e.finals = nil
	e.volatile = Result{}
	e.lastErr = nil
	e.cancel = cancel
	e.mu.Unlock()

	fail := func(err error) (<-chan Update, error) {
		cancel()
		e.mu.Lock()
		e.state = StateIdle
		e.cancel = nil
		e.mu.Unlock()
		return nil, err
	}

	if e.opts.Authorizer != nil {
		if err := e.opts.Authorizer.Authorize(runCtx); err != nil {
			if !errors.Is(err, ErrNotAuthorized) {
				err = fmt.Errorf("%w: %v", ErrNotAuthorized, err)
			}
			return fail(err)
		}
	}

	frames := make(chan audio.Frame, 64)
	path := PathAdvanced
	var rec Transcriber = e.opts.Advanced
	results, err := e.startAdvanced(runCtx, frames)
	if err != nil {
		if runCtx.Err() != nil {
			return fail(runCtx.Err())
		}
		e.log.Warn("advanced recognizer unavailable, using fallback", slogError(err))
		if e.fallbacks != nil {
			e.fallbacks.Add(runCtx, 1, metric.WithAttributes(attribute.String("reason", fallbackReason(err))))
		}
		path = PathFallback
		rec = e.opts.Fallback
		if err := checkFormat(rec.Format()); err != nil {
			return fail(fmt.Errorf("fallback %s: %w", rec.Name(), err))
		}
		frames = make(chan audio.Frame, 64)
		results, err = rec.Transcribe(runCtx, frames)
		if err != nil {
			return fail(fmt.Errorf("start fallback %s: %w", rec.Name(), err))
		}
	}

	tapCtx, tapCancel := context.WithCancel(runCtx)
	out := make(chan Update, 64)
	done := make(chan struct{})

	e.mu.Lock()
	if e.state != StateStarting {
		e.mu.Unlock()
		tapCancel()
		return fail(context.Canceled)
	}
	e.state = StateStreaming
	e.path = path
	e.tapCancel = tapCancel
	e.done = done
	e.mu.Unlock()

	e.log.Info("transcription started", slog.String("path", string(path)), slog.String("recognizer", rec.Name()), slog.String("locale", e.opts.Locale))

	adapter := audio.NewAdapter(rec.Format(), e.opts.Logger)
	go pump(tapCtx, adapter.Run(tapCtx, source), frames)
	go e.consume(runCtx, path, results, out, done)
	return out, nil
}

func (e *Engine) startAdvanced(ctx context.Context, frames <-chan audio.Frame) (<-chan Result, error) {
	adv := e.opts.Advanced
	if adv == nil {
		return nil, ErrAdvancedDisabled
	}
	ok, err := adv.SupportsLocale(ctx, e.opts.Locale)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnsupportedLocale, err)
	}
	if !ok {
		return nil, fmt.Errorf("%s: %w", e.opts.Locale, ErrUnsupportedLocale)
	}
	progress := e.opts.OnModelProgress
	if progress == nil {
		progress = func(float64) {}
	}
	if err := adv.EnsureModel(ctx, e.opts.Locale, progress); err != nil {
		if errors.Is(err, ErrModelUnavailable) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %v", ErrModelUnavailable, err)
	}
	if err := checkFormat(adv.Format()); err != nil {
		return nil, err
	}
	results, err := adv.Transcribe(ctx, frames)
	if err != nil {
		return nil, fmt.Errorf("start %s: %w", adv.Name(), err)
	}
	return results, nil
}

func checkFormat(f audio.Format) error {
	if _, err := audio.NewConverter(f, f); err != nil {
		return fmt.Errorf("%w: %v", ErrFormatNegotiation, err)
	}
	return nil
}

func fallbackReason(err error) string {
	switch {
	case errors.Is(err, ErrAdvancedDisabled):
		return "disabled"
	case errors.Is(err, ErrUnsupportedLocale):
		return "locale"
	case errors.Is(err, ErrModelUnavailable):
		return "model"
	case errors.Is(err, ErrFormatNegotiation):
		return "format"
	default:
		return "start"
	}
}

func pump(ctx context.Context, in <-chan audio.Frame, out chan<- audio.Frame) {
	defer close(out)
	for {
		select {
		case <-ctx.Done():
			return
		case frame, ok := <-in:
			if !ok {
				return
			}
			select {
			case out <- frame:
			case <-ctx.Done():
				return
			}
		}
	}
}

func (e *Engine) consume(ctx context.Context, path Path, results <-chan Result, out chan<- Update, done chan struct{}) {
	defer e.finish(path, out, done)
	for {
		select {
		case <-ctx.Done():
			return
		case res, ok := <-results:
			if !ok {
				return
			}
			if res.Err != nil {
				e.log.Warn("recognizer failed mid-stream", slogError(res.Err))
				e.mu.Lock()
				e.lastErr = fmt.Errorf("%w: %v", ErrRecognizerFailed, res.Err)
				e.mu.Unlock()
				return
			}
			if update, ok := e.apply(path, res); ok {
				out <- update
			}
		}
	}
}

func (e *Engine) apply(path Path, res Result) (Update, bool) {
	text := strings.TrimSpace(res.Text)
	e.mu.Lock()
	defer e.mu.Unlock()

	if !res.Final {
		res.Text = text
		e.volatile = res
		return e.update(path, res, false), true
	}
	e.volatile = Result{}
	if text == "" {
		return Update{}, false
	}
	res.Text = text
	e.finals = append(e.finals, text)
	return e.update(path, res, false), true
}

func (e *Engine) update(path Path, res Result, forced bool) Update {
	speaker := e.speakerFor(path, res.SpeakerKey)
	return Update{
		Text:       res.Text,
		Final:      res.Final || forced,
		Forced:     forced,
		Speaker:    speaker,
		Start:      res.Start,
		End:        res.End,
		Confidence: res.Confidence,
	}
}

func (e *Engine) speakerFor(path Path, key string) *meeting.Speaker {
	if e.opts.Speakers == nil {
		return nil
	}
	var sp meeting.Speaker
	if path == PathAdvanced && key != "" {
		sp = e.opts.Speakers.Resolve(key)
	} else {
		sp = e.opts.Speakers.Default()
	}
	return &sp
}

func (e *Engine) finish(path Path, out chan<- Update, done chan struct{}) {
	e.mu.Lock()
	if e.cancel != nil {
		e.cancel()
	}
	var forced *Update
	if e.volatile.Text != "" {
		e.finals = append(e.finals, e.volatile.Text)
		u := e.update(path, e.volatile, true)
		forced = &u
		e.volatile = Result{}
	}
	finals := len(e.finals)
	e.mu.Unlock()

	if forced != nil {
		out <- *forced
	}
	if e.segments != nil {
		e.segments.Add(context.Background(), int64(finals), metric.WithAttributes(attribute.String("path", string(path))))
	}

	e.mu.Lock()
	e.state = StateIdle
	e.cancel = nil
	e.tapCancel = nil
	e.done = nil
	e.mu.Unlock()
	close(out)
	close(done)
	e.log.Info("transcription stopped", slog.String("path", string(path)), slog.Int("segments", finals))
}

// Stop closes the audio tap, lets the recognizer flush for up to the drain
// timeout, then cancels it. Outstanding volatile text is committed as a
// forced final before the update channel closes. Stop is idempotent.
func (e *Engine) Stop() error {
	e.mu.Lock()
	switch e.state {
	case StateIdle:
		e.mu.Unlock()
		return nil
	case StateStarting:
		e.state = StateStopping
		if e.cancel != nil {
			e.cancel()
		}
		e.mu.Unlock()
		return nil
	}
	e.state = StateStopping
	done := e.done
	cancel := e.cancel
	if e.tapCancel != nil {
		e.tapCancel()
	}
	e.mu.Unlock()

	if done == nil {
		return nil
	}
	select {
	case <-done:
	case <-time.After(e.opts.DrainTimeout):
		if cancel != nil {
			cancel()
		}
		<-done
	}
	return nil
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
