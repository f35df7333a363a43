// Package scheduler decides when handwriting recognition runs: automatic
// runs are debounced per drawing surface, manual runs execute at once, and
// no surface ever has more than one request in flight.
package scheduler

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/loqalabs/loqa-scribe/internal/config"
	"github.com/loqalabs/loqa-scribe/internal/ink"
)

// MinDebounce is the floor for the automatic recognition debounce.
const MinDebounce = config.InkDebounceFloorMS * time.Millisecond

var (
	ErrCleared = errors.New("drawing cleared before recognition ran")
	ErrClosed  = errors.New("coordinator closed")
)

// Recognizer is the part of the ink service the coordinator drives.
type Recognizer interface {
	Recognize(ctx context.Context, d ink.Drawing, bypassCache bool) (string, error)
	InvalidateDrawing(drawingID string)
}

// Result is delivered to the sink after every run.
type Result struct {
	Drawing ink.Drawing
	Text    string
	Err     error
	Manual  bool
	Forced  bool
}

type Sink interface {
	InkRecognized(ctx context.Context, r Result)
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(ctx context.Context, r Result)

func (f SinkFunc) InkRecognized(ctx context.Context, r Result) { f(ctx, r) }

type Options struct {
	Debounce        time.Duration
	MinDebounce     time.Duration
	ActiveThreshold time.Duration
	Clock           Clock
	Logger          *slog.Logger
}

func OptionsFromConfig(cfg config.InkConfig) Options {
	return Options{
		Debounce:        time.Duration(cfg.DebounceMS) * time.Millisecond,
		MinDebounce:     time.Duration(cfg.MinDebounceMS) * time.Millisecond,
		ActiveThreshold: time.Duration(cfg.ActiveThresholdMS) * time.Millisecond,
	}
}

type request struct {
	manual  bool
	forced  bool
	waiters []chan Result
}

type surface struct {
	timer      Timer
	gen        int
	epoch      int
	lastStroke time.Time
	latest     ink.Drawing
	inflight   bool
	pending    *request
}

type Coordinator struct {
	rec   Recognizer
	sink  Sink
	opts  Options
	clock Clock
	log   *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu       sync.Mutex
	surfaces map[string]*surface
	closed   bool
}

func New(parent context.Context, rec Recognizer, sink Sink, opts Options) *Coordinator {
	if opts.MinDebounce < MinDebounce {
		opts.MinDebounce = MinDebounce
	}
	if opts.Debounce < opts.MinDebounce {
		opts.Debounce = opts.MinDebounce
	}
	if opts.ActiveThreshold <= 0 {
		opts.ActiveThreshold = time.Second
	}
	if opts.Clock == nil {
		opts.Clock = SystemClock
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if sink == nil {
		sink = SinkFunc(func(context.Context, Result) {})
	}
	ctx, cancel := context.WithCancel(parent)
	return &Coordinator{
		rec:      rec,
		sink:     sink,
		opts:     opts,
		clock:    opts.Clock,
		log:      opts.Logger.With(slog.String("component", "ink-scheduler")),
		ctx:      ctx,
		cancel:   cancel,
		surfaces: make(map[string]*surface),
	}
}

// Debounce is the effective debounce interval after clamping.
func (c *Coordinator) Debounce() time.Duration { return c.opts.Debounce }

func (c *Coordinator) surfaceLocked(id string) *surface {
	s := c.surfaces[id]
	if s == nil {
		s = &surface{}
		c.surfaces[id] = s
	}
	return s
}

// InkChanged records a new snapshot and restarts the surface's debounce
// timer.
func (c *Coordinator) InkChanged(d ink.Drawing) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	s := c.surfaceLocked(d.ID)
	s.latest = d
	s.lastStroke = c.clock.Now()
	c.scheduleLocked(d.ID, s, c.opts.Debounce)
}

// StrokeActivity marks the pen as active without a new snapshot. A pending
// automatic run is postponed while activity is recent.
func (c *Coordinator) StrokeActivity(drawingID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if s := c.surfaces[drawingID]; s != nil {
		s.lastStroke = c.clock.Now()
	}
}

func (c *Coordinator) scheduleLocked(id string, s *surface, delay time.Duration) {
	if s.timer != nil {
		s.timer.Stop()
	}
	s.gen++
	gen := s.gen
	s.timer = c.clock.AfterFunc(delay, func() { c.fire(id, gen) })
}

func (c *Coordinator) fire(id string, gen int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := c.surfaces[id]
	if c.closed || s == nil || s.gen != gen {
		return
	}
	s.timer = nil
	if c.clock.Now().Sub(s.lastStroke) < c.opts.ActiveThreshold {
		c.scheduleLocked(id, s, c.opts.Debounce)
		return
	}
	if s.latest.IsEmpty() {
		return
	}
	c.submitLocked(id, s, &request{})
}

// submitLocked starts req or folds it into the single pending follow-up.
func (c *Coordinator) submitLocked(id string, s *surface, req *request) {
	if !s.inflight {
		s.inflight = true
		c.startLocked(id, s, req)
		return
	}
	if s.pending == nil {
		s.pending = req
		return
	}
	s.pending.manual = s.pending.manual || req.manual
	s.pending.forced = s.pending.forced || req.forced
	s.pending.waiters = append(s.pending.waiters, req.waiters...)
}

func (c *Coordinator) startLocked(id string, s *surface, req *request) {
	drawing := s.latest
	epoch := s.epoch
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		text, err := c.rec.Recognize(c.ctx, drawing, req.manual || req.forced)
		res := Result{Drawing: drawing, Text: text, Err: err, Manual: req.manual, Forced: req.forced}

		c.mu.Lock()
		current := s.epoch == epoch && !c.closed
		c.mu.Unlock()
		if current {
			c.sink.InkRecognized(c.ctx, res)
		}
		for _, w := range req.waiters {
			w <- res
		}
		if err != nil && c.ctx.Err() == nil {
			c.log.Warn("ink recognition failed", slog.String("drawing_id", id), slog.Bool("manual", req.manual), slogError(err))
		}

		c.mu.Lock()
		defer c.mu.Unlock()
		s.inflight = false
		if c.closed || s.pending == nil {
			return
		}
		next := s.pending
		s.pending = nil
		s.inflight = true
		c.startLocked(id, s, next)
	}()
}

// RecognizeNow runs recognition on d immediately, skipping the debounce and
// the cache hit path. It waits for any in-flight request on the surface.
func (c *Coordinator) RecognizeNow(ctx context.Context, d ink.Drawing) (string, error) {
	return c.manual(ctx, d, false)
}

// ForceRecognition drops every cached result for the drawing before
// running RecognizeNow.
func (c *Coordinator) ForceRecognition(ctx context.Context, d ink.Drawing) (string, error) {
	c.rec.InvalidateDrawing(d.ID)
	return c.manual(ctx, d, true)
}

func (c *Coordinator) manual(ctx context.Context, d ink.Drawing, forced bool) (string, error) {
	if d.IsEmpty() {
		return "", nil
	}
	wait := make(chan Result, 1)
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return "", ErrClosed
	}
	s := c.surfaceLocked(d.ID)
	s.latest = d
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	s.gen++
	c.submitLocked(d.ID, s, &request{manual: true, forced: forced, waiters: []chan Result{wait}})
	c.mu.Unlock()

	select {
	case res := <-wait:
		return res.Text, res.Err
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// Clear cancels the surface's timer, drops its pending follow-up and
// invalidates its cached results. An in-flight result is not delivered.
func (c *Coordinator) Clear(drawingID string) {
	c.mu.Lock()
	var dropped *request
	if s := c.surfaces[drawingID]; s != nil {
		if s.timer != nil {
			s.timer.Stop()
			s.timer = nil
		}
		s.gen++
		s.epoch++
		s.latest = ink.Drawing{ID: drawingID}
		dropped = s.pending
		s.pending = nil
		if !s.inflight {
			delete(c.surfaces, drawingID)
		}
	}
	c.mu.Unlock()

	c.rec.InvalidateDrawing(drawingID)
	if dropped != nil {
		for _, w := range dropped.waiters {
			w <- Result{Drawing: ink.Drawing{ID: drawingID}, Err: ErrCleared}
		}
	}
}

// Pending reports whether the surface has a timer armed or work queued.
func (c *Coordinator) Pending(drawingID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := c.surfaces[drawingID]
	return s != nil && (s.timer != nil || s.inflight || s.pending != nil)
}

// Close stops all timers, cancels in-flight work and waits for it to end.
func (c *Coordinator) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	var dropped []*request
	for _, s := range c.surfaces {
		if s.timer != nil {
			s.timer.Stop()
			s.timer = nil
		}
		if s.pending != nil {
			dropped = append(dropped, s.pending)
			s.pending = nil
		}
	}
	c.mu.Unlock()

	c.cancel()
	for _, req := range dropped {
		for _, w := range req.waiters {
			w <- Result{Err: ErrClosed}
		}
	}
	c.wg.Wait()
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
