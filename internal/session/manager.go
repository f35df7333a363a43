package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/loqalabs/loqa-scribe/internal/audio"
	"github.com/loqalabs/loqa-scribe/internal/bus"
	"github.com/loqalabs/loqa-scribe/internal/ink"
	"github.com/loqalabs/loqa-scribe/internal/ink/scheduler"
	"github.com/loqalabs/loqa-scribe/internal/meeting"
	"github.com/loqalabs/loqa-scribe/internal/protocol"
	"github.com/loqalabs/loqa-scribe/internal/store"
	"github.com/loqalabs/loqa-scribe/internal/stt"
	"github.com/loqalabs/loqa-scribe/internal/transcript"
)

var (
	ErrAlreadyRecording = errors.New("meeting is already recording")
	ErrNotRecording     = errors.New("meeting is not recording")
	ErrClosed           = errors.New("session manager closed")
)

// EngineFactory builds a transcription engine that attributes speakers
// through speakers.
type EngineFactory func(speakers stt.SpeakerResolver) (*stt.Engine, error)

type Options struct {
	Store          *store.Store
	Bus            *bus.Client
	NewEngine      EngineFactory
	Ink            scheduler.Recognizer
	InkOptions     scheduler.Options
	DefaultSpeaker string
	AudioFormat    meeting.AudioFormat
	Logger         *slog.Logger
}

// Manager owns at most one recording per meeting and one ink coordinator
// per meeting.
type Manager struct {
	opts   Options
	log    *slog.Logger
	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	sessions map[string]*Session
	inks     map[string]*scheduler.Coordinator
	closed   bool
}

func NewManager(parent context.Context, opts Options) (*Manager, error) {
	if opts.Store == nil {
		return nil, errors.New("session manager requires a store")
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(parent)
	return &Manager{
		opts:     opts,
		log:      opts.Logger.With(slog.String("component", "session-manager")),
		ctx:      ctx,
		cancel:   cancel,
		sessions: make(map[string]*Session),
		inks:     make(map[string]*scheduler.Coordinator),
	}, nil
}

// StartRecording begins transcribing source into the meeting. Authorization
// failures are returned to the caller and leave the meeting untouched.
func (m *Manager) StartRecording(ctx context.Context, meetingID string, source audio.Source) (*Session, error) {
	if m.opts.NewEngine == nil {
		return nil, errors.New("session manager has no transcription engine")
	}
	current, ok := m.opts.Store.Get(meetingID)
	if !ok {
		return nil, fmt.Errorf("%w: %s", store.ErrNotFound, meetingID)
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, ErrClosed
	}
	if _, busy := m.sessions[meetingID]; busy {
		m.mu.Unlock()
		return nil, ErrAlreadyRecording
	}
	// Reserve the slot while the engine starts.
	m.sessions[meetingID] = nil
	m.mu.Unlock()

	sess, err := m.start(ctx, current, source)

	m.mu.Lock()
	if err != nil {
		delete(m.sessions, meetingID)
		m.mu.Unlock()
		return nil, err
	}
	m.sessions[meetingID] = sess
	closed := m.closed
	m.mu.Unlock()

	go sess.run(sess.updates, func() {
		m.mu.Lock()
		if m.sessions[meetingID] == sess {
			delete(m.sessions, meetingID)
		}
		m.mu.Unlock()
	})
	if closed {
		_ = sess.Stop()
		return nil, ErrClosed
	}
	return sess, nil
}

func (m *Manager) start(ctx context.Context, current meeting.Meeting, source audio.Source) (*Session, error) {
	speakers := transcript.NewSpeakers(m.opts.DefaultSpeaker)
	speakers.Seed(current.Transcript.Speakers)
	engine, err := m.opts.NewEngine(speakers)
	if err != nil {
		return nil, fmt.Errorf("create engine: %w", err)
	}

	runCtx, cancel := context.WithCancel(m.ctx)
	frames, err := source.Start(runCtx)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("start audio source %s: %w", source.Name(), err)
	}
	updates, err := engine.Start(runCtx, frames)
	if err != nil {
		cancel()
		_ = source.Close()
		return nil, err
	}
	if _, err := m.opts.Store.SetStatus(ctx, current.ID, meeting.StatusRecording); err != nil {
		_ = engine.Stop()
		cancel()
		_ = source.Close()
		return nil, err
	}

	log := m.opts.Logger.With(slog.String("component", "session"), slog.String("meeting_id", current.ID))
	log.Info("recording started", slog.String("source", source.Name()), slog.String("path", string(engine.Path())))
	return &Session{
		meetingID: current.ID,
		engine:    engine,
		source:    source,
		store:     m.opts.Store,
		bus:       m.opts.Bus,
		format:    m.opts.AudioFormat,
		log:       log,
		startedAt: time.Now(),
		base:      recordedDuration(current),
		cancel:    cancel,
		done:      make(chan struct{}),
		updates:   updates,
	}, nil
}

// StopRecording stops the meeting's session and waits for its last segment
// to be committed.
func (m *Manager) StopRecording(meetingID string) error {
	m.mu.Lock()
	sess := m.sessions[meetingID]
	m.mu.Unlock()
	if sess == nil {
		return ErrNotRecording
	}
	return sess.Stop()
}

// Session returns the active recording for the meeting, if any.
func (m *Manager) Session(meetingID string) (*Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	sess := m.sessions[meetingID]
	return sess, sess != nil
}

// Active lists meetings currently recording.
func (m *Manager) Active() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := make([]string, 0, len(m.sessions))
	for id, sess := range m.sessions {
		if sess != nil {
			ids = append(ids, id)
		}
	}
	return ids
}

func (m *Manager) coordinator(meetingID string) (*scheduler.Coordinator, error) {
	if m.opts.Ink == nil {
		return nil, errors.New("ink recognition is not configured")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, ErrClosed
	}
	c := m.inks[meetingID]
	if c == nil {
		opts := m.opts.InkOptions
		opts.Logger = m.opts.Logger
		c = scheduler.New(m.ctx, m.opts.Ink, &inkSink{meetingID: meetingID, manager: m}, opts)
		m.inks[meetingID] = c
	}
	return c, nil
}

// DrawingChanged records a new drawing snapshot and schedules debounced
// recognition for it.
func (m *Manager) DrawingChanged(ctx context.Context, meetingID string, d ink.Drawing) (meeting.Meeting, error) {
	c, err := m.coordinator(meetingID)
	if err != nil {
		return meeting.Meeting{}, err
	}
	data := d.Serialize()
	updated, err := m.opts.Store.SaveDrawing(ctx, meetingID, meeting.Drawing{
		ID:          d.ID,
		Page:        d.Page,
		Fingerprint: d.Fingerprint(),
		StrokeCount: len(d.Strokes),
		Data:        data,
	})
	if err != nil {
		return meeting.Meeting{}, err
	}
	c.InkChanged(d)
	return updated, nil
}

// StrokeActivity postpones automatic recognition while the pen is moving.
func (m *Manager) StrokeActivity(meetingID, drawingID string) {
	m.mu.Lock()
	c := m.inks[meetingID]
	m.mu.Unlock()
	if c != nil {
		c.StrokeActivity(drawingID)
	}
}

// RecognizeDrawing runs recognition on the stored drawing at once. force
// drops cached results first.
func (m *Manager) RecognizeDrawing(ctx context.Context, meetingID, drawingID string, force bool) (string, error) {
	current, ok := m.opts.Store.Get(meetingID)
	if !ok {
		return "", fmt.Errorf("%w: %s", store.ErrNotFound, meetingID)
	}
	i := current.FindDrawing(drawingID)
	if i < 0 {
		return "", fmt.Errorf("%w: %s", store.ErrDrawingNotFound, drawingID)
	}
	stored := current.Handwriting.Drawings[i]
	d, err := ink.Decode(stored.ID, stored.Page, stored.Data)
	if err != nil {
		return "", err
	}
	c, err := m.coordinator(meetingID)
	if err != nil {
		return "", err
	}
	if force {
		return c.ForceRecognition(ctx, d)
	}
	return c.RecognizeNow(ctx, d)
}

// ClearDrawing cancels pending recognition for the drawing, drops its cached
// results and removes it from the meeting.
func (m *Manager) ClearDrawing(ctx context.Context, meetingID, drawingID string) (meeting.Meeting, error) {
	if c, err := m.coordinator(meetingID); err == nil {
		c.Clear(drawingID)
	}
	return m.opts.Store.ClearDrawing(ctx, meetingID, drawingID)
}

// Forget releases the ink coordinator of a deleted meeting.
func (m *Manager) Forget(meetingID string) {
	m.mu.Lock()
	c := m.inks[meetingID]
	delete(m.inks, meetingID)
	m.mu.Unlock()
	if c != nil {
		c.Close()
	}
}

// Close stops every recording and ink coordinator.
func (m *Manager) Close() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	var sessions []*Session
	for _, sess := range m.sessions {
		if sess != nil {
			sessions = append(sessions, sess)
		}
	}
	inks := m.inks
	m.inks = make(map[string]*scheduler.Coordinator)
	m.mu.Unlock()

	for _, sess := range sessions {
		if err := sess.Stop(); err != nil {
			m.log.Warn("stop session failed", slog.String("meeting_id", sess.meetingID), slogError(err))
		}
	}
	for _, c := range inks {
		c.Close()
	}
	m.cancel()
}

type inkSink struct {
	meetingID string
	manager   *Manager
}

func (s *inkSink) InkRecognized(ctx context.Context, r scheduler.Result) {
	m := s.manager
	msg := protocol.InkRecognition{
		SessionID: s.meetingID,
		DrawingID: r.Drawing.ID,
		Text:      r.Text,
		Manual:    r.Manual,
		Timestamp: time.Now().UTC(),
	}
	switch {
	case errors.Is(r.Err, ink.ErrNoTextFound):
		m.log.Debug("no text in drawing", slog.String("meeting_id", s.meetingID), slog.String("drawing_id", r.Drawing.ID))
		msg.Error = r.Err.Error()
	case r.Err != nil:
		msg.Error = r.Err.Error()
	default:
		_, err := m.opts.Store.UpsertHandwriting(ctx, s.meetingID, meeting.HandwritingSegment{
			DrawingID: r.Drawing.ID,
			Text:      r.Text,
		})
		switch {
		case errors.Is(err, store.ErrDrawingNotFound):
			m.log.Debug("drawing cleared before its text was stored", slog.String("meeting_id", s.meetingID), slog.String("drawing_id", r.Drawing.ID))
			return
		case err != nil:
			m.log.Warn("store handwriting failed", slog.String("meeting_id", s.meetingID), slog.String("drawing_id", r.Drawing.ID), slogError(err))
		}
	}
	if err := m.opts.Bus.PublishJSON(protocol.SubjectInkRecognized, msg); err != nil {
		m.log.Warn("publish ink result failed", slogError(err))
	}
}
