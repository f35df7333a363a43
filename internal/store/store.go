// Package store owns the collection of meeting aggregates. Every change is a
// read-modify-write of one meeting that funnels through Update: the search
// entry is dropped, the whole collection is persisted and observers receive
// the new value in order.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/loqalabs/loqa-scribe/internal/eventstore"
	"github.com/loqalabs/loqa-scribe/internal/meeting"
	"github.com/loqalabs/loqa-scribe/internal/transcript"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

const (
	DefaultKey      = "loqa.scribe.meetings.v1"
	envelopeVersion = 1
)

var (
	ErrNotFound    = errors.New("meeting not found")
	ErrExists      = errors.New("meeting already exists")
	ErrInvalid     = errors.New("invalid meeting")
	errBadEnvelope = errors.New("unsupported snapshot version")
)

// Backend persists the serialized collection under a key.
type Backend interface {
	LoadSnapshot(ctx context.Context, key string) ([]byte, error)
	SaveSnapshot(ctx context.Context, key string, data []byte) error
}

// Journal records per-meeting activity.
type Journal interface {
	AppendMeeting(ctx context.Context, meetingID, title, status string) error
	AppendEvent(ctx context.Context, evt eventstore.Event) error
	DeleteMeeting(ctx context.Context, meetingID string) error
}

// Renderer derives the transcript full text from its segments.
type Renderer interface {
	Render(segments []meeting.TranscriptSegment) string
}

type Options struct {
	Key         string
	SeedOnEmpty bool
	Renderer    Renderer
	Journal     Journal
	Clock       func() time.Time
	Logger      *slog.Logger
}

type envelope struct {
	Version  int               `json:"version"`
	SavedAt  time.Time         `json:"saved_at"`
	Meetings []meeting.Meeting `json:"meetings"`
}

type Store struct {
	backend Backend
	opts    Options
	log     *slog.Logger

	mu       sync.Mutex
	meetings map[string]meeting.Meeting
	search   map[string]string
	subs     map[int]*subscriber
	nextSub  int

	persistFailures metric.Int64Counter
}

// Open loads the collection from backend. A snapshot that cannot be decoded
// is replaced by the sample meetings, which are persisted straight away.
func Open(ctx context.Context, backend Backend, opts Options) (*Store, error) {
	if backend == nil {
		return nil, errors.New("store backend is required")
	}
	if opts.Key == "" {
		opts.Key = DefaultKey
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	s := &Store{
		backend:  backend,
		opts:     opts,
		log:      opts.Logger.With(slog.String("component", "store")),
		meetings: make(map[string]meeting.Meeting),
		search:   make(map[string]string),
		subs:     make(map[int]*subscriber),
	}
	meter := otel.Meter("github.com/loqalabs/loqa-scribe/store")
	if c, err := meter.Int64Counter("scribe.store.persist_failures", metric.WithDescription("Failed snapshot writes")); err == nil {
		s.persistFailures = c
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.loadLocked(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Store) loadLocked(ctx context.Context) error {
	data, err := s.backend.LoadSnapshot(ctx, s.opts.Key)
	switch {
	case errors.Is(err, eventstore.ErrSnapshotNotFound):
		s.meetings = make(map[string]meeting.Meeting)
		if s.opts.SeedOnEmpty {
			s.seedLocked(ctx)
		}
		return nil
	case err != nil:
		return fmt.Errorf("load meetings: %w", err)
	}

	meetings, err := decode(data)
	if err != nil {
		s.log.Warn("meeting snapshot unreadable, seeding sample data", slogError(err))
		s.seedLocked(ctx)
		return nil
	}
	s.meetings = make(map[string]meeting.Meeting, len(meetings))
	for _, m := range meetings {
		s.meetings[m.ID] = m
	}
	s.log.Info("meetings loaded", slog.Int("count", len(meetings)))
	return nil
}

func (s *Store) seedLocked(ctx context.Context) {
	s.meetings = make(map[string]meeting.Meeting)
	for _, m := range meeting.SampleMeetings(s.opts.Clock()) {
		s.meetings[m.ID] = m
	}
	s.persistLocked(ctx)
}

func decode(data []byte) ([]meeting.Meeting, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, err
	}
	if env.Version != envelopeVersion {
		return nil, fmt.Errorf("%w: %d", errBadEnvelope, env.Version)
	}
	for _, m := range env.Meetings {
		if m.ID == "" {
			return nil, fmt.Errorf("%w: missing id", ErrInvalid)
		}
	}
	return env.Meetings, nil
}

// persistLocked writes the whole collection. Failures leave memory
// authoritative until the next successful write.
func (s *Store) persistLocked(ctx context.Context) bool {
	env := envelope{
		Version:  envelopeVersion,
		SavedAt:  s.opts.Clock().UTC(),
		Meetings: s.sortedLocked(),
	}
	data, err := json.Marshal(env)
	if err == nil {
		err = s.backend.SaveSnapshot(ctx, s.opts.Key, data)
	}
	if err != nil {
		if s.persistFailures != nil {
			s.persistFailures.Add(ctx, 1)
		}
		s.log.Error("persist meetings failed", slogError(err))
		return false
	}
	return true
}

// Reload replaces memory with the persisted collection and drops the whole
// search index.
func (s *Store) Reload(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.loadLocked(ctx); err != nil {
		return err
	}
	s.search = make(map[string]string)
	s.publishLocked(Event{Kind: EventReloaded})
	return nil
}

// Get returns a copy of the meeting.
func (s *Store) Get(id string) (meeting.Meeting, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.meetings[id]
	if !ok {
		return meeting.Meeting{}, false
	}
	return m.Clone(), true
}

// List returns every meeting, newest first.
func (s *Store) List() []meeting.Meeting {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := s.sortedLocked()
	for i := range out {
		out[i] = out[i].Clone()
	}
	return out
}

func (s *Store) sortedLocked() []meeting.Meeting {
	out := make([]meeting.Meeting, 0, len(s.meetings))
	for _, m := range s.meetings {
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// Update replaces the stored meeting with m, bumping its last-modified
// time.
func (s *Store) Update(ctx context.Context, m meeting.Meeting) (meeting.Meeting, error) {
	if m.ID == "" {
		return meeting.Meeting{}, fmt.Errorf("%w: missing id", ErrInvalid)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	_, existed := s.meetings[m.ID]
	kind := EventUpdated
	if !existed {
		kind = EventCreated
	}
	return s.commitLocked(ctx, m.Clone(), kind, ActionUpdate, nil)
}

// Mutate applies fn to a copy of the current meeting and commits the result
// through the Update path. Returning an error from fn leaves the store
// untouched.
func (s *Store) Mutate(ctx context.Context, id, action string, fn func(m *meeting.Meeting) error) (meeting.Meeting, error) {
	return s.mutate(ctx, id, action, nil, fn)
}

func (s *Store) mutate(ctx context.Context, id, action string, detail any, fn func(m *meeting.Meeting) error) (meeting.Meeting, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	current, ok := s.meetings[id]
	if !ok {
		return meeting.Meeting{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	next := current.Clone()
	if err := fn(&next); err != nil {
		return meeting.Meeting{}, err
	}
	next.ID = id
	return s.commitLocked(ctx, next, EventUpdated, action, detail)
}

func (s *Store) commitLocked(ctx context.Context, m meeting.Meeting, kind EventKind, action string, detail any) (meeting.Meeting, error) {
	if m.Status == "" {
		m.Status = meeting.StatusCreated
	}
	if !m.Status.Valid() {
		return meeting.Meeting{}, fmt.Errorf("%w: status %q", ErrInvalid, m.Status)
	}
	now := s.opts.Clock().UTC()
	if m.CreatedAt.IsZero() {
		m.CreatedAt = now
	}
	m.UpdatedAt = now
	s.derive(&m)

	s.meetings[m.ID] = m
	delete(s.search, m.ID)
	s.persistLocked(ctx)
	s.journal(ctx, m, action, detail)

	out := m.Clone()
	s.publishLocked(Event{Kind: kind, Action: action, Meeting: m.Clone()})
	return out, nil
}

// derive recomputes the transcript values that are functions of the
// segments.
func (s *Store) derive(m *meeting.Meeting) {
	if s.opts.Renderer == nil || len(m.Transcript.Segments) == 0 {
		return
	}
	segs := m.Transcript.Segments
	m.Transcript.FullText = s.opts.Renderer.Render(segs)
	m.Transcript.SpeakerCount = transcript.SpeakerCount(segs)
	m.Transcript.WordCount = transcript.WordCount(segs)
}

func (s *Store) journal(ctx context.Context, m meeting.Meeting, action string, detail any) {
	j := s.opts.Journal
	if j == nil {
		return
	}
	if err := j.AppendMeeting(ctx, m.ID, m.Title, string(m.Status)); err != nil {
		s.log.Warn("journal meeting failed", slog.String("meeting_id", m.ID), slogError(err))
		return
	}
	var payload []byte
	if detail != nil {
		payload, _ = json.Marshal(detail)
	}
	if err := j.AppendEvent(ctx, eventstore.Event{MeetingID: m.ID, Actor: "store", Type: action, Payload: payload}); err != nil {
		s.log.Debug("journal event failed", slog.String("meeting_id", m.ID), slog.String("action", action), slogError(err))
	}
}

// Delete removes the meeting.
func (s *Store) Delete(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.meetings[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	delete(s.meetings, id)
	delete(s.search, id)
	s.persistLocked(ctx)
	if s.opts.Journal != nil {
		if err := s.opts.Journal.DeleteMeeting(ctx, id); err != nil {
			s.log.Warn("journal delete failed", slog.String("meeting_id", id), slogError(err))
		}
	}
	s.publishLocked(Event{Kind: EventDeleted, Action: ActionDelete, Meeting: m.Clone()})
	return nil
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
