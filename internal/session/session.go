// Package session wires the live pipelines of a meeting to the store: a
// recording session streams transcription into the transcript, and the
// meeting's ink coordinator writes recognized handwriting.
package session

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/loqalabs/loqa-scribe/internal/audio"
	"github.com/loqalabs/loqa-scribe/internal/bus"
	"github.com/loqalabs/loqa-scribe/internal/meeting"
	"github.com/loqalabs/loqa-scribe/internal/protocol"
	"github.com/loqalabs/loqa-scribe/internal/store"
	"github.com/loqalabs/loqa-scribe/internal/stt"
)

// Session is one recording of one meeting.
type Session struct {
	meetingID string
	engine    *stt.Engine
	source    audio.Source
	store     *store.Store
	bus       *bus.Client
	format    meeting.AudioFormat
	log       *slog.Logger

	startedAt time.Time
	base      time.Duration
	cancel    context.CancelFunc
	updates   <-chan stt.Update
	done      chan struct{}
	draining  sync.Once

	mu       sync.Mutex
	finals   int
	partials int
}

// Snapshot is the live view of a session.
type Snapshot struct {
	MeetingID string    `json:"meeting_id"`
	State     string    `json:"state"`
	Path      string    `json:"path"`
	Text      string    `json:"text"`
	Finals    int       `json:"finals"`
	StartedAt time.Time `json:"started_at"`
}

func (s *Session) MeetingID() string { return s.meetingID }

// Done is closed once the session has written its last segment.
func (s *Session) Done() <-chan struct{} { return s.done }

func (s *Session) Snapshot() Snapshot {
	s.mu.Lock()
	finals := s.finals
	s.mu.Unlock()
	return Snapshot{
		MeetingID: s.meetingID,
		State:     s.engine.State().String(),
		Path:      string(s.engine.Path()),
		Text:      s.engine.CurrentTranscript(),
		Finals:    finals,
		StartedAt: s.startedAt,
	}
}

// Stop ends the recording. Pending volatile text is committed before Stop
// returns.
func (s *Session) Stop() error {
	s.enterProcessing()
	if err := s.engine.Stop(); err != nil {
		return err
	}
	_ = s.source.Close()
	<-s.done
	return nil
}

// run applies updates in arrival order. Volatile text is only published;
// finals are committed to the store and then published.
func (s *Session) run(updates <-chan stt.Update, onExit func()) {
	defer close(s.done)
	defer onExit()
	defer s.cancel()

	for u := range updates {
		if !u.Final {
			s.mu.Lock()
			s.partials++
			s.mu.Unlock()
			s.publish(protocol.SubjectTranscriptPartial, u)
			continue
		}
		seg := meeting.TranscriptSegment{
			ID:         meeting.NewID(),
			Text:       u.Text,
			Start:      s.base + u.Start,
			End:        s.base + u.End,
			Confidence: u.Confidence,
			Speaker:    u.Speaker,
		}
		if _, err := s.store.AppendTranscriptSegment(context.Background(), s.meetingID, seg); err != nil {
			s.log.Warn("append transcript segment failed", slogError(err))
			continue
		}
		s.mu.Lock()
		s.finals++
		s.mu.Unlock()
		s.publish(protocol.SubjectTranscriptFinal, u)
	}

	s.enterProcessing()
	ctx := context.Background()
	elapsed := time.Since(s.startedAt)
	if _, err := s.store.AppendAudioSegment(ctx, s.meetingID, meeting.AudioSegment{
		Source:    s.source.Name(),
		StartedAt: s.startedAt.UTC(),
		Duration:  elapsed,
	}, s.format); err != nil && !errors.Is(err, store.ErrNotFound) {
		s.log.Warn("record audio segment failed", slogError(err))
	}
	if _, err := s.store.SetStatus(ctx, s.meetingID, meeting.StatusCompleted); err != nil && !errors.Is(err, store.ErrNotFound) {
		s.log.Warn("complete meeting failed", slogError(err))
	}
	if err := s.engine.Err(); err != nil {
		s.log.Warn("recording ended by recognizer error", slogError(err))
	}
	s.mu.Lock()
	s.log.Info("recording finished", slog.Int("finals", s.finals), slog.Int("partials", s.partials), slog.Duration("elapsed", elapsed))
	s.mu.Unlock()
}

// enterProcessing marks the meeting as processing while the recognizer
// drains and the last segments are written.
func (s *Session) enterProcessing() {
	s.draining.Do(func() {
		if _, err := s.store.SetStatus(context.Background(), s.meetingID, meeting.StatusProcessing); err != nil && !errors.Is(err, store.ErrNotFound) {
			s.log.Warn("mark meeting processing failed", slogError(err))
		}
	})
}

func (s *Session) publish(subject string, u stt.Update) {
	msg := protocol.Transcript{
		SessionID:  s.meetingID,
		Text:       u.Text,
		Partial:    !u.Final,
		StartMS:    (s.base + u.Start).Milliseconds(),
		EndMS:      (s.base + u.End).Milliseconds(),
		Forced:     u.Forced,
		Confidence: u.Confidence,
		Timestamp:  time.Now().UTC(),
	}
	if u.Speaker != nil {
		msg.Speaker = u.Speaker.DisplayName
	}
	if err := s.bus.PublishJSON(subject, msg); err != nil {
		s.log.Warn("publish transcript failed", slog.String("subject", subject), slogError(err))
	}
}

func recordedDuration(m meeting.Meeting) time.Duration {
	var total time.Duration
	for _, seg := range m.Audio.Segments {
		total += seg.Duration
	}
	if n := len(m.Transcript.Segments); n > 0 && m.Transcript.Segments[n-1].End > total {
		total = m.Transcript.Segments[n-1].End
	}
	return total
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
