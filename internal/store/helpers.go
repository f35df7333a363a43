package store

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/loqalabs/loqa-scribe/internal/meeting"
)

var (
	ErrSegmentNotFound    = errors.New("transcript segment not found")
	ErrActionItemNotFound = errors.New("action item not found")
	ErrDrawingNotFound    = errors.New("drawing not found")
)

// Create adds a new meeting. An empty ID is assigned.
func (s *Store) Create(ctx context.Context, draft meeting.Meeting) (meeting.Meeting, error) {
	if strings.TrimSpace(draft.Title) == "" {
		return meeting.Meeting{}, fmt.Errorf("%w: title is required", ErrInvalid)
	}
	m := draft.Clone()
	if m.ID == "" {
		m.ID = meeting.NewID()
	}
	if m.Status == "" {
		m.Status = meeting.StatusCreated
	}
	m.CreatedAt = time.Time{}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.meetings[m.ID]; ok {
		return meeting.Meeting{}, fmt.Errorf("%w: %s", ErrExists, m.ID)
	}
	return s.commitLocked(ctx, m, EventCreated, ActionCreate, map[string]string{"title": m.Title})
}

// SetStatus moves the meeting through its lifecycle. Entering recording
// stamps StartedAt; leaving it stamps EndedAt.
func (s *Store) SetStatus(ctx context.Context, id string, status meeting.Status) (meeting.Meeting, error) {
	if !status.Valid() {
		return meeting.Meeting{}, fmt.Errorf("%w: status %q", ErrInvalid, status)
	}
	now := s.opts.Clock().UTC()
	return s.mutate(ctx, id, ActionStatus, map[string]string{"status": string(status)}, func(m *meeting.Meeting) error {
		if m.Status == meeting.StatusRecording && status != meeting.StatusRecording && m.EndedAt == nil {
			m.EndedAt = &now
		}
		if status == meeting.StatusRecording {
			if m.StartedAt == nil {
				m.StartedAt = &now
			}
			m.EndedAt = nil
		}
		m.Status = status
		return nil
	})
}

// Archive is SetStatus(archived).
func (s *Store) Archive(ctx context.Context, id string) (meeting.Meeting, error) {
	return s.SetStatus(ctx, id, meeting.StatusArchived)
}

// AppendAudioSegment records a capture span and the format it was taken in.
func (s *Store) AppendAudioSegment(ctx context.Context, id string, seg meeting.AudioSegment, format meeting.AudioFormat) (meeting.Meeting, error) {
	if seg.ID == "" {
		seg.ID = meeting.NewID()
	}
	return s.mutate(ctx, id, ActionAudio, map[string]any{"segment_id": seg.ID, "duration_ms": seg.Duration.Milliseconds()}, func(m *meeting.Meeting) error {
		m.Audio.Segments = append(m.Audio.Segments, seg)
		m.Audio.Format = format
		return nil
	})
}

// AppendTranscriptSegment commits a final segment. Its speaker joins the
// meeting's speaker list on first appearance.
func (s *Store) AppendTranscriptSegment(ctx context.Context, id string, seg meeting.TranscriptSegment) (meeting.Meeting, error) {
	if strings.TrimSpace(seg.Text) == "" {
		return meeting.Meeting{}, fmt.Errorf("%w: empty transcript segment", ErrInvalid)
	}
	if seg.ID == "" {
		seg.ID = meeting.NewID()
	}
	return s.mutate(ctx, id, ActionTranscript, map[string]string{"segment_id": seg.ID}, func(m *meeting.Meeting) error {
		if seg.Speaker != nil {
			known := slices.ContainsFunc(m.Transcript.Speakers, func(sp meeting.Speaker) bool { return sp.ID == seg.Speaker.ID })
			if !known {
				m.Transcript.Speakers = append(m.Transcript.Speakers, *seg.Speaker)
			}
		}
		m.Transcript.Segments = append(m.Transcript.Segments, seg)
		return nil
	})
}

// EditTranscriptSegment replaces a segment's text with a user correction.
func (s *Store) EditTranscriptSegment(ctx context.Context, id, segmentID, text string) (meeting.Meeting, error) {
	return s.mutate(ctx, id, ActionTranscriptEdit, map[string]string{"segment_id": segmentID}, func(m *meeting.Meeting) error {
		i := slices.IndexFunc(m.Transcript.Segments, func(seg meeting.TranscriptSegment) bool { return seg.ID == segmentID })
		if i < 0 {
			return fmt.Errorf("%w: %s", ErrSegmentNotFound, segmentID)
		}
		m.Transcript.Segments[i].Text = text
		m.Transcript.Segments[i].IsEdited = true
		return nil
	})
}

// SaveDrawing upserts a drawing snapshot and files it under its page.
func (s *Store) SaveDrawing(ctx context.Context, id string, d meeting.Drawing) (meeting.Meeting, error) {
	if d.ID == "" {
		return meeting.Meeting{}, fmt.Errorf("%w: drawing id is required", ErrInvalid)
	}
	return s.mutate(ctx, id, ActionDrawing, map[string]any{"drawing_id": d.ID, "fingerprint": d.Fingerprint, "strokes": d.StrokeCount}, func(m *meeting.Meeting) error {
		d.UpdatedAt = s.opts.Clock().UTC()
		if i := m.FindDrawing(d.ID); i >= 0 {
			prevPage := m.Handwriting.Drawings[i].Page
			m.Handwriting.Drawings[i] = d
			if prevPage != d.Page {
				removeFromPages(m, d.ID)
			}
		} else {
			m.Handwriting.Drawings = append(m.Handwriting.Drawings, d)
		}
		addToPage(m, d.Page, d.ID)
		return nil
	})
}

// UpsertHandwriting stores the latest recognized text for a drawing. Empty
// text removes the drawing's segment. Text for a drawing that is no longer
// stored is refused with ErrDrawingNotFound.
func (s *Store) UpsertHandwriting(ctx context.Context, id string, seg meeting.HandwritingSegment) (meeting.Meeting, error) {
	if seg.DrawingID == "" {
		return meeting.Meeting{}, fmt.Errorf("%w: drawing id is required", ErrInvalid)
	}
	if seg.RecognizedAt.IsZero() {
		seg.RecognizedAt = s.opts.Clock().UTC()
	}
	return s.mutate(ctx, id, ActionHandwriting, map[string]any{"drawing_id": seg.DrawingID, "chars": len(seg.Text)}, func(m *meeting.Meeting) error {
		if m.FindDrawing(seg.DrawingID) < 0 {
			return fmt.Errorf("%w: %s", ErrDrawingNotFound, seg.DrawingID)
		}
		i := slices.IndexFunc(m.Handwriting.Segments, func(h meeting.HandwritingSegment) bool { return h.DrawingID == seg.DrawingID })
		if strings.TrimSpace(seg.Text) == "" {
			if i >= 0 {
				m.Handwriting.Segments = slices.Delete(m.Handwriting.Segments, i, i+1)
			}
			return nil
		}
		if i >= 0 {
			seg.ID = m.Handwriting.Segments[i].ID
			m.Handwriting.Segments[i] = seg
			return nil
		}
		if seg.ID == "" {
			seg.ID = meeting.NewID()
		}
		m.Handwriting.Segments = append(m.Handwriting.Segments, seg)
		return nil
	})
}

// ClearDrawing removes a drawing along with its recognized text.
func (s *Store) ClearDrawing(ctx context.Context, id, drawingID string) (meeting.Meeting, error) {
	return s.mutate(ctx, id, ActionDrawingCleared, map[string]string{"drawing_id": drawingID}, func(m *meeting.Meeting) error {
		i := m.FindDrawing(drawingID)
		if i < 0 {
			return fmt.Errorf("%w: %s", ErrDrawingNotFound, drawingID)
		}
		m.Handwriting.Drawings = slices.Delete(m.Handwriting.Drawings, i, i+1)
		m.Handwriting.Segments = slices.DeleteFunc(m.Handwriting.Segments, func(h meeting.HandwritingSegment) bool { return h.DrawingID == drawingID })
		removeFromPages(m, drawingID)
		return nil
	})
}

func addToPage(m *meeting.Meeting, page int, drawingID string) {
	for i := range m.Handwriting.Pages {
		p := &m.Handwriting.Pages[i]
		if p.Index != page {
			continue
		}
		if !slices.Contains(p.DrawingIDs, drawingID) {
			p.DrawingIDs = append(p.DrawingIDs, drawingID)
		}
		return
	}
	m.Handwriting.Pages = append(m.Handwriting.Pages, meeting.Page{Index: page, DrawingIDs: []string{drawingID}})
	slices.SortFunc(m.Handwriting.Pages, func(a, b meeting.Page) int { return a.Index - b.Index })
}

func removeFromPages(m *meeting.Meeting, drawingID string) {
	pages := m.Handwriting.Pages[:0]
	for _, p := range m.Handwriting.Pages {
		p.DrawingIDs = slices.DeleteFunc(p.DrawingIDs, func(id string) bool { return id == drawingID })
		if len(p.DrawingIDs) > 0 {
			pages = append(pages, p)
		}
	}
	m.Handwriting.Pages = pages
}

func (s *Store) setAnalysis(ctx context.Context, id, action string, fn func(a *meeting.AIAnalysis)) (meeting.Meeting, error) {
	now := s.opts.Clock().UTC()
	return s.mutate(ctx, id, action, nil, func(m *meeting.Meeting) error {
		fn(&m.Analysis)
		m.Analysis.GeneratedAt = &now
		m.Analysis.LastError = ""
		return nil
	})
}

func (s *Store) SetSummary(ctx context.Context, id, summary string) (meeting.Meeting, error) {
	return s.setAnalysis(ctx, id, ActionSummary, func(a *meeting.AIAnalysis) { a.Summary = summary })
}

func (s *Store) SetNotes(ctx context.Context, id, notes string) (meeting.Meeting, error) {
	return s.setAnalysis(ctx, id, ActionNotes, func(a *meeting.AIAnalysis) { a.Notes = notes })
}

// SetActionItems replaces the action items, assigning missing ids and a
// medium priority where none was given.
func (s *Store) SetActionItems(ctx context.Context, id string, items []meeting.ActionItem) (meeting.Meeting, error) {
	cp := make([]meeting.ActionItem, len(items))
	for i, item := range items {
		if item.ID == "" {
			item.ID = meeting.NewID()
		}
		if item.Priority == "" {
			item.Priority = meeting.PriorityMedium
		}
		cp[i] = item
	}
	return s.setAnalysis(ctx, id, ActionActionItems, func(a *meeting.AIAnalysis) { a.ActionItems = cp })
}

func (s *Store) ToggleActionItem(ctx context.Context, id, itemID string) (meeting.Meeting, error) {
	return s.mutate(ctx, id, ActionActionItemToggle, map[string]string{"item_id": itemID}, func(m *meeting.Meeting) error {
		i := slices.IndexFunc(m.Analysis.ActionItems, func(item meeting.ActionItem) bool { return item.ID == itemID })
		if i < 0 {
			return fmt.Errorf("%w: %s", ErrActionItemNotFound, itemID)
		}
		m.Analysis.ActionItems[i].Completed = !m.Analysis.ActionItems[i].Completed
		return nil
	})
}

// RecordAnalysisFailure keeps the previous analysis and notes the error so
// it can be retried.
func (s *Store) RecordAnalysisFailure(ctx context.Context, id string, cause error) (meeting.Meeting, error) {
	msg := "analysis failed"
	if cause != nil {
		msg = cause.Error()
	}
	return s.mutate(ctx, id, ActionAnalysisFailed, map[string]string{"error": msg}, func(m *meeting.Meeting) error {
		m.Analysis.LastError = msg
		return nil
	})
}
