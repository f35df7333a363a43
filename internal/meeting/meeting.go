// Package meeting defines the meeting aggregate: the audio, transcript,
// handwriting and analysis sub-aggregates that the store persists as one
// consistency boundary.
package meeting

import (
	"slices"
	"strings"
	"time"
)

// Status is the meeting lifecycle state.
type Status string

const (
	StatusCreated    Status = "created"
	StatusRecording  Status = "recording"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusArchived   Status = "archived"
)

// Valid reports whether s is a known lifecycle state.
func (s Status) Valid() bool {
	switch s {
	case StatusCreated, StatusRecording, StatusProcessing, StatusCompleted, StatusArchived:
		return true
	}
	return false
}

// Meeting is the aggregate root. Values handed out by the store are deep
// copies; mutate them only through the store.
type Meeting struct {
	ID           string          `json:"id"`
	Title        string          `json:"title"`
	Participants []string        `json:"participants,omitempty"`
	Tags         []string        `json:"tags,omitempty"`
	Location     string          `json:"location,omitempty"`
	Status       Status          `json:"status"`
	CreatedAt    time.Time       `json:"created_at"`
	UpdatedAt    time.Time       `json:"updated_at"`
	StartedAt    *time.Time      `json:"started_at,omitempty"`
	EndedAt      *time.Time      `json:"ended_at,omitempty"`
	Audio        AudioData       `json:"audio"`
	Transcript   TranscriptData  `json:"transcript"`
	Handwriting  HandwritingData `json:"handwriting"`
	Analysis     AIAnalysis      `json:"analysis"`
}

// AudioFormat is the format metadata recorded for a meeting.
type AudioFormat struct {
	SampleRate int `json:"sample_rate"`
	Channels   int `json:"channels"`
	BitDepth   int `json:"bit_depth"`
}

// AudioSegment is one contiguous capture span.
type AudioSegment struct {
	ID        string        `json:"id"`
	Source    string        `json:"source"`
	StartedAt time.Time     `json:"started_at"`
	Duration  time.Duration `json:"duration"`
}

type AudioData struct {
	Segments []AudioSegment `json:"segments,omitempty"`
	Format   AudioFormat    `json:"format"`
}

// VoiceProfile holds optional per-speaker acoustic hints.
type VoiceProfile struct {
	Pitch      float64 `json:"pitch"`
	Tone       float64 `json:"tone"`
	Pace       float64 `json:"pace"`
	Confidence float64 `json:"confidence"`
}

// Speaker is a diarized participant. Identifier is the opaque clustering key
// reported by the recognizer.
type Speaker struct {
	ID           string        `json:"id"`
	DisplayName  string        `json:"display_name"`
	Identifier   string        `json:"identifier"`
	VoiceProfile *VoiceProfile `json:"voice_profile,omitempty"`
}

// TranscriptSegment is a committed transcript fragment. Start and End are
// offsets from the start of the recording session.
type TranscriptSegment struct {
	ID         string        `json:"id"`
	Text       string        `json:"text"`
	Start      time.Duration `json:"start"`
	End        time.Duration `json:"end"`
	Confidence float64       `json:"confidence"`
	Speaker    *Speaker      `json:"speaker,omitempty"`
	IsEdited   bool          `json:"is_edited"`
}

type TranscriptData struct {
	Segments     []TranscriptSegment `json:"segments,omitempty"`
	Speakers     []Speaker           `json:"speakers,omitempty"`
	FullText     string              `json:"full_text"`
	SpeakerCount int                 `json:"speaker_count"`
	WordCount    int                 `json:"word_count"`
}

// HandwritingSegment is the latest recognized text for one drawing.
type HandwritingSegment struct {
	ID           string    `json:"id"`
	DrawingID    string    `json:"drawing_id"`
	Text         string    `json:"text"`
	Confidence   float64   `json:"confidence"`
	RecognizedAt time.Time `json:"recognized_at"`
}

// Drawing records a stroke snapshot by reference. Data holds the serialized
// strokes so recognition can be re-run after a restart.
type Drawing struct {
	ID          string    `json:"id"`
	Page        int       `json:"page"`
	Fingerprint string    `json:"fingerprint"`
	StrokeCount int       `json:"stroke_count"`
	Data        []byte    `json:"data,omitempty"`
	UpdatedAt   time.Time `json:"updated_at"`
}

type Page struct {
	Index      int      `json:"index"`
	DrawingIDs []string `json:"drawing_ids,omitempty"`
}

type HandwritingData struct {
	Segments []HandwritingSegment `json:"segments,omitempty"`
	Drawings []Drawing            `json:"drawings,omitempty"`
	Pages    []Page               `json:"pages,omitempty"`
}

// Priority of an action item.
type Priority string

const (
	PriorityLow    Priority = "low"
	PriorityMedium Priority = "medium"
	PriorityHigh   Priority = "high"
)

type ActionItem struct {
	ID          string     `json:"id"`
	Title       string     `json:"title"`
	Description string     `json:"description,omitempty"`
	Assignee    string     `json:"assignee,omitempty"`
	Priority    Priority   `json:"priority"`
	DueDate     *time.Time `json:"due_date,omitempty"`
	Completed   bool       `json:"completed"`
}

// AIAnalysis is produced by the external summarization collaborator.
// LastError carries the most recent failure so callers can offer a retry.
type AIAnalysis struct {
	Summary     string       `json:"summary,omitempty"`
	Notes       string       `json:"notes,omitempty"`
	ActionItems []ActionItem `json:"action_items,omitempty"`
	GeneratedAt *time.Time   `json:"generated_at,omitempty"`
	LastError   string       `json:"last_error,omitempty"`
}

// New returns a meeting in the created state.
func New(id, title string, now time.Time) Meeting {
	return Meeting{
		ID:        id,
		Title:     title,
		Status:    StatusCreated,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// Duration is the wall-clock span of the recording, or zero.
func (m Meeting) Duration() time.Duration {
	if m.StartedAt == nil {
		return 0
	}
	end := m.UpdatedAt
	if m.EndedAt != nil {
		end = *m.EndedAt
	}
	if end.Before(*m.StartedAt) {
		return 0
	}
	return end.Sub(*m.StartedAt)
}

// HandwritingText concatenates recognized handwriting in page order.
func (m Meeting) HandwritingText() string {
	var parts []string
	for _, seg := range m.Handwriting.Segments {
		if t := strings.TrimSpace(seg.Text); t != "" {
			parts = append(parts, t)
		}
	}
	return strings.Join(parts, "\n")
}

// FindDrawing returns the index of the drawing with id, or -1.
func (m Meeting) FindDrawing(id string) int {
	return slices.IndexFunc(m.Handwriting.Drawings, func(d Drawing) bool { return d.ID == id })
}

// Clone returns a deep copy.
func (m Meeting) Clone() Meeting {
	out := m
	out.Participants = slices.Clone(m.Participants)
	out.Tags = slices.Clone(m.Tags)
	out.StartedAt = cloneTime(m.StartedAt)
	out.EndedAt = cloneTime(m.EndedAt)
	out.Audio.Segments = slices.Clone(m.Audio.Segments)

	if m.Transcript.Segments != nil {
		out.Transcript.Segments = make([]TranscriptSegment, len(m.Transcript.Segments))
		for i, seg := range m.Transcript.Segments {
			seg.Speaker = cloneSpeaker(seg.Speaker)
			out.Transcript.Segments[i] = seg
		}
	}
	if m.Transcript.Speakers != nil {
		out.Transcript.Speakers = make([]Speaker, len(m.Transcript.Speakers))
		for i, sp := range m.Transcript.Speakers {
			out.Transcript.Speakers[i] = *cloneSpeaker(&sp)
		}
	}

	out.Handwriting.Segments = slices.Clone(m.Handwriting.Segments)
	if m.Handwriting.Drawings != nil {
		out.Handwriting.Drawings = make([]Drawing, len(m.Handwriting.Drawings))
		for i, d := range m.Handwriting.Drawings {
			d.Data = slices.Clone(d.Data)
			out.Handwriting.Drawings[i] = d
		}
	}
	if m.Handwriting.Pages != nil {
		out.Handwriting.Pages = make([]Page, len(m.Handwriting.Pages))
		for i, p := range m.Handwriting.Pages {
			p.DrawingIDs = slices.Clone(p.DrawingIDs)
			out.Handwriting.Pages[i] = p
		}
	}

	out.Analysis.GeneratedAt = cloneTime(m.Analysis.GeneratedAt)
	if m.Analysis.ActionItems != nil {
		out.Analysis.ActionItems = make([]ActionItem, len(m.Analysis.ActionItems))
		for i, item := range m.Analysis.ActionItems {
			item.DueDate = cloneTime(item.DueDate)
			out.Analysis.ActionItems[i] = item
		}
	}
	return out
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

func cloneSpeaker(s *Speaker) *Speaker {
	if s == nil {
		return nil
	}
	v := *s
	if s.VoiceProfile != nil {
		p := *s.VoiceProfile
		v.VoiceProfile = &p
	}
	return &v
}
