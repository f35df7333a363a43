package meeting

import (
	"time"

	"github.com/google/uuid"
)

// NewID returns a random identifier for meetings and their child records.
func NewID() string {
	return uuid.NewString()
}

// SampleMeetings returns the known-good collection used when no snapshot
// exists or the stored one cannot be decoded.
func SampleMeetings(now time.Time) []Meeting {
	now = now.UTC()
	planningStart := now.Add(-26 * time.Hour)
	planningEnd := planningStart.Add(45 * time.Minute)
	due := now.Add(7 * 24 * time.Hour)

	lead := Speaker{ID: NewID(), DisplayName: "Speaker 1", Identifier: "spk-0"}
	eng := Speaker{ID: NewID(), DisplayName: "Speaker 2", Identifier: "spk-1"}

	planning := Meeting{
		ID:           NewID(),
		Title:        "Quarterly planning",
		Participants: []string{"Dana", "Priya"},
		Tags:         []string{"planning", "budget"},
		Location:     "Room 4B",
		Status:       StatusCompleted,
		CreatedAt:    planningStart,
		UpdatedAt:    planningEnd,
		StartedAt:    &planningStart,
		EndedAt:      &planningEnd,
		Audio: AudioData{
			Format: AudioFormat{SampleRate: 16000, Channels: 1, BitDepth: 16},
		},
		Transcript: TranscriptData{
			Segments: []TranscriptSegment{
				{ID: NewID(), Text: "Let's review the budget for next quarter.", Start: 0, End: 4 * time.Second, Confidence: 0.92, Speaker: &lead},
				{ID: NewID(), Text: "Can we hold hiring until March?", Start: 4 * time.Second, End: 8 * time.Second, Confidence: 0.88, Speaker: &lead},
				{ID: NewID(), Text: "Yes, that works for the platform team.", Start: 8 * time.Second, End: 12 * time.Second, Confidence: 0.9, Speaker: &eng},
			},
			Speakers:     []Speaker{lead, eng},
			SpeakerCount: 2,
		},
		Handwriting: HandwritingData{
			Segments: []HandwritingSegment{
				{ID: NewID(), DrawingID: "page-1", Text: "Budget $50K", Confidence: 0.8, RecognizedAt: planningEnd},
			},
			Pages: []Page{{Index: 0, DrawingIDs: []string{"page-1"}}},
		},
		Analysis: AIAnalysis{
			Summary: "Budget for next quarter reviewed; hiring deferred to March.",
			ActionItems: []ActionItem{
				{ID: NewID(), Title: "Share revised budget", Assignee: "Dana", Priority: PriorityHigh, DueDate: &due},
			},
			GeneratedAt: &planningEnd,
		},
	}
	planning.Transcript.FullText = "Speaker 1:\nLet's review the budget for next quarter. Can we hold hiring until March?\n\nSpeaker 2:\nYes, that works for the platform team."
	planning.Transcript.WordCount = 20

	standup := New(NewID(), "Weekly sync", now.Add(-time.Hour))
	standup.Participants = []string{"Team"}
	standup.Tags = []string{"sync"}

	return []Meeting{planning, standup}
}
