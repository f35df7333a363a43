package protocol

import "time"

// AudioFrame represents PCM audio data streamed from capture devices.
type AudioFrame struct {
	SessionID  string `json:"session_id"`
	Sequence   int    `json:"sequence"`
	SampleRate int    `json:"sample_rate"`
	Channels   int    `json:"channels"`
	PCM        []byte `json:"pcm"`
	Final      bool   `json:"final"`
}

// Transcript represents engine output broadcast on the bus.
type Transcript struct {
	SessionID  string    `json:"session_id"`
	Text       string    `json:"text"`
	Partial    bool      `json:"partial"`
	Speaker    string    `json:"speaker,omitempty"`
	StartMS    int64     `json:"start_ms,omitempty"`
	EndMS      int64     `json:"end_ms,omitempty"`
	Forced     bool      `json:"forced,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
	Confidence float64   `json:"confidence,omitempty"`
}

// InkRecognition reports the outcome of one handwriting recognition run.
type InkRecognition struct {
	SessionID string    `json:"session_id"`
	DrawingID string    `json:"drawing_id"`
	Text      string    `json:"text"`
	Error     string    `json:"error,omitempty"`
	Manual    bool      `json:"manual,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// MeetingUpdated mirrors store events for bus observers.
type MeetingUpdated struct {
	MeetingID string    `json:"meeting_id"`
	Kind      string    `json:"kind"`
	Status    string    `json:"status"`
	UpdatedAt time.Time `json:"updated_at"`
}

// AnalysisRequest asks the analysis service to run against a meeting.
type AnalysisRequest struct {
	MeetingID string    `json:"meeting_id"`
	Kind      string    `json:"kind"`
	TraceID   string    `json:"trace_id,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// AnalysisResult reports the analysis outcome.
type AnalysisResult struct {
	MeetingID string    `json:"meeting_id"`
	Kind      string    `json:"kind"`
	Error     string    `json:"error,omitempty"`
	Retryable bool      `json:"retryable,omitempty"`
	TraceID   string    `json:"trace_id,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

const (
	SubjectAudioFramePrefix  = "audio.frame"
	SubjectTranscriptPartial = "stt.text.partial"
	SubjectTranscriptFinal   = "stt.text.final"
	SubjectInkRecognized     = "ink.recognized"
	SubjectMeetingUpdated    = "meeting.updated"
	SubjectAnalysisRequest   = "analysis.request"
	SubjectAnalysisDone      = "analysis.done"
	SubjectAnalysisFailed    = "analysis.failed"
)

// AudioFrameSubject returns the subject carrying frames for one meeting.
func AudioFrameSubject(sessionID string) string {
	return SubjectAudioFramePrefix + "." + sessionID
}
