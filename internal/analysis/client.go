package analysis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/loqalabs/loqa-scribe/internal/config"
	"github.com/loqalabs/loqa-scribe/internal/meeting"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Input is what the collaborator sees of a meeting.
type Input struct {
	MeetingID   string
	Title       string
	Transcript  string
	Handwriting string
	Duration    time.Duration
	Timestamp   time.Time
}

// InputFromMeeting flattens the transcript and handwriting text of m.
func InputFromMeeting(m meeting.Meeting) Input {
	text := m.Transcript.FullText
	if text == "" {
		parts := make([]string, 0, len(m.Transcript.Segments))
		for _, seg := range m.Transcript.Segments {
			parts = append(parts, seg.Text)
		}
		text = strings.Join(parts, " ")
	}
	ts := m.CreatedAt
	if m.StartedAt != nil {
		ts = *m.StartedAt
	}
	return Input{
		MeetingID:   m.ID,
		Title:       m.Title,
		Transcript:  strings.TrimSpace(text),
		Handwriting: m.HandwritingText(),
		Duration:    m.Duration(),
		Timestamp:   ts,
	}
}

func (in Input) empty() bool {
	return in.Transcript == "" && in.Handwriting == ""
}

func (in Input) prompt() string {
	var b strings.Builder
	fmt.Fprintf(&b, "Title: %s\n", in.Title)
	if !in.Timestamp.IsZero() {
		fmt.Fprintf(&b, "Date: %s\n", in.Timestamp.UTC().Format(time.RFC3339))
	}
	if in.Duration > 0 {
		fmt.Fprintf(&b, "Duration: %s\n", in.Duration.Round(time.Second))
	}
	if in.Transcript != "" {
		b.WriteString("\nTranscript:\n")
		b.WriteString(in.Transcript)
		b.WriteString("\n")
	}
	if in.Handwriting != "" {
		b.WriteString("\nHandwritten notes:\n")
		b.WriteString(in.Handwriting)
		b.WriteString("\n")
	}
	return b.String()
}

var systemPrompts = map[Kind]string{
	KindSummary:     "Summarize the meeting in a short paragraph. Mention decisions and open questions.",
	KindNotes:       "Write structured meeting notes as a markdown bullet list grouped by topic.",
	KindActionItems: `List the action items as a JSON array of objects with fields "title", "description", "assignee", "priority" (low, medium or high) and "due_date" (YYYY-MM-DD). Reply with JSON only.`,
}

// Client turns meeting text into summaries, notes and action items.
type Client struct {
	gen         Generator
	maxTokens   int
	temperature float64
	tracer      trace.Tracer
}

func NewClient(gen Generator, cfg config.AnalysisConfig) *Client {
	return &Client{
		gen:         gen,
		maxTokens:   cfg.MaxTokens,
		temperature: cfg.Temperature,
		tracer:      otel.Tracer("github.com/loqalabs/loqa-scribe/analysis"),
	}
}

func (c *Client) Summarize(ctx context.Context, in Input) (string, error) {
	return c.generate(ctx, KindSummary, in)
}

func (c *Client) Notes(ctx context.Context, in Input) (string, error) {
	return c.generate(ctx, KindNotes, in)
}

func (c *Client) ActionItems(ctx context.Context, in Input) ([]meeting.ActionItem, error) {
	raw, err := c.generate(ctx, KindActionItems, in)
	if err != nil {
		return nil, err
	}
	return ParseActionItems(raw)
}

func (c *Client) generate(ctx context.Context, kind Kind, in Input) (text string, err error) {
	if in.empty() {
		return "", ErrNothingToAnalyze
	}
	ctx, span := c.tracer.Start(ctx, "analysis.generate", trace.WithAttributes(
		attribute.String("meeting.id", in.MeetingID),
		attribute.String("analysis.kind", string(kind)),
	))
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	req := Request{
		MeetingID:   in.MeetingID,
		Kind:        kind,
		Prompt:      in.prompt(),
		System:      systemPrompts[kind],
		MaxTokens:   c.maxTokens,
		Temperature: c.temperature,
	}
	if sc := span.SpanContext(); sc.HasTraceID() {
		req.TraceID = sc.TraceID().String()
	}
	var b strings.Builder
	err = c.gen.Generate(ctx, req, func(chunk Chunk) error {
		b.WriteString(chunk.Content)
		if !chunk.Partial {
			span.SetAttributes(
				attribute.Int("analysis.prompt_tokens", chunk.PromptTokens),
				attribute.Int("analysis.completion_tokens", chunk.CompletionTokens),
			)
		}
		return nil
	})
	if err != nil {
		return "", err
	}
	text = strings.TrimSpace(b.String())
	if text == "" {
		return "", ErrEmpty
	}
	return text, nil
}

type actionItemWire struct {
	Title       string `json:"title"`
	Description string `json:"description"`
	Assignee    string `json:"assignee"`
	Priority    string `json:"priority"`
	DueDate     string `json:"due_date"`
}

// ParseActionItems accepts either a bare JSON array or an object with an
// "action_items" array, optionally wrapped in a markdown code fence.
func ParseActionItems(raw string) ([]meeting.ActionItem, error) {
	raw = stripFence(raw)
	var wire []actionItemWire
	if err := json.Unmarshal([]byte(raw), &wire); err != nil {
		var wrapped struct {
			ActionItems []actionItemWire `json:"action_items"`
		}
		if err2 := json.Unmarshal([]byte(raw), &wrapped); err2 != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformedResponse, err)
		}
		wire = wrapped.ActionItems
	}

	items := make([]meeting.ActionItem, 0, len(wire))
	for _, w := range wire {
		title := strings.TrimSpace(w.Title)
		if title == "" {
			continue
		}
		item := meeting.ActionItem{
			ID:          meeting.NewID(),
			Title:       title,
			Description: strings.TrimSpace(w.Description),
			Assignee:    strings.TrimSpace(w.Assignee),
			Priority:    parsePriority(w.Priority),
		}
		if due, ok := parseDue(w.DueDate); ok {
			item.DueDate = &due
		}
		items = append(items, item)
	}
	if len(items) == 0 {
		return nil, ErrEmpty
	}
	return items, nil
}

func stripFence(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```")
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[i+1:]
	}
	return strings.TrimSpace(strings.TrimSuffix(strings.TrimSpace(s), "```"))
}

func parsePriority(p string) meeting.Priority {
	switch strings.ToLower(strings.TrimSpace(p)) {
	case "low":
		return meeting.PriorityLow
	case "high", "urgent":
		return meeting.PriorityHigh
	default:
		return meeting.PriorityMedium
	}
}

func parseDue(s string) (time.Time, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, false
	}
	for _, layout := range []string{time.RFC3339, "2006-01-02"} {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), true
		}
	}
	return time.Time{}, false
}

// errorKind classifies err for bus results and logs.
func errorKind(err error) string {
	var serverErr *ServerError
	switch {
	case errors.Is(err, ErrUnauthorized):
		return "unauthorized"
	case errors.Is(err, ErrMalformedResponse):
		return "malformed_response"
	case errors.Is(err, ErrEmpty):
		return "empty"
	case errors.Is(err, ErrNothingToAnalyze):
		return "nothing_to_analyze"
	case errors.As(err, &serverErr):
		return "server_error"
	default:
		return "unavailable"
	}
}
