package transcript

import (
	"strings"
	"testing"

	"github.com/loqalabs/loqa-scribe/internal/meeting"
)

func TestParagraphBreakAfterUnansweredQuestion(t *testing.T) {
	f := NewFormatter(DefaultPolicy())
	got := f.Paragraphs([]string{"How are we doing on budget?", "The launch is next week."})
	if len(got) != 2 {
		t.Fatalf("expected break after question, got %q", got)
	}

	got = f.Paragraphs([]string{"Is it ready?", "Yes, it shipped."})
	if len(got) != 1 {
		t.Fatalf("expected answer to stay with question, got %q", got)
	}

	got = f.Paragraphs([]string{"Is it ready?", "Nothing is ready."})
	if len(got) != 2 {
		t.Fatalf("expected word-boundary match on answer tokens, got %q", got)
	}
}

func TestParagraphBreakOnTopicChange(t *testing.T) {
	f := NewFormatter(DefaultPolicy())
	got := f.Paragraphs([]string{"We hit our goals.", "Moving on, hiring is open."})
	if len(got) != 2 || got[1] != "Moving on, hiring is open." {
		t.Fatalf("unexpected paragraphs %q", got)
	}
}

func TestParagraphBreakOnSize(t *testing.T) {
	f := NewFormatter(DefaultPolicy())
	got := f.Paragraphs([]string{"One.", "Two.", "Three.", "Four.", "Five."})
	if len(got) != 2 || got[0] != "One. Two. Three. Four." {
		t.Fatalf("expected break after four fragments, got %q", got)
	}

	long := strings.Repeat("word ", 15) + "end."
	got = f.Paragraphs([]string{long, long, "Short tail."})
	if len(got) != 2 || got[1] != "Short tail." {
		t.Fatalf("expected break after word threshold, got %q", got)
	}
}

func TestJoinNormalizesDuplicateTerminals(t *testing.T) {
	f := NewFormatter(DefaultPolicy())
	got := f.Format([]string{"That's it.", ". And more.", "!"})
	if got != "That's it. And more." {
		t.Fatalf("unexpected text %q", got)
	}
}

func TestFormatSeparatesParagraphsWithBlankLine(t *testing.T) {
	f := NewFormatter(DefaultPolicy())
	got := f.Format([]string{"We hit our goals.", "However, costs rose."})
	if got != "We hit our goals.\n\nHowever, costs rose." {
		t.Fatalf("unexpected text %q", got)
	}
}

func TestRenderSpeakerHeaders(t *testing.T) {
	speakers := NewSpeakers("Speaker 1")
	a := speakers.Resolve("spk-a")
	b := speakers.Resolve("spk-b")
	segments := []meeting.TranscriptSegment{
		{Text: "Hello all.", Speaker: &a},
		{Text: "Let's start.", Speaker: &a},
		{Text: "Sounds good.", Speaker: &b},
	}
	f := NewFormatter(DefaultPolicy())
	got := f.Render(segments)
	want := "Speaker 1:\nHello all. Let's start.\n\nSpeaker 2:\nSounds good."
	if got != want {
		t.Fatalf("expected %q, got %q", want, got)
	}

	single := f.Render(segments[:2])
	if single != "Hello all. Let's start." {
		t.Fatalf("expected no header for single speaker, got %q", single)
	}
}

func TestSpeakersNumberSequentially(t *testing.T) {
	s := NewSpeakers("Speaker 1")
	first := s.Resolve("x")
	second := s.Resolve("y")
	again := s.Resolve("x")
	if first.DisplayName != "Speaker 1" || second.DisplayName != "Speaker 2" {
		t.Fatalf("unexpected names %q %q", first.DisplayName, second.DisplayName)
	}
	if again.ID != first.ID {
		t.Fatal("expected stable speaker for repeated key")
	}
	if len(s.List()) != 2 {
		t.Fatalf("expected two speakers, got %d", len(s.List()))
	}
}

func TestDefaultSpeakerUsesConfiguredName(t *testing.T) {
	s := NewSpeakers("Presenter")
	if got := s.Default().DisplayName; got != "Presenter" {
		t.Fatalf("expected configured default name, got %q", got)
	}
	if s.Default().ID != s.Resolve("").ID {
		t.Fatal("expected default speaker to be stable")
	}
}

func TestGroupAndCounts(t *testing.T) {
	s := NewSpeakers("")
	a := s.Resolve("a")
	b := s.Resolve("b")
	segs := []meeting.TranscriptSegment{
		{Text: "one two", Speaker: &a},
		{Text: "three", Speaker: &b},
		{Text: "four five six", Speaker: &a},
	}
	if got := len(Group(segs)); got != 3 {
		t.Fatalf("expected 3 blocks, got %d", got)
	}
	if SpeakerCount(segs) != 2 {
		t.Fatal("expected two speakers")
	}
	if WordCount(segs) != 6 {
		t.Fatalf("expected 6 words, got %d", WordCount(segs))
	}
}
