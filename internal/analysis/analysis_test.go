package analysis

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/loqalabs/loqa-scribe/internal/config"
	"github.com/loqalabs/loqa-scribe/internal/eventstore"
	"github.com/loqalabs/loqa-scribe/internal/meeting"
	"github.com/loqalabs/loqa-scribe/internal/store"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func sampleInput() Input {
	return Input{MeetingID: "m1", Title: "Planning", Transcript: "We agreed to ship on Friday.", Handwriting: "Budget $50K"}
}

func TestOllamaStreamsAndJoins(t *testing.T) {
	var got ollamaRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/generate" {
			http.NotFound(w, r)
			return
		}
		if r.Header.Get("Authorization") != "Bearer secret" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		_ = json.NewDecoder(r.Body).Decode(&got)
		io.WriteString(w, `{"response":"We ship ","done":false}`+"\n")
		io.WriteString(w, `{"response":"on Friday.","done":true,"eval_count":5,"prompt_eval_count":40}`+"\n")
	}))
	defer srv.Close()

	client := NewClient(NewOllamaGenerator(srv.URL, "llama3.2:latest", "secret"), config.AnalysisConfig{MaxTokens: 128})
	text, err := client.Summarize(context.Background(), sampleInput())
	if err != nil {
		t.Fatalf("summarize: %v", err)
	}
	if text != "We ship on Friday." {
		t.Fatalf("unexpected summary %q", text)
	}
	if !strings.Contains(got.Prompt, "Budget $50K") || !strings.Contains(got.Prompt, "Title: Planning") {
		t.Fatalf("prompt missing meeting input: %q", got.Prompt)
	}
	if got.Options.NumPredict != 128 || !got.Stream {
		t.Fatalf("unexpected request options %+v", got)
	}
}

func TestOllamaTypedFailures(t *testing.T) {
	cases := []struct {
		name    string
		handler http.HandlerFunc
		check   func(error) bool
	}{
		{"unauthorized", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusForbidden) },
			func(err error) bool { return errors.Is(err, ErrUnauthorized) }},
		{"server", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusServiceUnavailable) },
			func(err error) bool {
				var se *ServerError
				return errors.As(err, &se) && se.Code == http.StatusServiceUnavailable
			}},
		{"malformed", func(w http.ResponseWriter, r *http.Request) { io.WriteString(w, "<html>\n") },
			func(err error) bool { return errors.Is(err, ErrMalformedResponse) }},
		{"empty", func(w http.ResponseWriter, r *http.Request) { io.WriteString(w, `{"response":"  ","done":true}`+"\n") },
			func(err error) bool { return errors.Is(err, ErrEmpty) }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			srv := httptest.NewServer(tc.handler)
			defer srv.Close()
			client := NewClient(NewOllamaGenerator(srv.URL, "", ""), config.AnalysisConfig{})
			_, err := client.Summarize(context.Background(), sampleInput())
			if !tc.check(err) {
				t.Fatalf("unexpected error %v", err)
			}
		})
	}
}

func TestEmptyInputIsNotSent(t *testing.T) {
	gen := NewMockGenerator()
	client := NewClient(gen, config.AnalysisConfig{})
	if _, err := client.Summarize(context.Background(), Input{Title: "Nothing"}); !errors.Is(err, ErrNothingToAnalyze) {
		t.Fatalf("expected ErrNothingToAnalyze, got %v", err)
	}
	if len(gen.Calls()) != 0 {
		t.Fatal("generator should not be called for empty input")
	}
}

func TestParseActionItems(t *testing.T) {
	raw := "```json\n{\"action_items\":[{\"title\":\"Send budget\",\"assignee\":\"Dana\",\"priority\":\"HIGH\",\"due_date\":\"2025-04-01\"},{\"title\":\"\"}]}\n```"
	items, err := ParseActionItems(raw)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if len(items) != 1 {
		t.Fatalf("expected untitled item dropped, got %d", len(items))
	}
	item := items[0]
	if item.Title != "Send budget" || item.Assignee != "Dana" || item.Priority != meeting.PriorityHigh || item.DueDate == nil || item.ID == "" {
		t.Fatalf("unexpected item %+v", item)
	}

	if _, err := ParseActionItems("not json"); !errors.Is(err, ErrMalformedResponse) {
		t.Fatalf("expected ErrMalformedResponse, got %v", err)
	}
	if _, err := ParseActionItems("[]"); !errors.Is(err, ErrEmpty) {
		t.Fatalf("expected ErrEmpty, got %v", err)
	}
}

func TestExecGenerator(t *testing.T) {
	gen, err := NewExecGenerator(`sh -c 'cat >/dev/null; echo "{\"content\":\"done\"}"'`)
	if err != nil {
		t.Fatalf("new exec generator: %v", err)
	}
	text, err := NewClient(gen, config.AnalysisConfig{}).Notes(context.Background(), sampleInput())
	if err != nil || text != "done" {
		t.Fatalf("unexpected result %q %v", text, err)
	}

	gen, _ = NewExecGenerator(`sh -c 'cat >/dev/null; exit 77'`)
	if _, err := NewClient(gen, config.AnalysisConfig{}).Notes(context.Background(), sampleInput()); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized, got %v", err)
	}
	gen, _ = NewExecGenerator(`sh -c 'cat >/dev/null; exit 3'`)
	var se *ServerError
	if _, err := NewClient(gen, config.AnalysisConfig{}).Notes(context.Background(), sampleInput()); !errors.As(err, &se) || se.Code != 3 {
		t.Fatalf("expected ServerError{3}, got %v", err)
	}
}

func newStore(t *testing.T) *store.Store {
	t.Helper()
	es, err := eventstore.Open(context.Background(), config.StoreConfig{RetentionMode: "ephemeral"}, newLogger())
	if err != nil {
		t.Fatalf("open eventstore: %v", err)
	}
	s, err := store.Open(context.Background(), es, store.Options{Logger: newLogger()})
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(s.Close)
	return s
}

func TestServiceWritesOutcome(t *testing.T) {
	st := newStore(t)
	ctx := context.Background()
	m, _ := st.Create(ctx, meeting.Meeting{Title: "Retro"})
	st.AppendTranscriptSegment(ctx, m.ID, meeting.TranscriptSegment{Text: "Deploys were slow this week."})

	gen := NewMockGenerator()
	gen.Delay = 0
	cfg := config.AnalysisConfig{Enabled: true, Mode: "mock"}
	svc := NewService(ctx, cfg, nil, NewClient(gen, cfg), st, newLogger())
	if err := svc.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer svc.Close()

	updated, err := svc.Analyze(ctx, m.ID, KindSummary)
	if err != nil {
		t.Fatalf("analyze: %v", err)
	}
	if updated.Analysis.Summary == "" || updated.Analysis.GeneratedAt == nil {
		t.Fatalf("summary not stored: %+v", updated.Analysis)
	}
	updated, err = svc.Analyze(ctx, m.ID, KindActionItems)
	if err != nil {
		t.Fatalf("analyze action items: %v", err)
	}
	if len(updated.Analysis.ActionItems) != 1 {
		t.Fatalf("expected one action item, got %+v", updated.Analysis.ActionItems)
	}
}

func TestServiceRecordsFailureWithoutTouchingContent(t *testing.T) {
	st := newStore(t)
	ctx := context.Background()
	m, _ := st.Create(ctx, meeting.Meeting{Title: "Retro"})
	st.AppendTranscriptSegment(ctx, m.ID, meeting.TranscriptSegment{Text: "Keep this."})
	st.SaveDrawing(ctx, m.ID, meeting.Drawing{ID: "d1", StrokeCount: 1})
	st.UpsertHandwriting(ctx, m.ID, meeting.HandwritingSegment{DrawingID: "d1", Text: "And this"})

	gen := NewMockGenerator()
	gen.Delay = 0
	gen.Err = &ServerError{Code: 502}
	cfg := config.AnalysisConfig{Enabled: true}
	svc := NewService(ctx, cfg, nil, NewClient(gen, cfg), st, newLogger())
	defer svc.Close()

	_, err := svc.Analyze(ctx, m.ID, KindNotes)
	if !Retryable(err) {
		t.Fatalf("expected retryable failure, got %v", err)
	}
	got, _ := st.Get(m.ID)
	if got.Analysis.LastError == "" {
		t.Fatal("expected failure recorded on the meeting")
	}
	if len(got.Transcript.Segments) != 1 || got.HandwritingText() != "And this" {
		t.Fatalf("content changed on failure: %+v", got)
	}
}

func TestServiceHealthFollowsLifecycle(t *testing.T) {
	cfg := config.AnalysisConfig{Enabled: true}
	svc := NewService(context.Background(), cfg, nil, NewClient(NewMockGenerator(), cfg), newStore(t), newLogger())
	if svc.Healthy() {
		t.Fatal("enabled service healthy before start")
	}

	stop := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			select {
			case <-stop:
				return
			default:
				_ = svc.Healthy()
			}
		}
	}()
	if err := svc.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	close(stop)
	wg.Wait()

	if !svc.Healthy() {
		t.Fatal("started service reports unhealthy")
	}
	svc.Close()
	if svc.Healthy() {
		t.Fatal("closed service reports healthy")
	}
}

func TestServiceDisabled(t *testing.T) {
	cfg := config.AnalysisConfig{}
	svc := NewService(context.Background(), cfg, nil, NewClient(NewMockGenerator(), cfg), newStore(t), newLogger())
	defer svc.Close()
	if _, err := svc.Analyze(context.Background(), "x", KindSummary); !errors.Is(err, ErrDisabled) {
		t.Fatalf("expected ErrDisabled, got %v", err)
	}
	if !svc.Healthy() {
		t.Fatal("disabled service reports healthy")
	}
}
