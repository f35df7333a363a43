package runtime

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/loqalabs/loqa-scribe/internal/analysis"
	"github.com/loqalabs/loqa-scribe/internal/audio"
	"github.com/loqalabs/loqa-scribe/internal/config"
	"github.com/loqalabs/loqa-scribe/internal/eventstore"
	"github.com/loqalabs/loqa-scribe/internal/ink"
	"github.com/loqalabs/loqa-scribe/internal/meeting"
	"github.com/loqalabs/loqa-scribe/internal/session"
	"github.com/loqalabs/loqa-scribe/internal/store"
	"github.com/loqalabs/loqa-scribe/internal/stt"
	"github.com/loqalabs/loqa-scribe/internal/transcript"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type idleSource struct {
	frames chan audio.Frame
	once   sync.Once
}

func (s *idleSource) Name() string { return "idle" }

func (s *idleSource) Start(context.Context) (<-chan audio.Frame, error) { return s.frames, nil }

func (s *idleSource) Close() error {
	s.once.Do(func() { close(s.frames) })
	return nil
}

type fixture struct {
	server *httptest.Server
	store  *store.Store
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()
	log := testLogger()

	events, err := eventstore.Open(ctx, config.StoreConfig{
		Path:          filepath.Join(t.TempDir(), "scribe.db"),
		RetentionMode: "persistent",
	}, log)
	if err != nil {
		t.Fatalf("open eventstore: %v", err)
	}
	t.Cleanup(func() { _ = events.Close() })

	st, err := store.Open(ctx, events, store.Options{
		Renderer: transcript.NewFormatter(transcript.DefaultPolicy()),
		Journal:  events,
		Logger:   log,
	})
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(st.Close)

	inkService, err := ink.NewService(&ink.MockRecognizer{Observations: []ink.Observation{{Text: "Ship Friday", Confidence: 0.8}}},
		ink.ServiceOptions{ConfidenceFloor: 0.3, CacheSize: 8, Render: ink.DefaultRenderOptions()}, log)
	if err != nil {
		t.Fatalf("ink service: %v", err)
	}
	sessions, err := session.NewManager(ctx, session.Options{
		Store: st,
		NewEngine: func(speakers stt.SpeakerResolver) (*stt.Engine, error) {
			return stt.NewEngine(stt.EngineOptions{
				Locale:   "en-US",
				Advanced: stt.NewMockAdvanced(),
				Fallback: stt.NewMockFallback(),
				Speakers: speakers,
				Logger:   log,
			})
		},
		Ink:            inkService,
		DefaultSpeaker: "Speaker 1",
		Logger:         log,
	})
	if err != nil {
		t.Fatalf("session manager: %v", err)
	}
	t.Cleanup(sessions.Close)

	cfg := config.AnalysisConfig{Enabled: true, Mode: "mock", MaxTokens: 256}
	gen := analysis.NewMockGenerator()
	gen.Delay = 0
	svc := analysis.NewService(ctx, cfg, nil, analysis.NewClient(gen, cfg), st, log)
	if err := svc.Start(); err != nil {
		t.Fatalf("analysis start: %v", err)
	}
	t.Cleanup(svc.Close)

	api := &API{
		Store:    st,
		Sessions: sessions,
		Analysis: svc,
		Journal:  events,
		Sources: func(string, SourceRequest) (audio.Source, error) {
			return &idleSource{frames: make(chan audio.Frame)}, nil
		},
		Logger: log,
	}
	mux := http.NewServeMux()
	api.Register(mux)
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return &fixture{server: srv, store: st}
}

func (f *fixture) do(t *testing.T, method, path string, body any, out any) int {
	t.Helper()
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(data)
	}
	req, err := http.NewRequest(method, f.server.URL+path, reader)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	defer resp.Body.Close()
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			t.Fatalf("decode %s %s: %v", method, path, err)
		}
	}
	return resp.StatusCode
}

func (f *fixture) create(t *testing.T, title string) meeting.Meeting {
	t.Helper()
	var m meeting.Meeting
	if code := f.do(t, http.MethodPost, "/v1/meetings", map[string]any{"title": title, "location": "Room 4B"}, &m); code != http.StatusCreated {
		t.Fatalf("create returned %d", code)
	}
	return m
}

func TestMeetingCRUDAndSearch(t *testing.T) {
	f := newFixture(t)
	m := f.create(t, "Budget review")

	var got meeting.Meeting
	if code := f.do(t, http.MethodGet, "/v1/meetings/"+m.ID, nil, &got); code != http.StatusOK || got.Title != "Budget review" {
		t.Fatalf("get returned %d %+v", code, got)
	}
	if code := f.do(t, http.MethodGet, "/v1/meetings/missing", nil, nil); code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", code)
	}
	if code := f.do(t, http.MethodPost, "/v1/meetings", map[string]any{"title": " "}, nil); code != http.StatusBadRequest {
		t.Fatalf("expected 400 for empty title, got %d", code)
	}

	var hits []meeting.Meeting
	f.do(t, http.MethodGet, "/v1/search?q=room+4b", nil, &hits)
	if len(hits) != 1 || hits[0].ID != m.ID {
		t.Fatalf("unexpected search hits: %+v", hits)
	}

	var events []eventstore.Event
	if code := f.do(t, http.MethodGet, "/v1/meetings/"+m.ID+"/events", nil, &events); code != http.StatusOK || len(events) != 1 {
		t.Fatalf("expected one journal event, got %d %+v", code, events)
	}
	if events[0].Type != store.ActionCreate {
		t.Fatalf("unexpected event type %q", events[0].Type)
	}

	if code := f.do(t, http.MethodDelete, "/v1/meetings/"+m.ID, nil, nil); code != http.StatusNoContent {
		t.Fatalf("delete returned %d", code)
	}
	var all []meeting.Meeting
	f.do(t, http.MethodGet, "/v1/meetings", nil, &all)
	if len(all) != 0 {
		t.Fatalf("expected empty list, got %+v", all)
	}
}

func TestRecordingLifecycle(t *testing.T) {
	f := newFixture(t)
	m := f.create(t, "Standup")
	base := "/v1/meetings/" + m.ID

	var snap session.Snapshot
	if code := f.do(t, http.MethodPost, base+"/recording:start", nil, &snap); code != http.StatusAccepted {
		t.Fatalf("start returned %d", code)
	}
	if snap.MeetingID != m.ID {
		t.Fatalf("unexpected snapshot %+v", snap)
	}
	if code := f.do(t, http.MethodPost, base+"/recording:start", nil, nil); code != http.StatusConflict {
		t.Fatalf("expected 409 for second recording, got %d", code)
	}
	if code := f.do(t, http.MethodGet, base+"/live", nil, nil); code != http.StatusOK {
		t.Fatalf("live returned %d", code)
	}

	var stopped meeting.Meeting
	if code := f.do(t, http.MethodPost, base+"/recording:stop", nil, &stopped); code != http.StatusOK {
		t.Fatalf("stop returned %d", code)
	}
	if stopped.Status != meeting.StatusCompleted || stopped.StartedAt == nil || stopped.EndedAt == nil {
		t.Fatalf("unexpected meeting after stop: %+v", stopped)
	}
	if code := f.do(t, http.MethodGet, base+"/live", nil, nil); code != http.StatusNotFound {
		t.Fatalf("expected 404 after stop, got %d", code)
	}
}

func TestDrawingEndpoints(t *testing.T) {
	f := newFixture(t)
	m := f.create(t, "Whiteboard")
	base := "/v1/meetings/" + m.ID + "/drawings/d1"

	drawing := ink.Drawing{Strokes: []ink.Stroke{{Width: 2, Points: []ink.Point{{X: 5, Y: 5, Pressure: 1}, {X: 60, Y: 9, T: 0.2, Pressure: 1}}}}}
	if code := f.do(t, http.MethodPut, base, drawing, nil); code != http.StatusOK {
		t.Fatalf("put drawing returned %d", code)
	}
	if code := f.do(t, http.MethodPost, base+"/activity", nil, nil); code != http.StatusNoContent {
		t.Fatalf("activity returned %d", code)
	}
	var out map[string]string
	if code := f.do(t, http.MethodPost, base+"/recognize?force=true", nil, &out); code != http.StatusOK || out["text"] != "Ship Friday" {
		t.Fatalf("recognize returned %d %v", code, out)
	}
	got, _ := f.store.Get(m.ID)
	if got.HandwritingText() != "Ship Friday" {
		t.Fatalf("handwriting not stored: %+v", got.Handwriting)
	}
	if code := f.do(t, http.MethodDelete, base, nil, nil); code != http.StatusOK {
		t.Fatalf("clear returned %d", code)
	}
	if code := f.do(t, http.MethodPost, base+"/recognize", nil, nil); code != http.StatusNotFound {
		t.Fatalf("expected 404 for cleared drawing, got %d", code)
	}
}

func TestAnalysisAndActionItems(t *testing.T) {
	f := newFixture(t)
	m := f.create(t, "Planning")
	base := "/v1/meetings/" + m.ID

	if code := f.do(t, http.MethodPost, base+"/analysis/summary", nil, nil); code != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422 for empty meeting, got %d", code)
	}
	if code := f.do(t, http.MethodPost, base+"/analysis/poem", nil, nil); code != http.StatusBadRequest {
		t.Fatalf("expected 400 for unknown kind, got %d", code)
	}

	seg := meeting.TranscriptSegment{ID: meeting.NewID(), Text: "We will ship the beta on Friday and Sam will write the notes."}
	if _, err := f.store.AppendTranscriptSegment(context.Background(), m.ID, seg); err != nil {
		t.Fatalf("append segment: %v", err)
	}

	var summarized meeting.Meeting
	if code := f.do(t, http.MethodPost, base+"/analysis/summary", nil, &summarized); code != http.StatusOK {
		t.Fatalf("summary returned %d", code)
	}
	if strings.TrimSpace(summarized.Analysis.Summary) == "" {
		t.Fatal("summary not written")
	}

	var withItems meeting.Meeting
	if code := f.do(t, http.MethodPost, base+"/analysis/action_items", nil, &withItems); code != http.StatusOK {
		t.Fatalf("action items returned %d", code)
	}
	if len(withItems.Analysis.ActionItems) == 0 {
		t.Fatal("no action items written")
	}
	item := withItems.Analysis.ActionItems[0]
	var toggled meeting.Meeting
	if code := f.do(t, http.MethodPost, base+"/action-items/"+item.ID+"/toggle", nil, &toggled); code != http.StatusOK {
		t.Fatalf("toggle returned %d", code)
	}
	if toggled.Analysis.ActionItems[0].Completed == item.Completed {
		t.Fatal("toggle did not flip completion")
	}
	if code := f.do(t, http.MethodPost, base+"/action-items/nope/toggle", nil, nil); code != http.StatusNotFound {
		t.Fatalf("expected 404 for unknown item, got %d", code)
	}
}

func TestEditTranscriptSegment(t *testing.T) {
	f := newFixture(t)
	m := f.create(t, "Retro")
	seg := meeting.TranscriptSegment{ID: "seg-1", Text: "teh plan"}
	if _, err := f.store.AppendTranscriptSegment(context.Background(), m.ID, seg); err != nil {
		t.Fatalf("append segment: %v", err)
	}

	var edited meeting.Meeting
	if code := f.do(t, http.MethodPatch, "/v1/meetings/"+m.ID+"/transcript/seg-1", map[string]string{"text": "the plan"}, &edited); code != http.StatusOK {
		t.Fatalf("edit returned %d", code)
	}
	got := edited.Transcript.Segments[0]
	if got.Text != "the plan" || !got.IsEdited {
		t.Fatalf("segment not edited: %+v", got)
	}
	if full := strings.ToLower(edited.Transcript.FullText); !strings.Contains(full, "the plan") || strings.Contains(full, "teh") {
		t.Fatalf("full text not re-rendered: %q", edited.Transcript.FullText)
	}
}
