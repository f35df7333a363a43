package runtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/loqalabs/loqa-scribe/internal/analysis"
	"github.com/loqalabs/loqa-scribe/internal/audio"
	"github.com/loqalabs/loqa-scribe/internal/capability"
	"github.com/loqalabs/loqa-scribe/internal/eventstore"
	"github.com/loqalabs/loqa-scribe/internal/ink"
	"github.com/loqalabs/loqa-scribe/internal/ink/scheduler"
	"github.com/loqalabs/loqa-scribe/internal/meeting"
	"github.com/loqalabs/loqa-scribe/internal/session"
	"github.com/loqalabs/loqa-scribe/internal/store"
	"github.com/loqalabs/loqa-scribe/internal/stt"
)

// SourceRequest selects the audio source of a new recording.
type SourceRequest struct {
	Source string `json:"source"` // bus, wav
	Path   string `json:"path,omitempty"`
}

// SourceFactory opens the audio source for a recording.
type SourceFactory func(meetingID string, req SourceRequest) (audio.Source, error)

// EventLister reads a meeting's activity journal.
type EventLister interface {
	ListMeetingEvents(ctx context.Context, meetingID string, limit int) ([]eventstore.Event, error)
}

// API serves the meeting endpoints.
type API struct {
	Store    *store.Store
	Sessions *session.Manager
	Analysis *analysis.Service
	Registry *capability.Registry
	Journal  EventLister
	Sources  SourceFactory
	Logger   *slog.Logger
}

func (a *API) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /v1/meetings", a.listMeetings)
	mux.HandleFunc("POST /v1/meetings", a.createMeeting)
	mux.HandleFunc("GET /v1/meetings/{id}", a.getMeeting)
	mux.HandleFunc("DELETE /v1/meetings/{id}", a.deleteMeeting)
	mux.HandleFunc("POST /v1/meetings/{id}/archive", a.archiveMeeting)
	mux.HandleFunc("GET /v1/meetings/{id}/events", a.meetingEvents)
	mux.HandleFunc("GET /v1/search", a.search)
	mux.HandleFunc("POST /v1/meetings/{id}/recording:start", a.startRecording)
	mux.HandleFunc("POST /v1/meetings/{id}/recording:stop", a.stopRecording)
	mux.HandleFunc("GET /v1/meetings/{id}/live", a.live)
	mux.HandleFunc("PATCH /v1/meetings/{id}/transcript/{segment}", a.editSegment)
	mux.HandleFunc("PUT /v1/meetings/{id}/drawings/{drawing}", a.putDrawing)
	mux.HandleFunc("POST /v1/meetings/{id}/drawings/{drawing}/recognize", a.recognizeDrawing)
	mux.HandleFunc("POST /v1/meetings/{id}/drawings/{drawing}/activity", a.strokeActivity)
	mux.HandleFunc("DELETE /v1/meetings/{id}/drawings/{drawing}", a.clearDrawing)
	mux.HandleFunc("POST /v1/meetings/{id}/analysis/{kind}", a.analyze)
	mux.HandleFunc("POST /v1/meetings/{id}/action-items/{item}/toggle", a.toggleActionItem)
	mux.HandleFunc("GET /v1/capabilities", a.capabilities)
}

func (a *API) listMeetings(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, a.Store.List())
}

type createRequest struct {
	Title        string   `json:"title"`
	Location     string   `json:"location,omitempty"`
	Participants []string `json:"participants,omitempty"`
	Tags         []string `json:"tags,omitempty"`
}

func (a *API) createMeeting(w http.ResponseWriter, r *http.Request) {
	var req createRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		a.fail(w, fmt.Errorf("%w: %v", errBadRequest, err))
		return
	}
	m, err := a.Store.Create(r.Context(), meeting.Meeting{
		Title:        req.Title,
		Location:     req.Location,
		Participants: req.Participants,
		Tags:         req.Tags,
	})
	if err != nil {
		a.fail(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, m)
}

func (a *API) getMeeting(w http.ResponseWriter, r *http.Request) {
	m, ok := a.Store.Get(r.PathValue("id"))
	if !ok {
		a.fail(w, store.ErrNotFound)
		return
	}
	writeJSON(w, http.StatusOK, m)
}

func (a *API) deleteMeeting(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if _, recording := a.Sessions.Session(id); recording {
		a.fail(w, session.ErrAlreadyRecording)
		return
	}
	if err := a.Store.Delete(r.Context(), id); err != nil {
		a.fail(w, err)
		return
	}
	a.Sessions.Forget(id)
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) archiveMeeting(w http.ResponseWriter, r *http.Request) {
	m, err := a.Store.Archive(r.Context(), r.PathValue("id"))
	if err != nil {
		a.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, m)
}

func (a *API) meetingEvents(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if _, ok := a.Store.Get(id); !ok {
		a.fail(w, store.ErrNotFound)
		return
	}
	limit := 100
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			a.fail(w, fmt.Errorf("%w: limit must be a positive integer", errBadRequest))
			return
		}
		limit = n
	}
	events := []eventstore.Event{}
	if a.Journal != nil {
		var err error
		if events, err = a.Journal.ListMeetingEvents(r.Context(), id, limit); err != nil {
			a.fail(w, err)
			return
		}
	}
	writeJSON(w, http.StatusOK, events)
}

func (a *API) search(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, a.Store.Search(r.URL.Query().Get("q")))
}

func (a *API) startRecording(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	req := SourceRequest{Source: "bus"}
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			a.fail(w, fmt.Errorf("%w: %v", errBadRequest, err))
			return
		}
	}
	if a.Sources == nil {
		a.fail(w, fmt.Errorf("%w: no audio sources configured", errBadRequest))
		return
	}
	src, err := a.Sources(id, req)
	if err != nil {
		a.fail(w, fmt.Errorf("%w: %v", errBadRequest, err))
		return
	}
	sess, err := a.Sessions.StartRecording(r.Context(), id, src)
	if err != nil {
		_ = src.Close()
		a.fail(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, sess.Snapshot())
}

func (a *API) stopRecording(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := a.Sessions.StopRecording(id); err != nil {
		a.fail(w, err)
		return
	}
	m, ok := a.Store.Get(id)
	if !ok {
		a.fail(w, store.ErrNotFound)
		return
	}
	writeJSON(w, http.StatusOK, m)
}

func (a *API) live(w http.ResponseWriter, r *http.Request) {
	sess, ok := a.Sessions.Session(r.PathValue("id"))
	if !ok {
		a.fail(w, session.ErrNotRecording)
		return
	}
	writeJSON(w, http.StatusOK, sess.Snapshot())
}

type editRequest struct {
	Text string `json:"text"`
}

func (a *API) editSegment(w http.ResponseWriter, r *http.Request) {
	var req editRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		a.fail(w, fmt.Errorf("%w: %v", errBadRequest, err))
		return
	}
	m, err := a.Store.EditTranscriptSegment(r.Context(), r.PathValue("id"), r.PathValue("segment"), req.Text)
	if err != nil {
		a.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, m)
}

func (a *API) putDrawing(w http.ResponseWriter, r *http.Request) {
	var d ink.Drawing
	if err := json.NewDecoder(r.Body).Decode(&d); err != nil {
		a.fail(w, fmt.Errorf("%w: %v", errBadRequest, err))
		return
	}
	d.ID = r.PathValue("drawing")
	m, err := a.Sessions.DrawingChanged(r.Context(), r.PathValue("id"), d)
	if err != nil {
		a.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, m)
}

func (a *API) recognizeDrawing(w http.ResponseWriter, r *http.Request) {
	force, _ := strconv.ParseBool(r.URL.Query().Get("force"))
	text, err := a.Sessions.RecognizeDrawing(r.Context(), r.PathValue("id"), r.PathValue("drawing"), force)
	if err != nil && !errors.Is(err, ink.ErrNoTextFound) {
		a.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"text": text})
}

// strokeActivity postpones automatic recognition while the pen is down.
func (a *API) strokeActivity(w http.ResponseWriter, r *http.Request) {
	a.Sessions.StrokeActivity(r.PathValue("id"), r.PathValue("drawing"))
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) clearDrawing(w http.ResponseWriter, r *http.Request) {
	m, err := a.Sessions.ClearDrawing(r.Context(), r.PathValue("id"), r.PathValue("drawing"))
	if err != nil {
		a.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, m)
}

func (a *API) analyze(w http.ResponseWriter, r *http.Request) {
	if a.Analysis == nil {
		a.fail(w, analysis.ErrDisabled)
		return
	}
	kind := analysis.Kind(r.PathValue("kind"))
	if !kind.Valid() {
		a.fail(w, fmt.Errorf("%w: unknown analysis kind %q", errBadRequest, kind))
		return
	}
	m, err := a.Analysis.Analyze(r.Context(), r.PathValue("id"), kind)
	if err != nil {
		a.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, m)
}

func (a *API) toggleActionItem(w http.ResponseWriter, r *http.Request) {
	m, err := a.Store.ToggleActionItem(r.Context(), r.PathValue("id"), r.PathValue("item"))
	if err != nil {
		a.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, m)
}

func (a *API) capabilities(w http.ResponseWriter, _ *http.Request) {
	if a.Registry == nil {
		writeJSON(w, http.StatusOK, []capability.NodeInfo{})
		return
	}
	writeJSON(w, http.StatusOK, a.Registry.Query(nil))
}

var errBadRequest = errors.New("bad request")

func statusFor(err error) int {
	var serverErr *analysis.ServerError
	switch {
	case errors.Is(err, errBadRequest), errors.Is(err, store.ErrInvalid):
		return http.StatusBadRequest
	case errors.Is(err, store.ErrNotFound),
		errors.Is(err, store.ErrSegmentNotFound),
		errors.Is(err, store.ErrDrawingNotFound),
		errors.Is(err, store.ErrActionItemNotFound),
		errors.Is(err, session.ErrNotRecording):
		return http.StatusNotFound
	case errors.Is(err, store.ErrExists), errors.Is(err, session.ErrAlreadyRecording):
		return http.StatusConflict
	case errors.Is(err, stt.ErrNotAuthorized):
		return http.StatusForbidden
	case errors.Is(err, analysis.ErrNothingToAnalyze):
		return http.StatusUnprocessableEntity
	case errors.Is(err, analysis.ErrDisabled), errors.Is(err, session.ErrClosed), errors.Is(err, scheduler.ErrClosed):
		return http.StatusServiceUnavailable
	case errors.Is(err, scheduler.ErrCleared):
		return http.StatusGone
	case errors.Is(err, analysis.ErrUnauthorized),
		errors.Is(err, analysis.ErrMalformedResponse),
		errors.Is(err, analysis.ErrEmpty),
		errors.As(err, &serverErr):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func (a *API) fail(w http.ResponseWriter, err error) {
	code := statusFor(err)
	if code >= http.StatusInternalServerError {
		a.Logger.Error("request failed", slog.Int("status", code), slogError(err))
	}
	writeJSON(w, code, map[string]string{"error": err.Error()})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
