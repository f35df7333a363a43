package eventstore

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/loqalabs/loqa-scribe/internal/config"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

func TestEphemeralSnapshotsStayInMemory(t *testing.T) {
	ctx := context.Background()
	es, err := Open(ctx, config.StoreConfig{RetentionMode: "ephemeral"}, newLogger())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	t.Cleanup(func() { _ = es.Close() })
	if es.Persistent() {
		t.Fatal("ephemeral store must not be persistent")
	}
	if _, err := es.LoadSnapshot(ctx, "k"); !errors.Is(err, ErrSnapshotNotFound) {
		t.Fatalf("expected ErrSnapshotNotFound, got %v", err)
	}
	if err := es.SaveSnapshot(ctx, "k", []byte("v1")); err != nil {
		t.Fatalf("save: %v", err)
	}
	got, err := es.LoadSnapshot(ctx, "k")
	if err != nil || string(got) != "v1" {
		t.Fatalf("load: %q %v", got, err)
	}
	if err := es.AppendEvent(ctx, Event{MeetingID: "m", Type: "noop"}); err != nil {
		t.Fatalf("journal should be a no-op, got %v", err)
	}
}

func TestSnapshotSurvivesReopen(t *testing.T) {
	ctx := context.Background()
	cfg := config.StoreConfig{Path: filepath.Join(t.TempDir(), "scribe.db"), RetentionMode: "persistent"}
	es, err := Open(ctx, cfg, newLogger())
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if err := es.SaveSnapshot(ctx, "loqa.scribe.meetings.v1", []byte(`{"version":1}`)); err != nil {
		t.Fatalf("save: %v", err)
	}
	if err := es.SaveSnapshot(ctx, "loqa.scribe.meetings.v1", []byte(`{"version":2}`)); err != nil {
		t.Fatalf("overwrite: %v", err)
	}
	_ = es.Close()

	es, err = Open(ctx, cfg, newLogger())
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	t.Cleanup(func() { _ = es.Close() })
	got, err := es.LoadSnapshot(ctx, "loqa.scribe.meetings.v1")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if string(got) != `{"version":2}` {
		t.Fatalf("unexpected snapshot %s", got)
	}
}

func TestAppendAndQuery(t *testing.T) {
	tmp := t.TempDir()
	cfg := config.StoreConfig{Path: filepath.Join(tmp, "scribe.db"), RetentionMode: "session"}
	es, err := Open(context.Background(), cfg, newLogger())
	if err != nil {
		t.Fatalf("open event store: %v", err)
	}
	t.Cleanup(func() { _ = es.Close() })

	meetingID := "meeting-123"
	if err := es.AppendMeeting(context.Background(), meetingID, "Planning", "created"); err != nil {
		t.Fatalf("append meeting: %v", err)
	}
	if err := es.AppendEvent(context.Background(), Event{MeetingID: meetingID, Type: "transcript.appended", Payload: []byte("hello")}); err != nil {
		t.Fatalf("append event: %v", err)
	}
	events, err := es.ListMeetingEvents(context.Background(), meetingID, 10)
	if err != nil {
		t.Fatalf("list events: %v", err)
	}
	if len(events) != 1 {
		t.Fatalf("expected 1 event, got %d", len(events))
	}
	if string(events[0].Payload) != "hello" || events[0].Type != "transcript.appended" {
		t.Fatalf("unexpected event: %+v", events[0])
	}
	if events[0].CreatedAt.IsZero() {
		t.Fatal("expected created_at to round-trip")
	}

	if err := es.DeleteMeeting(context.Background(), meetingID); err != nil {
		t.Fatalf("delete meeting: %v", err)
	}
	events, _ = es.ListMeetingEvents(context.Background(), meetingID, 10)
	if len(events) != 0 {
		t.Fatalf("expected journal cascade delete, got %d events", len(events))
	}
}

func TestPruneByDaysAndMeetings(t *testing.T) {
	tmp := t.TempDir()
	cfg := config.StoreConfig{Path: filepath.Join(tmp, "scribe.db"), RetentionMode: "persistent", RetentionDays: 1, MaxSessions: 1}
	es, err := Open(context.Background(), cfg, newLogger())
	if err != nil {
		t.Fatalf("open event store: %v", err)
	}
	t.Cleanup(func() { _ = es.Close() })

	es.clock = func() time.Time { return time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC) }
	if err := es.AppendMeeting(context.Background(), "old-meeting", "old", "completed"); err != nil {
		t.Fatalf("append meeting: %v", err)
	}
	if err := es.AppendEvent(context.Background(), Event{MeetingID: "old-meeting", Type: "note"}); err != nil {
		t.Fatalf("append event: %v", err)
	}
	if err := es.SaveSnapshot(context.Background(), "snap", []byte("keep")); err != nil {
		t.Fatalf("save snapshot: %v", err)
	}

	es.clock = func() time.Time { return time.Date(2025, 1, 3, 0, 0, 0, 0, time.UTC) }
	if err := es.AppendMeeting(context.Background(), "new-meeting", "new", "created"); err != nil {
		t.Fatalf("append meeting: %v", err)
	}
	if err := es.Prune(context.Background()); err != nil {
		t.Fatalf("prune: %v", err)
	}

	events, err := es.ListMeetingEvents(context.Background(), "old-meeting", 10)
	if err != nil {
		t.Fatalf("list events: %v", err)
	}
	if len(events) != 0 {
		t.Fatalf("expected old meeting pruned")
	}
	if _, err := es.LoadSnapshot(context.Background(), "snap"); err != nil {
		t.Fatalf("snapshots must survive pruning: %v", err)
	}
}
