// Package eventstore is the sqlite persistence layer: a keyed snapshot table
// for the meeting collection and an activity journal per meeting.
package eventstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/loqalabs/loqa-scribe/internal/config"
	_ "modernc.org/sqlite"
)

// TimeLayout is RFC 3339 with fixed-width nanoseconds so stored values sort
// lexically.
const TimeLayout = "2006-01-02T15:04:05.000000000Z07:00"

var ErrSnapshotNotFound = errors.New("snapshot not found")

// Event is one activity journal entry.
type Event struct {
	ID        int64
	MeetingID string
	TraceID   string
	Actor     string
	Type      string
	Payload   []byte
	CreatedAt time.Time
}

// Store wraps the sqlite database. In ephemeral mode snapshots live in
// memory and the journal is disabled.
type Store struct {
	db    *sql.DB
	cfg   config.StoreConfig
	log   *slog.Logger
	clock func() time.Time

	memMu    sync.Mutex
	memSnaps map[string][]byte
}

// Open initializes the store according to config.
func Open(ctx context.Context, cfg config.StoreConfig, log *slog.Logger) (*Store, error) {
	log = log.With(slog.String("component", "eventstore"))
	if cfg.RetentionMode == "ephemeral" {
		return &Store{cfg: cfg, log: log, clock: time.Now, memSnaps: make(map[string][]byte)}, nil
	}

	dir := filepath.Dir(cfg.Path)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create data dir: %w", err)
		}
	}

	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=foreign_keys(ON)&_pragma=busy_timeout(5000)", cfg.Path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}

	s := &Store{db: db, cfg: cfg, log: log, clock: time.Now}

	if err := s.initSchema(ctx); err != nil {
		db.Close()
		return nil, err
	}

	if cfg.VacuumOnStart {
		if err := s.vacuum(ctx); err != nil {
			log.Warn("event store vacuum failed", slog.String("error", err.Error()))
		}
	}

	if err := s.Prune(ctx); err != nil {
		log.Warn("event store prune on start failed", slog.String("error", err.Error()))
	}

	return s, nil
}

func (s *Store) initSchema(ctx context.Context) error {
	if s.db == nil {
		return nil
	}
	ddl := `
CREATE TABLE IF NOT EXISTS snapshots (
    snapshot_key TEXT PRIMARY KEY,
    payload BLOB NOT NULL,
    saved_at TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS meetings (
    meeting_id TEXT PRIMARY KEY,
    title TEXT,
    status TEXT,
    created_at TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS activity (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    meeting_id TEXT NOT NULL,
    trace_id TEXT,
    actor TEXT,
    event_type TEXT,
    payload BLOB,
    created_at TEXT NOT NULL,
    FOREIGN KEY(meeting_id) REFERENCES meetings(meeting_id) ON DELETE CASCADE
);
CREATE INDEX IF NOT EXISTS idx_activity_meeting_created ON activity(meeting_id, created_at);
`
	if _, err := s.db.ExecContext(ctx, ddl); err != nil {
		return fmt.Errorf("init schema: %w", err)
	}
	return nil
}

func (s *Store) vacuum(ctx context.Context) error {
	if s.db == nil {
		return nil
	}
	_, err := s.db.ExecContext(ctx, "VACUUM")
	return err
}

// Persistent reports whether data survives a restart.
func (s *Store) Persistent() bool {
	return s.db != nil
}

// Close releases underlying resources.
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *Store) now() string {
	return s.clock().UTC().Format(TimeLayout)
}

// LoadSnapshot returns the payload stored under key.
func (s *Store) LoadSnapshot(ctx context.Context, key string) ([]byte, error) {
	if s.db == nil {
		s.memMu.Lock()
		defer s.memMu.Unlock()
		data, ok := s.memSnaps[key]
		if !ok {
			return nil, ErrSnapshotNotFound
		}
		return append([]byte(nil), data...), nil
	}
	var data []byte
	err := s.db.QueryRowContext(ctx, `SELECT payload FROM snapshots WHERE snapshot_key = ?`, key).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrSnapshotNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load snapshot %s: %w", key, err)
	}
	return data, nil
}

// SaveSnapshot replaces the payload stored under key.
func (s *Store) SaveSnapshot(ctx context.Context, key string, data []byte) error {
	if s.db == nil {
		s.memMu.Lock()
		defer s.memMu.Unlock()
		s.memSnaps[key] = append([]byte(nil), data...)
		return nil
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO snapshots(snapshot_key, payload, saved_at) VALUES(?, ?, ?)
		 ON CONFLICT(snapshot_key) DO UPDATE SET payload=excluded.payload, saved_at=excluded.saved_at`,
		key, data, s.now())
	if err != nil {
		return fmt.Errorf("save snapshot %s: %w", key, err)
	}
	return nil
}

// AppendMeeting ensures a journal row exists for the meeting.
func (s *Store) AppendMeeting(ctx context.Context, meetingID, title, status string) error {
	if s.db == nil {
		return nil
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO meetings(meeting_id, title, status, created_at)
		 VALUES(?, ?, ?, ?)
		 ON CONFLICT(meeting_id) DO UPDATE SET title=excluded.title, status=excluded.status`,
		meetingID, title, status, s.now())
	return err
}

// DeleteMeeting removes the meeting and, by cascade, its journal.
func (s *Store) DeleteMeeting(ctx context.Context, meetingID string) error {
	if s.db == nil {
		return nil
	}
	_, err := s.db.ExecContext(ctx, `DELETE FROM meetings WHERE meeting_id = ?`, meetingID)
	return err
}

// AppendEvent writes an activity entry.
func (s *Store) AppendEvent(ctx context.Context, evt Event) error {
	if s.db == nil {
		return nil
	}
	created := s.now()
	if !evt.CreatedAt.IsZero() {
		created = evt.CreatedAt.UTC().Format(TimeLayout)
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO activity(meeting_id, trace_id, actor, event_type, payload, created_at)
		 VALUES(?, ?, ?, ?, ?, ?)`,
		evt.MeetingID, evt.TraceID, evt.Actor, evt.Type, evt.Payload, created)
	return err
}

// ListMeetingEvents retrieves up to limit entries for a meeting, oldest first.
func (s *Store) ListMeetingEvents(ctx context.Context, meetingID string, limit int) ([]Event, error) {
	if s.db == nil {
		return nil, nil
	}
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, meeting_id, trace_id, actor, event_type, payload, created_at
		 FROM activity WHERE meeting_id = ? ORDER BY created_at ASC, id ASC LIMIT ?`, meetingID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []Event
	for rows.Next() {
		var e Event
		var traceID, actor, typ sql.NullString
		var created string
		if err := rows.Scan(&e.ID, &e.MeetingID, &traceID, &actor, &typ, &e.Payload, &created); err != nil {
			return nil, err
		}
		e.TraceID, e.Actor, e.Type = traceID.String, actor.String, typ.String
		if ts, err := time.Parse(time.RFC3339Nano, created); err == nil {
			e.CreatedAt = ts
		}
		events = append(events, e)
	}
	return events, rows.Err()
}

// Prune applies configured retention to the journal (called on startup and
// periodically by the runtime). Snapshots are never pruned.
func (s *Store) Prune(ctx context.Context) (err error) {
	if s.db == nil {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			tx.Rollback()
		}
	}()

	if s.cfg.RetentionDays > 0 {
		cutoff := s.clock().Add(-time.Duration(s.cfg.RetentionDays) * 24 * time.Hour).UTC().Format(TimeLayout)
		if _, err = tx.ExecContext(ctx, `DELETE FROM activity WHERE created_at < ?`, cutoff); err != nil {
			return err
		}
		if _, err = tx.ExecContext(ctx, `DELETE FROM meetings WHERE created_at < ?`, cutoff); err != nil {
			return err
		}
	}
	if s.cfg.MaxSessions > 0 {
		_, err = tx.ExecContext(ctx, `DELETE FROM meetings WHERE meeting_id IN (
			SELECT meeting_id FROM meetings ORDER BY created_at DESC LIMIT -1 OFFSET ?
		)`, s.cfg.MaxSessions)
		if err != nil {
			return err
		}
	}
	err = tx.Commit()
	return err
}
