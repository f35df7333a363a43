package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Bus.Servers[0] != "nats://localhost:4222" {
		t.Fatalf("expected default server, got %v", cfg.Bus.Servers)
	}
	if cfg.Ink.ConfidenceFloor != 0.3 {
		t.Fatalf("expected default confidence floor 0.3, got %v", cfg.Ink.ConfidenceFloor)
	}
	if cfg.Store.SnapshotKey != "loqa.scribe.meetings.v1" {
		t.Fatalf("unexpected snapshot key %q", cfg.Store.SnapshotKey)
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("SCRIBE_BUS_SERVERS", "nats://one:4222, nats://two:4222")
	t.Setenv("SCRIBE_BUS_USERNAME", "alice")
	t.Setenv("SCRIBE_BUS_PASSWORD", "secret")
	t.Setenv("SCRIBE_BUS_TLS_INSECURE", "true")
	t.Setenv("SCRIBE_BUS_CONNECT_TIMEOUT_MS", "5000")
	t.Setenv("SCRIBE_NODE_ID", "test-node")
	t.Setenv("SCRIBE_NODE_HEARTBEAT_INTERVAL_MS", "1500")
	t.Setenv("SCRIBE_NODE_HEARTBEAT_TIMEOUT_MS", "5000")
	t.Setenv("SCRIBE_STORE_PATH", "./tmp.db")
	t.Setenv("SCRIBE_STORE_RETENTION_MODE", "session")
	t.Setenv("SCRIBE_STORE_RETENTION_DAYS", "7")
	t.Setenv("SCRIBE_STORE_VACUUM_ON_START", "true")
	t.Setenv("SCRIBE_STT_LOCALE", "fi-FI")
	t.Setenv("SCRIBE_FORMATTER_TOPIC_PHRASES", "anyway, by the way")
	t.Setenv("SCRIBE_INK_CONFIDENCE_FLOOR", "0.5")
	t.Setenv("SCRIBE_INK_DEBOUNCE_MS", "3000")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if len(cfg.Bus.Servers) != 2 {
		t.Fatalf("expected 2 servers, got %v", cfg.Bus.Servers)
	}
	if cfg.Bus.Username != "alice" || cfg.Bus.Password != "secret" {
		t.Fatalf("expected credentials override")
	}
	if !cfg.Bus.TLSInsecure {
		t.Fatal("expected tls insecure override true")
	}
	if cfg.Bus.ConnectTimeout != 5000 {
		t.Fatalf("expected timeout 5000, got %d", cfg.Bus.ConnectTimeout)
	}
	if cfg.Node.ID != "test-node" {
		t.Fatalf("expected node id override")
	}
	if cfg.Node.HeartbeatInterval != 1500 || cfg.Node.HeartbeatTimeout != 5000 {
		t.Fatalf("expected heartbeat overrides")
	}
	if cfg.Store.Path != "./tmp.db" || cfg.Store.RetentionMode != "session" || cfg.Store.RetentionDays != 7 {
		t.Fatalf("expected store overrides, got %+v", cfg.Store)
	}
	if !cfg.Store.VacuumOnStart {
		t.Fatalf("expected vacuum flag override")
	}
	if cfg.Transcription.Locale != "fi-FI" {
		t.Fatalf("expected locale override")
	}
	if len(cfg.Formatter.TopicPhrases) != 2 || cfg.Formatter.TopicPhrases[1] != "by the way" {
		t.Fatalf("expected topic phrase override, got %v", cfg.Formatter.TopicPhrases)
	}
	if cfg.Ink.ConfidenceFloor != 0.5 || cfg.Ink.DebounceMS != 3000 {
		t.Fatalf("expected ink overrides, got %+v", cfg.Ink)
	}
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "scribe.yaml")
	data := []byte(`
runtime_name: scribe-test
ink:
  mode: exec
  command: "ink-ocr --json"
transcription:
  advanced:
    mode: none
`)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.RuntimeName != "scribe-test" {
		t.Fatalf("expected runtime name from file")
	}
	if cfg.Ink.Mode != "exec" || cfg.Ink.Command != "ink-ocr --json" {
		t.Fatalf("expected ink exec config, got %+v", cfg.Ink)
	}
	if cfg.Transcription.Advanced.Mode != "none" {
		t.Fatalf("expected advanced mode none")
	}
	if cfg.Ink.CacheSize != 256 {
		t.Fatalf("expected defaults kept for unspecified keys")
	}
}

func TestValidateRejectsExecWithoutCommand(t *testing.T) {
	t.Setenv("SCRIBE_INK_MODE", "exec")
	if _, err := Load(""); err == nil {
		t.Fatal("expected validation error for exec mode without command")
	}
}

func TestValidateRejectsUnknownAutoKind(t *testing.T) {
	t.Setenv("SCRIBE_ANALYSIS_ENABLED", "true")
	t.Setenv("SCRIBE_ANALYSIS_AUTO_KINDS", "summary,poem")
	if _, err := Load(""); err == nil {
		t.Fatal("expected validation error for unknown auto kind")
	}
	t.Setenv("SCRIBE_ANALYSIS_AUTO_KINDS", "notes")
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(cfg.Analysis.AutoKinds) != 1 || cfg.Analysis.AutoKinds[0] != "notes" {
		t.Fatalf("unexpected auto kinds %v", cfg.Analysis.AutoKinds)
	}
}

func TestValidateRejectsDebounceFloorBelowMinimum(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "scribe.yaml")
	data := []byte("ink:\n  debounce_ms: 50\n  min_debounce_ms: 50\n")
	if err := os.WriteFile(path, data, 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	if _, err := Load(path); err == nil {
		t.Fatal("expected validation error for min_debounce_ms below floor")
	}

	data = []byte("ink:\n  debounce_ms: 50\n")
	if err := os.WriteFile(path, data, 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Ink.DebounceMS != 50 || cfg.Ink.MinDebounceMS != InkDebounceFloorMS {
		t.Fatalf("unexpected ink debounce config %+v", cfg.Ink)
	}
}

func TestIdentityFromConfig(t *testing.T) {
	t.Setenv("SCRIBE_NODE_ID", "board-room")
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	id := cfg.Identity()
	if id.Service != "loqa-scribe" || id.NodeID != "board-room" || id.Role != cfg.Node.Role {
		t.Fatalf("unexpected identity %+v", id)
	}
	if id.ServerName() != "loqa-scribe-board-room" {
		t.Fatalf("unexpected server name %q", id.ServerName())
	}
	if (Identity{Service: "solo"}).ServerName() != "solo" {
		t.Fatal("expected service name without node id")
	}
}
