package capability

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/loqalabs/loqa-scribe/internal/config"
	"github.com/loqalabs/loqa-scribe/internal/ink"
	"github.com/loqalabs/loqa-scribe/internal/stt"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func names(caps []Capability) []string {
	out := make([]string, 0, len(caps))
	for _, c := range caps {
		out = append(out, c.Name)
	}
	return out
}

func TestProbeListsSupportedRecognizers(t *testing.T) {
	p := Probe{
		Locale:   "en-US",
		Advanced: stt.NewMockAdvanced(),
		Fallback: stt.NewMockFallback(),
		Ink:      &ink.MockRecognizer{},
		Analysis: config.AnalysisConfig{Enabled: true, Mode: "mock", Model: "tiny"},
		Logger:   testLogger(),
	}
	caps := p.Run(context.Background())
	got := names(caps)
	want := []string{NameSTTAdvanced, NameSTTFallback, NameInk, NameAnalysis}
	if len(got) != len(want) {
		t.Fatalf("expected %v, got %v", want, got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("expected %v, got %v", want, got)
		}
	}
	if caps[0].Attributes["sample_rate"] != "16000" || caps[0].Tier != "advanced" {
		t.Fatalf("unexpected advanced attributes: %+v", caps[0])
	}
}

func TestProbeSkipsUnsupportedLocale(t *testing.T) {
	p := Probe{
		Locale:   "fr-FR",
		Advanced: stt.NewMockAdvanced(),
		Fallback: stt.NewMockFallback(),
		Logger:   testLogger(),
	}
	got := names(p.Run(context.Background()))
	if len(got) != 1 || got[0] != NameSTTFallback {
		t.Fatalf("expected fallback only, got %v", got)
	}
}

func TestRegistryTracksAnnouncedNodes(t *testing.T) {
	local := []Capability{{Name: NameSTTFallback, Tier: "fallback"}}
	r, err := NewRegistry(context.Background(), config.NodeConfig{ID: "node-a", Role: "scribe"}, local, nil, testLogger())
	if err != nil {
		t.Fatalf("new registry: %v", err)
	}
	defer r.Close()

	if !r.Healthy() {
		t.Fatal("local node should be healthy after announce")
	}
	r.handleAnnounce(announceMessage{NodeID: "node-b", Role: "ink", Capabilities: []Capability{{Name: NameInk}}})
	r.handleHeartbeat(heartbeatMessage{NodeID: ""})

	all := r.Query(nil)
	if len(all) != 2 || all[0].ID != "node-a" || all[1].ID != "node-b" {
		t.Fatalf("unexpected nodes: %+v", all)
	}
	inkNodes := r.Query(WithCapabilityFilter(NameInk))
	if len(inkNodes) != 1 || inkNodes[0].Role != "ink" {
		t.Fatalf("unexpected ink nodes: %+v", inkNodes)
	}
}

func TestRegistryMarksStaleNodesUnhealthy(t *testing.T) {
	r, err := NewRegistry(context.Background(), config.NodeConfig{ID: "node-a", HeartbeatTimeout: 1000}, nil, nil, testLogger())
	if err != nil {
		t.Fatalf("new registry: %v", err)
	}
	defer r.Close()

	base := time.Now()
	r.evaluateHealth(base.Add(5 * time.Second))
	if r.Healthy() {
		t.Fatal("node without heartbeats should be unhealthy")
	}
	r.handleHeartbeat(heartbeatMessage{NodeID: "node-a", Timestamp: base.Add(5 * time.Second)})
	if !r.Healthy() {
		t.Fatal("heartbeat should restore health")
	}
}
