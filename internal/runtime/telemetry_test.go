package runtime

import (
	"context"
	"testing"

	"github.com/loqalabs/loqa-scribe/internal/config"
)

func TestResourceCarriesNodeIdentity(t *testing.T) {
	res, err := newResource(context.Background(), config.Identity{
		Service:     "loqa-scribe",
		Environment: "test",
		NodeID:      "n1",
		Role:        "scribe",
	})
	if err != nil {
		t.Fatalf("new resource: %v", err)
	}
	want := map[string]string{
		"service.name":           "loqa-scribe",
		"service.instance.id":    "loqa-scribe-n1",
		"deployment.environment": "test",
		"scribe.node.id":         "n1",
		"scribe.node.role":       "scribe",
	}
	got := map[string]string{}
	for _, kv := range res.Attributes() {
		got[string(kv.Key)] = kv.Value.Emit()
	}
	for k, v := range want {
		if got[k] != v {
			t.Fatalf("attribute %s = %q, want %q", k, got[k], v)
		}
	}
}
