package analysis

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"
)

// MockGenerator returns canned output per kind. Reply, when set, replaces
// the canned output; Err fails every call.
type MockGenerator struct {
	Reply func(req Request) string
	Err   error
	Delay time.Duration

	mu    sync.Mutex
	calls []Request
}

func NewMockGenerator() *MockGenerator {
	return &MockGenerator{Delay: 20 * time.Millisecond}
}

func (m *MockGenerator) Generate(ctx context.Context, req Request, consumer func(Chunk) error) error {
	m.mu.Lock()
	m.calls = append(m.calls, req)
	m.mu.Unlock()

	if m.Delay > 0 {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(m.Delay):
		}
	}
	if m.Err != nil {
		return m.Err
	}
	var content string
	if m.Reply != nil {
		content = m.Reply(req)
	} else {
		content = cannedReply(req)
	}
	return consumer(Chunk{Content: content, Latency: m.Delay})
}

// Calls returns the requests seen so far.
func (m *MockGenerator) Calls() []Request {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Request(nil), m.calls...)
}

func cannedReply(req Request) string {
	words := len(strings.Fields(req.Prompt))
	switch req.Kind {
	case KindActionItems:
		return `[{"title":"Review meeting notes","priority":"medium"}]`
	case KindNotes:
		return fmt.Sprintf("- Discussion captured (%d words)\n- Follow up on open questions", words)
	default:
		return fmt.Sprintf("Meeting summary generated from %d words of input.", words)
	}
}
