// Package transcript attributes transcript fragments to speakers and
// rebuilds readable paragraphs from the fragment stream.
package transcript

import (
	"fmt"
	"sync"

	"github.com/loqalabs/loqa-scribe/internal/meeting"
)

const defaultKey = "default"

// Speakers maps opaque clustering keys to sequentially numbered speakers.
// Speakers are created the first time a key is seen and keep their number
// for the rest of the session.
type Speakers struct {
	mu          sync.Mutex
	defaultName string
	byKey       map[string]meeting.Speaker
	order       []meeting.Speaker
}

func NewSpeakers(defaultName string) *Speakers {
	if defaultName == "" {
		defaultName = "Speaker 1"
	}
	return &Speakers{defaultName: defaultName, byKey: make(map[string]meeting.Speaker)}
}

// Resolve returns the speaker for key. An empty key is the default speaker.
func (s *Speakers) Resolve(key string) meeting.Speaker {
	if key == "" {
		key = defaultKey
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if sp, ok := s.byKey[key]; ok {
		return sp
	}
	name := fmt.Sprintf("Speaker %d", len(s.order)+1)
	if key == defaultKey && len(s.order) == 0 {
		name = s.defaultName
	}
	sp := meeting.Speaker{ID: meeting.NewID(), DisplayName: name, Identifier: key}
	s.byKey[key] = sp
	s.order = append(s.order, sp)
	return sp
}

// Default returns the speaker used for unattributed fragments.
func (s *Speakers) Default() meeting.Speaker {
	return s.Resolve("")
}

// List returns speakers in the order they were first observed.
func (s *Speakers) List() []meeting.Speaker {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]meeting.Speaker(nil), s.order...)
}

// Seed registers speakers already recorded on a meeting so numbering
// continues across recordings.
func (s *Speakers) Seed(existing []meeting.Speaker) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, sp := range existing {
		if sp.Identifier == "" {
			continue
		}
		if _, ok := s.byKey[sp.Identifier]; ok {
			continue
		}
		s.byKey[sp.Identifier] = sp
		s.order = append(s.order, sp)
	}
}
