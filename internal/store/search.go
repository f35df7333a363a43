package store

import (
	"strings"

	"github.com/loqalabs/loqa-scribe/internal/meeting"
)

// Search returns meetings whose searchable text contains query, newest
// first. Index entries are built on demand for meetings that lack one.
func (s *Store) Search(query string) []meeting.Meeting {
	q := strings.ToLower(strings.TrimSpace(query))
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []meeting.Meeting
	for _, m := range s.sortedLocked() {
		if q != "" && !strings.Contains(s.indexLocked(m), q) {
			continue
		}
		out = append(out, m.Clone())
	}
	return out
}

// Indexed reports how many search entries are currently built.
func (s *Store) Indexed() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.search)
}

func (s *Store) indexLocked(m meeting.Meeting) string {
	if text, ok := s.search[m.ID]; ok {
		return text
	}
	text := searchText(m)
	s.search[m.ID] = text
	return text
}

func searchText(m meeting.Meeting) string {
	parts := []string{m.Title, m.Location, m.Analysis.Summary}
	parts = append(parts, m.Participants...)
	parts = append(parts, m.Tags...)
	if m.Transcript.FullText != "" {
		parts = append(parts, m.Transcript.FullText)
	} else {
		for _, seg := range m.Transcript.Segments {
			parts = append(parts, seg.Text)
		}
	}
	parts = append(parts, m.HandwritingText())
	return strings.ToLower(strings.Join(parts, " "))
}
