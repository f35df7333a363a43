package transcript

import (
	"strings"

	"github.com/loqalabs/loqa-scribe/internal/meeting"
)

// Block is a run of consecutive segments from one speaker.
type Block struct {
	Speaker  *meeting.Speaker
	Segments []meeting.TranscriptSegment
}

func Group(segments []meeting.TranscriptSegment) []Block {
	var blocks []Block
	for _, seg := range segments {
		if n := len(blocks); n > 0 && sameSpeaker(blocks[n-1].Speaker, seg.Speaker) {
			blocks[n-1].Segments = append(blocks[n-1].Segments, seg)
			continue
		}
		blocks = append(blocks, Block{Speaker: seg.Speaker, Segments: []meeting.TranscriptSegment{seg}})
	}
	return blocks
}

func sameSpeaker(a, b *meeting.Speaker) bool {
	if a == nil || b == nil {
		return a == b
	}
	return a.ID == b.ID
}

// SpeakerCount counts distinct attributed speakers.
func SpeakerCount(segments []meeting.TranscriptSegment) int {
	seen := make(map[string]struct{})
	for _, seg := range segments {
		if seg.Speaker != nil {
			seen[seg.Speaker.ID] = struct{}{}
		}
	}
	return len(seen)
}

func WordCount(segments []meeting.TranscriptSegment) int {
	n := 0
	for _, seg := range segments {
		n += len(strings.Fields(seg.Text))
	}
	return n
}
