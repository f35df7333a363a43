package transcript

import (
	"strings"
	"unicode"

	"github.com/loqalabs/loqa-scribe/internal/config"
	"github.com/loqalabs/loqa-scribe/internal/meeting"
)

// Policy holds the paragraph boundary heuristics.
type Policy struct {
	TopicPhrases      []string
	AnswerTokens      []string
	MaxFragments      int
	WordThreshold     int
	LongFragmentCount int
}

func PolicyFromConfig(cfg config.FormatterConfig) Policy {
	return Policy{
		TopicPhrases:      lowerAll(cfg.TopicPhrases),
		AnswerTokens:      lowerAll(cfg.AnswerTokens),
		MaxFragments:      cfg.MaxFragments,
		WordThreshold:     cfg.WordThreshold,
		LongFragmentCount: cfg.LongFragmentCount,
	}
}

func DefaultPolicy() Policy {
	return PolicyFromConfig(config.Default().Formatter)
}

// Formatter groups finalized fragments into paragraphs.
type Formatter struct {
	policy Policy
}

func NewFormatter(policy Policy) *Formatter {
	if policy.MaxFragments <= 0 {
		policy.MaxFragments = 4
	}
	if policy.LongFragmentCount <= 0 {
		policy.LongFragmentCount = 2
	}
	if policy.WordThreshold <= 0 {
		policy.WordThreshold = 30
	}
	return &Formatter{policy: policy}
}

// Paragraphs applies the boundary rules in order: an unanswered question,
// a topic-change opener, then paragraph size.
func (f *Formatter) Paragraphs(fragments []string) []string {
	var (
		paragraphs []string
		current    []string
		words      int
	)
	flush := func() {
		if len(current) == 0 {
			return
		}
		paragraphs = append(paragraphs, joinFragments(current))
		current = nil
		words = 0
	}
	for _, frag := range fragments {
		frag = strings.TrimSpace(frag)
		if frag == "" {
			continue
		}
		if len(current) > 0 && f.shouldBreak(current, words, frag) {
			flush()
		}
		current = append(current, frag)
		words += len(strings.Fields(frag))
	}
	flush()
	return paragraphs
}

// Format renders fragments as paragraphs separated by a blank line.
func (f *Formatter) Format(fragments []string) string {
	return strings.Join(f.Paragraphs(fragments), "\n\n")
}

func (f *Formatter) shouldBreak(current []string, words int, next string) bool {
	last := current[len(current)-1]
	if strings.HasSuffix(last, "?") && !startsWithAny(next, f.policy.AnswerTokens) {
		return true
	}
	if startsWithAny(next, f.policy.TopicPhrases) {
		return true
	}
	if len(current) >= f.policy.MaxFragments {
		return true
	}
	return len(current) >= f.policy.LongFragmentCount && words >= f.policy.WordThreshold
}

// Render produces the transcript full text. Blocks get a speaker header when
// more than one speaker took part.
func (f *Formatter) Render(segments []meeting.TranscriptSegment) string {
	blocks := Group(segments)
	multi := SpeakerCount(segments) > 1
	parts := make([]string, 0, len(blocks))
	for _, block := range blocks {
		texts := make([]string, 0, len(block.Segments))
		for _, seg := range block.Segments {
			texts = append(texts, seg.Text)
		}
		body := f.Format(texts)
		if body == "" {
			continue
		}
		if multi && block.Speaker != nil {
			body = block.Speaker.DisplayName + ":\n" + body
		}
		parts = append(parts, body)
	}
	return strings.Join(parts, "\n\n")
}

func joinFragments(fragments []string) string {
	var b strings.Builder
	for i, frag := range fragments {
		if i > 0 {
			prev := b.String()
			if endsWithTerminal(prev) {
				frag = strings.TrimLeftFunc(frag, func(r rune) bool {
					return isTerminal(r) || unicode.IsSpace(r)
				})
				if frag == "" {
					continue
				}
			}
			b.WriteByte(' ')
		}
		b.WriteString(frag)
	}
	return b.String()
}

func endsWithTerminal(s string) bool {
	s = strings.TrimRightFunc(s, unicode.IsSpace)
	if s == "" {
		return false
	}
	return isTerminal(rune(s[len(s)-1]))
}

func isTerminal(r rune) bool {
	return r == '.' || r == '!' || r == '?'
}

// startsWithAny reports whether text opens with one of phrases on a word
// boundary, ignoring case and leading punctuation.
func startsWithAny(text string, phrases []string) bool {
	text = strings.ToLower(strings.TrimLeftFunc(text, func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	}))
	for _, p := range phrases {
		if p == "" || !strings.HasPrefix(text, p) {
			continue
		}
		rest := text[len(p):]
		if rest == "" {
			return true
		}
		r := []rune(rest)[0]
		if !unicode.IsLetter(r) && !unicode.IsDigit(r) && r != '\'' {
			return true
		}
	}
	return false
}

func lowerAll(in []string) []string {
	out := make([]string, 0, len(in))
	for _, s := range in {
		if s = strings.ToLower(strings.TrimSpace(s)); s != "" {
			out = append(out, s)
		}
	}
	return out
}
