package session

import "strings"

// sentence boundary runes: latin punctuation, newline, and the Devanagari
// danda used by several supported locales.
var sentenceDelimiters = []rune{'.', '?', '!', '\n', '।', '。', '؟'}

// SentenceSplitter buffers generation fragments and cuts complete sentences
// at boundary punctuation. Text stuck without a boundary is released by the
// coordinator's flush timeout instead.
type SentenceSplitter struct {
	buf strings.Builder
}

func isDelimiter(r rune) bool {
	for _, d := range sentenceDelimiters {
		if r == d {
			return true
		}
	}
	return false
}

// Add appends a fragment and returns any complete sentences it finished.
func (s *SentenceSplitter) Add(fragment string) []string {
	s.buf.WriteString(fragment)
	text := s.buf.String()

	var sentences []string
	start := 0
	for i, r := range text {
		if isDelimiter(r) {
			sentence := strings.TrimSpace(text[start : i+len(string(r))])
			if sentence != "" {
				sentences = append(sentences, sentence)
			}
			start = i + len(string(r))
		}
	}
	s.buf.Reset()
	s.buf.WriteString(text[start:])
	return sentences
}

// Flush releases whatever is buffered, boundary or not. Used on the flush
// timeout and at end of generation.
func (s *SentenceSplitter) Flush() string {
	out := strings.TrimSpace(s.buf.String())
	s.buf.Reset()
	return out
}

// Pending reports whether unreleased text is buffered.
func (s *SentenceSplitter) Pending() bool {
	return strings.TrimSpace(s.buf.String()) != ""
}
