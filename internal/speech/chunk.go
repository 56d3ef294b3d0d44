package speech

import (
	"strings"
	"unicode/utf8"
)

// DefaultMaxChunkLength bounds a single utterance. Long utterances get cut
// off by some speech platforms.
const DefaultMaxChunkLength = 200

// Chunk packs the sentences of normalized text into chunks shorter than
// maxLength. Sentences are accumulated while the combined length (separator
// not counted) stays strictly below maxLength. A sentence that does not fit
// starts a new chunk, so a sentence longer than maxLength is emitted alone.
// Lengths are counted in runes, not UTF-16 code units as a browser would,
// so text outside the Basic Multilingual Plane packs more per chunk here.
func Chunk(text string, maxLength int) []string {
	if maxLength <= 0 {
		maxLength = DefaultMaxChunkLength
	}

	var (
		chunks  []string
		current string
	)
	for _, sentence := range strings.Split(text, SentenceSeparator) {
		if utf8.RuneCountInString(current)+utf8.RuneCountInString(sentence) < maxLength {
			if current != "" {
				current += SentenceSeparator
			}
			current += sentence
			continue
		}
		if current != "" {
			chunks = append(chunks, current)
		}
		current = sentence
	}
	if current != "" {
		chunks = append(chunks, current)
	}
	return chunks
}
