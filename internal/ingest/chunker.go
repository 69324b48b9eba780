package ingest

import (
	"fmt"
	"strings"
	"unicode/utf8"
)

// Passage is one token-bounded window over a document's content, carrying
// the byte range it was cut from so citations can point back into the
// source text.
type Passage struct {
	SequenceIndex int32
	Content       string
	TokenCount    int32
	ByteStart     int32
	ByteEnd       int32
}

// Chunker splits normalized document content into overlapping windows.
// Consecutive windows share roughly overlapTokens of trailing context so a
// sentence straddling a boundary is retrievable from either side.
type Chunker struct {
	maxTokens     int
	overlapTokens int
}

// NewChunker validates the window geometry. Overlap must leave room for the
// window to advance, otherwise chunking would never terminate.
func NewChunker(maxTokens, overlapTokens int) (*Chunker, error) {
	if maxTokens <= 0 {
		return nil, fmt.Errorf("chunk size must be positive, got %d", maxTokens)
	}
	if overlapTokens < 0 || overlapTokens >= maxTokens {
		return nil, fmt.Errorf("chunk overlap must be in [0, %d), got %d", maxTokens, overlapTokens)
	}
	return &Chunker{maxTokens: maxTokens, overlapTokens: overlapTokens}, nil
}

// Chunk splits content into passages. Sequence indexes are contiguous from
// zero and byte ranges cover the full span of the trimmed content, so the
// original text is reconstructible from the passages alone.
func (c *Chunker) Chunk(content string) []Passage {
	content = strings.TrimSpace(content)
	if content == "" {
		return nil
	}

	words := splitWords(content)
	if len(words) == 0 {
		return nil
	}

	var passages []Passage
	start := 0 // word index of the current window start
	for start < len(words) {
		// Grow the window while the span estimate stays within budget. The
		// budget is checked against the exact byte span that will be emitted,
		// separators included, so TokenCount never exceeds maxTokens.
		end := start
		runes := utf8.RuneCountInString(content[words[start].start:words[start].end])
		for end+1 < len(words) {
			grown := runes + utf8.RuneCountInString(content[words[end].end:words[end+1].end])
			if tokensForRunes(grown) > c.maxTokens {
				break
			}
			runes = grown
			end++
		}

		text := content[words[start].start:words[end].end]
		passages = append(passages, Passage{
			SequenceIndex: int32(len(passages)),
			Content:       text,
			TokenCount:    int32(tokensForRunes(runes)),
			ByteStart:     int32(words[start].start),
			ByteEnd:       int32(words[end].end),
		})

		if end+1 == len(words) {
			break
		}

		// Back up by the overlap budget, but always advance past the
		// previous window start. With a nonzero overlap the backup is at
		// least one word, so consecutive byte ranges always intersect and
		// the original text is recoverable from the passages alone.
		next := end + 1
		if c.overlapTokens > 0 {
			next = end
			runes = utf8.RuneCountInString(content[words[end].start:words[end].end])
			for next > start+1 {
				grown := runes + utf8.RuneCountInString(content[words[next-1].start:words[next].start])
				if tokensForRunes(grown) > c.overlapTokens {
					break
				}
				runes = grown
				next--
			}
		}
		start = next
	}
	return passages
}

type wordSpan struct {
	start, end int
}

// splitWords returns the byte spans of whitespace-separated words.
func splitWords(s string) []wordSpan {
	var spans []wordSpan
	inWord := false
	start := 0
	for i, r := range s {
		if r == ' ' || r == '\t' || r == '\n' || r == '\r' {
			if inWord {
				spans = append(spans, wordSpan{start: start, end: i})
				inWord = false
			}
			continue
		}
		if !inWord {
			start = i
			inWord = true
		}
	}
	if inWord {
		spans = append(spans, wordSpan{start: start, end: len(s)})
	}
	return spans
}

// estimateTokens provides a rough token count. Rune count divided by 2 is a
// conservative estimate for both English (~4 chars/token) and CJK
// (~1.5 chars/token) text. A word counts for at least one token.
func estimateTokens(text string) int {
	return tokensForRunes(utf8.RuneCountInString(text))
}

func tokensForRunes(n int) int {
	t := n / 2
	if t < 1 {
		return 1
	}
	return t
}
