package chat

import (
	"unicode/utf8"

	"github.com/docsmith/docsmith/internal/retrieval"
)

// estimateTokens provides a rough token count. Rune count divided by 2 is a
// conservative estimate for both English (~4 chars/token) and CJK
// (~1.5 chars/token) text.
func estimateTokens(text string) int {
	return utf8.RuneCountInString(text) / 2
}

// fitToBudget keeps the highest-ranked passages whose combined token
// estimate stays within budget, truncating the lowest-ranked first. The
// first passage is always kept so an oversized top hit still grounds the
// answer.
func fitToBudget(passages []retrieval.RankedPassage, budget int) []retrieval.RankedPassage {
	if budget <= 0 || len(passages) == 0 {
		return passages
	}

	var kept []retrieval.RankedPassage
	used := 0
	for i, p := range passages {
		cost := estimateTokens(p.Content)
		if i > 0 && used+cost > budget {
			break
		}
		kept = append(kept, p)
		used += cost
	}
	return kept
}
