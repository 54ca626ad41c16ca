package consolidate

import (
	"sort"
	"strings"
)

const (
	maxSummarySentences = 3
	maxKeyPoints        = 5

	// summaryMinScore is the minimum sentence score for inclusion in the
	// executive summary.
	summaryMinScore = 2
)

// compressContent builds the consolidated content from the concatenated
// member text. Keyword-bearing sentences are kept verbatim first, in original
// order; the remaining budget is filled with the longest leftover sentences
// (longer sentences carry more information). The budget may be overshot by at
// most the final appended sentence.
func compressContent(concatenated string, ratio float64, keywords []string) string {
	targetLen := int(float64(len(concatenated)) * ratio)
	sentences := splitSentences(concatenated)
	if len(sentences) == 0 {
		return ""
	}

	var keywordBearing, remaining []string
	for _, s := range sentences {
		if containsKeyword(s, keywords) {
			keywordBearing = append(keywordBearing, s)
		} else {
			remaining = append(remaining, s)
		}
	}

	// Stable sort keeps the original order among equal-length sentences.
	sort.SliceStable(remaining, func(i, j int) bool {
		return len(remaining[i]) > len(remaining[j])
	})

	// A zero target still admits the first sentence; compression never
	// empties non-empty content.
	var kept []string
	running := 0
	for _, s := range append(keywordBearing, remaining...) {
		if running > targetLen {
			break
		}
		kept = append(kept, s)
		running += len(s) + 2 // account for the ". " join
	}

	if len(kept) == 0 {
		return ""
	}
	return strings.Join(kept, ". ") + "."
}

// buildSummary extracts an executive summary of up to three sentences from
// the compressed content. Sentences score +2 for a preserve keyword, +1 for a
// length between 50 and 150 characters, and +1 for containing a digit; only
// sentences scoring at least 2 qualify. When nothing qualifies, the first
// sentence stands in.
func buildSummary(content string, keywords []string) string {
	sentences := splitSentences(content)
	if len(sentences) == 0 {
		return ""
	}

	type scored struct {
		index int
		score int
	}
	var candidates []scored
	for i, s := range sentences {
		score := 0
		if containsKeyword(s, keywords) {
			score += 2
		}
		if len(s) >= 50 && len(s) <= 150 {
			score++
		}
		if strings.ContainsAny(s, "0123456789") {
			score++
		}
		if score >= summaryMinScore {
			candidates = append(candidates, scored{index: i, score: score})
		}
	}

	if len(candidates) == 0 {
		return sentences[0] + "."
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		return candidates[i].score > candidates[j].score
	})
	if len(candidates) > maxSummarySentences {
		candidates = candidates[:maxSummarySentences]
	}

	// Present the selected sentences in their original order.
	sort.Slice(candidates, func(i, j int) bool {
		return candidates[i].index < candidates[j].index
	})

	parts := make([]string, len(candidates))
	for i, c := range candidates {
		parts[i] = sentences[c.index]
	}
	return strings.Join(parts, ". ") + "."
}

// extractKeyPoints returns the keyword-bearing sentences of the full
// concatenated text, deduplicated, in order of first appearance, capped at
// five.
func extractKeyPoints(concatenated string, keywords []string) []string {
	seen := make(map[string]struct{})
	var points []string

	for _, s := range splitSentences(concatenated) {
		if !containsKeyword(s, keywords) {
			continue
		}
		normalized := strings.ToLower(s)
		if _, dup := seen[normalized]; dup {
			continue
		}
		seen[normalized] = struct{}{}
		points = append(points, s)
		if len(points) == maxKeyPoints {
			break
		}
	}
	return points
}

// splitSentences partitions text on periods, trimming whitespace and
// dropping empty fragments.
func splitSentences(text string) []string {
	parts := strings.Split(text, ".")
	sentences := make([]string, 0, len(parts))
	for _, p := range parts {
		s := strings.TrimSpace(p)
		if s != "" {
			sentences = append(sentences, s)
		}
	}
	return sentences
}

func containsKeyword(sentence string, keywords []string) bool {
	lower := strings.ToLower(sentence)
	for _, kw := range keywords {
		if kw == "" {
			continue
		}
		if strings.Contains(lower, strings.ToLower(kw)) {
			return true
		}
	}
	return false
}
