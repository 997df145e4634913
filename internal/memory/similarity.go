package memory

import (
	"math"
	"sort"
	"strings"
)

// cosine returns the cosine similarity of a and b, or 0 when the vectors are
// empty, differ in length, or either has zero magnitude.
func cosine(a, b []float32) float64 {
	if len(a) == 0 || len(a) != len(b) {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		x, y := float64(a[i]), float64(b[i])
		dot += x * y
		na += x * x
		nb += y * y
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}

// termOverlap is the fraction of distinct query terms present in text.
func termOverlap(queryTerms []string, text string) float64 {
	if len(queryTerms) == 0 {
		return 0
	}
	words := tokenize(text)
	set := make(map[string]bool, len(words))
	for _, w := range words {
		set[w] = true
	}
	matched := 0
	for _, t := range queryTerms {
		if set[t] {
			matched++
		}
	}
	return float64(matched) / float64(len(queryTerms))
}

// uniqueTerms tokenizes text and drops repeats, keeping first-seen order.
func uniqueTerms(text string) []string {
	words := tokenize(text)
	seen := make(map[string]bool, len(words))
	out := words[:0]
	for _, w := range words {
		if !seen[w] {
			seen[w] = true
			out = append(out, w)
		}
	}
	return out
}

// tokenize splits text into lowercase word tokens.
func tokenize(text string) []string {
	fields := strings.FieldsFunc(text, func(r rune) bool {
		return !((r >= 'a' && r <= 'z') ||
			(r >= 'A' && r <= 'Z') ||
			(r >= '0' && r <= '9') ||
			r == '_' || r == '-' ||
			r > 127) // keep unicode chars
	})
	result := make([]string, 0, len(fields))
	for _, f := range fields {
		w := strings.ToLower(f)
		if len(w) > 1 { // skip single chars
			result = append(result, w)
		}
	}
	return result
}

// scoreEntry rates e against a query. Cosine is used when both sides carry
// embeddings of the same size, term overlap otherwise.
func scoreEntry(queryTerms []string, queryVec []float32, e *Entry) float64 {
	if len(queryVec) > 0 && len(e.Embedding) == len(queryVec) {
		return cosine(queryVec, e.Embedding)
	}
	return termOverlap(queryTerms, e.Content)
}

// sortResults orders by score descending, newest first on ties.
func sortResults(results []QueryResult) {
	sort.SliceStable(results, func(i, j int) bool {
		if results[i].Score != results[j].Score {
			return results[i].Score > results[j].Score
		}
		return results[i].Entry.Timestamp.After(results[j].Entry.Timestamp)
	})
}

// estimateTokens gives a rough token count (~4 chars per token).
func estimateTokens(s string) int {
	n := len(s) / 4
	if n < 1 {
		return 1
	}
	return n
}
