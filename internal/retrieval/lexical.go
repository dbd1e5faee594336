package retrieval

import (
	"strings"
	"unicode"
)

// tokenize lowercases the input and splits it on anything that is not a
// letter or digit, dropping single-character fragments.
func tokenize(text string) []string {
	fields := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	tokens := fields[:0]
	for _, f := range fields {
		if len(f) > 1 {
			tokens = append(tokens, f)
		}
	}
	return tokens
}

// termScore is the raw lexical relevance of text against the query terms:
// total term occurrences weighted by how many distinct query terms matched.
// A chunk containing all query terms outranks one repeating a single term.
// Zero means no overlap at all.
func termScore(queryTerms []string, text string) float64 {
	counts := make(map[string]int)
	for _, tok := range tokenize(text) {
		counts[tok]++
	}

	occurrences := 0
	matched := 0
	seen := make(map[string]bool, len(queryTerms))
	for _, term := range queryTerms {
		if seen[term] {
			continue
		}
		seen[term] = true
		if n := counts[term]; n > 0 {
			occurrences += n
			matched++
		}
	}
	if matched == 0 {
		return 0
	}
	coverage := float64(matched) / float64(len(seen))
	return float64(occurrences) * coverage
}
