package retrieval

import (
	"strings"
	"unicode"
)

var stopwords = map[string]bool{
	"the": true, "a": true, "an": true, "is": true, "are": true,
	"was": true, "were": true, "do": true, "does": true, "did": true,
	"have": true, "has": true, "had": true, "be": true, "been": true,
	"will": true, "would": true, "could": true, "should": true, "can": true,
	"not": true, "and": true, "or": true, "but": true, "if": true,
	"as": true, "at": true, "by": true, "for": true, "from": true,
	"in": true, "into": true, "of": true, "on": true, "to": true,
	"with": true, "about": true, "it": true, "its": true, "this": true,
	"that": true, "what": true, "which": true, "who": true, "how": true,
	"when": true, "where": true, "why": true, "you": true, "me": true,
	"i": true, "my": true, "your": true, "we": true, "they": true,
	"tell": true,
}

// tokenize splits text into unique lowercase non-stopword tokens.
func tokenize(text string) []string {
	words := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	seen := make(map[string]bool)
	var tokens []string
	for _, w := range words {
		if len(w) < 2 || stopwords[w] || seen[w] {
			continue
		}
		seen[w] = true
		tokens = append(tokens, w)
	}
	return tokens
}

// termOverlap is the fraction of query terms present in text.
func termOverlap(queryTerms []string, text string) float64 {
	if len(queryTerms) == 0 {
		return 0
	}
	present := make(map[string]bool)
	for _, token := range tokenize(text) {
		present[token] = true
	}
	matched := 0
	for _, term := range queryTerms {
		if present[term] {
			matched++
		}
	}
	return float64(matched) / float64(len(queryTerms))
}

// Terms returns the unique content words of text, as used for reranking.
func Terms(text string) []string {
	return tokenize(text)
}
