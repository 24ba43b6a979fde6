package extractors

import "strings"

// Lexicon matches normalised text against a fixed list of suspicion terms.
type Lexicon struct {
	terms []string
}

// NewLexicon builds a Lexicon; blank and duplicate terms are dropped, order is preserved.
func NewLexicon(terms []string) *Lexicon {
	seen := make(map[string]struct{}, len(terms))
	cleaned := make([]string, 0, len(terms))
	for _, term := range terms {
		term = Normalize(strings.TrimSpace(term))
		if term == "" {
			continue
		}
		if _, ok := seen[term]; ok {
			continue
		}
		seen[term] = struct{}{}
		cleaned = append(cleaned, term)
	}
	return &Lexicon{terms: cleaned}
}

// Scan returns the lexicon terms found as substrings of text, in lexicon order.
func (l *Lexicon) Scan(text string) []string {
	if l == nil || text == "" {
		return nil
	}
	normalized := Normalize(text)
	var hits []string
	for _, term := range l.terms {
		if strings.Contains(normalized, term) {
			hits = append(hits, term)
		}
	}
	return hits
}
