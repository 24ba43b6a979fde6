package extractors

import (
	"strings"

	"golang.org/x/text/unicode/norm"
)

// zero-width and bidi controls commonly used to split words past naive filters
var invisibles = strings.NewReplacer(
	"\u200b", "",
	"\u200c", "",
	"\u200d", "",
	"\u2060", "",
	"\ufeff", "",
	"\u202e", "",
	"\u00ad", "",
)

// Normalize NFKC-folds s, strips invisible characters and lower-cases the result.
func Normalize(s string) string {
	if s == "" {
		return ""
	}
	return strings.ToLower(invisibles.Replace(norm.NFKC.String(s)))
}
