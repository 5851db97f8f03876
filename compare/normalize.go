package compare

import (
	"strings"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

// foldMarks strips combining marks so "José" and "Jose" canonicalise to the
// same string.
var foldMarks = transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)

// Canonical lowercases, trims, and folds diacritics before comparison.
func Canonical(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	folded, _, err := transform.String(foldMarks, s)
	if err != nil {
		return s
	}
	return folded
}
