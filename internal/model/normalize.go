package model

import (
	"strings"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

// NormalizeText folds text for comparison: compatibility decomposition,
// diacritics removed, lowercase, punctuation turned into spaces, whitespace
// collapsed. "Zoë  O'Brien" and "zoe o brien" normalize identically.
func NormalizeText(s string) string {
	t := transform.Chain(norm.NFKD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	folded, _, err := transform.String(t, s)
	if err != nil {
		folded = s
	}

	var b strings.Builder
	b.Grow(len(folded))
	space := true
	for _, r := range folded {
		switch {
		case unicode.IsLetter(r) || unicode.IsDigit(r):
			b.WriteRune(unicode.ToLower(r))
			space = false
		default:
			if !space {
				b.WriteByte(' ')
				space = true
			}
		}
	}
	return strings.TrimSpace(b.String())
}

// Tokens returns the normalized tokens of s
func Tokens(s string) []string {
	return strings.Fields(NormalizeText(s))
}

// NormalizeValue canonicalizes a claim value for grouping competing values.
// Date fields are parsed into their canonical interval form so "Feb 1977"
// and "1977-02" are the same value.
func NormalizeValue(field Field, value string) string {
	if field.IsDate() {
		if iv, ok := ParseDate(value); ok {
			return iv.String()
		}
	}
	return NormalizeText(value)
}
