package extract

import (
	"strings"
	"unicode"
)

// abbreviations end with a period without ending a sentence. Genealogical
// shorthand ("b.", "d.", "bapt.") is common in record transcriptions.
var abbreviations = map[string]bool{
	"b": true, "d": true, "m": true, "bur": true, "bapt": true, "chr": true,
	"c": true, "ca": true, "abt": true, "bef": true, "aft": true, "est": true,
	"jan": true, "feb": true, "mar": true, "apr": true, "jun": true, "jul": true,
	"aug": true, "sep": true, "sept": true, "oct": true, "nov": true, "dec": true,
	"mr": true, "mrs": true, "ms": true, "dr": true, "rev": true, "st": true,
	"jr": true, "sr": true, "co": true, "no": true, "vol": true, "p": true,
}

// SplitSentences splits text on sentence terminators and line breaks.
// A period after a known abbreviation or a single-letter initial does not
// end a sentence.
func SplitSentences(text string) []string {
	var out []string
	var cur strings.Builder
	flush := func() {
		if s := collapse(cur.String()); s != "" {
			out = append(out, s)
		}
		cur.Reset()
	}

	runes := []rune(text)
	for i, r := range runes {
		if r == '\n' {
			flush()
			continue
		}
		cur.WriteRune(r)
		if r != '.' && r != '!' && r != '?' {
			continue
		}
		if i+1 < len(runes) && !unicode.IsSpace(runes[i+1]) {
			continue
		}
		if r == '.' && abbreviated(cur.String()) {
			continue
		}
		flush()
	}
	flush()
	return out
}

// abbreviated reports whether s ends with an abbreviation and its period
func abbreviated(s string) bool {
	s = strings.TrimSuffix(s, ".")
	i := strings.LastIndexFunc(s, func(r rune) bool { return !unicode.IsLetter(r) })
	word := s[i+1:]
	if word == "" {
		return false
	}
	if len([]rune(word)) == 1 && unicode.IsUpper([]rune(word)[0]) {
		return true
	}
	return abbreviations[strings.ToLower(word)]
}
