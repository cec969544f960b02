package embedding

import (
	"strings"
	"unicode"
)

// Terms lowercases text and splits it into letter/digit runs. Decimal points inside
// numbers are kept so lab values like "13.5" stay one term.
func Terms(text string) []string {
	var (
		terms []string
		b     strings.Builder
	)
	runes := []rune(strings.ToLower(text))
	flush := func() {
		if b.Len() > 0 {
			terms = append(terms, b.String())
			b.Reset()
		}
	}
	for i, r := range runes {
		switch {
		case unicode.IsLetter(r) || unicode.IsDigit(r):
			b.WriteRune(r)
		case r == '.' && b.Len() > 0 && i+1 < len(runes) && unicode.IsDigit(runes[i+1]) && unicode.IsDigit(runes[i-1]):
			b.WriteRune(r)
		default:
			flush()
		}
	}
	flush()
	return terms
}

// HashString returns a deterministic non-negative hash of s.
func HashString(s string) int {
	h := 0
	for _, c := range s {
		h = 31*h + int(c)
	}
	if h < 0 {
		h = -h
	}
	return h
}
