package taxonomy

import (
	"regexp"
	"strings"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

var spaceRun = regexp.MustCompile(`\s+`)

// Fold lowercases s, strips diacritics and variation selectors and collapses
// whitespace, so "Hóquei  em Patins" and "hoquei em patins" compare equal.
func Fold(s string) string {
	t := transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	out, _, err := transform.String(t, s)
	if err != nil {
		out = s
	}
	out = strings.ToLower(out)
	out = spaceRun.ReplaceAllString(out, " ")
	return strings.TrimSpace(out)
}

var punct = regexp.MustCompile(`[^\p{L}\p{N}\s]+`)

// FoldKey is Fold with punctuation replaced by spaces; used for dictionary
// lookups where "Liga Portugal - Betclic" and "liga portugal betclic" must
// collide.
func FoldKey(s string) string {
	s = punct.ReplaceAllString(Fold(s), " ")
	s = spaceRun.ReplaceAllString(s, " ")
	return strings.TrimSpace(s)
}
