package classify

import (
	"fmt"
	"regexp"
	"strings"
	"unicode"
	"unicode/utf8"

	"ecalsync/internal/taxonomy"
)

// Rule maps a compiled pattern to a value. Rules are data: a dimension is an
// ordered []Rule evaluated by Matcher.
type Rule[T any] struct {
	ID      string
	Value   T
	Pattern *regexp.Regexp
}

// Matcher evaluates rules in declared order against folded text.
type Matcher[T any] struct {
	rules []Rule[T]
}

// NewMatcher keeps rules in the given priority order.
func NewMatcher[T any](rules ...Rule[T]) Matcher[T] {
	return Matcher[T]{rules: rules}
}

// Len returns the number of rules.
func (m Matcher[T]) Len() int { return len(m.rules) }

// Match tries each text in turn (title before description) and, within a
// text, each rule in priority order. The first hit wins; the returned index
// is the position of the text that matched.
func (m Matcher[T]) Match(texts ...string) (Rule[T], int, bool) {
	for i, text := range texts {
		if text == "" {
			continue
		}
		folded := taxonomy.Fold(text)
		for _, r := range m.rules {
			if r.Pattern.MatchString(folded) {
				return r, i, true
			}
		}
	}
	return Rule[T]{}, -1, false
}

// All returns every rule that matches text, in priority order, each at most
// once.
func (m Matcher[T]) All(text string) []Rule[T] {
	if text == "" {
		return nil
	}
	folded := taxonomy.Fold(text)
	var out []Rule[T]
	for _, r := range m.rules {
		if r.Pattern.MatchString(folded) {
			out = append(out, r)
		}
	}
	return out
}

// Strip removes every match of every rule from folded text.
func (m Matcher[T]) Strip(text string) string {
	folded := taxonomy.Fold(text)
	for _, r := range m.rules {
		folded = r.Pattern.ReplaceAllString(folded, " ")
	}
	return folded
}

// KeywordPattern turns keywords and raw patterns into one alternation over
// folded text. Keywords get \b on sides that start/end with a word character;
// emoji keywords match anywhere.
func KeywordPattern(keywords, patterns []string) (*regexp.Regexp, error) {
	alts := make([]string, 0, len(keywords)+len(patterns))
	for _, kw := range keywords {
		kw = taxonomy.Fold(kw)
		if kw == "" {
			continue
		}
		alt := regexp.QuoteMeta(kw)
		if first, _ := utf8.DecodeRuneInString(kw); isWordRune(first) {
			alt = `\b` + alt
		}
		if last, _ := utf8.DecodeLastRuneInString(kw); isWordRune(last) {
			alt += `\b`
		}
		alts = append(alts, alt)
	}
	for _, p := range patterns {
		alts = append(alts, "(?:"+p+")")
	}
	if len(alts) == 0 {
		return nil, fmt.Errorf("no keywords or patterns")
	}
	return regexp.Compile(strings.Join(alts, "|"))
}

// isWordRune mirrors RE2's \b notion of a word character (ASCII only);
// accented letters are already folded away before matching.
func isWordRune(r rune) bool {
	return r < unicode.MaxASCII && (r == '_' || unicode.IsLetter(r) || unicode.IsDigit(r))
}

// compileRules builds a Matcher from taxonomy keyword rules, converting each
// id with conv.
func compileRules[T any](section string, src []taxonomy.KeywordRule, conv func(taxonomy.KeywordRule) T) (Matcher[T], error) {
	rules := make([]Rule[T], 0, len(src))
	for _, r := range src {
		re, err := KeywordPattern(r.Keywords, r.Patterns)
		if err != nil {
			return Matcher[T]{}, fmt.Errorf("%s %q: %w", section, r.ID, err)
		}
		rules = append(rules, Rule[T]{ID: r.ID, Value: conv(r), Pattern: re})
	}
	return NewMatcher(rules...), nil
}
