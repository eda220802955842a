package persona

import (
	"regexp"
	"sort"
	"strings"
	"sync"
	"unicode"

	"github.com/MrWong99/terracetalk/pkg/store"
)

// substRegexCache caches compiled substitution patterns; vocabularies are
// small and stable per persona, so the cache stays bounded in practice.
var substRegexCache sync.Map // string -> *regexp.Regexp

// EnforceVocabulary applies the persona's substitution map to generated text.
//
// Replacement is case-preserving: an all-caps occurrence yields an all-caps
// replacement and a leading capital is kept. Alphabetic keys match whole
// words only, so "Spurs" never rewrites "Spursy" mid-word. Longer keys are
// applied first so overlapping entries behave deterministically. The
// operation is idempotent as long as no replacement value itself contains a
// substitution key.
func EnforceVocabulary(text string, rules store.VocabularyRules) string {
	if len(rules.Substitutions) == 0 {
		return text
	}

	keys := make([]string, 0, len(rules.Substitutions))
	for k := range rules.Substitutions {
		if strings.TrimSpace(k) != "" {
			keys = append(keys, k)
		}
	}
	sort.Slice(keys, func(i, j int) bool {
		if len(keys[i]) != len(keys[j]) {
			return len(keys[i]) > len(keys[j])
		}
		return keys[i] < keys[j]
	})

	for _, from := range keys {
		to := rules.Substitutions[from]
		re := substPattern(from)
		text = re.ReplaceAllStringFunc(text, func(m string) string {
			return matchCase(m, to)
		})
	}
	return text
}

// substPattern compiles (and caches) the case-insensitive pattern for one
// substitution key. Word boundaries are applied only on alphabetic edges so
// keys with punctuation still match.
func substPattern(key string) *regexp.Regexp {
	if cached, ok := substRegexCache.Load(key); ok {
		return cached.(*regexp.Regexp)
	}

	pattern := regexp.QuoteMeta(key)
	runes := []rune(key)
	if unicode.IsLetter(runes[0]) {
		pattern = `\b` + pattern
	}
	if unicode.IsLetter(runes[len(runes)-1]) {
		pattern += `\b`
	}
	re := regexp.MustCompile(`(?i)` + pattern)

	substRegexCache.Store(key, re)
	return re
}

// matchCase transfers the case shape of the matched occurrence onto the
// replacement: all-caps stays all-caps, a leading capital is kept, anything
// else uses the replacement verbatim.
func matchCase(match, replacement string) string {
	if replacement == "" {
		return ""
	}
	if match == strings.ToUpper(match) && strings.ContainsFunc(match, unicode.IsLetter) && len(match) > 1 {
		return strings.ToUpper(replacement)
	}
	first := []rune(match)[0]
	if unicode.IsUpper(first) {
		r := []rune(replacement)
		r[0] = unicode.ToUpper(r[0])
		return string(r)
	}
	return replacement
}
