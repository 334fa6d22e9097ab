package postprocess

import (
	"strings"
	"unicode"

	"github.com/antzucaro/matchr"
)

const (
	phoneticThreshold = 0.80
	fuzzyThreshold    = 0.92
)

// MatchKeywords returns the keywords found in text. A case-insensitive
// substring match always counts. Otherwise each window of transcript tokens
// as long as the keyword is compared phonetically (Double Metaphone) and by
// Jaro-Winkler similarity, which catches recognizer misspellings of names.
func MatchKeywords(text string, keywords []string) []string {
	if len(keywords) == 0 || strings.TrimSpace(text) == "" {
		return nil
	}
	lower := strings.ToLower(text)
	tokens := tokenize(lower)

	var matched []string
	for _, kw := range keywords {
		k := strings.ToLower(strings.TrimSpace(kw))
		if k == "" {
			continue
		}
		if strings.Contains(lower, k) || fuzzyMatch(tokens, tokenize(k)) {
			matched = append(matched, kw)
		}
	}
	return matched
}

func tokenize(s string) []string {
	return strings.FieldsFunc(s, func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsNumber(r) && r != '\''
	})
}

func fuzzyMatch(text, keyword []string) bool {
	n := len(keyword)
	if n == 0 || len(text) < n {
		return false
	}
	kwJoined := strings.Join(keyword, "")
	kwCodes := metaphoneCodes(keyword)

	for i := 0; i+n <= len(text); i++ {
		window := text[i : i+n]
		joined := strings.Join(window, "")
		// Very short tokens produce too many phonetic collisions.
		if len([]rune(joined)) < 3 {
			continue
		}
		score := matchr.JaroWinkler(joined, kwJoined, false)
		if score >= fuzzyThreshold {
			return true
		}
		if score >= phoneticThreshold && sameCodes(metaphoneCodes(window), kwCodes) {
			return true
		}
	}
	return false
}

// codes returns the primary Double Metaphone code of each token.
func metaphoneCodes(tokens []string) []string {
	out := make([]string, len(tokens))
	for i, t := range tokens {
		out[i], _ = matchr.DoubleMetaphone(t)
	}
	return out
}

func sameCodes(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] == "" || a[i] != b[i] {
			return false
		}
	}
	return true
}
