package logprob

import (
	"strings"
	"unicode"
)

const punctuation = "!\"#$%&'()*+,-./:;<=>?@[\\]^_`{|}~"

// IsWhitespace reports whether token is non-empty and entirely whitespace.
func IsWhitespace(token string) bool {
	if token == "" {
		return false
	}
	return strings.TrimFunc(token, unicode.IsSpace) == ""
}

// IsPunctuation reports whether token, ignoring whitespace, consists only of
// ASCII punctuation.
func IsPunctuation(token string) bool {
	trimmed := strings.Join(strings.Fields(token), "")
	if trimmed == "" {
		return false
	}
	for _, r := range trimmed {
		if !strings.ContainsRune(punctuation, r) {
			return false
		}
	}
	return true
}

// NextLowConfidence walks from start in direction (+1 or -1) and returns the
// index of the first token whose prob is below threshold. A negative start
// begins at the first (direction > 0) or last token. ok is false when no
// such token exists.
func NextLowConfidence(tokens []TokenLP, start, direction int, threshold float64) (idx int, ok bool) {
	if len(tokens) == 0 || direction == 0 {
		return 0, false
	}
	if direction > 0 {
		direction = 1
	} else {
		direction = -1
	}

	begin := start + direction
	if start < 0 {
		begin = 0
		if direction < 0 {
			begin = len(tokens) - 1
		}
	}
	for i := begin; i >= 0 && i < len(tokens); i += direction {
		if tokens[i].Prob < threshold {
			return i, true
		}
	}
	return 0, false
}

// BranchPrefix returns the text of tokens before index followed by
// replacement: the continuation point for exploring an alternative.
func BranchPrefix(tokens []TokenLP, index int, replacement string) string {
	index = clampInt(index, 0, len(tokens))
	var sb strings.Builder
	for _, t := range tokens[:index] {
		sb.WriteString(t.Token)
	}
	sb.WriteString(replacement)
	return sb.String()
}
