package grading

import (
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/pavelanni/quizgen/internal/textnorm"
)

const (
	minContentRunes = 4
	partialScore    = 0.5
)

// stopWords are frequent words long enough to count as content words but
// carrying no meaning of their own.
var stopWords = map[string]bool{
	"about": true, "also": true, "been": true, "being": true, "does": true,
	"each": true, "from": true, "have": true, "into": true, "just": true,
	"more": true, "most": true, "only": true, "other": true, "some": true,
	"such": true, "than": true, "that": true, "their": true, "them": true,
	"then": true, "there": true, "these": true, "they": true, "this": true,
	"those": true, "very": true, "were": true, "what": true, "when": true,
	"where": true, "which": true, "while": true, "will": true, "with": true,
	"would": true, "your": true,
}

// FallbackScore grades a short answer without the model: 1 for a
// case-insensitive exact match, 0.5 when the answer shares any content word
// of four or more letters with the expected answer, 0 otherwise.
func FallbackScore(expected, answer string) float64 {
	expected = strings.TrimSpace(textnorm.Normalize(expected))
	answer = strings.TrimSpace(textnorm.Normalize(answer))
	if answer == "" {
		return 0
	}
	if strings.EqualFold(expected, answer) {
		return 1
	}
	have := make(map[string]bool)
	for _, w := range words(answer) {
		have[w] = true
	}
	for _, w := range contentWords(expected) {
		if have[w] {
			return partialScore
		}
	}
	return 0
}

func words(s string) []string {
	return strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
}

func contentWords(s string) []string {
	var out []string
	for _, w := range words(s) {
		if utf8.RuneCountInString(w) >= minContentRunes && !stopWords[w] {
			out = append(out, w)
		}
	}
	return out
}
