package llm

import (
	"strings"
	"unicode"
)

// canonicalLabel maps a free-text label onto one of known. An exact
// case-insensitive match wins; otherwise the first known label that
// appears in value as a whole word or phrase is used, so "L2 (High)"
// becomes "L2". Values matching nothing are returned trimmed.
func canonicalLabel(value string, known []string) string {
	value = strings.TrimSpace(value)
	if value == "" {
		return ""
	}
	for _, label := range known {
		if strings.EqualFold(label, value) {
			return label
		}
	}

	words := strings.FieldsFunc(strings.ToLower(value), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r) && r != '&'
	})
	joined := " " + strings.Join(words, " ") + " "
	for _, label := range known {
		labelWords := strings.FieldsFunc(strings.ToLower(label), func(r rune) bool {
			return !unicode.IsLetter(r) && !unicode.IsDigit(r) && r != '&'
		})
		if len(labelWords) == 0 {
			continue
		}
		if strings.Contains(joined, " "+strings.Join(labelWords, " ")+" ") {
			return label
		}
	}
	return value
}
