package llm

import (
	"strings"
	"unicode/utf8"
)

// MaxFieldLength caps every parsed value, counted in characters.
const MaxFieldLength = 200

const (
	FieldSummary        = "summary"
	FieldTriage         = "triage"
	FieldCategory       = "category"
	FieldSolution       = "solution"
	FieldTriageReason   = "triage_reason"
	FieldCategoryReason = "category_reason"
)

// ExpectedFields is the canonical reply schema, in prompt order.
var ExpectedFields = []string{
	FieldSummary,
	FieldTriage,
	FieldCategory,
	FieldSolution,
	FieldTriageReason,
	FieldCategoryReason,
}

// Keys are matched after normalizeKey, so "Triage Level", "triage-level"
// and "TRIAGE_LEVEL" all land on the same entry.
var fieldAliases = map[string]string{
	"summary":        FieldSummary,
	"triage":         FieldTriage,
	"triagelevel":    FieldTriage,
	"priority":       FieldTriage,
	"category":       FieldCategory,
	"solution":       FieldSolution,
	"triagereason":   FieldTriageReason,
	"priorityreason": FieldTriageReason,
	"categoryreason": FieldCategoryReason,
}

// Reply holds the fields extracted from one service reply. Absent fields
// are empty strings.
type Reply struct {
	Summary        string
	Triage         string
	Category       string
	Solution       string
	TriageReason   string
	CategoryReason string

	seen map[string]bool
}

// Missing lists the expected fields the reply did not contain.
func (r Reply) Missing() []string {
	var missing []string
	for _, field := range ExpectedFields {
		if !r.seen[field] {
			missing = append(missing, field)
		}
	}
	return missing
}

func (r *Reply) set(field, value string) {
	switch field {
	case FieldSummary:
		r.Summary = value
	case FieldTriage:
		r.Triage = value
	case FieldCategory:
		r.Category = value
	case FieldSolution:
		r.Solution = value
	case FieldTriageReason:
		r.TriageReason = value
	case FieldCategoryReason:
		r.CategoryReason = value
	default:
		return
	}
	if r.seen == nil {
		r.seen = make(map[string]bool, len(ExpectedFields))
	}
	r.seen[field] = true
}

// ParseReply reads "- Key: Value" lines out of text. Any other line is
// ignored, unknown keys are ignored, and a repeated key keeps its last
// value. It never fails.
func ParseReply(text string) Reply {
	var reply Reply
	for _, line := range strings.Split(text, "\n") {
		line = strings.TrimSpace(line)
		rest, ok := strings.CutPrefix(line, "-")
		if !ok {
			continue
		}
		key, value, ok := strings.Cut(rest, ":")
		if !ok {
			continue
		}
		field, ok := fieldAliases[normalizeKey(key)]
		if !ok {
			continue
		}
		reply.set(field, truncate(cleanValue(value), MaxFieldLength))
	}
	return reply
}

func normalizeKey(key string) string {
	return strings.Map(func(r rune) rune {
		switch r {
		case ' ', '\t', '-', '_', '*':
			return -1
		}
		return r
	}, strings.ToLower(key))
}

func cleanValue(value string) string {
	return strings.TrimSpace(strings.Trim(strings.TrimSpace(value), "*"))
}

func truncate(value string, limit int) string {
	if utf8.RuneCountInString(value) <= limit {
		return value
	}
	runes := []rune(value)
	return strings.TrimSpace(string(runes[:limit]))
}
