package storage

import "strings"

// JoinFields and SplitFields encode the missing-field list stored in
// ticket_metrics.
func JoinFields(fields []string) string {
	return strings.Join(fields, ",")
}

func SplitFields(s string) []string {
	var out []string
	for _, f := range strings.Split(s, ",") {
		if f = strings.TrimSpace(f); f != "" {
			out = append(out, f)
		}
	}
	return out
}

// Flag renders a boolean progress flag the way the metrics table stores it.
func Flag(b bool) string {
	if b {
		return "Y"
	}
	return "N"
}
