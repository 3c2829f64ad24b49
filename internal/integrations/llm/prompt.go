package llm

import (
	"fmt"
	"strings"

	"triagebot/internal/domain"
)

const systemPrompt = `You are an expert IT support assistant with expertise in all areas of IT.
You classify support tickets. Reply only with the requested lines, each in the form "- Key: Value".
Do not use markdown, highlighting or code blocks. Do not address the user.`

// BuildPrompts renders the system and user prompt for one ticket.
// similarityContext may be empty.
func BuildPrompts(taxonomy domain.Taxonomy, ticket domain.Ticket, similarityContext string) (string, string) {
	var b strings.Builder
	b.WriteString("Given the following ticket:\n")
	fmt.Fprintf(&b, "Title: %s\n", strings.TrimSpace(ticket.Title))
	fmt.Fprintf(&b, "Description: %s\n", strings.TrimSpace(ticket.Description))
	fmt.Fprintf(&b, "Module: %s\n", strings.TrimSpace(ticket.Module))
	if sev := strings.TrimSpace(ticket.Severity); sev != "" {
		fmt.Fprintf(&b, "Reported severity: %s\n", sev)
	}

	if ctx := strings.TrimSpace(similarityContext); ctx != "" {
		b.WriteString("\nSimilar past tickets, for reference only:\n")
		b.WriteString(ctx)
		b.WriteString("\n")
	}

	tiers := strings.Join(taxonomy.Tiers, ", ")
	b.WriteString("\nReturn exactly these lines:\n")
	b.WriteString("- Summary: the issue in about 50 to 75 words\n")
	fmt.Fprintf(&b, "- Triage: one of %s, ordered least to most urgent\n", tiers)
	fmt.Fprintf(&b, "- Category: one of %s\n", strings.Join(taxonomy.Categories, ", "))
	b.WriteString("- Solution: one or two sentences\n")
	b.WriteString("- Triage Reason: one sentence explaining the triage level\n")
	b.WriteString("- Category Reason: one sentence explaining the category\n")

	return systemPrompt, b.String()
}
