package llm

import (
	"context"
	"errors"

	"github.com/rs/zerolog/log"

	"triagebot/internal/domain"
)

// Classifier turns a ticket into a Classification through one service
// call. It does not retry; that is the caller's job.
type Classifier struct {
	client   Client
	taxonomy domain.Taxonomy
}

func NewClassifier(client Client, taxonomy domain.Taxonomy) *Classifier {
	return &Classifier{client: client, taxonomy: taxonomy}
}

func (c *Classifier) Provider() string { return c.client.Provider() }
func (c *Classifier) Model() string    { return c.client.Model() }

// Classify makes one call for ticket. Errors are *Failure values, except
// that a cancelled ctx is returned as context.Canceled. A ctx deadline is
// a KindTimeout failure.
func (c *Classifier) Classify(ctx context.Context, ticket domain.Ticket, similarityContext string) (domain.Classification, Usage, error) {
	system, user := BuildPrompts(c.taxonomy, ticket, similarityContext)

	text, usage, err := c.client.Complete(ctx, system, user)
	if err != nil {
		if ctxErr := ctx.Err(); errors.Is(ctxErr, context.Canceled) {
			return domain.Classification{}, usage, ctxErr
		}
		return domain.Classification{}, usage, Classify(err)
	}
	if err := CheckReplyText(text); err != nil {
		return domain.Classification{}, usage, err
	}

	reply := ParseReply(text)
	result := domain.Classification{
		TicketID:       ticket.ID,
		Summary:        reply.Summary,
		Triage:         canonicalLabel(reply.Triage, c.taxonomy.Tiers),
		Category:       canonicalLabel(reply.Category, c.taxonomy.Categories),
		Solution:       reply.Solution,
		TriageReason:   reply.TriageReason,
		CategoryReason: reply.CategoryReason,
		Provider:       c.client.Provider(),
		Model:          c.client.Model(),
		MissingFields:  reply.Missing(),
	}.Normalized()

	if len(result.MissingFields) > 0 {
		log.Warn().
			Str("ticket_id", ticket.ID).
			Strs("missing_fields", result.MissingFields).
			Msg("reply is missing fields; storing them empty")
	}
	if result.Category != "" && !c.taxonomy.KnownCategory(result.Category) {
		log.Warn().Str("ticket_id", ticket.ID).Str("category", result.Category).Msg("reply category is outside the configured set")
	}
	if result.Triage != "" && c.taxonomy.TierRank(result.Triage) < 0 {
		log.Warn().Str("ticket_id", ticket.ID).Str("triage", result.Triage).Msg("reply triage is outside the configured tiers")
	}
	return result, usage, nil
}
