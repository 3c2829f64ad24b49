package similarity

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/jellydator/ttlcache/v3"

	"triagebot/internal/domain"
)

// NoMatchesText is the context rendered when nothing is similar enough.
const NoMatchesText = "No highly similar tickets found."

// FormatContext renders matches as prompt context blocks.
func FormatContext(matches []Match) string {
	if len(matches) == 0 {
		return NoMatchesText
	}
	blocks := make([]string, 0, len(matches))
	for _, m := range matches {
		var b strings.Builder
		fmt.Fprintf(&b, "--- Context from Ticket %s ---\n", m.Ref.ID)
		fmt.Fprintf(&b, "Title: %s\n", orNA(m.Ref.Title))
		summary := m.Ref.Summary
		if strings.TrimSpace(summary) == "" {
			summary = m.Ref.Description
		}
		fmt.Fprintf(&b, "Summary: %s\n", orNA(summary))
		fmt.Fprintf(&b, "Triage: %s\n", orNA(m.Ref.Triage))
		fmt.Fprintf(&b, "Category: %s\n", orNA(m.Ref.Category))
		fmt.Fprintf(&b, "Status: %s\n", orNA(m.Ref.Status))
		if m.Ref.Solution != "" {
			fmt.Fprintf(&b, "Solution: %s\n", m.Ref.Solution)
		}
		fmt.Fprintf(&b, "(Similarity Score: %.2f)", m.Score)
		blocks = append(blocks, b.String())
	}
	return strings.Join(blocks, "\n\n")
}

func orNA(s string) string {
	if strings.TrimSpace(s) == "" {
		return "N/A"
	}
	return s
}

// Augmenter produces similarity context for tickets and remembers newly
// classified ones. Rendered context is cached per ticket so that a ticket
// retried in a later round does not search again. Remembered tickets are
// held back until Flush so a round of results costs one rebuild.
type Augmenter struct {
	index    *Index
	k        int
	minScore float64
	cache    *ttlcache.Cache[string, string]

	mu      sync.Mutex
	pending []domain.ReferenceTicket
}

func NewAugmenter(index *Index, k int, minScore float64, ttl time.Duration) *Augmenter {
	return &Augmenter{
		index:    index,
		k:        k,
		minScore: minScore,
		cache: ttlcache.New[string, string](
			ttlcache.WithTTL[string, string](ttl),
			ttlcache.WithDisableTouchOnHit[string, string](),
		),
	}
}

// ContextFor returns the prompt context for ticket. The ticket's own
// earlier classification is never used as context for itself.
func (a *Augmenter) ContextFor(ticket domain.Ticket) string {
	if item := a.cache.Get(ticket.ID); item != nil {
		return item.Value()
	}
	matches := a.index.search(ticket.Title+"\n"+ticket.Description, a.k, a.minScore, ticket.ID)
	rendered := FormatContext(matches)
	a.cache.Set(ticket.ID, rendered, ttlcache.DefaultTTL)
	return rendered
}

// Remember queues a fresh classification for the index. It becomes
// searchable after the next Flush.
func (a *Augmenter) Remember(ticket domain.Ticket, c domain.Classification) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.pending = append(a.pending, domain.ReferenceTicket{
		ID:          ticket.ID,
		Title:       ticket.Title,
		Description: ticket.Description,
		Summary:     c.Summary,
		Triage:      c.Triage,
		Category:    c.Category,
		Status:      ticket.Status,
		Solution:    c.Solution,
	})
}

// Flush moves queued classifications into the index as one batch.
func (a *Augmenter) Flush() {
	a.mu.Lock()
	batch := a.pending
	a.pending = nil
	a.mu.Unlock()
	a.index.AddAll(batch)
}

func (a *Augmenter) Index() *Index {
	return a.index
}
