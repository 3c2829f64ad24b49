package domain

import (
	"slices"
	"strings"
)

// Classification is the structured result extracted from one service
// reply. Fields the reply lacked are empty strings.
type Classification struct {
	TicketID       string
	Summary        string
	Triage         string
	Category       string
	Solution       string
	TriageReason   string
	CategoryReason string
	Provider       string
	Model          string

	// MissingFields lists expected reply fields that were absent.
	MissingFields []string
}

// Normalized returns a copy with triage and category trimmed, which is how
// both are stored and matched against employee affinities.
func (c Classification) Normalized() Classification {
	c.Triage = strings.TrimSpace(c.Triage)
	c.Category = strings.TrimSpace(c.Category)
	return c
}

var (
	DefaultCategories  = []string{"Frontend", "Backend", "Infrastructure", "Data"}
	DefaultTriageTiers = []string{"L1", "L2", "L3", "L4", "L5"}
)

// Taxonomy holds the closed label sets the service is asked to choose from.
// Tiers are ordered least to most urgent.
type Taxonomy struct {
	Categories []string
	Tiers      []string
}

func DefaultTaxonomy() Taxonomy {
	return Taxonomy{
		Categories: slices.Clone(DefaultCategories),
		Tiers:      slices.Clone(DefaultTriageTiers),
	}
}

// TierRank returns the urgency rank of tier (0 = least urgent), or -1 when
// the label is not part of the taxonomy.
func (t Taxonomy) TierRank(tier string) int {
	tier = strings.TrimSpace(tier)
	for i, known := range t.Tiers {
		if strings.EqualFold(known, tier) {
			return i
		}
	}
	return -1
}

func (t Taxonomy) KnownCategory(category string) bool {
	category = strings.TrimSpace(category)
	for _, known := range t.Categories {
		if strings.EqualFold(known, category) {
			return true
		}
	}
	return false
}
