package similarity

import (
	"context"
	"fmt"
	"slices"
	"sort"
	"strings"
	"sync"

	"triagebot/internal/domain"
)

// Match is one search hit. Score is in [0,1].
type Match struct {
	Ref   domain.ReferenceTicket
	Score float64
}

// Index is a TF-IDF cosine index over reference tickets. It is safe for
// concurrent use. Writes mark the model stale and the next Search rebuilds
// it once, outside the lock, so searches never wait on a rebuild.
type Index struct {
	mu        sync.Mutex
	refs      []domain.ReferenceTicket
	byID      map[string]int
	version   uint64
	built     *tfidf
	builtRefs []domain.ReferenceTicket
	rebuilds  int
}

func NewIndex(refs []domain.ReferenceTicket) *Index {
	idx := &Index{byID: make(map[string]int)}
	for _, ref := range refs {
		idx.add(ref)
	}
	return idx
}

// Source provides the reference corpus.
type Source interface {
	GroundTruth(ctx context.Context) ([]domain.ReferenceTicket, error)
	ClassifiedReferences(ctx context.Context) ([]domain.ReferenceTicket, error)
}

// Load builds an index from labelled ground truth plus previously stored
// classifications. Ground truth wins when both hold the same ticket.
func Load(ctx context.Context, src Source) (*Index, error) {
	classified, err := src.ClassifiedReferences(ctx)
	if err != nil {
		return nil, fmt.Errorf("loading classified references: %w", err)
	}
	labelled, err := src.GroundTruth(ctx)
	if err != nil {
		return nil, fmt.Errorf("loading ground truth: %w", err)
	}
	return NewIndex(append(classified, labelled...)), nil
}

// Add inserts ref, replacing any earlier reference with the same ID.
func (i *Index) Add(ref domain.ReferenceTicket) {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.add(ref)
}

// AddAll inserts refs as one write, so the model is rebuilt once for the
// whole batch.
func (i *Index) AddAll(refs []domain.ReferenceTicket) {
	if len(refs) == 0 {
		return
	}
	i.mu.Lock()
	defer i.mu.Unlock()
	for _, ref := range refs {
		i.add(ref)
	}
}

func (i *Index) add(ref domain.ReferenceTicket) {
	if strings.TrimSpace(ref.ID) == "" {
		return
	}
	if pos, ok := i.byID[ref.ID]; ok {
		i.refs[pos] = ref
	} else {
		i.byID[ref.ID] = len(i.refs)
		i.refs = append(i.refs, ref)
	}
	i.version++
	i.built, i.builtRefs = nil, nil
}

func (i *Index) Len() int {
	i.mu.Lock()
	defer i.mu.Unlock()
	return len(i.refs)
}

func (i *Index) snapshot() (*tfidf, []domain.ReferenceTicket) {
	i.mu.Lock()
	if i.built != nil {
		model, refs := i.built, i.builtRefs
		i.mu.Unlock()
		return model, refs
	}
	version := i.version
	refs := slices.Clone(i.refs)
	i.mu.Unlock()

	texts := make([]string, len(refs))
	for n, ref := range refs {
		texts[n] = ref.Text()
	}
	model := buildTFIDF(texts)

	i.mu.Lock()
	defer i.mu.Unlock()
	i.rebuilds++
	// A write landed during the build; keep the result for this search
	// only and let the next one rebuild.
	if i.version == version {
		i.built, i.builtRefs = model, refs
	}
	return model, refs
}

// Search returns up to k references whose similarity to title and
// description is at least minScore, best first. An empty result is not an
// error.
func (i *Index) Search(title, description string, k int, minScore float64) []Match {
	return i.search(title+"\n"+description, k, minScore, "")
}

func (i *Index) search(query string, k int, minScore float64, excludeID string) []Match {
	if k <= 0 {
		return nil
	}
	model, refs := i.snapshot()
	if len(refs) == 0 {
		return nil
	}
	qvec := model.queryVec(query)
	if len(qvec) == 0 {
		return nil
	}

	var matches []Match
	for n, dvec := range model.docs {
		if excludeID != "" && refs[n].ID == excludeID {
			continue
		}
		score := cosineSim(qvec, dvec)
		if score > 0 && score >= minScore {
			matches = append(matches, Match{Ref: refs[n], Score: score})
		}
	}
	sort.SliceStable(matches, func(a, b int) bool {
		if matches[a].Score != matches[b].Score {
			return matches[a].Score > matches[b].Score
		}
		return matches[a].Ref.ID < matches[b].Ref.ID
	})
	if len(matches) > k {
		matches = matches[:k]
	}
	return matches
}
