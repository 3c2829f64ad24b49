package similarity

import (
	"math"
	"strings"
	"unicode"
)

type sparseVec = map[int]float64

// tfidf is an immutable snapshot built from the index's documents.
type tfidf struct {
	vocab map[string]int
	idf   []float64
	docs  []sparseVec
}

func tokenize(s string) []string {
	return strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
}

func buildTFIDF(texts []string) *tfidf {
	vocab := make(map[string]int)
	tokenized := make([][]string, len(texts))
	for i, text := range texts {
		tokenized[i] = tokenize(text)
		for _, tok := range tokenized[i] {
			if _, ok := vocab[tok]; !ok {
				vocab[tok] = len(vocab)
			}
		}
	}

	df := make([]int, len(vocab))
	docs := make([]sparseVec, len(texts))
	for i, tokens := range tokenized {
		vec := make(sparseVec)
		for _, tok := range tokens {
			vec[vocab[tok]]++
		}
		for idx := range vec {
			df[idx]++
		}
		docs[i] = vec
	}

	n := float64(len(texts))
	idf := make([]float64, len(vocab))
	for i, d := range df {
		if d > 0 {
			idf[i] = math.Log(n/float64(d)) + 1.0
		}
	}
	for _, vec := range docs {
		for idx := range vec {
			vec[idx] *= idf[idx]
		}
	}

	return &tfidf{vocab: vocab, idf: idf, docs: docs}
}

func (t *tfidf) queryVec(query string) sparseVec {
	vec := make(sparseVec)
	for _, tok := range tokenize(query) {
		if i, ok := t.vocab[tok]; ok {
			vec[i] += t.idf[i]
		}
	}
	return vec
}

// cosineSim is in [0,1] because every weight is non-negative.
func cosineSim(a, b sparseVec) float64 {
	var dot, normA, normB float64
	for i, va := range a {
		if vb, ok := b[i]; ok {
			dot += va * vb
		}
		normA += va * va
	}
	for _, vb := range b {
		normB += vb * vb
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	sim := dot / (math.Sqrt(normA) * math.Sqrt(normB))
	return math.Min(sim, 1)
}
