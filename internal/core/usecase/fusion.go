package usecase

import (
	"math"
	"sort"

	"github.com/kirillkom/ragfusion/internal/core/domain"
)

// VectorSimilarity converts a vector hit into a similarity in [0,1].
func VectorSimilarity(hit domain.RawHit) float64 {
	value := hit.Value
	if hit.IsDistance {
		value = 1 - value
	}
	return clampUnit(value)
}

// NormalizeLexical scales a lexical score by the batch maximum.
// A non-positive maximum yields 0 for every candidate.
func NormalizeLexical(score, maxScore float64) float64 {
	if maxScore <= 0 || math.IsNaN(maxScore) {
		return 0
	}
	return clampUnit(score / maxScore)
}

// CombineScores blends vector similarity and normalized lexical evidence.
func CombineScores(vectorScore, lexicalNorm, alpha float64) float64 {
	alpha = clampUnit(alpha)
	return alpha*vectorScore + (1-alpha)*lexicalNorm
}

// FuseCandidates sets CombinedScore on every candidate and orders them
// by combined score, ties broken by document id.
func FuseCandidates(candidates []domain.Candidate, alpha float64) []domain.Candidate {
	out := make([]domain.Candidate, len(candidates))
	copy(out, candidates)

	maxLexical := 0.0
	for _, c := range out {
		if c.LexicalScore > maxLexical {
			maxLexical = c.LexicalScore
		}
	}
	for i := range out {
		out[i].CombinedScore = CombineScores(out[i].VectorScore, NormalizeLexical(out[i].LexicalScore, maxLexical), alpha)
	}

	sort.SliceStable(out, func(i, j int) bool {
		if out[i].CombinedScore != out[j].CombinedScore {
			return out[i].CombinedScore > out[j].CombinedScore
		}
		return out[i].DocumentID < out[j].DocumentID
	})
	return out
}

func trimCandidates(candidates []domain.Candidate, limit int) []domain.Candidate {
	if limit <= 0 || len(candidates) <= limit {
		return candidates
	}
	return candidates[:limit]
}

// candidatePool deduplicates the hits of one run by document id.
// Scores keep the best value seen per retrieval mode.
type candidatePool struct {
	order []string
	byID  map[string]*domain.Candidate
}

func newCandidatePool(capacity int) *candidatePool {
	return &candidatePool{
		order: make([]string, 0, capacity),
		byID:  make(map[string]*domain.Candidate, capacity),
	}
}

func (p *candidatePool) merge(hit domain.RawHit) {
	if hit.DocumentID == "" {
		return
	}

	candidate, ok := p.byID[hit.DocumentID]
	if !ok {
		candidate = &domain.Candidate{DocumentID: hit.DocumentID}
		p.byID[hit.DocumentID] = candidate
		p.order = append(p.order, hit.DocumentID)
	}
	candidate.Fields = preferRicherFields(candidate.Fields, hit.Fields)

	switch hit.Mode {
	case domain.RetrievalLexical:
		if score := finiteOrZero(hit.Value); score > candidate.LexicalScore {
			candidate.LexicalScore = score
		}
	case domain.RetrievalVector:
		if score := VectorSimilarity(hit); score > candidate.VectorScore {
			candidate.VectorScore = score
		}
	}
}

func (p *candidatePool) len() int {
	return len(p.order)
}

func (p *candidatePool) candidates() []domain.Candidate {
	out := make([]domain.Candidate, 0, len(p.order))
	for _, id := range p.order {
		out = append(out, *p.byID[id])
	}
	return out
}

func preferRicherFields(current, candidate domain.DocumentFields) domain.DocumentFields {
	if current.IsZero() {
		return candidate
	}
	if current.Title == "" && candidate.Title != "" {
		current.Title = candidate.Title
	}
	if current.Abstract == "" && candidate.Abstract != "" {
		current.Abstract = candidate.Abstract
	}
	if current.Body == "" && candidate.Body != "" {
		current.Body = candidate.Body
	}
	if len(current.Keywords) == 0 && len(candidate.Keywords) > 0 {
		current.Keywords = candidate.Keywords
	}
	return current
}

func clampUnit(v float64) float64 {
	switch {
	case math.IsNaN(v), v < 0:
		return 0
	case v > 1:
		return 1
	default:
		return v
	}
}

func finiteOrZero(v float64) float64 {
	if math.IsNaN(v) || math.IsInf(v, 0) || v < 0 {
		return 0
	}
	return v
}
