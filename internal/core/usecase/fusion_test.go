package usecase

import (
	"testing"

	"github.com/kirillkom/ragfusion/internal/core/domain"
)

func TestFuseCandidatesTransformerScenario(t *testing.T) {
	candidates := []domain.Candidate{
		{DocumentID: "doc-b", LexicalScore: 0, VectorScore: 0.95},
		{DocumentID: "doc-a", LexicalScore: 8.0, VectorScore: 0.9},
	}

	fused := FuseCandidates(candidates, 0.6)
	if len(fused) != 2 {
		t.Fatalf("expected 2 candidates, got %d", len(fused))
	}
	if fused[0].DocumentID != "doc-a" || fused[1].DocumentID != "doc-b" {
		t.Fatalf("expected order [doc-a doc-b], got [%s %s]", fused[0].DocumentID, fused[1].DocumentID)
	}
	if !approxEqual(fused[0].CombinedScore, 0.94) {
		t.Fatalf("expected doc-a combined 0.94, got %v", fused[0].CombinedScore)
	}
	if !approxEqual(fused[1].CombinedScore, 0.57) {
		t.Fatalf("expected doc-b combined 0.57, got %v", fused[1].CombinedScore)
	}
}

func TestFuseCandidatesAlphaZeroRanksByLexicalOnly(t *testing.T) {
	candidates := []domain.Candidate{
		{DocumentID: "doc-1", LexicalScore: 2, VectorScore: 1},
		{DocumentID: "doc-2", LexicalScore: 6, VectorScore: 0},
		{DocumentID: "doc-3", LexicalScore: 4, VectorScore: 0.7},
	}

	fused := FuseCandidates(candidates, 0)
	want := []string{"doc-2", "doc-3", "doc-1"}
	for i, id := range want {
		if fused[i].DocumentID != id {
			t.Fatalf("position %d: expected %s, got %s", i, id, fused[i].DocumentID)
		}
	}
	if !approxEqual(fused[0].CombinedScore, 1) {
		t.Fatalf("expected top lexical candidate normalized to 1, got %v", fused[0].CombinedScore)
	}
}

func TestFuseCandidatesAlphaOneRanksByVectorOnly(t *testing.T) {
	candidates := []domain.Candidate{
		{DocumentID: "doc-1", LexicalScore: 100, VectorScore: 0.2},
		{DocumentID: "doc-2", LexicalScore: 0, VectorScore: 0.9},
	}

	fused := FuseCandidates(candidates, 1)
	if fused[0].DocumentID != "doc-2" {
		t.Fatalf("expected doc-2 first with alpha=1, got %s", fused[0].DocumentID)
	}
	if !approxEqual(fused[1].CombinedScore, 0.2) {
		t.Fatalf("expected lexical evidence ignored, got %v", fused[1].CombinedScore)
	}
}

func TestFuseCandidatesWithoutLexicalEvidence(t *testing.T) {
	candidates := []domain.Candidate{
		{DocumentID: "doc-1", VectorScore: 0.4},
		{DocumentID: "doc-2", VectorScore: 0.8},
	}

	fused := FuseCandidates(candidates, 0.5)
	if !approxEqual(fused[0].CombinedScore, 0.4) || !approxEqual(fused[1].CombinedScore, 0.2) {
		t.Fatalf("unexpected combined scores: %v %v", fused[0].CombinedScore, fused[1].CombinedScore)
	}
}

func TestFuseCandidatesTieBreakByDocumentID(t *testing.T) {
	candidates := []domain.Candidate{
		{DocumentID: "doc-b", VectorScore: 0.5},
		{DocumentID: "doc-a", VectorScore: 0.5},
	}

	fused := FuseCandidates(candidates, 1)
	if fused[0].DocumentID != "doc-a" {
		t.Fatalf("expected tie-break by document id, got first=%s", fused[0].DocumentID)
	}
}

func TestCombinedScoreStaysInUnitInterval(t *testing.T) {
	candidates := []domain.Candidate{
		{DocumentID: "doc-1", LexicalScore: 12.5, VectorScore: 1},
		{DocumentID: "doc-2", LexicalScore: 0.1, VectorScore: 0},
		{DocumentID: "doc-3", LexicalScore: 7, VectorScore: 0.33},
	}

	for _, alpha := range []float64{0, 0.1, 0.25, 0.5, 0.6, 0.9, 1} {
		for _, c := range FuseCandidates(candidates, alpha) {
			if c.CombinedScore < 0 || c.CombinedScore > 1 {
				t.Fatalf("alpha=%v: combined score %v out of range for %s", alpha, c.CombinedScore, c.DocumentID)
			}
		}
	}
}

func TestVectorSimilarity(t *testing.T) {
	tests := []struct {
		name string
		hit  domain.RawHit
		want float64
	}{
		{name: "distance", hit: domain.RawHit{Value: 0.25, IsDistance: true}, want: 0.75},
		{name: "distance beyond one", hit: domain.RawHit{Value: 1.4, IsDistance: true}, want: 0},
		{name: "similarity", hit: domain.RawHit{Value: 0.8}, want: 0.8},
		{name: "similarity above one", hit: domain.RawHit{Value: 1.2}, want: 1},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if got := VectorSimilarity(tc.hit); !approxEqual(got, tc.want) {
				t.Fatalf("expected %v, got %v", tc.want, got)
			}
		})
	}
}

func TestCandidatePoolMergeKeepsBestScores(t *testing.T) {
	pool := newCandidatePool(4)
	pool.merge(domain.RawHit{DocumentID: "doc-1", Mode: domain.RetrievalLexical, Value: 3, Fields: domain.DocumentFields{Title: "T"}})
	pool.merge(domain.RawHit{DocumentID: "doc-1", Mode: domain.RetrievalLexical, Value: 1})
	pool.merge(domain.RawHit{DocumentID: "doc-1", Mode: domain.RetrievalVector, Value: 0.3, IsDistance: true, Fields: domain.DocumentFields{Body: "body"}})
	pool.merge(domain.RawHit{DocumentID: "doc-1", Mode: domain.RetrievalVector, Value: 0.5, IsDistance: true})

	candidates := pool.candidates()
	if len(candidates) != 1 {
		t.Fatalf("expected 1 candidate, got %d", len(candidates))
	}
	c := candidates[0]
	if c.LexicalScore != 3 {
		t.Fatalf("expected lexical max 3, got %v", c.LexicalScore)
	}
	if !approxEqual(c.VectorScore, 0.7) {
		t.Fatalf("expected vector max 0.7, got %v", c.VectorScore)
	}
	if c.Fields.Title != "T" || c.Fields.Body != "body" {
		t.Fatalf("expected fields filled from both hits, got %+v", c.Fields)
	}
}

func TestCandidatePoolMergeIsIdempotent(t *testing.T) {
	hit := domain.RawHit{DocumentID: "doc-1", Mode: domain.RetrievalVector, Value: 0.6}

	once := newCandidatePool(1)
	once.merge(hit)
	twice := newCandidatePool(1)
	twice.merge(hit)
	twice.merge(hit)

	a, b := once.candidates()[0], twice.candidates()[0]
	if a.LexicalScore != b.LexicalScore || a.VectorScore != b.VectorScore || twice.len() != 1 {
		t.Fatalf("expected idempotent merge, got %+v vs %+v", a, b)
	}
}

func TestCandidatePoolMergeIsOrderIndependent(t *testing.T) {
	hits := []domain.RawHit{
		{DocumentID: "doc-1", Mode: domain.RetrievalLexical, Value: 2},
		{DocumentID: "doc-2", Mode: domain.RetrievalVector, Value: 0.4},
		{DocumentID: "doc-1", Mode: domain.RetrievalVector, Value: 0.9},
		{DocumentID: "doc-1", Mode: domain.RetrievalLexical, Value: 5},
		{DocumentID: "doc-2", Mode: domain.RetrievalLexical, Value: 1},
	}

	scores := func(order []int) map[string][2]float64 {
		pool := newCandidatePool(len(hits))
		for _, i := range order {
			pool.merge(hits[i])
		}
		out := map[string][2]float64{}
		for _, c := range pool.candidates() {
			out[c.DocumentID] = [2]float64{c.LexicalScore, c.VectorScore}
		}
		return out
	}

	want := scores([]int{0, 1, 2, 3, 4})
	for _, order := range [][]int{{4, 3, 2, 1, 0}, {2, 0, 4, 1, 3}, {3, 1, 0, 4, 2}} {
		got := scores(order)
		for id, w := range want {
			if got[id] != w {
				t.Fatalf("order %v: %s scores %v, want %v", order, id, got[id], w)
			}
		}
	}
}

func TestCandidatePoolSkipsHitsWithoutIdentity(t *testing.T) {
	pool := newCandidatePool(1)
	pool.merge(domain.RawHit{Mode: domain.RetrievalLexical, Value: 1})
	if pool.len() != 0 {
		t.Fatalf("expected hit without id to be dropped")
	}
}
